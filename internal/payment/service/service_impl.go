package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	"github.com/smallbiznis/faktur/internal/clock"
	customerservice "github.com/smallbiznis/faktur/internal/customer/service"
	invoicedomain "github.com/smallbiznis/faktur/internal/invoice/domain"
	invoiceservice "github.com/smallbiznis/faktur/internal/invoice/service"
	"github.com/smallbiznis/faktur/internal/money"
	outboxdomain "github.com/smallbiznis/faktur/internal/outbox/domain"
	paymentdomain "github.com/smallbiznis/faktur/internal/payment/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type ServiceParam struct {
	fx.In

	DB        *gorm.DB
	Log       *zap.Logger
	GenID     *snowflake.Node
	Clock     clock.Clock
	OutboxSvc outboxdomain.Service
}

type Service struct {
	db        *gorm.DB
	log       *zap.Logger
	genID     *snowflake.Node
	clock     clock.Clock
	outboxSvc outboxdomain.Service
}

func NewService(p ServiceParam) paymentdomain.Service {
	return &Service{
		db:        p.DB,
		log:       p.Log.Named("payment.service"),
		genID:     p.GenID,
		clock:     p.Clock,
		outboxSvc: p.OutboxSvc,
	}
}

// Record applies a payment to an open invoice. Any amount above the open
// balance is routed to the customer's credit balance, so the invoice is
// never paid above its total.
func (s *Service) Record(ctx context.Context, req paymentdomain.RecordPaymentRequest) (paymentdomain.Payment, error) {
	invoiceID, err := snowflake.ParseString(strings.TrimSpace(req.InvoiceID))
	if err != nil {
		return paymentdomain.Payment{}, invoicedomain.ErrInvalidInvoiceID
	}
	amount, err := decimal.NewFromString(strings.TrimSpace(req.Amount))
	if err != nil || !amount.IsPositive() {
		return paymentdomain.Payment{}, fmt.Errorf("%w: %q", paymentdomain.ErrInvalidAmount, req.Amount)
	}
	amount = amount.Round(2)

	var recorded paymentdomain.Payment
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		invoice, err := invoiceservice.LoadForUpdate(ctx, tx, invoiceID)
		if err != nil {
			return err
		}
		if invoice == nil {
			return invoicedomain.ErrInvoiceNotFound
		}
		if invoice.Version != req.InvoiceVersion {
			return fmt.Errorf("%w: have %d, stored %d", invoicedomain.ErrVersionConflict, req.InvoiceVersion, invoice.Version)
		}

		received := money.New(amount, invoice.Currency)
		openBalance := money.New(invoice.BalanceDue, invoice.Currency)
		applied, err := money.Min(received, openBalance)
		if err != nil {
			return err
		}
		overpayment, err := received.Sub(applied)
		if err != nil {
			return err
		}

		now := s.clock.Now()
		if err := invoice.RecordPayment(applied, now); err != nil {
			return err
		}

		paymentDate := now
		if req.PaymentDate != nil {
			paymentDate = req.PaymentDate.UTC()
		}
		payment, err := paymentdomain.NewPayment(
			s.genID.Generate(), invoice.ID, invoice.CustomerID,
			amount, invoice.Currency, req.Method, paymentDate,
			req.Reference, req.Notes, req.RecordedBy,
		)
		if err != nil {
			return err
		}
		payment.Record(paymentdomain.EventPaymentRecorded, map[string]any{
			"payment_id":            payment.ID.String(),
			"invoice_id":            invoice.ID.String(),
			"invoice_number":        invoice.InvoiceNumber,
			"amount":                amount.StringFixed(2),
			"applied":               applied.Amount().StringFixed(2),
			"overpayment_credited":  overpayment.Amount().StringFixed(2),
			"currency":              invoice.Currency,
			"method":                string(payment.Method),
			"invoice_balance_after": invoice.BalanceDue.StringFixed(2),
		})

		if err := tx.WithContext(ctx).Create(payment).Error; err != nil {
			return err
		}
		if err := invoiceservice.SaveWithVersion(ctx, tx, invoice, req.InvoiceVersion); err != nil {
			return err
		}

		if overpayment.IsPositive() {
			customer, err := customerservice.LoadForUpdate(ctx, tx, invoice.CustomerID)
			if err != nil {
				return err
			}
			if customer == nil {
				return invoicedomain.ErrInvalidCustomer
			}
			if err := customer.ApplyCredit(overpayment); err != nil {
				return err
			}
			if err := customerservice.SaveCredit(ctx, tx, customer); err != nil {
				return err
			}
			if err := s.outboxSvc.Stage(ctx, tx, "customer", customer.ID.String(), customer.Drain()); err != nil {
				return err
			}
		}

		if err := s.outboxSvc.Stage(ctx, tx, "invoice", invoice.ID.String(), invoice.Drain()); err != nil {
			return err
		}
		if err := s.outboxSvc.Stage(ctx, tx, "payment", payment.ID.String(), payment.Drain()); err != nil {
			return err
		}
		recorded = *payment
		return nil
	})
	if err != nil {
		return paymentdomain.Payment{}, err
	}

	s.log.Info("payment recorded",
		zap.String("payment_id", recorded.ID.String()),
		zap.String("invoice_id", recorded.InvoiceID.String()),
		zap.String("amount", recorded.Amount.StringFixed(2)),
	)
	return recorded, nil
}

// Refund reverses part or all of a payment on a PAID invoice. The money goes
// back out by default; AsCredit parks it on the customer's balance instead.
func (s *Service) Refund(ctx context.Context, req paymentdomain.RefundRequest) (paymentdomain.Payment, error) {
	paymentID, err := snowflake.ParseString(strings.TrimSpace(req.PaymentID))
	if err != nil {
		return paymentdomain.Payment{}, paymentdomain.ErrInvalidPaymentID
	}
	amount, err := decimal.NewFromString(strings.TrimSpace(req.Amount))
	if err != nil || !amount.IsPositive() {
		return paymentdomain.Payment{}, fmt.Errorf("%w: %q", paymentdomain.ErrInvalidAmount, req.Amount)
	}
	amount = amount.Round(2)

	var refund paymentdomain.Payment
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		original, err := s.findPayment(ctx, tx, paymentID)
		if err != nil {
			return err
		}
		if original.Status == paymentdomain.PaymentStatusRefunded {
			return fmt.Errorf("%w: %s", paymentdomain.ErrAlreadyRefunded, original.ID)
		}

		// Refund rows carry negative amounts, so the sum is what has
		// already gone back out.
		var alreadyRefunded decimal.Decimal
		err = tx.WithContext(ctx).
			Model(&paymentdomain.Payment{}).
			Where("refund_of = ?", original.ID).
			Select("COALESCE(SUM(amount), 0)").
			Scan(&alreadyRefunded).Error
		if err != nil {
			return err
		}
		remaining := original.Amount.Add(alreadyRefunded)
		if amount.GreaterThan(remaining) {
			return fmt.Errorf("%w: refund %s, remaining %s", paymentdomain.ErrRefundExceedsPaid, amount, remaining)
		}

		invoice, err := invoiceservice.LoadForUpdate(ctx, tx, original.InvoiceID)
		if err != nil {
			return err
		}
		if invoice == nil {
			return invoicedomain.ErrInvoiceNotFound
		}
		if invoice.Version != req.InvoiceVersion {
			return fmt.Errorf("%w: have %d, stored %d", invoicedomain.ErrVersionConflict, req.InvoiceVersion, invoice.Version)
		}

		now := s.clock.Now()
		row, err := original.NewRefund(s.genID.Generate(), amount, now, req.Reason, req.RecordedBy)
		if err != nil {
			return err
		}

		refunded := money.New(amount, invoice.Currency)
		if err := invoice.RecordRefund(refunded); err != nil {
			return err
		}

		if amount.Equal(remaining) {
			original.Status = paymentdomain.PaymentStatusRefunded
			original.UpdatedAt = now.UTC()
			result := tx.WithContext(ctx).
				Model(&paymentdomain.Payment{}).
				Where("id = ?", original.ID).
				Updates(map[string]any{"status": original.Status, "updated_at": original.UpdatedAt})
			if result.Error != nil {
				return result.Error
			}
		}

		row.Record(paymentdomain.EventPaymentRefunded, map[string]any{
			"payment_id":          row.ID.String(),
			"original_payment_id": original.ID.String(),
			"invoice_id":          invoice.ID.String(),
			"invoice_number":      invoice.InvoiceNumber,
			"amount":              amount.StringFixed(2),
			"currency":            invoice.Currency,
			"as_credit":           req.AsCredit,
		})

		if err := tx.WithContext(ctx).Create(row).Error; err != nil {
			return err
		}
		if err := invoiceservice.SaveWithVersion(ctx, tx, invoice, req.InvoiceVersion); err != nil {
			return err
		}

		if req.AsCredit {
			customer, err := customerservice.LoadForUpdate(ctx, tx, invoice.CustomerID)
			if err != nil {
				return err
			}
			if customer == nil {
				return invoicedomain.ErrInvalidCustomer
			}
			if err := customer.ApplyCredit(refunded); err != nil {
				return err
			}
			if err := customerservice.SaveCredit(ctx, tx, customer); err != nil {
				return err
			}
			if err := s.outboxSvc.Stage(ctx, tx, "customer", customer.ID.String(), customer.Drain()); err != nil {
				return err
			}
		}

		if err := s.outboxSvc.Stage(ctx, tx, "invoice", invoice.ID.String(), invoice.Drain()); err != nil {
			return err
		}
		if err := s.outboxSvc.Stage(ctx, tx, "payment", row.ID.String(), row.Drain()); err != nil {
			return err
		}
		refund = *row
		return nil
	})
	if err != nil {
		return paymentdomain.Payment{}, err
	}

	s.log.Info("payment refunded",
		zap.String("refund_id", refund.ID.String()),
		zap.String("invoice_id", refund.InvoiceID.String()),
		zap.String("amount", refund.Amount.StringFixed(2)),
		zap.Bool("as_credit", req.AsCredit),
	)
	return refund, nil
}

// Annotate updates the free-text fields only. Amounts and status never change
// after the fact.
func (s *Service) Annotate(ctx context.Context, req paymentdomain.AnnotateRequest) (paymentdomain.Payment, error) {
	paymentID, err := snowflake.ParseString(strings.TrimSpace(req.PaymentID))
	if err != nil {
		return paymentdomain.Payment{}, paymentdomain.ErrInvalidPaymentID
	}
	if req.Reference == nil && req.Notes == nil {
		payment, err := s.findPayment(ctx, s.db, paymentID)
		if err != nil {
			return paymentdomain.Payment{}, err
		}
		return *payment, nil
	}

	updates := map[string]any{"updated_at": time.Now().UTC()}
	if req.Reference != nil {
		updates["reference"] = strings.TrimSpace(*req.Reference)
	}
	if req.Notes != nil {
		updates["notes"] = strings.TrimSpace(*req.Notes)
	}

	var payment *paymentdomain.Payment
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		payment, err = s.findPayment(ctx, tx, paymentID)
		if err != nil {
			return err
		}
		return tx.WithContext(ctx).
			Model(&paymentdomain.Payment{}).
			Where("id = ?", paymentID).
			Updates(updates).Error
	})
	if err != nil {
		return paymentdomain.Payment{}, err
	}
	if req.Reference != nil {
		payment.Reference = strings.TrimSpace(*req.Reference)
	}
	if req.Notes != nil {
		payment.Notes = strings.TrimSpace(*req.Notes)
	}
	return *payment, nil
}

func (s *Service) ListByInvoice(ctx context.Context, invoiceID string) ([]paymentdomain.Payment, error) {
	id, err := snowflake.ParseString(strings.TrimSpace(invoiceID))
	if err != nil {
		return nil, invoicedomain.ErrInvalidInvoiceID
	}
	var payments []paymentdomain.Payment
	err = s.db.WithContext(ctx).
		Where("invoice_id = ?", id).
		Order("payment_date asc, id asc").
		Find(&payments).Error
	if err != nil {
		return nil, err
	}
	return payments, nil
}

func (s *Service) findPayment(ctx context.Context, tx *gorm.DB, id snowflake.ID) (*paymentdomain.Payment, error) {
	var payment paymentdomain.Payment
	err := tx.WithContext(ctx).Where("id = ?", id).First(&payment).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("%w: %s", paymentdomain.ErrPaymentNotFound, id)
		}
		return nil, err
	}
	return &payment, nil
}
