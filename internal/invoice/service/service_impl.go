package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/faktur/internal/clock"
	"github.com/smallbiznis/faktur/internal/config"
	customerservice "github.com/smallbiznis/faktur/internal/customer/service"
	invoicedomain "github.com/smallbiznis/faktur/internal/invoice/domain"
	"github.com/smallbiznis/faktur/internal/invoice/numbering"
	"github.com/smallbiznis/faktur/internal/money"
	outboxdomain "github.com/smallbiznis/faktur/internal/outbox/domain"
	"github.com/smallbiznis/faktur/pkg/db/option"
	"github.com/smallbiznis/faktur/pkg/db/pagination"
	"github.com/smallbiznis/faktur/pkg/repository"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type ServiceParam struct {
	fx.In

	DB        *gorm.DB
	Log       *zap.Logger
	Config    config.Config
	GenID     *snowflake.Node
	Clock     clock.Clock
	Numbering *numbering.Generator
	OutboxSvc outboxdomain.Service
}

type Service struct {
	db       *gorm.DB
	log      *zap.Logger
	currency string
	genID    *snowflake.Node
	clock    clock.Clock

	numbering   *numbering.Generator
	invoicerepo repository.Repository[invoicedomain.Invoice]
	outboxSvc   outboxdomain.Service
}

func NewService(p ServiceParam) invoicedomain.Service {
	return &Service{
		db:       p.DB,
		log:      p.Log.Named("invoice.service"),
		currency: p.Config.Currency,
		genID:    p.GenID,
		clock:    p.Clock,

		numbering:   p.Numbering,
		invoicerepo: repository.ProvideStore[invoicedomain.Invoice](p.DB),
		outboxSvc:   p.OutboxSvc,
	}
}

func (s *Service) Create(ctx context.Context, req invoicedomain.CreateInvoiceRequest) (invoicedomain.Invoice, error) {
	customerID, err := snowflake.ParseString(strings.TrimSpace(req.CustomerID))
	if err != nil {
		return invoicedomain.Invoice{}, invoicedomain.ErrInvalidCustomer
	}

	issueDate := s.clock.Now()
	if req.IssueDate != nil {
		issueDate = req.IssueDate.UTC()
	}
	terms := req.PaymentTerms
	if terms == "" {
		terms = invoicedomain.PaymentTermsNet30
	}

	var created invoicedomain.Invoice
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		number, err := s.numbering.Next(ctx, tx, issueDate.Year())
		if err != nil {
			return err
		}

		invoice, err := invoicedomain.NewInvoice(s.genID.Generate(), number, customerID, s.currency, issueDate, terms, req.Notes)
		if err != nil {
			return err
		}
		for _, input := range req.Items {
			if err := invoice.AddLineItem(s.lineFromInput(input)); err != nil {
				return err
			}
		}

		if err := tx.WithContext(ctx).Create(invoice).Error; err != nil {
			return err
		}
		created = *invoice
		return nil
	})
	if err != nil {
		return invoicedomain.Invoice{}, err
	}
	return created, nil
}

func (s *Service) GetByID(ctx context.Context, id string) (invoicedomain.Invoice, error) {
	invoiceID, err := snowflake.ParseString(strings.TrimSpace(id))
	if err != nil {
		return invoicedomain.Invoice{}, invoicedomain.ErrInvalidInvoiceID
	}

	var invoice invoicedomain.Invoice
	err = s.db.WithContext(ctx).
		Preload("Items", func(db *gorm.DB) *gorm.DB { return db.Order("sort_order asc") }).
		Where("id = ?", invoiceID).
		First(&invoice).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return invoicedomain.Invoice{}, invoicedomain.ErrInvoiceNotFound
		}
		return invoicedomain.Invoice{}, err
	}
	return invoice, nil
}

func (s *Service) List(ctx context.Context, req invoicedomain.ListInvoiceRequest) (invoicedomain.ListInvoiceResponse, error) {
	filter := &invoicedomain.Invoice{}
	if req.Status != nil {
		filter.Status = *req.Status
	}
	if req.CustomerID != nil {
		customerID, err := snowflake.ParseString(strings.TrimSpace(*req.CustomerID))
		if err != nil {
			return invoicedomain.ListInvoiceResponse{}, invoicedomain.ErrInvalidCustomer
		}
		filter.CustomerID = customerID
	}

	pageSize := req.PageSize
	if pageSize <= 0 {
		pageSize = 10
	}

	options := []option.QueryOption{
		option.WithSortBy(option.QuerySortBy{Allow: map[string]bool{"created_at": true}}),
		option.ApplyPagination(pagination.Pagination{PageToken: req.PageToken, PageSize: pageSize + 1}),
	}
	if req.IssuedFrom != nil {
		options = append(options, option.ApplyOperator(option.Condition{
			Field:    "issue_date",
			Operator: option.GTE,
			Value:    *req.IssuedFrom,
		}))
	}
	if req.IssuedTo != nil {
		options = append(options, option.ApplyOperator(option.Condition{
			Field:    "issue_date",
			Operator: option.LTE,
			Value:    *req.IssuedTo,
		}))
	}
	if req.DueFrom != nil {
		options = append(options, option.ApplyOperator(option.Condition{
			Field:    "due_date",
			Operator: option.GTE,
			Value:    *req.DueFrom,
		}))
	}
	if req.DueTo != nil {
		options = append(options, option.ApplyOperator(option.Condition{
			Field:    "due_date",
			Operator: option.LTE,
			Value:    *req.DueTo,
		}))
	}
	if req.BalanceMin != nil {
		options = append(options, option.ApplyOperator(option.Condition{
			Field:    "balance_due",
			Operator: option.GTE,
			Value:    *req.BalanceMin,
		}))
	}

	items, err := s.invoicerepo.Find(ctx, filter, options...)
	if err != nil {
		return invoicedomain.ListInvoiceResponse{}, err
	}

	pageInfo, items := pagination.BuildCursorPageInfo(items, pageSize, func(inv *invoicedomain.Invoice) pagination.Cursor {
		return pagination.Cursor{ID: inv.ID.String(), CreatedAt: inv.CreatedAt.Format(time.RFC3339Nano)}
	})

	invoices := make([]invoicedomain.Invoice, 0, len(items))
	for _, item := range items {
		if item == nil {
			continue
		}
		invoices = append(invoices, *item)
	}

	return invoicedomain.ListInvoiceResponse{PageInfo: *pageInfo, Invoices: invoices}, nil
}

func (s *Service) AddLineItem(ctx context.Context, invoiceID string, version int64, input invoicedomain.LineItemInput) (invoicedomain.Invoice, error) {
	return s.mutate(ctx, invoiceID, version, func(tx *gorm.DB, invoice *invoicedomain.Invoice) error {
		item := s.lineFromInput(input)
		if err := invoice.AddLineItem(item); err != nil {
			return err
		}
		return InsertLine(ctx, tx, invoice, item.ID)
	})
}

func (s *Service) RemoveLineItem(ctx context.Context, invoiceID string, version int64, lineItemID string) (invoicedomain.Invoice, error) {
	lineID, err := snowflake.ParseString(strings.TrimSpace(lineItemID))
	if err != nil {
		return invoicedomain.Invoice{}, invoicedomain.ErrLineItemNotFound
	}
	return s.mutate(ctx, invoiceID, version, func(tx *gorm.DB, invoice *invoicedomain.Invoice) error {
		if err := invoice.RemoveLineItem(lineID); err != nil {
			return err
		}
		return tx.WithContext(ctx).
			Where("id = ? AND invoice_id = ?", lineID, invoice.ID).
			Delete(&invoicedomain.LineItem{}).Error
	})
}

// Send consumes available customer credit before marking the invoice sent.
// Ordering is load-bearing: the credit discount line can only be added while
// the invoice is still DRAFT, so apply-discount and deduct-credit always run
// before MarkAsSent, in one transaction.
func (s *Service) Send(ctx context.Context, invoiceID string, version int64) (invoicedomain.Invoice, error) {
	return s.mutate(ctx, invoiceID, version, func(tx *gorm.DB, invoice *invoicedomain.Invoice) error {
		customer, err := customerservice.LoadForUpdate(ctx, tx, invoice.CustomerID)
		if err != nil {
			return err
		}
		if customer == nil {
			return invoicedomain.ErrInvalidCustomer
		}

		if customer.Credit().IsPositive() && invoice.TotalAmount.IsPositive() {
			applied, err := money.Min(customer.Credit(), money.New(invoice.TotalAmount, invoice.Currency))
			if err != nil {
				return err
			}
			creditLineID := s.genID.Generate()
			if err := invoice.ApplyCreditDiscount(creditLineID, applied); err != nil {
				return err
			}
			if err := InsertLine(ctx, tx, invoice, creditLineID); err != nil {
				return err
			}
			if err := customer.DeductCredit(applied); err != nil {
				return err
			}
			if err := customerservice.SaveCredit(ctx, tx, customer); err != nil {
				return err
			}
			if err := s.outboxSvc.Stage(ctx, tx, "customer", customer.ID.String(), customer.Drain()); err != nil {
				return err
			}
		}

		return invoice.MarkAsSent(s.clock.Now())
	})
}

func (s *Service) Cancel(ctx context.Context, invoiceID string, version int64) (invoicedomain.Invoice, error) {
	return s.mutate(ctx, invoiceID, version, func(tx *gorm.DB, invoice *invoicedomain.Invoice) error {
		return invoice.Cancel()
	})
}

func (s *Service) ListOverdue(ctx context.Context, asOf time.Time, limit int) ([]invoicedomain.Invoice, error) {
	if limit <= 0 {
		limit = 50
	}
	var invoices []invoicedomain.Invoice
	err := s.db.WithContext(ctx).
		Preload("Items", func(db *gorm.DB) *gorm.DB { return db.Order("sort_order asc") }).
		Where("status IN ?", []invoicedomain.InvoiceStatus{invoicedomain.InvoiceStatusSent, invoicedomain.InvoiceStatusOverdue}).
		Where("due_date < ?", asOf.UTC()).
		Where("balance_due > ?", 0).
		Order("due_date asc, id asc").
		Limit(limit).
		Find(&invoices).Error
	if err != nil {
		return nil, err
	}
	return invoices, nil
}

// mutate runs one aggregate operation under the version presented by the
// caller. A mismatch at read time or at write time surfaces as
// ErrVersionConflict; the caller must re-fetch and decide whether to retry.
func (s *Service) mutate(ctx context.Context, invoiceID string, version int64, op func(tx *gorm.DB, invoice *invoicedomain.Invoice) error) (invoicedomain.Invoice, error) {
	id, err := snowflake.ParseString(strings.TrimSpace(invoiceID))
	if err != nil {
		return invoicedomain.Invoice{}, invoicedomain.ErrInvalidInvoiceID
	}

	var updated invoicedomain.Invoice
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		invoice, err := LoadForUpdate(ctx, tx, id)
		if err != nil {
			return err
		}
		if invoice == nil {
			return invoicedomain.ErrInvoiceNotFound
		}
		if invoice.Version != version {
			return fmt.Errorf("%w: have %d, stored %d", invoicedomain.ErrVersionConflict, version, invoice.Version)
		}

		if err := op(tx, invoice); err != nil {
			return err
		}

		if err := SaveWithVersion(ctx, tx, invoice, version); err != nil {
			return err
		}
		if err := s.outboxSvc.Stage(ctx, tx, "invoice", invoice.ID.String(), invoice.Drain()); err != nil {
			return err
		}
		updated = *invoice
		return nil
	})
	if err != nil {
		return invoicedomain.Invoice{}, err
	}
	return updated, nil
}

func (s *Service) lineFromInput(input invoicedomain.LineItemInput) invoicedomain.LineItem {
	discountType := input.DiscountType
	if discountType == "" {
		discountType = invoicedomain.DiscountNone
	}
	return invoicedomain.LineItem{
		ID:             s.genID.Generate(),
		Description:    strings.TrimSpace(input.Description),
		Quantity:       input.Quantity,
		UnitPrice:      input.UnitPrice,
		DiscountType:   discountType,
		DiscountValue:  input.DiscountValue,
		TaxRatePercent: input.TaxRatePercent,
		SortOrder:      input.SortOrder,
	}
}

// LoadForUpdate reads an invoice and its lines inside tx, locking the invoice
// row on dialects that support it.
func LoadForUpdate(ctx context.Context, tx *gorm.DB, id snowflake.ID) (*invoicedomain.Invoice, error) {
	stmt := tx.WithContext(ctx)
	if dialect := tx.Dialector.Name(); dialect == "postgres" || dialect == "mysql" {
		stmt = stmt.Clauses(clause.Locking{Strength: "UPDATE", Table: clause.Table{Name: "invoices"}})
	}

	var invoice invoicedomain.Invoice
	err := stmt.
		Preload("Items", func(db *gorm.DB) *gorm.DB { return db.Order("sort_order asc") }).
		Where("id = ?", id).
		First(&invoice).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &invoice, nil
}

// SaveWithVersion writes the invoice's mutable columns with a compare-and-swap
// on the version the caller read. Zero rows affected means another writer got
// there first.
func SaveWithVersion(ctx context.Context, tx *gorm.DB, invoice *invoicedomain.Invoice, readVersion int64) error {
	result := tx.WithContext(ctx).
		Model(&invoicedomain.Invoice{}).
		Where("id = ? AND version = ?", invoice.ID, readVersion).
		Updates(map[string]any{
			"status":          invoice.Status,
			"due_date":        invoice.DueDate,
			"subtotal":        invoice.Subtotal,
			"tax_amount":      invoice.TaxAmount,
			"discount_amount": invoice.DiscountAmount,
			"total_amount":    invoice.TotalAmount,
			"amount_paid":     invoice.AmountPaid,
			"balance_due":     invoice.BalanceDue,
			"notes":           invoice.Notes,
			"sent_at":         invoice.SentAt,
			"paid_at":         invoice.PaidAt,
			"version":         invoice.Version,
			"updated_at":      invoice.UpdatedAt,
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("%w: invoice %s", invoicedomain.ErrVersionConflict, invoice.ID)
	}
	return nil
}

// InsertLine persists the invoice line with the given id; the line must
// already be attached to the aggregate.
func InsertLine(ctx context.Context, tx *gorm.DB, invoice *invoicedomain.Invoice, lineID snowflake.ID) error {
	for _, item := range invoice.Items {
		if item.ID == lineID {
			return tx.WithContext(ctx).Create(&item).Error
		}
	}
	return invoicedomain.ErrLineItemNotFound
}
