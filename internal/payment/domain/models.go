package domain

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	"github.com/smallbiznis/faktur/internal/event"
)

type PaymentStatus string

const (
	PaymentStatusCompleted PaymentStatus = "COMPLETED"
	PaymentStatusRefunded  PaymentStatus = "REFUNDED"
)

type PaymentMethod string

const (
	MethodBankTransfer PaymentMethod = "BANK_TRANSFER"
	MethodCard         PaymentMethod = "CARD"
	MethodCash         PaymentMethod = "CASH"
	MethodCheck        PaymentMethod = "CHECK"
	MethodOther        PaymentMethod = "OTHER"
)

// Event kinds recorded against payments.
const (
	EventPaymentRecorded = "payment.recorded"
	EventPaymentRefunded = "payment.refunded"
)

var (
	ErrInvalidPaymentID  = errors.New("invalid_payment_id")
	ErrInvalidMethod     = errors.New("invalid_payment_method")
	ErrInvalidAmount     = errors.New("invalid_payment_amount")
	ErrPaymentNotFound   = errors.New("payment_not_found")
	ErrPaymentNotRefund  = errors.New("payment_is_not_a_refund_source")
	ErrAlreadyRefunded   = errors.New("payment_already_refunded")
	ErrRefundExceedsPaid = errors.New("refund_exceeds_original_payment")
)

var knownMethods = map[PaymentMethod]bool{
	MethodBankTransfer: true,
	MethodCard:         true,
	MethodCash:         true,
	MethodCheck:        true,
	MethodOther:        true,
}

// Payment is an immutable money movement against an invoice. Refunds are
// separate rows with REFUNDED status and a negative amount, pointing back at
// the original through RefundOf.
type Payment struct {
	ID          snowflake.ID    `json:"id,string" gorm:"primaryKey"`
	InvoiceID   snowflake.ID    `json:"invoice_id,string" gorm:"index:ix_payments_invoice"`
	CustomerID  snowflake.ID    `json:"customer_id,string" gorm:"index:ix_payments_customer"`
	Amount      decimal.Decimal `json:"amount" gorm:"type:decimal(18,2)"`
	Currency    string          `json:"currency"`
	Method      PaymentMethod   `json:"method"`
	Status      PaymentStatus   `json:"status"`
	PaymentDate time.Time       `json:"payment_date"`
	Reference   string          `json:"reference"`
	Notes       string          `json:"notes"`
	RecordedBy  string          `json:"recorded_by"`
	RefundOf    *snowflake.ID   `json:"refund_of,string,omitempty" gorm:"index:ix_payments_refund_of"`
	CreatedAt   time.Time       `json:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at"`

	event.Recorder `json:"-" gorm:"-"`
}

func (Payment) TableName() string {
	return "payments"
}

// NewPayment builds a COMPLETED payment row. The amount must be positive.
func NewPayment(id snowflake.ID, invoiceID, customerID snowflake.ID, amount decimal.Decimal, currency string, method PaymentMethod, paymentDate time.Time, reference, notes, recordedBy string) (*Payment, error) {
	if !amount.IsPositive() {
		return nil, fmt.Errorf("%w: %s", ErrInvalidAmount, amount)
	}
	if !knownMethods[method] {
		return nil, fmt.Errorf("%w: %q", ErrInvalidMethod, method)
	}
	now := time.Now().UTC()
	return &Payment{
		ID:          id,
		InvoiceID:   invoiceID,
		CustomerID:  customerID,
		Amount:      amount.Round(2),
		Currency:    currency,
		Method:      method,
		Status:      PaymentStatusCompleted,
		PaymentDate: paymentDate.UTC(),
		Reference:   strings.TrimSpace(reference),
		Notes:       strings.TrimSpace(notes),
		RecordedBy:  strings.TrimSpace(recordedBy),
		CreatedAt:   now,
		UpdatedAt:   now,
	}, nil
}

// NewRefund derives a refund row from the payment being reversed. The refund
// carries a negative amount and REFUNDED status so ledger sums stay honest.
func (p *Payment) NewRefund(id snowflake.ID, amount decimal.Decimal, now time.Time, reason, recordedBy string) (*Payment, error) {
	if p.Status == PaymentStatusRefunded {
		return nil, fmt.Errorf("%w: %s", ErrAlreadyRefunded, p.ID)
	}
	if !amount.IsPositive() {
		return nil, fmt.Errorf("%w: %s", ErrInvalidAmount, amount)
	}
	if amount.GreaterThan(p.Amount) {
		return nil, fmt.Errorf("%w: refund %s, original %s", ErrRefundExceedsPaid, amount, p.Amount)
	}
	at := now.UTC()
	original := p.ID
	return &Payment{
		ID:          id,
		InvoiceID:   p.InvoiceID,
		CustomerID:  p.CustomerID,
		Amount:      amount.Round(2).Neg(),
		Currency:    p.Currency,
		Method:      p.Method,
		Status:      PaymentStatusRefunded,
		PaymentDate: at,
		Reference:   p.Reference,
		Notes:       strings.TrimSpace(reason),
		RecordedBy:  strings.TrimSpace(recordedBy),
		RefundOf:    &original,
		CreatedAt:   at,
		UpdatedAt:   at,
	}, nil
}

type RecordPaymentRequest struct {
	InvoiceID      string
	InvoiceVersion int64
	Amount         string
	Method         PaymentMethod
	PaymentDate    *time.Time
	Reference      string
	Notes          string
	RecordedBy     string
}

type RefundRequest struct {
	PaymentID      string
	InvoiceVersion int64
	Amount         string
	Reason         string
	RecordedBy     string
	// AsCredit routes the refunded amount to the customer's credit balance
	// instead of cash out.
	AsCredit bool
}

type AnnotateRequest struct {
	PaymentID string
	Reference *string
	Notes     *string
}

type Service interface {
	Record(ctx context.Context, req RecordPaymentRequest) (Payment, error)
	Refund(ctx context.Context, req RefundRequest) (Payment, error)
	Annotate(ctx context.Context, req AnnotateRequest) (Payment, error)
	ListByInvoice(ctx context.Context, invoiceID string) ([]Payment, error)
}
