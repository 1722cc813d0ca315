package domain

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	"github.com/smallbiznis/faktur/internal/event"
	invoicedomain "github.com/smallbiznis/faktur/internal/invoice/domain"
)

type Frequency string

const (
	FrequencyMonthly   Frequency = "MONTHLY"
	FrequencyQuarterly Frequency = "QUARTERLY"
	FrequencyAnnually  Frequency = "ANNUALLY"
)

type TemplateStatus string

const (
	TemplateStatusActive    TemplateStatus = "ACTIVE"
	TemplateStatusPaused    TemplateStatus = "PAUSED"
	TemplateStatusCompleted TemplateStatus = "COMPLETED"
)

const EventInvoiceGenerated = "recurring.invoice_generated"

var (
	ErrInvalidTemplateID  = errors.New("invalid_template_id")
	ErrInvalidName        = errors.New("invalid_template_name")
	ErrInvalidFrequency   = errors.New("invalid_frequency")
	ErrInvalidDateRange   = errors.New("end_date_before_start_date")
	ErrNoTemplateItems    = errors.New("template_has_no_line_items")
	ErrTemplateNotFound   = errors.New("template_not_found")
	ErrTemplateNotActive  = errors.New("template_not_active")
	ErrTemplateNotPaused  = errors.New("template_not_paused")
	ErrTemplateCompleted  = errors.New("template_completed")
	ErrNotDue             = errors.New("template_not_due")
	ErrMissingLineItemIDs = errors.New("missing_line_item_ids")
)

// Template describes a recurring invoice: what to bill, to whom, and on what
// cadence. NextInvoiceDate is the generation cursor; it is nil once the
// template completes.
type Template struct {
	ID              snowflake.ID               `json:"id,string" gorm:"primaryKey"`
	Name            string                     `json:"name"`
	CustomerID      snowflake.ID               `json:"customer_id,string" gorm:"index:ix_recurring_customer"`
	Currency        string                     `json:"currency"`
	Frequency       Frequency                  `json:"frequency"`
	Status          TemplateStatus             `json:"status"`
	PaymentTerms    invoicedomain.PaymentTerms `json:"payment_terms"`
	AutoSend        bool                       `json:"auto_send"`
	StartDate       time.Time                  `json:"start_date"`
	EndDate         *time.Time                 `json:"end_date,omitempty"`
	NextInvoiceDate *time.Time                 `json:"next_invoice_date,omitempty"`
	Notes           string                     `json:"notes"`
	CreatedAt       time.Time                  `json:"created_at"`
	UpdatedAt       time.Time                  `json:"updated_at"`

	Items []TemplateLineItem `json:"items" gorm:"foreignKey:TemplateID"`

	event.Recorder `json:"-" gorm:"-"`
}

func (Template) TableName() string {
	return "recurring_invoice_templates"
}

type TemplateLineItem struct {
	ID             snowflake.ID               `json:"id,string" gorm:"primaryKey"`
	TemplateID     snowflake.ID               `json:"template_id,string" gorm:"index:ix_recurring_items_template"`
	Description    string                     `json:"description"`
	Quantity       int64                      `json:"quantity"`
	UnitPrice      decimal.Decimal            `json:"unit_price" gorm:"type:decimal(18,2)"`
	DiscountType   invoicedomain.DiscountType `json:"discount_type"`
	DiscountValue  decimal.Decimal            `json:"discount_value" gorm:"type:decimal(18,2)"`
	TaxRatePercent decimal.Decimal            `json:"tax_rate_percent" gorm:"type:decimal(8,4)"`
	SortOrder      int                        `json:"sort_order"`
	CreatedAt      time.Time                  `json:"created_at"`
}

func (TemplateLineItem) TableName() string {
	return "recurring_invoice_template_items"
}

type CreateTemplateRequest struct {
	Name         string
	CustomerID   string
	Frequency    Frequency
	PaymentTerms invoicedomain.PaymentTerms
	AutoSend     bool
	StartDate    time.Time
	EndDate      *time.Time
	Notes        string
	Items        []invoicedomain.LineItemInput
}

type Service interface {
	Create(ctx context.Context, req CreateTemplateRequest) (Template, error)
	GetByID(ctx context.Context, id string) (Template, error)
	List(ctx context.Context, status *TemplateStatus) ([]Template, error)
	// Generate spawns the invoice the cursor points at and advances the cursor,
	// in one transaction.
	Generate(ctx context.Context, templateID string, asOf time.Time) (invoicedomain.Invoice, error)
	Pause(ctx context.Context, templateID string) (Template, error)
	Resume(ctx context.Context, templateID string, asOf time.Time) (Template, error)
	Complete(ctx context.Context, templateID string) (Template, error)
	// ListDue returns ACTIVE templates whose cursor is at or before asOf.
	ListDue(ctx context.Context, asOf time.Time, limit int) ([]Template, error)
}
