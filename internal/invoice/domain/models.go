// Package domain contains the invoice aggregate and its line items.
package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	"github.com/smallbiznis/faktur/internal/event"
)

// InvoiceStatus represents invoice lifecycle states.
type InvoiceStatus string

const (
	InvoiceStatusDraft     InvoiceStatus = "DRAFT"
	InvoiceStatusSent      InvoiceStatus = "SENT"
	InvoiceStatusOverdue   InvoiceStatus = "OVERDUE"
	InvoiceStatusPaid      InvoiceStatus = "PAID"
	InvoiceStatusCancelled InvoiceStatus = "CANCELLED"
)

// PaymentTerms determines how the due date is derived from the issue date.
type PaymentTerms string

const (
	PaymentTermsNet30        PaymentTerms = "NET_30"
	PaymentTermsDueOnReceipt PaymentTerms = "DUE_ON_RECEIPT"
	PaymentTermsCustom       PaymentTerms = "CUSTOM"
)

// DiscountType tags how a line item's discount value is interpreted.
type DiscountType string

const (
	DiscountNone       DiscountType = "NONE"
	DiscountPercentage DiscountType = "PERCENTAGE"
	DiscountFixed      DiscountType = "FIXED"
)

// Invoice is the billing aggregate. All mutation goes through its methods;
// every structural change bumps Version, which callers use for optimistic
// concurrency at the storage boundary.
type Invoice struct {
	ID            snowflake.ID  `gorm:"primaryKey"`
	InvoiceNumber string        `gorm:"type:text;not null;uniqueIndex:ux_invoices_number"`
	CustomerID    snowflake.ID  `gorm:"not null;index"`
	Status        InvoiceStatus `gorm:"type:text;not null;default:'DRAFT'"`
	PaymentTerms  PaymentTerms  `gorm:"type:text;not null;default:'NET_30'"`
	Currency      string        `gorm:"type:text;not null"`

	IssueDate time.Time `gorm:"not null"`
	DueDate   time.Time `gorm:"not null;index"`

	Subtotal       decimal.Decimal `gorm:"type:decimal(18,2);not null;default:0"`
	TaxAmount      decimal.Decimal `gorm:"type:decimal(18,2);not null;default:0"`
	DiscountAmount decimal.Decimal `gorm:"type:decimal(18,2);not null;default:0"`
	TotalAmount    decimal.Decimal `gorm:"type:decimal(18,2);not null;default:0"`
	AmountPaid     decimal.Decimal `gorm:"type:decimal(18,2);not null;default:0"`
	BalanceDue     decimal.Decimal `gorm:"type:decimal(18,2);not null;default:0;index"`

	Notes  string     `gorm:"type:text"`
	SentAt *time.Time `gorm:""`
	PaidAt *time.Time `gorm:""`

	Version   int64     `gorm:"not null;default:1"`
	CreatedAt time.Time `gorm:"not null;default:CURRENT_TIMESTAMP"`
	UpdatedAt time.Time `gorm:"not null;default:CURRENT_TIMESTAMP"`

	Items []LineItem `gorm:"foreignKey:InvoiceID;references:ID"`

	event.Recorder `gorm:"-"`
}

// TableName sets the database table name.
func (Invoice) TableName() string { return "invoices" }

// LineItem is a single billable line owned by one invoice.
type LineItem struct {
	ID             snowflake.ID    `gorm:"primaryKey"`
	InvoiceID      snowflake.ID    `gorm:"not null;index"`
	Description    string          `gorm:"type:text;not null"`
	Quantity       int64           `gorm:"not null"`
	UnitPrice      decimal.Decimal `gorm:"type:decimal(18,2);not null"`
	DiscountType   DiscountType    `gorm:"type:text;not null;default:'NONE'"`
	DiscountValue  decimal.Decimal `gorm:"type:decimal(18,2);not null;default:0"`
	TaxRatePercent decimal.Decimal `gorm:"type:decimal(8,4);not null;default:0"`
	SortOrder      int             `gorm:"not null;default:0"`
	CreatedAt      time.Time       `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (LineItem) TableName() string { return "invoice_line_items" }
