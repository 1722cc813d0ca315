package domain

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
	"github.com/smallbiznis/faktur/pkg/db/pagination"
)

type CreateInvoiceRequest struct {
	CustomerID   string
	PaymentTerms PaymentTerms
	IssueDate    *time.Time
	Notes        string
	Items        []LineItemInput
}

type LineItemInput struct {
	Description    string
	Quantity       int64
	UnitPrice      decimal.Decimal
	DiscountType   DiscountType
	DiscountValue  decimal.Decimal
	TaxRatePercent decimal.Decimal
	SortOrder      int
}

type ListInvoiceRequest struct {
	PageToken  string
	PageSize   int
	Status     *InvoiceStatus
	CustomerID *string
	IssuedFrom *time.Time
	IssuedTo   *time.Time
	DueFrom    *time.Time
	DueTo      *time.Time
	BalanceMin *decimal.Decimal
}

type ListInvoiceResponse struct {
	pagination.PageInfo
	Invoices []Invoice `json:"invoices"`
}

type Service interface {
	Create(ctx context.Context, req CreateInvoiceRequest) (Invoice, error)
	GetByID(ctx context.Context, id string) (Invoice, error)
	List(ctx context.Context, req ListInvoiceRequest) (ListInvoiceResponse, error)
	AddLineItem(ctx context.Context, invoiceID string, version int64, item LineItemInput) (Invoice, error)
	RemoveLineItem(ctx context.Context, invoiceID string, version int64, lineItemID string) (Invoice, error)
	// Send consumes available customer credit as a discount line, deducts it,
	// and marks the invoice sent, all in one transaction.
	Send(ctx context.Context, invoiceID string, version int64) (Invoice, error)
	Cancel(ctx context.Context, invoiceID string, version int64) (Invoice, error)
	ListOverdue(ctx context.Context, asOf time.Time, limit int) ([]Invoice, error)
}
