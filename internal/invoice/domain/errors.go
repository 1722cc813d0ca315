package domain

import "errors"

var (
	// Validation errors: caller-correctable input problems.
	ErrInvalidAmount      = errors.New("invalid_amount")
	ErrInvalidQuantity    = errors.New("invalid_quantity")
	ErrInvalidDescription = errors.New("invalid_description")
	ErrInvalidTaxRate     = errors.New("invalid_tax_rate")
	ErrInvalidDiscount    = errors.New("invalid_discount")
	ErrInvalidCustomer    = errors.New("invalid_customer")
	ErrInvalidInvoiceID   = errors.New("invalid_invoice_id")

	// State errors: the operation is forbidden in the current status.
	ErrInvoiceNotDraft      = errors.New("invoice_not_draft")
	ErrInvoiceNotOpen       = errors.New("invoice_not_open")
	ErrInvoiceNotPaid       = errors.New("invoice_not_paid")
	ErrInvoiceImmutable     = errors.New("invoice_immutable")
	ErrInvoiceHasPayments   = errors.New("invoice_has_payments")
	ErrNoLineItems          = errors.New("no_line_items")
	ErrLastLineItem         = errors.New("last_line_item")
	ErrLineItemNotFound     = errors.New("line_item_not_found")
	ErrDuplicateLineItem    = errors.New("duplicate_line_item")
	ErrRefundExceedsPaid    = errors.New("refund_exceeds_amount_paid")
	ErrLateFeeAlreadyExists = errors.New("late_fee_already_applied")

	// Concurrency conflict: a stale version was presented on save.
	ErrVersionConflict = errors.New("version_conflict")

	ErrInvoiceNotFound = errors.New("invoice_not_found")
)
