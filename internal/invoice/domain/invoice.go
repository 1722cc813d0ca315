package domain

import (
	"fmt"
	"sort"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	"github.com/smallbiznis/faktur/internal/money"
)

// Event kinds recorded by the invoice aggregate.
const (
	EventInvoiceSent           = "invoice.sent"
	EventInvoicePaid           = "invoice.paid"
	EventInvoiceLateFeeApplied = "invoice.late_fee_applied"
	EventInvoiceCancelled      = "invoice.cancelled"
)

// NewInvoice builds a draft invoice with zeroed money fields. The due date is
// derived from the payment terms.
func NewInvoice(id snowflake.ID, number string, customerID snowflake.ID, currency string, issueDate time.Time, terms PaymentTerms, notes string) (*Invoice, error) {
	if customerID == 0 {
		return nil, ErrInvalidCustomer
	}
	now := time.Now().UTC()
	zero := decimal.Zero
	return &Invoice{
		ID:             id,
		InvoiceNumber:  number,
		CustomerID:     customerID,
		Status:         InvoiceStatusDraft,
		PaymentTerms:   terms,
		Currency:       currency,
		IssueDate:      issueDate,
		DueDate:        DueDateFor(terms, issueDate),
		Subtotal:       zero,
		TaxAmount:      zero,
		DiscountAmount: zero,
		TotalAmount:    zero,
		AmountPaid:     zero,
		BalanceDue:     zero,
		Notes:          notes,
		Version:        1,
		CreatedAt:      now,
		UpdatedAt:      now,
	}, nil
}

// DueDateFor derives a due date from payment terms and issue date.
// CUSTOM falls back to the NET_30 default until a caller overrides DueDate.
func DueDateFor(terms PaymentTerms, issueDate time.Time) time.Time {
	switch terms {
	case PaymentTermsDueOnReceipt:
		return issueDate
	default:
		return issueDate.AddDate(0, 0, 30)
	}
}

func (i *Invoice) money(d decimal.Decimal) money.Money {
	return money.New(d, i.Currency)
}

func (i *Invoice) touch() {
	i.Version++
	i.UpdatedAt = time.Now().UTC()
}

func (i *Invoice) isTerminalOrPaid() bool {
	return i.Status == InvoiceStatusPaid || i.Status == InvoiceStatusCancelled
}

func (i *Invoice) isOpenForPayment() bool {
	return i.Status == InvoiceStatusSent || i.Status == InvoiceStatusOverdue
}

// AddLineItem validates and appends a line, then recomputes totals.
func (i *Invoice) AddLineItem(item LineItem) error {
	if i.isTerminalOrPaid() {
		return fmt.Errorf("%w: status %s", ErrInvoiceImmutable, i.Status)
	}
	if err := item.Validate(); err != nil {
		return err
	}
	if item.DiscountType == "" {
		item.DiscountType = DiscountNone
	}
	for _, existing := range i.Items {
		if existing.ID == item.ID {
			return fmt.Errorf("%w: %s", ErrDuplicateLineItem, item.ID)
		}
	}
	item.InvoiceID = i.ID
	if item.SortOrder == 0 {
		item.SortOrder = i.nextSortOrder()
	}
	if item.CreatedAt.IsZero() {
		item.CreatedAt = time.Now().UTC()
	}
	i.Items = append(i.Items, item)
	i.sortItems()
	i.RecalculateTotals()
	i.touch()
	return nil
}

// RemoveLineItem drops a line; the invoice can never be left empty.
func (i *Invoice) RemoveLineItem(lineID snowflake.ID) error {
	if i.isTerminalOrPaid() {
		return fmt.Errorf("%w: status %s", ErrInvoiceImmutable, i.Status)
	}
	idx := -1
	for n, item := range i.Items {
		if item.ID == lineID {
			idx = n
			break
		}
	}
	if idx < 0 {
		return fmt.Errorf("%w: %s", ErrLineItemNotFound, lineID)
	}
	if len(i.Items) == 1 {
		return ErrLastLineItem
	}
	i.Items = append(i.Items[:idx], i.Items[idx+1:]...)
	i.RecalculateTotals()
	i.touch()
	return nil
}

// RecalculateTotals folds every line's breakdown into the invoice totals.
// Applying it twice without mutation is a no-op.
func (i *Invoice) RecalculateTotals() {
	subtotal := money.Zero(i.Currency)
	discount := money.Zero(i.Currency)
	tax := money.Zero(i.Currency)

	for _, item := range i.Items {
		b := item.Compute(i.Currency)
		subtotal, _ = subtotal.Add(b.Base)
		discount, _ = discount.Add(b.Discount)
		tax, _ = tax.Add(b.Tax)
	}

	total, _ := subtotal.Add(tax)
	total, _ = total.Sub(discount)

	i.Subtotal = subtotal.Amount()
	i.DiscountAmount = discount.Amount()
	i.TaxAmount = tax.Amount()
	i.TotalAmount = total.Amount()
	i.recalculateBalance()
}

func (i *Invoice) recalculateBalance() {
	balance := i.TotalAmount.Sub(i.AmountPaid)
	if balance.IsNegative() {
		balance = decimal.Zero
	}
	i.BalanceDue = balance.Round(2)
}

// MarkAsSent transitions DRAFT -> SENT. At least one line item is required.
func (i *Invoice) MarkAsSent(now time.Time) error {
	if i.Status != InvoiceStatusDraft {
		return fmt.Errorf("%w: status %s", ErrInvoiceNotDraft, i.Status)
	}
	if len(i.Items) == 0 {
		return ErrNoLineItems
	}
	sentAt := now.UTC()
	i.Status = InvoiceStatusSent
	i.SentAt = &sentAt
	i.touch()
	i.Record(EventInvoiceSent, map[string]any{
		"invoice_id":     i.ID.String(),
		"invoice_number": i.InvoiceNumber,
		"customer_id":    i.CustomerID.String(),
		"total_amount":   i.TotalAmount.StringFixed(2),
		"currency":       i.Currency,
		"due_date":       i.DueDate.Format(time.RFC3339),
		"line_count":     len(i.Items),
	})
	return nil
}

// RecordPayment increases the amount paid and clamps the balance at zero.
// A zero balance transitions to PAID.
func (i *Invoice) RecordPayment(amount money.Money, now time.Time) error {
	if !i.isOpenForPayment() {
		return fmt.Errorf("%w: status %s", ErrInvoiceNotOpen, i.Status)
	}
	if !amount.IsPositive() {
		return fmt.Errorf("%w: %s", ErrInvalidAmount, amount)
	}
	paid, err := i.money(i.AmountPaid).Add(amount)
	if err != nil {
		return err
	}
	i.AmountPaid = paid.Amount()
	i.recalculateBalance()
	i.touch()

	if i.BalanceDue.IsZero() {
		paidAt := now.UTC()
		i.Status = InvoiceStatusPaid
		i.PaidAt = &paidAt
		i.Record(EventInvoicePaid, map[string]any{
			"invoice_id":     i.ID.String(),
			"invoice_number": i.InvoiceNumber,
			"customer_id":    i.CustomerID.String(),
			"total_amount":   i.TotalAmount.StringFixed(2),
			"amount_paid":    i.AmountPaid.StringFixed(2),
			"currency":       i.Currency,
		})
	}
	return nil
}

// RecordRefund reduces the amount paid on a PAID invoice. A positive
// resulting balance reverts the invoice to SENT.
func (i *Invoice) RecordRefund(amount money.Money) error {
	if i.Status != InvoiceStatusPaid {
		return fmt.Errorf("%w: status %s", ErrInvoiceNotPaid, i.Status)
	}
	if !amount.IsPositive() {
		return fmt.Errorf("%w: %s", ErrInvalidAmount, amount)
	}
	exceeds, err := amount.GreaterThan(i.money(i.AmountPaid))
	if err != nil {
		return err
	}
	if exceeds {
		return fmt.Errorf("%w: refund %s, paid %s", ErrRefundExceedsPaid, amount, i.AmountPaid)
	}
	remaining, err := i.money(i.AmountPaid).Sub(amount)
	if err != nil {
		return err
	}
	i.AmountPaid = remaining.Amount()
	i.recalculateBalance()
	if i.BalanceDue.IsPositive() {
		i.Status = InvoiceStatusSent
		i.PaidAt = nil
	}
	i.touch()
	return nil
}

// ApplyCreditDiscount appends a synthetic fixed-discount line carrying a
// customer credit. Routed through AddLineItem so totals recompute.
func (i *Invoice) ApplyCreditDiscount(lineID snowflake.ID, amount money.Money) error {
	if i.Status != InvoiceStatusDraft && i.Status != InvoiceStatusSent {
		return fmt.Errorf("%w: status %s", ErrInvoiceImmutable, i.Status)
	}
	if !amount.IsPositive() {
		return fmt.Errorf("%w: %s", ErrInvalidAmount, amount)
	}
	return i.AddLineItem(LineItem{
		ID:            lineID,
		Description:   fmt.Sprintf("Credit applied (%s)", amount),
		Quantity:      1,
		UnitPrice:     decimal.Zero,
		DiscountType:  DiscountFixed,
		DiscountValue: amount.Amount(),
	})
}

// lateFeeDescription tags the fee line with the calendar month so a second
// sweep in the same month is rejected. The prefix is both generated and
// matched here so the format cannot drift.
func lateFeeDescription(now time.Time) string {
	return fmt.Sprintf("Late fee - %s %d", now.Month().String(), now.Year())
}

func (i *Invoice) hasLateFeeFor(now time.Time) bool {
	prefix := lateFeeDescription(now)
	for _, item := range i.Items {
		if len(item.Description) >= len(prefix) && item.Description[:len(prefix)] == prefix {
			return true
		}
	}
	return false
}

// AddLateFee appends a penalty line for the current calendar month and forces
// the invoice into OVERDUE.
func (i *Invoice) AddLateFee(lineID snowflake.ID, amount money.Money, now time.Time) error {
	if !i.isOpenForPayment() {
		return fmt.Errorf("%w: status %s", ErrInvoiceNotOpen, i.Status)
	}
	if !amount.IsPositive() {
		return fmt.Errorf("%w: %s", ErrInvalidAmount, amount)
	}
	if i.hasLateFeeFor(now) {
		return fmt.Errorf("%w: %s", ErrLateFeeAlreadyExists, lateFeeDescription(now))
	}

	if err := i.AddLineItem(LineItem{
		ID:           lineID,
		Description:  lateFeeDescription(now),
		Quantity:     1,
		UnitPrice:    amount.Amount(),
		DiscountType: DiscountNone,
	}); err != nil {
		return err
	}

	if i.Status == InvoiceStatusSent {
		i.Status = InvoiceStatusOverdue
	}

	daysOverdue := int(now.UTC().Sub(i.DueDate).Hours() / 24)
	if daysOverdue < 0 {
		daysOverdue = 0
	}
	i.Record(EventInvoiceLateFeeApplied, map[string]any{
		"invoice_id":     i.ID.String(),
		"invoice_number": i.InvoiceNumber,
		"fee_amount":     amount.Amount().StringFixed(2),
		"currency":       i.Currency,
		"new_balance":    i.BalanceDue.StringFixed(2),
		"days_overdue":   daysOverdue,
	})
	return nil
}

// Cancel is terminal. A paid invoice must be refunded, not cancelled.
func (i *Invoice) Cancel() error {
	if i.isTerminalOrPaid() {
		return fmt.Errorf("%w: status %s", ErrInvoiceImmutable, i.Status)
	}
	if i.AmountPaid.IsPositive() {
		return ErrInvoiceHasPayments
	}
	previous := i.Status
	i.Status = InvoiceStatusCancelled
	i.touch()
	i.Record(EventInvoiceCancelled, map[string]any{
		"invoice_id":      i.ID.String(),
		"invoice_number":  i.InvoiceNumber,
		"previous_status": string(previous),
	})
	return nil
}

// IsOverdue reports whether the invoice carries an unpaid balance past its
// due date.
func (i *Invoice) IsOverdue(now time.Time) bool {
	return i.isOpenForPayment() && i.BalanceDue.IsPositive() && now.UTC().After(i.DueDate)
}

func (i *Invoice) nextSortOrder() int {
	max := 0
	for _, item := range i.Items {
		if item.SortOrder > max {
			max = item.SortOrder
		}
	}
	return max + 1
}

func (i *Invoice) sortItems() {
	sort.SliceStable(i.Items, func(a, b int) bool {
		return i.Items[a].SortOrder < i.Items[b].SortOrder
	})
}
