package domain

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	invoicedomain "github.com/smallbiznis/faktur/internal/invoice/domain"
)

var knownFrequencies = map[Frequency]bool{
	FrequencyMonthly:   true,
	FrequencyQuarterly: true,
	FrequencyAnnually:  true,
}

// NewTemplate builds an ACTIVE template with the cursor at the start date.
func NewTemplate(id snowflake.ID, name string, customerID snowflake.ID, currency string, frequency Frequency, terms invoicedomain.PaymentTerms, autoSend bool, startDate time.Time, endDate *time.Time, notes string) (*Template, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, ErrInvalidName
	}
	if customerID == 0 {
		return nil, invoicedomain.ErrInvalidCustomer
	}
	if !knownFrequencies[frequency] {
		return nil, fmt.Errorf("%w: %q", ErrInvalidFrequency, frequency)
	}
	start := dateOnly(startDate)
	if endDate != nil {
		end := dateOnly(*endDate)
		if end.Before(start) {
			return nil, ErrInvalidDateRange
		}
		endDate = &end
	}
	if terms == "" {
		terms = invoicedomain.PaymentTermsNet30
	}
	now := time.Now().UTC()
	cursor := start
	return &Template{
		ID:              id,
		Name:            name,
		CustomerID:      customerID,
		Currency:        currency,
		Frequency:       frequency,
		Status:          TemplateStatusActive,
		PaymentTerms:    terms,
		AutoSend:        autoSend,
		StartDate:       start,
		EndDate:         endDate,
		NextInvoiceDate: &cursor,
		Notes:           notes,
		CreatedAt:       now,
		UpdatedAt:       now,
	}, nil
}

// AddItem appends a template line, assigning sort order the same way invoice
// lines do.
func (t *Template) AddItem(item TemplateLineItem) error {
	probe := invoicedomain.LineItem{
		ID:             item.ID,
		Description:    item.Description,
		Quantity:       item.Quantity,
		UnitPrice:      item.UnitPrice,
		DiscountType:   item.DiscountType,
		DiscountValue:  item.DiscountValue,
		TaxRatePercent: item.TaxRatePercent,
	}
	if err := probe.Validate(); err != nil {
		return err
	}
	if item.DiscountType == "" {
		item.DiscountType = invoicedomain.DiscountNone
	}
	item.TemplateID = t.ID
	if item.SortOrder == 0 {
		max := 0
		for _, existing := range t.Items {
			if existing.SortOrder > max {
				max = existing.SortOrder
			}
		}
		item.SortOrder = max + 1
	}
	if item.CreatedAt.IsZero() {
		item.CreatedAt = time.Now().UTC()
	}
	t.Items = append(t.Items, item)
	sort.SliceStable(t.Items, func(a, b int) bool {
		return t.Items[a].SortOrder < t.Items[b].SortOrder
	})
	t.UpdatedAt = time.Now().UTC()
	return nil
}

// IsDue reports whether the cursor has come due.
func (t *Template) IsDue(asOf time.Time) bool {
	return t.Status == TemplateStatusActive &&
		t.NextInvoiceDate != nil &&
		!t.NextInvoiceDate.After(dateOnly(asOf))
}

// GenerateInvoice spawns a draft invoice from the template lines and advances
// the cursor one frequency step. Crossing the end date completes the template
// and clears the cursor. When AutoSend is set the invoice leaves as SENT.
// lineIDs must supply one fresh id per template line.
func (t *Template) GenerateInvoice(invoiceID snowflake.ID, number string, lineIDs []snowflake.ID, issueDate time.Time, now time.Time) (*invoicedomain.Invoice, error) {
	if t.Status != TemplateStatusActive {
		return nil, fmt.Errorf("%w: status %s", ErrTemplateNotActive, t.Status)
	}
	if len(t.Items) == 0 {
		return nil, ErrNoTemplateItems
	}
	if t.NextInvoiceDate == nil || dateOnly(issueDate).Before(*t.NextInvoiceDate) {
		return nil, fmt.Errorf("%w: cursor %v, issue %s", ErrNotDue, t.NextInvoiceDate, dateOnly(issueDate).Format("2006-01-02"))
	}
	if len(lineIDs) < len(t.Items) {
		return nil, fmt.Errorf("%w: need %d, got %d", ErrMissingLineItemIDs, len(t.Items), len(lineIDs))
	}

	invoice, err := invoicedomain.NewInvoice(invoiceID, number, t.CustomerID, t.Currency, dateOnly(issueDate), t.PaymentTerms, t.Notes)
	if err != nil {
		return nil, err
	}
	for n, item := range t.Items {
		if err := invoice.AddLineItem(invoicedomain.LineItem{
			ID:             lineIDs[n],
			Description:    item.Description,
			Quantity:       item.Quantity,
			UnitPrice:      item.UnitPrice,
			DiscountType:   item.DiscountType,
			DiscountValue:  item.DiscountValue,
			TaxRatePercent: item.TaxRatePercent,
			SortOrder:      item.SortOrder,
		}); err != nil {
			return nil, err
		}
	}
	if t.AutoSend {
		if err := invoice.MarkAsSent(now); err != nil {
			return nil, err
		}
	}

	t.advanceCursor()
	t.UpdatedAt = now.UTC()
	t.Record(EventInvoiceGenerated, map[string]any{
		"template_id":    t.ID.String(),
		"template_name":  t.Name,
		"invoice_id":     invoice.ID.String(),
		"invoice_number": invoice.InvoiceNumber,
		"customer_id":    t.CustomerID.String(),
		"total_amount":   invoice.TotalAmount.StringFixed(2),
		"currency":       t.Currency,
		"auto_send":      t.AutoSend,
		"next_cursor":    cursorString(t.NextInvoiceDate),
	})
	return invoice, nil
}

func (t *Template) advanceCursor() {
	if t.NextInvoiceDate == nil {
		return
	}
	next := advance(*t.NextInvoiceDate, t.Frequency)
	if t.EndDate != nil && next.After(*t.EndDate) {
		t.Status = TemplateStatusCompleted
		t.NextInvoiceDate = nil
		return
	}
	t.NextInvoiceDate = &next
}

// Pause suspends generation; the cursor stays where it is.
func (t *Template) Pause() error {
	if t.Status != TemplateStatusActive {
		return fmt.Errorf("%w: status %s", ErrTemplateNotActive, t.Status)
	}
	t.Status = TemplateStatusPaused
	t.UpdatedAt = time.Now().UTC()
	return nil
}

// Resume reactivates a paused template. A cursor that fell behind while paused
// is rolled forward to the first occurrence at or after asOf, so resuming does
// not flood the customer with back-dated invoices.
func (t *Template) Resume(asOf time.Time) error {
	if t.Status != TemplateStatusPaused {
		return fmt.Errorf("%w: status %s", ErrTemplateNotPaused, t.Status)
	}
	today := dateOnly(asOf)
	cursor := t.StartDate
	if t.NextInvoiceDate != nil {
		cursor = *t.NextInvoiceDate
	}
	for cursor.Before(today) {
		cursor = advance(cursor, t.Frequency)
	}
	if t.EndDate != nil && cursor.After(*t.EndDate) {
		t.Status = TemplateStatusCompleted
		t.NextInvoiceDate = nil
		t.UpdatedAt = time.Now().UTC()
		return nil
	}
	t.Status = TemplateStatusActive
	t.NextInvoiceDate = &cursor
	t.UpdatedAt = time.Now().UTC()
	return nil
}

// Complete is terminal.
func (t *Template) Complete() error {
	if t.Status == TemplateStatusCompleted {
		return ErrTemplateCompleted
	}
	t.Status = TemplateStatusCompleted
	t.NextInvoiceDate = nil
	t.UpdatedAt = time.Now().UTC()
	return nil
}

func advance(d time.Time, f Frequency) time.Time {
	switch f {
	case FrequencyQuarterly:
		return d.AddDate(0, 3, 0)
	case FrequencyAnnually:
		return d.AddDate(1, 0, 0)
	default:
		return d.AddDate(0, 1, 0)
	}
}

func dateOnly(t time.Time) time.Time {
	u := t.UTC()
	return time.Date(u.Year(), u.Month(), u.Day(), 0, 0, 0, 0, time.UTC)
}

func cursorString(t *time.Time) string {
	if t == nil {
		return ""
	}
	return t.Format("2006-01-02")
}
