package domain

import (
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	invoicedomain "github.com/smallbiznis/faktur/internal/invoice/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testNode(t *testing.T) *snowflake.Node {
	t.Helper()
	node, err := snowflake.NewNode(1)
	require.NoError(t, err)
	return node
}

func date(y int, m time.Month, d int) time.Time {
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func activeTemplate(t *testing.T, node *snowflake.Node, frequency Frequency, start time.Time, end *time.Time) *Template {
	t.Helper()
	template, err := NewTemplate(node.Generate(), "Monthly retainer", node.Generate(), "USD", frequency, invoicedomain.PaymentTermsNet30, false, start, end, "")
	require.NoError(t, err)
	require.NoError(t, template.AddItem(TemplateLineItem{
		ID:          node.Generate(),
		Description: "Consulting retainer",
		Quantity:    1,
		UnitPrice:   decimal.NewFromInt(500),
	}))
	return template
}

func lineIDs(node *snowflake.Node, n int) []snowflake.ID {
	ids := make([]snowflake.ID, n)
	for i := range ids {
		ids[i] = node.Generate()
	}
	return ids
}

func TestNewTemplateValidation(t *testing.T) {
	node := testNode(t)

	_, err := NewTemplate(node.Generate(), "  ", node.Generate(), "USD", FrequencyMonthly, invoicedomain.PaymentTermsNet30, false, date(2024, 1, 1), nil, "")
	assert.ErrorIs(t, err, ErrInvalidName)

	_, err = NewTemplate(node.Generate(), "X", node.Generate(), "USD", "WEEKLY", invoicedomain.PaymentTermsNet30, false, date(2024, 1, 1), nil, "")
	assert.ErrorIs(t, err, ErrInvalidFrequency)

	end := date(2023, 12, 1)
	_, err = NewTemplate(node.Generate(), "X", node.Generate(), "USD", FrequencyMonthly, invoicedomain.PaymentTermsNet30, false, date(2024, 1, 1), &end, "")
	assert.ErrorIs(t, err, ErrInvalidDateRange)
}

func TestGenerateAdvancesMonthlyCursor(t *testing.T) {
	node := testNode(t)
	template := activeTemplate(t, node, FrequencyMonthly, date(2024, 1, 1), nil)

	invoice, err := template.GenerateInvoice(node.Generate(), "INV-2024-0001", lineIDs(node, 1), date(2024, 1, 1), date(2024, 1, 1))
	require.NoError(t, err)

	assert.Equal(t, invoicedomain.InvoiceStatusDraft, invoice.Status)
	assert.Equal(t, "500.00", invoice.TotalAmount.StringFixed(2))
	require.NotNil(t, template.NextInvoiceDate)
	assert.Equal(t, date(2024, 2, 1), *template.NextInvoiceDate)
	assert.Equal(t, TemplateStatusActive, template.Status)

	events := template.Drain()
	require.Len(t, events, 1)
	assert.Equal(t, EventInvoiceGenerated, events[0].Kind)
	assert.Equal(t, "2024-02-01", events[0].Payload["next_cursor"])
}

func TestGenerateQuarterlyAndAnnually(t *testing.T) {
	node := testNode(t)

	quarterly := activeTemplate(t, node, FrequencyQuarterly, date(2024, 1, 1), nil)
	_, err := quarterly.GenerateInvoice(node.Generate(), "INV-2024-0001", lineIDs(node, 1), date(2024, 1, 1), date(2024, 1, 1))
	require.NoError(t, err)
	assert.Equal(t, date(2024, 4, 1), *quarterly.NextInvoiceDate)

	annually := activeTemplate(t, node, FrequencyAnnually, date(2024, 1, 1), nil)
	_, err = annually.GenerateInvoice(node.Generate(), "INV-2024-0002", lineIDs(node, 1), date(2024, 1, 1), date(2024, 1, 1))
	require.NoError(t, err)
	assert.Equal(t, date(2025, 1, 1), *annually.NextInvoiceDate)
}

func TestGenerateCompletesPastEndDate(t *testing.T) {
	node := testNode(t)
	end := date(2024, 1, 15)
	template := activeTemplate(t, node, FrequencyMonthly, date(2024, 1, 1), &end)

	_, err := template.GenerateInvoice(node.Generate(), "INV-2024-0001", lineIDs(node, 1), date(2024, 1, 1), date(2024, 1, 1))
	require.NoError(t, err)

	assert.Equal(t, TemplateStatusCompleted, template.Status)
	assert.Nil(t, template.NextInvoiceDate)
}

func TestGenerateRejectedBeforeCursor(t *testing.T) {
	node := testNode(t)
	template := activeTemplate(t, node, FrequencyMonthly, date(2024, 2, 1), nil)

	_, err := template.GenerateInvoice(node.Generate(), "INV-2024-0001", lineIDs(node, 1), date(2024, 1, 15), date(2024, 1, 15))
	assert.ErrorIs(t, err, ErrNotDue)
}

func TestGenerateAutoSend(t *testing.T) {
	node := testNode(t)
	template := activeTemplate(t, node, FrequencyMonthly, date(2024, 1, 1), nil)
	template.AutoSend = true

	invoice, err := template.GenerateInvoice(node.Generate(), "INV-2024-0001", lineIDs(node, 1), date(2024, 1, 1), date(2024, 1, 1))
	require.NoError(t, err)
	assert.Equal(t, invoicedomain.InvoiceStatusSent, invoice.Status)
	assert.NotNil(t, invoice.SentAt)
}

func TestGenerateCopiesLineOrder(t *testing.T) {
	node := testNode(t)
	template := activeTemplate(t, node, FrequencyMonthly, date(2024, 1, 1), nil)
	require.NoError(t, template.AddItem(TemplateLineItem{
		ID:          node.Generate(),
		Description: "Support hours",
		Quantity:    10,
		UnitPrice:   decimal.NewFromInt(40),
	}))

	invoice, err := template.GenerateInvoice(node.Generate(), "INV-2024-0001", lineIDs(node, 2), date(2024, 1, 1), date(2024, 1, 1))
	require.NoError(t, err)
	require.Len(t, invoice.Items, 2)
	assert.Equal(t, "Consulting retainer", invoice.Items[0].Description)
	assert.Equal(t, "Support hours", invoice.Items[1].Description)
	assert.Equal(t, "900.00", invoice.TotalAmount.StringFixed(2))
}

func TestPauseResumeRollsCursorForward(t *testing.T) {
	node := testNode(t)
	template := activeTemplate(t, node, FrequencyMonthly, date(2024, 1, 1), nil)

	require.NoError(t, template.Pause())
	assert.Equal(t, TemplateStatusPaused, template.Status)

	_, err := template.GenerateInvoice(node.Generate(), "INV-2024-0001", lineIDs(node, 1), date(2024, 1, 1), date(2024, 1, 1))
	assert.ErrorIs(t, err, ErrTemplateNotActive)

	require.NoError(t, template.Resume(date(2024, 3, 20)))
	assert.Equal(t, TemplateStatusActive, template.Status)
	require.NotNil(t, template.NextInvoiceDate)
	assert.Equal(t, date(2024, 4, 1), *template.NextInvoiceDate)
}

func TestResumePastEndDateCompletes(t *testing.T) {
	node := testNode(t)
	end := date(2024, 2, 15)
	template := activeTemplate(t, node, FrequencyMonthly, date(2024, 1, 1), &end)

	require.NoError(t, template.Pause())
	require.NoError(t, template.Resume(date(2024, 3, 1)))

	assert.Equal(t, TemplateStatusCompleted, template.Status)
	assert.Nil(t, template.NextInvoiceDate)
}

func TestCompleteIsTerminal(t *testing.T) {
	node := testNode(t)
	template := activeTemplate(t, node, FrequencyMonthly, date(2024, 1, 1), nil)

	require.NoError(t, template.Complete())
	assert.Nil(t, template.NextInvoiceDate)
	assert.ErrorIs(t, template.Complete(), ErrTemplateCompleted)
	assert.ErrorIs(t, template.Pause(), ErrTemplateNotActive)
}

func TestIsDue(t *testing.T) {
	node := testNode(t)
	template := activeTemplate(t, node, FrequencyMonthly, date(2024, 2, 1), nil)

	assert.False(t, template.IsDue(date(2024, 1, 31)))
	assert.True(t, template.IsDue(date(2024, 2, 1)))
	assert.True(t, template.IsDue(date(2024, 2, 10)))

	require.NoError(t, template.Pause())
	assert.False(t, template.IsDue(date(2024, 2, 10)))
}

func TestAddItemWithoutDiscountTypeGenerates(t *testing.T) {
	node := testNode(t)
	template := activeTemplate(t, node, FrequencyMonthly, date(2024, 1, 1), nil)
	require.NoError(t, template.AddItem(TemplateLineItem{
		ID:             node.Generate(),
		Description:    "Support hours",
		Quantity:       2,
		UnitPrice:      decimal.NewFromInt(50),
		TaxRatePercent: decimal.NewFromInt(10),
	}))

	for _, item := range template.Items {
		assert.Equal(t, invoicedomain.DiscountNone, item.DiscountType)
	}

	invoice, err := template.GenerateInvoice(node.Generate(), "INV-2024-0001", lineIDs(node, 2), date(2024, 1, 1), date(2024, 1, 1))
	require.NoError(t, err)
	// 500 retainer + 100 support + 10.00 tax on the taxed line
	assert.Equal(t, "610.00", invoice.TotalAmount.StringFixed(2))
	for _, line := range invoice.Items {
		assert.Equal(t, invoicedomain.DiscountNone, line.DiscountType)
	}
}
