package service

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/glebarez/sqlite"
	"github.com/shopspring/decimal"
	"github.com/smallbiznis/faktur/internal/clock"
	"github.com/smallbiznis/faktur/internal/config"
	customerdomain "github.com/smallbiznis/faktur/internal/customer/domain"
	invoicedomain "github.com/smallbiznis/faktur/internal/invoice/domain"
	"github.com/smallbiznis/faktur/internal/invoice/numbering"
	invoiceservice "github.com/smallbiznis/faktur/internal/invoice/service"
	outboxdomain "github.com/smallbiznis/faktur/internal/outbox/domain"
	outboxservice "github.com/smallbiznis/faktur/internal/outbox/service"
	paymentdomain "github.com/smallbiznis/faktur/internal/payment/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type fixture struct {
	db         *gorm.DB
	node       *snowflake.Node
	clk        *clock.FakeClock
	invoiceSvc invoicedomain.Service
	paymentSvc paymentdomain.Service
}

func setup(t *testing.T) *fixture {
	t.Helper()

	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared&_loc=auto", t.Name())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)

	require.NoError(t, db.AutoMigrate(
		&customerdomain.Customer{},
		&invoicedomain.Invoice{},
		&invoicedomain.LineItem{},
		&numbering.InvoiceSequence{},
		&paymentdomain.Payment{},
		&outboxdomain.OutboxEvent{},
	))

	node, err := snowflake.NewNode(1)
	require.NoError(t, err)
	clk := clock.NewFakeClock(time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC))
	log := zap.NewNop()

	outboxSvc := outboxservice.NewService(outboxservice.ServiceParam{DB: db, Log: log, GenID: node})
	invoiceSvc := invoiceservice.NewService(invoiceservice.ServiceParam{
		DB:        db,
		Log:       log,
		Config:    config.Config{Currency: "USD"},
		GenID:     node,
		Clock:     clk,
		Numbering: numbering.NewGenerator(),
		OutboxSvc: outboxSvc,
	})
	paymentSvc := NewService(ServiceParam{
		DB:        db,
		Log:       log,
		GenID:     node,
		Clock:     clk,
		OutboxSvc: outboxSvc,
	})

	return &fixture{db: db, node: node, clk: clk, invoiceSvc: invoiceSvc, paymentSvc: paymentSvc}
}

func (f *fixture) customer(t *testing.T) *customerdomain.Customer {
	t.Helper()
	customer := &customerdomain.Customer{
		ID:        f.node.Generate(),
		Name:      "Acme Corp",
		Email:     "billing@acme.test",
		Currency:  "USD",
		CreatedAt: time.Now().UTC(),
		UpdatedAt: time.Now().UTC(),
	}
	require.NoError(t, f.db.Create(customer).Error)
	return customer
}

// sentInvoice creates and sends a one-line invoice totalling the given amount.
func (f *fixture) sentInvoice(t *testing.T, customerID snowflake.ID, amount int64) invoicedomain.Invoice {
	t.Helper()
	created, err := f.invoiceSvc.Create(context.Background(), invoicedomain.CreateInvoiceRequest{
		CustomerID:   customerID.String(),
		PaymentTerms: invoicedomain.PaymentTermsNet30,
		Items: []invoicedomain.LineItemInput{{
			Description: "Consulting services",
			Quantity:    1,
			UnitPrice:   decimal.NewFromInt(amount),
		}},
	})
	require.NoError(t, err)
	sent, err := f.invoiceSvc.Send(context.Background(), created.ID.String(), created.Version)
	require.NoError(t, err)
	return sent
}

func (f *fixture) reload(t *testing.T, id snowflake.ID) invoicedomain.Invoice {
	t.Helper()
	loaded, err := f.invoiceSvc.GetByID(context.Background(), id.String())
	require.NoError(t, err)
	return loaded
}

func TestRecordPartialPayment(t *testing.T) {
	f := setup(t)
	customer := f.customer(t)
	invoice := f.sentInvoice(t, customer.ID, 200)

	payment, err := f.paymentSvc.Record(context.Background(), paymentdomain.RecordPaymentRequest{
		InvoiceID:      invoice.ID.String(),
		InvoiceVersion: invoice.Version,
		Amount:         "80.00",
		Method:         paymentdomain.MethodBankTransfer,
		Reference:      "wire-123",
	})
	require.NoError(t, err)
	assert.Equal(t, paymentdomain.PaymentStatusCompleted, payment.Status)
	assert.Equal(t, "80.00", payment.Amount.StringFixed(2))

	updated := f.reload(t, invoice.ID)
	assert.Equal(t, invoicedomain.InvoiceStatusSent, updated.Status)
	assert.Equal(t, "80.00", updated.AmountPaid.StringFixed(2))
	assert.Equal(t, "120.00", updated.BalanceDue.StringFixed(2))
}

func TestRecordFullPaymentMarksPaid(t *testing.T) {
	f := setup(t)
	customer := f.customer(t)
	invoice := f.sentInvoice(t, customer.ID, 200)

	_, err := f.paymentSvc.Record(context.Background(), paymentdomain.RecordPaymentRequest{
		InvoiceID:      invoice.ID.String(),
		InvoiceVersion: invoice.Version,
		Amount:         "200.00",
		Method:         paymentdomain.MethodCard,
	})
	require.NoError(t, err)

	updated := f.reload(t, invoice.ID)
	assert.Equal(t, invoicedomain.InvoiceStatusPaid, updated.Status)
	assert.True(t, updated.BalanceDue.IsZero())

	var staged int64
	require.NoError(t, f.db.Model(&outboxdomain.OutboxEvent{}).
		Where("event_type = ?", invoicedomain.EventInvoicePaid).
		Count(&staged).Error)
	assert.Equal(t, int64(1), staged)
}

func TestOverpaymentRoutedToCredit(t *testing.T) {
	f := setup(t)
	customer := f.customer(t)
	invoice := f.sentInvoice(t, customer.ID, 200)

	payment, err := f.paymentSvc.Record(context.Background(), paymentdomain.RecordPaymentRequest{
		InvoiceID:      invoice.ID.String(),
		InvoiceVersion: invoice.Version,
		Amount:         "250.00",
		Method:         paymentdomain.MethodBankTransfer,
	})
	require.NoError(t, err)

	// The payment row records what was actually received.
	assert.Equal(t, "250.00", payment.Amount.StringFixed(2))

	updated := f.reload(t, invoice.ID)
	assert.Equal(t, invoicedomain.InvoiceStatusPaid, updated.Status)
	assert.Equal(t, "200.00", updated.AmountPaid.StringFixed(2))

	var updatedCustomer customerdomain.Customer
	require.NoError(t, f.db.Where("id = ?", customer.ID).First(&updatedCustomer).Error)
	assert.Equal(t, "50.00", updatedCustomer.CreditBalance.StringFixed(2))

	var staged int64
	require.NoError(t, f.db.Model(&outboxdomain.OutboxEvent{}).
		Where("event_type = ?", customerdomain.EventCreditChanged).
		Count(&staged).Error)
	assert.Equal(t, int64(1), staged)
}

func TestRecordStaleVersionConflict(t *testing.T) {
	f := setup(t)
	customer := f.customer(t)
	invoice := f.sentInvoice(t, customer.ID, 200)

	_, err := f.paymentSvc.Record(context.Background(), paymentdomain.RecordPaymentRequest{
		InvoiceID:      invoice.ID.String(),
		InvoiceVersion: invoice.Version - 1,
		Amount:         "50.00",
		Method:         paymentdomain.MethodCash,
	})
	assert.ErrorIs(t, err, invoicedomain.ErrVersionConflict)
}

func TestRecordRejectsDraftInvoice(t *testing.T) {
	f := setup(t)
	customer := f.customer(t)
	created, err := f.invoiceSvc.Create(context.Background(), invoicedomain.CreateInvoiceRequest{
		CustomerID:   customer.ID.String(),
		PaymentTerms: invoicedomain.PaymentTermsNet30,
		Items: []invoicedomain.LineItemInput{{
			Description: "Consulting services",
			Quantity:    1,
			UnitPrice:   decimal.NewFromInt(100),
		}},
	})
	require.NoError(t, err)

	_, err = f.paymentSvc.Record(context.Background(), paymentdomain.RecordPaymentRequest{
		InvoiceID:      created.ID.String(),
		InvoiceVersion: created.Version,
		Amount:         "100.00",
		Method:         paymentdomain.MethodCash,
	})
	assert.ErrorIs(t, err, invoicedomain.ErrInvoiceNotOpen)
}

func TestFullRefundRevertsPaidInvoice(t *testing.T) {
	f := setup(t)
	customer := f.customer(t)
	invoice := f.sentInvoice(t, customer.ID, 200)

	payment, err := f.paymentSvc.Record(context.Background(), paymentdomain.RecordPaymentRequest{
		InvoiceID:      invoice.ID.String(),
		InvoiceVersion: invoice.Version,
		Amount:         "200.00",
		Method:         paymentdomain.MethodCard,
	})
	require.NoError(t, err)

	paid := f.reload(t, invoice.ID)
	refund, err := f.paymentSvc.Refund(context.Background(), paymentdomain.RefundRequest{
		PaymentID:      payment.ID.String(),
		InvoiceVersion: paid.Version,
		Amount:         "200.00",
		Reason:         "duplicate charge",
	})
	require.NoError(t, err)

	assert.Equal(t, paymentdomain.PaymentStatusRefunded, refund.Status)
	assert.Equal(t, "-200.00", refund.Amount.StringFixed(2))
	require.NotNil(t, refund.RefundOf)
	assert.Equal(t, payment.ID, *refund.RefundOf)

	var original paymentdomain.Payment
	require.NoError(t, f.db.Where("id = ?", payment.ID).First(&original).Error)
	assert.Equal(t, paymentdomain.PaymentStatusRefunded, original.Status)

	updated := f.reload(t, invoice.ID)
	assert.Equal(t, invoicedomain.InvoiceStatusSent, updated.Status)
	assert.Equal(t, "200.00", updated.BalanceDue.StringFixed(2))
}

func TestRefundAsCredit(t *testing.T) {
	f := setup(t)
	customer := f.customer(t)
	invoice := f.sentInvoice(t, customer.ID, 200)

	payment, err := f.paymentSvc.Record(context.Background(), paymentdomain.RecordPaymentRequest{
		InvoiceID:      invoice.ID.String(),
		InvoiceVersion: invoice.Version,
		Amount:         "200.00",
		Method:         paymentdomain.MethodCard,
	})
	require.NoError(t, err)

	paid := f.reload(t, invoice.ID)
	_, err = f.paymentSvc.Refund(context.Background(), paymentdomain.RefundRequest{
		PaymentID:      payment.ID.String(),
		InvoiceVersion: paid.Version,
		Amount:         "60.00",
		Reason:         "goodwill",
		AsCredit:       true,
	})
	require.NoError(t, err)

	var updatedCustomer customerdomain.Customer
	require.NoError(t, f.db.Where("id = ?", customer.ID).First(&updatedCustomer).Error)
	assert.Equal(t, "60.00", updatedCustomer.CreditBalance.StringFixed(2))

	// Partial refund leaves the original payment completed.
	var original paymentdomain.Payment
	require.NoError(t, f.db.Where("id = ?", payment.ID).First(&original).Error)
	assert.Equal(t, paymentdomain.PaymentStatusCompleted, original.Status)
}

func TestPartialRefundsExhaustOriginal(t *testing.T) {
	f := setup(t)
	customer := f.customer(t)
	invoice := f.sentInvoice(t, customer.ID, 200)

	payment, err := f.paymentSvc.Record(context.Background(), paymentdomain.RecordPaymentRequest{
		InvoiceID:      invoice.ID.String(),
		InvoiceVersion: invoice.Version,
		Amount:         "200.00",
		Method:         paymentdomain.MethodCard,
	})
	require.NoError(t, err)

	current := f.reload(t, invoice.ID)
	_, err = f.paymentSvc.Refund(context.Background(), paymentdomain.RefundRequest{
		PaymentID:      payment.ID.String(),
		InvoiceVersion: current.Version,
		Amount:         "120.00",
		Reason:         "partial",
	})
	require.NoError(t, err)

	var original paymentdomain.Payment
	require.NoError(t, f.db.Where("id = ?", payment.ID).First(&original).Error)
	assert.Equal(t, paymentdomain.PaymentStatusCompleted, original.Status)

	// A second refund beyond what remains is rejected.
	current = f.reload(t, invoice.ID)
	_, err = f.paymentSvc.Refund(context.Background(), paymentdomain.RefundRequest{
		PaymentID:      payment.ID.String(),
		InvoiceVersion: current.Version,
		Amount:         "100.00",
		Reason:         "too much",
	})
	assert.ErrorIs(t, err, paymentdomain.ErrRefundExceedsPaid)

	// Refunding exactly the remainder exhausts the original.
	current = f.reload(t, invoice.ID)
	_, err = f.paymentSvc.Refund(context.Background(), paymentdomain.RefundRequest{
		PaymentID:      payment.ID.String(),
		InvoiceVersion: current.Version,
		Amount:         "80.00",
		Reason:         "remainder",
	})
	require.NoError(t, err)

	require.NoError(t, f.db.Where("id = ?", payment.ID).First(&original).Error)
	assert.Equal(t, paymentdomain.PaymentStatusRefunded, original.Status)
}

func TestRefundCannotExceedPaid(t *testing.T) {
	f := setup(t)
	customer := f.customer(t)
	invoice := f.sentInvoice(t, customer.ID, 200)

	payment, err := f.paymentSvc.Record(context.Background(), paymentdomain.RecordPaymentRequest{
		InvoiceID:      invoice.ID.String(),
		InvoiceVersion: invoice.Version,
		Amount:         "100.00",
		Method:         paymentdomain.MethodCash,
	})
	require.NoError(t, err)

	current := f.reload(t, invoice.ID)
	_, err = f.paymentSvc.Refund(context.Background(), paymentdomain.RefundRequest{
		PaymentID:      payment.ID.String(),
		InvoiceVersion: current.Version,
		Amount:         "150.00",
		Reason:         "oops",
	})
	assert.ErrorIs(t, err, paymentdomain.ErrRefundExceedsPaid)
}

func TestRefundOfRefundRejected(t *testing.T) {
	f := setup(t)
	customer := f.customer(t)
	invoice := f.sentInvoice(t, customer.ID, 200)

	payment, err := f.paymentSvc.Record(context.Background(), paymentdomain.RecordPaymentRequest{
		InvoiceID:      invoice.ID.String(),
		InvoiceVersion: invoice.Version,
		Amount:         "200.00",
		Method:         paymentdomain.MethodCard,
	})
	require.NoError(t, err)

	current := f.reload(t, invoice.ID)
	refund, err := f.paymentSvc.Refund(context.Background(), paymentdomain.RefundRequest{
		PaymentID:      payment.ID.String(),
		InvoiceVersion: current.Version,
		Amount:         "200.00",
		Reason:         "duplicate charge",
	})
	require.NoError(t, err)

	current = f.reload(t, invoice.ID)
	_, err = f.paymentSvc.Refund(context.Background(), paymentdomain.RefundRequest{
		PaymentID:      refund.ID.String(),
		InvoiceVersion: current.Version,
		Amount:         "200.00",
		Reason:         "again",
	})
	assert.ErrorIs(t, err, paymentdomain.ErrAlreadyRefunded)
}

func TestAnnotateUpdatesReferenceAndNotes(t *testing.T) {
	f := setup(t)
	customer := f.customer(t)
	invoice := f.sentInvoice(t, customer.ID, 200)

	payment, err := f.paymentSvc.Record(context.Background(), paymentdomain.RecordPaymentRequest{
		InvoiceID:      invoice.ID.String(),
		InvoiceVersion: invoice.Version,
		Amount:         "200.00",
		Method:         paymentdomain.MethodBankTransfer,
	})
	require.NoError(t, err)

	ref := "wire-789"
	annotated, err := f.paymentSvc.Annotate(context.Background(), paymentdomain.AnnotateRequest{
		PaymentID: payment.ID.String(),
		Reference: &ref,
	})
	require.NoError(t, err)
	assert.Equal(t, "wire-789", annotated.Reference)
	assert.Equal(t, payment.Notes, annotated.Notes)
}

func TestListByInvoiceOrdersByDate(t *testing.T) {
	f := setup(t)
	customer := f.customer(t)
	invoice := f.sentInvoice(t, customer.ID, 300)

	first, err := f.paymentSvc.Record(context.Background(), paymentdomain.RecordPaymentRequest{
		InvoiceID:      invoice.ID.String(),
		InvoiceVersion: invoice.Version,
		Amount:         "100.00",
		Method:         paymentdomain.MethodCash,
	})
	require.NoError(t, err)

	f.clk.Advance(48 * time.Hour)
	current := f.reload(t, invoice.ID)
	second, err := f.paymentSvc.Record(context.Background(), paymentdomain.RecordPaymentRequest{
		InvoiceID:      invoice.ID.String(),
		InvoiceVersion: current.Version,
		Amount:         "100.00",
		Method:         paymentdomain.MethodCash,
	})
	require.NoError(t, err)

	payments, err := f.paymentSvc.ListByInvoice(context.Background(), invoice.ID.String())
	require.NoError(t, err)
	require.Len(t, payments, 2)
	assert.Equal(t, first.ID, payments[0].ID)
	assert.Equal(t, second.ID, payments[1].ID)
}
