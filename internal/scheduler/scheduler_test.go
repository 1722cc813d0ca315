package scheduler

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/glebarez/sqlite"
	"github.com/shopspring/decimal"
	"github.com/smallbiznis/faktur/internal/clock"
	"github.com/smallbiznis/faktur/internal/config"
	customerdomain "github.com/smallbiznis/faktur/internal/customer/domain"
	"github.com/smallbiznis/faktur/internal/event"
	invoicedomain "github.com/smallbiznis/faktur/internal/invoice/domain"
	"github.com/smallbiznis/faktur/internal/invoice/numbering"
	invoiceservice "github.com/smallbiznis/faktur/internal/invoice/service"
	outboxdomain "github.com/smallbiznis/faktur/internal/outbox/domain"
	outboxservice "github.com/smallbiznis/faktur/internal/outbox/service"
	recurringdomain "github.com/smallbiznis/faktur/internal/recurring/domain"
	recurringservice "github.com/smallbiznis/faktur/internal/recurring/service"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type testEnv struct {
	db           *gorm.DB
	node         *snowflake.Node
	clk          *clock.FakeClock
	sched        *Scheduler
	invoiceSvc   invoicedomain.Service
	recurringSvc recurringdomain.Service
	outboxSvc    outboxdomain.Service
}

func newTestEnv(t *testing.T, now time.Time) *testEnv {
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
		&recurringdomain.Template{},
		&recurringdomain.TemplateLineItem{},
		&outboxdomain.OutboxEvent{},
	))

	node, err := snowflake.NewNode(1)
	require.NoError(t, err)
	clk := clock.NewFakeClock(now)
	log := zap.NewNop()
	appCfg := config.Config{Currency: "USD"}

	outboxSvc := outboxservice.NewService(outboxservice.ServiceParam{DB: db, Log: log, GenID: node})
	invoiceSvc := invoiceservice.NewService(invoiceservice.ServiceParam{
		DB: db, Log: log, Config: appCfg, GenID: node, Clock: clk,
		Numbering: numbering.NewGenerator(), OutboxSvc: outboxSvc,
	})
	recurringSvc := recurringservice.NewService(recurringservice.ServiceParam{
		DB: db, Log: log, Config: appCfg, GenID: node, Clock: clk,
		Numbering: numbering.NewGenerator(), OutboxSvc: outboxSvc,
	})

	collections, err := config.NewStaticCollectionsConfigHolder(config.CollectionsConfig{
		LateFeeAmount:    "25.00",
		MaxLateFeeMonths: 3,
	})
	require.NoError(t, err)

	sched, err := New(Params{
		DB:           db,
		Log:          log,
		AppConfig:    appCfg,
		Collections:  collections,
		InvoiceSvc:   invoiceSvc,
		RecurringSvc: recurringSvc,
		OutboxSvc:    outboxSvc,
		GenID:        node,
		Clock:        clk,
		Config:       Config{RunInterval: time.Minute, BatchSize: 10, JobTimeout: 5 * time.Second},
	})
	require.NoError(t, err)

	return &testEnv{
		db:           db,
		node:         node,
		clk:          clk,
		sched:        sched,
		invoiceSvc:   invoiceSvc,
		recurringSvc: recurringSvc,
		outboxSvc:    outboxSvc,
	}
}

func (e *testEnv) createCustomer(t *testing.T) *customerdomain.Customer {
	t.Helper()
	customer := &customerdomain.Customer{
		ID:            e.node.Generate(),
		Name:          "Acme Corp",
		Email:         "billing@acme.test",
		Currency:      "USD",
		CreditBalance: decimal.Zero,
		CreatedAt:     time.Now().UTC(),
		UpdatedAt:     time.Now().UTC(),
	}
	require.NoError(t, e.db.Create(customer).Error)
	return customer
}

// sentInvoice creates a one-line invoice and sends it at the current fake time.
func (e *testEnv) sentInvoice(t *testing.T, customerID snowflake.ID, amount int64) invoicedomain.Invoice {
	t.Helper()
	ctx := context.Background()
	created, err := e.invoiceSvc.Create(ctx, invoicedomain.CreateInvoiceRequest{
		CustomerID:   customerID.String(),
		PaymentTerms: invoicedomain.PaymentTermsNet30,
		Items: []invoicedomain.LineItemInput{{
			Description: "Consulting services",
			Quantity:    1,
			UnitPrice:   decimal.NewFromInt(amount),
		}},
	})
	require.NoError(t, err)

	sent, err := e.invoiceSvc.Send(ctx, created.ID.String(), created.Version)
	require.NoError(t, err)
	return sent
}

func TestLateFeeJobAppliesMonthlyFee(t *testing.T) {
	start := time.Date(2024, 1, 10, 9, 0, 0, 0, time.UTC)
	env := newTestEnv(t, start)
	customer := env.createCustomer(t)
	invoice := env.sentInvoice(t, customer.ID, 1000)

	// Due 2024-02-09; 40 days later is one whole month overdue.
	env.clk.Advance(70 * 24 * time.Hour)
	require.NoError(t, env.sched.LateFeeJob(context.Background()))

	var updated invoicedomain.Invoice
	require.NoError(t, env.db.Preload("Items").Where("id = ?", invoice.ID).First(&updated).Error)
	assert.Equal(t, invoicedomain.InvoiceStatusOverdue, updated.Status)
	assert.Equal(t, "1025.00", updated.TotalAmount.StringFixed(2))
	require.Len(t, updated.Items, 2)
	feeLines := 0
	for _, item := range updated.Items {
		if strings.HasPrefix(item.Description, "Late fee - ") {
			feeLines++
		}
	}
	assert.Equal(t, 1, feeLines)

	var staged int64
	require.NoError(t, env.db.Model(&outboxdomain.OutboxEvent{}).
		Where("event_type = ?", invoicedomain.EventInvoiceLateFeeApplied).
		Count(&staged).Error)
	assert.Equal(t, int64(1), staged)
}

func TestLateFeeJobIdempotentWithinMonth(t *testing.T) {
	start := time.Date(2024, 1, 10, 9, 0, 0, 0, time.UTC)
	env := newTestEnv(t, start)
	customer := env.createCustomer(t)
	invoice := env.sentInvoice(t, customer.ID, 1000)

	env.clk.Advance(70 * 24 * time.Hour)
	require.NoError(t, env.sched.LateFeeJob(context.Background()))
	require.NoError(t, env.sched.LateFeeJob(context.Background()))

	var updated invoicedomain.Invoice
	require.NoError(t, env.db.Preload("Items").Where("id = ?", invoice.ID).First(&updated).Error)
	assert.Len(t, updated.Items, 2)
	assert.Equal(t, "1025.00", updated.TotalAmount.StringFixed(2))

	// A new calendar month accrues the next fee.
	env.clk.Advance(31 * 24 * time.Hour)
	require.NoError(t, env.sched.LateFeeJob(context.Background()))
	require.NoError(t, env.db.Preload("Items").Where("id = ?", invoice.ID).First(&updated).Error)
	assert.Len(t, updated.Items, 3)
	assert.Equal(t, "1050.00", updated.TotalAmount.StringFixed(2))
}

func TestLateFeeJobSkipsBeyondCap(t *testing.T) {
	start := time.Date(2024, 1, 10, 9, 0, 0, 0, time.UTC)
	env := newTestEnv(t, start)
	customer := env.createCustomer(t)
	invoice := env.sentInvoice(t, customer.ID, 1000)

	// Roughly a year past due, far beyond the three-month cap.
	env.clk.Advance(400 * 24 * time.Hour)
	require.NoError(t, env.sched.LateFeeJob(context.Background()))

	var updated invoicedomain.Invoice
	require.NoError(t, env.db.Preload("Items").Where("id = ?", invoice.ID).First(&updated).Error)
	assert.Len(t, updated.Items, 1)
	assert.Equal(t, "1000.00", updated.TotalAmount.StringFixed(2))
}

func TestLateFeeJobIgnoresInvoicesNotYetDue(t *testing.T) {
	start := time.Date(2024, 1, 10, 9, 0, 0, 0, time.UTC)
	env := newTestEnv(t, start)
	customer := env.createCustomer(t)
	invoice := env.sentInvoice(t, customer.ID, 1000)

	env.clk.Advance(10 * 24 * time.Hour)
	require.NoError(t, env.sched.LateFeeJob(context.Background()))

	var updated invoicedomain.Invoice
	require.NoError(t, env.db.Where("id = ?", invoice.ID).First(&updated).Error)
	assert.Equal(t, invoicedomain.InvoiceStatusSent, updated.Status)
	assert.Equal(t, "1000.00", updated.TotalAmount.StringFixed(2))
}

func TestRecurringGenerationJob(t *testing.T) {
	start := time.Date(2024, 1, 1, 8, 0, 0, 0, time.UTC)
	env := newTestEnv(t, start)
	customer := env.createCustomer(t)

	template, err := env.recurringSvc.Create(context.Background(), recurringdomain.CreateTemplateRequest{
		Name:       "Monthly retainer",
		CustomerID: customer.ID.String(),
		Frequency:  recurringdomain.FrequencyMonthly,
		StartDate:  time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
		Items: []invoicedomain.LineItemInput{{
			Description: "Retainer",
			Quantity:    1,
			UnitPrice:   decimal.NewFromInt(500),
		}},
	})
	require.NoError(t, err)

	require.NoError(t, env.sched.RecurringGenerationJob(context.Background()))

	var invoices []invoicedomain.Invoice
	require.NoError(t, env.db.Find(&invoices).Error)
	require.Len(t, invoices, 1)
	assert.Equal(t, "INV-2024-0001", invoices[0].InvoiceNumber)

	var updated recurringdomain.Template
	require.NoError(t, env.db.Where("id = ?", template.ID).First(&updated).Error)
	require.NotNil(t, updated.NextInvoiceDate)
	assert.Equal(t, time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC), *updated.NextInvoiceDate)

	// Cursor advanced, so a rerun today generates nothing.
	require.NoError(t, env.sched.RecurringGenerationJob(context.Background()))
	require.NoError(t, env.db.Find(&invoices).Error)
	assert.Len(t, invoices, 1)
}

func TestOutboxDispatchJob(t *testing.T) {
	start := time.Date(2024, 1, 10, 9, 0, 0, 0, time.UTC)
	env := newTestEnv(t, start)
	customer := env.createCustomer(t)
	env.sentInvoice(t, customer.ID, 100)

	var delivered []event.Event
	env.outboxSvc.Subscribe(func(ctx context.Context, row outboxdomain.OutboxEvent) error {
		delivered = append(delivered, event.Event{ID: row.EventID, Kind: row.EventType})
		return nil
	})

	require.NoError(t, env.sched.OutboxDispatchJob(context.Background()))
	require.Len(t, delivered, 1)
	assert.Equal(t, invoicedomain.EventInvoiceSent, delivered[0].Kind)

	var unpublished int64
	require.NoError(t, env.db.Model(&outboxdomain.OutboxEvent{}).
		Where("published = ?", false).
		Count(&unpublished).Error)
	assert.Zero(t, unpublished)
}

func TestRunOnceHonorsEnabledJobs(t *testing.T) {
	start := time.Date(2024, 1, 10, 9, 0, 0, 0, time.UTC)
	env := newTestEnv(t, start)
	env.sched.cfg.EnabledJobs = []string{"outbox_dispatch"}
	customer := env.createCustomer(t)
	env.sentInvoice(t, customer.ID, 1000)

	env.clk.Advance(70 * 24 * time.Hour)
	require.NoError(t, env.sched.RunOnce(context.Background()))

	// late_fee was disabled, so the invoice is untouched.
	var invoices []invoicedomain.Invoice
	require.NoError(t, env.db.Find(&invoices).Error)
	require.Len(t, invoices, 1)
	assert.Equal(t, invoicedomain.InvoiceStatusSent, invoices[0].Status)
}

func TestWholeMonthsOverdue(t *testing.T) {
	due := time.Date(2024, 1, 15, 0, 0, 0, 0, time.UTC)
	assert.Equal(t, 0, wholeMonthsOverdue(due, time.Date(2024, 2, 14, 0, 0, 0, 0, time.UTC)))
	assert.Equal(t, 1, wholeMonthsOverdue(due, time.Date(2024, 2, 15, 0, 0, 0, 0, time.UTC)))
	assert.Equal(t, 1, wholeMonthsOverdue(due, time.Date(2024, 3, 14, 0, 0, 0, 0, time.UTC)))
	assert.Equal(t, 2, wholeMonthsOverdue(due, time.Date(2024, 3, 15, 0, 0, 0, 0, time.UTC)))
	assert.Equal(t, 12, wholeMonthsOverdue(due, time.Date(2025, 1, 15, 0, 0, 0, 0, time.UTC)))

	// Month-end due dates complete their month on the last day of the next
	// month, not a few days into the one after.
	monthEnd := time.Date(2024, 1, 31, 0, 0, 0, 0, time.UTC)
	assert.Equal(t, 0, wholeMonthsOverdue(monthEnd, time.Date(2024, 2, 28, 0, 0, 0, 0, time.UTC)))
	assert.Equal(t, 1, wholeMonthsOverdue(monthEnd, time.Date(2024, 2, 29, 0, 0, 0, 0, time.UTC)))
	assert.Equal(t, 1, wholeMonthsOverdue(monthEnd, time.Date(2024, 3, 30, 0, 0, 0, 0, time.UTC)))
	assert.Equal(t, 2, wholeMonthsOverdue(monthEnd, time.Date(2024, 3, 31, 0, 0, 0, 0, time.UTC)))
}
