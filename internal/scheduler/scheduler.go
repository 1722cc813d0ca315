package scheduler

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/faktur/internal/clock"
	"github.com/smallbiznis/faktur/internal/config"
	invoicedomain "github.com/smallbiznis/faktur/internal/invoice/domain"
	invoiceservice "github.com/smallbiznis/faktur/internal/invoice/service"
	"github.com/smallbiznis/faktur/internal/money"
	obsmetrics "github.com/smallbiznis/faktur/internal/observability/metrics"
	outboxdomain "github.com/smallbiznis/faktur/internal/outbox/domain"
	recurringdomain "github.com/smallbiznis/faktur/internal/recurring/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var ErrInvalidConfig = errors.New("scheduler_invalid_config")

type Params struct {
	fx.In

	DB           *gorm.DB
	Log          *zap.Logger
	AppConfig    config.Config
	Collections  *config.CollectionsConfigHolder
	InvoiceSvc   invoicedomain.Service
	RecurringSvc recurringdomain.Service
	OutboxSvc    outboxdomain.Service
	GenID        *snowflake.Node
	Clock        clock.Clock
	Config       Config `optional:"true"`
}

// Scheduler drives the collection sweeps: late fees on overdue invoices,
// recurring template generation, and outbox dispatch.
type Scheduler struct {
	db           *gorm.DB
	log          *zap.Logger
	cfg          Config
	currency     string
	collections  *config.CollectionsConfigHolder
	invoiceSvc   invoicedomain.Service
	recurringSvc recurringdomain.Service
	outboxSvc    outboxdomain.Service
	genID        *snowflake.Node
	clock        clock.Clock
}

func New(p Params) (*Scheduler, error) {
	if p.DB == nil || p.Log == nil || p.Collections == nil || p.InvoiceSvc == nil || p.RecurringSvc == nil || p.OutboxSvc == nil || p.GenID == nil || p.Clock == nil {
		return nil, ErrInvalidConfig
	}
	return &Scheduler{
		db:           p.DB,
		log:          p.Log.Named("scheduler").With(zap.String("component", "scheduler")),
		cfg:          p.Config.withDefaults(),
		currency:     p.AppConfig.Currency,
		collections:  p.Collections,
		invoiceSvc:   p.InvoiceSvc,
		recurringSvc: p.RecurringSvc,
		outboxSvc:    p.OutboxSvc,
		genID:        p.GenID,
		clock:        p.Clock,
	}, nil
}

func (s *Scheduler) runJob(
	parent context.Context,
	name string,
	fn func(ctx context.Context) error,
) error {
	start := s.clock.Now()
	ctx, cancel := context.WithTimeout(parent, s.cfg.JobTimeout)
	defer cancel()

	schedMetrics := obsmetrics.Scheduler()
	schedMetrics.IncJobRun(name)

	err := fn(ctx)
	schedMetrics.ObserveJobDuration(name, time.Since(start))
	if err == nil {
		return nil
	}

	// A deadline is a soft timeout: count it, log it, move on to the next tick.
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		schedMetrics.IncJobTimeout(name)
		s.log.Warn("job timed out",
			zap.String("job", name),
			zap.Duration("timeout", s.cfg.JobTimeout),
			zap.Error(err),
		)
		return nil
	}

	schedMetrics.IncJobError(name, err)
	return fmt.Errorf("%s: %w", name, err)
}

func (s *Scheduler) RunOnce(parent context.Context) error {
	var err error

	jobs := []struct {
		Name    string
		Enabled bool
		Run     func(context.Context) error
	}{
		{"late_fee", s.isJobEnabled("late_fee"), func(ctx context.Context) error {
			return s.runJob(ctx, "late_fee", s.LateFeeJob)
		}},
		{"recurring_generation", s.isJobEnabled("recurring_generation"), func(ctx context.Context) error {
			return s.runJob(ctx, "recurring_generation", s.RecurringGenerationJob)
		}},
		{"outbox_dispatch", s.isJobEnabled("outbox_dispatch"), func(ctx context.Context) error {
			return s.runJob(ctx, "outbox_dispatch", s.OutboxDispatchJob)
		}},
	}

	for _, job := range jobs {
		if job.Enabled {
			err = errors.Join(err, job.Run(parent))
		}
	}

	return err
}

func (s *Scheduler) RunForever(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.RunInterval)
	defer ticker.Stop()
	nextRun := s.clock.Now().Add(s.cfg.RunInterval)
	schedMetrics := obsmetrics.Scheduler()

	for {
		runLag := time.Since(nextRun)
		if runLag > 0 {
			schedMetrics.ObserveRunLoopLag(runLag)
		}
		if err := s.RunOnce(ctx); err != nil {
			s.log.Warn("scheduler run failed", zap.Error(err))
		}
		nextRun = nextRun.Add(s.cfg.RunInterval)

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (s *Scheduler) isJobEnabled(jobName string) bool {
	if len(s.cfg.EnabledJobs) == 0 {
		return true
	}
	for _, enabled := range s.cfg.EnabledJobs {
		if strings.EqualFold(enabled, jobName) {
			return true
		}
	}
	return false
}

// LateFeeJob assesses the configured fixed fee on invoices past due. Each
// invoice runs in its own transaction; a failure is logged and the sweep
// moves on.
func (s *Scheduler) LateFeeJob(ctx context.Context) error {
	ctx, run, owner := s.ensureJobRun(ctx, "late_fee", s.cfg.BatchSize)
	if owner {
		s.logJobStart(run)
		defer s.logJobFinish(run)
	}

	now := s.clock.Now()
	policy := s.collections.Current()
	fee, err := money.FromString(policy.LateFeeAmount, s.currency)
	if err != nil {
		s.logSchedulerError(run, "scheduler.late_fee.policy.invalid", "late_fee", err)
		return err
	}

	candidates, err := s.invoiceSvc.ListOverdue(ctx, now, s.cfg.BatchSize)
	if err != nil {
		s.logSchedulerError(run, "scheduler.late_fee.fetch.failed", "late_fee", err)
		return err
	}

	var jobErr error
	processed := 0
	for _, candidate := range candidates {
		if ctx.Err() != nil {
			jobErr = errors.Join(jobErr, ctx.Err())
			break
		}

		months := wholeMonthsOverdue(candidate.DueDate, now)
		if months < 1 || months > policy.MaxLateFeeMonths {
			continue
		}

		applied, err := s.applyLateFee(ctx, candidate.ID, fee, now)
		if err != nil {
			jobErr = errors.Join(jobErr, err)
			s.logSchedulerError(run, "scheduler.late_fee.apply.failed", "late_fee", err,
				zap.String("invoice_id", idString(candidate.ID)),
				zap.String("invoice_number", candidate.InvoiceNumber),
			)
			continue
		}
		if applied {
			run.AddProcessed(1)
			processed++
		}
	}

	obsmetrics.Scheduler().AddBatchProcessed("late_fee", "invoices", processed)
	return jobErr
}

func (s *Scheduler) applyLateFee(ctx context.Context, invoiceID snowflake.ID, fee money.Money, now time.Time) (bool, error) {
	applied := false
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		invoice, err := invoiceservice.LoadForUpdate(ctx, tx, invoiceID)
		if err != nil {
			return err
		}
		if invoice == nil {
			return nil
		}
		readVersion := invoice.Version

		feeLineID := s.genID.Generate()
		if err := invoice.AddLateFee(feeLineID, fee, now); err != nil {
			// Another sweep already charged this month, or the invoice was
			// paid between fetch and lock.
			if errors.Is(err, invoicedomain.ErrLateFeeAlreadyExists) || errors.Is(err, invoicedomain.ErrInvoiceNotOpen) {
				return nil
			}
			return err
		}
		if err := invoiceservice.InsertLine(ctx, tx, invoice, feeLineID); err != nil {
			return err
		}
		if err := invoiceservice.SaveWithVersion(ctx, tx, invoice, readVersion); err != nil {
			return err
		}
		if err := s.outboxSvc.Stage(ctx, tx, "invoice", invoice.ID.String(), invoice.Drain()); err != nil {
			return err
		}
		applied = true
		return nil
	})
	return applied, err
}

// RecurringGenerationJob spawns invoices for every template whose cursor has
// come due. Per-template isolation: the service transaction advances the
// cursor, so a rerun cannot double-bill.
func (s *Scheduler) RecurringGenerationJob(ctx context.Context) error {
	ctx, run, owner := s.ensureJobRun(ctx, "recurring_generation", s.cfg.BatchSize)
	if owner {
		s.logJobStart(run)
		defer s.logJobFinish(run)
	}

	now := s.clock.Now()
	templates, err := s.recurringSvc.ListDue(ctx, now, s.cfg.BatchSize)
	if err != nil {
		s.logSchedulerError(run, "scheduler.recurring.fetch.failed", "recurring_generation", err)
		return err
	}

	var jobErr error
	processed := 0
	for _, template := range templates {
		if ctx.Err() != nil {
			jobErr = errors.Join(jobErr, ctx.Err())
			break
		}

		invoice, err := s.recurringSvc.Generate(ctx, template.ID.String(), now)
		if err != nil {
			if errors.Is(err, recurringdomain.ErrNotDue) || errors.Is(err, recurringdomain.ErrTemplateNotActive) {
				continue
			}
			jobErr = errors.Join(jobErr, err)
			s.logSchedulerError(run, "scheduler.recurring.generate.failed", "recurring_generation", err,
				zap.String("template_id", idString(template.ID)),
				zap.String("template_name", template.Name),
			)
			continue
		}

		run.AddProcessed(1)
		processed++
		s.log.Info("recurring invoice spawned",
			zap.String("template_id", idString(template.ID)),
			zap.String("invoice_id", idString(invoice.ID)),
			zap.String("invoice_number", invoice.InvoiceNumber),
		)
	}

	obsmetrics.Scheduler().AddBatchProcessed("recurring_generation", "templates", processed)
	return jobErr
}

// OutboxDispatchJob drains unpublished outbox rows to the registered listeners.
func (s *Scheduler) OutboxDispatchJob(ctx context.Context) error {
	ctx, run, owner := s.ensureJobRun(ctx, "outbox_dispatch", s.cfg.BatchSize)
	if owner {
		s.logJobStart(run)
		defer s.logJobFinish(run)
	}

	dispatched, err := s.outboxSvc.DispatchPending(ctx, s.cfg.BatchSize)
	if err != nil {
		s.logSchedulerError(run, "scheduler.outbox.dispatch.failed", "outbox_dispatch", err)
		return err
	}
	run.AddProcessed(dispatched)
	obsmetrics.Scheduler().AddBatchProcessed("outbox_dispatch", "events", dispatched)
	return nil
}

// wholeMonthsOverdue counts full calendar months elapsed since the due date.
// The anniversary day is clamped to the current month's length, so a
// month-end due date completes its first month on the last day of the next
// month rather than spilling into the one after.
func wholeMonthsOverdue(dueDate, now time.Time) int {
	months := (now.Year()-dueDate.Year())*12 + int(now.Month()) - int(dueDate.Month())
	anniversary := dueDate.Day()
	if last := lastDayOfMonth(now.Year(), now.Month()); anniversary > last {
		anniversary = last
	}
	if now.Day() < anniversary {
		months--
	}
	if months < 0 {
		return 0
	}
	return months
}

func lastDayOfMonth(year int, month time.Month) int {
	return time.Date(year, month, 1, 0, 0, 0, 0, time.UTC).AddDate(0, 1, -1).Day()
}
