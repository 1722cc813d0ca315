package service

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
	"github.com/smallbiznis/faktur/internal/invoice/numbering"
	outboxdomain "github.com/smallbiznis/faktur/internal/outbox/domain"
	recurringdomain "github.com/smallbiznis/faktur/internal/recurring/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type ServiceParam struct {
	fx.In

	DB        *gorm.DB
	Log       *zap.Logger
	Config    config.Config
	GenID     *snowflake.Node
	Clock     clock.Clock
	Numbering *numbering.Generator
	OutboxSvc outboxdomain.Service
}

type Service struct {
	db        *gorm.DB
	log       *zap.Logger
	currency  string
	genID     *snowflake.Node
	clock     clock.Clock
	numbering *numbering.Generator
	outboxSvc outboxdomain.Service
}

func NewService(p ServiceParam) recurringdomain.Service {
	return &Service{
		db:        p.DB,
		log:       p.Log.Named("recurring.service"),
		currency:  p.Config.Currency,
		genID:     p.GenID,
		clock:     p.Clock,
		numbering: p.Numbering,
		outboxSvc: p.OutboxSvc,
	}
}

func (s *Service) Create(ctx context.Context, req recurringdomain.CreateTemplateRequest) (recurringdomain.Template, error) {
	customerID, err := snowflake.ParseString(strings.TrimSpace(req.CustomerID))
	if err != nil {
		return recurringdomain.Template{}, invoicedomain.ErrInvalidCustomer
	}
	if len(req.Items) == 0 {
		return recurringdomain.Template{}, recurringdomain.ErrNoTemplateItems
	}

	template, err := recurringdomain.NewTemplate(
		s.genID.Generate(), req.Name, customerID, s.currency,
		req.Frequency, req.PaymentTerms, req.AutoSend,
		req.StartDate, req.EndDate, req.Notes,
	)
	if err != nil {
		return recurringdomain.Template{}, err
	}
	for _, input := range req.Items {
		if err := template.AddItem(recurringdomain.TemplateLineItem{
			ID:             s.genID.Generate(),
			Description:    strings.TrimSpace(input.Description),
			Quantity:       input.Quantity,
			UnitPrice:      input.UnitPrice,
			DiscountType:   input.DiscountType,
			DiscountValue:  input.DiscountValue,
			TaxRatePercent: input.TaxRatePercent,
			SortOrder:      input.SortOrder,
		}); err != nil {
			return recurringdomain.Template{}, err
		}
	}

	if err := s.db.WithContext(ctx).Create(template).Error; err != nil {
		return recurringdomain.Template{}, err
	}
	return *template, nil
}

func (s *Service) GetByID(ctx context.Context, id string) (recurringdomain.Template, error) {
	templateID, err := snowflake.ParseString(strings.TrimSpace(id))
	if err != nil {
		return recurringdomain.Template{}, recurringdomain.ErrInvalidTemplateID
	}
	template, err := s.find(ctx, s.db, templateID, false)
	if err != nil {
		return recurringdomain.Template{}, err
	}
	return *template, nil
}

func (s *Service) List(ctx context.Context, status *recurringdomain.TemplateStatus) ([]recurringdomain.Template, error) {
	stmt := s.db.WithContext(ctx).
		Preload("Items", func(db *gorm.DB) *gorm.DB { return db.Order("sort_order asc") }).
		Order("created_at desc, id desc")
	if status != nil {
		stmt = stmt.Where("status = ?", *status)
	}
	var templates []recurringdomain.Template
	if err := stmt.Find(&templates).Error; err != nil {
		return nil, err
	}
	return templates, nil
}

// Generate allocates the next invoice number and spawns the due invoice, all
// inside one transaction so a failure leaves the cursor untouched.
func (s *Service) Generate(ctx context.Context, templateID string, asOf time.Time) (invoicedomain.Invoice, error) {
	id, err := snowflake.ParseString(strings.TrimSpace(templateID))
	if err != nil {
		return invoicedomain.Invoice{}, recurringdomain.ErrInvalidTemplateID
	}

	var generated invoicedomain.Invoice
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		template, err := s.find(ctx, tx, id, true)
		if err != nil {
			return err
		}

		issueDate := asOf
		number, err := s.numbering.Next(ctx, tx, issueDate.Year())
		if err != nil {
			return err
		}

		lineIDs := make([]snowflake.ID, len(template.Items))
		for n := range lineIDs {
			lineIDs[n] = s.genID.Generate()
		}

		invoice, err := template.GenerateInvoice(s.genID.Generate(), number, lineIDs, issueDate, s.clock.Now())
		if err != nil {
			return err
		}

		if err := tx.WithContext(ctx).Create(invoice).Error; err != nil {
			return err
		}
		if err := saveCursor(ctx, tx, template); err != nil {
			return err
		}
		if err := s.outboxSvc.Stage(ctx, tx, "recurring_template", template.ID.String(), template.Drain()); err != nil {
			return err
		}
		if err := s.outboxSvc.Stage(ctx, tx, "invoice", invoice.ID.String(), invoice.Drain()); err != nil {
			return err
		}
		generated = *invoice
		return nil
	})
	if err != nil {
		return invoicedomain.Invoice{}, err
	}

	s.log.Info("recurring invoice generated",
		zap.String("template_id", templateID),
		zap.String("invoice_number", generated.InvoiceNumber),
		zap.String("total_amount", generated.TotalAmount.StringFixed(2)),
	)
	return generated, nil
}

func (s *Service) Pause(ctx context.Context, templateID string) (recurringdomain.Template, error) {
	return s.transition(ctx, templateID, func(t *recurringdomain.Template) error {
		return t.Pause()
	})
}

func (s *Service) Resume(ctx context.Context, templateID string, asOf time.Time) (recurringdomain.Template, error) {
	return s.transition(ctx, templateID, func(t *recurringdomain.Template) error {
		return t.Resume(asOf)
	})
}

func (s *Service) Complete(ctx context.Context, templateID string) (recurringdomain.Template, error) {
	return s.transition(ctx, templateID, func(t *recurringdomain.Template) error {
		return t.Complete()
	})
}

func (s *Service) ListDue(ctx context.Context, asOf time.Time, limit int) ([]recurringdomain.Template, error) {
	if limit <= 0 {
		limit = 50
	}
	var templates []recurringdomain.Template
	err := s.db.WithContext(ctx).
		Preload("Items", func(db *gorm.DB) *gorm.DB { return db.Order("sort_order asc") }).
		Where("status = ?", recurringdomain.TemplateStatusActive).
		Where("next_invoice_date IS NOT NULL AND next_invoice_date <= ?", asOf.UTC()).
		Order("next_invoice_date asc, id asc").
		Limit(limit).
		Find(&templates).Error
	if err != nil {
		return nil, err
	}
	return templates, nil
}

func (s *Service) transition(ctx context.Context, templateID string, op func(*recurringdomain.Template) error) (recurringdomain.Template, error) {
	id, err := snowflake.ParseString(strings.TrimSpace(templateID))
	if err != nil {
		return recurringdomain.Template{}, recurringdomain.ErrInvalidTemplateID
	}
	var updated recurringdomain.Template
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		template, err := s.find(ctx, tx, id, true)
		if err != nil {
			return err
		}
		if err := op(template); err != nil {
			return err
		}
		if err := saveCursor(ctx, tx, template); err != nil {
			return err
		}
		updated = *template
		return nil
	})
	if err != nil {
		return recurringdomain.Template{}, err
	}
	return updated, nil
}

func (s *Service) find(ctx context.Context, tx *gorm.DB, id snowflake.ID, forUpdate bool) (*recurringdomain.Template, error) {
	stmt := tx.WithContext(ctx)
	if forUpdate {
		if dialect := tx.Dialector.Name(); dialect == "postgres" || dialect == "mysql" {
			stmt = stmt.Clauses(clause.Locking{Strength: "UPDATE", Table: clause.Table{Name: "recurring_invoice_templates"}})
		}
	}
	var template recurringdomain.Template
	err := stmt.
		Preload("Items", func(db *gorm.DB) *gorm.DB { return db.Order("sort_order asc") }).
		Where("id = ?", id).
		First(&template).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("%w: %s", recurringdomain.ErrTemplateNotFound, id)
		}
		return nil, err
	}
	return &template, nil
}

func saveCursor(ctx context.Context, tx *gorm.DB, template *recurringdomain.Template) error {
	return tx.WithContext(ctx).
		Model(&recurringdomain.Template{}).
		Where("id = ?", template.ID).
		Updates(map[string]any{
			"status":            template.Status,
			"next_invoice_date": template.NextInvoiceDate,
			"updated_at":        template.UpdatedAt,
		}).Error
}
