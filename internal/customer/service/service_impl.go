package service

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/faktur/internal/config"
	customerdomain "github.com/smallbiznis/faktur/internal/customer/domain"
	"github.com/smallbiznis/faktur/internal/money"
	outboxdomain "github.com/smallbiznis/faktur/internal/outbox/domain"
	"github.com/smallbiznis/faktur/pkg/db/option"
	"github.com/smallbiznis/faktur/pkg/db/pagination"
	"github.com/smallbiznis/faktur/pkg/repository"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var forUpdateClause = clause.Locking{Strength: "UPDATE"}

type ServiceParam struct {
	fx.In

	DB        *gorm.DB
	Log       *zap.Logger
	Config    config.Config
	GenID     *snowflake.Node
	OutboxSvc outboxdomain.Service
}

type Service struct {
	db       *gorm.DB
	log      *zap.Logger
	currency string
	genID    *snowflake.Node

	customerrepo repository.Repository[customerdomain.Customer]
	outboxSvc    outboxdomain.Service
}

func NewService(p ServiceParam) customerdomain.Service {
	return &Service{
		db:       p.DB,
		log:      p.Log.Named("customer.service"),
		currency: p.Config.Currency,
		genID:    p.GenID,

		customerrepo: repository.ProvideStore[customerdomain.Customer](p.DB),
		outboxSvc:    p.OutboxSvc,
	}
}

func (s *Service) Create(ctx context.Context, req customerdomain.CreateCustomerRequest) (customerdomain.Customer, error) {
	name := strings.TrimSpace(req.Name)
	if name == "" {
		return customerdomain.Customer{}, customerdomain.ErrInvalidName
	}
	email := strings.TrimSpace(strings.ToLower(req.Email))
	if email == "" || !strings.Contains(email, "@") {
		return customerdomain.Customer{}, customerdomain.ErrInvalidEmail
	}

	now := time.Now().UTC()
	customer := customerdomain.Customer{
		ID:        s.genID.Generate(),
		Name:      name,
		Email:     email,
		Currency:  s.currency,
		Notes:     strings.TrimSpace(req.Notes),
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.customerrepo.Create(ctx, &customer); err != nil {
		return customerdomain.Customer{}, err
	}
	return customer, nil
}

func (s *Service) GetByID(ctx context.Context, id string) (customerdomain.Customer, error) {
	customerID, err := snowflake.ParseString(strings.TrimSpace(id))
	if err != nil {
		return customerdomain.Customer{}, customerdomain.ErrInvalidID
	}

	item, err := s.customerrepo.FindOne(ctx, &customerdomain.Customer{ID: customerID})
	if err != nil {
		return customerdomain.Customer{}, err
	}
	if item == nil {
		return customerdomain.Customer{}, customerdomain.ErrNotFound
	}
	return *item, nil
}

func (s *Service) List(ctx context.Context, req customerdomain.ListCustomerRequest) (customerdomain.ListCustomerResponse, error) {
	filter := &customerdomain.Customer{}
	if req.Name != "" {
		filter.Name = req.Name
	}
	if req.Email != "" {
		filter.Email = strings.ToLower(req.Email)
	}

	pageSize := req.PageSize
	if pageSize <= 0 {
		pageSize = 10
	}

	options := []option.QueryOption{
		option.WithSortBy(option.QuerySortBy{Allow: map[string]bool{"created_at": true}}),
		option.ApplyPagination(pagination.Pagination{PageToken: req.PageToken, PageSize: pageSize + 1}),
	}
	if req.CreatedFrom != nil {
		options = append(options, option.ApplyOperator(option.Condition{
			Field:    "created_at",
			Operator: option.GTE,
			Value:    *req.CreatedFrom,
		}))
	}
	if req.CreatedTo != nil {
		options = append(options, option.ApplyOperator(option.Condition{
			Field:    "created_at",
			Operator: option.LTE,
			Value:    *req.CreatedTo,
		}))
	}

	items, err := s.customerrepo.Find(ctx, filter, options...)
	if err != nil {
		return customerdomain.ListCustomerResponse{}, err
	}

	pageInfo, items := pagination.BuildCursorPageInfo(items, pageSize, func(c *customerdomain.Customer) pagination.Cursor {
		return pagination.Cursor{ID: c.ID.String(), CreatedAt: c.CreatedAt.Format(time.RFC3339Nano)}
	})

	customers := make([]customerdomain.Customer, 0, len(items))
	for _, item := range items {
		if item == nil {
			continue
		}
		customers = append(customers, *item)
	}

	return customerdomain.ListCustomerResponse{PageInfo: *pageInfo, Customers: customers}, nil
}

func (s *Service) ApplyCredit(ctx context.Context, id string, amount string) (customerdomain.Customer, error) {
	return s.adjustCredit(ctx, id, amount, func(c *customerdomain.Customer, m money.Money) error {
		return c.ApplyCredit(m)
	})
}

func (s *Service) DeductCredit(ctx context.Context, id string, amount string) (customerdomain.Customer, error) {
	return s.adjustCredit(ctx, id, amount, func(c *customerdomain.Customer, m money.Money) error {
		return c.DeductCredit(m)
	})
}

func (s *Service) adjustCredit(ctx context.Context, id, amount string, op func(*customerdomain.Customer, money.Money) error) (customerdomain.Customer, error) {
	customerID, err := snowflake.ParseString(strings.TrimSpace(id))
	if err != nil {
		return customerdomain.Customer{}, customerdomain.ErrInvalidID
	}
	delta, err := money.FromString(strings.TrimSpace(amount), s.currency)
	if err != nil {
		return customerdomain.Customer{}, customerdomain.ErrInvalidAmount
	}

	var updated customerdomain.Customer
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		customer, err := LoadForUpdate(ctx, tx, customerID)
		if err != nil {
			return err
		}
		if customer == nil {
			return customerdomain.ErrNotFound
		}
		if err := op(customer, delta); err != nil {
			return err
		}
		if err := SaveCredit(ctx, tx, customer); err != nil {
			return err
		}
		if err := s.outboxSvc.Stage(ctx, tx, "customer", customer.ID.String(), customer.Drain()); err != nil {
			return err
		}
		updated = *customer
		return nil
	})
	if err != nil {
		return customerdomain.Customer{}, err
	}
	return updated, nil
}

// LoadForUpdate reads a customer inside tx, taking a row lock on dialects
// that support it. Shared with the invoice and payment services so credit
// adjustments join their transactions.
func LoadForUpdate(ctx context.Context, tx *gorm.DB, id snowflake.ID) (*customerdomain.Customer, error) {
	stmt := tx.WithContext(ctx)
	if dialect := tx.Dialector.Name(); dialect == "postgres" || dialect == "mysql" {
		stmt = stmt.Clauses(forUpdateClause)
	}
	var customer customerdomain.Customer
	err := stmt.Where("id = ?", id).First(&customer).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &customer, nil
}

// SaveCredit persists the credit-balance slice of a loaded customer.
func SaveCredit(ctx context.Context, tx *gorm.DB, customer *customerdomain.Customer) error {
	return tx.WithContext(ctx).
		Model(&customerdomain.Customer{}).
		Where("id = ?", customer.ID).
		Updates(map[string]any{
			"credit_balance": customer.CreditBalance,
			"updated_at":     customer.UpdatedAt,
		}).Error
}
