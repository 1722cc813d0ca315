package domain

import (
	"context"
	"errors"
	"time"

	"github.com/smallbiznis/faktur/pkg/db/pagination"
)

type CreateCustomerRequest struct {
	Name  string
	Email string
	Notes string
}

type ListCustomerRequest struct {
	PageToken   string
	PageSize    int
	Name        string
	Email       string
	CreatedFrom *time.Time
	CreatedTo   *time.Time
}

type ListCustomerResponse struct {
	pagination.PageInfo
	Customers []Customer `json:"customers"`
}

type Service interface {
	Create(ctx context.Context, req CreateCustomerRequest) (Customer, error)
	GetByID(ctx context.Context, id string) (Customer, error)
	List(ctx context.Context, req ListCustomerRequest) (ListCustomerResponse, error)
	// ApplyCredit and DeductCredit adjust the credit-balance slice and stage
	// a credit-changed event.
	ApplyCredit(ctx context.Context, id string, amount string) (Customer, error)
	DeductCredit(ctx context.Context, id string, amount string) (Customer, error)
}

var (
	ErrInvalidName        = errors.New("invalid_name")
	ErrInvalidEmail       = errors.New("invalid_email")
	ErrInvalidID          = errors.New("invalid_id")
	ErrInvalidAmount      = errors.New("invalid_amount")
	ErrInsufficientCredit = errors.New("insufficient_credit")
	ErrNotFound           = errors.New("not_found")
)
