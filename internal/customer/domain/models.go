package domain

import (
	"fmt"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	"github.com/smallbiznis/faktur/internal/event"
	"github.com/smallbiznis/faktur/internal/money"
)

// Event kinds recorded by the customer aggregate.
const (
	EventCreditChanged = "customer.credit_changed"
)

// Customer holds billing identity plus the credit-balance slice: overpayments
// and refunds-as-credit accumulate here and are drawn down when invoices are
// sent.
type Customer struct {
	ID            snowflake.ID    `gorm:"primaryKey" json:"id"`
	Name          string          `gorm:"not null" json:"name"`
	Email         string          `gorm:"not null;index" json:"email"`
	Currency      string          `gorm:"type:text;not null" json:"currency"`
	CreditBalance decimal.Decimal `gorm:"type:decimal(18,2);not null;default:0" json:"credit_balance"`
	Notes         string          `gorm:"type:text" json:"notes,omitempty"`
	CreatedAt     time.Time       `gorm:"not null;default:CURRENT_TIMESTAMP" json:"created_at"`
	UpdatedAt     time.Time       `gorm:"not null;default:CURRENT_TIMESTAMP" json:"updated_at"`

	event.Recorder `gorm:"-" json:"-"`
}

// TableName sets the database table name.
func (Customer) TableName() string { return "customers" }

// Credit returns the balance as Money in the customer's currency.
func (c *Customer) Credit() money.Money {
	return money.New(c.CreditBalance, c.Currency)
}

// ApplyCredit increases the credit balance by a positive amount.
func (c *Customer) ApplyCredit(amount money.Money) error {
	if !amount.IsPositive() {
		return fmt.Errorf("%w: %s", ErrInvalidAmount, amount)
	}
	next, err := c.Credit().Add(amount)
	if err != nil {
		return err
	}
	c.recordCreditChange(c.CreditBalance, next.Amount())
	c.CreditBalance = next.Amount()
	c.UpdatedAt = time.Now().UTC()
	return nil
}

// DeductCredit decreases the credit balance; the balance must cover the
// deduction.
func (c *Customer) DeductCredit(amount money.Money) error {
	if !amount.IsPositive() {
		return fmt.Errorf("%w: %s", ErrInvalidAmount, amount)
	}
	sufficient, err := c.Credit().GreaterThanOrEqual(amount)
	if err != nil {
		return err
	}
	if !sufficient {
		return fmt.Errorf("%w: balance %s, requested %s", ErrInsufficientCredit, c.CreditBalance, amount)
	}
	next, err := c.Credit().Sub(amount)
	if err != nil {
		return err
	}
	c.recordCreditChange(c.CreditBalance, next.Amount())
	c.CreditBalance = next.Amount()
	c.UpdatedAt = time.Now().UTC()
	return nil
}

func (c *Customer) recordCreditChange(before, after decimal.Decimal) {
	c.Record(EventCreditChanged, map[string]any{
		"customer_id":    c.ID.String(),
		"balance_before": before.StringFixed(2),
		"balance_after":  after.StringFixed(2),
		"currency":       c.Currency,
	})
}
