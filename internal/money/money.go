// Package money provides a fixed-point monetary value with a currency tag.
// Amounts are always held at two decimal places, rounded half-up; every
// two-operand operation requires matching currencies.
package money

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

var (
	ErrCurrencyMismatch = errors.New("currency_mismatch")
	ErrInvalidAmount    = errors.New("invalid_amount")
)

// scale is the stored precision of every amount.
const scale = 2

// percentPrecision is the intermediate precision used when dividing a
// percentage rate by 100 before the final rounding.
const percentPrecision = 4

var oneHundred = decimal.NewFromInt(100)

// Money is an immutable amount in a single currency.
type Money struct {
	amount   decimal.Decimal
	currency string
}

// New builds a Money rounded to two decimals, half-up.
func New(amount decimal.Decimal, currency string) Money {
	return Money{amount: amount.Round(scale), currency: currency}
}

// FromString parses a decimal string such as "909.50".
func FromString(amount, currency string) (Money, error) {
	d, err := decimal.NewFromString(amount)
	if err != nil {
		return Money{}, fmt.Errorf("%w: %q", ErrInvalidAmount, amount)
	}
	return New(d, currency), nil
}

// Zero is the additive identity for the currency.
func Zero(currency string) Money {
	return Money{amount: decimal.Zero, currency: currency}
}

func (m Money) Amount() decimal.Decimal { return m.amount }
func (m Money) Currency() string        { return m.currency }

func (m Money) String() string {
	return fmt.Sprintf("%s %s", m.amount.StringFixed(scale), m.currency)
}

func (m Money) sameCurrency(other Money) error {
	if m.currency != other.currency {
		return fmt.Errorf("%w: %s vs %s", ErrCurrencyMismatch, m.currency, other.currency)
	}
	return nil
}

func (m Money) Add(other Money) (Money, error) {
	if err := m.sameCurrency(other); err != nil {
		return Money{}, err
	}
	return New(m.amount.Add(other.amount), m.currency), nil
}

func (m Money) Sub(other Money) (Money, error) {
	if err := m.sameCurrency(other); err != nil {
		return Money{}, err
	}
	return New(m.amount.Sub(other.amount), m.currency), nil
}

// MulInt scales the amount by an integer factor such as a quantity.
func (m Money) MulInt(factor int64) Money {
	return New(m.amount.Mul(decimal.NewFromInt(factor)), m.currency)
}

// Percent applies a percentage rate: amount × (rate / 100). The division is
// carried at four decimals before the result is rounded back to two.
func (m Money) Percent(rate decimal.Decimal) Money {
	fraction := rate.DivRound(oneHundred, percentPrecision)
	return New(m.amount.Mul(fraction), m.currency)
}

func (m Money) Cmp(other Money) (int, error) {
	if err := m.sameCurrency(other); err != nil {
		return 0, err
	}
	return m.amount.Cmp(other.amount), nil
}

func (m Money) IsZero() bool     { return m.amount.IsZero() }
func (m Money) IsPositive() bool { return m.amount.IsPositive() }
func (m Money) IsNegative() bool { return m.amount.IsNegative() }

func (m Money) GreaterThan(other Money) (bool, error) {
	c, err := m.Cmp(other)
	return c > 0, err
}

func (m Money) GreaterThanOrEqual(other Money) (bool, error) {
	c, err := m.Cmp(other)
	return c >= 0, err
}

func (m Money) LessThan(other Money) (bool, error) {
	c, err := m.Cmp(other)
	return c < 0, err
}

func (m Money) LessThanOrEqual(other Money) (bool, error) {
	c, err := m.Cmp(other)
	return c <= 0, err
}

// Min returns the smaller of two amounts in the same currency.
func Min(a, b Money) (Money, error) {
	less, err := a.LessThanOrEqual(b)
	if err != nil {
		return Money{}, err
	}
	if less {
		return a, nil
	}
	return b, nil
}
