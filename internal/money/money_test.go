package money

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func usd(t *testing.T, s string) Money {
	t.Helper()
	m, err := FromString(s, "USD")
	require.NoError(t, err)
	return m
}

func TestNewRoundsHalfUp(t *testing.T) {
	m := New(decimal.RequireFromString("10.005"), "USD")
	assert.Equal(t, "10.01 USD", m.String())

	m = New(decimal.RequireFromString("10.004"), "USD")
	assert.Equal(t, "10.00 USD", m.String())
}

func TestAddSubtract(t *testing.T) {
	a := usd(t, "100.00")
	b := usd(t, "59.50")

	sum, err := a.Add(b)
	require.NoError(t, err)
	assert.Equal(t, "159.50 USD", sum.String())

	diff, err := a.Sub(b)
	require.NoError(t, err)
	assert.Equal(t, "40.50 USD", diff.String())
}

func TestCurrencyMismatch(t *testing.T) {
	a := usd(t, "10.00")
	b := New(decimal.NewFromInt(10), "EUR")

	_, err := a.Add(b)
	assert.ErrorIs(t, err, ErrCurrencyMismatch)

	_, err = a.Sub(b)
	assert.ErrorIs(t, err, ErrCurrencyMismatch)

	_, err = a.Cmp(b)
	assert.ErrorIs(t, err, ErrCurrencyMismatch)
}

func TestPercentUsesFourDecimalIntermediate(t *testing.T) {
	base := usd(t, "850.00")
	tax := base.Percent(decimal.NewFromInt(7))
	assert.Equal(t, "59.50 USD", tax.String())

	// 33.3333% of 100.00 rounds through the 4dp fraction 0.3333.
	odd := usd(t, "100.00").Percent(decimal.RequireFromString("33.3333"))
	assert.Equal(t, "33.33 USD", odd.String())
}

func TestZeroIsAdditiveIdentity(t *testing.T) {
	a := usd(t, "42.42")
	sum, err := a.Add(Zero("USD"))
	require.NoError(t, err)
	assert.True(t, sum.Amount().Equal(a.Amount()))
	assert.True(t, Zero("USD").IsZero())
}

func TestComparisons(t *testing.T) {
	small := usd(t, "1.00")
	big := usd(t, "2.00")

	gt, err := big.GreaterThan(small)
	require.NoError(t, err)
	assert.True(t, gt)

	lte, err := small.LessThanOrEqual(small)
	require.NoError(t, err)
	assert.True(t, lte)

	m, err := Min(small, big)
	require.NoError(t, err)
	assert.True(t, m.Amount().Equal(small.Amount()))
}

func TestSigns(t *testing.T) {
	assert.True(t, usd(t, "0.01").IsPositive())
	neg := New(decimal.NewFromInt(-5), "USD")
	assert.True(t, neg.IsNegative())
	assert.False(t, neg.IsZero())
}
