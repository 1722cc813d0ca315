package domain

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
	"github.com/smallbiznis/faktur/internal/money"
)

// Breakdown is the per-line computation result. Tax is always computed on the
// post-discount amount, never on the raw base.
type Breakdown struct {
	Base     money.Money
	Discount money.Money
	Taxable  money.Money
	Tax      money.Money
	Total    money.Money
}

// Validate checks the line's fields before it joins an invoice.
func (li LineItem) Validate() error {
	if strings.TrimSpace(li.Description) == "" {
		return ErrInvalidDescription
	}
	if li.Quantity < 1 {
		return fmt.Errorf("%w: %d", ErrInvalidQuantity, li.Quantity)
	}
	if li.TaxRatePercent.IsNegative() {
		return fmt.Errorf("%w: %s", ErrInvalidTaxRate, li.TaxRatePercent)
	}
	switch li.DiscountType {
	case DiscountNone, "":
	case DiscountPercentage, DiscountFixed:
		if li.DiscountValue.IsNegative() {
			return fmt.Errorf("%w: %s", ErrInvalidDiscount, li.DiscountValue)
		}
	default:
		return fmt.Errorf("%w: unknown type %q", ErrInvalidDiscount, li.DiscountType)
	}
	return nil
}

// Compute works the line out in the invoice's currency:
// base, discount by variant, taxable, tax on taxable, total.
func (li LineItem) Compute(currency string) Breakdown {
	base := money.New(li.UnitPrice, currency).MulInt(li.Quantity)
	discount := discountFor(base, li.DiscountType, li.DiscountValue, currency)
	taxable, _ := base.Sub(discount)
	tax := taxable.Percent(li.TaxRatePercent)
	total, _ := taxable.Add(tax)

	return Breakdown{
		Base:     base,
		Discount: discount,
		Taxable:  taxable,
		Tax:      tax,
		Total:    total,
	}
}

// discountFor maps the discount variant to a money amount. This is the single
// place the variant semantics live:
//
//	NONE/unset -> zero
//	PERCENTAGE -> base × (value/100), 4dp intermediate
//	FIXED      -> value, capped at base for priced lines; a zero-base
//	              synthetic credit line passes its full value through so the
//	              invoice total drops by the credited amount.
func discountFor(base money.Money, t DiscountType, value decimal.Decimal, currency string) money.Money {
	switch t {
	case DiscountPercentage:
		return base.Percent(value)
	case DiscountFixed:
		fixed := money.New(value, currency)
		if base.IsPositive() {
			if exceeds, err := fixed.GreaterThan(base); err == nil && exceeds {
				return base
			}
		}
		return fixed
	default:
		return money.Zero(currency)
	}
}
