package money

import (
	"strings"

	"github.com/shopspring/decimal"
)

// Scale is the number of fractional digits exposed at every boundary.
const Scale = 2

var hundred = decimal.NewFromInt(100)

// DiscountType describes how a discount value is interpreted.
type DiscountType string

const (
	// Percentage discounts take value/100 of the base amount.
	Percentage DiscountType = "PERCENTAGE"
	// FixedAmount discounts subtract a flat value regardless of the base.
	FixedAmount DiscountType = "FIXED_AMOUNT"
)

// Valid reports whether the discount type is one of the known kinds.
func (t DiscountType) Valid() bool {
	switch t {
	case Percentage, FixedAmount:
		return true
	default:
		return false
	}
}

// ParseDiscountType normalises user supplied discount type names.
func ParseDiscountType(raw string) DiscountType {
	return DiscountType(strings.ToUpper(strings.TrimSpace(raw)))
}

// Round rounds to two decimal places, half away from zero. For the
// non-negative amounts handled here that is round-half-up.
func Round(d decimal.Decimal) decimal.Decimal {
	return d.Round(Scale)
}

// Percent returns base × pct / 100 without rounding.
func Percent(base, pct decimal.Decimal) decimal.Decimal {
	return base.Mul(pct).Div(hundred)
}

// Discount computes the raw (unrounded) discount of the given kind.
func Discount(t DiscountType, base, value decimal.Decimal) decimal.Decimal {
	switch t {
	case Percentage:
		return Percent(base, value)
	case FixedAmount:
		return value
	default:
		return decimal.Zero
	}
}

// LineTotal returns unit × qty.
func LineTotal(unit decimal.Decimal, qty int) decimal.Decimal {
	return unit.Mul(decimal.NewFromInt(int64(qty)))
}

// NonNegative clamps negative values to zero.
func NonNegative(d decimal.Decimal) decimal.Decimal {
	if d.IsNegative() {
		return decimal.Zero
	}
	return d
}

// Parse converts a textual amount into a decimal. Blank input yields nil.
func Parse(raw string) (*decimal.Decimal, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return nil, nil
	}
	d, err := decimal.NewFromString(trimmed)
	if err != nil {
		return nil, err
	}
	return &d, nil
}
