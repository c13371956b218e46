package pricing

import (
	"github.com/shopspring/decimal"

	"github.com/noah-isme/backend-pricing/internal/money"
)

// Source identifies where a discount came from.
type Source string

const (
	SourceRule      Source = "rule"
	SourcePromotion Source = "promotion"
)

// AppliedDiscount is one line of the audit breakdown.
type AppliedDiscount struct {
	Name   string          `json:"name"`
	Source Source          `json:"source"`
	Amount decimal.Decimal `json:"amount"`
}

// Result is the outcome of pricing a cart.
type Result struct {
	OriginalTotal        decimal.Decimal   `json:"originalTotal"`
	DiscountAmount       decimal.Decimal   `json:"discountAmount"`
	FinalTotal           decimal.Decimal   `json:"finalTotal"`
	AppliedDiscounts     []string          `json:"appliedDiscounts"`
	AppliedPromotionCode *string           `json:"appliedPromotionCode"`
	Breakdown            []AppliedDiscount `json:"breakdown"`
}

// PromotionDiscount returns the amount contributed by the applied promotion.
func (r Result) PromotionDiscount() decimal.Decimal {
	total := decimal.Zero
	for _, d := range r.Breakdown {
		if d.Source == SourcePromotion {
			total = total.Add(d.Amount)
		}
	}
	return total
}

// Summarize totals the discounts. The discount amount is the sum of every
// contribution; the final total floors at zero.
func Summarize(original decimal.Decimal, discounts []AppliedDiscount, promotionCode *string) Result {
	original = money.Round(original)
	total := decimal.Zero
	names := make([]string, 0, len(discounts))
	breakdown := make([]AppliedDiscount, 0, len(discounts))
	for _, d := range discounts {
		d.Amount = money.Round(money.NonNegative(d.Amount))
		total = total.Add(d.Amount)
		names = append(names, d.Name)
		breakdown = append(breakdown, d)
	}
	return Result{
		OriginalTotal:        original,
		DiscountAmount:       total,
		FinalTotal:           money.NonNegative(original.Sub(total)),
		AppliedDiscounts:     names,
		AppliedPromotionCode: promotionCode,
		Breakdown:            breakdown,
	}
}

// WithoutPromotion recomputes r with the promotion contribution removed.
func (r Result) WithoutPromotion() Result {
	kept := make([]AppliedDiscount, 0, len(r.Breakdown))
	for _, d := range r.Breakdown {
		if d.Source != SourcePromotion {
			kept = append(kept, d)
		}
	}
	return Summarize(r.OriginalTotal, kept, nil)
}
