package promotion

import (
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/noah-isme/backend-pricing/internal/money"
)

// Promotion is a code-activated discount.
type Promotion struct {
	ID                uuid.UUID          `json:"id"`
	Name              string             `json:"name"`
	Description       string             `json:"description,omitempty"`
	Code              string             `json:"code"`
	DiscountType      money.DiscountType `json:"discountType"`
	DiscountValue     decimal.Decimal    `json:"discountValue"`
	MinOrderAmount    *decimal.Decimal   `json:"minOrderAmount,omitempty"`
	MaxDiscountAmount *decimal.Decimal   `json:"maxDiscountAmount,omitempty"`
	UsageLimit        *int               `json:"usageLimit,omitempty"`
	UsedCount         int                `json:"usedCount"`
	StartsAt          time.Time          `json:"startsAt"`
	EndsAt            time.Time          `json:"endsAt"`
	Active            bool               `json:"active"`
	Category          *string            `json:"category,omitempty"`
	Brand             *string            `json:"brand,omitempty"`
	CreatedAt         time.Time          `json:"createdAt"`
	UpdatedAt         time.Time          `json:"updatedAt"`
}

// UsageRecord is one ledger entry: a user consumed a promotion on an order.
type UsageRecord struct {
	ID             uuid.UUID       `json:"id"`
	UserID         string          `json:"userId"`
	PromotionID    uuid.UUID       `json:"promotionId"`
	Code           string          `json:"code"`
	OrderID        string          `json:"orderId"`
	DiscountAmount decimal.Decimal `json:"discountAmount"`
	UsedAt         time.Time       `json:"usedAt"`
}

// NormalizeCode upper-cases and trims a promotion code.
func NormalizeCode(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}

// InWindow reports whether now falls inside [StartsAt, EndsAt].
func (p Promotion) InWindow(now time.Time) bool {
	return !now.Before(p.StartsAt) && !now.After(p.EndsAt)
}

// Exhausted reports whether the usage limit has been reached.
func (p Promotion) Exhausted() bool {
	return p.UsageLimit != nil && p.UsedCount >= *p.UsageLimit
}

// ValidAt reports whether the promotion is usable at now.
func (p Promotion) ValidAt(now time.Time) bool {
	return p.Active && p.InWindow(now) && !p.Exhausted()
}

// DiscountFor returns the discount this promotion grants on cartTotal. Carts
// below the minimum order get zero while the code itself stays valid.
func (p Promotion) DiscountFor(cartTotal decimal.Decimal) decimal.Decimal {
	if p.MinOrderAmount != nil && cartTotal.LessThan(*p.MinOrderAmount) {
		return decimal.Zero
	}
	discount := money.Discount(p.DiscountType, cartTotal, p.DiscountValue)
	if p.MaxDiscountAmount != nil && discount.GreaterThan(*p.MaxDiscountAmount) {
		discount = *p.MaxDiscountAmount
	}
	return money.Round(money.NonNegative(discount))
}

// PriceAfter returns the product price after this promotion, clamped to
// [0, price]. Minimum order amounts do not apply to single products.
func (p Promotion) PriceAfter(price decimal.Decimal) decimal.Decimal {
	discount := money.Discount(p.DiscountType, price, p.DiscountValue)
	if p.MaxDiscountAmount != nil && discount.GreaterThan(*p.MaxDiscountAmount) {
		discount = *p.MaxDiscountAmount
	}
	discount = money.NonNegative(discount)
	if discount.GreaterThan(price) {
		return decimal.Zero
	}
	return money.Round(price.Sub(discount))
}

// AppliesTo reports whether the promotion's scope covers a product. An unset
// scope matches everything; every set scope must match.
func (p Promotion) AppliesTo(category, brand string) bool {
	if p.Category != nil && !strings.EqualFold(strings.TrimSpace(*p.Category), strings.TrimSpace(category)) {
		return false
	}
	if p.Brand != nil && !strings.EqualFold(strings.TrimSpace(*p.Brand), strings.TrimSpace(brand)) {
		return false
	}
	return true
}
