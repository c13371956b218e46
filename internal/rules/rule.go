package rules

import (
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/noah-isme/backend-pricing/internal/money"
)

// RuleType selects which fact a rule observes.
type RuleType string

const (
	RuleCartTotal       RuleType = "CART_TOTAL"
	RuleQuantityBased   RuleType = "QUANTITY_BASED"
	RuleCategoryBased   RuleType = "CATEGORY_BASED"
	RuleFirstTimeBuyer  RuleType = "FIRST_TIME_BUYER"
	RuleLoyaltyDiscount RuleType = "LOYALTY_DISCOUNT"
)

// Valid reports whether t is a known rule type.
func (t RuleType) Valid() bool {
	switch t {
	case RuleCartTotal, RuleQuantityBased, RuleCategoryBased, RuleFirstTimeBuyer, RuleLoyaltyDiscount:
		return true
	default:
		return false
	}
}

// needsUserFacts reports whether the rule observes per-user history.
func (t RuleType) needsUserFacts() bool {
	return t == RuleFirstTimeBuyer || t == RuleLoyaltyDiscount
}

// Operator is a comparison between an observed fact and a threshold.
type Operator string

const (
	OpGT       Operator = "GT"
	OpGTE      Operator = "GTE"
	OpLT       Operator = "LT"
	OpLTE      Operator = "LTE"
	OpEQ       Operator = "EQ"
	OpContains Operator = "CONTAINS"
)

// Valid reports whether op is a known operator.
func (op Operator) Valid() bool {
	switch op {
	case OpGT, OpGTE, OpLT, OpLTE, OpEQ, OpContains:
		return true
	default:
		return false
	}
}

// Numeric reports whether op compares ordered values.
func (op Operator) Numeric() bool {
	return op != OpContains && op.Valid()
}

// DiscountRule is an automatically triggered discount.
type DiscountRule struct {
	ID                uuid.UUID          `json:"id"`
	Name              string             `json:"name"`
	Description       string             `json:"description,omitempty"`
	Type              RuleType           `json:"ruleType"`
	ConditionField    string             `json:"conditionField"`
	ConditionOperator Operator           `json:"conditionOperator"`
	ConditionValue    string             `json:"conditionValue"`
	DiscountType      money.DiscountType `json:"discountType"`
	DiscountValue     decimal.Decimal    `json:"discountValue"`
	Priority          int                `json:"priority"`
	Active            bool               `json:"active"`
	StartsAt          *time.Time         `json:"startsAt,omitempty"`
	EndsAt            *time.Time         `json:"endsAt,omitempty"`
	CreatedAt         time.Time          `json:"createdAt"`
}

// InWindow reports whether now falls inside the optional [StartsAt, EndsAt] window.
func (r DiscountRule) InWindow(now time.Time) bool {
	if r.StartsAt != nil && now.Before(*r.StartsAt) {
		return false
	}
	if r.EndsAt != nil && now.After(*r.EndsAt) {
		return false
	}
	return true
}

// Eligible reports whether the rule may fire at now.
func (r DiscountRule) Eligible(now time.Time) bool {
	return r.Active && r.InWindow(now)
}

// Discount returns the rule's contribution for the given cart total, rounded
// to cents.
func (r DiscountRule) Discount(cartTotal decimal.Decimal) decimal.Decimal {
	return money.Round(money.Discount(r.DiscountType, cartTotal, r.DiscountValue))
}

// Label is the name reported in the applied discounts list.
func (r DiscountRule) Label() string {
	if name := strings.TrimSpace(r.Name); name != "" {
		return name
	}
	return r.ID.String()
}
