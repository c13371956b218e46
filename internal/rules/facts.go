package rules

import (
	"context"
	"sort"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/noah-isme/backend-pricing/internal/money"
)

// Line is the rule engine's view of a cart line.
type Line struct {
	Quantity  int
	UnitPrice decimal.Decimal
	Category  string
}

// Facts are the observable quantities rules are evaluated against.
type Facts struct {
	CartTotal  decimal.Decimal
	Quantity   int64
	Categories []string
	UserID     string

	// PriorOrders and LoyaltyPoints are optional; nil means unknown.
	PriorOrders   *int64
	LoyaltyPoints *decimal.Decimal
}

// FactsFromLines derives cart facts. An empty cart yields zero facts.
func FactsFromLines(userID string, lines []Line) Facts {
	facts := Facts{CartTotal: decimal.Zero, UserID: strings.TrimSpace(userID)}
	seen := make(map[string]struct{})
	for _, line := range lines {
		facts.CartTotal = facts.CartTotal.Add(money.LineTotal(line.UnitPrice, line.Quantity))
		facts.Quantity += int64(line.Quantity)
		cat := strings.TrimSpace(line.Category)
		if cat == "" {
			continue
		}
		key := strings.ToLower(cat)
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		facts.Categories = append(facts.Categories, cat)
	}
	sort.Strings(facts.Categories)
	return facts
}

// UserFacts carries per-user history used by FIRST_TIME_BUYER and
// LOYALTY_DISCOUNT rules.
type UserFacts struct {
	PriorOrders   *int64
	LoyaltyPoints *decimal.Decimal
}

// UserFactSource resolves user history for rules that need it.
type UserFactSource interface {
	UserFacts(ctx context.Context, userID string) (UserFacts, error)
}

func (f Facts) withUser(u UserFacts) Facts {
	if f.PriorOrders == nil {
		f.PriorOrders = u.PriorOrders
	}
	if f.LoyaltyPoints == nil {
		f.LoyaltyPoints = u.LoyaltyPoints
	}
	return f
}

// observe returns the numeric fact a rule type looks at. ok is false when the
// fact is unknown for this cart.
func (f Facts) observe(t RuleType) (decimal.Decimal, bool) {
	switch t {
	case RuleCartTotal:
		return f.CartTotal, true
	case RuleQuantityBased:
		return decimal.NewFromInt(f.Quantity), true
	case RuleFirstTimeBuyer:
		if f.PriorOrders == nil {
			return decimal.Zero, false
		}
		return decimal.NewFromInt(*f.PriorOrders), true
	case RuleLoyaltyDiscount:
		if f.LoyaltyPoints == nil {
			return decimal.Zero, false
		}
		return *f.LoyaltyPoints, true
	default:
		return decimal.Zero, false
	}
}
