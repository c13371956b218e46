package rules

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/noah-isme/backend-pricing/internal/money"
	"github.com/noah-isme/backend-pricing/internal/obs"
)

// Store returns the rules that may fire at now. Implementations may return
// inactive or out-of-window rules; the engine filters them again.
type Store interface {
	ActiveRules(ctx context.Context, now time.Time) ([]DiscountRule, error)
}

// AppliedRule records one rule's contribution.
type AppliedRule struct {
	RuleID   uuid.UUID       `json:"ruleId"`
	Name     string          `json:"name"`
	Type     RuleType        `json:"ruleType"`
	Priority int             `json:"priority"`
	Amount   decimal.Decimal `json:"amount"`
}

// Outcome is the combined result of every rule that fired, in firing order.
type Outcome struct {
	Discount decimal.Decimal `json:"discount"`
	Applied  []AppliedRule   `json:"applied"`
}

// Names lists the applied rule names in firing order.
func (o Outcome) Names() []string {
	out := make([]string, 0, len(o.Applied))
	for _, a := range o.Applied {
		out = append(out, a.Name)
	}
	return out
}

// Engine evaluates automatic discount rules against cart facts. Every rule
// that fires contributes; there is no exclusivity between rules.
type Engine struct {
	Store     Store
	Evaluator Evaluator
	Users     UserFactSource
	Now       func() time.Time
	Logger    *zerolog.Logger
}

// Apply fetches the active rules and accumulates the discount of each rule
// that fires, highest priority first. Only the rule fetch can fail.
func (e *Engine) Apply(ctx context.Context, facts Facts) (Outcome, error) {
	out := Outcome{Discount: decimal.Zero}
	if e == nil || e.Store == nil {
		return out, errors.New("rules: engine not configured")
	}
	now := e.now()
	fetched, err := e.Store.ActiveRules(ctx, now)
	if err != nil {
		return out, fmt.Errorf("rules: fetch active rules: %w", err)
	}

	active := make([]DiscountRule, 0, len(fetched))
	for _, r := range fetched {
		if r.Eligible(now) {
			active = append(active, r)
		}
	}
	sort.SliceStable(active, func(i, j int) bool {
		return active[i].Priority > active[j].Priority
	})

	facts = e.enrich(ctx, facts, active)
	for _, rule := range active {
		fired, err := e.fires(ctx, rule, facts)
		if err != nil {
			e.configError(ctx, rule, err)
			continue
		}
		if !fired {
			continue
		}
		amount := rule.Discount(facts.CartTotal)
		if amount.IsNegative() {
			e.configError(ctx, rule, fmt.Errorf("negative discount %s", amount))
			continue
		}
		out.Discount = out.Discount.Add(amount)
		out.Applied = append(out.Applied, AppliedRule{
			RuleID:   rule.ID,
			Name:     rule.Label(),
			Type:     rule.Type,
			Priority: rule.Priority,
			Amount:   amount,
		})
		obs.IncCounter(obs.RulesFiredTotal, string(rule.Type))
	}
	out.Discount = money.Round(out.Discount)
	return out, nil
}

// fires reports whether rule's condition holds. A non-nil error marks the
// rule as misconfigured; unknown facts simply do not fire.
func (e *Engine) fires(ctx context.Context, rule DiscountRule, facts Facts) (bool, error) {
	if !rule.DiscountType.Valid() {
		return false, fmt.Errorf("unknown discount type %q", rule.DiscountType)
	}
	if rule.Type == RuleCategoryBased {
		if rule.ConditionOperator != OpContains && rule.ConditionOperator != OpEQ {
			return false, fmt.Errorf("%w: %s on categories", ErrUnsupportedOperator, rule.ConditionOperator)
		}
		return EvaluateString(facts.Categories, rule.ConditionOperator, rule.ConditionValue), nil
	}
	if !rule.Type.Valid() {
		return false, fmt.Errorf("unknown rule type %q", rule.Type)
	}
	if !rule.ConditionOperator.Numeric() {
		return false, fmt.Errorf("%w: %s on %s", ErrUnsupportedOperator, rule.ConditionOperator, rule.Type)
	}
	threshold, err := ParseThreshold(rule.ConditionValue)
	if err != nil {
		return false, err
	}
	observed, known := facts.observe(rule.Type)
	if !known {
		return false, nil
	}
	cond := Condition{Operator: rule.ConditionOperator, Observed: observed, Threshold: threshold}
	ev := e.evaluator()
	matched, err := ev.Evaluate(ctx, cond)
	if err != nil {
		obs.IncCounter(obs.EvaluatorFallbackTotal, ev.Name())
		obs.WithTrace(ctx, obs.LoggerFrom(ctx, e.Logger).Warn()).
			Err(err).
			Str("rule_id", rule.ID.String()).
			Str("evaluator", ev.Name()).
			Msg("rule_evaluator_fallback")
		return Evaluate(observed, cond.Operator, threshold), nil
	}
	return matched, nil
}

func (e *Engine) enrich(ctx context.Context, facts Facts, active []DiscountRule) Facts {
	if e.Users == nil || facts.UserID == "" {
		return facts
	}
	needed := false
	for _, r := range active {
		if r.Type.needsUserFacts() {
			needed = true
			break
		}
	}
	if !needed || (facts.PriorOrders != nil && facts.LoyaltyPoints != nil) {
		return facts
	}
	userFacts, err := e.Users.UserFacts(ctx, facts.UserID)
	if err != nil {
		obs.WithTrace(ctx, obs.LoggerFrom(ctx, e.Logger).Warn()).
			Err(err).
			Str("user_id", facts.UserID).
			Msg("user_facts_unavailable")
		return facts
	}
	return facts.withUser(userFacts)
}

func (e *Engine) configError(ctx context.Context, rule DiscountRule, err error) {
	reason := "invalid"
	if errors.Is(err, ErrMalformedCondition) {
		reason = "malformed_condition"
	} else if errors.Is(err, ErrUnsupportedOperator) {
		reason = "unsupported_operator"
	}
	obs.IncCounter(obs.RuleConfigErrorsTotal, string(rule.Type), reason)
	obs.WithTrace(ctx, obs.LoggerFrom(ctx, e.Logger).Error()).
		Err(err).
		Str("rule_id", rule.ID.String()).
		Str("rule_name", rule.Name).
		Str("reason", reason).
		Msg("rule_skipped")
}

func (e *Engine) evaluator() Evaluator {
	if e.Evaluator != nil {
		return e.Evaluator
	}
	return DirectEvaluator{}
}

func (e *Engine) now() time.Time {
	if e != nil && e.Now != nil {
		return e.Now()
	}
	return time.Now()
}
