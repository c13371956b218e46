package rules

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"github.com/noah-isme/backend-pricing/internal/money"
)

// Definition is the file representation of a DiscountRule.
type Definition struct {
	ID                string     `yaml:"id"`
	Name              string     `yaml:"name"`
	Description       string     `yaml:"description"`
	RuleType          string     `yaml:"rule_type"`
	ConditionField    string     `yaml:"condition_field"`
	ConditionOperator string     `yaml:"condition_operator"`
	ConditionValue    string     `yaml:"condition_value"`
	DiscountType      string     `yaml:"discount_type"`
	DiscountValue     string     `yaml:"discount_value"`
	Priority          int        `yaml:"priority"`
	Active            *bool      `yaml:"active"`
	StartsAt          *time.Time `yaml:"starts_at"`
	EndsAt            *time.Time `yaml:"ends_at"`
}

// Validate checks the definition's shape. Condition values are checked at
// evaluation time so that stored rules and file rules behave alike.
func (d Definition) Validate() error {
	return validation.ValidateStruct(&d,
		validation.Field(&d.ID, validation.When(d.ID != "", validation.By(isUUID))),
		validation.Field(&d.Name, validation.Required, validation.Length(1, 200)),
		validation.Field(&d.RuleType, validation.Required, validation.In(
			string(RuleCartTotal), string(RuleQuantityBased), string(RuleCategoryBased),
			string(RuleFirstTimeBuyer), string(RuleLoyaltyDiscount),
		)),
		validation.Field(&d.ConditionOperator, validation.Required, validation.In(
			string(OpGT), string(OpGTE), string(OpLT), string(OpLTE), string(OpEQ), string(OpContains),
		)),
		validation.Field(&d.ConditionValue, validation.Required),
		validation.Field(&d.DiscountType, validation.Required, validation.In(
			string(money.Percentage), string(money.FixedAmount),
		)),
		validation.Field(&d.DiscountValue, validation.Required, validation.By(nonNegativeDecimal)),
		validation.Field(&d.EndsAt, validation.When(d.StartsAt != nil && d.EndsAt != nil,
			validation.By(func(any) error {
				if d.EndsAt.Before(*d.StartsAt) {
					return errors.New("must not be before starts_at")
				}
				return nil
			}),
		)),
	)
}

// ToRule converts a validated definition into a DiscountRule.
func (d Definition) ToRule() (DiscountRule, error) {
	if err := d.Validate(); err != nil {
		return DiscountRule{}, err
	}
	id := uuid.NewSHA1(uuid.NameSpaceOID, []byte("rule:"+d.Name))
	if d.ID != "" {
		id = uuid.MustParse(d.ID)
	}
	value, _ := money.Parse(d.DiscountValue)
	active := true
	if d.Active != nil {
		active = *d.Active
	}
	return DiscountRule{
		ID:                id,
		Name:              strings.TrimSpace(d.Name),
		Description:       d.Description,
		Type:              RuleType(strings.ToUpper(d.RuleType)),
		ConditionField:    d.ConditionField,
		ConditionOperator: Operator(strings.ToUpper(d.ConditionOperator)),
		ConditionValue:    d.ConditionValue,
		DiscountType:      money.ParseDiscountType(d.DiscountType),
		DiscountValue:     *value,
		Priority:          d.Priority,
		Active:            active,
		StartsAt:          d.StartsAt,
		EndsAt:            d.EndsAt,
	}, nil
}

func isUUID(value any) error {
	s, _ := value.(string)
	if _, err := uuid.Parse(s); err != nil {
		return errors.New("must be a valid UUID")
	}
	return nil
}

func nonNegativeDecimal(value any) error {
	s, _ := value.(string)
	d, err := money.Parse(s)
	if err != nil || d == nil {
		return errors.New("must be a decimal number")
	}
	if d.IsNegative() {
		return errors.New("must not be negative")
	}
	return nil
}

// ParseDefinitions decodes a YAML document with a top-level `rules` list.
func ParseDefinitions(data []byte) ([]DiscountRule, error) {
	var doc struct {
		Rules []Definition `yaml:"rules"`
	}
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("rules: decode pack: %w", err)
	}
	out := make([]DiscountRule, 0, len(doc.Rules))
	for i, def := range doc.Rules {
		rule, err := def.ToRule()
		if err != nil {
			return nil, fmt.Errorf("rules: rule %d (%s): %w", i, def.Name, err)
		}
		out = append(out, rule)
	}
	return out, nil
}

// FileStore serves rules loaded once from a YAML pack.
type FileStore struct {
	rules []DiscountRule
}

// LoadFile reads and validates a YAML rule pack.
func LoadFile(path string) (*FileStore, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("rules: read pack: %w", err)
	}
	parsed, err := ParseDefinitions(data)
	if err != nil {
		return nil, err
	}
	return NewStaticStore(parsed...), nil
}

// NewStaticStore serves a fixed rule set. Used by LoadFile and tests.
func NewStaticStore(rules ...DiscountRule) *FileStore {
	cp := make([]DiscountRule, len(rules))
	copy(cp, rules)
	return &FileStore{rules: cp}
}

// ActiveRules returns the active in-window rules.
func (s *FileStore) ActiveRules(ctx context.Context, now time.Time) ([]DiscountRule, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	out := make([]DiscountRule, 0, len(s.rules))
	for _, r := range s.rules {
		if r.Eligible(now) {
			out = append(out, r)
		}
	}
	return out, nil
}

// All returns every rule in file order.
func (s *FileStore) All() []DiscountRule {
	cp := make([]DiscountRule, len(s.rules))
	copy(cp, s.rules)
	return cp
}
