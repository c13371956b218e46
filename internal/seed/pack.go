// Package seed loads YAML packs of discount rules and promotions into a
// backend.
package seed

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"github.com/noah-isme/backend-pricing/internal/promotion"
	"github.com/noah-isme/backend-pricing/internal/rules"
)

// Pack is the on-disk seed document.
type Pack struct {
	Rules      []rules.Definition  `yaml:"rules"`
	Promotions []promotion.Request `yaml:"promotions"`
}

// RuleWriter persists discount rules.
type RuleWriter interface {
	UpsertRule(ctx context.Context, r rules.DiscountRule) error
}

// PromotionAdmin is the admin surface of the promotion service.
type PromotionAdmin interface {
	Create(ctx context.Context, req promotion.Request) (promotion.Promotion, error)
	Update(ctx context.Context, id uuid.UUID, req promotion.Request) (promotion.Promotion, error)
	Lookup(ctx context.Context, code string) (promotion.Promotion, error)
}

// Summary counts what Apply changed.
type Summary struct {
	Rules             int `json:"rules"`
	PromotionsCreated int `json:"promotionsCreated"`
	PromotionsUpdated int `json:"promotionsUpdated"`
}

// Parse decodes a pack and validates every entry before anything is written.
func Parse(data []byte) (Pack, error) {
	var p Pack
	if err := yaml.Unmarshal(data, &p); err != nil {
		return Pack{}, fmt.Errorf("seed: decode pack: %w", err)
	}
	for i, def := range p.Rules {
		if err := def.Validate(); err != nil {
			return Pack{}, fmt.Errorf("seed: rule %d (%s): %w", i, def.Name, err)
		}
	}
	for i, req := range p.Promotions {
		if err := req.Validate(); err != nil {
			return Pack{}, fmt.Errorf("seed: promotion %d (%s): %w", i, req.Code, err)
		}
	}
	return p, nil
}

// LoadFile reads and parses the pack at path.
func LoadFile(path string) (Pack, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Pack{}, fmt.Errorf("seed: read pack: %w", err)
	}
	return Parse(data)
}

// Apply upserts the pack. Rules are keyed by ID and promotions by code, so
// applying the same pack twice is a no-op apart from updated timestamps.
func Apply(ctx context.Context, p Pack, ruleStore RuleWriter, promos PromotionAdmin) (Summary, error) {
	var sum Summary
	for _, def := range p.Rules {
		rule, err := def.ToRule()
		if err != nil {
			return sum, err
		}
		if err := ruleStore.UpsertRule(ctx, rule); err != nil {
			return sum, fmt.Errorf("seed: upsert rule %s: %w", rule.Name, err)
		}
		sum.Rules++
	}
	for _, req := range p.Promotions {
		existing, err := promos.Lookup(ctx, req.Code)
		switch {
		case err == nil:
			if _, err := promos.Update(ctx, existing.ID, req); err != nil {
				return sum, err
			}
			sum.PromotionsUpdated++
		case errors.Is(err, promotion.ErrNotFound):
			if _, err := promos.Create(ctx, req); err != nil {
				return sum, err
			}
			sum.PromotionsCreated++
		default:
			return sum, err
		}
	}
	return sum, nil
}
