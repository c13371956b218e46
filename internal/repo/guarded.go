package repo

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/noah-isme/backend-pricing/internal/promotion"
	"github.com/noah-isme/backend-pricing/internal/resilience"
	"github.com/noah-isme/backend-pricing/internal/rules"
)

// GuardedRules bounds rule store reads with a timeout and breaker.
type GuardedRules struct {
	Store rules.Store
	Guard *resilience.Guard
}

// ActiveRules implements rules.Store.
func (g GuardedRules) ActiveRules(ctx context.Context, now time.Time) ([]rules.DiscountRule, error) {
	return resilience.Call(ctx, g.Guard, func(ctx context.Context) ([]rules.DiscountRule, error) {
		return g.Store.ActiveRules(ctx, now)
	})
}

// GuardedPromotions bounds promotion store reads with a timeout and breaker.
// Writes pass straight through. Not-found lookups do not trip the breaker.
type GuardedPromotions struct {
	Store promotion.Store
	Guard *resilience.Guard
}

// IgnoreNotFound is the breaker filter used for promotion lookups.
func IgnoreNotFound(err error) bool {
	return errors.Is(err, promotion.ErrNotFound)
}

// FindByCode implements promotion.Store.
func (g GuardedPromotions) FindByCode(ctx context.Context, code string) (promotion.Promotion, error) {
	return resilience.Call(ctx, g.Guard, func(ctx context.Context) (promotion.Promotion, error) {
		return g.Store.FindByCode(ctx, code)
	})
}

// FindByID implements promotion.Store.
func (g GuardedPromotions) FindByID(ctx context.Context, id uuid.UUID) (promotion.Promotion, error) {
	return resilience.Call(ctx, g.Guard, func(ctx context.Context) (promotion.Promotion, error) {
		return g.Store.FindByID(ctx, id)
	})
}

// ListActive implements promotion.Store.
func (g GuardedPromotions) ListActive(ctx context.Context, now time.Time) ([]promotion.Promotion, error) {
	return resilience.Call(ctx, g.Guard, func(ctx context.Context) ([]promotion.Promotion, error) {
		return g.Store.ListActive(ctx, now)
	})
}

// CreatePromotion implements promotion.Store.
func (g GuardedPromotions) CreatePromotion(ctx context.Context, p promotion.Promotion) (promotion.Promotion, error) {
	return g.Store.CreatePromotion(ctx, p)
}

// UpdatePromotion implements promotion.Store.
func (g GuardedPromotions) UpdatePromotion(ctx context.Context, p promotion.Promotion) (promotion.Promotion, error) {
	return g.Store.UpdatePromotion(ctx, p)
}
