package repo

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/noah-isme/backend-pricing/internal/promotion"
	"github.com/noah-isme/backend-pricing/internal/resilience"
	"github.com/noah-isme/backend-pricing/internal/rules"
)

type slowRules struct{ delay time.Duration }

func (s slowRules) ActiveRules(ctx context.Context, _ time.Time) ([]rules.DiscountRule, error) {
	select {
	case <-time.After(s.delay):
		return nil, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

type failingPromotions struct {
	promotion.Store
	err   error
	calls int
}

func (f *failingPromotions) FindByCode(context.Context, string) (promotion.Promotion, error) {
	f.calls++
	return promotion.Promotion{}, f.err
}

func TestGuardedRulesTimeout(t *testing.T) {
	g := GuardedRules{Store: slowRules{delay: time.Second}, Guard: &resilience.Guard{Timeout: 10 * time.Millisecond}}
	_, err := g.ActiveRules(context.Background(), fixedNow)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestGuardedPromotionsBreaker(t *testing.T) {
	down := &failingPromotions{Store: NewMemoryStore(), err: errors.New("db down")}
	guard := resilience.NewGuard("promotions_test", time.Second, resilience.NewBreaker(2, 0.5, time.Minute), IgnoreNotFound)
	g := GuardedPromotions{Store: down, Guard: guard}

	for i := 0; i < 2; i++ {
		_, err := g.FindByCode(context.Background(), "X")
		require.Error(t, err)
	}
	_, err := g.FindByCode(context.Background(), "X")
	require.ErrorIs(t, err, resilience.ErrOpenCircuit)
	require.Equal(t, 2, down.calls)
}

func TestGuardedPromotionsIgnoresNotFound(t *testing.T) {
	guard := resilience.NewGuard("promotions_test_nf", time.Second, resilience.NewBreaker(2, 0.5, time.Minute), IgnoreNotFound)
	g := GuardedPromotions{Store: NewMemoryStore(), Guard: guard}

	for i := 0; i < 5; i++ {
		_, err := g.FindByCode(context.Background(), "MISSING")
		require.ErrorIs(t, err, promotion.ErrNotFound)
	}
	require.Equal(t, resilience.Closed, guard.Breaker.State())
}
