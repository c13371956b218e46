package app

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/backend-pricing/internal/checkout"
	"github.com/noah-isme/backend-pricing/internal/config"
	"github.com/noah-isme/backend-pricing/internal/events"
	"github.com/noah-isme/backend-pricing/internal/money"
	"github.com/noah-isme/backend-pricing/internal/pricing"
	"github.com/noah-isme/backend-pricing/internal/promotion"
	"github.com/noah-isme/backend-pricing/internal/repo"
	"github.com/noah-isme/backend-pricing/internal/rules"
)

var fixedNow = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

func testConfig() *config.Config {
	return &config.Config{
		AppEnv:              "test",
		PriceCacheTTL:       time.Minute,
		RuleEvaluator:       "direct",
		StoreTimeout:        time.Second,
		BreakerMinRequests:  5,
		BreakerFailureRatio: 0.5,
		BreakerOpenFor:      time.Second,
		UsageRetryAttempts:  2,
		UsageRetryBase:      time.Millisecond,
		LockTTL:             time.Second,
		MetricsNamespace:    "pricing_test",
	}
}

func newTestApp(t *testing.T) (*App, *repo.MemoryStore) {
	t.Helper()
	store := repo.NewMemoryStore()
	a, err := New(context.Background(), testConfig(), zerolog.Nop(), Options{
		Store:      store,
		Registerer: prometheus.NewRegistry(),
		Now:        func() time.Time { return fixedNow },
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Close(context.Background()) })
	return a, store
}

func seed(t *testing.T, a *App, store *repo.MemoryStore) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, store.UpsertRule(ctx, rules.DiscountRule{
		ID:                uuid.New(),
		Name:              "Big cart",
		Type:              rules.RuleCartTotal,
		ConditionOperator: rules.OpGTE,
		ConditionValue:    "200",
		DiscountType:      money.Percentage,
		DiscountValue:     decimal.NewFromInt(10),
		Priority:          1,
		Active:            true,
	}))
	limit := 1
	_, err := a.Promotions.Create(ctx, promotion.Request{
		Name:              "Save twenty",
		Code:              "save20",
		DiscountType:      "PERCENTAGE",
		DiscountValue:     "20",
		MaxDiscountAmount: "40",
		UsageLimit:        &limit,
		StartsAt:          fixedNow.Add(-time.Hour),
		EndsAt:            fixedNow.Add(time.Hour),
	})
	require.NoError(t, err)
}

func cart(userID string) pricing.Cart {
	return pricing.Cart{UserID: userID, Items: []pricing.CartItem{
		{ProductID: "p1", Quantity: 1, UnitPrice: decimal.NewFromInt(250)},
	}}
}

func TestNewRequiresConfig(t *testing.T) {
	_, err := New(context.Background(), nil, zerolog.Nop(), Options{})
	require.Error(t, err)
}

func TestNewRejectsUnknownEvaluator(t *testing.T) {
	cfg := testConfig()
	cfg.RuleEvaluator = "lua"
	_, err := New(context.Background(), cfg, zerolog.Nop(), Options{Registerer: prometheus.NewRegistry()})
	require.Error(t, err)
}

func TestInMemoryGraphPricesAndChecksOut(t *testing.T) {
	a, store := newTestApp(t)
	seed(t, a, store)
	ctx := context.Background()

	quote, err := a.Pricing.CalculateCartPricing(ctx, cart("u1"), "SAVE20")
	require.NoError(t, err)
	require.Equal(t, "185.00", quote.FinalTotal.StringFixed(2))

	out, err := a.Checkout.Checkout(ctx, checkout.Input{UserID: "u1", Cart: cart("u1"), PromotionCode: "SAVE20"})
	require.NoError(t, err)
	require.NotNil(t, out.Usage)
	require.Equal(t, "SAVE20", out.Order.PromotionCode)

	saved, err := store.Order(ctx, out.Order.ID)
	require.NoError(t, err)
	require.Equal(t, "185.00", saved.Pricing.FinalTotal.StringFixed(2))

	promo, err := store.FindByCode(ctx, "SAVE20")
	require.NoError(t, err)
	require.Equal(t, 1, promo.UsedCount)

	var topics []string
	for _, ev := range store.Events() {
		topics = append(topics, ev.Topic)
	}
	require.Contains(t, topics, events.TopicPromotionCreated)
	require.Contains(t, topics, events.TopicPromotionUsed)
	require.Contains(t, topics, events.TopicOrderPriced)

	_, err = a.Checkout.Checkout(ctx, checkout.Input{UserID: "u2", Cart: cart("u2"), PromotionCode: "SAVE20"})
	require.ErrorIs(t, err, promotion.ErrLimitExceeded)

	lenient, err := a.Pricing.CalculateCartPricing(ctx, cart("u2"), "SAVE20")
	require.NoError(t, err)
	require.Equal(t, "225.00", lenient.FinalTotal.StringFixed(2))
}

func TestUsageHandlerUsesGraph(t *testing.T) {
	a, store := newTestApp(t)
	seed(t, a, store)
	h := a.UsageHandler()
	require.NotNil(t, h.Usage)
	require.NotNil(t, h.Orders)
}

func TestHealthInMemoryMode(t *testing.T) {
	a, _ := newTestApp(t)
	status, healthy := a.Health().Check(context.Background())
	require.True(t, healthy)
	require.Equal(t, map[string]string{"postgres": "disabled", "redis": "disabled"}, status)
}
