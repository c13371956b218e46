package pricing

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/backend-pricing/internal/cache"
	"github.com/noah-isme/backend-pricing/internal/events"
	"github.com/noah-isme/backend-pricing/internal/money"
	"github.com/noah-isme/backend-pricing/internal/promotion"
	"github.com/noah-isme/backend-pricing/internal/rules"
)

var fixedNow = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

type stubPromotions struct {
	byCode     map[string]promotion.Promotion
	validErr   error
	product    []promotion.Promotion
	productErr error
	validated  int
	listed     int
}

func (s *stubPromotions) Validate(_ context.Context, code, _ string) (promotion.Promotion, error) {
	s.validated++
	if s.validErr != nil {
		return promotion.Promotion{}, s.validErr
	}
	p, ok := s.byCode[promotion.NormalizeCode(code)]
	if !ok {
		return promotion.Promotion{}, &promotion.ValidationError{Reason: promotion.ReasonInvalidCode, Code: code}
	}
	return p, nil
}

func (s *stubPromotions) ForProduct(context.Context, string, string) ([]promotion.Promotion, error) {
	s.listed++
	return s.product, s.productErr
}

type failingRules struct{}

func (failingRules) Apply(context.Context, rules.Facts) (rules.Outcome, error) {
	return rules.Outcome{}, errors.New("rule store unavailable")
}

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func decPtr(s string) *decimal.Decimal {
	d := dec(s)
	return &d
}

func cartTotalRule(threshold, pct string) rules.DiscountRule {
	return rules.DiscountRule{
		ID:                uuid.New(),
		Name:              "Big cart " + pct + "%",
		Type:              rules.RuleCartTotal,
		ConditionOperator: rules.OpGT,
		ConditionValue:    threshold,
		DiscountType:      money.Percentage,
		DiscountValue:     dec(pct),
		Priority:          10,
		Active:            true,
	}
}

func engineWith(rs ...rules.DiscountRule) *rules.Engine {
	return &rules.Engine{Store: rules.NewStaticStore(rs...), Now: func() time.Time { return fixedNow }}
}

func promo(code string, t money.DiscountType, value string) promotion.Promotion {
	return promotion.Promotion{
		ID:            uuid.New(),
		Name:          code,
		Code:          code,
		DiscountType:  t,
		DiscountValue: dec(value),
		StartsAt:      fixedNow.Add(-time.Hour),
		EndsAt:        fixedNow.Add(time.Hour),
		Active:        true,
	}
}

func singleItemCart(price string) Cart {
	return Cart{UserID: "u1", Items: []CartItem{{ProductID: "p1", Quantity: 1, UnitPrice: dec(price), Category: "general"}}}
}

func TestCartRuleAndCappedPromotion(t *testing.T) {
	save := promo("SAVE20", money.Percentage, "20")
	save.MaxDiscountAmount = decPtr("40")
	promos := &stubPromotions{byCode: map[string]promotion.Promotion{"SAVE20": save}}
	svc := NewService(engineWith(cartTotalRule("200", "10")), promos, nil, nil)

	cart := Cart{UserID: "u1", Items: []CartItem{
		{ProductID: "p1", Quantity: 2, UnitPrice: dec("100")},
		{ProductID: "p2", Quantity: 1, UnitPrice: dec("50")},
	}}
	res, err := svc.CalculateCartPricing(context.Background(), cart, "save20")
	require.NoError(t, err)
	require.Equal(t, "250.00", res.OriginalTotal.StringFixed(2))
	require.Equal(t, "65.00", res.DiscountAmount.StringFixed(2))
	require.Equal(t, "185.00", res.FinalTotal.StringFixed(2))
	require.Equal(t, []string{"Big cart 10%", "SAVE20"}, res.AppliedDiscounts)
	require.NotNil(t, res.AppliedPromotionCode)
	require.Equal(t, "SAVE20", *res.AppliedPromotionCode)
	require.Equal(t, "40.00", res.PromotionDiscount().StringFixed(2))

	stripped := res.WithoutPromotion()
	require.Equal(t, "225.00", stripped.FinalTotal.StringFixed(2))
	require.Nil(t, stripped.AppliedPromotionCode)
	require.Equal(t, []string{"Big cart 10%"}, stripped.AppliedDiscounts)
}

func TestCartFinalTotalFloorsAtZero(t *testing.T) {
	fixed := promo("FIFTEEN", money.FixedAmount, "15")
	svc := NewService(nil, &stubPromotions{byCode: map[string]promotion.Promotion{"FIFTEEN": fixed}}, nil, nil)

	res, err := svc.CalculateCartPricing(context.Background(), singleItemCart("10"), "FIFTEEN")
	require.NoError(t, err)
	require.Equal(t, "15.00", res.DiscountAmount.StringFixed(2))
	require.True(t, res.FinalTotal.IsZero())
}

func TestEmptyCart(t *testing.T) {
	svc := NewService(engineWith(cartTotalRule("0", "10")), nil, nil, nil)
	res, err := svc.CalculateCartPricing(context.Background(), Cart{}, "")
	require.NoError(t, err)
	require.True(t, res.OriginalTotal.IsZero())
	require.True(t, res.FinalTotal.IsZero())
	require.Empty(t, res.AppliedDiscounts)
	require.Nil(t, res.AppliedPromotionCode)
}

func TestCartLenientIgnoresPromotionFailures(t *testing.T) {
	ctx := context.Background()
	promos := &stubPromotions{byCode: map[string]promotion.Promotion{}}
	svc := NewService(nil, promos, nil, nil)

	res, err := svc.CalculateCartPricing(ctx, singleItemCart("80"), "NOPE")
	require.NoError(t, err)
	require.Equal(t, "80.00", res.FinalTotal.StringFixed(2))
	require.Nil(t, res.AppliedPromotionCode)

	promos.validErr = errors.New("db down")
	res, err = svc.CalculateCartPricing(ctx, singleItemCart("80"), "ANY")
	require.NoError(t, err)
	require.Equal(t, "80.00", res.FinalTotal.StringFixed(2))
}

func TestCheckoutStrictSurfacesPromotionFailures(t *testing.T) {
	ctx := context.Background()
	promos := &stubPromotions{validErr: &promotion.ValidationError{Reason: promotion.ReasonAlreadyUsed, Code: "X"}}
	svc := NewService(nil, promos, nil, nil)

	_, err := svc.CalculateCheckoutPricing(ctx, singleItemCart("80"), "u1", "X")
	require.ErrorIs(t, err, promotion.ErrAlreadyUsed)

	storeErr := errors.New("db down")
	promos.validErr = storeErr
	_, err = svc.CalculateCheckoutPricing(ctx, singleItemCart("80"), "u1", "X")
	require.ErrorIs(t, err, storeErr)

	res, err := svc.CalculateCheckoutPricing(ctx, singleItemCart("80"), "u1", "")
	require.NoError(t, err)
	require.Equal(t, "80.00", res.FinalTotal.StringFixed(2))
}

func TestMinimumOrderUnmetOmitsPromotion(t *testing.T) {
	p := promo("MIN100", money.FixedAmount, "10")
	p.MinOrderAmount = decPtr("100")
	svc := NewService(nil, &stubPromotions{byCode: map[string]promotion.Promotion{"MIN100": p}}, nil, nil)

	res, err := svc.CalculateCheckoutPricing(context.Background(), singleItemCart("99.99"), "u1", "MIN100")
	require.NoError(t, err)
	require.True(t, res.DiscountAmount.IsZero())
	require.Nil(t, res.AppliedPromotionCode)
	require.Empty(t, res.AppliedDiscounts)
}

func TestRuleFailureDegradesToNoAutomaticDiscount(t *testing.T) {
	svc := NewService(failingRules{}, nil, nil, nil)
	res, err := svc.CalculateCheckoutPricing(context.Background(), singleItemCart("300"), "u1", "")
	require.NoError(t, err)
	require.True(t, res.DiscountAmount.IsZero())
	require.Equal(t, "300.00", res.FinalTotal.StringFixed(2))
}

func TestInvalidInput(t *testing.T) {
	svc := NewService(nil, nil, nil, nil)
	ctx := context.Background()

	bad := Cart{Items: []CartItem{{ProductID: "", Quantity: 1, UnitPrice: dec("1")}}}
	_, err := svc.CalculateCartPricing(ctx, bad, "")
	var inputErr *InputError
	require.ErrorAs(t, err, &inputErr)

	negative := Cart{Items: []CartItem{{ProductID: "p1", Quantity: -1, UnitPrice: dec("1")}}}
	_, err = svc.CalculateCartPricing(ctx, negative, "")
	require.ErrorAs(t, err, &inputErr)

	_, err = svc.CalculateProductPrice(ctx, Product{ID: "p1", Price: dec("-5")})
	require.ErrorAs(t, err, &inputErr)
}

func TestCalculateProductPrice(t *testing.T) {
	ctx := context.Background()
	tenPct := promo("TEN", money.Percentage, "10")
	five := promo("FIVE", money.FixedAmount, "5")
	huge := promo("HUGE", money.FixedAmount, "500")
	huge.MaxDiscountAmount = decPtr("8")

	t.Run("best of promotions", func(t *testing.T) {
		promos := &stubPromotions{product: []promotion.Promotion{tenPct, five, huge}}
		svc := NewService(nil, promos, nil, nil)
		price, err := svc.CalculateProductPrice(ctx, Product{ID: "p1", Price: dec("40")})
		require.NoError(t, err)
		require.Equal(t, "32.00", price.StringFixed(2))
	})

	t.Run("never below zero", func(t *testing.T) {
		promos := &stubPromotions{product: []promotion.Promotion{promo("ALL", money.FixedAmount, "100")}}
		svc := NewService(nil, promos, nil, nil)
		price, err := svc.CalculateProductPrice(ctx, Product{ID: "p1", Price: dec("40")})
		require.NoError(t, err)
		require.True(t, price.IsZero())
	})

	t.Run("store failure returns list price uncached", func(t *testing.T) {
		promos := &stubPromotions{productErr: errors.New("db down")}
		mem := cache.NewMemoryPriceCache(time.Minute)
		svc := NewService(nil, promos, mem, nil)
		price, err := svc.CalculateProductPrice(ctx, Product{ID: "p1", Price: dec("40")})
		require.NoError(t, err)
		require.Equal(t, "40.00", price.StringFixed(2))
		require.Equal(t, 0, mem.Len())
	})

	t.Run("cache hit skips lookup", func(t *testing.T) {
		promos := &stubPromotions{product: []promotion.Promotion{five}}
		mem := cache.NewMemoryPriceCache(time.Minute)
		svc := NewService(nil, promos, mem, nil)
		product := Product{ID: "p1", Price: dec("40")}

		first, err := svc.CalculateProductPrice(ctx, product)
		require.NoError(t, err)
		second, err := svc.CalculateProductPrice(ctx, product)
		require.NoError(t, err)
		require.True(t, first.Equal(second))
		require.Equal(t, 1, promos.listed)
	})

	t.Run("invalidated product is repriced", func(t *testing.T) {
		promos := &stubPromotions{product: []promotion.Promotion{promo("OFF5", money.FixedAmount, "5")}}
		mem := cache.NewMemoryPriceCache(time.Minute)
		svc := NewService(nil, promos, mem, nil)

		price, err := svc.CalculateProductPrice(ctx, Product{ID: "p1", Price: dec("40")})
		require.NoError(t, err)
		require.Equal(t, "35.00", price.StringFixed(2))

		stale, err := svc.CalculateProductPrice(ctx, Product{ID: "p1", Price: dec("60")})
		require.NoError(t, err)
		require.Equal(t, "35.00", stale.StringFixed(2))

		require.NoError(t, svc.InvalidateProduct(ctx, "p1"))
		require.Equal(t, 0, mem.Len())
		fresh, err := svc.CalculateProductPrice(ctx, Product{ID: "p1", Price: dec("60")})
		require.NoError(t, err)
		require.Equal(t, "55.00", fresh.StringFixed(2))
		require.Equal(t, 2, promos.listed)
	})

	t.Run("invalidate without cache is a no-op", func(t *testing.T) {
		svc := NewService(nil, &stubPromotions{}, nil, nil)
		require.NoError(t, svc.InvalidateProduct(ctx, "p1"))
	})
}

func TestCacheInvalidator(t *testing.T) {
	ctx := context.Background()
	mem := cache.NewMemoryPriceCache(time.Minute)
	inv := CacheInvalidator{Cache: mem}
	require.NoError(t, mem.SetPrice(ctx, "p1", dec("1")))
	require.NoError(t, mem.SetPrice(ctx, "p2", dec("2")))

	require.NoError(t, inv.Notify(ctx, event(t, "product.updated", "p1", nil)))
	require.Equal(t, 1, mem.Len())

	require.NoError(t, inv.Notify(ctx, event(t, "promotion.used", "x", map[string]any{"exhausted": false})))
	require.Equal(t, 1, mem.Len())

	require.NoError(t, inv.Notify(ctx, event(t, "promotion.used", "x", map[string]any{"exhausted": true})))
	require.Equal(t, 0, mem.Len())

	require.NoError(t, mem.SetPrice(ctx, "p3", dec("3")))
	require.NoError(t, inv.Notify(ctx, event(t, "promotion.updated", "x", nil)))
	require.Equal(t, 0, mem.Len())
}

func event(t *testing.T, topic, aggregateID string, payload any) events.Event {
	t.Helper()
	raw := []byte("{}")
	if payload != nil {
		var err error
		raw, err = json.Marshal(payload)
		require.NoError(t, err)
	}
	return events.Event{ID: uuid.New(), Topic: topic, AggregateID: aggregateID, Payload: raw, OccurredAt: fixedNow}
}
