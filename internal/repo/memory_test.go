package repo

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/backend-pricing/internal/checkout"
	"github.com/noah-isme/backend-pricing/internal/money"
	"github.com/noah-isme/backend-pricing/internal/pricing"
	"github.com/noah-isme/backend-pricing/internal/promotion"
	"github.com/noah-isme/backend-pricing/internal/rules"
)

var fixedNow = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

func seedPromotion(t *testing.T, s *MemoryStore, code string, limit *int) promotion.Promotion {
	t.Helper()
	p, err := s.CreatePromotion(context.Background(), promotion.Promotion{
		ID:            uuid.New(),
		Name:          code,
		Code:          code,
		DiscountType:  money.FixedAmount,
		DiscountValue: decimal.NewFromInt(5),
		UsageLimit:    limit,
		StartsAt:      fixedNow.Add(-time.Hour),
		EndsAt:        fixedNow.Add(time.Hour),
		Active:        true,
	})
	require.NoError(t, err)
	return p
}

func reservation(code, user, order string) promotion.Reservation {
	return promotion.Reservation{Code: code, UserID: user, OrderID: order, DiscountAmount: decimal.NewFromInt(5), UsedAt: fixedNow}
}

func TestMemoryReserveUsage(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	limit := 2
	p := seedPromotion(t, s, "save5", &limit)
	require.Equal(t, "SAVE5", p.Code)

	first, err := s.ReserveUsage(ctx, reservation("SAVE5", "u1", "o1"))
	require.NoError(t, err)
	require.False(t, first.Replayed)
	require.Equal(t, 1, first.Promotion.UsedCount)

	replay, err := s.ReserveUsage(ctx, reservation("SAVE5", "u1", "o1"))
	require.NoError(t, err)
	require.True(t, replay.Replayed)
	require.Equal(t, first.Record.ID, replay.Record.ID)

	_, err = s.ReserveUsage(ctx, reservation("SAVE5", "u1", "o2"))
	require.ErrorIs(t, err, promotion.ErrAlreadyUsed)

	_, err = s.ReserveUsage(ctx, reservation("SAVE5", "u2", "o3"))
	require.NoError(t, err)

	_, err = s.ReserveUsage(ctx, reservation("SAVE5", "u3", "o4"))
	require.ErrorIs(t, err, promotion.ErrLimitExceeded)

	_, err = s.ReserveUsage(ctx, reservation("NOPE", "u1", "o5"))
	require.ErrorIs(t, err, promotion.ErrNotFound)

	stored, err := s.FindByID(ctx, p.ID)
	require.NoError(t, err)
	require.Equal(t, 2, stored.UsedCount)

	used, err := s.HasUsed(ctx, "u2", p.ID)
	require.NoError(t, err)
	require.True(t, used)
}

func TestMemoryConcurrentReservationsRespectLimit(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	limit := 1
	seedPromotion(t, s, "ONCE", &limit)

	const workers = 32
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		successes int
		exceeded  int
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := s.ReserveUsage(ctx, reservation("ONCE", fmt.Sprintf("user-%d", i), fmt.Sprintf("order-%d", i)))
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				successes++
			case errors.Is(err, promotion.ErrLimitExceeded):
				exceeded++
			}
		}(i)
	}
	wg.Wait()
	require.Equal(t, 1, successes)
	require.Equal(t, workers-1, exceeded)
}

func TestMemoryPromotionCodesUnique(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	a := seedPromotion(t, s, "AAA", nil)
	seedPromotion(t, s, "BBB", nil)

	_, err := s.CreatePromotion(ctx, promotion.Promotion{ID: uuid.New(), Code: "aaa"})
	require.ErrorIs(t, err, promotion.ErrDuplicateCode)

	a.Code = "BBB"
	_, err = s.UpdatePromotion(ctx, a)
	require.ErrorIs(t, err, promotion.ErrDuplicateCode)

	a.Code = "CCC"
	a.UsedCount = 99
	updated, err := s.UpdatePromotion(ctx, a)
	require.NoError(t, err)
	require.Zero(t, updated.UsedCount)
	_, err = s.FindByCode(ctx, "AAA")
	require.ErrorIs(t, err, promotion.ErrNotFound)
	_, err = s.FindByCode(ctx, "ccc")
	require.NoError(t, err)
}

func TestMemoryListActive(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	seedPromotion(t, s, "LIVE", nil)
	_, err := s.CreatePromotion(ctx, promotion.Promotion{
		ID: uuid.New(), Code: "LATER", Active: true,
		StartsAt: fixedNow.Add(time.Hour), EndsAt: fixedNow.Add(2 * time.Hour),
	})
	require.NoError(t, err)

	list, err := s.ListActive(ctx, fixedNow)
	require.NoError(t, err)
	require.Len(t, list, 1)
	require.Equal(t, "LIVE", list[0].Code)
}

func TestMemoryActiveRules(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	past := fixedNow.Add(-time.Minute)
	require.NoError(t, s.UpsertRule(ctx, rules.DiscountRule{ID: uuid.New(), Name: "on", Active: true}))
	require.NoError(t, s.UpsertRule(ctx, rules.DiscountRule{ID: uuid.New(), Name: "off", Active: false}))
	require.NoError(t, s.UpsertRule(ctx, rules.DiscountRule{ID: uuid.New(), Name: "ended", Active: true, EndsAt: &past}))
	require.Error(t, s.UpsertRule(ctx, rules.DiscountRule{Name: "no id"}))

	active, err := s.ActiveRules(ctx, fixedNow)
	require.NoError(t, err)
	require.Len(t, active, 1)
	require.Equal(t, "on", active[0].Name)
}

func TestMemoryEqualPriorityRulesFireInStableOrder(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	created := fixedNow.Add(-time.Hour)
	byID := make(map[string]string)
	ids := make([]string, 0, 6)
	for i := 0; i < 6; i++ {
		r := rules.DiscountRule{
			ID:                uuid.New(),
			Name:              fmt.Sprintf("r%d", i),
			Type:              rules.RuleCartTotal,
			ConditionField:    "cart_total",
			ConditionOperator: rules.OpGTE,
			ConditionValue:    "0",
			DiscountType:      money.FixedAmount,
			DiscountValue:     decimal.NewFromInt(1),
			Priority:          5,
			Active:            true,
			CreatedAt:         created,
		}
		require.NoError(t, s.UpsertRule(ctx, r))
		byID[r.ID.String()] = r.Name
		ids = append(ids, r.ID.String())
	}
	sort.Strings(ids)
	want := make([]string, 0, len(ids))
	for _, id := range ids {
		want = append(want, byID[id])
	}

	engine := rules.Engine{Store: s, Now: func() time.Time { return fixedNow }}
	facts := rules.FactsFromLines("u1", []rules.Line{{Quantity: 1, UnitPrice: decimal.NewFromInt(50)}})
	for i := 0; i < 50; i++ {
		out, err := engine.Apply(ctx, facts)
		require.NoError(t, err)
		require.Equal(t, want, out.Names(), "run %d", i)
		require.True(t, decimal.NewFromInt(6).Equal(out.Discount))
	}
}

func TestMemoryOrdersAndUserFacts(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	facts, err := s.UserFacts(ctx, "u1")
	require.NoError(t, err)
	require.NotNil(t, facts.PriorOrders)
	require.Zero(t, *facts.PriorOrders)
	require.Nil(t, facts.LoyaltyPoints)

	code := "SAVE"
	priced := pricing.Summarize(decimal.NewFromInt(100), []pricing.AppliedDiscount{
		{Name: "SAVE", Source: pricing.SourcePromotion, Amount: decimal.NewFromInt(10)},
	}, &code)
	_, err = s.CreateOrder(ctx, checkout.Order{ID: "o1", UserID: "u1", Pricing: priced, PromotionCode: code})
	require.NoError(t, err)
	_, err = s.CreateOrder(ctx, checkout.Order{ID: "o1", UserID: "u1"})
	require.Error(t, err)

	require.NoError(t, s.DetachPromotion(ctx, "o1", priced.WithoutPromotion()))
	require.ErrorIs(t, s.DetachPromotion(ctx, "missing", priced), ErrOrderNotFound)
	require.NoError(t, s.MarkUsagePending(ctx, "o1", true))

	o, err := s.Order(ctx, "o1")
	require.NoError(t, err)
	require.Empty(t, o.PromotionCode)
	require.True(t, o.UsagePending)
	require.Equal(t, "100.00", o.Pricing.FinalTotal.StringFixed(2))

	require.NoError(t, s.SetLoyaltyPoints(ctx, "u1", decimal.NewFromInt(750)))
	facts, err = s.UserFacts(ctx, "u1")
	require.NoError(t, err)
	require.EqualValues(t, 1, *facts.PriorOrders)
	require.Equal(t, "750", facts.LoyaltyPoints.String())
}

func TestMigrateURL(t *testing.T) {
	require.Equal(t, "pgx5://u:p@localhost:5432/db", migrateURL("postgres://u:p@localhost:5432/db"))
	require.Equal(t, "pgx5://localhost/db", migrateURL("postgresql://localhost/db"))
	require.Equal(t, "pgx5://already", migrateURL("pgx5://already"))
}
