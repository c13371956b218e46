package repo

import (
	"context"

	"github.com/shopspring/decimal"

	"github.com/noah-isme/backend-pricing/internal/checkout"
	"github.com/noah-isme/backend-pricing/internal/events"
	"github.com/noah-isme/backend-pricing/internal/promotion"
	"github.com/noah-isme/backend-pricing/internal/rules"
)

// Backend is the full persistence surface. MemoryStore and PostgresStore are
// interchangeable behind it.
type Backend interface {
	rules.Store
	rules.UserFactSource
	promotion.Store
	promotion.Ledger
	events.EventStore
	checkout.OrderWriter

	UpsertRule(ctx context.Context, r rules.DiscountRule) error
	Order(ctx context.Context, id string) (checkout.Order, error)
	MarkUsagePending(ctx context.Context, orderID string, pending bool) error
	SetLoyaltyPoints(ctx context.Context, userID string, points decimal.Decimal) error
}

var (
	_ Backend = (*MemoryStore)(nil)
	_ Backend = (*PostgresStore)(nil)
)
