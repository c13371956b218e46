package pricing

import (
	"context"
	"fmt"

	"github.com/noah-isme/backend-pricing/internal/events"
)

// CacheInvalidator drops cached product prices when their inputs change. A
// product update removes that product's entry; any promotion change clears
// the cache, as does a usage that exhausts a promotion.
//
// Product prices are cached by ID only. A product collaborator that changes
// a price, category or brand publishes events.TopicProductUpdated with the
// product ID as aggregate and an events.ProductUpdatedPayload body, or calls
// Service.InvalidateProduct directly.
type CacheInvalidator struct {
	Cache PriceCache
}

// Notify implements events.Notifier.
func (c CacheInvalidator) Notify(ctx context.Context, ev events.Event) error {
	if c.Cache == nil {
		return nil
	}
	switch ev.Topic {
	case events.TopicProductUpdated:
		return c.Cache.DeletePrices(ctx, ev.AggregateID)
	case events.TopicPromotionCreated, events.TopicPromotionUpdated, events.TopicPromotionDeactivated:
		return c.Cache.Clear(ctx)
	case events.TopicPromotionUsed:
		var payload events.PromotionUsedPayload
		if err := ev.Decode(&payload); err != nil {
			return fmt.Errorf("pricing: decode %s: %w", ev.Topic, err)
		}
		if payload.Exhausted {
			return c.Cache.Clear(ctx)
		}
	}
	return nil
}
