package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
)

type priceEntry struct {
	Price    decimal.Decimal `json:"price"`
	StoredAt time.Time       `json:"storedAt"`
}

// RedisPriceCache stores best prices as JSON payloads with a TTL.
type RedisPriceCache struct {
	client *redis.Client
	ttl    time.Duration
	keys   Keys
}

// NewRedisPriceCache constructs a Redis backed price cache.
func NewRedisPriceCache(client *redis.Client, ttl time.Duration, prefix string) *RedisPriceCache {
	return &RedisPriceCache{client: client, ttl: ttl, keys: Keys{Prefix: prefix}}
}

// GetPrice reports the cached price for productID and whether it existed.
func (c *RedisPriceCache) GetPrice(ctx context.Context, productID string) (decimal.Decimal, bool, error) {
	var entry priceEntry
	ok, err := c.getJSON(ctx, c.keys.ProductPrice(productID), &entry)
	if err != nil || !ok {
		return decimal.Zero, false, err
	}
	return entry.Price, true, nil
}

// SetPrice stores price for productID.
func (c *RedisPriceCache) SetPrice(ctx context.Context, productID string, price decimal.Decimal) error {
	return c.setJSON(ctx, c.keys.ProductPrice(productID), priceEntry{Price: price, StoredAt: time.Now().UTC()})
}

// DeletePrices removes the entries for productIDs.
func (c *RedisPriceCache) DeletePrices(ctx context.Context, productIDs ...string) error {
	if c == nil || c.client == nil || len(productIDs) == 0 {
		return nil
	}
	keys := make([]string, 0, len(productIDs))
	for _, id := range productIDs {
		keys = append(keys, c.keys.ProductPrice(id))
	}
	return c.client.Del(ctx, keys...).Err()
}

// Clear removes every product price entry under the prefix.
func (c *RedisPriceCache) Clear(ctx context.Context) error {
	if c == nil || c.client == nil {
		return nil
	}
	var cursor uint64
	pattern := c.keys.ProductPricePattern()
	for {
		keys, next, err := c.client.Scan(ctx, cursor, pattern, 200).Result()
		if err != nil {
			return fmt.Errorf("cache: scan %s: %w", pattern, err)
		}
		if len(keys) > 0 {
			if err := c.client.Del(ctx, keys...).Err(); err != nil {
				return fmt.Errorf("cache: delete: %w", err)
			}
		}
		cursor = next
		if cursor == 0 {
			return nil
		}
	}
}

func (c *RedisPriceCache) getJSON(ctx context.Context, key string, dst any) (bool, error) {
	if c == nil || c.client == nil || key == "" {
		return false, nil
	}
	data, err := c.client.Get(ctx, key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return false, nil
		}
		return false, err
	}
	if err := json.Unmarshal(data, dst); err != nil {
		return false, err
	}
	return true, nil
}

func (c *RedisPriceCache) setJSON(ctx context.Context, key string, v any) error {
	if c == nil || c.client == nil || key == "" {
		return nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return c.client.Set(ctx, key, data, c.ttl).Err()
}
