package cache

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

type memoryEntry struct {
	price     decimal.Decimal
	expiresAt time.Time
}

// MemoryPriceCache is an in-process price cache guarded by a RWMutex.
type MemoryPriceCache struct {
	mu      sync.RWMutex
	entries map[string]memoryEntry
	ttl     time.Duration
	now     func() time.Time
}

// NewMemoryPriceCache constructs an in-memory cache. A zero ttl never expires.
func NewMemoryPriceCache(ttl time.Duration) *MemoryPriceCache {
	return &MemoryPriceCache{entries: make(map[string]memoryEntry), ttl: ttl, now: time.Now}
}

func (c *MemoryPriceCache) GetPrice(_ context.Context, productID string) (decimal.Decimal, bool, error) {
	c.mu.RLock()
	entry, ok := c.entries[strings.TrimSpace(productID)]
	c.mu.RUnlock()
	if !ok {
		return decimal.Zero, false, nil
	}
	if !entry.expiresAt.IsZero() && c.now().After(entry.expiresAt) {
		c.mu.Lock()
		delete(c.entries, strings.TrimSpace(productID))
		c.mu.Unlock()
		return decimal.Zero, false, nil
	}
	return entry.price, true, nil
}

func (c *MemoryPriceCache) SetPrice(_ context.Context, productID string, price decimal.Decimal) error {
	entry := memoryEntry{price: price}
	if c.ttl > 0 {
		entry.expiresAt = c.now().Add(c.ttl)
	}
	c.mu.Lock()
	c.entries[strings.TrimSpace(productID)] = entry
	c.mu.Unlock()
	return nil
}

func (c *MemoryPriceCache) DeletePrices(_ context.Context, productIDs ...string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, id := range productIDs {
		delete(c.entries, strings.TrimSpace(id))
	}
	return nil
}

func (c *MemoryPriceCache) Clear(context.Context) error {
	c.mu.Lock()
	c.entries = make(map[string]memoryEntry)
	c.mu.Unlock()
	return nil
}

// Len returns the number of live entries.
func (c *MemoryPriceCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}
