package repo

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/noah-isme/backend-pricing/internal/checkout"
	"github.com/noah-isme/backend-pricing/internal/events"
	"github.com/noah-isme/backend-pricing/internal/pricing"
	"github.com/noah-isme/backend-pricing/internal/promotion"
	"github.com/noah-isme/backend-pricing/internal/rules"
)

// ErrOrderNotFound is returned when an order does not exist.
var ErrOrderNotFound = errors.New("repo: order not found")

// MemoryStore keeps rules, promotions, the usage ledger, orders and events in
// process. All reservations are serialised by a single mutex.
type MemoryStore struct {
	mu         sync.RWMutex
	rules      map[uuid.UUID]rules.DiscountRule
	promotions map[uuid.UUID]promotion.Promotion
	codes      map[string]uuid.UUID
	usages     []promotion.UsageRecord
	byOrder    map[usageKey]int
	byUser     map[usageKey]int
	orders     map[string]checkout.Order
	loyalty    map[string]decimal.Decimal
	events     []events.Event
}

type usageKey struct {
	promotion uuid.UUID
	key       string
}

// NewMemoryStore returns an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		rules:      make(map[uuid.UUID]rules.DiscountRule),
		promotions: make(map[uuid.UUID]promotion.Promotion),
		codes:      make(map[string]uuid.UUID),
		byOrder:    make(map[usageKey]int),
		byUser:     make(map[usageKey]int),
		orders:     make(map[string]checkout.Order),
		loyalty:    make(map[string]decimal.Decimal),
	}
}

// UpsertRule inserts or replaces a rule by ID.
func (s *MemoryStore) UpsertRule(_ context.Context, r rules.DiscountRule) error {
	if r.ID == uuid.Nil {
		return errors.New("repo: rule id is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now().UTC()
	}
	s.rules[r.ID] = r
	return nil
}

// ActiveRules implements rules.Store.
func (s *MemoryStore) ActiveRules(ctx context.Context, now time.Time) ([]rules.DiscountRule, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]rules.DiscountRule, 0, len(s.rules))
	for _, r := range s.rules {
		if r.Eligible(now) {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID.String() < out[j].ID.String()
	})
	return out, nil
}

// FindByCode implements promotion.Store.
func (s *MemoryStore) FindByCode(_ context.Context, code string) (promotion.Promotion, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.codes[promotion.NormalizeCode(code)]
	if !ok {
		return promotion.Promotion{}, promotion.ErrNotFound
	}
	return s.promotions[id], nil
}

// FindByID implements promotion.Store.
func (s *MemoryStore) FindByID(_ context.Context, id uuid.UUID) (promotion.Promotion, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.promotions[id]
	if !ok {
		return promotion.Promotion{}, promotion.ErrNotFound
	}
	return p, nil
}

// ListActive implements promotion.Store.
func (s *MemoryStore) ListActive(_ context.Context, now time.Time) ([]promotion.Promotion, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]promotion.Promotion, 0, len(s.promotions))
	for _, p := range s.promotions {
		if p.Active && p.InWindow(now) {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Code < out[j].Code })
	return out, nil
}

// CreatePromotion implements promotion.Store. Codes are unique.
func (s *MemoryStore) CreatePromotion(_ context.Context, p promotion.Promotion) (promotion.Promotion, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p.Code = promotion.NormalizeCode(p.Code)
	if _, ok := s.codes[p.Code]; ok {
		return promotion.Promotion{}, fmt.Errorf("%w: %s", promotion.ErrDuplicateCode, p.Code)
	}
	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	s.promotions[p.ID] = p
	s.codes[p.Code] = p.ID
	return p, nil
}

// UpdatePromotion implements promotion.Store. The stored used count wins over
// the caller's copy.
func (s *MemoryStore) UpdatePromotion(_ context.Context, p promotion.Promotion) (promotion.Promotion, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	current, ok := s.promotions[p.ID]
	if !ok {
		return promotion.Promotion{}, promotion.ErrNotFound
	}
	p.Code = promotion.NormalizeCode(p.Code)
	if owner, taken := s.codes[p.Code]; taken && owner != p.ID {
		return promotion.Promotion{}, fmt.Errorf("%w: %s", promotion.ErrDuplicateCode, p.Code)
	}
	delete(s.codes, current.Code)
	p.UsedCount = current.UsedCount
	s.promotions[p.ID] = p
	s.codes[p.Code] = p.ID
	return p, nil
}

// HasUsed implements promotion.Ledger.
func (s *MemoryStore) HasUsed(_ context.Context, userID string, promotionID uuid.UUID) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.byUser[usageKey{promotion: promotionID, key: userID}]
	return ok, nil
}

// UsageByUser implements promotion.Ledger.
func (s *MemoryStore) UsageByUser(_ context.Context, userID string) ([]promotion.UsageRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []promotion.UsageRecord
	for _, u := range s.usages {
		if u.UserID == userID {
			out = append(out, u)
		}
	}
	return out, nil
}

// ReserveUsage implements promotion.Ledger.
func (s *MemoryStore) ReserveUsage(ctx context.Context, r promotion.Reservation) (promotion.Reserved, error) {
	if err := ctx.Err(); err != nil {
		return promotion.Reserved{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.codes[promotion.NormalizeCode(r.Code)]
	if !ok {
		return promotion.Reserved{}, promotion.ErrNotFound
	}
	p := s.promotions[id]
	if idx, ok := s.byOrder[usageKey{promotion: id, key: r.OrderID}]; ok {
		return promotion.Reserved{Record: s.usages[idx], Promotion: p, Replayed: true}, nil
	}
	if _, ok := s.byUser[usageKey{promotion: id, key: r.UserID}]; ok {
		return promotion.Reserved{}, &promotion.ValidationError{Reason: promotion.ReasonAlreadyUsed, Code: p.Code}
	}
	if p.Exhausted() {
		return promotion.Reserved{}, &promotion.ValidationError{Reason: promotion.ReasonLimitExceeded, Code: p.Code}
	}
	rec := promotion.UsageRecord{
		ID:             uuid.New(),
		UserID:         r.UserID,
		PromotionID:    id,
		Code:           p.Code,
		OrderID:        r.OrderID,
		DiscountAmount: r.DiscountAmount,
		UsedAt:         r.UsedAt,
	}
	s.usages = append(s.usages, rec)
	s.byOrder[usageKey{promotion: id, key: r.OrderID}] = len(s.usages) - 1
	s.byUser[usageKey{promotion: id, key: r.UserID}] = len(s.usages) - 1
	p.UsedCount++
	p.UpdatedAt = r.UsedAt
	s.promotions[id] = p
	return promotion.Reserved{Record: rec, Promotion: p}, nil
}

// CreateOrder implements checkout.OrderWriter.
func (s *MemoryStore) CreateOrder(_ context.Context, o checkout.Order) (checkout.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if o.ID == "" {
		o.ID = uuid.NewString()
	}
	if _, exists := s.orders[o.ID]; exists {
		return checkout.Order{}, fmt.Errorf("repo: order %s already exists", o.ID)
	}
	s.orders[o.ID] = o
	return o, nil
}

// DetachPromotion implements checkout.OrderWriter.
func (s *MemoryStore) DetachPromotion(_ context.Context, orderID string, repriced pricing.Result) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.orders[orderID]
	if !ok {
		return ErrOrderNotFound
	}
	o.Pricing = repriced
	o.PromotionCode = ""
	s.orders[orderID] = o
	return nil
}

// Order returns a stored order.
func (s *MemoryStore) Order(_ context.Context, id string) (checkout.Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	o, ok := s.orders[id]
	if !ok {
		return checkout.Order{}, ErrOrderNotFound
	}
	return o, nil
}

// SetLoyaltyPoints records a user's loyalty balance.
func (s *MemoryStore) SetLoyaltyPoints(_ context.Context, userID string, points decimal.Decimal) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.loyalty[userID] = points
	return nil
}

// MarkUsagePending flags an order whose usage reservation was escalated.
func (s *MemoryStore) MarkUsagePending(_ context.Context, orderID string, pending bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.orders[orderID]
	if !ok {
		return ErrOrderNotFound
	}
	o.UsagePending = pending
	s.orders[orderID] = o
	return nil
}

// UserFacts implements rules.UserFactSource. Prior orders are counted from
// stored orders; loyalty is unknown unless set.
func (s *MemoryStore) UserFacts(_ context.Context, userID string) (rules.UserFacts, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var count int64
	for _, o := range s.orders {
		if o.UserID == userID {
			count++
		}
	}
	facts := rules.UserFacts{PriorOrders: &count}
	if points, ok := s.loyalty[userID]; ok {
		facts.LoyaltyPoints = &points
	}
	return facts, nil
}

// InsertEvent implements events.EventStore.
func (s *MemoryStore) InsertEvent(_ context.Context, ev events.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, ev)
	return nil
}

// Events returns the recorded events in emission order.
func (s *MemoryStore) Events() []events.Event {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]events.Event, len(s.events))
	copy(out, s.events)
	return out
}
