package promotion

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/noah-isme/backend-pricing/internal/events"
	"github.com/noah-isme/backend-pricing/internal/money"
)

var fixedNow = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

type stubStore struct {
	mu      sync.Mutex
	byID    map[uuid.UUID]Promotion
	usages  []UsageRecord
	lookErr error
	listErr error
}

func newStubStore(promos ...Promotion) *stubStore {
	s := &stubStore{byID: make(map[uuid.UUID]Promotion)}
	for _, p := range promos {
		s.byID[p.ID] = p
	}
	return s
}

func (s *stubStore) FindByCode(_ context.Context, code string) (Promotion, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.lookErr != nil {
		return Promotion{}, s.lookErr
	}
	for _, p := range s.byID {
		if p.Code == code {
			return p, nil
		}
	}
	return Promotion{}, ErrNotFound
}

func (s *stubStore) FindByID(_ context.Context, id uuid.UUID) (Promotion, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.byID[id]
	if !ok {
		return Promotion{}, ErrNotFound
	}
	return p, nil
}

func (s *stubStore) ListActive(_ context.Context, now time.Time) ([]Promotion, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listErr != nil {
		return nil, s.listErr
	}
	var out []Promotion
	for _, p := range s.byID {
		if p.Active && p.InWindow(now) {
			out = append(out, p)
		}
	}
	return out, nil
}

func (s *stubStore) CreatePromotion(_ context.Context, p Promotion) (Promotion, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.byID[p.ID] = p
	return p, nil
}

func (s *stubStore) UpdatePromotion(_ context.Context, p Promotion) (Promotion, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.byID[p.ID]; !ok {
		return Promotion{}, ErrNotFound
	}
	s.byID[p.ID] = p
	return p, nil
}

func (s *stubStore) HasUsed(_ context.Context, userID string, promotionID uuid.UUID) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, u := range s.usages {
		if u.UserID == userID && u.PromotionID == promotionID {
			return true, nil
		}
	}
	return false, nil
}

func (s *stubStore) UsageByUser(_ context.Context, userID string) ([]UsageRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []UsageRecord
	for _, u := range s.usages {
		if u.UserID == userID {
			out = append(out, u)
		}
	}
	return out, nil
}

func (s *stubStore) ReserveUsage(_ context.Context, r Reservation) (Reserved, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var p Promotion
	found := false
	for _, candidate := range s.byID {
		if candidate.Code == r.Code {
			p, found = candidate, true
			break
		}
	}
	if !found {
		return Reserved{}, ErrNotFound
	}
	for _, u := range s.usages {
		if u.PromotionID == p.ID && u.OrderID == r.OrderID {
			return Reserved{Record: u, Promotion: p, Replayed: true}, nil
		}
	}
	for _, u := range s.usages {
		if u.PromotionID == p.ID && u.UserID == r.UserID {
			return Reserved{}, rejected(ReasonAlreadyUsed, p.Code)
		}
	}
	if p.Exhausted() {
		return Reserved{}, rejected(ReasonLimitExceeded, p.Code)
	}
	rec := UsageRecord{
		ID:             uuid.New(),
		UserID:         r.UserID,
		PromotionID:    p.ID,
		Code:           p.Code,
		OrderID:        r.OrderID,
		DiscountAmount: r.DiscountAmount,
		UsedAt:         r.UsedAt,
	}
	s.usages = append(s.usages, rec)
	p.UsedCount++
	s.byID[p.ID] = p
	return Reserved{Record: rec, Promotion: p}, nil
}

type recordingEvents struct {
	mu     sync.Mutex
	topics []string
	last   any
	err    error
}

func (r *recordingEvents) Emit(_ context.Context, topic, aggregateID string, payload any) (events.Event, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.topics = append(r.topics, topic)
	r.last = payload
	return events.Event{Topic: topic, AggregateID: aggregateID}, r.err
}

type recordingLocker struct {
	keys []string
	err  error
}

func (l *recordingLocker) WithLock(ctx context.Context, key string, _ time.Duration, fn func(context.Context) error) error {
	l.keys = append(l.keys, key)
	if l.err != nil {
		return l.err
	}
	return fn(ctx)
}

var errStoreDown = errors.New("store down")

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func decPtr(s string) *decimal.Decimal {
	d := dec(s)
	return &d
}

func intPtr(v int) *int { return &v }

func strPtr(s string) *string { return &s }

func activePromotion(code string, t money.DiscountType, value string) Promotion {
	return Promotion{
		ID:            uuid.New(),
		Name:          code + " promo",
		Code:          code,
		DiscountType:  t,
		DiscountValue: dec(value),
		StartsAt:      fixedNow.Add(-24 * time.Hour),
		EndsAt:        fixedNow.Add(24 * time.Hour),
		Active:        true,
	}
}

func newTestService(store *stubStore) *Service {
	return &Service{
		Store:  store,
		Ledger: store,
		Now:    func() time.Time { return fixedNow },
	}
}
