package promotion

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/noah-isme/backend-pricing/internal/events"
	"github.com/noah-isme/backend-pricing/internal/money"
	"github.com/noah-isme/backend-pricing/internal/obs"
)

// ErrInvalidUsage is returned when a usage reservation is missing required fields.
var ErrInvalidUsage = errors.New("promotion: invalid usage reservation")

// Store captures the promotion persistence required by the service. Lookups
// by code receive normalised codes and return ErrNotFound when absent.
type Store interface {
	FindByCode(ctx context.Context, code string) (Promotion, error)
	FindByID(ctx context.Context, id uuid.UUID) (Promotion, error)
	// ListActive returns active promotions whose window contains now,
	// including exhausted ones.
	ListActive(ctx context.Context, now time.Time) ([]Promotion, error)
	CreatePromotion(ctx context.Context, p Promotion) (Promotion, error)
	UpdatePromotion(ctx context.Context, p Promotion) (Promotion, error)
}

// Reservation is a request to consume one usage slot.
type Reservation struct {
	Code           string
	UserID         string
	OrderID        string
	DiscountAmount decimal.Decimal
	UsedAt         time.Time
}

// Reserved is the outcome of a successful reservation.
type Reserved struct {
	Record    UsageRecord
	Promotion Promotion
	// Replayed is true when the order already held a reservation and
	// nothing was changed.
	Replayed bool
}

// Ledger is the append-only usage history.
type Ledger interface {
	HasUsed(ctx context.Context, userID string, promotionID uuid.UUID) (bool, error)
	UsageByUser(ctx context.Context, userID string) ([]UsageRecord, error)
	// ReserveUsage appends a usage record and increments the promotion's used
	// count as one serialised unit. A reservation for an order that already
	// holds one is returned unchanged with Replayed set. A user who already
	// used the promotion gets ALREADY_USED and a full promotion gets
	// LIMIT_EXCEEDED, both as *ValidationError. Unknown codes return ErrNotFound.
	ReserveUsage(ctx context.Context, r Reservation) (Reserved, error)
}

// Locker serialises reservations across processes.
type Locker interface {
	WithLock(ctx context.Context, key string, ttl time.Duration, fn func(context.Context) error) error
}

// EventPublisher emits domain events.
type EventPublisher interface {
	Emit(ctx context.Context, topic, aggregateID string, payload any) (events.Event, error)
}

// Service validates promotion codes, reserves usage and administers promotions.
type Service struct {
	Store   Store
	Ledger  Ledger
	Locker  Locker
	LockTTL time.Duration
	Events  EventPublisher
	Now     func() time.Time
	Logger  *zerolog.Logger
}

// FindValid looks up an active, in-window promotion by code. Unknown and
// inactive codes yield INVALID_CODE, closed windows EXPIRED.
func (s *Service) FindValid(ctx context.Context, code string) (Promotion, error) {
	if s == nil || s.Store == nil {
		return Promotion{}, errors.New("promotion service not configured")
	}
	normalized := NormalizeCode(code)
	if normalized == "" {
		return Promotion{}, rejected(ReasonInvalidCode, normalized)
	}
	p, err := s.Store.FindByCode(ctx, normalized)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return Promotion{}, rejected(ReasonInvalidCode, normalized)
		}
		return Promotion{}, fmt.Errorf("promotion: lookup %s: %w", normalized, err)
	}
	now := s.now()
	switch {
	case !p.Active:
		return Promotion{}, rejected(ReasonInvalidCode, normalized)
	case now.Before(p.StartsAt):
		return Promotion{}, rejected(ReasonInvalidCode, normalized)
	case now.After(p.EndsAt):
		return Promotion{}, rejected(ReasonExpired, normalized)
	}
	return p, nil
}

// Validate checks, in order, that the code is valid, that userID has not
// used it and that the usage limit has room. A blank userID skips the
// per-user check.
func (s *Service) Validate(ctx context.Context, code, userID string) (Promotion, error) {
	p, err := s.validate(ctx, code, userID)
	s.observeValidation(ctx, code, err)
	return p, err
}

func (s *Service) validate(ctx context.Context, code, userID string) (Promotion, error) {
	p, err := s.FindValid(ctx, code)
	if err != nil {
		return Promotion{}, err
	}
	if user := strings.TrimSpace(userID); user != "" {
		if s.Ledger == nil {
			return Promotion{}, errors.New("promotion ledger not configured")
		}
		used, err := s.Ledger.HasUsed(ctx, user, p.ID)
		if err != nil {
			return Promotion{}, fmt.Errorf("promotion: usage lookup: %w", err)
		}
		if used {
			return Promotion{}, rejected(ReasonAlreadyUsed, p.Code)
		}
	}
	if p.Exhausted() {
		return Promotion{}, rejected(ReasonLimitExceeded, p.Code)
	}
	return p, nil
}

// TrackUsage reserves one usage slot for orderID. Replays for the same order
// return the original record.
func (s *Service) TrackUsage(ctx context.Context, userID, code, orderID string, amount decimal.Decimal) (UsageRecord, error) {
	if s == nil || s.Ledger == nil {
		return UsageRecord{}, errors.New("promotion ledger not configured")
	}
	res := Reservation{
		Code:           NormalizeCode(code),
		UserID:         strings.TrimSpace(userID),
		OrderID:        strings.TrimSpace(orderID),
		DiscountAmount: money.Round(amount),
		UsedAt:         s.now().UTC(),
	}
	switch {
	case res.Code == "":
		return UsageRecord{}, fmt.Errorf("%w: code is required", ErrInvalidUsage)
	case res.UserID == "":
		return UsageRecord{}, fmt.Errorf("%w: user id is required", ErrInvalidUsage)
	case res.OrderID == "":
		return UsageRecord{}, fmt.Errorf("%w: order id is required", ErrInvalidUsage)
	case res.DiscountAmount.IsNegative():
		return UsageRecord{}, fmt.Errorf("%w: negative amount", ErrInvalidUsage)
	}

	var reserved Reserved
	reserve := func(ctx context.Context) error {
		var err error
		reserved, err = s.Ledger.ReserveUsage(ctx, res)
		return err
	}
	var err error
	if s.Locker != nil {
		err = s.Locker.WithLock(ctx, LockKey(res.Code), s.lockTTL(), reserve)
	} else {
		err = reserve(ctx)
	}
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			err = rejected(ReasonInvalidCode, res.Code)
		}
		result := "error"
		if reason, ok := ReasonOf(err); ok {
			result = strings.ToLower(string(reason))
		}
		obs.IncCounter(obs.UsageTrackingTotal, result)
		return UsageRecord{}, err
	}

	logger := obs.LoggerFrom(ctx, s.Logger)
	if reserved.Replayed {
		obs.IncCounter(obs.UsageTrackingTotal, "replayed")
		obs.WithTrace(ctx, logger.Info()).
			Str("code", res.Code).
			Str("order_id", res.OrderID).
			Msg("promotion_usage_replayed")
		return reserved.Record, nil
	}
	obs.IncCounter(obs.UsageTrackingTotal, "reserved")
	obs.WithTrace(ctx, logger.Info()).
		Str("code", res.Code).
		Str("order_id", res.OrderID).
		Str("user_id", res.UserID).
		Str("amount", reserved.Record.DiscountAmount.StringFixed(money.Scale)).
		Int("used_count", reserved.Promotion.UsedCount).
		Msg("promotion_usage_tracked")
	s.emit(ctx, events.TopicPromotionUsed, reserved.Promotion.ID.String(), events.PromotionUsedPayload{
		PromotionID: reserved.Promotion.ID.String(),
		Code:        reserved.Promotion.Code,
		UserID:      res.UserID,
		OrderID:     res.OrderID,
		Amount:      reserved.Record.DiscountAmount.StringFixed(money.Scale),
		Exhausted:   reserved.Promotion.Exhausted(),
	})
	return reserved.Record, nil
}

// ListActive returns active in-window promotions, exhausted ones included.
func (s *Service) ListActive(ctx context.Context) ([]Promotion, error) {
	if s == nil || s.Store == nil {
		return nil, errors.New("promotion service not configured")
	}
	list, err := s.Store.ListActive(ctx, s.now())
	if err != nil {
		return nil, fmt.Errorf("promotion: list active: %w", err)
	}
	return list, nil
}

// ListByCategory returns active promotions scoped to category.
func (s *Service) ListByCategory(ctx context.Context, category string) ([]Promotion, error) {
	return s.filterActive(ctx, func(p Promotion) bool {
		return p.Category != nil && strings.EqualFold(*p.Category, strings.TrimSpace(category))
	})
}

// ListByBrand returns active promotions scoped to brand.
func (s *Service) ListByBrand(ctx context.Context, brand string) ([]Promotion, error) {
	return s.filterActive(ctx, func(p Promotion) bool {
		return p.Brand != nil && strings.EqualFold(*p.Brand, strings.TrimSpace(brand))
	})
}

// ForProduct returns the usable promotions whose scope covers the product.
func (s *Service) ForProduct(ctx context.Context, category, brand string) ([]Promotion, error) {
	return s.filterActive(ctx, func(p Promotion) bool {
		return !p.Exhausted() && p.AppliesTo(category, brand)
	})
}

func (s *Service) filterActive(ctx context.Context, keep func(Promotion) bool) ([]Promotion, error) {
	list, err := s.ListActive(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]Promotion, 0, len(list))
	for _, p := range list {
		if keep(p) {
			out = append(out, p)
		}
	}
	return out, nil
}

// UsageHistory returns the promotions userID has used, most recent first.
func (s *Service) UsageHistory(ctx context.Context, userID string) ([]Promotion, error) {
	if s == nil || s.Ledger == nil || s.Store == nil {
		return nil, errors.New("promotion service not configured")
	}
	records, err := s.Ledger.UsageByUser(ctx, strings.TrimSpace(userID))
	if err != nil {
		return nil, fmt.Errorf("promotion: usage history: %w", err)
	}
	sort.SliceStable(records, func(i, j int) bool { return records[i].UsedAt.After(records[j].UsedAt) })
	out := make([]Promotion, 0, len(records))
	for _, rec := range records {
		p, err := s.Store.FindByID(ctx, rec.PromotionID)
		if err != nil {
			if errors.Is(err, ErrNotFound) {
				continue
			}
			return nil, fmt.Errorf("promotion: usage history: %w", err)
		}
		out = append(out, p)
	}
	return out, nil
}

func (s *Service) observeValidation(ctx context.Context, code string, err error) {
	result := "valid"
	if err != nil {
		result = "error"
		if reason, ok := ReasonOf(err); ok {
			result = strings.ToLower(string(reason))
		}
	}
	obs.IncCounter(obs.PromotionValidationsTotal, result)
	if err != nil && result == "error" {
		obs.WithTrace(ctx, obs.LoggerFrom(ctx, s.Logger).Warn()).
			Err(err).
			Str("code", NormalizeCode(code)).
			Msg("promotion_validation_failed")
	}
}

func (s *Service) emit(ctx context.Context, topic, aggregateID string, payload any) {
	if s.Events == nil {
		return
	}
	if _, err := s.Events.Emit(ctx, topic, aggregateID, payload); err != nil {
		obs.WithTrace(ctx, obs.LoggerFrom(ctx, s.Logger).Warn()).
			Err(err).
			Str("topic", topic).
			Str("aggregate_id", aggregateID).
			Msg("event_emit_failed")
	}
}

func (s *Service) lockTTL() time.Duration {
	if s.LockTTL > 0 {
		return s.LockTTL
	}
	return 5 * time.Second
}

func (s *Service) now() time.Time {
	if s != nil && s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

// LockKey is the distributed lock key guarding reservations for code.
func LockKey(code string) string {
	return "promotion:usage:" + NormalizeCode(code)
}
