package checkout

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/noah-isme/backend-pricing/internal/events"
	"github.com/noah-isme/backend-pricing/internal/money"
	"github.com/noah-isme/backend-pricing/internal/obs"
	"github.com/noah-isme/backend-pricing/internal/pricing"
	"github.com/noah-isme/backend-pricing/internal/promotion"
	"github.com/noah-isme/backend-pricing/internal/resilience"
)

// ErrUserRequired is returned when checkout is attempted without a user.
var ErrUserRequired = errors.New("checkout: user is required")

// Order is the priced order handed to the order writer.
type Order struct {
	ID            string         `json:"id"`
	UserID        string         `json:"userId"`
	Pricing       pricing.Result `json:"pricing"`
	PromotionCode string         `json:"promotionCode,omitempty"`
	UsagePending  bool           `json:"usagePending,omitempty"`
	CreatedAt     time.Time      `json:"createdAt"`
}

// OrderWriter persists orders.
type OrderWriter interface {
	CreateOrder(ctx context.Context, o Order) (Order, error)
	// DetachPromotion replaces the order's pricing after its promotion
	// could not be reserved.
	DetachPromotion(ctx context.Context, orderID string, repriced pricing.Result) error
}

// Pricer computes binding checkout prices.
type Pricer interface {
	CalculateCheckoutPricing(ctx context.Context, cart pricing.Cart, userID, code string) (pricing.Result, error)
}

// UsageTracker reserves promotion usage.
type UsageTracker interface {
	TrackUsage(ctx context.Context, userID, code, orderID string, amount decimal.Decimal) (promotion.UsageRecord, error)
}

// Escalator hands a usage reservation to a background retry queue.
type Escalator interface {
	EnqueueTrackUsage(ctx context.Context, userID, code, orderID string, amount decimal.Decimal) error
}

// EventPublisher emits domain events.
type EventPublisher interface {
	Emit(ctx context.Context, topic, aggregateID string, payload any) (events.Event, error)
}

// Input is a checkout request.
type Input struct {
	UserID        string
	Cart          pricing.Cart
	PromotionCode string
}

// Output describes the committed order.
type Output struct {
	Order Order                  `json:"order"`
	Usage *promotion.UsageRecord `json:"usage,omitempty"`
	// Dropped is set when the promotion was removed because its
	// reservation was rejected.
	Dropped *promotion.Reason `json:"dropped,omitempty"`
}

// Service orchestrates strict pricing, order creation and usage tracking.
type Service struct {
	Pricing   Pricer
	Orders    OrderWriter
	Usage     UsageTracker
	Escalator Escalator
	Events    EventPublisher
	Retry     resilience.RetryPolicy
	Now       func() time.Time
	NewID     func() string
	Logger    *zerolog.Logger
}

// Checkout prices the cart, creates the order and reserves the promotion.
// Reservations lost to a concurrent checkout re-price the order without the
// promotion. Transient reservation failures are retried and then escalated;
// without an escalator the error is returned together with the created order.
func (s *Service) Checkout(ctx context.Context, in Input) (Output, error) {
	if s == nil || s.Pricing == nil || s.Orders == nil {
		return Output{}, errors.New("checkout service not configured")
	}
	userID := strings.TrimSpace(in.UserID)
	if userID == "" {
		return Output{}, ErrUserRequired
	}
	ctx, span := obs.StartSpan(ctx, "checkout.checkout")
	var err error
	defer func() { obs.EndSpan(span, err) }()

	priced, err := s.Pricing.CalculateCheckoutPricing(ctx, in.Cart, userID, in.PromotionCode)
	if err != nil {
		return Output{}, err
	}
	order := Order{ID: s.newID(), UserID: userID, Pricing: priced, CreatedAt: s.now().UTC()}
	if priced.AppliedPromotionCode != nil {
		order.PromotionCode = *priced.AppliedPromotionCode
	}
	order, err = s.Orders.CreateOrder(ctx, order)
	if err != nil {
		return Output{}, fmt.Errorf("checkout: create order: %w", err)
	}
	out := Output{Order: order}
	logger := obs.LoggerFrom(ctx, s.Logger)

	if order.PromotionCode != "" {
		if s.Usage == nil {
			err = errors.New("checkout: usage tracker not configured")
			return out, err
		}
		amount := priced.PromotionDiscount()
		var rec promotion.UsageRecord
		policy := s.Retry
		policy.Retryable = retryableUsage
		attempts, trackErr := resilience.Retry(ctx, policy, func(ctx context.Context) error {
			var err error
			rec, err = s.Usage.TrackUsage(ctx, userID, order.PromotionCode, order.ID, amount)
			return err
		})
		switch {
		case trackErr == nil:
			out.Usage = &rec
		case promotion.IsValidation(trackErr):
			reason, _ := promotion.ReasonOf(trackErr)
			repriced := priced.WithoutPromotion()
			if err = s.Orders.DetachPromotion(ctx, order.ID, repriced); err != nil {
				err = fmt.Errorf("checkout: detach promotion: %w", err)
				return out, err
			}
			obs.WithTrace(ctx, logger.Warn()).
				Str("order_id", order.ID).
				Str("code", order.PromotionCode).
				Str("reason", string(reason)).
				Msg("promotion_detached")
			order.Pricing = repriced
			order.PromotionCode = ""
			out.Order = order
			out.Dropped = &reason
		default:
			obs.WithTrace(ctx, logger.Error()).
				Err(trackErr).
				Str("order_id", order.ID).
				Int("attempts", attempts).
				Msg("promotion_usage_failed")
			if s.Escalator == nil {
				err = fmt.Errorf("checkout: track usage: %w", trackErr)
				return out, err
			}
			if enqueueErr := s.Escalator.EnqueueTrackUsage(ctx, userID, order.PromotionCode, order.ID, amount); enqueueErr != nil {
				err = errors.Join(fmt.Errorf("checkout: track usage: %w", trackErr), fmt.Errorf("checkout: escalate: %w", enqueueErr))
				return out, err
			}
			order.UsagePending = true
			out.Order = order
		}
	}

	s.emitPriced(ctx, out.Order)
	return out, nil
}

func retryableUsage(err error) bool {
	return !promotion.IsValidation(err) && !errors.Is(err, promotion.ErrInvalidUsage) && !errors.Is(err, context.Canceled)
}

func (s *Service) emitPriced(ctx context.Context, o Order) {
	if s.Events == nil {
		return
	}
	payload := events.OrderPricedPayload{
		OrderID:        o.ID,
		UserID:         o.UserID,
		OriginalTotal:  o.Pricing.OriginalTotal.StringFixed(money.Scale),
		DiscountAmount: o.Pricing.DiscountAmount.StringFixed(money.Scale),
		FinalTotal:     o.Pricing.FinalTotal.StringFixed(money.Scale),
		Applied:        o.Pricing.AppliedDiscounts,
		PromotionCode:  o.PromotionCode,
		UsagePending:   o.UsagePending,
	}
	if _, err := s.Events.Emit(ctx, events.TopicOrderPriced, o.ID, payload); err != nil {
		obs.WithTrace(ctx, obs.LoggerFrom(ctx, s.Logger).Warn()).
			Err(err).
			Str("order_id", o.ID).
			Msg("event_emit_failed")
	}
}

func (s *Service) newID() string {
	if s.NewID != nil {
		return s.NewID()
	}
	return uuid.NewString()
}

func (s *Service) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}
