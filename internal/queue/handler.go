package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/hibiken/asynq"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/noah-isme/backend-pricing/internal/checkout"
	"github.com/noah-isme/backend-pricing/internal/obs"
	"github.com/noah-isme/backend-pricing/internal/pricing"
	"github.com/noah-isme/backend-pricing/internal/promotion"
)

// UsageTracker reserves promotion usage.
type UsageTracker interface {
	TrackUsage(ctx context.Context, userID, code, orderID string, amount decimal.Decimal) (promotion.UsageRecord, error)
}

// OrderStore is the order persistence the handler reconciles.
type OrderStore interface {
	Order(ctx context.Context, id string) (checkout.Order, error)
	DetachPromotion(ctx context.Context, orderID string, repriced pricing.Result) error
	MarkUsagePending(ctx context.Context, orderID string, pending bool) error
}

// UsageHandler processes TypeTrackUsage tasks. A rejected reservation
// detaches the promotion from the order and is not retried.
type UsageHandler struct {
	Usage  UsageTracker
	Orders OrderStore
	Logger *zerolog.Logger
}

// ProcessTask implements asynq.Handler.
func (h UsageHandler) ProcessTask(ctx context.Context, t *asynq.Task) error {
	var p UsagePayload
	if err := json.Unmarshal(t.Payload(), &p); err != nil {
		QueueProcessedTotal.WithLabelValues(TypeTrackUsage, "malformed").Inc()
		return fmt.Errorf("queue: decode payload: %v: %w", err, asynq.SkipRetry)
	}
	if h.Usage == nil {
		return errors.New("queue: usage tracker not configured")
	}
	logger := obs.LoggerFrom(ctx, h.Logger)

	_, err := h.Usage.TrackUsage(ctx, p.UserID, p.Code, p.OrderID, p.Amount)
	switch {
	case err == nil:
		QueueProcessedTotal.WithLabelValues(TypeTrackUsage, "success").Inc()
		if h.Orders != nil {
			if err := h.Orders.MarkUsagePending(ctx, p.OrderID, false); err != nil {
				obs.WithTrace(ctx, logger.Warn()).Err(err).Str("order_id", p.OrderID).Msg("usage_pending_clear_failed")
			}
		}
		return nil
	case promotion.IsValidation(err), errors.Is(err, promotion.ErrInvalidUsage):
		QueueProcessedTotal.WithLabelValues(TypeTrackUsage, "rejected").Inc()
		if detachErr := h.detach(ctx, p.OrderID); detachErr != nil {
			return fmt.Errorf("queue: detach promotion from %s: %w", p.OrderID, detachErr)
		}
		obs.WithTrace(ctx, logger.Warn()).
			Err(err).
			Str("order_id", p.OrderID).
			Str("code", p.Code).
			Msg("deferred_usage_rejected")
		return fmt.Errorf("queue: %v: %w", err, asynq.SkipRetry)
	default:
		QueueProcessedTotal.WithLabelValues(TypeTrackUsage, "retry").Inc()
		return fmt.Errorf("queue: track usage for %s: %w", p.OrderID, err)
	}
}

func (h UsageHandler) detach(ctx context.Context, orderID string) error {
	if h.Orders == nil {
		return nil
	}
	o, err := h.Orders.Order(ctx, orderID)
	if err != nil {
		return err
	}
	if err := h.Orders.DetachPromotion(ctx, orderID, o.Pricing.WithoutPromotion()); err != nil {
		return err
	}
	return h.Orders.MarkUsagePending(ctx, orderID, false)
}

// NewServeMux routes usage tasks to h.
func NewServeMux(h UsageHandler) *asynq.ServeMux {
	mux := asynq.NewServeMux()
	mux.Handle(TypeTrackUsage, h)
	return mux
}
