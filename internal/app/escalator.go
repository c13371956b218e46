package app

import (
	"context"

	"github.com/shopspring/decimal"

	"github.com/noah-isme/backend-pricing/internal/queue"
)

type pendingMarker interface {
	MarkUsagePending(ctx context.Context, orderID string, pending bool) error
}

// pendingEscalator enqueues the deferred reservation and flags the order so
// the worker can clear it once the usage lands.
type pendingEscalator struct {
	Enqueuer queue.Enqueuer
	Orders   pendingMarker
}

func (e *pendingEscalator) EnqueueTrackUsage(ctx context.Context, userID, code, orderID string, amount decimal.Decimal) error {
	if err := e.Enqueuer.EnqueueTrackUsage(ctx, userID, code, orderID, amount); err != nil {
		return err
	}
	return e.Orders.MarkUsagePending(ctx, orderID, true)
}
