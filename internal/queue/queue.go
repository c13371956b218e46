package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/hibiken/asynq"
	"github.com/shopspring/decimal"
)

// TypeTrackUsage is the task type for deferred promotion usage reservations.
const TypeTrackUsage = "promotion:track_usage"

// UsagePayload is the body of a TypeTrackUsage task.
type UsagePayload struct {
	UserID  string          `json:"userId"`
	Code    string          `json:"code"`
	OrderID string          `json:"orderId"`
	Amount  decimal.Decimal `json:"amount"`
}

// TaskClient is the subset of *asynq.Client used for publishing.
type TaskClient interface {
	EnqueueContext(ctx context.Context, task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error)
}

// Enqueuer publishes usage reservations for background retry. Tasks are
// deduplicated per order through the task ID.
type Enqueuer struct {
	Client    TaskClient
	Queue     string
	MaxRetry  int
	Retention time.Duration
}

// NewUsageTask encodes a TypeTrackUsage task.
func NewUsageTask(p UsagePayload) (*asynq.Task, error) {
	switch {
	case strings.TrimSpace(p.OrderID) == "":
		return nil, errors.New("queue: order id is required")
	case strings.TrimSpace(p.Code) == "":
		return nil, errors.New("queue: code is required")
	case strings.TrimSpace(p.UserID) == "":
		return nil, errors.New("queue: user id is required")
	}
	raw, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("queue: encode payload: %w", err)
	}
	return asynq.NewTask(TypeTrackUsage, raw), nil
}

// EnqueueTrackUsage implements checkout.Escalator. A task already queued for
// the same order is not an error.
func (e Enqueuer) EnqueueTrackUsage(ctx context.Context, userID, code, orderID string, amount decimal.Decimal) error {
	if e.Client == nil {
		return errors.New("queue: client not configured")
	}
	task, err := NewUsageTask(UsagePayload{UserID: userID, Code: code, OrderID: orderID, Amount: amount})
	if err != nil {
		return err
	}
	opts := []asynq.Option{asynq.TaskID(usageTaskID(orderID)), asynq.MaxRetry(e.maxRetry())}
	if e.Queue != "" {
		opts = append(opts, asynq.Queue(e.Queue))
	}
	if e.Retention > 0 {
		opts = append(opts, asynq.Retention(e.Retention))
	}
	_, err = e.Client.EnqueueContext(ctx, task, opts...)
	switch {
	case err == nil:
		QueueEnqueuedTotal.WithLabelValues(TypeTrackUsage, "enqueued").Inc()
		return nil
	case errors.Is(err, asynq.ErrTaskIDConflict), errors.Is(err, asynq.ErrDuplicateTask):
		QueueEnqueuedTotal.WithLabelValues(TypeTrackUsage, "duplicate").Inc()
		return nil
	default:
		QueueEnqueuedTotal.WithLabelValues(TypeTrackUsage, "error").Inc()
		return fmt.Errorf("queue: enqueue %s: %w", TypeTrackUsage, err)
	}
}

func (e Enqueuer) maxRetry() int {
	if e.MaxRetry > 0 {
		return e.MaxRetry
	}
	return 10
}

func usageTaskID(orderID string) string {
	return "usage:" + strings.TrimSpace(orderID)
}
