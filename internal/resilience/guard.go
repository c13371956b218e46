package resilience

import (
	"context"
	"time"
)

// Guard bounds calls to a dependency with a per-call timeout and a circuit
// breaker. A zero Guard passes calls straight through.
type Guard struct {
	Breaker *Breaker
	Timeout time.Duration
	// Ignore marks errors that should not count against the breaker, such
	// as not-found lookups.
	Ignore func(error) bool
}

// NewGuard constructs a guard for target.
func NewGuard(target string, timeout time.Duration, breaker *Breaker, ignore func(error) bool) *Guard {
	if breaker != nil {
		breaker.WithTarget(target)
	}
	return &Guard{Breaker: breaker, Timeout: timeout, Ignore: ignore}
}

// Do runs fn under the guard.
func (g *Guard) Do(ctx context.Context, fn func(context.Context) error) error {
	if g == nil {
		return fn(ctx)
	}
	call := func(ctx context.Context) error {
		if g.Timeout <= 0 {
			return fn(ctx)
		}
		callCtx, cancel := context.WithTimeout(ctx, g.Timeout)
		defer cancel()
		return fn(callCtx)
	}
	if g.Breaker == nil {
		return call(ctx)
	}
	return g.Breaker.Do(ctx, g.Ignore, call)
}

// Call runs fn under g and returns its value.
func Call[T any](ctx context.Context, g *Guard, fn func(context.Context) (T, error)) (T, error) {
	var out T
	err := g.Do(ctx, func(ctx context.Context) error {
		v, err := fn(ctx)
		if err != nil {
			return err
		}
		out = v
		return nil
	})
	return out, err
}
