package resilience_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/noah-isme/backend-pricing/internal/resilience"
)

type clock struct{ t time.Time }

func (c *clock) now() time.Time          { return c.t }
func (c *clock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newClock() *clock { return &clock{t: time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)} }

func TestBreakerOpensAndRecovers(t *testing.T) {
	clk := newClock()
	breaker := resilience.NewBreaker(2, 0.5, time.Second).WithClock(clk.now)
	ctx := context.Background()

	require.True(t, breaker.Allow(ctx))
	breaker.Report(ctx, false)
	require.Equal(t, resilience.Closed, breaker.State(), "below the minimum request count")
	require.True(t, breaker.Allow(ctx))
	breaker.Report(ctx, false)
	require.Equal(t, resilience.Open, breaker.State())
	require.False(t, breaker.Allow(ctx))

	clk.advance(time.Second)
	require.True(t, breaker.Allow(ctx), "first call after cool-off is the probe")
	require.Equal(t, resilience.HalfOpen, breaker.State())
	require.False(t, breaker.Allow(ctx), "only one probe at a time")

	breaker.Report(ctx, true)
	require.Equal(t, resilience.Closed, breaker.State())
	require.True(t, breaker.Allow(ctx))
}

func TestBreakerFailedProbeReopens(t *testing.T) {
	clk := newClock()
	breaker := resilience.NewBreaker(1, 0.5, time.Second).WithClock(clk.now)
	ctx := context.Background()

	breaker.Report(ctx, false)
	clk.advance(time.Second)
	require.True(t, breaker.Allow(ctx))
	breaker.Report(ctx, false)
	require.Equal(t, resilience.Open, breaker.State())

	clk.advance(500 * time.Millisecond)
	require.False(t, breaker.Allow(ctx), "cool-off restarts on reopen")
}

func TestBreakerWindowForgetsOldFailures(t *testing.T) {
	breaker := resilience.NewBreaker(2, 0.75, time.Minute)
	ctx := context.Background()

	// Window of four: one failure among four outcomes stays below 0.75.
	breaker.Report(ctx, false)
	breaker.Report(ctx, true)
	breaker.Report(ctx, true)
	breaker.Report(ctx, true)
	require.Equal(t, resilience.Closed, breaker.State())

	// The oldest outcomes rotate out; three of the last four fail.
	breaker.Report(ctx, false)
	breaker.Report(ctx, false)
	require.Equal(t, resilience.Closed, breaker.State())
	breaker.Report(ctx, false)
	require.Equal(t, resilience.Open, breaker.State())
}

func TestBreakerDo(t *testing.T) {
	breaker := resilience.NewBreaker(1, 0.5, time.Minute)
	ctx := context.Background()
	ignored := errors.New("not found")

	err := breaker.Do(ctx, func(err error) bool { return errors.Is(err, ignored) }, func(context.Context) error { return ignored })
	require.ErrorIs(t, err, ignored)
	require.Equal(t, resilience.Closed, breaker.State())

	err = breaker.Do(ctx, nil, func(context.Context) error { return errors.New("boom") })
	require.EqualError(t, err, "boom")
	require.Equal(t, resilience.Open, breaker.State())

	err = breaker.Do(ctx, nil, func(context.Context) error { return nil })
	require.ErrorIs(t, err, resilience.ErrOpenCircuit)
}

func TestBackoffWithJitter(t *testing.T) {
	base := 100 * time.Millisecond
	require.Equal(t, base, resilience.Backoff(base, 1, 0))
	require.Equal(t, base*4, resilience.Backoff(base, 3, 0))

	d := resilience.Backoff(base, 2, 0.2)
	require.GreaterOrEqual(t, d, base*2-(base*2/5))
	require.LessOrEqual(t, d, base*2+(base*2/5))
}
