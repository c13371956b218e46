package lock_test

import (
	"context"
	"sync"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	redis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/backend-pricing/internal/lock"
)

func newLocker(t *testing.T) (*miniredis.Miniredis, lock.Locker) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return mr, lock.Locker{R: client, RetryBackoff: 5 * time.Millisecond}
}

func TestWithLockSerialisesReservations(t *testing.T) {
	_, locker := newLocker(t)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	const workers = 8
	limit := 3
	used := 0
	granted := 0
	var wg sync.WaitGroup
	var mu sync.Mutex
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := locker.WithLock(ctx, "promotion:usage:SAVE20", time.Second, func(context.Context) error {
				mu.Lock()
				current := used
				mu.Unlock()
				time.Sleep(time.Millisecond)
				if current < limit {
					mu.Lock()
					used = current + 1
					granted++
					mu.Unlock()
				}
				return nil
			})
			require.NoError(t, err)
		}()
	}
	wg.Wait()
	require.Equal(t, limit, used)
	require.Equal(t, limit, granted)
}

func TestWithLockReleasesAfterError(t *testing.T) {
	mr, locker := newLocker(t)
	ctx := context.Background()

	err := locker.WithLock(ctx, "k", time.Second, func(context.Context) error {
		require.True(t, mr.Exists("lock:k"))
		return context.DeadlineExceeded
	})
	require.ErrorIs(t, err, context.DeadlineExceeded)
	require.False(t, mr.Exists("lock:k"))
}

func TestWithLockMaxWait(t *testing.T) {
	mr, locker := newLocker(t)
	require.NoError(t, mr.Set("lock:held", "someone-else"))
	locker.MaxWait = 30 * time.Millisecond

	called := false
	err := locker.WithLock(context.Background(), "held", time.Second, func(context.Context) error {
		called = true
		return nil
	})
	require.ErrorIs(t, err, lock.ErrNotAcquired)
	require.False(t, called)
	require.True(t, mr.Exists("lock:held"), "foreign lock must not be released")
}

func TestWithLockValidatesInput(t *testing.T) {
	_, locker := newLocker(t)
	require.Error(t, locker.WithLock(context.Background(), "", time.Second, func(context.Context) error { return nil }))
	require.Error(t, locker.WithLock(context.Background(), "k", time.Second, nil))
	require.Error(t, lock.Locker{}.WithLock(context.Background(), "k", time.Second, func(context.Context) error { return nil }))
}
