package lock

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func newTestLocker() (*MemoryLocker, *time.Time) {
	l := NewMemoryLocker()
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	l.now = func() time.Time { return now }
	return l, &now
}

func TestMemoryLocker_AcquireRelease(t *testing.T) {
	ctx := context.Background()
	l, _ := newTestLocker()

	ok, err := l.Acquire(ctx, "k", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = l.Acquire(ctx, "k", time.Minute)
	require.NoError(t, err)
	require.False(t, ok)

	released, err := l.Release(ctx, "k")
	require.NoError(t, err)
	require.True(t, released)

	released, err = l.Release(ctx, "k")
	require.NoError(t, err)
	require.False(t, released)

	ok, err = l.Acquire(ctx, "k", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)
}

func TestMemoryLocker_Expiry(t *testing.T) {
	ctx := context.Background()
	l, now := newTestLocker()

	ok, err := l.Acquire(ctx, "k", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	*now = now.Add(30 * time.Second)
	extended, err := l.Extend(ctx, "k", time.Minute)
	require.NoError(t, err)
	require.True(t, extended)

	// Still held 61s after acquisition because of the extension.
	*now = now.Add(31 * time.Second)
	ok, err = l.Acquire(ctx, "k", time.Minute)
	require.NoError(t, err)
	require.False(t, ok)

	*now = now.Add(time.Minute)
	extended, err = l.Extend(ctx, "k", time.Minute)
	require.NoError(t, err)
	require.False(t, extended)

	ok, err = l.Acquire(ctx, "k", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)
}

func TestMemoryLocker_Prune(t *testing.T) {
	ctx := context.Background()
	l, now := newTestLocker()

	for i := 0; i < pruneThreshold; i++ {
		_, err := l.Acquire(ctx, Keys.ConsistencyCheck(int64(i)), time.Second)
		require.NoError(t, err)
	}
	*now = now.Add(time.Minute)

	ok, err := l.Acquire(ctx, Keys.SisGC(), time.Minute)
	require.NoError(t, err)
	require.True(t, ok)
	require.Len(t, l.leases, 1)
}

func TestMemoryLocker_CanceledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := NewMemoryLocker().Acquire(ctx, "k", time.Minute)
	require.ErrorIs(t, err, context.Canceled)
}

func TestWithLock(t *testing.T) {
	ctx := context.Background()
	l := NewMemoryLocker()

	key := Keys.ConsistencyCheck(42)
	require.Equal(t, "lock:consistency:42", key)

	var inner error
	err := WithLock(ctx, l, key, time.Minute, func(ctx context.Context) error {
		inner = WithLock(ctx, l, key, time.Minute, func(context.Context) error { return nil })
		return nil
	})
	require.NoError(t, err)
	require.ErrorIs(t, inner, ErrNotAcquired)

	// Released on return.
	ok, err := l.Acquire(ctx, key, time.Minute)
	require.NoError(t, err)
	require.True(t, ok)
	_, err = l.Release(ctx, key)
	require.NoError(t, err)

	boom := errors.New("boom")
	err = WithLock(ctx, l, key, time.Minute, func(context.Context) error { return boom })
	require.ErrorIs(t, err, boom)
	require.NotErrorIs(t, err, ErrLost)
}

// countingLocker grants leases and counts renewals, failing them once
// failAfter renewals have succeeded.
type countingLocker struct {
	renewals  atomic.Int32
	failAfter int32
}

func (c *countingLocker) Acquire(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	return true, nil
}

func (c *countingLocker) Release(ctx context.Context, key string) (bool, error) {
	return true, nil
}

func (c *countingLocker) Extend(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	n := c.renewals.Add(1)
	return n <= c.failAfter, nil
}

func TestWithLock_Renews(t *testing.T) {
	l := &countingLocker{failAfter: 1000}
	err := WithLock(context.Background(), l, "k", 30*time.Millisecond, func(ctx context.Context) error {
		time.Sleep(100 * time.Millisecond)
		return ctx.Err()
	})
	require.NoError(t, err)
	require.GreaterOrEqual(t, l.renewals.Load(), int32(2))
}

func TestWithLock_Lost(t *testing.T) {
	l := &countingLocker{failAfter: 1}
	err := WithLock(context.Background(), l, "k", 30*time.Millisecond, func(ctx context.Context) error {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(5 * time.Second):
			return nil
		}
	})
	require.ErrorIs(t, err, ErrLost)
	require.ErrorIs(t, err, context.Canceled)
}

func TestNoOpLocker(t *testing.T) {
	l := NewNoOpLocker()
	ok, err := l.Acquire(context.Background(), Keys.SisGC(), time.Minute)
	require.NoError(t, err)
	require.True(t, ok)
}
