package memory

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/prn-tf/alexander-mailblob/internal/repository"
)

func newTestCache(t *testing.T) (*Cache, *time.Time) {
	t.Helper()
	c := NewCache()
	t.Cleanup(c.Stop)

	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	c.now = func() time.Time { return now }
	return c, &now
}

func TestCache_GetSetDelete(t *testing.T) {
	ctx := context.Background()
	c, _ := newTestCache(t)

	_, err := c.Get(ctx, "k")
	require.ErrorIs(t, err, repository.ErrCacheMiss)

	value := []byte("v")
	require.NoError(t, c.Set(ctx, "k", value, 0))
	value[0] = 'x'

	got, err := c.Get(ctx, "k")
	require.NoError(t, err)
	require.Equal(t, []byte("v"), got)

	require.NoError(t, c.Delete(ctx, "k"))
	exists, err := c.Exists(ctx, "k")
	require.NoError(t, err)
	require.False(t, exists)
}

func TestCache_TTL(t *testing.T) {
	ctx := context.Background()
	c, now := newTestCache(t)

	require.NoError(t, c.Set(ctx, "k", []byte("v"), time.Second))
	ok, err := c.SetNX(ctx, "k", []byte("w"), time.Second)
	require.NoError(t, err)
	require.False(t, ok)

	*now = now.Add(2 * time.Second)

	exists, _ := c.Exists(ctx, "k")
	require.False(t, exists)

	ok, err = c.SetNX(ctx, "k", []byte("w"), time.Second)
	require.NoError(t, err)
	require.True(t, ok)
}

func TestCache_IncrementKeepsExpiry(t *testing.T) {
	ctx := context.Background()
	c, now := newTestCache(t)

	n, err := c.Increment(ctx, "pin", 1)
	require.NoError(t, err)
	require.Equal(t, int64(1), n)

	require.NoError(t, c.Expire(ctx, "pin", time.Minute))

	n, err = c.Increment(ctx, "pin", 2)
	require.NoError(t, err)
	require.Equal(t, int64(3), n)

	n, err = c.Decrement(ctx, "pin", 1)
	require.NoError(t, err)
	require.Equal(t, int64(2), n)

	*now = now.Add(2 * time.Minute)
	exists, _ := c.Exists(ctx, "pin")
	require.False(t, exists)
}
