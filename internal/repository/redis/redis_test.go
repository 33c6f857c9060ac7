package redis

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/prn-tf/alexander-mailblob/internal/repository"
)

// newTestClient connects to the server named by MAILBLOB_TEST_REDIS_ADDR.
func newTestClient(t *testing.T) *goredis.Client {
	t.Helper()
	addr := os.Getenv("MAILBLOB_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("MAILBLOB_TEST_REDIS_ADDR not set")
	}

	client := goredis.NewClient(&goredis.Options{Addr: addr})
	require.NoError(t, client.Ping(context.Background()).Err())
	t.Cleanup(func() { client.Close() })
	return client
}

func testKey(name string) string {
	return "mailblob-test:" + name + ":" + uuid.NewString()
}

func TestCache_Counters(t *testing.T) {
	ctx := context.Background()
	c := NewCache(newTestClient(t))
	key := testKey("pin")

	_, err := c.Get(ctx, key)
	require.ErrorIs(t, err, repository.ErrCacheMiss)

	n, err := c.Increment(ctx, key, 2)
	require.NoError(t, err)
	require.Equal(t, int64(2), n)

	n, err = c.Decrement(ctx, key, 1)
	require.NoError(t, err)
	require.Equal(t, int64(1), n)

	require.NoError(t, c.Expire(ctx, key, time.Minute))
	exists, err := c.Exists(ctx, key)
	require.NoError(t, err)
	require.True(t, exists)

	require.NoError(t, c.Delete(ctx, key))
	exists, err = c.Exists(ctx, key)
	require.NoError(t, err)
	require.False(t, exists)
}

func TestCache_SetNX(t *testing.T) {
	ctx := context.Background()
	c := NewCache(newTestClient(t))
	key := testKey("setnx")
	t.Cleanup(func() { _ = c.Delete(context.Background(), key) })

	ok, err := c.SetNX(ctx, key, []byte("a"), time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = c.SetNX(ctx, key, []byte("b"), time.Minute)
	require.NoError(t, err)
	require.False(t, ok)

	got, err := c.Get(ctx, key)
	require.NoError(t, err)
	require.Equal(t, []byte("a"), got)
}

func TestDistributedLock_Ownership(t *testing.T) {
	ctx := context.Background()
	client := newTestClient(t)
	key := testKey("lock")

	first := NewDistributedLock(client)
	second := NewDistributedLock(client)

	ok, err := first.Acquire(ctx, key, time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = second.Acquire(ctx, key, time.Minute)
	require.NoError(t, err)
	require.False(t, ok)

	// A lock instance that never acquired the key cannot release it.
	released, err := second.Release(ctx, key)
	require.NoError(t, err)
	require.False(t, released)

	extended, err := first.Extend(ctx, key, time.Minute)
	require.NoError(t, err)
	require.True(t, extended)

	released, err = first.Release(ctx, key)
	require.NoError(t, err)
	require.True(t, released)

	ok, err = second.Acquire(ctx, key, time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	// first lost ownership, so it cannot extend second's lease.
	extended, err = first.Extend(ctx, key, time.Minute)
	require.NoError(t, err)
	require.False(t, extended)

	_, err = second.Release(ctx, key)
	require.NoError(t, err)
}
