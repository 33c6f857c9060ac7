package redis

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"

	"github.com/prn-tf/alexander-mailblob/internal/lock"
)

// Lua scripts check the owner token so a process never releases or extends
// a lock it lost to expiry.
var (
	releaseScript = goredis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0`)

	extendScript = goredis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0`)
)

// DistributedLock implements lock.Locker with SET NX PX. Each lease is
// owned by a random token, so only the acquiring instance can renew or
// release it.
type DistributedLock struct {
	client goredis.UniversalClient

	mu     sync.Mutex
	tokens map[string]string
}

// NewDistributedLock creates a Redis-backed lock.
func NewDistributedLock(client goredis.UniversalClient) *DistributedLock {
	return &DistributedLock{
		client: client,
		tokens: make(map[string]string),
	}
}

// Acquire attempts to acquire a lock.
func (l *DistributedLock) Acquire(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	token := uuid.NewString()
	ok, err := l.client.SetNX(ctx, key, token, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("failed to acquire lock %s: %w", key, err)
	}
	if !ok {
		return false, nil
	}

	l.mu.Lock()
	l.tokens[key] = token
	l.mu.Unlock()
	return true, nil
}

func (l *DistributedLock) token(key string) (string, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	token, ok := l.tokens[key]
	return token, ok
}

// Release releases a lock this process holds.
func (l *DistributedLock) Release(ctx context.Context, key string) (bool, error) {
	token, ok := l.token(key)
	if !ok {
		return false, nil
	}

	n, err := releaseScript.Run(ctx, l.client, []string{key}, token).Int64()
	if err != nil && !errors.Is(err, goredis.Nil) {
		return false, fmt.Errorf("failed to release lock %s: %w", key, err)
	}

	l.mu.Lock()
	delete(l.tokens, key)
	l.mu.Unlock()

	return n == 1, nil
}

// Extend extends the TTL of a held lock.
func (l *DistributedLock) Extend(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	token, ok := l.token(key)
	if !ok {
		return false, nil
	}

	n, err := extendScript.Run(ctx, l.client, []string{key}, token, ttl.Milliseconds()).Int64()
	if err != nil && !errors.Is(err, goredis.Nil) {
		return false, fmt.Errorf("failed to extend lock %s: %w", key, err)
	}
	return n == 1, nil
}

var _ lock.Locker = (*DistributedLock)(nil)
