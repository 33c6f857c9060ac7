package lock

import (
	"context"
	"time"
)

type noopLocker struct{}

// NewNoOpLocker returns a Locker that grants every lease. Used when no other
// worker can touch the same mailbox.
func NewNoOpLocker() Locker {
	return noopLocker{}
}

func (noopLocker) Acquire(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	return true, ctx.Err()
}

func (noopLocker) Release(ctx context.Context, key string) (bool, error) {
	return true, ctx.Err()
}

func (noopLocker) Extend(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	return true, ctx.Err()
}
