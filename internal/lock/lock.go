// Package lock provides advisory leases for mailbox maintenance.
// Single-node deployments hold leases in memory; clusters sharing one
// backend hold them in Redis.
package lock

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"
)

var (
	// ErrNotAcquired indicates a lease is held by another process.
	ErrNotAcquired = errors.New("lock held by another process")

	// ErrLost indicates a held lease expired or was taken over before the
	// work under it finished.
	ErrLost = errors.New("lock lost")
)

// Locker grants time-bounded leases on string keys.
type Locker interface {
	// Acquire takes the lease if nobody holds it.
	// Returns false without error when another holder has it.
	Acquire(ctx context.Context, key string, ttl time.Duration) (bool, error)

	// Release gives the lease up. Returns false if it was not held.
	Release(ctx context.Context, key string) (bool, error)

	// Extend renews a held lease for ttl. Returns false if it was lost.
	Extend(ctx context.Context, key string, ttl time.Duration) (bool, error)
}

// WithLock runs fn while holding key. It returns ErrNotAcquired when another
// holder has the lease.
//
// The lease is renewed every ttl/3 while fn runs. If a renewal fails, the
// context passed to fn is canceled with cause ErrLost and WithLock reports
// ErrLost along with fn's error.
func WithLock(ctx context.Context, locker Locker, key string, ttl time.Duration, fn func(ctx context.Context) error) error {
	acquired, err := locker.Acquire(ctx, key, ttl)
	if err != nil {
		return fmt.Errorf("acquire %s: %w", key, err)
	}
	if !acquired {
		return fmt.Errorf("%w: %s", ErrNotAcquired, key)
	}

	workCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)

	done := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		renew(workCtx, locker, key, ttl, done, cancel)
	}()

	err = fn(workCtx)
	close(done)
	wg.Wait()

	// The caller's context may already be done; release regardless.
	_, _ = locker.Release(context.WithoutCancel(ctx), key)

	if cause := context.Cause(workCtx); errors.Is(cause, ErrLost) {
		return errors.Join(cause, err)
	}
	return err
}

func renew(ctx context.Context, locker Locker, key string, ttl time.Duration, done <-chan struct{}, cancel context.CancelCauseFunc) {
	interval := ttl / 3
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			ok, err := locker.Extend(ctx, key, ttl)
			if err != nil || !ok {
				cancel(fmt.Errorf("%w: %s", ErrLost, key))
				return
			}
		}
	}
}

// =============================================================================
// Lock Keys
// =============================================================================

// Keys builds the lease keys used by the store.
var Keys = lockKeys{}

type lockKeys struct{}

// ConsistencyCheck returns the advisory lock key for auditing a mailbox.
// Two audits of one mailbox never overlap; writers are not blocked.
func (lockKeys) ConsistencyCheck(mailboxID int64) string {
	return "lock:consistency:" + strconv.FormatInt(mailboxID, 10)
}

// MailboxDelete returns a lock key for deleting all content of a mailbox.
func (lockKeys) MailboxDelete(mailboxID int64) string {
	return "lock:mailbox:delete:" + strconv.FormatInt(mailboxID, 10)
}

// SisGC returns a lock key for single-instance garbage collection.
func (lockKeys) SisGC() string {
	return "lock:gc:sis"
}
