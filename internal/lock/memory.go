package lock

import (
	"context"
	"sync"
	"time"
)

// pruneThreshold is the lease count above which Acquire drops expired leases.
const pruneThreshold = 1024

// MemoryLocker keeps leases in process memory. Leases are not shared with
// other processes.
type MemoryLocker struct {
	mu     sync.Mutex
	leases map[string]time.Time
	now    func() time.Time
}

// NewMemoryLocker creates an empty in-memory locker.
func NewMemoryLocker() *MemoryLocker {
	return &MemoryLocker{
		leases: make(map[string]time.Time),
		now:    time.Now,
	}
}

// Acquire takes the lease unless an unexpired one exists.
func (m *MemoryLocker) Acquire(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	if expires, ok := m.leases[key]; ok && now.Before(expires) {
		return false, nil
	}
	if len(m.leases) >= pruneThreshold {
		m.prune(now)
	}
	m.leases[key] = now.Add(ttl)
	return true, nil
}

// Release drops the lease. It reports whether an unexpired lease was held.
func (m *MemoryLocker) Release(ctx context.Context, key string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	expires, ok := m.leases[key]
	delete(m.leases, key)
	return ok && m.now().Before(expires), nil
}

// Extend renews an unexpired lease.
func (m *MemoryLocker) Extend(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	expires, ok := m.leases[key]
	if !ok || !now.Before(expires) {
		delete(m.leases, key)
		return false, nil
	}
	m.leases[key] = now.Add(ttl)
	return true, nil
}

// prune removes expired leases. Callers hold mu.
func (m *MemoryLocker) prune(now time.Time) {
	for key, expires := range m.leases {
		if !now.Before(expires) {
			delete(m.leases, key)
		}
	}
}

var _ Locker = (*MemoryLocker)(nil)
