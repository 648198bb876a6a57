package locks

import (
	"context"
	"sync"
	"time"
)

type lease struct {
	token   string
	expires time.Time
}

// MemoryStore is an in-process lock store. Expired leases are reclaimed lazily.
type MemoryStore struct {
	mu     sync.Mutex
	leases map[string]lease
	now    func() time.Time
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates a new in-memory lock store
func NewMemoryStore(opts ...Option) *MemoryStore {
	s := newSettings(opts)
	return &MemoryStore{leases: make(map[string]lease), now: s.now}
}

// TryAcquire implements Store
func (m *MemoryStore) TryAcquire(ctx context.Context, key, token string, ttl time.Duration) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	if held, ok := m.leases[key]; ok && held.expires.After(now) {
		return false, nil
	}
	m.leases[key] = lease{token: token, expires: now.Add(ttl)}
	return true, nil
}

// Release implements Store
func (m *MemoryStore) Release(ctx context.Context, key, token string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if held, ok := m.leases[key]; ok && held.token == token {
		delete(m.leases, key)
	}
	return nil
}
