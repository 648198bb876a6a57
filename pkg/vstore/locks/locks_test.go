package locks_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tendant/vstore/pkg/vstore"
	"github.com/tendant/vstore/pkg/vstore/locks"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type brokenStore struct{}

func (brokenStore) TryAcquire(context.Context, string, string, time.Duration) (bool, error) {
	return false, errors.New("connection refused")
}

func (brokenStore) Release(context.Context, string, string) error {
	return errors.New("connection refused")
}

func TestMemoryCoordinator(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	c := locks.NewMemory(locks.WithClock(clock.Now))

	h, err := c.Acquire(ctx, "object:42", 10*time.Second)
	require.NoError(t, err)
	assert.Equal(t, "object:42", h.Key)
	assert.True(t, h.Expiry.After(clock.Now()))
	assert.True(t, h.Expiry.Before(clock.Now().Add(10*time.Second)))

	t.Run("second acquire conflicts", func(t *testing.T) {
		_, err := c.Acquire(ctx, "object:42", 10*time.Second)
		assert.ErrorIs(t, err, vstore.ErrLockConflict)
		var lockErr *vstore.LockError
		assert.ErrorAs(t, err, &lockErr)
	})

	t.Run("other keys are independent", func(t *testing.T) {
		other, err := c.Acquire(ctx, "object:43", time.Second)
		require.NoError(t, err)
		require.NoError(t, c.Release(ctx, other))
	})

	t.Run("lease expiry reclaims the lock", func(t *testing.T) {
		clock.Advance(10 * time.Second)
		next, err := c.Acquire(ctx, "object:42", 10*time.Second)
		require.NoError(t, err)

		// the stale holder must not release the new lease
		require.NoError(t, c.Release(ctx, h))
		_, err = c.Acquire(ctx, "object:42", 10*time.Second)
		assert.ErrorIs(t, err, vstore.ErrLockConflict)

		require.NoError(t, c.Release(ctx, next))
	})

	t.Run("release is idempotent", func(t *testing.T) {
		h, err := c.Acquire(ctx, "object:44", time.Second)
		require.NoError(t, err)
		assert.NoError(t, c.Release(ctx, h))
		assert.NoError(t, c.Release(ctx, h))
		assert.NoError(t, c.Release(ctx, nil))

		_, err = c.Acquire(ctx, "object:44", time.Second)
		assert.NoError(t, err)
	})

	t.Run("non positive lease", func(t *testing.T) {
		_, err := c.Acquire(ctx, "object:45", 0)
		assert.Error(t, err)
	})
}

func TestQuorum(t *testing.T) {
	ctx := context.Background()

	t.Run("minority failure is tolerated", func(t *testing.T) {
		q, err := locks.NewQuorum([]locks.Store{locks.NewMemoryStore(), locks.NewMemoryStore(), brokenStore{}})
		require.NoError(t, err)

		h, err := q.Acquire(ctx, "k", time.Second)
		require.NoError(t, err)
		_, err = q.Acquire(ctx, "k", time.Second)
		assert.ErrorIs(t, err, vstore.ErrLockConflict)

		// release failures on one store are reported while the lease runs
		assert.Error(t, q.Release(ctx, h))
		_, err = q.Acquire(ctx, "k", time.Second)
		assert.NoError(t, err)
	})

	t.Run("majority failure is transient", func(t *testing.T) {
		q, err := locks.NewQuorum([]locks.Store{locks.NewMemoryStore(), brokenStore{}, brokenStore{}})
		require.NoError(t, err)

		_, err = q.Acquire(ctx, "k", time.Second)
		assert.ErrorIs(t, err, vstore.ErrTransientBackend)
		assert.True(t, vstore.IsTransient(err))
		assert.NotErrorIs(t, err, vstore.ErrLockConflict)
	})

	t.Run("partial grants are rolled back", func(t *testing.T) {
		a, b, c := locks.NewMemoryStore(), locks.NewMemoryStore(), locks.NewMemoryStore()
		for _, s := range []*locks.MemoryStore{a, b} {
			ok, err := s.TryAcquire(ctx, "k", "someone-else", time.Minute)
			require.NoError(t, err)
			require.True(t, ok)
		}
		q, err := locks.NewQuorum([]locks.Store{a, b, c})
		require.NoError(t, err)

		_, err = q.Acquire(ctx, "k", time.Second)
		assert.ErrorIs(t, err, vstore.ErrLockConflict)

		ok, err := c.TryAcquire(ctx, "k", "other", time.Second)
		require.NoError(t, err)
		assert.True(t, ok, "store c must have been released")
	})

	t.Run("minority holder does not block", func(t *testing.T) {
		a, b, c := locks.NewMemoryStore(), locks.NewMemoryStore(), locks.NewMemoryStore()
		_, err := a.TryAcquire(ctx, "k", "someone-else", time.Minute)
		require.NoError(t, err)
		q, err := locks.NewQuorum([]locks.Store{a, b, c})
		require.NoError(t, err)

		_, err = q.Acquire(ctx, "k", time.Second)
		assert.NoError(t, err)
	})

	t.Run("no stores", func(t *testing.T) {
		_, err := locks.NewQuorum(nil)
		assert.Error(t, err)
	})
}

func TestWithLock(t *testing.T) {
	ctx := context.Background()
	c := locks.NewMemory()
	key := locks.ResourceKey("object", 42)
	assert.Equal(t, "object:42", key)

	err := locks.WithLock(ctx, c, key, time.Minute, func(ctx context.Context) error {
		_, deadline := ctx.Deadline()
		assert.True(t, deadline)

		err := locks.WithLock(ctx, c, key, time.Minute, func(context.Context) error {
			t.Fatal("nested acquisition must not be granted")
			return nil
		})
		assert.ErrorIs(t, err, vstore.ErrLockConflict)
		return nil
	})
	require.NoError(t, err)

	boom := errors.New("boom")
	err = locks.WithLock(ctx, c, key, time.Minute, func(context.Context) error { return boom })
	assert.ErrorIs(t, err, boom, "lock is free again after the first call")
}
