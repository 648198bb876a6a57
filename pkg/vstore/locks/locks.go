// Package locks implements the distributed write-lock coordinator: named,
// leased, exclusive locks granted by a majority of independent lock stores.
package locks

import (
	"context"
	"log/slog"
	"strconv"
	"time"
)

// Handle is a granted lock. It is valid until Expiry.
type Handle struct {
	Key    string
	Token  string
	Expiry time.Time
}

// Coordinator grants and releases exclusive leased locks
type Coordinator interface {
	// Acquire grants key for up to lease, or fails with vstore.ErrLockConflict
	// if another live lease exists. It never retries.
	Acquire(ctx context.Context, key string, lease time.Duration) (*Handle, error)

	// Release gives the lock back. Releasing a nil, expired or already
	// released handle is a no-op.
	Release(ctx context.Context, h *Handle) error
}

// Store is one independent lock service
type Store interface {
	// TryAcquire sets key to token for ttl unless another unexpired token holds it
	TryAcquire(ctx context.Context, key, token string, ttl time.Duration) (bool, error)

	// Release removes key if it is still held by token
	Release(ctx context.Context, key, token string) error
}

type settings struct {
	now    func() time.Time
	logger *slog.Logger
}

// Option configures coordinators and in-memory stores
type Option func(*settings)

// WithClock sets the clock used for lease arithmetic
func WithClock(now func() time.Time) Option {
	return func(s *settings) {
		s.now = now
	}
}

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) Option {
	return func(s *settings) {
		s.logger = logger
	}
}

func newSettings(opts []Option) settings {
	s := settings{now: time.Now, logger: slog.Default()}
	for _, opt := range opts {
		opt(&s)
	}
	return s
}

// ResourceKey returns the lock key serializing writers of one resource
func ResourceKey(kind string, id int64) string {
	return kind + ":" + strconv.FormatInt(id, 10)
}

// WithLock runs fn while holding key. fn's context expires with the lease.
// Acquisition failures, including conflicts, are returned as is.
func WithLock(ctx context.Context, c Coordinator, key string, lease time.Duration, fn func(ctx context.Context) error) error {
	h, err := c.Acquire(ctx, key, lease)
	if err != nil {
		return err
	}
	defer func() {
		_ = c.Release(context.WithoutCancel(ctx), h)
	}()

	lockCtx, cancel := context.WithDeadline(ctx, h.Expiry)
	defer cancel()
	return fn(lockCtx)
}
