package locks

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/tendant/vstore/pkg/vstore"
	"github.com/tendant/vstore/pkg/vstore/metrics"
)

const (
	driftFactor = 0.01
	driftFloor  = 2 * time.Millisecond
)

// Quorum grants a lock when a strict majority of its stores agree. Failures
// of a minority of stores are tolerated.
type Quorum struct {
	stores []Store
	now    func() time.Time
	logger *slog.Logger
}

var _ Coordinator = (*Quorum)(nil)

// NewQuorum creates a coordinator over stores
func NewQuorum(stores []Store, opts ...Option) (*Quorum, error) {
	if len(stores) == 0 {
		return nil, errors.New("at least one lock store is required")
	}
	s := newSettings(opts)
	return &Quorum{stores: stores, now: s.now, logger: s.logger}, nil
}

// NewMemory creates a single-process coordinator backed by one in-memory store
func NewMemory(opts ...Option) *Quorum {
	q, _ := NewQuorum([]Store{NewMemoryStore(opts...)}, opts...)
	return q
}

func (q *Quorum) majority() int {
	return len(q.stores)/2 + 1
}

type attempt struct {
	granted bool
	err     error
}

// Acquire implements Coordinator
func (q *Quorum) Acquire(ctx context.Context, key string, lease time.Duration) (*Handle, error) {
	if lease <= 0 {
		return nil, &vstore.LockError{Key: key, Op: "acquire", Err: fmt.Errorf("lease must be positive, got %s", lease)}
	}

	token := uuid.NewString()
	start := q.now()
	attempts := make([]attempt, len(q.stores))

	var g errgroup.Group
	for i, store := range q.stores {
		g.Go(func() error {
			granted, err := store.TryAcquire(ctx, key, token, lease)
			attempts[i] = attempt{granted: granted, err: err}
			return nil
		})
	}
	_ = g.Wait()

	granted, refused := 0, 0
	var errs []error
	for _, a := range attempts {
		switch {
		case a.err != nil:
			errs = append(errs, a.err)
		case a.granted:
			granted++
		default:
			refused++
		}
	}

	drift := time.Duration(float64(lease)*driftFactor) + driftFloor
	validity := lease - q.now().Sub(start) - drift
	if granted >= q.majority() && validity > 0 {
		metrics.LockAcquisitionsTotal.WithLabelValues("granted").Inc()
		if len(errs) > 0 {
			q.logger.WarnContext(ctx, "lock granted despite store failures", "key", key, "err", errors.Join(errs...))
		}
		return &Handle{Key: key, Token: token, Expiry: start.Add(validity)}, nil
	}

	q.releaseAll(context.WithoutCancel(ctx), key, token)

	if err := ctx.Err(); err != nil {
		return nil, &vstore.LockError{Key: key, Op: "acquire", Err: err}
	}
	if refused == 0 && len(errs) > 0 {
		// no store reported a live holder, so the outcome is unknown rather than a conflict
		metrics.LockAcquisitionsTotal.WithLabelValues("error").Inc()
		return nil, &vstore.LockError{Key: key, Op: "acquire", Err: fmt.Errorf("%w: %w", vstore.ErrTransientBackend, errors.Join(errs...))}
	}
	metrics.LockAcquisitionsTotal.WithLabelValues("conflict").Inc()
	return nil, &vstore.LockError{Key: key, Op: "acquire", Err: vstore.ErrLockConflict}
}

func (q *Quorum) releaseAll(ctx context.Context, key, token string) []error {
	errs := make([]error, len(q.stores))
	var g errgroup.Group
	for i, store := range q.stores {
		g.Go(func() error {
			errs[i] = store.Release(ctx, key, token)
			return nil
		})
	}
	_ = g.Wait()

	var failed []error
	for _, err := range errs {
		if err != nil {
			failed = append(failed, err)
		}
	}
	return failed
}

// Release implements Coordinator. Store failures are reported only while the
// lease is still running; an expired lease has already been reclaimed.
func (q *Quorum) Release(ctx context.Context, h *Handle) error {
	if h == nil {
		return nil
	}
	failed := q.releaseAll(ctx, h.Key, h.Token)
	if len(failed) == 0 {
		return nil
	}
	err := errors.Join(failed...)
	if !q.now().Before(h.Expiry) {
		q.logger.DebugContext(ctx, "ignoring release failure of expired lock", "key", h.Key, "err", err)
		return nil
	}
	return &vstore.LockError{Key: h.Key, Op: "release", Err: err}
}
