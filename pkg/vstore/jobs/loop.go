package jobs

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/dogmatiq/linger"
	"github.com/dogmatiq/linger/backoff"

	"github.com/tendant/vstore/pkg/vstore"
	"github.com/tendant/vstore/pkg/vstore/locks"
	"github.com/tendant/vstore/pkg/vstore/metrics"
)

// State is a state of the job loop
type State int

const (
	StateIdle State = iota
	StateScanning
	StateProcessing
	StateWaiting
	StateCancelled
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateScanning:
		return "scanning"
	case StateProcessing:
		return "processing"
	case StateWaiting:
		return "waiting"
	case StateCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// Option configures the loop of a job
type Option func(*loop)

// WithIterationLock runs every iteration under a lock named after the job,
// so several workers can host the same job without overlapping passes.
func WithIterationLock(c locks.Coordinator, lease time.Duration) Option {
	return func(l *loop) {
		l.locker = c
		l.lease = lease
	}
}

// RetryBackoff returns the default pacing of transient-failure retries:
// exponential from 100ms with full jitter, capped at max.
func RetryBackoff(max time.Duration) backoff.Strategy {
	return backoff.WithTransforms(
		backoff.Exponential(100*time.Millisecond),
		linger.FullJitter,
		linger.Limiter(10*time.Millisecond, max),
	)
}

// DefaultRetryBackoff is used by jobs built without WithRetryBackoff
var DefaultRetryBackoff = RetryBackoff(time.Minute)

// WithRetryBackoff sets the wait before retrying a transient failure
func WithRetryBackoff(s backoff.Strategy) Option {
	return func(l *loop) {
		l.retry = s
	}
}

// WithLogger sets the logger of the job
func WithLogger(logger *slog.Logger) Option {
	return func(l *loop) {
		l.logger = logger
	}
}

type loop struct {
	job    string
	delay  time.Duration
	logger *slog.Logger
	locker locks.Coordinator
	lease  time.Duration
	retry  backoff.Strategy
	state  State
}

func newLoop(job string, delay time.Duration, opts []Option) *loop {
	l := &loop{job: job, delay: delay, logger: slog.Default()}
	for _, opt := range opts {
		opt(l)
	}
	if l.retry == nil {
		l.retry = DefaultRetryBackoff
	}
	l.logger = l.logger.With("job", job)
	return l
}

func (l *loop) set(s State) {
	if l.state != s {
		l.logger.Debug("job state changed", "from", l.state.String(), "to", s.String())
	}
	l.state = s
	metrics.JobState.WithLabelValues(l.job).Set(float64(s))
}

func (l *loop) cancelled(ctx context.Context) error {
	l.set(StateCancelled)
	return ctx.Err()
}

// run repeats iterate until ctx is cancelled. Transient failures are retried
// after the retry backoff; any other failure ends the loop.
func (l *loop) run(ctx context.Context, iterate func(ctx context.Context) error) error {
	l.set(StateIdle)
	counter := backoff.Counter{Strategy: l.retry}

	for {
		if ctx.Err() != nil {
			return l.cancelled(ctx)
		}

		l.set(StateScanning)
		err := l.iterate(ctx, iterate)

		switch {
		case ctx.Err() != nil:
			return l.cancelled(ctx)
		case err == nil:
			counter.Reset()
		case errors.Is(err, vstore.ErrLockConflict):
			l.logger.DebugContext(ctx, "iteration is running on another worker")
		case vstore.IsTransient(err):
			l.logger.WarnContext(ctx, "transient failure, retrying", "err", err)
			l.set(StateWaiting)
			if counter.Sleep(ctx, err) != nil {
				return l.cancelled(ctx)
			}
			continue
		default:
			return &vstore.JobError{Job: l.job, Op: "iterate", Err: err}
		}

		l.set(StateWaiting)
		if linger.Sleep(ctx, l.delay) != nil {
			return l.cancelled(ctx)
		}
	}
}

func (l *loop) iterate(ctx context.Context, iterate func(ctx context.Context) error) error {
	if l.locker == nil {
		return iterate(ctx)
	}
	return locks.WithLock(ctx, l.locker, "job:"+l.job, l.lease, iterate)
}
