// Package jobs hosts the background jobs of the content store: a closed
// registry of job factories, the runner driving a job until cancellation,
// and the cleanup and event production jobs.
package jobs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/tendant/vstore/pkg/vstore"
)

// Job is a runnable job instance. Run blocks until ctx is cancelled or the
// job fails.
type Job interface {
	Run(ctx context.Context) error
}

// JobFunc adapts a function to the Job interface
type JobFunc func(ctx context.Context) error

// Run calls f(ctx)
func (f JobFunc) Run(ctx context.Context) error {
	return f(ctx)
}

// Factory parses job arguments into a runnable job. Malformed arguments
// fail with a *vstore.ArgumentError before anything runs.
type Factory func(args []string) (Job, error)

// Registry maps job names to factories
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

// NewRegistry creates an empty registry
func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]Factory)}
}

// Register adds a factory under name. Registering a name twice panics.
func (r *Registry) Register(name string, f Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.factories[name]; ok {
		panic(fmt.Sprintf("job %q registered twice", name))
	}
	r.factories[name] = f
}

// Lookup returns the factory registered under name
func (r *Registry) Lookup(name string) (Factory, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	f, ok := r.factories[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", vstore.ErrJobNotFound, name)
	}
	return f, nil
}

// Names returns the registered job names, sorted
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.factories))
	for name := range r.factories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Runner resolves and runs jobs
type Runner struct {
	registry *Registry
	logger   *slog.Logger
}

// NewRunner creates a runner over registry
func NewRunner(registry *Registry, logger *slog.Logger) *Runner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{registry: registry, logger: logger}
}

// Run resolves jobName, builds it from args and blocks until it exits.
// Exiting because ctx was cancelled is a normal exit and returns nil.
func (r *Runner) Run(ctx context.Context, workerName, jobName string, args []string) error {
	factory, err := r.registry.Lookup(jobName)
	if err != nil {
		return err
	}
	job, err := factory(args)
	if err != nil {
		return err
	}

	logger := r.logger.With("worker", workerName, "job", jobName)
	logger.InfoContext(ctx, "job started", "args", args)

	err = job.Run(ctx)
	if err != nil && ctx.Err() != nil && errors.Is(err, ctx.Err()) {
		err = nil
	}
	if err != nil {
		logger.ErrorContext(ctx, "job failed", "err", err)
		return err
	}

	logger.InfoContext(ctx, "job stopped")
	return nil
}
