package config

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/tendant/vstore/pkg/vstore"
	cursorbolt "github.com/tendant/vstore/pkg/vstore/cursor/bolt"
	cursormem "github.com/tendant/vstore/pkg/vstore/cursor/memory"
	cursorpg "github.com/tendant/vstore/pkg/vstore/cursor/postgres"
	"github.com/tendant/vstore/pkg/vstore/events"
	"github.com/tendant/vstore/pkg/vstore/jobs"
	"github.com/tendant/vstore/pkg/vstore/locks"
	lockdynamo "github.com/tendant/vstore/pkg/vstore/locks/dynamodb"
	lockpg "github.com/tendant/vstore/pkg/vstore/locks/postgres"
	"github.com/tendant/vstore/pkg/vstore/metrics"
	"github.com/tendant/vstore/pkg/vstore/postgres"
	"github.com/tendant/vstore/pkg/vstore/reader"
	"github.com/tendant/vstore/pkg/vstore/storage/memory"
	s3storage "github.com/tendant/vstore/pkg/vstore/storage/s3"
)

// App holds the assembled components of a worker
type App struct {
	Config    *Config
	Logger    *slog.Logger
	Client    vstore.S3API
	Templates *reader.Templates
	Objects   *reader.Objects
	Locks     locks.Coordinator
	Publisher vstore.Publisher
	Cursors   vstore.CursorStore
	Registry  *jobs.Registry
	Runner    *jobs.Runner

	closers []func() error
}

// Build constructs the components in dependency order: storage client,
// content stores, lock coordinator, publisher, cursor store, job registry
// and runner. On failure everything built so far is closed.
func Build(ctx context.Context, cfg *Config) (*App, error) {
	app := &App{Config: cfg, Logger: slog.Default()}
	if err := app.build(ctx); err != nil {
		_ = app.Close()
		return nil, err
	}
	return app, nil
}

func (a *App) build(ctx context.Context) error {
	cfg := a.Config
	metrics.Register()

	var err error
	if a.Client, err = buildStorage(ctx, cfg); err != nil {
		return fmt.Errorf("failed to build storage: %w", err)
	}

	readerOpts := []reader.Option{
		reader.WithDegreeOfParallelism(cfg.Storage.DegreeOfParallelism),
		reader.WithLogger(a.Logger),
	}
	a.Templates = reader.NewTemplates(a.Client, cfg.Storage.TemplatesBucket, readerOpts...)
	a.Objects = reader.NewObjects(a.Client, cfg.Storage.ObjectsBucket, append(readerOpts, reader.WithTemplates(a.Templates))...)

	if a.Locks, err = a.buildLocks(ctx); err != nil {
		return fmt.Errorf("failed to build lock coordinator: %w", err)
	}
	if a.Publisher, err = a.buildPublisher(); err != nil {
		return fmt.Errorf("failed to build publisher: %w", err)
	}
	if a.Cursors, err = a.buildCursors(ctx); err != nil {
		return fmt.Errorf("failed to build cursor store: %w", err)
	}

	a.Registry = a.buildRegistry()
	a.Runner = jobs.NewRunner(a.Registry, a.Logger)
	return nil
}

func buildStorage(ctx context.Context, cfg *Config) (vstore.S3API, error) {
	if cfg.Storage.URL == "memory://" {
		return memory.New(), nil
	}
	client, err := s3storage.NewClient(ctx, s3storage.Config{
		Region:                 cfg.Storage.S3Region,
		AccessKeyID:            cfg.Storage.S3AccessKeyID,
		SecretAccessKey:        cfg.Storage.S3SecretAccessKey,
		Endpoint:               cfg.Storage.S3Endpoint,
		UsePathStyle:           cfg.Storage.S3UsePathStyle,
		CreateBucketIfNotExist: cfg.Storage.S3CreateBuckets,
		Buckets: []string{
			cfg.Storage.TemplatesBucket,
			cfg.Storage.ObjectsBucket,
			cfg.Storage.BinariesBucket,
		},
	})
	if err != nil {
		return nil, err
	}
	return s3storage.Instrument(client), nil
}

func (a *App) buildLocks(ctx context.Context) (locks.Coordinator, error) {
	cfg := a.Config.Locks
	opts := []locks.Option{locks.WithLogger(a.Logger)}
	if cfg.DeveloperMode {
		return locks.NewMemory(opts...), nil
	}

	var stores []locks.Store
	switch cfg.Backend {
	case "dynamodb":
		client, err := lockdynamo.NewClient(ctx, a.Config.Storage.S3Region, cfg.DynamoEndpoint)
		if err != nil {
			return nil, err
		}
		for _, table := range cfg.DynamoTables {
			store := lockdynamo.New(client, table, lockdynamo.WithLogger(a.Logger))
			if cfg.DynamoCreateTables {
				if err := store.EnsureTable(ctx); err != nil {
					return nil, err
				}
			}
			stores = append(stores, store)
		}
	case "postgres":
		for _, url := range cfg.PostgresURLs {
			pool, err := postgres.Connect(ctx, url)
			if err != nil {
				return nil, err
			}
			a.closers = append(a.closers, func() error {
				pool.Close()
				return nil
			})
			store := lockpg.New(pool)
			if err := store.Migrate(ctx); err != nil {
				return nil, err
			}
			stores = append(stores, store)
		}
	default:
		return nil, fmt.Errorf("unsupported lock backend: %s", cfg.Backend)
	}
	return locks.NewQuorum(stores, opts...)
}

func (a *App) buildPublisher() (vstore.Publisher, error) {
	var p vstore.Publisher
	switch a.Config.Events.Backend {
	case "kafka":
		k, err := events.NewKafka(events.KafkaConfig{Brokers: a.Config.Events.KafkaBrokers, Logger: a.Logger})
		if err != nil {
			return nil, err
		}
		p = k
	case "memory":
		p = events.NewMemory()
	case "log":
		p = events.NewLogging(a.Logger)
	case "noop":
		p = vstore.NewNoopPublisher()
	default:
		return nil, fmt.Errorf("unsupported events backend: %s", a.Config.Events.Backend)
	}
	a.closers = append(a.closers, p.Close)
	return p, nil
}

func (a *App) buildCursors(ctx context.Context) (vstore.CursorStore, error) {
	kind, location, err := parseCursorURL(a.Config.Events.CursorURL)
	if err != nil {
		return nil, err
	}
	switch kind {
	case cursorPostgres:
		pool, err := postgres.Connect(ctx, location)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, func() error {
			pool.Close()
			return nil
		})
		store := cursorpg.New(pool)
		if err := store.Migrate(ctx); err != nil {
			return nil, err
		}
		return store, nil
	case cursorBolt:
		store, err := cursorbolt.Open(location, 0)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, store.Close)
		return store, nil
	default:
		return cursormem.New(), nil
	}
}

func (a *App) buildRegistry() *jobs.Registry {
	opts := []jobs.Option{jobs.WithRetryBackoff(jobs.RetryBackoff(a.Config.RetryMaxBackoff))}
	if a.Config.Locks.JobLease > 0 {
		opts = append(opts, jobs.WithIterationLock(a.Locks, a.Config.Locks.JobLease))
	}

	registry := jobs.NewRegistry()
	registry.Register(jobs.CleanupJobName, jobs.NewCleanupFactory(jobs.CleanupConfig{
		Objects:          a.Objects,
		Client:           a.Client,
		BinariesBucket:   a.Config.Storage.BinariesBucket,
		BinaryExpiration: a.Config.Storage.BinaryExpiration,
		Logger:           a.Logger,
	}, opts...))
	registry.Register(jobs.EventsJobName, jobs.NewEventsFactory(jobs.EventsConfig{
		Objects:       a.Objects,
		Publisher:     a.Publisher,
		Cursors:       a.Cursors,
		VersionsTopic: a.Config.Events.VersionsTopic,
		BinariesTopic: a.Config.Events.BinariesTopic,
		SettleWindow:  a.Config.Events.SettleWindow,
		PollInterval:  a.Config.Events.PollInterval,
		Logger:        a.Logger,
	}, opts...))
	return registry
}

// WithResourceLock runs fn while holding the lock of one resource for the
// configured lock lease. A lock held elsewhere yields vstore.ErrLockConflict.
func (a *App) WithResourceLock(ctx context.Context, kind string, id int64, fn func(ctx context.Context) error) error {
	return locks.WithLock(ctx, a.Locks, locks.ResourceKey(kind, id), a.Config.Locks.Lease, fn)
}

// Close releases the publisher, database pools and cursor files, last
// built first.
func (a *App) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}
