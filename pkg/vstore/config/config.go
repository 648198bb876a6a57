// Package config loads the worker configuration from the environment and
// assembles the content store components from it.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/ilyakaznacheev/cleanenv"
	"github.com/joho/godotenv"
)

// Option applies configuration to a Config instance.
type Option func(*Config) error

// Config represents the configuration of a vstore worker
type Config struct {
	Environment string `env:"VSTORE_ENVIRONMENT" env-default:"production"`
	LogLevel    string `env:"VSTORE_LOG_LEVEL" env-default:"info"`
	LogFormat   string `env:"VSTORE_LOG_FORMAT" env-default:"text"`

	Storage StorageConfig
	Locks   LockConfig
	Events  EventsConfig

	// MetricsAddr is where /metrics and /health are served; empty disables
	MetricsAddr string `env:"VSTORE_METRICS_ADDR" env-default:":5000"`

	// RetryMaxBackoff caps the wait between retries of transient job failures
	RetryMaxBackoff time.Duration `env:"VSTORE_RETRY_MAX_BACKOFF" env-default:"1m"`
}

// StorageConfig configures the versioned object storage
type StorageConfig struct {
	// URL selects the backend: "memory://" or "s3://"
	URL                 string        `env:"VSTORE_STORAGE_URL" env-default:"memory://"`
	S3Endpoint          string        `env:"VSTORE_S3_ENDPOINT"`
	S3Region            string        `env:"VSTORE_S3_REGION" env-default:"us-east-1"`
	S3AccessKeyID       string        `env:"VSTORE_S3_ACCESS_KEY_ID"`
	S3SecretAccessKey   string        `env:"VSTORE_S3_SECRET_ACCESS_KEY"`
	S3UsePathStyle      bool          `env:"VSTORE_S3_USE_PATH_STYLE" env-default:"false"`
	S3CreateBuckets     bool          `env:"VSTORE_S3_CREATE_BUCKETS" env-default:"false"`
	TemplatesBucket     string        `env:"VSTORE_TEMPLATES_BUCKET" env-default:"templates"`
	ObjectsBucket       string        `env:"VSTORE_OBJECTS_BUCKET" env-default:"objects"`
	BinariesBucket      string        `env:"VSTORE_BINARIES_BUCKET" env-default:"binaries"`
	DegreeOfParallelism int           `env:"VSTORE_DEGREE_OF_PARALLELISM" env-default:"4"`
	BinaryExpiration    time.Duration `env:"VSTORE_BINARY_EXPIRATION" env-default:"48h"`
}

// LockConfig configures the distributed lock coordinator
type LockConfig struct {
	// DeveloperMode selects the in-process lock table
	DeveloperMode bool          `env:"VSTORE_DEVELOPER_MODE" env-default:"false"`
	Lease         time.Duration `env:"VSTORE_LOCK_LEASE" env-default:"30s"`

	// JobLease bounds one job iteration held under the job lock; 0 disables the job lock
	JobLease time.Duration `env:"VSTORE_JOB_LOCK_LEASE" env-default:"10m"`

	// Backend is "dynamodb" or "postgres"; one lock store per table or URL
	Backend            string   `env:"VSTORE_LOCK_BACKEND" env-default:"dynamodb"`
	DynamoTables       []string `env:"VSTORE_LOCK_DYNAMODB_TABLES" env-separator:","`
	DynamoEndpoint     string   `env:"VSTORE_LOCK_DYNAMODB_ENDPOINT"`
	DynamoCreateTables bool     `env:"VSTORE_LOCK_DYNAMODB_CREATE_TABLES" env-default:"false"`
	PostgresURLs       []string `env:"VSTORE_LOCK_POSTGRES_URLS" env-separator:","`
}

// EventsConfig configures event publishing and cursor persistence
type EventsConfig struct {
	// Backend is "kafka", "log" or "memory"
	Backend       string        `env:"VSTORE_EVENTS_BACKEND" env-default:"log"`
	KafkaBrokers  []string      `env:"VSTORE_KAFKA_BROKERS" env-separator:","`
	VersionsTopic string        `env:"VSTORE_VERSIONS_TOPIC" env-default:"vstore.object-versions"`
	BinariesTopic string        `env:"VSTORE_BINARIES_TOPIC" env-default:"vstore.binary-references"`
	SettleWindow  time.Duration `env:"VSTORE_SETTLE_WINDOW" env-default:"5s"`
	PollInterval  time.Duration `env:"VSTORE_POLL_INTERVAL" env-default:"10s"`

	// CursorURL is "memory://", "postgres://..." or "bolt:///path/to/file"
	CursorURL string `env:"VSTORE_CURSOR_URL" env-default:"memory://"`
}

// Load reads a .env file if present, then the environment, then applies
// opts and validates the result.
func Load(opts ...Option) (*Config, error) {
	if _, err := os.Stat(".env"); err == nil {
		if err := godotenv.Load(); err != nil {
			return nil, fmt.Errorf("failed to load .env: %w", err)
		}
	}

	var cfg Config
	if err := cleanenv.ReadEnv(&cfg); err != nil {
		return nil, fmt.Errorf("failed to read environment: %w", err)
	}

	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(&cfg); err != nil {
			return nil, err
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate validates the configuration
func (c *Config) Validate() error {
	switch c.Storage.URL {
	case "memory://", "s3://":
	default:
		return fmt.Errorf("VSTORE_STORAGE_URL: unsupported value %q (use 'memory://' or 's3://')", c.Storage.URL)
	}
	if c.Storage.TemplatesBucket == "" || c.Storage.ObjectsBucket == "" || c.Storage.BinariesBucket == "" {
		return errors.New("VSTORE_TEMPLATES_BUCKET, VSTORE_OBJECTS_BUCKET and VSTORE_BINARIES_BUCKET are required")
	}
	if c.Storage.DegreeOfParallelism <= 0 {
		return fmt.Errorf("VSTORE_DEGREE_OF_PARALLELISM: must be positive, got %d", c.Storage.DegreeOfParallelism)
	}
	if c.Storage.BinaryExpiration < 0 {
		return fmt.Errorf("VSTORE_BINARY_EXPIRATION: must not be negative, got %s", c.Storage.BinaryExpiration)
	}

	if c.RetryMaxBackoff <= 0 {
		return fmt.Errorf("VSTORE_RETRY_MAX_BACKOFF: must be positive, got %s", c.RetryMaxBackoff)
	}
	if c.Locks.Lease <= 0 {
		return fmt.Errorf("VSTORE_LOCK_LEASE: must be positive, got %s", c.Locks.Lease)
	}
	if c.Locks.JobLease < 0 {
		return fmt.Errorf("VSTORE_JOB_LOCK_LEASE: must not be negative, got %s", c.Locks.JobLease)
	}
	if !c.Locks.DeveloperMode {
		switch c.Locks.Backend {
		case "dynamodb":
			if len(c.Locks.DynamoTables) == 0 {
				return errors.New("VSTORE_LOCK_DYNAMODB_TABLES is required when VSTORE_LOCK_BACKEND is dynamodb")
			}
		case "postgres":
			if len(c.Locks.PostgresURLs) == 0 {
				return errors.New("VSTORE_LOCK_POSTGRES_URLS is required when VSTORE_LOCK_BACKEND is postgres")
			}
		default:
			return fmt.Errorf("VSTORE_LOCK_BACKEND: unsupported value %q (use 'dynamodb' or 'postgres')", c.Locks.Backend)
		}
	}

	switch c.Events.Backend {
	case "kafka":
		if len(c.Events.KafkaBrokers) == 0 {
			return errors.New("VSTORE_KAFKA_BROKERS is required when VSTORE_EVENTS_BACKEND is kafka")
		}
	case "log", "memory", "noop":
	default:
		return fmt.Errorf("VSTORE_EVENTS_BACKEND: unsupported value %q (use 'kafka', 'log', 'memory' or 'noop')", c.Events.Backend)
	}
	if c.Events.VersionsTopic == "" || c.Events.BinariesTopic == "" {
		return errors.New("VSTORE_VERSIONS_TOPIC and VSTORE_BINARIES_TOPIC are required")
	}
	if c.Events.SettleWindow < 0 {
		return fmt.Errorf("VSTORE_SETTLE_WINDOW: must not be negative, got %s", c.Events.SettleWindow)
	}
	if c.Events.PollInterval <= 0 {
		return fmt.Errorf("VSTORE_POLL_INTERVAL: must be positive, got %s", c.Events.PollInterval)
	}
	if _, _, err := parseCursorURL(c.Events.CursorURL); err != nil {
		return err
	}
	return nil
}

const (
	cursorMemory   = "memory"
	cursorPostgres = "postgres"
	cursorBolt     = "bolt"
)

// parseCursorURL returns the cursor store kind and its location.
func parseCursorURL(url string) (kind, location string, err error) {
	switch {
	case url == "memory://" || url == "memory":
		return cursorMemory, "", nil
	case strings.HasPrefix(url, "postgres://") || strings.HasPrefix(url, "postgresql://"):
		return cursorPostgres, url, nil
	case strings.HasPrefix(url, "bolt://"):
		path := strings.TrimPrefix(url, "bolt://")
		if path == "" {
			return "", "", errors.New("VSTORE_CURSOR_URL: bolt path cannot be empty")
		}
		return cursorBolt, path, nil
	default:
		return "", "", fmt.Errorf("VSTORE_CURSOR_URL: unsupported value %q (use 'memory://', 'postgres://...' or 'bolt:///path')", url)
	}
}
