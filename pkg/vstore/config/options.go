package config

import (
	"fmt"
	"time"
)

// WithDeveloperMode selects in-memory storage, locks, cursors and a logging
// publisher, for running a worker without any external service.
func WithDeveloperMode() Option {
	return func(c *Config) error {
		c.Environment = "development"
		c.Storage.URL = "memory://"
		c.Locks.DeveloperMode = true
		c.Events.Backend = "log"
		c.Events.CursorURL = "memory://"
		return nil
	}
}

// WithBuckets sets the templates, objects and binaries buckets
func WithBuckets(templates, objects, binaries string) Option {
	return func(c *Config) error {
		if templates == "" || objects == "" || binaries == "" {
			return fmt.Errorf("bucket names cannot be empty")
		}
		c.Storage.TemplatesBucket = templates
		c.Storage.ObjectsBucket = objects
		c.Storage.BinariesBucket = binaries
		return nil
	}
}

// WithS3 configures S3-compatible storage
func WithS3(endpoint, region, accessKeyID, secretAccessKey string, usePathStyle bool) Option {
	return func(c *Config) error {
		c.Storage.URL = "s3://"
		c.Storage.S3Endpoint = endpoint
		if region != "" {
			c.Storage.S3Region = region
		}
		c.Storage.S3AccessKeyID = accessKeyID
		c.Storage.S3SecretAccessKey = secretAccessKey
		c.Storage.S3UsePathStyle = usePathStyle
		return nil
	}
}

// WithDynamoDBLocks uses one DynamoDB lock table per name
func WithDynamoDBLocks(endpoint string, tables ...string) Option {
	return func(c *Config) error {
		if len(tables) == 0 {
			return fmt.Errorf("at least one lock table is required")
		}
		c.Locks.DeveloperMode = false
		c.Locks.Backend = "dynamodb"
		c.Locks.DynamoEndpoint = endpoint
		c.Locks.DynamoTables = tables
		return nil
	}
}

// WithPostgresLocks uses one PostgreSQL lock store per database URL
func WithPostgresLocks(urls ...string) Option {
	return func(c *Config) error {
		if len(urls) == 0 {
			return fmt.Errorf("at least one lock database is required")
		}
		c.Locks.DeveloperMode = false
		c.Locks.Backend = "postgres"
		c.Locks.PostgresURLs = urls
		return nil
	}
}

// WithLockLease sets the lease of resource locks and of job iterations
func WithLockLease(lease, jobLease time.Duration) Option {
	return func(c *Config) error {
		c.Locks.Lease = lease
		c.Locks.JobLease = jobLease
		return nil
	}
}

// WithKafka publishes events to the given brokers
func WithKafka(brokers ...string) Option {
	return func(c *Config) error {
		if len(brokers) == 0 {
			return fmt.Errorf("at least one kafka broker is required")
		}
		c.Events.Backend = "kafka"
		c.Events.KafkaBrokers = brokers
		return nil
	}
}

// WithEventsBackend sets the publisher kind: "kafka", "log", "memory" or
// "noop" (dry run, events are computed and dropped)
func WithEventsBackend(backend string) Option {
	return func(c *Config) error {
		c.Events.Backend = backend
		return nil
	}
}

// WithCursorURL sets where job cursors are persisted
func WithCursorURL(url string) Option {
	return func(c *Config) error {
		if _, _, err := parseCursorURL(url); err != nil {
			return err
		}
		c.Events.CursorURL = url
		return nil
	}
}

// WithMetricsAddr sets the metrics listen address; empty disables it
func WithMetricsAddr(addr string) Option {
	return func(c *Config) error {
		c.MetricsAddr = addr
		return nil
	}
}
