// Package postgres holds the pgx plumbing shared by the PostgreSQL-backed
// lock and cursor stores.
package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/tendant/vstore/pkg/vstore"
)

// DBTX is an interface that allows us to use either a database connection or a transaction
type DBTX interface {
	Exec(context.Context, string, ...interface{}) (pgconn.CommandTag, error)
	Query(context.Context, string, ...interface{}) (pgx.Rows, error)
	QueryRow(context.Context, string, ...interface{}) pgx.Row
}

// Connect opens a pool and verifies the connection
func Connect(ctx context.Context, url string) (*pgxpool.Pool, error) {
	pool, err := pgxpool.New(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("failed to create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	return pool, nil
}

// HandleError maps PostgreSQL errors to descriptive errors. Connection-level
// failures are marked transient.
func HandleError(operation string, err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "42P01": // undefined_table
			return fmt.Errorf("table does not exist - database migration required")
		case "40001", "40P01": // serialization_failure, deadlock_detected
			return fmt.Errorf("%w: %s: %s", vstore.ErrTransientBackend, operation, pgErr.Message)
		case "57P01", "57P03": // admin_shutdown, cannot_connect_now
			return fmt.Errorf("%w: %s: %s", vstore.ErrTransientBackend, operation, pgErr.Message)
		default:
			return fmt.Errorf("database error in %s: %s (code: %s)", operation, pgErr.Message, pgErr.Code)
		}
	}

	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("%s: %w", operation, vstore.ErrNotFound)
	}

	if pgconn.SafeToRetry(err) || pgconn.Timeout(err) {
		return fmt.Errorf("%w: %s: %v", vstore.ErrTransientBackend, operation, err)
	}

	return fmt.Errorf("database error in %s: %w", operation, err)
}
