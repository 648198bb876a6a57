// Package pgtest connects tests to a PostgreSQL database named by
// VSTORE_TEST_DATABASE_URL and skips them when it is unset.
package pgtest

import (
	"context"
	"os"
	"testing"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/require"
)

// EnvVar names the connection string of the test database
const EnvVar = "VSTORE_TEST_DATABASE_URL"

// NewPool returns a pool on the test database, closed when the test ends
func NewPool(t *testing.T) *pgxpool.Pool {
	t.Helper()

	connString := os.Getenv(EnvVar)
	if connString == "" {
		t.Skipf("%s not set, skipping PostgreSQL test", EnvVar)
	}

	ctx := context.Background()
	pool, err := pgxpool.New(ctx, connString)
	require.NoError(t, err, "Failed to connect to test database")
	require.NoError(t, pool.Ping(ctx), "Failed to ping test database")

	t.Cleanup(pool.Close)
	return pool
}
