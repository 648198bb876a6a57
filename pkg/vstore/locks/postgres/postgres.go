// Package postgres implements a lock store on a PostgreSQL table
package postgres

import (
	"context"
	"time"

	"github.com/tendant/vstore/pkg/vstore/locks"
	"github.com/tendant/vstore/pkg/vstore/postgres"
)

const schema = `
CREATE TABLE IF NOT EXISTS vstore_locks (
	key        TEXT PRIMARY KEY,
	token      TEXT NOT NULL,
	expires_at TIMESTAMPTZ NOT NULL
)`

// Store is a lock store backed by one PostgreSQL database. Lease expiry is
// evaluated against the database clock.
type Store struct {
	db postgres.DBTX
}

var _ locks.Store = (*Store)(nil)

// New creates a new PostgreSQL lock store
func New(db postgres.DBTX) *Store {
	return &Store{db: db}
}

// Migrate creates the lock table if it doesn't exist
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.db.Exec(ctx, schema); err != nil {
		return postgres.HandleError("migrate locks", err)
	}
	return nil
}

// TryAcquire implements locks.Store
func (s *Store) TryAcquire(ctx context.Context, key, token string, ttl time.Duration) (bool, error) {
	query := `
		INSERT INTO vstore_locks (key, token, expires_at)
		VALUES ($1, $2, now() + $3::double precision * interval '1 millisecond')
		ON CONFLICT (key) DO UPDATE
			SET token = EXCLUDED.token, expires_at = EXCLUDED.expires_at
			WHERE vstore_locks.expires_at <= now()`

	tag, err := s.db.Exec(ctx, query, key, token, ttl.Milliseconds())
	if err != nil {
		return false, postgres.HandleError("acquire lock", err)
	}
	return tag.RowsAffected() == 1, nil
}

// Release implements locks.Store
func (s *Store) Release(ctx context.Context, key, token string) error {
	_, err := s.db.Exec(ctx, `DELETE FROM vstore_locks WHERE key = $1 AND token = $2`, key, token)
	if err != nil {
		return postgres.HandleError("release lock", err)
	}
	return nil
}
