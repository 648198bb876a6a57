// Package postgres provides a vstore.CursorStore on a PostgreSQL table
package postgres

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"

	"github.com/tendant/vstore/pkg/vstore"
	"github.com/tendant/vstore/pkg/vstore/postgres"
)

const schema = `
CREATE TABLE IF NOT EXISTS vstore_job_cursors (
	key           TEXT PRIMARY KEY,
	last_modified TIMESTAMPTZ NOT NULL,
	resource_id   BIGINT NOT NULL,
	version_index INTEGER NOT NULL,
	version_id    TEXT NOT NULL DEFAULT '',
	updated_at    TIMESTAMPTZ NOT NULL DEFAULT now()
)`

// Store implements vstore.CursorStore using PostgreSQL
type Store struct {
	db postgres.DBTX
}

var _ vstore.CursorStore = (*Store)(nil)

// New creates a new PostgreSQL cursor store
func New(db postgres.DBTX) *Store {
	return &Store{db: db}
}

// Migrate creates the cursor table if it doesn't exist
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.db.Exec(ctx, schema); err != nil {
		return postgres.HandleError("migrate cursors", err)
	}
	return nil
}

// Load implements vstore.CursorStore
func (s *Store) Load(ctx context.Context, key string) (vstore.Cursor, bool, error) {
	query := `
		SELECT last_modified, resource_id, version_index, version_id
		FROM vstore_job_cursors WHERE key = $1`

	var c vstore.Cursor
	err := s.db.QueryRow(ctx, query, key).Scan(&c.LastModified, &c.ID, &c.VersionIndex, &c.VersionID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return vstore.Cursor{}, false, nil
		}
		return vstore.Cursor{}, false, postgres.HandleError("load cursor", err)
	}
	c.LastModified = c.LastModified.UTC()
	return c, true, nil
}

// Save implements vstore.CursorStore. The row is only updated when the new
// position is after the stored one.
func (s *Store) Save(ctx context.Context, key string, cursor vstore.Cursor) error {
	query := `
		INSERT INTO vstore_job_cursors (key, last_modified, resource_id, version_index, version_id, updated_at)
		VALUES ($1, $2, $3, $4, $5, now())
		ON CONFLICT (key) DO UPDATE SET
			last_modified = EXCLUDED.last_modified,
			resource_id   = EXCLUDED.resource_id,
			version_index = EXCLUDED.version_index,
			version_id    = EXCLUDED.version_id,
			updated_at    = EXCLUDED.updated_at
		WHERE (vstore_job_cursors.last_modified, vstore_job_cursors.resource_id, vstore_job_cursors.version_index)
			< (EXCLUDED.last_modified, EXCLUDED.resource_id, EXCLUDED.version_index)`

	_, err := s.db.Exec(ctx, query, key, cursor.LastModified, cursor.ID, cursor.VersionIndex, cursor.VersionID)
	if err != nil {
		return postgres.HandleError("save cursor", err)
	}
	return nil
}
