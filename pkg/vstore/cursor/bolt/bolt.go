// Package bolt provides a vstore.CursorStore persisted in a local BoltDB file,
// for single-node deployments without a database server.
package bolt

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"go.etcd.io/bbolt"

	"github.com/tendant/vstore/pkg/vstore"
)

// cursorBucketKey is the bucket holding cursors; keys are cursor keys and
// values JSON-encoded vstore.Cursor values.
var cursorBucketKey = []byte("cursors")

const defaultOpenTimeout = 5 * time.Second

// Store is a BoltDB-backed cursor store
type Store struct {
	db *bbolt.DB
}

var _ vstore.CursorStore = (*Store)(nil)

// Open opens (creating if needed) the database file at path
func Open(path string, mode os.FileMode) (*Store, error) {
	if mode == 0 {
		mode = 0600
	}
	db, err := bbolt.Open(path, mode, &bbolt.Options{Timeout: defaultOpenTimeout})
	if err != nil {
		return nil, fmt.Errorf("failed to open cursor database %s: %w", path, err)
	}
	err = db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(cursorBucketKey)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create cursor bucket: %w", err)
	}
	return &Store{db: db}, nil
}

// Close closes the database file
func (s *Store) Close() error {
	return s.db.Close()
}

// Load implements vstore.CursorStore
func (s *Store) Load(ctx context.Context, key string) (cursor vstore.Cursor, ok bool, err error) {
	err = s.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket(cursorBucketKey).Get([]byte(key))
		if data == nil {
			return nil
		}
		ok = true
		return json.Unmarshal(data, &cursor)
	})
	if err != nil {
		return vstore.Cursor{}, false, fmt.Errorf("failed to load cursor %s: %w", key, err)
	}
	return cursor, ok, nil
}

// Save implements vstore.CursorStore
func (s *Store) Save(ctx context.Context, key string, cursor vstore.Cursor) error {
	data, err := json.Marshal(cursor)
	if err != nil {
		return err
	}
	err = s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(cursorBucketKey)
		if existing := b.Get([]byte(key)); existing != nil {
			var current vstore.Cursor
			if err := json.Unmarshal(existing, &current); err != nil {
				return err
			}
			if !current.Before(cursor) {
				return nil
			}
		}
		return b.Put([]byte(key), data)
	})
	if err != nil {
		return fmt.Errorf("failed to save cursor %s: %w", key, err)
	}
	return nil
}
