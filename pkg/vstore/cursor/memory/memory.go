// Package memory provides an in-memory vstore.CursorStore
package memory

import (
	"context"
	"sync"

	"github.com/tendant/vstore/pkg/vstore"
)

// Store keeps cursors in a map; it forgets them on restart
type Store struct {
	mu      sync.RWMutex
	cursors map[string]vstore.Cursor
}

var _ vstore.CursorStore = (*Store)(nil)

// New creates a new in-memory cursor store
func New() *Store {
	return &Store{cursors: make(map[string]vstore.Cursor)}
}

// Load implements vstore.CursorStore
func (s *Store) Load(ctx context.Context, key string) (vstore.Cursor, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.cursors[key]
	return c, ok, nil
}

// Save implements vstore.CursorStore
func (s *Store) Save(ctx context.Context, key string, cursor vstore.Cursor) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if current, ok := s.cursors[key]; ok && !current.Before(cursor) {
		return nil
	}
	s.cursors[key] = cursor
	return nil
}
