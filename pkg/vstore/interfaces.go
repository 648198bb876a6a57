package vstore

import (
	"context"
)

// Publisher defines the interface for the external append-log
type Publisher interface {
	// Publish appends payload to topic. Messages sharing a partition key keep their order.
	Publish(ctx context.Context, topic, partitionKey string, payload []byte) error

	// Close flushes and releases the underlying connection
	Close() error
}

// CursorStore defines the interface for persisting job cursors
type CursorStore interface {
	// Load returns the cursor stored under key. ok is false if none was saved yet.
	Load(ctx context.Context, key string) (cursor Cursor, ok bool, err error)

	// Save persists the cursor. Stores never move a cursor backwards.
	Save(ctx context.Context, key string, cursor Cursor) error
}

// NoopPublisher is a no-operation implementation of Publisher
// Useful for dry runs where events are computed but not delivered
type NoopPublisher struct{}

// NewNoopPublisher creates a new no-operation publisher
func NewNoopPublisher() Publisher {
	return &NoopPublisher{}
}

// Publish does nothing and returns nil
func (n *NoopPublisher) Publish(ctx context.Context, topic, partitionKey string, payload []byte) error {
	return nil
}

// Close does nothing and returns nil
func (n *NoopPublisher) Close() error {
	return nil
}
