package events

import (
	"context"
	"sync"

	"github.com/tendant/vstore/pkg/vstore"
)

// Message is a message recorded by Memory
type Message struct {
	Topic        string
	PartitionKey string
	Payload      []byte
}

// Memory records published messages in order, per topic
type Memory struct {
	mu       sync.Mutex
	topics   map[string][]Message
	failures []error
	closed   bool
}

var _ vstore.Publisher = (*Memory)(nil)

// NewMemory creates an in-memory publisher
func NewMemory() *Memory {
	return &Memory{topics: make(map[string][]Message)}
}

// FailNext makes the next len(errs) publishes return errs in order.
func (m *Memory) FailNext(errs ...error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failures = append(m.failures, errs...)
}

// Publish implements vstore.Publisher
func (m *Memory) Publish(ctx context.Context, topic, partitionKey string, payload []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.failures) > 0 {
		err := m.failures[0]
		m.failures = m.failures[1:]
		return err
	}
	m.topics[topic] = append(m.topics[topic], Message{
		Topic:        topic,
		PartitionKey: partitionKey,
		Payload:      append([]byte(nil), payload...),
	})
	return nil
}

// Messages returns a copy of the messages published to topic
func (m *Memory) Messages(topic string) []Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Message(nil), m.topics[topic]...)
}

// Close implements vstore.Publisher
func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

// Closed reports whether Close was called
func (m *Memory) Closed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}
