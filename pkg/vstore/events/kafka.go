package events

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/tendant/vstore/pkg/vstore"
)

// messageWriter is the subset of *kafka.Writer used by Kafka
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaConfig holds the broker connection settings
type KafkaConfig struct {
	Brokers      []string
	BatchTimeout time.Duration
	WriteTimeout time.Duration
	Logger       *slog.Logger
}

// Kafka publishes to Kafka topics. Writes are synchronous and acknowledged
// by all in-sync replicas; the hash balancer keeps a partition key on one
// partition so per-object order holds.
type Kafka struct {
	writer messageWriter
	logger *slog.Logger
}

var _ vstore.Publisher = (*Kafka)(nil)

// NewKafka creates a Kafka publisher
func NewKafka(config KafkaConfig) (*Kafka, error) {
	if len(config.Brokers) == 0 {
		return nil, errors.New("kafka brokers are required")
	}
	if config.BatchTimeout == 0 {
		config.BatchTimeout = 10 * time.Millisecond
	}
	if config.WriteTimeout == 0 {
		config.WriteTimeout = 10 * time.Second
	}

	w := &kafka.Writer{
		Addr:         kafka.TCP(config.Brokers...),
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireAll,
		BatchTimeout: config.BatchTimeout,
		WriteTimeout: config.WriteTimeout,
	}
	return newKafka(w, config.Logger), nil
}

func newKafka(w messageWriter, logger *slog.Logger) *Kafka {
	if logger == nil {
		logger = slog.Default()
	}
	return &Kafka{writer: w, logger: logger}
}

// Publish implements vstore.Publisher. Broker failures are reported as
// transient so the caller retries from its persisted cursor.
func (k *Kafka) Publish(ctx context.Context, topic, partitionKey string, payload []byte) error {
	err := k.writer.WriteMessages(ctx, kafka.Message{
		Topic: topic,
		Key:   []byte(partitionKey),
		Value: payload,
	})
	if err == nil {
		return nil
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	k.logger.Warn("kafka write failed", "topic", topic, "key", partitionKey, "err", err)
	return fmt.Errorf("%w: failed to publish to %s: %v", vstore.ErrTransientBackend, topic, err)
}

// Close flushes pending messages and closes broker connections
func (k *Kafka) Close() error {
	return k.writer.Close()
}
