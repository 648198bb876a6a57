package events

import (
	"context"
	"log/slog"

	"github.com/tendant/vstore/pkg/vstore"
)

// Logging writes every message to a logger instead of a broker
type Logging struct {
	logger *slog.Logger
}

var _ vstore.Publisher = (*Logging)(nil)

// NewLogging creates a logging publisher
func NewLogging(logger *slog.Logger) *Logging {
	if logger == nil {
		logger = slog.Default()
	}
	return &Logging{logger: logger}
}

// Publish implements vstore.Publisher
func (l *Logging) Publish(ctx context.Context, topic, partitionKey string, payload []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	l.logger.InfoContext(ctx, "event published", "topic", topic, "key", partitionKey, "payload", string(payload))
	return nil
}

// Close implements vstore.Publisher
func (l *Logging) Close() error {
	return nil
}
