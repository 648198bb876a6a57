package events

import (
	"context"
	"errors"
	"testing"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tendant/vstore/pkg/vstore"
)

type fakeWriter struct {
	msgs   []kafka.Message
	err    error
	closed bool
}

func (w *fakeWriter) WriteMessages(ctx context.Context, msgs ...kafka.Message) error {
	if w.err != nil {
		return w.err
	}
	w.msgs = append(w.msgs, msgs...)
	return nil
}

func (w *fakeWriter) Close() error {
	w.closed = true
	return nil
}

func TestKafka(t *testing.T) {
	ctx := context.Background()

	t.Run("writes keyed message", func(t *testing.T) {
		w := &fakeWriter{}
		k := newKafka(w, nil)
		require.NoError(t, k.Publish(ctx, "vstore.versions", "42", []byte("payload")))
		require.Len(t, w.msgs, 1)
		assert.Equal(t, "vstore.versions", w.msgs[0].Topic)
		assert.Equal(t, []byte("42"), w.msgs[0].Key)
		assert.Equal(t, []byte("payload"), w.msgs[0].Value)

		require.NoError(t, k.Close())
		assert.True(t, w.closed)
	})

	t.Run("broker failure is transient", func(t *testing.T) {
		k := newKafka(&fakeWriter{err: kafka.LeaderNotAvailable}, nil)
		err := k.Publish(ctx, "vstore.versions", "42", nil)
		assert.True(t, vstore.IsTransient(err))
		assert.ErrorIs(t, err, vstore.ErrTransientBackend)
	})

	t.Run("cancellation is not wrapped", func(t *testing.T) {
		cancelled, cancel := context.WithCancel(ctx)
		cancel()
		k := newKafka(&fakeWriter{err: errors.New("context canceled")}, nil)
		err := k.Publish(cancelled, "vstore.versions", "42", nil)
		assert.ErrorIs(t, err, context.Canceled)
		assert.NotErrorIs(t, err, vstore.ErrTransientBackend)
	})

	t.Run("requires brokers", func(t *testing.T) {
		_, err := NewKafka(KafkaConfig{})
		assert.Error(t, err)
	})
}
