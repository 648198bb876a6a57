package jobs

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/tendant/vstore/pkg/vstore"
	"github.com/tendant/vstore/pkg/vstore/events"
	"github.com/tendant/vstore/pkg/vstore/metrics"
	"github.com/tendant/vstore/pkg/vstore/reader"
	"github.com/tendant/vstore/pkg/vstore/scan"
)

// EventsJobName is the registry name of the event production job
const EventsJobName = "events"

// Event production modes
const (
	ModeVersions = "versions"
	ModeBinaries = "binaries"
)

// EventsConfig holds the dependencies of the event production job
type EventsConfig struct {
	Objects       *reader.Objects
	Publisher     vstore.Publisher
	Cursors       vstore.CursorStore
	VersionsTopic string
	BinariesTopic string

	// SettleWindow holds back versions younger than it, so listings that
	// lag behind recent writes do not let the cursor skip them.
	SettleWindow time.Duration

	// PollInterval is the wait between passes
	PollInterval time.Duration

	Logger *slog.Logger
	Now    func() time.Time
}

// EventProductionJob emits one event per object version (or per binary
// reference of each version) in ascending creation order, persisting its
// cursor after each version.
type EventProductionJob struct {
	config EventsConfig
	mode   string
	topic  string
	loop   *loop
}

// NewEventsFactory returns the factory of the event production job. It
// takes the argument <mode>.
func NewEventsFactory(config EventsConfig, opts ...Option) Factory {
	return func(args []string) (Job, error) {
		mode, err := ParseEventsArgs(args)
		if err != nil {
			return nil, err
		}
		return NewEventProductionJob(config, mode, opts...)
	}
}

// NewEventProductionJob creates an event production job for mode
func NewEventProductionJob(config EventsConfig, mode string, opts ...Option) (*EventProductionJob, error) {
	var topic string
	switch mode {
	case ModeVersions:
		topic = config.VersionsTopic
	case ModeBinaries:
		topic = config.BinariesTopic
	default:
		return nil, invalidMode(mode)
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	if config.Now == nil {
		config.Now = time.Now
	}

	j := &EventProductionJob{config: config, mode: mode, topic: topic}
	opts = append([]Option{WithLogger(config.Logger)}, opts...)
	j.loop = newLoop(j.CursorKey(), config.PollInterval, opts)
	return j, nil
}

// CursorKey is the key of the job's cursor
func (j *EventProductionJob) CursorKey() string {
	return EventsJobName + "/" + j.mode
}

// Run implements Job
func (j *EventProductionJob) Run(ctx context.Context) error {
	return j.loop.run(ctx, func(ctx context.Context) error {
		_, err := j.RunOnce(ctx)
		return err
	})
}

type pendingVersion struct {
	record vstore.VersionRecord[vstore.ObjectDescriptor]
	prev   *vstore.ObjectDescriptor
	cursor vstore.Cursor
}

// RunOnce performs a single pass and returns the number of versions
// processed.
func (j *EventProductionJob) RunOnce(ctx context.Context) (int, error) {
	cursor, _, err := j.config.Cursors.Load(ctx, j.CursorKey())
	if err != nil {
		return 0, fmt.Errorf("failed to load cursor: %w", err)
	}

	pending, err := j.pending(ctx, cursor)
	if err != nil {
		return 0, err
	}

	j.loop.set(StateProcessing)
	for i, p := range pending {
		if err := ctx.Err(); err != nil {
			return i, err
		}
		if err := j.emit(ctx, p); err != nil {
			return i, err
		}
		if err := j.config.Cursors.Save(ctx, j.CursorKey(), p.cursor); err != nil {
			return i, fmt.Errorf("failed to save cursor: %w", err)
		}
	}

	if len(pending) > 0 {
		j.config.Logger.InfoContext(ctx, "events produced",
			"job", j.CursorKey(),
			"versions", len(pending),
			"topic", j.topic,
		)
	}
	return len(pending), nil
}

// pending returns the settled versions after cursor, in cursor order.
func (j *EventProductionJob) pending(ctx context.Context, cursor vstore.Cursor) ([]pendingVersion, error) {
	settled := j.config.Now().Add(-j.config.SettleWindow)
	var pending []pendingVersion

	seen := make(map[int64]struct{})

	// the history listing also yields objects whose latest entry is a delete
	// marker, so their earlier versions are not skipped
	scanner := scan.New(scan.ListerFunc(j.config.Objects.ListHistory), j.config.Logger)
	_, err := scanner.Scan(ctx, scan.ScanOptions{
		ModifiedSince: cursor.LastModified,
		Processor: scan.ProcessorFunc(func(ctx context.Context, rec vstore.ResourceRecord) error {
			if _, ok := seen[rec.ID]; ok {
				return nil
			}
			seen[rec.ID] = struct{}{}
			versions, err := j.config.Objects.GetVersions(ctx, rec.ID)
			if err != nil {
				if vstore.IsNotFound(err) {
					return nil
				}
				return err
			}
			var prev *vstore.ObjectDescriptor
			for _, v := range versions {
				pos := vstore.CursorAt(v)
				if cursor.Before(pos) && v.LastModified().Before(settled) {
					pending = append(pending, pendingVersion{record: v, prev: prev, cursor: pos})
				}
				d := v.Descriptor
				prev = &d
			}
			return nil
		}),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to scan object versions: %w", err)
	}

	slices.SortFunc(pending, func(a, b pendingVersion) int {
		return a.cursor.Compare(b.cursor)
	})
	return pending, nil
}

func (j *EventProductionJob) emit(ctx context.Context, p pendingVersion) error {
	key := events.PartitionKey(p.record.ID())

	var payloads [][]byte
	switch j.mode {
	case ModeVersions:
		payload, err := events.Encode(events.NewVersionCreated(p.record, p.prev))
		if err != nil {
			return err
		}
		payloads = append(payloads, payload)
	case ModeBinaries:
		for _, ref := range p.record.Descriptor.BinaryReferences() {
			payload, err := events.Encode(events.NewBinaryReferenced(ref, p.record.LastModified()))
			if err != nil {
				return err
			}
			payloads = append(payloads, payload)
		}
	}

	for _, payload := range payloads {
		if err := j.config.Publisher.Publish(ctx, j.topic, key, payload); err != nil {
			return fmt.Errorf("failed to publish event for object %d version %s: %w", p.record.ID(), p.record.VersionID(), err)
		}
		metrics.EventsProducedTotal.WithLabelValues(j.mode).Inc()
	}
	return nil
}
