package jobs_test

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tendant/vstore/pkg/vstore"
	cursormem "github.com/tendant/vstore/pkg/vstore/cursor/memory"
	"github.com/tendant/vstore/pkg/vstore/events"
	"github.com/tendant/vstore/pkg/vstore/jobs"
	"github.com/tendant/vstore/pkg/vstore/reader"
)

// flakyCursors fails the Save call number failAt (1-based) once.
type flakyCursors struct {
	vstore.CursorStore
	saves  int
	failAt int
}

func (c *flakyCursors) Save(ctx context.Context, key string, cursor vstore.Cursor) error {
	c.saves++
	if c.saves == c.failAt {
		return fmt.Errorf("%w: cursor store unavailable", vstore.ErrTransientBackend)
	}
	return c.CursorStore.Save(ctx, key, cursor)
}

type eventsFixture struct {
	*fixture
	publisher *events.Memory
	cursors   vstore.CursorStore
	now       *clock
	config    jobs.EventsConfig
}

func newEventsFixture(t *testing.T) *eventsFixture {
	f := newFixture(t)
	now := newClock(epoch.Add(time.Hour))
	publisher := events.NewMemory()
	cursors := cursormem.New()
	return &eventsFixture{
		fixture:   f,
		publisher: publisher,
		cursors:   cursors,
		now:       now,
		config: jobs.EventsConfig{
			Objects:       reader.NewObjects(f.backend, objectsBucket),
			Publisher:     publisher,
			Cursors:       cursors,
			VersionsTopic: "vstore.versions",
			BinariesTopic: "vstore.binaries",
			SettleWindow:  5 * time.Second,
			PollInterval:  10 * time.Millisecond,
			Now:           now.Now,
		},
	}
}

// emitted decodes the published version events as "id/versionIndex".
func (f *eventsFixture) emitted(t *testing.T) []string {
	t.Helper()
	var out []string
	for _, m := range f.publisher.Messages("vstore.versions") {
		e, err := events.Decode(m.Payload)
		require.NoError(t, err)
		var data events.VersionCreated
		require.NoError(t, e.DataAs(&data))
		assert.Equal(t, vstore.Key(data.ID), m.PartitionKey)
		out = append(out, fmt.Sprintf("%d/%d", data.ID, data.VersionIndex))
	}
	return out
}

func TestEventProductionVersions(t *testing.T) {
	ctx := context.Background()
	f := newEventsFixture(t)
	f.putObject(1, epoch.Add(1*time.Second), text(1, "a"))
	f.putObject(1, epoch.Add(2*time.Second), text(1, "b"), text(2, "x"))
	f.putObject(2, epoch.Add(3*time.Second), text(1, "a"))
	f.putObject(1, epoch.Add(4*time.Second), text(1, "b"), text(2, "y"))

	job, err := jobs.NewEventProductionJob(f.config, jobs.ModeVersions)
	require.NoError(t, err)
	assert.Equal(t, "events/versions", job.CursorKey())

	n, err := job.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 4, n)
	assert.Equal(t, []string{"1/0", "1/1", "2/0", "1/2"}, f.emitted(t))

	t.Run("payload", func(t *testing.T) {
		msgs := f.publisher.Messages("vstore.versions")
		e, err := events.Decode(msgs[3].Payload)
		require.NoError(t, err)
		assert.Equal(t, events.TypeVersionCreated, e.Type())

		var data events.VersionCreated
		require.NoError(t, e.DataAs(&data))
		assert.Equal(t, []int{2}, data.ModifiedElements)
		assert.Equal(t, "jdoe", data.Author.AuthorLogin)
		assert.Equal(t, int64(3), data.TemplateID)
	})

	t.Run("cursor is persisted", func(t *testing.T) {
		c, ok, err := f.cursors.Load(ctx, job.CursorKey())
		require.NoError(t, err)
		assert.True(t, ok)
		assert.Equal(t, int64(1), c.ID)
		assert.Equal(t, 2, c.VersionIndex)
		assert.True(t, epoch.Add(4*time.Second).Equal(c.LastModified))
	})

	t.Run("nothing new", func(t *testing.T) {
		n, err := job.RunOnce(ctx)
		require.NoError(t, err)
		assert.Equal(t, 0, n)
		assert.Len(t, f.publisher.Messages("vstore.versions"), 4)
	})

	t.Run("only new versions", func(t *testing.T) {
		f.putObject(2, epoch.Add(10*time.Second), text(1, "c"))
		n, err := job.RunOnce(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, n)
		assert.Equal(t, []string{"1/0", "1/1", "2/0", "1/2", "2/1"}, f.emitted(t))
	})

	t.Run("unsettled versions wait", func(t *testing.T) {
		recent := f.now.Now().Add(-time.Second)
		f.putObject(3, recent, text(1, "new"))

		n, err := job.RunOnce(ctx)
		require.NoError(t, err)
		assert.Equal(t, 0, n)

		f.now.Set(recent.Add(10 * time.Second))
		n, err = job.RunOnce(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, n)
	})
}

func TestEventProductionIncludesDeleteMarkedObjects(t *testing.T) {
	ctx := context.Background()
	f := newEventsFixture(t)
	f.putObject(7, epoch.Add(1*time.Minute), text(1, "a"))
	f.deleteObject(7, epoch.Add(2*time.Minute))
	f.putObject(8, epoch.Add(3*time.Minute), text(1, "b"))

	job, err := jobs.NewEventProductionJob(f.config, jobs.ModeVersions)
	require.NoError(t, err)

	n, err := job.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	n, err = job.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
	assert.Equal(t, []string{"7/0", "8/0"}, f.emitted(t))
}

func TestEventProductionBinaries(t *testing.T) {
	ctx := context.Background()
	f := newEventsFixture(t)
	f.putObject(7, epoch.Add(time.Second), image(1, "b/big", "b/small"), text(2, "caption"))
	f.putObject(7, epoch.Add(2*time.Second), text(2, "no images"))
	f.putObject(8, epoch.Add(3*time.Second), image(1, "b/other"))

	job, err := jobs.NewEventProductionJob(f.config, jobs.ModeBinaries)
	require.NoError(t, err)

	n, err := job.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, n, "versions processed, including one without references")

	var keys []string
	for _, m := range f.publisher.Messages("vstore.binaries") {
		e, err := events.Decode(m.Payload)
		require.NoError(t, err)
		assert.Equal(t, events.TypeBinaryReferenced, e.Type())
		var data events.BinaryReferenced
		require.NoError(t, e.DataAs(&data))
		keys = append(keys, data.FileKey)
	}
	assert.Equal(t, []string{"b/big", "b/small", "b/other"}, keys)
	assert.Empty(t, f.publisher.Messages("vstore.versions"))

	c, ok, err := f.cursors.Load(ctx, "events/binaries")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, int64(8), c.ID)
}

func TestEventProductionResumes(t *testing.T) {
	ctx := context.Background()
	f := newEventsFixture(t)
	for i := 1; i <= 4; i++ {
		f.putObject(int64(i), epoch.Add(time.Duration(i)*time.Second), text(1, "v"))
	}

	t.Run("cursor save failure re-emits the record", func(t *testing.T) {
		config := f.config
		config.Cursors = &flakyCursors{CursorStore: f.cursors, failAt: 2}
		job, err := jobs.NewEventProductionJob(config, jobs.ModeVersions)
		require.NoError(t, err)

		n, err := job.RunOnce(ctx)
		require.Error(t, err)
		assert.True(t, vstore.IsTransient(err))
		assert.Equal(t, 1, n)
		assert.Equal(t, []string{"1/0", "2/0"}, f.emitted(t))

		n, err = job.RunOnce(ctx)
		require.NoError(t, err)
		assert.Equal(t, 3, n)
		assert.Equal(t, []string{"1/0", "2/0", "2/0", "3/0", "4/0"}, f.emitted(t))
	})

	t.Run("publish failure is retried by the loop", func(t *testing.T) {
		f.putObject(5, epoch.Add(5*time.Second), text(1, "v"))
		f.publisher.FailNext(fmt.Errorf("%w: broker down", vstore.ErrTransientBackend))

		job, err := jobs.NewEventProductionJob(f.config, jobs.ModeVersions)
		require.NoError(t, err)
		stop := runInBackground(ctx, job.Run)
		require.Eventually(t, func() bool {
			return len(f.publisher.Messages("vstore.versions")) == 6
		}, time.Second, 5*time.Millisecond)
		assert.ErrorIs(t, stop(), context.Canceled)
		assert.Equal(t, "5/0", f.emitted(t)[5])
	})

	t.Run("permanent publish failure stops the job", func(t *testing.T) {
		f.putObject(6, epoch.Add(6*time.Second), text(1, "v"))
		rejected := errors.New("message too large")
		f.publisher.FailNext(rejected)

		job, err := jobs.NewEventProductionJob(f.config, jobs.ModeVersions)
		require.NoError(t, err)
		assert.ErrorIs(t, job.Run(ctx), rejected)
	})
}
