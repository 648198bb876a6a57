package bolt_test

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tendant/vstore/pkg/vstore"
	"github.com/tendant/vstore/pkg/vstore/cursor/bolt"
)

func TestStore(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "cursors.db")

	s, err := bolt.Open(path, 0)
	require.NoError(t, err)

	_, ok, err := s.Load(ctx, "events/versions")
	require.NoError(t, err)
	assert.False(t, ok)

	base := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	saved := vstore.Cursor{LastModified: base, ID: 42, VersionIndex: 3, VersionID: "v3"}
	require.NoError(t, s.Save(ctx, "events/versions", saved))
	require.NoError(t, s.Save(ctx, "events/versions", vstore.Cursor{LastModified: base.Add(-time.Hour), ID: 99}))

	got, ok, err := s.Load(ctx, "events/versions")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.True(t, saved.LastModified.Equal(got.LastModified))
	assert.Equal(t, saved.ID, got.ID)
	assert.Equal(t, saved.VersionIndex, got.VersionIndex)

	t.Run("survives reopen", func(t *testing.T) {
		require.NoError(t, s.Close())

		reopened, err := bolt.Open(path, 0)
		require.NoError(t, err)
		defer reopened.Close()

		got, ok, err := reopened.Load(ctx, "events/versions")
		require.NoError(t, err)
		assert.True(t, ok)
		assert.Equal(t, 0, saved.Compare(got))
		assert.Equal(t, "v3", got.VersionID)
	})
}
