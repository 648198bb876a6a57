package reader

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestForEachPartitioned(t *testing.T) {
	tests := []struct {
		name string
		n    int
		dop  int
	}{
		{"more items than workers", 10, 3},
		{"more workers than items", 2, 8},
		{"non positive dop", 5, 0},
		{"no items", 0, 4},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			visits := make([]int32, tt.n)
			err := forEachPartitioned(context.Background(), tt.n, tt.dop, func(_ context.Context, i int) error {
				atomic.AddInt32(&visits[i], 1)
				return nil
			})
			require.NoError(t, err)
			for i, v := range visits {
				assert.Equal(t, int32(1), v, "index %d", i)
			}
		})
	}

	t.Run("first error wins", func(t *testing.T) {
		boom := errors.New("boom")
		err := forEachPartitioned(context.Background(), 20, 4, func(_ context.Context, i int) error {
			if i == 5 {
				return boom
			}
			return nil
		})
		assert.ErrorIs(t, err, boom)
	})
}

func TestOrderOldestFirst(t *testing.T) {
	t.Run("by timestamp", func(t *testing.T) {
		base := refsAt(3, 2, 1)
		orderOldestFirst(base)
		assert.Equal(t, []string{"c", "b", "a"}, ids(base))
	})

	t.Run("ties broken by newest first listing", func(t *testing.T) {
		refs := refsAt(0, 0, 0)
		refs[0].isLatest = true
		orderOldestFirst(refs)
		assert.Equal(t, []string{"c", "b", "a"}, ids(refs))
	})

	t.Run("ties broken by oldest first listing", func(t *testing.T) {
		refs := refsAt(0, 0, 0)
		refs[2].isLatest = true
		orderOldestFirst(refs)
		assert.Equal(t, []string{"a", "b", "c"}, ids(refs))
	})
}

func refsAt(offsets ...int) []versionRef {
	names := []string{"a", "b", "c", "d"}
	refs := make([]versionRef, len(offsets))
	for i, off := range offsets {
		refs[i] = versionRef{versionID: names[i], seq: i}
		refs[i].lastModified = refs[i].lastModified.AddDate(0, 0, off)
	}
	return refs
}

func ids(refs []versionRef) []string {
	out := make([]string, len(refs))
	for i, r := range refs {
		out[i] = r.versionID
	}
	return out
}
