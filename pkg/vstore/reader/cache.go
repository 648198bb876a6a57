package reader

import (
	"context"
	"strconv"
	"sync"

	"golang.org/x/sync/singleflight"

	"github.com/tendant/vstore/pkg/vstore/metrics"
)

type versionKey struct {
	id        int64
	versionID string
}

func (k versionKey) String() string {
	return strconv.FormatInt(k.id, 10) + "/" + k.versionID
}

// cache holds descriptors by (id, version). Entries are never evicted or
// replaced: a version's content cannot change once written.
type cache[D any] struct {
	name    string
	mu      sync.RWMutex
	entries map[versionKey]D
	group   singleflight.Group
}

func newCache[D any](name string) *cache[D] {
	return &cache[D]{name: name, entries: make(map[versionKey]D)}
}

func (c *cache[D]) lookup(k versionKey) (D, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	d, ok := c.entries[k]
	return d, ok
}

// get returns the cached descriptor or loads it. Concurrent misses for the
// same key share one load; failed loads are not cached. The shared load is
// detached from the cancellation of whichever caller started it, and each
// caller stops waiting when its own ctx is done.
func (c *cache[D]) get(ctx context.Context, k versionKey, load func(ctx context.Context) (D, error)) (D, error) {
	var zero D
	if d, ok := c.lookup(k); ok {
		metrics.CacheLookupsTotal.WithLabelValues(c.name, "hit").Inc()
		return d, nil
	}
	metrics.CacheLookupsTotal.WithLabelValues(c.name, "miss").Inc()

	loadCtx := context.WithoutCancel(ctx)
	ch := c.group.DoChan(k.String(), func() (any, error) {
		// a load that finished between lookup and DoChan already filled the entry
		if d, ok := c.lookup(k); ok {
			return d, nil
		}
		d, err := load(loadCtx)
		if err != nil {
			return nil, err
		}
		c.mu.Lock()
		c.entries[k] = d
		c.mu.Unlock()
		return d, nil
	})

	select {
	case <-ctx.Done():
		return zero, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return zero, res.Err
		}
		return res.Val.(D), nil
	}
}

func (c *cache[D]) len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}
