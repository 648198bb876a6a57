package reader

import (
	"context"

	"golang.org/x/sync/errgroup"
)

// forEachPartitioned calls fn for every index in [0, n) using at most dop
// workers. Worker w owns indexes w, w+dop, w+2*dop and so on, so results can
// be written into a preallocated slot per index without locking. The first
// error cancels the remaining work and is returned once all workers stopped.
func forEachPartitioned(ctx context.Context, n, dop int, fn func(ctx context.Context, i int) error) error {
	if n == 0 {
		return nil
	}
	if dop <= 0 {
		dop = 1
	}
	dop = min(dop, n)

	g, gctx := errgroup.WithContext(ctx)
	for w := 0; w < dop; w++ {
		g.Go(func() error {
			for i := w; i < n; i += dop {
				if err := gctx.Err(); err != nil {
					return err
				}
				if err := fn(gctx, i); err != nil {
					return err
				}
			}
			return nil
		})
	}
	return g.Wait()
}
