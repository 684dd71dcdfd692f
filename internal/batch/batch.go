// Package batch runs independent per-file jobs with bounded concurrency.
package batch

import (
	"context"

	"golang.org/x/sync/errgroup"
)

// Run calls fn for every index in [0, n) with at most workers calls in flight.
// fn owns its failure handling: one call never cancels another. Scheduling
// stops once ctx is done and ctx.Err() is returned after in-flight calls end.
func Run(ctx context.Context, n, workers int, fn func(ctx context.Context, i int)) error {
	if workers < 1 {
		workers = 1
	}

	var g errgroup.Group
	g.SetLimit(workers)

	for i := 0; i < n; i++ {
		if ctx.Err() != nil {
			break
		}
		i := i
		g.Go(func() error {
			if ctx.Err() != nil {
				return nil
			}
			fn(ctx, i)
			return nil
		})
	}

	_ = g.Wait()
	return ctx.Err()
}
