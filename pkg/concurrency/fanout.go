package concurrency

import (
	"context"

	"golang.org/x/sync/errgroup"
)

// DefaultFanout is the default bounded per-correlation parallelism for
// I/O-bound platform queries (tracker resolution, correlator candidate
// matching).
const DefaultFanout = 5

// Each runs fn(ctx, i) for every index in [0, n) with at most maxInFlight
// concurrent calls, stopping and returning the first error encountered;
// cancellation of ctx aborts in-flight calls at their next I/O boundary.
// A non-positive maxInFlight defaults to DefaultFanout.
func Each(ctx context.Context, n, maxInFlight int, fn func(ctx context.Context, i int) error) error {
	if maxInFlight <= 0 {
		maxInFlight = DefaultFanout
	}
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(maxInFlight)

	for i := 0; i < n; i++ {
		i := i
		g.Go(func() error {
			return fn(gctx, i)
		})
	}
	return g.Wait()
}
