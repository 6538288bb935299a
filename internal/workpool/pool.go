// Package workpool runs batches of independent tasks with bounded parallelism and
// cooperative cancellation.
package workpool

import (
	"context"
	"sync/atomic"

	"golang.org/x/sync/errgroup"
)

// Pool bounds how many tasks run at once.
type Pool struct {
	size int
}

// New creates a pool running at most size tasks concurrently. A size below 1 is
// treated as 1.
func New(size int) *Pool {
	if size < 1 {
		size = 1
	}
	return &Pool{size: size}
}

// Size returns the concurrency limit.
func (p *Pool) Size() int {
	return p.size
}

// ForEach calls fn for every item with at most pool.Size() calls in flight.
//
// Once ctx is cancelled no further items are submitted and queued items that have not
// started are skipped; tasks already running complete. Task errors are the task's own
// business: fn reports per-item failures through its own channels, so one failing item
// never stops its siblings. ForEach returns the number of tasks that started.
func ForEach[T any](ctx context.Context, pool *Pool, items []T, fn func(context.Context, T)) int {
	var started atomic.Int64

	// The group's derived context is not used: a task failure must not cancel siblings.
	var g errgroup.Group
	g.SetLimit(pool.size)

	for _, item := range items {
		if ctx.Err() != nil {
			break
		}
		g.Go(func() error {
			if ctx.Err() != nil {
				return nil
			}
			started.Add(1)
			fn(ctx, item)
			return nil
		})
	}
	_ = g.Wait()

	return int(started.Load())
}
