package uploader

import (
	"context"

	"golang.org/x/sync/errgroup"
)

// RunBounded calls process for every item with at most maxConcurrent calls in
// flight. When the ceiling is reached the next item is admitted as soon as any
// running call returns. It returns once every item has been attempted.
//
// Errors returned by process are dropped here; callers record failures in
// their own bookkeeping from inside process.
func RunBounded[T any](ctx context.Context, items []T, maxConcurrent int, process func(ctx context.Context, item T) error) {
	if len(items) == 0 {
		return
	}

	if maxConcurrent < 1 {
		maxConcurrent = 1
	}

	var g errgroup.Group
	g.SetLimit(maxConcurrent)

	for _, item := range items {
		g.Go(func() error {
			_ = process(ctx, item)
			return nil
		})
	}

	_ = g.Wait()
}
