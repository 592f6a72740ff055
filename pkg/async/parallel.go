package async

import (
	"context"

	"golang.org/x/sync/errgroup"
)

// Settled is the outcome slot for one task: exactly one of Value or Err is
// meaningful, indicated by Fulfilled.
type Settled[T any] struct {
	Fulfilled bool
	Value     T
	Err       error
}

// ParallelSettle runs tasks with at most limit in flight and returns one
// settled slot per task, preserving input order. Task failures never cancel
// sibling tasks. limit <= 0 means unbounded.
func ParallelSettle[T any](ctx context.Context, limit int, tasks []func(context.Context) (T, error)) []Settled[T] {
	results := make([]Settled[T], len(tasks))

	g, gctx := errgroup.WithContext(ctx)
	if limit > 0 {
		g.SetLimit(limit)
	}

	for i, task := range tasks {
		g.Go(func() error {
			value, err := task(gctx)
			if err != nil {
				results[i] = Settled[T]{Err: err}
				return nil
			}
			results[i] = Settled[T]{Fulfilled: true, Value: value}
			return nil
		})
	}

	// Tasks always return nil, so Wait never reports an error and gctx is
	// only cancelled by the caller's ctx.
	_ = g.Wait()
	return results
}
