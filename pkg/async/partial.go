package async

import (
	"context"
	"sync"
	"time"
)

// Task is a labeled unit of work for PartialRace.
type Task[T any] struct {
	Label string
	Run   func(context.Context) (T, error)
}

// PartialRace runs all tasks in parallel against a single deadline. Each
// task's outcome is captured into its own labeled slot as it settles; when
// the deadline fires, slots still pending are marked with ErrDeadlineExceeded
// while already-completed slots keep their values. Workers rely on this
// contract for "use whatever finished, defaults for the rest".
//
// Tasks still in flight when the deadline fires are cancelled through their
// context, but a task that ignores cancellation may complete in the
// background; its late result is dropped.
func PartialRace[T any](ctx context.Context, d time.Duration, tasks []Task[T]) map[string]Settled[T] {
	raceCtx, cancel := context.WithTimeout(ctx, d)
	defer cancel()

	var (
		mu      sync.Mutex
		sealed  bool
		results = make(map[string]Settled[T], len(tasks))
	)

	var wg sync.WaitGroup
	for _, task := range tasks {
		wg.Add(1)
		go func() {
			defer wg.Done()
			value, err := task.Run(raceCtx)

			mu.Lock()
			defer mu.Unlock()
			if sealed {
				return // deadline already fired; drop the late result
			}
			if err != nil {
				results[task.Label] = Settled[T]{Err: err}
				return
			}
			results[task.Label] = Settled[T]{Fulfilled: true, Value: value}
		}()
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-raceCtx.Done():
	}

	mu.Lock()
	defer mu.Unlock()
	sealed = true
	for _, task := range tasks {
		if _, ok := results[task.Label]; !ok {
			results[task.Label] = Settled[T]{Err: &DeadlineError{Op: task.Label, Deadline: d}}
		}
	}
	return results
}
