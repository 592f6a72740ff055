// Package async provides the shared concurrency primitives: deadline racing,
// retry with backoff, bounded-concurrency parallel execution, and the
// partial-result race that workers rely on for "use whatever finished"
// semantics.
package async

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrDeadlineExceeded is returned when a raced operation did not finish
// before its deadline.
var ErrDeadlineExceeded = errors.New("deadline exceeded")

// DeadlineError wraps ErrDeadlineExceeded with the operation label and the
// deadline that fired.
type DeadlineError struct {
	Op       string
	Deadline time.Duration
}

func (e *DeadlineError) Error() string {
	return fmt.Sprintf("%s: deadline exceeded after %v", e.Op, e.Deadline)
}

func (e *DeadlineError) Is(target error) bool { return target == ErrDeadlineExceeded }

// DeadlineRace runs fn with a context that is cancelled after d. If the
// deadline fires first, the result is discarded and a DeadlineError is
// returned; fn's in-flight work is cancelled through its context. The timer
// is released on every exit path.
func DeadlineRace[T any](ctx context.Context, op string, d time.Duration, fn func(context.Context) (T, error)) (T, error) {
	raceCtx, cancel := context.WithTimeout(ctx, d)
	defer cancel()

	type outcome struct {
		value T
		err   error
	}
	done := make(chan outcome, 1)

	go func() {
		value, err := fn(raceCtx)
		done <- outcome{value: value, err: err}
	}()

	select {
	case out := <-done:
		if out.err != nil && errors.Is(out.err, context.DeadlineExceeded) && raceCtx.Err() == context.DeadlineExceeded {
			var zero T
			return zero, &DeadlineError{Op: op, Deadline: d}
		}
		return out.value, out.err
	case <-raceCtx.Done():
		var zero T
		if errors.Is(raceCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
			return zero, &DeadlineError{Op: op, Deadline: d}
		}
		return zero, raceCtx.Err()
	}
}
