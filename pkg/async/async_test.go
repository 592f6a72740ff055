package async

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arome3/vigil/pkg/store"
)

func TestDeadlineRaceCompletesInTime(t *testing.T) {
	value, err := DeadlineRace(context.Background(), "fast", time.Second,
		func(ctx context.Context) (string, error) {
			return "done", nil
		})
	require.NoError(t, err)
	assert.Equal(t, "done", value)
}

func TestDeadlineRaceFires(t *testing.T) {
	start := time.Now()
	_, err := DeadlineRace(context.Background(), "slow", 30*time.Millisecond,
		func(ctx context.Context) (string, error) {
			select {
			case <-time.After(5 * time.Second):
				return "too late", nil
			case <-ctx.Done():
				return "", ctx.Err()
			}
		})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrDeadlineExceeded)
	assert.Less(t, time.Since(start), time.Second)

	var de *DeadlineError
	require.ErrorAs(t, err, &de)
	assert.Equal(t, "slow", de.Op)
}

func TestDeadlineRacePropagatesTaskError(t *testing.T) {
	wantErr := errors.New("boom")
	_, err := DeadlineRace(context.Background(), "failing", time.Second,
		func(ctx context.Context) (int, error) {
			return 0, wantErr
		})
	assert.ErrorIs(t, err, wantErr)
}

func TestRetryRetriesTransient(t *testing.T) {
	var attempts int32
	value, err := Retry(context.Background(), RetryConfig{BackoffBase: time.Millisecond},
		func(ctx context.Context) (string, error) {
			if atomic.AddInt32(&attempts, 1) < 3 {
				return "", &store.TransportError{Status: 503, Message: "unavailable"}
			}
			return "ok", nil
		})
	require.NoError(t, err)
	assert.Equal(t, "ok", value)
	assert.Equal(t, int32(3), atomic.LoadInt32(&attempts))
}

func TestRetryDoesNotRetryNonRetryable(t *testing.T) {
	var attempts int32
	_, err := Retry(context.Background(), RetryConfig{BackoffBase: time.Millisecond},
		func(ctx context.Context) (string, error) {
			atomic.AddInt32(&attempts, 1)
			return "", &store.TransportError{Status: 400, Message: "bad request"}
		})
	require.Error(t, err)
	assert.Equal(t, int32(1), atomic.LoadInt32(&attempts))

	var te *store.TransportError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, 400, te.Status)
}

func TestRetrySurfacesOriginalAfterExhaustion(t *testing.T) {
	var attempts int32
	_, err := Retry(context.Background(), RetryConfig{BackoffBase: time.Millisecond},
		func(ctx context.Context) (string, error) {
			atomic.AddInt32(&attempts, 1)
			return "", &store.TransportError{Status: 429, Message: "throttled"}
		})
	require.Error(t, err)
	// Initial attempt plus DefaultMaxRetries retries.
	assert.Equal(t, int32(1+DefaultMaxRetries), atomic.LoadInt32(&attempts))

	var te *store.TransportError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, 429, te.Status)
}

func TestParallelSettlePreservesOrderAndErrors(t *testing.T) {
	boom := errors.New("task 1 failed")
	tasks := []func(context.Context) (int, error){
		func(ctx context.Context) (int, error) { return 10, nil },
		func(ctx context.Context) (int, error) { return 0, boom },
		func(ctx context.Context) (int, error) { return 30, nil },
	}

	results := ParallelSettle(context.Background(), 2, tasks)
	require.Len(t, results, 3)
	assert.True(t, results[0].Fulfilled)
	assert.Equal(t, 10, results[0].Value)
	assert.False(t, results[1].Fulfilled)
	assert.ErrorIs(t, results[1].Err, boom)
	assert.True(t, results[2].Fulfilled)
	assert.Equal(t, 30, results[2].Value)
}

func TestParallelSettleBoundsConcurrency(t *testing.T) {
	const limit = 3
	var inFlight, peak int32

	tasks := make([]func(context.Context) (int, error), 20)
	for i := range tasks {
		tasks[i] = func(ctx context.Context) (int, error) {
			current := atomic.AddInt32(&inFlight, 1)
			for {
				old := atomic.LoadInt32(&peak)
				if current <= old || atomic.CompareAndSwapInt32(&peak, old, current) {
					break
				}
			}
			time.Sleep(5 * time.Millisecond)
			atomic.AddInt32(&inFlight, -1)
			return 1, nil
		}
	}

	ParallelSettle(context.Background(), limit, tasks)
	assert.LessOrEqual(t, atomic.LoadInt32(&peak), int32(limit))
}

func TestPartialRaceKeepsCompletedSlots(t *testing.T) {
	results := PartialRace(context.Background(), 50*time.Millisecond, []Task[string]{
		{Label: "fast", Run: func(ctx context.Context) (string, error) {
			return "finished", nil
		}},
		{Label: "slow", Run: func(ctx context.Context) (string, error) {
			select {
			case <-time.After(5 * time.Second):
				return "too late", nil
			case <-ctx.Done():
				return "", ctx.Err()
			}
		}},
	})

	require.Len(t, results, 2)
	assert.True(t, results["fast"].Fulfilled)
	assert.Equal(t, "finished", results["fast"].Value)
	assert.False(t, results["slow"].Fulfilled)
	assert.ErrorIs(t, results["slow"].Err, ErrDeadlineExceeded)
}

func TestPartialRaceAllComplete(t *testing.T) {
	results := PartialRace(context.Background(), time.Second, []Task[int]{
		{Label: "a", Run: func(ctx context.Context) (int, error) { return 1, nil }},
		{Label: "b", Run: func(ctx context.Context) (int, error) { return 2, nil }},
		{Label: "c", Run: func(ctx context.Context) (int, error) { return 0, errors.New("c failed") }},
	})

	assert.Equal(t, 1, results["a"].Value)
	assert.Equal(t, 2, results["b"].Value)
	assert.False(t, results["c"].Fulfilled)
	assert.EqualError(t, results["c"].Err, "c failed")
}

func TestPartialRaceDropsLateResults(t *testing.T) {
	release := make(chan struct{})
	results := PartialRace(context.Background(), 30*time.Millisecond, []Task[string]{
		{Label: "ignores_cancel", Run: func(ctx context.Context) (string, error) {
			<-release
			return "late", nil
		}},
	})
	close(release)

	assert.False(t, results["ignores_cancel"].Fulfilled)
	assert.ErrorIs(t, results["ignores_cancel"].Err, ErrDeadlineExceeded)
}
