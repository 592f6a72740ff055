package coordinator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/arome3/vigil/pkg/store"
)

// Watcher is the single-writer alert polling loop: it reads unprocessed
// alerts, claims each through the create-only claims index, and hands the
// winners to the coordinator. After too many consecutive poll failures the
// circuit breaker stops the watcher; it stays stopped until an explicit
// restart.
type Watcher struct {
	coordinator *Coordinator
	store       store.Store
	logger      *slog.Logger

	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
	done    chan struct{}

	// pollsTotal and pollErrors are cumulative counters exposed for the
	// health endpoint.
	pollsTotal int
	pollErrors int

	// onPollDone observes every completed poll cycle (telemetry).
	onPollDone func(err error)
}

// SetPollObserver installs a per-poll observer. Call during wiring.
func (w *Watcher) SetPollObserver(fn func(err error)) { w.onPollDone = fn }

// NewWatcher creates a stopped watcher.
func NewWatcher(c *Coordinator) *Watcher {
	return &Watcher{
		coordinator: c,
		store:       c.store,
		logger:      slog.Default().With("component", "alert-watcher"),
	}
}

// Start begins polling. Returns an error if the watcher is already running.
func (w *Watcher) Start(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.running {
		return fmt.Errorf("watcher already running")
	}
	w.running = true
	w.stopCh = make(chan struct{})
	w.done = make(chan struct{})
	go w.run(ctx, w.stopCh, w.done)
	w.logger.Info("Alert watcher started")
	return nil
}

// Stop signals the watcher and waits for the in-flight poll to finish.
// Safe to call when already stopped.
func (w *Watcher) Stop() {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return
	}
	stopCh, done := w.stopCh, w.done
	w.mu.Unlock()

	close(stopCh)
	<-done
}

// Running reports whether the watcher is polling.
func (w *Watcher) Running() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.running
}

// Stats returns cumulative poll counters.
func (w *Watcher) Stats() (polls, pollErrors int) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.pollsTotal, w.pollErrors
}

// run is the polling loop. Consecutive failures back off exponentially from
// one second to thirty; reaching the breaker threshold stops the watcher
// entirely.
func (w *Watcher) run(ctx context.Context, stopCh chan struct{}, done chan struct{}) {
	defer close(done)
	defer func() {
		w.mu.Lock()
		w.running = false
		w.mu.Unlock()
		w.logger.Info("Alert watcher stopped")
	}()

	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = time.Second
	exp.Multiplier = 2
	exp.MaxInterval = 30 * time.Second
	exp.RandomizationFactor = 0
	exp.Reset()

	consecutiveFailures := 0
	for {
		select {
		case <-stopCh:
			return
		case <-ctx.Done():
			return
		default:
		}

		start := time.Now()
		claimed, processed, err := w.poll(ctx)
		elapsed := time.Since(start)

		w.mu.Lock()
		w.pollsTotal++
		if err != nil {
			w.pollErrors++
		}
		w.mu.Unlock()

		w.writeTelemetry(claimed, processed, elapsed, err)
		if w.onPollDone != nil {
			w.onPollDone(err)
		}

		if err != nil {
			consecutiveFailures++
			w.logger.Error("Poll failed",
				"consecutive_failures", consecutiveFailures, "error", err)
			if consecutiveFailures >= w.coordinator.cfg.MaxPollErrors {
				w.logger.Error("Circuit breaker open: too many consecutive poll failures, watcher requires explicit restart",
					"failures", consecutiveFailures)
				return
			}
			w.sleep(stopCh, exp.NextBackOff())
			continue
		}

		consecutiveFailures = 0
		exp.Reset()
		w.sleep(stopCh, w.coordinator.cfg.AlertPollInterval)
	}
}

// poll reads one batch of unclaimed alerts, claims each, and processes the
// winners sequentially.
func (w *Watcher) poll(ctx context.Context) (claimed, processed int, err error) {
	alerts, err := w.unprocessedAlerts(ctx)
	if err != nil {
		return 0, 0, err
	}

	for _, alert := range alerts {
		alertID := getString(alert, "alert_id")
		if alertID == "" {
			continue
		}
		won, claimErr := w.claim(ctx, alertID)
		if claimErr != nil {
			return claimed, processed, claimErr
		}
		if !won {
			continue
		}
		claimed++

		outcome, orchErr := w.coordinator.OrchestrateAlert(ctx, alert)
		w.markProcessed(alertID, orchErr)
		if orchErr != nil {
			w.logger.Error("Alert orchestration failed", "alert_id", alertID, "error", orchErr)
			continue
		}
		processed++
		w.logger.Info("Alert processed",
			"alert_id", alertID,
			"incident_id", outcome.IncidentID,
			"status", outcome.Status)
	}
	return claimed, processed, nil
}

// unprocessedAlerts reads the newest batch of alerts whose ids have no claim
// record.
func (w *Watcher) unprocessedAlerts(ctx context.Context) ([]map[string]any, error) {
	batch := w.coordinator.cfg.AlertBatchSize

	result, err := w.store.Search(ctx, store.IndexAlerts, store.SearchRequest{
		Query: map[string]any{
			"bool": map[string]any{
				"must_not": []map[string]any{
					{"exists": map[string]any{"field": "disposition"}},
				},
			},
		},
		Sort: []map[string]any{{"@timestamp": map[string]any{"order": "desc"}}},
		Size: batch * 2,
	})
	if err != nil {
		return nil, fmt.Errorf("reading alerts: %w", err)
	}

	var out []map[string]any
	for _, hit := range result.Hits {
		alertID := getString(hit.Source, "alert_id")
		if alertID == "" {
			continue
		}
		if _, err := w.store.Get(ctx, store.IndexAlertClaims, alertID); err == nil {
			continue // already claimed
		} else if !errors.Is(err, store.ErrNotFound) {
			return nil, fmt.Errorf("checking claim for %s: %w", alertID, err)
		}
		out = append(out, hit.Source)
		if len(out) >= batch {
			break
		}
	}
	return out, nil
}

// claim attempts the create-only claim write. Create success means this
// watcher won; AlreadyExists means another watcher did.
func (w *Watcher) claim(ctx context.Context, alertID string) (bool, error) {
	err := w.store.Create(ctx, store.IndexAlertClaims, alertID, map[string]any{
		"alert_id":   alertID,
		"claimed_at": time.Now().UTC().Format(time.RFC3339Nano),
	}, store.WithRefreshWait())
	if err == nil {
		return true, nil
	}
	if errors.Is(err, store.ErrAlreadyExists) {
		return false, nil
	}
	return false, fmt.Errorf("claiming alert %s: %w", alertID, err)
}

// markProcessed stamps the claim record. Best-effort.
func (w *Watcher) markProcessed(alertID string, orchErr error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	doc, err := w.store.Get(ctx, store.IndexAlertClaims, alertID)
	if err != nil {
		return
	}
	patch := map[string]any{"processed_at": time.Now().UTC().Format(time.RFC3339Nano)}
	if orchErr != nil {
		patch["error"] = orchErr.Error()
	}
	if err := w.store.Update(ctx, store.IndexAlertClaims, alertID, patch, doc.SeqNo, doc.PrimaryTerm); err != nil {
		w.logger.Warn("Failed to mark claim processed", "alert_id", alertID, "error", err)
	}
}

// writeTelemetry emits one record per poll cycle. Best-effort.
func (w *Watcher) writeTelemetry(claimed, processed int, elapsed time.Duration, pollErr error) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		doc := map[string]any{
			"component":  "alert-watcher",
			"claimed":    claimed,
			"processed":  processed,
			"elapsed_ms": elapsed.Milliseconds(),
			"@timestamp": time.Now().UTC().Format(time.RFC3339Nano),
		}
		if pollErr != nil {
			doc["error"] = pollErr.Error()
		}
		if _, err := w.store.Index(ctx, store.IndexAgentTelemetry, "", doc); err != nil {
			w.logger.Warn("Failed to write poll telemetry", "error", err)
		}
	}()
}

func (w *Watcher) sleep(stopCh chan struct{}, d time.Duration) {
	select {
	case <-stopCh:
	case <-time.After(d):
	}
}
