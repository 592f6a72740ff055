package analyst

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/arome3/vigil/pkg/async"
	"github.com/arome3/vigil/pkg/config"
	"github.com/arome3/vigil/pkg/store"
)

// minBatchInterval is the tightest cadence the batch scheduler accepts.
const minBatchInterval = 5 * time.Minute

// BatchScheduler runs the analyst's calibration batch on a cron schedule.
type BatchScheduler struct {
	analyst *Analyst
	cron    *cron.Cron
	logger  *slog.Logger
	entry   cron.EntryID
}

// NewBatchScheduler validates the schedule and prepares the cron runner.
func NewBatchScheduler(a *Analyst, schedule string) (*BatchScheduler, error) {
	if err := ValidateSchedule(schedule); err != nil {
		return nil, err
	}

	s := &BatchScheduler{
		analyst: a,
		cron:    cron.New(),
		logger:  slog.Default().With("component", "analyst-batch"),
	}
	entry, err := s.cron.AddFunc(schedule, func() {
		ctx, cancel := context.WithTimeout(context.Background(), a.cfg.BatchDeadline+time.Minute)
		defer cancel()
		if err := a.RunBatch(ctx); err != nil {
			s.logger.Error("Batch run failed", "error", err)
		}
	})
	if err != nil {
		return nil, fmt.Errorf("scheduling batch: %w", err)
	}
	s.entry = entry
	return s, nil
}

// Start begins the cron schedule.
func (s *BatchScheduler) Start() { s.cron.Start() }

// Stop halts scheduling and waits for a running batch to finish.
func (s *BatchScheduler) Stop() {
	<-s.cron.Stop().Done()
}

// ValidateSchedule parses the cron expression and refuses schedules that
// fire more often than every five minutes.
func ValidateSchedule(schedule string) error {
	spec, err := cron.ParseStandard(schedule)
	if err != nil {
		return fmt.Errorf("invalid cron expression %q: %w", schedule, err)
	}
	ref := time.Date(2026, 1, 5, 0, 0, 0, 0, time.UTC)
	first := spec.Next(ref)
	second := spec.Next(first)
	if second.Sub(first) < minBatchInterval {
		return fmt.Errorf("cron expression %q fires more often than every %v", schedule, minBatchInterval)
	}
	return nil
}

// RunBatch executes weight calibration, threshold tuning, and pattern
// discovery in parallel, each sharing the batch deadline.
func (a *Analyst) RunBatch(ctx context.Context) error {
	started := a.now()
	results := async.PartialRace(ctx, a.cfg.BatchDeadline, []async.Task[string]{
		{Label: "weight_calibration", Run: a.calibrateWeights},
		{Label: "threshold_tuning", Run: a.tuneThresholds},
		{Label: "pattern_discovery", Run: a.discoverPatterns},
	})

	status := map[string]any{
		"type":       "batch_run",
		"started_at": started.UTC().Format(time.RFC3339Nano),
		"elapsed_ms": a.now().Sub(started).Milliseconds(),
	}
	var firstErr error
	for label, settled := range results {
		if settled.Err != nil {
			status[label] = "failed: " + settled.Err.Error()
			if firstErr == nil {
				firstErr = fmt.Errorf("%s: %w", label, settled.Err)
			}
			continue
		}
		status[label] = settled.Value
	}
	if _, err := a.store.Index(ctx, store.IndexAnalystStatus, "", status); err != nil {
		a.logger.Warn("Failed to write batch status", "error", err)
	}
	return firstErr
}

// calibrateWeights derives a triage weight set from outcomes, starting from
// the default set on every run: with at least 10 resolved-or-escalated
// incidents and an escalation share above 0.3, it shifts 0.05 from
// corroboration to asset criticality; otherwise the defaults are published
// unchanged.
func (a *Analyst) calibrateWeights(ctx context.Context) (string, error) {
	resolved, err := a.countByResolution(ctx, "auto_resolved")
	if err != nil {
		return "", err
	}
	escalated, err := a.countByResolution(ctx, "escalated")
	if err != nil {
		return "", err
	}
	total := resolved + escalated
	if total < 10 {
		return "insufficient data", nil
	}

	weights := config.DefaultTriageWeights()
	escalationShare := float64(escalated) / float64(total)
	if escalationShare > 0.3 {
		shift := 0.05
		if weights.Corroboration >= shift {
			weights.Corroboration -= shift
			weights.AssetCriticality += shift
		}
	}
	if !weights.Valid() {
		return "", fmt.Errorf("calibrated weights do not sum to 1.0")
	}

	doc := map[string]any{
		"type": "triage_weights",
		"weights": map[string]any{
			"severity":          weights.Severity,
			"asset_criticality": weights.AssetCriticality,
			"corroboration":     weights.Corroboration,
			"fp_clearance":      weights.FPClearance,
		},
		"basis": map[string]any{"resolved": resolved, "escalated": escalated},
		"@timestamp": a.now().UTC().Format(time.RFC3339Nano),
	}
	if _, err := a.store.Index(ctx, store.IndexLearnings, "triage-weights", doc); err != nil {
		return "", fmt.Errorf("writing weights: %w", err)
	}
	return "calibrated", nil
}

// tuneThresholds reports the observed score distribution at the suppress
// boundary so operators can adjust the threshold.
func (a *Analyst) tuneThresholds(ctx context.Context) (string, error) {
	suppressed, err := a.countByResolution(ctx, "suppressed")
	if err != nil {
		return "", err
	}
	resolved, err := a.countByResolution(ctx, "auto_resolved")
	if err != nil {
		return "", err
	}

	doc := map[string]any{
		"type":              "threshold_observation",
		"suppressed_count":  suppressed,
		"resolved_count":    resolved,
		"current_threshold": a.cfg.TriageSuppressThreshold,
		"@timestamp":        a.now().UTC().Format(time.RFC3339Nano),
	}
	if _, err := a.store.Index(ctx, store.IndexLearnings, "threshold-tuning", doc); err != nil {
		return "", fmt.Errorf("writing threshold observation: %w", err)
	}
	return "observed", nil
}

// discoverPatterns groups recent incidents by rule to surface repeat
// offenders.
func (a *Analyst) discoverPatterns(ctx context.Context) (string, error) {
	result, err := a.store.Search(ctx, store.IndexIncidents, store.SearchRequest{
		Query: map[string]any{"match_all": map[string]any{}},
		Size:  500,
	})
	if err != nil {
		return "", err
	}

	byRule := map[string]int{}
	for _, hit := range result.Hits {
		alert, _ := hit.Source["alert"].(map[string]any)
		if alert == nil {
			continue
		}
		if rule, _ := alert["rule_id"].(string); rule != "" {
			byRule[rule]++
		}
	}

	patterns := 0
	for rule, count := range byRule {
		if count < 3 {
			continue
		}
		patterns++
		doc := map[string]any{
			"type":       "pattern",
			"rule_id":    rule,
			"count":      count,
			"@timestamp": a.now().UTC().Format(time.RFC3339Nano),
		}
		if _, err := a.store.Index(ctx, store.IndexLearnings, "pattern-"+rule, doc); err != nil {
			return "", fmt.Errorf("writing pattern for %s: %w", rule, err)
		}
	}
	return fmt.Sprintf("%d patterns", patterns), nil
}

func (a *Analyst) countByResolution(ctx context.Context, resolutionType string) (int, error) {
	result, err := a.store.Search(ctx, store.IndexIncidents, store.SearchRequest{
		Query: map[string]any{"term": map[string]any{"resolution_type": resolutionType}},
		Size:  0,
	})
	if err != nil {
		return 0, err
	}
	return int(result.Total), nil
}
