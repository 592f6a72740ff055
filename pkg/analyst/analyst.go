// Package analyst runs post-incident learning: a per-incident retrospective
// (and conditional runbook generation) triggered by terminal transitions,
// and a cron-scheduled batch for weight calibration, threshold tuning, and
// pattern discovery.
package analyst

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/arome3/vigil/pkg/async"
	"github.com/arome3/vigil/pkg/audit"
	"github.com/arome3/vigil/pkg/config"
	"github.com/arome3/vigil/pkg/incident"
	"github.com/arome3/vigil/pkg/store"
	"github.com/arome3/vigil/pkg/tools"
)

// dedupTTL is how long a processed incident id suppresses re-processing.
const dedupTTL = 60 * time.Second

// runbookSimilarityBar is the content-vector similarity above which a
// generated runbook is considered a duplicate of an existing one.
const runbookSimilarityBar = 0.9

// Analyst is the learning agent.
type Analyst struct {
	store    store.Store
	tools    *tools.Registry
	audit    *audit.Recorder
	cfg      *config.Config
	embedder tools.Embedder
	logger   *slog.Logger
	now      func() time.Time

	mu       sync.Mutex
	recently map[string]time.Time
}

// New creates the analyst. embedder may be nil (runbook dedup then falls
// back to id-based matching).
func New(s store.Store, reg *tools.Registry, rec *audit.Recorder, cfg *config.Config, embedder tools.Embedder) *Analyst {
	return &Analyst{
		store:    s,
		tools:    reg,
		audit:    rec,
		cfg:      cfg,
		embedder: embedder,
		logger:   slog.Default().With("component", "analyst"),
		now:      time.Now,
		recently: make(map[string]time.Time),
	}
}

// OnIncidentTerminal is the state machine's terminal hook: retrospective
// plus conditional runbook generation, raced against the analyst deadline.
func (a *Analyst) OnIncidentTerminal(ctx context.Context, inc *incident.Incident) {
	if !a.claimIncident(inc.IncidentID) {
		a.logger.Info("Incident recently analyzed, skipping", "incident_id", inc.IncidentID)
		return
	}

	results := async.PartialRace(ctx, a.cfg.AnalystDeadline, []async.Task[string]{
		{Label: "retrospective", Run: func(c context.Context) (string, error) {
			return a.retrospective(c, inc)
		}},
		{Label: "runbook", Run: func(c context.Context) (string, error) {
			if !a.shouldGenerateRunbook(inc) {
				return "skipped", nil
			}
			return a.generateRunbook(c, inc)
		}},
	})

	for label, settled := range results {
		if settled.Err != nil {
			a.logger.Warn("Analyst task failed",
				"incident_id", inc.IncidentID, "task", label, "error", settled.Err)
		}
	}
}

// claimIncident returns true when the incident has not been analyzed within
// the TTL. The map is pruned on every access; single-writer, so a plain
// mutex suffices.
func (a *Analyst) claimIncident(incidentID string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()

	now := a.now()
	for id, seen := range a.recently {
		if now.Sub(seen) > dedupTTL {
			delete(a.recently, id)
		}
	}
	if _, seen := a.recently[incidentID]; seen {
		return false
	}
	a.recently[incidentID] = now
	return true
}

// retrospective assembles the incident's audit trail into a learning record.
func (a *Analyst) retrospective(ctx context.Context, inc *incident.Incident) (string, error) {
	records, err := a.audit.ForIncident(ctx, inc.IncidentID)
	if err != nil {
		return "", fmt.Errorf("loading audit trail: %w", err)
	}

	transitions := 0
	actionsRun := 0
	actionsFailed := 0
	for _, rec := range records {
		switch rec.ActionType {
		case "state_transition":
			transitions++
		case "plan_action":
			actionsRun++
			if rec.ExecutionStatus == audit.StatusFailed {
				actionsFailed++
			}
		}
	}

	doc := map[string]any{
		"type":                   "retrospective",
		"incident_id":            inc.IncidentID,
		"resolution_type":        inc.ResolutionType,
		"severity":               inc.Severity,
		"priority_score":         inc.PriorityScore,
		"reflection_count":       inc.ReflectionCount,
		"transitions":            transitions,
		"actions_run":            actionsRun,
		"actions_failed":         actionsFailed,
		"total_duration_seconds": inc.TotalDurationSeconds,
		"escalation_triggered":   inc.EscalationTriggered,
		"escalation_reason":      inc.EscalationReason,
		"investigation_summary":  inc.InvestigationSummary,
		"@timestamp":             a.now().UTC().Format(time.RFC3339Nano),
	}
	if _, err := a.store.Index(ctx, store.IndexLearnings, "", doc); err != nil {
		return "", fmt.Errorf("writing retrospective: %w", err)
	}
	return "written", nil
}

// shouldGenerateRunbook: only clean first-pass resolutions with no matched
// runbook become new runbooks.
func (a *Analyst) shouldGenerateRunbook(inc *incident.Incident) bool {
	if inc.Status != incident.StatusResolved || inc.ReflectionCount != 0 {
		return false
	}
	if inc.RemediationPlan == nil {
		return false
	}
	if used, _ := inc.RemediationPlan["runbook_used"].(string); used != "" {
		return false
	}
	return a.lastHealthScore(inc) >= 0.8
}

func (a *Analyst) lastHealthScore(inc *incident.Incident) float64 {
	if len(inc.VerificationResults) == 0 {
		return 0
	}
	last := inc.VerificationResults[len(inc.VerificationResults)-1]
	switch v := last["health_score"].(type) {
	case float64:
		return v
	case int:
		return float64(v)
	}
	return 0
}

// generateRunbook derives a reusable runbook from the incident's plan,
// deduplicating against existing runbooks by content-vector similarity.
func (a *Analyst) generateRunbook(ctx context.Context, inc *incident.Incident) (string, error) {
	summary := inc.InvestigationSummary
	if summary == "" {
		summary = "resolved incident " + inc.IncidentID
	}

	if a.embedder != nil {
		if dup, err := a.isDuplicateRunbook(ctx, summary); err != nil {
			a.logger.Warn("Runbook similarity check failed, writing anyway",
				"incident_id", inc.IncidentID, "error", err)
		} else if dup {
			return "duplicate", nil
		}
	}

	doc := map[string]any{
		"runbook_id":   "rb-" + inc.IncidentID,
		"title":        "Auto-generated: " + summary,
		"services":     inc.AffectedServices,
		"steps":        inc.RemediationPlan["actions"],
		"source":       "analyst",
		"success_rate": 1.0,
		"uses":         1,
		"created_at":   a.now().UTC().Format(time.RFC3339Nano),
	}
	if _, err := a.store.Index(ctx, store.IndexRunbooks, "rb-"+inc.IncidentID, doc); err != nil {
		return "", fmt.Errorf("writing runbook: %w", err)
	}
	a.logger.Info("Runbook generated", "incident_id", inc.IncidentID)
	return "written", nil
}

func (a *Analyst) isDuplicateRunbook(ctx context.Context, summary string) (bool, error) {
	vector, err := a.embedder.Embed(ctx, summary)
	if err != nil {
		return false, err
	}
	result, err := a.store.Search(ctx, store.IndexRunbooks, store.SearchRequest{
		KNN: map[string]any{
			"field":          "content_vector",
			"query_vector":   vector,
			"k":              1,
			"num_candidates": 10,
		},
		Size: 1,
	})
	if err != nil {
		return false, err
	}
	return len(result.Hits) > 0 && result.Hits[0].Score >= runbookSimilarityBar, nil
}
