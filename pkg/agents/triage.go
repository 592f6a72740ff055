package agents

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/arome3/vigil/pkg/async"
	"github.com/arome3/vigil/pkg/config"
	"github.com/arome3/vigil/pkg/contract"
	"github.com/arome3/vigil/pkg/store"
	"github.com/arome3/vigil/pkg/tools"
)

// Tool ids consumed by triage.
const (
	toolAlertEnrichment  = "alert-enrichment"
	toolHistoricalFPRate = "historical-fp-rate"
	toolAssetCriticality = "asset-criticality"
)

// Triage scores an alert and derives its disposition. Three signal lookups
// run in parallel against the triage deadline; whatever finished contributes
// to the weighted priority score, defaults cover the rest.
type Triage struct {
	deps   Deps
	logger *slog.Logger
}

// NewTriage creates the triage worker.
func NewTriage(deps Deps) *Triage {
	return &Triage{deps: deps, logger: slog.Default().With("agent", "triage")}
}

// Handle processes a triage_alert request.
func (t *Triage) Handle(ctx context.Context, payload map[string]any) (map[string]any, error) {
	if err := contract.Validate(contract.TriageRequest, payload); err != nil {
		return nil, err
	}
	alert := getMap(payload, "alert")
	alertID := getString(alert, "alert_id")
	severity := getString(alert, "severity_original")
	if severity == "" {
		severity = getString(alert, "severity")
	}

	results := async.PartialRace(ctx, t.deps.Cfg.TriageDeadline, []async.Task[*tools.Result]{
		{Label: "enrichment", Run: func(c context.Context) (*tools.Result, error) {
			return t.deps.Tools.Execute(c, toolAlertEnrichment, map[string]any{
				"alert_id": alertID,
				"rule_id":  getString(alert, "rule_id"),
			})
		}},
		{Label: "fp_rate", Run: func(c context.Context) (*tools.Result, error) {
			return t.deps.Tools.Execute(c, toolHistoricalFPRate, map[string]any{
				"rule_id": getString(alert, "rule_id"),
			})
		}},
		{Label: "criticality", Run: func(c context.Context) (*tools.Result, error) {
			return t.deps.Tools.Execute(c, toolAssetCriticality, map[string]any{
				"query": getString(alert, "affected_asset_id"),
			})
		}},
	})

	// Columnar rows are extracted by column name, never positionally.
	corroboration := 0.0
	if r := results["enrichment"]; r.Fulfilled {
		if count, ok := firstFloat(r.Value, "corroborating_events"); ok && count > 0 {
			corroboration = 1.0
			if count < 3 {
				corroboration = 0.6
			}
		}
	} else {
		t.logger.Warn("Alert enrichment unavailable, using default corroboration",
			"alert_id", alertID, "error", results["enrichment"].Err)
	}

	fpRate := 0.0
	if r := results["fp_rate"]; r.Fulfilled {
		if rate, ok := firstFloat(r.Value, "fp_rate"); ok {
			fpRate = clampUnit(rate)
		}
	}

	criticality := 0.5
	var assetTier string
	if r := results["criticality"]; r.Fulfilled && len(r.Value.Hits) > 0 {
		hit := r.Value.Hits[0]
		criticality = clampUnit(getFloat(hit, "criticality_score"))
		assetTier = getString(hit, "tier")
	}

	weights := t.liveWeights(ctx)
	score := clampUnit(weights.Severity*severityScore(severity) +
		weights.AssetCriticality*criticality +
		weights.Corroboration*corroboration +
		weights.FPClearance*(1.0-fpRate))

	disposition := "monitor"
	switch {
	case score >= t.deps.Cfg.TriageInvestigateThreshold:
		disposition = "investigate"
	case score < t.deps.Cfg.TriageSuppressThreshold:
		disposition = "suppress"
	}

	response := map[string]any{
		"alert_id":       alertID,
		"priority_score": score,
		"disposition":    disposition,
		"severity":       severity,
		"signals": map[string]any{
			"severity_score":    severityScore(severity),
			"asset_criticality": criticality,
			"asset_tier":        assetTier,
			"corroboration":     corroboration,
			"fp_rate":           fpRate,
		},
	}
	if err := selfValidate(t.logger, contract.TriageResponse, response); err != nil {
		return nil, err
	}

	t.writeBackAlert(alertID, score, disposition)
	return response, nil
}

// liveWeights reads the current weight set from the learnings index,
// falling back to built-in defaults when absent or invalid. The Analyst's
// calibration batch owns the stored document.
func (t *Triage) liveWeights(ctx context.Context) config.TriageWeights {
	doc, err := t.deps.Store.Get(ctx, store.IndexLearnings, "triage-weights")
	if err != nil {
		return config.DefaultTriageWeights()
	}
	raw, err := json.Marshal(doc.Source["weights"])
	if err != nil {
		return config.DefaultTriageWeights()
	}
	var weights config.TriageWeights
	if err := json.Unmarshal(raw, &weights); err != nil || !weights.Valid() {
		t.logger.Warn("Stored triage weights invalid, using defaults")
		return config.DefaultTriageWeights()
	}
	return weights
}

// writeBackAlert annotates the source alert document by query. Non-fatal:
// runs detached and only logs on failure.
func (t *Triage) writeBackAlert(alertID string, score float64, disposition string) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		err := t.deps.Store.UpdateByQuery(ctx, store.IndexAlerts,
			map[string]any{"term": map[string]any{"alert_id": alertID}},
			store.Script{
				Source: "ctx._source.priority_score = params.score; ctx._source.disposition = params.disposition; ctx._source.triaged_at = params.triaged_at",
				Params: map[string]any{
					"score":       score,
					"disposition": disposition,
					"triaged_at":  time.Now().UTC().Format(time.RFC3339Nano),
				},
			})
		if err != nil {
			t.logger.Warn("Failed to write triage fields back to alert",
				"alert_id", alertID, "error", err)
		}
	}()
}

func clampUnit(f float64) float64 {
	if f < 0 {
		return 0
	}
	if f > 1 {
		return 1
	}
	return f
}
