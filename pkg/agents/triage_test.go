package agents

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arome3/vigil/pkg/audit"
	"github.com/arome3/vigil/pkg/bus"
	"github.com/arome3/vigil/pkg/config"
	"github.com/arome3/vigil/pkg/store"
	"github.com/arome3/vigil/pkg/store/memstore"
	"github.com/arome3/vigil/pkg/tools"
)

func testDeps(t *testing.T, st *memstore.Store) Deps {
	t.Helper()
	cfg := config.Default()
	cfg.TriageDeadline = 2 * time.Second
	return Deps{
		Store: st,
		Tools: newTestRegistry(t, st),
		Bus:   bus.New(),
		Cfg:   cfg,
		Audit: audit.NewRecorder(st),
	}
}

func newTestRegistry(t *testing.T, st *memstore.Store) *tools.Registry {
	t.Helper()
	reg := tools.NewRegistry(st, nil)
	defs := []*tools.Definition{
		{
			ID: "alert-enrichment", RetrievalStrategy: tools.StrategyESQL,
			Configuration: &tools.Configuration{
				Query: "FROM vigil-alerts-* | WHERE rule_id == ?rule_id | STATS corroborating_events = COUNT(*)",
				Params: map[string]tools.ParamSpec{
					"alert_id": {Type: tools.ParamKeyword},
					"rule_id":  {Type: tools.ParamKeyword, Required: true},
				},
			},
		},
		{
			ID: "historical-fp-rate", RetrievalStrategy: tools.StrategyESQL,
			Configuration: &tools.Configuration{
				Query: "FROM vigil-learnings | WHERE rule_id == ?rule_id | STATS fp_rate = AVG(was_false_positive)",
				Params: map[string]tools.ParamSpec{
					"rule_id": {Type: tools.ParamKeyword, Required: true},
				},
			},
		},
		{
			ID: "asset-criticality", RetrievalStrategy: tools.StrategyKeyword,
			Index:        store.IndexAssets,
			QueryFields:  []string{"asset_id", "name"},
			ResultFields: []string{"asset_id", "tier", "criticality_score"},
			MaxResults:   1,
		},
	}
	for _, def := range defs {
		require.NoError(t, reg.Add(def))
	}
	return reg
}

func seedTriageSignals(t *testing.T, st *memstore.Store, corroborating float64, fpRate float64, criticality float64) {
	t.Helper()
	st.HandleESQL("corroborating_events", func(query string, params []store.ESQLParam) (*store.ESQLResult, error) {
		return &store.ESQLResult{
			Columns: []store.ESQLColumn{{Name: "corroborating_events", Type: "long"}},
			Values:  [][]any{{corroborating}},
		}, nil
	})
	st.HandleESQL("fp_rate", func(query string, params []store.ESQLParam) (*store.ESQLResult, error) {
		return &store.ESQLResult{
			Columns: []store.ESQLColumn{{Name: "fp_rate", Type: "double"}},
			Values:  [][]any{{fpRate}},
		}, nil
	})
	_, err := st.Index(context.Background(), store.IndexAssets, "api-gateway", map[string]any{
		"asset_id": "api-gateway", "name": "api-gateway",
		"tier": "tier-1", "criticality_score": criticality,
	})
	require.NoError(t, err)
}

func TestTriageHighPriorityAlert(t *testing.T) {
	st := memstore.New()
	seedTriageSignals(t, st, 5, 0.05, 0.95)
	triage := NewTriage(testDeps(t, st))

	response, err := triage.Handle(context.Background(), map[string]any{
		"task": "triage_alert",
		"alert": map[string]any{
			"alert_id":          "A-001",
			"rule_id":           "sec-brute-force",
			"severity_original": "high",
			"affected_asset_id": "api-gateway",
		},
	})
	require.NoError(t, err)

	score, _ := response["priority_score"].(float64)
	// severity 0.8·0.35 + criticality 0.95·0.30 + corroboration 1.0·0.20 +
	// clearance 0.95·0.15 = 0.9075
	assert.InDelta(t, 0.9075, score, 0.0001)
	assert.Equal(t, "investigate", response["disposition"])
	assert.Equal(t, "high", response["severity"])
}

func TestTriageSuppressesNoise(t *testing.T) {
	st := memstore.New()
	seedTriageSignals(t, st, 0, 0.9, 0.1)
	triage := NewTriage(testDeps(t, st))

	response, err := triage.Handle(context.Background(), map[string]any{
		"task": "triage_alert",
		"alert": map[string]any{
			"alert_id":          "A-002",
			"rule_id":           "sec-port-scan",
			"severity_original": "low",
			"affected_asset_id": "api-gateway",
		},
	})
	require.NoError(t, err)

	score, _ := response["priority_score"].(float64)
	assert.Less(t, score, 0.4)
	assert.Equal(t, "suppress", response["disposition"])
}

func TestTriageUsesDefaultsWhenSignalsUnavailable(t *testing.T) {
	st := memstore.New()
	// No ESQL handlers and no asset document: every lookup yields nothing.
	triage := NewTriage(testDeps(t, st))

	response, err := triage.Handle(context.Background(), map[string]any{
		"task": "triage_alert",
		"alert": map[string]any{
			"alert_id":          "A-003",
			"rule_id":           "sec-unknown",
			"severity_original": "medium",
		},
	})
	require.NoError(t, err)

	score, _ := response["priority_score"].(float64)
	assert.Greater(t, score, 0.0)
	assert.LessOrEqual(t, score, 1.0)
	assert.Contains(t, []any{"investigate", "monitor", "suppress"}, response["disposition"])
}

func TestTriageUsesLiveWeights(t *testing.T) {
	st := memstore.New()
	seedTriageSignals(t, st, 5, 0.0, 1.0)
	// Stored weights put everything on severity: score collapses to the
	// severity signal.
	_, err := st.Index(context.Background(), store.IndexLearnings, "triage-weights", map[string]any{
		"weights": map[string]any{
			"severity":          1.0,
			"asset_criticality": 0.0,
			"corroboration":     0.0,
			"fp_clearance":      0.0,
		},
	})
	require.NoError(t, err)

	triage := NewTriage(testDeps(t, st))
	response, err := triage.Handle(context.Background(), map[string]any{
		"task": "triage_alert",
		"alert": map[string]any{
			"alert_id":          "A-004",
			"rule_id":           "sec-brute-force",
			"severity_original": "high",
			"affected_asset_id": "api-gateway",
		},
	})
	require.NoError(t, err)
	score, _ := response["priority_score"].(float64)
	assert.InDelta(t, 0.8, score, 0.0001)
}

func TestTriageRejectsMalformedRequest(t *testing.T) {
	st := memstore.New()
	triage := NewTriage(testDeps(t, st))

	_, err := triage.Handle(context.Background(), map[string]any{"task": "triage_alert"})
	assert.Error(t, err)

	_, err = triage.Handle(context.Background(), map[string]any{
		"task":  "wrong_task",
		"alert": map[string]any{"alert_id": "A-001"},
	})
	assert.Error(t, err)
}

func TestTriageWritesBackAlertFields(t *testing.T) {
	st := memstore.New()
	seedTriageSignals(t, st, 5, 0.05, 0.95)
	_, err := st.Index(context.Background(), "vigil-alerts-default", "A-001", map[string]any{"alert_id": "A-001"})
	require.NoError(t, err)

	triage := NewTriage(testDeps(t, st))
	_, err = triage.Handle(context.Background(), map[string]any{
		"task": "triage_alert",
		"alert": map[string]any{
			"alert_id":          "A-001",
			"rule_id":           "sec-brute-force",
			"severity_original": "high",
			"affected_asset_id": "api-gateway",
		},
	})
	require.NoError(t, err)

	// The write-back is detached; give it a moment.
	assert.Eventually(t, func() bool {
		doc, err := st.Get(context.Background(), store.IndexAlerts, "A-001")
		if err != nil {
			return false
		}
		_, ok := doc.Source["disposition"]
		return ok
	}, 2*time.Second, 10*time.Millisecond)
}
