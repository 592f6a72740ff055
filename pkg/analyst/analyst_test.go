package analyst

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arome3/vigil/pkg/audit"
	"github.com/arome3/vigil/pkg/config"
	"github.com/arome3/vigil/pkg/incident"
	"github.com/arome3/vigil/pkg/store"
	"github.com/arome3/vigil/pkg/store/memstore"
	"github.com/arome3/vigil/pkg/tools"
)

func analystFixture(t *testing.T) (*Analyst, *memstore.Store) {
	t.Helper()
	st := memstore.New()
	cfg := config.Default()
	cfg.AnalystDeadline = 2 * time.Second
	cfg.BatchDeadline = 2 * time.Second
	a := New(st, tools.NewRegistry(st, nil), audit.NewRecorder(st), cfg, nil)
	return a, st
}

func resolvedIncident(id string) *incident.Incident {
	return &incident.Incident{
		IncidentID:           id,
		Status:               incident.StatusResolved,
		Severity:             "high",
		PriorityScore:        0.9,
		ResolutionType:       "auto_resolved",
		InvestigationSummary: "credential stuffing contained",
		AffectedServices:     []string{"api-gateway"},
		RemediationPlan: map[string]any{
			"runbook_used": "",
			"actions": []any{
				map[string]any{"order": 1, "action_type": "containment", "description": "block ip"},
			},
		},
		VerificationResults: []map[string]any{{"passed": true, "health_score": 0.95}},
		CreatedAt:           time.Now().UTC().Format(time.RFC3339Nano),
	}
}

func TestRetrospectiveWritten(t *testing.T) {
	a, st := analystFixture(t)
	a.OnIncidentTerminal(context.Background(), resolvedIncident("INC-2026-ana01"))

	assert.Eventually(t, func() bool {
		for _, doc := range st.Docs(store.IndexLearnings) {
			if doc["type"] == "retrospective" && doc["incident_id"] == "INC-2026-ana01" {
				return true
			}
		}
		return false
	}, 2*time.Second, 10*time.Millisecond)
}

func TestDedupGuardSuppressesReprocessing(t *testing.T) {
	a, st := analystFixture(t)
	inc := resolvedIncident("INC-2026-ana02")

	a.OnIncidentTerminal(context.Background(), inc)
	a.OnIncidentTerminal(context.Background(), inc)

	count := 0
	for _, doc := range st.Docs(store.IndexLearnings) {
		if doc["type"] == "retrospective" && doc["incident_id"] == "INC-2026-ana02" {
			count++
		}
	}
	assert.Equal(t, 1, count)
}

func TestDedupGuardExpires(t *testing.T) {
	a, _ := analystFixture(t)
	current := time.Now()
	a.now = func() time.Time { return current }

	assert.True(t, a.claimIncident("INC-2026-ana03"))
	assert.False(t, a.claimIncident("INC-2026-ana03"))

	current = current.Add(dedupTTL + time.Second)
	assert.True(t, a.claimIncident("INC-2026-ana03"))
}

func TestRunbookGenerationConditions(t *testing.T) {
	a, _ := analystFixture(t)

	clean := resolvedIncident("INC-1")
	assert.True(t, a.shouldGenerateRunbook(clean))

	reflected := resolvedIncident("INC-2")
	reflected.ReflectionCount = 1
	assert.False(t, a.shouldGenerateRunbook(reflected))

	usedRunbook := resolvedIncident("INC-3")
	usedRunbook.RemediationPlan["runbook_used"] = "rb-existing"
	assert.False(t, a.shouldGenerateRunbook(usedRunbook))

	lowHealth := resolvedIncident("INC-4")
	lowHealth.VerificationResults = []map[string]any{{"passed": true, "health_score": 0.7}}
	assert.False(t, a.shouldGenerateRunbook(lowHealth))

	escalated := resolvedIncident("INC-5")
	escalated.Status = incident.StatusEscalated
	assert.False(t, a.shouldGenerateRunbook(escalated))
}

func TestRunbookWritten(t *testing.T) {
	a, st := analystFixture(t)
	a.OnIncidentTerminal(context.Background(), resolvedIncident("INC-2026-ana06"))

	assert.Eventually(t, func() bool {
		return st.Count(store.IndexRunbooks) == 1
	}, 2*time.Second, 10*time.Millisecond)

	doc := st.Docs(store.IndexRunbooks)[0]
	assert.Equal(t, "rb-INC-2026-ana06", doc["runbook_id"])
	assert.Equal(t, "analyst", doc["source"])
}

func TestValidateSchedule(t *testing.T) {
	tests := []struct {
		schedule string
		wantErr  bool
	}{
		{"0 2 * * *", false},       // daily at 02:00
		{"*/30 * * * *", false},    // every 30 minutes
		{"*/5 * * * *", false},     // exactly every 5 minutes
		{"*/2 * * * *", true},      // every 2 minutes: too often
		{"* * * * *", true},        // every minute: too often
		{"not a cron", true},       // unparsable
		{"61 * * * *", true},       // invalid minute
	}
	for _, tt := range tests {
		t.Run(tt.schedule, func(t *testing.T) {
			err := ValidateSchedule(tt.schedule)
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestBatchRunWritesStatus(t *testing.T) {
	a, st := analystFixture(t)
	require.NoError(t, a.RunBatch(context.Background()))
	assert.Equal(t, 1, st.Count(store.IndexAnalystStatus))
}

func TestCalibrationRequiresData(t *testing.T) {
	a, st := analystFixture(t)
	out, err := a.calibrateWeights(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "insufficient data", out)
	assert.Equal(t, 0, st.Count(store.IndexLearnings))
}

func TestCalibrationShiftsWeightsUnderHighEscalation(t *testing.T) {
	a, st := analystFixture(t)
	ctx := context.Background()
	for i := 0; i < 6; i++ {
		_, err := st.Index(ctx, store.IndexIncidents, "", map[string]any{"resolution_type": "auto_resolved"})
		require.NoError(t, err)
	}
	for i := 0; i < 6; i++ {
		_, err := st.Index(ctx, store.IndexIncidents, "", map[string]any{"resolution_type": "escalated"})
		require.NoError(t, err)
	}

	out, err := a.calibrateWeights(ctx)
	require.NoError(t, err)
	assert.Equal(t, "calibrated", out)

	doc, err := st.Get(ctx, store.IndexLearnings, "triage-weights")
	require.NoError(t, err)
	weights := doc.Source["weights"].(map[string]any)
	defaults := config.DefaultTriageWeights()
	assert.Less(t, weights["corroboration"].(float64), defaults.Corroboration)
	assert.Greater(t, weights["asset_criticality"].(float64), defaults.AssetCriticality)
}

func TestPatternDiscovery(t *testing.T) {
	a, st := analystFixture(t)
	ctx := context.Background()
	for i := 0; i < 4; i++ {
		_, err := st.Index(ctx, store.IndexIncidents, "", map[string]any{
			"alert": map[string]any{"rule_id": "sec-brute-force"},
		})
		require.NoError(t, err)
	}
	_, err := st.Index(ctx, store.IndexIncidents, "", map[string]any{
		"alert": map[string]any{"rule_id": "sec-one-off"},
	})
	require.NoError(t, err)

	out, err := a.discoverPatterns(ctx)
	require.NoError(t, err)
	assert.Equal(t, "1 patterns", out)

	doc, err := st.Get(ctx, store.IndexLearnings, "pattern-sec-brute-force")
	require.NoError(t, err)
	assert.Equal(t, float64(4), doc.Source["count"])
}
