package e2e

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arome3/vigil/pkg/bus"
	"github.com/arome3/vigil/pkg/incident"
)

// TestSecurityHappyPath drives the brute-force alert through triage,
// investigation, threat hunt, planning, approval, execution, and
// verification to resolution.
func TestSecurityHappyPath(t *testing.T) {
	h := NewHarness(t)

	outcome, err := h.Coord.OrchestrateAlert(context.Background(), SecurityAlert())
	require.NoError(t, err)
	assert.Equal(t, "resolved", outcome.Status)

	inc := h.Incident(outcome.IncidentID)
	assert.Equal(t, incident.StatusResolved, inc.Status)
	assert.Equal(t, 0, inc.ReflectionCount)
	assert.Equal(t, "auto_resolved", inc.ResolutionType)
	assert.NotEmpty(t, inc.ResolvedAt)
	assert.GreaterOrEqual(t, inc.TotalDurationSeconds, 0.0)
	assert.Contains(t, inc.AffectedServices, "api-gateway")
	require.NotNil(t, inc.RemediationPlan)
	assert.Equal(t, "rb-bruteforce", inc.RemediationPlan["runbook_used"])

	// Timing metrics were stored on the resolving transition.
	doc, err := h.Store.Get(context.Background(), "vigil-incidents", outcome.IncidentID)
	require.NoError(t, err)
	timings, _ := doc.Source["timing_metrics"].(map[string]any)
	require.NotNil(t, timings)
	for _, key := range []string{"ttd_seconds", "tti_seconds", "ttr_seconds", "ttv_seconds", "total_seconds"} {
		assert.Contains(t, timings, key)
		assert.NotNil(t, timings[key])
	}

	// One audit row per transition, in order.
	transitions, actions := h.AuditRows(outcome.IncidentID)
	wantEdges := []string{
		"detected→triaged",
		"triaged→investigating",
		"investigating→threat_hunting",
		"threat_hunting→planning",
		"planning→awaiting_approval",
		"awaiting_approval→executing",
		"executing→verifying",
		"verifying→resolved",
	}
	require.Len(t, transitions, len(wantEdges))
	for i, rec := range transitions {
		assert.Equal(t, wantEdges[i], rec.PreviousStatus+"→"+rec.NewStatus)
		assert.Equal(t, "completed", rec.ExecutionStatus)
	}

	// Two plan actions, both completed; the containment one carries its
	// approver. Action audit rows are written from detached goroutines, so
	// wait for both.
	assert.Eventually(t, func() bool {
		_, rows := h.AuditRows(outcome.IncidentID)
		return len(rows) == 2
	}, 3*time.Second, 20*time.Millisecond)
	_, actions = h.AuditRows(outcome.IncidentID)
	require.Len(t, actions, 2)
	approved := false
	for _, rec := range actions {
		assert.Equal(t, "completed", rec.ExecutionStatus)
		if rec.ApprovalRequired {
			assert.Equal(t, "oncall", rec.ApprovedBy)
			approved = true
		}
	}
	assert.True(t, approved, "the containment action required approval")

	// Each worker saw exactly one request.
	assert.Len(t, h.SentTo(bus.AgentTriage), 1)
	assert.Len(t, h.SentTo(bus.AgentInvestigator), 1)
	assert.Len(t, h.SentTo(bus.AgentThreatHunter), 1)
	assert.Len(t, h.SentTo(bus.AgentCommander), 1)
	assert.Len(t, h.SentTo(bus.AgentExecutor), 1)
	assert.Len(t, h.SentTo(bus.AgentVerifier), 1)
}

// TestReflectionExhaustionEscalates keeps the verifier failing until the
// reflection limit escalates the incident.
func TestReflectionExhaustionEscalates(t *testing.T) {
	h := NewHarness(t)
	h.Healthy = false

	outcome, err := h.Coord.OrchestrateAlert(context.Background(), SecurityAlert())
	require.NoError(t, err)
	assert.Equal(t, "escalated", outcome.Status)
	assert.Contains(t, outcome.Reason, "reflection limit reached")

	inc := h.Incident(outcome.IncidentID)
	assert.Equal(t, incident.StatusEscalated, inc.Status)
	assert.Equal(t, 3, inc.ReflectionCount)
	assert.Equal(t, "escalated", inc.ResolutionType)
	assert.True(t, inc.EscalationTriggered)
	assert.Contains(t, inc.EscalationReason, "reflection limit reached")
	assert.NotEmpty(t, inc.VerificationResults)

	// Exactly one notification envelope reached the notify workflow.
	assert.Eventually(t, func() bool {
		return len(h.SentTo(bus.WorkflowNotify)) == 1
	}, 3*time.Second, 20*time.Millisecond)
	time.Sleep(100 * time.Millisecond)
	notifications := h.SentTo(bus.WorkflowNotify)
	require.Len(t, notifications, 1)
	assert.Equal(t, "pagerduty", notifications[0].Payload["channel"])

	// Reflections re-ran the investigator but never the threat hunter.
	assert.Len(t, h.SentTo(bus.AgentThreatHunter), 1)
	assert.Greater(t, len(h.SentTo(bus.AgentInvestigator)), 1)
}

// TestSuppressionShortCircuits stops a low-priority alert at the suppress
// gate without any investigation.
func TestSuppressionShortCircuits(t *testing.T) {
	h := NewHarness(t)

	alert := map[string]any{
		"alert_id":          "A-low",
		"rule_id":           "sec-port-scan",
		"severity_original": "low",
		"@timestamp":        time.Now().UTC().Format(time.RFC3339Nano),
	}
	outcome, err := h.Coord.OrchestrateAlert(context.Background(), alert)
	require.NoError(t, err)
	assert.Equal(t, "suppressed", outcome.Status)

	inc := h.Incident(outcome.IncidentID)
	assert.Equal(t, incident.StatusSuppressed, inc.Status)
	assert.Equal(t, "suppressed", inc.ResolutionType)
	assert.NotEmpty(t, inc.ResolvedAt)
	assert.GreaterOrEqual(t, inc.TotalDurationSeconds, 0.0)

	// Two transitions, two audit rows, and no investigator invocation.
	transitions, actions := h.AuditRows(outcome.IncidentID)
	require.Len(t, transitions, 2)
	assert.Equal(t, "detected→triaged", transitions[0].PreviousStatus+"→"+transitions[0].NewStatus)
	assert.Equal(t, "triaged→suppressed", transitions[1].PreviousStatus+"→"+transitions[1].NewStatus)
	assert.Empty(t, actions)
	assert.Empty(t, h.SentTo(bus.AgentInvestigator))
}

// TestOperationalAnomalyFlow drives a sentinel anomaly through the
// operational pipeline (threat hunt skipped).
func TestOperationalAnomalyFlow(t *testing.T) {
	h := NewHarness(t)

	outcome, err := h.Coord.OrchestrateAnomaly(context.Background(), map[string]any{
		"service":        "api-gateway",
		"tier":           "tier-1",
		"classification": "root_cause",
		"deviations":     map[string]any{"latency_p95_ms": 3.4},
	})
	require.NoError(t, err)
	assert.Equal(t, "resolved", outcome.Status)

	inc := h.Incident(outcome.IncidentID)
	assert.Equal(t, "operational", inc.Mode)
	assert.Empty(t, h.SentTo(bus.AgentThreatHunter))
	// No high-confidence change correlation: the minimal synthesized report
	// replaces a full investigation.
	assert.Empty(t, h.SentTo(bus.AgentInvestigator))

	transitions, _ := h.AuditRows(outcome.IncidentID)
	var sawThreatHunt bool
	for _, rec := range transitions {
		if rec.NewStatus == string(incident.StatusThreatHunting) {
			sawThreatHunt = true
		}
	}
	assert.False(t, sawThreatHunt)
}

// TestEscalationIdempotenceEndToEnd re-runs escalation on an escalated
// incident: one page total.
func TestEscalationIdempotenceEndToEnd(t *testing.T) {
	h := NewHarness(t)
	h.Healthy = false

	outcome, err := h.Coord.OrchestrateAlert(context.Background(), SecurityAlert())
	require.NoError(t, err)
	require.Equal(t, "escalated", outcome.Status)

	assert.Eventually(t, func() bool {
		return len(h.SentTo(bus.WorkflowNotify)) == 1
	}, 3*time.Second, 20*time.Millisecond)

	// A second escalation attempt is a no-op.
	h.Coord.Escalate(context.Background(), outcome.IncidentID, "duplicate trigger")
	time.Sleep(100 * time.Millisecond)
	assert.Len(t, h.SentTo(bus.WorkflowNotify), 1)
}
