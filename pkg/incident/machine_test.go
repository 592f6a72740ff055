package incident

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arome3/vigil/pkg/audit"
	"github.com/arome3/vigil/pkg/store"
	"github.com/arome3/vigil/pkg/store/memstore"
)

func newTestMachine(t *testing.T) (*Machine, *memstore.Store) {
	t.Helper()
	st := memstore.New()
	machine := NewMachine(st, audit.NewRecorder(st), GuardConfig{
		SuppressThreshold:  0.4,
		MaxReflectionLoops: 3,
	})
	return machine, st
}

func createIncident(t *testing.T, m *Machine, score float64) *Incident {
	t.Helper()
	inc := New(NewIncidentID(time.Now()), map[string]any{"alert_id": "A-001"}, "high", score, "security", time.Now())
	require.NoError(t, m.Create(context.Background(), inc))
	return inc
}

func mustTransition(t *testing.T, m *Machine, id string, to Status, meta map[string]any) *Result {
	t.Helper()
	res, err := m.Transition(context.Background(), id, to, meta)
	require.NoError(t, err)
	return res
}

func TestTransitionTableIsClosed(t *testing.T) {
	assert.True(t, CanTransition(StatusDetected, StatusTriaged))
	assert.False(t, CanTransition(StatusDetected, StatusExecuting))
	assert.False(t, CanTransition(StatusResolved, StatusInvestigating))
	assert.False(t, CanTransition(StatusSuppressed, StatusTriaged))
	assert.True(t, CanTransition(StatusEscalated, StatusInvestigating))

	for from, successors := range allowedTransitions {
		for _, to := range successors {
			assert.True(t, to.Valid(), "%s → %s targets an invalid state", from, to)
		}
	}
}

func TestTransitionHappyEdge(t *testing.T) {
	m, _ := newTestMachine(t)
	inc := createIncident(t, m, 0.9)

	res := mustTransition(t, m, inc.IncidentID, StatusTriaged, map[string]any{"priority_score": 0.9})
	assert.Equal(t, StatusDetected, res.From)
	assert.Equal(t, StatusTriaged, res.To)
	assert.Equal(t, StatusTriaged, res.Incident.Status)
	assert.NotEmpty(t, res.Incident.StateTimestamps[string(StatusTriaged)])
}

func TestTransitionRejectsIllegalEdge(t *testing.T) {
	m, _ := newTestMachine(t)
	inc := createIncident(t, m, 0.9)

	_, err := m.Transition(context.Background(), inc.IncidentID, StatusExecuting, nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInvalidTransition)

	var ite *InvalidTransitionError
	require.ErrorAs(t, err, &ite)
	assert.Equal(t, []Status{StatusTriaged}, ite.Allowed)
}

func TestSuppressGuard(t *testing.T) {
	m, _ := newTestMachine(t)

	// Below the threshold: suppression allowed.
	low := createIncident(t, m, 0.2)
	mustTransition(t, m, low.IncidentID, StatusTriaged, nil)
	res := mustTransition(t, m, low.IncidentID, StatusSuppressed, nil)
	assert.Equal(t, "suppressed", res.Incident.ResolutionType)
	assert.NotEmpty(t, res.Incident.ResolvedAt)

	// Above the threshold: suppression denied.
	high := createIncident(t, m, 0.8)
	mustTransition(t, m, high.IncidentID, StatusTriaged, nil)
	_, err := m.Transition(context.Background(), high.IncidentID, StatusSuppressed, nil)
	assert.ErrorIs(t, err, ErrGuardDenied)
}

func TestInvestigateGuardRedirectsLowScore(t *testing.T) {
	m, _ := newTestMachine(t)
	low := createIncident(t, m, 0.1)
	mustTransition(t, m, low.IncidentID, StatusTriaged, nil)

	res := mustTransition(t, m, low.IncidentID, StatusInvestigating, nil)
	assert.Equal(t, StatusSuppressed, res.To)
	assert.Equal(t, StatusSuppressed, res.RedirectedTo)
	assert.Equal(t, StatusSuppressed, res.Incident.Status)
}

func TestPlanningGuardRouting(t *testing.T) {
	approvalPlan := map[string]any{
		"actions": []any{
			map[string]any{"order": 1, "action_type": "containment", "approval_required": true},
		},
	}
	autoPlan := map[string]any{
		"actions": []any{
			map[string]any{"order": 1, "action_type": "communication", "approval_required": false},
		},
	}

	tests := []struct {
		name   string
		plan   map[string]any
		target Status
		want   Status
	}{
		{"approval plan to awaiting", approvalPlan, StatusAwaitingApproval, StatusAwaitingApproval},
		{"approval plan redirected from executing", approvalPlan, StatusExecuting, StatusAwaitingApproval},
		{"auto plan to executing", autoPlan, StatusExecuting, StatusExecuting},
		{"auto plan redirected from awaiting", autoPlan, StatusAwaitingApproval, StatusExecuting},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m, _ := newTestMachine(t)
			inc := createIncident(t, m, 0.9)
			mustTransition(t, m, inc.IncidentID, StatusTriaged, nil)
			mustTransition(t, m, inc.IncidentID, StatusInvestigating, nil)
			mustTransition(t, m, inc.IncidentID, StatusPlanning, nil)

			res := mustTransition(t, m, inc.IncidentID, tt.target, map[string]any{"remediation_plan": tt.plan})
			assert.Equal(t, tt.want, res.To)
		})
	}
}

func TestApprovalGuards(t *testing.T) {
	m, _ := newTestMachine(t)
	inc := createIncident(t, m, 0.9)
	mustTransition(t, m, inc.IncidentID, StatusTriaged, nil)
	mustTransition(t, m, inc.IncidentID, StatusInvestigating, nil)
	mustTransition(t, m, inc.IncidentID, StatusPlanning, nil)
	mustTransition(t, m, inc.IncidentID, StatusAwaitingApproval, map[string]any{
		"remediation_plan": map[string]any{
			"actions": []any{map[string]any{"order": 1, "approval_required": true}},
		},
	})

	// Not yet decided: executing denied.
	_, err := m.Transition(context.Background(), inc.IncidentID, StatusExecuting, nil)
	assert.ErrorIs(t, err, ErrGuardDenied)

	// Escalation requires rejected or timeout.
	_, err = m.Transition(context.Background(), inc.IncidentID, StatusEscalated, nil)
	assert.ErrorIs(t, err, ErrGuardDenied)

	res := mustTransition(t, m, inc.IncidentID, StatusExecuting, map[string]any{"approval_status": "approved"})
	assert.Equal(t, StatusExecuting, res.To)
}

func TestApprovalTimeoutEscalates(t *testing.T) {
	m, _ := newTestMachine(t)
	inc := createIncident(t, m, 0.9)
	mustTransition(t, m, inc.IncidentID, StatusTriaged, nil)
	mustTransition(t, m, inc.IncidentID, StatusInvestigating, nil)
	mustTransition(t, m, inc.IncidentID, StatusPlanning, nil)
	mustTransition(t, m, inc.IncidentID, StatusAwaitingApproval, map[string]any{
		"remediation_plan": map[string]any{
			"actions": []any{map[string]any{"order": 1, "approval_required": true}},
		},
	})

	res := mustTransition(t, m, inc.IncidentID, StatusEscalated, map[string]any{"approval_status": "timeout"})
	assert.Equal(t, StatusEscalated, res.To)
	assert.Equal(t, "escalated", res.Incident.ResolutionType)
}

// driveToVerifying walks a fresh incident to the verifying state.
func driveToVerifying(t *testing.T, m *Machine) string {
	t.Helper()
	inc := createIncident(t, m, 0.9)
	mustTransition(t, m, inc.IncidentID, StatusTriaged, nil)
	mustTransition(t, m, inc.IncidentID, StatusInvestigating, nil)
	mustTransition(t, m, inc.IncidentID, StatusPlanning, nil)
	mustTransition(t, m, inc.IncidentID, StatusExecuting, nil)
	mustTransition(t, m, inc.IncidentID, StatusVerifying, nil)
	return inc.IncidentID
}

func TestVerifierGuards(t *testing.T) {
	m, _ := newTestMachine(t)
	id := driveToVerifying(t, m)

	// Failing verifier cannot resolve.
	_, err := m.Transition(context.Background(), id, StatusResolved, map[string]any{
		"verifier": map[string]any{"passed": false},
	})
	assert.ErrorIs(t, err, ErrGuardDenied)

	res := mustTransition(t, m, id, StatusResolved, map[string]any{
		"verifier": map[string]any{"passed": true},
	})
	assert.Equal(t, "auto_resolved", res.Incident.ResolutionType)
	assert.NotEmpty(t, res.Incident.ResolvedAt)
	assert.GreaterOrEqual(t, res.Incident.TotalDurationSeconds, 0.0)
}

func TestReflectionIncrementsExactlyOnce(t *testing.T) {
	m, _ := newTestMachine(t)
	id := driveToVerifying(t, m)

	res := mustTransition(t, m, id, StatusReflecting, map[string]any{
		"verifier": map[string]any{"passed": false},
	})
	assert.Equal(t, 1, res.Incident.ReflectionCount)
	assert.False(t, res.AutoEscalated)
}

func TestReflectionLimitAutoEscalates(t *testing.T) {
	m, _ := newTestMachine(t)
	id := driveToVerifying(t, m)

	failMeta := map[string]any{"verifier": map[string]any{"passed": false}}
	for i := 1; i <= 2; i++ {
		res := mustTransition(t, m, id, StatusReflecting, failMeta)
		assert.Equal(t, i, res.Incident.ReflectionCount)
		require.False(t, res.AutoEscalated)
		mustTransition(t, m, id, StatusInvestigating, nil)
		mustTransition(t, m, id, StatusPlanning, nil)
		mustTransition(t, m, id, StatusExecuting, nil)
		mustTransition(t, m, id, StatusVerifying, nil)
	}

	// Third entry reaches the limit: the machine completes the reflecting
	// step then escalates.
	res := mustTransition(t, m, id, StatusReflecting, failMeta)
	assert.True(t, res.AutoEscalated)
	assert.Equal(t, StatusEscalated, res.Incident.Status)
	assert.Equal(t, 3, res.Incident.ReflectionCount)
	assert.Equal(t, "escalated", res.Incident.ResolutionType)
	assert.Contains(t, res.Incident.EscalationReason, "reflection limit reached")
}

func TestReflectionCountMonotonic(t *testing.T) {
	m, _ := newTestMachine(t)
	id := driveToVerifying(t, m)

	last := 0
	failMeta := map[string]any{"verifier": map[string]any{"passed": false}}
	for i := 0; i < 3; i++ {
		res := mustTransition(t, m, id, StatusReflecting, failMeta)
		assert.Greater(t, res.Incident.ReflectionCount, last)
		last = res.Incident.ReflectionCount
		if res.AutoEscalated {
			break
		}
		mustTransition(t, m, id, StatusInvestigating, nil)
		mustTransition(t, m, id, StatusPlanning, nil)
		mustTransition(t, m, id, StatusExecuting, nil)
		mustTransition(t, m, id, StatusVerifying, nil)
	}
	assert.Equal(t, 3, last)
}

func TestEveryTransitionWritesAuditRow(t *testing.T) {
	m, st := newTestMachine(t)
	inc := createIncident(t, m, 0.2)
	mustTransition(t, m, inc.IncidentID, StatusTriaged, nil)
	mustTransition(t, m, inc.IncidentID, StatusSuppressed, nil)

	rows := st.Docs(store.IndexActions)
	require.Len(t, rows, 2)

	edges := map[string]bool{}
	for _, row := range rows {
		assert.Equal(t, inc.IncidentID, row["incident_id"])
		assert.Equal(t, "state_transition", row["action_type"])
		id, _ := row["action_id"].(string)
		assert.True(t, strings.HasPrefix(id, "AUD-"), "audit id %q", id)
		edges[row["previous_status"].(string)+"→"+row["new_status"].(string)] = true
	}
	assert.True(t, edges["detected→triaged"])
	assert.True(t, edges["triaged→suppressed"])
}

func TestAuditFailureDoesNotUnwindTransition(t *testing.T) {
	m, st := newTestMachine(t)
	inc := createIncident(t, m, 0.9)

	st.FailNext("index", &store.TransportError{Status: 503, Message: "unavailable"})
	res, err := m.Transition(context.Background(), inc.IncidentID, StatusTriaged, nil)
	require.NoError(t, err)
	assert.Equal(t, StatusTriaged, res.Incident.Status)
}

func TestConcurrencyConflictRetries(t *testing.T) {
	m, st := newTestMachine(t)
	inc := createIncident(t, m, 0.9)

	// A single conflict is retried transparently.
	st.FailNext("update", &store.ConflictError{Index: store.IndexIncidents, ID: inc.IncidentID})
	res, err := m.Transition(context.Background(), inc.IncidentID, StatusTriaged, nil)
	require.NoError(t, err)
	assert.Equal(t, StatusTriaged, res.Incident.Status)
}

func TestStateTimestampFirstEntryPreserved(t *testing.T) {
	m, _ := newTestMachine(t)
	id := driveToVerifying(t, m)

	first, err := m.Get(context.Background(), id)
	require.NoError(t, err)
	original := first.StateTimestamps[string(StatusInvestigating)]
	require.NotEmpty(t, original)

	mustTransition(t, m, id, StatusReflecting, map[string]any{"verifier": map[string]any{"passed": false}})
	mustTransition(t, m, id, StatusInvestigating, nil)

	again, err := m.Get(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, original, again.StateTimestamps[string(StatusInvestigating)])
}

func TestTerminalHookSeesCommittedDocument(t *testing.T) {
	m, _ := newTestMachine(t)
	inc := createIncident(t, m, 0.2)

	seen := make(chan *Incident, 1)
	m.OnTerminal(func(ctx context.Context, hookInc *Incident) {
		seen <- hookInc
	})

	mustTransition(t, m, inc.IncidentID, StatusTriaged, nil)
	mustTransition(t, m, inc.IncidentID, StatusSuppressed, nil)

	select {
	case got := <-seen:
		assert.Equal(t, StatusSuppressed, got.Status)
		assert.Equal(t, "suppressed", got.ResolutionType)
	case <-time.After(2 * time.Second):
		t.Fatal("terminal hook was not invoked")
	}
}

func TestIncidentIDFormats(t *testing.T) {
	now := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)
	incID := NewIncidentID(now)
	assert.Regexp(t, `^INC-2026-[0-9a-f]{5}$`, incID)
	assert.Regexp(t, `^ACT-2026-[0-9a-f]{5}$`, NewActionID(now))
	assert.Regexp(t, `^AUD-[0-9a-f]{8}$`, NewAuditID())
}
