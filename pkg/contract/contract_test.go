package contract

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validEnvelope() map[string]any {
	return NewEnvelope("vigil-coordinator", "vigil-triage", "INC-2026-abc12", map[string]any{
		"task": "triage_alert",
	}).ToMap()
}

func TestValidateEnvelopeAccepts(t *testing.T) {
	assert.NoError(t, ValidateEnvelope(validEnvelope()))
}

func TestValidateEnvelopeListsEveryMissingField(t *testing.T) {
	err := ValidateEnvelope(map[string]any{})
	require.Error(t, err)

	var ve *ValidationError
	require.ErrorAs(t, err, &ve)
	// Five string fields plus payload.
	assert.Len(t, ve.Errors, 6)
	for _, field := range []string{"message_id", "from_agent", "to_agent", "timestamp", "correlation_id", "payload"} {
		assert.True(t, containsField(ve.Errors, field), "expected error for %s", field)
	}
}

func TestValidateEnvelopeRejectsNonObjectPayload(t *testing.T) {
	env := validEnvelope()
	env["payload"] = []any{"not", "a", "mapping"}
	err := ValidateEnvelope(env)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "payload")
}

func TestValidateEnvelopeRejectsEmptyStrings(t *testing.T) {
	env := validEnvelope()
	env["from_agent"] = ""
	err := ValidateEnvelope(env)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "from_agent")
}

func TestParseEnvelopeRoundTrip(t *testing.T) {
	raw := validEnvelope()
	env, err := ParseEnvelope(raw)
	require.NoError(t, err)
	assert.Equal(t, raw["message_id"], env.MessageID)
	assert.Equal(t, "vigil-triage", env.ToAgent)
	assert.Equal(t, "INC-2026-abc12", env.CorrelationID)
}

func TestValidateUnknownContract(t *testing.T) {
	err := Validate("no.such.contract", map[string]any{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown contract")
}

func TestTriageResponseContract(t *testing.T) {
	valid := map[string]any{
		"alert_id":       "A-001",
		"priority_score": 0.87,
		"disposition":    "investigate",
		"severity":       "high",
	}
	assert.NoError(t, Validate(TriageResponse, valid))

	tests := []struct {
		name   string
		mutate func(map[string]any)
		want   string
	}{
		{"score out of range", func(m map[string]any) { m["priority_score"] = 1.5 }, "priority_score"},
		{"bad disposition", func(m map[string]any) { m["disposition"] = "panic" }, "disposition"},
		{"missing alert id", func(m map[string]any) { delete(m, "alert_id") }, "alert_id"},
		{"score wrong type", func(m map[string]any) { m["priority_score"] = "high" }, "priority_score"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			payload := map[string]any{}
			for k, v := range valid {
				payload[k] = v
			}
			tt.mutate(payload)
			err := Validate(TriageResponse, payload)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestValidationErrorsAccumulate(t *testing.T) {
	err := Validate(TriageResponse, map[string]any{
		"priority_score": "not a number",
		"disposition":    "wat",
	})
	require.Error(t, err)

	var ve *ValidationError
	require.ErrorAs(t, err, &ve)
	// alert_id missing, severity missing, score wrong type, bad disposition.
	assert.GreaterOrEqual(t, len(ve.Errors), 4)
}

func TestPlanResponseContract(t *testing.T) {
	valid := map[string]any{
		"incident_id": "INC-2026-abc12",
		"plan": map[string]any{
			"actions": []any{
				map[string]any{
					"order": 1, "action_type": "containment",
					"description": "isolate host", "target_system": "kubernetes",
					"approval_required": true,
				},
				map[string]any{
					"order": 2, "action_type": "communication",
					"description": "notify", "target_system": "slack",
				},
			},
			"success_criteria": []any{
				map[string]any{"metric": "error_rate", "operator": "lt", "threshold": 0.02},
			},
			"requires_approval": true,
		},
	}
	assert.NoError(t, Validate(PlanResponse, valid))

	dup := map[string]any{
		"incident_id": "INC-2026-abc12",
		"plan": map[string]any{
			"actions": []any{
				map[string]any{"order": 1, "action_type": "containment", "description": "a", "target_system": "k8s"},
				map[string]any{"order": 1, "action_type": "remediation", "description": "b", "target_system": "k8s"},
			},
			"requires_approval": false,
		},
	}
	err := Validate(PlanResponse, dup)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "duplicate order")
}

func TestExecuteResponseContract(t *testing.T) {
	valid := map[string]any{
		"incident_id": "INC-2026-abc12",
		"status":      "partial_failure",
		"results": []any{
			map[string]any{"action_id": "ACT-2026-aaaaa", "execution_status": "completed"},
			map[string]any{"action_id": "ACT-2026-bbbbb", "execution_status": "skipped"},
		},
	}
	assert.NoError(t, Validate(ExecuteResponse, valid))

	invalid := map[string]any{
		"incident_id": "INC-2026-abc12",
		"status":      "exploded",
		"results":     []any{},
	}
	err := Validate(ExecuteResponse, invalid)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "status")
}

func TestSweepResponseContract(t *testing.T) {
	valid := map[string]any{
		"incident_id":           "INC-2026-abc12",
		"confirmed_compromised": []any{map[string]any{"asset_id": "user-42"}},
		"suspected":             []any{},
		"clean_assets":          120,
	}
	assert.NoError(t, Validate(SweepResponse, valid))

	negative := map[string]any{
		"incident_id":           "INC-2026-abc12",
		"confirmed_compromised": []any{},
		"suspected":             []any{},
		"clean_assets":          -5,
	}
	err := Validate(SweepResponse, negative)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "clean_assets")
}

func TestVerifyResponseContract(t *testing.T) {
	valid := map[string]any{
		"incident_id":  "INC-2026-abc12",
		"passed":       true,
		"health_score": 0.95,
		"results":      []any{},
	}
	assert.NoError(t, Validate(VerifyResponse, valid))

	err := Validate(VerifyResponse, map[string]any{
		"incident_id":  "INC-2026-abc12",
		"passed":       "yes",
		"health_score": 0.95,
		"results":      []any{},
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "passed")
}

func containsField(errs []string, field string) bool {
	for _, e := range errs {
		if strings.HasPrefix(e, field+":") {
			return true
		}
	}
	return false
}
