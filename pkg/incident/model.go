package incident

import (
	"encoding/json"
	"fmt"
	"time"
)

// Incident is the central entity, keyed by incident_id. It is created by the
// Coordinator on alert ingestion, mutated only through the state-machine
// update path, and never deleted.
type Incident struct {
	IncidentID           string            `json:"incident_id"`
	Status               Status            `json:"status"`
	Severity             string            `json:"severity"`
	PriorityScore        float64           `json:"priority_score"`
	ReflectionCount      int               `json:"reflection_count"`
	InvestigationSummary string            `json:"investigation_summary,omitempty"`
	RemediationPlan      map[string]any    `json:"remediation_plan,omitempty"`
	VerificationResults  []map[string]any  `json:"verification_results,omitempty"`
	ApprovalStatus       string            `json:"approval_status,omitempty"`
	EscalationTriggered  bool              `json:"escalation_triggered"`
	EscalationReason     string            `json:"escalation_reason,omitempty"`
	ResolutionType       string            `json:"resolution_type,omitempty"`
	ResolvedAt           string            `json:"resolved_at,omitempty"`
	TotalDurationSeconds float64           `json:"total_duration_seconds,omitempty"`
	StateTimestamps      map[string]string `json:"_state_timestamps,omitempty"`
	InvestigationReport  map[string]any    `json:"investigation_report,omitempty"`
	ThreatScope          map[string]any    `json:"threat_scope,omitempty"`
	AffectedServices     []string          `json:"affected_services,omitempty"`
	Alert                map[string]any    `json:"alert,omitempty"`
	Mode                 string            `json:"mode,omitempty"`
	CreatedAt            string            `json:"created_at"`
	UpdatedAt            string            `json:"updated_at"`
}

// New creates a detected incident from a triaged alert.
func New(id string, alert map[string]any, severity string, priorityScore float64, mode string, now time.Time) *Incident {
	ts := now.UTC().Format(time.RFC3339Nano)
	return &Incident{
		IncidentID:    id,
		Status:        StatusDetected,
		Severity:      severity,
		PriorityScore: priorityScore,
		Alert:         alert,
		Mode:          mode,
		StateTimestamps: map[string]string{
			string(StatusDetected): ts,
		},
		CreatedAt: ts,
		UpdatedAt: ts,
	}
}

// Decode converts a stored document source into an Incident.
func Decode(source map[string]any) (*Incident, error) {
	raw, err := json.Marshal(source)
	if err != nil {
		return nil, fmt.Errorf("encoding incident source: %w", err)
	}
	var inc Incident
	if err := json.Unmarshal(raw, &inc); err != nil {
		return nil, fmt.Errorf("decoding incident: %w", err)
	}
	if !inc.Status.Valid() {
		return nil, fmt.Errorf("incident %s has invalid status %q", inc.IncidentID, inc.Status)
	}
	return &inc, nil
}

// ToDoc renders the incident as a store document source.
func (i *Incident) ToDoc() map[string]any {
	raw, err := json.Marshal(i)
	if err != nil {
		// All fields are JSON-encodable by construction.
		panic(fmt.Sprintf("incident: encoding document: %v", err))
	}
	var out map[string]any
	_ = json.Unmarshal(raw, &out)
	return out
}

// CreatedTime parses the created_at timestamp; the zero time on failure.
func (i *Incident) CreatedTime() time.Time {
	t, err := time.Parse(time.RFC3339Nano, i.CreatedAt)
	if err != nil {
		return time.Time{}
	}
	return t
}

// StateEnteredAt returns when the incident first entered the given state.
func (i *Incident) StateEnteredAt(s Status) (time.Time, bool) {
	raw, ok := i.StateTimestamps[string(s)]
	if !ok {
		return time.Time{}, false
	}
	t, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}
