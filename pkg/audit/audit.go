// Package audit writes append-only action records: one row per state
// transition and one per effector invocation. Writes are fail-open — an
// audit failure is logged and never unwinds the pipeline that produced it —
// but use wait-for-visible refresh so dedup checks observe them.
package audit

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/arome3/vigil/pkg/store"
)

// Record is one audit row. Rows are append-only and queried by incident_id
// for retrospectives and reporting.
type Record struct {
	ActionID         string  `json:"action_id"`
	IncidentID       string  `json:"incident_id"`
	ActionType       string  `json:"action_type"`
	ActionDetail     string  `json:"action_detail,omitempty"`
	PreviousStatus   string  `json:"previous_status,omitempty"`
	NewStatus        string  `json:"new_status,omitempty"`
	ExecutionStatus  string  `json:"execution_status"`
	StartedAt        string  `json:"started_at,omitempty"`
	CompletedAt      string  `json:"completed_at,omitempty"`
	DurationMS       int64   `json:"duration_ms"`
	ApprovalRequired bool    `json:"approval_required"`
	ApprovedBy       string  `json:"approved_by,omitempty"`
	ApprovedAt       string  `json:"approved_at,omitempty"`
	WorkflowID       string  `json:"workflow_id,omitempty"`
	ResultSummary    string  `json:"result_summary,omitempty"`
	ErrorMessage     string  `json:"error_message,omitempty"`
	RollbackAvail    bool   `json:"rollback_available"`
	Timestamp        string `json:"@timestamp"`
}

// Execution statuses for audit rows.
const (
	StatusCompleted = "completed"
	StatusFailed    = "failed"
	StatusSkipped   = "skipped"
)

// timestampLayout is fixed-width so lexicographic order equals chronological
// order (RFC3339Nano trims trailing zeros and breaks that property).
const timestampLayout = "2006-01-02T15:04:05.000000000Z07:00"

// Recorder writes audit rows to the actions index.
type Recorder struct {
	store  store.Store
	logger *slog.Logger
}

// NewRecorder creates an audit recorder.
func NewRecorder(s store.Store) *Recorder {
	return &Recorder{
		store:  s,
		logger: slog.Default().With("component", "audit"),
	}
}

// Write persists one record with wait-for-visible refresh. Failures are
// logged, never returned: audit must not unwind the operation it describes.
func (r *Recorder) Write(ctx context.Context, rec Record) {
	if rec.Timestamp == "" {
		rec.Timestamp = time.Now().UTC().Format(timestampLayout)
	}
	doc := toDoc(rec)
	if _, err := r.store.Index(ctx, store.IndexActions, rec.ActionID, doc, store.WithRefreshWait()); err != nil {
		r.logger.Warn("Failed to write audit record",
			"action_id", rec.ActionID,
			"incident_id", rec.IncidentID,
			"action_type", rec.ActionType,
			"error", err)
	}
}

// WriteAsync persists the record from a detached goroutine. Used on paths
// where the caller's context may already be cancelled.
func (r *Recorder) WriteAsync(rec Record) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		r.Write(ctx, rec)
	}()
}

// ForIncident returns all audit rows for an incident, oldest first.
func (r *Recorder) ForIncident(ctx context.Context, incidentID string) ([]Record, error) {
	result, err := r.store.Search(ctx, store.IndexActions, store.SearchRequest{
		Query: map[string]any{
			"term": map[string]any{"incident_id": incidentID},
		},
		Sort: []map[string]any{{"@timestamp": map[string]any{"order": "asc"}}},
		Size: 1000,
	})
	if err != nil {
		return nil, err
	}
	out := make([]Record, 0, len(result.Hits))
	for _, hit := range result.Hits {
		var rec Record
		raw, _ := json.Marshal(hit.Source)
		if err := json.Unmarshal(raw, &rec); err != nil {
			continue
		}
		out = append(out, rec)
	}
	return out, nil
}

// HasRecords reports whether any audit row exists for the incident. The
// Executor's idempotency guard depends on this check observing its own
// prior writes, hence wait-for-visible refresh on Write.
func (r *Recorder) HasRecords(ctx context.Context, incidentID string) (bool, error) {
	result, err := r.store.Search(ctx, store.IndexActions, store.SearchRequest{
		Query: map[string]any{
			"bool": map[string]any{
				"filter": []map[string]any{
					{"term": map[string]any{"incident_id": incidentID}},
					{"term": map[string]any{"action_type": "plan_action"}},
				},
			},
		},
		Size: 1,
	})
	if err != nil {
		return false, err
	}
	return result.Total > 0, nil
}

func toDoc(rec Record) map[string]any {
	raw, _ := json.Marshal(rec)
	var out map[string]any
	_ = json.Unmarshal(raw, &out)
	return out
}
