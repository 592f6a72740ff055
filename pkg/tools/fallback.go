package tools

import (
	"context"
	"fmt"
	"time"

	"github.com/arome3/vigil/pkg/store"
)

// ToolCorrelateChanges is the one tool with a statically-known two-query
// fallback: its primary form uses a LOOKUP JOIN the query engine may reject
// while the feature is in tech preview.
const ToolCorrelateChanges = "correlate-changes"

// lookupJoinFallback dispatches the tool-specific client-side join. The
// fallback is keyed off the tool id on purpose — it is not a general rewrite
// of arbitrary lookup joins.
func (r *Registry) lookupJoinFallback(ctx context.Context, def *Definition, params map[string]any) (*Result, error) {
	switch def.ID {
	case ToolCorrelateChanges:
		return r.correlateChangesFallback(ctx, def, params)
	}
	return nil, fmt.Errorf("tool %s: no lookup-join fallback registered", def.ID)
}

// correlateChangesFallback performs the change-correlation join client-side:
// one query for recent change events on the service, one for the first error
// timestamp, joined here into the same columnar shape the primary query
// produces.
func (r *Registry) correlateChangesFallback(ctx context.Context, def *Definition, params map[string]any) (*Result, error) {
	service, _ := params["service"].(string)

	changes, err := r.store.ESQL(ctx,
		`FROM vigil-alerts-operational METADATA _id
		 | WHERE event_kind == "change" AND service == ?service
		 | KEEP _id, change_type, service, @timestamp
		 | SORT @timestamp DESC
		 | LIMIT 20`,
		[]store.ESQLParam{{Name: "service", Value: service}})
	if err != nil {
		return nil, fmt.Errorf("tool %s fallback (changes): %w", def.ID, err)
	}

	firstError, err := r.store.ESQL(ctx,
		`FROM vigil-alerts-operational
		 | WHERE event_kind == "error" AND service == ?service
		 | STATS first_error_at = MIN(@timestamp)`,
		[]store.ESQLParam{{Name: "service", Value: service}})
	if err != nil {
		return nil, fmt.Errorf("tool %s fallback (errors): %w", def.ID, err)
	}

	var firstErrorAt string
	if col, ok := firstError.Column("first_error_at"); ok && len(col) > 0 {
		firstErrorAt, _ = col[0].(string)
	}

	out := &Result{
		ToolID: def.ID,
		Columns: []Column{
			{Name: "change_id", Type: "keyword"},
			{Name: "change_type", Type: "keyword"},
			{Name: "service", Type: "keyword"},
			{Name: "changed_at", Type: "date"},
			{Name: "first_error_at", Type: "date"},
			{Name: "gap_seconds", Type: "double"},
		},
	}

	ids, _ := changes.Column("_id")
	kinds, _ := changes.Column("change_type")
	services, _ := changes.Column("service")
	timestamps, _ := changes.Column("@timestamp")

	errorTime, errOK := parseTime(firstErrorAt)
	for i := range ids {
		var changedAt string
		if i < len(timestamps) {
			changedAt, _ = timestamps[i].(string)
		}
		gap := any(nil)
		if changeTime, ok := parseTime(changedAt); ok && errOK {
			gap = errorTime.Sub(changeTime).Seconds()
		}
		row := []any{
			valueAt(ids, i), valueAt(kinds, i), valueAt(services, i),
			changedAt, firstErrorAt, gap,
		}
		out.Values = append(out.Values, row)
	}
	return out, nil
}

func valueAt(col []any, i int) any {
	if i < len(col) {
		return col[i]
	}
	return nil
}

func parseTime(s string) (time.Time, bool) {
	if s == "" {
		return time.Time{}, false
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		if t, err = time.Parse(time.RFC3339, s); err != nil {
			return time.Time{}, false
		}
	}
	return t, true
}
