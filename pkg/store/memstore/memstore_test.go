package memstore

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arome3/vigil/pkg/store"
)

func TestCreateIsCreateOnly(t *testing.T) {
	st := New()
	ctx := context.Background()

	require.NoError(t, st.Create(ctx, store.IndexAlertClaims, "A-001", map[string]any{"alert_id": "A-001"}))

	// Re-claiming a claimed alert is rejected without side effects.
	err := st.Create(ctx, store.IndexAlertClaims, "A-001", map[string]any{"alert_id": "A-001", "other": true})
	assert.ErrorIs(t, err, store.ErrAlreadyExists)

	doc, err := st.Get(ctx, store.IndexAlertClaims, "A-001")
	require.NoError(t, err)
	assert.NotContains(t, doc.Source, "other")
}

func TestUpdateRequiresMatchingTokens(t *testing.T) {
	st := New()
	ctx := context.Background()

	require.NoError(t, st.Create(ctx, store.IndexIncidents, "INC-1", map[string]any{"status": "detected"}))
	doc, err := st.Get(ctx, store.IndexIncidents, "INC-1")
	require.NoError(t, err)

	require.NoError(t, st.Update(ctx, store.IndexIncidents, "INC-1", map[string]any{"status": "triaged"}, doc.SeqNo, doc.PrimaryTerm))

	// Stale tokens conflict.
	err = st.Update(ctx, store.IndexIncidents, "INC-1", map[string]any{"status": "investigating"}, doc.SeqNo, doc.PrimaryTerm)
	require.Error(t, err)
	assert.ErrorIs(t, err, store.ErrConflict)

	fresh, err := st.Get(ctx, store.IndexIncidents, "INC-1")
	require.NoError(t, err)
	assert.Equal(t, "triaged", fresh.Source["status"])
	assert.Greater(t, fresh.SeqNo, doc.SeqNo)
}

func TestGetNotFound(t *testing.T) {
	st := New()
	_, err := st.Get(context.Background(), store.IndexIncidents, "missing")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestSearchTermAndSort(t *testing.T) {
	st := New()
	ctx := context.Background()
	_, err := st.Index(ctx, "vigil-alerts-default", "a1", map[string]any{"alert_id": "a1", "severity": "high", "@timestamp": "2026-08-01T10:00:00Z"})
	require.NoError(t, err)
	_, err = st.Index(ctx, "vigil-alerts-default", "a2", map[string]any{"alert_id": "a2", "severity": "low", "@timestamp": "2026-08-01T11:00:00Z"})
	require.NoError(t, err)

	result, err := st.Search(ctx, store.IndexAlerts, store.SearchRequest{
		Query: map[string]any{"term": map[string]any{"severity": "high"}},
	})
	require.NoError(t, err)
	require.Len(t, result.Hits, 1)
	assert.Equal(t, "a1", result.Hits[0].Source["alert_id"])

	sorted, err := st.Search(ctx, store.IndexAlerts, store.SearchRequest{
		Sort: []map[string]any{{"@timestamp": map[string]any{"order": "desc"}}},
	})
	require.NoError(t, err)
	require.Len(t, sorted.Hits, 2)
	assert.Equal(t, "a2", sorted.Hits[0].Source["alert_id"])
}

func TestSearchBoolFilters(t *testing.T) {
	st := New()
	ctx := context.Background()
	_, err := st.Index(ctx, store.IndexApprovalResponses, "", map[string]any{
		"incident_id": "INC-1", "action_id": "ACT-1", "value": "approve",
	})
	require.NoError(t, err)
	_, err = st.Index(ctx, store.IndexApprovalResponses, "", map[string]any{
		"incident_id": "INC-1", "action_id": "ACT-2", "value": "reject",
	})
	require.NoError(t, err)

	result, err := st.Search(ctx, store.IndexApprovalResponses, store.SearchRequest{
		Query: map[string]any{
			"bool": map[string]any{
				"filter": []map[string]any{
					{"term": map[string]any{"incident_id": "INC-1"}},
					{"term": map[string]any{"action_id": "ACT-2"}},
				},
			},
		},
	})
	require.NoError(t, err)
	require.Len(t, result.Hits, 1)
	assert.Equal(t, "reject", result.Hits[0].Source["value"])
}

func TestSearchMustNotExists(t *testing.T) {
	st := New()
	ctx := context.Background()
	_, err := st.Index(ctx, "vigil-alerts-default", "new", map[string]any{"alert_id": "new"})
	require.NoError(t, err)
	_, err = st.Index(ctx, "vigil-alerts-default", "done", map[string]any{"alert_id": "done", "disposition": "investigate"})
	require.NoError(t, err)

	result, err := st.Search(ctx, store.IndexAlerts, store.SearchRequest{
		Query: map[string]any{
			"bool": map[string]any{
				"must_not": []map[string]any{
					{"exists": map[string]any{"field": "disposition"}},
				},
			},
		},
	})
	require.NoError(t, err)
	require.Len(t, result.Hits, 1)
	assert.Equal(t, "new", result.Hits[0].Source["alert_id"])
}

func TestUpdateByQueryScript(t *testing.T) {
	st := New()
	ctx := context.Background()
	_, err := st.Index(ctx, "vigil-alerts-default", "a1", map[string]any{"alert_id": "a1"})
	require.NoError(t, err)

	err = st.UpdateByQuery(ctx, store.IndexAlerts,
		map[string]any{"term": map[string]any{"alert_id": "a1"}},
		store.Script{
			Source: "ctx._source.disposition = params.disposition; ctx._source.priority_score = params.score",
			Params: map[string]any{"disposition": "investigate", "score": 0.9},
		})
	require.NoError(t, err)

	doc, err := st.Get(ctx, store.IndexAlerts, "a1")
	require.NoError(t, err)
	assert.Equal(t, "investigate", doc.Source["disposition"])
	assert.Equal(t, 0.9, doc.Source["priority_score"])
}

func TestESQLHandlerRouting(t *testing.T) {
	st := New()
	st.HandleESQL("COUNT", func(query string, params []store.ESQLParam) (*store.ESQLResult, error) {
		return &store.ESQLResult{
			Columns: []store.ESQLColumn{{Name: "total", Type: "long"}},
			Values:  [][]any{{float64(42)}},
		}, nil
	})

	result, err := st.ESQL(context.Background(), "FROM x | STATS total = COUNT(*)", nil)
	require.NoError(t, err)
	col, ok := result.Column("total")
	require.True(t, ok)
	assert.Equal(t, float64(42), col[0])

	// Unmatched queries return an empty result.
	empty, err := st.ESQL(context.Background(), "FROM y | LIMIT 1", nil)
	require.NoError(t, err)
	assert.Empty(t, empty.Values)
}

func TestDocumentIsolation(t *testing.T) {
	st := New()
	ctx := context.Background()
	original := map[string]any{"nested": map[string]any{"value": "a"}}
	require.NoError(t, st.Create(ctx, store.IndexIncidents, "INC-1", original))

	doc, err := st.Get(ctx, store.IndexIncidents, "INC-1")
	require.NoError(t, err)
	doc.Source["nested"].(map[string]any)["value"] = "mutated"

	again, err := st.Get(ctx, store.IndexIncidents, "INC-1")
	require.NoError(t, err)
	assert.Equal(t, "a", again.Source["nested"].(map[string]any)["value"])
}
