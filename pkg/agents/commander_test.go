package agents

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arome3/vigil/pkg/store"
	"github.com/arome3/vigil/pkg/store/memstore"
	"github.com/arome3/vigil/pkg/tools"
)

func commanderFixture(t *testing.T, st *memstore.Store) *Commander {
	t.Helper()
	deps := testDeps(t, st)
	for _, def := range []*tools.Definition{
		{
			ID: "runbook-search", RetrievalStrategy: tools.StrategyKeyword,
			Index:        store.IndexRunbooks,
			QueryFields:  []string{"title"},
			ResultFields: []string{"runbook_id", "title", "services", "steps", "success_rate"},
			MaxResults:   5,
		},
		{
			ID: "service-impact", RetrievalStrategy: tools.StrategyESQL,
			Configuration: &tools.Configuration{
				Query: "FROM vigil-metrics-default | WHERE service == ?service | STATS error_rate = AVG(error)",
				Params: map[string]tools.ParamSpec{
					"service": {Type: tools.ParamKeyword, Required: true},
				},
			},
		},
		{
			ID: "tier1-assets", RetrievalStrategy: tools.StrategyKeyword,
			Index:        store.IndexAssets,
			QueryFields:  []string{"tier"},
			ResultFields: []string{"asset_id", "tier"},
			MaxResults:   50,
		},
	} {
		require.NoError(t, deps.Tools.Add(def))
	}
	return NewCommander(deps)
}

func planPayload(severity string, services ...string) map[string]any {
	serviceList := make([]any, 0, len(services))
	for _, s := range services {
		serviceList = append(serviceList, s)
	}
	return map[string]any{
		"task":        "plan_remediation",
		"incident_id": "INC-2026-plan1",
		"severity":    severity,
		"investigation": map[string]any{
			"root_cause":        "Credential stuffing from 10.0.0.5",
			"affected_services": serviceList,
		},
	}
}

func seedRunbook(t *testing.T, st *memstore.Store) {
	t.Helper()
	_, err := st.Index(context.Background(), store.IndexRunbooks, "rb-1", map[string]any{
		"runbook_id":   "rb-1",
		"title":        "Credential stuffing containment",
		"services":     []any{"api-gateway"},
		"success_rate": 0.9,
		"steps": []any{
			map[string]any{
				"action_type": "containment", "description": "Block source IP",
				"target_system": "cloudflare", "target_asset": "api-gateway",
			},
			map[string]any{
				"action_type": "communication", "description": "Notify on-call",
				"target_system": "slack", "target_asset": "oncall",
			},
		},
	})
	require.NoError(t, err)
}

func TestCommanderUsesMatchingRunbook(t *testing.T) {
	st := memstore.New()
	seedRunbook(t, st)
	c := commanderFixture(t, st)

	response, err := c.Handle(context.Background(), planPayload("high", "api-gateway"))
	require.NoError(t, err)

	plan, _ := response["plan"].(map[string]any)
	require.NotNil(t, plan)
	assert.Equal(t, "rb-1", plan["runbook_used"])

	actions, _ := plan["actions"].([]any)
	require.Len(t, actions, 2)
	first, _ := actions[0].(map[string]any)
	assert.Equal(t, 1, intFromAny(first["order"]))
	assert.Equal(t, "containment", first["action_type"])
}

func TestCommanderSynthesizesPlanWithoutRunbook(t *testing.T) {
	st := memstore.New()
	c := commanderFixture(t, st)

	response, err := c.Handle(context.Background(), planPayload("medium", "checkout"))
	require.NoError(t, err)

	plan, _ := response["plan"].(map[string]any)
	require.NotNil(t, plan)
	assert.Equal(t, "", plan["runbook_used"])

	actions, _ := plan["actions"].([]any)
	require.GreaterOrEqual(t, len(actions), 3)
	types := map[string]bool{}
	for _, raw := range actions {
		a, _ := raw.(map[string]any)
		types[a["action_type"].(string)] = true
	}
	assert.True(t, types["containment"])
	assert.True(t, types["communication"])
	assert.True(t, types["documentation"])
}

func TestCommanderTagsApprovalForTier1Targets(t *testing.T) {
	st := memstore.New()
	seedRunbook(t, st)
	// api-gateway is tier-1 in the asset index.
	_, err := st.Index(context.Background(), store.IndexAssets, "api-gateway", map[string]any{
		"asset_id": "api-gateway", "tier": "tier-1",
	})
	require.NoError(t, err)
	c := commanderFixture(t, st)

	response, err := c.Handle(context.Background(), planPayload("medium", "api-gateway"))
	require.NoError(t, err)

	plan, _ := response["plan"].(map[string]any)
	assert.Equal(t, true, plan["requires_approval"])

	actions, _ := plan["actions"].([]any)
	first, _ := actions[0].(map[string]any)
	assert.Equal(t, true, first["approval_required"], "tier-1 target requires approval")
}

func TestCommanderTagsApprovalForCriticalDestructiveActions(t *testing.T) {
	st := memstore.New()
	c := commanderFixture(t, st)

	// Synthesized plan, critical severity, target not in the (static
	// fallback) tier-1 set: containment still requires approval.
	response, err := c.Handle(context.Background(), planPayload("critical", "batch-worker"))
	require.NoError(t, err)

	plan, _ := response["plan"].(map[string]any)
	actions, _ := plan["actions"].([]any)
	var containment map[string]any
	for _, raw := range actions {
		a, _ := raw.(map[string]any)
		if a["action_type"] == "containment" {
			containment = a
		}
	}
	require.NotNil(t, containment)
	assert.Equal(t, true, containment["approval_required"])
	assert.Equal(t, true, plan["requires_approval"])
}

func TestCommanderRankRunbooks(t *testing.T) {
	c := &Commander{deps: Deps{}}
	hits := []map[string]any{
		{"runbook_id": "overlap", "services": []any{"a", "b"}, "success_rate": 0.5, "_score": 1.0},
		{"runbook_id": "lucky", "services": []any{"z"}, "success_rate": 1.0, "_score": 2.0},
	}

	best, score := c.rankRunbooks(hits, []string{"a", "b"})
	require.NotNil(t, best)
	// Full overlap (0.4) + half success (0.2) + half search (0.1) beats
	// zero overlap (0) + full success (0.4) + full search (0.2).
	assert.Equal(t, "overlap", best["runbook_id"])
	assert.InDelta(t, 0.7, score, 0.0001)
}

func TestCommanderFallbackPlanOnError(t *testing.T) {
	st := memstore.New()
	deps := testDeps(t, st)
	// No planning tools registered at all: buildPlan fails, the fallback
	// plan must still validate.
	c := NewCommander(deps)

	response, err := c.Handle(context.Background(), planPayload("high", "api-gateway"))
	require.NoError(t, err)

	plan, _ := response["plan"].(map[string]any)
	require.NotNil(t, plan)
	actions, _ := plan["actions"].([]any)
	require.Len(t, actions, 1)
	only, _ := actions[0].(map[string]any)
	assert.Equal(t, "communication", only["action_type"])
	assert.Equal(t, false, plan["requires_approval"])
}
