package agents

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/arome3/vigil/pkg/async"
	"github.com/arome3/vigil/pkg/contract"
	"github.com/arome3/vigil/pkg/tools"
)

// Commander scoring and matching constants.
const (
	runbookMatchThreshold = 0.45
	impactConcurrency     = 10

	weightServiceOverlap = 0.4
	weightSuccessRate    = 0.4
	weightSearchScore    = 0.2
)

// staticTier1Assets is the fallback critical-asset set used when the asset
// index cannot be read.
var staticTier1Assets = []string{"api-gateway", "auth-service", "payments", "primary-db"}

// Commander turns an investigation into an ordered remediation plan, either
// from a matched runbook or synthesized from scratch.
type Commander struct {
	deps   Deps
	logger *slog.Logger
}

// NewCommander creates the commander worker.
func NewCommander(deps Deps) *Commander {
	return &Commander{deps: deps, logger: slog.Default().With("agent", "commander")}
}

// Handle processes a plan_remediation request. Any failure degrades to a
// fallback plan with a single no-op notify action; planning never hard-fails
// an incident.
func (c *Commander) Handle(ctx context.Context, payload map[string]any) (map[string]any, error) {
	if err := contract.Validate(contract.PlanRequest, payload); err != nil {
		return nil, err
	}
	incidentID := getString(payload, "incident_id")
	severity := getString(payload, "severity")

	plan, err := async.DeadlineRace(ctx, "planning", c.deps.Cfg.PlanningDeadline,
		func(raceCtx context.Context) (map[string]any, error) {
			return c.buildPlan(raceCtx, payload)
		})
	if err != nil {
		c.logger.Error("Planning failed, using fallback plan", "incident_id", incidentID, "error", err)
		plan = c.fallbackPlan(incidentID, severity, err)
	}

	response := map[string]any{
		"incident_id": incidentID,
		"plan":        plan,
	}
	if err := selfValidate(c.logger, contract.PlanResponse, response); err != nil {
		return nil, err
	}
	return response, nil
}

func (c *Commander) buildPlan(ctx context.Context, payload map[string]any) (map[string]any, error) {
	investigation := getMap(payload, "investigation")
	severity := getString(payload, "severity")
	services := getStringList(investigation, "affected_services")
	rootCause := getString(investigation, "root_cause")

	type runbookOut struct{ hits []map[string]any }
	type impactOut struct{ assessments []map[string]any }
	type tierOut struct{ assets map[string]bool }

	runbookTask := func(raceCtx context.Context) (*tools.Result, error) {
		return c.deps.Tools.Execute(raceCtx, "runbook-search", map[string]any{"query": rootCause})
	}
	impactTask := func(raceCtx context.Context) ([]map[string]any, error) {
		return c.assessServiceImpact(raceCtx, services), nil
	}
	tierTask := func(raceCtx context.Context) (map[string]bool, error) {
		return c.loadTier1Assets(raceCtx), nil
	}

	var (
		runbooks runbookOut
		impact   impactOut
		tier1    tierOut
	)
	settled := async.ParallelSettle(ctx, 0, []func(context.Context) (any, error){
		func(raceCtx context.Context) (any, error) { return runbookTask(raceCtx) },
		func(raceCtx context.Context) (any, error) { return impactTask(raceCtx) },
		func(raceCtx context.Context) (any, error) { return tierTask(raceCtx) },
	})
	if !settled[0].Fulfilled {
		// The runbook catalog is the commander's primary input; without it
		// the caller gets the fallback plan.
		return nil, fmt.Errorf("runbook search: %w", settled[0].Err)
	}
	runbooks.hits = settled[0].Value.(*tools.Result).Hits
	if settled[1].Fulfilled {
		impact.assessments, _ = settled[1].Value.([]map[string]any)
	}
	if settled[2].Fulfilled {
		tier1.assets, _ = settled[2].Value.(map[string]bool)
	} else {
		tier1.assets = staticSet()
	}

	best, bestScore := c.rankRunbooks(runbooks.hits, services)

	var actions []map[string]any
	runbookUsed := ""
	if best != nil && bestScore >= runbookMatchThreshold {
		runbookUsed = getString(best, "runbook_id")
		actions = c.actionsFromRunbook(best, services)
	}
	if len(actions) == 0 {
		actions = c.synthesizeActions(services, rootCause)
		runbookUsed = ""
	}

	requiresApproval := false
	for _, action := range actions {
		if c.actionNeedsApproval(action, severity, tier1.assets) {
			action["approval_required"] = true
			requiresApproval = true
		} else if _, set := action["approval_required"]; !set {
			action["approval_required"] = false
		}
	}

	return map[string]any{
		"actions":           toAnyMaps(actions),
		"success_criteria":  toAnyMaps(c.successCriteria(services)),
		"runbook_used":      runbookUsed,
		"requires_approval": requiresApproval,
		"impact_assessment": toAnyMaps(impact.assessments),
	}, nil
}

// rankRunbooks scores candidates on service overlap, historical success
// rate, and search score, each normalized against the candidate pool.
func (c *Commander) rankRunbooks(hits []map[string]any, services []string) (map[string]any, float64) {
	if len(hits) == 0 {
		return nil, 0
	}

	maxSuccess, maxSearch := 0.0, 0.0
	for _, hit := range hits {
		if s := getFloat(hit, "success_rate"); s > maxSuccess {
			maxSuccess = s
		}
		if s := getFloat(hit, "_score"); s > maxSearch {
			maxSearch = s
		}
	}

	serviceSet := map[string]bool{}
	for _, s := range services {
		serviceSet[s] = true
	}

	var best map[string]any
	bestScore := -1.0
	for _, hit := range hits {
		overlap := 0.0
		covered := getStringList(hit, "services")
		if len(serviceSet) > 0 && len(covered) > 0 {
			matched := 0
			for _, s := range covered {
				if serviceSet[s] {
					matched++
				}
			}
			overlap = float64(matched) / float64(len(serviceSet))
		}

		successRate := 0.0
		if maxSuccess > 0 {
			successRate = getFloat(hit, "success_rate") / maxSuccess
		}
		searchScore := 0.0
		if maxSearch > 0 {
			searchScore = getFloat(hit, "_score") / maxSearch
		}

		score := weightServiceOverlap*overlap + weightSuccessRate*successRate + weightSearchScore*searchScore
		if score > bestScore {
			bestScore = score
			best = hit
		}
	}
	return best, bestScore
}

func (c *Commander) actionsFromRunbook(runbook map[string]any, services []string) []map[string]any {
	steps := getMapList(runbook, "steps")
	out := make([]map[string]any, 0, len(steps))
	target := ""
	if len(services) > 0 {
		target = services[0]
	}
	for i, step := range steps {
		action := map[string]any{
			"order":         i + 1,
			"action_type":   normalizeActionType(getString(step, "action_type")),
			"description":   getString(step, "description"),
			"target_system": defaultString(getString(step, "target_system"), "kubernetes"),
			"target_asset":  defaultString(getString(step, "target_asset"), target),
			"params":        getMap(step, "params"),
		}
		if rollback := getString(step, "rollback"); rollback != "" {
			action["rollback_steps"] = rollback
		}
		out = append(out, action)
	}
	return out
}

// synthesizeActions builds the minimal plan when no runbook matches:
// contain the first affected service, notify, and document.
func (c *Commander) synthesizeActions(services []string, rootCause string) []map[string]any {
	target := "unknown"
	if len(services) > 0 {
		target = services[0]
	}
	return []map[string]any{
		{
			"order":         1,
			"action_type":   "containment",
			"description":   fmt.Sprintf("Isolate %s pending manual review", target),
			"target_system": "kubernetes",
			"target_asset":  target,
			"params":        map[string]any{"mode": "quarantine"},
		},
		{
			"order":         2,
			"action_type":   "communication",
			"description":   "Notify the on-call channel of the incident and containment",
			"target_system": "slack",
			"target_asset":  "oncall",
			"params":        map[string]any{"summary": rootCause},
		},
		{
			"order":         3,
			"action_type":   "documentation",
			"description":   "Open a tracking ticket with investigation findings",
			"target_system": "jira",
			"target_asset":  "SECOPS",
			"params":        map[string]any{},
		},
	}
}

// actionNeedsApproval tags destructive work for human sign-off: anything
// touching a tier-1 asset, or containment/remediation on a critical
// incident.
func (c *Commander) actionNeedsApproval(action map[string]any, severity string, tier1 map[string]bool) bool {
	if tier1[getString(action, "target_asset")] {
		return true
	}
	actionType := getString(action, "action_type")
	if (actionType == "containment" || actionType == "remediation") && severity == "critical" {
		return true
	}
	return false
}

func (c *Commander) successCriteria(services []string) []map[string]any {
	criteria := []map[string]any{
		{"metric": "error_rate", "operator": "lt", "threshold": 0.02},
		{"metric": "latency_p95_ms", "operator": "lt", "threshold": 500.0},
	}
	if len(services) > 1 {
		criteria = append(criteria, map[string]any{
			"metric": "healthy_dependencies", "operator": "gte", "threshold": float64(len(services) - 1),
		})
	}
	return criteria
}

// assessServiceImpact runs one impact query per affected service with
// bounded concurrency.
func (c *Commander) assessServiceImpact(ctx context.Context, services []string) []map[string]any {
	tasks := make([]func(context.Context) (map[string]any, error), 0, len(services))
	for _, service := range services {
		tasks = append(tasks, func(raceCtx context.Context) (map[string]any, error) {
			result, err := c.deps.Tools.Execute(raceCtx, "service-impact", map[string]any{"service": service})
			if err != nil {
				return nil, err
			}
			assessment := map[string]any{"service": service}
			if rate, ok := firstFloat(result, "error_rate"); ok {
				assessment["error_rate"] = rate
			}
			if latency, ok := firstFloat(result, "latency_p95_ms"); ok {
				assessment["latency_p95_ms"] = latency
			}
			return assessment, nil
		})
	}

	var out []map[string]any
	for i, settled := range async.ParallelSettle(ctx, impactConcurrency, tasks) {
		if settled.Fulfilled {
			out = append(out, settled.Value)
		} else {
			c.logger.Warn("Service impact assessment failed",
				"service", services[i], "error", settled.Err)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return getString(out[i], "service") < getString(out[j], "service")
	})
	return out
}

// loadTier1Assets reads the critical-asset set, falling back to the static
// list on any failure.
func (c *Commander) loadTier1Assets(ctx context.Context) map[string]bool {
	result, err := c.deps.Tools.Execute(ctx, "tier1-assets", map[string]any{"query": "tier-1"})
	if err != nil {
		c.logger.Warn("Tier-1 asset load failed, using static fallback", "error", err)
		return staticSet()
	}
	out := map[string]bool{}
	for _, hit := range result.Hits {
		if id := getString(hit, "asset_id"); id != "" {
			out[id] = true
		}
	}
	if len(out) == 0 {
		return staticSet()
	}
	return out
}

// fallbackPlan is the single no-op notify action used when planning errors.
func (c *Commander) fallbackPlan(incidentID, severity string, cause error) map[string]any {
	return map[string]any{
		"actions": []any{
			map[string]any{
				"order":             1,
				"action_type":       "communication",
				"description":       fmt.Sprintf("Planning failed (%v); notifying operators for manual remediation", cause),
				"target_system":     "slack",
				"target_asset":      "oncall",
				"params":            map[string]any{"incident_id": incidentID, "severity": severity, "planned_at": time.Now().UTC().Format(time.RFC3339)},
				"approval_required": false,
			},
		},
		"success_criteria":  []any{},
		"runbook_used":      "",
		"requires_approval": false,
	}
}

func normalizeActionType(t string) string {
	switch t {
	case "containment", "remediation", "communication", "documentation":
		return t
	}
	return "remediation"
}

func defaultString(s, def string) string {
	if s == "" {
		return def
	}
	return s
}

func staticSet() map[string]bool {
	out := make(map[string]bool, len(staticTier1Assets))
	for _, a := range staticTier1Assets {
		out[a] = true
	}
	return out
}
