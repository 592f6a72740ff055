package agents

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/arome3/vigil/pkg/async"
	"github.com/arome3/vigil/pkg/bus"
	"github.com/arome3/vigil/pkg/contract"
	"github.com/arome3/vigil/pkg/tools"
)

// Verifier checks remediation success: current health metrics per affected
// service, compared against each success criterion's threshold and the
// stored baseline verdict.
type Verifier struct {
	deps   Deps
	logger *slog.Logger
}

// NewVerifier creates the verifier worker.
func NewVerifier(deps Deps) *Verifier {
	return &Verifier{deps: deps, logger: slog.Default().With("agent", "verifier")}
}

// Handle processes a verify request.
func (v *Verifier) Handle(ctx context.Context, payload map[string]any) (map[string]any, error) {
	if err := contract.Validate(contract.VerifyRequest, payload); err != nil {
		return nil, err
	}
	incidentID := getString(payload, "incident_id")
	criteria := getMapList(payload, "success_criteria")
	services := getStringList(payload, "affected_services")

	metrics := v.collectMetrics(ctx, services)

	results := make([]any, 0, len(criteria))
	passedCount := 0
	var failures []string
	for _, criterion := range criteria {
		row := v.evaluateCriterion(ctx, criterion, services, metrics)
		results = append(results, row)
		if getBool(row, "passed") {
			passedCount++
		} else {
			failures = append(failures, fmt.Sprintf("%s %s %v (current %v)",
				getString(criterion, "metric"), getString(criterion, "operator"),
				criterion["threshold"], row["current"]))
		}
	}

	healthScore := 1.0
	if len(criteria) > 0 {
		healthScore = float64(passedCount) / float64(len(criteria))
	}
	passed := healthScore >= v.deps.Cfg.HealthScoreThreshold

	response := map[string]any{
		"incident_id":  incidentID,
		"passed":       passed,
		"health_score": healthScore,
		"results":      results,
	}
	if !passed {
		response["failure_analysis"] = "criteria not met: " + strings.Join(failures, "; ")
	}
	if err := selfValidate(v.logger, contract.VerifyResponse, response); err != nil {
		return nil, err
	}
	return response, nil
}

// collectMetrics asks the sentinel for current health metrics of every
// affected service and keeps the worst value per metric across services.
func (v *Verifier) collectMetrics(ctx context.Context, services []string) map[string]float64 {
	tasks := make([]func(context.Context) (map[string]any, error), 0, len(services))
	for _, service := range services {
		tasks = append(tasks, func(c context.Context) (map[string]any, error) {
			return v.deps.Bus.Send(c, bus.AgentVerifier, bus.AgentSentinel, map[string]any{
				"task":    "get_health_metrics",
				"service": service,
			}, v.deps.Cfg.MonitoringDeadline)
		})
	}

	worst := map[string]float64{}
	for i, settled := range async.ParallelSettle(ctx, 0, tasks) {
		if !settled.Fulfilled {
			v.logger.Warn("Health metrics unavailable for service",
				"service", services[i], "error", settled.Err)
			continue
		}
		for metric, raw := range getMap(settled.Value, "metrics") {
			value, ok := raw.(float64)
			if !ok {
				continue
			}
			if current, seen := worst[metric]; !seen || value > current {
				worst[metric] = value
			}
		}
	}
	return worst
}

// evaluateCriterion applies the dual comparison: the criterion's own
// threshold AND the stored baseline verdict must both pass. A missing
// baseline verdict column counts as passing — only the threshold applies.
func (v *Verifier) evaluateCriterion(ctx context.Context, criterion map[string]any, services []string, metrics map[string]float64) map[string]any {
	metric := getString(criterion, "metric")
	operator := getString(criterion, "operator")
	threshold := getFloat(criterion, "threshold")

	current, present := metrics[metric]
	thresholdPass := present && compareThreshold(current, operator, threshold)
	if !present {
		// A metric the sentinel does not report cannot demonstrate recovery.
		thresholdPass = false
	}

	baselinePass := true
	if result, err := v.deps.Tools.Execute(ctx, "verification-baseline", map[string]any{
		"metric":   metric,
		"services": services,
	}); err == nil {
		baselinePass = baselineVerdict(result)
	} else {
		v.logger.Warn("Baseline verdict query failed, applying threshold only",
			"metric", metric, "error", err)
	}

	return map[string]any{
		"metric":         metric,
		"operator":       operator,
		"threshold":      threshold,
		"current":        currentOrNil(current, present),
		"threshold_pass": thresholdPass,
		"baseline_pass":  baselinePass,
		"passed":         thresholdPass && baselinePass,
	}
}

// baselineVerdict reads the verdict column; absence means pass.
func baselineVerdict(result *tools.Result) bool {
	col, ok := result.ColumnValues("verdict")
	if !ok || len(col) == 0 {
		return true
	}
	switch verdict := col[0].(type) {
	case bool:
		return verdict
	case string:
		return verdict == "pass" || verdict == "passed" || verdict == "true"
	}
	return true
}

func compareThreshold(current float64, operator string, threshold float64) bool {
	switch operator {
	case "lt":
		return current < threshold
	case "lte":
		return current <= threshold
	case "gt":
		return current > threshold
	case "gte":
		return current >= threshold
	case "eq":
		return current == threshold
	}
	return false
}

func currentOrNil(current float64, present bool) any {
	if !present {
		return nil
	}
	return current
}
