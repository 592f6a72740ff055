package coordinator

import (
	"context"
	"fmt"
	"time"

	"github.com/arome3/vigil/pkg/bus"
	"github.com/arome3/vigil/pkg/incident"
	"github.com/arome3/vigil/pkg/store"
)

// planAndExecute is the common planning → approval → execution →
// verification pipeline both flows converge on after investigation.
func (c *Coordinator) planAndExecute(
	ctx context.Context,
	incidentID string,
	alert map[string]any,
	investigation map[string]any,
	threatScope map[string]any,
	severity string,
	isReflection bool,
) (*Outcome, error) {
	logger := c.logger.With("incident_id", incidentID)

	affectedServices := collectAffectedServices(investigation, threatScope)

	plan, err := c.plan(ctx, incidentID, investigation, threatScope, severity)
	if err != nil {
		return c.escalateWithOutcome(ctx, incidentID, fmt.Sprintf("planning failed: %v", err))
	}

	// Reflections skip the approval gate: the plan class was approved on the
	// first pass and re-planned actions inherit that approval.
	if isReflection {
		clearApprovalFlags(plan)
	}

	planMeta := map[string]any{
		"remediation_plan":      plan,
		"affected_services":     affectedServices,
		"investigation_summary": getString(investigation, "root_cause"),
		"investigation_report":  investigation,
	}
	if threatScope != nil {
		planMeta["threat_scope"] = threatScope
	}

	if planRequiresApproval(plan) && !isReflection {
		if _, err := c.machine.Transition(ctx, incidentID, incident.StatusAwaitingApproval, planMeta); err != nil {
			return nil, err
		}
		decision, approver := c.approvalGate(ctx, incidentID, plan)
		logger.Info("Approval gate resolved", "decision", decision, "approver", approver)
		if decision != "approved" {
			if _, err := c.machine.Transition(ctx, incidentID, incident.StatusEscalated, map[string]any{
				"approval_status":   decision,
				"escalation_reason": "approval " + decision,
			}); err != nil {
				return nil, err
			}
			return c.escalateWithOutcome(ctx, incidentID, "approval "+decision)
		}
		if _, err := c.machine.Transition(ctx, incidentID, incident.StatusExecuting, map[string]any{
			"approval_status": "approved",
			"approved_by":     approver,
		}); err != nil {
			return nil, err
		}
	} else {
		if _, err := c.machine.Transition(ctx, incidentID, incident.StatusExecuting, planMeta); err != nil {
			return nil, err
		}
	}

	return c.executeAndVerify(ctx, incidentID, alert, investigation, plan, severity, affectedServices)
}

// executeAndVerify runs the executor and verifier once, resolving on a pass
// and entering the reflection loop on any failure.
func (c *Coordinator) executeAndVerify(
	ctx context.Context,
	incidentID string,
	alert map[string]any,
	investigation map[string]any,
	plan map[string]any,
	severity string,
	affectedServices []any,
) (*Outcome, error) {
	logger := c.logger.With("incident_id", incidentID)

	execResult, execErr := c.bus.Send(ctx, bus.AgentCoordinator, bus.AgentExecutor, map[string]any{
		"task":        "execute_plan",
		"incident_id": incidentID,
		"actions":     plan["actions"],
	}, c.cfg.ExecutorDeadline+10*time.Second)

	if _, err := c.machine.Transition(ctx, incidentID, incident.StatusVerifying, nil); err != nil {
		return nil, err
	}

	if execErr != nil || getString(execResult, "status") == "failed" {
		reason := "execution failed"
		if execErr != nil {
			reason = fmt.Sprintf("execution failed: %v", execErr)
		} else if errMsg := getString(execResult, "error"); errMsg != "" {
			reason = "execution failed: " + errMsg
		}
		logger.Warn("Executor failed, entering reflection", "reason", reason)
		synthetic := map[string]any{
			"incident_id":      incidentID,
			"passed":           false,
			"health_score":     0.0,
			"results":          []any{},
			"failure_analysis": reason,
		}
		return c.reflectionLoop(ctx, incidentID, alert, severity, synthetic)
	}

	verify, err := c.verify(ctx, incidentID, plan, affectedServices)
	if err != nil {
		synthetic := map[string]any{
			"incident_id":      incidentID,
			"passed":           false,
			"health_score":     0.0,
			"results":          []any{},
			"failure_analysis": fmt.Sprintf("verification failed: %v", err),
		}
		return c.reflectionLoop(ctx, incidentID, alert, severity, synthetic)
	}

	if getBool(verify, "passed") {
		return c.resolve(ctx, incidentID, verify)
	}
	return c.reflectionLoop(ctx, incidentID, alert, severity, verify)
}

// reflectionLoop retries investigation, planning, execution and verification
// until the verifier passes or the reflection limit escalates the incident.
// Each iteration is sequential; no two iterations of one incident overlap.
// The recursion through planAndExecute is bounded by the reflection limit:
// every entry increments reflection_count and the machine escalates at the
// configured maximum.
func (c *Coordinator) reflectionLoop(
	ctx context.Context,
	incidentID string,
	alert map[string]any,
	severity string,
	lastVerify map[string]any,
) (*Outcome, error) {
	logger := c.logger.With("incident_id", incidentID)

	res, err := c.machine.Transition(ctx, incidentID, incident.StatusReflecting, map[string]any{
		"verifier":             lastVerify,
		"verification_results": c.appendVerification(ctx, incidentID, lastVerify),
	})
	if err != nil {
		return nil, err
	}
	if res.AutoEscalated {
		reason := fmt.Sprintf("reflection limit reached (%d loops)", res.Incident.ReflectionCount)
		c.recordEscalation(ctx, incidentID, reason, c.reflectionContext(res.Incident, lastVerify))
		logger.Warn("Reflection limit reached, incident escalated",
			"reflection_count", res.Incident.ReflectionCount)
		return &Outcome{IncidentID: incidentID, Status: "escalated", Reason: reason}, nil
	}
	logger.Info("Entering reflection", "reflection_count", res.Incident.ReflectionCount)

	if _, err := c.machine.Transition(ctx, incidentID, incident.StatusInvestigating, nil); err != nil {
		return nil, err
	}

	failureAnalysis := getString(lastVerify, "failure_analysis")
	investigation, err := c.investigate(ctx, incidentID, alert, c.incidentMode(ctx, incidentID), failureAnalysis)
	if err != nil {
		return c.escalateWithOutcome(ctx, incidentID, fmt.Sprintf("reflection investigation failed: %v", err))
	}
	if getString(investigation, "recommended_next") == "escalate" {
		return c.escalateWithOutcome(ctx, incidentID, getString(investigation, "root_cause"))
	}

	// The threat hunt is skipped on reflections.
	if _, err := c.machine.Transition(ctx, incidentID, incident.StatusPlanning, nil); err != nil {
		return nil, err
	}

	return c.planAndExecute(ctx, incidentID, alert, investigation, nil, severity, true)
}

// resolve commits the terminal resolved transition with timing metrics.
func (c *Coordinator) resolve(ctx context.Context, incidentID string, verify map[string]any) (*Outcome, error) {
	meta := map[string]any{
		"verifier":             verify,
		"verification_results": c.appendVerification(ctx, incidentID, verify),
	}
	if timings := c.timingMetrics(ctx, incidentID); timings != nil {
		meta["timing_metrics"] = timings
	}
	if _, err := c.machine.Transition(ctx, incidentID, incident.StatusResolved, meta); err != nil {
		return nil, err
	}
	c.logger.Info("Incident resolved", "incident_id", incidentID)
	return &Outcome{IncidentID: incidentID, Status: "resolved"}, nil
}

func (c *Coordinator) plan(ctx context.Context, incidentID string, investigation, threatScope map[string]any, severity string) (map[string]any, error) {
	payload := map[string]any{
		"task":          "plan_remediation",
		"incident_id":   incidentID,
		"investigation": investigation,
		"severity":      severity,
	}
	if threatScope != nil {
		payload["threat_scope"] = threatScope
	}
	response, err := c.bus.Send(ctx, bus.AgentCoordinator, bus.AgentCommander, payload,
		c.cfg.PlanningDeadline+5*time.Second)
	if err != nil {
		return nil, err
	}
	plan := getMap(response, "plan")
	if plan == nil {
		return nil, fmt.Errorf("commander returned no plan")
	}
	return plan, nil
}

func (c *Coordinator) verify(ctx context.Context, incidentID string, plan map[string]any, affectedServices []any) (map[string]any, error) {
	criteria := plan["success_criteria"]
	if criteria == nil {
		criteria = []any{}
	}
	return c.bus.Send(ctx, bus.AgentCoordinator, bus.AgentVerifier, map[string]any{
		"task":              "verify",
		"incident_id":       incidentID,
		"success_criteria":  criteria,
		"affected_services": affectedServices,
	}, c.cfg.MonitoringDeadline+5*time.Second)
}

// approvalGate delegates to the approval workflow, then polls the decisions
// index until the plan-level decision arrives or the timeout fires.
func (c *Coordinator) approvalGate(ctx context.Context, incidentID string, plan map[string]any) (decision, approver string) {
	_, err := c.bus.Send(ctx, bus.AgentCoordinator, bus.WorkflowApproval, map[string]any{
		"incident_id": incidentID,
		"action_id":   "plan",
		"description": fmt.Sprintf("remediation plan with %d actions", len(getMapList(plan, "actions"))),
	}, c.cfg.WorkflowTimeout)
	if err != nil {
		c.logger.Warn("Approval workflow delegation failed; polling anyway",
			"incident_id", incidentID, "error", err)
	}

	deadline := time.NewTimer(c.cfg.ApprovalTimeout)
	defer deadline.Stop()
	ticker := time.NewTicker(c.cfg.ApprovalPollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return "timeout", ""
		case <-deadline.C:
			return "timeout", ""
		case <-ticker.C:
			result, err := c.store.Search(ctx, store.IndexApprovalResponses, approvalQuery(incidentID, "plan"))
			if err != nil {
				c.logger.Warn("Approval poll failed", "incident_id", incidentID, "error", err)
				continue
			}
			if len(result.Hits) == 0 {
				continue
			}
			hit := result.Hits[0].Source
			switch getString(hit, "value") {
			case "approve", "approved":
				return "approved", getString(hit, "user")
			case "reject", "rejected":
				return "rejected", getString(hit, "user")
			}
		}
	}
}

// appendVerification returns the incident's verification history plus the
// newest result.
func (c *Coordinator) appendVerification(ctx context.Context, incidentID string, verify map[string]any) []any {
	inc, err := c.machine.Get(ctx, incidentID)
	if err != nil {
		return []any{verify}
	}
	out := make([]any, 0, len(inc.VerificationResults)+1)
	for _, existing := range inc.VerificationResults {
		out = append(out, existing)
	}
	return append(out, verify)
}

// timingMetrics derives TTD/TTI/TTR/TTV and total duration from the
// incident's state timestamps.
func (c *Coordinator) timingMetrics(ctx context.Context, incidentID string) map[string]any {
	inc, err := c.machine.Get(ctx, incidentID)
	if err != nil {
		return nil
	}
	now := c.now().UTC()

	spans := map[string]any{}
	between := func(fromState, toState incident.Status) (float64, bool) {
		from, okFrom := inc.StateEnteredAt(fromState)
		to, okTo := inc.StateEnteredAt(toState)
		if !okFrom || !okTo {
			return 0, false
		}
		seconds := to.Sub(from).Seconds()
		if seconds < 0 {
			seconds = 0
		}
		return seconds, true
	}

	if ttd, ok := between(incident.StatusDetected, incident.StatusTriaged); ok {
		spans["ttd_seconds"] = ttd
	}
	if tti, ok := between(incident.StatusInvestigating, incident.StatusPlanning); ok {
		spans["tti_seconds"] = tti
	}
	if ttr, ok := between(incident.StatusExecuting, incident.StatusVerifying); ok {
		spans["ttr_seconds"] = ttr
	}
	if entered, ok := inc.StateEnteredAt(incident.StatusVerifying); ok {
		spans["ttv_seconds"] = maxFloat(now.Sub(entered).Seconds(), 0)
	}
	spans["total_seconds"] = maxFloat(now.Sub(inc.CreatedTime()).Seconds(), 0)
	return spans
}

// incidentMode reads the stored flow mode, defaulting to security.
func (c *Coordinator) incidentMode(ctx context.Context, incidentID string) string {
	inc, err := c.machine.Get(ctx, incidentID)
	if err != nil || inc.Mode == "" {
		return "security"
	}
	return inc.Mode
}

// reflectionContext gathers the accumulated escalation context: the last
// root cause, affected services, and every verification result.
func (c *Coordinator) reflectionContext(inc *incident.Incident, lastVerify map[string]any) map[string]any {
	return map[string]any{
		"last_root_cause":      inc.InvestigationSummary,
		"affected_services":    inc.AffectedServices,
		"verification_results": inc.VerificationResults,
		"last_failure":         getString(lastVerify, "failure_analysis"),
	}
}

func collectAffectedServices(investigation, threatScope map[string]any) []any {
	seen := map[string]bool{}
	var out []any
	for _, s := range getStringList(investigation, "affected_services") {
		if !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}
	for _, asset := range getMapList(threatScope, "confirmed_compromised") {
		if s := getString(asset, "service"); s != "" && !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}
	if out == nil {
		out = []any{}
	}
	return out
}

func planRequiresApproval(plan map[string]any) bool {
	for _, action := range getMapList(plan, "actions") {
		if getBool(action, "approval_required") {
			return true
		}
	}
	return false
}

func clearApprovalFlags(plan map[string]any) {
	for _, action := range getMapList(plan, "actions") {
		action["approval_required"] = false
	}
}

func approvalQuery(incidentID, actionID string) store.SearchRequest {
	return store.SearchRequest{
		Query: map[string]any{
			"bool": map[string]any{
				"filter": []map[string]any{
					{"term": map[string]any{"incident_id": incidentID}},
					{"term": map[string]any{"action_id": actionID}},
				},
			},
		},
		Sort: []map[string]any{{"@timestamp": map[string]any{"order": "desc"}}},
		Size: 1,
	}
}

func maxFloat(a, b float64) float64 {
	if a > b {
		return a
	}
	return b
}
