package agents

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/arome3/vigil/pkg/audit"
	"github.com/arome3/vigil/pkg/bus"
	"github.com/arome3/vigil/pkg/contract"
	"github.com/arome3/vigil/pkg/incident"
	"github.com/arome3/vigil/pkg/store"
)

// workflowRouting maps action types to effector workflow ids.
var workflowRouting = map[string]string{
	"containment":   bus.WorkflowContainment,
	"remediation":   bus.WorkflowRemediation,
	"communication": bus.WorkflowNotify,
	"documentation": bus.WorkflowTicketing,
}

// maxApprovalPollErrors is how many consecutive transient polling failures
// the per-action approval gate tolerates before treating the gate as failed.
const maxApprovalPollErrors = 3

// Executor runs a remediation plan: strictly ordered per-action dispatch to
// effector workflows, per-action approval gates, audit emission for every
// attempt, and deadline handling that marks unreached actions skipped.
type Executor struct {
	deps   Deps
	logger *slog.Logger
}

// NewExecutor creates the executor worker.
func NewExecutor(deps Deps) *Executor {
	return &Executor{deps: deps, logger: slog.Default().With("agent", "executor")}
}

// actionOutcome accumulates one action's result row.
type actionOutcome struct {
	actionID string
	action   map[string]any
	status   string
	summary  string
	errMsg   string
	approver string
}

// Handle processes an execute_plan request. Malformed plans return a
// structured failed response rather than an error; a repeat invocation for
// an incident that already has action audit rows is a no-op.
func (e *Executor) Handle(ctx context.Context, payload map[string]any) (map[string]any, error) {
	if err := contract.Validate(contract.ExecuteRequest, payload); err != nil {
		return nil, err
	}
	incidentID := getString(payload, "incident_id")
	logger := e.logger.With("incident_id", incidentID)

	actions := getMapList(payload, "actions")
	if failure := e.validateActions(incidentID, actions); failure != nil {
		return failure, nil
	}

	ordered := e.sortAndDedupe(logger, actions)

	// Idempotency guard: prior action audit rows mean this plan already ran
	// (or started); re-running actions would double side effects.
	if done, err := e.deps.Audit.HasRecords(ctx, incidentID); err != nil {
		logger.Warn("Idempotency check failed, proceeding with execution", "error", err)
	} else if done {
		logger.Info("Action audit rows already exist, returning no-op response")
		response := map[string]any{
			"incident_id":       incidentID,
			"status":            "completed",
			"results":           []any{},
			"actions_completed": 0,
			"noop":              true,
		}
		if err := selfValidate(logger, contract.ExecuteResponse, response); err != nil {
			return nil, err
		}
		return response, nil
	}

	execCtx, cancel := context.WithTimeout(ctx, e.deps.Cfg.ExecutorDeadline)
	defer cancel()

	outcomes := make([]*actionOutcome, 0, len(ordered))
	stopped := false
	for _, action := range ordered {
		out := &actionOutcome{
			actionID: incident.NewActionID(time.Now()),
			action:   action,
		}
		outcomes = append(outcomes, out)

		if stopped {
			out.status = audit.StatusSkipped
			out.errMsg = "previous action did not complete"
			e.writeActionAudit(incidentID, out, time.Now(), time.Now())
			continue
		}
		if execCtx.Err() != nil {
			out.status = audit.StatusSkipped
			out.errMsg = "deadline exceeded"
			e.writeActionAudit(incidentID, out, time.Now(), time.Now())
			continue
		}

		started := time.Now()
		e.runAction(execCtx, incidentID, out)
		e.writeActionAudit(incidentID, out, started, time.Now())
		if e.deps.OnAction != nil {
			e.deps.OnAction(out.status)
		}

		if out.status != audit.StatusCompleted {
			// Strict ordering: nothing after a failed (or unapproved) action
			// may run.
			stopped = true
		}
	}

	response := e.aggregate(incidentID, outcomes)
	if err := selfValidate(logger, contract.ExecuteResponse, response); err != nil {
		return nil, err
	}
	return response, nil
}

// validateActions returns a structured failed response when the plan is
// unusable, nil when it is valid.
func (e *Executor) validateActions(incidentID string, actions []map[string]any) map[string]any {
	fail := func(reason string) map[string]any {
		return map[string]any{
			"incident_id":       incidentID,
			"status":            "failed",
			"results":           []any{},
			"actions_completed": 0,
			"error":             reason,
		}
	}
	if len(actions) == 0 {
		return fail("plan has no actions")
	}
	for i, action := range actions {
		if _, ok := getInt(action, "order"); !ok {
			return fail(fmt.Sprintf("action %d is missing an integer order", i))
		}
		if getString(action, "description") == "" || getString(action, "target_system") == "" {
			return fail(fmt.Sprintf("action %d is missing required fields", i))
		}
		actionType := getString(action, "action_type")
		if _, known := workflowRouting[actionType]; !known {
			return fail(fmt.Sprintf("action %d has unknown action_type %q", i, actionType))
		}
	}
	return nil
}

// sortAndDedupe orders actions by ascending order value; duplicate orders
// keep the first occurrence.
func (e *Executor) sortAndDedupe(logger *slog.Logger, actions []map[string]any) []map[string]any {
	sorted := make([]map[string]any, len(actions))
	copy(sorted, actions)
	sort.SliceStable(sorted, func(i, j int) bool {
		oi, _ := getInt(sorted[i], "order")
		oj, _ := getInt(sorted[j], "order")
		return oi < oj
	})

	seen := map[int]bool{}
	out := make([]map[string]any, 0, len(sorted))
	for _, action := range sorted {
		order, _ := getInt(action, "order")
		if seen[order] {
			continue
		}
		seen[order] = true
		out = append(out, action)
	}
	if dropped := len(sorted) - len(out); dropped > 0 {
		logger.Info("Dropped duplicate-order actions", "count", dropped)
	}
	return out
}

// runAction drives one action through its approval gate and effector
// workflow, filling the outcome in place.
func (e *Executor) runAction(ctx context.Context, incidentID string, out *actionOutcome) {
	action := out.action

	if getBool(action, "approval_required") {
		decision, approver, err := e.approvalGate(ctx, incidentID, out.actionID, action)
		if err != nil {
			out.status = audit.StatusFailed
			out.errMsg = fmt.Sprintf("approval gate: %v", err)
			return
		}
		out.approver = approver
		switch decision {
		case "approved":
			// fall through to dispatch
		case "rejected":
			out.status = audit.StatusFailed
			out.errMsg = "action rejected by approver"
			return
		default: // timeout
			out.status = audit.StatusFailed
			out.errMsg = "approval timed out"
			return
		}
	}

	workflowID := workflowRouting[getString(action, "action_type")]
	result, err := e.deps.Bus.Send(ctx, bus.AgentExecutor, workflowID, map[string]any{
		"incident_id":   incidentID,
		"action_id":     out.actionID,
		"action_type":   getString(action, "action_type"),
		"description":   getString(action, "description"),
		"target_system": getString(action, "target_system"),
		"target_asset":  getString(action, "target_asset"),
		"params":        getMap(action, "params"),
	}, e.deps.Cfg.WorkflowTimeout)
	if err != nil {
		out.status = audit.StatusFailed
		out.errMsg = err.Error()
		return
	}
	if status := getString(result, "status"); status != "" && status != "success" && status != "completed" {
		out.status = audit.StatusFailed
		out.errMsg = fmt.Sprintf("workflow %s returned status %q: %s", workflowID, status, getString(result, "error"))
		return
	}

	out.status = audit.StatusCompleted
	out.summary = getString(result, "result_summary")
	if out.summary == "" {
		out.summary = fmt.Sprintf("workflow %s completed", workflowID)
	}
}

// approvalGate requests approval and polls the decisions index until a
// matching decision arrives or the approval timeout fires. Up to
// maxApprovalPollErrors consecutive transient poll failures are tolerated.
func (e *Executor) approvalGate(ctx context.Context, incidentID, actionID string, action map[string]any) (decision, approver string, err error) {
	_, err = e.deps.Bus.Send(ctx, bus.AgentExecutor, bus.WorkflowApproval, map[string]any{
		"incident_id": incidentID,
		"action_id":   actionID,
		"description": getString(action, "description"),
		"action_type": getString(action, "action_type"),
		"target":      getString(action, "target_asset"),
	}, e.deps.Cfg.WorkflowTimeout)
	if err != nil {
		return "", "", fmt.Errorf("sending approval request: %w", err)
	}

	deadline := time.NewTimer(e.deps.Cfg.ApprovalTimeout)
	defer deadline.Stop()
	ticker := time.NewTicker(e.deps.Cfg.ApprovalPollInterval)
	defer ticker.Stop()

	pollErrors := 0
	for {
		select {
		case <-ctx.Done():
			return "timeout", "", nil
		case <-deadline.C:
			return "timeout", "", nil
		case <-ticker.C:
			value, user, found, pollErr := e.pollDecision(ctx, incidentID, actionID)
			if pollErr != nil {
				pollErrors++
				e.logger.Warn("Approval poll failed",
					"incident_id", incidentID, "action_id", actionID,
					"consecutive_errors", pollErrors, "error", pollErr)
				if pollErrors >= maxApprovalPollErrors {
					return "", "", fmt.Errorf("approval polling failed %d times: %w", pollErrors, pollErr)
				}
				continue
			}
			pollErrors = 0
			if !found {
				continue
			}
			switch value {
			case "approve", "approved":
				return "approved", user, nil
			case "reject", "rejected":
				return "rejected", user, nil
			default:
				// more_info and anything else keeps the gate open.
				continue
			}
		}
	}
}

func (e *Executor) pollDecision(ctx context.Context, incidentID, actionID string) (value, user string, found bool, err error) {
	result, err := e.deps.Store.Search(ctx, store.IndexApprovalResponses, store.SearchRequest{
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
	})
	if err != nil {
		return "", "", false, err
	}
	if len(result.Hits) == 0 {
		return "", "", false, nil
	}
	hit := result.Hits[0].Source
	return getString(hit, "value"), getString(hit, "user"), true, nil
}

// writeActionAudit records the attempt. Fire-and-forget: an audit write
// failure never unwinds the pipeline, but the write itself uses
// wait-for-visible refresh so the idempotency guard observes it.
func (e *Executor) writeActionAudit(incidentID string, out *actionOutcome, started, completed time.Time) {
	rec := audit.Record{
		ActionID:         out.actionID,
		IncidentID:       incidentID,
		ActionType:       "plan_action",
		ActionDetail:     getString(out.action, "description"),
		ExecutionStatus:  out.status,
		StartedAt:        started.UTC().Format(time.RFC3339Nano),
		CompletedAt:      completed.UTC().Format(time.RFC3339Nano),
		DurationMS:       completed.Sub(started).Milliseconds(),
		ApprovalRequired: getBool(out.action, "approval_required"),
		ApprovedBy:       out.approver,
		WorkflowID:       workflowRouting[getString(out.action, "action_type")],
		ResultSummary:    out.summary,
		ErrorMessage:     out.errMsg,
		RollbackAvail:    getString(out.action, "rollback_steps") != "",
	}
	if out.approver != "" {
		rec.ApprovedAt = completed.UTC().Format(time.RFC3339Nano)
	}
	e.deps.Audit.WriteAsync(rec)
}

// aggregate derives the overall status: completed when everything ran,
// partial_failure when some did, failed when nothing completed.
func (e *Executor) aggregate(incidentID string, outcomes []*actionOutcome) map[string]any {
	completed, skippedOrFailed := 0, 0
	results := make([]any, 0, len(outcomes))
	for _, out := range outcomes {
		if out.status == audit.StatusCompleted {
			completed++
		} else {
			skippedOrFailed++
		}
		row := map[string]any{
			"action_id":        out.actionID,
			"execution_status": out.status,
			"description":      getString(out.action, "description"),
		}
		if out.summary != "" {
			row["result_summary"] = out.summary
		}
		if out.errMsg != "" {
			row["error"] = out.errMsg
		}
		results = append(results, row)
	}

	status := "failed"
	switch {
	case completed > 0 && skippedOrFailed == 0:
		status = "completed"
	case completed > 0:
		status = "partial_failure"
	}

	return map[string]any{
		"incident_id":       incidentID,
		"status":            status,
		"results":           results,
		"actions_completed": completed,
	}
}
