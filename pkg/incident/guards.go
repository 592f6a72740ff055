package incident

import "fmt"

// GuardInput is what a guard sees: the incident as read plus the transition
// metadata supplied by the caller. Metadata wins over stored fields so a
// caller can carry the triggering result (e.g. the verifier response) in the
// same call that transitions.
type GuardInput struct {
	Incident *Incident
	Meta     map[string]any
}

// GuardResult is a guard verdict. When Allowed is false and RedirectTo is
// set, the machine retargets the transition instead of failing.
type GuardResult struct {
	Allowed    bool
	RedirectTo Status
	Reason     string
}

// Guard evaluates one edge of the transition table.
type Guard func(in GuardInput) GuardResult

type edge struct {
	from Status
	to   Status
}

// GuardConfig holds the thresholds guards evaluate against.
type GuardConfig struct {
	SuppressThreshold  float64
	MaxReflectionLoops int
}

// buildGuards assembles the full guard registry.
func buildGuards(cfg GuardConfig) map[edge]Guard {
	return map[edge]Guard{
		{StatusTriaged, StatusSuppressed}: func(in GuardInput) GuardResult {
			score := in.priorityScore()
			if score < cfg.SuppressThreshold {
				return GuardResult{Allowed: true}
			}
			return GuardResult{
				Reason: fmt.Sprintf("priority_score %.2f is not below suppress threshold %.2f", score, cfg.SuppressThreshold),
			}
		},
		{StatusTriaged, StatusInvestigating}: func(in GuardInput) GuardResult {
			score := in.priorityScore()
			if score >= cfg.SuppressThreshold {
				return GuardResult{Allowed: true}
			}
			return GuardResult{
				RedirectTo: StatusSuppressed,
				Reason:     fmt.Sprintf("priority_score %.2f is below suppress threshold %.2f", score, cfg.SuppressThreshold),
			}
		},
		{StatusPlanning, StatusAwaitingApproval}: func(in GuardInput) GuardResult {
			if in.planRequiresApproval() {
				return GuardResult{Allowed: true}
			}
			return GuardResult{
				RedirectTo: StatusExecuting,
				Reason:     "no planned action requires approval",
			}
		},
		{StatusPlanning, StatusExecuting}: func(in GuardInput) GuardResult {
			if !in.planRequiresApproval() {
				return GuardResult{Allowed: true}
			}
			return GuardResult{
				RedirectTo: StatusAwaitingApproval,
				Reason:     "plan contains actions requiring approval",
			}
		},
		{StatusAwaitingApproval, StatusExecuting}: func(in GuardInput) GuardResult {
			status := in.approvalStatus()
			if status == "approved" {
				return GuardResult{Allowed: true}
			}
			return GuardResult{Reason: fmt.Sprintf("approval_status is %q, not approved", status)}
		},
		{StatusAwaitingApproval, StatusEscalated}: func(in GuardInput) GuardResult {
			status := in.approvalStatus()
			if status == "rejected" || status == "timeout" {
				return GuardResult{Allowed: true}
			}
			return GuardResult{Reason: fmt.Sprintf("approval_status is %q, not rejected or timeout", status)}
		},
		{StatusVerifying, StatusResolved}: func(in GuardInput) GuardResult {
			passed, ok := in.verifierPassed()
			if ok && passed {
				return GuardResult{Allowed: true}
			}
			return GuardResult{Reason: "verifier did not pass"}
		},
		// The reflection limit is enforced after commit: a limit-exceeding
		// entry into reflecting completes (legal from verifying) and is
		// immediately followed by reflecting → escalated.
		{StatusVerifying, StatusReflecting}: func(in GuardInput) GuardResult {
			passed, ok := in.verifierPassed()
			if ok && !passed {
				return GuardResult{Allowed: true}
			}
			return GuardResult{Reason: "verifier passed; nothing to reflect on"}
		},
		{StatusReflecting, StatusEscalated}: func(in GuardInput) GuardResult {
			if in.Incident.ReflectionCount >= cfg.MaxReflectionLoops {
				return GuardResult{Allowed: true}
			}
			return GuardResult{
				Reason: fmt.Sprintf("reflection_count %d is below limit %d", in.Incident.ReflectionCount, cfg.MaxReflectionLoops),
			}
		},
	}
}

func (in GuardInput) priorityScore() float64 {
	if raw, ok := in.Meta["priority_score"]; ok {
		if f, ok := toFloat(raw); ok {
			return f
		}
	}
	return in.Incident.PriorityScore
}

func (in GuardInput) approvalStatus() string {
	if s, ok := in.Meta["approval_status"].(string); ok {
		return s
	}
	return in.Incident.ApprovalStatus
}

func (in GuardInput) planRequiresApproval() bool {
	plan := in.Incident.RemediationPlan
	if raw, ok := in.Meta["remediation_plan"].(map[string]any); ok {
		plan = raw
	}
	if plan == nil {
		return false
	}
	actions, _ := plan["actions"].([]any)
	for _, raw := range actions {
		action, ok := raw.(map[string]any)
		if !ok {
			continue
		}
		if required, _ := action["approval_required"].(bool); required {
			return true
		}
	}
	// Plans decoded from typed values carry []map[string]any instead.
	if typed, ok := plan["actions"].([]map[string]any); ok {
		for _, action := range typed {
			if required, _ := action["approval_required"].(bool); required {
				return true
			}
		}
	}
	return false
}

func (in GuardInput) verifierPassed() (passed, present bool) {
	verifier, ok := in.Meta["verifier"].(map[string]any)
	if !ok {
		return false, false
	}
	p, ok := verifier["passed"].(bool)
	return p, ok
}

func toFloat(raw any) (float64, bool) {
	switch n := raw.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	}
	return 0, false
}
