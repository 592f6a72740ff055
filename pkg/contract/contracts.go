package contract

// Contract names for every request/response payload crossing the bus.
const (
	TriageRequest       = "triage.request"
	TriageResponse      = "triage.response"
	InvestigateRequest  = "investigate.request"
	InvestigateResponse = "investigate.response"
	SweepRequest        = "sweep.request"
	SweepResponse       = "sweep.response"
	PlanRequest         = "plan.request"
	PlanResponse        = "plan.response"
	ExecuteRequest      = "execute.request"
	ExecuteResponse     = "execute.response"
	VerifyRequest       = "verify.request"
	VerifyResponse      = "verify.response"
)

// Shared enums.
var (
	Dispositions    = []string{"investigate", "monitor", "suppress"}
	NextSteps       = []string{"threat_hunt", "plan_remediation", "escalate"}
	ActionTypes     = []string{"containment", "remediation", "communication", "documentation"}
	ExecuteStatuses = []string{"completed", "partial_failure", "failed"}
)

type checkFunc func(*validator, map[string]any)

var registry = map[string]checkFunc{
	TriageRequest:       checkTriageRequest,
	TriageResponse:      checkTriageResponse,
	InvestigateRequest:  checkInvestigateRequest,
	InvestigateResponse: checkInvestigateResponse,
	SweepRequest:        checkSweepRequest,
	SweepResponse:       checkSweepResponse,
	PlanRequest:         checkPlanRequest,
	PlanResponse:        checkPlanResponse,
	ExecuteRequest:      checkExecuteRequest,
	ExecuteResponse:     checkExecuteResponse,
	VerifyRequest:       checkVerifyRequest,
	VerifyResponse:      checkVerifyResponse,
}

func checkTriageRequest(v *validator, p map[string]any) {
	v.requireEnum(p, "task", "triage_alert")
	alert := v.requireMap(p, "alert")
	if alert != nil {
		v.requireString(alert, "alert_id")
	}
}

func checkTriageResponse(v *validator, p map[string]any) {
	v.requireString(p, "alert_id")
	score := v.requireNumber(p, "priority_score")
	v.rangeUnit("priority_score", score)
	v.requireEnum(p, "disposition", Dispositions...)
	v.requireString(p, "severity")
	v.optionalMap(p, "signals")
}

func checkInvestigateRequest(v *validator, p map[string]any) {
	v.requireEnum(p, "task", "investigate")
	v.requireString(p, "incident_id")
	v.requireEnum(p, "mode", "security", "operational")
	v.requireMap(p, "alert")
	v.optionalString(p, "previous_failure_analysis")
	v.optionalMap(p, "change_correlation")
}

func checkInvestigateResponse(v *validator, p map[string]any) {
	v.requireString(p, "incident_id")
	v.requireString(p, "root_cause")
	v.requireEnum(p, "recommended_next", NextSteps...)
	v.requireStringList(p, "affected_services")
	for i, asset := range v.optionalList(p, "compromised_assets") {
		if _, ok := asset["asset_id"].(string); !ok {
			v.addf("compromised_assets[%d].asset_id: must be a string", i)
		}
	}
	v.optionalList(p, "threat_intel_matches")
	v.optionalList(p, "attack_chain")
}

func checkSweepRequest(v *validator, p map[string]any) {
	v.requireEnum(p, "task", "threat_hunt")
	v.requireString(p, "incident_id")
	indicators := v.requireMap(p, "indicators")
	if indicators != nil {
		v.optionalStringList(indicators, "ips")
		v.optionalStringList(indicators, "domains")
		v.optionalStringList(indicators, "hashes")
		v.optionalStringList(indicators, "processes")
	}
	v.optionalStringList(p, "compromised_users")
}

func checkSweepResponse(v *validator, p map[string]any) {
	v.requireString(p, "incident_id")
	for i, asset := range v.requireList(p, "confirmed_compromised") {
		if _, ok := asset["asset_id"].(string); !ok {
			v.addf("confirmed_compromised[%d].asset_id: must be a string", i)
		}
	}
	v.requireList(p, "suspected")
	clean := v.requireNumber(p, "clean_assets")
	if clean < 0 {
		v.addf("clean_assets: must be non-negative, got %v", clean)
	}
	v.optionalList(p, "behavioral_anomalies")
}

func checkPlanRequest(v *validator, p map[string]any) {
	v.requireEnum(p, "task", "plan_remediation")
	v.requireString(p, "incident_id")
	v.requireMap(p, "investigation")
	v.optionalMap(p, "threat_scope")
	v.requireString(p, "severity")
}

func checkPlanRemediationActions(v *validator, plan map[string]any) {
	actions := v.requireList(plan, "actions")
	seen := make(map[float64]bool)
	for i, action := range actions {
		order, ok := asNumber(action["order"])
		if !ok {
			v.addf("actions[%d].order: must be an integer", i)
		} else if seen[order] {
			v.addf("actions[%d].order: duplicate order %v", i, order)
		} else {
			seen[order] = true
		}
		v.requireEnum(action, "action_type", ActionTypes...)
		v.requireString(action, "description")
		v.requireString(action, "target_system")
		if _, present := action["approval_required"]; present {
			v.requireBool(action, "approval_required")
		}
	}
	for i, criterion := range v.optionalList(plan, "success_criteria") {
		v.requireString(criterion, "metric")
		v.requireString(criterion, "operator")
		if _, ok := asNumber(criterion["threshold"]); !ok {
			v.addf("success_criteria[%d].threshold: must be a number", i)
		}
	}
}

func checkPlanResponse(v *validator, p map[string]any) {
	v.requireString(p, "incident_id")
	plan := v.requireMap(p, "plan")
	if plan == nil {
		return
	}
	checkPlanRemediationActions(v, plan)
	v.requireBool(plan, "requires_approval")
}

func checkExecuteRequest(v *validator, p map[string]any) {
	v.requireEnum(p, "task", "execute_plan")
	v.requireString(p, "incident_id")
	actions := v.requireList(p, "actions")
	if len(actions) == 0 {
		v.addf("actions: must be non-empty")
	}
}

func checkExecuteResponse(v *validator, p map[string]any) {
	v.requireString(p, "incident_id")
	v.requireEnum(p, "status", ExecuteStatuses...)
	for i, result := range v.requireList(p, "results") {
		v.requireString(result, "action_id")
		if _, ok := result["execution_status"].(string); !ok {
			v.addf("results[%d].execution_status: must be a string", i)
		}
	}
}

func checkVerifyRequest(v *validator, p map[string]any) {
	v.requireEnum(p, "task", "verify")
	v.requireString(p, "incident_id")
	v.requireList(p, "success_criteria")
	v.requireStringList(p, "affected_services")
}

func checkVerifyResponse(v *validator, p map[string]any) {
	v.requireString(p, "incident_id")
	v.requireBool(p, "passed")
	score := v.requireNumber(p, "health_score")
	v.rangeUnit("health_score", score)
	v.requireList(p, "results")
	v.optionalString(p, "failure_analysis")
}
