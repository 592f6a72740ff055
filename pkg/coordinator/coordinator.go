// Package coordinator drives incidents end to end: the alert watcher feeds
// the security flow, sentinel anomalies feed the operational flow, and both
// converge on the shared planning → approval → execution → verification
// pipeline with a bounded reflection loop and escalation at every failure
// mode.
package coordinator

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/arome3/vigil/pkg/audit"
	"github.com/arome3/vigil/pkg/bus"
	"github.com/arome3/vigil/pkg/config"
	"github.com/arome3/vigil/pkg/incident"
	"github.com/arome3/vigil/pkg/store"
)

// operationalPriorityScore is the fixed triage score assigned to sentinel
// anomalies: above the suppress gate, below the critical band.
const operationalPriorityScore = 0.6

// Outcome is the coordinator's answer for one orchestrated incident.
type Outcome struct {
	IncidentID string `json:"incident_id"`
	Status     string `json:"status"` // resolved, escalated, suppressed
	Reason     string `json:"reason,omitempty"`
}

// Coordinator orchestrates incidents over the A2A bus.
type Coordinator struct {
	store   store.Store
	bus     *bus.Bus
	machine *incident.Machine
	audit   *audit.Recorder
	cfg     *config.Config
	logger  *slog.Logger
	now     func() time.Time
}

// New creates a coordinator.
func New(s store.Store, b *bus.Bus, machine *incident.Machine, rec *audit.Recorder, cfg *config.Config) *Coordinator {
	c := &Coordinator{
		store:   s,
		bus:     b,
		machine: machine,
		audit:   rec,
		cfg:     cfg,
		logger:  slog.Default().With("component", "coordinator"),
		now:     time.Now,
	}
	b.Register(bus.AgentCoordinator, c.Handle)
	return c
}

// Handle is the coordinator's bus entry point: sentinel anomalies arrive as
// operational_anomaly tasks.
func (c *Coordinator) Handle(ctx context.Context, payload map[string]any) (map[string]any, error) {
	switch getString(payload, "task") {
	case "operational_anomaly":
		outcome, err := c.OrchestrateAnomaly(ctx, getMap(payload, "anomaly"))
		if err != nil {
			return nil, err
		}
		return outcomeMap(outcome), nil
	}
	return nil, fmt.Errorf("unknown coordinator task %q", getString(payload, "task"))
}

// OrchestrateAlert drives the security flow for one claimed alert.
func (c *Coordinator) OrchestrateAlert(ctx context.Context, alert map[string]any) (*Outcome, error) {
	triage, err := c.bus.Send(ctx, bus.AgentCoordinator, bus.AgentTriage, map[string]any{
		"task":  "triage_alert",
		"alert": alert,
	}, c.cfg.TriageDeadline+time.Second)
	if err != nil {
		return nil, fmt.Errorf("triage: %w", err)
	}

	score := getFloat(triage, "priority_score")
	severity := getString(triage, "severity")
	incidentID := incident.NewIncidentID(c.now())
	ctx = bus.WithCorrelationID(ctx, incidentID)
	logger := c.logger.With("incident_id", incidentID)

	inc := incident.New(incidentID, alert, severity, score, "security", c.now())
	if err := c.machine.Create(ctx, inc); err != nil {
		return nil, err
	}
	logger.Info("Incident created", "priority_score", score, "severity", severity)

	if _, err := c.machine.Transition(ctx, incidentID, incident.StatusTriaged, map[string]any{
		"priority_score": score,
		"severity":       severity,
	}); err != nil {
		return nil, err
	}

	// Suppress-gate: low-priority alerts terminate here.
	if score < c.cfg.TriageSuppressThreshold {
		res, err := c.machine.Transition(ctx, incidentID, incident.StatusSuppressed, nil)
		if err != nil {
			return nil, err
		}
		reason := fmt.Sprintf("priority_score %.2f below suppress threshold", score)
		c.notifyTerminal(res.Incident, reason)
		logger.Info("Incident suppressed", "priority_score", score)
		return &Outcome{IncidentID: incidentID, Status: "suppressed", Reason: reason}, nil
	}

	if _, err := c.machine.Transition(ctx, incidentID, incident.StatusInvestigating, nil); err != nil {
		return nil, err
	}

	investigation, err := c.investigate(ctx, incidentID, alert, "security", "")
	if err != nil {
		return c.escalateWithOutcome(ctx, incidentID, fmt.Sprintf("investigation failed: %v", err))
	}
	// A degraded investigator response (deadline overrun) recommends
	// escalation instead of a next pipeline stage.
	if getString(investigation, "recommended_next") == "escalate" {
		return c.escalateWithOutcome(ctx, incidentID, getString(investigation, "root_cause"))
	}

	var threatScope map[string]any
	if getString(investigation, "recommended_next") == "threat_hunt" {
		if _, err := c.machine.Transition(ctx, incidentID, incident.StatusThreatHunting, nil); err != nil {
			return nil, err
		}
		threatScope, err = c.threatHunt(ctx, incidentID, investigation)
		if err != nil {
			logger.Warn("Threat hunt failed, continuing to planning", "error", err)
		}
		if conflict := c.conflictingAssessments(investigation, threatScope); conflict != nil {
			return c.escalateWithOutcome(ctx, incidentID, conflict.reason, conflict.meta)
		}
		if _, err := c.machine.Transition(ctx, incidentID, incident.StatusPlanning, map[string]any{
			"threat_scope": threatScope,
		}); err != nil {
			return nil, err
		}
	} else {
		if _, err := c.machine.Transition(ctx, incidentID, incident.StatusPlanning, nil); err != nil {
			return nil, err
		}
	}

	return c.planAndExecute(ctx, incidentID, alert, investigation, threatScope, severity, false)
}

// OrchestrateAnomaly drives the operational flow for a sentinel anomaly.
// The threat hunt is skipped; a high-confidence change correlation routes
// through the investigator, anything else synthesizes a minimal report from
// the sentinel payload.
func (c *Coordinator) OrchestrateAnomaly(ctx context.Context, anomaly map[string]any) (*Outcome, error) {
	service := getString(anomaly, "service")
	severity := "high"
	if tier := getString(anomaly, "tier"); tier != "tier-1" && tier != "1" {
		severity = "medium"
	}

	alert := map[string]any{
		"alert_id":          fmt.Sprintf("anomaly-%s-%d", service, c.now().Unix()),
		"rule_id":           "ops-anomaly",
		"service":           service,
		"severity_original": severity,
		"anomaly":           anomaly,
	}

	incidentID := incident.NewIncidentID(c.now())
	ctx = bus.WithCorrelationID(ctx, incidentID)

	inc := incident.New(incidentID, alert, severity, operationalPriorityScore, "operational", c.now())
	if err := c.machine.Create(ctx, inc); err != nil {
		return nil, err
	}

	if _, err := c.machine.Transition(ctx, incidentID, incident.StatusTriaged, map[string]any{
		"priority_score": operationalPriorityScore,
		"severity":       severity,
	}); err != nil {
		return nil, err
	}
	if _, err := c.machine.Transition(ctx, incidentID, incident.StatusInvestigating, nil); err != nil {
		return nil, err
	}

	var investigation map[string]any
	correlation := getMap(anomaly, "change_correlation")
	if getString(correlation, "confidence") == "high" {
		var err error
		investigation, err = c.investigate(ctx, incidentID, alert, "operational", "")
		if err != nil {
			return c.escalateWithOutcome(ctx, incidentID, fmt.Sprintf("investigation failed: %v", err))
		}
		if getString(investigation, "recommended_next") == "escalate" {
			return c.escalateWithOutcome(ctx, incidentID, getString(investigation, "root_cause"))
		}
	} else {
		investigation = c.synthesizeOperationalReport(incidentID, service, anomaly)
	}

	if _, err := c.machine.Transition(ctx, incidentID, incident.StatusPlanning, nil); err != nil {
		return nil, err
	}

	return c.planAndExecute(ctx, incidentID, alert, investigation, nil, severity, false)
}

// synthesizeOperationalReport builds the minimal investigation record when
// no high-confidence change correlation warrants a full investigation.
func (c *Coordinator) synthesizeOperationalReport(incidentID, service string, anomaly map[string]any) map[string]any {
	rootCause := fmt.Sprintf("Operational anomaly on %s (classification: %s)",
		service, getString(anomaly, "classification"))
	return map[string]any{
		"incident_id":       incidentID,
		"root_cause":        rootCause,
		"confidence":        0.5,
		"recommended_next":  "plan_remediation",
		"affected_services": []any{service},
		"deviations":        anomaly["deviations"],
	}
}

func (c *Coordinator) investigate(ctx context.Context, incidentID string, alert map[string]any, mode, previousFailure string) (map[string]any, error) {
	payload := map[string]any{
		"task":        "investigate",
		"incident_id": incidentID,
		"mode":        mode,
		"alert":       alert,
	}
	if previousFailure != "" {
		payload["previous_failure_analysis"] = previousFailure
	}
	return c.bus.Send(ctx, bus.AgentCoordinator, bus.AgentInvestigator, payload,
		c.cfg.InvestigationDeadline+5*time.Second)
}

func (c *Coordinator) threatHunt(ctx context.Context, incidentID string, investigation map[string]any) (map[string]any, error) {
	indicators := map[string]any{"ips": []any{}, "domains": []any{}, "hashes": []any{}, "processes": []any{}}
	var users []any
	for _, match := range getMapList(investigation, "threat_intel_matches") {
		for key, target := range map[string]string{"ips": "ips", "domains": "domains", "hashes": "hashes"} {
			for _, v := range getStringList(match, key) {
				indicators[target] = append(indicators[target].([]any), v)
			}
		}
	}
	for _, asset := range getMapList(investigation, "compromised_assets") {
		if user := getString(asset, "user"); user != "" {
			users = append(users, user)
		}
	}
	alertIP := ""
	if alert := getMap(investigation, "alert"); alert != nil {
		alertIP = getString(alert, "source_ip")
	}
	if alertIP != "" {
		indicators["ips"] = append(indicators["ips"].([]any), alertIP)
	}

	return c.bus.Send(ctx, bus.AgentCoordinator, bus.AgentThreatHunter, map[string]any{
		"task":              "threat_hunt",
		"incident_id":       incidentID,
		"indicators":        indicators,
		"compromised_users": users,
	}, c.cfg.SweepDeadline+5*time.Second)
}

type conflict struct {
	reason string
	meta   map[string]any
}

// conflictingAssessments applies the divergence heuristic: when the hunter
// finds at least as many compromised assets outside the investigator's
// high-confidence set as the investigator confirmed, the two assessments
// disagree badly enough that a human must arbitrate.
func (c *Coordinator) conflictingAssessments(investigation, threatScope map[string]any) *conflict {
	if threatScope == nil {
		return nil
	}
	investigatorSet := map[string]bool{}
	for _, asset := range getMapList(investigation, "compromised_assets") {
		if getFloat(asset, "confidence") >= 0.7 {
			investigatorSet[getString(asset, "asset_id")] = true
		}
	}
	if len(investigatorSet) == 0 {
		return nil
	}

	var hunterOnly []string
	for _, asset := range getMapList(threatScope, "confirmed_compromised") {
		id := getString(asset, "asset_id")
		if id != "" && !investigatorSet[id] {
			hunterOnly = append(hunterOnly, id)
		}
	}
	if len(hunterOnly) == 0 || len(hunterOnly) < len(investigatorSet) {
		return nil
	}

	return &conflict{
		reason: fmt.Sprintf("conflicting assessments: hunter found %d compromised assets outside the investigator's %d-asset scope",
			len(hunterOnly), len(investigatorSet)),
		meta: map[string]any{
			"investigator_scope": mapKeys(investigatorSet),
			"hunter_only_scope":  hunterOnly,
		},
	}
}

func outcomeMap(o *Outcome) map[string]any {
	out := map[string]any{"incident_id": o.IncidentID, "status": o.Status}
	if o.Reason != "" {
		out["reason"] = o.Reason
	}
	return out
}

func mapKeys(m map[string]bool) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	return out
}

// Shared untyped-payload helpers.

func getString(m map[string]any, key string) string {
	s, _ := m[key].(string)
	return s
}

func getFloat(m map[string]any, key string) float64 {
	switch n := m[key].(type) {
	case float64:
		return n
	case int:
		return float64(n)
	case int64:
		return float64(n)
	}
	return 0
}

func getBool(m map[string]any, key string) bool {
	b, _ := m[key].(bool)
	return b
}

func getMap(m map[string]any, key string) map[string]any {
	if m == nil {
		return nil
	}
	mm, _ := m[key].(map[string]any)
	return mm
}

func getMapList(m map[string]any, key string) []map[string]any {
	switch raw := m[key].(type) {
	case []map[string]any:
		return raw
	case []any:
		out := make([]map[string]any, 0, len(raw))
		for _, item := range raw {
			if mm, ok := item.(map[string]any); ok {
				out = append(out, mm)
			}
		}
		return out
	}
	return nil
}

func getStringList(m map[string]any, key string) []string {
	switch raw := m[key].(type) {
	case []string:
		return raw
	case []any:
		out := make([]string, 0, len(raw))
		for _, item := range raw {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}
