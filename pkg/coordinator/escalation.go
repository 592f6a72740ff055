package coordinator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/arome3/vigil/pkg/bus"
	"github.com/arome3/vigil/pkg/incident"
	"github.com/arome3/vigil/pkg/store"
)

// recordEscalation is the idempotent escalation core: it sets the
// escalation_triggered flag under optimistic concurrency and sends exactly
// one page. A conflict on the flag update means another path already
// escalated; the call returns without side effects. Notification failure is
// logged only — escalation is "at least intended, possibly undelivered" and
// the flag stays set.
func (c *Coordinator) recordEscalation(ctx context.Context, incidentID, reason string, escContext map[string]any) {
	logger := c.logger.With("incident_id", incidentID)

	doc, err := c.store.Get(ctx, store.IndexIncidents, incidentID)
	if err != nil {
		logger.Error("Cannot read incident for escalation", "error", err)
		return
	}
	inc, err := incident.Decode(doc.Source)
	if err != nil {
		logger.Error("Cannot decode incident for escalation", "error", err)
		return
	}
	if inc.EscalationTriggered {
		logger.Info("Escalation already triggered, skipping")
		return
	}

	patch := map[string]any{
		"escalation_triggered": true,
		"escalation_reason":    reason,
		"updated_at":           c.now().UTC().Format(time.RFC3339Nano),
	}
	if err := c.store.Update(ctx, store.IndexIncidents, incidentID, patch, doc.SeqNo, doc.PrimaryTerm, store.WithRefreshWait()); err != nil {
		if errors.Is(err, store.ErrConflict) {
			logger.Info("Escalation raced with another writer, treating as already escalated")
			return
		}
		logger.Error("Failed to set escalation flag", "error", err)
		return
	}

	c.notify(incidentID, "pagerduty", inc.Severity, reason, escContext)
}

// Escalate triggers escalation for an incident by reason. Idempotent; safe
// to call from operator tooling on an already-escalated incident.
func (c *Coordinator) Escalate(ctx context.Context, incidentID, reason string) {
	c.recordEscalation(ctx, incidentID, reason, nil)
}

// escalateWithOutcome escalates and, where the transition table allows it,
// moves the incident into the escalated state. States with no legal edge to
// escalated (e.g. threat_hunting on a scope conflict) keep their status; the
// flag and the page still record the escalation.
func (c *Coordinator) escalateWithOutcome(ctx context.Context, incidentID, reason string, extra ...map[string]any) (*Outcome, error) {
	var escContext map[string]any
	if len(extra) > 0 {
		escContext = extra[0]
	}
	c.recordEscalation(ctx, incidentID, reason, escContext)

	inc, err := c.machine.Get(ctx, incidentID)
	if err == nil && incident.CanTransition(inc.Status, incident.StatusEscalated) {
		if _, err := c.machine.Transition(ctx, incidentID, incident.StatusEscalated, map[string]any{
			"escalation_reason": reason,
		}); err != nil && !errors.Is(err, incident.ErrGuardDenied) {
			c.logger.Warn("Escalation state transition failed",
				"incident_id", incidentID, "error", err)
		}
	}

	return &Outcome{IncidentID: incidentID, Status: "escalated", Reason: reason}, nil
}

// notify composes a notification envelope and sends it through the notify
// workflow. Fail-open: delivery failure never unwinds the caller.
func (c *Coordinator) notify(incidentID, channel, severity, message string, escContext map[string]any) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		ctx = bus.WithCorrelationID(ctx, incidentID)
		payload := map[string]any{
			"incident_id": incidentID,
			"channel":     channel,
			"severity":    severity,
			"message":     message,
		}
		if escContext != nil {
			payload["context"] = escContext
		}
		if _, err := c.bus.Send(ctx, bus.AgentCoordinator, bus.WorkflowNotify, payload, c.cfg.WorkflowTimeout); err != nil {
			c.logger.Warn("Notification delivery failed",
				"incident_id", incidentID, "channel", channel, "error", err)
		}
	}()
}

// notifyTerminal pages or messages operators for every terminal state other
// than resolved: critical incidents page, the rest land in chat.
func (c *Coordinator) notifyTerminal(inc *incident.Incident, reason string) {
	channel := "slack"
	if inc.Severity == "critical" {
		channel = "pagerduty"
	}
	c.notify(inc.IncidentID, channel, inc.Severity,
		fmt.Sprintf("incident %s %s: %s", inc.IncidentID, inc.Status, reason), nil)
}
