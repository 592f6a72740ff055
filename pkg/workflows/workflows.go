// Package workflows holds the effector handlers registered under the wf-*
// agent ids. The notify and approval workflows are real (Slack, PagerDuty
// HTTP, approval-request intake); containment, remediation, and ticketing
// are local stand-ins for external endpoints — deployments point those ids
// at real integrations, and tests swap in recording mocks.
package workflows

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/arome3/vigil/pkg/bus"
	"github.com/arome3/vigil/pkg/config"
	"github.com/arome3/vigil/pkg/store"
)

// Workflows bundles the effector handlers.
type Workflows struct {
	store  store.Store
	cfg    *config.Config
	slack  *SlackNotifier
	http   *http.Client
	logger *slog.Logger
}

// New creates the effector set. slack may be nil (chat delivery disabled).
func New(s store.Store, cfg *config.Config, slack *SlackNotifier) *Workflows {
	return &Workflows{
		store:  s,
		cfg:    cfg,
		slack:  slack,
		http:   &http.Client{Timeout: 15 * time.Second},
		logger: slog.Default().With("component", "workflows"),
	}
}

// RegisterAll wires the effector handlers onto the bus.
func (w *Workflows) RegisterAll(b *bus.Bus) {
	b.Register(bus.WorkflowNotify, w.HandleNotify)
	b.Register(bus.WorkflowApproval, w.HandleApproval)
	b.Register(bus.WorkflowContainment, w.stubEffector("containment"))
	b.Register(bus.WorkflowRemediation, w.stubEffector("remediation"))
	b.Register(bus.WorkflowTicketing, w.stubEffector("ticketing"))
	b.Register(bus.WorkflowReporting, w.stubEffector("reporting"))
}

// HandleNotify routes a notification envelope by channel: pagerduty pages
// through the configured HTTP endpoint, everything else lands in Slack.
func (w *Workflows) HandleNotify(ctx context.Context, payload map[string]any) (map[string]any, error) {
	incidentID, _ := payload["incident_id"].(string)
	channel, _ := payload["channel"].(string)
	severity, _ := payload["severity"].(string)
	message, _ := payload["message"].(string)

	switch channel {
	case "pagerduty":
		if err := w.page(ctx, payload); err != nil {
			return nil, fmt.Errorf("pagerduty delivery: %w", err)
		}
	default:
		w.slack.Post(ctx, incidentID, severity, message)
	}

	return map[string]any{
		"status":         "success",
		"result_summary": fmt.Sprintf("notification delivered via %s", channel),
	}, nil
}

// page posts the event to the PagerDuty-compatible endpoint. With no
// endpoint configured the page is logged and dropped.
func (w *Workflows) page(ctx context.Context, payload map[string]any) error {
	if w.cfg.PagerDutyURL == "" {
		w.logger.Warn("No PagerDuty endpoint configured, dropping page",
			"incident_id", payload["incident_id"])
		return nil
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.cfg.PagerDutyURL, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	res, err := w.http.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = res.Body.Close() }()
	if res.StatusCode >= 300 {
		return fmt.Errorf("endpoint returned status %d", res.StatusCode)
	}
	return nil
}

// HandleApproval records the pending approval request and pings the
// approvers' channel. Decisions arrive separately through the API into the
// approval-responses index, where the requesting gate polls for them.
func (w *Workflows) HandleApproval(ctx context.Context, payload map[string]any) (map[string]any, error) {
	incidentID, _ := payload["incident_id"].(string)
	actionID, _ := payload["action_id"].(string)
	description, _ := payload["description"].(string)

	doc := map[string]any{
		"type":        "approval_request",
		"incident_id": incidentID,
		"action_id":   actionID,
		"description": description,
		"@timestamp":  time.Now().UTC().Format(time.RFC3339Nano),
	}
	if _, err := w.store.Index(ctx, store.IndexAgentTelemetry, "", doc); err != nil {
		w.logger.Warn("Failed to record approval request",
			"incident_id", incidentID, "action_id", actionID, "error", err)
	}

	w.slack.Post(ctx, incidentID, "approval",
		fmt.Sprintf("Approval requested for %s (%s). Reply via the approvals API.", actionID, description))

	return map[string]any{
		"status":         "success",
		"result_summary": "approval requested",
	}, nil
}

// stubEffector acknowledges an action the way an external endpoint's ack
// webhook would.
func (w *Workflows) stubEffector(name string) bus.Handler {
	return func(ctx context.Context, payload map[string]any) (map[string]any, error) {
		actionID, _ := payload["action_id"].(string)
		target, _ := payload["target_asset"].(string)
		w.logger.Info("Effector invoked",
			"workflow", name, "action_id", actionID, "target", target)
		return map[string]any{
			"status":         "success",
			"result_summary": fmt.Sprintf("%s applied to %s", name, target),
		}, nil
	}
}
