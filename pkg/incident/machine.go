package incident

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/arome3/vigil/pkg/audit"
	"github.com/arome3/vigil/pkg/store"
)

// occRetries is how many times a transition re-reads tokens and re-applies
// its patch after a version conflict before surfacing the conflict.
const occRetries = 3

// TerminalHook runs after a terminal transition commits. Hooks are invoked
// asynchronously outside the committing path; panics and errors are caught
// and logged.
type TerminalHook func(ctx context.Context, inc *Incident)

// Result describes a committed transition.
type Result struct {
	Incident *Incident
	From     Status
	To       Status
	// RedirectedTo is set when a guard retargeted the transition.
	RedirectedTo Status
	// AutoEscalated is set when a reflecting entry hit the reflection limit
	// and the machine issued the follow-up reflecting → escalated step.
	AutoEscalated bool
}

// Machine drives guarded, optimistic-concurrency-protected incident
// transitions with audit emission and terminal-state bookkeeping.
type Machine struct {
	store  store.Store
	audit  *audit.Recorder
	guards map[edge]Guard
	cfg    GuardConfig
	hooks  []TerminalHook
	logger *slog.Logger
	now    func() time.Time

	onTransition func(from, to Status)
}

// NewMachine creates a state machine over the given store.
func NewMachine(s store.Store, rec *audit.Recorder, cfg GuardConfig) *Machine {
	return &Machine{
		store:  s,
		audit:  rec,
		guards: buildGuards(cfg),
		cfg:    cfg,
		logger: slog.Default().With("component", "state-machine"),
		now:    time.Now,
	}
}

// OnTerminal registers a hook invoked after every terminal transition.
// Must be called during wiring, before the machine is used concurrently.
func (m *Machine) OnTerminal(hook TerminalHook) {
	m.hooks = append(m.hooks, hook)
}

// OnTransition registers an observer of committed edges (telemetry).
// Must be called during wiring, before the machine is used concurrently.
func (m *Machine) OnTransition(fn func(from, to Status)) {
	m.onTransition = fn
}

// SetClock overrides the machine's clock. Tests only.
func (m *Machine) SetClock(now func() time.Time) { m.now = now }

// Create persists a new incident document.
func (m *Machine) Create(ctx context.Context, inc *Incident) error {
	if err := m.store.Create(ctx, store.IndexIncidents, inc.IncidentID, inc.ToDoc(), store.WithRefreshWait()); err != nil {
		return fmt.Errorf("creating incident %s: %w", inc.IncidentID, err)
	}
	return nil
}

// Get reads an incident by id.
func (m *Machine) Get(ctx context.Context, incidentID string) (*Incident, error) {
	doc, err := m.store.Get(ctx, store.IndexIncidents, incidentID)
	if err != nil {
		return nil, err
	}
	return Decode(doc.Source)
}

// Transition moves an incident to the target state.
//
// The commit path: read with tokens, check the transition table, evaluate
// the guard (which may deny or redirect), compose the patch (status,
// updated_at, metadata merge, first-entry state timestamp, reflection
// increment, terminal bookkeeping), and commit under optimistic concurrency
// with up to three retries against racing writers. An audit row is written
// after commit; terminal transitions additionally fan out to registered
// hooks asynchronously.
//
// A transition into reflecting that reaches the reflection limit completes
// first and is immediately followed by a reflecting → escalated step; the
// returned Result has AutoEscalated set and carries the escalated incident.
func (m *Machine) Transition(ctx context.Context, incidentID string, to Status, meta map[string]any) (*Result, error) {
	var (
		from      Status
		redirect  Status
		committed *Incident
		started   = m.now()
	)

	var lastConflict error
	for attempt := 0; attempt <= occRetries; attempt++ {
		doc, err := m.store.Get(ctx, store.IndexIncidents, incidentID)
		if err != nil {
			return nil, fmt.Errorf("reading incident %s: %w", incidentID, err)
		}
		inc, err := Decode(doc.Source)
		if err != nil {
			return nil, err
		}
		from = inc.Status

		target := to
		if !CanTransition(from, target) {
			return nil, &InvalidTransitionError{IncidentID: incidentID, From: from, To: target, Allowed: Allowed(from)}
		}

		if guard, ok := m.guards[edge{from, target}]; ok {
			verdict := guard(GuardInput{Incident: inc, Meta: meta})
			if !verdict.Allowed {
				if verdict.RedirectTo == "" {
					return nil, &GuardDeniedError{IncidentID: incidentID, From: from, To: target, Reason: verdict.Reason}
				}
				m.logger.Info("Guard redirected transition",
					"incident_id", incidentID,
					"from", from, "requested", target,
					"redirect", verdict.RedirectTo,
					"reason", verdict.Reason)
				redirect = verdict.RedirectTo
				target = verdict.RedirectTo
				if !CanTransition(from, target) {
					return nil, &InvalidTransitionError{IncidentID: incidentID, From: from, To: target, Allowed: Allowed(from)}
				}
				if g, ok := m.guards[edge{from, target}]; ok {
					if v := g(GuardInput{Incident: inc, Meta: meta}); !v.Allowed {
						return nil, &GuardDeniedError{IncidentID: incidentID, From: from, To: target, Reason: v.Reason}
					}
				}
			}
		}

		patch := m.composePatch(inc, target, meta)
		err = m.store.Update(ctx, store.IndexIncidents, incidentID, patch, doc.SeqNo, doc.PrimaryTerm, store.WithRefreshWait())
		if err == nil {
			for k, v := range patch {
				doc.Source[k] = v
			}
			committed, err = Decode(doc.Source)
			if err != nil {
				return nil, err
			}
			to = target
			break
		}
		if !errors.Is(err, store.ErrConflict) {
			return nil, fmt.Errorf("updating incident %s: %w", incidentID, err)
		}
		lastConflict = err
		m.logger.Warn("Concurrent incident write detected, retrying transition",
			"incident_id", incidentID, "attempt", attempt+1)
	}
	if committed == nil {
		return nil, fmt.Errorf("transition %s → %s on %s: %w", from, to, incidentID, lastConflict)
	}

	m.writeTransitionAudit(incidentID, from, to, started)
	if m.onTransition != nil {
		m.onTransition(from, to)
	}

	if to.IsTerminal() {
		m.fireTerminalHooks(committed)
	}

	result := &Result{Incident: committed, From: from, To: to, RedirectedTo: redirect}

	// Reflection-limit termination: the reflecting entry committed above;
	// when the incremented count reaches the limit, escalate now.
	if to == StatusReflecting && committed.ReflectionCount >= m.cfg.MaxReflectionLoops {
		escalated, err := m.Transition(ctx, incidentID, StatusEscalated, map[string]any{
			"escalation_reason": fmt.Sprintf("reflection limit reached (%d loops)", committed.ReflectionCount),
		})
		if err != nil {
			return nil, fmt.Errorf("auto-escalating %s after reflection limit: %w", incidentID, err)
		}
		result.Incident = escalated.Incident
		result.AutoEscalated = true
	}

	return result, nil
}

// composePatch builds the update document for one transition.
func (m *Machine) composePatch(inc *Incident, target Status, meta map[string]any) map[string]any {
	now := m.now().UTC()
	ts := now.Format(time.RFC3339Nano)

	patch := map[string]any{
		"status":     string(target),
		"updated_at": ts,
	}
	for k, v := range meta {
		patch[k] = v
	}

	// First entry into each state is preserved; re-entries (reflection
	// loops) keep the original timestamp.
	timestamps := make(map[string]string, len(inc.StateTimestamps)+1)
	for k, v := range inc.StateTimestamps {
		timestamps[k] = v
	}
	if _, seen := timestamps[string(target)]; !seen {
		timestamps[string(target)] = ts
	}
	patch["_state_timestamps"] = timestamps

	if target == StatusReflecting {
		patch["reflection_count"] = inc.ReflectionCount + 1
	}

	if target.IsTerminal() {
		patch["resolved_at"] = ts
		if _, overridden := meta["resolution_type"]; !overridden {
			patch["resolution_type"] = ResolutionType(target)
		}
		duration := now.Sub(inc.CreatedTime()).Seconds()
		if duration < 0 {
			duration = 0
		}
		patch["total_duration_seconds"] = duration
	}

	return patch
}

// writeTransitionAudit records the committed edge. The write is synchronous
// so readers that follow the transition observe the row, but fail-open: an
// audit failure is logged inside the recorder and never unwinds the
// transition. A fresh context shields the write from caller cancellation.
func (m *Machine) writeTransitionAudit(incidentID string, from, to Status, started time.Time) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	completed := m.now().UTC()
	m.audit.Write(ctx, audit.Record{
		ActionID:        NewAuditID(),
		IncidentID:      incidentID,
		ActionType:      "state_transition",
		ActionDetail:    fmt.Sprintf("%s → %s", from, to),
		PreviousStatus:  string(from),
		NewStatus:       string(to),
		ExecutionStatus: audit.StatusCompleted,
		StartedAt:       started.UTC().Format(time.RFC3339Nano),
		CompletedAt:     completed.Format(time.RFC3339Nano),
		DurationMS:      completed.Sub(started).Milliseconds(),
	})
}

// fireTerminalHooks schedules post-commit processing outside the committing
// path. The state write used wait-for-visible refresh, so hooks observe the
// committed document.
func (m *Machine) fireTerminalHooks(inc *Incident) {
	for _, hook := range m.hooks {
		go func() {
			defer func() {
				if r := recover(); r != nil {
					m.logger.Error("Terminal hook panicked",
						"incident_id", inc.IncidentID, "panic", r)
				}
			}()
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
			defer cancel()
			hook(ctx, inc)
		}()
	}
}
