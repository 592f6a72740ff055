// Package agents implements the specialist workers: Triage, Investigator,
// Threat Hunter, Commander, Executor, Verifier, and Sentinel. Every worker
// is a request/response handler over the A2A bus that races its composed
// operation against the agent's deadline, captures whichever tool results
// completed, and synthesizes a response. The contract-bound workers also
// validate the request and self-validate the response; the Sentinel is not
// contract-validated. Only the Investigator persists a report document
// (fire-and-forget); the Threat Hunter writes nothing.
package agents

import (
	"context"
	"log/slog"
	"time"

	"github.com/arome3/vigil/pkg/audit"
	"github.com/arome3/vigil/pkg/bus"
	"github.com/arome3/vigil/pkg/config"
	"github.com/arome3/vigil/pkg/contract"
	"github.com/arome3/vigil/pkg/store"
	"github.com/arome3/vigil/pkg/tools"
)

// Deps bundles what every worker needs.
type Deps struct {
	Store store.Store
	Tools *tools.Registry
	Bus   *bus.Bus
	Cfg   *config.Config
	Audit *audit.Recorder

	// OnAction, when set, observes every executor action outcome by
	// execution status (telemetry).
	OnAction func(status string)
}

// RegisterAll wires every worker handler onto the bus.
func RegisterAll(b *bus.Bus, deps Deps) {
	b.Register(bus.AgentTriage, NewTriage(deps).Handle)
	b.Register(bus.AgentInvestigator, NewInvestigator(deps).Handle)
	b.Register(bus.AgentThreatHunter, NewThreatHunter(deps).Handle)
	b.Register(bus.AgentCommander, NewCommander(deps).Handle)
	b.Register(bus.AgentExecutor, NewExecutor(deps).Handle)
	b.Register(bus.AgentVerifier, NewVerifier(deps).Handle)
	b.Register(bus.AgentSentinel, NewSentinel(deps).Handle)
}

// selfValidate checks a synthesized response against its contract before it
// leaves the worker. A failure here is a worker bug; it is logged loudly and
// surfaced so the coordinator sees a validation failure instead of a
// malformed payload.
func selfValidate(logger *slog.Logger, name string, payload map[string]any) error {
	if err := contract.Validate(name, payload); err != nil {
		logger.Error("Worker response failed self-validation", "contract", name, "error", err)
		return err
	}
	return nil
}

// persistReport indexes a worker report document in the background. Report
// persistence is best-effort and never delays or unwinds the response.
func persistReport(s store.Store, logger *slog.Logger, index string, doc map[string]any) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if _, err := s.Index(ctx, index, "", doc); err != nil {
			logger.Warn("Failed to persist report", "index", index, "error", err)
		}
	}()
}

// severityScore maps a severity label to a [0, 1] signal.
func severityScore(severity string) float64 {
	switch severity {
	case "critical":
		return 1.0
	case "high":
		return 0.8
	case "medium":
		return 0.5
	case "low":
		return 0.25
	default:
		return 0.4
	}
}

// Field-extraction helpers over untyped payloads.

func getString(m map[string]any, key string) string {
	s, _ := m[key].(string)
	return s
}

func getBool(m map[string]any, key string) bool {
	b, _ := m[key].(bool)
	return b
}

func getFloat(m map[string]any, key string) float64 {
	switch n := m[key].(type) {
	case float64:
		return n
	case float32:
		return float64(n)
	case int:
		return float64(n)
	case int64:
		return float64(n)
	}
	return 0
}

func getInt(m map[string]any, key string) (int, bool) {
	switch n := m[key].(type) {
	case int:
		return n, true
	case int64:
		return int(n), true
	case float64:
		if n == float64(int64(n)) {
			return int(n), true
		}
	}
	return 0, false
}

func getMap(m map[string]any, key string) map[string]any {
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

// firstFloat pulls the first row of a named column as a float.
func firstFloat(result *tools.Result, column string) (float64, bool) {
	col, ok := result.ColumnValues(column)
	if !ok || len(col) == 0 {
		return 0, false
	}
	switch n := col[0].(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	}
	return 0, false
}
