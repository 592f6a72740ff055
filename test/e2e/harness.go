// Package e2e drives full incidents through the real coordinator, state
// machine, and workers against the in-memory store. Only the effector
// workflows and the raw query layer are canned.
package e2e

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/arome3/vigil/pkg/agents"
	"github.com/arome3/vigil/pkg/analyst"
	"github.com/arome3/vigil/pkg/audit"
	"github.com/arome3/vigil/pkg/bus"
	"github.com/arome3/vigil/pkg/config"
	"github.com/arome3/vigil/pkg/contract"
	"github.com/arome3/vigil/pkg/coordinator"
	"github.com/arome3/vigil/pkg/incident"
	"github.com/arome3/vigil/pkg/store"
	"github.com/arome3/vigil/pkg/store/memstore"
	"github.com/arome3/vigil/pkg/tools"
)

// Harness wires the full system over a memstore.
type Harness struct {
	T       *testing.T
	Store   *memstore.Store
	Bus     *bus.Bus
	Cfg     *config.Config
	Machine *incident.Machine
	Coord   *coordinator.Coordinator
	Audit   *audit.Recorder

	mu        sync.Mutex
	envelopes []contract.Envelope

	// Healthy controls the canned service metrics the sentinel reads.
	Healthy bool

	// AutoApprove makes the approval workflow write an approve decision for
	// every request it receives.
	AutoApprove bool
}

// NewHarness builds the system with short polling intervals.
func NewHarness(t *testing.T) *Harness {
	t.Helper()

	st := memstore.New()
	cfg := config.Default()
	cfg.ApprovalPollInterval = 20 * time.Millisecond
	cfg.ApprovalTimeout = 2 * time.Second
	cfg.AlertPollInterval = 20 * time.Millisecond
	cfg.WorkflowTimeout = 2 * time.Second
	cfg.TriageDeadline = 2 * time.Second
	cfg.InvestigationDeadline = 5 * time.Second
	cfg.SweepDeadline = 5 * time.Second
	cfg.PlanningDeadline = 5 * time.Second
	cfg.ExecutorDeadline = 10 * time.Second
	cfg.MonitoringDeadline = 5 * time.Second
	cfg.AnalystDeadline = 2 * time.Second

	rec := audit.NewRecorder(st)
	machine := incident.NewMachine(st, rec, incident.GuardConfig{
		SuppressThreshold:  cfg.TriageSuppressThreshold,
		MaxReflectionLoops: cfg.MaxReflectionLoops,
	})

	b := bus.New()
	h := &Harness{
		T: t, Store: st, Bus: b, Cfg: cfg, Machine: machine, Audit: rec,
		Healthy: true, AutoApprove: true,
	}
	b.OnSend(func(env contract.Envelope) {
		h.mu.Lock()
		h.envelopes = append(h.envelopes, env)
		h.mu.Unlock()
	})

	registry := tools.NewRegistry(st, nil)
	registerToolDefs(t, registry)
	h.seedFixtures()
	h.cannedQueries()
	h.registerEffectors()

	agents.RegisterAll(b, agents.Deps{
		Store: st, Tools: registry, Bus: b, Cfg: cfg, Audit: rec,
	})
	h.Coord = coordinator.New(st, b, machine, rec, cfg)

	an := analyst.New(st, registry, rec, cfg, nil)
	machine.OnTerminal(an.OnIncidentTerminal)

	return h
}

// SentTo returns every envelope dispatched to the given agent id.
func (h *Harness) SentTo(agentID string) []contract.Envelope {
	h.mu.Lock()
	defer h.mu.Unlock()
	var out []contract.Envelope
	for _, env := range h.envelopes {
		if env.ToAgent == agentID {
			out = append(out, env)
		}
	}
	return out
}

// Incident loads the incident document.
func (h *Harness) Incident(id string) *incident.Incident {
	inc, err := h.Machine.Get(context.Background(), id)
	require.NoError(h.T, err)
	return inc
}

// AuditRows returns the incident's audit trail split by type.
func (h *Harness) AuditRows(incidentID string) (transitions, actions []audit.Record) {
	records, err := h.Audit.ForIncident(context.Background(), incidentID)
	require.NoError(h.T, err)
	for _, rec := range records {
		switch rec.ActionType {
		case "state_transition":
			transitions = append(transitions, rec)
		case "plan_action":
			actions = append(actions, rec)
		}
	}
	return transitions, actions
}

// registerEffectors wires recording workflow handlers. The approval workflow
// optionally auto-writes an approve decision; containment/remediation/
// ticketing ack like healthy endpoints.
func (h *Harness) registerEffectors() {
	ack := func(ctx context.Context, payload map[string]any) (map[string]any, error) {
		return map[string]any{"status": "success", "result_summary": "done"}, nil
	}
	h.Bus.Register(bus.WorkflowContainment, ack)
	h.Bus.Register(bus.WorkflowRemediation, ack)
	h.Bus.Register(bus.WorkflowTicketing, ack)
	h.Bus.Register(bus.WorkflowNotify, ack)

	h.Bus.Register(bus.WorkflowApproval, func(ctx context.Context, payload map[string]any) (map[string]any, error) {
		if h.AutoApprove {
			incidentID, _ := payload["incident_id"].(string)
			actionID, _ := payload["action_id"].(string)
			go func() {
				// Land the decision shortly after the first poll, as a
				// human would.
				time.Sleep(30 * time.Millisecond)
				_, _ = h.Store.Index(context.Background(), store.IndexApprovalResponses, "", map[string]any{
					"incident_id": incidentID,
					"action_id":   actionID,
					"value":       "approve",
					"user":        "oncall",
					"@timestamp":  time.Now().UTC().Format(time.RFC3339Nano),
				})
			}()
		}
		return map[string]any{"status": "success", "result_summary": "approval requested"}, nil
	})
}

// seedFixtures loads the assets, baselines, threat intel, and the runbook
// every scenario shares.
func (h *Harness) seedFixtures() {
	ctx := context.Background()
	seed := func(index, id string, doc map[string]any) {
		_, err := h.Store.Index(ctx, index, id, doc)
		require.NoError(h.T, err)
	}

	seed(store.IndexAssets, "api-gateway", map[string]any{
		"asset_id": "api-gateway", "name": "api-gateway",
		"tier": "tier-1", "criticality_score": 0.95,
	})
	seed(store.IndexBaselines, "api-gateway", map[string]any{
		"service": "api-gateway",
		"metrics": map[string]any{
			"cpu":        map[string]any{"avg": 40.0, "stddev": 8.0},
			"memory":     map[string]any{"avg": 55.0, "stddev": 10.0},
			"throughput": map[string]any{"avg": 1200.0, "stddev": 150.0},
		},
	})
	seed(store.IndexThreatIntel, "intel-1", map[string]any{
		"intel_id":   "intel-1",
		"indicators": "10.0.0.5 credential stuffing botnet",
		"ips":        []any{"10.0.0.5"},
	})
	seed(store.IndexRunbooks, "rb-bruteforce", map[string]any{
		"runbook_id":   "rb-bruteforce",
		"title":        "Brute force / credential stuffing containment for api-gateway",
		"services":     []any{"api-gateway"},
		"success_rate": 0.9,
		"steps": []any{
			map[string]any{
				"action_type": "containment", "description": "Block offending source at the edge",
				"target_system": "cloudflare", "target_asset": "api-gateway",
				"params": map[string]any{"mode": "block_ip"},
			},
			map[string]any{
				"action_type": "documentation", "description": "Record containment in the incident ticket",
				"target_system": "jira", "target_asset": "SECOPS",
			},
		},
	})
}

// cannedQueries installs the columnar results behind the ES|QL tools.
func (h *Harness) cannedQueries() {
	// Signal strength keys off the rule: the brute-force rule corroborates
	// strongly with a clean history, everything else looks like noise.
	h.Store.HandleESQL("corroborating_events", func(query string, params []store.ESQLParam) (*store.ESQLResult, error) {
		count := 0.0
		if paramValue(params, "rule_id") == "sec-brute-force" {
			count = 5.0
		}
		return &store.ESQLResult{
			Columns: []store.ESQLColumn{{Name: "corroborating_events", Type: "long"}},
			Values:  [][]any{{count}},
		}, nil
	})
	h.Store.HandleESQL("fp_rate", func(query string, params []store.ESQLParam) (*store.ESQLResult, error) {
		rate := 0.9
		if paramValue(params, "rule_id") == "sec-brute-force" {
			rate = 0.05
		}
		return &store.ESQLResult{
			Columns: []store.ESQLColumn{{Name: "fp_rate", Type: "double"}},
			Values:  [][]any{{rate}},
		}, nil
	})
	h.Store.HandleESQL("endpoint_chain", func(query string, params []store.ESQLParam) (*store.ESQLResult, error) {
		return &store.ESQLResult{
			Columns: []store.ESQLColumn{
				{Name: "@timestamp", Type: "date"},
				{Name: "behavior", Type: "keyword"},
			},
			Values: [][]any{
				{"2026-08-01T10:00:00Z", "credential_stuffing"},
				{"2026-08-01T10:01:00Z", "credential_stuffing"},
				{"2026-08-01T10:02:00Z", "login_success_after_failures"},
			},
		}, nil
	})
	h.Store.HandleESQL("blast_radius", func(query string, params []store.ESQLParam) (*store.ESQLResult, error) {
		return &store.ESQLResult{
			Columns: []store.ESQLColumn{
				{Name: "service", Type: "keyword"},
				{Name: "asset_id", Type: "keyword"},
				{Name: "confidence", Type: "double"},
			},
			Values: [][]any{
				{"api-gateway", "api-gateway", 0.9},
				{"api-gateway", "user-42", 0.85},
			},
		}, nil
	})
	h.Store.HandleESQL("STATS hits", func(query string, params []store.ESQLParam) (*store.ESQLResult, error) {
		return &store.ESQLResult{
			Columns: []store.ESQLColumn{
				{Name: "hits", Type: "long"},
				{Name: "host.name", Type: "keyword"},
			},
			Values: [][]any{{float64(7), "user-42"}},
		}, nil
	})
	h.Store.HandleESQL("STATS total", func(query string, params []store.ESQLParam) (*store.ESQLResult, error) {
		return &store.ESQLResult{
			Columns: []store.ESQLColumn{{Name: "total", Type: "long"}},
			Values:  [][]any{{float64(120)}},
		}, nil
	})
	h.Store.HandleESQL("service_impact", func(query string, params []store.ESQLParam) (*store.ESQLResult, error) {
		return &store.ESQLResult{
			Columns: []store.ESQLColumn{
				{Name: "error_rate", Type: "double"},
				{Name: "latency_p95_ms", Type: "double"},
			},
			Values: [][]any{{0.01, 210.0}},
		}, nil
	})
	h.Store.HandleESQL("current_metrics", func(query string, params []store.ESQLParam) (*store.ESQLResult, error) {
		if h.Healthy {
			return &store.ESQLResult{
				Columns: []store.ESQLColumn{
					{Name: "error_rate", Type: "double"},
					{Name: "latency_p95_ms", Type: "double"},
					{Name: "latency_z", Type: "double"},
					{Name: "error_z", Type: "double"},
				},
				Values: [][]any{{0.01, 220.0, 0.4, 0.2}},
			}, nil
		}
		return &store.ESQLResult{
			Columns: []store.ESQLColumn{
				{Name: "error_rate", Type: "double"},
				{Name: "latency_p95_ms", Type: "double"},
				{Name: "latency_z", Type: "double"},
				{Name: "error_z", Type: "double"},
			},
			Values: [][]any{{0.45, 1800.0, 4.2, 5.1}},
		}, nil
	})
}

func paramValue(params []store.ESQLParam, name string) any {
	for _, p := range params {
		if p.Name == name {
			return p.Value
		}
	}
	return nil
}

// SecurityAlert is the S1 alert fixture.
func SecurityAlert() map[string]any {
	return map[string]any{
		"alert_id":          "A-001",
		"rule_id":           "sec-brute-force",
		"severity_original": "high",
		"source_ip":         "10.0.0.5",
		"affected_asset_id": "api-gateway",
		"@timestamp":        time.Now().UTC().Format(time.RFC3339Nano),
	}
}

func registerToolDefs(t *testing.T, registry *tools.Registry) {
	t.Helper()
	defs := []*tools.Definition{
		{
			ID: "alert-enrichment", RetrievalStrategy: tools.StrategyESQL,
			Configuration: &tools.Configuration{
				Query: "FROM vigil-alerts-* | WHERE rule_id == ?rule_id | STATS corroborating_events = COUNT(*)",
				Params: map[string]tools.ParamSpec{
					"alert_id": {Type: tools.ParamKeyword},
					"rule_id":  {Type: tools.ParamKeyword, Required: true},
				},
			},
		},
		{
			ID: "historical-fp-rate", RetrievalStrategy: tools.StrategyESQL,
			Configuration: &tools.Configuration{
				Query: "FROM vigil-learnings | WHERE rule_id == ?rule_id | STATS fp_rate = AVG(was_false_positive)",
				Params: map[string]tools.ParamSpec{
					"rule_id": {Type: tools.ParamKeyword, Required: true},
				},
			},
		},
		{
			ID: "asset-criticality", RetrievalStrategy: tools.StrategyKeyword,
			Index:        store.IndexAssets,
			QueryFields:  []string{"asset_id", "name"},
			ResultFields: []string{"asset_id", "tier", "criticality_score"},
			MaxResults:   1,
		},
		{
			ID: "attack-chain-endpoint", RetrievalStrategy: tools.StrategyESQL,
			Configuration: &tools.Configuration{
				Query: "FROM vigil-metrics-default | WHERE endpoint_chain AND @timestamp >= ?since | KEEP @timestamp, behavior",
				Params: map[string]tools.ParamSpec{
					"asset_id":  {Type: tools.ParamKeyword},
					"source_ip": {Type: tools.ParamIP},
					"since":     {Type: tools.ParamDate, Required: true},
				},
			},
		},
		{
			ID: "attack-chain-network", RetrievalStrategy: tools.StrategyESQL,
			Configuration: &tools.Configuration{
				Query: "FROM vigil-metrics-default | WHERE network_chain AND @timestamp >= ?since | KEEP @timestamp, behavior",
				Params: map[string]tools.ParamSpec{
					"asset_id":  {Type: tools.ParamKeyword},
					"source_ip": {Type: tools.ParamIP},
					"since":     {Type: tools.ParamDate, Required: true},
				},
			},
		},
		{
			ID: "blast-radius", RetrievalStrategy: tools.StrategyESQL,
			Configuration: &tools.Configuration{
				Query: "FROM vigil-metrics-default | WHERE blast_radius | KEEP service, asset_id, confidence",
				Params: map[string]tools.ParamSpec{
					"asset_id": {Type: tools.ParamKeyword, Required: true},
				},
			},
		},
		{
			ID: "mitre-technique-search", RetrievalStrategy: tools.StrategyKeyword,
			Index: store.IndexThreatIntel, QueryFields: []string{"behaviors"},
			ResultFields: []string{"technique_id", "name"}, MaxResults: 1,
		},
		{
			ID: "threat-intel-search", RetrievalStrategy: tools.StrategyKeyword,
			Index: store.IndexThreatIntel, QueryFields: []string{"indicators"},
			ResultFields: []string{"intel_id", "ips", "domains", "hashes"}, MaxResults: 5,
		},
		{
			ID: "similar-incidents", RetrievalStrategy: tools.StrategyKeyword,
			Index: store.IndexInvestigations, QueryFields: []string{"summary"},
			ResultFields: []string{"incident_id"}, MaxResults: 3,
		},
		{
			ID: "asset-count", RetrievalStrategy: tools.StrategyESQL,
			Configuration: &tools.Configuration{Query: "FROM vigil-assets | STATS total = COUNT(*)"},
		},
		{
			ID: "behavioral-anomalies", RetrievalStrategy: tools.StrategyESQL,
			Configuration: &tools.Configuration{
				Query: "FROM vigil-metrics-default | WHERE user.name == ?user | STATS anomaly_score = MAX(anomaly_score) BY host.name",
				Params: map[string]tools.ParamSpec{
					"user": {Type: tools.ParamKeyword, Required: true},
				},
			},
		},
		{
			ID: "runbook-search", RetrievalStrategy: tools.StrategyKeyword,
			Index:        store.IndexRunbooks,
			QueryFields:  []string{"title"},
			ResultFields: []string{"runbook_id", "title", "services", "steps", "success_rate"},
			MaxResults:   5,
		},
		{
			ID: "service-impact", RetrievalStrategy: tools.StrategyESQL,
			Configuration: &tools.Configuration{
				Query: "FROM vigil-metrics-default | WHERE service_impact AND service == ?service | STATS error_rate = AVG(error)",
				Params: map[string]tools.ParamSpec{
					"service": {Type: tools.ParamKeyword, Required: true},
				},
			},
		},
		{
			ID: "tier1-assets", RetrievalStrategy: tools.StrategyKeyword,
			Index:        store.IndexAssets,
			QueryFields:  []string{"tier"},
			ResultFields: []string{"asset_id", "tier"},
			MaxResults:   50,
		},
		{
			ID: "current-metrics", RetrievalStrategy: tools.StrategyESQL,
			Configuration: &tools.Configuration{
				Query: "FROM vigil-metrics-default | WHERE current_metrics AND service == ?service | STATS error_rate = AVG(error)",
				Params: map[string]tools.ParamSpec{
					"service": {Type: tools.ParamKeyword, Required: true},
				},
			},
		},
		{
			ID: "service-dependencies", RetrievalStrategy: tools.StrategyESQL,
			Configuration: &tools.Configuration{
				Query: "FROM vigil-metrics-default | WHERE upstream == ?service | KEEP downstream, failing, anomalous",
				Params: map[string]tools.ParamSpec{
					"service": {Type: tools.ParamKeyword, Required: true},
				},
			},
		},
		{
			ID: tools.ToolCorrelateChanges, RetrievalStrategy: tools.StrategyESQL,
			LookupJoinTechPreview: true,
			Configuration: &tools.Configuration{
				Query: "FROM vigil-alerts-operational | WHERE service == ?service | LOOKUP JOIN changes-by-service ON service | KEEP change_id, change_type, gap_seconds",
				Params: map[string]tools.ParamSpec{
					"service": {Type: tools.ParamKeyword, Required: true},
				},
			},
		},
		{
			ID: "verification-baseline", RetrievalStrategy: tools.StrategyESQL,
			Configuration: &tools.Configuration{
				Query: "FROM vigil-baselines | WHERE within_baseline AND metric == ?metric | STATS verdict = MIN(within_baseline)",
				Params: map[string]tools.ParamSpec{
					"metric":   {Type: tools.ParamKeyword, Required: true},
					"services": {Type: tools.ParamKeyword},
				},
			},
		},
	}
	for _, def := range defs {
		require.NoError(t, registry.Add(def))
	}
}
