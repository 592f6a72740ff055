package main

import (
	"context"
	"log"
	"time"

	"github.com/arome3/vigil/pkg/store"
	"github.com/arome3/vigil/pkg/store/memstore"
	"github.com/arome3/vigil/pkg/tools"
)

// demoAlert is the brute-force scenario alert.
func demoAlert() map[string]any {
	return map[string]any{
		"alert_id":          "A-001",
		"rule_id":           "sec-brute-force",
		"severity_original": "high",
		"source_ip":         "10.0.0.5",
		"affected_asset_id": "api-gateway",
		"@timestamp":        time.Now().UTC().Format(time.RFC3339Nano),
	}
}

// seedDemoData loads assets, runbooks, baselines, and canned query results
// so the demo runs without an Elasticsearch cluster.
func seedDemoData(st *memstore.Store) {
	ctx := context.Background()

	seed := func(index, id string, doc map[string]any) {
		if _, err := st.Index(ctx, index, id, doc); err != nil {
			log.Fatalf("Seeding %s/%s failed: %v", index, id, err)
		}
	}

	seed(store.IndexAssets, "api-gateway", map[string]any{
		"asset_id": "api-gateway", "name": "api-gateway",
		"tier": "tier-1", "criticality_score": 0.95,
	})
	seed(store.IndexAssets, "user-42", map[string]any{
		"asset_id": "user-42", "name": "user-42",
		"tier": "tier-3", "criticality_score": 0.3,
	})
	seed(store.IndexBaselines, "api-gateway", map[string]any{
		"service": "api-gateway",
		"metrics": map[string]any{
			"cpu":        map[string]any{"avg": 40.0, "stddev": 8.0},
			"memory":     map[string]any{"avg": 55.0, "stddev": 10.0},
			"throughput": map[string]any{"avg": 1200.0, "stddev": 150.0},
		},
	})
	seed(store.IndexRunbooks, "rb-bruteforce", map[string]any{
		"runbook_id": "rb-bruteforce",
		"title":      "Credential stuffing containment",
		"services":   []any{"api-gateway"},
		"success_rate": 0.9,
		"steps": []any{
			map[string]any{
				"action_type": "containment", "description": "Block offending source at the edge",
				"target_system": "cloudflare", "target_asset": "api-gateway",
				"params": map[string]any{"mode": "block_ip"},
			},
			map[string]any{
				"action_type": "communication", "description": "Notify security on-call",
				"target_system": "slack", "target_asset": "oncall",
			},
		},
	})

	// Canned columnar results for the ES|QL tools.
	st.HandleESQL("corroborating_events", func(query string, params []store.ESQLParam) (*store.ESQLResult, error) {
		return &store.ESQLResult{
			Columns: []store.ESQLColumn{{Name: "corroborating_events", Type: "long"}},
			Values:  [][]any{{float64(5)}},
		}, nil
	})
	st.HandleESQL("fp_rate", func(query string, params []store.ESQLParam) (*store.ESQLResult, error) {
		return &store.ESQLResult{
			Columns: []store.ESQLColumn{{Name: "fp_rate", Type: "double"}},
			Values:  [][]any{{0.05}},
		}, nil
	})
	st.HandleESQL("attack_chain", func(query string, params []store.ESQLParam) (*store.ESQLResult, error) {
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
	st.HandleESQL("blast_radius", func(query string, params []store.ESQLParam) (*store.ESQLResult, error) {
		return &store.ESQLResult{
			Columns: []store.ESQLColumn{
				{Name: "service", Type: "keyword"},
				{Name: "asset_id", Type: "keyword"},
				{Name: "confidence", Type: "double"},
			},
			Values: [][]any{{"api-gateway", "api-gateway", 0.9}},
		}, nil
	})
	st.HandleESQL("error_rate", func(query string, params []store.ESQLParam) (*store.ESQLResult, error) {
		return &store.ESQLResult{
			Columns: []store.ESQLColumn{
				{Name: "error_rate", Type: "double"},
				{Name: "latency_p95_ms", Type: "double"},
				{Name: "latency_z", Type: "double"},
				{Name: "error_z", Type: "double"},
				{Name: "cpu", Type: "double"},
				{Name: "memory", Type: "double"},
				{Name: "throughput", Type: "double"},
			},
			Values: [][]any{{0.01, 220.0, 0.4, 0.2, 42.0, 57.0, 1180.0}},
		}, nil
	})
}

// seedDemoTools registers the tool definitions the demo agents call.
func seedDemoTools(registry *tools.Registry) {
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
				Query: "FROM vigil-metrics-default | WHERE attack_chain AND (host.name == ?asset_id OR source.ip == ?source_ip) AND @timestamp >= ?since | KEEP @timestamp, behavior | LIMIT 100",
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
				Query: "FROM vigil-metrics-default | WHERE attack_chain AND source.ip == ?source_ip AND @timestamp >= ?since | KEEP @timestamp, behavior | LIMIT 100",
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
				Query: "FROM vigil-metrics-default | WHERE blast_radius AND host.name == ?asset_id | KEEP service, asset_id, confidence",
				Params: map[string]tools.ParamSpec{
					"asset_id": {Type: tools.ParamKeyword, Required: true},
				},
			},
		},
		{
			ID: "mitre-technique-search", RetrievalStrategy: tools.StrategyKeyword,
			Index:        store.IndexThreatIntel,
			QueryFields:  []string{"behaviors", "description"},
			ResultFields: []string{"technique_id", "name"},
			MaxResults:   1,
		},
		{
			ID: "threat-intel-search", RetrievalStrategy: tools.StrategyKeyword,
			Index:        store.IndexThreatIntel,
			QueryFields:  []string{"indicators", "description"},
			ResultFields: []string{"intel_id", "ips", "domains", "hashes", "description"},
			MaxResults:   5,
		},
		{
			ID: "similar-incidents", RetrievalStrategy: tools.StrategyKeyword,
			Index:        store.IndexInvestigations,
			QueryFields:  []string{"report.root_cause"},
			ResultFields: []string{"incident_id", "report"},
			MaxResults:   3,
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
				Query: "FROM vigil-metrics-default | WHERE service == ?service | STATS error_rate = AVG(error), latency_p95_ms = PERCENTILE(latency, 95)",
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
			ID: "asset-count", RetrievalStrategy: tools.StrategyESQL,
			Configuration: &tools.Configuration{
				Query: "FROM vigil-assets | STATS total = COUNT(*)",
			},
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
			ID: "current-metrics", RetrievalStrategy: tools.StrategyESQL,
			Configuration: &tools.Configuration{
				Query: "FROM vigil-metrics-default | WHERE service == ?service | STATS error_rate = AVG(error), latency_p95_ms = PERCENTILE(latency, 95), latency_z = AVG(latency_z), error_z = AVG(error_z), cpu = AVG(cpu), memory = AVG(memory), throughput = AVG(throughput)",
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
				Query: "FROM vigil-alerts-operational | WHERE service == ?service | LOOKUP JOIN changes-by-service ON service | KEEP change_id, change_type, service, changed_at, first_error_at, gap_seconds",
				Params: map[string]tools.ParamSpec{
					"service": {Type: tools.ParamKeyword, Required: true},
				},
			},
		},
		{
			ID: "verification-baseline", RetrievalStrategy: tools.StrategyESQL,
			Configuration: &tools.Configuration{
				Query: "FROM vigil-baselines | WHERE metric == ?metric AND service IN (?services) | STATS verdict = MIN(within_baseline)",
				Params: map[string]tools.ParamSpec{
					"metric":   {Type: tools.ParamKeyword, Required: true},
					"services": {Type: tools.ParamKeyword},
				},
			},
		},
	}

	for _, def := range defs {
		if err := registry.Add(def); err != nil {
			log.Fatalf("Registering demo tool %s failed: %v", def.ID, err)
		}
	}
}
