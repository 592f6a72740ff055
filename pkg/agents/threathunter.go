package agents

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/arome3/vigil/pkg/async"
	"github.com/arome3/vigil/pkg/contract"
	"github.com/arome3/vigil/pkg/store"
	"github.com/arome3/vigil/pkg/tools"
)

// anomalyScoreSuspected is the behavioral-anomaly score at or above which an
// otherwise-clean asset is considered suspected.
const anomalyScoreSuspected = 0.5

// ThreatHunter sweeps the environment for the incident's indicators of
// compromise. Read-only: the hunter writes nothing to the store.
type ThreatHunter struct {
	deps   Deps
	logger *slog.Logger
}

// NewThreatHunter creates the threat-hunter worker.
func NewThreatHunter(deps Deps) *ThreatHunter {
	return &ThreatHunter{deps: deps, logger: slog.Default().With("agent", "threat-hunter")}
}

// Handle processes a threat_hunt request. All sweep tasks race one deadline
// through the partial-result primitive; whatever settled contributes to the
// scope and the labels of unsettled tasks are reported as gaps.
func (h *ThreatHunter) Handle(ctx context.Context, payload map[string]any) (map[string]any, error) {
	if err := contract.Validate(contract.SweepRequest, payload); err != nil {
		return nil, err
	}
	incidentID := getString(payload, "incident_id")
	indicators := getMap(payload, "indicators")
	users := getStringList(payload, "compromised_users")

	tasks := []async.Task[*tools.Result]{
		{Label: "ioc_sweep", Run: func(c context.Context) (*tools.Result, error) {
			return h.iocSweep(c, indicators)
		}},
		{Label: "total_assets", Run: func(c context.Context) (*tools.Result, error) {
			return h.deps.Tools.Execute(c, "asset-count", nil)
		}},
	}
	for _, user := range users {
		tasks = append(tasks, async.Task[*tools.Result]{
			Label: "behavior:" + user,
			Run: func(c context.Context) (*tools.Result, error) {
				return h.deps.Tools.Execute(c, "behavioral-anomalies", map[string]any{"user": user})
			},
		})
	}

	results := async.PartialRace(ctx, h.deps.Cfg.SweepDeadline, tasks)

	var unsettled []string
	for label, settled := range results {
		if !settled.Fulfilled {
			unsettled = append(unsettled, label)
		}
	}
	if len(unsettled) > 0 {
		h.logger.Warn("Sweep tasks did not settle before deadline",
			"incident_id", incidentID, "labels", unsettled)
	}

	confirmed, suspected := h.assembleScope(results, users)

	totalAssets := 0
	if r := results["total_assets"]; r.Fulfilled {
		if count, ok := firstFloat(r.Value, "total"); ok {
			totalAssets = int(count)
		}
	}
	clean := totalAssets - len(confirmed) - len(suspected)
	if clean < 0 {
		clean = 0
	}

	anomalies := h.dedupeAnomalies(results, users)

	response := map[string]any{
		"incident_id":           incidentID,
		"confirmed_compromised": toAnyMaps(confirmed),
		"suspected":             toAnyMaps(suspected),
		"clean_assets":          clean,
		"behavioral_anomalies":  toAnyMaps(anomalies),
		"sweep_coverage": map[string]any{
			"total_assets":    totalAssets,
			"unsettled_tasks": toAnyList(unsettled),
		},
	}
	if err := selfValidate(h.logger, contract.SweepResponse, response); err != nil {
		return nil, err
	}
	return response, nil
}

// iocSweep builds the sweep query dynamically: only non-empty indicator
// arrays contribute clauses, and array values travel as parameters.
func (h *ThreatHunter) iocSweep(ctx context.Context, indicators map[string]any) (*tools.Result, error) {
	clauses := make([]string, 0, 4)
	params := map[string]any{}

	for _, ind := range []struct {
		key    string
		field  string
		column string
	}{
		{"ips", "source.ip", "ips"},
		{"domains", "dns.question.name", "domains"},
		{"hashes", "file.hash.sha256", "hashes"},
		{"processes", "process.name", "processes"},
	} {
		values := getStringList(indicators, ind.key)
		if len(values) == 0 {
			continue
		}
		clauses = append(clauses, fmt.Sprintf("%s IN (?%s)", ind.field, ind.column))
		params[ind.column] = values
	}

	if len(clauses) == 0 {
		return &tools.Result{ToolID: "ioc-sweep"}, nil
	}

	// The clause list is assembled from fixed field names only; indicator
	// values travel as parameters, never query text.
	query := fmt.Sprintf(
		"FROM vigil-metrics-default | WHERE %s | STATS hits = COUNT(*) BY host.name | LIMIT 500",
		strings.Join(clauses, " OR "))

	expanded, esqlParams := expandSweepParams(query, params)
	res, err := h.deps.Store.ESQL(ctx, expanded, esqlParams)
	if err != nil {
		return nil, err
	}
	out := &tools.Result{ToolID: "ioc-sweep", Values: res.Values}
	for _, c := range res.Columns {
		out.Columns = append(out.Columns, tools.Column{Name: c.Name, Type: c.Type})
	}
	return out, nil
}

// assembleScope classifies assets: sweep hits are confirmed; behavioral
// anomalies at or above the suspected bar (that are not already confirmed) are
// suspected.
func (h *ThreatHunter) assembleScope(results map[string]async.Settled[*tools.Result], users []string) (confirmed, suspected []map[string]any) {
	confirmedSet := map[string]bool{}
	if r := results["ioc_sweep"]; r.Fulfilled {
		hosts, _ := r.Value.ColumnValues("host.name")
		hitCounts, _ := r.Value.ColumnValues("hits")
		for i, raw := range hosts {
			host, ok := raw.(string)
			if !ok || host == "" || confirmedSet[host] {
				continue
			}
			hits := 0.0
			if i < len(hitCounts) {
				if f, ok := hitCounts[i].(float64); ok {
					hits = f
				}
			}
			if hits > 0 {
				confirmedSet[host] = true
				confirmed = append(confirmed, map[string]any{"asset_id": host, "hits": hits})
			}
		}
	}

	for _, anomaly := range h.dedupeAnomalies(results, users) {
		asset := getString(anomaly, "asset_id")
		if asset == "" || confirmedSet[asset] {
			continue
		}
		if getFloat(anomaly, "score") >= anomalyScoreSuspected {
			suspected = append(suspected, map[string]any{
				"asset_id": asset,
				"score":    anomaly["score"],
				"reason":   "behavioral anomaly",
			})
		}
	}
	return confirmed, suspected
}

// dedupeAnomalies collapses per-user behavioral results to one entry per
// user, keeping the highest score.
func (h *ThreatHunter) dedupeAnomalies(results map[string]async.Settled[*tools.Result], users []string) []map[string]any {
	best := map[string]map[string]any{}
	for _, user := range users {
		r, ok := results["behavior:"+user]
		if !ok || !r.Fulfilled {
			continue
		}
		scores, _ := r.Value.ColumnValues("anomaly_score")
		assets, _ := r.Value.ColumnValues("host.name")
		for i, raw := range scores {
			score, ok := raw.(float64)
			if !ok {
				continue
			}
			existing, seen := best[user]
			if seen && getFloat(existing, "score") >= score {
				continue
			}
			entry := map[string]any{"user": user, "score": score}
			if i < len(assets) {
				if asset, ok := assets[i].(string); ok {
					entry["asset_id"] = asset
				}
			}
			best[user] = entry
		}
	}

	out := make([]map[string]any, 0, len(best))
	for _, user := range users {
		if entry, ok := best[user]; ok {
			out = append(out, entry)
		}
	}
	return out
}

// expandSweepParams expands array-valued sweep parameters into per-element
// named parameters, mirroring the registry's IN-clause handling.
func expandSweepParams(query string, params map[string]any) (string, []store.ESQLParam) {
	var out []store.ESQLParam
	for name, value := range params {
		values, ok := value.([]string)
		if !ok {
			out = append(out, store.ESQLParam{Name: name, Value: value})
			continue
		}
		names := make([]string, 0, len(values))
		for i, item := range values {
			elem := fmt.Sprintf("%s_%d", name, i)
			names = append(names, "?"+elem)
			out = append(out, store.ESQLParam{Name: elem, Value: item})
		}
		query = strings.ReplaceAll(query, "?"+name, strings.Join(names, ", "))
	}
	return query, out
}
