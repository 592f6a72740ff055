package agents

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/arome3/vigil/pkg/async"
	"github.com/arome3/vigil/pkg/contract"
	"github.com/arome3/vigil/pkg/store"
	"github.com/arome3/vigil/pkg/tools"
)

// Tool ids consumed by the investigator.
const (
	toolAttackChainEndpoint = "attack-chain-endpoint"
	toolAttackChainNetwork  = "attack-chain-network"
	toolBlastRadius         = "blast-radius"
	toolMitreMapping        = "mitre-technique-search"
	toolThreatIntel         = "threat-intel-search"
	toolSimilarIncidents    = "similar-incidents"
)

// attackChainWindows are the progressive trace windows, smallest first.
var attackChainWindows = []time.Duration{time.Hour, 6 * time.Hour, 24 * time.Hour}

// Investigator reconstructs what happened: progressive attack-chain tracing,
// blast radius, MITRE mapping, threat-intel and similarity lookups for
// security incidents; change correlation for operational ones.
type Investigator struct {
	deps   Deps
	logger *slog.Logger
}

// NewInvestigator creates the investigator worker.
func NewInvestigator(deps Deps) *Investigator {
	return &Investigator{deps: deps, logger: slog.Default().With("agent", "investigator")}
}

// Handle processes an investigate request. A deadline overrun never fails
// the call: the response degrades to a minimal valid shape recommending
// escalation.
func (inv *Investigator) Handle(ctx context.Context, payload map[string]any) (map[string]any, error) {
	if err := contract.Validate(contract.InvestigateRequest, payload); err != nil {
		return nil, err
	}
	incidentID := getString(payload, "incident_id")

	response, err := async.DeadlineRace(ctx, "investigation", inv.deps.Cfg.InvestigationDeadline,
		func(raceCtx context.Context) (map[string]any, error) {
			if getString(payload, "mode") == "operational" {
				return inv.investigateOperational(raceCtx, payload)
			}
			return inv.investigateSecurity(raceCtx, payload)
		})
	if err != nil {
		inv.logger.Error("Investigation failed, degrading to escalation response",
			"incident_id", incidentID, "error", err)
		response = map[string]any{
			"incident_id":       incidentID,
			"root_cause":        fmt.Sprintf("Investigation failed: %v", err),
			"recommended_next":  "escalate",
			"affected_services": []any{},
			"confidence":        0.0,
		}
	}

	if err := selfValidate(inv.logger, contract.InvestigateResponse, response); err != nil {
		return nil, err
	}
	persistReport(inv.deps.Store, inv.logger, store.IndexInvestigations, map[string]any{
		"incident_id": incidentID,
		"report":      response,
		"@timestamp":  time.Now().UTC().Format(time.RFC3339Nano),
	})
	return response, nil
}

func (inv *Investigator) investigateSecurity(ctx context.Context, payload map[string]any) (map[string]any, error) {
	incidentID := getString(payload, "incident_id")
	alert := getMap(payload, "alert")
	assetID := getString(alert, "affected_asset_id")
	sourceIP := getString(alert, "source_ip")

	chain, window := inv.traceAttackChain(ctx, assetID, sourceIP)

	results := async.PartialRace(ctx, inv.deps.Cfg.InvestigationDeadline, []async.Task[*tools.Result]{
		{Label: "blast_radius", Run: func(c context.Context) (*tools.Result, error) {
			return inv.deps.Tools.Execute(c, toolBlastRadius, map[string]any{"asset_id": assetID})
		}},
		{Label: "threat_intel", Run: func(c context.Context) (*tools.Result, error) {
			return inv.deps.Tools.Execute(c, toolThreatIntel, map[string]any{"query": sourceIP + " " + getString(alert, "rule_id")})
		}},
		{Label: "similar", Run: func(c context.Context) (*tools.Result, error) {
			return inv.deps.Tools.Execute(c, toolSimilarIncidents, map[string]any{"query": getString(alert, "rule_id") + " " + assetID})
		}},
	})

	mitre := inv.mapMitreTechniques(ctx, chain)

	var affectedServices []string
	var compromised []map[string]any
	if r := results["blast_radius"]; r.Fulfilled {
		if services, ok := r.Value.ColumnValues("service"); ok {
			for _, s := range services {
				if name, ok := s.(string); ok && name != "" {
					affectedServices = appendUnique(affectedServices, name)
				}
			}
		}
		if assets, ok := r.Value.ColumnValues("asset_id"); ok {
			confidences, _ := r.Value.ColumnValues("confidence")
			for i, a := range assets {
				name, ok := a.(string)
				if !ok || name == "" {
					continue
				}
				conf := 0.5
				if i < len(confidences) {
					if f, ok := confidences[i].(float64); ok {
						conf = f
					}
				}
				compromised = append(compromised, map[string]any{"asset_id": name, "confidence": conf})
			}
		}
	}

	var intelMatches []map[string]any
	if r := results["threat_intel"]; r.Fulfilled {
		intelMatches = r.Value.Hits
	}
	var similar []map[string]any
	if r := results["similar"]; r.Fulfilled {
		similar = r.Value.Hits
	}

	rootCause := inv.synthesizeRootCause(alert, chain, window, mitre, intelMatches, getString(payload, "previous_failure_analysis"))

	recommended := "plan_remediation"
	if len(intelMatches) > 0 {
		recommended = "threat_hunt"
	}

	return map[string]any{
		"incident_id":          incidentID,
		"root_cause":           rootCause,
		"confidence":           chainConfidence(chain),
		"recommended_next":     recommended,
		"affected_services":    toAnyList(affectedServices),
		"compromised_assets":   toAnyMaps(compromised),
		"threat_intel_matches": toAnyMaps(intelMatches),
		"attack_chain":         toAnyMaps(chain),
		"mitre_techniques":     toAnyMaps(mitre),
		"similar_incidents":    toAnyMaps(similar),
		"trace_window_hours":   window.Hours(),
	}, nil
}

// traceAttackChain widens the trace window progressively, stopping at the
// smallest window that yields enough events. The endpoint-field query form
// falls back once to a network-only query when the schema lacks endpoint
// columns.
func (inv *Investigator) traceAttackChain(ctx context.Context, assetID, sourceIP string) ([]map[string]any, time.Duration) {
	endpointUnavailable := false
	for _, window := range attackChainWindows {
		params := map[string]any{
			"asset_id":  assetID,
			"source_ip": sourceIP,
			"since":     time.Now().UTC().Add(-window).Format(time.RFC3339),
		}

		toolID := toolAttackChainEndpoint
		if endpointUnavailable {
			toolID = toolAttackChainNetwork
		}

		result, err := inv.deps.Tools.Execute(ctx, toolID, params)
		if err != nil && !endpointUnavailable && strings.Contains(strings.ToLower(err.Error()), "unknown column") {
			inv.logger.Warn("Endpoint fields unavailable, retrying with network-only trace", "error", err)
			endpointUnavailable = true
			result, err = inv.deps.Tools.Execute(ctx, toolAttackChainNetwork, params)
		}
		if err != nil {
			inv.logger.Warn("Attack-chain trace failed", "window", window, "error", err)
			continue
		}

		events := columnarEvents(result)
		if len(events) >= inv.deps.Cfg.SparseResultThreshold {
			return events, window
		}
		if window == attackChainWindows[len(attackChainWindows)-1] {
			return events, window
		}
	}
	return nil, attackChainWindows[len(attackChainWindows)-1]
}

// mapMitreTechniques searches the technique catalog once per observed
// behavior, in parallel.
func (inv *Investigator) mapMitreTechniques(ctx context.Context, chain []map[string]any) []map[string]any {
	behaviors := map[string]bool{}
	for _, event := range chain {
		if b := getString(event, "behavior"); b != "" {
			behaviors[b] = true
		}
	}
	if len(behaviors) == 0 {
		return nil
	}

	tasks := make([]func(context.Context) (*tools.Result, error), 0, len(behaviors))
	for behavior := range behaviors {
		tasks = append(tasks, func(c context.Context) (*tools.Result, error) {
			return inv.deps.Tools.Execute(c, toolMitreMapping, map[string]any{"query": behavior})
		})
	}

	var techniques []map[string]any
	for _, settled := range async.ParallelSettle(ctx, 0, tasks) {
		if settled.Fulfilled && len(settled.Value.Hits) > 0 {
			techniques = append(techniques, settled.Value.Hits[0])
		}
	}
	return techniques
}

// synthesizeRootCause concatenates per-section fragments into the prose
// summary carried on the incident.
func (inv *Investigator) synthesizeRootCause(alert map[string]any, chain []map[string]any, window time.Duration, mitre, intel []map[string]any, previousFailure string) string {
	var sections []string

	ruleID := getString(alert, "rule_id")
	sourceIP := getString(alert, "source_ip")
	asset := getString(alert, "affected_asset_id")
	switch {
	case sourceIP != "" && asset != "":
		sections = append(sections, fmt.Sprintf("%s activity from %s against %s", humanizeRule(ruleID), sourceIP, asset))
	case asset != "":
		sections = append(sections, fmt.Sprintf("%s activity on %s", humanizeRule(ruleID), asset))
	default:
		sections = append(sections, humanizeRule(ruleID)+" activity detected")
	}

	if len(chain) > 0 {
		sections = append(sections, fmt.Sprintf("%d related events traced within %v", len(chain), window))
	}
	if len(mitre) > 0 {
		var ids []string
		for _, t := range mitre {
			if id := getString(t, "technique_id"); id != "" {
				ids = append(ids, id)
			}
		}
		if len(ids) > 0 {
			sections = append(sections, "mapped to "+strings.Join(ids, ", "))
		}
	}
	if len(intel) > 0 {
		sections = append(sections, fmt.Sprintf("%d threat-intel matches", len(intel)))
	}
	if previousFailure != "" {
		sections = append(sections, "prior remediation failed: "+previousFailure)
	}

	return strings.Join(sections, "; ")
}

// investigateOperational correlates the incident with a recent change event
// (deployment or PR). The time gap from change to first error maps onto a
// confidence band.
func (inv *Investigator) investigateOperational(ctx context.Context, payload map[string]any) (map[string]any, error) {
	incidentID := getString(payload, "incident_id")
	alert := getMap(payload, "alert")
	service := getString(alert, "service")

	result, err := inv.deps.Tools.Execute(ctx, tools.ToolCorrelateChanges, map[string]any{"service": service})
	if err != nil {
		return nil, fmt.Errorf("change correlation: %w", err)
	}

	var correlation map[string]any
	gaps, _ := result.ColumnValues("gap_seconds")
	ids, _ := result.ColumnValues("change_id")
	kinds, _ := result.ColumnValues("change_type")
	maxGap := inv.maxGapSeconds(payload)

	bestGap := -1.0
	for i, raw := range gaps {
		gap, ok := raw.(float64)
		if !ok || gap < 0 || gap >= maxGap {
			continue
		}
		if bestGap < 0 || gap < bestGap {
			bestGap = gap
			correlation = map[string]any{
				"change_id":   valueAtIndex(ids, i),
				"change_type": valueAtIndex(kinds, i),
				"gap_seconds": gap,
				"confidence":  gapConfidence(gap),
			}
		}
	}

	rootCause := fmt.Sprintf("Operational degradation on %s with no correlated change", service)
	confidence := 0.3
	if correlation != nil {
		rootCause = fmt.Sprintf("Degradation on %s correlated with %v %v (%.0fs before first error, %s confidence)",
			service, correlation["change_type"], correlation["change_id"],
			correlation["gap_seconds"], correlation["confidence"])
		switch correlation["confidence"] {
		case "high":
			confidence = 0.9
		case "medium":
			confidence = 0.6
		default:
			confidence = 0.35
		}
	}

	return map[string]any{
		"incident_id":        incidentID,
		"root_cause":         rootCause,
		"confidence":         confidence,
		"recommended_next":   "plan_remediation",
		"affected_services":  []any{service},
		"change_correlation": correlation,
	}, nil
}

func (inv *Investigator) maxGapSeconds(payload map[string]any) float64 {
	if gap := getFloat(payload, "max_gap_seconds"); gap > 0 {
		return gap
	}
	return 1800
}

// gapConfidence maps the change-to-error gap to a confidence band:
// under 5 minutes high, up to 10 minutes medium, beyond that low.
func gapConfidence(gapSeconds float64) string {
	switch {
	case gapSeconds < 300:
		return "high"
	case gapSeconds <= 600:
		return "medium"
	default:
		return "low"
	}
}

func chainConfidence(chain []map[string]any) float64 {
	switch {
	case len(chain) >= 10:
		return 0.9
	case len(chain) >= 3:
		return 0.7
	case len(chain) > 0:
		return 0.5
	}
	return 0.3
}

func humanizeRule(ruleID string) string {
	if ruleID == "" {
		return "Unclassified"
	}
	cleaned := strings.TrimPrefix(ruleID, "sec-")
	cleaned = strings.ReplaceAll(cleaned, "-", " ")
	if cleaned == "" {
		return ruleID
	}
	return strings.ToUpper(cleaned[:1]) + cleaned[1:]
}

// columnarEvents converts a columnar result into one map per row keyed by
// column name.
func columnarEvents(result *tools.Result) []map[string]any {
	if len(result.Values) == 0 {
		return nil
	}
	out := make([]map[string]any, 0, len(result.Values))
	for _, row := range result.Values {
		event := make(map[string]any, len(result.Columns))
		for i, col := range result.Columns {
			if i < len(row) {
				event[col.Name] = row[i]
			}
		}
		out = append(out, event)
	}
	return out
}

func valueAtIndex(col []any, i int) any {
	if i < len(col) {
		return col[i]
	}
	return nil
}

func appendUnique(list []string, s string) []string {
	for _, existing := range list {
		if existing == s {
			return list
		}
	}
	return append(list, s)
}

func toAnyList(list []string) []any {
	out := make([]any, 0, len(list))
	for _, s := range list {
		out = append(out, s)
	}
	return out
}

func toAnyMaps(list []map[string]any) []any {
	out := make([]any, 0, len(list))
	for _, m := range list {
		out = append(out, m)
	}
	return out
}
