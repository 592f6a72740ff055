package agents

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/arome3/vigil/pkg/async"
	"github.com/arome3/vigil/pkg/bus"
	"github.com/arome3/vigil/pkg/store"
	"github.com/arome3/vigil/pkg/tools"
)

// Metrics normalized locally against the stored baseline; latency and error
// rate arrive pre-normalized from the metrics query.
var locallyNormalizedMetrics = []string{"cpu", "memory", "throughput"}

// Sentinel watches service health: baseline-relative anomaly detection over
// current metrics, dependency tracing to separate root causes from victims,
// recent-change detection, and tier lookup. Structured anomaly reports are
// forwarded to the Coordinator.
type Sentinel struct {
	deps   Deps
	logger *slog.Logger
}

// NewSentinel creates the sentinel worker.
func NewSentinel(deps Deps) *Sentinel {
	return &Sentinel{deps: deps, logger: slog.Default().With("agent", "sentinel")}
}

// Handle processes monitor_health (all services) and get_health_metrics
// (one service) tasks.
func (s *Sentinel) Handle(ctx context.Context, payload map[string]any) (map[string]any, error) {
	switch getString(payload, "task") {
	case "monitor_health":
		return s.monitorHealth(ctx)
	case "get_health_metrics":
		service := getString(payload, "service")
		if service == "" {
			return nil, fmt.Errorf("get_health_metrics requires a service")
		}
		return s.healthMetrics(ctx, service)
	}
	return nil, fmt.Errorf("unknown sentinel task %q", getString(payload, "task"))
}

// monitorHealth sweeps every baselined service, flags anomalies, enriches
// each in parallel, and forwards reports to the Coordinator.
func (s *Sentinel) monitorHealth(ctx context.Context) (map[string]any, error) {
	return async.DeadlineRace(ctx, "health monitoring", s.deps.Cfg.MonitoringDeadline,
		func(raceCtx context.Context) (map[string]any, error) {
			services, err := s.discoverServices(raceCtx)
			if err != nil {
				return nil, fmt.Errorf("discovering services: %w", err)
			}

			var anomalies []map[string]any
			checked := 0
			for _, service := range services {
				metrics, err := s.healthMetrics(raceCtx, service)
				if err != nil {
					s.logger.Warn("Health check failed", "service", service, "error", err)
					continue
				}
				checked++
				if getBool(metrics, "anomalous") {
					report := s.enrichAnomaly(raceCtx, service, metrics)
					anomalies = append(anomalies, report)
					s.forwardToCoordinator(report)
				}
			}

			return map[string]any{
				"services_checked": checked,
				"anomalies":        toAnyMaps(anomalies),
				"@timestamp":       time.Now().UTC().Format(time.RFC3339Nano),
			}, nil
		})
}

// healthMetrics reads the 7-day rolling baseline and current metrics for one
// service and computes sigma deviations. Latency and error rate come
// inline-normalized from the metrics query; cpu, memory and throughput are
// normalized here as (current - avg) / max(stddev, 1).
func (s *Sentinel) healthMetrics(ctx context.Context, service string) (map[string]any, error) {
	baseline, err := s.loadBaseline(ctx, service)
	if err != nil {
		return nil, fmt.Errorf("loading baseline for %s: %w", service, err)
	}

	result, err := s.deps.Tools.Execute(ctx, "current-metrics", map[string]any{"service": service})
	if err != nil {
		return nil, fmt.Errorf("querying current metrics for %s: %w", service, err)
	}

	metrics := map[string]any{}
	deviations := map[string]any{}
	anomalous := false

	// Inline-normalized metrics: the query already produced z-scores.
	for metric, zColumn := range map[string]string{
		"latency_p95_ms": "latency_z",
		"error_rate":     "error_z",
	} {
		if value, ok := firstFloat(result, metric); ok {
			metrics[metric] = value
		}
		if z, ok := firstFloat(result, zColumn); ok {
			deviations[metric] = z
			if math.Abs(z) > s.deps.Cfg.AnomalyStddevThreshold {
				anomalous = true
			}
		}
	}

	for _, metric := range locallyNormalizedMetrics {
		current, ok := firstFloat(result, metric)
		if !ok {
			continue
		}
		metrics[metric] = current
		stats := getMap(baseline, metric)
		if stats == nil {
			continue
		}
		stddev := getFloat(stats, "stddev")
		z := (current - getFloat(stats, "avg")) / math.Max(stddev, 1)
		deviations[metric] = z
		if math.Abs(z) > s.deps.Cfg.AnomalyStddevThreshold {
			anomalous = true
		}
	}

	return map[string]any{
		"service":    service,
		"metrics":    metrics,
		"deviations": deviations,
		"anomalous":  anomalous,
	}, nil
}

// enrichAnomaly runs the three enrichment lookups in parallel: dependency
// trace, recent-change detection, and tier lookup.
func (s *Sentinel) enrichAnomaly(ctx context.Context, service string, metrics map[string]any) map[string]any {
	results := async.PartialRace(ctx, 30*time.Second, []async.Task[map[string]any]{
		{Label: "dependencies", Run: func(c context.Context) (map[string]any, error) {
			return s.traceDependencies(c, service)
		}},
		{Label: "changes", Run: func(c context.Context) (map[string]any, error) {
			return s.detectRecentChange(c, service)
		}},
		{Label: "tier", Run: func(c context.Context) (map[string]any, error) {
			return s.lookupTier(c, service)
		}},
	})

	report := map[string]any{
		"service":    service,
		"metrics":    metrics["metrics"],
		"deviations": metrics["deviations"],
		"detected_at": time.Now().UTC().Format(time.RFC3339Nano),
	}
	if r := results["dependencies"]; r.Fulfilled {
		report["classification"] = r.Value["classification"]
		report["dependencies"] = r.Value["downstream"]
	} else {
		report["classification"] = "unknown"
	}
	if r := results["changes"]; r.Fulfilled && r.Value != nil {
		report["change_correlation"] = r.Value
	}
	if r := results["tier"]; r.Fulfilled {
		report["tier"] = r.Value["tier"]
	}
	return report
}

// traceDependencies classifies the anomaly against downstream health:
// no failing downstream means the service is the root cause; a failing and
// anomalous downstream makes it a victim; a failing but non-anomalous
// downstream points back at the service's own outbound traffic.
func (s *Sentinel) traceDependencies(ctx context.Context, service string) (map[string]any, error) {
	result, err := s.deps.Tools.Execute(ctx, "service-dependencies", map[string]any{"service": service})
	if err != nil {
		return nil, err
	}

	downstreams, _ := result.ColumnValues("downstream")
	failings, _ := result.ColumnValues("failing")
	anomalouses, _ := result.ColumnValues("anomalous")

	classification := "root_cause"
	var downstream []any
	for i, raw := range downstreams {
		name, _ := raw.(string)
		failing := boolAt(failings, i)
		anomalous := boolAt(anomalouses, i)
		downstream = append(downstream, map[string]any{
			"service": name, "failing": failing, "anomalous": anomalous,
		})
		if failing && anomalous {
			classification = "victim"
		} else if failing && classification != "victim" {
			classification = "root_cause_bad_outbound"
		}
	}

	return map[string]any{
		"classification": classification,
		"downstream":     downstream,
	}, nil
}

// detectRecentChange looks for a change event near the anomaly; the age of
// the change maps onto 5/15/30-minute confidence bands.
func (s *Sentinel) detectRecentChange(ctx context.Context, service string) (map[string]any, error) {
	result, err := s.deps.Tools.Execute(ctx, tools.ToolCorrelateChanges, map[string]any{"service": service})
	if err != nil {
		return nil, err
	}

	timestamps, _ := result.ColumnValues("changed_at")
	ids, _ := result.ColumnValues("change_id")
	kinds, _ := result.ColumnValues("change_type")

	now := time.Now().UTC()
	for i, raw := range timestamps {
		ts, _ := raw.(string)
		changedAt, err := time.Parse(time.RFC3339Nano, ts)
		if err != nil {
			continue
		}
		age := now.Sub(changedAt)
		if age < 0 || age > 30*time.Minute {
			continue
		}
		confidence := "low"
		switch {
		case age <= s.deps.Cfg.HighConfidenceWindow:
			confidence = "high"
		case age <= 15*time.Minute:
			confidence = "medium"
		}
		return map[string]any{
			"change_id":   valueAtIndex(ids, i),
			"change_type": valueAtIndex(kinds, i),
			"age_seconds": age.Seconds(),
			"confidence":  confidence,
		}, nil
	}
	return nil, nil
}

func (s *Sentinel) lookupTier(ctx context.Context, service string) (map[string]any, error) {
	result, err := s.deps.Tools.Execute(ctx, toolAssetCriticality, map[string]any{"query": service})
	if err != nil {
		return nil, err
	}
	tier := "unknown"
	if len(result.Hits) > 0 {
		tier = defaultString(getString(result.Hits[0], "tier"), "unknown")
	}
	return map[string]any{"tier": tier}, nil
}

// discoverServices lists services with stored baselines.
func (s *Sentinel) discoverServices(ctx context.Context) ([]string, error) {
	result, err := s.deps.Store.Search(ctx, store.IndexBaselines, store.SearchRequest{
		Query: map[string]any{"match_all": map[string]any{}},
		Size:  500,
	})
	if err != nil {
		return nil, err
	}
	var services []string
	for _, hit := range result.Hits {
		if name := getString(hit.Source, "service"); name != "" {
			services = appendUnique(services, name)
		}
	}
	return services, nil
}

func (s *Sentinel) loadBaseline(ctx context.Context, service string) (map[string]any, error) {
	result, err := s.deps.Store.Search(ctx, store.IndexBaselines, store.SearchRequest{
		Query: map[string]any{"term": map[string]any{"service": service}},
		Size:  1,
	})
	if err != nil {
		return nil, err
	}
	if len(result.Hits) == 0 {
		return nil, store.ErrNotFound
	}
	return getMap(result.Hits[0].Source, "metrics"), nil
}

// forwardToCoordinator hands the anomaly report off as an operational alert.
// Detached: a coordinator failure must not break the monitoring sweep.
func (s *Sentinel) forwardToCoordinator(report map[string]any) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
		defer cancel()
		_, err := s.deps.Bus.Send(ctx, bus.AgentSentinel, bus.AgentCoordinator, map[string]any{
			"task":    "operational_anomaly",
			"anomaly": report,
		}, 5*time.Minute)
		if err != nil {
			s.logger.Warn("Failed to forward anomaly to coordinator",
				"service", getString(report, "service"), "error", err)
		}
	}()
}

func boolAt(col []any, i int) bool {
	if i >= len(col) {
		return false
	}
	b, _ := col[i].(bool)
	return b
}
