// Package metrics exposes prometheus collectors for the orchestration core.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/arome3/vigil/pkg/bus"
	"github.com/arome3/vigil/pkg/contract"
)

// Metrics holds the registered collectors.
type Metrics struct {
	Registry *prometheus.Registry

	PollCycles  prometheus.Counter
	PollErrors  prometheus.Counter
	BusSends    *prometheus.CounterVec
	Transitions *prometheus.CounterVec
	Actions     *prometheus.CounterVec
}

// New creates and registers the collector set on a fresh registry.
func New() *Metrics {
	registry := prometheus.NewRegistry()
	m := &Metrics{
		Registry: registry,
		PollCycles: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "vigil_watcher_poll_cycles_total",
			Help: "Alert watcher poll cycles.",
		}),
		PollErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "vigil_watcher_poll_errors_total",
			Help: "Alert watcher poll failures.",
		}),
		BusSends: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "vigil_bus_sends_total",
			Help: "A2A envelopes dispatched, by target agent.",
		}, []string{"to"}),
		Transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "vigil_incident_transitions_total",
			Help: "Committed incident transitions, by edge.",
		}, []string{"from", "to"}),
		Actions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "vigil_executor_actions_total",
			Help: "Executor action attempts, by execution status.",
		}, []string{"status"}),
	}
	registry.MustRegister(m.PollCycles, m.PollErrors, m.BusSends, m.Transitions, m.Actions)
	return m
}

// ObserveBus installs the bus-send counter on the bus.
func (m *Metrics) ObserveBus(b *bus.Bus) {
	b.OnSend(func(env contract.Envelope) {
		m.BusSends.WithLabelValues(env.ToAgent).Inc()
	})
}
