// Package metrics exposes the process's Prometheus collectors: dispatch
// counters/latency, rebuild outcomes, and claim conflicts. Grounded on the
// prometheus/client_golang usage in jordigilh-kubernaut's and
// goadesign-goa-ai's metrics packages, generalized from svrcore's
// hand-rolled rate counter (svrcore/policies/metrics.go) to registered
// Prometheus collectors, since client_golang is a real dependency and a
// more idiomatic fit for the same golden signals.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Registry bundles every collector the server registers.
type Registry struct {
	DispatchTotal    *prometheus.CounterVec
	DispatchDuration *prometheus.HistogramVec
	RebuildTotal     *prometheus.CounterVec
	ClaimConflicts   prometheus.Counter
	WatcherBatches   *prometheus.CounterVec
}

// New constructs a Registry and registers every collector with reg.
func New(reg prometheus.Registerer) *Registry {
	m := &Registry{
		DispatchTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "graphmcp",
			Subsystem: "dispatch",
			Name:      "requests_total",
			Help:      "Total tool dispatch calls by tool name and outcome.",
		}, []string{"tool", "outcome"}),
		DispatchDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "graphmcp",
			Subsystem: "dispatch",
			Name:      "duration_seconds",
			Help:      "Tool dispatch handler latency.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"tool"}),
		RebuildTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "graphmcp",
			Subsystem: "rebuild",
			Name:      "total",
			Help:      "Rebuild runs by mode and outcome.",
		}, []string{"mode", "outcome"}),
		ClaimConflicts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "graphmcp",
			Subsystem: "coordination",
			Name:      "claim_conflicts_total",
			Help:      "Total agent_claim calls that returned CONFLICT.",
		}),
		WatcherBatches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "graphmcp",
			Subsystem: "watcher",
			Name:      "batches_total",
			Help:      "Debounced filesystem-change batches delivered, by project.",
		}, []string{"project"}),
	}
	reg.MustRegister(m.DispatchTotal, m.DispatchDuration, m.RebuildTotal, m.ClaimConflicts, m.WatcherBatches)
	return m
}

// ObserveDispatch records one tool dispatch outcome and its latency.
func (m *Registry) ObserveDispatch(tool, outcome string, start time.Time) {
	m.DispatchTotal.WithLabelValues(tool, outcome).Inc()
	m.DispatchDuration.WithLabelValues(tool).Observe(time.Since(start).Seconds())
}

// ObserveRebuild records one rebuild outcome.
func (m *Registry) ObserveRebuild(mode, outcome string) {
	m.RebuildTotal.WithLabelValues(mode, outcome).Inc()
}

// ObserveClaimConflict records one agent_claim CONFLICT result.
func (m *Registry) ObserveClaimConflict() {
	m.ClaimConflicts.Inc()
}

// ObserveWatcherBatch records one delivered watcher batch for a project.
func (m *Registry) ObserveWatcherBatch(projectID string) {
	m.WatcherBatches.WithLabelValues(projectID).Inc()
}
