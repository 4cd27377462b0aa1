// Package metrics instruments Eryx with Prometheus collectors: execution
// duration, callback dispatch counts, tool-server connection state, and
// snapshot sizes. A small struct of pre-registered collectors is handed
// to the component constructors so callers can mount one /metrics
// handler per sandbox or share the default registry.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Registry groups every Eryx collector under one prometheus.Registerer so
// callers can mount a single /metrics handler.
type Registry struct {
	ExecutionDuration   *prometheus.HistogramVec
	ExecutionsTotal     *prometheus.CounterVec
	CallbackInvocations *prometheus.CounterVec
	CallbackDuration    *prometheus.HistogramVec
	ToolServerState     *prometheus.GaugeVec
	SnapshotBytes       prometheus.Histogram
}

// New creates and registers all collectors on reg. Pass
// prometheus.NewRegistry() for an isolated registry, or
// prometheus.DefaultRegisterer to join the global one.
func New(reg prometheus.Registerer) *Registry {
	m := &Registry{
		ExecutionDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "eryx",
			Subsystem: "execution",
			Name:      "duration_seconds",
			Help:      "Wall-clock duration of Session.Execute calls.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"outcome"}),
		ExecutionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "eryx",
			Subsystem: "execution",
			Name:      "total",
			Help:      "Count of Session.Execute calls by outcome.",
		}, []string{"outcome"}),
		CallbackInvocations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "eryx",
			Subsystem: "callback",
			Name:      "invocations_total",
			Help:      "Count of guest callback invocations by name and result.",
		}, []string{"name", "result"}),
		CallbackDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "eryx",
			Subsystem: "callback",
			Name:      "duration_seconds",
			Help:      "Duration of callback handler execution by name.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"name"}),
		ToolServerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "eryx",
			Subsystem: "toolserver",
			Name:      "state",
			Help:      "Tool-server lifecycle state (1 = currently in this state, else 0).",
		}, []string{"server", "state"}),
		SnapshotBytes: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "eryx",
			Subsystem: "snapshot",
			Name:      "bytes",
			Help:      "Size in bytes of encoded session snapshots.",
			Buckets:   prometheus.ExponentialBuckets(1024, 4, 8),
		}),
	}

	reg.MustRegister(
		m.ExecutionDuration,
		m.ExecutionsTotal,
		m.CallbackInvocations,
		m.CallbackDuration,
		m.ToolServerState,
		m.SnapshotBytes,
	)
	return m
}

// ObserveExecution records one Session.Execute outcome.
func (m *Registry) ObserveExecution(outcome string, seconds float64) {
	m.ExecutionDuration.WithLabelValues(outcome).Observe(seconds)
	m.ExecutionsTotal.WithLabelValues(outcome).Inc()
}

// ObserveCallback records one callback invocation.
func (m *Registry) ObserveCallback(name, result string, seconds float64) {
	m.CallbackInvocations.WithLabelValues(name, result).Inc()
	m.CallbackDuration.WithLabelValues(name).Observe(seconds)
}

// SetToolServerState records server's current lifecycle state, zeroing
// every other known state label for that server.
func (m *Registry) SetToolServerState(server string, states []string, current string) {
	for _, st := range states {
		value := 0.0
		if st == current {
			value = 1.0
		}
		m.ToolServerState.WithLabelValues(server, st).Set(value)
	}
}
