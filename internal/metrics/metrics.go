// Package metrics exposes Prometheus counters and gauges for the router,
// WAL, and health monitor at /metrics. The JSON admin endpoints do not read
// these metrics; they query the database and the health monitor directly.
// WALPendingGauge and WALAppendsTotal are registered but no component
// updates them.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Registry bundles every metric this process exports. A single instance is
// created at startup and threaded through the components that update it.
type Registry struct {
	RequestsTotal      *prometheus.CounterVec
	ForwardErrorsTotal *prometheus.CounterVec
	WALPendingGauge    *prometheus.GaugeVec
	WALAppendsTotal    *prometheus.CounterVec
	InstanceHealthy    *prometheus.GaugeVec
	MemoryPressure     prometheus.Gauge
}

// New registers every metric against reg and returns the bundle. Pass
// prometheus.NewRegistry() in production and a fresh registry per test in
// tests to avoid cross-test collector collisions.
func New(reg prometheus.Registerer) *Registry {
	m := &Registry{
		RequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "vectorlb_requests_total",
			Help: "Total requests handled by the router, by classification and outcome.",
		}, []string{"classification", "target", "status"}),
		ForwardErrorsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "vectorlb_forward_errors_total",
			Help: "Total outbound forward failures, by target instance.",
		}, []string{"instance"}),
		WALPendingGauge: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "vectorlb_wal_entries",
			Help: "Current WAL entry count by status.",
		}, []string{"status"}),
		WALAppendsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "vectorlb_wal_appends_total",
			Help: "Total WAL entries appended, by target instance.",
		}, []string{"instance"}),
		InstanceHealthy: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "vectorlb_instance_healthy",
			Help: "1 if the instance is currently healthy, else 0.",
		}, []string{"instance"}),
		MemoryPressure: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "vectorlb_memory_pressure",
			Help: "1 if the process is over its configured memory budget, else 0.",
		}),
	}

	reg.MustRegister(
		m.RequestsTotal,
		m.ForwardErrorsTotal,
		m.WALPendingGauge,
		m.WALAppendsTotal,
		m.InstanceHealthy,
		m.MemoryPressure,
	)
	return m
}

func boolToFloat(b bool) float64 {
	if b {
		return 1
	}
	return 0
}

// SetInstanceHealthy records the current health of a named instance.
func (m *Registry) SetInstanceHealthy(name string, healthy bool) {
	m.InstanceHealthy.WithLabelValues(name).Set(boolToFloat(healthy))
}

// SetMemoryPressure records the current back-pressure state.
func (m *Registry) SetMemoryPressure(pressure bool) {
	m.MemoryPressure.Set(boolToFloat(pressure))
}
