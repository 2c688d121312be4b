package metrics

import "github.com/prometheus/client_golang/prometheus"

// MemoryMetrics holds Prometheus metrics for the memory safety valve.
type MemoryMetrics struct {
	HeapInUse       prometheus.Gauge
	Warnings        prometheus.Counter
	EmergencyPurges prometheus.Counter
}

// NewMemoryMetrics creates and registers memory guard metrics on the given registry.
func NewMemoryMetrics(reg prometheus.Registerer) *MemoryMetrics {
	m := &MemoryMetrics{
		HeapInUse: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "memory_guard",
			Name:      "heap_inuse_bytes",
			Help:      "Heap bytes in use at the last memory check.",
		}),
		Warnings: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "memory_guard",
			Name:      "warnings_total",
			Help:      "Total number of checks above the warning mark.",
		}),
		EmergencyPurges: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "memory_guard",
			Name:      "emergency_purges_total",
			Help:      "Total number of store purges forced by memory pressure.",
		}),
	}

	reg.MustRegister(m.HeapInUse, m.Warnings, m.EmergencyPurges)
	return m
}
