package metrics

import "github.com/prometheus/client_golang/prometheus"

// SubmissionMetrics holds Prometheus metrics for the submission pipeline.
type SubmissionMetrics struct {
	Outcomes       *prometheus.CounterVec
	CommitDuration prometheus.Histogram
	Overwrites     prometheus.Counter
	Clears         *prometheus.CounterVec
	Participants   prometheus.Gauge
	LedgerPurged   prometheus.Counter
}

// NewSubmissionMetrics creates and registers submission metrics on the given registry.
func NewSubmissionMetrics(reg prometheus.Registerer) *SubmissionMetrics {
	m := &SubmissionMetrics{
		Outcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "submissions",
			Name:      "total",
			Help:      "Total number of submissions, by outcome.",
		}, []string{"outcome"}),
		CommitDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "submissions",
			Name:      "duration_seconds",
			Help:      "Time spent in the submission pipeline in seconds.",
			Buckets:   []float64{0.00005, 0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1},
		}),
		Overwrites: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "submissions",
			Name:      "overwrites_total",
			Help:      "Total number of confirmed overwrites.",
		}),
		Clears: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "store_clears_total",
			Help:      "Total number of store clears, by reason.",
		}, []string{"reason"}),
		Participants: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "participants",
			Help:      "Number of pledges currently held.",
		}),
		LedgerPurged: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ratelimit",
			Name:      "purged_entries_total",
			Help:      "Total number of expired rate-limit entries purged.",
		}),
	}

	reg.MustRegister(m.Outcomes, m.CommitDuration, m.Overwrites, m.Clears, m.Participants, m.LedgerPurged)
	return m
}
