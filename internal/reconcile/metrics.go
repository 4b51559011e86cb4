package reconcile

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds Prometheus metrics for reconciliation.
type Metrics struct {
	// Applies counts completed reconciliations by resulting status.
	Applies *prometheus.CounterVec

	// Steps counts steps by name and outcome.
	Steps *prometheus.CounterVec

	// ApplyDuration measures the time to reconcile one customer.
	ApplyDuration prometheus.Histogram

	// SweepDuration measures a full expiry and re-apply sweep.
	SweepDuration prometheus.Histogram

	// Expired counts subscriptions moved to expired by the sweeper.
	Expired prometheus.Counter
}

// NewMetrics creates and registers Prometheus metrics for reconciliation.
func NewMetrics(registerer prometheus.Registerer) *Metrics {
	m := &Metrics{
		Applies: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "meridian",
			Subsystem: "reconcile",
			Name:      "applies_total",
			Help:      "Total reconciliations by resulting status.",
		}, []string{"status"}),
		Steps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "meridian",
			Subsystem: "reconcile",
			Name:      "steps_total",
			Help:      "Total reconciliation steps by step and outcome.",
		}, []string{"step", "outcome"}),
		ApplyDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "meridian",
			Subsystem: "reconcile",
			Name:      "apply_duration_seconds",
			Help:      "Duration of reconciling one customer.",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
		}),
		SweepDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "meridian",
			Subsystem: "reconcile",
			Name:      "sweep_duration_seconds",
			Help:      "Duration of a full reconciliation sweep.",
			Buckets:   prometheus.ExponentialBuckets(0.5, 2, 10),
		}),
		Expired: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "meridian",
			Subsystem: "reconcile",
			Name:      "expired_subscriptions_total",
			Help:      "Total subscriptions expired by the sweeper.",
		}),
	}

	if registerer != nil {
		registerer.MustRegister(
			m.Applies,
			m.Steps,
			m.ApplyDuration,
			m.SweepDuration,
			m.Expired,
		)
	}

	return m
}
