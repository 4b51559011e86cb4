package outage

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds Prometheus metrics for the outage detector.
type Metrics struct {
	// Checks counts customer checks by result: up, down, skipped or error.
	Checks *prometheus.CounterVec

	// Transitions counts state changes by from and to state.
	Transitions *prometheus.CounterVec

	// TicketsCreated counts tickets opened by the detector.
	TicketsCreated prometheus.Counter

	// CustomersDown is the number of customers down at the last sweep.
	CustomersDown prometheus.Gauge

	// CheckDuration measures how long each sweep takes.
	CheckDuration prometheus.Histogram
}

// NewMetrics creates and registers Prometheus metrics for the outage detector.
func NewMetrics(registerer prometheus.Registerer) *Metrics {
	m := &Metrics{
		Checks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "meridian",
			Subsystem: "outage",
			Name:      "checks_total",
			Help:      "Total customer reachability checks by result.",
		}, []string{"result"}),
		Transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "meridian",
			Subsystem: "outage",
			Name:      "transitions_total",
			Help:      "Total monitoring state transitions.",
		}, []string{"from", "to"}),
		TicketsCreated: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "meridian",
			Subsystem: "outage",
			Name:      "tickets_created_total",
			Help:      "Total technician tickets opened for unresolved outages.",
		}),
		CustomersDown: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "meridian",
			Subsystem: "outage",
			Name:      "customers_down",
			Help:      "Number of customers that failed their last check.",
		}),
		CheckDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "meridian",
			Subsystem: "outage",
			Name:      "check_duration_seconds",
			Help:      "Duration of each outage check sweep.",
			Buckets:   prometheus.DefBuckets,
		}),
	}

	if registerer != nil {
		registerer.MustRegister(
			m.Checks,
			m.Transitions,
			m.TicketsCreated,
			m.CustomersDown,
			m.CheckDuration,
		)
	}

	return m
}
