package device

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds Prometheus metrics for router operations.
type Metrics struct {
	// Operations counts gateway operations by op and outcome.
	Operations *prometheus.CounterVec

	// OperationDuration measures gateway operation latency by op.
	OperationDuration *prometheus.HistogramVec

	// SessionsInUse is the number of sessions currently checked out.
	SessionsInUse prometheus.Gauge
}

// NewMetrics creates and registers Prometheus metrics for the gateway.
func NewMetrics(registerer prometheus.Registerer) *Metrics {
	m := &Metrics{
		Operations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "meridian",
			Subsystem: "device",
			Name:      "operations_total",
			Help:      "Total router operations by op and outcome.",
		}, []string{"op", "outcome"}),
		OperationDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "meridian",
			Subsystem: "device",
			Name:      "operation_duration_seconds",
			Help:      "Duration of router operations.",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10},
		}, []string{"op"}),
		SessionsInUse: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "meridian",
			Subsystem: "device",
			Name:      "sessions_in_use",
			Help:      "Number of router API sessions currently in use.",
		}),
	}

	if registerer != nil {
		registerer.MustRegister(
			m.Operations,
			m.OperationDuration,
			m.SessionsInUse,
		)
	}

	return m
}

func outcome(err error) string {
	if err == nil {
		return "ok"
	}
	if k := KindOf(err); k != 0 {
		return k.String()
	}
	return "error"
}
