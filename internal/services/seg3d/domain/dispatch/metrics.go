package dispatch

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics instruments the dispatcher.
type Metrics struct {
	// Actions counts finished actions.
	// Labels: type, status (success|error|invalid|unavailable)
	Actions *prometheus.CounterVec

	// Duration measures validate plus run time in seconds.
	// Labels: type
	Duration *prometheus.HistogramVec

	// QueueDepth is the number of jobs waiting for the application goroutine.
	QueueDepth prometheus.Gauge

	// Requeues counts actions sent back to the queue to wait for a resource.
	// Labels: type
	Requeues *prometheus.CounterVec
}

// NewMetrics registers dispatcher metrics with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		Actions: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "seg3d_actions_total",
			Help: "Actions finished by the dispatcher.",
		}, []string{"type", "status"}),
		Duration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "seg3d_action_duration_seconds",
			Help:    "Time spent validating and running an action.",
			Buckets: []float64{0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
		}, []string{"type"}),
		QueueDepth: factory.NewGauge(prometheus.GaugeOpts{
			Name: "seg3d_action_queue_depth",
			Help: "Jobs waiting for the application goroutine.",
		}),
		Requeues: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "seg3d_action_requeues_total",
			Help: "Actions requeued while waiting for a resource.",
		}, []string{"type"}),
	}
}
