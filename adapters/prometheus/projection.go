package prometheus

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/codewandler/cqrs-go/core/metrics"
	"github.com/codewandler/cqrs-go/core/projection"
)

// projectionMetrics implements projection.Metrics using Prometheus.
type projectionMetrics struct {
	applyDuration *prometheus.HistogramVec
	applied       *prometheus.CounterVec
	applyFailures *prometheus.CounterVec
	deadLettered  *prometheus.CounterVec
	rebuilds      *prometheus.CounterVec
}

func NewProjectionMetrics(reg prometheus.Registerer) projection.Metrics {
	m := &projectionMetrics{
		applyDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "cqrs_projection_apply_duration_seconds",
			Help:    "Projection apply latency in seconds",
			Buckets: defaultBuckets,
		}, []string{"projection"}),

		applied: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "cqrs_projection_applied_total",
			Help: "Total number of events applied",
		}, []string{"projection"}),

		applyFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "cqrs_projection_apply_failures_total",
			Help: "Total number of failed apply attempts",
		}, []string{"projection"}),

		deadLettered: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "cqrs_projection_dead_lettered_total",
			Help: "Total number of events dead lettered",
		}, []string{"projection"}),

		rebuilds: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "cqrs_projection_rebuilds_total",
			Help: "Total number of projection rebuilds",
		}, []string{"projection"}),
	}

	reg.MustRegister(
		m.applyDuration,
		m.applied,
		m.applyFailures,
		m.deadLettered,
		m.rebuilds,
	)

	return m
}

func (m *projectionMetrics) ApplyDuration(projection string) metrics.Timer {
	return newTimer(m.applyDuration.WithLabelValues(projection))
}

func (m *projectionMetrics) Applied(projection string) {
	m.applied.WithLabelValues(projection).Inc()
}

func (m *projectionMetrics) ApplyFailure(projection string) {
	m.applyFailures.WithLabelValues(projection).Inc()
}

func (m *projectionMetrics) DeadLettered(projection string) {
	m.deadLettered.WithLabelValues(projection).Inc()
}

func (m *projectionMetrics) Rebuilt(projection string) {
	m.rebuilds.WithLabelValues(projection).Inc()
}

var _ projection.Metrics = (*projectionMetrics)(nil)
