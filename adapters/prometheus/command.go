package prometheus

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/codewandler/cqrs-go/core/command"
	"github.com/codewandler/cqrs-go/core/metrics"
)

// commandMetrics implements command.Metrics using Prometheus.
type commandMetrics struct {
	dispatchDuration *prometheus.HistogramVec
	dispatched       *prometheus.CounterVec
	conflictRetries  *prometheus.CounterVec
}

func NewCommandMetrics(reg prometheus.Registerer) command.Metrics {
	m := &commandMetrics{
		dispatchDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "cqrs_command_dispatch_duration_seconds",
			Help:    "Command dispatch latency in seconds",
			Buckets: defaultBuckets,
		}, []string{"command"}),

		dispatched: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "cqrs_command_dispatched_total",
			Help: "Total number of dispatched commands by outcome",
		}, []string{"command", "outcome"}),

		conflictRetries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "cqrs_command_conflict_retries_total",
			Help: "Total number of dispatch retries after concurrency conflicts",
		}, []string{"command"}),
	}

	reg.MustRegister(
		m.dispatchDuration,
		m.dispatched,
		m.conflictRetries,
	)

	return m
}

func (m *commandMetrics) DispatchDuration(cmdType string) metrics.Timer {
	return newTimer(m.dispatchDuration.WithLabelValues(cmdType))
}

func (m *commandMetrics) Dispatched(cmdType, outcome string) {
	m.dispatched.WithLabelValues(cmdType, outcome).Inc()
}

func (m *commandMetrics) ConflictRetry(cmdType string) {
	m.conflictRetries.WithLabelValues(cmdType).Inc()
}

var _ command.Metrics = (*commandMetrics)(nil)
