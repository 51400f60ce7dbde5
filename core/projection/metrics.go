package projection

import "github.com/codewandler/cqrs-go/core/metrics"

// Metrics is the instrumentation hook for projection workers.
// Implementations must be safe for concurrent use.
type Metrics interface {
	ApplyDuration(projection string) metrics.Timer
	Applied(projection string)
	ApplyFailure(projection string)
	DeadLettered(projection string)
	Rebuilt(projection string)
}

type nopMetrics struct{}

func (nopMetrics) ApplyDuration(string) metrics.Timer { return metrics.NopTimer() }
func (nopMetrics) Applied(string)                     {}
func (nopMetrics) ApplyFailure(string)                {}
func (nopMetrics) DeadLettered(string)                {}
func (nopMetrics) Rebuilt(string)                     {}

func NopMetrics() Metrics { return nopMetrics{} }
