package command

import "github.com/codewandler/cqrs-go/core/metrics"

// Metrics is the instrumentation hook for the dispatcher. Implementations
// must be safe for concurrent use.
type Metrics interface {
	DispatchDuration(cmdType string) metrics.Timer
	// Dispatched counts finished dispatches by outcome: ok, replayed,
	// rejected, conflict or error.
	Dispatched(cmdType, outcome string)
	ConflictRetry(cmdType string)
}

type nopMetrics struct{}

func (nopMetrics) DispatchDuration(string) metrics.Timer { return metrics.NopTimer() }
func (nopMetrics) Dispatched(string, string)             {}
func (nopMetrics) ConflictRetry(string)                  {}

func NopMetrics() Metrics { return nopMetrics{} }
