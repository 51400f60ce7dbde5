package es

import "github.com/codewandler/cqrs-go/core/metrics"

// ESMetrics is the instrumentation hook for the event-sourcing core.
// Implementations must be safe for concurrent use.
type ESMetrics interface {
	// Store operations
	StoreLoadDuration(aggType string) metrics.Timer
	StoreAppendDuration(aggType string) metrics.Timer
	EventsAppended(aggType string, count int)

	// Repository operations
	RepoLoadDuration(aggType string) metrics.Timer
	RepoSaveDuration(aggType string) metrics.Timer
	ConcurrencyConflict(aggType string)

	// Aggregate cache
	CacheHit(aggType string)
	CacheMiss(aggType string)

	// Snapshots
	SnapshotLoadDuration(aggType string) metrics.Timer
	SnapshotSaveDuration(aggType string) metrics.Timer
}

type nopESMetrics struct{}

func (nopESMetrics) StoreLoadDuration(string) metrics.Timer   { return metrics.NopTimer() }
func (nopESMetrics) StoreAppendDuration(string) metrics.Timer { return metrics.NopTimer() }
func (nopESMetrics) EventsAppended(string, int)               {}

func (nopESMetrics) RepoLoadDuration(string) metrics.Timer { return metrics.NopTimer() }
func (nopESMetrics) RepoSaveDuration(string) metrics.Timer { return metrics.NopTimer() }
func (nopESMetrics) ConcurrencyConflict(string)            {}

func (nopESMetrics) CacheHit(string)  {}
func (nopESMetrics) CacheMiss(string) {}

func (nopESMetrics) SnapshotLoadDuration(string) metrics.Timer { return metrics.NopTimer() }
func (nopESMetrics) SnapshotSaveDuration(string) metrics.Timer { return metrics.NopTimer() }

// NopESMetrics returns a no-op ESMetrics implementation.
func NopESMetrics() ESMetrics { return nopESMetrics{} }

// ESMetricsOption sets the metrics implementation for ES components.
type ESMetricsOption struct{ m ESMetrics }

func WithMetrics(m ESMetrics) ESMetricsOption { return ESMetricsOption{m: m} }

func (o ESMetricsOption) applyToRepository(r *repoOpts) { r.metrics = o.m }
func (o ESMetricsOption) applyToEnv(e *envOptions)      { e.metrics = o.m }
