// Package metrics defines the abstract instrumentation interfaces used by
// the core packages, keeping them decoupled from any concrete backend
// (see adapters/prometheus).
package metrics

// Counter is a monotonically increasing metric.
type Counter interface {
	Inc()
	// Add increments the counter by delta. delta must be >= 0.
	Add(delta float64)
}

// Gauge is a metric that can go up and down.
type Gauge interface {
	Set(value float64)
	Inc()
	Dec()
	Add(delta float64)
}

// Histogram samples observations (e.g. apply latencies) into buckets.
type Histogram interface {
	Observe(value float64)
}

// Timer measures the duration of one operation. Call ObserveDuration when
// the operation completes:
//
//	defer m.RepoLoadDuration("account").ObserveDuration()
type Timer interface {
	ObserveDuration()
}
