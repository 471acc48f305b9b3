// Package metrics defines the Collector interface the pool reports
// to, plus a Prometheus-backed implementation and a no-op default.
package metrics

import "time"

// Collector receives pool lifecycle events for observability. Every
// method must be safe to call concurrently and must never block the
// caller on anything slower than updating an in-memory counter.
type Collector interface {
	RecordSessionOpened(group string)
	RecordSessionClosed(group string)
	RecordSpawn(group string, duration time.Duration, success bool)
	RecordDetach(group string, reason string)
	RecordGCSweep(duration time.Duration, detached int)
	SetApplicationCount(n int)
	SetActiveSessionCount(n int)
}

// NoopCollector discards every event. Used when no metrics backend is
// configured.
type NoopCollector struct{}

// NewNoopCollector returns a Collector that does nothing.
func NewNoopCollector() *NoopCollector { return &NoopCollector{} }

func (NoopCollector) RecordSessionOpened(string)                 {}
func (NoopCollector) RecordSessionClosed(string)                 {}
func (NoopCollector) RecordSpawn(string, time.Duration, bool)     {}
func (NoopCollector) RecordDetach(string, string)                 {}
func (NoopCollector) RecordGCSweep(time.Duration, int)            {}
func (NoopCollector) SetApplicationCount(int)                     {}
func (NoopCollector) SetActiveSessionCount(int)                   {}

var _ Collector = NoopCollector{}
