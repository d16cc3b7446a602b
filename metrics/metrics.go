// Package metrics abstracts operational counters and latency observation
// behind a small recorder interface so services never depend on a concrete
// metrics backend.
package metrics

import "time"

// Recorder records operational events.
type Recorder interface {
	IncCounter(name string, labels map[string]string)
	ObserveLatency(name string, d time.Duration, labels map[string]string)
}

// NoopRecorder discards everything. It is the default for services
// constructed without metrics.
type NoopRecorder struct{}

// NewNoopRecorder returns a recorder that discards all events.
func NewNoopRecorder() Recorder { return NoopRecorder{} }

func (NoopRecorder) IncCounter(string, map[string]string)                    {}
func (NoopRecorder) ObserveLatency(string, time.Duration, map[string]string) {}
