package domain

import "time"

// Metrics receives observability events from every subsystem. A nop
// implementation is provided for tests and for running without an
// exporter.
type Metrics interface {
	ObserveRoute(state RouteState, d time.Duration, err error)
	ObserveSweep(removed int)
	SetRegistrySize(kind ToolKind, n int)
	ObservePoolAcquire(outcome string, d time.Duration)
	ObserveSandboxRun(status string, d time.Duration)
	ObservePlannerCall(op string, d time.Duration, err error)
	ObserveFallback(candidates int, d time.Duration)
}

// NopMetrics discards every observation.
type NopMetrics struct{}

func (NopMetrics) ObserveRoute(RouteState, time.Duration, error)   {}
func (NopMetrics) ObserveSweep(int)                                {}
func (NopMetrics) SetRegistrySize(ToolKind, int)                   {}
func (NopMetrics) ObservePoolAcquire(string, time.Duration)        {}
func (NopMetrics) ObserveSandboxRun(string, time.Duration)         {}
func (NopMetrics) ObservePlannerCall(string, time.Duration, error) {}
func (NopMetrics) ObserveFallback(int, time.Duration)              {}

var _ Metrics = NopMetrics{}
