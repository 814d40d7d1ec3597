package supervisor

import "os"

// Metrics receives supervision events.
type Metrics interface {
	// StateTransition records a shutdown state change
	StateTransition(from, to State)

	// ProcessesDied records deaths found by one health check
	ProcessesDied(n int)

	// SignalSent records a signal delivered to a watched process
	SignalSent(sig os.Signal)

	// WatchedProcesses records the size of the watch set
	WatchedProcesses(n int)
}

type noopMetrics struct{}

func (noopMetrics) StateTransition(from, to State) {}
func (noopMetrics) ProcessesDied(n int)            {}
func (noopMetrics) SignalSent(sig os.Signal)       {}
func (noopMetrics) WatchedProcesses(n int)         {}

// NewNoopMetrics returns a Metrics that discards everything.
func NewNoopMetrics() Metrics {
	return noopMetrics{}
}
