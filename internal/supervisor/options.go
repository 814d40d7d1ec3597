package supervisor

import (
	"log/slog"
	"os"
	"time"
)

// Option configures the Supervisor
type Option func(*Supervisor)

// WithHealthCheckInterval sets how often watched pids are probed
func WithHealthCheckInterval(d time.Duration) Option {
	return func(s *Supervisor) {
		s.healthCheckInterval = d
	}
}

// WithCheckTerminateInterval sets how often survivors are probed while terminating
func WithCheckTerminateInterval(d time.Duration) Option {
	return func(s *Supervisor) {
		s.checkTerminateInterval = d
	}
}

// WithTerminateTimeout sets the deadline between the graceful signal and SIGKILL
func WithTerminateTimeout(d time.Duration) Option {
	return func(s *Supervisor) {
		s.terminateTimeout = d
	}
}

// WithTerminateSignals overrides the signals that start a shutdown
func WithTerminateSignals(sigs ...os.Signal) Option {
	return func(s *Supervisor) {
		s.termSignals = sigs
	}
}

// WithForwardSignals overrides the signals relayed to watched processes
func WithForwardSignals(sigs ...os.Signal) Option {
	return func(s *Supervisor) {
		s.forwardSignals = sigs
	}
}

// WithLogger sets the logger
func WithLogger(l *slog.Logger) Option {
	return func(s *Supervisor) {
		s.logger = l
	}
}

// WithMetrics sets the metrics sink
func WithMetrics(m Metrics) Option {
	return func(s *Supervisor) {
		s.metrics = m
	}
}

// WithStateHook registers fn to run on every state transition. It runs on
// the supervision goroutine.
func WithStateHook(fn func(from, to State)) Option {
	return func(s *Supervisor) {
		s.stateHooks = append(s.stateHooks, fn)
	}
}
