// Package supervisor watches a set of process ids, forwards signals to them
// and drives a graceful-then-forced shutdown.
//
// A single goroutine owns the watch set and the shutdown state. Every
// health-check interval it probes each watched pid without blocking and hands
// the dead ones to a DeathFunc, whose Decision picks the next watch set or
// ends supervision. Signals arrive through a SignalSource channel and are
// handled inside the same loop, so a decision always happens before any
// signal it causes.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"slices"
	"sync"
	"syscall"
	"time"

	"golang.org/x/sys/unix"
)

// ErrAlreadyStarted is returned when a Supervisor is run twice.
var ErrAlreadyStarted = errors.New("supervisor already started")

// Supervisor polls a watch set of pids for liveness.
type Supervisor struct {
	procs   ProcessTable
	signals SignalSource
	logger  *slog.Logger
	metrics Metrics

	healthCheckInterval    time.Duration
	checkTerminateInterval time.Duration
	terminateTimeout       time.Duration
	termSignals            []os.Signal
	forwardSignals         []os.Signal
	stateHooks             []func(from, to State)

	mu      sync.Mutex
	state   State
	pids    []int
	started bool

	shutdownCh chan struct{}
	done       chan struct{}
	err        error
}

// New creates a Supervisor over procs, receiving signals from signals.
func New(procs ProcessTable, signals SignalSource, opts ...Option) *Supervisor {
	s := &Supervisor{
		procs:                  procs,
		signals:                signals,
		logger:                 slog.Default(),
		metrics:                NewNoopMetrics(),
		healthCheckInterval:    DefaultHealthCheckInterval,
		checkTerminateInterval: DefaultCheckTerminateInterval,
		terminateTimeout:       TerminateTimeout(DefaultSoftTimeout),
		termSignals:            TerminateSignals,
		forwardSignals:         ForwardSignals,
		shutdownCh:             make(chan struct{}, 1),
		done:                   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Supervise watches pids on the calling goroutine until the watch set is
// empty or shutdown completes.
func (s *Supervisor) Supervise(ctx context.Context, pids []int, onDeath DeathFunc) error {
	if err := s.begin(pids); err != nil {
		return err
	}
	s.finish(s.run(ctx, onDeath))
	return s.err
}

// Start watches pids on a background goroutine. Use Wait for the result.
func (s *Supervisor) Start(ctx context.Context, pids []int, onDeath DeathFunc) error {
	if err := s.begin(pids); err != nil {
		return err
	}
	go func() {
		s.finish(s.run(ctx, onDeath))
	}()
	return nil
}

// Wait blocks until supervision has ended.
func (s *Supervisor) Wait() error {
	<-s.done
	return s.err
}

// Done is closed when supervision has ended.
func (s *Supervisor) Done() <-chan struct{} {
	return s.done
}

// Shutdown asks the loop to terminate every watched process. Safe to call
// from any goroutine; repeated calls are no-ops.
func (s *Supervisor) Shutdown() {
	select {
	case s.shutdownCh <- struct{}{}:
	default:
	}
}

// State returns the current shutdown state.
func (s *Supervisor) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Watched returns a copy of the current watch set.
func (s *Supervisor) Watched() []int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.pids)
}

func (s *Supervisor) begin(pids []int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return ErrAlreadyStarted
	}
	s.started = true
	s.pids = slices.Clone(pids)
	s.metrics.WatchedProcesses(len(s.pids))
	return nil
}

func (s *Supervisor) finish(err error) {
	s.transition(StateStopped)
	s.err = err
	close(s.done)
}

func (s *Supervisor) run(ctx context.Context, onDeath DeathFunc) error {
	sigCh := s.signals.Notify(slices.Concat(s.termSignals, s.forwardSignals)...)
	defer s.signals.Stop()

	ticker := time.NewTicker(s.healthCheckInterval)
	defer ticker.Stop()

	s.logger.Debug("supervising processes", "pids", s.Watched())

	for {
		if len(s.Watched()) == 0 {
			s.logger.Debug("watch set empty, supervision done")
			return nil
		}

		select {
		case <-ctx.Done():
			s.logger.Info("context cancelled, terminating processes")
			return s.terminate(sigCh)

		case <-s.shutdownCh:
			s.logger.Info("shutdown requested, terminating processes")
			return s.terminate(sigCh)

		case sig := <-sigCh:
			if s.isTerminateSignal(sig) {
				s.logger.Info("received terminate signal, terminating processes", "signal", sig)
				return s.terminate(sigCh)
			}
			if err := s.forward(sig); err != nil {
				return err
			}

		case <-ticker.C:
			live, dead := s.probe()
			if len(dead) == 0 {
				continue
			}
			s.metrics.ProcessesDied(len(dead))
			s.logger.Debug("processes died", "dead", dead)

			decision := onDeath(dead)
			s.logger.Debug("death callback decided", "decision", decision.String())

			switch decision.kind {
			case decisionWatch:
				s.setWatched(decision.pids)
			case decisionShutdown:
				s.setWatched(live)
				return s.terminate(sigCh)
			case decisionStop:
				s.setWatched(nil)
			}
		}
	}
}

// terminate sends the graceful signal to everything watched and waits for it
// to drain, escalating to SIGKILL when the deadline passes. Deaths observed
// here never reach the DeathFunc.
func (s *Supervisor) terminate(sigCh <-chan os.Signal) error {
	s.transition(StateTerminating)
	if err := s.signalAll(syscall.SIGTERM); err != nil {
		return err
	}

	deadline := time.NewTimer(s.terminateTimeout)
	defer deadline.Stop()
	ticker := time.NewTicker(s.checkTerminateInterval)
	defer ticker.Stop()

	for {
		live, _ := s.probe()
		s.setWatched(live)
		if len(live) == 0 {
			return nil
		}

		select {
		case <-deadline.C:
			return s.kill()
		case sig := <-sigCh:
			// Already terminating; only forwarded signals still matter.
			if !s.isTerminateSignal(sig) {
				if err := s.forward(sig); err != nil {
					return err
				}
			}
		case <-ticker.C:
		}
	}
}

func (s *Supervisor) kill() error {
	live, _ := s.probe()
	s.setWatched(live)
	if len(live) == 0 {
		return nil
	}

	s.transition(StateKilling)
	s.logger.Warn("processes still alive after terminate timeout, killing",
		"pids", live, "timeout", s.terminateTimeout)
	err := s.signalAll(syscall.SIGKILL)
	s.setWatched(nil)
	return err
}

func (s *Supervisor) forward(sig os.Signal) error {
	s.logger.Debug("forwarding signal", "signal", sig, "pids", s.Watched())
	return s.signalAll(sig)
}

func (s *Supervisor) signalAll(sig os.Signal) error {
	for _, pid := range s.Watched() {
		err := s.procs.Signal(pid, sig)
		if err == nil {
			s.metrics.SignalSent(sig)
			continue
		}
		if errors.Is(err, unix.ESRCH) || errors.Is(err, os.ErrProcessDone) {
			// Already gone; the next probe will notice.
			continue
		}
		return fmt.Errorf("sending %v to process %d: %w", sig, pid, err)
	}
	return nil
}

func (s *Supervisor) probe() (live, dead []int) {
	for _, pid := range s.Watched() {
		if s.procs.Alive(pid) {
			live = append(live, pid)
		} else {
			dead = append(dead, pid)
		}
	}
	return live, dead
}

func (s *Supervisor) setWatched(pids []int) {
	s.mu.Lock()
	s.pids = slices.Clone(pids)
	n := len(s.pids)
	s.mu.Unlock()
	s.metrics.WatchedProcesses(n)
}

func (s *Supervisor) isTerminateSignal(sig os.Signal) bool {
	return slices.Contains(s.termSignals, sig)
}

func (s *Supervisor) transition(to State) {
	s.mu.Lock()
	from := s.state
	if to <= from {
		s.mu.Unlock()
		return
	}
	s.state = to
	s.mu.Unlock()

	s.logger.Debug("supervisor state changed", "from", from, "to", to)
	s.metrics.StateTransition(from, to)
	for _, hook := range s.stateHooks {
		hook(from, to)
	}
}
