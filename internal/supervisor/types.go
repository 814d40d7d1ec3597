package supervisor

import (
	"fmt"
	"os"
	"syscall"
	"time"
)

// State is the shutdown state of a supervision run. States only move
// forward: Running, Terminating, Killing, Stopped.
type State int

const (
	StateRunning State = iota
	StateTerminating
	StateKilling
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateRunning:
		return "running"
	case StateTerminating:
		return "terminating"
	case StateKilling:
		return "killing"
	case StateStopped:
		return "stopped"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

const (
	DefaultHealthCheckInterval    = 5 * time.Second
	DefaultCheckTerminateInterval = 1 * time.Second

	// DefaultSoftTimeout is how long a worker gets to finish in-flight jobs.
	DefaultSoftTimeout = 25 * time.Second
	// TimeoutGracePeriod is added on top of the soft timeout before the
	// supervisor escalates to SIGKILL.
	TimeoutGracePeriod = 5 * time.Second
)

// TerminateTimeout is the escalation deadline for a given worker soft timeout.
func TerminateTimeout(soft time.Duration) time.Duration {
	return soft + TimeoutGracePeriod
}

var (
	// TerminateSignals shut the supervised set down.
	TerminateSignals = []os.Signal{syscall.SIGINT, syscall.SIGTERM}

	// ForwardSignals are relayed as-is to every watched process. SIGTTIN
	// asks workers to dump diagnostics and reopen their logs.
	ForwardSignals = []os.Signal{syscall.SIGTTIN, syscall.SIGUSR1, syscall.SIGUSR2, syscall.SIGHUP}
)

// ProcessTable answers liveness questions and delivers signals by pid.
type ProcessTable interface {
	// Alive must not block.
	Alive(pid int) bool
	Signal(pid int, sig os.Signal) error
}

type decisionKind int

const (
	decisionWatch decisionKind = iota
	decisionShutdown
	decisionStop
)

// Decision is what a DeathFunc wants the supervisor to do next.
type Decision struct {
	kind decisionKind
	pids []int
}

// Watch replaces the watch set with pids and keeps supervising.
func Watch(pids ...int) Decision {
	return Decision{kind: decisionWatch, pids: append([]int(nil), pids...)}
}

// Shutdown terminates the remaining live processes, escalating to SIGKILL
// after the terminate timeout, then stops supervising.
func Shutdown() Decision {
	return Decision{kind: decisionShutdown}
}

// Stop ends supervision without signaling anything.
func Stop() Decision {
	return Decision{kind: decisionStop}
}

func (d Decision) String() string {
	switch d.kind {
	case decisionWatch:
		return fmt.Sprintf("watch%v", d.pids)
	case decisionShutdown:
		return "shutdown"
	case decisionStop:
		return "stop"
	default:
		return "unknown"
	}
}

// DeathFunc is called from the supervision loop with the pids found dead in
// one health check.
type DeathFunc func(dead []int) Decision
