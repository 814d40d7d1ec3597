// Package eventlog records cluster lifecycle events as structured entries.
//
// Callers use the semantic Emit helpers; where the entries end up (journald,
// the process log) is decided by the EventLog implementation.
package eventlog

import (
	"log/slog"
	"maps"
	"slices"
	"strconv"
	"strings"
	"sync"
)

// EventLog stores structured entries.
type EventLog interface {
	// Write sends a structured entry to the backing store.
	Write(message string, fields map[string]string) error

	// Close releases any resources.
	Close() error
}

// Lifecycle event constants.
const (
	EventClusterStarted   = "cluster-started"
	EventWorkerStarted    = "worker-started"
	EventWorkerExited     = "worker-exited"
	EventSidecarStarted   = "sidecar-started"
	EventSidecarRestarted = "sidecar-restarted"
	EventStateChanged     = "state-changed"
)

// Event field names.
const (
	FieldEvent       = "JOBCLUSTER_EVENT"
	FieldRun         = "JOBCLUSTER_RUN"
	FieldPID         = "JOBCLUSTER_PID"
	FieldWorkerIndex = "JOBCLUSTER_WORKER_INDEX"
	FieldQueues      = "JOBCLUSTER_QUEUES"
	FieldCommand     = "JOBCLUSTER_COMMAND"
	FieldExitCode    = "JOBCLUSTER_EXIT_CODE"
	FieldState       = "JOBCLUSTER_STATE"
	FieldWorkers     = "JOBCLUSTER_WORKERS"
)

// EmitClusterStarted writes a cluster started event.
func EmitClusterStarted(log EventLog, runID string, workers int) error {
	return log.Write("Cluster started", map[string]string{
		FieldEvent:   EventClusterStarted,
		FieldRun:     runID,
		FieldWorkers: strconv.Itoa(workers),
	})
}

// EmitWorkerStarted writes a worker started event.
func EmitWorkerStarted(log EventLog, runID string, pid, index int, queues string, command []string) error {
	return log.Write("Worker started", map[string]string{
		FieldEvent:       EventWorkerStarted,
		FieldRun:         runID,
		FieldPID:         strconv.Itoa(pid),
		FieldWorkerIndex: strconv.Itoa(index),
		FieldQueues:      queues,
		FieldCommand:     strings.Join(command, " "),
	})
}

// EmitWorkerExited writes a worker exited event.
func EmitWorkerExited(log EventLog, runID string, pid, index, exitCode int) error {
	return log.Write("Worker exited", map[string]string{
		FieldEvent:       EventWorkerExited,
		FieldRun:         runID,
		FieldPID:         strconv.Itoa(pid),
		FieldWorkerIndex: strconv.Itoa(index),
		FieldExitCode:    strconv.Itoa(exitCode),
	})
}

// EmitSidecarStarted writes a sidecar started event. restart is true when
// it replaces a sidecar that died.
func EmitSidecarStarted(log EventLog, runID string, pid int, restart bool) error {
	event, message := EventSidecarStarted, "Metrics sidecar started"
	if restart {
		event, message = EventSidecarRestarted, "Metrics sidecar restarted"
	}
	return log.Write(message, map[string]string{
		FieldEvent: event,
		FieldRun:   runID,
		FieldPID:   strconv.Itoa(pid),
	})
}

// EmitStateChanged writes a supervisor state change.
func EmitStateChanged(log EventLog, runID string, state string) error {
	return log.Write("Cluster "+state, map[string]string{
		FieldEvent: EventStateChanged,
		FieldRun:   runID,
		FieldState: state,
	})
}

// SlogLog writes events to a slog.Logger. It is the fallback when journald
// is not reachable.
type SlogLog struct {
	logger *slog.Logger
}

var _ EventLog = (*SlogLog)(nil)

func NewSlogLog(logger *slog.Logger) *SlogLog {
	if logger == nil {
		logger = slog.Default()
	}
	return &SlogLog{logger: logger}
}

func (l *SlogLog) Write(message string, fields map[string]string) error {
	args := make([]any, 0, 2*len(fields))
	for _, k := range sortedKeys(fields) {
		args = append(args, k, fields[k])
	}
	l.logger.Debug(message, args...)
	return nil
}

func (l *SlogLog) Close() error { return nil }

// Record is an entry captured by FakeLog.
type Record struct {
	Message string
	Fields  map[string]string
}

// FakeLog keeps entries in memory for tests.
type FakeLog struct {
	mu      sync.Mutex
	entries []Record
}

var _ EventLog = (*FakeLog)(nil)

func NewFakeLog() *FakeLog {
	return &FakeLog{}
}

func (f *FakeLog) Write(message string, fields map[string]string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.entries = append(f.entries, Record{Message: message, Fields: maps.Clone(fields)})
	return nil
}

func (f *FakeLog) Close() error { return nil }

// Entries returns a copy of everything written.
func (f *FakeLog) Entries() []Record {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Record(nil), f.entries...)
}

// Events returns the entries whose FieldEvent equals kind.
func (f *FakeLog) Events(kind string) []Record {
	var out []Record
	for _, e := range f.Entries() {
		if e.Fields[FieldEvent] == kind {
			out = append(out, e)
		}
	}
	return out
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}
