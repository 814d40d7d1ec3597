// Package journald provides an EventLog that sends entries to a
// journald-compatible socket.
package journald

import (
	"errors"
	"log/slog"

	"github.com/coreos/go-systemd/v22/journal"

	"github.com/mbrock/jobcluster/internal/eventlog"
)

// ErrUnavailable is returned by Open when no journal socket is reachable.
var ErrUnavailable = errors.New("journald socket not available")

// Log implements eventlog.EventLog by writing to the journal socket.
type Log struct {
	priority journal.Priority
}

var _ eventlog.EventLog = (*Log)(nil)

// Open connects the journal library to socketPath (the system journald
// socket when empty) and checks that it accepts entries.
func Open(socketPath string) (*Log, error) {
	if socketPath != "" {
		slog.Debug("journald eventlog using socket", "socket", socketPath)
		journal.SetSocketPath(socketPath)
	}
	if !journal.Enabled() {
		return nil, ErrUnavailable
	}
	return &Log{priority: journal.PriInfo}, nil
}

func (l *Log) Write(message string, fields map[string]string) error {
	return journal.Send(message, l.priority, fields)
}

func (l *Log) Close() error {
	return nil
}

// OpenOrFallback returns a journald Log when the socket is reachable and an
// slog-backed log otherwise.
func OpenOrFallback(socketPath string, logger *slog.Logger) eventlog.EventLog {
	l, err := Open(socketPath)
	if err != nil {
		logger.Debug("journald unavailable, logging events instead", "error", err)
		return eventlog.NewSlogLog(logger)
	}
	return l
}
