// Package sidecar manages the metrics sidecar process. Its lifecycle is
// independent of the workers: it can die and be restarted any number of
// times while they keep running.
package sidecar

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/mbrock/jobcluster/internal/process"
)

// Subcommand is the jobcluster subcommand that runs the metrics server.
const Subcommand = "metrics-server"

// Config describes the sidecar.
type Config struct {
	Enabled bool
	// Command starts the sidecar; see Command.
	Command []string
	Env     []string
}

// Command builds the sidecar argv for the jobcluster binary at self.
func Command(self, listen, textfileDir string) []string {
	return []string{self, Subcommand, "--listen", listen, "--textfile-dir", textfileDir}
}

// Launcher starts processes. *launcher.Launcher implements it.
type Launcher interface {
	Spawn(ctx context.Context, argv []string, env []string) (*process.Handle, error)
	DryRun() bool
}

// Handle identifies a running sidecar.
type Handle struct {
	PID     int
	Started time.Time
}

// Manager starts and restarts the sidecar.
type Manager struct {
	cfg      Config
	launcher Launcher
	logger   *slog.Logger

	mu       sync.Mutex
	current  *Handle
	restarts int
}

func New(cfg Config, l Launcher, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{cfg: cfg, launcher: l, logger: logger}
}

// StartIfEnabled starts the sidecar unless it is disabled or the launcher
// is in dry-run mode, in which case it returns nil.
func (m *Manager) StartIfEnabled(ctx context.Context) (*Handle, error) {
	if !m.cfg.Enabled || m.launcher.DryRun() {
		return nil, nil
	}
	return m.start(ctx)
}

// Restart starts a replacement sidecar. The previous one is assumed dead.
func (m *Manager) Restart(ctx context.Context) (*Handle, error) {
	m.mu.Lock()
	m.restarts++
	m.current = nil
	m.mu.Unlock()

	m.logger.Info("metrics sidecar terminated, restarting")
	return m.start(ctx)
}

// Current returns the running sidecar, or nil.
func (m *Manager) Current() *Handle {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current
}

// Owns reports whether pid is the current sidecar.
func (m *Manager) Owns(pid int) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current != nil && m.current.PID == pid
}

// Restarts returns how many times Restart was called.
func (m *Manager) Restarts() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.restarts
}

func (m *Manager) start(ctx context.Context) (*Handle, error) {
	if len(m.cfg.Command) == 0 {
		return nil, fmt.Errorf("metrics sidecar: no command configured")
	}
	h, err := m.launcher.Spawn(ctx, m.cfg.Command, m.cfg.Env)
	if err != nil {
		return nil, fmt.Errorf("starting metrics sidecar: %w", err)
	}

	handle := &Handle{PID: h.PID, Started: h.Started}
	m.mu.Lock()
	m.current = handle
	m.mu.Unlock()

	m.logger.Info("started metrics sidecar", "pid", handle.PID)
	return handle, nil
}
