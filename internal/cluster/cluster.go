// Package cluster wires queue partitioning, the launcher, the metrics
// sidecar and the supervisor into one running cluster.
//
// A worker dying is fatal: the whole cluster shuts down and an external
// supervisor (systemd, runit, Kubernetes) is expected to restart it. The
// metrics sidecar dying is not: it is restarted on its own.
package cluster

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/google/uuid"

	"github.com/mbrock/jobcluster/internal/eventlog"
	"github.com/mbrock/jobcluster/internal/launcher"
	"github.com/mbrock/jobcluster/internal/metrics"
	"github.com/mbrock/jobcluster/internal/process"
	"github.com/mbrock/jobcluster/internal/queues"
	"github.com/mbrock/jobcluster/internal/sidecar"
	"github.com/mbrock/jobcluster/internal/supervisor"
)

var (
	// ErrConflictingModes is returned when dry run and list-queues are both set.
	ErrConflictingModes = errors.New("--dryrun and --list-queues are mutually exclusive")

	// ErrWorkerFailed is returned when a worker exited with a non-zero status.
	ErrWorkerFailed = errors.New("worker exited with non-zero status")
)

// reapTimeout bounds how long Run waits for exit statuses after supervision.
const reapTimeout = 5 * time.Second

// Config describes a cluster.
type Config struct {
	// QueueGroups holds one entry per worker process.
	QueueGroups     []string
	AvailableQueues []string
	Negate          bool
	ListQueues      bool

	Launcher launcher.Config
	Sidecar  sidecar.Config

	HealthCheckInterval    time.Duration
	CheckTerminateInterval time.Duration
	// TerminateTimeout defaults to the worker timeout plus the grace period.
	TerminateTimeout time.Duration

	PIDFile string
}

// Notifier reports service state to the service manager.
type Notifier func(state string) error

// SdNotify sends state to systemd when NOTIFY_SOCKET is set.
func SdNotify(state string) error {
	_, err := daemon.SdNotify(false, state)
	return err
}

// Option configures a Cluster.
type Option func(*Cluster)

func WithLogger(l *slog.Logger) Option {
	return func(c *Cluster) { c.logger = l }
}

func WithOutput(w io.Writer) Option {
	return func(c *Cluster) { c.out = w }
}

func WithSignals(s supervisor.SignalSource) Option {
	return func(c *Cluster) { c.signals = s }
}

func WithProcessTable(t *process.Table) Option {
	return func(c *Cluster) { c.procs = t }
}

func WithEventLog(l eventlog.EventLog) Option {
	return func(c *Cluster) { c.events = l }
}

func WithMetrics(m *metrics.Collector) Option {
	return func(c *Cluster) { c.metrics = m }
}

func WithNotifier(n Notifier) Option {
	return func(c *Cluster) { c.notify = n }
}

// Cluster is one run of the orchestrator.
type Cluster struct {
	cfg     Config
	runID   string
	logger  *slog.Logger
	out     io.Writer
	signals supervisor.SignalSource
	procs   *process.Table
	events  eventlog.EventLog
	metrics *metrics.Collector
	notify  Notifier

	launcher *launcher.Launcher
	sidecar  *sidecar.Manager

	ctx     context.Context
	mu      sync.Mutex
	workers map[int]*launcher.Worker
	started []*launcher.Worker
}

// New creates a Cluster from cfg.
func New(cfg Config, opts ...Option) *Cluster {
	c := &Cluster{
		cfg:     cfg,
		runID:   uuid.NewString(),
		logger:  slog.Default(),
		out:     os.Stdout,
		signals: supervisor.OSSignals(),
		procs:   process.NewTable(),
		notify:  SdNotify,
		workers: make(map[int]*launcher.Worker),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.events == nil {
		c.events = eventlog.NewSlogLog(c.logger)
	}
	if c.metrics == nil {
		c.metrics = metrics.NewCollector("jobcluster", metrics.WithLogger(c.logger))
	}

	c.launcher = launcher.New(cfg.Launcher, c.procs, launcher.WithLogger(c.logger))
	c.sidecar = sidecar.New(cfg.Sidecar, c.launcher, c.logger)
	return c
}

// Run runs a cluster until it has fully drained.
func Run(ctx context.Context, cfg Config, opts ...Option) error {
	return New(cfg, opts...).Run(ctx)
}

// RunID identifies this run in emitted events.
func (c *Cluster) RunID() string {
	return c.runID
}

// SidecarRestarts returns how many times the metrics sidecar was restarted.
func (c *Cluster) SidecarRestarts() int {
	return c.sidecar.Restarts()
}

// Run partitions the queues and then, depending on the mode, lists them,
// prints the worker commands, or starts and supervises the cluster.
func (c *Cluster) Run(ctx context.Context) error {
	if c.cfg.Launcher.DryRun && c.cfg.ListQueues {
		return ErrConflictingModes
	}

	var popts []queues.Option
	if c.cfg.Negate {
		popts = append(popts, queues.WithNegate())
	}
	parts, err := queues.Partitions(c.cfg.QueueGroups, c.cfg.AvailableQueues, popts...)
	if err != nil {
		return err
	}

	if c.cfg.ListQueues {
		for _, p := range parts {
			fmt.Fprintln(c.out, strings.Join(p.Names(), ","))
		}
		return nil
	}

	if c.cfg.Launcher.DryRun {
		for i, p := range parts {
			res, err := c.launcher.Launch(ctx, p, i)
			if err != nil {
				return err
			}
			fmt.Fprintln(c.out, res.Printed)
		}
		return nil
	}

	return c.supervise(ctx, parts)
}

func (c *Cluster) supervise(ctx context.Context, parts []queues.Partition) error {
	c.ctx = ctx

	if err := c.writePIDFile(); err != nil {
		return err
	}
	defer c.removePIDFile()

	c.logger.Info("starting cluster", "run", c.runID, "processes", len(parts))

	pids, err := c.startAll(ctx, parts)
	if err != nil {
		c.logger.Error("start failed, killing started processes", "error", err)
		_ = c.procs.Close()
		return err
	}

	_ = eventlog.EmitClusterStarted(c.events, c.runID, len(parts))
	c.sdNotify(daemon.SdNotifyReady + "\nSTATUS=supervising " + strconv.Itoa(len(parts)) + " workers")

	sup := supervisor.New(c.procs, c.signals,
		supervisor.WithHealthCheckInterval(c.healthCheckInterval()),
		supervisor.WithCheckTerminateInterval(c.checkTerminateInterval()),
		supervisor.WithTerminateTimeout(c.terminateTimeout()),
		supervisor.WithLogger(c.logger),
		supervisor.WithMetrics(c.metrics),
		supervisor.WithStateHook(c.onStateChange),
	)

	supErr := sup.Supervise(ctx, pids, c.onDeath)
	if supErr != nil {
		_ = c.procs.Close()
	}

	exitErr := c.collectExits()
	c.logger.Info("cluster stopped", "run", c.runID)
	return errors.Join(supErr, exitErr)
}

// startAll starts the sidecar and then one worker per partition.
func (c *Cluster) startAll(ctx context.Context, parts []queues.Partition) ([]int, error) {
	var pids []int

	sc, err := c.sidecar.StartIfEnabled(ctx)
	if err != nil {
		return nil, err
	}
	if sc != nil {
		_ = eventlog.EmitSidecarStarted(c.events, c.runID, sc.PID, false)
		pids = append(pids, sc.PID)
	}

	for i, p := range parts {
		w, err := c.launcher.LaunchWorker(ctx, p, i)
		if err != nil {
			return nil, err
		}
		c.track(w)
		c.metrics.WorkerStarted()
		_ = eventlog.EmitWorkerStarted(c.events, c.runID, w.PID, w.Index, p.Label(), w.Command)
		pids = append(pids, w.PID)
	}
	return pids, nil
}

// onDeath runs on the supervision goroutine.
func (c *Cluster) onDeath(dead []int) supervisor.Decision {
	workerDied := false
	sidecarDied := false

	for _, pid := range dead {
		switch {
		case c.sidecar.Owns(pid):
			sidecarDied = true
			c.procs.Forget(pid)
		case c.untrack(pid):
			workerDied = true
		default:
			c.logger.Debug("unknown process died", "pid", pid)
		}
	}

	if workerDied {
		c.logger.Info("a worker terminated, shutting down the cluster", "pids", dead)
		return supervisor.Shutdown()
	}

	watch := c.workerPIDs()
	if sidecarDied {
		h, err := c.sidecar.Restart(c.ctx)
		c.metrics.SidecarRestarted(err)
		if err != nil {
			c.logger.Error("metrics sidecar restart failed, continuing without it", "error", err)
		} else {
			_ = eventlog.EmitSidecarStarted(c.events, c.runID, h.PID, true)
			watch = append(watch, h.PID)
		}
	} else if sc := c.sidecar.Current(); sc != nil {
		watch = append(watch, sc.PID)
	}
	return supervisor.Watch(watch...)
}

func (c *Cluster) onStateChange(from, to supervisor.State) {
	_ = eventlog.EmitStateChanged(c.events, c.runID, to.String())
	if to == supervisor.StateTerminating {
		c.sdNotify(daemon.SdNotifyStopping)
	}
}

// collectExits waits for every started worker to be reaped and reports
// the first non-zero exit status.
func (c *Cluster) collectExits() error {
	ctx, cancel := context.WithTimeout(context.Background(), reapTimeout)
	defer cancel()

	var failed error
	for _, w := range c.started {
		code, err := c.procs.Wait(ctx, w.PID)
		if err != nil {
			c.logger.Warn("worker not reaped", "pid", w.PID, "error", err)
			code = -1
		}
		c.metrics.WorkerExited(code)
		_ = eventlog.EmitWorkerExited(c.events, c.runID, w.PID, w.Index, code)
		if code != 0 && failed == nil {
			failed = fmt.Errorf("%w: worker %d (pid %d) exited with %d", ErrWorkerFailed, w.Index, w.PID, code)
		}
	}
	return failed
}

func (c *Cluster) track(w *launcher.Worker) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.workers[w.PID] = w
	c.started = append(c.started, w)
}

func (c *Cluster) untrack(pid int) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.workers[pid]; !ok {
		return false
	}
	delete(c.workers, pid)
	return true
}

func (c *Cluster) workerPIDs() []int {
	c.mu.Lock()
	defer c.mu.Unlock()
	pids := make([]int, 0, len(c.workers))
	for pid := range c.workers {
		pids = append(pids, pid)
	}
	slices.Sort(pids)
	return pids
}

func (c *Cluster) sdNotify(state string) {
	if c.notify == nil {
		return
	}
	if err := c.notify(state); err != nil {
		c.logger.Debug("sd_notify failed", "error", err)
	}
}

func (c *Cluster) healthCheckInterval() time.Duration {
	if c.cfg.HealthCheckInterval > 0 {
		return c.cfg.HealthCheckInterval
	}
	return supervisor.DefaultHealthCheckInterval
}

func (c *Cluster) checkTerminateInterval() time.Duration {
	if c.cfg.CheckTerminateInterval > 0 {
		return c.cfg.CheckTerminateInterval
	}
	return supervisor.DefaultCheckTerminateInterval
}

func (c *Cluster) terminateTimeout() time.Duration {
	if c.cfg.TerminateTimeout > 0 {
		return c.cfg.TerminateTimeout
	}
	soft := c.cfg.Launcher.Timeout
	if soft <= 0 {
		soft = supervisor.DefaultSoftTimeout
	}
	return supervisor.TerminateTimeout(soft)
}

func (c *Cluster) writePIDFile() error {
	if c.cfg.PIDFile == "" {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(c.cfg.PIDFile), 0o755); err != nil {
		return fmt.Errorf("creating pidfile dir: %w", err)
	}
	if err := os.WriteFile(c.cfg.PIDFile, []byte(strconv.Itoa(os.Getpid())+"\n"), 0o644); err != nil {
		return fmt.Errorf("writing pidfile: %w", err)
	}
	return nil
}

func (c *Cluster) removePIDFile() {
	if c.cfg.PIDFile == "" {
		return
	}
	if err := os.Remove(c.cfg.PIDFile); err != nil && !errors.Is(err, os.ErrNotExist) {
		c.logger.Warn("removing pidfile", "path", c.cfg.PIDFile, "error", err)
	}
}
