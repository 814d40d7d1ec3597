// Package metrics records supervision metrics with Prometheus and serves
// them from the metrics sidecar.
//
// The supervisor process never listens on a port. Its Collector writes the
// registry to a textfile after every update, and the sidecar process serves
// that file together with its own runtime metrics.
package metrics

import (
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/mbrock/jobcluster/internal/supervisor"
)

// TextfileName is the file the Collector writes inside the metrics dir.
const TextfileName = "jobcluster.prom"

// Collector implements supervisor.Metrics using Prometheus metrics
type Collector struct {
	stateTransitions *prometheus.CounterVec
	state            prometheus.Gauge
	deaths           prometheus.Counter
	signals          *prometheus.CounterVec
	watched          prometheus.Gauge

	workersStarted  prometheus.Counter
	workerExits     *prometheus.CounterVec
	sidecarRestarts *prometheus.CounterVec

	registry *prometheus.Registry
	textfile string
	logger   *slog.Logger
	mu       sync.Mutex
}

var _ supervisor.Metrics = (*Collector)(nil)

// Option configures a Collector.
type Option func(*Collector)

// WithTextfile makes the Collector rewrite path after every update.
func WithTextfile(path string) Option {
	return func(c *Collector) { c.textfile = path }
}

// WithLogger sets the logger used for textfile write failures.
func WithLogger(l *slog.Logger) Option {
	return func(c *Collector) { c.logger = l }
}

// NewCollector creates a Collector registering its metrics under namespace.
func NewCollector(namespace string, opts ...Option) *Collector {
	if namespace == "" {
		namespace = "jobcluster"
	}

	c := &Collector{
		registry: prometheus.NewRegistry(),
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}

	c.stateTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "supervisor_state_transitions_total",
			Help:      "Total number of supervisor shutdown state transitions",
		},
		[]string{"from_state", "to_state"},
	)

	c.state = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "supervisor_state",
			Help:      "Current supervisor state (0=running, 1=terminating, 2=killing, 3=stopped)",
		},
	)

	c.deaths = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "process_deaths_total",
			Help:      "Total number of watched processes found dead by a health check",
		},
	)

	c.signals = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "signals_sent_total",
			Help:      "Total number of signals delivered to watched processes",
		},
		[]string{"signal"},
	)

	c.watched = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "watched_processes",
			Help:      "Number of processes currently watched",
		},
	)

	c.workersStarted = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "workers_started_total",
			Help:      "Total number of worker processes started",
		},
	)

	c.workerExits = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "worker_exits_total",
			Help:      "Total number of worker exits by exit code",
		},
		[]string{"code"},
	)

	c.sidecarRestarts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sidecar_restarts_total",
			Help:      "Total number of metrics sidecar restarts",
		},
		[]string{"status"},
	)

	c.registry.MustRegister(
		c.stateTransitions,
		c.state,
		c.deaths,
		c.signals,
		c.watched,
		c.workersStarted,
		c.workerExits,
		c.sidecarRestarts,
	)

	return c
}

// Registry returns the registry holding the collector's metrics.
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// StateTransition implements supervisor.Metrics
func (c *Collector) StateTransition(from, to supervisor.State) {
	c.stateTransitions.WithLabelValues(from.String(), to.String()).Inc()
	c.state.Set(float64(to))
	c.flush()
}

// ProcessesDied implements supervisor.Metrics
func (c *Collector) ProcessesDied(n int) {
	c.deaths.Add(float64(n))
	c.flush()
}

// SignalSent implements supervisor.Metrics
func (c *Collector) SignalSent(sig os.Signal) {
	c.signals.WithLabelValues(sig.String()).Inc()
	c.flush()
}

// WatchedProcesses implements supervisor.Metrics
func (c *Collector) WatchedProcesses(n int) {
	c.watched.Set(float64(n))
	c.flush()
}

// WorkerStarted records a spawned worker.
func (c *Collector) WorkerStarted() {
	c.workersStarted.Inc()
	c.flush()
}

// WorkerExited records a reaped worker's exit code.
func (c *Collector) WorkerExited(code int) {
	c.workerExits.WithLabelValues(strconv.Itoa(code)).Inc()
	c.flush()
}

// SidecarRestarted records a sidecar restart attempt.
func (c *Collector) SidecarRestarted(err error) {
	status := "success"
	if err != nil {
		status = "failure"
	}
	c.sidecarRestarts.WithLabelValues(status).Inc()
	c.flush()
}

func (c *Collector) flush() {
	if c.textfile == "" {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(c.textfile), 0o755); err != nil {
		c.logger.Warn("creating metrics dir", "error", err)
		return
	}
	if err := prometheus.WriteToTextfile(c.textfile, c.registry); err != nil {
		c.logger.Warn("writing metrics textfile", "path", c.textfile, "error", err)
	}
}
