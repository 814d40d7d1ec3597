package main

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/kballard/go-shellquote"
	flag "github.com/spf13/pflag"
	"golang.org/x/term"

	"github.com/mbrock/jobcluster/internal/cluster"
	"github.com/mbrock/jobcluster/internal/dirs"
	"github.com/mbrock/jobcluster/internal/launcher"
	"github.com/mbrock/jobcluster/internal/metrics"
	"github.com/mbrock/jobcluster/internal/queues"
	"github.com/mbrock/jobcluster/internal/sidecar"
	"github.com/mbrock/jobcluster/internal/supervisor"
)

type options struct {
	minConcurrency int
	maxConcurrency int
	concurrency    int
	environment    string
	timeout        int
	directory      string
	interval       int
	dryRun         bool
	listQueues     bool
	negate         bool
	queuesFile     string
	pidfile        string
	metrics        bool
	metricsListen  string
	workerCommand  string
	journal        string
	logLevel       string
}

// registerFlags defines the CLI flags on fs. Defaults come from JOBCLUSTER_*
// environment variables.
func registerFlags(fs *flag.FlagSet) *options {
	o := &options{}
	fs.IntVarP(&o.minConcurrency, "min-concurrency", "m", envInt("JOBCLUSTER_MIN_CONCURRENCY", 0), "Minimum threads per worker (0 = no minimum)")
	fs.IntVarP(&o.maxConcurrency, "max-concurrency", "M", envInt("JOBCLUSTER_MAX_CONCURRENCY", 0), "Maximum threads per worker (0 = number of queues + 1)")
	fs.IntVar(&o.concurrency, "concurrency", envInt("JOBCLUSTER_CONCURRENCY", 0), "Threads per worker, overriding min/max (0 = computed)")
	fs.StringVarP(&o.environment, "environment", "e", envString("JOBCLUSTER_ENVIRONMENT", "development"), "Application environment")
	fs.IntVarP(&o.timeout, "timeout", "t", envInt("JOBCLUSTER_TIMEOUT", int(supervisor.DefaultSoftTimeout/time.Second)), "Seconds workers get to finish jobs before being killed")
	fs.StringVarP(&o.directory, "directory", "r", envString("JOBCLUSTER_DIRECTORY", mustGetwd()), "Application directory passed to workers")
	fs.IntVarP(&o.interval, "interval", "i", envInt("JOBCLUSTER_INTERVAL", int(supervisor.DefaultHealthCheckInterval/time.Second)), "Seconds between worker health checks")
	fs.BoolVar(&o.dryRun, "dryrun", false, "Print the worker commands without starting them")
	fs.BoolVar(&o.listQueues, "list-queues", false, "Print the queues of each worker and exit")
	fs.BoolVar(&o.negate, "negate", false, "Run every available queue except the listed ones")
	fs.StringVar(&o.queuesFile, "queues-file", os.Getenv("JOBCLUSTER_QUEUES_FILE"), "YAML file listing the available queues")
	fs.StringVar(&o.pidfile, "pidfile", envString("JOBCLUSTER_PIDFILE", dirs.PIDFile()), "Write the supervisor pid here (empty = none)")
	fs.BoolVar(&o.metrics, "metrics", envBool("JOBCLUSTER_METRICS"), "Run the metrics sidecar")
	fs.StringVar(&o.metricsListen, "metrics-listen", envString("JOBCLUSTER_METRICS_LISTEN", metrics.DefaultListen), "Metrics sidecar listen address")
	fs.StringVar(&o.workerCommand, "worker-command", os.Getenv("JOBCLUSTER_WORKER_COMMAND"), "Worker command line (default: bundle exec sidekiq)")
	fs.StringVar(&o.journal, "journal", os.Getenv("JOBCLUSTER_JOURNAL_SOCKET"), "journald socket for lifecycle events (empty = system journal)")
	fs.StringVar(&o.logLevel, "log-level", os.Getenv("JOBCLUSTER_LOG_LEVEL"), "Log level: debug, info, warn, error")
	return o
}

// clusterConfig turns parsed flags and positional queue groups into a
// cluster configuration.
func (o *options) clusterConfig(groups []string) (cluster.Config, error) {
	if len(groups) == 0 {
		return cluster.Config{}, fmt.Errorf("%w: no queue groups given", queues.ErrNoQueues)
	}

	available, err := queues.LoadAvailable(o.queuesFile)
	if err != nil {
		return cluster.Config{}, err
	}

	var command []string
	if o.workerCommand != "" {
		command, err = shellquote.Split(o.workerCommand)
		if err != nil {
			return cluster.Config{}, fmt.Errorf("parsing --worker-command: %w", err)
		}
	}

	cfg := cluster.Config{
		QueueGroups:     groups,
		AvailableQueues: available,
		Negate:          o.negate,
		ListQueues:      o.listQueues,
		Launcher: launcher.Config{
			Command:        command,
			Environment:    o.environment,
			Directory:      o.directory,
			Timeout:        time.Duration(o.timeout) * time.Second,
			MinConcurrency: o.minConcurrency,
			MaxConcurrency: o.maxConcurrency,
			Concurrency:    o.concurrency,
			DryRun:         o.dryRun,
		},
		HealthCheckInterval: time.Duration(o.interval) * time.Second,
		PIDFile:             o.pidfile,
	}

	if o.metrics {
		self, err := os.Executable()
		if err != nil {
			return cluster.Config{}, fmt.Errorf("locating jobcluster executable: %w", err)
		}
		cfg.Sidecar = sidecar.Config{
			Enabled: true,
			Command: sidecar.Command(self, o.metricsListen, dirs.MetricsDir()),
		}
	}
	return cfg, nil
}

func (o *options) textfilePath() string {
	return filepath.Join(dirs.MetricsDir(), metrics.TextfileName)
}

// newLogger builds the process logger: text on a terminal, JSON otherwise.
func newLogger(level string) (*slog.Logger, error) {
	var lvl slog.Level
	if level != "" {
		if err := lvl.UnmarshalText([]byte(level)); err != nil {
			return nil, fmt.Errorf("invalid log level %q: %w", level, err)
		}
	}

	hopts := &slog.HandlerOptions{Level: lvl}
	var h slog.Handler
	if term.IsTerminal(int(os.Stderr.Fd())) {
		h = slog.NewTextHandler(os.Stderr, hopts)
	} else {
		h = slog.NewJSONHandler(os.Stderr, hopts)
	}
	logger := slog.New(h)
	slog.SetDefault(logger)
	return logger, nil
}

func envString(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) int {
	if v, err := strconv.Atoi(os.Getenv(key)); err == nil {
		return v
	}
	return def
}

func envBool(key string) bool {
	v, _ := strconv.ParseBool(os.Getenv(key))
	return v
}

func mustGetwd() string {
	wd, err := os.Getwd()
	if err != nil {
		return "."
	}
	return wd
}
