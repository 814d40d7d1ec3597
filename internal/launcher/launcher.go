// Package launcher turns queue partitions into worker processes.
package launcher

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"time"

	"github.com/kballard/go-shellquote"

	"github.com/mbrock/jobcluster/internal/process"
	"github.com/mbrock/jobcluster/internal/queues"
)

// Environment variables every worker is started with.
const (
	EnvClusterMode = "ENABLE_CLUSTER_MODE"
	EnvWorkerIndex = "WORKER_INDEX"
)

// DefaultCommand starts one worker; queue and tuning flags are appended.
var DefaultCommand = []string{"bundle", "exec", "sidekiq"}

// Config describes how workers are started.
type Config struct {
	// Command is the worker command template.
	Command []string

	Environment string
	Directory   string
	// Timeout is the worker's soft shutdown timeout.
	Timeout time.Duration

	MinConcurrency int
	MaxConcurrency int
	// Concurrency overrides the computed value when > 0.
	Concurrency int

	// Env holds extra KEY=VALUE entries for every child.
	Env []string

	// DryRun renders commands instead of starting them.
	DryRun bool
}

// Spawner starts OS processes. *process.Table implements it.
type Spawner interface {
	Spawn(ctx context.Context, spec process.Spec) (*process.Handle, error)
}

// Worker is a started worker process.
type Worker struct {
	PID         int
	Index       int
	Partition   queues.Partition
	Concurrency int
	Command     []string
}

// Result is what Launch produced: a started worker, or in dry-run mode the
// printable command.
type Result struct {
	Worker  *Worker
	Printed string
}

// Launcher starts workers and auxiliary processes.
type Launcher struct {
	cfg     Config
	procs   Spawner
	logger  *slog.Logger
	environ func() []string
}

// Option configures a Launcher.
type Option func(*Launcher)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(ln *Launcher) { ln.logger = l }
}

// WithBaseEnv replaces os.Environ as the source of the inherited environment.
func WithBaseEnv(fn func() []string) Option {
	return func(ln *Launcher) { ln.environ = fn }
}

func New(cfg Config, procs Spawner, opts ...Option) *Launcher {
	if len(cfg.Command) == 0 {
		cfg.Command = DefaultCommand
	}
	l := &Launcher{
		cfg:     cfg,
		procs:   procs,
		logger:  slog.Default(),
		environ: os.Environ,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// DryRun reports whether the launcher only renders commands.
func (l *Launcher) DryRun() bool {
	return l.cfg.DryRun
}

// Concurrency returns the thread count for partition p.
func (l *Launcher) Concurrency(p queues.Partition) int {
	return queues.Concurrency(p.Len(), l.cfg.MinConcurrency, l.cfg.MaxConcurrency, l.cfg.Concurrency)
}

// Args builds the worker argv for partition p.
func (l *Launcher) Args(p queues.Partition) []string {
	args := append([]string(nil), l.cfg.Command...)
	args = append(args,
		"-c"+strconv.Itoa(l.Concurrency(p)),
		"-e"+l.cfg.Environment,
		"-t"+strconv.Itoa(int(l.cfg.Timeout/time.Second)),
		"-gqueues:"+p.Label(),
	)
	for _, q := range p {
		args = append(args, "-q"+q.Name+","+strconv.Itoa(q.Weight))
	}
	args = append(args, "-r"+l.cfg.Directory)
	return args
}

// Env builds the environment for worker index.
func (l *Launcher) Env(index int) []string {
	env := append([]string(nil), l.environ()...)
	env = append(env, l.cfg.Env...)
	return append(env,
		EnvClusterMode+"=1",
		EnvWorkerIndex+"="+strconv.Itoa(index),
	)
}

// Render returns the worker command for p as a shell-escaped string.
func (l *Launcher) Render(p queues.Partition) string {
	return shellquote.Join(l.Args(p)...)
}

// Launch starts the worker for partition p, or renders it in dry-run mode.
func (l *Launcher) Launch(ctx context.Context, p queues.Partition, index int) (Result, error) {
	if l.cfg.DryRun {
		return Result{Printed: l.Render(p)}, nil
	}
	w, err := l.LaunchWorker(ctx, p, index)
	if err != nil {
		return Result{}, err
	}
	return Result{Worker: w}, nil
}

// LaunchWorker starts the worker for partition p.
func (l *Launcher) LaunchWorker(ctx context.Context, p queues.Partition, index int) (*Worker, error) {
	args := l.Args(p)
	h, err := l.Spawn(ctx, args, l.Env(index))
	if err != nil {
		return nil, fmt.Errorf("launching worker %d: %w", index, err)
	}

	w := &Worker{
		PID:         h.PID,
		Index:       index,
		Partition:   p,
		Concurrency: l.Concurrency(p),
		Command:     args,
	}
	l.logger.Info("started worker", "pid", w.PID, "index", index,
		"queues", p.Label(), "concurrency", w.Concurrency)
	return w, nil
}

// Spawn starts an arbitrary process with the launcher's stdio inheritance
// and process-group isolation. env nil inherits the parent environment.
func (l *Launcher) Spawn(ctx context.Context, argv []string, env []string) (*process.Handle, error) {
	return l.procs.Spawn(ctx, process.Spec{
		Command: argv,
		Env:     env,
	})
}
