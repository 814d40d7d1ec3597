// jobcluster - run job workers as a supervised cluster
//
// Usage:
//
//	jobcluster [flags] <queues>...      One worker per queue group
//	jobcluster metrics-server [flags]   (internal) Run the metrics sidecar
//
// Each positional argument is a comma-separated queue group, or "*" for all
// available queues. Every group becomes one worker process.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	flag "github.com/spf13/pflag"

	"github.com/mbrock/jobcluster/internal/cluster"
	"github.com/mbrock/jobcluster/internal/eventlog/journald"
	"github.com/mbrock/jobcluster/internal/metrics"
	"github.com/mbrock/jobcluster/internal/sidecar"
)

func main() {
	// The sidecar subcommand has its own flag set.
	if len(os.Args) >= 2 && os.Args[1] == sidecar.Subcommand {
		cmdMetricsServer(os.Args[2:])
		return
	}

	opts := registerFlags(flag.CommandLine)
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, `jobcluster - run job workers as a supervised cluster

Usage:
  jobcluster [flags] <queues>...      One worker per comma-separated queue group
  jobcluster metrics-server [flags]   (internal) Run the metrics sidecar

Flags:
`)
		flag.PrintDefaults()
	}
	flag.Parse()

	logger, err := newLogger(opts.logLevel)
	if err != nil {
		fatal("%v", err)
	}

	cfg, err := opts.clusterConfig(flag.Args())
	if err != nil {
		fatal("%v", err)
	}

	events := journald.OpenOrFallback(opts.journal, logger)

	collector := metrics.NewCollector("jobcluster",
		metrics.WithTextfile(opts.textfilePath()),
		metrics.WithLogger(logger),
	)

	err = cluster.Run(context.Background(), cfg,
		cluster.WithLogger(logger),
		cluster.WithEventLog(events),
		cluster.WithMetrics(collector),
	)
	_ = events.Close()
	if errors.Is(err, cluster.ErrWorkerFailed) {
		logger.Error("cluster stopped", "error", err)
		os.Exit(1)
	}
	if err != nil {
		fatal("%v", err)
	}
}

func cmdMetricsServer(args []string) {
	fs := flag.NewFlagSet(sidecar.Subcommand, flag.ExitOnError)
	cfg := metrics.ServerConfig{}
	fs.StringVar(&cfg.Listen, "listen", metrics.DefaultListen, "Address to serve /metrics on")
	fs.StringVar(&cfg.TextfileDir, "textfile-dir", "", "Directory of *.prom files to serve")
	logLevel := fs.String("log-level", os.Getenv("JOBCLUSTER_LOG_LEVEL"), "Log level: debug, info, warn, error")
	_ = fs.Parse(args)

	logger, err := newLogger(*logLevel)
	if err != nil {
		fatal("%v", err)
	}
	cfg.Logger = logger

	// The supervisor stops the sidecar with SIGTERM.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := metrics.Serve(ctx, cfg); err != nil {
		fatal("%v", err)
	}
}

func fatal(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "error: "+format+"\n", args...)
	os.Exit(1)
}
