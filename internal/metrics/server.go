package metrics

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	dto "github.com/prometheus/client_model/go"
	"github.com/prometheus/common/expfmt"
	"github.com/prometheus/common/model"
)

// DefaultListen is the sidecar's default listen address.
const DefaultListen = "127.0.0.1:9240"

// ServerConfig configures the sidecar HTTP server.
type ServerConfig struct {
	Listen      string
	TextfileDir string
	Logger      *slog.Logger
}

// TextfileGatherer gathers metric families from every *.prom file in Dir.
type TextfileGatherer struct {
	Dir string
}

var _ prometheus.Gatherer = TextfileGatherer{}

// Gather implements prometheus.Gatherer.
func (g TextfileGatherer) Gather() ([]*dto.MetricFamily, error) {
	if g.Dir == "" {
		return nil, nil
	}
	paths, err := filepath.Glob(filepath.Join(g.Dir, "*.prom"))
	if err != nil {
		return nil, err
	}
	sort.Strings(paths)

	var out []*dto.MetricFamily
	for _, path := range paths {
		families, err := parseTextfile(path)
		if err != nil {
			return out, err
		}
		names := make([]string, 0, len(families))
		for name := range families {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			out = append(out, families[name])
		}
	}
	return out, nil
}

func parseTextfile(path string) (map[string]*dto.MetricFamily, error) {
	f, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	defer f.Close()

	parser := expfmt.NewTextParser(model.UTF8Validation)
	families, err := parser.TextToMetricFamilies(f)
	if err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}
	return families, nil
}

// Handler serves the sidecar's own runtime metrics together with the
// supervisor's textfile metrics.
func Handler(textfileDir string) http.Handler {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(
		prometheus.Gatherers{reg, TextfileGatherer{Dir: textfileDir}},
		promhttp.HandlerOpts{ErrorHandling: promhttp.ContinueOnError},
	))
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		fmt.Fprintln(w, "ok")
	})
	return mux
}

// Serve runs the sidecar HTTP server until ctx is cancelled.
func Serve(ctx context.Context, cfg ServerConfig) error {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Listen == "" {
		cfg.Listen = DefaultListen
	}

	srv := &http.Server{
		Addr:              cfg.Listen,
		Handler:           Handler(cfg.TextfileDir),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("metrics server listening", "addr", cfg.Listen, "textfile_dir", cfg.TextfileDir)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("metrics server: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("metrics server shutdown: %w", err)
	}
	return nil
}
