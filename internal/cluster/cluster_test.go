package cluster

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbrock/jobcluster/internal/eventlog"
	"github.com/mbrock/jobcluster/internal/launcher"
	"github.com/mbrock/jobcluster/internal/queues"
	"github.com/mbrock/jobcluster/internal/sidecar"
	"github.com/mbrock/jobcluster/internal/supervisor"
)

// Traps TERM and exits cleanly; everything after the script is ignored.
const drainingWorker = `trap 'exit 0' TERM; while :; do sleep 0.05; done`

func shWorker(script string) []string {
	return []string{"sh", "-c", script, "worker"}
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func liveConfig(groups []string, command []string) Config {
	return Config{
		QueueGroups: groups,
		Launcher: launcher.Config{
			Command:     command,
			Environment: "test",
			Directory:   "/tmp",
			Timeout:     time.Second,
		},
		HealthCheckInterval:    20 * time.Millisecond,
		CheckTerminateInterval: 10 * time.Millisecond,
		TerminateTimeout:       3 * time.Second,
	}
}

type harness struct {
	signals *supervisor.FakeSignals
	events  *eventlog.FakeLog
	out     *bytes.Buffer
	notes   chan string
}

func newHarness() *harness {
	return &harness{
		signals: supervisor.NewFakeSignals(),
		events:  eventlog.NewFakeLog(),
		out:     &bytes.Buffer{},
		notes:   make(chan string, 16),
	}
}

func (h *harness) options() []Option {
	return []Option{
		WithLogger(testLogger()),
		WithOutput(h.out),
		WithSignals(h.signals),
		WithEventLog(h.events),
		WithNotifier(func(state string) error {
			select {
			case h.notes <- state:
			default:
			}
			return nil
		}),
	}
}

func (h *harness) waitSubscribed(t *testing.T) {
	t.Helper()
	require.Eventually(t, func() bool {
		return len(h.signals.Subscribed()) > 0
	}, 5*time.Second, 10*time.Millisecond)
}

func runAsync(ctx context.Context, c *Cluster) <-chan error {
	errCh := make(chan error, 1)
	go func() { errCh <- c.Run(ctx) }()
	return errCh
}

func waitResult(t *testing.T, errCh <-chan error) error {
	t.Helper()
	select {
	case err := <-errCh:
		return err
	case <-time.After(10 * time.Second):
		t.Fatal("cluster did not stop")
		return nil
	}
}

func exitCodes(log *eventlog.FakeLog) map[string]string {
	out := map[string]string{}
	for _, e := range log.Events(eventlog.EventWorkerExited) {
		out[e.Fields[eventlog.FieldWorkerIndex]] = e.Fields[eventlog.FieldExitCode]
	}
	return out
}

func TestRun_ConflictingModes(t *testing.T) {
	h := newHarness()
	cfg := Config{QueueGroups: []string{"a"}, ListQueues: true}
	cfg.Launcher.DryRun = true

	err := Run(context.Background(), cfg, h.options()...)
	assert.ErrorIs(t, err, ErrConflictingModes)
	assert.Empty(t, h.out.String())
}

func TestRun_NoQueues(t *testing.T) {
	h := newHarness()
	cfg := liveConfig([]string{"", ","}, shWorker(drainingWorker))

	err := Run(context.Background(), cfg, h.options()...)
	assert.ErrorIs(t, err, queues.ErrNoQueues)
	assert.Empty(t, h.events.Entries())
	assert.Empty(t, h.signals.Subscribed())
}

func TestRun_InvalidInput(t *testing.T) {
	h := newHarness()
	cfg := liveConfig([]string{"a\nb"}, shWorker(drainingWorker))

	err := Run(context.Background(), cfg, h.options()...)
	assert.ErrorIs(t, err, queues.ErrInvalidInput)
}

func TestRun_ListQueues(t *testing.T) {
	h := newHarness()
	cfg := Config{
		QueueGroups:     []string{"a,b,a", "*"},
		AvailableQueues: []string{"x", "y"},
		ListQueues:      true,
	}

	require.NoError(t, Run(context.Background(), cfg, h.options()...))
	assert.Equal(t, "a,b\nx,y\n", h.out.String())
}

func TestRun_ListQueuesNegated(t *testing.T) {
	h := newHarness()
	cfg := Config{
		QueueGroups:     []string{"x"},
		AvailableQueues: []string{"x", "y", "z"},
		Negate:          true,
		ListQueues:      true,
	}

	require.NoError(t, Run(context.Background(), cfg, h.options()...))
	assert.Equal(t, "y,z\n", h.out.String())
}

func TestRun_DryRun(t *testing.T) {
	h := newHarness()
	cfg := Config{
		QueueGroups: []string{"a,b", "c"},
		Launcher: launcher.Config{
			Command:     []string{"bin/worker"},
			Environment: "production",
			Directory:   "/srv/app",
			Timeout:     25 * time.Second,
			DryRun:      true,
		},
		Sidecar: sidecar.Config{
			Enabled: true,
			Command: []string{"/nonexistent/sidecar"},
		},
	}

	require.NoError(t, Run(context.Background(), cfg, h.options()...))
	assert.Equal(t,
		"bin/worker -c3 -eproduction -t25 -gqueues:a:1,b:1 -qa,1 -qb,1 -r/srv/app\n"+
			"bin/worker -c2 -eproduction -t25 -gqueues:c:1 -qc,1 -r/srv/app\n",
		h.out.String())
	assert.Empty(t, h.events.Entries())
}

func TestRun_MissingWorkerExecutable(t *testing.T) {
	h := newHarness()
	cfg := liveConfig([]string{"a"}, []string{"/nonexistent/jobcluster-worker"})

	err := Run(context.Background(), cfg, h.options()...)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "launching worker 0")
	assert.Empty(t, h.signals.Subscribed())
}

func TestRun_SidecarStartFailureIsFatal(t *testing.T) {
	h := newHarness()
	cfg := liveConfig([]string{"a"}, shWorker(drainingWorker))
	cfg.Sidecar = sidecar.Config{
		Enabled: true,
		Command: []string{"/nonexistent/jobcluster-sidecar"},
	}

	err := Run(context.Background(), cfg, h.options()...)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "starting metrics sidecar")
	assert.Empty(t, h.events.Events(eventlog.EventWorkerStarted))
}

func TestRun_WorkerFailureShutsDownCluster(t *testing.T) {
	h := newHarness()
	script := `if [ "$WORKER_INDEX" = 0 ]; then sleep 0.2; exit 3; fi; ` + drainingWorker
	cfg := liveConfig([]string{"a", "b"}, shWorker(script))

	err := waitResult(t, runAsync(context.Background(), New(cfg, h.options()...)))
	assert.ErrorIs(t, err, ErrWorkerFailed)

	assert.Equal(t, map[string]string{"0": "3", "1": "0"}, exitCodes(h.events))

	var states []string
	for _, e := range h.events.Events(eventlog.EventStateChanged) {
		states = append(states, e.Fields[eventlog.FieldState])
	}
	assert.Equal(t, []string{"terminating", "stopped"}, states)
}

func TestRun_TerminateSignalDrainsWorkers(t *testing.T) {
	h := newHarness()
	pidfile := filepath.Join(t.TempDir(), "run", "jobcluster.pid")
	cfg := liveConfig([]string{"a,b", "c"}, shWorker(drainingWorker))
	cfg.PIDFile = pidfile

	c := New(cfg, h.options()...)
	errCh := runAsync(context.Background(), c)
	h.waitSubscribed(t)

	started := h.events.Events(eventlog.EventWorkerStarted)
	require.Len(t, started, 2)
	assert.Equal(t, "a:1,b:1", started[0].Fields[eventlog.FieldQueues])
	assert.Equal(t, "c:1", started[1].Fields[eventlog.FieldQueues])
	assert.Equal(t, c.RunID(), started[0].Fields[eventlog.FieldRun])

	data, err := os.ReadFile(pidfile)
	require.NoError(t, err)
	assert.Equal(t, []byte(strconv.Itoa(os.Getpid())+"\n"), data)

	h.signals.Send(syscall.SIGTERM)
	require.NoError(t, waitResult(t, errCh))

	assert.Equal(t, map[string]string{"0": "0", "1": "0"}, exitCodes(h.events))
	_, err = os.Stat(pidfile)
	assert.True(t, errors.Is(err, os.ErrNotExist))

	notes := drain(h.notes)
	require.NotEmpty(t, notes)
	assert.Contains(t, notes[0], "READY=1")
	assert.Contains(t, notes, "STOPPING=1")
}

func TestRun_ContextCancelTerminates(t *testing.T) {
	h := newHarness()
	cfg := liveConfig([]string{"a"}, shWorker(drainingWorker))

	ctx, cancel := context.WithCancel(context.Background())
	errCh := runAsync(ctx, New(cfg, h.options()...))
	h.waitSubscribed(t)
	cancel()

	require.NoError(t, waitResult(t, errCh))
	assert.Equal(t, map[string]string{"0": "0"}, exitCodes(h.events))
}

func TestRun_StubbornWorkerIsKilled(t *testing.T) {
	h := newHarness()
	cfg := liveConfig([]string{"a"}, shWorker(`trap '' TERM; while :; do sleep 0.05; done`))
	cfg.TerminateTimeout = 200 * time.Millisecond

	errCh := runAsync(context.Background(), New(cfg, h.options()...))
	h.waitSubscribed(t)
	h.signals.Send(syscall.SIGINT)

	err := waitResult(t, errCh)
	assert.ErrorIs(t, err, ErrWorkerFailed)
	assert.Equal(t, map[string]string{"0": strconv.Itoa(128 + int(syscall.SIGKILL))}, exitCodes(h.events))
}

func TestRun_SidecarRestartedIndependently(t *testing.T) {
	h := newHarness()
	cfg := liveConfig([]string{"a"}, shWorker(drainingWorker))
	cfg.Sidecar = sidecar.Config{
		Enabled: true,
		Command: []string{"sh", "-c", "sleep 0.05"},
	}

	c := New(cfg, h.options()...)
	errCh := runAsync(context.Background(), c)

	require.Eventually(t, func() bool {
		return len(h.events.Events(eventlog.EventSidecarRestarted)) >= 2
	}, 5*time.Second, 10*time.Millisecond)

	assert.Empty(t, h.events.Events(eventlog.EventWorkerExited))
	assert.Len(t, h.events.Events(eventlog.EventSidecarStarted), 1)

	h.signals.Send(syscall.SIGTERM)
	require.NoError(t, waitResult(t, errCh))
	assert.GreaterOrEqual(t, c.SidecarRestarts(), 2)
	assert.Equal(t, map[string]string{"0": "0"}, exitCodes(h.events))
}

func TestCluster_TerminateTimeoutDefaults(t *testing.T) {
	c := New(Config{Launcher: launcher.Config{Timeout: 10 * time.Second}}, WithLogger(testLogger()))
	assert.Equal(t, 15*time.Second, c.terminateTimeout())

	c = New(Config{}, WithLogger(testLogger()))
	assert.Equal(t, 30*time.Second, c.terminateTimeout())
	assert.Equal(t, supervisor.DefaultHealthCheckInterval, c.healthCheckInterval())
	assert.Equal(t, supervisor.DefaultCheckTerminateInterval, c.checkTerminateInterval())

	c = New(Config{TerminateTimeout: time.Second}, WithLogger(testLogger()))
	assert.Equal(t, time.Second, c.terminateTimeout())
}

func drain(ch chan string) []string {
	var out []string
	for {
		select {
		case s := <-ch:
			out = append(out, s)
		default:
			return out
		}
	}
}
