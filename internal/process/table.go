// Package process owns the OS processes jobcluster spawns.
//
// Every spawned child gets an entry in a Table keyed by pid and a reaper
// goroutine that calls Wait as soon as the child exits. Liveness questions
// about owned pids are answered from the table, so a zombie never looks
// alive and "is this one of ours" is a map lookup.
package process

import (
	"context"
	"errors"
	"fmt"
	"os"
	osexec "os/exec"
	"sort"
	"sync"
	"syscall"
	"time"

	"golang.org/x/sys/unix"
)

// State is the lifecycle stage of an owned process.
type State int

const (
	StateSpawned State = iota
	StateSignaled
	StateReaped
)

func (s State) String() string {
	switch s {
	case StateSpawned:
		return "spawned"
	case StateSignaled:
		return "signaled"
	case StateReaped:
		return "reaped"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Spec describes a process to spawn.
type Spec struct {
	Command []string
	// Env is the complete child environment. Nil inherits the parent's.
	Env []string
	Dir string

	// Stdout and Stderr default to the parent's own descriptors.
	Stdout *os.File
	Stderr *os.File
}

// Handle identifies a spawned process.
type Handle struct {
	PID     int
	Command []string
	Started time.Time
}

// Status is a snapshot of an owned process.
type Status struct {
	PID      int
	State    State
	ExitCode int
	Started  time.Time
	Exited   time.Time
}

type entry struct {
	cmd     *osexec.Cmd
	handle  *Handle
	state   State
	code    int
	exited  time.Time
	done    chan struct{}
}

// Table is the arena of processes spawned by this process.
type Table struct {
	mu    sync.Mutex
	procs map[int]*entry
}

func NewTable() *Table {
	return &Table{procs: make(map[int]*entry)}
}

// Spawn starts spec in its own process group and begins reaping it in the
// background. The caller's context only bounds the start itself; the child
// outlives it.
func (t *Table) Spawn(ctx context.Context, spec Spec) (*Handle, error) {
	if len(spec.Command) == 0 {
		return nil, fmt.Errorf("empty command")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	cmd := osexec.Command(spec.Command[0], spec.Command[1:]...)
	cmd.Dir = spec.Dir
	cmd.Env = spec.Env
	cmd.Stdout = spec.Stdout
	if cmd.Stdout == nil {
		cmd.Stdout = os.Stdout
	}
	cmd.Stderr = spec.Stderr
	if cmd.Stderr == nil {
		cmd.Stderr = os.Stderr
	}

	// Own process group: a signal aimed at our group must not hit the
	// children too. They are signaled explicitly, per pid.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	if err := cmd.Start(); err != nil {
		return nil, err
	}

	e := &entry{
		cmd: cmd,
		handle: &Handle{
			PID:     cmd.Process.Pid,
			Command: append([]string(nil), spec.Command...),
			Started: time.Now(),
		},
		state: StateSpawned,
		done:  make(chan struct{}),
	}

	t.mu.Lock()
	t.procs[e.handle.PID] = e
	t.mu.Unlock()

	go t.reap(e)
	return e.handle, nil
}

// Owns reports whether pid was spawned through this table and not forgotten.
func (t *Table) Owns(pid int) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.procs[pid]
	return ok
}

// Alive is a non-blocking existence probe. Owned pids are answered from the
// table; anything else falls back to signal 0.
func (t *Table) Alive(pid int) bool {
	t.mu.Lock()
	e, ok := t.procs[pid]
	if ok {
		alive := e.state != StateReaped
		t.mu.Unlock()
		return alive
	}
	t.mu.Unlock()

	err := unix.Kill(pid, 0)
	return err == nil || errors.Is(err, unix.EPERM)
}

// Signal delivers sig to pid. A reaped owned process yields unix.ESRCH,
// the same as the kernel would for a pid that no longer exists.
func (t *Table) Signal(pid int, sig os.Signal) error {
	s, ok := sig.(syscall.Signal)
	if !ok {
		return fmt.Errorf("unsupported signal %v", sig)
	}

	t.mu.Lock()
	e, owned := t.procs[pid]
	if owned && e.state == StateReaped {
		t.mu.Unlock()
		return unix.ESRCH
	}
	t.mu.Unlock()

	if err := unix.Kill(pid, s); err != nil {
		return err
	}

	if owned && s != 0 {
		t.mu.Lock()
		if e.state == StateSpawned {
			e.state = StateSignaled
		}
		t.mu.Unlock()
	}
	return nil
}

// Status returns a snapshot of an owned process.
func (t *Table) Status(pid int) (Status, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.procs[pid]
	if !ok {
		return Status{}, false
	}
	return Status{
		PID:      pid,
		State:    e.state,
		ExitCode: e.code,
		Started:  e.handle.Started,
		Exited:   e.exited,
	}, true
}

// Wait blocks until the owned process pid has been reaped and returns its
// exit code. Death by signal is reported as 128+signal.
func (t *Table) Wait(ctx context.Context, pid int) (int, error) {
	t.mu.Lock()
	e, ok := t.procs[pid]
	t.mu.Unlock()
	if !ok {
		return 0, fmt.Errorf("process %d not owned", pid)
	}

	select {
	case <-e.done:
	case <-ctx.Done():
		return 0, ctx.Err()
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	return e.code, nil
}

// Forget drops pid from the table. Its reaper keeps running.
func (t *Table) Forget(pid int) {
	t.mu.Lock()
	delete(t.procs, pid)
	t.mu.Unlock()
}

// List returns all owned processes ordered by pid.
func (t *Table) List() []Status {
	t.mu.Lock()
	pids := make([]int, 0, len(t.procs))
	for pid := range t.procs {
		pids = append(pids, pid)
	}
	t.mu.Unlock()

	sort.Ints(pids)
	out := make([]Status, 0, len(pids))
	for _, pid := range pids {
		if st, ok := t.Status(pid); ok {
			out = append(out, st)
		}
	}
	return out
}

// Close kills every owned process that has not been reaped yet.
func (t *Table) Close() error {
	t.mu.Lock()
	var live []int
	for pid, e := range t.procs {
		if e.state != StateReaped {
			live = append(live, pid)
		}
	}
	t.mu.Unlock()

	for _, pid := range live {
		_ = t.Signal(pid, syscall.SIGKILL)
	}
	return nil
}

func (t *Table) reap(e *entry) {
	err := e.cmd.Wait()

	t.mu.Lock()
	e.code = exitCode(err)
	e.state = StateReaped
	e.exited = time.Now()
	t.mu.Unlock()

	close(e.done)
}

func exitCode(err error) int {
	if err == nil {
		return 0
	}
	var ee *osexec.ExitError
	if !errors.As(err, &ee) {
		return 1
	}
	if ws, ok := ee.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
		return 128 + int(ws.Signal())
	}
	return ee.ExitCode()
}
