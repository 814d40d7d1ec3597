package supervisor

import (
	"os"
	"os/signal"
	"slices"
	"sync"
)

// SignalSource delivers OS signals to the supervision loop. Receipt only
// enqueues; the loop acts on the signal in its own iteration.
type SignalSource interface {
	Notify(sigs ...os.Signal) <-chan os.Signal
	Stop()
}

type osSignals struct {
	ch chan os.Signal
}

// OSSignals returns a SignalSource backed by os/signal.
func OSSignals() SignalSource {
	return &osSignals{}
}

func (o *osSignals) Notify(sigs ...os.Signal) <-chan os.Signal {
	o.ch = make(chan os.Signal, 16)
	signal.Notify(o.ch, sigs...)
	return o.ch
}

func (o *osSignals) Stop() {
	if o.ch != nil {
		signal.Stop(o.ch)
	}
}

// FakeSignals is a SignalSource for tests.
type FakeSignals struct {
	mu         sync.Mutex
	ch         chan os.Signal
	subscribed []os.Signal
	stopped    bool
}

func NewFakeSignals() *FakeSignals {
	return &FakeSignals{ch: make(chan os.Signal, 16)}
}

func (f *FakeSignals) Notify(sigs ...os.Signal) <-chan os.Signal {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.subscribed = append(f.subscribed, sigs...)
	return f.ch
}

func (f *FakeSignals) Stop() {
	f.mu.Lock()
	f.stopped = true
	f.mu.Unlock()
}

// Send delivers sig as if the process had received it.
func (f *FakeSignals) Send(sig os.Signal) {
	f.ch <- sig
}

// Subscribed returns the signals passed to Notify.
func (f *FakeSignals) Subscribed() []os.Signal {
	f.mu.Lock()
	defer f.mu.Unlock()
	return slices.Clone(f.subscribed)
}

// Stopped reports whether Stop was called.
func (f *FakeSignals) Stopped() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.stopped
}
