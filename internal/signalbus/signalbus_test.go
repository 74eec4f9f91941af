package signalbus

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"periph.io/x/periph/conn/gpio"
)

// fakePin is a minimal gpio.PinIn double that lets a test trigger an edge on
// demand, in the spirit of warthog618-modem's mockModem: it produces exactly
// the responses needed to drive a scenario, not a full GPIO stack.
// waiting/maxWaiting track how many goroutines are concurrently blocked in
// WaitForEdge, so a test can catch a duplicate watcher even though a
// capacity-1 edgeCh would otherwise silently swallow the duplicate as a
// permanently blocked leak.
type fakePin struct {
	mu     sync.Mutex
	name   string
	lvl    gpio.Level
	edgeCh chan struct{}
	edge   gpio.Edge

	waiting    int32
	maxWaiting int32
}

func newFakePin(name string) *fakePin {
	return &fakePin{name: name, edgeCh: make(chan struct{}, 1)}
}

func (p *fakePin) fire(lvl gpio.Level) {
	p.mu.Lock()
	p.lvl = lvl
	p.mu.Unlock()
	p.edgeCh <- struct{}{}
}

func (p *fakePin) String() string  { return p.name }
func (p *fakePin) Halt() error     { return nil }
func (p *fakePin) Name() string    { return p.name }
func (p *fakePin) Number() int     { return 0 }
func (p *fakePin) Function() string { return "In" }

func (p *fakePin) In(pull gpio.Pull, edge gpio.Edge) error {
	p.mu.Lock()
	p.edge = edge
	p.mu.Unlock()
	return nil
}

func (p *fakePin) Read() gpio.Level {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lvl
}

func (p *fakePin) WaitForEdge(timeout time.Duration) bool {
	n := atomic.AddInt32(&p.waiting, 1)
	for {
		old := atomic.LoadInt32(&p.maxWaiting)
		if n <= old || atomic.CompareAndSwapInt32(&p.maxWaiting, old, n) {
			break
		}
	}
	defer atomic.AddInt32(&p.waiting, -1)
	_, ok := <-p.edgeCh
	return ok
}

func (p *fakePin) Pull() gpio.Pull { return gpio.Float }

var _ gpio.PinIn = (*fakePin)(nil)

func TestStickySignalRearmsOnEnable(t *testing.T) {
	pin := newFakePin("fault-irq")
	b := New(map[Signal]gpio.PinIn{UnitFault: pin})
	b.Start()
	defer b.Stop()

	pin.fire(gpio.High)
	waitPending(t, b, UnitFault)
	if !b.Level(UnitFault) {
		t.Fatal("expected level high after first edge")
	}

	// Re-enable, as the main loop does after consuming a fault (spec
	// §4.1), and confirm the watcher is still listening for a second edge.
	b.Enable(UnitFault)
	pin.fire(gpio.High)
	waitPending(t, b, UnitFault)
}

// TestStartLaunchesExactlyOneWatcherPerStickySignal guards against Start
// and Enable each spawning their own watcher goroutine for the same sticky
// line at boot: two goroutines racing on WaitForEdge against one pin would
// leak one of them forever and, on real hardware, risk double-consuming an
// edge.
func TestStartLaunchesExactlyOneWatcherPerStickySignal(t *testing.T) {
	pin := newFakePin("fault-irq")
	b := New(map[Signal]gpio.PinIn{UnitFault: pin})
	b.Start()
	defer b.Stop()

	// Give every goroutine spawned by Start time to reach WaitForEdge.
	deadline := time.Now().Add(time.Second)
	for atomic.LoadInt32(&pin.waiting) == 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	time.Sleep(10 * time.Millisecond)

	if got := atomic.LoadInt32(&pin.maxWaiting); got != 1 {
		t.Fatalf("concurrent watchers blocked in WaitForEdge = %d, want 1", got)
	}
}

func TestLevelSignalStaysArmedAcrossEdges(t *testing.T) {
	pin := newFakePin("button")
	b := New(map[Signal]gpio.PinIn{Button: pin})
	b.Start()
	defer b.Stop()

	pin.fire(gpio.High)
	waitPending(t, b, Button)
	pin.fire(gpio.Low)
	waitPending(t, b, Button)
}

func TestDisableStopsDelivery(t *testing.T) {
	pin := newFakePin("rtc")
	b := New(map[Signal]gpio.PinIn{RTCIRQ: pin})
	b.Start()
	defer b.Stop()

	b.Disable(RTCIRQ)
	if b.Pending(RTCIRQ) {
		t.Fatal("disabled signal must not report pending")
	}
}

func waitPending(t *testing.T, b *Bus, sig Signal) {
	t.Helper()
	deadline := time.After(time.Second)
	for {
		if b.Pending(sig) {
			return
		}
		select {
		case <-deadline:
			t.Fatalf("signal %d never went pending", sig)
		case <-time.After(time.Millisecond):
		}
	}
}
