// Package signalbus presents a uniform, edge-detected view over
// the RFN's external interrupt lines: meter zero-crossing, meter IRQ, RTC
// IRQ, unit-fault IRQ, user button, I/O-expander IRQ, and modem ring
// indicator. Edges are not debounced.
//
// The hardware model is a set of pin-change interrupts whose service
// routines may only set a pending bit, optionally mask their own source,
// and mirror the pin level (spec §5). Go has no ISR context, so each line
// is serviced by a goroutine blocked in Pin.WaitForEdge, grounded on the
// gpio.PinIn contract used throughout the tve-devices examples
// (sx1276.Radio's intrPin). The pending/level/enabled state for each
// signal is a 0/1 int32 flag accessed only through sync/atomic, so a
// concurrent write is never torn.
package signalbus

import (
	"sync/atomic"

	"periph.io/x/periph/conn/gpio"
)

// Signal identifies one of the named interrupt lines.
type Signal int

const (
	MeterZeroCross Signal = iota
	MeterIRQ
	RTCIRQ
	UnitFault
	Button
	ExpanderIRQ
	ModemRing
	numSignals
)

// class distinguishes sticky signals (auto-disable on edge, must be
// re-enabled to fire again) from level signals (stay enabled across edges).
type class int

const (
	sticky class = iota
	level
)

var classOf = [numSignals]class{
	MeterZeroCross: sticky,
	MeterIRQ:       sticky,
	RTCIRQ:         sticky,
	UnitFault:      sticky,
	Button:         level,
	ExpanderIRQ:    level,
	ModemRing:      sticky,
}

// line is the runtime state for one signal.
type line struct {
	pin     gpio.PinIn
	pending int32 // 0/1, consumed by Pending
	lvl     int32 // 0/1, mirrored by the watcher goroutine
	enabled int32 // 0/1
	stop    chan struct{}
}

// Bus is the live collection of signal lines.
type Bus struct {
	lines [numSignals]*line
}

// New creates a Bus over the given pins. pins need not have an entry for
// every Signal; a missing or nil entry is a line not wired on a given board
// (pending/level then always read false, per §4.1's "unknown signal id is
// a programming error" only applying to out-of-range ids, not unwired ones).
func New(pins map[Signal]gpio.PinIn) *Bus {
	b := &Bus{}
	for sig := Signal(0); sig < numSignals; sig++ {
		l := &line{pin: pins[Signal(sig)], stop: make(chan struct{})}
		b.lines[sig] = l
	}
	return b
}

// Start arms every wired line and launches its watcher goroutine. Call once
// after New, before the control loop begins polling.
//
// Enable already launches the watcher for a sticky signal (its watcher
// exits after one edge, so re-enabling must relaunch it); Start must not
// launch a second one for those or two goroutines race on the same pin's
// WaitForEdge. A level signal's watcher never exits on its own, so Start
// owns its one and only spawn.
func (b *Bus) Start() {
	for sig := Signal(0); sig < numSignals; sig++ {
		b.Enable(sig)
		if b.lines[sig].pin != nil && classOf[sig] == level {
			go b.watch(sig)
		}
	}
}

// Stop releases every watcher goroutine. Used in tests and clean shutdown.
func (b *Bus) Stop() {
	for _, l := range b.lines {
		close(l.stop)
	}
}

func edgeFor(c class) gpio.Edge {
	if c == sticky {
		return gpio.RisingEdge
	}
	return gpio.BothEdges
}

func (b *Bus) watch(sig Signal) {
	l := b.lines[sig]
	for {
		select {
		case <-l.stop:
			return
		default:
		}
		if atomic.LoadInt32(&l.enabled) == 0 {
			return
		}
		if !l.pin.WaitForEdge(-1) {
			return
		}
		lvl := l.pin.Read()
		if lvl == gpio.High {
			atomic.StoreInt32(&l.lvl, 1)
		} else {
			atomic.StoreInt32(&l.lvl, 0)
		}
		if classOf[sig] == sticky {
			// Disable before publishing pending, so an Enable issued by a
			// consumer that has seen the edge always relaunches the watcher.
			atomic.StoreInt32(&l.enabled, 0)
			atomic.StoreInt32(&l.pending, 1)
			return
		}
		atomic.StoreInt32(&l.pending, 1)
	}
}

// Pending returns true exactly once per edge since the last consumption,
// atomically clearing the pending flag.
func (b *Bus) Pending(sig Signal) bool {
	l := b.lines[sig]
	return atomic.SwapInt32(&l.pending, 0) != 0
}

// Level returns the current live level with no side effect.
func (b *Bus) Level(sig Signal) bool {
	return atomic.LoadInt32(&b.lines[sig].lvl) != 0
}

// Enable unmasks the underlying pin-change interrupt and clears the
// pending flag. A sticky signal's watcher goroutine exits after delivering
// one edge, so re-enabling it relaunches the watcher.
func (b *Bus) Enable(sig Signal) {
	l := b.lines[sig]
	atomic.StoreInt32(&l.pending, 0)
	wasEnabled := atomic.SwapInt32(&l.enabled, 1) != 0
	if l.pin == nil {
		return
	}
	l.pin.In(gpio.PullNoChange, edgeFor(classOf[sig]))
	if classOf[sig] == sticky && !wasEnabled {
		go b.watch(sig)
	}
}

// Disable masks the underlying pin-change interrupt.
func (b *Bus) Disable(sig Signal) {
	l := b.lines[sig]
	atomic.StoreInt32(&l.enabled, 0)
	if l.pin != nil {
		l.pin.In(gpio.PullNoChange, gpio.NoEdge)
	}
}

// Wait enables sig and busy-waits until it is pending.
func (b *Bus) Wait(sig Signal) {
	b.Enable(sig)
	for !b.Pending(sig) {
	}
}
