package sampler

import (
	"testing"
	"time"

	"periph.io/x/periph/conn"
	"periph.io/x/periph/conn/gpio"
	"periph.io/x/periph/conn/i2c"
	"periph.io/x/periph/conn/physic"
	"periph.io/x/periph/conn/spi"

	"github.com/derkling/rfn/internal/channels"
	"github.com/derkling/rfn/internal/expander"
	"github.com/derkling/rfn/internal/meterbus"
	"github.com/derkling/rfn/internal/signalbus"
)

// fakeSPIConn is a minimal spi.Conn double, just enough register state to
// back a meterbus.Meter under test.
type fakeSPIConn struct {
	regs map[byte][]byte
}

func newFakeSPIConn() *fakeSPIConn {
	return &fakeSPIConn{regs: map[byte][]byte{0x09: {0, 0}}}
}

func (c *fakeSPIConn) Tx(w, r []byte) error {
	addr := w[0]
	if addr&0x80 != 0 {
		c.regs[addr&^0x80] = append([]byte(nil), w[1:]...)
		return nil
	}
	copy(r[1:], c.regs[addr])
	return nil
}
func (c *fakeSPIConn) Duplex() conn.Duplex         { return conn.Full }
func (c *fakeSPIConn) TxPackets(p []spi.Packet) error { return nil }
func (c *fakeSPIConn) LimitSpeed(maxHz int64) error   { return nil }

var _ spi.Conn = (*fakeSPIConn)(nil)

// fakeI2CBus is a minimal i2c.Bus double backing an expander.Expander.
type fakeI2CBus struct {
	powered uint16
	dir     uint16
}

func (b *fakeI2CBus) Tx(addr uint16, w, r []byte) error {
	reg := w[0]
	if len(w) > 1 {
		if reg == 0x06 {
			b.dir = uint16(w[1]) | uint16(w[2])<<8
		}
		return nil
	}
	if reg == 0x00 {
		r[0] = byte(b.powered)
		r[1] = byte(b.powered >> 8)
	}
	return nil
}
func (b *fakeI2CBus) Halt() error                      { return nil }
func (b *fakeI2CBus) String() string                   { return "fakeI2CBus" }
func (b *fakeI2CBus) SetSpeed(f physic.Frequency) error { return nil }

var _ i2c.Bus = (*fakeI2CBus)(nil)

// fakePin is a gpio.PinIn double whose WaitForEdge returns immediately,
// since the sampler test only cares that Wait is called, not real timing.
type fakePin struct{}

func (fakePin) String() string                                  { return "fake-zc" }
func (fakePin) Halt() error                                      { return nil }
func (fakePin) Name() string                                     { return "fake-zc" }
func (fakePin) Number() int                                      { return 0 }
func (fakePin) Function() string                                 { return "In" }
func (fakePin) In(pull gpio.Pull, edge gpio.Edge) error           { return nil }
func (fakePin) Read() gpio.Level                                 { return gpio.High }
func (fakePin) WaitForEdge(timeout time.Duration) bool            { return true }
func (fakePin) Pull() gpio.Pull                                  { return gpio.Float }

var _ gpio.PinIn = fakePin{}

type fakeMux struct {
	selected []int
}

func (m *fakeMux) Select(code int) error {
	m.selected = append(m.selected, code)
	return nil
}

func newTestSampler(t *testing.T, powered uint16) (*Sampler, *fakeMux, *fakeI2CBus) {
	t.Helper()
	spiConn := newFakeSPIConn()
	meter, err := meterbus.New(spiConn)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	bus := &fakeI2CBus{powered: powered}
	exp, err := expander.New(bus, 0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	sb := signalbus.New(map[signalbus.Signal]gpio.PinIn{signalbus.MeterZeroCross: fakePin{}})
	sb.Start()
	t.Cleanup(sb.Stop)
	mux := &fakeMux{}
	var perm [channels.Count]int
	for i := range perm {
		perm[i] = i
	}
	s := New(meter, exp, sb, mux, perm, time.Microsecond, 1, 0, true)
	return s, mux, bus
}

func TestSelectPrefersFaultyOverCalibrating(t *testing.T) {
	s, _, _ := newTestSampler(t, 0xFFFF)
	set := &channels.Set{
		Enabled:     channels.AllMask,
		Calibrating: channels.Mask(0).Set(2),
		Faulty:      channels.Mask(0).Set(5),
	}
	ch, err := s.Select(set)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ch != 5 {
		t.Fatalf("Select() = %d, want 5 (faulty wins)", ch)
	}
}

func TestSelectNoActiveChannels(t *testing.T) {
	s, _, _ := newTestSampler(t, 0x0000)
	set := &channels.Set{Enabled: channels.AllMask}
	ch, err := s.Select(set)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ch != channels.None {
		t.Fatalf("Select() = %d, want None", ch)
	}
}

func TestSelectRoundRobinAdvancesPastCurrent(t *testing.T) {
	s, _, _ := newTestSampler(t, 0xFFFF)
	set := &channels.Set{Enabled: channels.AllMask}
	first, _ := s.Select(set)
	if _, _, _, err := s.Sample(first); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	again, _ := s.Select(set)
	if want := (first + 1) % channels.Count; again != want {
		t.Fatalf("Select() = %d after sampling %d, want %d (next active channel)", again, first, want)
	}
}

func TestSampleSwitchesMuxOnce(t *testing.T) {
	s, mux, _ := newTestSampler(t, 0xFFFF)
	if _, _, _, err := s.Sample(3); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(mux.selected) != 1 || mux.selected[0] != 3 {
		t.Fatalf("mux.selected = %v, want [3]", mux.selected)
	}
	if _, _, _, err := s.Sample(3); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(mux.selected) != 1 {
		t.Fatalf("mux.selected = %v, want no second select for same channel", mux.selected)
	}
}

func TestSamplePowerDerivation(t *testing.T) {
	spiConn := newFakeSPIConn()
	meter, _ := meterbus.New(spiConn)
	spiConn.regs[0x16] = []byte{0, 0x03, 0xE8} // IRMS = 1000
	spiConn.regs[0x17] = []byte{0, 0x27, 0x10} // VRMS = 10000

	bus := &fakeI2CBus{powered: 0xFFFF}
	exp, _ := expander.New(bus, 0)
	sb := signalbus.New(map[signalbus.Signal]gpio.PinIn{signalbus.MeterZeroCross: fakePin{}})
	sb.Start()
	defer sb.Stop()
	var perm [channels.Count]int
	for i := range perm {
		perm[i] = i
	}
	s := New(meter, exp, sb, &fakeMux{}, perm, time.Microsecond, 1, 0, true)

	i, v, p, err := s.Sample(0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if i != 1000 || v != 10000 {
		t.Fatalf("i=%d v=%d, want 1000, 10000", i, v)
	}
	if want := int64(1000) * 10000 / 100000; p != want {
		t.Fatalf("p=%d, want %d", p, want)
	}
}
