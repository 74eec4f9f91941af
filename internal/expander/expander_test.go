package expander

import (
	"testing"

	"periph.io/x/periph/conn/i2c"
	"periph.io/x/periph/conn/physic"
)

// fakeBus is a minimal i2c.Bus double, in the spirit of
// warthog618-modem's mockModem: it holds just enough register state to
// drive a PoweredOn() scenario.
type fakeBus struct {
	regs map[byte]uint16
}

func newFakeBus() *fakeBus {
	return &fakeBus{regs: map[byte]uint16{}}
}

func (b *fakeBus) Tx(addr uint16, w, r []byte) error {
	reg := w[0]
	if len(w) > 1 {
		b.regs[reg] = uint16(w[1]) | uint16(w[2])<<8
		return nil
	}
	v := b.regs[reg]
	r[0] = byte(v)
	r[1] = byte(v >> 8)
	return nil
}

func (b *fakeBus) Halt() error                        { return nil }
func (b *fakeBus) String() string                     { return "fakeBus" }
func (b *fakeBus) SetSpeed(f physic.Frequency) error { return nil }

var _ i2c.Bus = (*fakeBus)(nil)

func TestNewConfiguresAllInput(t *testing.T) {
	bus := newFakeBus()
	if _, err := New(bus, 0); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if bus.regs[regDirection] != 0xFFFF {
		t.Fatalf("direction register = %04x, want 0xFFFF", bus.regs[regDirection])
	}
}

func TestPoweredOn(t *testing.T) {
	bus := newFakeBus()
	e, err := New(bus, 0x20)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	bus.regs[regInput] = 0x00FF

	mask, err := e.PoweredOn()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if mask != 0x00FF {
		t.Fatalf("PoweredOn() = %04x, want 0x00FF", mask)
	}
}
