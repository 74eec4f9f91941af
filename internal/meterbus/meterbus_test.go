package meterbus

import (
	"testing"

	"periph.io/x/periph/conn"
	"periph.io/x/periph/conn/spi"
)

// fakeConn is a minimal spi.Conn double, in the spirit of
// warthog618-modem's mockModem: it answers exactly the register dialog the
// test drives, not a full ADE7753 emulation.
type fakeConn struct {
	regs map[byte][]byte // register address -> current value
	txs  [][]byte        // recorded write buffers, for assertions
}

func newFakeConn() *fakeConn {
	return &fakeConn{regs: map[byte][]byte{
		regMode: {0x00, 0x00},
	}}
}

func (c *fakeConn) Tx(w, r []byte) error {
	c.txs = append(c.txs, append([]byte(nil), w...))
	addr := w[0]
	if addr&0x80 != 0 {
		// write
		reg := addr &^ 0x80
		c.regs[reg] = append([]byte(nil), w[1:]...)
		return nil
	}
	data := c.regs[addr]
	copy(r[1:], data)
	return nil
}

func (c *fakeConn) Duplex() conn.Duplex { return conn.Full }

func (c *fakeConn) TxPackets(p []spi.Packet) error { return nil }

func (c *fakeConn) LimitSpeed(maxHz int64) error { return nil }

var _ spi.Conn = (*fakeConn)(nil)

func TestResetSetsSWRST(t *testing.T) {
	conn := newFakeConn()
	m, err := New(conn)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	mode, err := m.readMode()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if mode&modeSWRST == 0 {
		t.Fatalf("expected SWRST bit set after reset, mode=%04x", mode)
	}
}

func TestOnClearsSuspendBit(t *testing.T) {
	conn := newFakeConn()
	conn.regs[regMode] = []byte{0x00, byte(modeASuspend)}
	m := &Meter{conn: conn}

	if err := m.On(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	mode, _ := m.readMode()
	if mode&modeASuspend != 0 {
		t.Fatalf("expected ASUSPEND cleared, mode=%04x", mode)
	}
}

func TestIRmsVRms(t *testing.T) {
	conn := newFakeConn()
	conn.regs[regIRMS] = []byte{0x01, 0x02, 0x03}
	conn.regs[regVRMS] = []byte{0x00, 0x10, 0x00}
	m := &Meter{conn: conn}

	irms, err := m.IRms()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if irms != 0x010203 {
		t.Fatalf("IRms() = %#x, want 0x010203", irms)
	}
	vrms, err := m.VRms()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if vrms != 0x001000 {
		t.Fatalf("VRms() = %#x, want 0x001000", vrms)
	}
}
