// Package meterbus drives an ADE7753-style single-phase metering IC over
// SPI: register read/write, software reset, and the RMS current/voltage
// registers the channel sampler needs (spec.md's "metering chip's SPI
// transport" collaborator, §1).
package meterbus

import (
	"time"

	"github.com/pkg/errors"
	"periph.io/x/periph/conn/spi"
)

// Register addresses, from the ADE7753 datasheet map.
const (
	regMode    = 0x09
	regIRMS    = 0x16
	regVRMS    = 0x17
	regLineCyc = 0x1C
)

// Mode bits.
const (
	modeSWRST    uint16 = 1 << 6
	modeASuspend uint16 = 1 << 4
)

// Meter is an ADE7753 connected over a periph.io SPI port.
type Meter struct {
	conn spi.Conn
}

// New wraps conn and resets the device. conn must already be configured
// for the ADE7753's SPI timing (cmd/rfn opens it at mode 0, 1MHz, 8 bits);
// New does not change the port's parameters.
func New(conn spi.Conn) (*Meter, error) {
	m := &Meter{conn: conn}
	if err := m.Reset(); err != nil {
		return nil, errors.Wrap(err, "meterbus: init reset")
	}
	return m, nil
}

// read performs the ADE7753 read dialog: write the register address, then
// clock in count data bytes, mirroring meter_read in meter_ade7753.c (a
// single CS-low transaction carrying the address byte followed by the
// response bytes).
func (m *Meter) read(addr byte, count int) ([]byte, error) {
	w := make([]byte, 1+count)
	w[0] = addr
	r := make([]byte, 1+count)
	if err := m.conn.Tx(w, r); err != nil {
		return nil, errors.Wrapf(err, "meterbus: read reg 0x%02x", addr)
	}
	return r[1:], nil
}

// write performs the ADE7753 write dialog: the address byte with its
// high bit set (per meter_write's `addr |= 0x80`), followed by data.
func (m *Meter) write(addr byte, data []byte) error {
	w := make([]byte, 1+len(data))
	w[0] = addr | 0x80
	copy(w[1:], data)
	r := make([]byte, len(w))
	if err := m.conn.Tx(w, r); err != nil {
		return errors.Wrapf(err, "meterbus: write reg 0x%02x", addr)
	}
	return nil
}

func (m *Meter) readMode() (uint16, error) {
	b, err := m.read(regMode, 2)
	if err != nil {
		return 0, err
	}
	return uint16(b[0])<<8 | uint16(b[1]), nil
}

func (m *Meter) writeMode(mode uint16) error {
	return m.write(regMode, []byte{byte(mode >> 8), byte(mode)})
}

func (m *Meter) setBits(bits uint16) error {
	mode, err := m.readMode()
	if err != nil {
		return err
	}
	return m.writeMode(mode | bits)
}

func (m *Meter) clearBits(bits uint16) error {
	mode, err := m.readMode()
	if err != nil {
		return err
	}
	return m.writeMode(mode &^ bits)
}

// Reset issues a software reset, matching meter_ade7753_reset's
// set-SWRST-then-settle dialog.
func (m *Meter) Reset() error {
	if err := m.setBits(modeSWRST); err != nil {
		return err
	}
	time.Sleep(500 * time.Microsecond)
	return nil
}

// On clears the channel-suspend bit, enabling conversion.
func (m *Meter) On() error {
	return m.clearBits(modeASuspend)
}

// Off sets the channel-suspend bit, halting conversion without a full
// reset. The sampler does not call it; a channel switch uses Reset.
func (m *Meter) Off() error {
	return m.setBits(modeASuspend)
}

// IRms reads the 24-bit RMS current register.
func (m *Meter) IRms() (uint32, error) {
	return m.read24(regIRMS)
}

// VRms reads the 24-bit RMS voltage register.
func (m *Meter) VRms() (uint32, error) {
	return m.read24(regVRMS)
}

func (m *Meter) read24(addr byte) (uint32, error) {
	b, err := m.read(addr, 3)
	if err != nil {
		return 0, err
	}
	return uint32(b[0])<<16 | uint32(b[1])<<8 | uint32(b[2]), nil
}

// SetLineCycles programs the meter's line-cycle accumulation count. The
// sampler does not call it: its post-switch settling delay is a timed
// sleep of line_cycles_period * line_cycles_sample_count.
func (m *Meter) SetLineCycles(cycles uint8) error {
	return m.write(regLineCyc, []byte{cycles})
}
