// Package expander drives a PCA9555-style 16-bit I2C I/O expander, read by
// the sampler to know which of the 16 channels are currently powered on
// (spec.md's "16-bit I/O expander over the two-wire bus" collaborator,
// §1).
package expander

import (
	"github.com/pkg/errors"
	"periph.io/x/periph/conn/i2c"

	"github.com/derkling/rfn/internal/channels"
)

// Register pointers, from the PCA9555 datasheet (pca9555.h's
// PCA9555_REG_* macros: each 16-bit register occupies two consecutive
// byte addresses, auto-incrementing on a multi-byte read/write).
const (
	regInput     = 0x00
	regOutput    = 0x02
	regPolarity  = 0x04
	regDirection = 0x06
)

// defaultAddr is PCA9555ID from pca9555.h, the 7-bit I2C base address.
const defaultAddr uint16 = 0x20

// Expander is a PCA9555 connected over a periph.io I2C bus.
type Expander struct {
	dev i2c.Dev
}

// New returns an Expander at addr on bus, configuring every pin as an
// input (pca9555_init's pca9555_get(PCA9555_REG_DIRECTION) probe, adapted
// to also assert the all-input direction rather than merely read it, since
// the RFN only ever reads the expander).
func New(bus i2c.Bus, addr uint16) (*Expander, error) {
	if addr == 0 {
		addr = defaultAddr
	}
	e := &Expander{dev: i2c.Dev{Bus: bus, Addr: addr}}
	if err := e.writeReg(regDirection, 0xFFFF); err != nil {
		return nil, errors.Wrap(err, "expander: configure all-input")
	}
	return e, nil
}

func (e *Expander) readReg(reg byte) (uint16, error) {
	w := []byte{reg}
	r := make([]byte, 2)
	if err := e.dev.Tx(w, r); err != nil {
		return 0, errors.Wrapf(err, "expander: read reg 0x%02x", reg)
	}
	return uint16(r[0]) | uint16(r[1])<<8, nil
}

func (e *Expander) writeReg(reg byte, value uint16) error {
	w := []byte{reg, byte(value), byte(value >> 8)}
	if err := e.dev.Tx(w, nil); err != nil {
		return errors.Wrapf(err, "expander: write reg 0x%02x", reg)
	}
	return nil
}

// PoweredOn returns the bitmap of channels the expander currently reports
// as powered (pca9555_in: a read of PCA9555_REG_INPUT).
func (e *Expander) PoweredOn() (channels.Mask, error) {
	v, err := e.readReg(regInput)
	if err != nil {
		return 0, err
	}
	return channels.Mask(v), nil
}
