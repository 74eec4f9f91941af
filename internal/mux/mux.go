// Package mux drives the board's analog multiplexer select lines: four
// GPIO pins carrying the binary-coded channel select (spec.md §4.3's "set
// the analog multiplexer to a permutation-mapped code"), the one piece of
// the sampler's hardware contract not covered by the metering IC or I/O
// expander collaborators.
package mux

import (
	"github.com/pkg/errors"
	"periph.io/x/periph/conn/gpio"
)

// bits is the number of select lines needed to address 16 channels.
const bits = 4

// Mux drives a 4-line binary-coded select bus over periph.io GPIO pins,
// setting each line with gpio.PinIO.Out.
type Mux struct {
	sel [bits]gpio.PinIO
}

// New returns a Mux driving sel[0] as the select bus's LSB through
// sel[3] as its MSB.
func New(sel [bits]gpio.PinIO) *Mux {
	return &Mux{sel: sel}
}

// Select drives the select lines to code, 0..15.
func (m *Mux) Select(code int) error {
	if code < 0 || code >= 1<<bits {
		return errors.Errorf("mux: code %d out of range", code)
	}
	for i, pin := range m.sel {
		lvl := gpio.Low
		if code&(1<<uint(i)) != 0 {
			lvl = gpio.High
		}
		if err := pin.Out(lvl); err != nil {
			return errors.Wrapf(err, "mux: drive select line %d", i)
		}
	}
	return nil
}
