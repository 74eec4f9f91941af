// Package sampler implements the round-robin channel sampler (spec.md
// §4.3): selects which of 16 channels to read next, drives the channel
// switch (multiplexer, meter reset, zero-crossing wait, settling delay),
// and returns one RMS reading.
package sampler

import (
	"time"

	"github.com/pkg/errors"

	"github.com/derkling/rfn/internal/channels"
	"github.com/derkling/rfn/internal/expander"
	"github.com/derkling/rfn/internal/meterbus"
	"github.com/derkling/rfn/internal/signalbus"
)

// Mux sets the analog multiplexer to the board's permutation-mapped code
// for a channel. The board wiring inverts the index order via a fixed
// 16-entry permutation table (spec.md §4.3); Sampler applies the
// permutation before calling Select, so a Mux implementation only ever
// sees the already-mapped code.
type Mux interface {
	Select(code int) error
}

// Sampler composes the meter, I/O expander, signal bus, and multiplexer
// collaborators into the channel-selection and channel-reading policy.
type Sampler struct {
	meter   *meterbus.Meter
	exp     *expander.Expander
	signals *signalbus.Bus
	mux     Mux

	permutation [channels.Count]int
	current     int

	iOffset         int64
	powerMonitoring bool
	settleDelay     time.Duration
}

// New builds a Sampler. permutation maps a logical channel index to the
// board's multiplexer code. lineCyclesPeriod * lineCyclesSampleCount is the
// settling delay after a channel switch (spec.md §4.3: ~320ms at 50Hz with
// 16 cycles). iOffset is subtracted from every raw current reading,
// clamped to zero. powerMonitoring selects the power-derivation formula
// (spec.md §3: p = i*v/100000 when enabled, else p = i*10).
func New(meter *meterbus.Meter, exp *expander.Expander, signals *signalbus.Bus, mux Mux,
	permutation [channels.Count]int, lineCyclesPeriod time.Duration, lineCyclesSampleCount int,
	iOffset int64, powerMonitoring bool) *Sampler {
	return &Sampler{
		meter:           meter,
		exp:             exp,
		signals:         signals,
		mux:             mux,
		permutation:     permutation,
		current:         channels.None,
		iOffset:         iOffset,
		powerMonitoring: powerMonitoring,
		settleDelay:     lineCyclesPeriod * time.Duration(lineCyclesSampleCount),
	}
}

// Current returns the index of the channel last selected by Select, or
// channels.None if none has been selected yet.
func (s *Sampler) Current() int {
	return s.current
}

// Select applies the three-tier policy of spec.md §4.3 and returns the
// channel to sample next, or channels.None if the active set is empty.
// It does not switch the hardware channel; call Sample with the result.
func (s *Sampler) Select(set *channels.Set) (int, error) {
	powered, err := s.exp.PoweredOn()
	if err != nil {
		return channels.None, errors.Wrap(err, "sampler: read expander")
	}
	active := powered.And(set.Enabled).AndNot(set.Suspended)
	if active.Empty() {
		return channels.None, nil
	}
	if faultyActive := active.And(set.Faulty); !faultyActive.Empty() {
		if s.current != channels.None && faultyActive.Has(s.current) {
			return s.current, nil
		}
		return s.roundRobin(faultyActive), nil
	}
	if calibratingActive := active.And(set.Calibrating); !calibratingActive.Empty() {
		return s.roundRobin(calibratingActive), nil
	}
	return s.roundRobin(active), nil
}

// roundRobin advances to the next qualifying channel after the current one,
// wrapping around; the current channel is chosen again only when it is the
// sole candidate. Select keeps the current channel itself in the faulty tier.
func (s *Sampler) roundRobin(candidates channels.Mask) int {
	start := s.current
	if start == channels.None {
		start = channels.Count - 1
	}
	for i := 1; i <= channels.Count; i++ {
		idx := (start + i) % channels.Count
		if candidates.Has(idx) {
			return idx
		}
	}
	return channels.None
}

// Sample switches to channel ch if it differs from the currently selected
// channel, then reads one RMS current/voltage sample and derives power.
func (s *Sampler) Sample(ch int) (iRms, vRms, pRms int64, err error) {
	if ch != s.current {
		if err := s.switchTo(ch); err != nil {
			return 0, 0, 0, err
		}
	}
	rawI, err := s.meter.IRms()
	if err != nil {
		return 0, 0, 0, errors.Wrap(err, "sampler: read IRms")
	}
	rawV, err := s.meter.VRms()
	if err != nil {
		return 0, 0, 0, errors.Wrap(err, "sampler: read VRms")
	}
	i := int64(rawI) - s.iOffset
	if i < 0 {
		i = 0
	}
	v := int64(rawV)
	var p int64
	if s.powerMonitoring {
		p = i * v / 100000
	} else {
		p = i * 10
	}
	return i, v, p, nil
}

// switchTo drives the channel-change sequence of spec.md §4.3: set the
// multiplexer, reset the meter, wait for a zero-crossing, then wait out
// the settling delay before the first valid read.
func (s *Sampler) switchTo(ch int) error {
	if err := s.mux.Select(s.permutation[ch]); err != nil {
		return errors.Wrap(err, "sampler: mux select")
	}
	if err := s.meter.Reset(); err != nil {
		return errors.Wrap(err, "sampler: meter reset")
	}
	s.signals.Wait(signalbus.MeterZeroCross)
	time.Sleep(s.settleDelay)
	s.current = ch
	return nil
}
