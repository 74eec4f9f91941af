// Package channels holds the per-channel measurement records and the
// channel bitmaps (enabled, critical, calibrating, faulty, spoiled,
// suspended) described in the RFN data model.
package channels

// Count is the number of AC circuits a single RFN multiplexes onto one
// metering IC.
const Count = 16

// None is the sentinel channel index returned by the sampler when no
// channel currently qualifies for sampling.
const None = -1

// Mask is a 16-bit set over channel indices 0..15.
type Mask uint16

// AllMask is the bitmap with every channel set, the result of the "0 means
// all channels" convention in the command grammar.
const AllMask Mask = 0xFFFF

// Has reports whether channel ch is a member of the mask.
func (m Mask) Has(ch int) bool {
	return m&(1<<uint(ch)) != 0
}

// Set returns the mask with channel ch added.
func (m Mask) Set(ch int) Mask {
	return m | (1 << uint(ch))
}

// Clear returns the mask with channel ch removed.
func (m Mask) Clear(ch int) Mask {
	return m &^ (1 << uint(ch))
}

// And returns the intersection of two masks.
func (m Mask) And(o Mask) Mask {
	return m & o
}

// AndNot returns m with every bit set in o removed.
func (m Mask) AndNot(o Mask) Mask {
	return m &^ o
}

// Or returns the union of two masks.
func (m Mask) Or(o Mask) Mask {
	return m | o
}

// Empty reports whether the mask has no channels set.
func (m Mask) Empty() bool {
	return m == 0
}

// PopCount returns the number of channels set in the mask.
func (m Mask) PopCount() int {
	n := 0
	for b := m; b != 0; b &= b - 1 {
		n++
	}
	return n
}

// Record is the per-channel measurement and state-machine bookkeeping
// described in spec §3.
type Record struct {
	// IRms, VRms, PRms are the latest measured RMS current, voltage and
	// derived power.
	IRms, VRms, PRms int64
	// IMax, VMax, PMax are the calibrated baseline.
	IMax, VMax, PMax int64
	// CalSamplesRemaining is the calibration countdown.
	CalSamplesRemaining uint8
	// FltSamples is the count of consecutive below-baseline samples in the
	// current check window.
	FltSamples uint8
	// FltChecks is the count of completed below-baseline check windows in
	// the current fault event.
	FltChecks uint8
}

// Reset zero-initializes the record, as happens at boot.
func (r *Record) Reset() {
	*r = Record{}
}

// MarkUncalibrated resets the calibration bookkeeping for a single channel:
// baseline zeroed, countdown reloaded, fault counters cleared. This is
// load_calibration_data from spec §3's lifecycle note.
func (r *Record) MarkUncalibrated(faultSamples uint8) {
	r.PMax, r.IMax, r.VMax = 0, 0, 0
	r.CalSamplesRemaining = faultSamples
	r.FltSamples = 0
	r.FltChecks = 0
}

// Set is the full collection of channel bitmaps tracked at runtime.
type Set struct {
	Enabled     Mask // operator-requested monitoring, persisted
	Critical    Mask // subset that trips the relay on spoil, persisted
	Calibrating Mask // not yet calibrated, runtime-only
	Faulty      Mask // nonzero FltSamples
	Spoiled     Mask // fault-confirmed, awaiting operator clear
	Suspended   Mask // removed from sampling during cooldown
}

// CriticalSpoiled reports whether any spoiled channel is also critical,
// the condition that trips the external fault relay (spec §3 invariants).
func (s *Set) CriticalSpoiled() bool {
	return s.Spoiled.And(s.Critical) != 0
}
