// Package calibration implements the per-channel baseline-convergence
// algorithm of spec.md §4.4: a bisection that walks a channel's power
// baseline toward its recent readings while rejecting transient noise.
package calibration

import (
	"github.com/derkling/rfn/internal/channels"
)

// Engine holds the tuning parameters that come from the configuration
// record (spec.md §3's fault_level, fl_calibration_div, fault_samples).
type Engine struct {
	FaultLevel       uint32
	FlCalibrationDiv uint8
	FaultSamples     uint8
}

// Sample runs one calibration step for rec against a new p_rms reading,
// mutating rec in place. It returns true when the channel is calibrated:
// either the countdown reached zero on this call, or it was already zero
// (then rec is left untouched). The caller then clears the channel's
// global "calibrating" bit.
func (e Engine) Sample(rec *channels.Record, iRms, vRms, pRms int64) (justCalibrated bool) {
	if rec.CalSamplesRemaining == 0 {
		return true
	}

	delta := rec.PMax - pRms
	if delta < 0 {
		delta = -delta
	}
	// Bisection: move p_max halfway toward the new reading.
	if pRms > rec.PMax {
		rec.PMax += delta / 2
	} else {
		rec.PMax -= delta / 2
	}
	rec.IMax = iRms
	rec.VMax = vRms

	noisy := uint32(delta) > e.FaultLevel/uint32(e.FlCalibrationDiv)
	if noisy {
		rec.CalSamplesRemaining = e.FaultSamples
	}
	rec.CalSamplesRemaining--

	return rec.CalSamplesRemaining == 0
}

// ForceRecalibration resets rec to the uncalibrated state: baseline
// cleared, countdown reloaded, fault counters cleared (spec.md §4.4's
// "forced recalibration" and §3's load_calibration_data).
func ForceRecalibration(rec *channels.Record, faultSamples uint8) {
	rec.MarkUncalibrated(faultSamples)
}
