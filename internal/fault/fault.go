// Package fault implements the per-channel fault-detection state machine
// of spec.md §4.5: OK -> SAMPLING -> CHECKED -> CONFIRMED, with a
// single global cooldown shared by every channel awaiting a recheck.
package fault

import (
	"github.com/derkling/rfn/internal/channels"
)

// State is the logical state of a channel's fault detector. It is derived
// from flt_samples/flt_checks and the spoiled/suspended bitmaps rather
// than stored directly, matching spec.md §3's data model (there is no
// explicit state field — OK/SAMPLING/CHECKED/CONFIRMED is an observation
// over flt_samples, flt_checks, spoiled and suspended).
type State int

const (
	OK State = iota
	Sampling
	Checked
	Confirmed
)

// Params are the configuration-record fields the detector consults
// (spec.md §3/§6).
type Params struct {
	FaultLevel   uint32
	FaultSamples uint8
	FaultChecks  uint8
}

// Outcome reports what a single Detect call did, so the caller (the main
// loop) knows whether to arm the cooldown, send a confirmation SMS, or
// trip the relay.
type Outcome struct {
	State         State
	JustChecked   bool // flt_samples just reached fault_samples
	JustConfirmed bool // flt_checks just reached fault_checks
}

// Detect runs one fault-detection step for channel ch against a new p_rms
// reading, mutating rec and the Faulty/Spoiled/Suspended bitmaps in set.
// It does not arm or decrement the cooldown timer; that is the scheduler's
// job (spec.md §4.5's "the countdown is decremented once per
// console-task tick").
func Detect(p Params, rec *channels.Record, set *channels.Set, ch int, pRms int64) Outcome {
	belowBaseline := rec.PMax-pRms >= int64(p.FaultLevel)
	if !belowBaseline {
		rec.FltSamples = 0
		rec.FltChecks = 0
		set.Faulty = set.Faulty.Clear(ch)
		return Outcome{State: OK}
	}

	rec.FltSamples++
	set.Faulty = set.Faulty.Set(ch)

	if rec.FltSamples < p.FaultSamples {
		return Outcome{State: Sampling}
	}

	rec.FltChecks++
	rec.FltSamples = 0
	set.Faulty = set.Faulty.Clear(ch)
	if rec.FltChecks >= p.FaultChecks {
		set.Spoiled = set.Spoiled.Set(ch)
		return Outcome{State: Confirmed, JustChecked: true, JustConfirmed: true}
	}

	set.Spoiled = set.Spoiled.Set(ch)
	set.Suspended = set.Suspended.Set(ch)
	return Outcome{State: Checked, JustChecked: true}
}

// Clear releases a spoiled channel back to the detectable pool, as done by
// an operator's button press or a recalibration command (spec.md §3:
// "Clearing spoiled requires an operator action").
func Clear(set *channels.Set, ch int) {
	set.Spoiled = set.Spoiled.Clear(ch)
	set.Faulty = set.Faulty.Clear(ch)
	set.Suspended = set.Suspended.Clear(ch)
}

// ResumeCooldown clears the entire suspended set atomically, as spec.md
// §8's boundary behavior requires when the global cool_countdown reaches
// zero: "the entire suspended set is cleared atomically."
func ResumeCooldown(set *channels.Set) {
	set.Suspended = 0
}

// ChannelState derives the logical State of a single channel from the
// bitmaps alone, for the `sc` status command (spec.md §6). Spoiled is
// checked first: flt_samples (and so Faulty) resets to 0 at every check
// boundary, so it cannot distinguish Checked/Confirmed from OK on its
// own. A channel that has never gone below baseline, and is not spoiled,
// is OK; one accumulating below-baseline samples towards its first check
// is Sampling; a spoiled channel still suspended is Checked (awaiting the
// cooldown); a spoiled channel no longer suspended is Confirmed
// (cooldown already resumed).
func ChannelState(set *channels.Set, ch int) State {
	if set.Spoiled.Has(ch) {
		if set.Suspended.Has(ch) {
			return Checked
		}
		return Confirmed
	}
	if set.Faulty.Has(ch) {
		return Sampling
	}
	return OK
}
