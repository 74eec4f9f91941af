package fault

import (
	"testing"

	"github.com/derkling/rfn/internal/channels"
)

// TestFaultConfirmationScenario reproduces S2 from spec.md §8: calibrated
// p_max=100000, fault_level=50000, fault_samples=4, fault_checks=2.
// Feeding samples of 40000 continuously should reach CHECKED after 4
// samples, then CONFIRMED after a second 4-sample window.
func TestFaultConfirmationScenario(t *testing.T) {
	p := Params{FaultLevel: 50000, FaultSamples: 4, FaultChecks: 2}
	rec := &channels.Record{PMax: 100000}
	set := &channels.Set{Enabled: channels.Mask(0).Set(0), Critical: 0}
	const ch = 0

	var last Outcome
	for i := 0; i < 4; i++ {
		last = Detect(p, rec, set, ch, 40000)
	}
	if last.State != Checked || !last.JustChecked || last.JustConfirmed {
		t.Fatalf("after first 4-sample window: %+v", last)
	}
	if !set.Spoiled.Has(ch) {
		t.Fatal("expected spoiled bit set after first check")
	}
	if rec.FltSamples != 0 {
		t.Fatalf("flt_samples = %d, want reset to 0", rec.FltSamples)
	}
	if !set.Suspended.Has(ch) {
		t.Fatal("expected suspended bit set pending cooldown")
	}
	if set.Faulty.Has(ch) {
		t.Fatal("faulty must mirror flt_samples > 0: reset to 0 at CHECKED, so faulty must clear too")
	}

	ResumeCooldown(set)
	if set.Suspended.Has(ch) {
		t.Fatal("ResumeCooldown must clear the suspended set")
	}

	for i := 0; i < 4; i++ {
		last = Detect(p, rec, set, ch, 40000)
	}
	if last.State != Confirmed || !last.JustConfirmed {
		t.Fatalf("after second 4-sample window: %+v", last)
	}
	if !set.Spoiled.Has(ch) {
		t.Fatal("expected spoiled to remain set at confirmation")
	}
	if set.Faulty.Has(ch) {
		t.Fatal("faulty must mirror flt_samples > 0: reset to 0 at CONFIRMED, so faulty must clear too")
	}
}

func TestRecoveryResetsCounters(t *testing.T) {
	p := Params{FaultLevel: 50000, FaultSamples: 4, FaultChecks: 2}
	rec := &channels.Record{PMax: 100000, FltSamples: 2, FltChecks: 1}
	set := &channels.Set{}
	const ch = 3
	set.Faulty = set.Faulty.Set(ch)

	out := Detect(p, rec, set, ch, 90000) // recovered: within fault_level
	if out.State != OK {
		t.Fatalf("state = %v, want OK", out.State)
	}
	if rec.FltSamples != 0 || rec.FltChecks != 0 {
		t.Fatal("recovery must clear both counters")
	}
	if set.Faulty.Has(ch) {
		t.Fatal("recovery must clear the faulty bit")
	}
}

func TestClearReleasesSpoiledChannel(t *testing.T) {
	set := &channels.Set{}
	const ch = 7
	set.Spoiled = set.Spoiled.Set(ch)
	set.Faulty = set.Faulty.Set(ch)
	set.Suspended = set.Suspended.Set(ch)

	Clear(set, ch)

	if set.Spoiled.Has(ch) || set.Faulty.Has(ch) || set.Suspended.Has(ch) {
		t.Fatal("Clear must release spoiled, faulty and suspended bits")
	}
}
