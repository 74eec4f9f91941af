package channels

import "testing"

func TestMaskRoundTrip(t *testing.T) {
	var m Mask
	m = m.Set(0).Set(2).Set(4)
	if !m.Has(0) || !m.Has(2) || !m.Has(4) {
		t.Fatalf("expected bits 0,2,4 set, got %016b", m)
	}
	if m.Has(1) || m.Has(3) {
		t.Fatalf("unexpected bits set: %016b", m)
	}
	if m.PopCount() != 3 {
		t.Fatalf("popcount = %d, want 3", m.PopCount())
	}
	m = m.Clear(2)
	if m.Has(2) {
		t.Fatal("clear did not remove bit 2")
	}
}

func TestAllMask(t *testing.T) {
	if AllMask.PopCount() != Count {
		t.Fatalf("AllMask popcount = %d, want %d", AllMask.PopCount(), Count)
	}
}

func TestCriticalSpoiled(t *testing.T) {
	s := &Set{}
	s.Spoiled = s.Spoiled.Set(3)
	if s.CriticalSpoiled() {
		t.Fatal("spoiled-but-not-critical should not trip the relay")
	}
	s.Critical = s.Critical.Set(3)
	if !s.CriticalSpoiled() {
		t.Fatal("critical+spoiled should trip the relay")
	}
}

func TestMarkUncalibrated(t *testing.T) {
	r := &Record{PMax: 100, FltSamples: 2, FltChecks: 1}
	r.MarkUncalibrated(64)
	if r.PMax != 0 || r.CalSamplesRemaining != 64 || r.FltSamples != 0 || r.FltChecks != 0 {
		t.Fatalf("unexpected record after MarkUncalibrated: %+v", r)
	}
}
