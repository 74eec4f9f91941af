package scheduler

import (
	"testing"
	"time"
)

func TestTimerFiresOncePeriodElapses(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }
	s := New(clock)

	fired := 0
	s.Register(time.Second, func(time.Time) { fired++ })

	s.Poll()
	if fired != 0 {
		t.Fatalf("fired = %d before period elapses, want 0", fired)
	}

	now = now.Add(time.Second)
	s.Poll()
	if fired != 1 {
		t.Fatalf("fired = %d, want 1", fired)
	}
}

func TestTimerRearmsAfterFiring(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }
	s := New(clock)

	fired := 0
	s.Register(time.Second, func(time.Time) { fired++ })

	now = now.Add(3 * time.Second)
	s.Poll()
	if fired != 1 {
		t.Fatalf("fired = %d on first overdue poll, want 1 (no catch-up burst)", fired)
	}

	now = now.Add(time.Second)
	s.Poll()
	if fired != 2 {
		t.Fatalf("fired = %d after rearm, want 2", fired)
	}
}

func TestTimerArmedDuringPollDoesNotFireSamePoll(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }
	s := New(clock)

	var button *Timer
	buttonFired := 0
	button = s.Register(3*time.Second, func(time.Time) { buttonFired++ })
	button.Disarm()

	triggered := 0
	s.Register(time.Second, func(now time.Time) {
		triggered++
		button.Arm(now)
	})

	now = now.Add(time.Second)
	s.Poll()
	if triggered != 1 {
		t.Fatalf("triggered = %d, want 1", triggered)
	}
	if buttonFired != 0 {
		t.Fatal("button must not fire in the same Poll it was armed")
	}

	now = now.Add(3 * time.Second)
	s.Poll()
	if buttonFired != 1 {
		t.Fatalf("buttonFired = %d after its period elapsed, want 1", buttonFired)
	}
}

func TestDisarmedTimerNeverFires(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }
	s := New(clock)

	fired := 0
	timer := s.Register(time.Second, func(time.Time) { fired++ })
	timer.Disarm()

	now = now.Add(10 * time.Second)
	s.Poll()
	if fired != 0 {
		t.Fatalf("fired = %d, want 0 for a disarmed timer", fired)
	}
}
