// Package scheduler implements the cooperative soft-timer list of
// spec.md §4.7: a list of timers, each with a period and a task callback,
// polled once per main-loop iteration. A timer whose deadline has passed
// fires and is rearmed; timers that fire during one Poll do not fire again
// in that same Poll, even if their new deadline has already passed (a slow
// task does not let a fast timer double-fire).
package scheduler

import "time"

// Task is a callback bound to a timer. now is the time Poll observed,
// passed through rather than read again so a task's own timing decisions
// (e.g. "was it due a whole period ago or barely") are reproducible.
type Task func(now time.Time)

// Timer is one entry in the scheduler's list.
type Timer struct {
	period time.Duration
	task   Task
	due    time.Time
	armed  bool
}

// Scheduler holds the registered timers and the clock it reads from, a
// seam so tests can drive Poll without real time passing.
type Scheduler struct {
	Now    func() time.Time
	timers []*Timer
}

// New creates a Scheduler using now as its clock (time.Now in production,
// a fake in tests).
func New(now func() time.Time) *Scheduler {
	return &Scheduler{Now: now}
}

// Register adds a timer with the given period and task, armed so it first
// fires one period from now.
func (s *Scheduler) Register(period time.Duration, task Task) *Timer {
	t := &Timer{period: period, task: task, due: s.Now().Add(period), armed: true}
	s.timers = append(s.timers, t)
	return t
}

// Arm schedules t to fire one period from now; Disarm (below) leaves a
// timer registered but inert, used for the button task's "only armed
// while the button is depressed" behavior (spec.md §4.7).
func (t *Timer) Arm(now time.Time) {
	t.due = now.Add(t.period)
	t.armed = true
}

// Disarm stops t from firing until it is next armed.
func (t *Timer) Disarm() {
	t.armed = false
}

// Armed reports whether t is currently armed.
func (t *Timer) Armed() bool {
	return t.armed
}

// Poll walks the timer list in registration order and fires any timer
// whose deadline has passed, rearming it before invoking its task so a
// task that re-registers itself (or disarms a sibling) behaves
// predictably. A timer armed by another timer's task during this Poll
// will not also fire in this same Poll (spec.md §4.7's ordering rule).
func (s *Scheduler) Poll() {
	now := s.Now()
	due := make([]*Timer, 0, len(s.timers))
	for _, t := range s.timers {
		if t.armed && !now.Before(t.due) {
			due = append(due, t)
		}
	}
	for _, t := range due {
		t.due = now.Add(t.period)
		t.task(now)
	}
}
