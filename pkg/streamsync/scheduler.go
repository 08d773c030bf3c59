package streamsync

import (
	"sort"
	"sync"
	"time"
)

// Scheduler runs fire once the deadline is reached. The returned cancel
// function prevents a fire that has not started yet.
//
// fire must be delivered on the goroutine that owns the Synchronizer. Owners
// that run on an event loop wrap a Scheduler so that fire is posted to the
// loop instead of being run on the timer goroutine.
type Scheduler interface {
	Schedule(deadline time.Time, fire func(now time.Time)) (cancel func())
}

// TimerScheduler schedules on the wall clock with time.AfterFunc. fire runs on
// the timer goroutine.
type TimerScheduler struct{}

func (TimerScheduler) Schedule(deadline time.Time, fire func(now time.Time)) func() {
	t := time.AfterFunc(time.Until(deadline), func() {
		fire(time.Now())
	})
	return func() { t.Stop() }
}

// ManualScheduler is a Scheduler driven by an explicit clock, for tests and
// for replaying recorded timestamps. fire runs on the goroutine calling
// Advance.
type ManualScheduler struct {
	mu     sync.Mutex
	now    time.Time
	timers []*manualTimer
}

type manualTimer struct {
	deadline  time.Time
	fire      func(now time.Time)
	cancelled bool
}

// NewManualScheduler returns a scheduler whose clock starts at start
func NewManualScheduler(start time.Time) *ManualScheduler {
	return &ManualScheduler{now: start}
}

func (m *ManualScheduler) Schedule(deadline time.Time, fire func(now time.Time)) func() {
	m.mu.Lock()
	defer m.mu.Unlock()
	t := &manualTimer{deadline: deadline, fire: fire}
	m.timers = append(m.timers, t)
	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		t.cancelled = true
	}
}

// Now returns the scheduler's clock
func (m *ManualScheduler) Now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now
}

// Advance moves the clock to to (never backwards) and fires every timer that
// is due, earliest deadline first.
func (m *ManualScheduler) Advance(to time.Time) {
	m.mu.Lock()
	if to.After(m.now) {
		m.now = to
	}
	now := m.now
	var due, keep []*manualTimer
	for _, t := range m.timers {
		switch {
		case t.cancelled:
		case !t.deadline.After(now):
			due = append(due, t)
		default:
			keep = append(keep, t)
		}
	}
	m.timers = keep
	m.mu.Unlock()

	sort.SliceStable(due, func(i, j int) bool { return due[i].deadline.Before(due[j].deadline) })
	for _, t := range due {
		m.mu.Lock()
		cancelled := t.cancelled
		m.mu.Unlock()
		if !cancelled {
			t.fire(now)
		}
	}
}

// Scheduled returns the number of timers that are neither fired nor cancelled
func (m *ManualScheduler) Scheduled() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, t := range m.timers {
		if !t.cancelled {
			n++
		}
	}
	return n
}
