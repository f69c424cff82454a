package timectrl

import (
	"sort"
	"sync"
	"time"
)

// Clock is the time source used by the control loop. Components depend on it
// rather than on the time package so tests can drive time explicitly.
type Clock interface {
	// Now returns the current time.
	Now() time.Time
	// After returns a channel that receives the current time once d has
	// elapsed on this clock.
	After(d time.Duration) <-chan time.Time
}

// System is the wall clock.
type System struct{}

func (System) Now() time.Time                         { return time.Now() }
func (System) After(d time.Duration) <-chan time.Time { return time.After(d) }

// TimeController is a manually driven clock. Time only moves when SetTime or
// Advance is called; pending After timers fire when their deadline is reached.
type TimeController struct {
	mu          sync.Mutex
	currentTime time.Time
	timers      []timer
	listeners   []func(time.Time)
}

type timer struct {
	at time.Time
	ch chan time.Time
}

// NewTimeController constructs a controller starting at start.
func NewTimeController(start time.Time) *TimeController {
	return &TimeController{currentTime: start}
}

// Now returns the controller's current time. Implements Clock.
func (tc *TimeController) Now() time.Time {
	tc.mu.Lock()
	defer tc.mu.Unlock()
	return tc.currentTime
}

// After implements Clock. Non-positive durations fire immediately.
func (tc *TimeController) After(d time.Duration) <-chan time.Time {
	tc.mu.Lock()
	defer tc.mu.Unlock()

	ch := make(chan time.Time, 1)
	if d <= 0 {
		ch <- tc.currentTime
		return ch
	}
	tc.timers = append(tc.timers, timer{at: tc.currentTime.Add(d), ch: ch})
	return ch
}

// Pending returns the number of timers that have not fired yet.
func (tc *TimeController) Pending() int {
	tc.mu.Lock()
	defer tc.mu.Unlock()
	return len(tc.timers)
}

// AddListener registers a callback invoked whenever time moves.
func (tc *TimeController) AddListener(fn func(time.Time)) {
	tc.mu.Lock()
	defer tc.mu.Unlock()
	tc.listeners = append(tc.listeners, fn)
}

// Advance moves time forward by d.
func (tc *TimeController) Advance(d time.Duration) {
	tc.SetTime(tc.Now().Add(d))
}

// SetTime moves the clock to now, firing due timers in deadline order.
// Moving backwards is ignored.
func (tc *TimeController) SetTime(now time.Time) {
	tc.mu.Lock()
	if now.Before(tc.currentTime) {
		tc.mu.Unlock()
		return
	}
	tc.currentTime = now

	sort.SliceStable(tc.timers, func(i, j int) bool { return tc.timers[i].at.Before(tc.timers[j].at) })
	var due []timer
	remaining := tc.timers[:0]
	for _, t := range tc.timers {
		if !t.at.After(now) {
			due = append(due, t)
			continue
		}
		remaining = append(remaining, t)
	}
	tc.timers = remaining
	listeners := append([]func(time.Time){}, tc.listeners...)
	tc.mu.Unlock()

	for _, t := range due {
		t.ch <- now
	}
	for _, fn := range listeners {
		fn(now)
	}
}
