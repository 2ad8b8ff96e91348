package device

import (
	"sync"
	"time"
)

// Clock abstracts time operations so identity aging and interactive
// deadlines can be tested without real delays.
type Clock interface {
	// Now returns the current time
	Now() time.Time

	// NewTimer creates a timer that fires once after d
	NewTimer(d time.Duration) Timer

	// After returns a channel that receives a value after d
	After(d time.Duration) <-chan time.Time
}

// Timer is an interface over time.Timer to enable testing
type Timer interface {
	C() <-chan time.Time
	Stop() bool
}

// RealClock implements Clock using actual time operations
type RealClock struct{}

// NewRealClock creates a new RealClock
func NewRealClock() Clock {
	return &RealClock{}
}

func (rc *RealClock) Now() time.Time {
	return time.Now()
}

func (rc *RealClock) NewTimer(d time.Duration) Timer {
	return &realTimer{timer: time.NewTimer(d)}
}

func (rc *RealClock) After(d time.Duration) <-chan time.Time {
	return time.After(d)
}

type realTimer struct {
	timer *time.Timer
}

func (rt *realTimer) C() <-chan time.Time {
	return rt.timer.C
}

func (rt *realTimer) Stop() bool {
	return rt.timer.Stop()
}

// FakeClock implements Clock for testing with controllable time.
type FakeClock struct {
	mu     sync.RWMutex
	now    time.Time
	timers []*fakeTimer
}

// NewFakeClock creates a FakeClock starting at the given time.
func NewFakeClock(startTime time.Time) *FakeClock {
	return &FakeClock{now: startTime}
}

func (fc *FakeClock) Now() time.Time {
	fc.mu.RLock()
	defer fc.mu.RUnlock()
	return fc.now
}

func (fc *FakeClock) NewTimer(d time.Duration) Timer {
	fc.mu.Lock()
	defer fc.mu.Unlock()
	ft := &fakeTimer{deadline: fc.now.Add(d), c: make(chan time.Time, 1)}
	fc.timers = append(fc.timers, ft)
	return ft
}

func (fc *FakeClock) After(d time.Duration) <-chan time.Time {
	return fc.NewTimer(d).C()
}

// Advance moves the fake clock forward and fires any timers whose deadline
// has been reached.
func (fc *FakeClock) Advance(d time.Duration) {
	fc.mu.Lock()
	defer fc.mu.Unlock()
	fc.now = fc.now.Add(d)
	for _, ft := range fc.timers {
		if !ft.stopped && !fc.now.Before(ft.deadline) {
			select {
			case ft.c <- fc.now:
				ft.stopped = true // timers only fire once
			default:
			}
		}
	}
}

type fakeTimer struct {
	deadline time.Time
	c        chan time.Time
	stopped  bool
}

func (ft *fakeTimer) C() <-chan time.Time {
	return ft.c
}

func (ft *fakeTimer) Stop() bool {
	if ft.stopped {
		return false
	}
	ft.stopped = true
	return true
}
