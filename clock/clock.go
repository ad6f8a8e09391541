// Package clock abstracts wall-clock time so that completion polling and the
// benchmark timers can be driven deterministically in tests.
package clock

import (
	"sync"
	"time"
)

// Clock is the time source used by the poller and the harness.
type Clock interface {
	Now() time.Time
	// Sleep blocks for d, or in the case of a fake clock moves time forward by d.
	Sleep(d time.Duration)
}

// Since returns the time elapsed on c since t.
func Since(c Clock, t time.Time) time.Duration {
	return c.Now().Sub(t)
}

type realClock struct{}

// Real returns the system clock.
func Real() Clock {
	return realClock{}
}

func (realClock) Now() time.Time { return time.Now() }

func (realClock) Sleep(d time.Duration) {
	if d <= 0 {
		return
	}
	time.Sleep(d)
}

// Fake is a manually advanced clock. Sleep advances the clock instead of
// blocking which makes a poll loop run at full speed while still observing the
// configured timeout in simulated time.
type Fake struct {
	m   sync.Mutex
	now time.Time
}

// NewFake returns a Fake starting at start. A zero start is replaced with a
// fixed, non zero instant.
func NewFake(start time.Time) *Fake {
	if start.IsZero() {
		start = time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC)
	}
	return &Fake{now: start}
}

func (f *Fake) Now() time.Time {
	f.m.Lock()
	defer f.m.Unlock()
	return f.now
}

func (f *Fake) Sleep(d time.Duration) {
	f.Advance(d)
}

// Advance moves the clock forward by d. Negative values are ignored.
func (f *Fake) Advance(d time.Duration) {
	if d <= 0 {
		return
	}
	f.m.Lock()
	f.now = f.now.Add(d)
	f.m.Unlock()
}
