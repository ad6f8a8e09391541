// Package poller implements the bounded completion polling loop shared by every engine.
//
// A wait is a small state machine. Each tick reads the channel status once and moves from Polling to one of the
// terminal states:
//
//	error bit set            -> Error     (error bits acknowledged, error counted)
//	idle or done bit set     -> Complete  (done bits acknowledged, transfer counted)
//	elapsed >= timeout       -> TimedOut  (nothing reset)
//	otherwise                -> Polling   (sleep one interval)
package poller

import (
	"context"
	"fmt"
	"time"

	"github.com/slackhq/dmabench/clock"
	"github.com/slackhq/dmabench/dmaerr"
)

const (
	DefaultInterval = 10 * time.Microsecond
	DefaultTimeout  = 10 * time.Second
)

type State int

const (
	Polling State = iota
	Complete
	Error
	TimedOut
)

func (s State) String() string {
	switch s {
	case Polling:
		return "polling"
	case Complete:
		return "complete"
	case Error:
		return "error"
	case TimedOut:
		return "timed out"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// Sample is one decoded read of a channel's status.
type Sample struct {
	Status   uint32
	ErrBits  uint32
	DoneBits uint32
	Idle     bool
}

// Target is the status source of one channel direction.
type Target interface {
	Sample() Sample
	// Acknowledge writes bits back to the write-one-to-clear status register.
	Acknowledge(bits uint32)
}

// Recorder receives the counter updates of terminal transitions.
type Recorder interface {
	RecordComplete()
	RecordError(status uint32)
	RecordTimeout()
}

// Poller holds the clock and tick interval used by waits.
type Poller struct {
	Clock    clock.Clock
	Interval time.Duration
}

// New returns a Poller, filling in the real clock and DefaultInterval for zero values.
func New(c clock.Clock, interval time.Duration) *Poller {
	if c == nil {
		c = clock.Real()
	}
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Poller{Clock: c, Interval: interval}
}

// Wait is one in progress completion wait.
type Wait struct {
	p       *Poller
	target  Target
	rec     Recorder
	timeout time.Duration
	start   time.Time
	state   State
	last    Sample
	ticks   int
}

// Begin starts a wait on target. The timeout is measured from this call.
func (p *Poller) Begin(target Target, rec Recorder, timeout time.Duration) *Wait {
	return &Wait{
		p:       p,
		target:  target,
		rec:     rec,
		timeout: timeout,
		start:   p.Clock.Now(),
	}
}

// Step evaluates one tick. Terminal states are sticky.
func (w *Wait) Step() State {
	if w.state != Polling {
		return w.state
	}

	w.ticks++
	s := w.target.Sample()
	w.last = s

	switch {
	case s.ErrBits != 0:
		w.target.Acknowledge(s.ErrBits)
		if w.rec != nil {
			w.rec.RecordError(s.Status)
		}
		w.state = Error

	case s.Idle || s.DoneBits != 0:
		if s.DoneBits != 0 {
			w.target.Acknowledge(s.DoneBits)
		}
		if w.rec != nil {
			w.rec.RecordComplete()
		}
		w.state = Complete

	case clock.Since(w.p.Clock, w.start) >= w.timeout:
		if w.rec != nil {
			w.rec.RecordTimeout()
		}
		w.state = TimedOut
	}

	return w.state
}

// Run steps until a terminal state, sleeping one interval between ticks. ctx is checked every tick.
func (w *Wait) Run(ctx context.Context) error {
	for {
		switch w.Step() {
		case Complete:
			return nil
		case Error:
			return fmt.Errorf("%w: status 0x%08x", dmaerr.ErrDMAFail, w.last.Status)
		case TimedOut:
			return fmt.Errorf("%w: no completion after %s, status 0x%08x", dmaerr.ErrTimeout, w.Elapsed(), w.last.Status)
		}

		if err := ctx.Err(); err != nil {
			return err
		}

		w.p.Clock.Sleep(w.p.Interval)
	}
}

// State returns the current state.
func (w *Wait) State() State { return w.state }

// Last returns the most recent status sample.
func (w *Wait) Last() Sample { return w.last }

// Ticks returns how many times the status was read.
func (w *Wait) Ticks() int { return w.ticks }

// Elapsed returns the time since Begin.
func (w *Wait) Elapsed() time.Duration { return clock.Since(w.p.Clock, w.start) }

// Wait polls target until it completes, fails or timeout elapses.
func (p *Poller) Wait(ctx context.Context, target Target, rec Recorder, timeout time.Duration) error {
	return p.Begin(target, rec, timeout).Run(ctx)
}
