package poller

import (
	"context"
	"testing"
	"time"

	"github.com/slackhq/dmabench/clock"
	"github.com/slackhq/dmabench/dmaerr"
	"github.com/slackhq/dmabench/regs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	srIdle   = 0x0002
	srErrs   = 0x0770
	srDecErr = 0x0040
	srIOC    = 0x1000
)

// statusReg decodes an AXI style status register held in a register map.
type statusReg struct {
	m *regs.Map
}

func newStatusReg() statusReg {
	m := regs.NewMap()
	m.W1C(0x04)
	return statusReg{m: m}
}

func (s statusReg) Sample() Sample {
	v := s.m.Read32(0x04)
	return Sample{Status: v, ErrBits: v & srErrs, DoneBits: v & srIOC, Idle: v&srIdle != 0}
}

func (s statusReg) Acknowledge(bits uint32) {
	s.m.Write32(0x04, bits)
}

type counts struct {
	complete int
	errors   int
	timeouts int
	status   uint32
}

func (c *counts) RecordComplete() { c.complete++ }
func (c *counts) RecordTimeout()  { c.timeouts++ }
func (c *counts) RecordError(status uint32) {
	c.errors++
	c.status = status
}

func TestWait_Transitions(t *testing.T) {
	tests := []struct {
		name      string
		status    uint32
		want      State
		wantAfter uint32
		complete  int
		errors    int
	}{
		{name: "idle", status: srIdle, want: Complete, wantAfter: srIdle, complete: 1},
		{name: "ioc", status: srIOC, want: Complete, wantAfter: 0, complete: 1},
		{name: "error beats idle", status: srIdle | srDecErr | srIOC, want: Error, wantAfter: srIdle | srIOC, errors: 1},
		{name: "busy", status: 0, want: Polling},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sr := newStatusReg()
			sr.m.Poke(0x04, tt.status)
			c := &counts{}
			p := New(clock.NewFake(time.Time{}), time.Microsecond)

			w := p.Begin(sr, c, time.Second)
			assert.Equal(t, tt.want, w.Step())
			assert.Equal(t, 1, w.Ticks())
			assert.Equal(t, tt.complete, c.complete)
			assert.Equal(t, tt.errors, c.errors)
			if tt.want != Polling {
				assert.Equal(t, tt.wantAfter, sr.m.Peek(0x04))
				// terminal states do not read the status again
				assert.Equal(t, tt.want, w.Step())
				assert.Equal(t, 1, w.Ticks())
			}
		})
	}
}

func TestWait_CompletesLater(t *testing.T) {
	sr := newStatusReg()
	fc := clock.NewFake(time.Time{})
	p := New(fc, 10*time.Microsecond)

	reads := 0
	sr.m.OnRead(0x04, func(v uint32) uint32 {
		reads++
		if reads == 5 {
			return v | srIOC
		}
		return v
	})

	c := &counts{}
	w := p.Begin(sr, c, time.Second)
	require.NoError(t, w.Run(context.Background()))
	assert.Equal(t, 5, w.Ticks())
	assert.Equal(t, 40*time.Microsecond, w.Elapsed())
	assert.Equal(t, 1, c.complete)
}

func TestWait_TimeoutMonotonic(t *testing.T) {
	const interval = 10 * time.Microsecond

	run := func(timeout time.Duration) (time.Duration, error) {
		fc := clock.NewFake(time.Time{})
		p := New(fc, interval)
		start := fc.Now()
		err := p.Wait(context.Background(), newStatusReg(), nil, timeout)
		return clock.Since(fc, start), err
	}

	var prev time.Duration
	for _, timeout := range []time.Duration{0, 5 * time.Microsecond, 100 * time.Microsecond, 1 * time.Millisecond, 25 * time.Millisecond} {
		elapsed, err := run(timeout)
		assert.ErrorIs(t, err, dmaerr.ErrTimeout)
		assert.GreaterOrEqual(t, elapsed, timeout)
		assert.LessOrEqual(t, elapsed, timeout+interval, "timeout %s returned after %s", timeout, elapsed)
		assert.GreaterOrEqual(t, elapsed, prev, "a longer timeout never returns earlier")
		prev = elapsed
	}
}

func TestWait_ErrorClearedOnce(t *testing.T) {
	sr := newStatusReg()
	sr.m.Poke(0x04, srDecErr)
	p := New(clock.NewFake(time.Time{}), time.Microsecond)
	c := &counts{}

	err := p.Wait(context.Background(), sr, c, time.Millisecond)
	assert.ErrorIs(t, err, dmaerr.ErrDMAFail)
	assert.ErrorContains(t, err, "0x00000040")
	assert.Equal(t, 1, c.errors)
	assert.Equal(t, uint32(srDecErr), c.status)
	assert.Zero(t, sr.m.Peek(0x04)&srErrs, "error bits are cleared on detection")

	// second call sees no error, the channel never finishes so it times out instead
	err = p.Wait(context.Background(), sr, c, time.Millisecond)
	assert.ErrorIs(t, err, dmaerr.ErrTimeout)
	assert.Equal(t, 1, c.errors, "the error is reported once")
	assert.Equal(t, 1, c.timeouts)
}

func TestWait_TimeoutRecorded(t *testing.T) {
	p := New(clock.NewFake(time.Time{}), 10*time.Microsecond)
	c := &counts{}

	w := p.Begin(newStatusReg(), c, 50*time.Microsecond)
	err := w.Run(context.Background())
	assert.ErrorIs(t, err, dmaerr.ErrTimeout)
	assert.Equal(t, TimedOut, w.State())
	assert.Equal(t, 1, c.timeouts)
	assert.Zero(t, c.complete)
	assert.Zero(t, c.errors)

	// terminal states are sticky and record nothing more
	assert.Equal(t, TimedOut, w.Step())
	assert.Equal(t, 1, c.timeouts)
}

func TestWait_ContextCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	p := New(clock.NewFake(time.Time{}), time.Microsecond)
	err := p.Wait(ctx, newStatusReg(), nil, time.Second)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestNew_Defaults(t *testing.T) {
	p := New(nil, 0)
	assert.Equal(t, DefaultInterval, p.Interval)
	assert.NotNil(t, p.Clock)
	assert.Equal(t, "timed out", TimedOut.String())
	assert.Equal(t, "state(9)", State(9).String())
}
