package engine

import (
	"context"
	"testing"
	"time"

	"github.com/slackhq/dmabench/clock"
	"github.com/slackhq/dmabench/dmaerr"
	"github.com/slackhq/dmabench/poller"
	"github.com/slackhq/dmabench/regs"
	"github.com/slackhq/dmabench/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidate(t *testing.T) {
	caps := Capabilities{MaxTransfer: 0x3FFFFFF, Channels: 2}

	tests := []struct {
		name string
		req  Request
		err  error
	}{
		{name: "ok", req: Request{Length: 64}},
		{name: "max length", req: Request{Length: 0x3FFFFFF, Channel: 1}},
		{name: "zero length", req: Request{}, err: dmaerr.ErrInvalidParam},
		{name: "too long", req: Request{Length: 0x4000000}, err: dmaerr.ErrInvalidParam},
		{name: "negative channel", req: Request{Length: 64, Channel: -1}, err: dmaerr.ErrInvalidParam},
		{name: "channel out of range", req: Request{Length: 64, Channel: 2}, err: dmaerr.ErrInvalidParam},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := Validate(caps, tt.req)
			if tt.err == nil {
				assert.NoError(t, err)
				return
			}
			assert.ErrorIs(t, err, tt.err)
		})
	}
}

func TestParseKind(t *testing.T) {
	for _, k := range Kinds {
		got, err := ParseKind(k.String())
		require.NoError(t, err)
		assert.Equal(t, k, got)
	}

	k, err := ParseKind("MCDMA")
	require.NoError(t, err)
	assert.Equal(t, MCDMA, k)

	_, err = ParseKind("qdma")
	assert.ErrorIs(t, err, dmaerr.ErrInvalidParam)
}

func TestParseMode(t *testing.T) {
	m, err := ParseMode("SG")
	require.NoError(t, err)
	assert.Equal(t, ModeSG, m)
	assert.Equal(t, "sg", m.String())

	m, err = ParseMode("simple")
	require.NoError(t, err)
	assert.Equal(t, ModeSimple, m)

	_, err = ParseMode("cyclic")
	assert.ErrorIs(t, err, dmaerr.ErrInvalidParam)
}

func TestChannel_Counters(t *testing.T) {
	c := NewChannel(CDMA, 7, MemToMem)
	c.Begin(4096)
	assert.True(t, c.Busy())
	assert.Equal(t, uint32(4096), c.Pending())

	// first phase completion is not a finished transfer
	c.FirstPhase().RecordComplete()
	assert.True(t, c.Busy())
	assert.Zero(t, c.Stats().Transfers)

	c.RecordComplete()
	assert.False(t, c.Busy())
	assert.Equal(t, ChannelStats{Bytes: 4096, Transfers: 1}, c.Stats())

	c.Begin(64)
	c.FirstPhase().RecordError(0x40)
	assert.False(t, c.Busy())
	assert.Equal(t, uint32(0x40), c.LastError())
	assert.Equal(t, ChannelStats{Bytes: 4096, Transfers: 1, Errors: 1}, c.Stats())

	c.Begin(64)
	c.ResetState()
	assert.False(t, c.Busy())
	assert.Zero(t, c.LastError())
	assert.Equal(t, uint64(1), c.Stats().Errors, "reset keeps counters")

	c.ClearStats()
	assert.Equal(t, ChannelStats{}, c.Stats())
}

func TestChannel_TimeoutClearsBusy(t *testing.T) {
	m := regs.NewMap()
	m.W1C(0x04)
	st := StatusRegister{R: m, Off: 0x04, Idle: 0x2, Err: 0x770, Done: 0x1000}
	p := poller.New(clock.NewFake(time.Time{}), 10*time.Microsecond)

	tests := []struct {
		name string
		rec  func(c *Channel) poller.Recorder
	}{
		{name: "single phase", rec: func(c *Channel) poller.Recorder { return c }},
		{name: "first phase", rec: func(c *Channel) poller.Recorder { return c.FirstPhase() }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := NewChannel(AXIDMA, 0, Loopback)
			c.Begin(64)
			before := c.Stats()

			err := p.Wait(context.Background(), st, tt.rec(c), 50*time.Microsecond)
			assert.ErrorIs(t, err, dmaerr.ErrTimeout)
			assert.False(t, c.Busy())
			assert.Equal(t, before, c.Stats(), "a timeout counts neither a transfer nor an error")
			assert.Equal(t, uint32(64), c.Pending())
		})
	}
}

func TestStatusRegister(t *testing.T) {
	m := regs.NewMap()
	m.W1C(0x34)
	m.Poke(0x34, 0x1042)

	s := StatusRegister{R: regs.Window(m, 0x30), Off: 0x04, Idle: 0x2, Err: 0x770, Done: 0x1000}
	got := s.Sample()
	assert.Equal(t, uint32(0x1042), got.Status)
	assert.Equal(t, uint32(0x40), got.ErrBits)
	assert.Equal(t, uint32(0x1000), got.DoneBits)
	assert.True(t, got.Idle)

	s.Acknowledge(got.ErrBits)
	assert.Equal(t, uint32(0x1002), m.Peek(0x34))
}

func TestResetWait(t *testing.T) {
	t.Run("self clearing", func(t *testing.T) {
		m := regs.NewMap()
		polls := 0
		m.OnRead(0x00, func(v uint32) uint32 {
			polls++
			if polls >= 3 {
				return v &^ 0x4
			}
			return v
		})

		fc := clock.NewFake(time.Time{})
		start := fc.Now()
		require.NoError(t, ResetWait(context.Background(), m, 0x00, 0x4, fc))
		assert.Equal(t, 2*ResetInterval, clock.Since(fc, start))
	})

	t.Run("stuck", func(t *testing.T) {
		m := regs.NewMap()
		fc := clock.NewFake(time.Time{})
		start := fc.Now()
		err := ResetWait(context.Background(), m, 0x00, 0x4, fc)
		assert.ErrorIs(t, err, dmaerr.ErrTimeout)
		assert.Equal(t, ResetTries*ResetInterval, clock.Since(fc, start))
	})

	t.Run("cancelled", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		err := ResetWait(ctx, regs.NewMap(), 0x00, 0x4, clock.NewFake(time.Time{}))
		assert.ErrorIs(t, err, context.Canceled)
	})
}

func TestDeps_Check(t *testing.T) {
	err := Deps{L: test.NewLogger()}.Check(true)
	assert.ErrorIs(t, err, dmaerr.ErrInvalidParam)
	assert.ErrorContains(t, err, "registers, memory, cache sync, region table, clock, poller")
}

func TestLogFailure(t *testing.T) {
	l, hook := test.NewCapturingLogger()

	LogFailure(l.WithField("engine", "cdma"), "start", 0, 64, dmaerr.ErrBusy)
	require.Len(t, hook.AllEntries(), 1)
	e := hook.LastEntry()
	assert.Equal(t, "Transfer failed", e.Message)
	assert.Equal(t, "BUSY", e.Data["code"])
	assert.Equal(t, "cdma", e.Data["engine"])
	assert.Equal(t, uint32(64), e.Data["size"])

	LogFailure(l, "poll", 0, 64, context.Canceled)
	assert.Equal(t, "Transfer abandoned", hook.LastEntry().Message)
}
