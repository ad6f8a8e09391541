package mcdma_test

import (
	"context"
	"testing"
	"time"

	"github.com/slackhq/dmabench/clock"
	"github.com/slackhq/dmabench/dmaerr"
	"github.com/slackhq/dmabench/engine"
	"github.com/slackhq/dmabench/engine/mcdma"
	"github.com/slackhq/dmabench/memregion"
	"github.com/slackhq/dmabench/pattern"
	"github.com/slackhq/dmabench/poller"
	"github.com/slackhq/dmabench/sim"
	"github.com/slackhq/dmabench/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newEngine(t *testing.T, channels int, p engine.Policy) (*mcdma.Engine, *sim.SoC) {
	t.Helper()
	l := test.NewLogger()
	tbl, err := memregion.NewTable(l, memregion.DefaultRegions(), false)
	require.NoError(t, err)

	clk := clock.NewFake(time.Time{})
	soc := sim.New(clk, tbl, sim.DefaultOptions())
	e, err := mcdma.New(context.Background(), soc.Deps(l, engine.MCDMA, poller.New(clk, poller.DefaultInterval)), mcdma.Options{
		Channels: channels,
		RingSize: 4,
		Policy:   p,
	})
	require.NoError(t, err)
	return e, soc
}

func TestNew_Channels(t *testing.T) {
	_, err := mcdma.New(context.Background(), engine.Deps{}, mcdma.Options{Channels: 2})
	assert.ErrorIs(t, err, dmaerr.ErrInvalidParam)

	e, _ := newEngine(t, 16, engine.RoundRobin)
	assert.Equal(t, 16, e.Channels())
	assert.Equal(t, engine.ModeSG, e.Mode())
	assert.ErrorIs(t, e.SetMode(engine.ModeSimple), dmaerr.ErrNotSupported)
}

func TestSetScheduler(t *testing.T) {
	e, soc := newEngine(t, 2, engine.RoundRobin)
	r := soc.Regs(engine.MCDMA)

	assert.Equal(t, uint32(mcdma.CCRSchedRR), r.Peek(mcdma.MM2SBlock+mcdma.RegCCR)&mcdma.CCRSchedMask)

	require.NoError(t, e.SetScheduler(engine.StrictPriority))
	assert.Equal(t, uint32(mcdma.CCRSchedSP), r.Peek(mcdma.MM2SBlock+mcdma.RegCCR)&mcdma.CCRSchedMask)
	assert.Equal(t, engine.StrictPriority, e.Policy())

	// a reset clears the hardware setting, the engine puts it back
	require.NoError(t, e.Reset(context.Background()))
	assert.Equal(t, uint32(mcdma.CCRSchedSP), r.Peek(mcdma.MM2SBlock+mcdma.RegCCR)&mcdma.CCRSchedMask)
}

func TestEnableChannel(t *testing.T) {
	e, soc := newEngine(t, 4, engine.RoundRobin)
	r := soc.Regs(engine.MCDMA)
	ctx := context.Background()

	assert.ErrorIs(t, e.Start(ctx, engine.Request{Src: 0x1000_0000, Dst: 0x1100_0000, Length: 64, Channel: 2}), dmaerr.ErrNotInit)

	require.NoError(t, e.EnableChannel(2))
	require.NoError(t, e.EnableChannel(0))
	assert.Equal(t, uint32(0b101), r.Peek(mcdma.MM2SBlock+mcdma.RegCHEN))
	assert.Equal(t, uint32(0b101), r.Peek(mcdma.S2MMBlock+mcdma.RegCHEN))

	require.NoError(t, e.DisableChannel(0))
	assert.Equal(t, uint32(0b100), r.Peek(mcdma.MM2SBlock+mcdma.RegCHEN))

	assert.ErrorIs(t, e.EnableChannel(4), dmaerr.ErrInvalidParam)
}

func TestStart_RegisterOrder(t *testing.T) {
	e, soc := newEngine(t, 4, engine.RoundRobin)
	r := soc.Regs(engine.MCDMA)
	require.NoError(t, e.EnableChannel(3))
	r.Record(true)

	require.NoError(t, e.Start(context.Background(), engine.Request{Src: 0x1000_0000, Dst: 0x1100_0000, Length: 64, Channel: 3}))

	rx := mcdma.ChannelOffset(mcdma.S2MMBlock, 3)
	tx := mcdma.ChannelOffset(mcdma.MM2SBlock, 3)
	var got []uint32
	for _, a := range r.Writes() {
		got = append(got, a.Off)
	}
	assert.Equal(t, []uint32{
		rx + mcdma.RegChCDesc, rx + mcdma.RegChCDesc + 4, rx + mcdma.RegChCR, rx + mcdma.RegChTDesc + 4, rx + mcdma.RegChTDesc,
		tx + mcdma.RegChCDesc, tx + mcdma.RegChCDesc + 4, tx + mcdma.RegChCR, tx + mcdma.RegChTDesc + 4, tx + mcdma.RegChTDesc,
	}, got)
}

func TestTransfer_Channels(t *testing.T) {
	const n = 8192
	e, soc := newEngine(t, 4, engine.RoundRobin)
	ctx := context.Background()

	buf := make([]byte, n)
	for ch := 0; ch < 4; ch++ {
		require.NoError(t, e.EnableChannel(ch))
		pattern.Fill(buf, pattern.Random, uint32(ch+1))
		require.NoError(t, soc.Cache.WriteAt(buf, 0x1000_0000+uint64(ch)*n))
	}

	for ch := 0; ch < 4; ch++ {
		req := engine.Request{Src: 0x1000_0000 + uint64(ch)*n, Dst: 0x1100_0000 + uint64(ch)*n, Length: n, Channel: ch}
		require.NoError(t, e.Start(ctx, req))
	}
	for ch := 0; ch < 4; ch++ {
		require.NoError(t, e.PollComplete(ctx, ch, time.Second))
	}

	for ch := 0; ch < 4; ch++ {
		dst := 0x1100_0000 + uint64(ch)*n
		soc.Sync.CompleteDestination(dst, n)
		require.NoError(t, soc.Cache.ReadAt(buf, dst))
		m := pattern.Verify(buf, pattern.Random, uint32(ch+1))
		assert.True(t, m.OK, "channel %d: %v", ch, m)
		assert.Equal(t, uint64(1), e.Stats(ch).Transfers)
	}
}

func TestPollComplete_FaultIsolated(t *testing.T) {
	const n = 1024
	e, soc := newEngine(t, 2, engine.RoundRobin)
	ctx := context.Background()
	require.NoError(t, e.EnableChannel(0))
	require.NoError(t, e.EnableChannel(1))

	soc.Inject(engine.MCDMA, 0, sim.FaultStall)
	require.NoError(t, e.Start(ctx, engine.Request{Src: 0x1000_0000, Dst: 0x1100_0000, Length: n, Channel: 0}))
	require.NoError(t, e.Start(ctx, engine.Request{Src: 0x1000_1000, Dst: 0x1100_1000, Length: n, Channel: 1}))

	assert.ErrorIs(t, e.PollComplete(ctx, 0, 200*time.Microsecond), dmaerr.ErrTimeout)
	assert.NoError(t, e.PollComplete(ctx, 1, time.Second), "a stalled channel does not hold up the others")
}

func TestScheduler_Order(t *testing.T) {
	const n = 1 << 20

	tests := []struct {
		policy engine.Policy
		first  int
	}{
		{policy: engine.RoundRobin, first: 1},
		{policy: engine.StrictPriority, first: 0},
	}

	for _, tt := range tests {
		t.Run(tt.policy.String(), func(t *testing.T) {
			e, soc := newEngine(t, 2, tt.policy)
			clk := soc.Clock.(*clock.Fake)
			r := soc.Regs(engine.MCDMA)
			ctx := context.Background()
			require.NoError(t, e.EnableChannel(0))
			require.NoError(t, e.EnableChannel(1))

			req := func(ch int) engine.Request {
				return engine.Request{Src: 0x1000_0000 + uint64(ch)*n, Dst: 0x1100_0000 + uint64(ch)*n, Length: n, Channel: ch}
			}

			// channel 0 was served last
			require.NoError(t, e.Start(ctx, req(0)))
			require.NoError(t, e.PollComplete(ctx, 0, time.Second))

			require.NoError(t, e.Start(ctx, req(0)))
			require.NoError(t, e.Start(ctx, req(1)))

			// long enough for one transfer, not for two
			clk.Advance(1500 * time.Microsecond)
			done := func(ch int) bool {
				return r.Read32(mcdma.ChannelOffset(mcdma.MM2SBlock, ch)+mcdma.RegChSR)&mcdma.ChSRIOC != 0
			}
			assert.True(t, done(tt.first))
			assert.False(t, done(1-tt.first))
		})
	}
}
