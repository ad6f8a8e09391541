package lpd_test

import (
	"context"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/slackhq/dmabench/clock"
	"github.com/slackhq/dmabench/dmaerr"
	"github.com/slackhq/dmabench/engine"
	"github.com/slackhq/dmabench/engine/lpd"
	"github.com/slackhq/dmabench/memregion"
	"github.com/slackhq/dmabench/poller"
	"github.com/slackhq/dmabench/sim"
	"github.com/slackhq/dmabench/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newSoC(t *testing.T) (*sim.SoC, *clock.Fake, *logrus.Logger) {
	t.Helper()
	l := test.NewLogger()
	tbl, err := memregion.NewTable(l, memregion.DefaultRegions(), false)
	require.NoError(t, err)
	clk := clock.NewFake(time.Time{})
	return sim.New(clk, tbl, sim.DefaultOptions()), clk, l
}

func newEngine(t *testing.T, channels int) (*lpd.Engine, *sim.SoC) {
	t.Helper()
	soc, clk, l := newSoC(t)
	e, err := lpd.New(context.Background(), soc.Deps(l, engine.LPD, poller.New(clk, poller.DefaultInterval)), lpd.Options{Channels: channels})
	require.NoError(t, err)
	return e, soc
}

func TestNew(t *testing.T) {
	e, soc := newEngine(t, 8)
	assert.Equal(t, 8, e.Channels())

	r := soc.Regs(engine.LPD)
	for ch := 0; ch < 8; ch++ {
		base := uint32(ch) * lpd.ChannelStride
		assert.Equal(t, uint32(lpd.AXIAttrs), r.Peek(base+lpd.RegDataAttr))
		assert.Equal(t, uint32(lpd.AXIAttrs), r.Peek(base+lpd.RegDscrAttr))
		assert.Equal(t, uint32(lpd.IXRAll), r.Peek(base+lpd.RegIDS))
	}

	_, err := lpd.New(context.Background(), soc.Deps(test.NewLogger(), engine.LPD, poller.New(soc.Clock, 0)), lpd.Options{Channels: 9})
	assert.ErrorIs(t, err, dmaerr.ErrInvalidParam)
}

func TestNew_ChannelStuckInReset(t *testing.T) {
	soc, clk, _ := newSoC(t)
	l, hook := test.NewCapturingLogger()

	soc.Regs(engine.LPD).Poke(3*lpd.ChannelStride+lpd.RegStatus, lpd.StateBusy)
	e, err := lpd.New(context.Background(), soc.Deps(l, engine.LPD, poller.New(clk, poller.DefaultInterval)), lpd.Options{Channels: 4})
	require.NoError(t, err)

	var warned bool
	for _, en := range hook.AllEntries() {
		if en.Level == logrus.WarnLevel && en.Data["channel"] == 3 {
			warned = true
		}
	}
	assert.True(t, warned)

	err = e.Start(context.Background(), engine.Request{Src: 0x1000_0000, Dst: 0x1100_0000, Length: 64, Channel: 3})
	assert.ErrorIs(t, err, dmaerr.ErrNotInit)
	assert.NoError(t, e.Start(context.Background(), engine.Request{Src: 0x1000_0000, Dst: 0x1100_0000, Length: 64, Channel: 2}))
}

func TestStart_RegisterOrder(t *testing.T) {
	e, soc := newEngine(t, 2)
	r := soc.Regs(engine.LPD)
	r.Record(true)

	require.NoError(t, e.Start(context.Background(), engine.Request{Src: 0x1000_0000, Dst: 0x1100_0000, Length: 512, Channel: 1}))

	base := uint32(lpd.ChannelStride)
	var got []uint32
	for _, a := range r.Writes() {
		got = append(got, a.Off-base)
	}
	assert.Equal(t, []uint32{
		lpd.RegCtrl2, lpd.RegISR,
		lpd.SrcWord(0), lpd.SrcWord(1), lpd.SrcWord(2), lpd.SrcWord(3),
		lpd.DstWord(0), lpd.DstWord(1), lpd.DstWord(2), lpd.DstWord(3),
		lpd.RegTotalByte, lpd.RegCtrl0, lpd.RegCtrl2,
	}, got)
}

func TestStart_Busy(t *testing.T) {
	e, soc := newEngine(t, 2)
	ctx := context.Background()
	req := engine.Request{Src: 0x1000_0000, Dst: 0x1100_0000, Length: 64}

	soc.Inject(engine.LPD, 0, sim.FaultStall)
	require.NoError(t, e.Start(ctx, req))
	assert.ErrorIs(t, e.Start(ctx, req), dmaerr.ErrBusy)

	// the other channel is independent
	req.Channel = 1
	assert.NoError(t, e.Start(ctx, req))
	assert.NoError(t, e.PollComplete(ctx, 1, time.Second))
}

func TestSetMode(t *testing.T) {
	e, _ := newEngine(t, 1)
	assert.ErrorIs(t, e.SetMode(engine.ModeSG), dmaerr.ErrNotSupported)
	assert.NoError(t, e.SetMode(engine.ModeSimple))
	assert.False(t, e.Capabilities().ScatterGather)
}

func TestTransfer(t *testing.T) {
	e, soc := newEngine(t, 1)
	ctx := context.Background()

	payload := []byte("the quick brown fox jumps over the lazy dog")
	require.NoError(t, soc.Cache.WriteAt(payload, 0x1000_0000))
	require.NoError(t, e.Start(ctx, engine.Request{Src: 0x1000_0000, Dst: 0x1100_0000, Length: uint32(len(payload))}))
	require.NoError(t, e.PollComplete(ctx, 0, time.Second))

	soc.Sync.CompleteDestination(0x1100_0000, len(payload))
	got := make([]byte, len(payload))
	require.NoError(t, soc.Cache.ReadAt(got, 0x1100_0000))
	assert.Equal(t, payload, got)
}

func TestStartWriteOnly(t *testing.T) {
	e, soc := newEngine(t, 1)
	ctx := context.Background()

	require.NoError(t, e.StartWriteOnly(ctx, 0, 0x1100_0000, 12, 0xCAFEF00D))
	require.NoError(t, e.PollComplete(ctx, 0, time.Second))

	soc.Sync.CompleteDestination(0x1100_0000, 12)
	got := make([]byte, 12)
	require.NoError(t, soc.Cache.ReadAt(got, 0x1100_0000))
	assert.Equal(t, []byte{0x0D, 0xF0, 0xFE, 0xCA, 0x0D, 0xF0, 0xFE, 0xCA, 0x0D, 0xF0, 0xFE, 0xCA}, got)
}

func TestPollComplete_ErrorAcknowledged(t *testing.T) {
	e, soc := newEngine(t, 1)
	ctx := context.Background()
	req := engine.Request{Src: 0x1000_0000, Dst: 0x1100_0000, Length: 256}

	soc.Inject(engine.LPD, 0, sim.FaultDecode)
	require.NoError(t, e.Start(ctx, req))
	err := e.PollComplete(ctx, 0, time.Second)
	assert.ErrorIs(t, err, dmaerr.ErrDMAFail)
	assert.ErrorContains(t, err, "lpd channel 0")

	// acknowledging the error returned the channel to done, so it accepts work again without a reset
	r := soc.Regs(engine.LPD)
	assert.Equal(t, uint32(lpd.StateDone), r.Peek(lpd.RegStatus)&lpd.StateMask)
	require.NoError(t, e.Start(ctx, req))
	require.NoError(t, e.PollComplete(ctx, 0, time.Second))

	st := e.Stats(0)
	assert.Equal(t, uint64(1), st.Errors)
	assert.Equal(t, uint64(1), st.Transfers)
}
