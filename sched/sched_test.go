package sched

import (
	"context"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/slackhq/dmabench/clock"
	"github.com/slackhq/dmabench/dmaerr"
	"github.com/slackhq/dmabench/engine"
	"github.com/slackhq/dmabench/engine/lpd"
	"github.com/slackhq/dmabench/engine/mcdma"
	"github.com/slackhq/dmabench/memregion"
	"github.com/slackhq/dmabench/poller"
	"github.com/slackhq/dmabench/sim"
	"github.com/slackhq/dmabench/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newSoC(t *testing.T) (*sim.SoC, *clock.Fake) {
	t.Helper()
	tbl, err := memregion.NewTable(test.NewLogger(), memregion.DefaultRegions(), false)
	require.NoError(t, err)

	opts := sim.DefaultOptions()
	opts.Timing.Setup = 50 * time.Microsecond
	clk := clock.NewFake(time.Time{})
	return sim.New(clk, tbl, opts), clk
}

func newMCDMA(t *testing.T, soc *sim.SoC, clk *clock.Fake, channels int) *mcdma.Engine {
	t.Helper()
	d := soc.Deps(test.NewLogger(), engine.MCDMA, poller.New(clk, poller.DefaultInterval))
	e, err := mcdma.New(context.Background(), d, mcdma.Options{Channels: channels, RingSize: 8})
	require.NoError(t, err)
	return e
}

func requests(channels int, size uint32) []engine.Request {
	reqs := make([]engine.Request, channels)
	for ch := range reqs {
		reqs[ch] = engine.Request{
			Src:     0x1000_0000 + uint64(ch)*uint64(size),
			Dst:     0x1800_0000 + uint64(ch)*uint64(size),
			Length:  size,
			Channel: ch,
		}
	}
	return reqs
}

func TestConfigure(t *testing.T) {
	soc, clk := newSoC(t)
	e := newMCDMA(t, soc, clk, 8)
	s := New(test.NewLogger(), e)

	require.NoError(t, s.Configure(StrictPriority, 3))
	assert.Equal(t, []int{0, 1, 2}, s.Active())
	assert.Equal(t, uint32(0b111), soc.Regs(engine.MCDMA).Peek(mcdma.MM2SBlock+mcdma.RegCHEN))
	assert.Equal(t, StrictPriority, e.Policy())

	require.NoError(t, s.Configure(RoundRobin, 1))
	assert.Equal(t, uint32(0b1), soc.Regs(engine.MCDMA).Peek(mcdma.MM2SBlock+mcdma.RegCHEN))

	assert.ErrorIs(t, s.Configure(RoundRobin, 9), dmaerr.ErrInvalidParam)
	assert.ErrorIs(t, s.Configure(RoundRobin, 0), dmaerr.ErrInvalidParam)
}

func TestFireAll_FasterThanSequential(t *testing.T) {
	const size = 64 << 10

	elapsed := func(run func(s *Scheduler, reqs []engine.Request) error) time.Duration {
		soc, clk := newSoC(t)
		s := New(test.NewLogger(), newMCDMA(t, soc, clk, 4))
		require.NoError(t, s.Configure(RoundRobin, 4))

		start := clk.Now()
		require.NoError(t, run(s, requests(4, size)))
		return clk.Now().Sub(start)
	}

	ctx := context.Background()
	fired := elapsed(func(s *Scheduler, reqs []engine.Request) error {
		return s.RunOnce(ctx, reqs, time.Second)
	})
	sequential := elapsed(func(s *Scheduler, reqs []engine.Request) error {
		return s.Sequential(ctx, reqs, time.Second)
	})

	assert.Less(t, fired, sequential)
	assert.Greater(t, fired, time.Duration(0))
}

func TestFireAll_BusyChannel(t *testing.T) {
	soc, clk := newSoC(t)
	s := New(test.NewLogger(), newMCDMA(t, soc, clk, 2))
	require.NoError(t, s.Configure(RoundRobin, 2))
	ctx := context.Background()

	reqs := requests(2, 4096)
	require.NoError(t, s.FireAll(ctx, reqs[:1]))
	err := s.FireAll(ctx, reqs)
	assert.ErrorIs(t, err, dmaerr.ErrBusy)
	assert.ErrorContains(t, err, "channel 0")
	assert.Equal(t, []int{0, 1}, s.Outstanding())

	require.NoError(t, s.WaitAll(ctx, time.Second))
	assert.Empty(t, s.Outstanding())
}

func TestWaitAll_JoinsErrors(t *testing.T) {
	soc, clk := newSoC(t)
	s := New(test.NewLogger(), newMCDMA(t, soc, clk, 3))
	require.NoError(t, s.Configure(RoundRobin, 3))
	ctx := context.Background()

	soc.Inject(engine.MCDMA, 0, sim.FaultStall)
	soc.Inject(engine.MCDMA, 2, sim.FaultDecode)

	err := s.RunOnce(ctx, requests(3, 1024), time.Millisecond)
	assert.ErrorIs(t, err, dmaerr.ErrTimeout)
	assert.ErrorIs(t, err, dmaerr.ErrDMAFail)
	assert.ErrorContains(t, err, "channel 0")
	assert.ErrorContains(t, err, "channel 2")
	assert.NotContains(t, err.Error(), "channel 1:")
}

func TestSequential_Cancelled(t *testing.T) {
	soc, clk := newSoC(t)
	s := New(test.NewLogger(), newMCDMA(t, soc, clk, 2))
	require.NoError(t, s.Configure(RoundRobin, 2))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, s.Sequential(ctx, requests(2, 64), time.Second), context.Canceled)
}

func TestLPDChannels(t *testing.T) {
	soc, clk := newSoC(t)
	l, hook := test.NewCapturingLogger()
	e, err := lpd.New(context.Background(), soc.Deps(l, engine.LPD, poller.New(clk, poller.DefaultInterval)), lpd.Options{Channels: 4})
	require.NoError(t, err)

	a := NewLPDChannels(l, e)
	s := New(l, a)
	hook.Reset()

	require.NoError(t, s.Configure(StrictPriority, 2))
	require.NoError(t, s.Configure(RoundRobin, 2))

	ignored := 0
	for _, en := range hook.AllEntries() {
		if en.Level == logrus.DebugLevel && en.Message == "LPD channels have no arbiter, ignoring the scheduler policy" {
			ignored++
		}
	}
	assert.Equal(t, 1, ignored)

	ctx := context.Background()
	reqs := requests(3, 2048)
	require.NoError(t, s.RunOnce(ctx, reqs[:2], time.Second))
	assert.ErrorIs(t, s.FireAll(ctx, reqs[2:]), dmaerr.ErrNotInit)
}
