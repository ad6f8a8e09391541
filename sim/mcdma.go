package sim

import (
	"slices"
	"sync"
	"time"

	"github.com/slackhq/dmabench/clock"
	"github.com/slackhq/dmabench/descring"
	"github.com/slackhq/dmabench/engine/mcdma"
	"github.com/slackhq/dmabench/regs"
)

// mcJob is an MM2S transfer waiting for the shared datapath.
type mcJob struct {
	job
	ch int
	at time.Time
}

// mcdmaModel models an AXI MCDMA. Channel setup overlaps but every channel streams through one datapath, which the
// scheduler hands out either round robin or to the lowest channel number first.
type mcdmaModel struct {
	r      *regs.Map
	mem    *Memory
	clk    clock.Clock
	t      Timing
	faults *faults

	m     sync.Mutex
	free  time.Time
	last  int
	queue []*mcJob
	rx    [mcdma.MaxChannels][]*job
}

func newMCDMA(r *regs.Map, mem *Memory, clk clock.Clock, t Timing, f *faults) *mcdmaModel {
	mc := &mcdmaModel{r: r, mem: mem, clk: clk, t: t, faults: f, last: mcdma.MaxChannels - 1}

	for _, blk := range []uint32{mcdma.MM2SBlock, mcdma.S2MMBlock} {
		mc.resetBlock(blk)
		r.OnWrite(blk+mcdma.RegCCR, func(_, v uint32) uint32 {
			if v&mcdma.CCRReset != 0 {
				mc.resetBlock(blk)
				return 0
			}
			return v
		})

		for ch := 0; ch < mcdma.MaxChannels; ch++ {
			off := mcdma.ChannelOffset(blk, ch)
			r.W1C(off + mcdma.RegChSR)
			r.OnRead(off+mcdma.RegChSR, func(uint32) uint32 {
				mc.advance()
				return r.Peek(off + mcdma.RegChSR)
			})
			r.OnWrite(off+mcdma.RegChTDesc, func(_, v uint32) uint32 {
				mc.start(blk, ch, v)
				return v
			})
		}
	}
	return mc
}

func (mc *mcdmaModel) resetBlock(blk uint32) {
	mc.r.Poke(blk+mcdma.RegCHEN, 0)
	for ch := 0; ch < mcdma.MaxChannels; ch++ {
		off := mcdma.ChannelOffset(blk, ch)
		mc.r.Poke(off+mcdma.RegChCR, 0)
		mc.r.Poke(off+mcdma.RegChSR, mcdma.ChSRIdle)
		mc.r.Poke(off+mcdma.RegChPktCnt, 0)
	}

	mc.m.Lock()
	defer mc.m.Unlock()
	if blk == mcdma.MM2SBlock {
		mc.queue = nil
	} else {
		mc.rx = [mcdma.MaxChannels][]*job{}
	}
}

func (mc *mcdmaModel) fail(off, bits uint32) {
	mc.r.Update(off+mcdma.RegChSR, func(sr uint32) uint32 { return sr | bits | mcdma.ChSRErrIrq })
}

func (mc *mcdmaModel) done(off uint32) {
	mc.r.Update(off+mcdma.RegChSR, func(sr uint32) uint32 { return sr | mcdma.ChSRIdle | mcdma.ChSRIOC })
	mc.r.Update(off+mcdma.RegChPktCnt, func(v uint32) uint32 { return v + 1 })
}

// start fetches the descriptor of a channel when its tail is written. The channel must be enabled in CHEN and running,
// otherwise the write is ignored as hardware does.
func (mc *mcdmaModel) start(blk uint32, ch int, lo uint32) {
	off := mcdma.ChannelOffset(blk, ch)
	if mc.r.Peek(blk+mcdma.RegCHEN)&(1<<ch) == 0 || mc.r.Peek(off+mcdma.RegChCR)&mcdma.ChCRRunStop == 0 {
		return
	}

	cur := uint64(mc.r.Peek(off+mcdma.RegChCDesc)) | uint64(mc.r.Peek(off+mcdma.RegChCDesc+4))<<32
	if tail := uint64(lo) | uint64(mc.r.Peek(off+mcdma.RegChTDesc+4))<<32; cur != tail {
		mc.fail(off, mcdma.ChSRIntErr)
		return
	}
	d, err := readDesc(mc.mem, cur)
	if err != nil {
		mc.fail(off, mcdma.ChSRDecErr)
		return
	}
	n := d.Control & mcdma.BDLengthMask
	if n == 0 {
		mc.fail(off, mcdma.ChSRIntErr)
		return
	}

	mc.r.Update(off+mcdma.RegChSR, func(sr uint32) uint32 { return sr &^ mcdma.ChSRIdle })

	mc.m.Lock()
	defer mc.m.Unlock()
	if blk == mcdma.S2MMBlock {
		mc.rx[ch] = append(mc.rx[ch], &job{dst: d.Src, length: n, desc: cur})
		return
	}
	mc.queue = append(mc.queue, &mcJob{
		job: job{src: d.Src, length: n, desc: cur, fault: mc.faults.take(ch)},
		ch:  ch,
		at:  mc.clk.Now(),
	})
}

func (mc *mcdmaModel) strict() bool {
	return mc.r.Peek(mcdma.MM2SBlock+mcdma.RegCCR)&mcdma.CCRSchedMask == mcdma.CCRSchedSP
}

// pick chooses the job that gets the datapath next and when it starts streaming. Stalled jobs and jobs whose S2MM
// side has no buffer never get it. Callers hold mc.m.
func (mc *mcdmaModel) pick() (int, time.Time) {
	var ready time.Time
	found := false
	for _, j := range mc.queue {
		if !mc.runnable(j) {
			continue
		}
		r := j.at.Add(mc.t.Setup)
		if r.Before(mc.free) {
			r = mc.free
		}
		if !found || r.Before(ready) {
			ready, found = r, true
		}
	}
	if !found {
		return -1, time.Time{}
	}

	best := -1
	for i, j := range mc.queue {
		if !mc.runnable(j) || j.at.Add(mc.t.Setup).After(ready) {
			continue
		}
		if best < 0 || mc.before(j, mc.queue[best]) {
			best = i
		}
	}
	return best, ready
}

func (mc *mcdmaModel) runnable(j *mcJob) bool {
	if j.fault == FaultStall {
		return false
	}
	return j.fault != FaultNone || len(mc.rx[j.ch]) > 0
}

// before orders two eligible jobs by the scheduling policy. Queue order breaks ties.
func (mc *mcdmaModel) before(a, b *mcJob) bool {
	if a.ch == b.ch {
		return false
	}
	if mc.strict() {
		return a.ch < b.ch
	}
	dist := func(ch int) int { return (ch - mc.last - 1 + mcdma.MaxChannels) % mcdma.MaxChannels }
	return dist(a.ch) < dist(b.ch)
}

// advance runs the datapath up to the current time.
func (mc *mcdmaModel) advance() {
	mc.m.Lock()
	defer mc.m.Unlock()

	now := mc.clk.Now()
	stream := Timing{BytesPerSecond: mc.t.BytesPerSecond}
	for {
		i, start := mc.pick()
		if i < 0 {
			return
		}
		j := mc.queue[i]
		due := start.Add(stream.Duration(j.length))
		if due.After(now) {
			return
		}

		mc.queue = slices.Delete(mc.queue, i, i+1)
		mc.free = due
		mc.last = j.ch
		mc.complete(j)
	}
}

// complete moves the data of j. Callers hold mc.m.
func (mc *mcdmaModel) complete(j *mcJob) {
	tx := mcdma.ChannelOffset(mcdma.MM2SBlock, j.ch)
	rx := mcdma.ChannelOffset(mcdma.S2MMBlock, j.ch)

	if j.fault == FaultDecode || j.fault == FaultSlave || !mc.mem.Backed(j.src, uint64(j.length)) {
		sr, st := faultBits(j.fault)
		retireDesc(mc.mem, j.desc, st)
		mc.fail(tx, sr)
		return
	}

	buf := mc.rx[j.ch][0]
	mc.rx[j.ch] = mc.rx[j.ch][1:]

	n := min(j.length, buf.length)
	if err := mc.mem.Copy(buf.dst, j.src, int(n)); err != nil {
		retireDesc(mc.mem, buf.desc, descring.StatusDecErr)
		mc.fail(rx, mcdma.ChSRDecErr)
	} else {
		retireDesc(mc.mem, buf.desc, descring.StatusComplete|n)
		mc.done(rx)
	}

	retireDesc(mc.mem, j.desc, descring.StatusComplete|j.length)
	mc.done(tx)
}
