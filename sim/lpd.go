package sim

import (
	"sync"

	"github.com/slackhq/dmabench/clock"
	"github.com/slackhq/dmabench/engine/lpd"
	"github.com/slackhq/dmabench/regs"
)

// lpdModel models the eight channel low power domain DMA. Channels are independent and each runs one transfer at a
// time, started by enabling the channel in CTRL2.
type lpdModel struct {
	r      *regs.Map
	mem    *Memory
	clk    clock.Clock
	t      Timing
	faults *faults

	m    sync.Mutex
	jobs [lpd.NumChannels]*job
}

func newLPD(r *regs.Map, mem *Memory, clk clock.Clock, t Timing, f *faults) *lpdModel {
	l := &lpdModel{r: r, mem: mem, clk: clk, t: t, faults: f}

	for ch := 0; ch < lpd.NumChannels; ch++ {
		base := uint32(ch) * lpd.ChannelStride
		r.Poke(base+lpd.RegStatus, lpd.StateDone)

		// acknowledging the error interrupts takes the channel out of the error state
		r.OnWrite(base+lpd.RegISR, func(old, v uint32) uint32 {
			isr := old &^ v
			if isr&lpd.IXRErrMask == 0 {
				r.Update(base+lpd.RegStatus, func(st uint32) uint32 {
					if st&lpd.StateMask == lpd.StateError {
						return st&^lpd.StateMask | lpd.StateDone
					}
					return st
				})
			}
			return isr
		})
		r.OnRead(base+lpd.RegISR, func(uint32) uint32 {
			l.advance(ch)
			return r.Peek(base + lpd.RegISR)
		})
		r.OnRead(base+lpd.RegStatus, func(uint32) uint32 {
			l.advance(ch)
			return r.Peek(base + lpd.RegStatus)
		})
		r.OnWrite(base+lpd.RegCtrl2, func(old, v uint32) uint32 {
			if old&lpd.Ctrl2Enable == 0 && v&lpd.Ctrl2Enable != 0 {
				l.start(ch)
			}
			return v
		})
	}
	return l
}

func (l *lpdModel) start(ch int) {
	base := uint32(ch) * lpd.ChannelStride
	if l.r.Peek(base+lpd.RegStatus)&lpd.StateMask == lpd.StateBusy {
		return
	}

	word := func(off uint32) uint32 { return l.r.Peek(base + off) }
	addr := func(off uint32) uint64 { return uint64(word(off)) | uint64(word(off+4))<<32 }
	j := &job{
		src:    addr(lpd.SrcWord(0)),
		dst:    addr(lpd.DstWord(0)),
		length: word(lpd.RegTotalByte),
	}
	if j.length == 0 {
		j.length = word(lpd.DstWord(2))
	}
	if word(lpd.RegCtrl0)&lpd.Ctrl0ModeMask == lpd.Ctrl0ModeWOnly {
		j.fill = true
		j.word = word(lpd.RegWrOnly)
	}

	l.m.Lock()
	j.due = l.clk.Now().Add(l.t.Duration(j.length))
	j.fault = l.faults.take(ch)
	l.jobs[ch] = j
	l.m.Unlock()

	l.r.Update(base+lpd.RegStatus, func(st uint32) uint32 { return st&^lpd.StateMask | lpd.StateBusy })
}

func (l *lpdModel) advance(ch int) {
	l.m.Lock()
	j := l.jobs[ch]
	if !j.ready(l.clk) {
		l.m.Unlock()
		return
	}
	l.jobs[ch] = nil
	l.m.Unlock()

	base := uint32(ch) * lpd.ChannelStride
	var isr uint32
	switch {
	case j.fault == FaultDecode:
		isr = lpd.IXRRdData
	case j.fault == FaultSlave:
		isr = lpd.IXRWrData
	case j.fill:
		if err := l.mem.FillWord(j.dst, int(j.length), j.word); err != nil {
			isr = lpd.IXRWrData
		}
	default:
		if !l.mem.Backed(j.src, uint64(j.length)) {
			isr = lpd.IXRRdData
		} else if err := l.mem.Copy(j.dst, j.src, int(j.length)); err != nil {
			isr = lpd.IXRWrData
		}
	}

	state := uint32(lpd.StateDone)
	if isr == 0 {
		isr = lpd.IXRDMADone
	} else {
		state = lpd.StateError
	}
	l.r.Update(base+lpd.RegISR, func(v uint32) uint32 { return v | isr })
	l.r.Update(base+lpd.RegStatus, func(st uint32) uint32 { return st&^lpd.StateMask | state })
}
