package sim

import (
	"sync"

	"github.com/slackhq/dmabench/clock"
	"github.com/slackhq/dmabench/descring"
	"github.com/slackhq/dmabench/engine/axidma"
	"github.com/slackhq/dmabench/regs"
)

// axiDMA models an AXI DMA with its MM2S stream looped back into S2MM. The MM2S job only finishes once S2MM is armed
// to receive it.
type axiDMA struct {
	r      *regs.Map
	mem    *Memory
	clk    clock.Clock
	t      Timing
	sg     bool
	faults *faults

	m  sync.Mutex
	tx *job
	rx *job
}

func newAXIDMA(r *regs.Map, mem *Memory, clk clock.Clock, t Timing, sg bool, f *faults) *axiDMA {
	a := &axiDMA{r: r, mem: mem, clk: clk, t: t, sg: sg, faults: f}

	for _, blk := range []uint32{axidma.TXBlock, axidma.RXBlock} {
		a.resetBlock(blk)
		r.OnWrite(blk+axidma.RegCR, func(_, v uint32) uint32 { return a.writeCR(blk, v) })
		r.W1C(blk + axidma.RegSR)
		r.OnRead(blk+axidma.RegSR, func(uint32) uint32 {
			a.advance()
			return r.Peek(blk + axidma.RegSR)
		})
		r.OnWrite(blk+axidma.RegLength, func(_, v uint32) uint32 {
			a.startSimple(blk, v)
			return v
		})
		r.OnWrite(blk+axidma.RegTDesc, func(_, v uint32) uint32 {
			a.startSG(blk, v)
			return v
		})
	}
	return a
}

func (a *axiDMA) resetBlock(blk uint32) {
	sr := uint32(axidma.SRHalted | axidma.SRIdle)
	if a.sg {
		sr |= axidma.SRSGIncl
	}
	a.r.Poke(blk+axidma.RegSR, sr)

	a.m.Lock()
	if blk == axidma.TXBlock {
		a.tx = nil
	} else {
		a.rx = nil
	}
	a.m.Unlock()
}

// writeCR completes a soft reset at once, so the reset bit always reads back clear.
func (a *axiDMA) writeCR(blk, v uint32) uint32 {
	if v&axidma.CRReset != 0 {
		a.resetBlock(blk)
		return 0
	}
	if v&axidma.CRRunStop != 0 {
		a.r.Update(blk+axidma.RegSR, func(sr uint32) uint32 { return sr &^ axidma.SRHalted })
	} else {
		a.r.Update(blk+axidma.RegSR, func(sr uint32) uint32 { return sr | axidma.SRHalted })
	}
	return v
}

func (a *axiDMA) running(blk uint32) bool {
	return a.r.Peek(blk+axidma.RegCR)&axidma.CRRunStop != 0
}

func (a *axiDMA) arm(blk uint32, j *job) {
	a.r.Update(blk+axidma.RegSR, func(sr uint32) uint32 { return sr &^ axidma.SRIdle })

	a.m.Lock()
	defer a.m.Unlock()
	if blk == axidma.TXBlock {
		j.due = a.clk.Now().Add(a.t.Duration(j.length))
		j.fault = a.faults.take(0)
		a.tx = j
	} else {
		a.rx = j
	}
}

func (a *axiDMA) fail(blk, bits uint32) {
	a.r.Update(blk+axidma.RegSR, func(sr uint32) uint32 {
		return sr | bits | axidma.SRErrIrq | axidma.SRHalted
	})
}

func (a *axiDMA) startSimple(blk, length uint32) {
	if !a.running(blk) {
		return
	}
	addr := uint64(a.r.Peek(blk+axidma.RegAddr)) | uint64(a.r.Peek(blk+axidma.RegAddr+4))<<32
	if blk == axidma.TXBlock {
		a.arm(blk, &job{src: addr, length: length})
	} else {
		a.arm(blk, &job{dst: addr, length: length})
	}
}

// startSG fetches the descriptor at the current descriptor pointer when the low tail word is written. Only a single
// descriptor per start is processed, which is all the driver posts.
func (a *axiDMA) startSG(blk, lo uint32) {
	if !a.sg || !a.running(blk) {
		return
	}
	cur := uint64(a.r.Peek(blk+axidma.RegCDesc)) | uint64(a.r.Peek(blk+axidma.RegCDesc+4))<<32
	tail := uint64(lo) | uint64(a.r.Peek(blk+axidma.RegTDesc+4))<<32
	if cur != tail {
		a.fail(blk, axidma.SRSGInt)
		return
	}

	d, err := readDesc(a.mem, cur)
	if err != nil {
		a.fail(blk, axidma.SRSGDec)
		return
	}
	n := d.Control & axidma.BDLengthMask
	if n == 0 {
		a.fail(blk, axidma.SRSGInt)
		return
	}

	if blk == axidma.TXBlock {
		a.arm(blk, &job{src: d.Src, length: n, desc: cur})
	} else {
		a.arm(blk, &job{dst: d.Src, length: n, desc: cur})
	}
}

// faultBits maps an injected fault to the status register and descriptor bits. The streaming and memory to memory
// engines share the status layout.
func faultBits(f Fault) (sr, desc uint32) {
	if f == FaultSlave {
		return axidma.SRSlvErr, descring.StatusSlvErr
	}
	return axidma.SRDecErr, descring.StatusDecErr
}

// advance retires the MM2S job once it is due and S2MM has a buffer for it.
func (a *axiDMA) advance() {
	a.m.Lock()
	tx, rx := a.tx, a.rx
	if !tx.ready(a.clk) {
		a.m.Unlock()
		return
	}

	if tx.fault == FaultDecode || tx.fault == FaultSlave || !a.mem.Backed(tx.src, uint64(tx.length)) {
		a.tx = nil
		a.m.Unlock()
		sr, st := faultBits(tx.fault)
		retireDesc(a.mem, tx.desc, st|tx.length)
		a.fail(axidma.TXBlock, sr)
		return
	}

	if rx == nil {
		a.m.Unlock()
		return
	}
	a.tx, a.rx = nil, nil
	a.m.Unlock()

	n := min(tx.length, rx.length)
	if err := a.mem.Copy(rx.dst, tx.src, int(n)); err != nil {
		retireDesc(a.mem, rx.desc, descring.StatusDecErr)
		a.fail(axidma.RXBlock, axidma.SRDecErr)
	} else {
		retireDesc(a.mem, rx.desc, descring.StatusComplete|n)
		a.done(axidma.RXBlock)
	}

	retireDesc(a.mem, tx.desc, descring.StatusComplete|tx.length)
	a.done(axidma.TXBlock)
}

func (a *axiDMA) done(blk uint32) {
	a.r.Update(blk+axidma.RegSR, func(sr uint32) uint32 { return sr | axidma.SRIdle | axidma.SRIOC })
}
