package sim

import (
	"sync"

	"github.com/slackhq/dmabench/clock"
	"github.com/slackhq/dmabench/descring"
	"github.com/slackhq/dmabench/engine/cdma"
	"github.com/slackhq/dmabench/regs"
)

// cdmaModel models an AXI CDMA. It accepts one transfer at a time, started by BTT in simple mode or by the tail
// descriptor in scatter/gather mode.
type cdmaModel struct {
	r      *regs.Map
	mem    *Memory
	clk    clock.Clock
	t      Timing
	sg     bool
	faults *faults

	m   sync.Mutex
	cur *job
}

func newCDMA(r *regs.Map, mem *Memory, clk clock.Clock, t Timing, sg bool, f *faults) *cdmaModel {
	c := &cdmaModel{r: r, mem: mem, clk: clk, t: t, sg: sg, faults: f}
	c.reset()

	r.OnWrite(cdma.RegCR, func(_, v uint32) uint32 {
		if v&cdma.CRReset != 0 {
			c.reset()
			return 0
		}
		return v
	})
	r.W1C(cdma.RegSR)
	r.OnRead(cdma.RegSR, func(uint32) uint32 {
		c.advance()
		return r.Peek(cdma.RegSR)
	})
	r.OnWrite(cdma.RegBTT, func(_, v uint32) uint32 {
		c.startSimple(v)
		return v
	})
	r.OnWrite(cdma.RegTDesc, func(_, v uint32) uint32 {
		c.startSG(v)
		return v
	})
	return c
}

func (c *cdmaModel) reset() {
	sr := uint32(cdma.SRIdle)
	if c.sg {
		sr |= cdma.SRSGIncl
	}
	c.r.Poke(cdma.RegSR, sr)

	c.m.Lock()
	c.cur = nil
	c.m.Unlock()
}

func (c *cdmaModel) sgMode() bool {
	return c.r.Peek(cdma.RegCR)&cdma.CRSGMode != 0
}

func (c *cdmaModel) addr(off uint32) uint64 {
	return uint64(c.r.Peek(off)) | uint64(c.r.Peek(off+4))<<32
}

func (c *cdmaModel) arm(j *job) {
	c.m.Lock()
	defer c.m.Unlock()
	if c.cur != nil {
		// a start while busy is dropped by the hardware
		return
	}
	j.due = c.clk.Now().Add(c.t.Duration(j.length))
	j.fault = c.faults.take(0)
	c.cur = j
	c.r.Update(cdma.RegSR, func(sr uint32) uint32 { return sr &^ cdma.SRIdle })
}

func (c *cdmaModel) fail(bits uint32) {
	c.r.Update(cdma.RegSR, func(sr uint32) uint32 { return sr | bits | cdma.SRErrIrq | cdma.SRIdle })
}

func (c *cdmaModel) startSimple(n uint32) {
	if c.sgMode() {
		return
	}
	c.arm(&job{src: c.addr(cdma.RegSA), dst: c.addr(cdma.RegDA), length: n & cdma.BDLengthMask})
}

func (c *cdmaModel) startSG(lo uint32) {
	if !c.sg || !c.sgMode() {
		return
	}
	cur := c.addr(cdma.RegCDesc)
	if tail := uint64(lo) | uint64(c.r.Peek(cdma.RegTDesc+4))<<32; cur != tail {
		c.fail(cdma.SRSGInt)
		return
	}

	d, err := readDesc(c.mem, cur)
	if err != nil {
		c.fail(cdma.SRSGDec)
		return
	}
	n := d.Control & cdma.BDLengthMask
	if n == 0 {
		c.fail(cdma.SRSGInt)
		return
	}
	c.arm(&job{src: d.Src, dst: d.Dst, length: n, desc: cur})
}

func (c *cdmaModel) advance() {
	c.m.Lock()
	j := c.cur
	if !j.ready(c.clk) {
		c.m.Unlock()
		return
	}
	c.cur = nil
	c.m.Unlock()

	if j.fault == FaultDecode || j.fault == FaultSlave {
		sr, st := faultBits(j.fault)
		retireDesc(c.mem, j.desc, st)
		c.fail(sr)
		return
	}

	if err := c.mem.Copy(j.dst, j.src, int(j.length)); err != nil {
		retireDesc(c.mem, j.desc, descring.StatusDecErr)
		c.fail(cdma.SRDecErr)
		return
	}
	retireDesc(c.mem, j.desc, descring.StatusComplete|j.length)
	c.r.Update(cdma.RegSR, func(sr uint32) uint32 { return sr | cdma.SRIdle | cdma.SRIOC })
}
