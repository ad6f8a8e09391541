// Package cdma drives an AXI CDMA, a memory to memory engine with a single channel.
package cdma

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/slackhq/dmabench/descring"
	"github.com/slackhq/dmabench/dmaerr"
	"github.com/slackhq/dmabench/engine"
	"github.com/slackhq/dmabench/regs"
)

const (
	RegCR    = 0x00
	RegSR    = 0x04
	RegCDesc = 0x08
	RegTDesc = 0x10
	RegSA    = 0x18
	RegDA    = 0x20
	RegBTT   = 0x28

	WindowSize = 0x1_0000
)

const (
	CRReset  = 0x0000_0004
	CRSGMode = 0x0000_0008
	CRIOCIrq = 0x0000_1000
	CRErrIrq = 0x0000_4000

	SRIdle    = 0x0000_0002
	SRSGIncl  = 0x0000_0008
	SRIntErr  = 0x0000_0010
	SRSlvErr  = 0x0000_0020
	SRDecErr  = 0x0000_0040
	SRSGInt   = 0x0000_0100
	SRSGSlv   = 0x0000_0200
	SRSGDec   = 0x0000_0400
	SRAllErr  = 0x0000_0770
	SRIOC     = 0x0000_1000
	SRErrIrq  = 0x0000_4000
	SRAllIrqs = 0x0000_7000

	BDLengthMask = 0x03FF_FFFF
	MaxTransfer  = BDLengthMask
)

type Options struct {
	Mode     engine.Mode
	RingSize int
}

type Engine struct {
	d    engine.Deps
	l    logrus.FieldLogger
	r    regs.Registers
	caps engine.Capabilities
	mode engine.Mode
	ch   *engine.Channel

	initialized bool
}

func New(ctx context.Context, d engine.Deps, opts Options) (*Engine, error) {
	if err := d.Check(true); err != nil {
		return nil, err
	}

	e := &Engine{
		d:  d,
		l:  d.L.WithField("engine", engine.CDMA.String()),
		r:  d.Regs,
		ch: engine.NewChannel(engine.CDMA, 0, engine.MemToMem),
	}

	e.caps = engine.Capabilities{
		ScatterGather: e.r.Read32(RegSR)&SRSGIncl != 0,
		SimpleMode:    true,
		MaxTransfer:   MaxTransfer,
		Channels:      1,
	}

	if err := e.reset(ctx); err != nil {
		return nil, fmt.Errorf("resetting cdma: %w", err)
	}

	if e.caps.ScatterGather {
		var err error
		if e.ch.TX, err = d.AllocRing(opts.RingSize); err != nil {
			return nil, err
		}
	}

	if err := e.SetMode(opts.Mode); err != nil {
		return nil, err
	}

	e.ch.SetEnabled(true)
	e.initialized = true

	e.l.WithFields(logrus.Fields{"sg": e.caps.ScatterGather, "mode": e.mode}).Debug("Engine initialized")
	return e, nil
}

func (e *Engine) Kind() engine.Kind                 { return engine.CDMA }
func (e *Engine) Capabilities() engine.Capabilities { return e.caps }
func (e *Engine) Mode() engine.Mode                 { return e.mode }

// SetMode switches between register programmed and descriptor transfers. The SG mode bit is only written while the
// engine is idle.
func (e *Engine) SetMode(m engine.Mode) error {
	if m == engine.ModeSG && !e.caps.ScatterGather {
		return fmt.Errorf("%w: cdma was built without scatter/gather", dmaerr.ErrNotSupported)
	}
	if m == engine.ModeSG {
		regs.SetBits(e.r, RegCR, CRSGMode)
	} else {
		regs.ClearBits(e.r, RegCR, CRSGMode)
	}
	e.mode = m
	return nil
}

func (e *Engine) busy() bool {
	return e.r.Read32(RegSR)&SRIdle == 0
}

func (e *Engine) Start(ctx context.Context, req engine.Request) error {
	err := e.start(req)
	if err != nil {
		engine.LogFailure(e.l, "start", req.Channel, req.Length, err)
	}
	return err
}

func (e *Engine) start(req engine.Request) error {
	if !e.initialized {
		return fmt.Errorf("%w: cdma", dmaerr.ErrNotInit)
	}
	if err := engine.Validate(e.caps, req); err != nil {
		return err
	}
	if e.busy() {
		return fmt.Errorf("%w: cdma status 0x%08x", dmaerr.ErrBusy, e.r.Read32(RegSR))
	}

	n := int(req.Length)
	e.d.Sync.PrepareSource(req.Src, n)
	e.d.Sync.PrepareDestination(req.Dst, n)
	e.ch.Begin(req.Length)

	if e.mode == engine.ModeSG {
		desc, err := e.ch.TX.Post(descring.Descriptor{Src: req.Src, Dst: req.Dst, Control: req.Length & BDLengthMask})
		if err != nil {
			e.ch.ResetState()
			return err
		}

		regs.WriteAddr64(e.r, RegCDesc, desc)
		e.d.Sync.Barrier()
		regs.ArmAddr64(e.r, RegTDesc, desc)
		return nil
	}

	regs.WriteAddr64(e.r, RegSA, req.Src)
	regs.WriteAddr64(e.r, RegDA, req.Dst)
	e.d.Sync.Barrier()
	e.r.Write32(RegBTT, req.Length)
	return nil
}

func (e *Engine) PollComplete(ctx context.Context, channel int, timeout time.Duration) error {
	err := e.poll(ctx, channel, timeout)
	if err != nil {
		engine.LogFailure(e.l, "poll", channel, e.ch.Pending(), err)
	}
	return err
}

func (e *Engine) poll(ctx context.Context, channel int, timeout time.Duration) error {
	if err := engine.CheckChannel(e.caps, channel); err != nil {
		return err
	}

	st := engine.StatusRegister{R: e.r, Off: RegSR, Idle: SRIdle, Err: SRAllErr, Done: SRIOC}
	if err := e.d.Poller.Wait(ctx, st, e.ch, timeout); err != nil {
		return err
	}

	if e.mode == engine.ModeSG {
		return e.ch.ReclaimRings()
	}
	return nil
}

func (e *Engine) Reset(ctx context.Context) error {
	if err := e.reset(ctx); err != nil {
		return err
	}
	if e.mode == engine.ModeSG {
		regs.SetBits(e.r, RegCR, CRSGMode)
	}
	return e.ch.ReinitRings()
}

func (e *Engine) reset(ctx context.Context) error {
	if err := engine.ResetWait(ctx, e.r, RegCR, CRReset, e.d.Clock); err != nil {
		return err
	}
	e.ch.ResetState()
	return nil
}

func (e *Engine) Stats(channel int) engine.ChannelStats {
	if channel != 0 {
		return engine.ChannelStats{}
	}
	return e.ch.Stats()
}

func (e *Engine) Close(ctx context.Context) error {
	if !e.initialized {
		return nil
	}
	e.initialized = false
	e.ch.SetEnabled(false)
	return e.reset(ctx)
}
