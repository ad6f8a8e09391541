// Package axidma drives an AXI DMA in loopback: the MM2S direction streams the source buffer out and the S2MM
// direction writes the stream back to the destination buffer.
package axidma

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

// Block offsets of the two directions.
const (
	TXBlock = 0x00
	RXBlock = 0x30
)

// Registers relative to a direction block.
const (
	RegCR     = 0x00
	RegSR     = 0x04
	RegCDesc  = 0x08
	RegTDesc  = 0x10
	RegAddr   = 0x18
	RegLength = 0x28
)

// WindowSize is the size of the register space to map.
const WindowSize = 0x1_0000

const (
	CRRunStop = 0x0000_0001
	CRReset   = 0x0000_0004
	CRIOCIrq  = 0x0000_1000
	CRErrIrq  = 0x0000_4000

	SRHalted  = 0x0000_0001
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

	BDTXSOF      = 0x0800_0000
	BDTXEOF      = 0x0400_0000
	BDLengthMask = 0x03FF_FFFF

	MaxTransfer = BDLengthMask
)

type Options struct {
	Mode     engine.Mode
	RingSize int
}

type Engine struct {
	d    engine.Deps
	l    logrus.FieldLogger
	tx   regs.Registers
	rx   regs.Registers
	caps engine.Capabilities
	mode engine.Mode
	ch   *engine.Channel

	initialized bool
}

// New probes the engine for scatter/gather support, resets both directions and, when descriptors are available,
// sets up one ring per direction. Asking for ModeSG on an engine built without it fails with ErrNotSupported.
func New(ctx context.Context, d engine.Deps, opts Options) (*Engine, error) {
	if err := d.Check(true); err != nil {
		return nil, err
	}

	e := &Engine{
		d:  d,
		l:  d.L.WithField("engine", engine.AXIDMA.String()),
		tx: regs.Window(d.Regs, TXBlock),
		rx: regs.Window(d.Regs, RXBlock),
		ch: engine.NewChannel(engine.AXIDMA, 0, engine.Loopback),
	}

	e.caps = engine.Capabilities{
		ScatterGather: e.tx.Read32(RegSR)&SRSGIncl != 0,
		SimpleMode:    true,
		MaxTransfer:   MaxTransfer,
		Channels:      1,
	}

	if err := e.reset(ctx); err != nil {
		return nil, fmt.Errorf("resetting axi dma: %w", err)
	}

	if e.caps.ScatterGather {
		var err error
		if e.ch.TX, err = d.AllocRing(opts.RingSize); err != nil {
			return nil, err
		}
		if e.ch.RX, err = d.AllocRing(opts.RingSize); err != nil {
			return nil, err
		}
	}

	if err := e.SetMode(opts.Mode); err != nil {
		return nil, err
	}

	e.ch.SetEnabled(true)
	e.initialized = true

	e.l.WithFields(logrus.Fields{
		"sg":   e.caps.ScatterGather,
		"mode": e.mode,
		"ring": opts.RingSize,
	}).Debug("Engine initialized")
	return e, nil
}

func (e *Engine) Kind() engine.Kind                 { return engine.AXIDMA }
func (e *Engine) Capabilities() engine.Capabilities { return e.caps }
func (e *Engine) Mode() engine.Mode                 { return e.mode }

func (e *Engine) SetMode(m engine.Mode) error {
	if m == engine.ModeSG && !e.caps.ScatterGather {
		return fmt.Errorf("%w: axi dma was built without scatter/gather", dmaerr.ErrNotSupported)
	}
	e.mode = m
	return nil
}

// Start arms S2MM before MM2S so no streamed data is dropped.
func (e *Engine) Start(ctx context.Context, req engine.Request) error {
	err := e.start(req)
	if err != nil {
		engine.LogFailure(e.l, "start", req.Channel, req.Length, err)
	}
	return err
}

func (e *Engine) start(req engine.Request) error {
	if !e.initialized {
		return fmt.Errorf("%w: axi dma", dmaerr.ErrNotInit)
	}
	if err := engine.Validate(e.caps, req); err != nil {
		return err
	}

	n := int(req.Length)
	e.d.Sync.PrepareSource(req.Src, n)
	e.d.Sync.PrepareDestination(req.Dst, n)
	e.ch.Begin(req.Length)

	if e.mode == engine.ModeSG {
		return e.startSG(req)
	}

	e.startSimple(e.rx, req.Dst, req.Length)
	e.startSimple(e.tx, req.Src, req.Length)
	return nil
}

// startSimple loads the buffer address, sets the run bit and writes the length, which starts the direction.
func (e *Engine) startSimple(r regs.Registers, addr uint64, length uint32) {
	regs.WriteAddr64(r, RegAddr, addr)
	regs.SetBits(r, RegCR, CRRunStop)
	e.d.Sync.Barrier()
	r.Write32(RegLength, length)
}

func (e *Engine) startSG(req engine.Request) error {
	rxAddr, err := e.ch.RX.Post(descring.Descriptor{Src: req.Dst, Control: req.Length & BDLengthMask})
	if err != nil {
		e.ch.ResetState()
		return err
	}

	txAddr, err := e.ch.TX.Post(descring.Descriptor{Src: req.Src, Control: BDTXSOF | BDTXEOF | req.Length&BDLengthMask})
	if err != nil {
		e.ch.ResetState()
		return err
	}

	e.d.Sync.Barrier()
	e.startRing(e.rx, rxAddr)
	e.startRing(e.tx, txAddr)
	return nil
}

func (e *Engine) startRing(r regs.Registers, desc uint64) {
	regs.WriteAddr64(r, RegCDesc, desc)
	regs.SetBits(r, RegCR, CRRunStop)
	e.d.Sync.Barrier()
	regs.ArmAddr64(r, RegTDesc, desc)
}

func status(r regs.Registers) engine.StatusRegister {
	return engine.StatusRegister{R: r, Off: RegSR, Idle: SRIdle, Err: SRAllErr, Done: SRIOC}
}

// PollComplete waits for MM2S and then S2MM, each with the full timeout. A failure of the first stops the wait.
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

	if err := e.d.Poller.Wait(ctx, status(e.tx), e.ch.FirstPhase(), timeout); err != nil {
		return fmt.Errorf("mm2s: %w", err)
	}

	if err := e.d.Poller.Wait(ctx, status(e.rx), e.ch, timeout); err != nil {
		return fmt.Errorf("s2mm: %w", err)
	}

	if e.mode == engine.ModeSG {
		return e.ch.ReclaimRings()
	}
	return nil
}

// Reset resets both directions and rewinds the rings.
func (e *Engine) Reset(ctx context.Context) error {
	if err := e.reset(ctx); err != nil {
		return err
	}
	return e.ch.ReinitRings()
}

func (e *Engine) reset(ctx context.Context) error {
	if err := engine.ResetWait(ctx, e.tx, RegCR, CRReset, e.d.Clock); err != nil {
		return fmt.Errorf("mm2s: %w", err)
	}
	if err := engine.ResetWait(ctx, e.rx, RegCR, CRReset, e.d.Clock); err != nil {
		return fmt.Errorf("s2mm: %w", err)
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

// Close stops both directions and resets the engine.
func (e *Engine) Close(ctx context.Context) error {
	if !e.initialized {
		return nil
	}
	e.tx.Write32(RegCR, 0)
	e.rx.Write32(RegCR, 0)
	e.initialized = false
	e.ch.SetEnabled(false)
	return e.reset(ctx)
}
