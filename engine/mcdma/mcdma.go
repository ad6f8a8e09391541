// Package mcdma drives an AXI MCDMA: up to 16 independent loopback channels, each with its own MM2S and S2MM
// descriptor ring, arbitrated by a hardware scheduler. The engine only does scatter/gather.
package mcdma

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
	MaxChannels = 16

	MM2SBlock = 0x000
	S2MMBlock = 0x500

	// ChannelBase is the offset of channel 0 inside a block, ChannelStride the distance between channels.
	ChannelBase   = 0x040
	ChannelStride = 0x040

	WindowSize = 0x1_0000
)

// Common registers, relative to a block.
const (
	RegCCR   = 0x00
	RegCSR   = 0x04
	RegCHEN  = 0x08
	RegCHSER = 0x0C
)

// Channel registers, relative to a channel.
const (
	RegChCR     = 0x00
	RegChSR     = 0x04
	RegChCDesc  = 0x08
	RegChTDesc  = 0x10
	RegChPktCnt = 0x18
)

const (
	CCRRunStop   = 0x0000_0001
	CCRReset     = 0x0000_0004
	CCRSchedMask = 0x0000_0030
	CCRSchedRR   = 0x0000_0000
	CCRSchedSP   = 0x0000_0010

	ChCRRunStop = 0x0000_0001
	ChCRAllIrqs = 0x0000_7000

	ChSRIdle   = 0x0000_0002
	ChSRIntErr = 0x0000_0010
	ChSRSlvErr = 0x0000_0020
	ChSRDecErr = 0x0000_0040
	ChSRErr    = 0x0000_0070
	ChSRIOC    = 0x0000_1000
	ChSRErrIrq = 0x0000_4000

	BDSOF        = 0x8000_0000
	BDEOF        = 0x4000_0000
	BDLengthMask = 0x03FF_FFFF
	MaxTransfer  = BDLengthMask
)

// ChannelOffset returns the offset of channel ch's registers in the block at block.
func ChannelOffset(block uint32, ch int) uint32 {
	return block + ChannelBase + uint32(ch)*ChannelStride
}

type Options struct {
	Channels int
	RingSize int
	Policy   engine.Policy
}

type Engine struct {
	d      engine.Deps
	l      logrus.FieldLogger
	mm2s   regs.Registers
	s2mm   regs.Registers
	caps   engine.Capabilities
	policy engine.Policy
	chans  []*engine.Channel

	initialized bool
}

// New resets both blocks and gives every channel a pair of rings. Channels start disabled, see EnableChannel.
func New(ctx context.Context, d engine.Deps, opts Options) (*Engine, error) {
	if err := d.Check(true); err != nil {
		return nil, err
	}
	if opts.Channels < 1 || opts.Channels > MaxChannels {
		return nil, fmt.Errorf("%w: mcdma supports 1 to %d channels, not %d", dmaerr.ErrInvalidParam, MaxChannels, opts.Channels)
	}

	e := &Engine{
		d:    d,
		l:    d.L.WithField("engine", engine.MCDMA.String()),
		mm2s: regs.Window(d.Regs, MM2SBlock),
		s2mm: regs.Window(d.Regs, S2MMBlock),
		caps: engine.Capabilities{
			ScatterGather: true,
			MaxTransfer:   MaxTransfer,
			Channels:      opts.Channels,
		},
	}

	if err := e.reset(ctx); err != nil {
		return nil, fmt.Errorf("resetting mcdma: %w", err)
	}

	for i := 0; i < opts.Channels; i++ {
		c := engine.NewChannel(engine.MCDMA, i, engine.Loopback)

		var err error
		if c.TX, err = d.AllocRing(opts.RingSize); err != nil {
			return nil, err
		}
		if c.RX, err = d.AllocRing(opts.RingSize); err != nil {
			return nil, err
		}
		e.chans = append(e.chans, c)
	}

	e.initialized = true
	if err := e.SetScheduler(opts.Policy); err != nil {
		return nil, err
	}

	e.l.WithFields(logrus.Fields{"channels": opts.Channels, "scheduler": opts.Policy}).Debug("Engine initialized")
	return e, nil
}

func (e *Engine) Kind() engine.Kind                 { return engine.MCDMA }
func (e *Engine) Capabilities() engine.Capabilities { return e.caps }
func (e *Engine) Mode() engine.Mode                 { return engine.ModeSG }
func (e *Engine) Channels() int                     { return len(e.chans) }

func (e *Engine) SetMode(m engine.Mode) error {
	if m != engine.ModeSG {
		return fmt.Errorf("%w: mcdma only does scatter/gather", dmaerr.ErrNotSupported)
	}
	return nil
}

// SetScheduler selects the arbitration policy of the MM2S side.
func (e *Engine) SetScheduler(p engine.Policy) error {
	if !e.initialized {
		return fmt.Errorf("%w: mcdma", dmaerr.ErrNotInit)
	}

	bits := uint32(CCRSchedRR)
	if p == engine.StrictPriority {
		bits = CCRSchedSP
	}
	e.mm2s.Write32(RegCCR, e.mm2s.Read32(RegCCR)&^CCRSchedMask|bits)
	e.policy = p
	return nil
}

// Policy returns the policy last set.
func (e *Engine) Policy() engine.Policy { return e.policy }

func (e *Engine) channel(ch int) (*engine.Channel, error) {
	if err := engine.CheckChannel(e.caps, ch); err != nil {
		return nil, err
	}
	return e.chans[ch], nil
}

// EnableChannel rewinds the channel's rings, programs its control registers and sets its bit in the channel enable
// registers of both directions.
func (e *Engine) EnableChannel(ch int) error {
	if !e.initialized {
		return fmt.Errorf("%w: mcdma", dmaerr.ErrNotInit)
	}
	c, err := e.channel(ch)
	if err != nil {
		return err
	}

	if err := c.ReinitRings(); err != nil {
		return err
	}

	for _, blk := range []regs.Registers{e.mm2s, e.s2mm} {
		e.chRegs(blk, ch).Write32(RegChCR, 0)
		regs.SetBits(blk, RegCHEN, 1<<ch)
	}

	c.ResetState()
	c.SetEnabled(true)
	return nil
}

// DisableChannel stops the channel and clears its enable bits.
func (e *Engine) DisableChannel(ch int) error {
	c, err := e.channel(ch)
	if err != nil {
		return err
	}

	for _, blk := range []regs.Registers{e.mm2s, e.s2mm} {
		e.chRegs(blk, ch).Write32(RegChCR, 0)
		regs.ClearBits(blk, RegCHEN, 1<<ch)
	}

	c.SetEnabled(false)
	return nil
}

func (e *Engine) chRegs(blk regs.Registers, ch int) regs.Registers {
	return regs.Window(blk, ChannelBase+uint32(ch)*ChannelStride)
}

// Start arms S2MM before MM2S on the request's channel.
func (e *Engine) Start(ctx context.Context, req engine.Request) error {
	err := e.start(req)
	if err != nil {
		engine.LogFailure(e.l, "start", req.Channel, req.Length, err)
	}
	return err
}

func (e *Engine) start(req engine.Request) error {
	if !e.initialized {
		return fmt.Errorf("%w: mcdma", dmaerr.ErrNotInit)
	}
	if err := engine.Validate(e.caps, req); err != nil {
		return err
	}

	c := e.chans[req.Channel]
	if !c.Enabled() {
		return fmt.Errorf("%w: mcdma channel %d is not enabled", dmaerr.ErrNotInit, req.Channel)
	}

	n := int(req.Length)
	e.d.Sync.PrepareSource(req.Src, n)
	e.d.Sync.PrepareDestination(req.Dst, n)
	c.Begin(req.Length)

	rxDesc, err := c.RX.Post(descring.Descriptor{Src: req.Dst, Control: req.Length & BDLengthMask})
	if err != nil {
		c.ResetState()
		return err
	}
	txDesc, err := c.TX.Post(descring.Descriptor{Src: req.Src, Control: BDSOF | BDEOF | req.Length&BDLengthMask})
	if err != nil {
		c.ResetState()
		return err
	}

	e.d.Sync.Barrier()
	e.startRing(e.chRegs(e.s2mm, req.Channel), rxDesc)
	e.startRing(e.chRegs(e.mm2s, req.Channel), txDesc)
	return nil
}

func (e *Engine) startRing(r regs.Registers, desc uint64) {
	regs.WriteAddr64(r, RegChCDesc, desc)
	regs.SetBits(r, RegChCR, ChCRRunStop)
	e.d.Sync.Barrier()
	regs.ArmAddr64(r, RegChTDesc, desc)
}

func chStatus(r regs.Registers) engine.StatusRegister {
	return engine.StatusRegister{R: r, Off: RegChSR, Idle: ChSRIdle, Err: ChSRErr, Done: ChSRIOC}
}

// PollComplete waits for MM2S and then S2MM of one channel.
func (e *Engine) PollComplete(ctx context.Context, channel int, timeout time.Duration) error {
	err := e.poll(ctx, channel, timeout)
	if err != nil {
		var size uint32
		if c, cerr := e.channel(channel); cerr == nil {
			size = c.Pending()
		}
		engine.LogFailure(e.l, "poll", channel, size, err)
	}
	return err
}

func (e *Engine) poll(ctx context.Context, channel int, timeout time.Duration) error {
	c, err := e.channel(channel)
	if err != nil {
		return err
	}

	if err := e.d.Poller.Wait(ctx, chStatus(e.chRegs(e.mm2s, channel)), c.FirstPhase(), timeout); err != nil {
		return fmt.Errorf("mm2s channel %d: %w", channel, err)
	}
	if err := e.d.Poller.Wait(ctx, chStatus(e.chRegs(e.s2mm, channel)), c, timeout); err != nil {
		return fmt.Errorf("s2mm channel %d: %w", channel, err)
	}

	return c.ReclaimRings()
}

// Reset resets both blocks and restores the scheduler and the set of enabled channels.
func (e *Engine) Reset(ctx context.Context) error {
	if err := e.reset(ctx); err != nil {
		return err
	}
	if !e.initialized {
		return nil
	}

	if err := e.SetScheduler(e.policy); err != nil {
		return err
	}
	for _, c := range e.chans {
		c.ResetState()
		if c.Enabled() {
			if err := e.EnableChannel(c.ID); err != nil {
				return err
			}
		}
	}
	return nil
}

func (e *Engine) reset(ctx context.Context) error {
	if err := engine.ResetWait(ctx, e.mm2s, RegCCR, CCRReset, e.d.Clock); err != nil {
		return fmt.Errorf("mm2s: %w", err)
	}
	if err := engine.ResetWait(ctx, e.s2mm, RegCCR, CCRReset, e.d.Clock); err != nil {
		return fmt.Errorf("s2mm: %w", err)
	}
	return nil
}

func (e *Engine) Stats(channel int) engine.ChannelStats {
	c, err := e.channel(channel)
	if err != nil {
		return engine.ChannelStats{}
	}
	return c.Stats()
}

// Close disables every channel and resets the engine.
func (e *Engine) Close(ctx context.Context) error {
	if !e.initialized {
		return nil
	}
	for _, c := range e.chans {
		if err := e.DisableChannel(c.ID); err != nil {
			return err
		}
	}
	e.initialized = false
	return e.reset(ctx)
}
