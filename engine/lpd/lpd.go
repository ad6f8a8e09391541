// Package lpd drives the low power domain DMA: eight independent memory to memory channels programmed through
// per channel registers, without descriptor rings.
package lpd

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/slackhq/dmabench/dmaerr"
	"github.com/slackhq/dmabench/engine"
	"github.com/slackhq/dmabench/poller"
	"github.com/slackhq/dmabench/regs"
)

const (
	NumChannels   = 8
	ChannelStride = 0x1_0000
	WindowSize    = NumChannels * ChannelStride
)

// Channel registers, relative to a channel.
const (
	RegErrCtrl   = 0x000
	RegISR       = 0x100
	RegIMR       = 0x104
	RegIEN       = 0x108
	RegIDS       = 0x10C
	RegCtrl0     = 0x110
	RegCtrl1     = 0x114
	RegStatus    = 0x11C
	RegDataAttr  = 0x120
	RegDscrAttr  = 0x124
	RegSrcWord0  = 0x128
	RegDstWord0  = 0x138
	RegTotalByte = 0x188
	RegWrOnly    = 0x190
	RegCtrl2     = 0x200
)

const (
	Ctrl0ModeNormal = 0x00
	Ctrl0ModeWOnly  = 0x10
	Ctrl0ModeROnly  = 0x20
	Ctrl0ModeMask   = 0x30

	Ctrl2Enable = 0x1

	StateMask  = 0x3
	StateDone  = 0x0
	StatePause = 0x1
	StateBusy  = 0x2
	StateError = 0x3

	IXRDMADone  = 0x0000_0400
	IXRWrData   = 0x0000_0200
	IXRRdData   = 0x0000_0100
	IXRAll      = 0x0000_0FFF
	IXRErrMask  = 0x0000_0BF9
	DescIntrEn  = 0x0000_0008
	AXIAttrs    = 0x0483_0483
	MaxTransfer = 0x3FFF_FFFF
)

// SrcWord and DstWord return the offset of descriptor word i of each side. The four words are address low, address
// high, size and control.
func SrcWord(i int) uint32 { return RegSrcWord0 + uint32(i)*4 }
func DstWord(i int) uint32 { return RegDstWord0 + uint32(i)*4 }

type Options struct {
	Channels int
}

type Engine struct {
	d     engine.Deps
	l     logrus.FieldLogger
	caps  engine.Capabilities
	chans []*engine.Channel
	regs  []regs.Registers

	initialized bool
}

// New resets and configures each channel. A channel that fails to reset is left disabled, the engine is usable as
// long as one channel came up.
func New(ctx context.Context, d engine.Deps, opts Options) (*Engine, error) {
	if err := d.Check(false); err != nil {
		return nil, err
	}
	if opts.Channels < 1 || opts.Channels > NumChannels {
		return nil, fmt.Errorf("%w: lpd dma has 1 to %d channels, not %d", dmaerr.ErrInvalidParam, NumChannels, opts.Channels)
	}

	e := &Engine{
		d: d,
		l: d.L.WithField("engine", engine.LPD.String()),
		caps: engine.Capabilities{
			SimpleMode:  true,
			MaxTransfer: MaxTransfer,
			Channels:    opts.Channels,
		},
	}

	up := 0
	for i := 0; i < opts.Channels; i++ {
		e.chans = append(e.chans, engine.NewChannel(engine.LPD, i, engine.MemToMem))
		e.regs = append(e.regs, regs.Window(d.Regs, uint32(i)*ChannelStride))

		if err := e.resetChannel(ctx, i); err != nil {
			e.l.WithField("channel", i).WithError(err).Warn("Channel failed to reset, leaving it disabled")
			continue
		}
		e.configure(i)
		e.chans[i].SetEnabled(true)
		up++
	}

	if up == 0 {
		return nil, fmt.Errorf("%w: no lpd dma channel came out of reset", dmaerr.ErrTimeout)
	}

	e.initialized = true
	e.l.WithFields(logrus.Fields{"channels": opts.Channels, "up": up}).Debug("Engine initialized")
	return e, nil
}

func (e *Engine) Kind() engine.Kind                 { return engine.LPD }
func (e *Engine) Capabilities() engine.Capabilities { return e.caps }
func (e *Engine) Mode() engine.Mode                 { return engine.ModeSimple }
func (e *Engine) Channels() int                     { return len(e.chans) }

func (e *Engine) SetMode(m engine.Mode) error {
	if m != engine.ModeSimple {
		return fmt.Errorf("%w: lpd dma is driven in simple mode only", dmaerr.ErrNotSupported)
	}
	return nil
}

// resetChannel masks and clears every interrupt and waits for the channel to report done.
func (e *Engine) resetChannel(ctx context.Context, ch int) error {
	r := e.regs[ch]
	r.Write32(RegIDS, IXRAll)
	r.Write32(RegISR, IXRAll)

	ok, err := engine.WaitFor(ctx, e.d.Clock, engine.ResetTries, engine.ResetInterval, func() bool {
		return r.Read32(RegStatus)&StateMask == StateDone
	})
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: lpd channel %d stayed in state %d", dmaerr.ErrTimeout, ch, r.Read32(RegStatus)&StateMask)
	}

	e.chans[ch].ResetState()
	return nil
}

func (e *Engine) configure(ch int) {
	r := e.regs[ch]
	r.Write32(RegCtrl0, Ctrl0ModeNormal)
	r.Write32(RegDataAttr, AXIAttrs)
	r.Write32(RegDscrAttr, AXIAttrs)
}

func (e *Engine) channel(ch int) (*engine.Channel, error) {
	if err := engine.CheckChannel(e.caps, ch); err != nil {
		return nil, err
	}
	return e.chans[ch], nil
}

func (e *Engine) busy(ch int) bool {
	return e.regs[ch].Read32(RegStatus)&StateMask == StateBusy
}

func (e *Engine) Start(ctx context.Context, req engine.Request) error {
	err := e.start(req)
	if err != nil {
		engine.LogFailure(e.l, "start", req.Channel, req.Length, err)
	}
	return err
}

func (e *Engine) begin(req engine.Request) (*engine.Channel, regs.Registers, error) {
	if !e.initialized {
		return nil, nil, fmt.Errorf("%w: lpd dma", dmaerr.ErrNotInit)
	}
	if err := engine.Validate(e.caps, req); err != nil {
		return nil, nil, err
	}

	c := e.chans[req.Channel]
	if !c.Enabled() {
		return nil, nil, fmt.Errorf("%w: lpd channel %d did not come out of reset", dmaerr.ErrNotInit, req.Channel)
	}
	if e.busy(req.Channel) {
		return nil, nil, fmt.Errorf("%w: lpd channel %d", dmaerr.ErrBusy, req.Channel)
	}
	return c, e.regs[req.Channel], nil
}

// start disables the channel, clears pending interrupts, loads both descriptors and the byte count, selects normal
// mode and enables the channel, which starts the copy.
func (e *Engine) start(req engine.Request) error {
	c, r, err := e.begin(req)
	if err != nil {
		return err
	}

	n := int(req.Length)
	e.d.Sync.PrepareSource(req.Src, n)
	e.d.Sync.PrepareDestination(req.Dst, n)
	c.Begin(req.Length)

	r.Write32(RegCtrl2, 0)
	r.Write32(RegISR, IXRAll)

	writeDesc(r, SrcWord(0), req.Src, req.Length, 0)
	writeDesc(r, DstWord(0), req.Dst, req.Length, 0)

	r.Write32(RegTotalByte, req.Length)
	r.Write32(RegCtrl0, Ctrl0ModeNormal)
	e.d.Sync.Barrier()
	r.Write32(RegCtrl2, Ctrl2Enable)
	return nil
}

func writeDesc(r regs.Registers, word0 uint32, addr uint64, length, ctrl uint32) {
	regs.WriteAddr64(r, word0, addr)
	r.Write32(word0+8, length)
	r.Write32(word0+12, ctrl)
}

// StartWriteOnly fills length bytes at dst with word, repeated, without reading memory.
func (e *Engine) StartWriteOnly(ctx context.Context, ch int, dst uint64, length uint32, word uint32) error {
	req := engine.Request{Dst: dst, Length: length, Channel: ch}
	c, r, err := e.begin(req)
	if err != nil {
		engine.LogFailure(e.l, "write-only", ch, length, err)
		return err
	}

	e.d.Sync.PrepareDestination(dst, int(length))
	c.Begin(length)

	r.Write32(RegCtrl2, 0)
	r.Write32(RegISR, IXRAll)
	r.Write32(RegWrOnly, word)
	writeDesc(r, DstWord(0), dst, length, DescIntrEn)
	r.Write32(RegTotalByte, length)
	r.Write32(RegCtrl0, Ctrl0ModeWOnly)
	e.d.Sync.Barrier()
	r.Write32(RegCtrl2, Ctrl2Enable)
	return nil
}

// status reports errors and completion from the interrupt status register and idleness from the channel state.
type status struct {
	r regs.Registers
}

func (s status) Sample() poller.Sample {
	isr := s.r.Read32(RegISR)
	st := s.r.Read32(RegStatus)
	return poller.Sample{
		Status:   isr,
		ErrBits:  isr & IXRErrMask,
		DoneBits: isr & IXRDMADone,
		Idle:     st&StateMask == StateDone,
	}
}

func (s status) Acknowledge(bits uint32) {
	s.r.Write32(RegISR, bits)
}

func (e *Engine) PollComplete(ctx context.Context, channel int, timeout time.Duration) error {
	c, err := e.channel(channel)
	if err != nil {
		engine.LogFailure(e.l, "poll", channel, 0, err)
		return err
	}

	err = e.d.Poller.Wait(ctx, status{r: e.regs[channel]}, c, timeout)
	if err != nil {
		engine.LogFailure(e.l, "poll", channel, c.Pending(), err)
		return fmt.Errorf("lpd channel %d: %w", channel, err)
	}
	return nil
}

// Reset resets every channel that came up at construction.
func (e *Engine) Reset(ctx context.Context) error {
	for i, c := range e.chans {
		if !c.Enabled() {
			continue
		}
		if err := e.resetChannel(ctx, i); err != nil {
			return err
		}
		e.configure(i)
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

// Close disables and resets every channel.
func (e *Engine) Close(ctx context.Context) error {
	if !e.initialized {
		return nil
	}
	e.initialized = false

	var first error
	for i, c := range e.chans {
		if !c.Enabled() {
			continue
		}
		e.regs[i].Write32(RegCtrl2, 0)
		if err := e.resetChannel(ctx, i); err != nil && first == nil {
			first = err
		}
		c.SetEnabled(false)
	}
	return first
}
