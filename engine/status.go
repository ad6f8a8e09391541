package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/slackhq/dmabench/clock"
	"github.com/slackhq/dmabench/dmaerr"
	"github.com/slackhq/dmabench/poller"
	"github.com/slackhq/dmabench/regs"
)

const (
	// ResetTries is how many times a reset bit is polled before giving up.
	ResetTries = 1000
	// ResetInterval is the pause between reset polls.
	ResetInterval = time.Microsecond
)

// StatusRegister decodes an AXI style status register, where the idle bit signals completion, interrupt bits are
// write-one-to-clear and errors have their own mask.
type StatusRegister struct {
	R    regs.Registers
	Off  uint32
	Idle uint32
	Err  uint32
	Done uint32
}

func (s StatusRegister) Sample() poller.Sample {
	v := s.R.Read32(s.Off)
	return poller.Sample{
		Status:   v,
		ErrBits:  v & s.Err,
		DoneBits: v & s.Done,
		Idle:     v&s.Idle != 0,
	}
}

func (s StatusRegister) Acknowledge(bits uint32) {
	s.R.Write32(s.Off, bits)
}

// WaitFor calls cond up to tries times, sleeping interval on clk in between, and reports whether it returned true.
// ctx is checked before every try.
func WaitFor(ctx context.Context, clk clock.Clock, tries int, interval time.Duration, cond func() bool) (bool, error) {
	for i := 0; i < tries; i++ {
		if err := ctx.Err(); err != nil {
			return false, err
		}
		if cond() {
			return true, nil
		}
		clk.Sleep(interval)
	}
	return false, nil
}

// ResetWait writes mask to the control register at off and waits for the engine to clear it again.
func ResetWait(ctx context.Context, r regs.Registers, off, mask uint32, clk clock.Clock) error {
	r.Write32(off, mask)

	ok, err := WaitFor(ctx, clk, ResetTries, ResetInterval, func() bool {
		return r.Read32(off)&mask == 0
	})
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: reset bit 0x%x at 0x%03x did not clear after %d polls", dmaerr.ErrTimeout, mask, off, ResetTries)
	}
	return nil
}
