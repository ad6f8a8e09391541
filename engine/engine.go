// Package engine defines what every DMA engine driver exposes to the scheduler and the benchmark harness, plus the
// pieces the drivers share: channel bookkeeping, request validation, reset polling and status register decoding.
package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/slackhq/dmabench/cachesync"
	"github.com/slackhq/dmabench/clock"
	"github.com/slackhq/dmabench/descring"
	"github.com/slackhq/dmabench/dmaerr"
	"github.com/slackhq/dmabench/memregion"
	"github.com/slackhq/dmabench/poller"
	"github.com/slackhq/dmabench/regs"
)

type Kind int

const (
	AXIDMA Kind = iota
	CDMA
	MCDMA
	LPD
)

// Kinds lists every engine kind in report order.
var Kinds = []Kind{AXIDMA, CDMA, MCDMA, LPD}

func (k Kind) String() string {
	switch k {
	case AXIDMA:
		return "axidma"
	case CDMA:
		return "cdma"
	case MCDMA:
		return "mcdma"
	case LPD:
		return "lpd"
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// ParseKind maps a config name such as "axidma" or "LPD" to its Kind.
func ParseKind(s string) (Kind, error) {
	for _, k := range Kinds {
		if strings.EqualFold(k.String(), s) {
			return k, nil
		}
	}
	return 0, fmt.Errorf("%w: unknown engine %q", dmaerr.ErrInvalidParam, s)
}

type Mode int

const (
	ModeSimple Mode = iota
	ModeSG
)

func (m Mode) String() string {
	if m == ModeSG {
		return "sg"
	}
	return "simple"
}

// ParseMode accepts "simple", "sg" and "scatter_gather".
func ParseMode(s string) (Mode, error) {
	switch strings.ToLower(s) {
	case "simple", "direct":
		return ModeSimple, nil
	case "sg", "scatter_gather":
		return ModeSG, nil
	}
	return 0, fmt.Errorf("%w: unknown transfer mode %q", dmaerr.ErrInvalidParam, s)
}

// Capabilities are fixed when the engine is constructed.
type Capabilities struct {
	ScatterGather bool
	// SimpleMode is false for engines that can only be driven through descriptors.
	SimpleMode  bool
	MaxTransfer uint32
	Channels    int
}

// Request is one transfer. Src and Dst are physical addresses.
type Request struct {
	Src     uint64
	Dst     uint64
	Length  uint32
	Channel int
}

// TransferEngine is implemented by every engine driver. Start programs the transfer and returns without waiting,
// PollComplete waits for it.
type TransferEngine interface {
	Kind() Kind
	Capabilities() Capabilities
	Mode() Mode
	// SetMode returns an ErrNotSupported error when the engine lacks the mode.
	SetMode(m Mode) error
	Start(ctx context.Context, req Request) error
	PollComplete(ctx context.Context, channel int, timeout time.Duration) error
	Reset(ctx context.Context) error
	Stats(channel int) ChannelStats
	// Close stops the engine. Later calls to Start return ErrNotInit.
	Close(ctx context.Context) error
}

// Deps are the collaborators a driver is constructed with.
type Deps struct {
	L logrus.FieldLogger
	// Regs is the engine's register window, offset 0 is the engine base address.
	Regs regs.Registers
	// Mem is the CPU view of memory, used for descriptor rings.
	Mem  memregion.Memory
	Sync *cachesync.Sync
	// Table provides descriptor ring memory from the Descriptors region.
	Table  *memregion.Table
	Clock  clock.Clock
	Poller *poller.Poller
}

// Check returns an ErrInvalidParam error naming the first missing collaborator. Table is only needed by drivers
// that allocate rings.
func (d Deps) Check(needTable bool) error {
	var missing []string
	if d.L == nil {
		missing = append(missing, "logger")
	}
	if d.Regs == nil {
		missing = append(missing, "registers")
	}
	if d.Mem == nil {
		missing = append(missing, "memory")
	}
	if d.Sync == nil {
		missing = append(missing, "cache sync")
	}
	if needTable && d.Table == nil {
		missing = append(missing, "region table")
	}
	if d.Clock == nil {
		missing = append(missing, "clock")
	}
	if d.Poller == nil {
		missing = append(missing, "poller")
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: engine is missing %s", dmaerr.ErrInvalidParam, strings.Join(missing, ", "))
	}
	return nil
}

// AllocRing carves a ring of count descriptors out of the Descriptors region and initializes it.
func (d Deps) AllocRing(count int) (*descring.Ring, error) {
	if err := descring.CheckRingSize(count); err != nil {
		return nil, err
	}

	addr, err := d.Table.AllocAligned(memregion.Descriptors, uint64(count*descring.DescriptorSize), descring.DescriptorSize)
	if err != nil {
		return nil, fmt.Errorf("allocating ring of %d descriptors: %w", count, err)
	}

	return descring.Setup(d.Mem, d.Sync, addr, count)
}

// Validate checks req against caps before any register is touched.
func Validate(caps Capabilities, req Request) error {
	if req.Channel < 0 || req.Channel >= caps.Channels {
		return fmt.Errorf("%w: channel %d, engine has %d", dmaerr.ErrInvalidParam, req.Channel, caps.Channels)
	}
	if req.Length == 0 {
		return fmt.Errorf("%w: zero length transfer", dmaerr.ErrInvalidParam)
	}
	if req.Length > caps.MaxTransfer {
		return fmt.Errorf("%w: length 0x%x exceeds the maximum 0x%x", dmaerr.ErrInvalidParam, req.Length, caps.MaxTransfer)
	}
	return nil
}

// CheckChannel returns an ErrInvalidParam error when ch is not a channel of caps.
func CheckChannel(caps Capabilities, ch int) error {
	if ch < 0 || ch >= caps.Channels {
		return fmt.Errorf("%w: channel %d, engine has %d", dmaerr.ErrInvalidParam, ch, caps.Channels)
	}
	return nil
}

// LogFailure logs err with the fields the harness groups failures by. Context cancellation is not a failure and is
// logged at debug.
func LogFailure(l logrus.FieldLogger, op string, channel int, size uint32, err error) {
	e := l.WithFields(logrus.Fields{
		"op":      op,
		"channel": channel,
		"size":    size,
		"code":    dmaerr.Code(err),
	}).WithError(err)

	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		e.Debug("Transfer abandoned")
		return
	}
	e.Error("Transfer failed")
}

// Policy is how a multi channel engine arbitrates between channels with work queued.
type Policy int

const (
	RoundRobin Policy = iota
	StrictPriority
)

func (p Policy) String() string {
	if p == StrictPriority {
		return "strict_priority"
	}
	return "round_robin"
}

// ParsePolicy accepts "round_robin" and "strict_priority", with or without the underscore.
func ParsePolicy(s string) (Policy, error) {
	switch strings.ReplaceAll(strings.ToLower(s), "-", "_") {
	case "round_robin", "roundrobin", "rr":
		return RoundRobin, nil
	case "strict_priority", "strictpriority", "priority":
		return StrictPriority, nil
	}
	return 0, fmt.Errorf("%w: unknown scheduler policy %q", dmaerr.ErrInvalidParam, s)
}
