package sim

import (
	"fmt"
	"sync"
	"time"

	"github.com/slackhq/dmabench/clock"
	"github.com/slackhq/dmabench/descring"
)

// Fault is a failure injected into the next transfer of a channel.
type Fault int

const (
	FaultNone Fault = iota
	// FaultDecode fails the transfer with a decode error, as an access to an unmapped address does.
	FaultDecode
	// FaultSlave fails the transfer with a slave error.
	FaultSlave
	// FaultStall never completes the transfer.
	FaultStall
)

func (f Fault) String() string {
	switch f {
	case FaultNone:
		return "none"
	case FaultDecode:
		return "decode"
	case FaultSlave:
		return "slave"
	case FaultStall:
		return "stall"
	}
	return fmt.Sprintf("fault(%d)", int(f))
}

// Timing turns a transfer length into the time the engine takes for it.
type Timing struct {
	// BytesPerSecond is the streaming rate once the transfer is set up.
	BytesPerSecond float64
	// Setup is the fixed cost of every transfer.
	Setup time.Duration
}

// Duration returns how long a transfer of n bytes takes.
func (t Timing) Duration(n uint32) time.Duration {
	d := t.Setup
	if t.BytesPerSecond > 0 {
		d += time.Duration(float64(n) / t.BytesPerSecond * float64(time.Second))
	}
	return d
}

// faults holds one pending fault per channel.
type faults struct {
	m  sync.Mutex
	by map[int]Fault
}

func (f *faults) set(ch int, ft Fault) {
	f.m.Lock()
	defer f.m.Unlock()
	if f.by == nil {
		f.by = make(map[int]Fault)
	}
	f.by[ch] = ft
}

// take returns and clears the pending fault of ch.
func (f *faults) take(ch int) Fault {
	f.m.Lock()
	defer f.m.Unlock()
	ft := f.by[ch]
	delete(f.by, ch)
	return ft
}

// job is one transfer in flight inside a model. Completion is evaluated lazily when a status register is read, at
// which point the data moves.
type job struct {
	src    uint64
	dst    uint64
	length uint32
	due    time.Time
	fault  Fault
	// desc is the address of the descriptor to retire, 0 for register programmed transfers.
	desc uint64
	// fill writes word over the destination instead of copying.
	fill bool
	word uint32
}

func (j *job) ready(clk clock.Clock) bool {
	return j != nil && j.fault != FaultStall && !clk.Now().Before(j.due)
}

// readDesc fetches a descriptor the way an engine does, from memory and not through the CPU cache.
func readDesc(mem *Memory, addr uint64) (descring.Descriptor, error) {
	var b [descring.DescriptorSize]byte
	if err := mem.ReadAt(b[:], addr); err != nil {
		return descring.Descriptor{}, err
	}
	return descring.Unmarshal(b[:]), nil
}

// retireDesc writes the status word of the descriptor at addr.
func retireDesc(mem *Memory, addr uint64, status uint32) {
	if addr == 0 {
		return
	}
	d, err := readDesc(mem, addr)
	if err != nil {
		return
	}
	d.Status = status
	var b [descring.DescriptorSize]byte
	d.MarshalTo(b[:])
	_ = mem.WriteAt(b[:], addr)
}
