package engine

import (
	"fmt"
	"sync"

	"github.com/rcrowley/go-metrics"
	"github.com/slackhq/dmabench/descring"
	"github.com/slackhq/dmabench/poller"
)

type Direction int

const (
	// Loopback channels stream memory out (MM2S) and back in (S2MM) as a pair.
	Loopback Direction = iota
	// MemToMem channels read and write memory in one engine.
	MemToMem
)

func (d Direction) String() string {
	if d == MemToMem {
		return "mem-to-mem"
	}
	return "loopback"
}

// ChannelStats are the counters of one channel since construction or the last ClearStats.
type ChannelStats struct {
	Bytes     uint64
	Transfers uint64
	Errors    uint64
}

// Channel is the software state of one logical channel. Flags are guarded by a mutex since the harness may drive
// different engines from different goroutines while reading stats.
type Channel struct {
	ID  int
	Dir Direction
	// TX and RX are the descriptor rings of the two directions, nil when the engine has no ring for it. Memory to
	// memory engines only use TX.
	TX *descring.Ring
	RX *descring.Ring

	m         sync.Mutex
	enabled   bool
	busy      bool
	pending   uint32
	lastError uint32
	stats     ChannelStats

	mBytes     metrics.Counter
	mTransfers metrics.Counter
	mErrors    metrics.Counter
}

// NewChannel returns a disabled channel whose counters are mirrored to engine.<kind>.ch<id>.* in the default metrics
// registry.
func NewChannel(kind Kind, id int, dir Direction) *Channel {
	prefix := fmt.Sprintf("engine.%s.ch%d.", kind, id)
	return &Channel{
		ID:         id,
		Dir:        dir,
		mBytes:     metrics.GetOrRegisterCounter(prefix+"bytes", nil),
		mTransfers: metrics.GetOrRegisterCounter(prefix+"transfers", nil),
		mErrors:    metrics.GetOrRegisterCounter(prefix+"errors", nil),
	}
}

func (c *Channel) SetEnabled(on bool) {
	c.m.Lock()
	c.enabled = on
	c.m.Unlock()
}

func (c *Channel) Enabled() bool {
	c.m.Lock()
	defer c.m.Unlock()
	return c.enabled
}

// Begin marks the channel busy with a transfer of length bytes.
func (c *Channel) Begin(length uint32) {
	c.m.Lock()
	c.busy = true
	c.pending = length
	c.m.Unlock()
}

func (c *Channel) Busy() bool {
	c.m.Lock()
	defer c.m.Unlock()
	return c.busy
}

// Pending returns the length of the transfer last started.
func (c *Channel) Pending() uint32 {
	c.m.Lock()
	defer c.m.Unlock()
	return c.pending
}

// LastError returns the raw status recorded by the last RecordError.
func (c *Channel) LastError() uint32 {
	c.m.Lock()
	defer c.m.Unlock()
	return c.lastError
}

// RecordComplete counts the pending transfer and clears busy.
func (c *Channel) RecordComplete() {
	c.m.Lock()
	n := c.pending
	c.stats.Transfers++
	c.stats.Bytes += uint64(n)
	c.busy = false
	c.m.Unlock()

	c.mTransfers.Inc(1)
	c.mBytes.Inc(int64(n))
}

// RecordError counts a failed transfer and clears busy.
func (c *Channel) RecordError(status uint32) {
	c.m.Lock()
	c.stats.Errors++
	c.lastError = status
	c.busy = false
	c.m.Unlock()

	c.mErrors.Inc(1)
}

// RecordTimeout clears busy so the next test can start. Counters and the hardware channel are left alone.
func (c *Channel) RecordTimeout() {
	c.m.Lock()
	c.busy = false
	c.m.Unlock()
}

// FirstPhase returns a Recorder for the first half of a two phase wait. Errors are counted against the channel,
// completion is not since the transfer is only done when the second phase completes.
func (c *Channel) FirstPhase() poller.Recorder {
	return firstPhase{c}
}

type firstPhase struct {
	c *Channel
}

func (f firstPhase) RecordComplete()           {}
func (f firstPhase) RecordError(status uint32) { f.c.RecordError(status) }
func (f firstPhase) RecordTimeout()            { f.c.RecordTimeout() }

// ResetState clears the busy flag and the last error, as a hardware reset does. Counters are kept.
func (c *Channel) ResetState() {
	c.m.Lock()
	c.busy = false
	c.pending = 0
	c.lastError = 0
	c.m.Unlock()
}

func (c *Channel) Stats() ChannelStats {
	c.m.Lock()
	defer c.m.Unlock()
	return c.stats
}

func (c *Channel) ClearStats() {
	c.m.Lock()
	c.stats = ChannelStats{}
	c.m.Unlock()
}

// ReinitRings rewrites both rings, as re-enabling a channel does.
func (c *Channel) ReinitRings() error {
	for _, r := range []*descring.Ring{c.TX, c.RX} {
		if r == nil {
			continue
		}
		if err := r.Reinit(); err != nil {
			return err
		}
	}
	return nil
}

// ReclaimRings advances the tail of both rings over retired descriptors.
func (c *Channel) ReclaimRings() error {
	for _, r := range []*descring.Ring{c.TX, c.RX} {
		if r == nil {
			continue
		}
		if _, err := r.Reclaim(); err != nil {
			return err
		}
	}
	return nil
}
