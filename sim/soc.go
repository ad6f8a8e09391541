// Package sim is an in process model of the SoC the benchmark targets: physical memory regions, a write-back CPU
// data cache and behavioural models of the four DMA engines, all driven through register writes. Time comes from an
// injected clock, so with a fake clock a whole benchmark runs deterministically in virtual time.
package sim

import (
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/slackhq/dmabench/cachesync"
	"github.com/slackhq/dmabench/clock"
	"github.com/slackhq/dmabench/config"
	"github.com/slackhq/dmabench/dmaerr"
	"github.com/slackhq/dmabench/engine"
	"github.com/slackhq/dmabench/memregion"
	"github.com/slackhq/dmabench/poller"
	"github.com/slackhq/dmabench/regs"
)

const (
	DefaultBandwidth = 1000 << 20
	DefaultSetup     = 2 * time.Microsecond
)

type Options struct {
	Timing Timing
	// AXISG and CDMASG set whether the streaming and memory to memory engines were built with scatter/gather.
	AXISG  bool
	CDMASG bool
}

func DefaultOptions() Options {
	return Options{
		Timing: Timing{BytesPerSecond: DefaultBandwidth, Setup: DefaultSetup},
		AXISG:  true,
		CDMASG: true,
	}
}

// SoC holds the simulated platform. Mem is what engines see, Cache is what the CPU sees and also the cache
// maintenance collaborator behind Sync.
type SoC struct {
	Clock clock.Clock
	Table *memregion.Table
	Mem   *Memory
	Cache *Cache
	Sync  *cachesync.Sync

	regs   map[engine.Kind]*regs.Map
	faults map[engine.Kind]*faults
}

func New(clk clock.Clock, t *memregion.Table, opts Options) *SoC {
	mem := NewMemory(t)
	cache := NewCache(mem, t)

	s := &SoC{
		Clock:  clk,
		Table:  t,
		Mem:    mem,
		Cache:  cache,
		Sync:   cachesync.New(cache, t),
		regs:   make(map[engine.Kind]*regs.Map),
		faults: make(map[engine.Kind]*faults),
	}

	for _, k := range engine.Kinds {
		s.regs[k] = regs.NewMap()
		s.faults[k] = &faults{}
	}

	newAXIDMA(s.regs[engine.AXIDMA], mem, clk, opts.Timing, opts.AXISG, s.faults[engine.AXIDMA])
	newCDMA(s.regs[engine.CDMA], mem, clk, opts.Timing, opts.CDMASG, s.faults[engine.CDMA])
	newMCDMA(s.regs[engine.MCDMA], mem, clk, opts.Timing, s.faults[engine.MCDMA])
	newLPD(s.regs[engine.LPD], mem, clk, opts.Timing, s.faults[engine.LPD])
	return s
}

// NewFromConfig builds a SoC from the sim section. sim.clock selects virtual time, the default, or the wall clock.
func NewFromConfig(l *logrus.Logger, c *config.C, t *memregion.Table) (*SoC, error) {
	opts := DefaultOptions()

	if mbps := c.GetInt("sim.bandwidth_mbps", 0); mbps > 0 {
		opts.Timing.BytesPerSecond = float64(mbps) * (1 << 20)
	}
	opts.Timing.Setup = c.GetDuration("sim.setup_latency", opts.Timing.Setup)
	opts.AXISG = c.GetBool("sim.axidma_sg", opts.AXISG)
	opts.CDMASG = c.GetBool("sim.cdma_sg", opts.CDMASG)

	var clk clock.Clock
	switch mode := c.GetString("sim.clock", "virtual"); mode {
	case "virtual", "fake":
		clk = clock.NewFake(time.Time{})
	case "real", "wall":
		clk = clock.Real()
	default:
		return nil, fmt.Errorf("%w: sim.clock must be virtual or real, not %q", dmaerr.ErrInvalidParam, mode)
	}

	l.WithFields(logrus.Fields{
		"bandwidthMBps": opts.Timing.BytesPerSecond / (1 << 20),
		"setup":         opts.Timing.Setup,
		"clock":         c.GetString("sim.clock", "virtual"),
	}).Info("Simulated platform ready")

	return New(clk, t, opts), nil
}

// Regs returns the register file of an engine.
func (s *SoC) Regs(k engine.Kind) *regs.Map {
	return s.regs[k]
}

// Inject makes the next transfer on channel ch of engine k fail with f.
func (s *SoC) Inject(k engine.Kind, ch int, f Fault) {
	if fs := s.faults[k]; fs != nil {
		fs.set(ch, f)
	}
}

// Deps returns the collaborators an engine of kind k needs on this platform.
func (s *SoC) Deps(l logrus.FieldLogger, k engine.Kind, p *poller.Poller) engine.Deps {
	return engine.Deps{
		L:      l,
		Regs:   s.regs[k],
		Mem:    s.Cache,
		Sync:   s.Sync,
		Table:  s.Table,
		Clock:  s.Clock,
		Poller: p,
	}
}
