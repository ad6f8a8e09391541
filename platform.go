package dmabench

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/slackhq/dmabench/bench"
	"github.com/slackhq/dmabench/clock"
	"github.com/slackhq/dmabench/config"
	"github.com/slackhq/dmabench/devmem"
	"github.com/slackhq/dmabench/dmaerr"
	"github.com/slackhq/dmabench/engine"
	"github.com/slackhq/dmabench/engine/axidma"
	"github.com/slackhq/dmabench/engine/cdma"
	"github.com/slackhq/dmabench/engine/lpd"
	"github.com/slackhq/dmabench/engine/mcdma"
	"github.com/slackhq/dmabench/memregion"
	"github.com/slackhq/dmabench/poller"
	"github.com/slackhq/dmabench/regs"
	"github.com/slackhq/dmabench/sim"
	"github.com/slackhq/dmabench/util"
)

const DefaultRingSize = 16

// platform is the target the engines run on, the simulated SoC or physical memory through /dev/mem.
type platform struct {
	name  string
	bench bench.Platform
	// regs returns the register window of an engine at base.
	regs  func(k engine.Kind, base uint64, size int) (regs.Registers, error)
	close func() error
}

func newPlatform(l *logrus.Logger, c *config.C, t *memregion.Table) (*platform, error) {
	switch name := c.GetString("platform", "sim"); name {
	case "sim":
		soc, err := sim.NewFromConfig(l, c, t)
		if err != nil {
			return nil, err
		}
		return &platform{
			name:  name,
			bench: bench.Platform{Table: t, Mem: soc.Cache, Sync: soc.Sync, Clock: soc.Clock},
			regs: func(k engine.Kind, _ uint64, _ int) (regs.Registers, error) {
				return soc.Regs(k), nil
			},
			close: func() error { return nil },
		}, nil

	case "devmem":
		path := c.GetString("devmem.path", devmem.DefaultPath)
		dm, err := devmem.Open(l, path, t)
		if err != nil {
			return nil, util.NewContextualError("Failed to open physical memory", map[string]any{"path": path}, err)
		}
		return &platform{
			name:  name,
			bench: bench.Platform{Table: t, Mem: dm, Sync: dm.Sync, Clock: clock.Real()},
			regs: func(_ engine.Kind, base uint64, size int) (regs.Registers, error) {
				return dm.Registers(base, size)
			},
			close: dm.Close,
		}, nil

	default:
		return nil, fmt.Errorf("%w: platform must be sim or devmem, not %q", dmaerr.ErrInvalidParam, name)
	}
}

// engineConfig is one entry of the engines section.
type engineConfig struct {
	kind     engine.Kind
	base     uint64
	mode     engine.Mode
	ringSize int
	channels int
	policy   engine.Policy
}

func (ec engineConfig) windowSize() int {
	switch ec.kind {
	case engine.AXIDMA:
		return axidma.WindowSize
	case engine.CDMA:
		return cdma.WindowSize
	case engine.MCDMA:
		return mcdma.WindowSize
	default:
		return lpd.WindowSize
	}
}

// maxChannels is the channel count the register window of the engine is sized for.
func (ec engineConfig) maxChannels() int {
	switch ec.kind {
	case engine.MCDMA:
		return mcdma.MaxChannels
	case engine.LPD:
		return lpd.NumChannels
	default:
		return 1
	}
}

// engineConfigs reads the enabled engines in report order. Engines are enabled unless engines.<kind>.enabled is
// false. A base address is required on real hardware only.
func engineConfigs(c *config.C, requireBase bool) ([]engineConfig, error) {
	var out []engineConfig
	for _, k := range engine.Kinds {
		prefix := "engines." + k.String() + "."
		if !c.GetBool(prefix+"enabled", true) {
			continue
		}

		ec := engineConfig{
			kind:     k,
			base:     c.GetByteSize(prefix+"base", 0),
			mode:     engine.ModeSimple,
			ringSize: c.GetInt(prefix+"ring_size", DefaultRingSize),
			policy:   engine.RoundRobin,
		}
		if requireBase && ec.base == 0 {
			return nil, fmt.Errorf("%w: %sbase must be set on real hardware", dmaerr.ErrInvalidParam, prefix)
		}
		if ec.base%4 != 0 {
			return nil, fmt.Errorf("%w: %sbase 0x%x is not 4 byte aligned", dmaerr.ErrInvalidParam, prefix, ec.base)
		}
		if ec.ringSize < 1 {
			return nil, fmt.Errorf("%w: %sring_size must be at least 1", dmaerr.ErrInvalidParam, prefix)
		}

		var err error
		if m := c.GetString(prefix+"mode", ""); m != "" {
			if ec.mode, err = engine.ParseMode(m); err != nil {
				return nil, fmt.Errorf("%smode: %w", prefix, err)
			}
		}

		switch k {
		case engine.MCDMA:
			ec.channels = c.GetInt(prefix+"channels", mcdma.MaxChannels)
			if p := c.GetString(prefix+"scheduler", ""); p != "" {
				if ec.policy, err = engine.ParsePolicy(p); err != nil {
					return nil, fmt.Errorf("%sscheduler: %w", prefix, err)
				}
			}
		case engine.LPD:
			ec.channels = c.GetInt(prefix+"channels", lpd.NumChannels)
		}
		if n := ec.maxChannels(); n > 1 && (ec.channels < 1 || ec.channels > n) {
			return nil, fmt.Errorf("%w: %schannels must be between 1 and %d, not %d", dmaerr.ErrInvalidParam, prefix, n, ec.channels)
		}

		out = append(out, ec)
	}
	return out, nil
}

// newEngines brings up every configured engine. On error the engines already up are closed again.
func newEngines(ctx context.Context, l *logrus.Logger, p *platform, ecs []engineConfig, interval time.Duration) ([]engine.TransferEngine, error) {
	var out []engine.TransferEngine
	fail := func(err error) ([]engine.TransferEngine, error) {
		return nil, errors.Join(err, closeEngines(ctx, out))
	}

	for _, ec := range ecs {
		r, err := p.regs(ec.kind, ec.base, ec.windowSize())
		if err != nil {
			return fail(util.NewContextualError("Failed to map engine registers", map[string]any{"engine": ec.kind.String(), "base": fmt.Sprintf("0x%x", ec.base)}, err))
		}

		d := engine.Deps{
			L:      l.WithField("platform", p.name),
			Regs:   r,
			Mem:    p.bench.Mem,
			Sync:   p.bench.Sync,
			Table:  p.bench.Table,
			Clock:  p.bench.Clock,
			Poller: poller.New(p.bench.Clock, interval),
		}

		var e engine.TransferEngine
		switch ec.kind {
		case engine.AXIDMA:
			e, err = axidma.New(ctx, d, axidma.Options{Mode: ec.mode, RingSize: ec.ringSize})
		case engine.CDMA:
			e, err = cdma.New(ctx, d, cdma.Options{Mode: ec.mode, RingSize: ec.ringSize})
		case engine.MCDMA:
			e, err = mcdma.New(ctx, d, mcdma.Options{Channels: ec.channels, RingSize: ec.ringSize, Policy: ec.policy})
		case engine.LPD:
			e, err = lpd.New(ctx, d, lpd.Options{Channels: ec.channels})
		}
		if err != nil {
			return fail(util.NewContextualError("Failed to initialize engine", map[string]any{"engine": ec.kind.String()}, err))
		}
		out = append(out, e)
	}
	return out, nil
}

func closeEngines(ctx context.Context, es []engine.TransferEngine) error {
	var errs []error
	for _, e := range es {
		if err := e.Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("closing %s: %w", e.Kind(), err))
		}
	}
	return errors.Join(errs...)
}
