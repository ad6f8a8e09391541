// Package bench is the benchmark harness. It places buffers, runs warm-up and timed transfer loops against the
// engines with the cache maintenance protocol around them, verifies the data and turns elapsed time into the
// throughput and latency figures that are logged and exported as metrics.
package bench

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/slackhq/dmabench/cachesync"
	"github.com/slackhq/dmabench/clock"
	"github.com/slackhq/dmabench/config"
	"github.com/slackhq/dmabench/dmaerr"
	"github.com/slackhq/dmabench/engine"
	"github.com/slackhq/dmabench/engine/lpd"
	"github.com/slackhq/dmabench/memregion"
	"github.com/slackhq/dmabench/pattern"
	"github.com/slackhq/dmabench/poller"
	"github.com/slackhq/dmabench/sched"
)

const (
	KiB = 1 << 10
	MiB = 1 << 20

	DefaultWarmup     = 10
	DefaultIterations = 100
	DefaultSeed       = 0x12345678
	DefaultDstOffset  = 16 * MiB
)

// DefaultSizes is the transfer size sweep, 64 bytes to 16 MiB in powers of two.
var DefaultSizes = func() []uint32 {
	var s []uint32
	for n := uint32(64); n <= 16*MiB; n <<= 1 {
		s = append(s, n)
	}
	return s
}()

// Suites lists the suite names Suite understands.
var Suites = []string{
	"throughput", "latency", "setup", "integrity", "cpu", "matrix", "comparison",
	"scalability", "fairness", "concurrent", "stress", "multistress",
}

type StressOptions struct {
	Duration       time.Duration
	ReportInterval time.Duration
	VerifyEvery    int
	Size           uint32
	Engines        []engine.Kind
}

type Options struct {
	Warmup     int
	Iterations int
	Seed       uint32
	SrcOffset  uint64
	DstOffset  uint64
	Sizes      []uint32
	Pattern    pattern.Kind
	Timeout    time.Duration

	LatencyIterations int
	ComparisonSize    uint32
	MatrixSize        uint32
	ChannelSize       uint32
	ChannelCounts     []int
	FairnessRounds    int
	Policy            engine.Policy

	Suites []string
	Stress StressOptions
}

func DefaultOptions() Options {
	return Options{
		Warmup:            DefaultWarmup,
		Iterations:        DefaultIterations,
		Seed:              DefaultSeed,
		DstOffset:         DefaultDstOffset,
		Sizes:             slices.Clone(DefaultSizes),
		Pattern:           pattern.Incremental,
		Timeout:           poller.DefaultTimeout,
		LatencyIterations: 1000,
		ComparisonSize:    1 * MiB,
		MatrixSize:        32 * KiB,
		ChannelSize:       64 * KiB,
		ChannelCounts:     []int{1, 2, 4, 8, 16},
		FairnessRounds:    100,
		Policy:            engine.RoundRobin,
		Suites:            []string{"throughput", "comparison"},
		Stress: StressOptions{
			Duration:       time.Minute,
			ReportInterval: 60 * time.Second,
			VerifyEvery:    100,
			Size:           1 * MiB,
			Engines:        []engine.Kind{engine.CDMA},
		},
	}
}

// OptionsFromConfig reads the bench and dma sections.
func OptionsFromConfig(c *config.C) (Options, error) {
	o := DefaultOptions()

	o.Warmup = c.GetInt("bench.warmup", o.Warmup)
	o.Iterations = c.GetInt("bench.iterations", o.Iterations)
	o.Seed = c.GetUint32("bench.seed", o.Seed)
	o.SrcOffset = c.GetByteSize("bench.src_offset", o.SrcOffset)
	o.DstOffset = c.GetByteSize("bench.dst_offset", o.DstOffset)
	o.Timeout = c.GetDuration("dma.timeout", o.Timeout)
	o.LatencyIterations = c.GetInt("bench.latency_iterations", o.LatencyIterations)
	o.ComparisonSize = uint32(c.GetByteSize("bench.comparison_size", uint64(o.ComparisonSize)))
	o.MatrixSize = uint32(c.GetByteSize("bench.matrix_size", uint64(o.MatrixSize)))
	o.ChannelSize = uint32(c.GetByteSize("bench.channel_size", uint64(o.ChannelSize)))
	o.FairnessRounds = c.GetInt("bench.fairness_rounds", o.FairnessRounds)

	if o.Warmup < 0 || o.Iterations < 1 || o.LatencyIterations < 1 {
		return o, fmt.Errorf("%w: bench.warmup must be >= 0 and bench.iterations >= 1", dmaerr.ErrInvalidParam)
	}

	if raw := c.GetStringSlice("bench.sizes", nil); len(raw) > 0 {
		o.Sizes = o.Sizes[:0]
		for _, s := range raw {
			n, err := config.ParseByteSize(s)
			if err != nil || n == 0 || n > 1<<32-1 {
				return o, fmt.Errorf("%w: bench.sizes entry %q", dmaerr.ErrInvalidParam, s)
			}
			o.Sizes = append(o.Sizes, uint32(n))
		}
	}

	var err error
	if p := c.GetString("bench.pattern", ""); p != "" {
		if o.Pattern, err = pattern.ParseKind(p); err != nil {
			return o, err
		}
	}
	if p := c.GetString("engines.mcdma.scheduler", ""); p != "" {
		if o.Policy, err = engine.ParsePolicy(p); err != nil {
			return o, err
		}
	}

	if raw := c.GetStringSlice("bench.suites", nil); len(raw) > 0 {
		o.Suites = o.Suites[:0]
		for _, s := range raw {
			s = strings.ToLower(s)
			if !slices.Contains(Suites, s) {
				return o, fmt.Errorf("%w: unknown suite %q", dmaerr.ErrInvalidParam, s)
			}
			o.Suites = append(o.Suites, s)
		}
	}

	o.Stress.Duration = c.GetDuration("bench.stress.duration", o.Stress.Duration)
	o.Stress.ReportInterval = c.GetDuration("bench.stress.report_interval", o.Stress.ReportInterval)
	o.Stress.VerifyEvery = c.GetInt("bench.stress.verify_every", o.Stress.VerifyEvery)
	o.Stress.Size = uint32(c.GetByteSize("bench.stress.size", uint64(o.Stress.Size)))
	if raw := c.GetStringSlice("bench.stress.engines", nil); len(raw) > 0 {
		o.Stress.Engines = o.Stress.Engines[:0]
		for _, s := range raw {
			k, err := engine.ParseKind(s)
			if err != nil {
				return o, fmt.Errorf("bench.stress.engines: %w", err)
			}
			o.Stress.Engines = append(o.Stress.Engines, k)
		}
	}
	if o.Stress.VerifyEvery < 1 {
		o.Stress.VerifyEvery = 1
	}

	return o, nil
}

// Platform is what the harness needs from the target besides the engines.
type Platform struct {
	Table *memregion.Table
	// Mem is the CPU view of memory the buffers are filled and verified through.
	Mem   memregion.Memory
	Sync  *cachesync.Sync
	Clock clock.Clock
	// CPUClock times work done by the CPU itself, the memcpy baseline and register programming. It defaults to the
	// wall clock since that work really runs on this host even when Clock is virtual.
	CPUClock clock.Clock
}

// Runner owns the engines for the duration of a benchmark. Scenarios that use several goroutines give each engine to
// exactly one of them.
type Runner struct {
	l    *logrus.Logger
	opts Options
	p    Platform

	engines map[engine.Kind]engine.TransferEngine
	multi   map[engine.Kind]sched.MultiChannel

	Stats *Stats
}

func NewRunner(l *logrus.Logger, opts Options, p Platform, engines ...engine.TransferEngine) *Runner {
	if p.CPUClock == nil {
		p.CPUClock = clock.Real()
	}
	r := &Runner{
		l:       l,
		opts:    opts,
		p:       p,
		engines: make(map[engine.Kind]engine.TransferEngine),
		multi:   make(map[engine.Kind]sched.MultiChannel),
		Stats:   NewStats(nil),
	}

	for _, e := range engines {
		r.engines[e.Kind()] = e
		switch v := e.(type) {
		case sched.MultiChannel:
			r.multi[e.Kind()] = v
		case *lpd.Engine:
			r.multi[e.Kind()] = sched.NewLPDChannels(l.WithField("engine", e.Kind().String()), v)
		}
	}
	return r
}

func (r *Runner) Options() Options { return r.opts }

// Engines returns the kinds under test in report order.
func (r *Runner) Engines() []engine.Kind {
	var ks []engine.Kind
	for _, k := range engine.Kinds {
		if _, ok := r.engines[k]; ok {
			ks = append(ks, k)
		}
	}
	return ks
}

// Engine returns the engine of kind k, nil when it is not under test.
func (r *Runner) Engine(k engine.Kind) engine.TransferEngine {
	return r.engines[k]
}

func (r *Runner) engine(k engine.Kind) (engine.TransferEngine, error) {
	e, ok := r.engines[k]
	if !ok {
		return nil, fmt.Errorf("%w: engine %s is not enabled", dmaerr.ErrNotInit, k)
	}
	return e, nil
}

func (r *Runner) multiChannel(k engine.Kind) (sched.MultiChannel, error) {
	if _, err := r.engine(k); err != nil {
		return nil, err
	}
	mc, ok := r.multi[k]
	if !ok {
		return nil, fmt.Errorf("%w: engine %s has a single channel", dmaerr.ErrNotSupported, k)
	}
	return mc, nil
}

// enableChannel enables ch on engines that gate channels individually.
func enableChannel(e engine.TransferEngine, ch int) error {
	if en, ok := e.(interface{ EnableChannel(int) error }); ok {
		return en.EnableChannel(ch)
	}
	return nil
}

// place returns the address of a size byte buffer at offset in region id, or in DDR4 at the same offset when the
// region cannot hold it and memory.allow_fallback is set. Regions too small for offset start at small instead.
func (r *Runner) place(id memregion.ID, offset, small, size uint64) (memregion.Placement, error) {
	reg, err := r.p.Table.Region(id)
	if err != nil {
		return memregion.Placement{}, err
	}
	if offset+size > reg.TestSize {
		offset = small
	}
	return r.p.Table.Place(id, offset, memregion.DDR4, offset, size)
}

// buffers places the source and destination of cfg. In regions too small for the configured offsets the source
// starts at 0 and the destination right after it.
func (r *Runner) buffers(cfg TestConfig) (src, dst memregion.Placement, err error) {
	size := uint64(cfg.Size)
	if src, err = r.place(cfg.Src, r.opts.SrcOffset, 0, size); err != nil {
		return src, dst, fmt.Errorf("placing source: %w", err)
	}
	if dst, err = r.place(cfg.Dst, r.opts.DstOffset, size, size); err != nil {
		return src, dst, fmt.Errorf("placing destination: %w", err)
	}
	return src, dst, nil
}

// scratch returns a buffer pair in DDR4 for scenarios that run several engines or channels at once, slot picks a
// disjoint pair.
func (r *Runner) scratch(slot int, size uint32) (src, dst uint64, err error) {
	stride := 2 * max(uint64(size), MiB)
	off := r.opts.SrcOffset + 2*r.opts.DstOffset + uint64(slot)*stride
	if src, err = r.p.Table.TestAddr(memregion.DDR4, off, uint64(size)); err != nil {
		return 0, 0, err
	}
	if dst, err = r.p.Table.TestAddr(memregion.DDR4, off+stride/2, uint64(size)); err != nil {
		return 0, 0, err
	}
	return src, dst, nil
}

const chunk = 64 * KiB

// fill writes the pattern into size bytes at addr and flushes it for the engine.
func (r *Runner) fill(addr uint64, size uint32, k pattern.Kind, seed uint32) error {
	s := pattern.Expected(k, seed)
	buf := make([]byte, min(int(size), chunk))
	for off := 0; off < int(size); off += len(buf) {
		n := min(len(buf), int(size)-off)
		_, _ = s.Read(buf[:n])
		if err := r.p.Mem.WriteAt(buf[:n], addr+uint64(off)); err != nil {
			return err
		}
	}
	r.p.Sync.PrepareSource(addr, int(size))
	return nil
}

// verify compares size bytes at addr with the pattern. The caller has already completed the destination.
func (r *Runner) verify(addr uint64, size uint32, k pattern.Kind, seed uint32) (pattern.Mismatch, error) {
	s := pattern.Expected(k, seed)
	buf := make([]byte, min(int(size), chunk))
	for off := 0; off < int(size); off += len(buf) {
		n := min(len(buf), int(size)-off)
		if err := r.p.Mem.ReadAt(buf[:n], addr+uint64(off)); err != nil {
			return pattern.Mismatch{}, err
		}
		for i, b := range buf[:n] {
			if want := s.Next(); b != want {
				return pattern.Mismatch{Offset: off + i, Expected: want, Actual: b}, nil
			}
		}
	}
	return pattern.Mismatch{OK: true}, nil
}

func (r *Runner) transfer(ctx context.Context, e engine.TransferEngine, req engine.Request) error {
	if err := e.Start(ctx, req); err != nil {
		return err
	}
	return e.PollComplete(ctx, req.Channel, r.opts.Timeout)
}

// resetAfter resets the engine after a failure that leaves the hardware stopped or still running, so the next transfer
// can proceed.
func (r *Runner) resetAfter(ctx context.Context, e engine.TransferEngine, err error) {
	if !errors.Is(err, dmaerr.ErrTimeout) && !errors.Is(err, dmaerr.ErrDMAFail) && !errors.Is(err, dmaerr.ErrBusy) {
		return
	}
	if rerr := e.Reset(ctx); rerr != nil {
		r.l.WithField("engine", e.Kind().String()).WithError(rerr).Error("Engine reset failed")
		return
	}
	r.l.WithField("engine", e.Kind().String()).WithField("code", dmaerr.Code(err)).Debug("Engine reset after a failed transfer")
}

// fatal reports whether err means no later transfer on the engine can succeed either.
func fatal(err error) bool {
	return errors.Is(err, dmaerr.ErrInvalidParam) || errors.Is(err, dmaerr.ErrNotInit) ||
		errors.Is(err, dmaerr.ErrNotSupported) || errors.Is(err, dmaerr.ErrNoMemory) ||
		errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

// record reports a finished test and counts it.
func (r *Runner) record(res Result, err error, name string, test TestKind, size uint32) {
	if err != nil {
		r.l.WithFields(logrus.Fields{
			"engine": name,
			"test":   test.String(),
			"size":   size,
			"code":   dmaerr.Code(err),
		}).WithError(err).Error("Test could not run")
		r.Stats.RecordFailure(name, test)
		return
	}
	Report(r.l, res)
	r.Stats.Record(res)
}
