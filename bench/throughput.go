package bench

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/slackhq/dmabench/clock"
	"github.com/slackhq/dmabench/dmaerr"
	"github.com/slackhq/dmabench/engine"
	"github.com/slackhq/dmabench/memregion"
	"github.com/slackhq/dmabench/pattern"
)

// Config returns the default single channel DDR4 to DDR4 configuration for kind at size.
func (r *Runner) Config(kind engine.Kind, size uint32) TestConfig {
	return TestConfig{
		Engine:  kind,
		Src:     memregion.DDR4,
		Dst:     memregion.DDR4,
		Pattern: r.opts.Pattern,
		Seed:    r.opts.Seed,
		Size:    size,
	}
}

type loopStats struct {
	ok       int
	errors   int
	elapsed  time.Duration
	min, max time.Duration
	sum      time.Duration
}

func (ls *loopStats) add(d time.Duration) {
	if ls.ok == 0 || d < ls.min {
		ls.min = d
	}
	if d > ls.max {
		ls.max = d
	}
	ls.sum += d
	ls.ok++
}

// loop is steps (b) to (e) of the measurement: untimed warm-up, timed iterations each preceded by a fresh
// prepare-destination, stop the clock, complete-destination once. Failed iterations are counted and the loop moves
// on, errors that no retry can fix end it.
func (r *Runner) loop(ctx context.Context, e engine.TransferEngine, req engine.Request, warmup, iters int) (loopStats, error) {
	var ls loopStats
	n := int(req.Length)

	for i := 0; i < warmup; i++ {
		if err := ctx.Err(); err != nil {
			return ls, err
		}
		r.p.Sync.PrepareDestination(req.Dst, n)
		if err := r.transfer(ctx, e, req); err != nil {
			if fatal(err) {
				return ls, err
			}
			r.resetAfter(ctx, e, err)
		}
	}

	start := r.p.Clock.Now()
	for i := 0; i < iters; i++ {
		if err := ctx.Err(); err != nil {
			return ls, err
		}
		r.p.Sync.PrepareDestination(req.Dst, n)

		t0 := r.p.Clock.Now()
		err := r.transfer(ctx, e, req)
		d := clock.Since(r.p.Clock, t0)
		if err != nil {
			if fatal(err) {
				return ls, err
			}
			ls.errors++
			r.resetAfter(ctx, e, err)
			continue
		}
		ls.add(d)
	}
	ls.elapsed = clock.Since(r.p.Clock, start)

	r.p.Sync.CompleteDestination(req.Dst, n)
	return ls, nil
}

func (r *Runner) regionName(id memregion.ID) string {
	reg, err := r.p.Table.Region(id)
	if err != nil {
		return fmt.Sprintf("region(%d)", int(id))
	}
	return reg.Name
}

func (r *Runner) newResult(name string, test TestKind, cfg TestConfig, iters int, ls loopStats) Result {
	res := Result{
		Engine:         name,
		Test:           test,
		Pattern:        cfg.Pattern,
		Size:           cfg.Size,
		Iterations:     iters,
		Channels:       1,
		TotalBytes:     uint64(cfg.Size) * uint64(ls.ok),
		TotalTime:      ls.elapsed,
		ThroughputMBps: Throughput(uint64(cfg.Size)*uint64(ls.ok), ls.elapsed),
		Errors:         ls.errors,
	}
	if ls.ok > 0 {
		res.LatencyAvg = ls.sum / time.Duration(ls.ok)
		res.LatencyMin = ls.min
		res.LatencyMax = ls.max
		res.MinThroughput = Throughput(uint64(cfg.Size), ls.max)
		res.MaxThroughput = Throughput(uint64(cfg.Size), ls.min)
		res.AvgThroughput = Throughput(res.TotalBytes, ls.sum)
	}
	return res
}

// run places the buffers of cfg, fills the source and measures.
func (r *Runner) run(ctx context.Context, test TestKind, cfg TestConfig) (Result, error) {
	e, err := r.engine(cfg.Engine)
	if err != nil {
		return Result{}, err
	}
	if cfg.Size == 0 {
		return Result{}, fmt.Errorf("%w: zero transfer size", dmaerr.ErrInvalidParam)
	}
	iters := cfg.Iterations
	if iters <= 0 {
		iters = r.opts.Iterations
	}

	src, dst, err := r.buffers(cfg)
	if err != nil {
		return Result{}, err
	}
	if err := enableChannel(e, cfg.Channel); err != nil {
		return Result{}, err
	}
	if err := r.fill(src.Addr, cfg.Size, cfg.Pattern, cfg.Seed); err != nil {
		return Result{}, err
	}

	req := engine.Request{Src: src.Addr, Dst: dst.Addr, Length: cfg.Size, Channel: cfg.Channel}
	ls, err := r.loop(ctx, e, req, r.opts.Warmup, iters)
	if err != nil {
		return Result{}, err
	}

	res := r.newResult(e.Kind().String(), test, cfg, iters, ls)
	res.Mode = e.Mode()
	res.Src = r.regionName(src.Region)
	res.Dst = r.regionName(dst.Region)
	res.FellBack = src.FellBack || dst.FellBack

	// only the last iteration is checked
	m, err := r.verify(dst.Addr, cfg.Size, cfg.Pattern, cfg.Seed)
	if err != nil {
		return res, err
	}
	res.Mismatch = m
	res.Integrity = m.OK
	return res, nil
}

// Throughput measures cfg and verifies the last iteration.
func (r *Runner) Throughput(ctx context.Context, cfg TestConfig) (Result, error) {
	return r.run(ctx, TestThroughput, cfg)
}

// Latency times LatencyIterations 64 byte transfers one by one.
func (r *Runner) Latency(ctx context.Context, kind engine.Kind) (Result, error) {
	cfg := r.Config(kind, 64)
	cfg.Iterations = r.opts.LatencyIterations
	return r.run(ctx, TestLatency, cfg)
}

// Integrity moves one buffer with every pattern and reports each.
func (r *Runner) Integrity(ctx context.Context, kind engine.Kind) ([]Result, error) {
	var out []Result
	for _, k := range pattern.Kinds {
		cfg := r.Config(kind, r.opts.ChannelSize)
		cfg.Pattern = k
		cfg.Iterations = 1

		res, err := r.run(ctx, TestIntegrity, cfg)
		r.record(res, err, kind.String(), TestIntegrity, cfg.Size)
		if err := ctx.Err(); err != nil {
			return out, err
		}
		if err == nil {
			out = append(out, res)
		}
	}
	return out, nil
}

// SetupTime measures how long Start takes to program the engine, from call to return, on the CPU clock. Completion
// is waited for outside the timed section.
func (r *Runner) SetupTime(ctx context.Context, kind engine.Kind, size uint32) (Result, error) {
	e, err := r.engine(kind)
	if err != nil {
		return Result{}, err
	}
	cfg := r.Config(kind, size)
	src, dst, err := r.buffers(cfg)
	if err != nil {
		return Result{}, err
	}
	if err := enableChannel(e, 0); err != nil {
		return Result{}, err
	}
	if err := r.fill(src.Addr, size, cfg.Pattern, cfg.Seed); err != nil {
		return Result{}, err
	}

	req := engine.Request{Src: src.Addr, Dst: dst.Addr, Length: size}
	var ls loopStats
	var setup time.Duration
	start := r.p.Clock.Now()
	for i := 0; i < r.opts.Iterations; i++ {
		if err := ctx.Err(); err != nil {
			return Result{}, err
		}
		r.p.Sync.PrepareDestination(dst.Addr, int(size))

		t0 := r.p.CPUClock.Now()
		err := e.Start(ctx, req)
		setup += clock.Since(r.p.CPUClock, t0)
		if err == nil {
			err = e.PollComplete(ctx, 0, r.opts.Timeout)
		}
		if err != nil {
			if fatal(err) {
				return Result{}, err
			}
			ls.errors++
			r.resetAfter(ctx, e, err)
			continue
		}
		ls.ok++
	}
	ls.elapsed = clock.Since(r.p.Clock, start)
	r.p.Sync.CompleteDestination(dst.Addr, int(size))

	res := r.newResult(kind.String(), TestSetup, cfg, r.opts.Iterations, ls)
	res.Mode = e.Mode()
	res.Src, res.Dst = r.regionName(src.Region), r.regionName(dst.Region)
	res.SetupTime = setup / time.Duration(r.opts.Iterations)

	m, err := r.verify(dst.Addr, size, cfg.Pattern, cfg.Seed)
	if err != nil {
		return res, err
	}
	res.Mismatch, res.Integrity = m, m.OK
	return res, nil
}

// CPUBaseline copies between two DDR4 buffers with the CPU, timed on the CPU clock and reported with the same formula
// as the engines.
func (r *Runner) CPUBaseline(ctx context.Context, size uint32) (Result, error) {
	cfg := TestConfig{Src: memregion.DDR4, Dst: memregion.DDR4, Pattern: r.opts.Pattern, Seed: r.opts.Seed, Size: size}
	src, dst, err := r.buffers(cfg)
	if err != nil {
		return Result{}, err
	}
	if err := r.fill(src.Addr, size, cfg.Pattern, cfg.Seed); err != nil {
		return Result{}, err
	}

	buf := make([]byte, min(int(size), chunk))
	var ls loopStats
	start := r.p.CPUClock.Now()
	for i := 0; i < r.opts.Iterations; i++ {
		if err := ctx.Err(); err != nil {
			return Result{}, err
		}
		t0 := r.p.CPUClock.Now()
		if err := r.cpuCopy(dst.Addr, src.Addr, size, buf); err != nil {
			return Result{}, err
		}
		ls.add(clock.Since(r.p.CPUClock, t0))
	}
	ls.elapsed = clock.Since(r.p.CPUClock, start)

	res := r.newResult(CPU, TestThroughput, cfg, r.opts.Iterations, ls)
	res.Src, res.Dst = r.regionName(src.Region), r.regionName(dst.Region)
	m, err := r.verify(dst.Addr, size, cfg.Pattern, cfg.Seed)
	if err != nil {
		return res, err
	}
	res.Mismatch, res.Integrity = m, m.OK
	return res, nil
}

func (r *Runner) cpuCopy(dst, src uint64, size uint32, buf []byte) error {
	for off := 0; off < int(size); off += len(buf) {
		n := min(len(buf), int(size)-off)
		if err := r.p.Mem.ReadAt(buf[:n], src+uint64(off)); err != nil {
			return err
		}
		if err := r.p.Mem.WriteAt(buf[:n], dst+uint64(off)); err != nil {
			return err
		}
	}
	return nil
}

// SizeSweep measures throughput at every configured size the engine can move in one transfer.
func (r *Runner) SizeSweep(ctx context.Context, kind engine.Kind) ([]Result, error) {
	e, err := r.engine(kind)
	if err != nil {
		return nil, err
	}

	var out []Result
	for _, size := range r.opts.Sizes {
		if size > e.Capabilities().MaxTransfer {
			r.l.WithField("engine", kind.String()).WithField("size", size).Debug("Size exceeds the engine maximum, skipped")
			continue
		}
		res, err := r.Throughput(ctx, r.Config(kind, size))
		if cerr := ctx.Err(); cerr != nil {
			return out, cerr
		}
		r.record(res, err, kind.String(), TestThroughput, size)
		if err == nil {
			out = append(out, res)
		}
	}
	return out, nil
}

// MemoryMatrix measures every pair of allocatable benchmark regions as source and destination.
func (r *Runner) MemoryMatrix(ctx context.Context, kind engine.Kind) ([]Result, error) {
	var ids []memregion.ID
	for i, reg := range r.p.Table.Regions() {
		if reg.Allocatable && reg.TestSize > 0 && memregion.ID(i) != memregion.Descriptors {
			ids = append(ids, memregion.ID(i))
		}
	}

	var out []Result
	for _, s := range ids {
		for _, d := range ids {
			cfg := r.Config(kind, r.opts.MatrixSize)
			cfg.Src, cfg.Dst = s, d

			res, err := r.Throughput(ctx, cfg)
			if cerr := ctx.Err(); cerr != nil {
				return out, cerr
			}
			r.record(res, err, kind.String(), TestThroughput, cfg.Size)
			if err == nil {
				out = append(out, res)
			}
		}
	}
	return out, nil
}

// Comparison measures every engine and the CPU at ComparisonSize.
func (r *Runner) Comparison(ctx context.Context) ([]Result, error) {
	size := r.opts.ComparisonSize
	var out []Result
	fields := logrus.Fields{"size": size}

	for _, k := range r.Engines() {
		res, err := r.Throughput(ctx, r.Config(k, size))
		if cerr := ctx.Err(); cerr != nil {
			return out, cerr
		}
		res.Test = TestComparison
		r.record(res, err, k.String(), TestComparison, size)
		if err == nil {
			out = append(out, res)
			fields[k.String()+"_mbps"] = res.ThroughputMBps
		}
	}

	res, err := r.CPUBaseline(ctx, size)
	if cerr := ctx.Err(); cerr != nil {
		return out, cerr
	}
	res.Test = TestComparison
	r.record(res, err, CPU, TestComparison, size)
	if err == nil {
		out = append(out, res)
		fields[CPU+"_mbps"] = res.ThroughputMBps
	}

	var best Result
	for _, res := range out {
		if res.ThroughputMBps > best.ThroughputMBps {
			best = res
		}
	}
	if best.Engine != "" {
		fields["fastest"] = best.Engine
	}
	r.l.WithFields(fields).Info("Engine comparison")
	return out, nil
}
