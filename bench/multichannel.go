package bench

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/slackhq/dmabench/clock"
	"github.com/slackhq/dmabench/dmaerr"
	"github.com/slackhq/dmabench/engine"
	"github.com/slackhq/dmabench/pattern"
	"github.com/slackhq/dmabench/sched"
	"golang.org/x/sync/errgroup"
)

// group is the buffers of one multi channel run, one scratch pair per channel.
type group struct {
	reqs  []engine.Request
	seeds []uint32
}

func (r *Runner) newGroup(n int, size uint32) (group, error) {
	g := group{reqs: make([]engine.Request, n), seeds: make([]uint32, n)}
	for ch := 0; ch < n; ch++ {
		src, dst, err := r.scratch(ch, size)
		if err != nil {
			return g, err
		}
		g.seeds[ch] = r.opts.Seed + uint32(ch)
		if err := r.fill(src, size, r.opts.Pattern, g.seeds[ch]); err != nil {
			return g, err
		}
		g.reqs[ch] = engine.Request{Src: src, Dst: dst, Length: size, Channel: ch}
	}
	return g, nil
}

func (r *Runner) prepareGroup(g group) {
	for _, req := range g.reqs {
		r.p.Sync.PrepareDestination(req.Dst, int(req.Length))
	}
}

// verifyGroup completes every destination and returns the first mismatch.
func (r *Runner) verifyGroup(g group) (pattern.Mismatch, error) {
	for ch, req := range g.reqs {
		r.p.Sync.CompleteDestination(req.Dst, int(req.Length))
		m, err := r.verify(req.Dst, req.Length, r.opts.Pattern, g.seeds[ch])
		if err != nil || !m.OK {
			return m, err
		}
	}
	return pattern.Mismatch{OK: true}, nil
}

// Channels fires one transfer of size on each of n channels per iteration through the scheduler and waits for all of
// them, reporting the aggregate throughput.
func (r *Runner) Channels(ctx context.Context, kind engine.Kind, n int, size uint32) (Result, error) {
	mc, err := r.multiChannel(kind)
	if err != nil {
		return Result{}, err
	}
	e := r.engines[kind]
	s := sched.New(r.l.WithField("engine", kind.String()), mc)
	if err := s.Configure(r.opts.Policy, n); err != nil {
		return Result{}, err
	}
	g, err := r.newGroup(n, size)
	if err != nil {
		return Result{}, err
	}

	for i := 0; i < r.opts.Warmup; i++ {
		r.prepareGroup(g)
		if err := s.RunOnce(ctx, g.reqs, r.opts.Timeout); err != nil {
			if fatal(err) {
				return Result{}, err
			}
			r.resetAfter(ctx, e, err)
		}
	}

	var ls loopStats
	start := r.p.Clock.Now()
	for i := 0; i < r.opts.Iterations; i++ {
		if err := ctx.Err(); err != nil {
			return Result{}, err
		}
		r.prepareGroup(g)
		t0 := r.p.Clock.Now()
		if err := s.RunOnce(ctx, g.reqs, r.opts.Timeout); err != nil {
			if fatal(err) {
				return Result{}, err
			}
			ls.errors++
			r.resetAfter(ctx, e, err)
			continue
		}
		ls.add(clock.Since(r.p.Clock, t0))
	}
	ls.elapsed = clock.Since(r.p.Clock, start)

	res := r.newResult(kind.String(), TestMultiChannel, TestConfig{Pattern: r.opts.Pattern, Size: size}, r.opts.Iterations, ls)
	res.Mode = e.Mode()
	res.Channels = n
	res.TotalBytes *= uint64(n)
	res.ThroughputMBps = Throughput(res.TotalBytes, ls.elapsed)
	res.AvgThroughput = Throughput(res.TotalBytes, ls.sum)
	res.MinThroughput = Throughput(uint64(size)*uint64(n), ls.max)
	res.MaxThroughput = Throughput(uint64(size)*uint64(n), ls.min)

	m, err := r.verifyGroup(g)
	if err != nil {
		return res, err
	}
	res.Mismatch, res.Integrity = m, m.OK
	return res, nil
}

// Scalability runs Channels for every configured channel count the engine has, reporting each count's per channel
// throughput against the single channel figure.
func (r *Runner) Scalability(ctx context.Context, kind engine.Kind) ([]Result, error) {
	mc, err := r.multiChannel(kind)
	if err != nil {
		return nil, err
	}

	var out []Result
	var single uint64
	for _, n := range r.opts.ChannelCounts {
		if n > mc.Channels() {
			continue
		}
		res, err := r.Channels(ctx, kind, n, r.opts.ChannelSize)
		if cerr := ctx.Err(); cerr != nil {
			return out, cerr
		}
		if err == nil {
			if n == 1 {
				single = res.ThroughputMBps
			}
			res.Scaling = Efficiency(float64(res.ThroughputMBps)/float64(n), float64(single))
			out = append(out, res)
		}
		r.record(res, err, kind.String(), TestMultiChannel, r.opts.ChannelSize)
	}
	return out, nil
}

// Fairness fires all channels once per round under the configured policy and compares the throughput each channel
// saw, from the round's start to its own completion.
func (r *Runner) Fairness(ctx context.Context, kind engine.Kind, channels int) (Result, error) {
	mc, err := r.multiChannel(kind)
	if err != nil {
		return Result{}, err
	}
	e := r.engines[kind]
	n := min(channels, mc.Channels())
	size := r.opts.ChannelSize

	s := sched.New(r.l.WithField("engine", kind.String()), mc)
	if err := s.Configure(r.opts.Policy, n); err != nil {
		return Result{}, err
	}
	g, err := r.newGroup(n, size)
	if err != nil {
		return Result{}, err
	}

	bytes := make([]uint64, n)
	elapsed := make([]time.Duration, n)
	var ls loopStats

	start := r.p.Clock.Now()
	for i := 0; i < r.opts.FairnessRounds; i++ {
		if err := ctx.Err(); err != nil {
			return Result{}, err
		}
		r.prepareGroup(g)

		t0 := r.p.Clock.Now()
		err := errors.Join(s.FireAll(ctx, g.reqs), s.WaitEach(ctx, r.opts.Timeout, func(ch int, err error) {
			if err == nil {
				elapsed[ch] += clock.Since(r.p.Clock, t0)
				bytes[ch] += uint64(size)
			}
		}))
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

	res := Result{
		Engine:     kind.String(),
		Test:       TestMultiChannel,
		Pattern:    r.opts.Pattern,
		Mode:       e.Mode(),
		Size:       size,
		Iterations: r.opts.FairnessRounds,
		Channels:   n,
		TotalTime:  ls.elapsed,
		Errors:     ls.errors,
		PerChannel: make([]uint64, n),
	}

	var sum float64
	for ch := range bytes {
		res.TotalBytes += bytes[ch]
		res.PerChannel[ch] = Throughput(bytes[ch], elapsed[ch])
		sum += float64(res.PerChannel[ch])
	}
	res.ThroughputMBps = Throughput(res.TotalBytes, ls.elapsed)
	if avg := sum / float64(n); avg > 0 {
		for _, tp := range res.PerChannel {
			res.MaxDeviation = math.Max(res.MaxDeviation, math.Abs(float64(tp)-avg)/avg*100)
		}
	}

	m, err := r.verifyGroup(g)
	if err != nil {
		return res, err
	}
	res.Mismatch, res.Integrity = m, m.OK
	return res, nil
}

// Concurrent drives several engines at once, one goroutine each on channel 0, and reports each engine plus the
// combined throughput over the wall time of the whole run.
func (r *Runner) Concurrent(ctx context.Context, kinds ...engine.Kind) ([]Result, error) {
	if len(kinds) < 2 {
		return nil, fmt.Errorf("%w: concurrent run needs at least two engines", dmaerr.ErrInvalidParam)
	}
	es := make([]engine.TransferEngine, len(kinds))
	names := make([]string, len(kinds))
	for i, k := range kinds {
		e, err := r.engine(k)
		if err != nil {
			return nil, err
		}
		es[i], names[i] = e, k.String()
	}

	size := r.opts.ChannelSize
	results := make([]Result, len(kinds))

	eg, gctx := errgroup.WithContext(ctx)
	start := r.p.Clock.Now()
	for i, e := range es {
		eg.Go(func() error {
			src, dst, err := r.scratch(i, size)
			if err != nil {
				return err
			}
			if err := enableChannel(e, 0); err != nil {
				return err
			}
			cfg := TestConfig{Engine: e.Kind(), Pattern: r.opts.Pattern, Seed: r.opts.Seed + uint32(i), Size: size}
			if err := r.fill(src, size, cfg.Pattern, cfg.Seed); err != nil {
				return err
			}

			ls, err := r.loop(gctx, e, engine.Request{Src: src, Dst: dst, Length: size}, r.opts.Warmup, r.opts.Iterations)
			if err != nil {
				return fmt.Errorf("%s: %w", e.Kind(), err)
			}

			res := r.newResult(e.Kind().String(), TestMultiChannel, cfg, r.opts.Iterations, ls)
			res.Mode = e.Mode()
			m, err := r.verify(dst, size, cfg.Pattern, cfg.Seed)
			if err != nil {
				return err
			}
			res.Mismatch, res.Integrity = m, m.OK
			results[i] = res
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return nil, err
	}
	wall := clock.Since(r.p.Clock, start)

	combined := Result{
		Engine:     strings.Join(names, "+"),
		Test:       TestMultiChannel,
		Pattern:    r.opts.Pattern,
		Size:       size,
		Iterations: r.opts.Iterations,
		Channels:   len(kinds),
		TotalTime:  wall,
		Integrity:  true,
	}
	for _, res := range results {
		combined.TotalBytes += res.TotalBytes
		combined.Errors += res.Errors
		combined.PerChannel = append(combined.PerChannel, res.ThroughputMBps)
		if !res.Integrity {
			combined.Integrity = false
			if combined.Mismatch == (pattern.Mismatch{}) {
				combined.Mismatch = res.Mismatch
			}
		}
	}
	combined.ThroughputMBps = Throughput(combined.TotalBytes, wall)

	return append(results, combined), nil
}
