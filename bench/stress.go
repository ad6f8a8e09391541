package bench

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/slackhq/dmabench/clock"
	"github.com/slackhq/dmabench/engine"
	"github.com/slackhq/dmabench/pattern"
	"golang.org/x/sync/errgroup"
)

// StressResult is the outcome of a duration bounded stress run.
type StressResult struct {
	Engine    string
	Size      uint32
	Duration  time.Duration
	Transfers uint64
	Bytes     uint64
	// Errors counts failed transfers and failed verifications.
	Errors         uint64
	VerifyFailures uint64
	ThroughputMBps uint64
	// Mismatch is the first failed verification.
	Mismatch pattern.Mismatch
	Aborted  bool
}

// ErrorRate is the errors per transfer in percent.
func (s StressResult) ErrorRate() float64 {
	if s.Transfers == 0 {
		return 0
	}
	return 100 * float64(s.Errors) / float64(s.Transfers)
}

// Result converts s for reporting and statistics.
func (s StressResult) Result() Result {
	return Result{
		Engine:         s.Engine,
		Test:           TestStress,
		Pattern:        pattern.Random,
		Size:           s.Size,
		Iterations:     int(s.Transfers),
		TotalBytes:     s.Bytes,
		TotalTime:      s.Duration,
		ThroughputMBps: s.ThroughputMBps,
		Errors:         int(s.Errors - s.VerifyFailures),
		Integrity:      s.VerifyFailures == 0,
		Mismatch:       s.Mismatch,
	}
}

func (s StressResult) fields() logrus.Fields {
	return logrus.Fields{
		"engine":          s.Engine,
		"elapsed":         s.Duration.Truncate(time.Millisecond),
		"transfers":       s.Transfers,
		"bytes":           s.Bytes,
		"throughput_mbps": s.ThroughputMBps,
		"errors":          s.Errors,
	}
}

// Stress runs transfers on kind until d has passed on the platform clock or ctx is cancelled. Every transfer carries
// a fresh random pattern, every VerifyEvery-th one is checked. A cancelled run returns its counters with the
// context error.
func (r *Runner) Stress(ctx context.Context, kind engine.Kind, d time.Duration) (StressResult, error) {
	e, err := r.engine(kind)
	if err != nil {
		return StressResult{}, err
	}
	return r.stress(ctx, e, 0, d)
}

func (r *Runner) stress(ctx context.Context, e engine.TransferEngine, slot int, d time.Duration) (StressResult, error) {
	size := min(r.opts.Stress.Size, e.Capabilities().MaxTransfer)
	res := StressResult{Engine: e.Kind().String(), Size: size}

	src, dst, err := r.scratch(slot, size)
	if err != nil {
		return res, err
	}
	if err := enableChannel(e, 0); err != nil {
		return res, err
	}

	l := r.l.WithField("engine", res.Engine)
	l.WithField("duration", d).WithField("size", size).Info("Stress test started")

	gen := pattern.NewGenerator(r.opts.Seed + uint32(slot))
	req := engine.Request{Src: src, Dst: dst, Length: size}
	every := uint64(max(r.opts.Stress.VerifyEvery, 1))

	start := r.p.Clock.Now()
	last := start
	for clock.Since(r.p.Clock, start) < d {
		if ctx.Err() != nil {
			res.Aborted = true
			break
		}

		seed := gen.Next()
		if err := r.fill(src, size, pattern.Random, seed); err != nil {
			return res, err
		}
		r.p.Sync.PrepareDestination(dst, int(size))

		if err := r.transfer(ctx, e, req); err != nil {
			if ctx.Err() != nil {
				res.Aborted = true
				break
			}
			if fatal(err) {
				return res, err
			}
			res.Errors++
			r.resetAfter(ctx, e, err)
			continue
		}
		res.Transfers++
		res.Bytes += uint64(size)

		if res.Transfers%every == 0 {
			r.p.Sync.CompleteDestination(dst, int(size))
			m, err := r.verify(dst, size, pattern.Random, seed)
			if err != nil {
				return res, err
			}
			if !m.OK {
				res.Errors++
				res.VerifyFailures++
				if res.VerifyFailures == 1 {
					res.Mismatch = m
				}
				l.WithField("transfer", res.Transfers).WithField("mismatch", m.String()).Warn("Stress verification failed")
			}
		}

		if now := r.p.Clock.Now(); r.opts.Stress.ReportInterval > 0 && now.Sub(last) >= r.opts.Stress.ReportInterval {
			last = now
			res.Duration = now.Sub(start)
			res.ThroughputMBps = Throughput(res.Bytes, res.Duration)
			l.WithFields(res.fields()).Info("Stress progress")
		}
	}

	res.Duration = clock.Since(r.p.Clock, start)
	res.ThroughputMBps = Throughput(res.Bytes, res.Duration)

	f := res.fields()
	f["error_rate_pct"] = res.ErrorRate()
	f["aborted"] = res.Aborted
	l.WithFields(f).Info("Stress test finished")

	if res.Aborted {
		return res, ctx.Err()
	}
	return res, nil
}

// MultiStress runs Stress on every kind at once, one goroutine per engine. An engine that cannot continue cancels
// the others.
func (r *Runner) MultiStress(ctx context.Context, kinds []engine.Kind, d time.Duration) ([]StressResult, error) {
	es := make([]engine.TransferEngine, len(kinds))
	for i, k := range kinds {
		e, err := r.engine(k)
		if err != nil {
			return nil, err
		}
		es[i] = e
	}

	results := make([]StressResult, len(es))
	eg, gctx := errgroup.WithContext(ctx)
	start := r.p.Clock.Now()
	for i, e := range es {
		eg.Go(func() error {
			res, err := r.stress(gctx, e, i, d)
			results[i] = res
			return err
		})
	}
	err := eg.Wait()
	wall := clock.Since(r.p.Clock, start)

	var total StressResult
	for _, res := range results {
		total.Transfers += res.Transfers
		total.Bytes += res.Bytes
		total.Errors += res.Errors
	}
	total.Engine = "all"
	total.Duration = wall
	total.ThroughputMBps = Throughput(total.Bytes, wall)
	r.l.WithFields(total.fields()).WithField("engines", len(es)).Info("Multi engine stress finished")

	return results, err
}
