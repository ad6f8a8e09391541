package bench

import (
	"context"
	"errors"
	"fmt"
	"slices"

	"github.com/sirupsen/logrus"
	"github.com/slackhq/dmabench/dmaerr"
	"github.com/slackhq/dmabench/engine"
)

// Suite runs every configured suite against every engine it applies to. Failures are logged and counted and the
// suite moves on; only a cancelled ctx stops it early, and that error is returned.
func (r *Runner) Suite(ctx context.Context) error {
	r.l.WithField("suites", r.opts.Suites).WithField("engines", r.Engines()).Info("Benchmark suite started")

	for _, name := range r.opts.Suites {
		l := r.l.WithField("suite", name)
		l.Info("Running suite")

		err := r.suite(ctx, name)
		if ctx.Err() != nil {
			l.Warn("Benchmark aborted")
			r.Stats.Log(r.l)
			return ctx.Err()
		}
		if err != nil {
			l.WithError(err).WithField("code", dmaerr.Code(err)).Error("Suite failed")
		}
	}

	r.Stats.Log(r.l)
	return nil
}

func (r *Runner) suite(ctx context.Context, name string) error {
	switch name {
	case "throughput":
		return r.eachEngine(func(k engine.Kind) error {
			_, err := r.SizeSweep(ctx, k)
			return err
		})

	case "latency":
		return r.eachEngine(func(k engine.Kind) error {
			res, err := r.Latency(ctx, k)
			r.record(res, err, k.String(), TestLatency, 64)
			return ctx.Err()
		})

	case "setup":
		return r.eachEngine(func(k engine.Kind) error {
			res, err := r.SetupTime(ctx, k, 4*KiB)
			r.record(res, err, k.String(), TestSetup, 4*KiB)
			return ctx.Err()
		})

	case "integrity":
		return r.eachEngine(func(k engine.Kind) error {
			_, err := r.Integrity(ctx, k)
			return err
		})

	case "cpu":
		for _, size := range r.opts.Sizes {
			if size < KiB {
				continue
			}
			res, err := r.CPUBaseline(ctx, size)
			if ctx.Err() != nil {
				return ctx.Err()
			}
			r.record(res, err, CPU, TestThroughput, size)
		}
		return nil

	case "matrix":
		return r.eachEngine(func(k engine.Kind) error {
			_, err := r.MemoryMatrix(ctx, k)
			return err
		})

	case "comparison":
		_, err := r.Comparison(ctx)
		return err

	case "scalability":
		return r.eachMulti(func(k engine.Kind) error {
			_, err := r.Scalability(ctx, k)
			return err
		})

	case "fairness":
		return r.eachMulti(func(k engine.Kind) error {
			res, err := r.Fairness(ctx, k, 4)
			r.record(res, err, k.String(), TestMultiChannel, r.opts.ChannelSize)
			return ctx.Err()
		})

	case "concurrent":
		kinds := r.concurrentKinds()
		if len(kinds) < 2 {
			r.l.Info("Concurrent suite needs two multi channel engines, skipped")
			return nil
		}
		results, err := r.Concurrent(ctx, kinds...)
		if err != nil {
			r.record(Result{}, err, "concurrent", TestMultiChannel, r.opts.ChannelSize)
			return err
		}
		for _, res := range results {
			r.record(res, nil, res.Engine, TestMultiChannel, res.Size)
		}
		return nil

	case "stress":
		return r.eachStress(func(k engine.Kind) error {
			res, err := r.Stress(ctx, k, r.opts.Stress.Duration)
			if res.Engine != "" {
				Report(r.l, res.Result())
				r.Stats.Record(res.Result())
			}
			return err
		})

	case "multistress":
		var kinds []engine.Kind
		for _, k := range r.opts.Stress.Engines {
			if _, ok := r.engines[k]; ok {
				kinds = append(kinds, k)
			}
		}
		results, err := r.MultiStress(ctx, kinds, r.opts.Stress.Duration)
		for _, res := range results {
			if res.Engine != "" {
				Report(r.l, res.Result())
				r.Stats.Record(res.Result())
			}
		}
		return err
	}

	return fmt.Errorf("%w: unknown suite %q", dmaerr.ErrInvalidParam, name)
}

// eachEngine calls f for every engine, collecting errors. It stops at the first error when ctx is done.
func (r *Runner) eachEngine(f func(engine.Kind) error) error {
	var errs []error
	for _, k := range r.Engines() {
		err := f(k)
		if err == nil {
			continue
		}
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return err
		}
		r.l.WithFields(logrus.Fields{"engine": k.String(), "code": dmaerr.Code(err)}).WithError(err).Error("Engine skipped")
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

func (r *Runner) eachMulti(f func(engine.Kind) error) error {
	return r.eachEngine(func(k engine.Kind) error {
		if _, ok := r.multi[k]; !ok {
			return nil
		}
		return f(k)
	})
}

func (r *Runner) eachStress(f func(engine.Kind) error) error {
	return r.eachEngine(func(k engine.Kind) error {
		if !slices.Contains(r.opts.Stress.Engines, k) {
			return nil
		}
		return f(k)
	})
}

// concurrentKinds are the multi channel engines present, MCDMA and LPD on the reference board.
func (r *Runner) concurrentKinds() []engine.Kind {
	var ks []engine.Kind
	for _, k := range r.Engines() {
		if _, ok := r.multi[k]; ok {
			ks = append(ks, k)
		}
	}
	return ks
}
