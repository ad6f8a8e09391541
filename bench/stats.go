package bench

import (
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/rcrowley/go-metrics"
	"github.com/sirupsen/logrus"
)

// HistorySize is how many results Stats keeps for Results.
const HistorySize = 1024

// Summary is a snapshot of Stats.
type Summary struct {
	TestsRun       uint64
	TestsPassed    uint64
	TestsFailed    uint64
	TotalBytes     uint64
	TotalTime      time.Duration
	ThroughputMBps uint64
}

// Stats aggregates every result recorded by a Runner and mirrors it into a go-metrics registry so the configured
// exporter picks it up.
type Stats struct {
	reg metrics.Registry

	m       sync.Mutex
	s       Summary
	history []Result

	run    metrics.Counter
	passed metrics.Counter
	failed metrics.Counter
	bytes  metrics.Counter
}

// NewStats registers the bench.* metrics in reg, the default registry when reg is nil.
func NewStats(reg metrics.Registry) *Stats {
	if reg == nil {
		reg = metrics.DefaultRegistry
	}
	return &Stats{
		reg:    reg,
		run:    metrics.GetOrRegisterCounter("bench.tests.run", reg),
		passed: metrics.GetOrRegisterCounter("bench.tests.passed", reg),
		failed: metrics.GetOrRegisterCounter("bench.tests.failed", reg),
		bytes:  metrics.GetOrRegisterCounter("bench.bytes", reg),
	}
}

// Record counts r as passed when r.Err is nil.
func (s *Stats) Record(r Result) {
	ok := r.Err() == nil

	s.m.Lock()
	s.s.TestsRun++
	if ok {
		s.s.TestsPassed++
	} else {
		s.s.TestsFailed++
	}
	s.s.TotalBytes += r.TotalBytes
	s.s.TotalTime += r.TotalTime
	if len(s.history) == HistorySize {
		s.history = append(s.history[:0], s.history[1:]...)
	}
	s.history = append(s.history, r)
	s.m.Unlock()

	s.run.Inc(1)
	if ok {
		s.passed.Inc(1)
	} else {
		s.failed.Inc(1)
	}
	s.bytes.Inc(int64(r.TotalBytes))

	prefix := fmt.Sprintf("bench.%s.%s.", r.Engine, r.Test)
	metrics.GetOrRegisterGauge(prefix+"throughput_mbps", s.reg).Update(int64(r.ThroughputMBps))
	metrics.GetOrRegisterHistogram(prefix+"throughput", s.reg, metrics.NewExpDecaySample(1028, 0.015)).
		Update(int64(r.ThroughputMBps))
	if r.LatencyMax > 0 {
		metrics.GetOrRegisterTimer(prefix+"latency", s.reg).Update(r.LatencyAvg)
	}
	if r.Errors > 0 {
		metrics.GetOrRegisterCounter(prefix+"errors", s.reg).Inc(int64(r.Errors))
	}
}

// RecordFailure counts a test that produced no result at all.
func (s *Stats) RecordFailure(engine string, test TestKind) {
	s.m.Lock()
	s.s.TestsRun++
	s.s.TestsFailed++
	s.m.Unlock()

	s.run.Inc(1)
	s.failed.Inc(1)
	metrics.GetOrRegisterCounter(fmt.Sprintf("bench.%s.%s.failures", engine, test), s.reg).Inc(1)
}

func (s *Stats) Summary() Summary {
	s.m.Lock()
	defer s.m.Unlock()
	out := s.s
	out.ThroughputMBps = Throughput(out.TotalBytes, out.TotalTime)
	return out
}

// Results returns the most recent results, oldest first.
func (s *Stats) Results() []Result {
	s.m.Lock()
	defer s.m.Unlock()
	return slices.Clone(s.history)
}

func (s *Stats) Log(l logrus.FieldLogger) {
	sum := s.Summary()
	l.WithFields(logrus.Fields{
		"tests_run":       sum.TestsRun,
		"tests_passed":    sum.TestsPassed,
		"tests_failed":    sum.TestsFailed,
		"total_bytes":     sum.TotalBytes,
		"total_time":      sum.TotalTime,
		"throughput_mbps": sum.ThroughputMBps,
	}).Info("Benchmark summary")
}
