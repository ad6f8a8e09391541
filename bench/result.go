package bench

import (
	"fmt"
	"math"
	"math/bits"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/slackhq/dmabench/dmaerr"
	"github.com/slackhq/dmabench/engine"
	"github.com/slackhq/dmabench/memregion"
	"github.com/slackhq/dmabench/pattern"
)

type TestKind int

const (
	TestThroughput TestKind = iota
	TestLatency
	TestIntegrity
	TestStress
	TestMultiChannel
	TestComparison
	TestSetup
)

func (k TestKind) String() string {
	switch k {
	case TestThroughput:
		return "throughput"
	case TestLatency:
		return "latency"
	case TestIntegrity:
		return "integrity"
	case TestStress:
		return "stress"
	case TestMultiChannel:
		return "multichannel"
	case TestComparison:
		return "comparison"
	case TestSetup:
		return "setup"
	}
	return fmt.Sprintf("test(%d)", int(k))
}

// CPU names the memcpy baseline wherever an engine name is expected.
const CPU = "cpu"

// TestConfig describes one measurement. Zero Iterations uses the runner default.
type TestConfig struct {
	Engine     engine.Kind
	Src        memregion.ID
	Dst        memregion.ID
	Pattern    pattern.Kind
	Seed       uint32
	Size       uint32
	Iterations int
	Channel    int
}

// Result is the outcome of one measurement. Throughput figures are MB/s with binary megabytes, see ThroughputMBps.
type Result struct {
	Engine     string
	Test       TestKind
	Src        string
	Dst        string
	Pattern    pattern.Kind
	Mode       engine.Mode
	Size       uint32
	Iterations int
	Channels   int

	TotalBytes     uint64
	TotalTime      time.Duration
	ThroughputMBps uint64
	MinThroughput  uint64
	AvgThroughput  uint64
	MaxThroughput  uint64

	LatencyAvg time.Duration
	LatencyMin time.Duration
	LatencyMax time.Duration
	SetupTime  time.Duration

	Integrity bool
	Errors    int
	// Mismatch is the first differing byte when Integrity is false because of the data.
	Mismatch pattern.Mismatch
	// FellBack is set when a buffer could not be placed in the requested region.
	FellBack bool

	// PerChannel is the throughput of each channel of a multi channel test, indexed by channel.
	PerChannel []uint64
	// Scaling is the per channel throughput as a percentage of the single channel figure.
	Scaling float64
	// MaxDeviation is the largest distance of a channel from the mean channel throughput, in percent.
	MaxDeviation float64
}

// Err summarizes a failed result as an error carrying the matching taxonomy code.
func (r Result) Err() error {
	if !r.Integrity && r.Mismatch != (pattern.Mismatch{}) {
		return r.Mismatch.Err()
	}
	if r.Errors > 0 {
		return fmt.Errorf("%w: %d of %d transfers failed", dmaerr.ErrDMAFail, r.Errors, r.Iterations)
	}
	if !r.Integrity {
		return fmt.Errorf("%w: data was not verified", dmaerr.ErrVerifyFail)
	}
	return nil
}

// ThroughputMBps is bytes*1e6 / (us*2^20) in integer arithmetic, 0 when us is 0. The product is computed in 128 bits
// so large byte counts do not wrap.
func ThroughputMBps(bytes, us uint64) uint64 {
	if us == 0 {
		return 0
	}
	hi, lo := bits.Mul64(bytes, 1_000_000)
	d := us << 20
	if us > math.MaxUint64>>20 || hi >= d {
		return math.MaxUint64
	}
	q, _ := bits.Div64(hi, lo, d)
	return q
}

// Throughput is ThroughputMBps for a duration, truncated to whole microseconds.
func Throughput(bytes uint64, d time.Duration) uint64 {
	return ThroughputMBps(bytes, uint64(d/time.Microsecond))
}

// Efficiency returns actual as a percentage of theoretical, 0 when theoretical is 0.
func Efficiency(actual, theoretical float64) float64 {
	if theoretical == 0 {
		return 0
	}
	return actual / theoretical * 100
}

// Report logs r as one structured entry. Failed results are logged at warn with the error code.
func Report(l logrus.FieldLogger, r Result) {
	f := logrus.Fields{
		"engine":          r.Engine,
		"test":            r.Test.String(),
		"size":            r.Size,
		"iterations":      r.Iterations,
		"throughput_mbps": r.ThroughputMBps,
		"total_bytes":     r.TotalBytes,
		"total_time":      r.TotalTime,
		"integrity":       r.Integrity,
		"errors":          r.Errors,
	}
	if r.Src != "" {
		f["src"] = r.Src
		f["dst"] = r.Dst
	}
	if r.Engine != CPU {
		f["mode"] = r.Mode.String()
		f["pattern"] = r.Pattern.String()
	}
	if r.Channels > 1 {
		f["channels"] = r.Channels
	}
	if r.MaxThroughput > 0 {
		f["min_mbps"] = r.MinThroughput
		f["avg_mbps"] = r.AvgThroughput
		f["max_mbps"] = r.MaxThroughput
	}
	if r.LatencyMax > 0 {
		f["latency_avg"] = r.LatencyAvg
		f["latency_min"] = r.LatencyMin
		f["latency_max"] = r.LatencyMax
	}
	if r.SetupTime > 0 {
		f["setup_time"] = r.SetupTime
	}
	if r.FellBack {
		f["fell_back"] = true
	}
	if len(r.PerChannel) > 0 {
		f["per_channel_mbps"] = r.PerChannel
	}
	if r.Scaling > 0 {
		f["scaling_pct"] = fmt.Sprintf("%.1f", r.Scaling)
	}
	if r.Test == TestMultiChannel && r.MaxDeviation > 0 {
		f["max_deviation_pct"] = fmt.Sprintf("%.1f", r.MaxDeviation)
	}

	e := l.WithFields(f)
	if err := r.Err(); err != nil {
		e.WithError(err).WithField("code", dmaerr.Code(err)).Warn("Test failed")
		return
	}
	e.Info("Test result")
}
