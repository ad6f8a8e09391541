package dmabench

import (
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/netip"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/slackhq/dmabench/bench"
	"github.com/slackhq/dmabench/config"
	"github.com/slackhq/dmabench/engine"
	"github.com/slackhq/dmabench/pattern"
)

type resultItem struct {
	Engine         string        `json:"engine"`
	Test           string        `json:"test"`
	Src            string        `json:"src,omitempty"`
	Dst            string        `json:"dst,omitempty"`
	Pattern        string        `json:"pattern"`
	Mode           string        `json:"mode"`
	Size           uint32        `json:"size"`
	Iterations     int           `json:"iterations"`
	Channels       int           `json:"channels"`
	TotalBytes     uint64        `json:"totalBytes"`
	TotalTime      time.Duration `json:"totalTimeNs"`
	ThroughputMBps uint64        `json:"throughputMBps"`
	LatencyAvg     time.Duration `json:"latencyAvgNs,omitempty"`
	Integrity      bool          `json:"integrity"`
	Errors         int           `json:"errors"`
	Mismatch       string        `json:"mismatch,omitempty"`
	PerChannel     []uint64      `json:"perChannelMBps,omitempty"`
}

type engineItem struct {
	Kind         string                `json:"kind"`
	Mode         string                `json:"mode"`
	Capabilities engine.Capabilities   `json:"capabilities"`
	Channels     []engine.ChannelStats `json:"channels"`
}

func writeJSON(l *logrus.Logger, w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	js := json.NewEncoder(w)
	err := js.Encode(v)
	if err != nil {
		l.WithError(err).Error("failed to encode info response")
		http.Error(w, "json error: "+err.Error(), http.StatusInternalServerError)
	}
}

func handleSummary(l *logrus.Logger, r *bench.Runner, w http.ResponseWriter, _ *http.Request) {
	writeJSON(l, w, r.Stats.Summary())
}

func handleResults(l *logrus.Logger, r *bench.Runner, w http.ResponseWriter, _ *http.Request) {
	results := r.Stats.Results()
	out := make([]resultItem, 0, len(results))
	for _, res := range results {
		item := resultItem{
			Engine:         res.Engine,
			Test:           res.Test.String(),
			Src:            res.Src,
			Dst:            res.Dst,
			Pattern:        res.Pattern.String(),
			Mode:           res.Mode.String(),
			Size:           res.Size,
			Iterations:     res.Iterations,
			Channels:       res.Channels,
			TotalBytes:     res.TotalBytes,
			TotalTime:      res.TotalTime,
			ThroughputMBps: res.ThroughputMBps,
			LatencyAvg:     res.LatencyAvg,
			Integrity:      res.Integrity,
			Errors:         res.Errors,
			PerChannel:     res.PerChannel,
		}
		if !res.Integrity && res.Mismatch != (pattern.Mismatch{}) {
			item.Mismatch = res.Mismatch.String()
		}
		out = append(out, item)
	}
	writeJSON(l, w, out)
}

func handleEngine(l *logrus.Logger, r *bench.Runner, w http.ResponseWriter, req *http.Request) {
	name := req.PathValue("kind")
	k, err := engine.ParseKind(name)
	if err != nil {
		http.Error(w, fmt.Sprintf("Unknown engine: %s", name), http.StatusBadRequest)
		return
	}

	e := r.Engine(k)
	if e == nil {
		http.Error(w, "Engine not enabled", http.StatusNotFound)
		return
	}

	out := engineItem{Kind: k.String(), Mode: e.Mode().String(), Capabilities: e.Capabilities()}
	for ch := 0; ch < e.Capabilities().Channels; ch++ {
		out.Channels = append(out.Channels, e.Stats(ch))
	}
	writeJSON(l, w, out)
}

func setupInfoServer(l *logrus.Logger, r *bench.Runner) *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /summary", func(w http.ResponseWriter, req *http.Request) { handleSummary(l, r, w, req) })
	mux.HandleFunc("GET /results", func(w http.ResponseWriter, req *http.Request) { handleResults(l, r, w, req) })
	mux.HandleFunc("GET /engines/{kind}", func(w http.ResponseWriter, req *http.Request) { handleEngine(l, r, w, req) })
	return mux
}

// shouldAllowBinding refuses anything but a loopback address, the info server has no authentication.
func shouldAllowBinding(addr netip.Addr) error {
	if !addr.IsLoopback() {
		return fmt.Errorf("info.listen must be a loopback address, not %s", addr)
	}
	return nil
}

// startInfo stands up a REST API that serves the progress of the benchmark to other services: the summary, the
// latest results and per engine channel counters.
func startInfo(l *logrus.Logger, c *config.C, configTest bool) (func(*bench.Runner), error) {
	listen := c.GetString("info.listen", "")
	if listen == "" {
		return nil, nil
	}

	host, _, err := net.SplitHostPort(listen)
	if err != nil {
		return nil, fmt.Errorf("info.listen: %w", err)
	}
	addr, err := netip.ParseAddr(host)
	if err != nil {
		return nil, fmt.Errorf("info.listen: %w", err)
	}
	if err := shouldAllowBinding(addr); err != nil {
		return nil, err
	}

	if configTest {
		return nil, nil
	}

	return func(r *bench.Runner) {
		mux := setupInfoServer(l, r)
		l.WithField("bind", listen).Info("Info listener starting")
		go func() {
			err := http.ListenAndServe(listen, mux)
			if err != nil && !errors.Is(err, http.ErrServerClosed) {
				l.WithError(err).Error("Info listener stopped")
			}
		}()
	}, nil
}
