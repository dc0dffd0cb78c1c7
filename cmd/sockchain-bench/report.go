package main

import (
	"encoding/json"
	"fmt"
	"io"
	"math"
	"os"
	"os/exec"
	"runtime"
	"runtime/metrics"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/vango-dev/sockchain/pkg/server"
)

type runtimeMetricsSnapshot struct {
	cpuTotalSeconds   float64
	cpuGCSeconds      float64
	heapAllocsObjects uint64
}

func readRuntimeMetrics() runtimeMetricsSnapshot {
	samples := []metrics.Sample{
		{Name: "/cpu/classes/total:cpu-seconds"},
		{Name: "/cpu/classes/gc/total:cpu-seconds"},
		{Name: "/gc/heap/allocs:objects"},
	}
	metrics.Read(samples)

	var out runtimeMetricsSnapshot
	for _, s := range samples {
		if s.Value.Kind() == metrics.KindBad {
			continue
		}
		switch s.Name {
		case "/cpu/classes/total:cpu-seconds":
			out.cpuTotalSeconds = s.Value.Float64()
		case "/cpu/classes/gc/total:cpu-seconds":
			out.cpuGCSeconds = s.Value.Float64()
		case "/gc/heap/allocs:objects":
			out.heapAllocsObjects = s.Value.Uint64()
		}
	}
	return out
}

func cpuFraction(after, before runtimeMetricsSnapshot) float64 {
	total := after.cpuTotalSeconds - before.cpuTotalSeconds
	gc := after.cpuGCSeconds - before.cpuGCSeconds
	if total <= 0 || gc < 0 {
		return 0
	}
	return gc / total
}

// percentile returns the nearest-rank percentile of sorted.
func percentile(sorted []time.Duration, p float64) time.Duration {
	if len(sorted) == 0 {
		return 0
	}
	if p <= 0 {
		return sorted[0]
	}
	if p >= 1 {
		return sorted[len(sorted)-1]
	}
	idx := int(math.Ceil(float64(len(sorted))*p)) - 1
	return sorted[min(max(idx, 0), len(sorted)-1)]
}

func ms(d time.Duration) float64 {
	return float64(d) / float64(time.Millisecond)
}

func ratio(n, d float64) float64 {
	if d <= 0 {
		return 0
	}
	return n / d
}

// benchReport is the JSON document written with -json. Version 2 groups the
// figures by what produced them: the echo round trips seen by clients, the
// server's chain counters, and the process runtime.
type benchReport struct {
	Version  int          `json:"version"`
	Run      runInfo      `json:"run"`
	Workload workloadInfo `json:"workload"`
	Echo     echoInfo     `json:"echo"`
	Chain    chainInfo    `json:"chain"`
	Traffic  trafficInfo  `json:"traffic"`
	Runtime  runtimeInfo  `json:"runtime"`
	Errors   errorInfo    `json:"errors"`
}

type runInfo struct {
	Timestamp string `json:"timestamp"`
	Go        string `json:"go"`
	Platform  string `json:"platform"`
	CPUs      int    `json:"cpus"`
	GitCommit string `json:"git_commit,omitempty"`
}

type workloadInfo struct {
	Profile       string  `json:"profile"`
	Clients       int     `json:"clients"`
	DurationMS    int64   `json:"duration_ms"`
	RatePerClient float64 `json:"rate_per_client"`
	Depth         int     `json:"chain_depth"`
	PayloadBytes  int     `json:"payload_bytes"`
	Frames        string  `json:"frames"`
	Metrics       bool    `json:"metrics"`
	MaxProcs      int     `json:"max_procs,omitempty"`
	MemLimitBytes int64   `json:"mem_limit_bytes,omitempty"`
	TimeoutMS     int64   `json:"echo_timeout_ms"`
}

// echoInfo covers completed round trips: a client frame through the whole
// chain and back.
type echoInfo struct {
	Messages     uint64  `json:"messages"`
	PerSec       float64 `json:"per_sec"`
	PerSecClient float64 `json:"per_sec_per_client"`
	RTT          rttInfo `json:"rtt_ms"`
}

type rttInfo struct {
	Min float64 `json:"min"`
	P50 float64 `json:"p50"`
	P90 float64 `json:"p90"`
	P99 float64 `json:"p99"`
	Max float64 `json:"max"`
}

// chainInfo is the server's own view, taken from Server.Stats before stop.
type chainInfo struct {
	Handlers              int     `json:"handlers"`
	Accepted              uint64  `json:"accepted"`
	Closed                uint64  `json:"closed"`
	Activations           uint64  `json:"activations"`
	ActivationsPerMessage float64 `json:"activations_per_message"`
	Failures              uint64  `json:"failures"`
	FailureRate           float64 `json:"failure_rate"`
	PeakConnections       int64   `json:"peak_connections"`
	PendingMax            int64   `json:"pending_max"`
}

type trafficInfo struct {
	SentBytes     uint64 `json:"sent_bytes"`
	ReceivedBytes uint64 `json:"received_bytes"`
	FramesRead    uint64 `json:"frames_read"`
	StaleFrames   uint64 `json:"stale_frames"`
}

type runtimeInfo struct {
	AllocMB      float64 `json:"alloc_mb"`
	HeapLiveMB   float64 `json:"heap_live_mb"`
	Objects      uint64  `json:"objects"`
	GCCycles     uint32  `json:"gc_cycles"`
	GCPauseMS    float64 `json:"gc_pause_ms"`
	GCCPUPercent float64 `json:"gc_cpu_percent"`
}

type errorInfo struct {
	Total         uint64 `json:"total"`
	DialFailures  uint64 `json:"dial_failures"`
	WriteFailures uint64 `json:"write_failures"`
	ReadFailures  uint64 `json:"read_failures"`
	FrameMismatch uint64 `json:"frame_mismatch"`
	EchoMissing   uint64 `json:"echo_missing"`
}

func newChainInfo(st server.Stats, messages uint64) chainInfo {
	return chainInfo{
		Handlers:              st.Handlers,
		Accepted:              st.Accepted,
		Closed:                st.Closed,
		Activations:           st.Activations,
		ActivationsPerMessage: ratio(float64(st.Activations), float64(messages)),
		Failures:              st.Failures,
		FailureRate:           ratio(float64(st.Failures), float64(st.Activations)),
		PeakConnections:       st.Peak,
		PendingMax:            st.PendingMax,
	}
}

func newRTTInfo(sorted []time.Duration) rttInfo {
	if len(sorted) == 0 {
		return rttInfo{}
	}
	return rttInfo{
		Min: ms(sorted[0]),
		P50: ms(percentile(sorted, 0.50)),
		P90: ms(percentile(sorted, 0.90)),
		P99: ms(percentile(sorted, 0.99)),
		Max: ms(sorted[len(sorted)-1]),
	}
}

func frameName(binary bool) string {
	if binary {
		return server.BinaryMessage.String()
	}
	return server.TextMessage.String()
}

func buildReport(
	cfg benchConfig,
	elapsed time.Duration,
	latencies []time.Duration,
	counters *benchCounters,
	errs *benchErrors,
	before, after runtime.MemStats,
	beforeMetrics, afterMetrics runtimeMetricsSnapshot,
) benchReport {
	completed := counters.completed.Load()
	frames := counters.frames.Load()
	perSec := ratio(float64(completed), math.Max(0.001, elapsed.Seconds()))

	return benchReport{
		Version: 2,
		Run: runInfo{
			Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
			Go:        runtime.Version(),
			Platform:  runtime.GOOS + "/" + runtime.GOARCH,
			CPUs:      runtime.NumCPU(),
			GitCommit: gitCommit(),
		},
		Workload: workloadInfo{
			Profile:       cfg.Profile,
			Clients:       cfg.Clients,
			DurationMS:    cfg.Duration.Milliseconds(),
			RatePerClient: cfg.RPS,
			Depth:         cfg.Depth,
			PayloadBytes:  cfg.PayloadBytes,
			Frames:        frameName(cfg.Binary),
			Metrics:       cfg.Metrics,
			MaxProcs:      cfg.MaxProcs,
			MemLimitBytes: cfg.MemLimitBytes,
			TimeoutMS:     cfg.EventTimeout.Milliseconds(),
		},
		Echo: echoInfo{
			Messages:     completed,
			PerSec:       perSec,
			PerSecClient: ratio(perSec, float64(cfg.Clients)),
			RTT:          newRTTInfo(latencies),
		},
		Traffic: trafficInfo{
			SentBytes:     counters.sentBytes.Load(),
			ReceivedBytes: counters.recvBytes.Load(),
			FramesRead:    frames,
			StaleFrames:   frames - min(frames, completed),
		},
		Runtime: runtimeInfo{
			AllocMB:      float64(after.TotalAlloc-before.TotalAlloc) / (1 << 20),
			HeapLiveMB:   float64(after.HeapAlloc) / (1 << 20),
			Objects:      afterMetrics.heapAllocsObjects - beforeMetrics.heapAllocsObjects,
			GCCycles:     after.NumGC - before.NumGC,
			GCPauseMS:    ms(time.Duration(after.PauseTotalNs - before.PauseTotalNs)),
			GCCPUPercent: 100 * cpuFraction(afterMetrics, beforeMetrics),
		},
		Errors: errorInfo{
			Total:         errs.total.Load(),
			DialFailures:  errs.dialFailures.Load(),
			WriteFailures: errs.writeFailures.Load(),
			ReadFailures:  errs.readFailures.Load(),
			FrameMismatch: errs.frameMismatch.Load(),
			EchoMissing:   errs.tokenMissing.Load(),
		},
	}
}

// writeSummary prints one header line and a row per report section.
func writeSummary(w io.Writer, report benchReport) {
	wl := report.Workload
	fmt.Fprintf(w, "sockchain-bench profile=%s clients=%d duration=%s chain=%d+echo payload=%dB frames=%s metrics=%t\n",
		wl.Profile, wl.Clients, time.Duration(wl.DurationMS)*time.Millisecond,
		wl.Depth, wl.PayloadBytes, wl.Frames, wl.Metrics)

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	echo := report.Echo
	fmt.Fprintf(tw, "echo\t%d msgs\t%.1f msg/s\t%.2f msg/s/client\t\n", echo.Messages, echo.PerSec, echo.PerSecClient)
	if echo.RTT.Max == 0 {
		fmt.Fprintln(tw, "rtt\tno samples\t\t\t")
	} else {
		fmt.Fprintf(tw, "rtt\tp50 %.2fms\tp90 %.2fms\tp99 %.2fms\tmin %.2fms max %.2fms\n",
			echo.RTT.P50, echo.RTT.P90, echo.RTT.P99, echo.RTT.Min, echo.RTT.Max)
	}
	ch := report.Chain
	fmt.Fprintf(tw, "chain\t%d handlers\t%d activations\t%.2f per msg\t%d failed (%.2f%%)\n",
		ch.Handlers, ch.Activations, ch.ActivationsPerMessage, ch.Failures, 100*ch.FailureRate)
	fmt.Fprintf(tw, "conns\t%d accepted\t%d closed\tpeak %d\tqueue max %d\n",
		ch.Accepted, ch.Closed, ch.PeakConnections, ch.PendingMax)
	tr := report.Traffic
	fmt.Fprintf(tw, "traffic\t%d B out\t%d B in\t%d frames\t%d stale\n",
		tr.SentBytes, tr.ReceivedBytes, tr.FramesRead, tr.StaleFrames)
	rt := report.Runtime
	fmt.Fprintf(tw, "runtime\t%.2f MB alloc\t%.2f MB live\t%d gc, %.2fms\t%.2f%% gc cpu\n",
		rt.AllocMB, rt.HeapLiveMB, rt.GCCycles, rt.GCPauseMS, rt.GCCPUPercent)
	e := report.Errors
	fmt.Fprintf(tw, "errors\t%d total\tdial %d write %d read %d\tmismatch %d\tmissing %d\n",
		e.Total, e.DialFailures, e.WriteFailures, e.ReadFailures, e.FrameMismatch, e.EchoMissing)
	tw.Flush()
}

// writeJSON writes report to path, or to stdout when path is "-".
func writeJSON(path string, stdout io.Writer, report benchReport) error {
	out := stdout
	if path != "-" {
		file, err := os.Create(path)
		if err != nil {
			return err
		}
		defer file.Close()
		out = file
	}

	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(report)
}

func gitCommit() string {
	for _, key := range []string{"SOCKCHAIN_GIT_COMMIT", "GIT_COMMIT"} {
		if val := strings.TrimSpace(os.Getenv(key)); val != "" {
			return val
		}
	}
	out, err := exec.Command("git", "rev-parse", "HEAD").Output()
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(out))
}
