package observability

import (
	"math"
	"sort"
	"sync"
	"time"
)

// Stage is one timed step in the life of a relay session.
type Stage string

const (
	StageUpstreamDial Stage = "upstream_dial"
	StageSetupAck     Stage = "setup_ack"
	StageToolCall     Stage = "tool_call"
)

// stageOrder is the order stages occur in a session and are reported in.
var stageOrder = []Stage{StageUpstreamDial, StageSetupAck, StageToolCall}

// p95 targets in milliseconds.
var stageTargets = map[Stage]float64{
	StageUpstreamDial: 1200,
	StageSetupAck:     500,
	StageToolCall:     2500,
}

type StageLatency struct {
	Stage       Stage   `json:"stage"`
	Samples     int     `json:"samples"`
	LastMS      float64 `json:"last_ms"`
	MeanMS      float64 `json:"mean_ms"`
	P50MS       float64 `json:"p50_ms"`
	P95MS       float64 `json:"p95_ms"`
	P99MS       float64 `json:"p99_ms"`
	TargetP95MS float64 `json:"target_p95_ms"`
	OverTarget  int     `json:"over_target"`
	// Unmeasured counts stage completions with no timing, e.g. setup_ack
	// when the greeting went out on the setup grace before any ack.
	Unmeasured int `json:"unmeasured,omitempty"`
}

type LatencySnapshot struct {
	GeneratedAt time.Time      `json:"generated_at"`
	WindowSize  int            `json:"window_size"`
	Stages      []StageLatency `json:"stages"`
}

type stageWindow struct {
	samples    []float64 // oldest first
	unmeasured int
}

// latencyWindow keeps the last size samples of each relay stage.
type latencyWindow struct {
	mu     sync.Mutex
	size   int
	stages map[Stage]*stageWindow
}

func newLatencyWindow(size int) *latencyWindow {
	if size <= 0 {
		size = 256
	}
	return &latencyWindow{size: size, stages: make(map[Stage]*stageWindow, len(stageOrder))}
}

func (w *latencyWindow) stage(s Stage) *stageWindow {
	sw, ok := w.stages[s]
	if !ok {
		sw = &stageWindow{samples: make([]float64, 0, w.size)}
		w.stages[s] = sw
	}
	return sw
}

func (w *latencyWindow) observe(s Stage, d time.Duration) {
	if d < 0 {
		return
	}
	ms := float64(d.Microseconds()) / 1000
	w.mu.Lock()
	defer w.mu.Unlock()
	sw := w.stage(s)
	if len(sw.samples) == w.size {
		copy(sw.samples, sw.samples[1:])
		sw.samples = sw.samples[:w.size-1]
	}
	sw.samples = append(sw.samples, ms)
}

func (w *latencyWindow) skip(s Stage) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.stage(s).unmeasured++
}

func (w *latencyWindow) snapshot() LatencySnapshot {
	w.mu.Lock()
	defer w.mu.Unlock()

	out := LatencySnapshot{
		GeneratedAt: time.Now().UTC(),
		WindowSize:  w.size,
		Stages:      make([]StageLatency, 0, len(w.stages)),
	}
	for _, s := range stageOrder {
		sw, ok := w.stages[s]
		if !ok {
			continue
		}
		out.Stages = append(out.Stages, sw.summarize(s))
	}
	return out
}

func (sw *stageWindow) summarize(s Stage) StageLatency {
	target := stageTargets[s]
	st := StageLatency{
		Stage:       s,
		Samples:     len(sw.samples),
		TargetP95MS: target,
		Unmeasured:  sw.unmeasured,
	}
	if len(sw.samples) == 0 {
		return st
	}
	sorted := append([]float64(nil), sw.samples...)
	sort.Float64s(sorted)
	var sum float64
	for _, v := range sorted {
		sum += v
		if target > 0 && v > target {
			st.OverTarget++
		}
	}
	st.LastMS = round2(sw.samples[len(sw.samples)-1])
	st.MeanMS = round2(sum / float64(len(sorted)))
	st.P50MS = round2(nearestRank(sorted, 0.50))
	st.P95MS = round2(nearestRank(sorted, 0.95))
	st.P99MS = round2(nearestRank(sorted, 0.99))
	return st
}

// nearestRank returns the q-th percentile of a sorted, non-empty slice.
func nearestRank(sorted []float64, q float64) float64 {
	rank := int(math.Ceil(q * float64(len(sorted))))
	if rank < 1 {
		rank = 1
	}
	return sorted[rank-1]
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
