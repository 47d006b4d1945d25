package observability

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics groups all Prometheus instruments used by the relay. A nil
// *Metrics is valid and records nothing.
type Metrics struct {
	ActiveSessions    prometheus.Gauge
	SessionEvents     *prometheus.CounterVec
	Frames            *prometheus.CounterVec
	PendingDropped    prometheus.Counter
	ToolCalls         *prometheus.CounterVec
	ToolCallDuration  *prometheus.HistogramVec
	SessionDuration   prometheus.Histogram
	UsageWriteErrors  prometheus.Counter
	UpstreamDialDelay prometheus.Histogram

	latency *latencyWindow
}

func NewMetrics(namespace string) *Metrics {
	return &Metrics{
		ActiveSessions: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_sessions",
			Help:      "Number of live relay sessions.",
		}),
		SessionEvents: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "session_events_total",
			Help:      "Relay session lifecycle events by type.",
		}, []string{"event"}),
		Frames: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_total",
			Help:      "Relayed frames by direction and kind.",
		}, []string{"direction", "kind"}),
		PendingDropped: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "pending_dropped_total",
			Help:      "Downstream frames evicted from a full pending queue.",
		}),
		ToolCalls: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tool_calls_total",
			Help:      "Intercepted tool calls by tool and result.",
		}, []string{"tool", "result"}),
		ToolCallDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "tool_call_duration_ms",
			Help:      "Tool handler latency in milliseconds.",
			Buckets:   []float64{10, 50, 100, 250, 500, 1000, 2500, 5000, 15000},
		}, []string{"tool"}),
		SessionDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "session_duration_seconds",
			Help:      "Relay session wall-clock duration.",
			Buckets:   []float64{5, 15, 30, 60, 120, 300, 600, 1200, 3600},
		}),
		UsageWriteErrors: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "usage_write_errors_total",
			Help:      "Usage records that failed to persist.",
		}),
		UpstreamDialDelay: promauto.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "upstream_dial_ms",
			Help:      "Upstream websocket handshake latency in milliseconds.",
			Buckets:   []float64{50, 100, 200, 300, 500, 800, 1200, 2000, 5000},
		}),
		latency: newLatencyWindow(256),
	}
}

func (m *Metrics) SetActiveSessions(n int) {
	if m == nil {
		return
	}
	m.ActiveSessions.Set(float64(n))
}

func (m *Metrics) ObserveSessionEvent(event string) {
	if m == nil {
		return
	}
	m.SessionEvents.WithLabelValues(event).Inc()
}

func (m *Metrics) ObserveFrame(direction, kind string) {
	if m == nil {
		return
	}
	m.Frames.WithLabelValues(direction, kind).Inc()
}

func (m *Metrics) ObservePendingDropped() {
	if m == nil {
		return
	}
	m.PendingDropped.Inc()
}

func (m *Metrics) ObserveToolCall(tool, result string, d time.Duration) {
	if m == nil {
		return
	}
	m.ToolCalls.WithLabelValues(tool, result).Inc()
	ms := float64(d.Microseconds()) / 1000
	m.ToolCallDuration.WithLabelValues(tool).Observe(ms)
	m.latency.observe(StageToolCall, d)
}

func (m *Metrics) ObserveSessionDuration(d time.Duration) {
	if m == nil {
		return
	}
	m.SessionDuration.Observe(d.Seconds())
}

func (m *Metrics) ObserveUsageWriteError() {
	if m == nil {
		return
	}
	m.UsageWriteErrors.Inc()
}

func (m *Metrics) ObserveUpstreamDial(d time.Duration) {
	if m == nil {
		return
	}
	m.UpstreamDialDelay.Observe(float64(d.Microseconds()) / 1000)
	m.latency.observe(StageUpstreamDial, d)
}

// ObserveSetupAck records how long the upstream took to acknowledge setup.
// byGrace marks sessions where the greeting went out before the ack; those
// count as unmeasured setup_ack completions.
func (m *Metrics) ObserveSetupAck(d time.Duration, byGrace bool) {
	if m == nil {
		return
	}
	if byGrace {
		m.latency.skip(StageSetupAck)
		return
	}
	m.latency.observe(StageSetupAck, d)
}

func (m *Metrics) SnapshotLatency() LatencySnapshot {
	if m == nil {
		return LatencySnapshot{GeneratedAt: time.Now().UTC(), Stages: []StageLatency{}}
	}
	return m.latency.snapshot()
}

func MetricsHandler() http.Handler {
	return promhttp.Handler()
}
