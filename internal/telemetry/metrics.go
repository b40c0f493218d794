package telemetry

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// MetricsHandler returns the /metrics handler for the default Prometheus
// registry, matching the teacher's own promhttp.Handler() wiring.
func MetricsHandler() http.Handler {
	return promhttp.Handler()
}

// Metrics holds every Prometheus collector the proxy exposes at /metrics.
type Metrics struct {
	// RoundsPerRequest records how many tool-invoking orchestrator rounds a
	// request took, not counting the terminal upstream call (0 when the
	// first response had no tool calls).
	RoundsPerRequest prometheus.Histogram

	// ToolCallDuration measures one tool invocation's wall time, labeled
	// by qualified tool name and outcome.
	ToolCallDuration *prometheus.HistogramVec

	// ToolCallsTotal counts tool invocations by qualified name and outcome
	// (ok|timeout|error).
	ToolCallsTotal *prometheus.CounterVec

	// BackendRestarts counts crash-triggered backend restarts by backend name.
	BackendRestarts *prometheus.CounterVec

	// DispatcherMode counts requests by the mode the dispatcher selected
	// (nonstream|passthrough|hybrid).
	DispatcherMode *prometheus.CounterVec

	// MaxRoundsReached counts requests that exhausted the round budget
	// while the model still requested tools.
	MaxRoundsReached prometheus.Counter
}

// NewMetrics creates and registers every collector with the default
// Prometheus registry. Call once at process startup.
func NewMetrics() *Metrics {
	return &Metrics{
		RoundsPerRequest: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "toolgate_orchestrator_rounds",
			Help:    "Number of orchestrator rounds per chat-completions request",
			Buckets: []float64{0, 1, 2, 3, 4, 5, 6, 8, 10},
		}),

		ToolCallDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "toolgate_tool_call_duration_seconds",
			Help:    "Duration of a single tool invocation in seconds",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10, 30},
		}, []string{"tool", "outcome"}),

		ToolCallsTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "toolgate_tool_calls_total",
			Help: "Total tool invocations by qualified tool name and outcome",
		}, []string{"tool", "outcome"}),

		BackendRestarts: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "toolgate_backend_restarts_total",
			Help: "Total crash-triggered backend restarts by backend name",
		}, []string{"backend"}),

		DispatcherMode: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "toolgate_dispatcher_mode_total",
			Help: "Total requests handled by dispatcher mode",
		}, []string{"mode"}),

		MaxRoundsReached: promauto.NewCounter(prometheus.CounterOpts{
			Name: "toolgate_max_rounds_reached_total",
			Help: "Total requests that exhausted the tool-call round budget",
		}),
	}
}

// RecordToolCall records both the duration histogram and the outcome
// counter for one completed tool invocation.
func (m *Metrics) RecordToolCall(tool, outcome string, durationSeconds float64) {
	m.ToolCallDuration.WithLabelValues(tool, outcome).Observe(durationSeconds)
	m.ToolCallsTotal.WithLabelValues(tool, outcome).Inc()
}

// RecordBackendRestart increments the restart counter for backend.
func (m *Metrics) RecordBackendRestart(backend string) {
	m.BackendRestarts.WithLabelValues(backend).Inc()
}

// RecordDispatcherMode increments the counter for the mode chosen for one request.
func (m *Metrics) RecordDispatcherMode(mode string) {
	m.DispatcherMode.WithLabelValues(mode).Inc()
}
