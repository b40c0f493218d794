package telemetry

import (
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

// NewMetrics registers every collector with the global default registry, so
// it can only safely be constructed once per process. These tests exercise
// the same collector shapes against an isolated registry instead of calling
// NewMetrics() directly, matching how the rest of the codebase tests
// promauto-registered metrics.

func TestRecordToolCall(t *testing.T) {
	registry := prometheus.NewRegistry()
	duration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name: "test_tool_call_duration_seconds",
		Help: "test",
	}, []string{"tool", "outcome"})
	total := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "test_tool_calls_total",
		Help: "test",
	}, []string{"tool", "outcome"})
	registry.MustRegister(duration, total)

	m := &Metrics{ToolCallDuration: duration, ToolCallsTotal: total}
	m.RecordToolCall("search", "ok", 0.25)

	if got := testutil.ToFloat64(total.WithLabelValues("search", "ok")); got != 1 {
		t.Errorf("ToolCallsTotal = %v, want 1", got)
	}
	if count := testutil.CollectAndCount(duration); count != 1 {
		t.Errorf("CollectAndCount(duration) = %d, want 1", count)
	}
}

func TestRecordBackendRestart(t *testing.T) {
	registry := prometheus.NewRegistry()
	restarts := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "test_backend_restarts_total",
		Help: "test",
	}, []string{"backend"})
	registry.MustRegister(restarts)

	m := &Metrics{BackendRestarts: restarts}
	m.RecordBackendRestart("alpha")
	m.RecordBackendRestart("alpha")

	expected := `
		# HELP test_backend_restarts_total test
		# TYPE test_backend_restarts_total counter
		test_backend_restarts_total{backend="alpha"} 2
	`
	if err := testutil.CollectAndCompare(restarts, strings.NewReader(expected)); err != nil {
		t.Errorf("unexpected metric value: %v", err)
	}
}

func TestRecordDispatcherMode(t *testing.T) {
	registry := prometheus.NewRegistry()
	modes := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "test_dispatcher_mode_total",
		Help: "test",
	}, []string{"mode"})
	registry.MustRegister(modes)

	m := &Metrics{DispatcherMode: modes}
	m.RecordDispatcherMode("hybrid")

	if got := testutil.ToFloat64(modes.WithLabelValues("hybrid")); got != 1 {
		t.Errorf("DispatcherMode = %v, want 1", got)
	}
}
