package observability

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/relaykit/orchestrate/config"
)

func TestMetricsRecording(t *testing.T) {
	metrics, err := NewMetrics(&config.MetricsConfig{Enabled: true})
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}

	metrics.RecordStageExecution("summarize", "completed", 100*time.Millisecond)
	metrics.RecordStageExecution("summarize", "failed", 50*time.Millisecond)
	metrics.RecordStageRetry("summarize")
	metrics.RecordStageFallback("summarize")

	t.Log("stage metrics recorded successfully")
}

func TestRouterAndAgentMetrics(t *testing.T) {
	metrics, err := NewMetrics(&config.MetricsConfig{Enabled: true})
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}

	metrics.RecordRouterSelection("code_review")
	metrics.RecordRouterNoAgent("code_review")
	metrics.RecordAgentCall("agent-1", "")
	metrics.RecordAgentCall("agent-1", "timeout")
	metrics.SetAgentLoad("agent-1", 3)
}

func TestKanbanAndWebhookMetrics(t *testing.T) {
	metrics, err := NewMetrics(&config.MetricsConfig{Enabled: true})
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}

	metrics.RecordTaskClaim("claimed")
	metrics.RecordTaskClaim("conflict")
	metrics.RecordTaskCompletion("done")
	metrics.RecordTaskRetry()
	metrics.RecordTaskDeadLetter()

	metrics.RecordWebhookDelivery("task.completed", "success", 20*time.Millisecond)
	metrics.RecordWebhookDeadLetter("task.completed")
}

func TestLockMetrics(t *testing.T) {
	metrics, err := NewMetrics(&config.MetricsConfig{Enabled: true})
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}

	metrics.RecordLockAcquisition("repository", "acquired")
	metrics.RecordLockConflict("repository")
}

func TestNilMetricsAreNoop(t *testing.T) {
	var metrics *Metrics

	metrics.RecordStageExecution("x", "completed", time.Millisecond)
	metrics.RecordRouterSelection("x")
	metrics.RecordTaskClaim("claimed")
	metrics.RecordWebhookDelivery("x", "success", time.Millisecond)
	metrics.RecordLockAcquisition("x", "acquired")
	metrics.RecordHTTPRequest("GET", "/x", 200, time.Millisecond, 0, 0)

	rec := httptest.NewRecorder()
	metrics.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("expected 503 from nil metrics handler, got %d", rec.Code)
	}
}

func TestMetricsDisabledReturnsNil(t *testing.T) {
	metrics, err := NewMetrics(&config.MetricsConfig{Enabled: false})
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	if metrics != nil {
		t.Error("expected nil Metrics when disabled")
	}
}

func TestStatusCodeLabel(t *testing.T) {
	tests := []struct {
		code int
		want string
	}{
		{200, "2xx"},
		{301, "3xx"},
		{404, "4xx"},
		{500, "5xx"},
		{0, "unknown"},
	}

	for _, tt := range tests {
		if got := statusCodeLabel(tt.code); got != tt.want {
			t.Errorf("statusCodeLabel(%d) = %q, want %q", tt.code, got, tt.want)
		}
	}
}

func TestManagerDisabledByDefault(t *testing.T) {
	m, err := NewManager(context.Background(), &config.ObservabilityConfig{})
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	if m.TracingEnabled() {
		t.Error("expected tracing disabled by default")
	}
	if m.MetricsEnabled() {
		t.Error("expected metrics disabled by default")
	}
	if err := m.Shutdown(context.Background()); err != nil {
		t.Errorf("Shutdown: %v", err)
	}
}

func TestManagerNilIsSafe(t *testing.T) {
	var m *Manager
	if m.TracingEnabled() || m.MetricsEnabled() {
		t.Error("nil manager should report everything disabled")
	}
	if m.MetricsEndpoint() != DefaultMetricsPath {
		t.Errorf("expected default metrics endpoint, got %q", m.MetricsEndpoint())
	}
}
