package metrics

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	m.WorkflowFired("w", "success", time.Second)
	m.SetWorkflows(3)
	m.SweepCompleted(1, 2, 3)
	m.Retry("server")
	m.RetriesExhausted()
	m.SwarmTask("coder", "success")
	m.SwarmCompleted()
	if m.Registry() != nil {
		t.Error("expected nil registry for nil metrics")
	}
}

func TestCounters(t *testing.T) {
	m := New()

	m.WorkflowFired("sweep", "success", 200*time.Millisecond)
	m.WorkflowFired("sweep", "error", time.Second)
	m.WorkflowFired("sweep", "skipped", 0)
	m.SweepCompleted(2, 1, 0)
	m.Retry("rate_limited")
	m.Retry("rate_limited")
	m.RetriesExhausted()
	m.SwarmTask("coder", "failure")

	if got := testutil.ToFloat64(m.workflowFires.WithLabelValues("sweep", "error")); got != 1 {
		t.Errorf("expected 1 error fire, got %v", got)
	}
	if got := testutil.ToFloat64(m.sweepServices.WithLabelValues("online")); got != 2 {
		t.Errorf("expected 2 online services, got %v", got)
	}
	if got := testutil.ToFloat64(m.retries.WithLabelValues("rate_limited")); got != 2 {
		t.Errorf("expected 2 rate limited retries, got %v", got)
	}
	if got := testutil.ToFloat64(m.retriesExhausted); got != 1 {
		t.Errorf("expected 1 exhausted, got %v", got)
	}
	if got := testutil.ToFloat64(m.swarmTasks.WithLabelValues("coder", "failure")); got != 1 {
		t.Errorf("expected 1 failed swarm task, got %v", got)
	}
}

func TestHandler(t *testing.T) {
	m := New()
	m.SetWorkflows(2)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

	body, _ := io.ReadAll(rec.Body)
	if !strings.Contains(string(body), "hyperops_workflows_registered 2") {
		t.Errorf("expected registered gauge in output, got:\n%s", body)
	}
}
