package monitor

import (
	"context"
	"errors"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestRecordExecution(t *testing.T) {
	m := NewMetrics()

	m.RecordExecution("python", "", 0.2, 12)
	m.RecordExecution("python", "TimeoutExceeded", 10, 0)
	m.RecordExecution("python", "", 0.1, 3)

	if got := testutil.ToFloat64(m.ExecutionsTotal.WithLabelValues("python", "ok")); got != 2 {
		t.Errorf("ok executions = %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.ExecutionsTotal.WithLabelValues("python", "TimeoutExceeded")); got != 1 {
		t.Errorf("timeouts = %v, want 1", got)
	}
	if n := testutil.CollectAndCount(m.ExecutionDuration); n != 1 {
		t.Errorf("duration series = %d, want 1", n)
	}
}

func TestCleanupCounters(t *testing.T) {
	m := NewMetrics()

	m.RecordCleanupFailure("unit")
	m.RecordCleanupFailure("unit")
	m.RecordOrphan("workspace")

	if got := testutil.ToFloat64(m.CleanupFailures.WithLabelValues("unit")); got != 2 {
		t.Errorf("cleanup failures = %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.OrphansReaped.WithLabelValues("workspace")); got != 1 {
		t.Errorf("orphans reaped = %v, want 1", got)
	}
}

func TestObserveRequest(t *testing.T) {
	m := NewMetrics()

	m.ObserveRequest("POST", "/execute", 200, 0.5)
	m.ObserveRequest("POST", "/execute", 400, 0.01)

	if got := testutil.ToFloat64(m.HTTPRequests.WithLabelValues("POST", "/execute", "200")); got != 1 {
		t.Errorf("200 requests = %v, want 1", got)
	}
	if n := testutil.CollectAndCount(m.HTTPRequests); n != 2 {
		t.Errorf("request series = %d, want 2", n)
	}
}

func TestNilMetricsAreNoops(t *testing.T) {
	var m *Metrics
	m.RecordExecution("python", "", 1, 1)
	m.RecordCleanupFailure("unit")
	m.RecordOrphan("unit")
	m.ObserveRuntime("docker", "create", 0.1)
	m.ObserveRequest("GET", "/health", 200, 0.001)
}

func TestRegistryGathers(t *testing.T) {
	m := NewMetrics()
	m.ActiveExecutions.Inc()

	families, err := m.Registry.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	found := false
	for _, f := range families {
		if f.GetName() == "sandbox_active_executions" {
			found = true
		}
	}
	if !found {
		t.Error("sandbox_active_executions not registered")
	}
}

func TestTracer_NilIsUsable(t *testing.T) {
	var tr *Tracer
	ctx, span := tr.StartSpan(context.Background(), "execute", AttrLanguage.String("python"))
	if ctx == nil || span == nil {
		t.Fatal("nil tracer must still return a span")
	}
	EndSpan(span, errors.New("boom"))
}

func TestTracer_StartSpan(t *testing.T) {
	tr := NewTracer()
	_, span := tr.StartSpan(context.Background(), "launch", AttrBackend.String("docker"))
	EndSpan(span, nil)
}
