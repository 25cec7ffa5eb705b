package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestInitIsIdempotent(t *testing.T) {
	Init()
	Init()

	if invocationsTotal == nil || jobsTotal == nil || queueItems == nil {
		t.Fatal("Init() did not initialize metrics collectors")
	}
}

func TestObserveHelpers(t *testing.T) {
	ObserveInvocation("siteA", "lua", "ok", 20*time.Millisecond)
	ObserveInvocation("siteA", "lua", "ok", 30*time.Millisecond)
	if val := testutil.ToFloat64(invocationsTotal.WithLabelValues("siteA", "lua", "ok")); val != 2 {
		t.Errorf("expected 2 ok invocations, got %f", val)
	}

	SetQueueItems(3, 2, 1)
	if val := testutil.ToFloat64(queueItems.WithLabelValues("delayed")); val != 2 {
		t.Errorf("expected 2 delayed items, got %f", val)
	}

	SetBreakerOpen("a.example", true)
	if val := testutil.ToFloat64(breakerOpen.WithLabelValues("a.example")); val != 1 {
		t.Errorf("expected breaker gauge 1, got %f", val)
	}
	SetBreakerOpen("a.example", false)
	if val := testutil.ToFloat64(breakerOpen.WithLabelValues("a.example")); val != 0 {
		t.Errorf("expected breaker gauge 0, got %f", val)
	}

	IncActiveWorkers()
	DecActiveWorkers()
	if val := testutil.ToFloat64(activeWorkers); val != 0 {
		t.Errorf("expected 0 active workers, got %f", val)
	}
}
