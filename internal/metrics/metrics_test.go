package metrics

import (
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestLifecycleCounters(t *testing.T) {
	c := NewCollector()

	c.MessageEnqueued()
	c.MessageEnqueued()
	c.MessageDequeued()
	c.MessageCompleted(0.5)
	c.MessageCancelled()
	c.SetActiveThreads(3)

	if got := testutil.ToFloat64(c.enqueued); got != 2 {
		t.Errorf("enqueued = %v, want 2", got)
	}
	if got := testutil.ToFloat64(c.completed); got != 1 {
		t.Errorf("completed = %v, want 1", got)
	}
	if got := testutil.ToFloat64(c.cancelled); got != 1 {
		t.Errorf("cancelled = %v, want 1", got)
	}
	// Two enqueued, one dequeued, one cancelled leaves nothing queued.
	if got := testutil.ToFloat64(c.queued); got != 0 {
		t.Errorf("queued gauge = %v, want 0", got)
	}
	if got := testutil.ToFloat64(c.processing); got != 0 {
		t.Errorf("processing gauge = %v, want 0", got)
	}
	if got := testutil.ToFloat64(c.activeThreads); got != 3 {
		t.Errorf("active threads = %v, want 3", got)
	}
}

func TestFailureObservesDuration(t *testing.T) {
	c := NewCollector()
	c.MessageEnqueued()
	c.MessageDequeued()
	c.MessageFailed(1.5)

	if got := testutil.ToFloat64(c.failed); got != 1 {
		t.Errorf("failed = %v, want 1", got)
	}
	if got := testutil.CollectAndCount(c.processingDuration); got != 1 {
		t.Errorf("duration metric count = %d, want 1", got)
	}
}

func TestHandlerServesTextFormat(t *testing.T) {
	c := NewCollector()
	c.MessageEnqueued()

	rec := httptest.NewRecorder()
	c.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

	body := rec.Body.String()
	if !strings.Contains(body, "strand_messages_enqueued_total 1") {
		t.Errorf("metrics output missing counter:\n%s", body)
	}
}

func TestNilCollectorIsSafe(t *testing.T) {
	var c *Collector
	c.MessageEnqueued()
	c.MessageDequeued()
	c.MessageCompleted(1)
	c.MessageFailed(1)
	c.MessageCancelled()
	c.SetActiveThreads(1)
	if c.Handler() == nil {
		t.Error("nil collector handler should still serve")
	}
}
