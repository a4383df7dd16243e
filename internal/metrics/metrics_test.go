package metrics

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	m.SetOnline(true)
	m.ObserveProbe(false)
	m.ObserveRetry("profile.fetch")
	m.ObserveCacheLookup("hit")
	m.ObserveFetch("feed", "success", 0.1)
	m.SetFeedItems(3)
	m.SetFeedChannel("subscribed")
	m.SetOutboxDepth(1)
	m.ObserveReplay("dropped")
	if m.Registry() != nil {
		t.Fatalf("expected nil registry")
	}
}

func TestCollectorsRecord(t *testing.T) {
	m := New()
	m.SetOnline(true)
	m.ObserveProbe(true)
	m.ObserveProbe(false)
	m.ObserveProbe(false)
	m.ObserveCacheLookup("expired")
	m.SetOutboxDepth(4)
	m.ObserveReplay("success")
	m.SetFeedChannel("degraded")
	m.SetFeedChannel("subscribed")

	if got := testutil.ToFloat64(m.online); got != 1 {
		t.Fatalf("expected online=1, got %v", got)
	}
	if got := testutil.ToFloat64(m.probesTotal.WithLabelValues("failure")); got != 2 {
		t.Fatalf("expected 2 failed probes, got %v", got)
	}
	if got := testutil.ToFloat64(m.cacheLookups.WithLabelValues("expired")); got != 1 {
		t.Fatalf("expected 1 expired lookup, got %v", got)
	}
	if got := testutil.ToFloat64(m.outboxDepth); got != 4 {
		t.Fatalf("expected depth 4, got %v", got)
	}
	if got := testutil.CollectAndCount(m.feedChannel); got != 1 {
		t.Fatalf("expected a single feed channel series, got %d", got)
	}
}

func TestHandlerExposesMetrics(t *testing.T) {
	m := New()
	m.ObserveReplay("failure")
	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, _ := io.ReadAll(rec.Body)
	if !strings.Contains(string(body), `relaysync_outbox_replays_total{result="failure"} 1`) {
		t.Fatalf("expected replay counter in output, got %s", body)
	}
}
