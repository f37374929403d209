package metrics

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestMetricsCountOutcomes(t *testing.T) {
	registry := prometheus.NewRegistry()
	relayMetrics := New(registry)

	relayMetrics.IncCaptured(CaptureQueued)
	relayMetrics.IncCaptured(CaptureQueued)
	relayMetrics.IncCaptured(CaptureDropped)
	relayMetrics.IncFetchErrors()
	relayMetrics.SetQueueBacklog(3)

	if got := testutil.ToFloat64(relayMetrics.Captured.WithLabelValues(CaptureQueued)); got != 2 {
		t.Fatalf("expected 2 queued advertisements, got %v", got)
	}
	if got := testutil.ToFloat64(relayMetrics.Captured.WithLabelValues(CaptureDropped)); got != 1 {
		t.Fatalf("expected 1 dropped advertisement, got %v", got)
	}
	if got := testutil.ToFloat64(relayMetrics.FetchErrors); got != 1 {
		t.Fatalf("expected 1 fetch error, got %v", got)
	}
	if got := testutil.ToFloat64(relayMetrics.QueueBacklog); got != 3 {
		t.Fatalf("expected backlog 3, got %v", got)
	}
}

func TestNilMetricsIsInert(t *testing.T) {
	var relayMetrics *Metrics
	relayMetrics.IncCaptured(CaptureQueued)
	relayMetrics.IncForwarded(OutcomeOk)
	relayMetrics.IncUpserts(OutcomeCreated)
	relayMetrics.IncBroadcasts(OutcomeOk)
	relayMetrics.IncFetchErrors()
	relayMetrics.SetQueueBacklog(1)
}

func TestHandlerExposesRelayCounters(t *testing.T) {
	registry := NewRegistry()
	relayMetrics := New(registry)
	relayMetrics.IncUpserts(OutcomeCreated)

	recorder := httptest.NewRecorder()
	Handler(registry).ServeHTTP(recorder, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	if recorder.Code != http.StatusOK {
		t.Fatalf("unexpected status %d", recorder.Code)
	}
	body := recorder.Body.String()
	if !strings.Contains(body, `privacyshield_api_upserts_total{outcome="created"} 1`) {
		t.Fatalf("expected upsert counter in exposition")
	}
	if !strings.Contains(body, "go_goroutines") {
		t.Fatalf("expected runtime collectors in exposition")
	}
}

func TestServeStopsWithContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- Serve(ctx, "127.0.0.1:0", NewRegistry(), nil)
	}()
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("expected clean shutdown, got %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("metrics server did not stop")
	}
}
