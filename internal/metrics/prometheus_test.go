package metrics

import (
	"context"
	"errors"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestPrometheusRecorderCounts(t *testing.T) {
	rec := NewPrometheusRecorder()
	ctx := context.Background()
	rec.Observe(ctx, "group.create", true, 5*time.Millisecond)
	rec.Observe(ctx, "group.create", false, time.Millisecond)
	rec.Observe(ctx, "group.create", true, time.Millisecond)
	rec.Observe(ctx, "", true, time.Millisecond)

	if got := testutil.ToFloat64(rec.Results().WithLabelValues("group.create", "success")); got != 2 {
		t.Fatalf("expected 2 successes, got %v", got)
	}
	if got := testutil.ToFloat64(rec.Results().WithLabelValues("group.create", "error")); got != 1 {
		t.Fatalf("expected 1 error, got %v", got)
	}
}

func TestSinceRecordsFailure(t *testing.T) {
	rec := NewPrometheusRecorder()
	err := errors.New("boom")
	Since(context.Background(), rec, "project.delete", time.Now(), &err)
	Since(context.Background(), nil, "ignored", time.Now(), nil)
	if got := testutil.ToFloat64(rec.Results().WithLabelValues("project.delete", "error")); got != 1 {
		t.Fatalf("expected deferred failure to be recorded, got %v", got)
	}
}

func TestHandlerExposesMetrics(t *testing.T) {
	rec := NewPrometheusRecorder()
	rec.Observe(context.Background(), "auth.standard", true, time.Millisecond)
	w := httptest.NewRecorder()
	rec.Handler().ServeHTTP(w, httptest.NewRequest("GET", "/metrics", nil))
	if w.Code != 200 {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), "corefacility_operation_results_total") {
		t.Fatal("expected corefacility counters in exposition")
	}
}

func TestNoopRecorder(t *testing.T) {
	var r Recorder = Noop{}
	r.Observe(context.Background(), "x", true, 0)
}
