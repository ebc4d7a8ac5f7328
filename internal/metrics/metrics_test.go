package metrics

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestNew(t *testing.T) {
	m := New()
	if m.Registry() == nil {
		t.Fatal("Registry() returned nil")
	}
	if m.EmailsSentTotal == nil || m.JobsTotal == nil || m.BatchDuration == nil {
		t.Error("metrics not initialised")
	}
}

func TestCounters(t *testing.T) {
	m := New()

	m.EmailSent("campaign")
	m.EmailSent("campaign")
	m.EmailSent("automation")
	m.EmailFailed("campaign", "suppressed")
	m.ObserveJob("campaign-batch", "ok", 20*time.Millisecond)
	m.CampaignTransition("sent")

	if got := testutil.ToFloat64(m.EmailsSentTotal.WithLabelValues("campaign")); got != 2 {
		t.Errorf("campaign sent = %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.EmailsSentTotal.WithLabelValues("automation")); got != 1 {
		t.Errorf("automation sent = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.EmailsFailedTotal.WithLabelValues("campaign", "suppressed")); got != 1 {
		t.Errorf("failed = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.JobsTotal.WithLabelValues("campaign-batch", "ok")); got != 1 {
		t.Errorf("jobs = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.CampaignTransitionsTotal.WithLabelValues("sent")); got != 1 {
		t.Errorf("transitions = %v, want 1", got)
	}
}

func TestNilMetricsIsSafe(t *testing.T) {
	var m *Metrics
	m.EmailSent("campaign")
	m.EmailFailed("campaign", "x")
	m.EmailSkipped()
	m.ObserveJob("t", "ok", time.Second)
	m.ObserveBatch(time.Second)
	m.CampaignTransition("sent")
	m.Enrollment("completed")
	m.TrackingEvent("open")
}

func TestHandler(t *testing.T) {
	m := New()
	m.TrackingEvent("open")

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

	body, _ := io.ReadAll(rec.Body)
	if !strings.Contains(string(body), `engine_tracking_events_total{type="open"} 1`) {
		t.Errorf("metric missing from exposition:\n%s", body)
	}
}
