// Package metrics exposes engine counters and histograms to Prometheus.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the engine. A nil *Metrics is
// valid and records nothing.
type Metrics struct {
	// Delivery
	EmailsSentTotal   *prometheus.CounterVec
	EmailsFailedTotal *prometheus.CounterVec
	EmailsSkipped     prometheus.Counter
	BatchDuration     prometheus.Histogram

	// Jobs
	JobsTotal   *prometheus.CounterVec
	JobDuration *prometheus.HistogramVec

	// Lifecycle
	CampaignTransitionsTotal *prometheus.CounterVec
	EnrollmentsTotal         *prometheus.CounterVec
	TrackingEventsTotal      *prometheus.CounterVec

	registry *prometheus.Registry
}

// New creates a Metrics instance with its own registry, including the Go
// runtime and process collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		EmailsSentTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "engine_emails_sent_total",
				Help: "Messages accepted by a transport",
			},
			[]string{"source"},
		),
		EmailsFailedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "engine_emails_failed_total",
				Help: "Messages marked failed, by reason",
			},
			[]string{"source", "reason"},
		),
		EmailsSkipped: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "engine_emails_skipped_total",
				Help: "Recipients skipped because they were already sent",
			},
		),
		BatchDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "engine_batch_duration_seconds",
				Help:    "Wall time of one campaign batch",
				Buckets: []float64{.1, .25, .5, 1, 2.5, 5, 10, 30, 60, 120},
			},
		),
		JobsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "engine_jobs_total",
				Help: "Job executions by type and outcome",
			},
			[]string{"type", "outcome"},
		),
		JobDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "engine_job_duration_seconds",
				Help:    "Job handler duration",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"type"},
		),
		CampaignTransitionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "engine_campaign_transitions_total",
				Help: "Campaign status transitions by target status",
			},
			[]string{"status"},
		),
		EnrollmentsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "engine_enrollments_total",
				Help: "Automation enrollment lifecycle events",
			},
			[]string{"outcome"},
		),
		TrackingEventsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "engine_tracking_events_total",
				Help: "Engagement events received",
			},
			[]string{"type"},
		),
		registry: reg,
	}

	reg.MustRegister(
		m.EmailsSentTotal,
		m.EmailsFailedTotal,
		m.EmailsSkipped,
		m.BatchDuration,
		m.JobsTotal,
		m.JobDuration,
		m.CampaignTransitionsTotal,
		m.EnrollmentsTotal,
		m.TrackingEventsTotal,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Registry returns the Prometheus registry
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// ObserveJob records one job execution.
func (m *Metrics) ObserveJob(jobType, outcome string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.JobsTotal.WithLabelValues(jobType, outcome).Inc()
	m.JobDuration.WithLabelValues(jobType).Observe(elapsed.Seconds())
}

// EmailSent counts a delivered message; source is "campaign" or "automation".
func (m *Metrics) EmailSent(source string) {
	if m == nil {
		return
	}
	m.EmailsSentTotal.WithLabelValues(source).Inc()
}

// EmailFailed counts a message marked failed.
func (m *Metrics) EmailFailed(source, reason string) {
	if m == nil {
		return
	}
	m.EmailsFailedTotal.WithLabelValues(source, reason).Inc()
}

// EmailSkipped counts an already-sent recipient.
func (m *Metrics) EmailSkipped() {
	if m == nil {
		return
	}
	m.EmailsSkipped.Inc()
}

// ObserveBatch records a batch duration.
func (m *Metrics) ObserveBatch(elapsed time.Duration) {
	if m == nil {
		return
	}
	m.BatchDuration.Observe(elapsed.Seconds())
}

// CampaignTransition counts a status change.
func (m *Metrics) CampaignTransition(status string) {
	if m == nil {
		return
	}
	m.CampaignTransitionsTotal.WithLabelValues(status).Inc()
}

// Enrollment counts enrolled, completed and cancelled enrollments.
func (m *Metrics) Enrollment(outcome string) {
	if m == nil {
		return
	}
	m.EnrollmentsTotal.WithLabelValues(outcome).Inc()
}

// TrackingEvent counts an engagement event by type.
func (m *Metrics) TrackingEvent(eventType string) {
	if m == nil {
		return
	}
	m.TrackingEventsTotal.WithLabelValues(eventType).Inc()
}
