package jobmetrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics exposes Prometheus collectors for background jobs and outbox dispatch.
type Metrics struct {
	runs       *prometheus.CounterVec
	failures   *prometheus.CounterVec
	duration   *prometheus.HistogramVec
	outbox     *prometheus.CounterVec
	retryDelay prometheus.Histogram
	empty      *prometheus.CounterVec
}

var (
	defaultOnce    sync.Once
	defaultMetrics *Metrics
)

// NewMetrics registers the job metrics against the provided registerer. When the
// registerer is nil the default Prometheus registerer is used.
func NewMetrics(registerer prometheus.Registerer) *Metrics {
	if registerer == nil {
		defaultOnce.Do(func() {
			defaultMetrics = buildMetrics(prometheus.DefaultRegisterer)
		})
		return defaultMetrics
	}
	return buildMetrics(registerer)
}

// Tracker provides lifecycle instrumentation helpers for a single job run.
type Tracker struct {
	metrics *Metrics
	job     string
	start   time.Time
}

// Track spawns a tracker for the given job name.
func (m *Metrics) Track(job string) *Tracker {
	if m == nil {
		return &Tracker{job: job, start: time.Now()}
	}
	return &Tracker{metrics: m, job: job, start: time.Now()}
}

// End finalises the tracker, recording duration, success/failure counts and
// returning the provided error untouched.
func (t *Tracker) End(err error) error {
	if t == nil || t.metrics == nil || t.job == "" {
		return err
	}
	status := "success"
	if err != nil {
		status = "failure"
		t.metrics.failures.WithLabelValues(t.job).Inc()
	}
	t.metrics.runs.WithLabelValues(t.job, status).Inc()
	t.metrics.duration.WithLabelValues(t.job).Observe(time.Since(t.start).Seconds())
	return err
}

// OutboxResult counts a dispatched event by type and outcome (done, retry, failed).
func (m *Metrics) OutboxResult(eventType, outcome string) {
	if m == nil {
		return
	}
	m.outbox.WithLabelValues(eventType, outcome).Inc()
}

// OutboxRetryDelay observes the backoff assigned to a retried event.
func (m *Metrics) OutboxRetryDelay(d time.Duration) {
	if m == nil {
		return
	}
	m.retryDelay.Observe(d.Seconds())
}

// EmptyPosting counts events whose posting rules all produced zero amounts.
func (m *Metrics) EmptyPosting(eventType string) {
	if m == nil {
		return
	}
	m.empty.WithLabelValues(eventType).Inc()
}

func buildMetrics(registerer prometheus.Registerer) *Metrics {
	runs := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "swissbooks_jobs_total",
		Help: "Total job executions partitioned by job name and status.",
	}, []string{"job", "status"})
	failures := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "swissbooks_jobs_failures_total",
		Help: "Total failures observed for background jobs.",
	}, []string{"job"})
	duration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "swissbooks_job_duration_seconds",
		Help:    "Duration in seconds of background job executions.",
		Buckets: prometheus.DefBuckets,
	}, []string{"job"})
	outbox := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "swissbooks_outbox_events_total",
		Help: "Outbox events dispatched grouped by event type and outcome.",
	}, []string{"event_type", "outcome"})
	retryDelay := prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "swissbooks_outbox_retry_delay_seconds",
		Help:    "Backoff assigned to outbox events after a failed attempt.",
		Buckets: prometheus.ExponentialBuckets(30, 2, 10),
	})
	empty := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "swissbooks_posting_empty_total",
		Help: "Events acknowledged without a ledger entry because every rule produced zero.",
	}, []string{"event_type"})
	registerer.MustRegister(runs, failures, duration, outbox, retryDelay, empty)
	return &Metrics{runs: runs, failures: failures, duration: duration, outbox: outbox, retryDelay: retryDelay, empty: empty}
}
