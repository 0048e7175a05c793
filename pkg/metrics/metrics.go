// Package metrics exposes Prometheus instrumentation for the session
// pipeline, re-themed from generic document/queue metrics to the
// session/job/dispatcher/cleanup domain this repo actually runs.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds every counter, gauge and histogram the pipeline records.
type Metrics struct {
	// HTTP metrics
	HTTPRequestsTotal    prometheus.CounterVec
	HTTPRequestDuration  prometheus.HistogramVec
	HTTPRequestsInFlight prometheus.Gauge

	// Session lifecycle metrics
	SessionsCreatedTotal   prometheus.Counter
	SessionsCompletedTotal prometheus.Counter
	SessionsFailedTotal    prometheus.Counter
	SessionProgressRatio   prometheus.Histogram

	// Dispatcher metrics
	JobsQueued                prometheus.Counter
	JobsProcessedTotal        prometheus.CounterVec
	DispatcherAcquireDuration prometheus.Histogram
	PollDurationSeconds       prometheus.Histogram
	ActiveDispatcherWorkers   prometheus.Gauge

	// Post-processing and packaging metrics
	PostProcessDuration     prometheus.Histogram
	PostProcessErrorsTotal  prometheus.Counter
	PackagerArchiveDuration prometheus.Histogram

	// Lifecycle metrics
	CleanupRunsTotal  prometheus.Counter
	SessionsExpired   prometheus.Counter
	BlobsDeletedTotal prometheus.Counter
}

// New builds and registers every metric under namespace/subsystem.
func New(namespace, subsystem string) *Metrics {
	return &Metrics{
		HTTPRequestsTotal: *promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace, Subsystem: subsystem,
				Name: "http_requests_total", Help: "Total number of HTTP requests",
			},
			[]string{"method", "endpoint", "status_code"},
		),
		HTTPRequestDuration: *promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace, Subsystem: subsystem,
				Name: "http_request_duration_seconds", Help: "Duration of HTTP requests in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "endpoint"},
		),
		HTTPRequestsInFlight: promauto.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace, Subsystem: subsystem,
				Name: "http_requests_in_flight", Help: "Current number of HTTP requests being processed",
			},
		),

		SessionsCreatedTotal: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: subsystem,
			Name: "sessions_created_total", Help: "Total number of sessions created",
		}),
		SessionsCompletedTotal: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: subsystem,
			Name: "sessions_completed_total", Help: "Total number of sessions reaching COMPLETED",
		}),
		SessionsFailedTotal: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: subsystem,
			Name: "sessions_failed_total", Help: "Total number of sessions reaching FAILED",
		}),
		SessionProgressRatio: promauto.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: subsystem,
			Name: "session_progress_ratio", Help: "Session progress (0-100) observed at GetStatus calls",
			Buckets: []float64{0, 10, 25, 50, 75, 90, 100},
		}),

		JobsQueued: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: subsystem,
			Name: "jobs_queued_total", Help: "Total number of jobs enqueued to the dispatcher",
		}),
		JobsProcessedTotal: *promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace, Subsystem: subsystem,
				Name: "jobs_processed_total", Help: "Total number of jobs reaching a terminal status",
			},
			[]string{"status"},
		),
		DispatcherAcquireDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: subsystem,
			Name: "dispatcher_acquire_duration_seconds", Help: "Time spent waiting on the limiter before submit",
			Buckets: []float64{0.001, 0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10},
		}),
		PollDurationSeconds: promauto.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: subsystem,
			Name: "poll_duration_seconds", Help: "Time spent polling a single operation to completion",
			Buckets: []float64{0.5, 1, 2, 5, 10, 30, 60, 120, 300, 600},
		}),
		ActiveDispatcherWorkers: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: subsystem,
			Name: "active_dispatcher_workers", Help: "Current number of running dispatcher worker goroutines",
		}),

		PostProcessDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: subsystem,
			Name: "post_process_duration_seconds", Help: "Time spent rendering and writing one renamed artifact",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5},
		}),
		PostProcessErrorsTotal: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: subsystem,
			Name: "post_process_errors_total", Help: "Total number of non-fatal post-processing failures",
		}),
		PackagerArchiveDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: subsystem,
			Name: "packager_archive_duration_seconds", Help: "Time spent streaming one session's archive",
			Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
		}),

		CleanupRunsTotal: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: subsystem,
			Name: "cleanup_runs_total", Help: "Total number of lifecycle cleanup passes executed",
		}),
		SessionsExpired: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: subsystem,
			Name: "sessions_expired_total", Help: "Total number of sessions marked EXPIRED by the lifecycle manager",
		}),
		BlobsDeletedTotal: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: subsystem,
			Name: "blobs_deleted_total", Help: "Total number of blobs deleted during cleanup",
		}),
	}
}

func (m *Metrics) RecordHTTPRequest(method, endpoint, statusCode string, duration time.Duration) {
	m.HTTPRequestsTotal.WithLabelValues(method, endpoint, statusCode).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, endpoint).Observe(duration.Seconds())
}

func (m *Metrics) RecordPoll(duration time.Duration) {
	m.PollDurationSeconds.Observe(duration.Seconds())
}

func (m *Metrics) RecordPostProcess(duration time.Duration, err error) {
	m.PostProcessDuration.Observe(duration.Seconds())
	if err != nil {
		m.PostProcessErrorsTotal.Inc()
	}
}

func (m *Metrics) RecordPackagerRun(duration time.Duration) {
	m.PackagerArchiveDuration.Observe(duration.Seconds())
}

func (m *Metrics) RecordCleanupRun(sessionsExpired, blobsDeleted int) {
	m.CleanupRunsTotal.Inc()
	m.SessionsExpired.Add(float64(sessionsExpired))
	m.BlobsDeletedTotal.Add(float64(blobsDeleted))
}

var defaultMetrics *Metrics

// Init creates the process-wide metrics instance.
func Init(namespace, subsystem string) {
	defaultMetrics = New(namespace, subsystem)
}

// Get returns the process-wide metrics instance, or nil if Init was never
// called (callers must tolerate a nil *Metrics, e.g. in tests).
func Get() *Metrics {
	return defaultMetrics
}
