// Package metrics provides Prometheus metrics for the task tracker, the chat
// stream consumer and the reference job service.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	TasksSubmitted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "genwatch_tasks_submitted_total",
			Help: "Total number of tasks registered for tracking",
		},
		[]string{"kind"},
	)
	TaskPolls = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "genwatch_task_polls_total",
			Help: "Total number of status polls by outcome",
		},
		[]string{"kind", "outcome"},
	)
	TasksFinished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "genwatch_tasks_finished_total",
			Help: "Total number of tasks observed reaching a terminal status",
		},
		[]string{"kind", "status"},
	)
	TasksTracked = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "genwatch_tasks_tracked",
			Help: "Current number of task records held by the registry",
		},
	)
	ActivePollers = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "genwatch_active_pollers",
			Help: "Current number of running status pollers",
		},
	)
	NotificationsSent = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "genwatch_notifications_sent_total",
			Help: "Total number of notifications delivered by channel and result",
		},
		[]string{"channel", "result"},
	)
	NotificationsSuppressed = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "genwatch_notifications_suppressed_total",
			Help: "Total number of duplicate terminal notifications suppressed",
		},
	)
	StreamFrames = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "genwatch_stream_frames_total",
			Help: "Total number of chat stream frames by type",
		},
		[]string{"type"},
	)
	StreamMalformedFrames = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "genwatch_stream_malformed_frames_total",
			Help: "Total number of unparseable chat stream frames skipped",
		},
	)
	CacheReconciles = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "genwatch_cache_reconciles_total",
			Help: "Total number of transcript reconciliations by outcome",
		},
		[]string{"outcome"},
	)
	JobsEnqueued = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "genwatch_jobs_enqueued_total",
			Help: "Total number of jobs accepted by the job service",
		},
		[]string{"kind"},
	)
	JobDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "genwatch_job_duration_seconds",
			Help:    "Job execution duration in seconds",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60, 120, 300},
		},
		[]string{"kind", "status"},
	)
	JobsByStatus = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "genwatch_jobs",
			Help: "Current number of stored jobs by kind and status",
		},
		[]string{"kind", "status"},
	)
	QueueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "genwatch_queue_depth",
			Help: "Current number of jobs waiting to be picked up",
		},
	)
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "genwatch_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "endpoint", "status"},
	)
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "genwatch_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "endpoint"},
	)
)

func RecordTaskSubmitted(kind string) {
	TasksSubmitted.WithLabelValues(kind).Inc()
}

// RecordPoll counts a status poll; outcome is "ok", "transport_error" or "discarded".
func RecordPoll(kind, outcome string) {
	TaskPolls.WithLabelValues(kind, outcome).Inc()
}

func RecordTaskFinished(kind, status string) {
	TasksFinished.WithLabelValues(kind, status).Inc()
}

func UpdateTasksTracked(count int) {
	TasksTracked.Set(float64(count))
}

func UpdateActivePollers(count int) {
	ActivePollers.Set(float64(count))
}

func RecordNotification(channel string, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	NotificationsSent.WithLabelValues(channel, result).Inc()
}

func RecordNotificationSuppressed() {
	NotificationsSuppressed.Inc()
}

func RecordStreamFrame(frameType string) {
	StreamFrames.WithLabelValues(frameType).Inc()
}

func RecordMalformedFrame() {
	StreamMalformedFrames.Inc()
}

// RecordReconcile counts a reconciliation; outcome is "adopted_server" or "kept_cache".
func RecordReconcile(outcome string) {
	CacheReconciles.WithLabelValues(outcome).Inc()
}

func RecordJobEnqueued(kind string) {
	JobsEnqueued.WithLabelValues(kind).Inc()
}

func RecordJobFinished(kind, status string, duration time.Duration) {
	JobDuration.WithLabelValues(kind, status).Observe(duration.Seconds())
}

// UpdateJobGauges replaces the per kind and status job counts.
func UpdateJobGauges(counts map[string]map[string]int) {
	JobsByStatus.Reset()
	for status, byKind := range counts {
		for kind, n := range byKind {
			JobsByStatus.WithLabelValues(kind, status).Set(float64(n))
		}
	}
}

func UpdateQueueDepth(depth int64) {
	QueueDepth.Set(float64(depth))
}

func RecordHTTPRequest(method, endpoint, status string, duration time.Duration) {
	HTTPRequestsTotal.WithLabelValues(method, endpoint, status).Inc()
	HTTPRequestDuration.WithLabelValues(method, endpoint).Observe(duration.Seconds())
}
