package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	JobsClaimed   = prometheus.NewCounter(prometheus.CounterOpts{Name: "publish_jobs_claimed_total", Help: "Publish jobs claimed by this process"})
	JobsCompleted = prometheus.NewCounter(prometheus.CounterOpts{Name: "publish_jobs_completed_total", Help: "Publish jobs completed"})
	JobsRetried   = prometheus.NewCounter(prometheus.CounterOpts{Name: "publish_jobs_retried_total", Help: "Publish jobs that failed and were scheduled for retry"})
	JobsFailed    = prometheus.NewCounter(prometheus.CounterOpts{Name: "publish_jobs_failed_total", Help: "Publish jobs that failed permanently"})
	ActiveJobs    = prometheus.NewGauge(prometheus.GaugeOpts{Name: "publish_active_jobs", Help: "Job slots currently processing"})
	StageDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "publish_stage_duration_seconds",
		Help:    "Duration of publish pipeline stages",
		Buckets: prometheus.ExponentialBuckets(0.05, 2, 12),
	}, []string{"stage"})

	CleanupGroupsDeleted = prometheus.NewCounter(prometheus.CounterOpts{Name: "cleanup_groups_deleted_total", Help: "Asset groups whose storage and rows were removed"})
	CleanupFailures      = prometheus.NewCounter(prometheus.CounterOpts{Name: "cleanup_failures_total", Help: "Asset groups left for the next sweep after an error"})

	RateLimitRejects = prometheus.NewCounter(prometheus.CounterOpts{Name: "upload_rate_limit_rejects_total", Help: "Direct uploads rejected by the rate limiter"})
	DirectUploads    = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "direct_uploads_total", Help: "Direct uploads by result"}, []string{"result"})
)

// Handler exposes /metrics HTTP handler with a singleton registry.
func Handler() http.Handler {
	once.Do(func() {
		prometheus.MustRegister(
			JobsClaimed,
			JobsCompleted,
			JobsRetried,
			JobsFailed,
			ActiveJobs,
			StageDuration,
			CleanupGroupsDeleted,
			CleanupFailures,
			RateLimitRejects,
			DirectUploads,
		)
	})
	return promhttp.Handler()
}
