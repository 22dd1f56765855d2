package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	EnqueueCounter   = prometheus.NewCounter(prometheus.CounterOpts{Name: "jobs_enqueued_total", Help: "Jobs accepted by the enqueue API"})
	DedupeRejects    = prometheus.NewCounter(prometheus.CounterOpts{Name: "jobs_dedupe_rejects_total", Help: "Enqueues rejected by lock-based dedupe"})
	RateLimitRejects = prometheus.NewCounter(prometheus.CounterOpts{Name: "jobs_rate_limit_rejects_total", Help: "Enqueues rejected by the rate limiter"})
	ClaimCounter     = prometheus.NewCounter(prometheus.CounterOpts{Name: "jobs_claimed_total", Help: "Jobs claimed by this processor"})
	LockConflicts    = prometheus.NewCounter(prometheus.CounterOpts{Name: "jobs_lock_conflicts_total", Help: "Claims requeued because the resource lock was held"})
	CompletedCounter = prometheus.NewCounter(prometheus.CounterOpts{Name: "jobs_completed_total", Help: "Jobs completed successfully"})
	RetriedCounter   = prometheus.NewCounter(prometheus.CounterOpts{Name: "jobs_retried_total", Help: "Transient failures scheduled for retry"})
	FailedCounter    = prometheus.NewCounter(prometheus.CounterOpts{Name: "jobs_failed_total", Help: "Jobs that failed terminally"})
	ReclaimedCounter = prometheus.NewCounter(prometheus.CounterOpts{Name: "jobs_reclaimed_total", Help: "Processing jobs requeued after their owner died"})
	PurgedCounter    = prometheus.NewCounter(prometheus.CounterOpts{Name: "jobs_purged_total", Help: "Terminal jobs removed by the retention janitor"})
	QueueDepthGauge  = prometheus.NewGaugeVec(prometheus.GaugeOpts{Name: "jobs_queue_depth", Help: "Jobs currently eligible for claim, by queue"}, []string{"queue"})
	InFlightGauge    = prometheus.NewGauge(prometheus.GaugeOpts{Name: "jobs_inflight", Help: "Jobs currently executing in this processor"})
)

// Handler exposes the /metrics HTTP handler with a singleton registry.
func Handler() http.Handler {
	once.Do(func() {
		prometheus.MustRegister(
			EnqueueCounter,
			DedupeRejects,
			RateLimitRejects,
			ClaimCounter,
			LockConflicts,
			CompletedCounter,
			RetriedCounter,
			FailedCounter,
			ReclaimedCounter,
			PurgedCounter,
			QueueDepthGauge,
			InFlightGauge,
		)
	})
	return promhttp.Handler()
}
