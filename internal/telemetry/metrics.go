package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	IntakeCounter     = prometheus.NewCounter(prometheus.CounterOpts{Name: "portal_operations_accepted_total", Help: "Operations accepted at intake"})
	RateLimitRejects  = prometheus.NewCounter(prometheus.CounterOpts{Name: "portal_rate_limit_rejects_total", Help: "Intake requests rejected by rate limiter"})
	OperationsOK      = prometheus.NewCounter(prometheus.CounterOpts{Name: "portal_operations_completed_total", Help: "Operations completed"})
	OperationsFail    = prometheus.NewCounter(prometheus.CounterOpts{Name: "portal_operations_failed_total", Help: "Operations terminally failed"})
	OperationsCancel  = prometheus.NewCounter(prometheus.CounterOpts{Name: "portal_operations_cancelled_total", Help: "Operations cancelled, including deadline auto-cancels"})
	CaptchaCheckpoint = prometheus.NewCounter(prometheus.CounterOpts{Name: "portal_captcha_checkpoints_total", Help: "Operations parked for a CAPTCHA solve"})
	BatchExecutions   = prometheus.NewCounter(prometheus.CounterOpts{Name: "portal_batch_executions_total", Help: "Batched executor invocations"})
	BatchedJobs       = prometheus.NewCounter(prometheus.CounterOpts{Name: "portal_batched_jobs_total", Help: "Jobs merged into batches"})
	QueueDepthGauge   = prometheus.NewGauge(prometheus.GaugeOpts{Name: "portal_queue_depth", Help: "Ready queue depth"})
	LiveSessions      = prometheus.NewGauge(prometheus.GaugeOpts{Name: "portal_live_sessions", Help: "Account sessions currently held in the pool"})
	ParkedOperations  = prometheus.NewGauge(prometheus.GaugeOpts{Name: "portal_parked_operations", Help: "Operations suspended at a human-input checkpoint"})
)

// Handler exposes /metrics HTTP handler with a singleton registry.
func Handler() http.Handler {
	once.Do(func() {
		prometheus.MustRegister(
			IntakeCounter,
			RateLimitRejects,
			OperationsOK,
			OperationsFail,
			OperationsCancel,
			CaptchaCheckpoint,
			BatchExecutions,
			BatchedJobs,
			QueueDepthGauge,
			LiveSessions,
			ParkedOperations,
		)
	})
	return promhttp.Handler()
}
