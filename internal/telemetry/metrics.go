package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	EnqueueCounter     = prometheus.NewCounter(prometheus.CounterOpts{Name: "jobs_enqueued_total", Help: "Total enqueued jobs"})
	RateLimitRejects   = prometheus.NewCounter(prometheus.CounterOpts{Name: "jobs_rate_limit_rejects_total", Help: "Enqueue requests rejected by the rate limiter"})
	StepCounter        = prometheus.NewCounter(prometheus.CounterOpts{Name: "job_steps_total", Help: "Executor steps run"})
	CompletedCounter   = prometheus.NewCounter(prometheus.CounterOpts{Name: "jobs_completed_total", Help: "Jobs that reached done"})
	RetryCounter       = prometheus.NewCounter(prometheus.CounterOpts{Name: "job_retries_total", Help: "Failures requeued within the retry budget"})
	DeadLetterCounter  = prometheus.NewCounter(prometheus.CounterOpts{Name: "jobs_dead_lettered_total", Help: "Jobs moved to dead_letter"})
	ReconcileRequeued  = prometheus.NewCounter(prometheus.CounterOpts{Name: "reconciler_requeued_total", Help: "Stale jobs requeued by the reconciler"})
	ReconcileDead      = prometheus.NewCounter(prometheus.CounterOpts{Name: "reconciler_dead_lettered_total", Help: "Stale jobs dead-lettered by the reconciler"})
	ChainUnitsEnqueued = prometheus.NewCounter(prometheus.CounterOpts{Name: "chain_units_enqueued_total", Help: "Composite units enqueued by the chaining controller"})
	InFlightGauge      = prometheus.NewGauge(prometheus.GaugeOpts{Name: "jobs_processing", Help: "Jobs currently held under a lease"})
)

// Handler exposes the /metrics HTTP handler with a singleton registry.
func Handler() http.Handler {
	once.Do(func() {
		prometheus.MustRegister(
			EnqueueCounter,
			RateLimitRejects,
			StepCounter,
			CompletedCounter,
			RetryCounter,
			DeadLetterCounter,
			ReconcileRequeued,
			ReconcileDead,
			ChainUnitsEnqueued,
			InFlightGauge,
		)
	})
	return promhttp.Handler()
}
