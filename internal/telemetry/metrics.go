package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	RequestsAccepted = prometheus.NewCounter(prometheus.CounterOpts{Name: "bridge_requests_accepted_total", Help: "Change-requests accepted and enqueued"})
	RateLimitRejects = prometheus.NewCounter(prometheus.CounterOpts{Name: "bridge_rate_limit_rejects_total", Help: "Requests rejected by rate limiter"})
	JobsSucceeded    = prometheus.NewCounter(prometheus.CounterOpts{Name: "bridge_jobs_succeeded_total", Help: "Jobs finalized as success"})
	JobsFailed       = prometheus.NewCounter(prometheus.CounterOpts{Name: "bridge_jobs_failed_total", Help: "Jobs finalized as failed"})
	JobsRequeued     = prometheus.NewCounter(prometheus.CounterOpts{Name: "bridge_jobs_requeued_total", Help: "Jobs requeued after a transient failure"})
	JobsDeadLettered = prometheus.NewCounter(prometheus.CounterOpts{Name: "bridge_jobs_dead_lettered_total", Help: "Messages routed to a dead-letter queue"})
	JobsDiscarded    = prometheus.NewCounter(prometheus.CounterOpts{Name: "bridge_jobs_discarded_total", Help: "Duplicate or malformed deliveries discarded"})
	QueueDepthGauge  = prometheus.NewGauge(prometheus.GaugeOpts{Name: "bridge_queue_depth", Help: "Work-queue depth for the target domain"})
	InFlightGauge    = prometheus.NewGauge(prometheus.GaugeOpts{Name: "bridge_jobs_inflight", Help: "Jobs currently being processed"})
	StaleInProgress  = prometheus.NewGauge(prometheus.GaugeOpts{Name: "bridge_jobs_stale_in_progress", Help: "Jobs stuck in_progress past the stale threshold"})
)

// Handler exposes the /metrics HTTP handler with a singleton registry.
func Handler() http.Handler {
	once.Do(func() {
		prometheus.MustRegister(
			RequestsAccepted,
			RateLimitRejects,
			JobsSucceeded,
			JobsFailed,
			JobsRequeued,
			JobsDeadLettered,
			JobsDiscarded,
			QueueDepthGauge,
			InFlightGauge,
			StaleInProgress,
		)
	})
	return promhttp.Handler()
}
