package schedule

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Prometheus instrumentation for the scheduler and retry wrapper. Registered
// on the default registry and exposed by the server's /metrics endpoint.
var (
	metricActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "atelier_scheduler_active_tasks",
		Help: "Tasks currently executing under the scheduler.",
	})
	metricWaiting = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "atelier_scheduler_waiting_tasks",
		Help: "Tasks queued for a slot or the pacing floor.",
	})
	metricStarts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "atelier_scheduler_starts_total",
		Help: "Task starts admitted by the scheduler.",
	}, []string{"label"})
	metricRetries = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "atelier_call_retries_total",
		Help: "Retry attempts triggered by transient errors.",
	}, []string{"label"})
	metricFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "atelier_call_failures_total",
		Help: "Calls that returned a terminal error (non-retryable or retries exhausted).",
	}, []string{"label"})
)
