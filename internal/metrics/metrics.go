// Package metrics exposes the coordinator's Prometheus instrumentation.
// Collectors live on the default registry and are served by the /metrics
// endpoint.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	cyclesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "power_terminal_cycles_total",
		Help: "Finished scheduling cycles by outcome.",
	}, []string{"outcome"})

	submissionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "power_terminal_submissions_total",
		Help: "Device profile submissions by result.",
	}, []string{"result"})

	decisionsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "power_terminal_decisions_total",
		Help: "Decisions produced by the optimization engine after remapping.",
	})

	engineDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "power_terminal_engine_duration_seconds",
		Help:    "Wall-clock duration of optimization engine invocations.",
		Buckets: prometheus.DefBuckets,
	})
)

// CycleFinished records one cycle outcome: completed, empty, or failed.
func CycleFinished(outcome string) {
	cyclesTotal.WithLabelValues(outcome).Inc()
}

// SubmissionAccepted counts a stored device profile.
func SubmissionAccepted() {
	submissionsTotal.WithLabelValues("accepted").Inc()
}

// SubmissionRejected counts a refused profile by reason.
func SubmissionRejected(reason string) {
	submissionsTotal.WithLabelValues(reason).Inc()
}

// DecisionsProduced counts remapped engine decisions.
func DecisionsProduced(n int) {
	decisionsTotal.Add(float64(n))
}

// ObserveEngineDuration records one engine invocation's duration.
func ObserveEngineDuration(d time.Duration) {
	engineDuration.Observe(d.Seconds())
}

// Handler serves the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}
