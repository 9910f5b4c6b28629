// Package metrics exposes the supervisor's Prometheus instrumentation:
// reconciliation cadence, step outcomes and API request counts.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Apply loop / reconciliation
	ApplyCyclesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "supervisor_apply_cycles_total",
		Help: "Total number of apply cycles run.",
	})

	ApplyCycleDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "supervisor_apply_cycle_duration_seconds",
		Help:    "Duration of one plan-then-execute apply cycle.",
		Buckets: prometheus.DefBuckets,
	})

	ApplyFailuresTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "supervisor_apply_failures_total",
		Help: "Total number of apply cycles that ended in error.",
	})

	ApplyBackoffSeconds = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "supervisor_apply_backoff_seconds",
		Help: "Current backoff delay before the next scheduled apply.",
	})

	// Step execution
	StepsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "supervisor_steps_total",
		Help: "Total number of composition steps executed, by action and outcome.",
	}, []string{"action", "outcome"})

	StepDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "supervisor_step_duration_seconds",
		Help:    "Duration of a single composition step, by action.",
		Buckets: prometheus.DefBuckets,
	}, []string{"action"})

	// Control API
	APIRequestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "supervisor_api_requests_total",
		Help: "Total number of Control API requests, by route and status.",
	}, []string{"route", "status"})

	APIRequestDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "supervisor_api_request_duration_seconds",
		Help:    "Control API request duration in seconds, by route.",
		Buckets: prometheus.DefBuckets,
	}, []string{"route"})

	// Locking
	UpdatesLockedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "supervisor_updates_locked_total",
		Help: "Total number of operations rejected because an advisory update lock was held.",
	})
)

func init() {
	prometheus.MustRegister(
		ApplyCyclesTotal,
		ApplyCycleDuration,
		ApplyFailuresTotal,
		ApplyBackoffSeconds,
		StepsTotal,
		StepDuration,
		APIRequestsTotal,
		APIRequestDuration,
		UpdatesLockedTotal,
	)
}

// Handler returns the Prometheus scrape handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer times one operation and reports it to a histogram on ObserveDuration.
type Timer struct {
	start time.Time
}

// NewTimer starts a timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the elapsed time to histogram.
func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	histogram.Observe(time.Since(t.start).Seconds())
}

// ObserveDurationVec records the elapsed time to a labeled histogram.
func (t *Timer) ObserveDurationVec(histogram prometheus.ObserverVec, labels ...string) {
	histogram.WithLabelValues(labels...).Observe(time.Since(t.start).Seconds())
}
