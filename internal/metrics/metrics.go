// Package metrics exposes Prometheus collectors for the watch pipeline.
package metrics

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Check outcomes recorded by the worker.
const (
	OutcomeSuccess        = "success"
	OutcomeCaptureError   = "capture_error"
	OutcomeClassifyError  = "classify_error"
	OutcomeNotProductPage = "not_product_page"
	OutcomePanic          = "panic"
)

var (
	checksTotal               *prometheus.CounterVec
	captureAttemptsTotal      *prometheus.CounterVec
	captureDurationSeconds    *prometheus.HistogramVec
	classifyDurationSeconds   *prometheus.HistogramVec
	notificationsTotal        *prometheus.CounterVec
	targetsErroredTotal       *prometheus.CounterVec
	targetsExpiredTotal       *prometheus.CounterVec
	persistenceErrorsTotal    *prometheus.CounterVec
	httpRequestsTotal         *prometheus.CounterVec
	httpRequestDurationSecond *prometheus.HistogramVec

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		checksTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pagewatch_checks_total",
				Help: "Watch cycles completed, labeled by kind and outcome.",
			},
			[]string{"kind", "outcome"},
		)

		captureAttemptsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pagewatch_capture_attempts_total",
				Help: "Browser capture attempts, labeled by profile and result.",
			},
			[]string{"profile", "result"},
		)

		captureDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "pagewatch_capture_duration_seconds",
				Help:    "Histogram of browser capture attempt latencies.",
				Buckets: []float64{1, 2, 5, 10, 20, 30, 60, 120},
			},
			[]string{"profile"},
		)

		classifyDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "pagewatch_classify_duration_seconds",
				Help:    "Histogram of classifier process latencies.",
				Buckets: []float64{0.5, 1, 2, 5, 10, 20, 60, 120},
			},
			[]string{"kind"},
		)

		notificationsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pagewatch_notifications_total",
				Help: "Alert sends, labeled by kind and status.",
			},
			[]string{"kind", "status"},
		)

		targetsErroredTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pagewatch_targets_errored_total",
				Help: "Targets moved to the error state after repeated failures.",
			},
			[]string{"kind"},
		)

		targetsExpiredTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pagewatch_targets_expired_total",
				Help: "Targets paused by the aging sweep.",
			},
			[]string{"kind"},
		)

		persistenceErrorsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pagewatch_persistence_errors_total",
				Help: "Store writes that failed during a watch cycle.",
			},
			[]string{"kind"},
		)

		httpRequestsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests, labeled by method and code.",
			},
			[]string{"method", "code"},
		)

		httpRequestDurationSecond = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "Histogram of HTTP request latencies, labeled by method and route.",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
			},
			[]string{"method", "route"},
		)
	})
}

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveCheck counts one finished watch cycle.
func ObserveCheck(kind, outcome string) {
	Init()
	checksTotal.WithLabelValues(kind, outcome).Inc()
}

// ObserveCaptureAttempt records one browser attempt.
func ObserveCaptureAttempt(profile, result string, duration time.Duration) {
	Init()
	captureAttemptsTotal.WithLabelValues(profile, result).Inc()
	captureDurationSeconds.WithLabelValues(profile).Observe(duration.Seconds())
}

// ObserveClassify records a classifier invocation latency.
func ObserveClassify(kind string, duration time.Duration) {
	Init()
	classifyDurationSeconds.WithLabelValues(kind).Observe(duration.Seconds())
}

// ObserveNotification counts one alert send.
func ObserveNotification(kind, status string) {
	Init()
	notificationsTotal.WithLabelValues(kind, status).Inc()
}

// ObserveTargetErrored counts a target entering the error state.
func ObserveTargetErrored(kind string) {
	Init()
	targetsErroredTotal.WithLabelValues(kind).Inc()
}

// ObserveTargetsExpired adds the number of targets paused by the sweep.
func ObserveTargetsExpired(kind string, n int64) {
	Init()
	if n > 0 {
		targetsExpiredTotal.WithLabelValues(kind).Add(float64(n))
	}
}

// ObservePersistenceError counts a failed store write.
func ObservePersistenceError(kind string) {
	Init()
	persistenceErrorsTotal.WithLabelValues(kind).Inc()
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	Init()
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSecond.WithLabelValues(method, route).Observe(duration.Seconds())
}
