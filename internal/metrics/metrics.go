// Package metrics holds the prometheus collectors exported on /metrics.
package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "route", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		},
		[]string{"method", "route"},
	)

	CompletionRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "completion_requests_total",
			Help: "Total number of completion API calls by purpose and outcome",
		},
		[]string{"purpose", "outcome"},
	)

	CompletionRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "completion_request_duration_seconds",
			Help:    "Completion API latency in seconds",
			Buckets: []float64{0.25, 0.5, 1, 2, 4, 8, 16, 32, 64},
		},
		[]string{"purpose"},
	)

	AdviceGeneratedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "advice_generated_total",
			Help: "Advice items returned by the generator, by parse kind",
		},
		[]string{"kind"},
	)

	DBQueryErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "db_query_errors_total",
			Help: "Total number of failed database operations",
		},
		[]string{"operation"},
	)

	RateLimitRejections = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rate_limit_rejections_total",
			Help: "Requests rejected by the per-user AI rate limiter",
		},
		[]string{"route"},
	)
)

func RecordHTTPRequest(method, route string, status int, duration time.Duration) {
	if route == "" {
		route = "unmatched"
	}
	HTTPRequestsTotal.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	HTTPRequestDuration.WithLabelValues(method, route).Observe(duration.Seconds())
}

func RecordCompletion(purpose string, duration time.Duration, err error) {
	outcome := "success"
	if err != nil {
		outcome = "error"
	}
	CompletionRequestsTotal.WithLabelValues(purpose, outcome).Inc()
	CompletionRequestDuration.WithLabelValues(purpose).Observe(duration.Seconds())
}

func RecordAdvice(kind string, count int) {
	if count <= 0 {
		return
	}
	AdviceGeneratedTotal.WithLabelValues(kind).Add(float64(count))
}

func RecordDBError(operation string) {
	DBQueryErrors.WithLabelValues(operation).Inc()
}

func RecordRateLimit(route string) {
	RateLimitRejections.WithLabelValues(route).Inc()
}
