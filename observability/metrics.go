// Package observability collects the telemetry registries shared across the
// service surfaces.
package observability

import (
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

type requestMetrics struct {
	requests  *prometheus.CounterVec
	errors    *prometheus.CounterVec
	latency   *prometheus.HistogramVec
	throttles prometheus.Counter
}

var (
	requestMetricsOnce sync.Once
	requestRegistry    *requestMetrics
)

// RequestMetrics returns the lazily-initialised registry recording HTTP
// request activity.
func RequestMetrics() *requestMetrics {
	requestMetricsOnce.Do(func() {
		requestRegistry = &requestMetrics{
			requests: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "market",
				Subsystem: "http",
				Name:      "requests_total",
				Help:      "Count of HTTP requests by route, method and status.",
			}, []string{"route", "method", "status"}),
			errors: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "market",
				Subsystem: "http",
				Name:      "errors_total",
				Help:      "Count of HTTP requests answered with a 5xx status.",
			}, []string{"route"}),
			latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "market",
				Subsystem: "http",
				Name:      "request_duration_seconds",
				Help:      "HTTP request latency by route.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"route"}),
			throttles: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "market",
				Subsystem: "http",
				Name:      "throttled_total",
				Help:      "Count of requests rejected by the rate limiter.",
			}),
		}
		prometheus.MustRegister(
			requestRegistry.requests,
			requestRegistry.errors,
			requestRegistry.latency,
			requestRegistry.throttles,
		)
	})
	return requestRegistry
}

// ObserveRequest records one completed HTTP request.
func (m *requestMetrics) ObserveRequest(route, method string, status int, elapsed time.Duration) {
	if m == nil {
		return
	}
	if route == "" {
		route = "unmatched"
	}
	m.requests.WithLabelValues(route, method, strconv.Itoa(status)).Inc()
	m.latency.WithLabelValues(route).Observe(elapsed.Seconds())
	if status >= 500 {
		m.errors.WithLabelValues(route).Inc()
	}
}

// ObserveThrottle records one request rejected by the rate limiter.
func (m *requestMetrics) ObserveThrottle() {
	if m == nil {
		return
	}
	m.throttles.Inc()
}
