// Package metrics exposes the service-level Prometheus collectors: HTTP
// traffic, run submissions and navigation pacing.
package metrics

import (
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	httpRequestsTotal          *prometheus.CounterVec
	httpRequestDurationSeconds *prometheus.HistogramVec
	runsSubmittedTotal         *prometheus.CounterVec
	navigationDelaySeconds     *prometheus.HistogramVec

	once sync.Once
)

// Init initializes the Prometheus collectors on the default registry.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		httpRequestsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "stayprice_http_requests_total",
				Help: "Total number of HTTP requests, labeled by method and code.",
			},
			[]string{"method", "code"},
		)

		httpRequestDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "stayprice_http_request_duration_seconds",
				Help:    "Histogram of HTTP request latencies, labeled by method and route.",
				Buckets: []float64{0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1},
			},
			[]string{"method", "route"},
		)

		runsSubmittedTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "stayprice_runs_submitted_total",
				Help: "Runs submitted through the API, labeled by outcome (accepted, rejected).",
			},
			[]string{"outcome"},
		)

		navigationDelaySeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "stayprice_navigation_delay_seconds",
				Help:    "Time spent waiting on the per-host navigation limiter.",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
			},
			[]string{"host"},
		)
	})
}

// SanitizeHost extracts a lowercase hostname from a URL.
// It returns "unknown" if the URL is invalid.
func SanitizeHost(rawURL string) string {
	if !strings.HasPrefix(rawURL, "http") {
		rawURL = "http://" + rawURL
	}
	u, err := url.Parse(rawURL)
	if err != nil || u.Hostname() == "" {
		return "unknown"
	}
	return strings.ToLower(u.Hostname())
}

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	Init()
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}

// ObserveSubmission counts an API submission.
func ObserveSubmission(accepted bool) {
	Init()
	outcome := "accepted"
	if !accepted {
		outcome = "rejected"
	}
	runsSubmittedTotal.WithLabelValues(outcome).Inc()
}

// ObserveNavigationDelay records the duration of a per-host limiter wait.
func ObserveNavigationDelay(rawURL string, duration time.Duration) {
	Init()
	navigationDelaySeconds.WithLabelValues(SanitizeHost(rawURL)).Observe(duration.Seconds())
}
