// Package metrics exposes process-wide Prometheus collectors for the scraper service.
// Job and target counters live in the progress Prometheus sink; the collectors here
// cover the HTTP surface, the browser controller and the politeness limiter.
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

// Automation outcomes.
const (
	OutcomeSuccess    = "success"
	OutcomeTimeout    = "timeout"
	OutcomeTabError   = "tab_error"
	OutcomeExtraction = "extraction_error"
)

var (
	httpRequestsTotal          *prometheus.CounterVec
	httpRequestDurationSeconds *prometheus.HistogramVec
	automationRunsTotal        *prometheus.CounterVec
	automationScrollErrors     prometheus.Counter
	automationTeardownErrors   prometheus.Counter
	rateLimitDelaySeconds      *prometheus.HistogramVec

	once sync.Once
)

// Init registers the collectors with the default registry. It is safe to call more than once.
func Init() {
	once.Do(func() {
		httpRequestsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests, labeled by method and code.",
			},
			[]string{"method", "code"},
		)

		httpRequestDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "Histogram of HTTP request latencies, labeled by method and route.",
				Buckets: []float64{0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1},
			},
			[]string{"method", "route"},
		)

		automationRunsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "scraper_automation_runs_total",
				Help: "Browser automation sequences, labeled by site and outcome.",
			},
			[]string{"site", "outcome"},
		)

		automationScrollErrors = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "scraper_automation_scroll_errors_total",
				Help: "Scroll injections that failed and were skipped.",
			},
		)

		automationTeardownErrors = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "scraper_automation_teardown_errors_total",
				Help: "Tab close failures that were logged and swallowed.",
			},
		)

		rateLimitDelaySeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "scraper_rate_limit_delay_seconds",
				Help:    "Time spent waiting on the per-host politeness limiter.",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
			},
			[]string{"site"},
		)
	})
}

// SanitizeSite extracts a lowercase hostname from a URL for use as a label.
// It returns "unknown" if the URL is invalid.
func SanitizeSite(rawURL string) string {
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

// ObserveHTTPRequest records one API request.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	Init()
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}

// ObserveAutomation counts a finished automation sequence for the target URL.
func ObserveAutomation(targetURL, outcome string) {
	Init()
	automationRunsTotal.WithLabelValues(SanitizeSite(targetURL), outcome).Inc()
}

// ObserveScrollError counts a scroll injection failure.
func ObserveScrollError() {
	Init()
	automationScrollErrors.Inc()
}

// ObserveTeardownError counts a swallowed tab close failure.
func ObserveTeardownError() {
	Init()
	automationTeardownErrors.Inc()
}

// ObserveRateLimitDelay records how long the limiter held a target back.
func ObserveRateLimitDelay(site string, duration time.Duration) {
	Init()
	rateLimitDelaySeconds.WithLabelValues(site).Observe(duration.Seconds())
}
