// Package metrics exposes Prometheus collectors for the dispatcher and worker.
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
	dispatchTicksTotal         *prometheus.CounterVec
	runsDispatchedTotal        *prometheus.CounterVec
	dispatchErrorsTotal        *prometheus.CounterVec
	unitsSkippedTotal          *prometheus.CounterVec
	statusUpdatesTotal         *prometheus.CounterVec
	workerMessagesTotal        *prometheus.CounterVec
	articlesPublishedTotal     *prometheus.CounterVec
	scrapeDurationSeconds      *prometheus.HistogramVec
	activeConsumers            *prometheus.GaugeVec
	lifecycleEventsTotal       *prometheus.CounterVec
	rateLimitDelaysSeconds     *prometheus.HistogramVec
	httpRequestsTotal          *prometheus.CounterVec
	httpRequestDurationSeconds *prometheus.HistogramVec

	once sync.Once
)

// Init registers the collectors with the default registry. It is safe to call repeatedly.
func Init() {
	once.Do(func() {
		dispatchTicksTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "newswire_dispatch_ticks_total",
				Help: "Dispatch ticks executed, labeled by queue.",
			},
			[]string{"queue"},
		)
		runsDispatchedTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "newswire_runs_dispatched_total",
				Help: "Runs inserted and published, labeled by queue.",
			},
			[]string{"queue"},
		)
		dispatchErrorsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "newswire_dispatch_errors_total",
				Help: "Dispatch failures, labeled by queue and stage.",
			},
			[]string{"queue", "stage"},
		)
		unitsSkippedTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "newswire_units_skipped_total",
				Help: "Units left out of a tick because their latest run is processing.",
			},
			[]string{"queue"},
		)
		statusUpdatesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "newswire_status_updates_total",
				Help: "Status messages consumed, labeled by status and outcome.",
			},
			[]string{"status", "outcome"},
		)
		workerMessagesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "newswire_worker_messages_total",
				Help: "Work messages handled by workers, labeled by queue and outcome.",
			},
			[]string{"queue", "outcome"},
		)
		articlesPublishedTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "newswire_articles_published_total",
				Help: "Article references published to the article queue, labeled by unit.",
			},
			[]string{"unit"},
		)
		scrapeDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "newswire_scrape_duration_seconds",
				Help:    "Duration of unit scrape calls, labeled by queue and unit.",
				Buckets: []float64{0.25, 0.5, 1, 2, 5, 10, 30, 60, 120},
			},
			[]string{"queue", "unit"},
		)
		activeConsumers = promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "newswire_active_consumers",
				Help: "Consumers currently attached, labeled by queue.",
			},
			[]string{"queue"},
		)
		lifecycleEventsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "newswire_lifecycle_events_total",
				Help: "Lifecycle transitions reported, labeled by service and status.",
			},
			[]string{"service", "status"},
		)
		rateLimitDelaysSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "newswire_rate_limit_delays_seconds",
				Help:    "Histogram of per-domain rate limit wait durations.",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
			},
			[]string{"domain"},
		)
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
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
			},
			[]string{"method", "route"},
		)
	})
}

// SanitizeSite reduces a URL to its lowercase hostname, or "unknown".
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

// ObserveTick counts one dispatch tick.
func ObserveTick(queue string) {
	Init()
	dispatchTicksTotal.WithLabelValues(queue).Inc()
}

// ObserveDispatched counts one successfully dispatched run.
func ObserveDispatched(queue string) {
	Init()
	runsDispatchedTotal.WithLabelValues(queue).Inc()
}

// ObserveDispatchError counts a failed dispatch stage (ledger, insert, publish).
func ObserveDispatchError(queue, stage string) {
	Init()
	dispatchErrorsTotal.WithLabelValues(queue, stage).Inc()
}

// ObserveSkipped adds n in-flight units skipped by a tick.
func ObserveSkipped(queue string, n int) {
	Init()
	if n > 0 {
		unitsSkippedTotal.WithLabelValues(queue).Add(float64(n))
	}
}

// ObserveStatusUpdate counts one consumed status message.
func ObserveStatusUpdate(status, outcome string) {
	Init()
	statusUpdatesTotal.WithLabelValues(status, outcome).Inc()
}

// ObserveWorkerMessage counts one work message outcome.
func ObserveWorkerMessage(queue, outcome string) {
	Init()
	workerMessagesTotal.WithLabelValues(queue, outcome).Inc()
}

// ObserveArticlesPublished adds n article references published for unit.
func ObserveArticlesPublished(unit string, n int) {
	Init()
	if n > 0 {
		articlesPublishedTotal.WithLabelValues(unit).Add(float64(n))
	}
}

// ObserveScrape records the duration of one unit scrape call.
func ObserveScrape(queue, unit string, d time.Duration) {
	Init()
	scrapeDurationSeconds.WithLabelValues(queue, unit).Observe(d.Seconds())
}

// ConsumerStarted increments the active consumer gauge for queue.
func ConsumerStarted(queue string) {
	Init()
	activeConsumers.WithLabelValues(queue).Inc()
}

// ConsumerStopped decrements the active consumer gauge for queue.
func ConsumerStopped(queue string) {
	Init()
	activeConsumers.WithLabelValues(queue).Dec()
}

// ObserveLifecycle counts one lifecycle transition.
func ObserveLifecycle(service, status string) {
	Init()
	lifecycleEventsTotal.WithLabelValues(service, status).Inc()
}

// ObserveRateLimitDelay records the duration of a rate limit wait.
func ObserveRateLimitDelay(domain string, d time.Duration) {
	Init()
	rateLimitDelaysSeconds.WithLabelValues(domain).Observe(d.Seconds())
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, d time.Duration) {
	Init()
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(d.Seconds())
}
