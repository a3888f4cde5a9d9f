// Package metrics exposes Prometheus collectors for the link tracker.
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
	batchesTotal               *prometheus.CounterVec
	lateCompletionsTotal       *prometheus.CounterVec
	tasksTotal                 *prometheus.CounterVec
	renderDurationSeconds      *prometheus.HistogramVec
	artifactBytesTotal         *prometheus.CounterVec
	poolInflight               prometheus.Gauge
	poolLaunchesTotal          *prometheus.CounterVec
	throttleDelaySeconds       *prometheus.HistogramVec
	queueJobsTotal             *prometheus.CounterVec
	notificationsTotal         *prometheus.CounterVec
	preflightsTotal                *prometheus.CounterVec
	httpRequestsTotal          *prometheus.CounterVec
	httpRequestDurationSeconds *prometheus.HistogramVec

	once sync.Once
)

// Init initializes the Prometheus collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		batchesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "linktracker_batches_total",
				Help: "Batch runs reaching a terminal outcome, labeled by timing and outcome.",
			},
			[]string{"timing", "outcome"},
		)

		lateCompletionsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "linktracker_late_completions_total",
				Help: "Completions discarded because their batch was already terminal.",
			},
			[]string{"timing"},
		)

		tasksTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "linktracker_scrape_tasks_total",
				Help: "Scrape tasks finished, labeled by site and result.",
			},
			[]string{"site", "result"},
		)

		renderDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "linktracker_render_duration_seconds",
				Help:    "Histogram of page render durations.",
				Buckets: []float64{0.5, 1, 2, 5, 10, 20, 45, 90},
			},
			[]string{"site"},
		)

		artifactBytesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "linktracker_artifact_bytes_total",
				Help: "Bytes uploaded to object storage, labeled by artifact.",
			},
			[]string{"artifact"},
		)

		poolInflight = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "linktracker_pool_inflight_tasks",
				Help: "Number of scrape tasks holding a browser slot.",
			},
		)

		poolLaunchesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "linktracker_pool_launches_total",
				Help: "Browser pool launches, labeled by result.",
			},
			[]string{"result"},
		)

		throttleDelaySeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "linktracker_domain_throttle_delay_seconds",
				Help:    "Histogram of per-domain throttle waits.",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
			},
			[]string{"domain"},
		)

		queueJobsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "linktracker_queue_jobs_total",
				Help: "Queue jobs processed, labeled by queue and status.",
			},
			[]string{"queue", "status"},
		)

		notificationsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "linktracker_notifications_total",
				Help: "Operational alerts posted, labeled by result.",
			},
			[]string{"result"},
		)

		preflightsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "linktracker_preflight_checks_total",
				Help: "Pre-render robots and reachability checks, labeled by result.",
			},
			[]string{"result"},
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

// SanitizeSite sanitizes a URL to extract a lowercase hostname.
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

// ObserveBatch counts a terminal batch outcome.
func ObserveBatch(timing, outcome string) {
	Init()
	batchesTotal.WithLabelValues(timing, outcome).Inc()
}

// ObserveLateCompletion counts a completion discarded after the batch ended.
func ObserveLateCompletion(timing string) {
	Init()
	lateCompletionsTotal.WithLabelValues(timing).Inc()
}

// ObserveTask counts a finished scrape task.
func ObserveTask(site, result string) {
	Init()
	tasksTotal.WithLabelValues(SanitizeSite(site), result).Inc()
}

// ObserveRender records how long a render took.
func ObserveRender(site string, duration time.Duration) {
	Init()
	renderDurationSeconds.WithLabelValues(SanitizeSite(site)).Observe(duration.Seconds())
}

// ObserveArtifact records uploaded bytes.
func ObserveArtifact(artifact string, size int) {
	Init()
	if size > 0 {
		artifactBytesTotal.WithLabelValues(artifact).Add(float64(size))
	}
}

// IncInflight increments the pool in-flight gauge.
func IncInflight() {
	Init()
	poolInflight.Inc()
}

// DecInflight decrements the pool in-flight gauge.
func DecInflight() {
	Init()
	poolInflight.Dec()
}

// ObservePoolLaunch counts a pool launch attempt.
func ObservePoolLaunch(result string) {
	Init()
	poolLaunchesTotal.WithLabelValues(result).Inc()
}

// ObserveThrottleDelay records the duration of a per-domain throttle wait.
func ObserveThrottleDelay(domain string, duration time.Duration) {
	Init()
	throttleDelaySeconds.WithLabelValues(domain).Observe(duration.Seconds())
}

// ObserveQueueJob counts a processed queue job.
func ObserveQueueJob(queue, status string) {
	Init()
	queueJobsTotal.WithLabelValues(queue, status).Inc()
}

// ObserveNotification counts a posted alert.
func ObserveNotification(result string) {
	Init()
	notificationsTotal.WithLabelValues(result).Inc()
}

// ObservePreflight counts a pre-render check.
func ObservePreflight(result string) {
	Init()
	preflightsTotal.WithLabelValues(result).Inc()
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	Init()
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}
