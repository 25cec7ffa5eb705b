// Package metrics exposes Prometheus collectors for the scraper runtime.
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

var (
	httpRequestsTotal          *prometheus.CounterVec
	httpRequestDurationSeconds *prometheus.HistogramVec
	invocationsTotal           *prometheus.CounterVec
	invocationDurationSeconds  *prometheus.HistogramVec
	jobsTotal                  *prometheus.CounterVec
	activeWorkers              prometheus.Gauge
	cooldownDelaySeconds       *prometheus.HistogramVec
	hostRequestsTotal          *prometheus.CounterVec
	hostRequestDurationSeconds *prometheus.HistogramVec
	breakerOpen                *prometheus.GaugeVec
	queueItems                 *prometheus.GaugeVec
	pluginsLoaded              prometheus.Gauge

	once sync.Once
)

// Init initializes the Prometheus collectors. It is safe to call multiple
// times; every Observe helper calls it.
func Init() {
	once.Do(func() {
		httpRequestsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of ops API requests, labeled by method and code.",
			},
			[]string{"method", "code"},
		)
		httpRequestDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "Histogram of ops API latencies, labeled by method and route.",
				Buckets: []float64{0.005, 0.05, 0.1, 0.25, 0.5, 1, 2},
			},
			[]string{"method", "route"},
		)
		invocationsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "scraper_invocations_total",
				Help: "Plugin invocations, labeled by plugin, backend, and result kind.",
			},
			[]string{"plugin", "backend", "result"},
		)
		invocationDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "scraper_invocation_duration_seconds",
				Help:    "Plugin invocation latency, labeled by plugin and backend.",
				Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10, 30},
			},
			[]string{"plugin", "backend"},
		)
		jobsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "scraper_jobs_total",
				Help: "Scheduler job resolutions, labeled by status.",
			},
			[]string{"status"},
		)
		activeWorkers = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "scraper_active_workers",
				Help: "Number of workers currently running a job.",
			},
		)
		cooldownDelaySeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "scraper_cooldown_delay_seconds",
				Help:    "Time workers waited on a plugin cooldown.",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
			},
			[]string{"plugin"},
		)
		hostRequestsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "scraper_host_http_requests_total",
				Help: "Host-proxied plugin HTTP requests, labeled by upstream host and code (0 on transport error).",
			},
			[]string{"host", "code"},
		)
		hostRequestDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "scraper_host_http_request_duration_seconds",
				Help:    "Host-proxied plugin HTTP latency by upstream host.",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10},
			},
			[]string{"host"},
		)
		breakerOpen = promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "scraper_host_breaker_open",
				Help: "1 while the circuit breaker for an upstream host is open.",
			},
			[]string{"host"},
		)
		queueItems = promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "scraper_queue_items",
				Help: "Queue items by state (ready, delayed, in_flight).",
			},
			[]string{"state"},
		)
		pluginsLoaded = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "scraper_plugins_loaded",
				Help: "Number of registered plugins.",
			},
		)
	})
}

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveHTTPRequest records one ops API request.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	Init()
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}

// ObserveInvocation records one plugin call. result is "ok" or an error kind.
func ObserveInvocation(plugin, backend, result string, duration time.Duration) {
	Init()
	invocationsTotal.WithLabelValues(plugin, backend, result).Inc()
	invocationDurationSeconds.WithLabelValues(plugin, backend).Observe(duration.Seconds())
}

// ObserveJob increments the job counter for the given status.
func ObserveJob(status string) {
	Init()
	jobsTotal.WithLabelValues(status).Inc()
}

// IncActiveWorkers increments the active workers gauge.
func IncActiveWorkers() {
	Init()
	activeWorkers.Inc()
}

// DecActiveWorkers decrements the active workers gauge.
func DecActiveWorkers() {
	Init()
	activeWorkers.Dec()
}

// ObserveCooldownDelay records the duration of a cooldown wait.
func ObserveCooldownDelay(plugin string, duration time.Duration) {
	Init()
	cooldownDelaySeconds.WithLabelValues(plugin).Observe(duration.Seconds())
}

// ObserveHostRequest records one host-proxied request.
func ObserveHostRequest(host string, code int, duration time.Duration) {
	Init()
	hostRequestsTotal.WithLabelValues(host, strconv.Itoa(code)).Inc()
	hostRequestDurationSeconds.WithLabelValues(host).Observe(duration.Seconds())
}

// SetBreakerOpen flags a host breaker as open or not.
func SetBreakerOpen(host string, open bool) {
	Init()
	v := 0.0
	if open {
		v = 1
	}
	breakerOpen.WithLabelValues(host).Set(v)
}

// SetQueueItems publishes the queue size split.
func SetQueueItems(ready, delayed, inFlight int) {
	Init()
	queueItems.WithLabelValues("ready").Set(float64(ready))
	queueItems.WithLabelValues("delayed").Set(float64(delayed))
	queueItems.WithLabelValues("in_flight").Set(float64(inFlight))
}

// SetPluginsLoaded publishes the registry size.
func SetPluginsLoaded(n int) {
	Init()
	pluginsLoaded.Set(float64(n))
}
