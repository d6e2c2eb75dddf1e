// Package metrics exposes Prometheus collectors for the crawl and indexing service.
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
	pagesFetchedTotal          *prometheus.CounterVec
	processResultsTotal        *prometheus.CounterVec
	chunksIndexedTotal         prometheus.Counter
	tasksTotal                 *prometheus.CounterVec
	activeWorkers              prometheus.Gauge
	queueDepth                 prometheus.Gauge
	httpRequestsTotal          *prometheus.CounterVec
	httpRequestDurationSeconds *prometheus.HistogramVec

	once sync.Once
)

// Init registers the collectors with the default registry.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		pagesFetchedTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "retriever_pages_fetched_total",
				Help: "Pages fetched during crawls, labeled by site and status.",
			},
			[]string{"site", "status"},
		)

		processResultsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "retriever_process_results_total",
				Help: "Smart processing outcomes, labeled by status and reason.",
			},
			[]string{"status", "reason"},
		)

		chunksIndexedTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "retriever_chunks_indexed_total",
				Help: "Chunks embedded and written to the vector store.",
			},
		)

		tasksTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "retriever_tasks_total",
				Help: "Finished tasks, labeled by kind and status.",
			},
			[]string{"kind", "status"},
		)

		activeWorkers = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "retriever_active_workers",
				Help: "Number of workers currently running a task.",
			},
		)

		queueDepth = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "retriever_queue_depth",
				Help: "Tasks waiting in the queue.",
			},
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
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 30},
			},
			[]string{"method", "route"},
		)
	})
}

// SanitizeSite extracts a lowercase hostname from a URL.
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
	Init()
	return promhttp.Handler()
}

// ObservePage counts one crawl fetch.
func ObservePage(pageURL, status string) {
	Init()
	pagesFetchedTotal.WithLabelValues(SanitizeSite(pageURL), status).Inc()
}

// ObserveProcess counts one smart processing outcome.
func ObserveProcess(status, reason string, chunks int) {
	Init()
	processResultsTotal.WithLabelValues(status, reason).Inc()
	if chunks > 0 {
		chunksIndexedTotal.Add(float64(chunks))
	}
}

// ObserveTask counts one finished task.
func ObserveTask(kind, status string) {
	Init()
	tasksTotal.WithLabelValues(kind, status).Inc()
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

// SetQueueDepth records how many tasks are waiting.
func SetQueueDepth(n int) {
	Init()
	queueDepth.Set(float64(n))
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	Init()
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}
