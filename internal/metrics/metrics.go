// Package metrics exposes Prometheus collectors for the crawl service.
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
	attemptsTotal              *prometheus.CounterVec
	itemsIngestedTotal         prometheus.Counter
	itemsDuplicateTotal        prometheus.Counter
	recordsInvalidTotal        prometheus.Counter
	engineCallDurationSeconds  *prometheus.HistogramVec
	activeWorkers              prometheus.Gauge
	httpRequestsTotal          *prometheus.CounterVec
	httpRequestDurationSeconds *prometheus.HistogramVec

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		attemptsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sourcecrawl_attempts_total",
				Help: "Total number of crawl attempts finalized, labeled by status.",
			},
			[]string{"status"},
		)

		itemsIngestedTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "sourcecrawl_items_ingested_total",
				Help: "Total number of new items persisted.",
			},
		)

		itemsDuplicateTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "sourcecrawl_items_duplicate_total",
				Help: "Total number of extracted records skipped as duplicates.",
			},
		)

		recordsInvalidTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "sourcecrawl_records_invalid_total",
				Help: "Total number of extracted records that could not be normalized.",
			},
		)

		engineCallDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "sourcecrawl_engine_call_duration_seconds",
				Help:    "Histogram of scraping engine call latencies, labeled by outcome.",
				Buckets: []float64{0.25, 0.5, 1, 2, 5, 10, 20, 40},
			},
			[]string{"outcome"},
		)

		activeWorkers = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "sourcecrawl_active_workers",
				Help: "Number of workers currently executing an attempt.",
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

// ObserveAttempt increments the attempt counter for the given terminal status.
func ObserveAttempt(status string) {
	Init()
	attemptsTotal.WithLabelValues(status).Inc()
}

// ObserveIngest adds the per-attempt ingestion counts.
func ObserveIngest(ingested, duplicates, invalid int) {
	Init()
	itemsIngestedTotal.Add(float64(ingested))
	itemsDuplicateTotal.Add(float64(duplicates))
	recordsInvalidTotal.Add(float64(invalid))
}

// ObserveEngineCall records the latency of one engine call.
func ObserveEngineCall(outcome string, duration time.Duration) {
	Init()
	engineCallDurationSeconds.WithLabelValues(outcome).Observe(duration.Seconds())
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	Init()
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
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
