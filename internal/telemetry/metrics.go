// Package telemetry unifies Prometheus metrics and OpenTelemetry tracing for the aggregator.
package telemetry

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	poolHandles = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "jobagg_pool_handles",
			Help: "Browser handles tracked by the pool, labeled by state.",
		},
		[]string{"state"},
	)

	poolWaiters = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "jobagg_pool_waiters",
			Help: "Callers queued for a browser handle.",
		},
	)

	poolLaunchesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "jobagg_pool_launches_total",
			Help: "Browser process launches, labeled by result.",
		},
		[]string{"result"},
	)

	poolPurgedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "jobagg_pool_purged_total",
			Help: "Browser handles discarded by the pool, labeled by reason.",
		},
		[]string{"reason"},
	)

	cacheLookupsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "jobagg_cache_lookups_total",
			Help: "Result cache lookups, labeled by hit or miss.",
		},
		[]string{"result"},
	)

	scrapesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "jobagg_scrapes_total",
			Help: "Scraper invocations, labeled by source and status.",
		},
		[]string{"source", "status"},
	)

	scrapeRecordsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "jobagg_scrape_records_total",
			Help: "Job records returned by scrapers, labeled by source.",
		},
		[]string{"source"},
	)

	scrapeDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "jobagg_scrape_duration_seconds",
			Help:    "Histogram of scraper run durations, labeled by source.",
			Buckets: []float64{0.5, 1, 2.5, 5, 10, 20, 40, 60, 120},
		},
		[]string{"source"},
	)

	rateLimitDelaySeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "jobagg_rate_limit_delay_seconds",
			Help:    "Time spent waiting on a rate limiter, labeled by limiter.",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10},
		},
		[]string{"limiter"},
	)

	rateLimitRejectedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "jobagg_rate_limit_rejected_total",
			Help: "Requests refused by a rate limiter, labeled by limiter.",
		},
		[]string{"limiter"},
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
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 15, 30, 60},
		},
		[]string{"method", "route"},
	)
)

// Handler returns the standard Prometheus HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObservePool records the pool's current occupancy.
func ObservePool(idle, inUse, waiting int) {
	poolHandles.WithLabelValues("idle").Set(float64(idle))
	poolHandles.WithLabelValues("in_use").Set(float64(inUse))
	poolWaiters.Set(float64(waiting))
}

// ObserveLaunch records a browser launch attempt.
func ObserveLaunch(err error) {
	result := "success"
	if err != nil {
		result = "failure"
	}
	poolLaunchesTotal.WithLabelValues(result).Inc()
}

// ObservePurge records a handle being discarded instead of reused.
func ObservePurge(reason string) {
	poolPurgedTotal.WithLabelValues(reason).Inc()
}

// ObserveCacheLookup records a cache hit or miss.
func ObserveCacheLookup(hit bool) {
	result := "miss"
	if hit {
		result = "hit"
	}
	cacheLookupsTotal.WithLabelValues(result).Inc()
}

// ObserveScrape records the outcome of one scraper run.
func ObserveScrape(source, status string, records int, duration time.Duration) {
	scrapesTotal.WithLabelValues(source, status).Inc()
	scrapeDurationSeconds.WithLabelValues(source).Observe(duration.Seconds())
	if records > 0 {
		scrapeRecordsTotal.WithLabelValues(source).Add(float64(records))
	}
}

// ObserveRateLimitDelay records time spent blocked on a limiter.
func ObserveRateLimitDelay(limiter string, d time.Duration) {
	rateLimitDelaySeconds.WithLabelValues(limiter).Observe(d.Seconds())
}

// ObserveRateLimitRejected counts a request refused by a limiter.
func ObserveRateLimitRejected(limiter string) {
	rateLimitRejectedTotal.WithLabelValues(limiter).Inc()
}

// ObserveHTTPRequest records metrics for an HTTP request.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}
