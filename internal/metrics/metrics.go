// Package metrics exposes Prometheus collectors for the export service.
package metrics

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/JakeFAU/treexport/internal/remote"
)

var (
	exportsTotal               *prometheus.CounterVec
	exportDurationSeconds      *prometheus.HistogramVec
	exportEntriesTotal         prometheus.Counter
	exportFilesTotal           prometheus.Counter
	exportBytesTotal           prometheus.Counter
	walkFailuresTotal          prometheus.Counter
	activeSessions             *prometheus.GaugeVec
	progressObservers          prometheus.Gauge
	progressSkippedTotal       prometheus.Counter
	progressDroppedTotal       *prometheus.CounterVec
	httpRequestsTotal          *prometheus.CounterVec
	httpRequestDurationSeconds *prometheus.HistogramVec
	rateLimitDelaySeconds      prometheus.Histogram

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		exportsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "treexport_exports_total",
				Help: "Total number of exports, labeled by kind and result.",
			},
			[]string{"kind", "result"},
		)

		exportDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "treexport_export_duration_seconds",
				Help:    "Wall time per export, labeled by kind.",
				Buckets: []float64{0.1, 0.5, 1, 5, 15, 60, 300, 900, 1800},
			},
			[]string{"kind"},
		)

		exportEntriesTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "treexport_export_entries_total",
				Help: "Total number of entries written to tabular exports.",
			},
		)

		exportFilesTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "treexport_export_files_total",
				Help: "Total number of files appended to bundles.",
			},
		)

		exportBytesTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "treexport_export_bytes_total",
				Help: "Total number of content bytes appended to bundles.",
			},
		)

		walkFailuresTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "treexport_walk_failures_total",
				Help: "Folder listings that failed and were skipped during tabular exports.",
			},
		)

		activeSessions = promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "treexport_active_sessions",
				Help: "Number of exports currently running, labeled by kind.",
			},
			[]string{"kind"},
		)

		progressObservers = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "treexport_progress_observers",
				Help: "Number of connected progress observers.",
			},
		)

		progressSkippedTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "treexport_progress_skipped_total",
				Help: "Progress updates an observer could not accept.",
			},
		)

		progressDroppedTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "treexport_progress_dropped_total",
				Help: "Progress updates dropped by a full session queue, labeled by kind.",
			},
			[]string{"kind"},
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
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 15, 60},
			},
			[]string{"method", "route"},
		)

		rateLimitDelaySeconds = promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "treexport_remote_rate_limit_delay_seconds",
				Help:    "Time remote calls spent waiting on the per-credential rate limiter.",
				Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2, 5},
			},
		)
	})
}

// ResultLabel maps an export outcome to a low-cardinality label value.
func ResultLabel(err error) string {
	switch {
	case err == nil:
		return "success"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "canceled"
	case errors.Is(err, remote.ErrUnauthorized), errors.Is(err, remote.ErrForbidden):
		return "denied"
	case errors.Is(err, remote.ErrNotFound):
		return "not_found"
	case errors.Is(err, remote.ErrThrottled):
		return "throttled"
	case errors.Is(err, remote.ErrServerError), errors.Is(err, remote.ErrUpstream):
		return "upstream"
	default:
		return "error"
	}
}

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveExport records a finished export.
func ObserveExport(kind string, err error, duration time.Duration) {
	exportsTotal.WithLabelValues(kind, ResultLabel(err)).Inc()
	exportDurationSeconds.WithLabelValues(kind).Observe(duration.Seconds())
}

// AddEntries counts entries written to a tabular export.
func AddEntries(n int) {
	if n > 0 {
		exportEntriesTotal.Add(float64(n))
	}
}

// AddBundle counts files and bytes appended to a bundle.
func AddBundle(files int, bytes int64) {
	if files > 0 {
		exportFilesTotal.Add(float64(files))
	}
	if bytes > 0 {
		exportBytesTotal.Add(float64(bytes))
	}
}

// AddWalkFailures counts skipped folder listings.
func AddWalkFailures(n int) {
	if n > 0 {
		walkFailuresTotal.Add(float64(n))
	}
}

// IncActiveSessions increments the active sessions gauge.
func IncActiveSessions(kind string) {
	activeSessions.WithLabelValues(kind).Inc()
}

// DecActiveSessions decrements the active sessions gauge.
func DecActiveSessions(kind string) {
	activeSessions.WithLabelValues(kind).Dec()
}

// SetProgressObservers records the number of connected observers.
func SetProgressObservers(n int) {
	progressObservers.Set(float64(n))
}

// IncProgressSkipped counts an update an observer rejected.
func IncProgressSkipped() {
	progressSkippedTotal.Inc()
}

// IncProgressDropped counts an update a session queue dropped.
func IncProgressDropped(kind string) {
	progressDroppedTotal.WithLabelValues(kind).Inc()
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}

// ObserveRateLimitDelay records time spent waiting for a rate limit token.
func ObserveRateLimitDelay(d time.Duration) {
	rateLimitDelaySeconds.Observe(d.Seconds())
}
