// Package metrics registers the Prometheus collectors shared by the services.
package metrics

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "csvrelay"

// Ingest outcomes for RecordsTotal.
const (
	OutcomeSaved            = "saved"
	OutcomeSkippedExisting  = "skipped_existing"
	OutcomeDuplicateInBatch = "duplicate_in_batch"
)

// Metrics groups every collector. Use Default to obtain the registered set.
type Metrics struct {
	RecordsTotal  *prometheus.CounterVec
	BatchesTotal  *prometheus.CounterVec
	RelayMessages *prometheus.CounterVec
	RelayLatency  *prometheus.HistogramVec
	HTTPRequests  *prometheus.CounterVec
	HTTPLatency   *prometheus.HistogramVec
}

var latencyBuckets = []float64{
	0.001, 0.005, 0.01, 0.025, 0.05,
	0.1, 0.25, 0.5, 1, 2.5, 5, 10,
}

var defaultMetrics = sync.OnceValue(func() *Metrics {
	return &Metrics{
		RecordsTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ingest_records_total",
			Help:      "Records seen by batch ingestion, by outcome.",
		}, []string{"outcome"}),
		BatchesTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ingest_batches_total",
			Help:      "Batch ingestions by result code.",
		}, []string{"code"}),
		RelayMessages: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "relay_messages_total",
			Help:      "Relay messages handled, by stage and reply status.",
		}, []string{"stage", "status"}),
		RelayLatency: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "relay_handle_seconds",
			Help:      "Time spent handling one relay message.",
			Buckets:   latencyBuckets,
		}, []string{"stage"}),
		HTTPRequests: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "HTTP requests by route, method and status.",
		}, []string{"route", "method", "status"}),
		HTTPLatency: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_seconds",
			Help:      "HTTP request latency by route.",
			Buckets:   latencyBuckets,
		}, []string{"route", "method"}),
	}
})

// Default returns the collectors registered with the default registry.
func Default() *Metrics {
	return defaultMetrics()
}

// Handler serves the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Middleware records request counts and latency labelled by the chi route pattern.
func Middleware(next http.Handler) http.Handler {
	m := Default()
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		route := "unmatched"
		if rc := chi.RouteContext(r.Context()); rc != nil && rc.RoutePattern() != "" {
			route = rc.RoutePattern()
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		m.HTTPRequests.WithLabelValues(route, r.Method, strconv.Itoa(status)).Inc()
		m.HTTPLatency.WithLabelValues(route, r.Method).Observe(time.Since(start).Seconds())
	})
}
