// Package metrics exposes prometheus instrumentation for the query and
// indexing pipelines and the HTTP API.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics bundles all collectors behind one registry, so tests can create
// isolated instances instead of fighting over the global registry.
type Metrics struct {
	registry *prometheus.Registry

	QueriesTotal     *prometheus.CounterVec
	QueryDuration    *prometheus.HistogramVec
	DocumentsWritten prometheus.Counter
	HTTPRequests     *prometheus.CounterVec
	HTTPDuration     *prometheus.HistogramVec
}

// New builds a registry with all service collectors plus the standard Go
// and process collectors.
func New() *Metrics {
	registry := prometheus.NewRegistry()
	m := &Metrics{
		registry: registry,
		QueriesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "haystack",
			Name:      "queries_total",
			Help:      "Queries processed, labeled by outcome.",
		}, []string{"status"}),
		QueryDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "haystack",
			Name:      "query_stage_duration_seconds",
			Help:      "Latency per pipeline stage.",
			Buckets:   prometheus.ExponentialBuckets(0.01, 2, 12),
		}, []string{"stage"}),
		DocumentsWritten: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "haystack",
			Name:      "documents_written_total",
			Help:      "Documents written to the store.",
		}),
		HTTPRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "haystack",
			Name:      "http_requests_total",
			Help:      "HTTP requests, labeled by route, method and code.",
		}, []string{"route", "method", "code"}),
		HTTPDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "haystack",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency by route.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"route"}),
	}

	registry.MustRegister(
		m.QueriesTotal,
		m.QueryDuration,
		m.DocumentsWritten,
		m.HTTPRequests,
		m.HTTPDuration,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// RegisterCacheStats exposes embedding cache hit/miss counters sourced from
// the cache's own snapshot function.
func (m *Metrics) RegisterCacheStats(stats func() (hits, misses int64)) {
	m.registry.MustRegister(
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: "haystack",
			Subsystem: "embedding_cache",
			Name:      "hits_total",
			Help:      "Embedding cache hits.",
		}, func() float64 {
			hits, _ := stats()
			return float64(hits)
		}),
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: "haystack",
			Subsystem: "embedding_cache",
			Name:      "misses_total",
			Help:      "Embedding cache misses.",
		}, func() float64 {
			_, misses := stats()
			return float64(misses)
		}),
	)
}

// RegisterDocumentCount exposes the current document count of the default
// index as a gauge evaluated on scrape.
func (m *Metrics) RegisterDocumentCount(count func() float64) {
	m.registry.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: "haystack",
		Name:      "documents_in_store",
		Help:      "Documents currently in the default index.",
	}, count))
}

// Handler serves the /metrics endpoint for this registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
