// Package metrics exports cache and daemon metrics in Prometheus format.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the collectors. It implements cache.Recorder.
type Metrics struct {
	Hits            *prometheus.CounterVec
	Misses          *prometheus.CounterVec
	Evictions       *prometheus.CounterVec
	Expirations     *prometheus.CounterVec
	StorageErrors   *prometheus.CounterVec
	EntryCount      *prometheus.GaugeVec
	RequestsTotal   *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec

	registry *prometheus.Registry
}

// New creates and registers all metrics on a private registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(prometheus.NewGoCollector())
	reg.MustRegister(prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))

	m := &Metrics{
		Hits: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "appcache_hits_total",
				Help: "Cache hits by tier.",
			},
			[]string{"tier"},
		),
		Misses: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "appcache_misses_total",
				Help: "Cache misses by tier, expired reads included.",
			},
			[]string{"tier"},
		),
		Evictions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "appcache_evictions_total",
				Help: "Entries evicted because a tier exceeded its max size.",
			},
			[]string{"tier"},
		),
		Expirations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "appcache_expirations_total",
				Help: "Entries removed after their TTL passed.",
			},
			[]string{"tier"},
		),
		StorageErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "appcache_storage_errors_total",
				Help: "Persistent store failures by operation.",
			},
			[]string{"op"},
		),
		EntryCount: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "appcache_entries",
				Help: "Entries currently held by each tier.",
			},
			[]string{"tier"},
		),
		RequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "appcache_http_requests_total",
				Help: "Daemon HTTP requests by route and status code.",
			},
			[]string{"route", "status"},
		),
		RequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "appcache_http_request_duration_seconds",
				Help:    "Daemon HTTP request latency.",
				Buckets: []float64{0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1},
			},
			[]string{"route"},
		),
		registry: reg,
	}

	reg.MustRegister(
		m.Hits,
		m.Misses,
		m.Evictions,
		m.Expirations,
		m.StorageErrors,
		m.EntryCount,
		m.RequestsTotal,
		m.RequestDuration,
	)

	return m
}

// Handler serves the /metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) Hit(tier string)  { m.Hits.WithLabelValues(tier).Inc() }
func (m *Metrics) Miss(tier string) { m.Misses.WithLabelValues(tier).Inc() }

func (m *Metrics) Evicted(tier string, n int) {
	m.Evictions.WithLabelValues(tier).Add(float64(n))
}

func (m *Metrics) Expired(tier string, n int) {
	m.Expirations.WithLabelValues(tier).Add(float64(n))
}

func (m *Metrics) StorageError(op string) {
	m.StorageErrors.WithLabelValues(op).Inc()
}

func (m *Metrics) Entries(tier string, n int) {
	m.EntryCount.WithLabelValues(tier).Set(float64(n))
}

// Middleware instruments an HTTP handler under a fixed route label.
func (m *Metrics) Middleware(route string, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rw := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		start := time.Now()

		next.ServeHTTP(rw, r)

		m.RequestsTotal.WithLabelValues(route, strconv.Itoa(rw.statusCode)).Inc()
		m.RequestDuration.WithLabelValues(route).Observe(time.Since(start).Seconds())
	}
}

// responseWriter wraps http.ResponseWriter to capture the status code.
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}
