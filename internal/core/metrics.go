package core

import (
	"context"
	"errors"
	"io"
	"net/http"
	"nxcache/internal/storage"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const metricsNamespace = "nxcache"

// Metrics collects HTTP and storage metrics into its own registry, so several
// servers in one process never collide on registration.
type Metrics struct {
	registry        *prometheus.Registry
	requestCounter  *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
	requestSize     *prometheus.SummaryVec
	responseSize    *prometheus.SummaryVec
	storageOps      *prometheus.CounterVec
	storageDuration *prometheus.HistogramVec
}

// NewMetrics registers the collectors on registry. A nil registry gets a
// fresh one with the Go runtime and process collectors attached.
func NewMetrics(registry *prometheus.Registry) *Metrics {
	if registry == nil {
		registry = prometheus.NewRegistry()
		registry.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
	}

	factory := promauto.With(registry)
	m := &Metrics{registry: registry}

	m.requestCounter = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total number of HTTP requests",
		},
		[]string{"method", "route", "status"},
	)

	m.requestDuration = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request duration in seconds",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10, 30},
		},
		[]string{"method", "route"},
	)

	m.requestSize = factory.NewSummaryVec(
		prometheus.SummaryOpts{
			Namespace:  metricsNamespace,
			Subsystem:  "http",
			Name:       "request_size_bytes",
			Help:       "HTTP request body size in bytes",
			Objectives: map[float64]float64{0.5: 0.05, 0.9: 0.01, 0.99: 0.001},
		},
		[]string{"method", "route"},
	)

	m.responseSize = factory.NewSummaryVec(
		prometheus.SummaryOpts{
			Namespace:  metricsNamespace,
			Subsystem:  "http",
			Name:       "response_size_bytes",
			Help:       "HTTP response body size in bytes",
			Objectives: map[float64]float64{0.5: 0.05, 0.9: 0.01, 0.99: 0.001},
		},
		[]string{"method", "route"},
	)

	m.storageOps = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "storage",
			Name:      "operations_total",
			Help:      "Total number of storage backend operations by outcome",
		},
		[]string{"op", "result"},
	)

	m.storageDuration = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Subsystem: "storage",
			Name:      "operation_duration_seconds",
			Help:      "Storage backend operation duration in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"op"},
	)

	return m
}

func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// MetricMethod maps a request method onto the fixed set used in labels and
// span names. Anything the API does not serve becomes "other".
func MetricMethod(method string) string {
	switch method {
	case http.MethodGet, http.MethodHead, http.MethodPut:
		return method
	}
	return "other"
}

// Middleware records request metrics. It must wrap the ServeMux, possibly
// through handlers that pass the request on unchanged, so the matched route
// pattern is visible once the mux returns. Unmatched requests share one
// series whatever their method or path.
func (m *Metrics) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		writer := wrapResponseWriter(w)

		next.ServeHTTP(writer, r)

		method, route := MetricMethod(r.Method), r.Pattern
		if route == "" {
			method, route = "other", "unmatched"
		}

		m.requestCounter.WithLabelValues(method, route, strconv.Itoa(writer.StatusCode())).Inc()
		m.requestDuration.WithLabelValues(method, route).Observe(time.Since(start).Seconds())
		if r.ContentLength > 0 {
			m.requestSize.WithLabelValues(method, route).Observe(float64(r.ContentLength))
		}
		if writer.BytesWritten > 0 {
			m.responseSize.WithLabelValues(method, route).Observe(float64(writer.BytesWritten))
		}
	})
}

func (m *Metrics) observe(op string, start time.Time, err error, ok string) {
	m.storageDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())

	result := ok
	switch {
	case err == nil:
	case errors.Is(err, storage.ErrNotFound):
		result = "not_found"
	case errors.Is(err, storage.ErrAlreadyExists):
		result = "already_exists"
	default:
		result = "error"
	}
	m.storageOps.WithLabelValues(op, result).Inc()
}

// InstrumentStorage wraps engine so every call is counted by outcome.
func (m *Metrics) InstrumentStorage(engine storage.Storage) storage.Storage {
	return &instrumentedStorage{Storage: engine, metrics: m}
}

type instrumentedStorage struct {
	storage.Storage
	metrics *Metrics
}

func (s *instrumentedStorage) Exists(ctx context.Context, key string) (bool, error) {
	start := time.Now()
	exists, err := s.Storage.Exists(ctx, key)
	result := "miss"
	if exists {
		result = "hit"
	}
	s.metrics.observe("exists", start, err, result)
	return exists, err
}

func (s *instrumentedStorage) Store(ctx context.Context, key string, r io.Reader, size int64) error {
	start := time.Now()
	err := s.Storage.Store(ctx, key, r, size)
	s.metrics.observe("store", start, err, "ok")
	return err
}

// Retrieve only measures the time to open the object. Streaming the body is
// accounted for by the HTTP response metrics.
func (s *instrumentedStorage) Retrieve(ctx context.Context, key string) (io.ReadCloser, error) {
	start := time.Now()
	rc, err := s.Storage.Retrieve(ctx, key)
	s.metrics.observe("retrieve", start, err, "ok")
	return rc, err
}
