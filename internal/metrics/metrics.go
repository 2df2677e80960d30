package metrics

import (
	"context"
	"net/http"
	"runtime"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "blobcrypt"

// Metrics holds all application metrics.
type Metrics struct {
	gatherer prometheus.Gatherer

	httpRequestsTotal   *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec
	httpRequestBytes    *prometheus.CounterVec

	backendOperations        *prometheus.CounterVec
	backendOperationDuration *prometheus.HistogramVec
	backendErrors            *prometheus.CounterVec

	blobOperations *prometheus.CounterVec
	blobDuration   *prometheus.HistogramVec
	blobBytes      *prometheus.CounterVec
	blobErrors     *prometheus.CounterVec
	keyUnwraps     *prometheus.CounterVec
	rangeOverfetch prometheus.Histogram

	goroutines       prometheus.Gauge
	memoryAllocBytes prometheus.Gauge
	memorySysBytes   prometheus.Gauge
}

// NewMetrics creates a new metrics instance on the default registry.
func NewMetrics() *Metrics {
	return NewMetricsWithRegistry(prometheus.DefaultRegisterer)
}

// NewMetricsWithRegistry creates a new metrics instance registered on reg.
// When reg is also a Gatherer, Handler serves from it.
func NewMetricsWithRegistry(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	m := &Metrics{
		httpRequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "http_requests_total",
				Help:      "Total number of HTTP requests",
			},
			[]string{"method", "route", "status"},
		),
		httpRequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "http_request_duration_seconds",
				Help:      "HTTP request duration in seconds",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"method", "route"},
		),
		httpRequestBytes: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "http_request_bytes_total",
				Help:      "Total bytes transferred in HTTP requests",
			},
			[]string{"method", "route"},
		),
		backendOperations: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "backend_operations_total",
				Help:      "Total number of blob store operations",
			},
			[]string{"operation"},
		),
		backendOperationDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "backend_operation_duration_seconds",
				Help:      "Blob store operation duration in seconds",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"operation"},
		),
		backendErrors: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "backend_errors_total",
				Help:      "Total number of blob store operation errors",
			},
			[]string{"operation"},
		),
		blobOperations: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "blob_operations_total",
				Help:      "Total number of upload, download and head operations",
			},
			[]string{"operation", "protocol"},
		),
		blobDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "blob_operation_duration_seconds",
				Help:      "Upload, download and head duration in seconds",
				Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0},
			},
			[]string{"operation"},
		),
		blobBytes: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "blob_plaintext_bytes_total",
				Help:      "Total plaintext bytes encrypted or decrypted",
			},
			[]string{"operation"},
		),
		blobErrors: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "blob_errors_total",
				Help:      "Total number of failed blob operations by error class",
			},
			[]string{"operation", "error_type"},
		),
		keyUnwraps: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "key_unwraps_total",
				Help:      "Total number of content key unwrap attempts",
			},
			[]string{"algorithm", "success"},
		),
		rangeOverfetch: factory.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "range_overfetch_bytes",
				Help:      "Ciphertext bytes fetched beyond the requested plaintext range",
				Buckets:   prometheus.ExponentialBuckets(16, 4, 12),
			},
		),
		goroutines: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "goroutines",
				Help:      "Number of goroutines",
			},
		),
		memoryAllocBytes: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "memory_alloc_bytes",
				Help:      "Number of bytes allocated and not yet freed",
			},
		),
		memorySysBytes: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "memory_sys_bytes",
				Help:      "Total bytes of memory obtained from OS",
			},
		),
	}
	if g, ok := reg.(prometheus.Gatherer); ok {
		m.gatherer = g
	}
	return m
}

// RecordHTTPRequest records an HTTP request metric.
func (m *Metrics) RecordHTTPRequest(method, route string, status int, duration time.Duration, bytes int64) {
	m.httpRequestsTotal.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	m.httpRequestDuration.WithLabelValues(method, route).Observe(duration.Seconds())
	m.httpRequestBytes.WithLabelValues(method, route).Add(float64(bytes))
}

// RecordBackendOperation records a blob store call.
func (m *Metrics) RecordBackendOperation(operation string, duration time.Duration, err error) {
	m.backendOperations.WithLabelValues(operation).Inc()
	m.backendOperationDuration.WithLabelValues(operation).Observe(duration.Seconds())
	if err != nil {
		m.backendErrors.WithLabelValues(operation).Inc()
	}
}

// RecordBlobOperation records a completed upload, download or head. An
// empty protocol is reported as "none" (unencrypted blob).
func (m *Metrics) RecordBlobOperation(operation, protocol string, duration time.Duration, bytes int64) {
	if protocol == "" {
		protocol = "none"
	}
	m.blobOperations.WithLabelValues(operation, protocol).Inc()
	m.blobDuration.WithLabelValues(operation).Observe(duration.Seconds())
	if bytes > 0 {
		m.blobBytes.WithLabelValues(operation).Add(float64(bytes))
	}
}

// RecordBlobError records a failed blob operation.
func (m *Metrics) RecordBlobError(operation, errorType string) {
	m.blobErrors.WithLabelValues(operation, errorType).Inc()
}

// RecordKeyUnwrap records a content key unwrap attempt.
func (m *Metrics) RecordKeyUnwrap(algorithm string, success bool) {
	m.keyUnwraps.WithLabelValues(algorithm, strconv.FormatBool(success)).Inc()
}

// RecordRangeOverfetch records how many ciphertext bytes a ranged read
// fetched beyond the plaintext bytes requested.
func (m *Metrics) RecordRangeOverfetch(bytes int64) {
	if bytes < 0 {
		bytes = 0
	}
	m.rangeOverfetch.Observe(float64(bytes))
}

// UpdateSystemMetrics updates system-level metrics (goroutines, memory).
func (m *Metrics) UpdateSystemMetrics() {
	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)

	m.goroutines.Set(float64(runtime.NumGoroutine()))
	m.memoryAllocBytes.Set(float64(memStats.Alloc))
	m.memorySysBytes.Set(float64(memStats.Sys))
}

// StartSystemMetricsCollector updates system metrics every interval until ctx is done.
func (m *Metrics) StartSystemMetricsCollector(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.UpdateSystemMetrics()
			}
		}
	}()
}

// Handler returns the HTTP handler for metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	if m.gatherer != nil {
		return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
	}
	return promhttp.Handler()
}
