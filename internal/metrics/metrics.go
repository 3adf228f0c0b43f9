// Package metrics exposes the Prometheus registry used across the
// orchestrator: HTTP handler timings, crypto-service RPC timings and pool
// telemetry, and scheduler/job/chunk counters.
package metrics

import (
	"context"
	"net/http"
	"runtime"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/trace"
)

var defaultRegistry = prometheus.DefaultRegisterer

// Config holds metrics configuration.
type Config struct {
	EnableElectionLabel bool
}

// Metrics holds all application metrics.
type Metrics struct {
	config Config

	httpRequestsTotal   *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec
	httpRequestBytes    *prometheus.CounterVec

	cryptoRPCTotal    *prometheus.CounterVec
	cryptoRPCDuration *prometheus.HistogramVec
	cryptoRPCErrors   *prometheus.CounterVec

	poolUsageRatio    prometheus.Gauge
	poolPending       prometheus.Gauge
	poolUsageHighTotal prometheus.Counter

	jobsCreatedTotal      *prometheus.CounterVec
	jobsCompletedTotal    *prometheus.CounterVec
	chunksDispatchedTotal *prometheus.CounterVec
	chunkRetriesTotal     *prometheus.CounterVec
	chunkFailuresTotal    *prometheus.CounterVec
	schedulerTickDuration prometheus.Histogram

	goroutines       prometheus.Gauge
	memoryAllocBytes prometheus.Gauge
	memorySysBytes   prometheus.Gauge
}

// NewMetrics creates a new metrics instance with default configuration.
func NewMetrics() *Metrics {
	return NewMetricsWithConfig(Config{EnableElectionLabel: true})
}

// NewMetricsWithConfig creates a new metrics instance with the provided configuration.
func NewMetricsWithConfig(cfg Config) *Metrics {
	return newMetricsWithRegistry(defaultRegistry, cfg)
}

// NewMetricsWithRegistry creates a new metrics instance with a custom
// registry. Useful for tests that would otherwise collide on repeated
// registration against the default registry.
func NewMetricsWithRegistry(reg prometheus.Registerer) *Metrics {
	return newMetricsWithRegistry(reg, Config{EnableElectionLabel: true})
}

func newMetricsWithRegistry(reg prometheus.Registerer, cfg Config) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		config: cfg,
		httpRequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "path", "status"},
		),
		httpRequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "HTTP request duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "path", "status"},
		),
		httpRequestBytes: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_request_bytes_total",
				Help: "Total bytes transferred in HTTP requests",
			},
			[]string{"method", "path"},
		),
		cryptoRPCTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crypto_rpc_total",
				Help: "Total number of RPCs to the external crypto service",
			},
			[]string{"endpoint"},
		),
		cryptoRPCDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "crypto_rpc_duration_seconds",
				Help:    "Crypto service RPC duration in seconds",
				Buckets: []float64{0.1, 0.5, 1, 5, 10, 30, 60, 120, 300, 600},
			},
			[]string{"endpoint"},
		),
		cryptoRPCErrors: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crypto_rpc_errors_total",
				Help: "Total number of crypto service RPC errors",
			},
			[]string{"endpoint", "error_type"},
		),
		poolUsageRatio: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "crypto_pool_usage_ratio",
				Help: "Fraction of the crypto HTTP connection pool currently leased",
			},
		),
		poolPending: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "crypto_pool_pending_requests",
				Help: "Number of requests waiting for a pooled connection",
			},
		),
		poolUsageHighTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "crypto_pool_usage_high_total",
				Help: "Number of times pool usage exceeded the high-water mark or pending > 0",
			},
		),
		jobsCreatedTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "jobs_created_total",
				Help: "Total number of jobs created",
			},
			[]string{"operation"},
		),
		jobsCompletedTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "jobs_completed_total",
				Help: "Total number of jobs reaching a terminal state",
			},
			[]string{"operation", "state"},
		),
		chunksDispatchedTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "chunks_dispatched_total",
				Help: "Total number of chunks dispatched by the scheduler",
			},
			[]string{"operation"},
		),
		chunkRetriesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "chunk_retries_total",
				Help: "Total number of chunk retries",
			},
			[]string{"operation"},
		),
		chunkFailuresTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "chunk_failures_total",
				Help: "Total number of chunks that exhausted retries",
			},
			[]string{"operation"},
		),
		schedulerTickDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "scheduler_tick_duration_seconds",
				Help:    "Duration of one scheduler tick",
				Buckets: []float64{0.0005, 0.001, 0.005, 0.01, 0.05, 0.1},
			},
		),
		goroutines: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "goroutines_total",
				Help: "Number of goroutines",
			},
		),
		memoryAllocBytes: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "memory_alloc_bytes",
				Help: "Number of bytes allocated and not yet freed",
			},
		),
		memorySysBytes: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "memory_sys_bytes",
				Help: "Total bytes of memory obtained from OS",
			},
		),
	}
}

// RecordHTTPRequest records an HTTP request metric.
func (m *Metrics) RecordHTTPRequest(ctx context.Context, method, path string, status int, duration time.Duration, bytes int64) {
	label := sanitizePathLabel(path)
	labels := prometheus.Labels{"method": method, "path": label, "status": http.StatusText(status)}

	if exemplar := getExemplar(ctx); exemplar != nil {
		if adder, ok := m.httpRequestsTotal.With(labels).(prometheus.ExemplarAdder); ok {
			adder.AddWithExemplar(1, exemplar)
		} else {
			m.httpRequestsTotal.With(labels).Inc()
		}
		if observer, ok := m.httpRequestDuration.With(labels).(prometheus.ExemplarObserver); ok {
			observer.ObserveWithExemplar(duration.Seconds(), exemplar)
		} else {
			m.httpRequestDuration.With(labels).Observe(duration.Seconds())
		}
	} else {
		m.httpRequestsTotal.With(labels).Inc()
		m.httpRequestDuration.With(labels).Observe(duration.Seconds())
	}

	m.httpRequestBytes.WithLabelValues(method, label).Add(float64(bytes))
}

// sanitizePathLabel reduces high-cardinality paths (job ids, election ids)
// to stable labels, e.g. "/api/jobs/abc-123/status" -> "/api/jobs/*/status".
func sanitizePathLabel(path string) string {
	if path == "" || path == "/" {
		return "/"
	}
	if i := strings.IndexByte(path, '?'); i >= 0 {
		path = path[:i]
	}
	segs := strings.Split(strings.Trim(path, "/"), "/")
	for i, s := range segs {
		if looksLikeID(s) {
			segs[i] = "*"
		}
	}
	return "/" + strings.Join(segs, "/")
}

func looksLikeID(seg string) bool {
	if len(seg) < 6 {
		return false
	}
	hasDigit := false
	for _, r := range seg {
		if r >= '0' && r <= '9' {
			hasDigit = true
			break
		}
	}
	return hasDigit
}

// RecordCryptoRPC records one CryptoClient.PostJSON call.
func (m *Metrics) RecordCryptoRPC(ctx context.Context, endpoint string, duration time.Duration) {
	if exemplar := getExemplar(ctx); exemplar != nil {
		if adder, ok := m.cryptoRPCTotal.WithLabelValues(endpoint).(prometheus.ExemplarAdder); ok {
			adder.AddWithExemplar(1, exemplar)
		} else {
			m.cryptoRPCTotal.WithLabelValues(endpoint).Inc()
		}
		if observer, ok := m.cryptoRPCDuration.WithLabelValues(endpoint).(prometheus.ExemplarObserver); ok {
			observer.ObserveWithExemplar(duration.Seconds(), exemplar)
		} else {
			m.cryptoRPCDuration.WithLabelValues(endpoint).Observe(duration.Seconds())
		}
	} else {
		m.cryptoRPCTotal.WithLabelValues(endpoint).Inc()
		m.cryptoRPCDuration.WithLabelValues(endpoint).Observe(duration.Seconds())
	}
}

// RecordCryptoRPCError records a classified CryptoClient failure.
func (m *Metrics) RecordCryptoRPCError(endpoint, errorType string) {
	m.cryptoRPCErrors.WithLabelValues(endpoint, errorType).Inc()
}

// RecordPoolUsage records the pool's leased/total ratio and pending count,
// bumping poolUsageHighTotal when usage crosses the configured high-water
// mark or any request is queued waiting for a connection (spec.md §4.1).
func (m *Metrics) RecordPoolUsage(ratio float64, pending int, highWater bool) {
	m.poolUsageRatio.Set(ratio)
	m.poolPending.Set(float64(pending))
	if highWater || pending > 0 {
		m.poolUsageHighTotal.Inc()
	}
}

// RecordJobCreated increments the jobs-created counter for an operation kind.
func (m *Metrics) RecordJobCreated(operation string) {
	m.jobsCreatedTotal.WithLabelValues(operation).Inc()
}

// RecordJobTerminal increments the jobs-completed counter with the terminal state reached.
func (m *Metrics) RecordJobTerminal(operation, state string) {
	m.jobsCompletedTotal.WithLabelValues(operation, state).Inc()
}

// RecordChunkDispatched increments the chunks-dispatched counter.
func (m *Metrics) RecordChunkDispatched(operation string) {
	m.chunksDispatchedTotal.WithLabelValues(operation).Inc()
}

// RecordChunkRetry increments the chunk-retries counter.
func (m *Metrics) RecordChunkRetry(operation string) {
	m.chunkRetriesTotal.WithLabelValues(operation).Inc()
}

// RecordChunkExhausted increments the chunk-failures counter.
func (m *Metrics) RecordChunkExhausted(operation string) {
	m.chunkFailuresTotal.WithLabelValues(operation).Inc()
}

// ObserveTickDuration records how long one scheduler tick took.
func (m *Metrics) ObserveTickDuration(d time.Duration) {
	m.schedulerTickDuration.Observe(d.Seconds())
}

// UpdateSystemMetrics updates system-level metrics (goroutines, memory).
func (m *Metrics) UpdateSystemMetrics() {
	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)

	m.goroutines.Set(float64(runtime.NumGoroutine()))
	m.memoryAllocBytes.Set(float64(memStats.Alloc))
	m.memorySysBytes.Set(float64(memStats.Sys))
}

// StartSystemMetricsCollector starts a goroutine that periodically updates system metrics.
func (m *Metrics) StartSystemMetricsCollector() {
	ticker := time.NewTicker(5 * time.Second)
	go func() {
		for range ticker.C {
			m.UpdateSystemMetrics()
		}
	}()
}

// Handler returns the HTTP handler for the metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.Handler()
}

func getExemplar(ctx context.Context) prometheus.Labels {
	if ctx == nil {
		return nil
	}
	spanContext := trace.SpanFromContext(ctx).SpanContext()
	if spanContext.IsValid() {
		return prometheus.Labels{"trace_id": spanContext.TraceID().String()}
	}
	return nil
}
