package observability

import (
	"database/sql"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics
type Metrics struct {
	// HTTP metrics (ops endpoints)
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	// Payment metrics
	PaymentsTotal      *prometheus.CounterVec
	PaymentDuration    *prometheus.HistogramVec
	PluginCallDuration *prometheus.HistogramVec
	PaymentErrorsTotal *prometheus.CounterVec

	// Dispatcher metrics
	DispatchTotal    *prometheus.CounterVec
	DispatchInFlight prometheus.Gauge

	// Lock metrics
	LockAcquireTotal *prometheus.CounterVec

	// Retry metrics
	RetriesScheduledTotal *prometheus.CounterVec
	RetryDeliveriesTotal  *prometheus.CounterVec

	// Event bus metrics
	EventsPublishedTotal *prometheus.CounterVec

	// Database metrics
	DBConnectionsActive       prometheus.Gauge
	DBConnectionsIdle         prometheus.Gauge
	DBConnectionsWaitCount    prometheus.Gauge
	DBConnectionsWaitDuration prometheus.Gauge
}

// NewMetrics creates and registers all Prometheus metrics
func NewMetrics(registry *prometheus.Registry) *Metrics {
	m := &Metrics{
		HTTPRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "paycore_http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "path", "status"},
		),
		HTTPRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "paycore_http_request_duration_seconds",
				Help:    "HTTP request duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "path"},
		),

		PaymentsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "paycore_payments_total",
				Help: "Total number of payment attempts by final attempt status",
			},
			[]string{"plugin", "status"},
		),
		PaymentDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "paycore_payment_duration_seconds",
				Help:    "Time spent processing a payment attempt under the account lock",
				Buckets: []float64{.01, .05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60},
			},
			[]string{"plugin"},
		),
		PluginCallDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "paycore_plugin_call_duration_seconds",
				Help:    "Payment plugin call duration in seconds",
				Buckets: []float64{.01, .05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60},
			},
			[]string{"plugin", "outcome"},
		),
		PaymentErrorsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "paycore_payment_errors_total",
				Help: "Total number of payment API errors by code",
			},
			[]string{"code"},
		),

		DispatchTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "paycore_dispatch_total",
				Help: "Total number of dispatched tasks by caller-visible result",
			},
			[]string{"result"},
		),
		DispatchInFlight: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "paycore_dispatch_in_flight",
				Help: "Number of dispatched tasks currently executing",
			},
		),

		LockAcquireTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "paycore_lock_acquire_total",
				Help: "Total number of account lock acquisitions by result",
			},
			[]string{"result"},
		),

		RetriesScheduledTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "paycore_retries_scheduled_total",
				Help: "Total number of retry scheduling decisions",
			},
			[]string{"track", "decision"},
		),
		RetryDeliveriesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "paycore_retry_deliveries_total",
				Help: "Total number of retry notifications delivered",
			},
			[]string{"track", "result"},
		),

		EventsPublishedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "paycore_events_published_total",
				Help: "Total number of payment events published",
			},
			[]string{"type", "result"},
		),

		DBConnectionsActive: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "paycore_db_connections_active",
				Help: "Number of active database connections",
			},
		),
		DBConnectionsIdle: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "paycore_db_connections_idle",
				Help: "Number of idle database connections",
			},
		),
		DBConnectionsWaitCount: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "paycore_db_connections_wait_count",
				Help: "Total number of connections waited for",
			},
		),
		DBConnectionsWaitDuration: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "paycore_db_connections_wait_duration_seconds",
				Help: "Total time spent waiting for connections",
			},
		),
	}

	registry.MustRegister(
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.PaymentsTotal,
		m.PaymentDuration,
		m.PluginCallDuration,
		m.PaymentErrorsTotal,
		m.DispatchTotal,
		m.DispatchInFlight,
		m.LockAcquireTotal,
		m.RetriesScheduledTotal,
		m.RetryDeliveriesTotal,
		m.EventsPublishedTotal,
		m.DBConnectionsActive,
		m.DBConnectionsIdle,
		m.DBConnectionsWaitCount,
		m.DBConnectionsWaitDuration,
	)

	return m
}

// UpdateDBStats copies connection pool statistics into the database gauges
func (m *Metrics) UpdateDBStats(stats sql.DBStats) {
	m.DBConnectionsActive.Set(float64(stats.InUse))
	m.DBConnectionsIdle.Set(float64(stats.Idle))
	m.DBConnectionsWaitCount.Set(float64(stats.WaitCount))
	m.DBConnectionsWaitDuration.Set(stats.WaitDuration.Seconds())
}

// responseWriter wraps http.ResponseWriter to capture status code
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// HTTPMetricsMiddleware instruments HTTP requests with Prometheus metrics
func HTTPMetricsMiddleware(metrics *Metrics) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()

			rw := &responseWriter{
				ResponseWriter: w,
				statusCode:     http.StatusOK,
			}

			next.ServeHTTP(rw, r)

			duration := time.Since(start).Seconds()
			status := strconv.Itoa(rw.statusCode)

			metrics.HTTPRequestsTotal.WithLabelValues(r.Method, r.URL.Path, status).Inc()
			metrics.HTTPRequestDuration.WithLabelValues(r.Method, r.URL.Path).Observe(duration)
		})
	}
}

// MetricsHandler returns the /metrics handler for a registry
func MetricsHandler(registry *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
}
