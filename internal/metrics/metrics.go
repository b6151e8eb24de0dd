// Package metrics exposes Prometheus metrics for logins, token polling,
// session cleanup and HTTP traffic.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/dgellow/authfront/internal/auth"
	"github.com/dgellow/authfront/internal/storage"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "authfront"

// Ensure Metrics can observe the orchestrator and the cleanup loop
var (
	_ auth.Recorder         = (*Metrics)(nil)
	_ storage.SweepObserver = (*Metrics)(nil)
)

// Metrics holds all Prometheus metrics
type Metrics struct {
	registry *prometheus.Registry

	// Auth metrics
	LoginsTotal     *prometheus.CounterVec
	TokenPollsTotal *prometheus.CounterVec

	// Cleanup metrics
	CleanupRunsTotal       *prometheus.CounterVec
	CleanupRemovedTotal    prometheus.Counter
	CleanupDuration        prometheus.Histogram
	CleanupLastSuccessTime prometheus.Gauge

	// HTTP metrics
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
}

// New creates and registers all metrics on a private registry
func New() *Metrics {
	return NewWithRegistry(prometheus.NewRegistry())
}

// NewWithRegistry creates and registers all metrics on registry
func NewWithRegistry(registry *prometheus.Registry) *Metrics {
	m := &Metrics{
		registry: registry,

		LoginsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "logins_total",
				Help:      "Login attempts by channel and outcome",
			},
			[]string{"channel", "outcome"},
		),
		TokenPollsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "token_polls_total",
				Help:      "Correlation token polls by result",
			},
			[]string{"authenticated"},
		),

		CleanupRunsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "cleanup_runs_total",
				Help:      "Session cleanup sweeps by status",
			},
			[]string{"status"},
		),
		CleanupRemovedTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "cleanup_removed_sessions_total",
				Help:      "Expired sessions removed by cleanup sweeps",
			},
		),
		CleanupDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "cleanup_duration_seconds",
				Help:      "Session cleanup sweep duration in seconds",
				Buckets:   prometheus.DefBuckets,
			},
		),
		CleanupLastSuccessTime: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "cleanup_last_success_timestamp_seconds",
				Help:      "Unix time of the last successful cleanup sweep",
			},
		),

		HTTPRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "http_requests_total",
				Help:      "Total number of HTTP requests",
			},
			[]string{"method", "route", "status"},
		),
		HTTPRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "http_request_duration_seconds",
				Help:      "HTTP request duration in seconds",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"method", "route"},
		),
	}

	registry.MustRegister(
		m.LoginsTotal,
		m.TokenPollsTotal,
		m.CleanupRunsTotal,
		m.CleanupRemovedTotal,
		m.CleanupDuration,
		m.CleanupLastSuccessTime,
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
	)

	return m
}

// LoginAttempt implements auth.Recorder
func (m *Metrics) LoginAttempt(channel auth.Channel, outcome string) {
	m.LoginsTotal.WithLabelValues(string(channel), outcome).Inc()
}

// TokenPoll implements auth.Recorder
func (m *Metrics) TokenPoll(authenticated bool) {
	m.TokenPollsTotal.WithLabelValues(strconv.FormatBool(authenticated)).Inc()
}

// ObserveSweep implements storage.SweepObserver
func (m *Metrics) ObserveSweep(removed int, duration time.Duration, err error) {
	m.CleanupDuration.Observe(duration.Seconds())
	m.CleanupRemovedTotal.Add(float64(removed))
	if err != nil {
		m.CleanupRunsTotal.WithLabelValues("error").Inc()
		return
	}
	m.CleanupRunsTotal.WithLabelValues("success").Inc()
	m.CleanupLastSuccessTime.SetToCurrentTime()
}

// statusRecorder captures the response status code
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Unwrap() http.ResponseWriter {
	return r.ResponseWriter
}

// Instrument records request count and latency under a fixed route label
func (m *Metrics) Instrument(route string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}

			next.ServeHTTP(rec, r)

			m.HTTPRequestsTotal.WithLabelValues(r.Method, route, strconv.Itoa(rec.status)).Inc()
			m.HTTPRequestDuration.WithLabelValues(r.Method, route).Observe(time.Since(start).Seconds())
		})
	}
}

// Handler serves the registry in the Prometheus exposition format
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
