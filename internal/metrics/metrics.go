package metrics

import (
	"bufio"
	"errors"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the Prometheus collectors. A nil *Metrics is valid and records nothing.
type Metrics struct {
	// HTTP metrics
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	// Billing metrics
	ReconcileRunsTotal    *prometheus.CounterVec
	ExecutionsBilledTotal prometheus.Counter
	DeductedMinorTotal    prometheus.Counter
	NotificationsTotal    *prometheus.CounterVec
	AdmissionChecksTotal  *prometheus.CounterVec
	ProviderRequestsTotal *prometheus.CounterVec
	SweepFailuresTotal    *prometheus.CounterVec
}

func NewMetrics(registry prometheus.Registerer) *Metrics {
	m := &Metrics{
		HTTPRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "voicemeter_http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "route", "status"},
		),
		HTTPRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "voicemeter_http_request_duration_seconds",
				Help:    "HTTP request duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "route"},
		),
		ReconcileRunsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "voicemeter_reconcile_runs_total",
				Help: "Reconciliation runs by outcome",
			},
			[]string{"outcome"},
		),
		ExecutionsBilledTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "voicemeter_executions_billed_total",
				Help: "Executions charged to a balance",
			},
		),
		DeductedMinorTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "voicemeter_deducted_minor_units_total",
				Help: "Amount deducted from balances in minor units",
			},
		),
		NotificationsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "voicemeter_low_balance_notifications_total",
				Help: "Low-balance checks by result",
			},
			[]string{"status"},
		),
		AdmissionChecksTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "voicemeter_admission_checks_total",
				Help: "Admission checks by result",
			},
			[]string{"result"},
		),
		ProviderRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "voicemeter_provider_requests_total",
				Help: "Provider API requests by provider and outcome",
			},
			[]string{"provider", "outcome"},
		),
		SweepFailuresTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "voicemeter_sweep_failures_total",
				Help: "Per-user failures inside periodic sweeps",
			},
			[]string{"sweep"},
		),
	}

	registry.MustRegister(
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.ReconcileRunsTotal,
		m.ExecutionsBilledTotal,
		m.DeductedMinorTotal,
		m.NotificationsTotal,
		m.AdmissionChecksTotal,
		m.ProviderRequestsTotal,
		m.SweepFailuresTotal,
	)
	return m
}

func (m *Metrics) ObserveReconcile(outcome string, billed int, deducted int64) {
	if m == nil {
		return
	}
	m.ReconcileRunsTotal.WithLabelValues(outcome).Inc()
	if billed > 0 {
		m.ExecutionsBilledTotal.Add(float64(billed))
	}
	if deducted > 0 {
		m.DeductedMinorTotal.Add(float64(deducted))
	}
}

func (m *Metrics) ObserveNotification(status string) {
	if m == nil {
		return
	}
	m.NotificationsTotal.WithLabelValues(status).Inc()
}

func (m *Metrics) ObserveAdmission(allowed bool) {
	if m == nil {
		return
	}
	result := "rejected"
	if allowed {
		result = "allowed"
	}
	m.AdmissionChecksTotal.WithLabelValues(result).Inc()
}

func (m *Metrics) ObserveProvider(provider, outcome string) {
	if m == nil {
		return
	}
	m.ProviderRequestsTotal.WithLabelValues(provider, outcome).Inc()
}

func (m *Metrics) ObserveSweepFailure(sweep string) {
	if m == nil {
		return
	}
	m.SweepFailuresTotal.WithLabelValues(sweep).Inc()
}

type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// Hijack keeps websocket upgrades working through the wrapper.
func (rw *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hj, ok := rw.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	rw.statusCode = http.StatusSwitchingProtocols
	return hj.Hijack()
}

// Middleware records request count and latency labelled by chi route pattern,
// so path parameters do not explode label cardinality.
func (m *Metrics) Middleware(next http.Handler) http.Handler {
	if m == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rw := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(rw, r)

		route := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if pattern := rctx.RoutePattern(); pattern != "" {
				route = pattern
			}
		}
		m.HTTPRequestsTotal.WithLabelValues(r.Method, route, strconv.Itoa(rw.statusCode)).Inc()
		m.HTTPRequestDuration.WithLabelValues(r.Method, route).Observe(time.Since(start).Seconds())
	})
}

func Handler(registry *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
}
