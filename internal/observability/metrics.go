package observability

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics collects Prometheus metrics for the decision engine.
type Metrics struct {
	registry         *prometheus.Registry
	handler          http.Handler
	decisions        *prometheus.CounterVec
	decisionDuration *prometheus.HistogramVec
	auditWrites      *prometheus.CounterVec
}

// NewMetrics initialises the registry and the core metrics.
func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()
	decisions := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "guardian_decisions_total",
		Help: "Access decisions by outcome and reason.",
	}, []string{"granted", "reason"})
	duration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "guardian_decision_duration_seconds",
		Help:    "Time spent evaluating access decisions.",
		Buckets: prometheus.DefBuckets,
	}, []string{"granted"})
	auditWrites := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "guardian_audit_writes_total",
		Help: "Audit trail writes by sink and status.",
	}, []string{"sink", "status"})
	registry.MustRegister(decisions, duration, auditWrites)
	return &Metrics{
		registry:         registry,
		handler:          promhttp.HandlerFor(registry, promhttp.HandlerOpts{}),
		decisions:        decisions,
		decisionDuration: duration,
		auditWrites:      auditWrites,
	}
}

// ObserveDecision records one evaluated access decision.
func (m *Metrics) ObserveDecision(granted bool, reason string, elapsed time.Duration) {
	if m == nil {
		return
	}
	outcome := strconv.FormatBool(granted)
	m.decisions.WithLabelValues(outcome, reason).Inc()
	m.decisionDuration.WithLabelValues(outcome).Observe(elapsed.Seconds())
}

// AddAuditWrite records one audit sink write attempt.
func (m *Metrics) AddAuditWrite(sink, status string) {
	if m == nil {
		return
	}
	m.auditWrites.WithLabelValues(sink, status).Inc()
}

// Handler returns the http.Handler for the /metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, http.StatusText(http.StatusServiceUnavailable), http.StatusServiceUnavailable)
		})
	}
	return m.handler
}

// Registerer exposes the registry for registering custom metrics.
func (m *Metrics) Registerer() prometheus.Registerer {
	if m == nil {
		return prometheus.DefaultRegisterer
	}
	return m.registry
}
