package telemetry

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "complyline"

// Metrics holds the pipeline collectors on a private registry.
type Metrics struct {
	registry *prometheus.Registry

	transitions       *prometheus.CounterVec
	approvals         *prometheus.CounterVec
	collaboratorCalls *prometheus.CounterVec
	collaboratorTime  *prometheus.HistogramVec
	auditExports      prometheus.Counter
	events            *prometheus.CounterVec
	httpRequests      *prometheus.CounterVec
	httpDuration      *prometheus.HistogramVec
}

func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "update_transitions_total",
			Help:      "Regulatory update status transitions",
		}, []string{"from", "to"}),
		approvals: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "approval_submissions_total",
			Help:      "Approval submissions by decision and outcome",
		}, []string{"decision", "outcome"}),
		collaboratorCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "collaborator_attempts_total",
			Help:      "Calls to ingestion and impact collaborators",
		}, []string{"collaborator", "outcome"}),
		collaboratorTime: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "collaborator_duration_seconds",
			Help:      "Collaborator call latency",
			Buckets:   prometheus.DefBuckets,
		}, []string{"collaborator"}),
		auditExports: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "audit_exports_total",
			Help:      "Audit packages exported",
		}),
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_total",
			Help:      "Change events committed",
		}, []string{"type"}),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "HTTP requests served",
		}, []string{"method", "status"}),
		httpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method"}),
	}
	m.registry.MustRegister(
		m.transitions,
		m.approvals,
		m.collaboratorCalls,
		m.collaboratorTime,
		m.auditExports,
		m.events,
		m.httpRequests,
		m.httpDuration,
		collectors.NewGoCollector(),
	)
	return m
}

// All recorders accept a nil receiver so callers can run without metrics.

func (m *Metrics) Transition(from, to string) {
	if m == nil {
		return
	}
	m.transitions.WithLabelValues(from, to).Inc()
}

func (m *Metrics) ApprovalSubmitted(decision, outcome string) {
	if m == nil {
		return
	}
	m.approvals.WithLabelValues(decision, outcome).Inc()
}

func (m *Metrics) CollaboratorAttempt(name, outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.collaboratorCalls.WithLabelValues(name, outcome).Inc()
	m.collaboratorTime.WithLabelValues(name).Observe(d.Seconds())
}

func (m *Metrics) AuditExported() {
	if m == nil {
		return
	}
	m.auditExports.Inc()
}

func (m *Metrics) Event(eventType string) {
	if m == nil {
		return
	}
	m.events.WithLabelValues(eventType).Inc()
}

func (m *Metrics) HTTPRequest(method string, status int, d time.Duration) {
	if m == nil {
		return
	}
	m.httpRequests.WithLabelValues(method, strconv.Itoa(status)).Inc()
	m.httpDuration.WithLabelValues(method).Observe(d.Seconds())
}

// Registry exposes the underlying registry for tests and custom exporters.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
