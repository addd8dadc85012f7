// Package metrics exports lifecycle and HTTP counters to Prometheus.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/sentinel-sh/sentinel/internal/access"
)

const namespace = "sentinel"

// Metrics owns a private registry so tests and multiple servers in one
// process do not collide on the global one.
type Metrics struct {
	registry *prometheus.Registry

	submitted  *prometheus.CounterVec
	decided    *prometheus.CounterVec
	conflicts  *prometheus.CounterVec
	issuance   prometheus.Counter
	policy     prometheus.Counter
	expired    prometheus.Counter
	rateLimits prometheus.Counter
	httpTotal  *prometheus.CounterVec
	httpTime   *prometheus.HistogramVec
}

// New registers every collector on a fresh registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		submitted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "requests_submitted_total",
			Help: "Access requests submitted, by initial status.",
		}, []string{"status"}),
		decided: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "requests_decided_total",
			Help: "Admin decisions applied, by operation and resulting status.",
		}, []string{"op", "status"}),
		conflicts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "transition_conflicts_total",
			Help: "Decisions rejected because the request was no longer in the expected state.",
		}, []string{"op"}),
		issuance: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "issuance_failures_total",
			Help: "Secret issuance failures.",
		}),
		policy: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "policy_failures_total",
			Help: "Policy evaluations that returned an error.",
		}),
		expired: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "requests_swept_total",
			Help: "Stale approvals rewritten to EXPIRED by the sweeper.",
		}),
		rateLimits: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "rate_limited_total",
			Help: "Submissions rejected by the per-agent rate limit.",
		}),
		httpTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "http_requests_total",
			Help: "HTTP requests by route and status code.",
		}, []string{"route", "code"}),
		httpTime: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Name: "http_request_duration_seconds",
			Help:    "HTTP request latency by route.",
			Buckets: prometheus.DefBuckets,
		}, []string{"route"}),
	}
	m.registry.MustRegister(
		m.submitted, m.decided, m.conflicts, m.issuance, m.policy,
		m.expired, m.rateLimits, m.httpTotal, m.httpTime,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Registry exposes the registry for tests.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) Submitted(status access.Status) {
	m.submitted.WithLabelValues(string(status)).Inc()
}

func (m *Metrics) Decided(op string, status access.Status) {
	m.decided.WithLabelValues(op, string(status)).Inc()
}

func (m *Metrics) Conflict(op string) { m.conflicts.WithLabelValues(op).Inc() }

func (m *Metrics) IssuanceFailed() { m.issuance.Inc() }

func (m *Metrics) PolicyFailed() { m.policy.Inc() }

func (m *Metrics) Expired(n int) {
	if n > 0 {
		m.expired.Add(float64(n))
	}
}

// RateLimited counts a rejected submission.
func (m *Metrics) RateLimited() { m.rateLimits.Inc() }

// ObserveHTTP records one served request.
func (m *Metrics) ObserveHTTP(route string, code int, d time.Duration) {
	m.httpTotal.WithLabelValues(route, strconv.Itoa(code)).Inc()
	m.httpTime.WithLabelValues(route).Observe(d.Seconds())
}
