package observability

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Outcome label values.
const (
	OutcomeSuccess = "success"
	OutcomeFailure = "failure"
	OutcomePartial = "partial"
)

// Metrics collects identity-related Prometheus metrics.
type Metrics struct {
	logins          *prometheus.CounterVec
	refreshes       *prometheus.CounterVec
	refreshLatency  prometheus.Histogram
	policyDecisions *prometheus.CounterVec
	provisioning    *prometheus.CounterVec
	rateLimited     prometheus.Counter
	auditDropped    prometheus.Counter
}

// NewMetrics creates the collectors and registers them with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		logins: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "identity_login_total",
			Help: "Password-grant login attempts by outcome",
		}, []string{"outcome"}),
		refreshes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "identity_token_refresh_total",
			Help: "Access token refreshes by outcome",
		}, []string{"outcome"}),
		refreshLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "identity_token_refresh_seconds",
			Help:    "Latency of access token refreshes",
			Buckets: prometheus.DefBuckets,
		}),
		policyDecisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "identity_policy_decisions_total",
			Help: "Access policy evaluations by policy and outcome",
		}, []string{"policy", "outcome"}),
		provisioning: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "identity_provisioning_total",
			Help: "Account provisioning attempts by role and outcome",
		}, []string{"role", "outcome"}),
		rateLimited: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "identity_login_rate_limited_total",
			Help: "Login requests rejected by the rate limiter",
		}),
		auditDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "identity_audit_dropped_total",
			Help: "Audit events dropped because the buffer was full or the service stopped",
		}),
	}

	reg.MustRegister(
		m.logins,
		m.refreshes,
		m.refreshLatency,
		m.policyDecisions,
		m.provisioning,
		m.rateLimited,
		m.auditDropped,
	)

	return m
}

func (m *Metrics) RecordLogin(outcome string) {
	if m == nil {
		return
	}
	m.logins.WithLabelValues(outcome).Inc()
}

func (m *Metrics) RecordRefresh(outcome string, duration time.Duration) {
	if m == nil {
		return
	}
	m.refreshes.WithLabelValues(outcome).Inc()
	m.refreshLatency.Observe(duration.Seconds())
}

func (m *Metrics) RecordPolicyDecision(policy, outcome string) {
	if m == nil {
		return
	}
	m.policyDecisions.WithLabelValues(policy, outcome).Inc()
}

func (m *Metrics) RecordProvisioning(role, outcome string) {
	if m == nil {
		return
	}
	m.provisioning.WithLabelValues(role, outcome).Inc()
}

func (m *Metrics) RecordRateLimited() {
	if m == nil {
		return
	}
	m.rateLimited.Inc()
}

func (m *Metrics) RecordAuditDropped() {
	if m == nil {
		return
	}
	m.auditDropped.Inc()
}

// Handler returns the scrape handler for gatherer.
func Handler(gatherer prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}
