// Package metrics exposes Prometheus metrics for the access-control core.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the collectors. A nil *Metrics is valid and records nothing,
// so components can take metrics optionally.
type Metrics struct {
	ACLDecisions   *prometheus.CounterVec
	AuthFailures   prometheus.Counter
	MeteredBytes   *prometheus.CounterVec
	LimitedClients prometheus.Gauge
}

// New creates and registers the collectors on the given registerer.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		ACLDecisions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "brokerauth_acl_decisions_total",
				Help: "ACL check outcomes by decision and rule",
			},
			[]string{"decision", "rule"},
		),
		AuthFailures: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "brokerauth_auth_failures_total",
				Help: "Rejected basic-auth attempts",
			},
		),
		MeteredBytes: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "brokerauth_metered_bytes_total",
				Help: "Read bytes metered per organization and capability",
			},
			[]string{"org", "capability"},
		),
		LimitedClients: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "brokerauth_rate_limited_clients",
				Help: "Clients currently in the rate-limiting firewall set",
			},
		),
	}
}

// Decision records one ACL outcome.
func (m *Metrics) Decision(allowed bool, rule string) {
	if m == nil {
		return
	}
	decision := "deny"
	if allowed {
		decision = "allow"
	}
	m.ACLDecisions.WithLabelValues(decision, rule).Inc()
}

// AuthFailure records one rejected basic-auth attempt.
func (m *Metrics) AuthFailure() {
	if m == nil {
		return
	}
	m.AuthFailures.Inc()
}

// Metered records read bytes attributed to an org and capability.
func (m *Metrics) Metered(org, capability string, n int64) {
	if m == nil || n <= 0 {
		return
	}
	m.MeteredBytes.WithLabelValues(org, capability).Add(float64(n))
}

// Limited tracks the number of firewall-limited clients.
func (m *Metrics) Limited(delta float64) {
	if m == nil {
		return
	}
	m.LimitedClients.Add(delta)
}
