// Package metrics holds the Prometheus registries exported by the
// broker and gateway processes.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds every Prometheus collector the broker and gateway
// export at /metrics.
type Metrics struct {
	InvocationsTotal   *prometheus.CounterVec
	InvocationDuration *prometheus.HistogramVec

	FirewallBlocksTotal *prometheus.CounterVec

	ProxyDecisionsTotal *prometheus.CounterVec
	ProxyScore          *prometheus.HistogramVec
	ProxyDuration       *prometheus.HistogramVec

	QuarantinedAgents *prometheus.GaugeVec
	BaselineState     *prometheus.GaugeVec

	ClassifierDuration *prometheus.HistogramVec
	ClassifierFailures *prometheus.CounterVec
}

// New creates and registers every collector.
func New() *Metrics {
	return &Metrics{
		InvocationsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sentry_broker_invocations_total",
				Help: "Total broker invoke requests by final decision.",
			},
			[]string{"decision"},
		),
		InvocationDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "sentry_broker_invocation_duration_seconds",
				Help:    "End-to-end duration of a broker invoke call.",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"decision"},
		),
		FirewallBlocksTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sentry_firewall_blocks_total",
				Help: "Total ingress firewall blocks by stage.",
			},
			[]string{"stage"},
		),
		ProxyDecisionsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sentry_gateway_proxy_decisions_total",
				Help: "Total egress proxy decisions by action.",
			},
			[]string{"action"},
		),
		ProxyScore: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "sentry_gateway_proxy_score",
				Help:    "Risk score computed per proxy call.",
				Buckets: []float64{10, 20, 30, 40, 50, 60, 70, 80, 90, 100},
			},
			[]string{"action"},
		),
		ProxyDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "sentry_gateway_proxy_duration_seconds",
				Help:    "Duration of a proxy call including upstream execution.",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"action"},
		),
		QuarantinedAgents: promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "sentry_quarantined_agents",
				Help: "Whether an agent is currently quarantined (1) or not (0).",
			},
			[]string{"agent_id"},
		),
		BaselineState: promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "sentry_agent_baseline_state",
				Help: "Agent baseline lifecycle state: 0=LEARNING, 1=ACTIVE, 2=QUARANTINED.",
			},
			[]string{"agent_id"},
		),
		ClassifierDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "sentry_classifier_duration_seconds",
				Help:    "Duration of semantic classifier calls.",
				Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1.0, 2.0},
			},
			[]string{"result"},
		),
		ClassifierFailures: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sentry_classifier_failures_total",
				Help: "Total classifier call failures (error or timeout).",
			},
			[]string{"reason"},
		),
	}
}

// RecordInvocation records a completed broker invoke call.
func (m *Metrics) RecordInvocation(decision string, seconds float64) {
	m.InvocationsTotal.WithLabelValues(decision).Inc()
	m.InvocationDuration.WithLabelValues(decision).Observe(seconds)
}

// RecordFirewallBlock records a block at stage.
func (m *Metrics) RecordFirewallBlock(stage string) {
	m.FirewallBlocksTotal.WithLabelValues(stage).Inc()
}

// RecordProxyDecision records a completed egress proxy decision.
func (m *Metrics) RecordProxyDecision(action string, score int, seconds float64) {
	m.ProxyDecisionsTotal.WithLabelValues(action).Inc()
	m.ProxyScore.WithLabelValues(action).Observe(float64(score))
	m.ProxyDuration.WithLabelValues(action).Observe(seconds)
}

// SetQuarantined updates the quarantine gauge for agentID.
func (m *Metrics) SetQuarantined(agentID string, quarantined bool) {
	v := 0.0
	if quarantined {
		v = 1.0
	}
	m.QuarantinedAgents.WithLabelValues(agentID).Set(v)
}

// SetBaselineState updates the baseline-state gauge for agentID.
func (m *Metrics) SetBaselineState(agentID string, state int) {
	m.BaselineState.WithLabelValues(agentID).Set(float64(state))
}

// RecordClassifierCall records a classifier invocation outcome.
func (m *Metrics) RecordClassifierCall(result string, seconds float64) {
	m.ClassifierDuration.WithLabelValues(result).Observe(seconds)
	if result != "ok" {
		m.ClassifierFailures.WithLabelValues(result).Inc()
	}
}
