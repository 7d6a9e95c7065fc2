// Package monitoring exposes Prometheus metrics and OpenTelemetry tracing
// for the mesh core.
package monitoring

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/turtacn/meshsec/pkg/constants"
)

// Metrics manages the Prometheus metrics.
type Metrics struct {
	ConnectionsTotal *prometheus.CounterVec
	MessagesTotal    *prometheus.CounterVec
	CallLatency      *prometheus.HistogramVec
	RateLimitChecks  *prometheus.CounterVec
	BreakerState     *prometheus.GaugeVec
	ActiveSessions   prometheus.Gauge
	KeyRotations     *prometheus.CounterVec
}

// NewMetrics creates and registers the Prometheus metrics on the default
// registry.
func NewMetrics() *Metrics {
	return &Metrics{
		ConnectionsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "meshsec_connections_total",
				Help: "Total number of handshakes attempted, by peer and result.",
			},
			[]string{"peer", "result"},
		),
		MessagesTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "meshsec_messages_total",
				Help: "Total number of encrypted messages sent, by peer and result.",
			},
			[]string{"peer", "result"},
		),
		CallLatency: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "meshsec_call_latency_seconds",
				Help:    "Latency of resilience-wrapped mesh calls.",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"peer", "operation"},
		),
		RateLimitChecks: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "meshsec_rate_limit_checks_total",
				Help: "Total number of rate limit checks, by outcome.",
			},
			[]string{"outcome"},
		),
		BreakerState: promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "meshsec_circuit_breaker_state",
				Help: "Circuit breaker state per target: 0 closed, 1 half-open, 2 open.",
			},
			[]string{"target"},
		),
		ActiveSessions: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "meshsec_active_sessions",
				Help: "Number of live sessions in the ledger.",
			},
		),
		KeyRotations: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "meshsec_key_rotations_total",
				Help: "Total number of key rotations, by result.",
			},
			[]string{"result"},
		),
	}
}

// RecordConnection records one handshake attempt.
func (m *Metrics) RecordConnection(peer string, success bool) {
	m.ConnectionsTotal.WithLabelValues(peer, resultLabel(success)).Inc()
}

// RecordMessage records one data-channel message and its latency.
func (m *Metrics) RecordMessage(peer, operation string, success bool, duration time.Duration) {
	m.MessagesTotal.WithLabelValues(peer, resultLabel(success)).Inc()
	m.CallLatency.WithLabelValues(peer, operation).Observe(duration.Seconds())
}

// RecordRateLimit records one rate limit check outcome.
func (m *Metrics) RecordRateLimit(allowed bool) {
	outcome := "allowed"
	if !allowed {
		outcome = "blocked"
	}
	m.RateLimitChecks.WithLabelValues(outcome).Inc()
}

// RecordBreakerState records a breaker transition.
func (m *Metrics) RecordBreakerState(target string, state constants.BreakerState) {
	var v float64
	switch state {
	case constants.BreakerHalfOpen:
		v = 1
	case constants.BreakerOpen:
		v = 2
	}
	m.BreakerState.WithLabelValues(target).Set(v)
}

// SetActiveSessions records the current ledger size.
func (m *Metrics) SetActiveSessions(n int) {
	m.ActiveSessions.Set(float64(n))
}

// RecordKeyRotation records one rotation outcome.
func (m *Metrics) RecordKeyRotation(success bool) {
	m.KeyRotations.WithLabelValues(resultLabel(success)).Inc()
}

func resultLabel(success bool) string {
	if success {
		return "success"
	}
	return "failure"
}
