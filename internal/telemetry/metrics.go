// Package telemetry provides observability primitives for the prism proxy.
package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds all Prometheus collectors for the proxy.
type Metrics struct {
	RequestsTotal    *prometheus.CounterVec
	RequestDuration  *prometheus.HistogramVec
	ActiveRequests   prometheus.Gauge

	AttemptsTotal         *prometheus.CounterVec // labels: provider, outcome
	UpstreamDuration      *prometheus.HistogramVec // labels: provider
	CredentialRefreshTotal *prometheus.CounterVec // labels: identity, outcome

	CircuitBreakerState   *prometheus.GaugeVec   // labels: provider
	CircuitBreakerRejects *prometheus.CounterVec // labels: provider
}

// NewMetrics creates and registers all metrics with the given registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		RequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "prism",
			Name:      "requests_total",
			Help:      "Total number of ingress HTTP requests.",
		}, []string{"route", "status"}),

		RequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace:                       "prism",
			Name:                            "request_duration_seconds",
			Help:                            "Ingress request duration in seconds.",
			NativeHistogramBucketFactor:     1.1,
			NativeHistogramMaxBucketNumber:  100,
			NativeHistogramMinResetDuration: 0,
		}, []string{"route"}),

		ActiveRequests: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "prism",
			Name:      "active_requests",
			Help:      "Number of currently in-flight ingress requests.",
		}),

		AttemptsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "prism",
			Name:      "attempts_total",
			Help:      "Total upstream dispatch attempts by provider and outcome.",
		}, []string{"provider", "outcome"}),

		UpstreamDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "prism",
			Name:      "upstream_duration_seconds",
			Help:      "Upstream dispatch duration in seconds, per provider.",
		}, []string{"provider"}),

		CredentialRefreshTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "prism",
			Name:      "credential_refresh_total",
			Help:      "Total OAuth token refreshes by identity and outcome.",
		}, []string{"identity", "outcome"}),

		CircuitBreakerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "prism",
			Name:      "circuit_breaker_state",
			Help:      "Circuit breaker state per provider (0=closed, 1=open, 2=half_open).",
		}, []string{"provider"}),

		CircuitBreakerRejects: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "prism",
			Name:      "circuit_breaker_rejects_total",
			Help:      "Total requests rejected by an open circuit breaker.",
		}, []string{"provider"}),
	}

	reg.MustRegister(
		m.RequestsTotal,
		m.RequestDuration,
		m.ActiveRequests,
		m.AttemptsTotal,
		m.UpstreamDuration,
		m.CredentialRefreshTotal,
		m.CircuitBreakerState,
		m.CircuitBreakerRejects,
	)

	return m
}
