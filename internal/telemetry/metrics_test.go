package telemetry

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
)

func TestNewMetrics(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewPedanticRegistry()
	m := NewMetrics(reg)

	if m.RequestsTotal == nil {
		t.Error("RequestsTotal is nil")
	}
	if m.RequestDuration == nil {
		t.Error("RequestDuration is nil")
	}
	if m.ActiveRequests == nil {
		t.Error("ActiveRequests is nil")
	}
	if m.AttemptsTotal == nil {
		t.Error("AttemptsTotal is nil")
	}
	if m.UpstreamDuration == nil {
		t.Error("UpstreamDuration is nil")
	}
	if m.CredentialRefreshTotal == nil {
		t.Error("CredentialRefreshTotal is nil")
	}
	if m.CircuitBreakerState == nil {
		t.Error("CircuitBreakerState is nil")
	}
	if m.CircuitBreakerRejects == nil {
		t.Error("CircuitBreakerRejects is nil")
	}

	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("Gather: %v", err)
	}
	if len(families) == 0 {
		t.Error("expected at least one metric family")
	}
}

func TestNewMetricsIncrement(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewPedanticRegistry()
	m := NewMetrics(reg)

	m.RequestsTotal.WithLabelValues("/v1/chat/completions", "200").Inc()
	m.ActiveRequests.Set(5)
	m.RequestDuration.WithLabelValues("/v1/chat/completions").Observe(0.123)
	m.AttemptsTotal.WithLabelValues("anthropic", "success").Inc()
	m.UpstreamDuration.WithLabelValues("anthropic").Observe(0.45)
	m.CredentialRefreshTotal.WithLabelValues("anthropic-oauth", "success").Inc()
	m.CircuitBreakerState.WithLabelValues("anthropic").Set(0)
	m.CircuitBreakerRejects.WithLabelValues("anthropic").Inc()

	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("Gather after increment: %v", err)
	}

	names := make(map[string]bool)
	for _, f := range families {
		names[f.GetName()] = true
	}

	want := []string{
		"prism_requests_total",
		"prism_active_requests",
		"prism_request_duration_seconds",
		"prism_attempts_total",
		"prism_upstream_duration_seconds",
		"prism_credential_refresh_total",
		"prism_circuit_breaker_state",
		"prism_circuit_breaker_rejects_total",
	}
	for _, name := range want {
		if !names[name] {
			t.Errorf("missing metric %q in gathered families", name)
		}
	}
}

// SetupTracing is not unit-tested because it requires a gRPC connection
// to an OTLP collector, which is integration-test territory.
