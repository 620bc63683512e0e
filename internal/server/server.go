// Package server implements the HTTP ingress transport (C7): three
// wire-format-specific routes that all funnel into the request orchestrator.
package server

import (
	"context"
	"net/http"
	"sync/atomic"

	"github.com/go-chi/chi/v5"

	"go.opentelemetry.io/otel/trace"

	"github.com/eugener/prism/internal/orchestrator"
	"github.com/eugener/prism/internal/telemetry"
)

// ReadyChecker reports whether the proxy is ready to serve traffic.
type ReadyChecker func(ctx context.Context) error

// Deps holds all dependencies for the HTTP server.
type Deps struct {
	Orchestrator   *orchestrator.Orchestrator
	Metrics        *telemetry.Metrics // nil = no Prometheus metrics
	MetricsHandler http.Handler       // nil = no /metrics endpoint
	Tracer         trace.Tracer       // nil = no distributed tracing
	ReadyCheck     ReadyChecker       // nil = always ready (for tests)
	Draining       *atomic.Bool       // nil = never draining; set true by cmd/prism during shutdown
}

// New creates an http.Handler with all routes and middleware wired.
func New(deps Deps) http.Handler {
	s := &server{deps: deps}

	r := chi.NewRouter()

	r.Use(s.securityHeaders)
	r.Use(s.recovery)
	r.Use(s.requestID)
	r.Use(s.logging)
	r.Use(s.drainGuard)
	if deps.Metrics != nil {
		r.Use(metricsMiddleware(deps.Metrics))
	}
	if deps.Tracer != nil {
		r.Use(tracingMiddleware(deps.Tracer))
	}

	r.Get("/healthz", s.handleHealthz)
	r.Get("/readyz", s.handleReadyz)
	if deps.MetricsHandler != nil {
		r.Handle("/metrics", deps.MetricsHandler)
	}

	r.Post("/v1/chat/completions", s.handleOpenAIChat)
	r.Post("/v1/messages", s.handleAnthropicMessages)
	r.Post("/v1beta/models/*", s.handleGeminiGenerate)

	return r
}

type server struct {
	deps Deps
}
