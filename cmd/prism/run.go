package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/dnscache"
	"go.opentelemetry.io/otel/trace"

	"github.com/eugener/prism/internal/circuitbreaker"
	"github.com/eugener/prism/internal/config"
	"github.com/eugener/prism/internal/credential"
	"github.com/eugener/prism/internal/orchestrator"
	"github.com/eugener/prism/internal/routing"
	"github.com/eugener/prism/internal/server"
	"github.com/eugener/prism/internal/telemetry"
	"github.com/eugener/prism/internal/upstream"
)

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	slog.Info("starting prism", "version", version, "addr", cfg.Server.Addr())

	providers, err := config.BuildProviders(cfg.Providers)
	if err != nil {
		return err
	}
	for key, p := range providers {
		slog.Info("provider configured",
			"key", key,
			"kind", p.Kind,
			"oauth", p.OAuth != nil,
			"api_key_fallback", p.APIKeyFallback,
		)
	}

	table, err := routing.NewTable(config.BuildRoutes(cfg.Routing.Models))
	if err != nil {
		return fmt.Errorf("routing table: %w", err)
	}
	for alias, targets := range cfg.Routing.Models {
		slog.Info("route configured", "alias", alias, "targets", []string(targets))
	}

	storePath, err := credential.DefaultStorePath()
	if err != nil {
		return fmt.Errorf("resolve credential store path: %w", err)
	}
	store, err := credential.OpenStore(storePath)
	if err != nil {
		return fmt.Errorf("open credential store: %w", err)
	}
	slog.Info("credential store opened", "path", storePath)

	credManager, err := credential.NewManager(providers, store, credential.RefreshTokenExchange)
	if err != nil {
		return fmt.Errorf("build credential manager: %w", err)
	}
	importCollaboratorCredentials(cfg.Providers, credManager)

	// Shared DNS cache for all upstream HTTP calls, refreshed periodically
	// so long-lived connections don't pin a stale resolution.
	dnsResolver := &dnscache.Resolver{}
	dnsCtx, dnsCancel := context.WithCancel(context.Background())
	defer dnsCancel()
	go func() {
		t := time.NewTicker(5 * time.Minute)
		defer t.Stop()
		for {
			select {
			case <-dnsCtx.Done():
				return
			case <-t.C:
				dnsResolver.Refresh(true)
			}
		}
	}()

	transport := upstream.NewTransport(dnsResolver, true)
	client := upstream.NewClient(transport)

	breakers := circuitbreaker.NewRegistry(circuitbreaker.DefaultConfig())
	go evictStaleBreakers(dnsCtx, breakers)

	var metrics *telemetry.Metrics
	var metricsHandler http.Handler
	if cfg.Telemetry.Metrics.Enabled {
		promRegistry := prometheus.NewRegistry()
		promRegistry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
		promRegistry.MustRegister(collectors.NewGoCollector())
		metrics = telemetry.NewMetrics(promRegistry)
		metricsHandler = promhttp.HandlerFor(promRegistry, promhttp.HandlerOpts{})
		credManager.SetMetrics(metrics)
		slog.Info("prometheus metrics enabled")
	}

	var tracer trace.Tracer
	var tracingShutdown func(context.Context) error
	if cfg.Telemetry.Tracing.Enabled {
		endpoint := cfg.Telemetry.Tracing.Endpoint
		if endpoint == "" {
			endpoint = "localhost:4317"
		}
		sampleRate := cfg.Telemetry.Tracing.SampleRate
		if sampleRate == 0 {
			sampleRate = 0.1
		}
		shutdown, err := telemetry.SetupTracing(context.Background(), endpoint, sampleRate)
		if err != nil {
			slog.Warn("tracing setup failed, continuing without tracing", "error", err)
		} else {
			tracingShutdown = shutdown
			tracer = telemetry.Tracer("prism/server")
			slog.Info("opentelemetry tracing enabled", "endpoint", endpoint, "sample_rate", sampleRate)
		}
	}

	orch := orchestrator.New(table, providers, credManager, client, tracer, breakers, metrics)

	var draining atomic.Bool
	handler := server.New(server.Deps{
		Orchestrator:   orch,
		Metrics:        metrics,
		MetricsHandler: metricsHandler,
		Tracer:         tracer,
		Draining:       &draining,
	})

	srv := &http.Server{
		Addr:              cfg.Server.Addr(),
		Handler:           handler,
		ReadTimeout:       cfg.Server.ReadTimeout,
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
			return
		}
		close(errCh)
	}()

	slog.Info("ingress routes enabled",
		"endpoints", []string{
			"POST /v1/chat/completions",
			"POST /v1/messages",
			"POST /v1beta/models/{model}:generateContent",
			"POST /v1beta/models/{model}:streamGenerateContent",
		},
	)
	slog.Info("prism ready", "addr", cfg.Server.Addr())

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	select {
	case sig := <-sigCh:
		slog.Info("shutting down", "signal", sig)
	case err := <-errCh:
		if err != nil {
			return err
		}
	}

	// Reject new requests immediately; in-flight ones still get
	// cfg.Server.ShutdownTimeout to finish.
	draining.Store(true)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}

	if tracingShutdown != nil {
		if err := tracingShutdown(shutdownCtx); err != nil {
			slog.Error("tracing shutdown error", "error", err)
		}
	}

	slog.Info("prism stopped")
	return nil
}

// importCollaboratorCredentials reads any configured `oauth.collaborator_file`
// at startup and imports it into credManager: when an external CLI for the
// same provider has already obtained a newer token, use it instead of
// forcing the user to re-run `prism auth`.
func importCollaboratorCredentials(entries map[string]config.ProviderEntry, credManager *credential.Manager) {
	for key, e := range entries {
		if e.OAuth == nil || e.OAuth.CollaboratorFile == "" {
			continue
		}
		identity := e.OAuth.Identity
		if identity == "" {
			identity = key
		}
		entry, err := credential.ReadCollaboratorFile(e.OAuth.CollaboratorFile, identity, key)
		if err != nil {
			slog.Warn("collaborator credential import failed", "provider", key, "error", err)
			continue
		}
		if entry == nil {
			continue
		}
		if err := credManager.Import(entry); err != nil {
			slog.Warn("collaborator credential import failed", "provider", key, "error", err)
			continue
		}
		slog.Info("imported collaborator credential", "provider", key, "identity", identity)
	}
}

// evictStaleBreakers periodically clears circuit breakers for providers
// that have not been dispatched to recently, bounding the registry's
// memory under configs with many short-lived route aliases.
func evictStaleBreakers(ctx context.Context, breakers *circuitbreaker.Registry) {
	t := time.NewTicker(10 * time.Minute)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if n := breakers.EvictStale(time.Now().Add(-1 * time.Hour)); n > 0 {
				slog.Info("circuit breaker eviction", "evicted", n)
			}
		}
	}
}
