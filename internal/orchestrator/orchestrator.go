// Package orchestrator implements the request orchestrator (C6): resolving
// a selector list via the routing table, attempting each target in order
// with credential attachment and retry, and stopping at the first success
// or a non-retriable client error.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	gateway "github.com/eugener/prism/internal"
	"github.com/eugener/prism/internal/circuitbreaker"
	"github.com/eugener/prism/internal/codec"
	"github.com/eugener/prism/internal/credential"
	"github.com/eugener/prism/internal/routing"
	"github.com/eugener/prism/internal/telemetry"
	"github.com/eugener/prism/internal/upstream"
)

// Orchestrator drives the parse -> resolve -> attempt -> (success |
// try-next | fail) state machine: an inlined-not-generic failover loop
// over an ordered target list, with circuit-breaker allow/record calls
// and a client-error-stops-failover rule (isClientError) gating each
// ModelSelector attempt, producing a canonical codec.Response.
type Orchestrator struct {
	table       *routing.Table
	providers   map[string]gateway.ProviderConfig
	credentials *credential.Manager
	client      *upstream.Client
	tracer      trace.Tracer
	breakers    *circuitbreaker.Registry
	metrics     *telemetry.Metrics
}

// New builds an Orchestrator. tracer, breakers, and metrics may be nil to
// disable tracing, circuit breaking, and Prometheus instrumentation
// respectively.
func New(table *routing.Table, providers map[string]gateway.ProviderConfig, creds *credential.Manager, client *upstream.Client, tracer trace.Tracer, breakers *circuitbreaker.Registry, metrics *telemetry.Metrics) *Orchestrator {
	return &Orchestrator{table: table, providers: providers, credentials: creds, client: client, tracer: tracer, breakers: breakers, metrics: metrics}
}

// Result is what Dispatch returns: either a buffered canonical response or
// a live stream of canonical chunks, never both.
type Result struct {
	Response *codec.Response
	Stream   <-chan codec.Chunk
	Provider string
}

// Dispatch resolves modelOrAlias and runs the canonical request against
// targets in order until one succeeds or every target has failed.
func (o *Orchestrator) Dispatch(ctx context.Context, modelOrAlias string, req *codec.Request) (*Result, error) {
	selectors, err := o.table.Resolve(modelOrAlias)
	if err != nil {
		return nil, err
	}

	var lastErr error
	for i, sel := range selectors {
		cfg, ok := o.providers[sel.ProviderKey]
		if !ok {
			lastErr = fmt.Errorf("%w: unknown provider %q", gateway.ErrRoute, sel.ProviderKey)
			continue
		}
		attempt := gateway.Attempt{Selector: sel, Provider: cfg, Index: i}

		if o.breakers != nil {
			if cb := o.breakers.Get(sel.ProviderKey); cb != nil && !cb.Allow() {
				lastErr = fmt.Errorf("%w: circuit breaker open for %s", gateway.ErrUpstream, sel.ProviderKey)
				o.recordBreakerRejected(sel.ProviderKey)
				continue
			}
		}

		result, err := o.attempt(ctx, attempt, cfg, req)
		if err != nil {
			o.recordBreakerError(sel.ProviderKey, err)
			o.recordAttempt(sel.ProviderKey, "error")
			if isClientError(err) && !shouldFallback(cfg, err) {
				return nil, err
			}
			slog.LogAttrs(ctx, slog.LevelWarn, "attempt failed, trying next target",
				slog.String("provider", sel.ProviderKey), slog.String("error", err.Error()))
			lastErr = err
			continue
		}
		o.recordBreakerSuccess(sel.ProviderKey)
		o.recordAttempt(sel.ProviderKey, "success")
		return result, nil
	}
	if lastErr == nil {
		lastErr = fmt.Errorf("%w: no targets resolved for %q", gateway.ErrRoute, modelOrAlias)
	}
	return nil, fmt.Errorf("%w: %w", gateway.ErrFallbackExhausted, lastErr)
}

// attempt runs one selector's convert -> authenticate -> dispatch ->
// translate sequence. A selector whose credential plan has more than one
// alternative (OAuth then API key) retries the dispatch
// against each alternative in turn when the upstream status is one of
// cfg.FallbackHTTPCodes, before giving up on the selector entirely -- this
// is the intra-selector credential loop, distinct from the selector-level
// fallback the caller (Dispatch) performs across selectors.
func (o *Orchestrator) attempt(ctx context.Context, a gateway.Attempt, cfg gateway.ProviderConfig, req *codec.Request) (*Result, error) {
	c, err := codec.ByKind(cfg.WireKind())
	if err != nil {
		return nil, err
	}

	req.Model = a.Selector.ModelID
	// Selector params apply to this target only: merge them into a copy so
	// a later target in the failover list does not inherit them.
	local := *req
	if req.Reasoning != nil {
		r := *req.Reasoning
		local.Reasoning = &r
	}
	mergeSelectorParams(&local, a.Selector.Params)
	body, err := c.EncodeRequest(&local)
	if err != nil {
		return nil, fmt.Errorf("%w: encode upstream request: %v", gateway.ErrInternal, err)
	}

	plan, err := o.credentials.Plan(ctx, a.Selector.ProviderKey)
	if err != nil {
		return nil, err
	}

	var lastErr error
	for credIdx, mat := range plan {
		result, err := o.dispatchOnce(ctx, a, cfg, c, body, mat, req.Stream)
		if err == nil {
			return result, nil
		}
		lastErr = err
		if credIdx == len(plan)-1 || !shouldFallback(cfg, err) {
			return nil, err
		}
		slog.LogAttrs(ctx, slog.LevelWarn, "credential alternative failed, trying next",
			slog.String("provider", a.Selector.ProviderKey), slog.String("error", err.Error()))
	}
	return nil, lastErr
}

func (o *Orchestrator) dispatchOnce(ctx context.Context, a gateway.Attempt, cfg gateway.ProviderConfig, c codec.Codec, body []byte, mat gateway.AuthMaterial, stream bool) (*Result, error) {
	headers := http.Header{"Content-Type": []string{"application/json"}}
	query := make(map[string][]string)
	mat.Apply(headers, query)

	endpoint, err := applyQuery(cfg.Endpoint, query)
	if err != nil {
		return nil, fmt.Errorf("%w: build upstream URL: %v", gateway.ErrInternal, err)
	}

	callCtx := ctx
	var span trace.Span
	if o.tracer != nil {
		callCtx, span = o.tracer.Start(ctx, "upstream.dispatch", trace.WithAttributes(
			attribute.String("provider", a.Selector.ProviderKey),
			attribute.String("model", a.Selector.ModelID),
			attribute.Int("attempt", a.Index),
		))
		defer span.End()
	}

	start := time.Now()
	resp, err := upstream.DoWithRetry(callCtx, cfg.Retry, func(int) (*http.Response, error, bool) {
		r, err := o.client.Do(callCtx, http.MethodPost, endpoint, newReusableBody(body), headers)
		if err != nil {
			return nil, err, upstream.Retryable(cfg, err, 0)
		}
		if upstream.Retryable(cfg, nil, r.StatusCode) {
			return r, nil, true
		}
		return r, nil, false
	})
	if o.metrics != nil {
		o.metrics.UpstreamDuration.WithLabelValues(a.Selector.ProviderKey).Observe(time.Since(start).Seconds())
	}
	if err != nil {
		return nil, classifyUpstreamErr(err)
	}
	defer func() {
		if !stream {
			resp.Body.Close()
		}
	}()

	if resp.StatusCode >= http.StatusBadRequest {
		payload, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		return nil, newStatusError(resp.StatusCode, string(payload))
	}

	if !stream {
		payload, err := io.ReadAll(resp.Body)
		if err != nil {
			return nil, fmt.Errorf("%w: read upstream response: %v", gateway.ErrUpstream, err)
		}
		canonical, err := c.DecodeResponse(payload)
		if err != nil {
			return nil, fmt.Errorf("%w: decode upstream response: %v", gateway.ErrInternal, err)
		}
		return &Result{Response: canonical, Provider: a.Selector.ProviderKey}, nil
	}

	return &Result{Stream: streamChunks(callCtx, c, a.Selector.ModelID, resp.Body), Provider: a.Selector.ProviderKey}, nil
}

// applyQuery appends the credential plan's query alternatives (e.g.
// Gemini's "?key=<k>" API-key form, gateway.go's AuthMaterial.Apply query
// argument) onto endpoint, leaving it unchanged when query is empty.
func applyQuery(endpoint string, query map[string][]string) (string, error) {
	if len(query) == 0 {
		return endpoint, nil
	}
	u, err := url.Parse(endpoint)
	if err != nil {
		return "", err
	}
	q := u.Query()
	for k, vs := range query {
		for _, v := range vs {
			q.Add(k, v)
		}
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// shouldFallback reports whether err carries an upstream status the
// provider has opted into selector-level (and, within one selector,
// credential-level) fallback for.
func shouldFallback(cfg gateway.ProviderConfig, err error) bool {
	status, ok := gateway.HTTPStatusOf(err)
	return ok && cfg.FallbackOn(status)
}

func (o *Orchestrator) recordBreakerSuccess(providerKey string) {
	if o.breakers != nil {
		cb := o.breakers.GetOrCreate(providerKey)
		cb.RecordSuccess()
		o.recordBreakerState(providerKey, cb.State())
	}
}

func (o *Orchestrator) recordBreakerError(providerKey string, err error) {
	if o.breakers != nil {
		weight := circuitbreaker.ClassifyError(err)
		if weight > 0 {
			cb := o.breakers.GetOrCreate(providerKey)
			cb.RecordError(weight)
			o.recordBreakerState(providerKey, cb.State())
		}
	}
}

func (o *Orchestrator) recordBreakerRejected(providerKey string) {
	if o.metrics != nil {
		o.metrics.CircuitBreakerRejects.WithLabelValues(providerKey).Inc()
	}
}

func (o *Orchestrator) recordBreakerState(providerKey string, state circuitbreaker.State) {
	if o.metrics != nil {
		o.metrics.CircuitBreakerState.WithLabelValues(providerKey).Set(float64(state))
	}
}

func (o *Orchestrator) recordAttempt(providerKey, outcome string) {
	if o.metrics != nil {
		o.metrics.AttemptsTotal.WithLabelValues(providerKey, outcome).Inc()
	}
}

// isClientError mirrors app/proxy.go's failover short-circuit: a 4xx
// response, an ErrParse, or an ErrAuth failure ends the attempt loop
// immediately instead of falling through to the next target, since the
// condition will reproduce identically against every remaining target.
func isClientError(err error) bool {
	if status, ok := gateway.HTTPStatusOf(err); ok {
		return status >= http.StatusBadRequest && status < http.StatusInternalServerError
	}
	return errors.Is(err, gateway.ErrParse) || errors.Is(err, gateway.ErrAuth)
}

func classifyUpstreamErr(err error) error {
	return fmt.Errorf("%w: %v", gateway.ErrUpstream, err)
}
