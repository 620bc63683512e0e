package orchestrator

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	gateway "github.com/eugener/prism/internal"
	"github.com/eugener/prism/internal/codec"
	"github.com/eugener/prism/internal/credential"
	"github.com/eugener/prism/internal/routing"
	"github.com/eugener/prism/internal/upstream"
)

func newTestOrchestrator(t *testing.T, providers map[string]gateway.ProviderConfig, aliasTargets []string) *Orchestrator {
	t.Helper()
	table, err := routing.NewTable([]gateway.RouteEntry{{Alias: "fast", Targets: aliasTargets}})
	require.NoError(t, err)

	store, err := credential.OpenStore(t.TempDir() + "/credentials.json")
	require.NoError(t, err)
	credManager, err := credential.NewManager(providers, store, credential.RefreshTokenExchange)
	require.NoError(t, err)

	client := upstream.NewClient(http.DefaultTransport)
	return New(table, providers, credManager, client, nil, nil, nil)
}

func jsonHandler(status int, body string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		w.Write([]byte(body))
	}
}

// A 429 from the primary target, when the provider opts into fallback on
// that code, advances to the next selector rather than failing the whole
// request.
func TestDispatchFallsBackOn429(t *testing.T) {
	t.Parallel()

	var primaryCalls, fallbackCalls atomic.Int32
	primary := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		primaryCalls.Add(1)
		jsonHandler(http.StatusTooManyRequests, `{"error":"rate limited"}`)(w, r)
	}))
	defer primary.Close()
	fallback := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fallbackCalls.Add(1)
		jsonHandler(http.StatusOK, `{"id":"resp-1","model":"gpt-4o","choices":[{"index":0,"message":{"role":"assistant","content":"ok"},"finish_reason":"stop"}]}`)(w, r)
	}))
	defer fallback.Close()

	providers := map[string]gateway.ProviderConfig{
		"primary": {
			Key: "primary", Kind: "openai", Endpoint: primary.URL,
			APIKey: "k1", Retry: gateway.RetryPolicy{MaxAttempts: 1},
			FallbackHTTPCodes: map[int]struct{}{429: {}},
		},
		"fallback": {
			Key: "fallback", Kind: "openai", Endpoint: fallback.URL,
			APIKey: "k2", Retry: gateway.RetryPolicy{MaxAttempts: 1},
		},
	}
	orch := newTestOrchestrator(t, providers, []string{"primary/model-a", "fallback/model-b"})

	req := &codec.Request{Messages: []codec.Message{{Role: codec.RoleUser, Content: []codec.Part{{Type: codec.PartText, Text: "hi"}}}}}
	result, err := orch.Dispatch(context.Background(), "fast", req)
	require.NoError(t, err)
	require.NotNil(t, result.Response)
	assert.Equal(t, "fallback", result.Provider)
	assert.Equal(t, int32(1), primaryCalls.Load())
	assert.Equal(t, int32(1), fallbackCalls.Load())
}

// A 4xx that the provider does NOT list as a fallback code must stop the
// attempt loop immediately rather than trying the next target.
func TestDispatchStopsOnNonFallback4xx(t *testing.T) {
	t.Parallel()

	var fallbackCalls atomic.Int32
	primary := httptest.NewServer(jsonHandler(http.StatusBadRequest, `{"error":"bad request"}`))
	defer primary.Close()
	fallback := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fallbackCalls.Add(1)
		jsonHandler(http.StatusOK, `{}`)(w, r)
	}))
	defer fallback.Close()

	providers := map[string]gateway.ProviderConfig{
		"primary": {
			Key: "primary", Kind: "openai", Endpoint: primary.URL,
			APIKey: "k1", Retry: gateway.RetryPolicy{MaxAttempts: 1},
			FallbackHTTPCodes: map[int]struct{}{429: {}},
		},
		"fallback": {
			Key: "fallback", Kind: "openai", Endpoint: fallback.URL,
			APIKey: "k2", Retry: gateway.RetryPolicy{MaxAttempts: 1},
		},
	}
	orch := newTestOrchestrator(t, providers, []string{"primary/model-a", "fallback/model-b"})

	req := &codec.Request{Messages: []codec.Message{{Role: codec.RoleUser, Content: []codec.Part{{Type: codec.PartText, Text: "hi"}}}}}
	_, err := orch.Dispatch(context.Background(), "fast", req)
	require.Error(t, err)
	assert.Equal(t, int32(0), fallbackCalls.Load(), "a non-fallback 4xx must not advance to the next target")
}

// Cancelling the caller's context during dispatch surfaces promptly rather
// than hanging until the upstream responds.
func TestDispatchCancellation(t *testing.T) {
	t.Parallel()

	unblock := make(chan struct{})
	primary := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-unblock:
		}
	}))
	defer primary.Close()
	defer close(unblock)

	providers := map[string]gateway.ProviderConfig{
		"primary": {
			Key: "primary", Kind: "openai", Endpoint: primary.URL,
			APIKey: "k1", Retry: gateway.RetryPolicy{MaxAttempts: 1},
		},
	}
	orch := newTestOrchestrator(t, providers, []string{"primary/model-a"})

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	req := &codec.Request{Messages: []codec.Message{{Role: codec.RoleUser, Content: []codec.Part{{Type: codec.PartText, Text: "hi"}}}}}
	start := time.Now()
	_, err := orch.Dispatch(ctx, "fast", req)
	elapsed := time.Since(start)

	require.Error(t, err)
	assert.Less(t, elapsed, 2*time.Second, "dispatch must return promptly once the context is cancelled")
}

// E2E-4: alias "fast" resolves to ["primary/model-a?temperature=0.2",
// "fallback/model-b"]; the selector's temperature param must reach the
// upstream body on the primary attempt only -- the fallback target has no
// temperature param of its own and must not inherit one.
func TestDispatchAppliesSelectorParamsOnlyToItsOwnTarget(t *testing.T) {
	t.Parallel()

	var primaryTemp, fallbackTemp *float64
	primary := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			Temperature *float64 `json:"temperature"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		primaryTemp = body.Temperature
		jsonHandler(http.StatusTooManyRequests, `{"error":"rate limited"}`)(w, r)
	}))
	defer primary.Close()
	fallback := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			Temperature *float64 `json:"temperature"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		fallbackTemp = body.Temperature
		jsonHandler(http.StatusOK, `{"id":"resp-1","model":"model-b","choices":[{"index":0,"message":{"role":"assistant","content":"ok"},"finish_reason":"stop"}]}`)(w, r)
	}))
	defer fallback.Close()

	providers := map[string]gateway.ProviderConfig{
		"primary": {
			Key: "primary", Kind: "openai", Endpoint: primary.URL,
			APIKey: "k1", Retry: gateway.RetryPolicy{MaxAttempts: 1},
			FallbackHTTPCodes: map[int]struct{}{429: {}},
		},
		"fallback": {
			Key: "fallback", Kind: "openai", Endpoint: fallback.URL,
			APIKey: "k2", Retry: gateway.RetryPolicy{MaxAttempts: 1},
		},
	}
	orch := newTestOrchestrator(t, providers, []string{"primary/model-a?temperature=0.2", "fallback/model-b"})

	req := &codec.Request{Messages: []codec.Message{{Role: codec.RoleUser, Content: []codec.Part{{Type: codec.PartText, Text: "hi"}}}}}
	result, err := orch.Dispatch(context.Background(), "fast", req)
	require.NoError(t, err)
	assert.Equal(t, "fallback", result.Provider)

	require.NotNil(t, primaryTemp, "the primary target must receive the selector's temperature param")
	assert.InDelta(t, 0.2, *primaryTemp, 1e-9)
	assert.Nil(t, fallbackTemp, "the fallback target has no temperature param of its own and must not inherit the primary's")
}

func TestDispatchUnknownAlias(t *testing.T) {
	t.Parallel()

	orch := newTestOrchestrator(t, map[string]gateway.ProviderConfig{}, []string{"primary/model-a"})
	_, err := orch.Dispatch(context.Background(), "missing-alias", &codec.Request{})
	require.Error(t, err)
}
