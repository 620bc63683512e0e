package server

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	gateway "github.com/eugener/prism/internal"
	"github.com/eugener/prism/internal/credential"
	"github.com/eugener/prism/internal/orchestrator"
	"github.com/eugener/prism/internal/routing"
	"github.com/eugener/prism/internal/upstream"
)

func newTestHandler(t *testing.T, upstreamURL string, kind string) http.Handler {
	t.Helper()
	table, err := routing.NewTable([]gateway.RouteEntry{{Alias: "fast", Targets: []string{"prov/model-a"}}})
	require.NoError(t, err)

	providers := map[string]gateway.ProviderConfig{
		"prov": {
			Key: "prov", Kind: kind, Endpoint: upstreamURL,
			APIKey: "test-key", Retry: gateway.RetryPolicy{MaxAttempts: 1},
		},
	}
	store, err := credential.OpenStore(t.TempDir() + "/credentials.json")
	require.NoError(t, err)
	credManager, err := credential.NewManager(providers, store, credential.RefreshTokenExchange)
	require.NoError(t, err)

	client := upstream.NewClient(http.DefaultTransport)
	orch := orchestrator.New(table, providers, credManager, client, nil, nil, nil)

	return New(Deps{Orchestrator: orch})
}

// E2E-1: a buffered OpenAI-format request round-trips through an
// openai-kind upstream unchanged in substance.
func TestE2EOpenAIChatBuffered(t *testing.T) {
	t.Parallel()

	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"id":"resp-1","model":"model-a","choices":[{"index":0,"message":{"role":"assistant","content":"hi there"},"finish_reason":"stop"}]}`))
	}))
	defer upstream.Close()

	h := newTestHandler(t, upstream.URL, "openai")
	body := `{"model":"fast","messages":[{"role":"user","content":"hello"}]}`
	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", strings.NewReader(body))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "hi there")
}

// E2E-2: a request addressed to an Anthropic-format route whose upstream
// provider is openai-kind exercises cross-format translation both ways.
func TestE2ECrossFormatAnthropicIngressOpenAIUpstream(t *testing.T) {
	t.Parallel()

	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"id":"resp-1","model":"model-a","choices":[{"index":0,"message":{"role":"assistant","content":"translated"},"finish_reason":"stop"}]}`))
	}))
	defer upstream.Close()

	h := newTestHandler(t, upstream.URL, "openai")
	body := `{"model":"fast","max_tokens":100,"messages":[{"role":"user","content":[{"type":"text","text":"hello"}]}]}`
	req := httptest.NewRequest(http.MethodPost, "/v1/messages", strings.NewReader(body))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "translated")
}

// A directive comment in the system prompt must take precedence over the
// body's declared model.
func TestDirectiveOverridesBodyModel(t *testing.T) {
	t.Parallel()

	var gotPath string
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"id":"resp-1","model":"model-a","choices":[{"index":0,"message":{"role":"assistant","content":"ok"},"finish_reason":"stop"}]}`))
	}))
	defer upstream.Close()

	h := newTestHandler(t, upstream.URL, "openai")
	body := `{"model":"not-a-real-alias","messages":[{"role":"system","content":"<!-- fast -->"},{"role":"user","content":"hello"}]}`
	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", strings.NewReader(body))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.NotEmpty(t, gotPath)
}

func TestUnknownAliasReturnsError(t *testing.T) {
	t.Parallel()

	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("upstream should never be called for an unresolvable alias")
	}))
	defer upstream.Close()

	h := newTestHandler(t, upstream.URL, "openai")
	body := `{"model":"no-such-alias","messages":[{"role":"user","content":"hello"}]}`
	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", strings.NewReader(body))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	assert.GreaterOrEqual(t, rec.Code, 400)
}

func TestHealthzAndReadyz(t *testing.T) {
	t.Parallel()

	h := New(Deps{})
	for _, path := range []string{"/healthz", "/readyz"} {
		req := httptest.NewRequest(http.MethodGet, path, nil)
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusOK, rec.Code, "path %s", path)
	}
}
