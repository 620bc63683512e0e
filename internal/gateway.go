// Package gateway defines the domain types shared across the prism proxy.
// This package has no project imports -- it is the dependency root.
package gateway

import (
	"context"
	"time"
)

// --- Wire format ---

// WireFormat identifies one of the three chat-completion request/response
// shapes the proxy understands, both for ingress (what the client speaks)
// and upstream (what the provider speaks).
type WireFormat string

const (
	OpenAIChat        WireFormat = "openai_chat"
	AnthropicMessages WireFormat = "anthropic_messages"
	GeminiGenerate    WireFormat = "gemini_generate"
)

// --- Model selector ---

// ModelSelector is the parsed form of a client-supplied model string:
// "provider/model_id[:variant][?params]".
type ModelSelector struct {
	ProviderKey string
	ModelID     string
	Variant     string
	Params      SelectorParams
}

// SelectorParams holds the canonical, typed inference parameters decoded
// from a selector's query suffix, plus any unrecognized keys passed through
// verbatim to the upstream-body builder.
type SelectorParams struct {
	Temperature        *float64
	MaxTokens          *int
	TopP               *float64
	TopK               *int
	Seed               *int
	FrequencyPenalty   *float64
	PresencePenalty    *float64
	Stop               []string
	Think              *int
	Thoughts           *bool
	Reasoning          *bool
	Effort             string // "low", "medium", "high"
	ReasoningMaxTokens *int
	ReasoningExclude   *bool
	Extra              map[string]string // unknown keys, passed through verbatim
}

// String renders the selector as "provider/model_id[:variant]"; params are
// not included. The param encoding lives in package selector (Render),
// which keeps this package free of net/url; callers that need the canonical
// string with params should prefer selector.Render over this best-effort form.
func (s ModelSelector) String() string {
	out := s.ProviderKey + "/" + s.ModelID
	if s.Variant != "" {
		out += ":" + s.Variant
	}
	return out
}

// --- Routing table ---

// RouteEntry is a single alias -> selector-string(s) mapping as loaded from
// configuration. Targets[0] is primary; the rest are fallbacks.
type RouteEntry struct {
	Alias   string
	Targets []string
}

// --- Provider configuration ---

// RetryPolicy configures the upstream client's exponential backoff retry.
type RetryPolicy struct {
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	Multiplier     float64
}

// DefaultRetryPolicy matches spec: 3 attempts, 1s initial, 30s max, x2.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxAttempts: 3, InitialBackoff: time.Second, MaxBackoff: 30 * time.Second, Multiplier: 2}
}

// OAuthConfig names the token endpoint and client material used to refresh
// an oauth_identity's access token.
type OAuthConfig struct {
	Identity     string
	ClientID     string
	ClientSecret string
	TokenURL     string
	Scopes       []string
}

// ProviderConfig is static per-provider data resolved from configuration.
type ProviderConfig struct {
	Key               string
	Kind              string // "anthropic", "openai", "gemini", "openrouter"
	Endpoint          string
	APIKey            string
	APIKeyFallback    bool
	FallbackHTTPCodes map[int]struct{}
	Retry             RetryPolicy
	OAuth             *OAuthConfig // non-nil when the provider declares oauth_identity
}

// WireKind returns the WireFormat this provider's upstream API speaks.
func (p ProviderConfig) WireKind() WireFormat {
	switch p.Kind {
	case "anthropic":
		return AnthropicMessages
	case "gemini":
		return GeminiGenerate
	default: // openai, openrouter
		return OpenAIChat
	}
}

// FallbackOn reports whether the given HTTP status should cause selector-level
// fallback to the next attempt.
func (p ProviderConfig) FallbackOn(status int) bool {
	_, found := p.FallbackHTTPCodes[status]
	return found
}

// --- Credential manager ---

// CredentialEntry holds per-provider, per-identity OAuth material.
type CredentialEntry struct {
	Identity     string    `json:"identity"`
	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token"`
	ExpiresAt    time.Time `json:"expires_at"`
	ProjectID    string    `json:"project_id,omitempty"`
	SourceTag    string    `json:"source_tag,omitempty"`
}

// Expired reports whether the entry is expired given a safety margin.
func (c CredentialEntry) Expired(margin time.Duration) bool {
	return !c.ExpiresAt.After(time.Now().Add(margin))
}

// AuthMaterial is one alternative in a credential plan: either an OAuth
// bearer token or a static API key, already shaped into the header/query
// attachment the provider kind expects.
type AuthMaterial struct {
	Kind       string // "oauth", "api_key"
	Apply      func(header Setter, query map[string][]string)
	RawToken   string // for diagnostics/logging (never logged in full)
}

// Setter is the minimal header-mutation surface AuthMaterial needs; satisfied
// by http.Header.
type Setter interface {
	Set(key, value string)
}

// --- Attempt ---

// Attempt is one resolved dispatch target built fresh per request.
type Attempt struct {
	Selector ModelSelector
	Provider ProviderConfig
	Index    int
}

// ProviderKey is a convenience accessor for the attempt's provider key,
// used in logging and metrics where the full config would be noise.
func (a Attempt) ProviderKey() string { return a.Selector.ProviderKey }

// --- Context keys ---

type contextKey int

const ctxKeyMeta contextKey = 0

// requestMeta bundles per-request values into a single context allocation.
type requestMeta struct {
	RequestID string
}

func metaFromContext(ctx context.Context) *requestMeta {
	m, _ := ctx.Value(ctxKeyMeta).(*requestMeta)
	return m
}

// RequestIDFromContext extracts the request ID from context.
func RequestIDFromContext(ctx context.Context) string {
	if m := metaFromContext(ctx); m != nil {
		return m.RequestID
	}
	return ""
}

// ContextWithRequestID returns a context carrying the given request ID.
func ContextWithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, ctxKeyMeta, &requestMeta{RequestID: id})
}
