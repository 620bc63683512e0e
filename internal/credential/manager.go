// Package credential implements the credential manager (C4): resolving a
// provider's ordered authentication alternatives, refreshing OAuth tokens
// ahead of expiry, and coalescing concurrent refreshes for the same
// identity.
package credential

import (
	"context"
	"fmt"
	"time"

	"github.com/maypok86/otter/v2"
	"golang.org/x/oauth2"
	"golang.org/x/sync/singleflight"

	gateway "github.com/eugener/prism/internal"
	"github.com/eugener/prism/internal/telemetry"
)

// refreshMargin is how far ahead of actual expiry a cached token is treated
// as expired, giving the in-flight request room to complete before the
// upstream provider itself rejects it.
const refreshMargin = 10 * time.Minute

// Anthropic requires both a version header on every call and, on the OAuth
// path specifically, a beta flag plus a user-identification header -- a
// plain API key never triggers the latter two.
const (
	anthropicVersion   = "2023-06-01"
	anthropicOAuthBeta = "oauth-2025-04-20"
)

// Manager resolves and refreshes credentials for configured providers.
// The in-memory cache is an otter-backed cache holding oauth2.Token values
// keyed by OAuth identity; a golang.org/x/sync/singleflight group coalesces
// concurrent refreshes for the same identity into a single exchange call.
type Manager struct {
	providers map[string]gateway.ProviderConfig
	cache     *otter.Cache[string, oauth2.Token]
	group     singleflight.Group
	store     *Store
	exchange  func(ctx context.Context, cfg gateway.OAuthConfig, current *CredentialState) (oauth2.Token, error)
	metrics   *telemetry.Metrics
}

// SetMetrics attaches a Prometheus metrics sink, wiring
// CredentialRefreshTotal into subsequent refreshes. Called after NewManager
// because telemetry setup happens later in startup; nil is a valid no-op
// value and leaves refreshes unobserved.
func (m *Manager) SetMetrics(metrics *telemetry.Metrics) {
	m.metrics = metrics
}

// CredentialState is the persisted state for one OAuth identity, loaded
// from the Store at startup and updated after every successful refresh.
type CredentialState struct {
	Identity     string
	RefreshToken string
	ProjectID    string
}

// NewManager builds a Manager over the given provider configs and a backing
// Store for refresh-token persistence.
func NewManager(providers map[string]gateway.ProviderConfig, store *Store, exchange func(context.Context, gateway.OAuthConfig, *CredentialState) (oauth2.Token, error)) (*Manager, error) {
	cache, err := otter.New[string, oauth2.Token](&otter.Options[string, oauth2.Token]{
		MaximumSize: 256,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: create credential cache: %v", gateway.ErrInternal, err)
	}
	return &Manager{providers: providers, cache: cache, store: store, exchange: exchange}, nil
}

// Plan returns the ordered list of authentication alternatives for a
// provider, per spec §4.4's resolution order: OAuth bearer first (if
// configured), then the static API key, which is included when
// api_key_fallback is set or the provider has no working OAuth alternative.
func (m *Manager) Plan(ctx context.Context, providerKey string) ([]gateway.AuthMaterial, error) {
	cfg, ok := m.providers[providerKey]
	if !ok {
		return nil, fmt.Errorf("%w: unknown provider %q", gateway.ErrAuth, providerKey)
	}

	var plan []gateway.AuthMaterial
	oauthTried := false
	if cfg.OAuth != nil {
		mat, err := m.oauthMaterial(ctx, cfg)
		if err == nil {
			plan = append(plan, mat)
			oauthTried = true
		} else if !cfg.APIKeyFallback {
			// No fallback configured: the OAuth failure is the whole story.
			return nil, err
		}
	}
	// Per spec §4.4: the API-key alternative is appended when the provider
	// opts into it explicitly, or when there is no OAuth identity to try
	// in the first place.
	if cfg.APIKey != "" && (cfg.APIKeyFallback || !oauthTried) {
		plan = append(plan, apiKeyMaterial(cfg, cfg.APIKey))
	}
	if len(plan) == 0 {
		return nil, fmt.Errorf("%w: provider %q has no configured credentials", gateway.ErrAuth, providerKey)
	}
	return plan, nil
}

// apiKeyMaterial builds the static-key alternative per the provider-kind
// header table in spec.md §4.4: Anthropic carries its key in x-api-key
// plus the mandatory version header; Gemini carries its key as a "?key="
// query parameter rather than a header; everything else uses a bearer
// Authorization header.
func apiKeyMaterial(cfg gateway.ProviderConfig, key string) gateway.AuthMaterial {
	if cfg.Kind == "gemini" {
		return gateway.AuthMaterial{
			Kind:     "api_key",
			RawToken: key,
			Apply: func(_ gateway.Setter, query map[string][]string) {
				query["key"] = []string{key}
			},
		}
	}
	header, prefix := authHeaderForKind(cfg.Kind)
	return gateway.AuthMaterial{
		Kind:     "api_key",
		RawToken: key,
		Apply: func(s gateway.Setter, _ map[string][]string) {
			s.Set(header, prefix+key)
			if cfg.Kind == "anthropic" {
				s.Set("anthropic-version", anthropicVersion)
			}
		},
	}
}

func authHeaderForKind(kind string) (header, prefix string) {
	switch kind {
	case "anthropic":
		return "x-api-key", ""
	default:
		return "Authorization", "Bearer "
	}
}

// oauthMaterial returns a bearer-token AuthMaterial backed by a cached,
// single-flight-coalesced token for cfg's oauth_identity, with the
// provider-kind-specific headers spec.md §4.4 requires on the OAuth path:
// Anthropic's anthropic-version/anthropic-beta/user-identification trio,
// Gemini's x-goog-user-project when a project id is on record.
func (m *Manager) oauthMaterial(ctx context.Context, cfg gateway.ProviderConfig) (gateway.AuthMaterial, error) {
	oauthCfg := *cfg.OAuth
	tok, err := m.token(ctx, oauthCfg)
	if err != nil {
		return gateway.AuthMaterial{}, err
	}
	var projectID string
	if state := m.store.Load(oauthCfg.Identity); state != nil {
		projectID = state.ProjectID
	}
	return gateway.AuthMaterial{
		Kind:     "oauth",
		RawToken: tok.AccessToken,
		Apply: func(s gateway.Setter, _ map[string][]string) {
			s.Set("Authorization", "Bearer "+tok.AccessToken)
			switch cfg.Kind {
			case "anthropic":
				s.Set("anthropic-version", anthropicVersion)
				s.Set("anthropic-beta", anthropicOAuthBeta)
				s.Set("anthropic-oauth-user-id", oauthCfg.Identity)
			case "gemini":
				if projectID != "" {
					s.Set("x-goog-user-project", projectID)
				}
			}
		},
	}, nil
}

// token returns a live access token for identity, refreshing it if the
// cached one is within refreshMargin of expiry. Concurrent callers for the
// same identity share a single in-flight refresh via singleflight.
func (m *Manager) token(ctx context.Context, cfg gateway.OAuthConfig) (oauth2.Token, error) {
	if cached, ok := m.cache.GetIfPresent(cfg.Identity); ok && !tokenExpired(cached, refreshMargin) {
		return cached, nil
	}

	v, err, _ := m.group.Do(cfg.Identity, func() (any, error) {
		if cached, ok := m.cache.GetIfPresent(cfg.Identity); ok && !tokenExpired(cached, refreshMargin) {
			return cached, nil
		}
		state := m.store.Load(cfg.Identity)
		tok, err := m.exchange(ctx, cfg, state)
		if err != nil {
			m.recordRefresh(cfg.Identity, "error")
			return oauth2.Token{}, fmt.Errorf("%w: refresh %s: %v", gateway.ErrAuth, cfg.Identity, err)
		}
		m.cache.Set(cfg.Identity, tok)
		if tok.RefreshToken != "" {
			projectID := ""
			if state != nil {
				projectID = state.ProjectID
			}
			if err := m.store.Save(CredentialState{Identity: cfg.Identity, RefreshToken: tok.RefreshToken, ProjectID: projectID}); err != nil {
				m.recordRefresh(cfg.Identity, "error")
				return oauth2.Token{}, fmt.Errorf("%w: persist refresh token for %s: %v", gateway.ErrInternal, cfg.Identity, err)
			}
		}
		m.recordRefresh(cfg.Identity, "success")
		return tok, nil
	})
	if err != nil {
		return oauth2.Token{}, err
	}
	return v.(oauth2.Token), nil
}

func (m *Manager) recordRefresh(identity, outcome string) {
	if m.metrics != nil {
		m.metrics.CredentialRefreshTotal.WithLabelValues(identity, outcome).Inc()
	}
}

func tokenExpired(tok oauth2.Token, margin time.Duration) bool {
	if tok.Expiry.IsZero() {
		return false
	}
	return time.Now().Add(margin).After(tok.Expiry)
}
