package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, yaml string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "test.yaml")
	require.NoError(t, os.WriteFile(path, []byte(yaml), 0o644))
	return path
}

func TestLoad(t *testing.T) {
	t.Parallel()

	yaml := `
server:
  host: 0.0.0.0
  port: 9090
  read_timeout: 10s
providers:
  openai:
    kind: openai
    endpoint: https://api.openai.com/v1/chat/completions
    api_key: sk-test
routing:
  models:
    fast: openai/gpt-4o
`
	cfg, err := Load(writeConfig(t, yaml))
	require.NoError(t, err)

	assert.Equal(t, "0.0.0.0:9090", cfg.Server.Addr())
	require.Len(t, cfg.Providers, 1)
	assert.Equal(t, "openai", cfg.Providers["openai"].Kind)
	assert.Equal(t, "sk-test", cfg.Providers["openai"].APIKey)
	require.Len(t, cfg.Routing.Models, 1)
	assert.Equal(t, []string{"openai/gpt-4o"}, []string(cfg.Routing.Models["fast"]))
}

func TestLoadDefaults(t *testing.T) {
	t.Parallel()

	cfg, err := Load(writeConfig(t, `{}`))
	require.NoError(t, err)

	assert.Equal(t, "127.0.0.1:8317", cfg.Server.Addr())
	assert.Equal(t, "info", cfg.Server.LogLevel)
}

func TestRouteTargetsUnmarshalListForm(t *testing.T) {
	t.Parallel()

	yaml := `
routing:
  models:
    fast:
      - openai/gpt-4o
      - anthropic/claude-3-5-sonnet
`
	cfg, err := Load(writeConfig(t, yaml))
	require.NoError(t, err)
	assert.Equal(t, []string{"openai/gpt-4o", "anthropic/claude-3-5-sonnet"}, []string(cfg.Routing.Models["fast"]))
}

func TestExpandEnv(t *testing.T) {
	t.Setenv("TEST_API_KEY", "sk-secret-123")

	result := expandEnv([]byte("key: ${TEST_API_KEY}"))
	assert.Equal(t, "key: sk-secret-123", string(result))

	// An unset variable is left as literal text rather than blanked out.
	result = expandEnv([]byte("key: ${NEVER_SET_IN_THIS_TEST}"))
	assert.Equal(t, "key: ${NEVER_SET_IN_THIS_TEST}", string(result))
}

func TestExpandEnvInConfigFile(t *testing.T) {
	t.Setenv("TEST_API_KEY", "sk-secret-123")

	yaml := `
providers:
  openai:
    kind: openai
    endpoint: https://api.openai.com/v1/chat/completions
    api_key: ${TEST_API_KEY}
`
	cfg, err := Load(writeConfig(t, yaml))
	require.NoError(t, err)
	assert.Equal(t, "sk-secret-123", cfg.Providers["openai"].APIKey)
}

func TestBuildProvidersDefaultsFallbackCode(t *testing.T) {
	t.Parallel()

	providers, err := BuildProviders(map[string]ProviderEntry{
		"openai": {Kind: "openai", Endpoint: "https://api.openai.com/v1/chat/completions", APIKey: "sk-test"},
	})
	require.NoError(t, err)
	assert.True(t, providers["openai"].FallbackOn(429))
	assert.False(t, providers["openai"].FallbackOn(500))
}

func TestBuildProvidersMissingFieldsError(t *testing.T) {
	t.Parallel()

	_, err := BuildProviders(map[string]ProviderEntry{"openai": {}})
	require.Error(t, err)
}

func TestBuildProvidersOAuthIdentityDefaultsToKey(t *testing.T) {
	t.Parallel()

	providers, err := BuildProviders(map[string]ProviderEntry{
		"anthropic": {
			Kind:     "anthropic",
			Endpoint: "https://api.anthropic.com/v1/messages",
			OAuth:    &OAuthEntry{TokenURL: "https://example.invalid/token"},
		},
	})
	require.NoError(t, err)
	require.NotNil(t, providers["anthropic"].OAuth)
	assert.Equal(t, "anthropic", providers["anthropic"].OAuth.Identity)
}

func TestBuildRoutes(t *testing.T) {
	t.Parallel()

	routes := BuildRoutes(map[string]RouteTargets{"fast": {"openai/gpt-4o"}})
	require.Len(t, routes, 1)
	assert.Equal(t, "fast", routes[0].Alias)
	assert.Equal(t, []string{"openai/gpt-4o"}, routes[0].Targets)
}
