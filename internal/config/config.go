// Package config handles YAML configuration loading, environment-variable
// expansion, and validation for the prism proxy.
package config

import (
	"fmt"
	"os"
	"regexp"
	"time"

	"go.yaml.in/yaml/v3"

	gateway "github.com/eugener/prism/internal"
)

// Config is the top-level proxy configuration.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Routing   RoutingConfig   `yaml:"routing"`
	Providers map[string]ProviderEntry `yaml:"providers"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
}

// ServerConfig holds the ingress HTTP server's bind address and logging
// verbosity.
type ServerConfig struct {
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	LogLevel        string        `yaml:"log_level"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// Addr returns the host:port the server should bind to.
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// TelemetryConfig controls the ambient observability stack.
type TelemetryConfig struct {
	Metrics MetricsConfig `yaml:"metrics"`
	Tracing TracingConfig `yaml:"tracing"`
}

// MetricsConfig controls the /metrics Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool `yaml:"enabled"`
}

// TracingConfig controls OpenTelemetry span export.
type TracingConfig struct {
	Enabled    bool    `yaml:"enabled"`
	Endpoint   string  `yaml:"endpoint"`
	SampleRate float64 `yaml:"sample_rate"`
}

// RoutingConfig holds the alias -> selector(s) routing table, keyed by
// `routing.models`.
type RoutingConfig struct {
	Models map[string]RouteTargets `yaml:"models"`
}

// RouteTargets is either a single selector string or an ordered list of
// selector strings in the YAML source; it always normalizes to a slice.
type RouteTargets []string

// UnmarshalYAML accepts both `alias: provider/model` and
// `alias: [provider/model, provider/fallback]` forms.
func (t *RouteTargets) UnmarshalYAML(value *yaml.Node) error {
	var single string
	if err := value.Decode(&single); err == nil {
		*t = RouteTargets{single}
		return nil
	}
	var list []string
	if err := value.Decode(&list); err != nil {
		return fmt.Errorf("routing target must be a string or list of strings: %w", err)
	}
	*t = RouteTargets(list)
	return nil
}

// ProviderEntry is one `providers.<key>` block.
type ProviderEntry struct {
	Kind              string      `yaml:"kind"`
	Endpoint          string      `yaml:"endpoint"`
	APIKey            string      `yaml:"api_key"`
	APIKeyFallback    bool        `yaml:"api_key_fallback"`
	FallbackOnErrors  []int       `yaml:"fallback_on_errors"`
	OAuth             *OAuthEntry `yaml:"oauth"`
	Retry             *RetryEntry `yaml:"retry"`
}

// OAuthEntry names the token endpoint and client material used to refresh
// an oauth_identity's access token.
type OAuthEntry struct {
	Identity         string   `yaml:"identity"`
	ClientID         string   `yaml:"client_id"`
	ClientSecret     string   `yaml:"client_secret"`
	TokenURL         string   `yaml:"token_url"`
	Scopes           []string `yaml:"scopes"`
	CollaboratorFile string   `yaml:"collaborator_file"`
}

// RetryEntry overrides the default retry policy for one provider.
type RetryEntry struct {
	MaxAttempts    int           `yaml:"max_attempts"`
	InitialBackoff time.Duration `yaml:"initial_backoff"`
	MaxBackoff     time.Duration `yaml:"max_backoff"`
	Multiplier     float64       `yaml:"multiplier"`
}

var envPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// expandEnv replaces ${VAR} patterns with environment variable values,
// leaving the literal text in place when the variable is unset.
func expandEnv(data []byte) []byte {
	return envPattern.ReplaceAllFunc(data, func(match []byte) []byte {
		varName := string(match[2 : len(match)-1])
		if val, ok := os.LookupEnv(varName); ok {
			return []byte(val)
		}
		return match
	})
}

// Load reads and parses a YAML config file, expanding ${ENV_VAR} references
// and pre-populating defaults so a zero-value (or near-empty) file still
// boots.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	data = expandEnv(data)

	cfg := &Config{
		Server: ServerConfig{
			Host:            "127.0.0.1",
			Port:            8317,
			LogLevel:        "info",
			ReadTimeout:     30 * time.Second,
			ShutdownTimeout: 10 * time.Second,
		},
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	return cfg, nil
}

// BuildProviders converts the loaded provider entries into the
// gateway.ProviderConfig map the routing table and orchestrator operate
// over, applying the default retry policy and fallback-code set where the
// config is silent.
func BuildProviders(entries map[string]ProviderEntry) (map[string]gateway.ProviderConfig, error) {
	out := make(map[string]gateway.ProviderConfig, len(entries))
	for key, e := range entries {
		if e.Kind == "" {
			return nil, fmt.Errorf("%w: provider %q is missing kind", gateway.ErrRoute, key)
		}
		if e.Endpoint == "" {
			return nil, fmt.Errorf("%w: provider %q is missing endpoint", gateway.ErrRoute, key)
		}

		fallback := map[int]struct{}{}
		if len(e.FallbackOnErrors) == 0 {
			fallback[429] = struct{}{}
		} else {
			for _, code := range e.FallbackOnErrors {
				fallback[code] = struct{}{}
			}
		}

		retry := gateway.DefaultRetryPolicy()
		if e.Retry != nil {
			if e.Retry.MaxAttempts > 0 {
				retry.MaxAttempts = e.Retry.MaxAttempts
			}
			if e.Retry.InitialBackoff > 0 {
				retry.InitialBackoff = e.Retry.InitialBackoff
			}
			if e.Retry.MaxBackoff > 0 {
				retry.MaxBackoff = e.Retry.MaxBackoff
			}
			if e.Retry.Multiplier > 0 {
				retry.Multiplier = e.Retry.Multiplier
			}
		}

		var oauth *gateway.OAuthConfig
		if e.OAuth != nil {
			identity := e.OAuth.Identity
			if identity == "" {
				identity = key
			}
			oauth = &gateway.OAuthConfig{
				Identity:     identity,
				ClientID:     e.OAuth.ClientID,
				ClientSecret: e.OAuth.ClientSecret,
				TokenURL:     e.OAuth.TokenURL,
				Scopes:       e.OAuth.Scopes,
			}
		}

		out[key] = gateway.ProviderConfig{
			Key:               key,
			Kind:              e.Kind,
			Endpoint:          e.Endpoint,
			APIKey:            e.APIKey,
			APIKeyFallback:    e.APIKeyFallback,
			FallbackHTTPCodes: fallback,
			Retry:             retry,
			OAuth:             oauth,
		}
	}
	return out, nil
}

// BuildRoutes converts the loaded routing.models map into the ordered
// []gateway.RouteEntry list routing.NewTable validates and compiles.
func BuildRoutes(models map[string]RouteTargets) []gateway.RouteEntry {
	out := make([]gateway.RouteEntry, 0, len(models))
	for alias, targets := range models {
		out = append(out, gateway.RouteEntry{Alias: alias, Targets: []string(targets)})
	}
	return out
}
