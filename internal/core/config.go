package core

import (
	"fmt"
	"nxcache/internal/auth"
	"nxcache/internal/storage"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
)

const DefaultPort = 3000

type Config struct {
	Port  int
	Debug bool

	Engine        storage.Storage
	Tokens        *auth.TokenRegistry
	Authenticator auth.AuthEngine

	// ExposeMetrics serves the Prometheus registry on GET /metrics.
	ExposeMetrics bool
	Registry      *prometheus.Registry
}

type ConfigOption func(*Config)

func WithStorageEngine(engine storage.Storage) ConfigOption {
	return func(cfg *Config) {
		cfg.Engine = engine
	}
}

func WithTokens(tokens *auth.TokenRegistry) ConfigOption {
	return func(cfg *Config) {
		cfg.Tokens = tokens
	}
}

func WithAuthEngine(authenticator auth.AuthEngine) ConfigOption {
	return func(cfg *Config) {
		cfg.Authenticator = authenticator
	}
}

func WithPort(port int) ConfigOption {
	return func(cfg *Config) {
		cfg.Port = port
	}
}

func WithDebug(debug bool) ConfigOption {
	return func(cfg *Config) {
		cfg.Debug = debug
	}
}

func WithMetrics(registry *prometheus.Registry, expose bool) ConfigOption {
	return func(cfg *Config) {
		cfg.Registry = registry
		cfg.ExposeMetrics = expose
	}
}

func NewConfig(opts ...ConfigOption) Config {
	cfg := Config{Port: DefaultPort}
	for _, opt := range opts {
		opt(&cfg)
	}
	return cfg
}

// ConfigError reports a missing or invalid configuration value together with
// instructions on how to provide it.
type ConfigError struct {
	Field   string
	Missing bool
	Reason  string
	Hint    []string
}

func MissingField(field string, hint ...string) *ConfigError {
	return &ConfigError{Field: field, Missing: true, Hint: hint}
}

func InvalidField(field string, reason string, hint ...string) *ConfigError {
	return &ConfigError{Field: field, Reason: reason, Hint: hint}
}

func (e *ConfigError) Error() string {
	var b strings.Builder
	if e.Missing {
		fmt.Fprintf(&b, "configuration error: missing required field %s", e.Field)
	} else {
		fmt.Fprintf(&b, "configuration error: invalid %s: %s", e.Field, e.Reason)
	}
	for _, line := range e.Hint {
		b.WriteString("\n  ")
		b.WriteString(line)
	}
	return b.String()
}

// Validate checks the server-level settings.
func (c Config) Validate() error {
	if c.Port <= 0 || c.Port > 65535 {
		return InvalidField("PORT", "port must be between 1 and 65535")
	}
	if c.Engine == nil {
		return MissingField("storage engine")
	}
	if c.Tokens == nil && c.Authenticator == nil {
		return MissingField("SERVICE_ACCESS_TOKEN",
			"Service access tokens are required for client authentication.",
			"Provide them via --service-access-token or the SERVICE_ACCESS_TOKEN environment variable,",
			"as a comma-separated list of name:secret or bare secret entries.",
		)
	}
	return nil
}
