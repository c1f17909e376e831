// Package config provides the configuration schema, loader, and provider
// registry for the EIR gateway.
package config

import "time"

// LogLevel controls log verbosity for the EIR server.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// Config is the root configuration structure for EIR.
// It is typically loaded from a YAML file using [Load] or [LoadFromReader],
// then overlaid with environment variables via [ApplyEnv].
type Config struct {
	Server       ServerConfig       `yaml:"server"`
	Providers    ProvidersConfig    `yaml:"providers"`
	Graph        GraphConfig        `yaml:"graph"`
	Orchestrator OrchestratorConfig `yaml:"orchestrator"`
}

// ServerConfig holds network and logging settings for the EIR server.
type ServerConfig struct {
	// ListenAddr is the TCP address the server listens on (e.g., ":8080").
	ListenAddr string `yaml:"listen_addr"`

	// LogLevel controls verbosity.
	LogLevel LogLevel `yaml:"log_level"`

	// Debug enables the /debug query sub-surface and verbose request logging.
	Debug bool `yaml:"debug"`

	// TLS configures TLS for the server. When nil, the server runs plain HTTP.
	TLS *TLSConfig `yaml:"tls"`
}

// TLSConfig holds TLS certificate paths for enabling HTTPS.
type TLSConfig struct {
	// CertFile is the path to the PEM-encoded TLS certificate.
	CertFile string `yaml:"cert_file"`

	// KeyFile is the path to the PEM-encoded TLS private key.
	KeyFile string `yaml:"key_file"`
}

// ProvidersConfig declares the three model backends: the speaker that
// streams answers, the executive that evaluates them, and the embedding
// model behind the knowledge graph.
type ProvidersConfig struct {
	Speaker    ProviderEntry `yaml:"speaker"`
	Executive  ProviderEntry `yaml:"executive"`
	Embeddings ProviderEntry `yaml:"embeddings"`

	// DefaultAPIKey is used for any provider entry without its own key, and
	// as the upstream key for requests arriving without Authorization.
	DefaultAPIKey string `yaml:"default_api_key"`
}

// ProviderEntry is the common configuration block shared by all provider
// types. The Name field is used to look up the constructor in the [Registry].
type ProviderEntry struct {
	// Name selects the registered provider implementation (e.g., "openai", "ollama").
	Name string `yaml:"name"`

	// APIKey is the authentication key for the provider's API if any.
	APIKey string `yaml:"api_key"`

	// BaseURL overrides the provider's default API endpoint.
	// Leave empty to use the provider's built-in default.
	BaseURL string `yaml:"base_url"`

	// Model selects a specific model within the provider (e.g., "gpt-4o").
	Model string `yaml:"model"`

	// Options holds provider-specific configuration values not covered by the
	// standard fields above. Values may be strings, numbers, booleans, or nested maps.
	Options map[string]any `yaml:"options"`
}

// GraphConfig holds the Neo4j connection settings and the embedding
// dimension the schema is created with.
type GraphConfig struct {
	// URL is the bolt endpoint, e.g. "bolt://localhost:7687".
	URL string `yaml:"url"`

	// User and Password authenticate against the server.
	User     string `yaml:"user"`
	Password string `yaml:"password"`

	// Database selects a named database. Empty uses the server default.
	Database string `yaml:"database"`

	// EmbeddingDimensions is the vector dimension used for the embedding
	// property and the vector indexes. Must match the embedding model's
	// output, or vectors are truncated or padded to fit.
	EmbeddingDimensions int `yaml:"embedding_dimensions"`
}

// OrchestratorConfig tunes the dual-worker loop.
type OrchestratorConfig struct {
	// ReevalStride is the number of newly streamed characters that triggers
	// a fresh executive evaluation.
	ReevalStride int `yaml:"reeval_stride"`

	// RequestTimeout bounds one chat request end to end, expressed as a Go
	// duration string (e.g. "120s").
	RequestTimeout string `yaml:"request_timeout"`
}

// RequestTimeoutDuration parses the request timeout, returning fallback for
// an empty or invalid value.
func (o OrchestratorConfig) RequestTimeoutDuration(fallback time.Duration) time.Duration {
	if o.RequestTimeout == "" {
		return fallback
	}
	d, err := time.ParseDuration(o.RequestTimeout)
	if err != nil || d <= 0 {
		return fallback
	}
	return d
}

// Default returns the configuration used when no config file is present.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			ListenAddr: ":8080",
			LogLevel:   LogInfo,
		},
		Providers: ProvidersConfig{
			Speaker:    ProviderEntry{Name: "openai", Model: "gpt-4o"},
			Executive:  ProviderEntry{Name: "openai", Model: "gpt-4o-mini"},
			Embeddings: ProviderEntry{Name: "openai", Model: "text-embedding-3-small"},
		},
		Graph: GraphConfig{
			URL:                 "bolt://localhost:7687",
			User:                "neo4j",
			EmbeddingDimensions: 768,
		},
		Orchestrator: OrchestratorConfig{
			ReevalStride:   100,
			RequestTimeout: "120s",
		},
	}
}
