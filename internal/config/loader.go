package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// ValidProviderNames lists known provider names per provider kind.
// Used by [Validate] to warn about unrecognised provider names.
var ValidProviderNames = map[string][]string{
	"llm":        {"openai", "anthropic", "ollama", "gemini", "deepseek", "mistral", "groq", "llamacpp", "llamafile"},
	"embeddings": {"openai", "ollama"},
}

// Load reads the YAML configuration file at path and returns a validated [Config].
// It is a convenience wrapper around [LoadFromReader] and [Validate].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r and validates the result.
// Useful in tests where configs are constructed from string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if cfg.Server.TLS != nil {
		if cfg.Server.TLS.CertFile == "" || cfg.Server.TLS.KeyFile == "" {
			errs = append(errs, errors.New("server.tls requires both cert_file and key_file"))
		}
	}

	// Provider name validation — warn for unknown provider names.
	validateProviderName("llm", cfg.Providers.Speaker.Name)
	validateProviderName("llm", cfg.Providers.Executive.Name)
	validateProviderName("embeddings", cfg.Providers.Embeddings.Name)

	// Graph
	if cfg.Graph.EmbeddingDimensions < 0 {
		errs = append(errs, fmt.Errorf("graph.embedding_dimensions %d must be positive", cfg.Graph.EmbeddingDimensions))
	}
	if cfg.Graph.URL == "" {
		slog.Warn("graph.url is empty; the knowledge graph will not be available")
	}

	// Orchestrator
	if cfg.Orchestrator.ReevalStride < 0 {
		errs = append(errs, fmt.Errorf("orchestrator.reeval_stride %d must not be negative", cfg.Orchestrator.ReevalStride))
	}
	if cfg.Orchestrator.RequestTimeout != "" {
		if d, err := time.ParseDuration(cfg.Orchestrator.RequestTimeout); err != nil {
			errs = append(errs, fmt.Errorf("orchestrator.request_timeout %q is not a duration: %v", cfg.Orchestrator.RequestTimeout, err))
		} else if d <= 0 {
			errs = append(errs, fmt.Errorf("orchestrator.request_timeout %q must be positive", cfg.Orchestrator.RequestTimeout))
		}
	}

	return errors.Join(errs...)
}

// envOverrides maps environment variables to the config fields they set.
var envOverrides = []struct {
	name  string
	apply func(cfg *Config, value string) error
}{
	{"SPEAKER_MODEL", func(c *Config, v string) error { c.Providers.Speaker.Model = v; return nil }},
	{"EXECUTIVE_MODEL", func(c *Config, v string) error { c.Providers.Executive.Model = v; return nil }},
	{"EMBEDDING_MODEL", func(c *Config, v string) error { c.Providers.Embeddings.Model = v; return nil }},
	{"EMBEDDING_DIMENSION", func(c *Config, v string) error {
		d, err := strconv.Atoi(v)
		if err != nil || d <= 0 {
			return fmt.Errorf("EMBEDDING_DIMENSION %q is not a positive integer", v)
		}
		c.Graph.EmbeddingDimensions = d
		return nil
	}},
	{"NEO4J_URL", func(c *Config, v string) error { c.Graph.URL = v; return nil }},
	{"NEO4J_USER", func(c *Config, v string) error { c.Graph.User = v; return nil }},
	{"NEO4J_PASSWORD", func(c *Config, v string) error { c.Graph.Password = v; return nil }},
	{"DEFAULT_API_KEY", func(c *Config, v string) error { c.Providers.DefaultAPIKey = v; return nil }},
	{"DEBUG", func(c *Config, v string) error {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("DEBUG %q is not a boolean", v)
		}
		c.Server.Debug = b
		return nil
	}},
	{"REEVAL_STRIDE", func(c *Config, v string) error {
		s, err := strconv.Atoi(v)
		if err != nil || s <= 0 {
			return fmt.Errorf("REEVAL_STRIDE %q is not a positive integer", v)
		}
		c.Orchestrator.ReevalStride = s
		return nil
	}},
	{"REQUEST_TIMEOUT", func(c *Config, v string) error {
		if _, err := time.ParseDuration(v); err != nil {
			return fmt.Errorf("REQUEST_TIMEOUT %q is not a duration: %v", v, err)
		}
		c.Orchestrator.RequestTimeout = v
		return nil
	}},
	{"EIR_LISTEN_ADDR", func(c *Config, v string) error { c.Server.ListenAddr = v; return nil }},
	{"EIR_LOG_LEVEL", func(c *Config, v string) error {
		l := LogLevel(v)
		if !l.IsValid() {
			return fmt.Errorf("EIR_LOG_LEVEL %q is invalid; valid values: debug, info, warn, error", v)
		}
		c.Server.LogLevel = l
		return nil
	}},
}

// ApplyEnv overlays recognised environment variables onto cfg and fills each
// provider entry's missing API key from the default key. Unset variables
// leave the file values untouched.
func ApplyEnv(cfg *Config) error {
	var errs []error
	for _, o := range envOverrides {
		v, ok := os.LookupEnv(o.name)
		if !ok || v == "" {
			continue
		}
		if err := o.apply(cfg, v); err != nil {
			errs = append(errs, err)
		}
	}

	if key := cfg.Providers.DefaultAPIKey; key != "" {
		for _, entry := range []*ProviderEntry{
			&cfg.Providers.Speaker, &cfg.Providers.Executive, &cfg.Providers.Embeddings,
		} {
			if entry.APIKey == "" {
				entry.APIKey = key
			}
		}
	}
	return errors.Join(errs...)
}

// validateProviderName logs a warning if name is non-empty and not found in
// the [ValidProviderNames] list for the given kind.
func validateProviderName(kind, name string) {
	if name == "" {
		return
	}
	known, ok := ValidProviderNames[kind]
	if !ok {
		return
	}
	if slices.Contains(known, name) {
		return
	}
	slog.Warn("unknown provider name — may be a typo or third-party provider",
		"kind", kind,
		"name", name,
		"known", known,
	)
}
