package server

import (
	"net/http"
	"strings"

	"github.com/eirproject/eir/internal/config"
	"github.com/eirproject/eir/internal/resilience"
	"github.com/eirproject/eir/pkg/provider/llm"
)

// Header prefixes for per-request provider overrides. Each prefix carries
// -model, -model-provider, -api-key, and -api-base suffixes.
const (
	speakerHeaderPrefix   = "x-speaker"
	executiveHeaderPrefix = "x-executive"
)

// resolveEntry overlays the request's override headers onto the configured
// provider entry. A key from the Authorization header, then the configured
// default key, fills in a missing API key.
func resolveEntry(base config.ProviderEntry, r *http.Request, prefix, defaultKey string) config.ProviderEntry {
	e := base
	if v := r.Header.Get(prefix + "-model"); v != "" {
		e.Model = v
	}
	if v := r.Header.Get(prefix + "-model-provider"); v != "" {
		e.Name = v
	}
	if v := r.Header.Get(prefix + "-api-key"); v != "" {
		e.APIKey = v
	}
	if v := r.Header.Get(prefix + "-api-base"); v != "" {
		e.BaseURL = v
	}
	if e.APIKey == "" {
		e.APIKey = bearerToken(r)
	}
	if e.APIKey == "" {
		e.APIKey = defaultKey
	}
	return e
}

// bearerToken extracts the key from an "Authorization: Bearer <key>" header.
func bearerToken(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	if token, ok := strings.CutPrefix(auth, "Bearer "); ok {
		return strings.TrimSpace(token)
	}
	return ""
}

// buildProvider resolves the per-request entry, instantiates the backend,
// and guards it with a circuit breaker so a flapping upstream fails fast.
func (s *Server) buildProvider(r *http.Request, prefix string, base config.ProviderEntry, defaultKey string) (llm.Provider, config.ProviderEntry, error) {
	entry := resolveEntry(base, r, prefix, defaultKey)
	provider, err := s.registry.CreateLLM(entry)
	if err != nil {
		return nil, entry, err
	}
	guarded := resilience.NewLLMFallback(provider, entry.Name, resilience.FallbackConfig{})
	return guarded, entry, nil
}
