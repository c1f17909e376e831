// Package server is the HTTP surface of the EIR gateway: the
// OpenAI-compatible chat and embeddings endpoints, the debug query
// sub-surface, health probes, a Prometheus scrape endpoint, and an optional
// MCP mount.
package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/eirproject/eir/internal/config"
	"github.com/eirproject/eir/internal/health"
	"github.com/eirproject/eir/internal/knowledge"
	"github.com/eirproject/eir/internal/observe"
	"github.com/eirproject/eir/pkg/graph"
	"github.com/eirproject/eir/pkg/provider/embeddings"
)

// Server wires the gateway's HTTP handlers to the shared backends. It is
// safe for concurrent use; per-request worker state is constructed inside
// the handlers.
type Server struct {
	cfgFn    func() *config.Config
	registry *config.Registry
	store    graph.Store
	embedder embeddings.Provider
	tools    *knowledge.Tools
	log      *slog.Logger
	metrics  *observe.Metrics
	mcp      http.Handler
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(log *slog.Logger) Option {
	return func(s *Server) { s.log = log }
}

// WithMetrics sets the metrics instance. Defaults to observe.DefaultMetrics().
func WithMetrics(m *observe.Metrics) Option {
	return func(s *Server) { s.metrics = m }
}

// MountMCP sets the handler served under /mcp. Call before Router; the MCP
// server is typically built over Tools after the Server exists.
func (s *Server) MountMCP(h http.Handler) {
	s.mcp = h
}

// New creates a Server. cfgFn must return the current configuration; it is
// consulted on every request so config reloads take effect without a
// restart.
func New(cfgFn func() *config.Config, registry *config.Registry, store graph.Store, embedder embeddings.Provider, opts ...Option) (*Server, error) {
	if cfgFn == nil {
		return nil, fmt.Errorf("server: config source must not be nil")
	}
	if registry == nil {
		return nil, fmt.Errorf("server: registry must not be nil")
	}
	s := &Server{
		cfgFn:    cfgFn,
		registry: registry,
		store:    store,
		embedder: embedder,
		log:      slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.metrics == nil {
		s.metrics = observe.DefaultMetrics()
	}

	tools, err := knowledge.NewTools(store, embedder, knowledge.WithLogger(s.log))
	if err != nil {
		return nil, fmt.Errorf("server: build knowledge tools: %w", err)
	}
	s.tools = tools
	return s, nil
}

// Tools exposes the shared knowledge tool dispatcher, primarily so the MCP
// server can be built over the same instance.
func (s *Server) Tools() *knowledge.Tools {
	return s.tools
}

// Router assembles the full route tree.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)
	r.Use(observe.Middleware(s.metrics))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"*"},
		MaxAge:         300,
	}))

	hh := health.New(
		health.Checker{Name: "graph", Check: s.store.Ping},
		health.Checker{Name: "embeddings", Check: s.checkEmbeddings},
	)
	r.Get("/healthz", hh.Healthz)
	r.Get("/readyz", hh.Readyz)
	r.Handle("/metrics", promhttp.Handler())

	r.Post("/v1/chat/completions", s.handleChatCompletions)
	r.Post("/v1/embeddings", s.handleEmbeddings)
	r.Post("/debug/query", s.handleDebugQuery)

	if s.mcp != nil {
		r.Mount("/mcp", s.mcp)
	}
	return r
}

// checkEmbeddings probes the embedding backend with a minimal input. The
// normalized wrapper initialises lazily, so the first probe also validates
// configuration.
func (s *Server) checkEmbeddings(ctx context.Context) error {
	_, err := s.embedder.Embed(ctx, "ping")
	return err
}
