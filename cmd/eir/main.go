// Command eir is the main entry point for the EIR gateway server.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	anyllmlib "github.com/mozilla-ai/any-llm-go"

	"github.com/eirproject/eir/internal/config"
	"github.com/eirproject/eir/internal/mcp"
	"github.com/eirproject/eir/internal/observe"
	"github.com/eirproject/eir/internal/resilience"
	"github.com/eirproject/eir/internal/server"
	graphneo4j "github.com/eirproject/eir/pkg/graph/neo4j"
	"github.com/eirproject/eir/pkg/provider/embeddings"
	ollamaembed "github.com/eirproject/eir/pkg/provider/embeddings/ollama"
	oaembed "github.com/eirproject/eir/pkg/provider/embeddings/openai"
	"github.com/eirproject/eir/pkg/provider/llm"
	"github.com/eirproject/eir/pkg/provider/llm/anyllm"
	oallm "github.com/eirproject/eir/pkg/provider/llm/openai"
)

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	flag.Parse()

	// ── Load configuration ────────────────────────────────────────────────────
	// A missing file is not fatal: environment variables alone can configure a
	// deployment.
	cfg, err := config.Load(*configPath)
	fileConfig := true
	switch {
	case errors.Is(err, os.ErrNotExist):
		cfg = config.Default()
		fileConfig = false
	case err != nil:
		fmt.Fprintf(os.Stderr, "eir: %v\n", err)
		return 1
	}
	if err := config.ApplyEnv(cfg); err != nil {
		fmt.Fprintf(os.Stderr, "eir: %v\n", err)
		return 1
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	// The level lives in a LevelVar so config reloads can retarget it without
	// swapping handlers.
	level := new(slog.LevelVar)
	level.Set(slogLevel(cfg.Server.LogLevel))
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	slog.Info("eir starting",
		"config", *configPath,
		"listen_addr", cfg.Server.ListenAddr,
		"log_level", cfg.Server.LogLevel,
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Telemetry ─────────────────────────────────────────────────────────────
	otelShutdown, err := observe.InitProvider(ctx, observe.ProviderConfig{
		ServiceName:    "eir",
		ServiceVersion: version,
	})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := otelShutdown(shutdownCtx); err != nil {
			slog.Warn("telemetry shutdown error", "err", err)
		}
	}()

	// ── Provider registry ─────────────────────────────────────────────────────
	reg := config.NewRegistry()
	registerBuiltinProviders(reg, cfg.Graph.EmbeddingDimensions)

	// ── Knowledge graph ───────────────────────────────────────────────────────
	var storeOpts []graphneo4j.Option
	if cfg.Graph.Database != "" {
		storeOpts = append(storeOpts, graphneo4j.WithDatabase(cfg.Graph.Database))
	}
	storeOpts = append(storeOpts, graphneo4j.WithLogger(logger))

	store, err := graphneo4j.New(ctx, cfg.Graph.URL, cfg.Graph.User, cfg.Graph.Password,
		cfg.Graph.EmbeddingDimensions, storeOpts...)
	if err != nil {
		slog.Error("failed to connect to graph", "url", cfg.Graph.URL, "err", err)
		return 1
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := store.Close(closeCtx); err != nil {
			slog.Warn("graph close error", "err", err)
		}
	}()

	if err := store.SchemaInit(ctx); err != nil {
		slog.Error("failed to initialise graph schema", "err", err)
		return 1
	}
	slog.Info("graph schema ready", "dimensions", cfg.Graph.EmbeddingDimensions)

	// A tripped breaker turns a dead backend into fast ErrBackend failures
	// instead of per-request driver timeouts.
	guardedStore := resilience.NewGraphGuard(store, resilience.CircuitBreakerConfig{Name: "neo4j"})

	// ── Embedding provider ────────────────────────────────────────────────────
	embedder, err := reg.CreateEmbeddings(cfg.Providers.Embeddings)
	if err != nil {
		slog.Error("failed to create embeddings provider",
			"name", cfg.Providers.Embeddings.Name, "err", err)
		return 1
	}

	// ── Config hot reload ─────────────────────────────────────────────────────
	cfgFn := func() *config.Config { return cfg }
	var watcher *config.Watcher
	if fileConfig {
		watcher, err = config.NewWatcher(*configPath, func(old, new *config.Config) {
			if err := config.ApplyEnv(new); err != nil {
				slog.Warn("config reload: env overlay failed", "err", err)
			}
			applyDiff(config.Diff(old, new), level)
		})
		if err != nil {
			slog.Error("failed to start config watcher", "err", err)
			return 1
		}
		defer watcher.Stop()
		cfgFn = watcher.Current
	}

	// ── HTTP server ───────────────────────────────────────────────────────────
	srv, err := server.New(cfgFn, reg, guardedStore, embedder, server.WithLogger(logger))
	if err != nil {
		slog.Error("failed to build server", "err", err)
		return 1
	}
	srv.MountMCP(mcp.NewHTTPHandler(mcp.NewServer(srv.Tools())))

	printStartupSummary(cfg)

	httpSrv := &http.Server{
		Addr:              cfg.Server.ListenAddr,
		Handler:           srv.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		var err error
		if tls := cfg.Server.TLS; tls != nil {
			err = httpSrv.ListenAndServeTLS(tls.CertFile, tls.KeyFile)
		} else {
			err = httpSrv.ListenAndServe()
		}
		if !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	slog.Info("server ready — press Ctrl+C to shut down", "addr", cfg.Server.ListenAddr)

	select {
	case err := <-errCh:
		slog.Error("server error", "err", err)
		return 1
	case <-ctx.Done():
	}

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	slog.Info("shutdown signal received, stopping…")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
		return 1
	}
	slog.Info("goodbye")
	return 0
}

// version is stamped at build time via -ldflags.
var version = "dev"

// ── Provider wiring ───────────────────────────────────────────────────────────

// registerBuiltinProviders wires all built-in provider factories into reg.
// Embedding providers are wrapped to normalise their output vectors to the
// graph's configured dimension.
func registerBuiltinProviders(reg *config.Registry, dimensions int) {
	// ── LLM ───────────────────────────────────────────────────────────────────
	// openai uses the native client for streaming tool-call deltas; everything
	// else goes through the any-llm bridge with optional APIKey + BaseURL.
	reg.RegisterLLM("openai", func(entry config.ProviderEntry) (llm.Provider, error) {
		var opts []oallm.Option
		if entry.BaseURL != "" {
			opts = append(opts, oallm.WithBaseURL(entry.BaseURL))
		}
		return oallm.New(entry.APIKey, entry.Model, opts...)
	})

	for _, providerName := range []string{
		"anthropic", "gemini", "deepseek", "mistral", "groq", "llamacpp", "llamafile",
	} {
		reg.RegisterLLM(providerName, func(entry config.ProviderEntry) (llm.Provider, error) {
			var opts []anyllmlib.Option
			if entry.APIKey != "" {
				opts = append(opts, anyllmlib.WithAPIKey(entry.APIKey))
			}
			if entry.BaseURL != "" {
				opts = append(opts, anyllmlib.WithBaseURL(entry.BaseURL))
			}
			return anyllm.New(providerName, entry.Model, opts...)
		})
	}

	// ollama is a local server; it uses BaseURL for the address, not an API key.
	reg.RegisterLLM("ollama", func(entry config.ProviderEntry) (llm.Provider, error) {
		var opts []anyllmlib.Option
		if entry.BaseURL != "" {
			opts = append(opts, anyllmlib.WithBaseURL(entry.BaseURL))
		}
		return anyllm.New("ollama", entry.Model, opts...)
	})

	// ── Embeddings ────────────────────────────────────────────────────────────

	reg.RegisterEmbeddings("openai", func(entry config.ProviderEntry) (embeddings.Provider, error) {
		return embeddings.NewNormalized(dimensions, func() (embeddings.Provider, error) {
			var opts []oaembed.Option
			if entry.BaseURL != "" {
				opts = append(opts, oaembed.WithBaseURL(entry.BaseURL))
			}
			return oaembed.New(entry.APIKey, entry.Model, opts...)
		})
	})

	reg.RegisterEmbeddings("ollama", func(entry config.ProviderEntry) (embeddings.Provider, error) {
		return embeddings.NewNormalized(dimensions, func() (embeddings.Provider, error) {
			return ollamaembed.New(entry.BaseURL, entry.Model)
		})
	})
}

// ── Config reload ─────────────────────────────────────────────────────────────

// applyDiff reacts to a hot reload. Stride, debug, and provider changes are
// picked up per request; only the log level needs an explicit poke.
func applyDiff(d config.ConfigDiff, level *slog.LevelVar) {
	if d.LogLevelChanged {
		level.Set(slogLevel(d.NewLogLevel))
		slog.Info("log level changed", "level", d.NewLogLevel)
	}
	if d.DebugChanged {
		slog.Info("debug mode toggled", "debug", d.NewDebug)
	}
	if d.StrideChanged {
		slog.Info("re-evaluation stride changed", "stride", d.NewStride)
	}
	if d.ModelsChanged {
		slog.Info("provider configuration changed — applies to new requests")
	}
}

// ── Startup summary ───────────────────────────────────────────────────────────

func printStartupSummary(cfg *config.Config) {
	fmt.Println("╔═══════════════════════════════════════╗")
	fmt.Println("║           EIR — startup summary       ║")
	fmt.Println("╠═══════════════════════════════════════╣")
	printProvider("Speaker", cfg.Providers.Speaker.Name, cfg.Providers.Speaker.Model)
	printProvider("Executive", cfg.Providers.Executive.Name, cfg.Providers.Executive.Model)
	printProvider("Embeddings", cfg.Providers.Embeddings.Name, cfg.Providers.Embeddings.Model)
	fmt.Printf("║  Graph           : %-19s ║\n", truncate(cfg.Graph.URL, 19))
	fmt.Printf("║  Dimensions      : %-19d ║\n", cfg.Graph.EmbeddingDimensions)
	fmt.Printf("║  Reeval stride   : %-19d ║\n", cfg.Orchestrator.ReevalStride)
	if cfg.Server.Debug {
		fmt.Printf("║  Debug           : %-19s ║\n", "enabled")
	}
	if cfg.Server.ListenAddr != "" {
		fmt.Printf("║  Listen addr     : %-19s ║\n", cfg.Server.ListenAddr)
	}
	fmt.Println("╚═══════════════════════════════════════╝")
}

func printProvider(kind, name, model string) {
	value := name
	if value == "" {
		value = "(not configured)"
	} else if model != "" {
		value = name + " / " + model
	}
	fmt.Printf("║  %-12s    : %-19s ║\n", kind, truncate(value, 19))
}

func truncate(s string, max int) string {
	if len(s) > max {
		return s[:max-3] + "…"
	}
	return s
}

// ── Logger ─────────────────────────────────────────────────────────────────────

func slogLevel(level config.LogLevel) slog.Level {
	switch level {
	case config.LogDebug:
		return slog.LevelDebug
	case config.LogWarn:
		return slog.LevelWarn
	case config.LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
