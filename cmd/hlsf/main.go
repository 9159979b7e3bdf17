// Command hlsf is the entry point for the HLSF semantic-graph engine: it
// loads configuration, wires the Token Cache, Remote Chunk Store, Adjacency
// Fetcher, Recursive Expander, Session Memory, and Glyph Ledger together
// behind the Command Dispatcher, and runs the resulting cobra CLI.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel"

	"github.com/hlsf-engine/hlsf-core/internal/config"
	"github.com/hlsf-engine/hlsf-core/internal/observe"
	"github.com/hlsf-engine/hlsf-core/internal/resilience"
	"github.com/hlsf-engine/hlsf-core/pkg/chunkstore"
	"github.com/hlsf-engine/hlsf-core/pkg/dispatcher"
	"github.com/hlsf-engine/hlsf-core/pkg/expander"
	"github.com/hlsf-engine/hlsf-core/pkg/fetcher"
	"github.com/hlsf-engine/hlsf-core/pkg/glyphledger"
	"github.com/hlsf-engine/hlsf-core/pkg/hlsf"
	"github.com/hlsf-engine/hlsf-core/pkg/provider/llm"
	"github.com/hlsf-engine/hlsf-core/pkg/provider/llm/anyllm"
	"github.com/hlsf-engine/hlsf-core/pkg/provider/llm/openai"
	"github.com/hlsf-engine/hlsf-core/pkg/sessionmem"
	"github.com/hlsf-engine/hlsf-core/pkg/tokencache"
)

func main() {
	os.Exit(run())
}

func run() int {
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "hlsf: config file %q not found — pass -config with the path to a YAML configuration file\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "hlsf: %v\n", err)
		}
		return 1
	}

	logger := newLogger(cfg.Server.LogLevel)
	slog.SetDefault(logger)
	slog.Info("hlsf starting", "config", *configPath, "log_level", cfg.Server.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTelemetry, err := observe.InitProvider(ctx, observe.ProviderConfig{ServiceName: "hlsf-core"})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTelemetry(shutdownCtx); err != nil {
			slog.Warn("telemetry shutdown error", "err", err)
		}
	}()

	metrics, err := observe.NewMetrics(otel.GetMeterProvider())
	if err != nil {
		slog.Warn("failed to build metrics, falling back to no-op meter", "err", err)
		metrics = observe.DefaultMetrics()
	}

	durable, err := buildDurableStore(ctx, cfg.Durable)
	if err != nil {
		slog.Error("failed to build durable store", "err", err)
		return 1
	}
	cache := tokencache.New(durable)

	remote := chunkstore.New(http.DefaultClient, metrics)
	if cfg.RemoteStore.ManifestURL != "" {
		if err := remote.Configure(ctx, cfg.RemoteStore.ManifestURL); err != nil {
			slog.Warn("remote chunk store manifest fetch failed — continuing offline", "err", err)
		} else {
			if len(cfg.RemoteStore.PreloadPrefixes) > 0 {
				seeds := prefixSeedTokens(cfg.RemoteStore.PreloadPrefixes)
				result, err := remote.PreloadTokens(ctx, seeds, cache, cfg.Performance.RemoteChunkConcurrency)
				if err != nil {
					slog.Warn("remote chunk store preload failed", "err", err)
				} else {
					slog.Info("remote chunk store preload complete", "loaded", result.Loaded, "hits", result.Hits)
				}
			}
			if cfg.RemoteStore.WatchURL != "" {
				go func() {
					if err := remote.WatchManifest(ctx, cfg.RemoteStore.WatchURL); err != nil && !errors.Is(err, context.Canceled) {
						slog.Warn("remote chunk store invalidation watch stopped", "err", err)
					}
				}()
			}
		}
	}

	registry := config.NewRegistry()
	registerBuiltinProviders(registry)

	provider, err := buildAdjacencyProvider(registry, cfg.LLM, cfg.LLMFallback)
	if err != nil {
		slog.Error("failed to create llm provider", "name", cfg.LLM.Name, "err", err)
		return 1
	}

	fetch := fetcher.New(cache, remote, provider, metrics)
	exp := expander.New(fetch, metrics)
	mem := sessionmem.New()

	glyphs, err := buildGlyphLedger(cfg.Durable)
	if err != nil {
		slog.Error("failed to open glyph ledger", "err", err)
		return 1
	}

	governor := dispatcher.NewGovernor(cfg.Performance)
	router := dispatcher.New(governor, remote, cache, exp, mem, glyphs, metrics)

	watcher, err := config.NewWatcher(*configPath, func(old, newCfg *config.CoreConfig) {
		diff := config.Diff(old, newCfg)
		if diff.PerformanceChanged {
			slog.Info("performance profile changed — rederiving runtime caps")
			governor.Apply(diff.NewPerformance)
		}
	})
	if err != nil {
		slog.Warn("config watcher failed to start — live reload disabled", "err", err)
	} else {
		defer watcher.Stop()
	}

	cmd := router.NewCommand(ctx, printRunResult)
	cmd.SetArgs(os.Args[1:])

	if err := cmd.ExecuteContext(ctx); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("run error", "err", err)
		return 1
	}

	slog.Info("goodbye")
	return 0
}

// registerBuiltinProviders wires every LLM collaborator shape the Adjacency
// Fetcher can reach: the single-backend OpenAI client and the any-llm-go
// universal adapter's sub-providers (Anthropic, Gemini, Ollama, DeepSeek,
// Mistral, Groq, llama.cpp, llamafile).
func registerBuiltinProviders(reg *config.Registry) {
	reg.RegisterLLM("openai", func(e config.ProviderEntry) (llm.Provider, error) {
		var opts []openai.Option
		if e.BaseURL != "" {
			opts = append(opts, openai.WithBaseURL(e.BaseURL))
		}
		return openai.New(e.APIKey, e.Model, opts...)
	})
	reg.RegisterLLM("anthropic", func(e config.ProviderEntry) (llm.Provider, error) {
		return anyllm.NewAnthropic(e.Model)
	})
	reg.RegisterLLM("gemini", func(e config.ProviderEntry) (llm.Provider, error) {
		return anyllm.NewGemini(e.Model)
	})
	reg.RegisterLLM("ollama", func(e config.ProviderEntry) (llm.Provider, error) {
		return anyllm.NewOllama(e.Model)
	})
	reg.RegisterLLM("deepseek", func(e config.ProviderEntry) (llm.Provider, error) {
		return anyllm.NewDeepSeek(e.Model)
	})
	reg.RegisterLLM("mistral", func(e config.ProviderEntry) (llm.Provider, error) {
		return anyllm.NewMistral(e.Model)
	})
	reg.RegisterLLM("groq", func(e config.ProviderEntry) (llm.Provider, error) {
		return anyllm.NewGroq(e.Model)
	})
	reg.RegisterLLM("llamacpp", func(e config.ProviderEntry) (llm.Provider, error) {
		return anyllm.NewLlamaCpp(e.Model)
	})
	reg.RegisterLLM("llamafile", func(e config.ProviderEntry) (llm.Provider, error) {
		return anyllm.NewLlamaFile(e.Model)
	})
}

// buildAdjacencyProvider instantiates the Adjacency Fetcher's external LLM
// collaborator from primary, wrapping it in a [resilience.LLMFallback] when
// one or more fallback entries are configured so a breaker trip on primary
// (or any fallback ahead of it) fails over to the next entry instead of
// forcing AF straight to synthetic-only adjacency. Returns a nil provider
// (not an error) when primary names no provider at all.
func buildAdjacencyProvider(registry *config.Registry, primary config.ProviderEntry, fallbacks []config.ProviderEntry) (llm.Provider, error) {
	if primary.Name == "" {
		return nil, nil
	}

	p, err := registry.CreateLLM(primary)
	if errors.Is(err, config.ErrProviderNotRegistered) {
		slog.Warn("adjacency fetcher llm provider not registered — adjacency fetches will be synthetic-only", "name", primary.Name)
		return nil, nil
	} else if err != nil {
		return nil, err
	}
	slog.Info("adjacency fetcher llm provider ready", "name", primary.Name, "model", primary.Model)

	if len(fallbacks) == 0 {
		return p, nil
	}

	group := resilience.NewLLMFallback(p, primary.Name, resilience.FallbackConfig{
		CircuitBreaker: resilience.CircuitBreakerConfig{
			MaxFailures:  3,
			ResetTimeout: 30 * time.Second,
		},
	})
	for _, entry := range fallbacks {
		fb, err := registry.CreateLLM(entry)
		if errors.Is(err, config.ErrProviderNotRegistered) {
			slog.Warn("adjacency fetcher llm fallback not registered — skipping", "name", entry.Name)
			continue
		} else if err != nil {
			return nil, fmt.Errorf("build llm fallback %q: %w", entry.Name, err)
		}
		group.AddFallback(entry.Name, fb)
		slog.Info("adjacency fetcher llm fallback registered", "name", entry.Name, "model", entry.Model)
	}
	return group, nil
}

// prefixSeedTokens turns configured prefix shards into single-character
// seed tokens that hash back to the same prefix, so PreloadTokens' grouping
// fetches exactly the requested chunks.
func prefixSeedTokens(prefixes []string) []hlsf.Token {
	seeds := make([]hlsf.Token, 0, len(prefixes))
	for _, p := range prefixes {
		seeds = append(seeds, hlsf.Normalize(p))
	}
	return seeds
}

// buildDurableStore selects the Token Cache's durable backend from
// cfg.Driver. A nil Store means the cache runs in-memory only.
func buildDurableStore(ctx context.Context, cfg config.DurableStoreConfig) (tokencache.Store, error) {
	switch cfg.Driver {
	case "", "file":
		dir := cfg.FileDir
		if dir == "" {
			dir = "hlsf-cache"
		}
		return tokencache.NewFileStore(dir)
	case "postgres":
		pool, err := pgxpool.New(ctx, cfg.PostgresDSN)
		if err != nil {
			return nil, fmt.Errorf("connect postgres: %w", err)
		}
		store := tokencache.NewPostgresStore(pool)
		if err := store.Migrate(ctx); err != nil {
			return nil, fmt.Errorf("migrate postgres schema: %w", err)
		}
		return store, nil
	default:
		return nil, fmt.Errorf("unknown durable store driver %q", cfg.Driver)
	}
}

// buildGlyphLedger gives the Glyph Ledger a persistence path alongside the
// file-mirrored Token Cache when one is configured; otherwise it runs
// in-memory only for the lifetime of the process.
func buildGlyphLedger(cfg config.DurableStoreConfig) (*glyphledger.Ledger, error) {
	if cfg.Driver == "postgres" || cfg.FileDir == "" {
		return glyphledger.New(), nil
	}
	path := cfg.FileDir + "/glyph_ledger.json"
	return glyphledger.NewWithPersistence(path)
}

// printRunResult renders a RunHlsf result as indented JSON to stdout.
func printRunResult(result *dispatcher.RunResult) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(result); err != nil {
		slog.Error("failed to render run result", "err", err)
	}
}

func newLogger(level config.LogLevel) *slog.Logger {
	var lvl slog.Level
	switch level {
	case config.LogLevelDebug:
		lvl = slog.LevelDebug
	case config.LogLevelWarn:
		lvl = slog.LevelWarn
	case config.LogLevelError:
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}
