// Command orchestratord runs the control-plane HTTP service: it wires the
// Trace Ledger, Policy Engine, Tool Registry & Executor, Approval Store,
// Provider Client, and Intent Router into one Orchestrator and serves it
// over HTTP.
package main

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/trustgate/orchestrator/pkg/api"
	"github.com/trustgate/orchestrator/pkg/approval"
	"github.com/trustgate/orchestrator/pkg/config"
	"github.com/trustgate/orchestrator/pkg/intent"
	"github.com/trustgate/orchestrator/pkg/ledger"
	"github.com/trustgate/orchestrator/pkg/llmclient"
	"github.com/trustgate/orchestrator/pkg/orchestrator"
	"github.com/trustgate/orchestrator/pkg/policy"
	"github.com/trustgate/orchestrator/pkg/registry"
	"github.com/trustgate/orchestrator/pkg/sandbox"
)

func main() {
	os.Exit(Run(os.Stdout, os.Stderr))
}

// Run wires the process and blocks until it receives a shutdown signal, so
// tests can invoke it against fake args without an actual os.Exit.
func Run(stdout, stderr io.Writer) int {
	cfg := config.Load()

	logLevel := new(slog.LevelVar)
	if err := logLevel.UnmarshalText([]byte(cfg.LogLevel)); err != nil {
		logLevel.Set(slog.LevelInfo)
	}
	logger := slog.New(slog.NewJSONHandler(stderr, &slog.HandlerOptions{Level: logLevel}))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	l, err := buildLedger(ctx, cfg)
	if err != nil {
		logger.Error("failed to build trace ledger", "error", err)
		return 1
	}

	pol := buildPolicy(logger, cfg)

	reg := registry.New()
	for _, tool := range registry.DefaultTools() {
		if err := reg.Register(tool); err != nil {
			logger.Error("failed to register default tool", "tool", tool.Name, "error", err)
			return 1
		}
	}

	sandboxDrv := buildSandbox(ctx, logger, cfg)
	exec := registry.NewExecutor(reg, sandboxDrv, l).WithSandboxRequired(cfg.Sandbox.Required)

	appr, err := buildApprovalStore(ctx, cfg)
	if err != nil {
		logger.Error("failed to build approval store", "error", err)
		return 1
	}

	provider := buildProvider(cfg)

	hitlQueue := intent.NewMemoryQueue(uuid.NewString, cfg.Intent.Enabled)
	router := buildRouter(cfg, hitlQueue, l)

	orchCfg := orchestrator.DefaultConfig
	orchCfg.PolicyEnforced = cfg.Policy.Enforce
	orchCfg.ApprovalsEnforced = cfg.Approval.Enforce
	orchCfg.DefaultProviderID = "default"
	orchCfg.DefaultModelID = cfg.Provider.ChatModel

	orch := orchestrator.New(orchCfg, l, pol, reg, exec, appr, provider, router).WithHITLQueue(hitlQueue)

	server := api.NewServer(orch, l, uuid.NewString)
	mux := api.NewMux(server, api.ServerConfig{
		BearerToken:    tokenIfRequired(cfg),
		RateLimitRPS:   cfg.Transport.RateLimitPerSec,
		RateLimitBurst: cfg.Transport.RateLimitBurst,
		RateLimiter:    buildRateLimiter(logger, cfg),
	})

	httpServer := &http.Server{
		Addr:         cfg.Transport.Addr,
		Handler:      mux,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
	}

	go func() {
		logger.Info("orchestratord listening", "addr", cfg.Transport.Addr, "env", cfg.Transport.Env)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server failed", "error", err)
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown failed", "error", err)
		return 1
	}
	return 0
}

func buildLedger(ctx context.Context, cfg *config.Config) (*ledger.Ledger, error) {
	var backend ledger.Backend
	switch {
	case !cfg.Trace.Enabled:
		backend = ledger.NewMemoryBackend()
	case strings.HasPrefix(cfg.Trace.DatabaseURL, "postgres"):
		pg, err := ledger.NewPostgresBackend(cfg.Trace.DatabaseURL)
		if err != nil {
			return nil, err
		}
		backend = pg
	default:
		if err := os.MkdirAll(filepath.Dir(cfg.Trace.DatabaseURL), 0o755); err != nil {
			return nil, err
		}
		sq, err := ledger.NewSQLiteBackend(cfg.Trace.DatabaseURL)
		if err != nil {
			return nil, err
		}
		backend = sq
	}

	l := ledger.New(backend, uuid.NewString)
	if err := l.Init(ctx); err != nil {
		return nil, err
	}
	return l, nil
}

func buildApprovalStore(ctx context.Context, cfg *config.Config) (*approval.Store, error) {
	var backend approval.Backend
	if strings.HasPrefix(cfg.Approval.DatabaseURL, "postgres") {
		pg, err := approval.NewPostgresBackend(cfg.Approval.DatabaseURL)
		if err != nil {
			return nil, err
		}
		backend = pg
	} else {
		if err := os.MkdirAll(filepath.Dir(cfg.Approval.DatabaseURL), 0o755); err != nil {
			return nil, err
		}
		sq, err := approval.NewSQLiteBackend(cfg.Approval.DatabaseURL)
		if err != nil {
			return nil, err
		}
		backend = sq
	}

	store := approval.New(backend, uuid.NewString)
	if err := store.Init(ctx); err != nil {
		return nil, err
	}
	return store, nil
}

// buildPolicy loads the policy document from disk, falling back to a
// permissive allow-all document (matching cfg.Policy.Enforce) when the
// file is absent so a fresh checkout is never accidentally deny-all.
func buildPolicy(logger *slog.Logger, cfg *config.Config) *policy.Engine {
	engine := policy.NewEngine()
	doc, err := policy.LoadFile(cfg.Policy.Path)
	if err != nil {
		logger.Warn("policy file unavailable, loading permissive default", "path", cfg.Policy.Path, "error", err)
		doc = policy.Document{
			Version: "v0-default",
			Enforce: cfg.Policy.Enforce,
			Rules:   []policy.Rule{{MatchPattern: ".*", Action: "allow", Reason: "default_allow"}},
		}
	}
	if err := engine.Load(doc); err != nil {
		logger.Error("failed to compile policy document, denying by default", "error", err)
	}
	return engine
}

func buildSandbox(ctx context.Context, logger *slog.Logger, cfg *config.Config) sandbox.Driver {
	drv, err := sandbox.NewWasiDriver(ctx, sandbox.Config{
		MemoryLimitBytes: sandbox.DefaultConfig.MemoryLimitBytes,
		CPUTimeLimit:     sandbox.DefaultConfig.CPUTimeLimit,
		MaxOutputBytes:   cfg.Sandbox.OutputCapChars,
	})
	if err != nil {
		logger.Warn("sandbox driver unavailable, unsafe tools without fallback will fail", "error", err)
		return nil
	}
	return drv
}

func buildProvider(cfg *config.Config) *llmclient.Client {
	routes := map[string]llmclient.ProviderRoute{
		"default": {
			BaseURL:      cfg.Provider.OllamaURL,
			DefaultModel: cfg.Provider.ChatModel,
			ModelAllow:   cfg.Provider.ModelAllowlist,
		},
	}
	transport := llmclient.NewHTTPProvider(&http.Client{Timeout: time.Duration(cfg.Provider.TimeoutSec) * time.Second}, routes)

	clientCfg := llmclient.Config{
		NetworkEnabled:      cfg.Provider.NetworkEnabled,
		CallTimeout:         time.Duration(cfg.Provider.TimeoutSec) * time.Second,
		RetryCount:          cfg.Provider.RetryCount,
		RetryBackoff:        time.Duration(cfg.Provider.RetryBackoffSec * float64(time.Second)),
		MaxOutputChars:      cfg.Provider.MaxOutputChars,
		BreakerThreshold:    cfg.Provider.CircuitMaxFailures,
		BreakerResetTimeout: time.Duration(cfg.Provider.CircuitResetSec) * time.Second,
	}
	return llmclient.New(transport, clientCfg)
}

func buildRouter(cfg *config.Config, hitlQueue *intent.MemoryQueue, trace intent.TraceEmitter) *intent.Router {
	var cache intent.Cache = intent.NewMemoryCache()
	if cfg.Intent.CacheEnabled && cfg.Intent.RedisURL != "" {
		opts, err := redis.ParseURL(cfg.Intent.RedisURL)
		if err == nil {
			cache = intent.NewRedisCache(redis.NewClient(opts))
		}
	}

	var semanticRouter *intent.SemanticRouter
	if cfg.Intent.SemanticEnabled {
		embedder := newOllamaEmbedder(cfg.Intent.SemanticOllamaURL, cfg.Intent.SemanticEmbedModel, time.Duration(cfg.Intent.SemanticTimeoutSec)*time.Second)
		tools := []intent.ToolDescriptor{
			{Name: "echo", Description: "Echo user input back verbatim"},
			{Name: "safe_calc", Description: "Safely evaluate arithmetic expressions"},
			{Name: "summarize_text", Description: "Summarize text locally without an LLM"},
		}
		semanticRouter = intent.NewSemanticRouter(embedder, tools, cfg.Intent.SemanticMinScore, cfg.Intent.MinGap)
	}

	routerCfg := intent.Config{
		Enabled:       cfg.Intent.Enabled,
		Shadow:        cfg.Intent.Shadow,
		MinConfidence: cfg.Intent.MinConfidence,
		MinGap:        cfg.Intent.MinGap,
		CacheTTL:      time.Duration(cfg.Intent.CacheTTLSec) * time.Second,
		HITLMessage:   "This request needs human review before it can run.",
		DefaultTool:   "",
	}

	return intent.New(routerCfg, intent.DefaultRuleRouter(), semanticRouter, cache, hitlQueue, trace, uuid.NewString)
}

// buildRateLimiter returns a RedisRateLimiter when an external store is
// configured, so multiple orchestratord processes share one rate budget
// per client IP; nil falls back to NewMux's default in-process limiter.
func buildRateLimiter(logger *slog.Logger, cfg *config.Config) api.RateLimiter {
	if cfg.Transport.RateLimitRedisURL == "" {
		return nil
	}
	opts, err := redis.ParseURL(cfg.Transport.RateLimitRedisURL)
	if err != nil {
		logger.Warn("rate limit redis url invalid, falling back to in-process limiter", "error", err)
		return nil
	}
	return api.NewRedisRateLimiter(redis.NewClient(opts), cfg.Transport.RateLimitPerSec, cfg.Transport.RateLimitBurst)
}

func tokenIfRequired(cfg *config.Config) string {
	if !cfg.Transport.RequireBearer {
		return ""
	}
	return cfg.Transport.BearerToken
}
