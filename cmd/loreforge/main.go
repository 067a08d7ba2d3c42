package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	mcpserver "github.com/mark3labs/mcp-go/server"
	"github.com/redis/go-redis/v9"

	"github.com/loreforge/loreforge/api"
	"github.com/loreforge/loreforge/internal/agent"
	"github.com/loreforge/loreforge/internal/aisearch"
	"github.com/loreforge/loreforge/internal/auth"
	"github.com/loreforge/loreforge/internal/config"
	"github.com/loreforge/loreforge/internal/extraction"
	"github.com/loreforge/loreforge/internal/graph"
	"github.com/loreforge/loreforge/internal/hub"
	"github.com/loreforge/loreforge/internal/kv"
	"github.com/loreforge/loreforge/internal/llm"
	"github.com/loreforge/loreforge/internal/mcp"
	"github.com/loreforge/loreforge/internal/ratelimit"
	"github.com/loreforge/loreforge/internal/rebuild"
	"github.com/loreforge/loreforge/internal/server"
	"github.com/loreforge/loreforge/internal/storage"
	"github.com/loreforge/loreforge/internal/summary"
	"github.com/loreforge/loreforge/internal/telemetry"
	"github.com/loreforge/loreforge/internal/upload"
	"github.com/loreforge/loreforge/migrations"
)

// version is set at build time via -ldflags.
var version = "dev"

func main() {
	os.Exit(run0())
}

func run0() int {
	level := slog.LevelInfo
	if os.Getenv("LOREFORGE_LOG_LEVEL") == "debug" {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: level,
	}))
	slog.SetDefault(logger)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, logger); err != nil {
		slog.Error("fatal error", "error", err)
		return 1
	}
	return 0
}

func run(ctx context.Context, logger *slog.Logger) error {
	// Load .env file if present (non-fatal; production won't have one).
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	slog.Info("loreforge starting", "version", version, "port", cfg.Port)

	// Initialize OpenTelemetry.
	otelShutdown, err := telemetry.Init(ctx, cfg.OTELEndpoint, cfg.ServiceName, version, cfg.OTELInsecure)
	if err != nil {
		return fmt.Errorf("telemetry: %w", err)
	}
	defer func() { _ = otelShutdown(context.Background()) }()

	// Connect to Postgres.
	db, err := storage.New(ctx, cfg.DatabaseURL, logger)
	if err != nil {
		return fmt.Errorf("storage: %w", err)
	}
	defer db.Close()

	// Register connection pool OTEL metrics (after telemetry.Init).
	db.RegisterPoolMetrics()

	// Apply embedded migrations. RunMigrations tracks applied files in
	// schema_migrations and skips duplicates.
	if err := db.RunMigrations(ctx, migrations.FS); err != nil {
		return fmt.Errorf("migrations: %w", err)
	}

	// Open the KV database backing the notification hub and upload sessions.
	kvdb, err := kv.Open(ctx, cfg.KVPath)
	if err != nil {
		return fmt.Errorf("kv: %w", err)
	}
	defer func() { _ = kvdb.Close() }()

	// Sweep expired KV entries in the background. Actors treat expired
	// entries as invisible either way; this just reclaims disk.
	go kvSweepLoop(ctx, kvdb, logger)

	// Create JWT manager.
	jwtMgr, err := auth.NewJWTManager(cfg.JWTPrivateKeyPath, cfg.JWTPublicKeyPath, cfg.JWTExpiration, cfg.StreamTokenTTL)
	if err != nil {
		return fmt.Errorf("auth: %w", err)
	}

	// Notification hub.
	notifHub := hub.New(kvdb, hub.Options{
		PingInterval:    cfg.PingInterval,
		NotificationTTL: cfg.NotificationTTL,
		Logger:          logger,
	})
	if err := notifHub.RegisterMetrics(); err != nil {
		logger.Warn("hub metrics registration failed", "error", err)
	}

	// Upload session manager.
	uploads := upload.NewManager(kvdb, logger)

	// AI search client for extraction. An empty URL leaves extraction
	// non-functional; tasks will fail with a clear error and can be retried.
	searcher := aisearch.New(cfg.AISearchURL, cfg.AISearchAPIKey, cfg.AISearchTimeout, logger)
	if cfg.AISearchURL == "" {
		logger.Warn("ai search: no URL configured, extraction will fail until set")
	}

	// LLM client (router, chat, community summaries).
	var llmClient llm.Client
	if cfg.AnthropicAPIKey != "" {
		llmClient = llm.NewAnthropicClient(cfg.AnthropicAPIKey, cfg.LLMModel)
	} else {
		logger.Info("llm: disabled (no ANTHROPIC_API_KEY); chat and summaries off")
	}

	// Graph loader with hard caps.
	loader := graph.NewLoader(db, logger, cfg.MaxEntities, cfg.MaxRelationships)

	// Community summarizer, fed by the rebuild orchestrator.
	var summarizer rebuild.Summarizer
	if cfg.SummariesEnabled && llmClient != nil {
		summarizer = summary.New(db, llmClient, logger)
	}

	// Rebuild orchestrator: owns the changelog write path and the rebuild queue.
	orch := rebuild.New(db, loader, notifHub, summarizer, rebuild.Config{
		ImpactThreshold:  cfg.RebuildImpactThreshold,
		PartialCutoff:    cfg.PartialRebuildCutoff,
		QueueSize:        cfg.RebuildQueueSize,
		Leiden:           graph.LeidenParams{Resolution: cfg.LeidenResolution, Seed: cfg.LeidenSeed, MaxIterations: cfg.LeidenMaxIter},
		MinCommunitySize: cfg.MinCommunitySize,
		MaxLevels:        cfg.MaxLevels,
		SummariesEnabled: cfg.SummariesEnabled,
	}, logger)
	orch.Start(ctx)

	// Extraction pipeline.
	worker := extraction.NewWorker(db, searcher, orch, notifHub, logger)
	queue := extraction.NewQueue(worker, cfg.ExtractionQueueSize, cfg.ExtractionWorkers, logger)
	queue.Start(ctx)
	if err := queue.RegisterMetrics(); err != nil {
		logger.Warn("queue metrics registration failed", "error", err)
	}

	// Agent runtime and chat.
	registry := agent.NewRegistry()
	runtime := agent.NewRuntime(db, orch, queue, registry, logger)
	var chat *agent.Chat
	if llmClient != nil {
		router := agent.NewRouter(registry, llmClient, logger)
		chat = agent.NewChat(db, router, runtime, registry, llmClient, logger)
	}

	// MCP server, bound to a single owner when configured.
	var mcpTransport *mcpserver.MCPServer
	if cfg.MCPOwnerID != "" {
		mcpTransport = mcp.New(runtime, db, cfg.MCPOwnerID, logger).MCPServer()
		logger.Info("mcp: enabled", "owner", cfg.MCPOwnerID)
	}

	// Rate limiters: Redis fixed-window when REDIS_URL is set (multi-instance
	// deployments), in-process token bucket otherwise.
	var apiLimiter, authLimiter ratelimit.Limiter
	if cfg.RateLimitEnabled {
		if cfg.RedisURL != "" {
			apiLimiter, err = newRedisLimiter(cfg.RedisURL, cfg.RateLimitBurst, time.Second)
			if err != nil {
				return fmt.Errorf("redis limiter: %w", err)
			}
			authLimiter, err = newRedisLimiter(cfg.RedisURL, 20, time.Minute)
			if err != nil {
				return fmt.Errorf("redis limiter: %w", err)
			}
			logger.Info("rate limiting: redis fixed window")
		} else {
			apiLimiter = ratelimit.NewMemoryLimiter(float64(cfg.RateLimitRPS), cfg.RateLimitBurst)
			authLimiter = ratelimit.NewMemoryLimiter(20.0/60.0, 20)
			logger.Info("rate limiting: memory token bucket",
				"rps", cfg.RateLimitRPS, "burst", cfg.RateLimitBurst)
		}
		defer func() { _ = apiLimiter.Close() }()
		defer func() { _ = authLimiter.Close() }()
	} else {
		logger.Info("rate limiting: disabled")
	}

	// HTTP server.
	srv := server.New(server.ServerConfig{
		DB:          db,
		KV:          kvdb,
		JWTMgr:      jwtMgr,
		Hub:         notifHub,
		Uploads:     uploads,
		Queue:       queue,
		Orch:        orch,
		Chat:        chat,
		Logger:      logger,
		APILimiter:  apiLimiter,
		AuthLimiter: authLimiter,
		Port:        cfg.Port,
		ReadTimeout: cfg.ReadTimeout,
		// SSE connections outlive any sane write timeout; per-write deadlines
		// on the stream handler take its place.
		WriteTimeout:        0,
		Version:             version,
		MaxRequestBodyBytes: cfg.MaxRequestBodyBytes,
		MCPServer:           mcpTransport,
		OpenAPISpec:         api.OpenAPISpec,
	})

	// Start HTTP server in background.
	errCh := make(chan error, 1)
	go func() {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	// Wait for shutdown signal or server error.
	select {
	case <-ctx.Done():
	case err := <-errCh:
		return err
	}

	// Graceful shutdown. Each phase gets its own timeout so early completion
	// doesn't steal budget from later phases.
	// Order: (1) stop accepting HTTP and drain in-flight requests, (2) drain
	// the extraction queue, (3) drain the rebuild queue, (4) flush the hub so
	// queued notifications hit the KV store.
	slog.Info("loreforge shutting down")

	httpCtx, httpCancel := context.WithTimeout(context.Background(), 10*time.Second)
	if err := srv.Shutdown(httpCtx); err != nil {
		slog.Error("http shutdown error", "error", err)
	}
	httpCancel()

	queueCtx, queueCancel := context.WithTimeout(context.Background(), 15*time.Second)
	if err := queue.Drain(queueCtx); err != nil {
		slog.Error("extraction drain error", "error", err)
	}
	queueCancel()

	orchCtx, orchCancel := context.WithTimeout(context.Background(), 15*time.Second)
	if err := orch.Drain(orchCtx); err != nil {
		slog.Error("rebuild drain error", "error", err)
	}
	orchCancel()

	hubCtx, hubCancel := context.WithTimeout(context.Background(), 5*time.Second)
	if err := notifHub.Shutdown(hubCtx); err != nil {
		slog.Error("hub shutdown error", "error", err)
	}
	hubCancel()

	return nil
}

// newRedisLimiter dials Redis and wraps it in a fixed-window limiter. Each
// limiter owns its client so Close stays simple.
func newRedisLimiter(url string, limit int, window time.Duration) (ratelimit.Limiter, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse REDIS_URL: %w", err)
	}
	return ratelimit.NewRedisLimiter(redis.NewClient(opts), limit, window), nil
}

// kvSweepLoop periodically reaps expired KV entries.
func kvSweepLoop(ctx context.Context, kvdb *kv.DB, logger *slog.Logger) {
	ticker := time.NewTicker(10 * time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			sweepCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
			n, err := kvdb.DeleteExpired(sweepCtx)
			cancel()
			if err != nil {
				logger.Warn("kv sweep failed", "error", err)
			} else if n > 0 {
				logger.Debug("kv sweep", "reaped", n)
			}
		}
	}
}
