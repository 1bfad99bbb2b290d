package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/yungbote/loqui-backend/internal/config"
	"github.com/yungbote/loqui-backend/internal/http/handlers"
	"github.com/yungbote/loqui-backend/internal/http/middleware"
	"github.com/yungbote/loqui-backend/internal/ingestion"
	"github.com/yungbote/loqui-backend/internal/jobs"
	parsejobs "github.com/yungbote/loqui-backend/internal/jobs/ingestion"
	"github.com/yungbote/loqui-backend/internal/llm"
	"github.com/yungbote/loqui-backend/internal/platform/blob"
	"github.com/yungbote/loqui-backend/internal/platform/docai"
	"github.com/yungbote/loqui-backend/internal/platform/kv"
	"github.com/yungbote/loqui-backend/internal/platform/logger"
	"github.com/yungbote/loqui-backend/internal/platform/observability"
	"github.com/yungbote/loqui-backend/internal/platform/postgres"
	"github.com/yungbote/loqui-backend/internal/platform/qdrant"
	"github.com/yungbote/loqui-backend/internal/repos"
	"github.com/yungbote/loqui-backend/internal/server"
	"github.com/yungbote/loqui-backend/internal/services"
)

func main() {
	_ = godotenv.Load()

	// Logger
	logMode := os.Getenv("LOG_MODE")
	if logMode == "" {
		logMode = "development"
	}
	log, err := logger.New(logMode)
	if err != nil {
		fmt.Printf("Failed to init logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	cfg := config.FromEnv()
	ctx := context.Background()

	// Observability
	metrics := observability.Init(log)
	shutdownOTel := observability.InitOTel(ctx, log, observability.OtelConfig{
		ServiceName: "loqui-backend",
		Environment: cfg.Env,
		Version:     os.Getenv("APP_VERSION"),
	})

	// Postgres
	log.Info("Connecting to Postgres from main...")
	pg, err := postgres.NewPostgresService(cfg.Postgres, log)
	if err != nil {
		log.Error("Postgres init failed", "error", err)
		os.Exit(1)
	}
	if err := pg.AutoMigrateAll(); err != nil {
		log.Error("Postgres auto migration failed", "error", err)
		os.Exit(1)
	}
	theDB := pg.DB()

	// Redis
	log.Info("Connecting to Redis from main...")
	store, err := kv.NewRedisStore(cfg.Redis, log)
	if err != nil {
		log.Error("Redis init failed", "error", err)
		os.Exit(1)
	}

	// Repos
	log.Info("Setting up repos from main...")
	userRepo := repos.NewUserRepo(theDB, log)
	chatRepo := repos.NewChatRepo(theDB, log)
	messageRepo := repos.NewMessageRepo(theDB, log)
	summaryRepo := repos.NewSummaryRepo(theDB, log)
	documentRepo := repos.NewDocumentRepo(theDB, log)
	chunkRepo := repos.NewChunkRepo(theDB, log)
	jobRepo := repos.NewJobRepo(theDB, log)
	promptRepo := repos.NewPromptRepo(theDB, log)

	// Prompt registry, seeded before the first request needs a system prompt.
	promptService := services.NewPromptService(promptRepo, log)
	seedPath := os.Getenv("PROMPT_SEED_FILE")
	if seedPath == "" {
		seedPath = "configs/prompts.yaml"
	}
	seeds, err := services.LoadPromptSeeds(seedPath)
	if err != nil {
		log.Warn("Prompt seed file unreadable", "path", seedPath, "error", err)
	}
	if len(seeds) == 0 {
		seeds = services.BuiltinSeeds()
	}
	if err := promptService.Seed(ctx, seeds); err != nil {
		log.Warn("Prompt seeding failed", "error", err)
	}

	// LLM provider chain + embedder
	log.Info("Setting up LLM providers from main...", "provider", cfg.LLM.Provider, "fallback", cfg.LLM.FallbackProvider)
	provider, embedder, err := llm.NewFromConfig(ctx, cfg.LLM, promptService, metrics, log)
	if err != nil {
		log.Error("LLM provider init failed", "error", err)
		os.Exit(1)
	}

	// Qdrant
	qdrantCfg, err := qdrant.ResolveConfigFromEnv()
	if err != nil {
		log.Error("Qdrant config invalid", "error", err)
		os.Exit(1)
	}
	if dim := embedder.Dim(); dim > 0 && dim != qdrantCfg.VectorDim {
		log.Warn("Qdrant vector dim does not match embedder; using embedder dim",
			"configured", qdrantCfg.VectorDim, "embedder", dim)
		qdrantCfg.VectorDim = dim
	}
	vectors, err := qdrant.NewVectorStore(log, qdrantCfg)
	if err != nil {
		log.Error("Qdrant init failed", "error", err)
		os.Exit(1)
	}
	if err := vectors.EnsureCollection(ctx); err != nil {
		log.Warn("Qdrant collection check failed; search degrades until it recovers", "error", err)
	}

	// Blob storage
	blobs, err := blob.NewGCSStore(log, cfg.Ingest.BucketName)
	if err != nil {
		log.Error("Blob store init failed", "error", err)
		os.Exit(1)
	}

	// Document AI is optional; without it ingestion runs native extraction only.
	var managed docai.Extractor
	if docaiCfg := docai.ResolveConfigFromEnv(); docaiCfg.Enabled() {
		managed, err = docai.New(log, docaiCfg)
		if err != nil {
			log.Warn("Document AI init failed; native extraction only", "error", err)
			managed = nil
		}
	}

	// Services
	log.Info("Setting up services from main...")
	quotaService := services.NewQuotaService(store, cfg.Quota, metrics, log)
	memoryService := services.NewMemoryService(messageRepo, summaryRepo, store, provider, promptService, cfg.Memory, log)
	ragService := services.NewRAGService(embedder, vectors, log)
	chatService := services.NewChatService(chatRepo, messageRepo, summaryRepo, quotaService, memoryService, ragService, promptService, provider, log)
	documentService := services.NewDocumentService(documentRepo, chunkRepo, jobRepo, blobs, embedder, vectors, cfg.Ingest, metrics, log)
	healthService := services.NewHealthService(pg, store, log)

	// Background jobs
	log.Info("Setting up job worker from main...")
	registry := jobs.NewRegistry()
	extractor := ingestion.NewExtractor(log, managed)
	parseHandler := parsejobs.NewParseDocumentHandler(
		documentRepo, chunkRepo, blobs, vectors, embedder, extractor,
		cfg.Ingest.ParseWorkers, metrics, log,
	)
	if err := registry.Register(parseHandler); err != nil {
		log.Error("Job handler registration failed", "error", err)
		os.Exit(1)
	}
	workerCtx, stopWorkers := context.WithCancel(context.Background())
	worker := jobs.NewWorker(log, jobRepo, registry, metrics, jobs.ConfigFromEnv())
	worker.Start(workerCtx)
	jobs.NewReaper(log, jobRepo).Start(workerCtx)

	// Background gauges. The main router already serves /metrics; METRICS_ADDR
	// adds a standalone listener for scrapers that cannot reach the API port.
	metrics.StartPostgresCollector(workerCtx, log, theDB)
	metrics.StartRedisCollector(workerCtx, log, store)
	metrics.StartJobQueueCollector(workerCtx, log, theDB)
	metrics.StartServer(workerCtx, log, os.Getenv("METRICS_ADDR"))

	// HTTP server
	log.Info("Setting up router from main...")
	srv := server.NewServer(server.RouterConfig{
		Log:                log,
		Metrics:            metrics,
		CORSAllowedOrigins: cfg.CORSAllowedOrigins,
		ServiceName:        "loqui-backend",
		Identity:           middleware.NewIdentityMiddleware(userRepo, log),
		ChatHandler:        handlers.NewChatHandler(chatService, metrics, log),
		DocumentHandler:    handlers.NewDocumentHandler(documentService, log),
		PromptHandler:      handlers.NewPromptHandler(promptService, log),
		QuotaHandler:       handlers.NewQuotaHandler(quotaService),
		HealthHandler:      handlers.NewHealthHandler(healthService, cfg.Env),
	})

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Run(":" + cfg.Port) }()
	log.Info("Server listening", "port", cfg.Port, "env", cfg.Env)

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case err := <-errCh:
		if err != nil {
			log.Error("Server failed", "error", err)
		}
	case sig := <-quit:
		log.Info("Shutdown signal received", "signal", sig.String())
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn("HTTP shutdown incomplete", "error", err)
	}
	stopWorkers()
	if managed != nil {
		_ = managed.Close()
	}
	_ = store.Close()
	_ = pg.Close()
	if err := shutdownOTel(shutdownCtx); err != nil {
		log.Warn("Tracer flush failed", "error", err)
	}
	log.Info("Shutdown complete")
}
