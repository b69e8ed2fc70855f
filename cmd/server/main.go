// The server binary hosts the API: auth, document management, embeddings,
// and RAG. Document processing workers run in-process so an upload is
// picked up without a broker hop.
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/contextmesh/contextmesh/pkg/api"
	"github.com/contextmesh/contextmesh/pkg/auth"
	"github.com/contextmesh/contextmesh/pkg/cache"
	"github.com/contextmesh/contextmesh/pkg/config"
	"github.com/contextmesh/contextmesh/pkg/database"
	"github.com/contextmesh/contextmesh/pkg/embedding"
	"github.com/contextmesh/contextmesh/pkg/ingestion"
	"github.com/contextmesh/contextmesh/pkg/middleware"
	"github.com/contextmesh/contextmesh/pkg/observability"
	"github.com/contextmesh/contextmesh/pkg/queue"
	"github.com/contextmesh/contextmesh/pkg/rag"
	"github.com/contextmesh/contextmesh/pkg/storage"
	"github.com/contextmesh/contextmesh/pkg/vector"
)

func main() {
	_ = godotenv.Load()

	logger := observability.NewLogger("server")
	metrics := observability.NewNoopMetricsClient()

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("Failed to load configuration", map[string]interface{}{"error": err.Error()})
	}

	db, err := database.NewDB(cfg.Database)
	if err != nil {
		logger.Fatal("Failed to connect to database", map[string]interface{}{"error": err.Error()})
	}
	defer func() { _ = db.Close() }()

	redisClient := redis.NewClient(&redis.Options{
		Addr:         cfg.Redis.Addr,
		Password:     cfg.Redis.Password,
		DB:           cfg.Redis.DB,
		DialTimeout:  cfg.Redis.DialTimeout,
		ReadTimeout:  cfg.Redis.ReadTimeout,
		WriteTimeout: cfg.Redis.WriteTimeout,
		PoolSize:     cfg.Redis.PoolSize,
	})
	kv := cache.NewRedisKVFromClient(redisClient)
	defer func() { _ = kv.Close() }()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	blobs, err := newBlobStore(ctx, cfg.Blob)
	if err != nil {
		logger.Fatal("Failed to initialize blob storage", map[string]interface{}{"error": err.Error()})
	}

	vectors, err := vector.NewPgVectorStore(db)
	if err != nil {
		logger.Fatal("Failed to initialize vector store", map[string]interface{}{"error": err.Error()})
	}

	bus, err := newBus(ctx, cfg.Bus, redisClient, logger, metrics)
	if err != nil {
		logger.Fatal("Failed to initialize event bus", map[string]interface{}{"error": err.Error()})
	}
	defer func() { _ = bus.Close() }()

	tenants := database.NewTenantRepository(db)
	users := database.NewUserRepository(db)
	docs := database.NewDocumentRepository(db)
	chunks := database.NewChunkRepository(db)

	tokens, err := auth.NewTokenService(cfg.Auth, kv)
	if err != nil {
		logger.Fatal("Failed to initialize token service", map[string]interface{}{"error": err.Error()})
	}
	authSvc := auth.NewService(cfg.Auth, users, tenants, tokens, logger, metrics)

	provider, err := newEmbeddingProvider(ctx, cfg.Embedding, cfg.Blob.Region)
	if err != nil {
		logger.Fatal("Failed to initialize embedding provider", map[string]interface{}{"error": err.Error()})
	}
	batcher := embedding.NewBatcher(provider, cfg.Embedding.MaxBatch, cfg.Embedding.MaxWait)
	defer batcher.Close()
	embCache, err := embedding.NewCache(kv, 4096, cfg.Embedding.CacheTTL, metrics)
	if err != nil {
		logger.Fatal("Failed to initialize embedding cache", map[string]interface{}{"error": err.Error()})
	}
	embeddings := embedding.NewService(cfg.Embedding, batcher, embCache, vectors, logger, metrics)

	extractor := ingestion.NewTextExtractor()
	pipeline := ingestion.NewPipeline(cfg.Ingestion, db, tenants, docs, chunks, blobs, bus, kv, extractor, logger, metrics)
	documents := ingestion.NewService(cfg.Ingestion, tenants, docs, chunks, blobs, vectors, kv, pipeline, logger, metrics)

	primary := rag.NewOpenAIChatProvider(cfg.RAG.APIKey, cfg.RAG.BaseURL)
	var fallback rag.LLMProvider
	if cfg.RAG.FallbackModel != "" {
		fallback = rag.NewOpenAIChatProvider(cfg.RAG.APIKey, cfg.RAG.BaseURL)
	}
	llm := rag.NewFailoverProvider(primary, fallback, cfg.RAG.FallbackModel, cfg.RAG.PrimaryFailThreshold, cfg.Gateway.BreakerOpenDuration, logger, metrics)
	convs := rag.NewConversationStore(kv, llm, cfg.RAG.Model, cfg.RAG.ConversationIdleTTL, cfg.RAG.SummaryTurnThreshold, logger, metrics)
	orchestrator := rag.NewOrchestrator(cfg.RAG, embeddings, vectors, chunks, docs, convs, llm, kv, logger, metrics)

	limiter := middleware.NewRateLimiter(cfg.RateLimit, kv, logger, metrics)

	checks := map[string]api.HealthCheck{
		"database": func(ctx context.Context) bool { return db.PingContext(ctx) == nil },
		"redis":    func(ctx context.Context) bool { return kv.Healthy(ctx) },
	}
	server := api.NewServer(cfg.Server, authSvc, documents, embeddings, orchestrator, limiter, checks, logger, metrics)

	httpServer := &http.Server{
		Addr:    cfg.Server.ListenAddr,
		Handler: server.Router(),
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("API server listening", map[string]interface{}{"addr": cfg.Server.ListenAddr})
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		err := pipeline.Run(ctx)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		logger.Error("Server exited with error", map[string]interface{}{"error": err.Error()})
		os.Exit(1)
	}
	logger.Info("Server stopped", nil)
}

func newBlobStore(ctx context.Context, cfg config.BlobConfig) (storage.BlobStore, error) {
	if cfg.Provider == "s3" {
		return storage.NewS3BlobStore(ctx, cfg)
	}
	return storage.NewLocalBlobStore(cfg.Root)
}

func newBus(ctx context.Context, cfg config.BusConfig, redisClient *redis.Client,
	logger observability.Logger, metrics observability.MetricsClient) (queue.Bus, error) {
	if cfg.Provider == "sqs" {
		return queue.NewSQSBus(ctx, cfg, logger, metrics)
	}
	return queue.NewRedisStreamsBus(redisClient, cfg, logger, metrics), nil
}

func newEmbeddingProvider(ctx context.Context, cfg config.EmbeddingConfig, region string) (embedding.Provider, error) {
	if cfg.Provider == "bedrock" {
		return embedding.NewBedrockProvider(ctx, region)
	}
	return embedding.NewOpenAIProvider(cfg.APIKey, cfg.BaseURL), nil
}
