// The worker binary runs the asynchronous side of the platform: the
// embedding/indexing consumer and the document completion tracker.
package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/contextmesh/contextmesh/pkg/cache"
	"github.com/contextmesh/contextmesh/pkg/config"
	"github.com/contextmesh/contextmesh/pkg/database"
	"github.com/contextmesh/contextmesh/pkg/embedding"
	"github.com/contextmesh/contextmesh/pkg/ingestion"
	"github.com/contextmesh/contextmesh/pkg/observability"
	"github.com/contextmesh/contextmesh/pkg/queue"
	"github.com/contextmesh/contextmesh/pkg/vector"
)

func main() {
	_ = godotenv.Load()

	logger := observability.NewLogger("worker")
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

	var bus queue.Bus
	if cfg.Bus.Provider == "sqs" {
		bus, err = queue.NewSQSBus(ctx, cfg.Bus, logger, metrics)
		if err != nil {
			logger.Fatal("Failed to initialize event bus", map[string]interface{}{"error": err.Error()})
		}
	} else {
		bus = queue.NewRedisStreamsBus(redisClient, cfg.Bus, logger, metrics)
	}
	defer func() { _ = bus.Close() }()

	vectors, err := vector.NewPgVectorStore(db)
	if err != nil {
		logger.Fatal("Failed to initialize vector store", map[string]interface{}{"error": err.Error()})
	}

	var provider embedding.Provider
	if cfg.Embedding.Provider == "bedrock" {
		provider, err = embedding.NewBedrockProvider(ctx, cfg.Blob.Region)
		if err != nil {
			logger.Fatal("Failed to initialize embedding provider", map[string]interface{}{"error": err.Error()})
		}
	} else {
		provider = embedding.NewOpenAIProvider(cfg.Embedding.APIKey, cfg.Embedding.BaseURL)
	}
	batcher := embedding.NewBatcher(provider, cfg.Embedding.MaxBatch, cfg.Embedding.MaxWait)
	defer batcher.Close()
	embCache, err := embedding.NewCache(kv, 4096, cfg.Embedding.CacheTTL, metrics)
	if err != nil {
		logger.Fatal("Failed to initialize embedding cache", map[string]interface{}{"error": err.Error()})
	}
	embeddings := embedding.NewService(cfg.Embedding, batcher, embCache, vectors, logger, metrics)

	docs := database.NewDocumentRepository(db)
	chunks := database.NewChunkRepository(db)

	consumer := embedding.NewConsumer(bus, embeddings, vectors, chunks, cfg.Embedding.MaxInFlight, logger, metrics)
	tracker := ingestion.NewTracker(cfg.Ingestion, docs, kv, bus, logger, metrics)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return ignoreCanceled(consumer.Run(ctx)) })
	g.Go(func() error { return ignoreCanceled(tracker.Run(ctx)) })

	logger.Info("Worker started", map[string]interface{}{"bus": cfg.Bus.Provider})
	if err := g.Wait(); err != nil {
		logger.Error("Worker exited with error", map[string]interface{}{"error": err.Error()})
		os.Exit(1)
	}
	logger.Info("Worker stopped", nil)
}

func ignoreCanceled(err error) error {
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
