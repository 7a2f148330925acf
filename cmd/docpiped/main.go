package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/redis/go-redis/v9"

	"github.com/docpipe/docpipe/internal/blobstore"
	"github.com/docpipe/docpipe/internal/clock"
	"github.com/docpipe/docpipe/internal/config"
	"github.com/docpipe/docpipe/internal/embedder"
	"github.com/docpipe/docpipe/internal/extractor"
	"github.com/docpipe/docpipe/internal/ingestion"
	"github.com/docpipe/docpipe/internal/queue"
	"github.com/docpipe/docpipe/internal/repository/postgres"
	"github.com/docpipe/docpipe/internal/vectorstore"
	"github.com/docpipe/docpipe/internal/worker"
)

func main() {
	// Set up structured logging
	logLevel := slog.LevelInfo
	if os.Getenv("LOG_LEVEL") == "debug" {
		logLevel = slog.LevelDebug
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	}))
	slog.SetDefault(logger)

	if err := run(logger); err != nil {
		slog.Error("failed to run pipeline", "error", err)
		os.Exit(1)
	}
}

func run(logger *slog.Logger) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	slog.Info("starting ingestion pipeline",
		"environment", cfg.Environment,
		"extract_workers", cfg.ExtractWorkers,
		"chunk_workers", cfg.ChunkWorkers,
		"embed_workers", cfg.EmbedWorkers,
	)

	// Initialize PostgreSQL
	db, err := postgres.New(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	defer db.Close()
	slog.Info("connected to PostgreSQL")

	// Initialize repositories
	documentRepo := postgres.NewDocumentRepo(db)
	jobRepo := postgres.NewJobRepo(db)

	// Initialize Redis job queue
	redisOpts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		return fmt.Errorf("invalid redis url: %w", err)
	}
	redisClient := redis.NewClient(redisOpts)
	defer redisClient.Close()
	if err := redisClient.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("failed to connect to redis: %w", err)
	}
	jobQueue := queue.NewRedisQueue(redisClient)
	slog.Info("connected to Redis")

	// Initialize MinIO blob storage
	blobs, err := blobstore.NewMinioStore(ctx, blobstore.MinioConfig{
		Endpoint:  cfg.MinioEndpoint,
		AccessKey: cfg.MinioAccessKey,
		SecretKey: cfg.MinioSecretKey,
		Bucket:    cfg.MinioBucket,
		Secure:    cfg.MinioSecure,
	})
	if err != nil {
		return fmt.Errorf("failed to connect to blob storage: %w", err)
	}
	slog.Info("connected to blob storage", "bucket", cfg.MinioBucket)

	// Initialize Qdrant vector store
	vectors, err := vectorstore.NewQdrantStore(ctx, cfg.QdrantGRPCURL, cfg.QdrantCollection)
	if err != nil {
		return fmt.Errorf("failed to connect to Qdrant: %w", err)
	}
	defer vectors.Close()
	if err := vectors.EnsureCollection(ctx, cfg.EmbeddingDim); err != nil {
		return fmt.Errorf("failed to prepare collection: %w", err)
	}
	slog.Info("connected to Qdrant", "collection", cfg.QdrantCollection)

	// Initialize embedder
	embed := embedder.NewOpenAIEmbedder(embedder.OpenAIConfig{
		BaseURL:   cfg.OpenAIBaseURL,
		APIKey:    cfg.OpenAIAPIKey,
		Model:     cfg.EmbeddingModel,
		Dimension: cfg.EmbeddingDim,
		BatchSize: cfg.EmbeddingBatch,
	})
	slog.Info("initialized embedder", "model", embed.ModelName(), "dimension", embed.Dimension())

	// Stage handlers
	clk := clock.Real{}
	retry := worker.RetryConfig{
		MaxRetries:  cfg.MaxRetries,
		BackoffBase: cfg.RetryBackoffBase,
		MaxBackoff:  cfg.MaxBackoff,
	}
	formats := extractor.NewRegistry()
	chunker := ingestion.NewChunker(ingestion.ChunkerConfig{
		ChunkSizeTokens:    cfg.ChunkSizeTokens,
		ChunkOverlapTokens: cfg.ChunkOverlapTokens,
	})

	extractHandler := worker.NewExtractHandler(documentRepo, jobRepo, blobs, formats, jobQueue, clk, retry, logger)
	chunkHandler := worker.NewChunkHandler(documentRepo, jobRepo, blobs, chunker, jobQueue, clk, retry, logger)
	embedHandler := worker.NewEmbedHandler(documentRepo, jobRepo, blobs, vectors, embed, jobQueue, clk, retry, logger)

	pools := []*worker.Pool{
		worker.NewPool(cfg.ExtractWorkers, jobQueue, extractHandler, clk, cfg.QueuePollInterval, logger),
		worker.NewPool(cfg.ChunkWorkers, jobQueue, chunkHandler, clk, cfg.QueuePollInterval, logger),
		worker.NewPool(cfg.EmbedWorkers, jobQueue, embedHandler, clk, cfg.QueuePollInterval, logger),
	}

	var wg sync.WaitGroup
	for _, pool := range pools {
		wg.Add(1)
		go func(p *worker.Pool) {
			defer wg.Done()
			p.Run(ctx)
		}(pool)
	}
	slog.Info("workers started")

	// Wait for shutdown signal, then drain
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	slog.Info("shutting down", "signal", sig.String())

	cancel()
	wg.Wait()
	slog.Info("workers stopped")

	return nil
}
