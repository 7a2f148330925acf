// Package cmd implements the docpipectl subcommands.
package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/docpipe/docpipe/internal/blobstore"
	"github.com/docpipe/docpipe/internal/clock"
	"github.com/docpipe/docpipe/internal/config"
	"github.com/docpipe/docpipe/internal/embedder"
	"github.com/docpipe/docpipe/internal/queue"
	"github.com/docpipe/docpipe/internal/repository/postgres"
	"github.com/docpipe/docpipe/internal/service"
	"github.com/docpipe/docpipe/internal/vectorstore"
)

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "docpipectl",
		Short:         "Administer the document ingestion pipeline",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.AddCommand(
		newTenantCmd(),
		newUploadCmd(),
		newStatusCmd(),
		newSearchCmd(),
		newDocumentCmd(),
	)

	return root
}

// Execute runs the CLI.
func Execute() error {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		return err
	}
	return nil
}

// app holds the wired services plus the connections to close afterwards.
type app struct {
	cfg     *config.Config
	tenants *service.TenantService
	ingest  *service.IngestService
	search  *service.SearchService

	closers []func()
}

func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
}

// newApp connects to every backend and builds the service layer.
func newApp(ctx context.Context) (*app, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelWarn,
	}))

	a := &app{cfg: cfg}

	db, err := postgres.New(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	a.closers = append(a.closers, db.Close)

	redisOpts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("invalid redis url: %w", err)
	}
	redisClient := redis.NewClient(redisOpts)
	a.closers = append(a.closers, func() { _ = redisClient.Close() })

	blobs, err := blobstore.NewMinioStore(ctx, blobstore.MinioConfig{
		Endpoint:  cfg.MinioEndpoint,
		AccessKey: cfg.MinioAccessKey,
		SecretKey: cfg.MinioSecretKey,
		Bucket:    cfg.MinioBucket,
		Secure:    cfg.MinioSecure,
	})
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("failed to connect to blob storage: %w", err)
	}

	vectors, err := vectorstore.NewQdrantStore(ctx, cfg.QdrantGRPCURL, cfg.QdrantCollection)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("failed to connect to Qdrant: %w", err)
	}
	a.closers = append(a.closers, func() { _ = vectors.Close() })

	embed := embedder.NewOpenAIEmbedder(embedder.OpenAIConfig{
		BaseURL:   cfg.OpenAIBaseURL,
		APIKey:    cfg.OpenAIAPIKey,
		Model:     cfg.EmbeddingModel,
		Dimension: cfg.EmbeddingDim,
		BatchSize: cfg.EmbeddingBatch,
	})

	tenantRepo := postgres.NewTenantRepo(db)
	documentRepo := postgres.NewDocumentRepo(db)
	jobRepo := postgres.NewJobRepo(db)
	jobQueue := queue.NewRedisQueue(redisClient)
	clk := clock.Real{}

	a.tenants = service.NewTenantService(tenantRepo, vectors, blobs, jobQueue, clk, cfg.DefaultRateLimit, logger)
	a.ingest = service.NewIngestService(documentRepo, jobRepo, blobs, vectors, jobQueue, clk, service.IngestConfig{
		MaxFileSize:       cfg.MaxFileSize,
		AllowedExtensions: cfg.AllowedExtensions,
		BulkUploadCap:     cfg.BulkUploadCap,
	}, logger)
	a.search = service.NewSearchService(vectors, embed, logger)

	return a, nil
}
