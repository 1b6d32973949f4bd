package main

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/insight-hunter/insight-hunter/internal/ai"
	"github.com/insight-hunter/insight-hunter/internal/domain/categorization"
	"github.com/insight-hunter/insight-hunter/internal/domain/ingest/handler"
	"github.com/insight-hunter/insight-hunter/internal/domain/ingest/repository"
	"github.com/insight-hunter/insight-hunter/internal/domain/ingest/service"
	"github.com/insight-hunter/insight-hunter/internal/domain/search"
	"github.com/insight-hunter/insight-hunter/internal/vectorindex"
	"github.com/insight-hunter/insight-hunter/pkg/config"
	"github.com/insight-hunter/insight-hunter/pkg/cron"
	"github.com/insight-hunter/insight-hunter/pkg/db"
	"github.com/insight-hunter/insight-hunter/pkg/metrics"
	"github.com/insight-hunter/insight-hunter/pkg/storage"
)

const classifyTimeout = 15 * time.Second

// Dependencies holds all application dependencies
type Dependencies struct {
	Config *config.Config
	DB     *db.DB
	Logger *slog.Logger

	Blobs       storage.BlobStore
	Gemini      *ai.Gemini
	Vectors     *vectorindex.MemoryIndex
	SearchIndex *search.Index
	Metrics     *metrics.Metrics
	Registry    *prometheus.Registry

	IngestRepo    *repository.Repository
	IngestService *service.Service
	IngestHandler *handler.Handler
	Scheduler     *cron.Scheduler
}

// InitDependencies initializes all application dependencies
func InitDependencies(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Dependencies, error) {
	deps := &Dependencies{
		Config: cfg,
		Logger: logger,
	}

	if err := deps.initDatabase(); err != nil {
		return nil, fmt.Errorf("failed to init database: %w", err)
	}
	if err := deps.initInfrastructure(ctx); err != nil {
		return nil, fmt.Errorf("failed to init infrastructure: %w", err)
	}
	if err := deps.initIngest(); err != nil {
		return nil, fmt.Errorf("failed to init ingest: %w", err)
	}

	logger.Info("all dependencies initialized successfully")
	return deps, nil
}

// initDatabase initializes the database connection and runs migrations
func (d *Dependencies) initDatabase() error {
	database, err := db.New(db.Config{
		DSN:             d.Config.Database.DSN(),
		MaxConns:        25,
		MinConns:        5,
		MaxConnLifetime: 5 * time.Minute,
		MaxConnIdleTime: 10 * time.Minute,
	}, d.Logger)
	if err != nil {
		return err
	}
	d.DB = database

	if err := d.DB.RunMigrations(); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}
	d.Logger.Info("database connected and migrations completed successfully")
	return nil
}

// initInfrastructure sets up blob storage, the Gemini client and the indexes
func (d *Dependencies) initInfrastructure(ctx context.Context) error {
	blobs, err := storage.New(&storage.Config{
		Type:              storage.StorageType(d.Config.Storage.Type),
		LocalPath:         d.Config.Storage.LocalPath,
		S3Bucket:          d.Config.Storage.S3Bucket,
		S3Region:          d.Config.Storage.S3Region,
		S3AccessKeyID:     d.Config.Storage.S3AccessKeyID,
		S3SecretAccessKey: d.Config.Storage.S3SecretAccessKey,
		S3Endpoint:        d.Config.Storage.S3Endpoint,
	})
	if err != nil {
		return fmt.Errorf("init blob storage: %w", err)
	}
	d.Blobs = blobs

	gemini, err := ai.NewGemini(ctx, ai.Config{
		APIKey:         d.Config.Gemini.APIKey,
		Model:          d.Config.Gemini.Model,
		EmbeddingModel: d.Config.Gemini.EmbeddingModel,
	}, categorization.Labels, d.Logger)
	if err != nil {
		return fmt.Errorf("init gemini client: %w", err)
	}
	d.Gemini = gemini

	d.Vectors = vectorindex.NewMemoryIndex()

	searchIndex, err := search.NewIndex(d.Config.Ingest.SearchIndexPath)
	if err != nil {
		return fmt.Errorf("init search index: %w", err)
	}
	d.SearchIndex = searchIndex

	d.Registry = prometheus.NewRegistry()
	d.Metrics = metrics.New(d.Registry)
	return nil
}

// initIngest wires the ingestion pipeline
func (d *Dependencies) initIngest() error {
	d.IngestRepo = repository.New(d.DB.Pool)

	var strategy categorization.Strategy
	switch d.Config.Ingest.Strategy {
	case "similarity":
		strategy = categorization.NewSimilarity(d.Gemini, d.Vectors, classifyTimeout)
	default:
		strategy = categorization.NewAssisted(d.Gemini, classifyTimeout, d.Logger)
	}

	d.IngestService = service.New(
		d.IngestRepo,
		d.Blobs,
		strategy,
		d.Gemini,
		d.Vectors,
		d.SearchIndex,
		d.Metrics,
		service.Config{
			MaxUploadBytes:  d.Config.Ingest.MaxUploadBytes,
			InsertBatchSize: d.Config.Ingest.InsertBatchSize,
			PreviewRows:     d.Config.Ingest.PreviewRows,
			HistoryLimit:    d.Config.Ingest.HistoryLimit,
		},
		d.Logger,
	)
	d.IngestHandler = handler.New(d.IngestService, d.Logger)
	d.Scheduler = cron.NewScheduler(d.IngestService, d.Config.Ingest.BackfillSchedule, d.Logger)

	d.Logger.Info("ingest pipeline initialized",
		slog.String("strategy", d.Config.Ingest.Strategy))
	return nil
}

// Close releases held resources in reverse initialization order
func (d *Dependencies) Close() {
	if d.Scheduler != nil {
		d.Scheduler.Stop()
	}
	if d.SearchIndex != nil {
		if err := d.SearchIndex.Close(); err != nil {
			d.Logger.Warn("closing search index", slog.Any("error", err))
		}
	}
	if d.DB != nil {
		d.DB.Close()
	}
}
