package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/tas-graphrag/config"
	"github.com/tas-graphrag/handlers"
	"github.com/tas-graphrag/models"
	"github.com/tas-graphrag/pkg/observability"
	"github.com/tas-graphrag/services/enrichment"
	"github.com/tas-graphrag/services/impl"
	"github.com/tas-graphrag/services/retrieval"
	"github.com/tas-graphrag/services/retry"
	"github.com/tas-graphrag/services/tasks"
)

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		panic("failed to load config: " + err.Error())
	}

	logger, err := observability.NewLogger(cfg.Logging.Level, cfg.Logging.Format)
	if err != nil {
		panic("failed to build logger: " + err.Error())
	}
	defer logger.Sync()

	if err := run(cfg, logger); err != nil {
		logger.Fatal("startup failed", zap.Error(err))
	}
}

func run(cfg *config.Config, logger *zap.Logger) error {
	db, err := openDatabase(cfg)
	if err != nil {
		return err
	}

	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.GetRedisAddress(),
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
		PoolSize: cfg.Redis.PoolSize,
	})

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	metrics := observability.NewMetrics(registry)

	startCtx, startCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer startCancel()

	// Backend adapters.
	cache := impl.NewCacheService(redisClient, &cfg.Redis, logger)
	if err := cache.Ping(startCtx); err != nil {
		return err
	}
	vectorStore := impl.NewVectorStore(&cfg.Vector, logger)
	graphStore := impl.NewGraphStore(&cfg.Graph, logger)
	for _, collection := range []string{impl.MemoriesCollection, impl.ChunksCollection} {
		if err := vectorStore.EnsureCollection(startCtx, collection); err != nil {
			logger.Warn("collection bootstrap failed, continuing",
				zap.String("collection", collection), zap.Error(err))
		}
	}

	// Model capabilities.
	embedder := impl.NewEmbeddingClient(&cfg.Embeddings, cfg.Vector.Dimension, cache, logger)
	extraction := impl.NewExtractionService(&cfg.LLM, logger)
	triage := impl.NewTriageClassifier(logger)

	// Failure handling.
	analyzer := retry.NewAnalyzer(db, logger)
	budget := retry.NewBudgetManager(&cfg.Retry)
	dlq := retry.NewDeadLetterService(db, metrics, logger)
	executor := retry.NewExecutor(analyzer, budget, dlq, metrics, logger)

	// Task tracking.
	taskRepo := tasks.NewRepository(db)
	taskManager := tasks.NewManager(taskRepo, logger)
	reconciler := tasks.NewReconciler(taskManager, taskRepo, cfg.Reconciler.Strategy, time.Minute, metrics, logger)

	// Background enrichment.
	queue := enrichment.NewQueue(redisClient, cache, &cfg.Queue, logger)
	pipeline := enrichment.NewPipeline(db, vectorStore, graphStore, embedder, extraction, extraction, extraction, logger)
	workers := enrichment.NewWorkerPool(queue, pipeline, db, dlq, &cfg.Queue, metrics, logger)

	// Ingest and retrieval surfaces.
	memoryRouter := impl.NewMemoryRouter(db, vectorStore, cache, embedder, triage, pipeline, queue, cfg, metrics, logger)
	documents := impl.NewDocumentService(db, vectorStore, cache, embedder, logger)
	interactions := impl.NewInteractionService(db, logger)
	engine := retrieval.NewEngine(db, vectorStore, graphStore, embedder, embedder, &cfg.Retrieval, metrics, logger)

	// Dead-lettered enrichment jobs replay through the task manager under
	// the global retry budget.
	taskManager.RegisterHandler("enrichment", func(ctx context.Context, taskID string, params map[string]interface{}) error {
		job, err := enrichmentJobFromParams(taskID, params)
		if err != nil {
			return err
		}
		meta := map[string]interface{}{
			models.DLQMetaTaskType:   "enrichment",
			models.DLQMetaTaskParams: params,
		}
		return executor.Execute(ctx, taskID, "enrichment", "pipeline.run", meta, func(ctx context.Context) error {
			_, runErr := pipeline.Enrich(ctx, job)
			return runErr
		})
	})
	// URL ingestion runs off the request path; the task record is what the
	// client polls.
	taskManager.RegisterHandler("document_ingest", func(ctx context.Context, taskID string, params map[string]interface{}) error {
		req, tenant, err := ingestRequestFromParams(params)
		if err != nil {
			return err
		}
		meta := map[string]interface{}{
			models.DLQMetaTaskType:   "document_ingest",
			models.DLQMetaTaskParams: params,
		}
		return executor.Execute(ctx, taskID, "documents", "ingest_url", meta, func(ctx context.Context) error {
			_, runErr := documents.IngestFromURL(ctx, req, tenant)
			return runErr
		})
	})
	processor := retry.NewProcessor(dlq, taskManager, budget, cache, &cfg.DLQ, logger)

	rootCtx, rootCancel := context.WithCancel(context.Background())
	defer rootCancel()

	workers.Start(rootCtx)
	processor.Start(rootCtx)
	reconciler.Start(rootCtx)

	h := &handlers.Handlers{
		Memory:      handlers.NewMemoryHandler(memoryRouter, db, &cfg.Server),
		Retrieval:   handlers.NewRetrievalHandler(engine, embedder),
		Documents:   handlers.NewDocumentHandler(documents, taskManager, &cfg.Server),
		Interaction: handlers.NewInteractionHandler(interactions),
		Admin:       handlers.NewAdminHandler(db, dlq, analyzer, taskManager, reconciler, queue, vectorStore, graphStore, logger),
		Health:      handlers.NewHealthHandler(db, cache, vectorStore, graphStore),
	}
	router := handlers.NewRouter(cfg, h, registry)

	server := &http.Server{
		Addr:         cfg.GetServerAddress(),
		Handler:      router,
		ReadTimeout:  time.Duration(cfg.Server.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(cfg.Server.WriteTimeout) * time.Second,
		IdleTimeout:  time.Duration(cfg.Server.IdleTimeout) * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server listening", zap.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return err
	case sig := <-quit:
		logger.Info("shutting down", zap.String("signal", sig.String()))
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("server shutdown incomplete", zap.Error(err))
	}

	// Stop intake first, then let in-flight background work drain.
	rootCancel()
	workers.Stop()
	processor.Stop()
	reconciler.Stop()

	if err := redisClient.Close(); err != nil {
		logger.Warn("redis close failed", zap.Error(err))
	}
	logger.Info("shutdown complete")
	return nil
}

func openDatabase(cfg *config.Config) (*gorm.DB, error) {
	db, err := gorm.Open(postgres.Open(cfg.GetDatabaseDSN()), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Warn),
	})
	if err != nil {
		return nil, err
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	sqlDB.SetMaxOpenConns(cfg.Database.MaxOpenConns)
	sqlDB.SetMaxIdleConns(cfg.Database.MaxIdleConns)
	sqlDB.SetConnMaxLifetime(time.Duration(cfg.Database.MaxLifetime) * time.Second)

	if err := db.AutoMigrate(
		&models.Memory{},
		&models.Document{},
		&models.Chunk{},
		&models.Entity{},
		&models.Relationship{},
		&models.Interaction{},
		&models.ErrorPattern{},
		&models.RetryAttempt{},
		&models.DeadLetterEntry{},
		&models.Task{},
	); err != nil {
		return nil, err
	}
	return db, nil
}

func ingestRequestFromParams(params map[string]interface{}) (*models.IngestURLRequest, models.TenantContext, error) {
	data, err := models.ConvertToJSON(params)
	if err != nil {
		return nil, models.TenantContext{}, err
	}
	payload, err := models.ParseJSON[struct {
		models.IngestURLRequest
		Tenant models.TenantContext `json:"tenant"`
	}](data)
	if err != nil {
		return nil, models.TenantContext{}, err
	}
	return &payload.IngestURLRequest, payload.Tenant, nil
}

func enrichmentJobFromParams(taskID string, params map[string]interface{}) (*models.EnrichmentJob, error) {
	data, err := models.ConvertToJSON(params)
	if err != nil {
		return nil, err
	}
	job, err := models.ParseJSON[models.EnrichmentJob](data)
	if err != nil {
		return nil, err
	}
	job.JobID = taskID
	return &job, nil
}
