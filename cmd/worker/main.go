package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"
	"go.temporal.io/api/enums/v1"
	"go.temporal.io/sdk/contrib/opentelemetry"
	"go.temporal.io/sdk/interceptor"
	"go.temporal.io/sdk/worker"
	"go.uber.org/zap"
	"gorm.io/gorm"

	temporalclient "go.temporal.io/sdk/client"

	"github.com/instill-ai/indexing-backend/config"
	"github.com/instill-ai/indexing-backend/pkg/connector"
	"github.com/instill-ai/indexing-backend/pkg/connector/blob"
	"github.com/instill-ai/indexing-backend/pkg/connector/static"
	"github.com/instill-ai/indexing-backend/pkg/indexing"
	"github.com/instill-ai/indexing-backend/pkg/lock"
	"github.com/instill-ai/indexing-backend/pkg/repository"
	"github.com/instill-ai/indexing-backend/pkg/repository/object"
	"github.com/instill-ai/x/temporal"

	database "github.com/instill-ai/indexing-backend/pkg/db"
	indexingworker "github.com/instill-ai/indexing-backend/pkg/worker"
	logx "github.com/instill-ai/x/log"
	miniox "github.com/instill-ai/x/minio"
	otelx "github.com/instill-ai/x/otel"
)

const gracefulShutdownWaitPeriod = 15 * time.Second // Wait period before stopping worker
const gracefulShutdownTimeout = 60 * time.Minute    // Maximum time for in-flight batches to complete

var (
	// These variables might be overridden at buildtime.
	serviceName    = "indexing-backend-worker"
	serviceVersion = "dev"
)

func main() {
	if err := config.Init(config.ParseConfigFlag()); err != nil {
		log.Fatal(err.Error())
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Setup all OpenTelemetry components
	cleanup := otelx.SetupWithCleanup(ctx,
		otelx.WithServiceName(serviceName),
		otelx.WithServiceVersion(serviceVersion),
		otelx.WithHost(config.Config.OTELCollector.Host),
		otelx.WithPort(config.Config.OTELCollector.Port),
		otelx.WithCollectorEnable(config.Config.OTELCollector.Enable),
	)
	defer cleanup()

	logx.Debug = config.Config.Server.Debug
	logger, _ := logx.GetZapLogger(ctx)
	defer func() {
		// can't handle the error due to https://github.com/uber-go/zap/issues/880
		_ = logger.Sync()
	}()

	redisClient, db, temporalClient, closeClients := newClients(logger)
	defer closeClients()

	objectStorage, err := newObjectStorage(ctx, logger)
	if err != nil {
		logger.Fatal("Failed to initialize object storage", zap.Error(err))
	}

	repo := repository.NewRepository(db)

	pipeline, closePipeline, err := newPipeline(ctx, logger, repo)
	if err != nil {
		logger.Fatal("Failed to initialize indexing pipeline", zap.Error(err))
	}
	defer closePipeline()

	// Every source connector the worker can run.
	connectors := connector.NewRegistry()
	connectors.Register(static.Source, static.New)
	connectors.Register(blob.Source, blob.New)

	cw, err := indexingworker.New(indexingworker.Config{
		Repository:                        repo,
		ObjectStorage:                     objectStorage,
		Locker:                            lock.NewRedisLocker(redisClient, logger),
		Connectors:                        connectors,
		Indexer:                           pipeline,
		Dispatcher:                        indexingworker.NewTemporalDispatcher(temporalClient),
		Indexing:                          config.Config.Indexing,
		LeaveConnectorActiveOnInitFailure: config.Config.Server.LeaveConnectorActiveOnInitFailure,
	}, logger)
	if err != nil {
		logger.Fatal("Unable to create worker", zap.Error(err))
	}

	w := worker.New(temporalClient, indexingworker.TaskQueue, worker.Options{
		WorkflowPanicPolicy:                    worker.BlockWorkflow,
		WorkerStopTimeout:                      gracefulShutdownTimeout,
		MaxConcurrentWorkflowTaskExecutionSize: 100,
		MaxConcurrentActivityExecutionSize:     config.Config.Indexing.DocProcessingParallelism,
		Interceptors: func() []interceptor.WorkerInterceptor {
			if !config.Config.OTELCollector.Enable {
				return nil
			}
			workerInterceptor, err := opentelemetry.NewTracingInterceptor(opentelemetry.TracerOptions{
				Tracer:            otel.Tracer(serviceName),
				TextMapPropagator: otel.GetTextMapPropagator(),
			})
			if err != nil {
				logger.Fatal("Unable to create worker tracing interceptor", zap.Error(err))
			}
			return []interceptor.WorkerInterceptor{workerInterceptor}
		}(),
	})

	// ===== Workflow Registrations =====
	w.RegisterWorkflow(cw.DocFetchingWorkflow)       // Extracts an attempt's documents into staged batches
	w.RegisterWorkflow(cw.DocProcessingWorkflow)     // Indexes one staged batch
	w.RegisterWorkflow(cw.CheckForIndexingWorkflow)  // Scheduler and monitor loop (singleton)
	w.RegisterWorkflow(cw.CheckpointCleanupWorkflow) // Expired checkpoint cleanup (singleton)

	// ===== Activity Registrations =====
	w.RegisterActivity(cw.DocFetchingActivity)
	w.RegisterActivity(cw.DocProcessingActivity)
	w.RegisterActivity(cw.MarkAttemptFailedActivity)
	w.RegisterActivity(cw.CheckForIndexingActivity)
	w.RegisterActivity(cw.CheckpointCleanupActivity)

	if err := w.Start(); err != nil {
		logger.Fatal(fmt.Sprintf("Unable to start worker: %s", err))
	}

	logger.Info("Temporal worker started successfully and is polling for tasks")

	// The periodic workflows run as singletons: a fixed workflow ID means
	// every worker replica starts them and the later ones get the running one.
	go startSingleton(logger, temporalClient, indexingworker.CheckForIndexingWorkflowID, cw.CheckForIndexingWorkflow,
		indexingworker.PeriodicWorkflowParam{Interval: config.Config.Indexing.SchedulerInterval})
	go startSingleton(logger, temporalClient, indexingworker.CheckpointCleanupWorkflowID, cw.CheckpointCleanupWorkflow,
		indexingworker.PeriodicWorkflowParam{})

	// Setup graceful shutdown on SIGTERM (kill) and SIGINT (Ctrl+C)
	quitSig := make(chan os.Signal, 1)
	signal.Notify(quitSig, syscall.SIGINT, syscall.SIGTERM)

	<-quitSig

	logger.Info("Shutdown signal received, waiting for in-flight batches to complete...")
	time.Sleep(gracefulShutdownWaitPeriod)

	logger.Info("Shutting down worker...")
	w.Stop()
}

func startSingleton(logger *zap.Logger, temporalClient temporalclient.Client, id string, wf any, param indexingworker.PeriodicWorkflowParam) {
	workflowOptions := temporalclient.StartWorkflowOptions{
		ID:                       id,
		TaskQueue:                indexingworker.TaskQueue,
		WorkflowIDReusePolicy:    enums.WORKFLOW_ID_REUSE_POLICY_ALLOW_DUPLICATE,
		WorkflowIDConflictPolicy: enums.WORKFLOW_ID_CONFLICT_POLICY_USE_EXISTING,
		WorkflowExecutionTimeout: 0, // No timeout - continues as new
	}

	logger.Info("Starting periodic workflow", zap.String("workflowID", id))
	if _, err := temporalClient.ExecuteWorkflow(context.Background(), workflowOptions, wf, param); err != nil {
		logger.Error("Failed to start periodic workflow", zap.String("workflowID", id), zap.Error(err))
		return
	}
	logger.Info("Periodic workflow running", zap.String("workflowID", id))
}

// newClients initializes the database, Redis and Temporal clients and
// returns a cleanup function.
func newClients(logger *zap.Logger) (*redis.Client, *gorm.DB, temporalclient.Client, func()) {
	closeFuncs := map[string]func() error{}

	db := database.GetSharedConnection()
	closeFuncs["database"] = func() error {
		database.Close(db)
		return nil
	}

	// Redis backs the cluster-wide locks.
	redisClient := redis.NewClient(&config.Config.Cache.Redis.RedisOptions)
	closeFuncs["redis"] = redisClient.Close

	temporalClientOptions, err := temporal.ClientOptions(config.Config.Temporal, logger)
	if err != nil {
		logger.Fatal("Unable to build Temporal client options", zap.Error(err))
	}

	if config.Config.OTELCollector.Enable {
		temporalTracingInterceptor, err := opentelemetry.NewTracingInterceptor(opentelemetry.TracerOptions{
			Tracer:            otel.Tracer(serviceName),
			TextMapPropagator: otel.GetTextMapPropagator(),
		})
		if err != nil {
			logger.Fatal("Unable to create temporal tracing interceptor", zap.Error(err))
		}
		temporalClientOptions.Interceptors = []interceptor.ClientInterceptor{temporalTracingInterceptor}
	}

	temporalClient, err := temporalclient.Dial(temporalClientOptions)
	if err != nil {
		logger.Fatal("Unable to create Temporal client", zap.Error(err))
	}
	closeFuncs["temporal"] = func() error {
		temporalClient.Close()
		return nil
	}

	closer := func() {
		for conn, fn := range closeFuncs {
			if err := fn(); err != nil {
				logger.Error("Failed to close conn", zap.Error(err), zap.String("conn", conn))
			}
		}
	}

	return redisClient, db, temporalClient, closer
}

// newObjectStorage returns the storage that stages batches and checkpoints,
// as selected by blob.backend.
func newObjectStorage(ctx context.Context, logger *zap.Logger) (object.Storage, error) {
	bucket := config.Config.Indexing.BatchBucket

	switch config.Config.Blob.Backend {
	case "gcs":
		gcs := config.Config.GCS
		if gcs.Bucket == "" {
			gcs.Bucket = bucket
		}
		storage, err := object.NewGCSStorage(ctx, object.GCSConfig{
			ProjectID: gcs.ProjectID,
			Region:    gcs.Region,
			Bucket:    gcs.Bucket,
			// Trim whitespace from service account key to handle YAML multiline formatting
			ServiceAccountKey: strings.TrimSpace(gcs.SAKey),
		})
		if err != nil {
			return nil, err
		}
		logger.Info("GCS object storage initialized", zap.String("bucket", gcs.Bucket))
		return storage, nil
	case "memory":
		logger.Warn("In-memory object storage: staged batches don't survive a restart")
		return object.NewMemoryStorage(bucket), nil
	default:
		logger.Info("Initializing MinIO client", zap.String("bucket", bucket), zap.String("host", config.Config.Minio.Host))
		return object.NewMinIOStorage(ctx, miniox.ClientParams{
			Config: config.Config.Minio,
			Logger: logger,
			AppInfo: miniox.AppInfo{
				Name:    serviceName,
				Version: serviceVersion,
			},
		}, bucket)
	}
}

// newPipeline builds the indexing pipeline from the embedding
// configuration.
func newPipeline(ctx context.Context, logger *zap.Logger, catalog indexing.DocumentCatalog) (*indexing.Pipeline, func(), error) {
	cfg := config.Config.Embedding

	chunker, err := indexing.NewTokenChunker(cfg.ChunkSize, cfg.ChunkOverlap)
	if err != nil {
		return nil, nil, err
	}

	var embedder indexing.Embedder
	switch cfg.Provider {
	case "gemini":
		embedder, err = indexing.NewGeminiEmbedder(ctx, cfg.APIKey, cfg.Model, cfg.Dimension, config.Config.Indexing.DocProcessingParallelism)
	default:
		embedder, err = indexing.NewOpenAIEmbedder(cfg.APIKey, cfg.Model, cfg.Dimension, config.Config.Indexing.DocProcessingParallelism)
	}
	if err != nil {
		return nil, nil, fmt.Errorf("creating %s embedder: %w", cfg.Provider, err)
	}
	logger.Info("Embedder initialized", zap.String("provider", cfg.Provider), zap.String("model", embedder.Model()))

	vectors, err := indexing.NewMilvusVectorStore(ctx, config.Config.Milvus.Host, config.Config.Milvus.Port, logger)
	if err != nil {
		return nil, nil, fmt.Errorf("creating milvus client: %w", err)
	}

	keywords, err := indexing.NewBleveKeywordIndex(cfg.KeywordIndexPath)
	if err != nil {
		_ = vectors.Close(ctx)
		return nil, nil, err
	}

	closer := func() {
		if err := keywords.Close(); err != nil {
			logger.Error("Failed to close keyword index", zap.Error(err))
		}
		if err := vectors.Close(context.Background()); err != nil {
			logger.Error("Failed to close milvus client", zap.Error(err))
		}
	}

	return indexing.NewPipeline(chunker, embedder, vectors, keywords, catalog, logger), closer, nil
}
