package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"

	"github.com/cuongbtq/longtext-translator/internal/archive"
	"github.com/cuongbtq/longtext-translator/internal/config"
	"github.com/cuongbtq/longtext-translator/internal/dispatch"
	"github.com/cuongbtq/longtext-translator/internal/domain"
	"github.com/cuongbtq/longtext-translator/internal/engine"
	"github.com/cuongbtq/longtext-translator/internal/ledger"
	"github.com/cuongbtq/longtext-translator/internal/retry"
	"github.com/cuongbtq/longtext-translator/internal/scheduler"
	"github.com/cuongbtq/longtext-translator/internal/statuscache"
	"github.com/cuongbtq/longtext-translator/internal/storage/postgres"
	"github.com/cuongbtq/longtext-translator/internal/sweeper"
	"github.com/cuongbtq/longtext-translator/internal/worker"
	"github.com/cuongbtq/longtext-translator/shared/logger"
	"github.com/cuongbtq/longtext-translator/shared/postgresql"
	"github.com/cuongbtq/longtext-translator/shared/rabbitmq"
)

// eventBuffer is how many job events the worker may lag behind the scheduler before dropping some
const eventBuffer = 256

func main() {
	if err := run(); err != nil {
		log.Fatal(err)
	}
}

func run() error {
	// Load .env file if it exists
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, using environment variables or flags")
	}

	// Parse command-line flags
	defaultConfigPath := os.Getenv("WORKER_SERVICE_CONFIG_PATH")
	if defaultConfigPath == "" {
		defaultConfigPath = "configs/worker-service/config.yaml"
	}
	configPath := flag.String("config", defaultConfigPath, "Path to configuration file")
	flag.Parse()

	// Load configuration
	cfg, err := config.Load(*configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	if err := cfg.ValidateWorkerConfig(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	// Initialize logger
	appLogger, err := initLogger(cfg)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer appLogger.Close()

	workerID := cfg.Worker.ID
	if workerID == "" {
		hostname, _ := os.Hostname()
		workerID = fmt.Sprintf("%s-%d", hostname, os.Getpid())
	}

	appLogger.Info("Starting worker service",
		slog.String("app", cfg.App.Name),
		slog.String("version", cfg.App.Version),
		slog.String("environment", cfg.App.Environment),
		slog.String("worker_id", workerID),
		slog.String("dispatch_mode", cfg.Pipeline.Mode),
	)

	// Initialize PostgreSQL client
	dbClient, err := initPostgreSQL(&cfg.Database, appLogger.Logger)
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}

	store := postgres.NewStore(dbClient.GetDB(), appLogger.Component("storage"))
	if cfg.Database.Migrate {
		if err := store.Migrate(context.Background()); err != nil {
			dbClient.Close()
			return fmt.Errorf("failed to migrate database: %w", err)
		}
	}

	appLogger.Info("Database connection established")

	// Initialize RabbitMQ client
	rabbitClient, err := initRabbitMQ(&cfg.RabbitMQ, appLogger.Logger)
	if err != nil {
		dbClient.Close()
		return fmt.Errorf("failed to initialize RabbitMQ: %w", err)
	}

	appLogger.Info("RabbitMQ connection established")

	// Cleanup function to close all resources
	var statusCache *statuscache.Cache
	cleanup := func() {
		if statusCache != nil {
			statusCache.Close()
		}
		if rabbitClient != nil {
			rabbitClient.Close()
		}
		if dbClient != nil {
			dbClient.Close()
		}
	}
	defer cleanup()

	// Translation pipeline: engine -> retry controller -> scheduler -> ledger
	engineClient := engine.NewClient(&engine.Config{
		BaseURL:           cfg.Translation.BaseURL,
		Path:              cfg.Translation.Path,
		APIKey:            cfg.Translation.APIKey,
		APIKeyHeader:      cfg.Translation.APIKeyHeader,
		Timeout:           cfg.Translation.Timeout,
		LanguageOverrides: cfg.Translation.Languages,
		Logger:            appLogger.Component("engine"),
	})

	controller := retry.NewController(engineClient, &retry.Config{
		MaxRetries: cfg.Pipeline.MaxRetries,
		BaseDelay:  cfg.Pipeline.RetryBaseDelay,
		MaxDelay:   cfg.Pipeline.RetryMaxDelay,
		Multiplier: cfg.Pipeline.RetryMultiplier,
		Logger:     appLogger.Component("retry"),
	})

	creditLedger := ledger.New(store, appLogger.Component("ledger"))

	sched := scheduler.New(store, controller, creditLedger, &scheduler.Config{
		MaxActiveJobs:           cfg.Pipeline.MaxActiveJobs,
		ChunkConcurrency:        cfg.Pipeline.ChunkConcurrency,
		InterChunkDelay:         cfg.Pipeline.InterChunkDelay,
		PartialSuccessThreshold: cfg.Pipeline.PartialSuccessThreshold,
		FailedChunkMarker:       cfg.Pipeline.FailedChunkMarker,
		SkipReload:              cfg.Pipeline.DispatchMode() == domain.DispatchStreaming,
		Logger:                  appLogger.Component("scheduler"),
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Optional status cache and result archive
	var snapshots interface {
		worker.SnapshotWriter
		sweeper.SnapshotWriter
	}
	if cfg.Redis.Enabled {
		statusCache, err = initStatusCache(ctx, &cfg.Redis, appLogger.Component("statuscache"))
		if err != nil {
			return fmt.Errorf("failed to initialize status cache: %w", err)
		}
		snapshots = statusCache
		appLogger.Info("Redis connection established")
	}

	var resultArchive worker.ResultArchiver
	if cfg.ObjectStore.Enabled {
		a, err := initArchive(ctx, &cfg.ObjectStore, appLogger.Component("archive"))
		if err != nil {
			return fmt.Errorf("failed to initialize result archive: %w", err)
		}
		resultArchive = a
		appLogger.Info("Object store ready", slog.String("bucket", cfg.ObjectStore.Bucket))
	}

	// Streaming steps are republished with the same publisher the API uses
	stepPublisher := dispatch.NewPublisher(rabbitClient, &dispatch.Config{
		Mode:   domain.DispatchStreaming,
		Logger: appLogger.Component("dispatch"),
	})

	workerInstance := worker.NewWorker(&worker.Config{
		Logger:        appLogger.Component("worker"),
		RabbitClient:  rabbitClient,
		Runner:        sched,
		Publisher:     stepPublisher,
		Concurrency:   cfg.Worker.Concurrency,
		PrefetchCount: cfg.RabbitMQ.Consumer.PrefetchCount,
		QueueName:     cfg.RabbitMQ.Queue.Name,
		WorkerID:      workerID,
		StepTimeout:   cfg.Worker.StepTimeout,
		Events:        sched.Subscribe(eventBuffer),
		Snapshots:     snapshots,
		Archive:       resultArchive,
	})

	// Start scheduler, sweeper and worker
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return sched.Run(gctx)
	})
	if cfg.Sweeper.Enabled {
		sweep := sweeper.New(store, creditLedger, &sweeper.Config{
			Interval:  cfg.Sweeper.Interval,
			Threshold: cfg.Sweeper.Threshold,
			BatchSize: cfg.Sweeper.BatchSize,
			Snapshots: snapshots,
			Logger:    appLogger.Component("sweeper"),
		})
		g.Go(func() error {
			return sweep.Run(gctx)
		})
	}
	g.Go(func() error {
		return workerInstance.Start(gctx)
	})

	errChan := make(chan error, 1)
	go func() {
		errChan <- g.Wait()
	}()

	appLogger.Info("Worker service started successfully")

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-quit:
		appLogger.Info("Received signal, shutting down gracefully",
			slog.String("signal", sig.String()),
		)
	case err := <-errChan:
		appLogger.Error("Worker error",
			slog.Any("error", err),
		)
		return err
	}

	// Cancel context to stop scheduler, sweeper and worker
	cancel()

	// Give running jobs time to stop at a chunk boundary; unfinished ones stay processing for the sweeper
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Worker.ShutdownTimeout)
	defer shutdownCancel()

	done := make(chan struct{})
	go func() {
		workerInstance.Stop()
		if err := <-errChan; err != nil && !errors.Is(err, context.Canceled) {
			appLogger.Warn("Worker stopped with error", slog.Any("error", err))
		}
		close(done)
	}()

	select {
	case <-done:
		appLogger.Info("Worker stopped gracefully")
	case <-shutdownCtx.Done():
		appLogger.Warn("Worker shutdown timeout exceeded, forcing exit")
	}

	appLogger.Info("Worker service shutdown complete")
	return nil
}

// initLogger initializes and configures the application logger
func initLogger(cfg *config.Config) (*logger.Logger, error) {
	loggerCfg := &logger.Config{
		Level:        cfg.Logging.Level,
		Format:       cfg.Logging.Format,
		Output:       cfg.Logging.Output,
		EnableSource: cfg.Logging.EnableCaller,
		TimeFormat:   time.RFC3339,
		Service:      cfg.App.Name,
	}

	return logger.New(loggerCfg)
}

// initPostgreSQL initializes the PostgreSQL database client
func initPostgreSQL(cfg *config.DatabaseConfig, logger *slog.Logger) (*postgresql.Client, error) {
	dbConfig := &postgresql.Config{
		Host:            cfg.Host,
		Port:            cfg.Port,
		User:            cfg.User,
		Password:        cfg.Password,
		Database:        cfg.Database,
		SSLMode:         cfg.SSLMode,
		MaxOpenConns:    cfg.MaxOpenConns,
		MaxIdleConns:    cfg.MaxIdleConns,
		ConnMaxLifetime: cfg.ConnMaxLifetime,
		ConnMaxIdleTime: cfg.ConnMaxIdleTime,
	}

	return postgresql.NewClient(dbConfig, logger)
}

// initRabbitMQ initializes the RabbitMQ client
func initRabbitMQ(cfg *config.RabbitMQConfig, logger *slog.Logger) (*rabbitmq.Client, error) {
	rabbitConfig := &rabbitmq.Config{
		Host:               cfg.Host,
		Port:               cfg.Port,
		User:               cfg.User,
		Password:           cfg.Password,
		VHost:              cfg.VHost,
		ExchangeName:       cfg.Exchange.Name,
		ExchangeType:       cfg.Exchange.Type,
		ExchangeDurable:    cfg.Exchange.Durable,
		ExchangeAutoDelete: cfg.Exchange.AutoDelete,
		QueueName:          cfg.Queue.Name,
		QueueDurable:       cfg.Queue.Durable,
		QueueAutoDelete:    cfg.Queue.AutoDelete,
		QueueExclusive:     cfg.Queue.Exclusive,
		MaxPriority:        cfg.Queue.MaxPriority,
		RoutingKey:         cfg.RoutingKey,
		RetryAttempts:      cfg.Connection.RetryAttempts,
		RetryInterval:      cfg.Connection.RetryInterval,
		Heartbeat:          cfg.Connection.Heartbeat,
		ConnectionTimeout:  cfg.Connection.ConnectionTimeout,
		PublishRetries:     cfg.Publish.RetryAttempts,
		PublishRetryDelay:  cfg.Publish.RetryInterval,
		PublishBackoffMult: cfg.Publish.BackoffMultiplier,
	}

	return rabbitmq.NewClient(rabbitConfig, logger)
}

// initStatusCache connects to Redis
func initStatusCache(ctx context.Context, cfg *config.RedisConfig, logger *slog.Logger) (*statuscache.Cache, error) {
	return statuscache.New(ctx, &statuscache.Config{
		Addr:        cfg.Addr,
		Password:    cfg.Password,
		DB:          cfg.DB,
		DialTimeout: cfg.DialTimeout,
		TTL:         cfg.TTL,
		KeyPrefix:   cfg.KeyPrefix,
		Logger:      logger,
	})
}

// initArchive connects to the object store and makes sure the bucket exists
func initArchive(ctx context.Context, cfg *config.ObjectStoreConfig, logger *slog.Logger) (*archive.Archive, error) {
	a, err := archive.New(&archive.Config{
		Endpoint:  cfg.Endpoint,
		AccessKey: cfg.AccessKey,
		SecretKey: cfg.SecretKey,
		Region:    cfg.Region,
		UseSSL:    cfg.UseSSL,
		Bucket:    cfg.Bucket,
		Prefix:    cfg.Prefix,
		Logger:    logger,
	})
	if err != nil {
		return nil, err
	}

	if err := a.EnsureBucket(ctx); err != nil {
		return nil, err
	}
	return a, nil
}
