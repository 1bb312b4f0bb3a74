package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"

	"github.com/cuongbtq/longtext-translator/internal/api/handler"
	"github.com/cuongbtq/longtext-translator/internal/api/router"
	"github.com/cuongbtq/longtext-translator/internal/config"
	"github.com/cuongbtq/longtext-translator/internal/dispatch"
	"github.com/cuongbtq/longtext-translator/internal/ledger"
	"github.com/cuongbtq/longtext-translator/internal/service"
	"github.com/cuongbtq/longtext-translator/internal/statuscache"
	"github.com/cuongbtq/longtext-translator/internal/storage/postgres"
	"github.com/cuongbtq/longtext-translator/shared/logger"
	"github.com/cuongbtq/longtext-translator/shared/postgresql"
	"github.com/cuongbtq/longtext-translator/shared/rabbitmq"
)

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
	defaultConfigPath := os.Getenv("API_SERVICE_CONFIG_PATH")
	if defaultConfigPath == "" {
		defaultConfigPath = "configs/api-service/config.yaml"
	}
	configPath := flag.String("config", defaultConfigPath, "Path to configuration file")
	flag.Parse()

	// Load configuration
	cfg, err := config.Load(*configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	if err := cfg.ValidateAPIConfig(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	// Initialize logger
	appLogger, err := initLogger(cfg)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer appLogger.Close()

	appLogger.Info("Starting API service",
		slog.String("app", cfg.App.Name),
		slog.String("version", cfg.App.Version),
		slog.String("environment", cfg.App.Environment),
		slog.String("dispatch_mode", cfg.Pipeline.Mode),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Initialize PostgreSQL client
	dbClient, err := initPostgreSQL(&cfg.Database, appLogger.Logger)
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}
	defer dbClient.Close()

	store := postgres.NewStore(dbClient.GetDB(), appLogger.Component("storage"))
	if cfg.Database.Migrate {
		if err := store.Migrate(ctx); err != nil {
			return fmt.Errorf("failed to migrate database: %w", err)
		}
	}

	appLogger.Info("Database connection established")

	// Initialize RabbitMQ client
	rabbitClient, err := initRabbitMQ(&cfg.RabbitMQ, appLogger.Logger)
	if err != nil {
		return fmt.Errorf("failed to initialize RabbitMQ: %w", err)
	}
	defer rabbitClient.Close()

	appLogger.Info("RabbitMQ connection established")

	// Status cache is optional; without it every status read goes to PostgreSQL
	var cache service.SnapshotCache
	if cfg.Redis.Enabled {
		statusCache, err := initStatusCache(ctx, &cfg.Redis, appLogger.Component("statuscache"))
		if err != nil {
			return fmt.Errorf("failed to initialize status cache: %w", err)
		}
		defer statusCache.Close()
		cache = statusCache

		appLogger.Info("Redis connection established")
	}

	// Wire the use cases
	publisher := dispatch.NewPublisher(rabbitClient, &dispatch.Config{
		Mode:   cfg.Pipeline.DispatchMode(),
		Logger: appLogger.Component("dispatch"),
	})

	svc := service.New(store, ledger.New(store, appLogger.Component("ledger")), publisher, &service.Config{
		Policy:        cfg.Pipeline.ChunkPolicy(),
		Pricing:       cfg.Credits.Pricing(),
		JobMaxRetries: cfg.Pipeline.JobMaxRetries,
		MaxTextLength: cfg.Pipeline.MaxTextLength,
		Cache:         cache,
		Logger:        appLogger.Component("service"),
	})

	// Initialize router
	r := initRouter(cfg, appLogger.Logger, svc, map[string]handler.HealthCheck{
		"postgres": dbClient.HealthCheck,
		"rabbitmq": func(context.Context) error {
			if !rabbitClient.IsConnected() {
				return rabbitmq.ErrNotConnected
			}
			return nil
		},
	})

	// Create HTTP server
	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      r,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	appLogger.Info("Starting HTTP server",
		slog.String("address", addr),
		slog.Duration("read_timeout", cfg.Server.ReadTimeout),
		slog.Duration("write_timeout", cfg.Server.WriteTimeout),
	)

	// Start server in goroutine
	errChan := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errChan <- err
		}
	}()

	appLogger.Info("API service is running",
		slog.String("address", addr),
	)

	// Wait for interrupt signal to gracefully shutdown the server
	select {
	case <-ctx.Done():
	case err := <-errChan:
		appLogger.Error("Server failed to start",
			slog.Any("error", err),
		)
		return err
	}

	appLogger.Info("Shutting down server...")

	// Graceful shutdown with timeout
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		appLogger.Error("Server forced to shutdown",
			slog.Any("error", err),
		)
		return err
	}

	appLogger.Info("Server shutdown complete")
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

// initRouter initializes the Gin router with all routes and middleware
func initRouter(cfg *config.Config, logger *slog.Logger, svc *service.Service, checks map[string]handler.HealthCheck) *gin.Engine {
	// Set Gin mode based on environment
	if cfg.App.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	} else {
		gin.SetMode(gin.DebugMode)
	}

	// Initialize handler dependencies
	handlerDeps := &handler.Dependencies{
		Logger:       logger,
		Service:      svc,
		ServiceName:  cfg.App.Name,
		HealthChecks: checks,
	}

	// Setup router
	return router.SetupRouter(handlerDeps)
}
