package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/pdhai/meeting-notes-be/internal/clients/llm"
	"github.com/pdhai/meeting-notes-be/internal/clients/speech"
	"github.com/pdhai/meeting-notes-be/internal/clients/vision"
	"github.com/pdhai/meeting-notes-be/internal/config"
	"github.com/pdhai/meeting-notes-be/internal/dispatch"
	"github.com/pdhai/meeting-notes-be/internal/events"
	"github.com/pdhai/meeting-notes-be/internal/jobstore"
	"github.com/pdhai/meeting-notes-be/internal/pipeline"
	"github.com/pdhai/meeting-notes-be/internal/queue"
	"github.com/pdhai/meeting-notes-be/internal/storage"
	"github.com/pdhai/meeting-notes-be/internal/worker"
	"github.com/pdhai/meeting-notes-be/shared/logger"
	"github.com/pdhai/meeting-notes-be/shared/postgresql"
	"github.com/pdhai/meeting-notes-be/shared/rabbitmq"
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

	defaultConfigPath := os.Getenv("WORKER_SERVICE_CONFIG_PATH")
	if defaultConfigPath == "" {
		defaultConfigPath = "configs/worker-service/config.yaml"
	}
	configPath := flag.String("config", defaultConfigPath, "Path to configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	if err := cfg.ValidateWorkerConfig(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	appLogger, err := initLogger(&cfg.Logging)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}

	appLogger.Info("Starting worker service",
		slog.String("app", cfg.App.Name),
		slog.String("version", cfg.App.Version),
		slog.String("environment", cfg.App.Environment),
		slog.String("pipeline_version", cfg.Pipeline.Version),
	)

	dbClient, err := initPostgreSQL(&cfg.Database, appLogger.Logger)
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}

	appLogger.Info("Database connection established")

	rabbitClient, err := initRabbitMQ(&cfg.RabbitMQ, appLogger.Logger)
	if err != nil {
		return fmt.Errorf("failed to initialize RabbitMQ: %w", err)
	}

	appLogger.Info("RabbitMQ connection established")

	store, err := storage.FromConfig(cfg, appLogger.Logger)
	if err != nil {
		return fmt.Errorf("failed to initialize storage: %w", err)
	}

	appLogger.Info("Storage backend initialized",
		slog.String("backend", cfg.Storage.Backend),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	runner, err := initPipeline(ctx, cfg, dbClient, store, appLogger.Logger)
	if err != nil {
		return fmt.Errorf("failed to initialize pipeline: %w", err)
	}

	// The event bus is optional; without Redis the worker just skips
	// publication.
	var bus events.Bus
	if cfg.Redis.Addr != "" {
		redisBus, err := events.NewRedisBus(
			cfg.Redis.Addr,
			cfg.Secrets.RedisPassword,
			cfg.Redis.DB,
			cfg.Redis.Channel,
			appLogger.Logger,
		)
		if err != nil {
			return fmt.Errorf("failed to initialize event bus: %w", err)
		}
		defer redisBus.Close()
		bus = redisBus
		appLogger.Info("Job event bus connected",
			slog.String("addr", cfg.Redis.Addr),
		)
	}

	jobStore := jobstore.New(dbClient.GetDB(), appLogger.Logger, cfg.Pipeline.MaxRetries)
	queueClient := queue.NewRabbitClient(rabbitClient, appLogger.Logger)

	workerInstance := worker.NewWorker(&worker.Config{
		Logger:      appLogger.Logger,
		Store:       jobStore,
		Consumer:    queueClient,
		Pipeline:    runner,
		Events:      bus,
		Concurrency: cfg.Worker.Concurrency,
		JobTimeout:  cfg.Worker.JobTimeout,
	})

	// Reconciliation sweep: re-publishes queued rows whose broker message was
	// lost.
	if cfg.Worker.SweepInterval > 0 {
		dispatcher := dispatch.New(jobStore, queueClient, cfg.Pipeline.Version, appLogger.Logger)
		reconciler := dispatch.NewReconciler(dispatcher, cfg.Worker.SweepOlderThan, 100, appLogger.Logger)
		go reconciler.Run(ctx, cfg.Worker.SweepInterval)
	}

	errChan := make(chan error, 1)
	go func() {
		if err := workerInstance.Start(ctx); err != nil {
			errChan <- err
		}
	}()

	appLogger.Info("Worker service started successfully")

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

	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Worker.ShutdownTimeout)
	defer shutdownCancel()

	done := make(chan struct{})
	go func() {
		workerInstance.Stop()
		close(done)
	}()

	select {
	case <-done:
		appLogger.Info("Worker stopped gracefully")
	case <-shutdownCtx.Done():
		appLogger.Warn("Worker shutdown timeout exceeded, forcing exit")
	}

	cleanup := func() {
		if dbClient != nil {
			dbClient.Close()
		}
		if rabbitClient != nil {
			rabbitClient.Close()
		}
	}
	cleanup()

	appLogger.Info("Worker service shutdown complete")
	return nil
}

// initPipeline builds the stage runner with real GCP and Gemini clients.
func initPipeline(
	ctx context.Context,
	cfg *config.Config,
	dbClient *postgresql.Client,
	store storage.Store,
	log *slog.Logger,
) (*pipeline.Runner, error) {
	transcriber, err := speech.NewClient(ctx, cfg.Pipeline.LanguageCode, log)
	if err != nil {
		return nil, fmt.Errorf("speech client: %w", err)
	}

	ocr, err := vision.NewClient(ctx, log)
	if err != nil {
		return nil, fmt.Errorf("vision client: %w", err)
	}

	summarizer, err := llm.NewClient(ctx, cfg.Secrets.GeminiAPIKey, cfg.Pipeline.SummaryModel, log)
	if err != nil {
		return nil, fmt.Errorf("gemini client: %w", err)
	}

	notes := pipeline.NewSQLNoteStore(dbClient.GetDB())

	// Cancellation flag reads go straight to the job store.
	cancelStore := jobstore.New(dbClient.GetDB(), log, cfg.Pipeline.MaxRetries)
	cancelCheck := func(ctx context.Context, jobID string) (bool, error) {
		return cancelStore.CancelRequested(ctx, jobID)
	}

	return pipeline.NewRunner(
		store,
		ocr,
		transcriber,
		summarizer,
		notes,
		cancelCheck,
		log,
		pipeline.Config{PersistArtifact: cfg.Pipeline.PersistArtifact},
	), nil
}

// initLogger initializes and configures the application logger
func initLogger(cfg *config.LoggingConfig) (*logger.Logger, error) {
	loggerCfg := &logger.Config{
		Level:        cfg.Level,
		Format:       cfg.Format,
		Output:       cfg.Output,
		EnableSource: cfg.EnableCaller,
		TimeFormat:   time.RFC3339,
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
