/**
 * @description
 * This is the main entry point for the ledger-transfer-service. It is responsible for
 * initializing all components of the service, including configuration, logging, storage,
 * the read cache, the message broker, the core application service, the outbox dispatcher
 * and the HTTP server. It wires everything together and starts the service.
 *
 * @dependencies
 * - github.com/joho/godotenv: Loads a local .env file for development runs.
 * - github.com/jackc/pgx/v5: PostgreSQL driver.
 * - go.uber.org/zap: Structured logging.
 * - internal/api, internal/app, internal/cache, internal/config, internal/store: Internal packages for the service.
 * - pkg/logger, pkg/rabbitmq: Logger construction and the RabbitMQ publisher.
 */

package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/transfa/ledger-transfer-service/internal/api"
	"github.com/transfa/ledger-transfer-service/internal/app"
	"github.com/transfa/ledger-transfer-service/internal/cache"
	"github.com/transfa/ledger-transfer-service/internal/config"
	"github.com/transfa/ledger-transfer-service/internal/store"
	"github.com/transfa/ledger-transfer-service/pkg/logger"
	"github.com/transfa/ledger-transfer-service/pkg/rabbitmq"
	"go.uber.org/zap"
)

func main() {
	// A missing .env file is normal outside local development.
	_ = godotenv.Load()

	// Load application configuration from environment variables.
	cfg, err := config.LoadConfig(".")
	if err != nil {
		log.Fatalf("level=fatal component=bootstrap msg=\"config load failed\" err=%v", err)
	}

	zl, err := logger.New(cfg.AppEnv, cfg.LogLevel)
	if err != nil {
		log.Fatalf("level=fatal component=bootstrap msg=\"logger init failed\" err=%v", err)
	}
	defer zl.Sync()

	bootLog := zl.With(zap.String("component", "bootstrap"))
	bootLog.Info("starting ledger-transfer-service",
		zap.String("port", cfg.ServerPort),
		zap.String("storage_driver", cfg.StorageDriver),
		zap.String("approval_threshold", cfg.ApprovalThreshold.String()),
	)

	ctx := context.Background()
	lockMode := store.LockMode(cfg.AccountLockMode)

	// Initialize the data access layer (repository).
	var repository store.Repository
	switch cfg.StorageDriver {
	case config.StorageDriverMemory:
		bootLog.Warn("using in-memory storage; data is lost on restart")
		repository = store.NewMemoryRepository(lockMode, cfg.AccountLockTimeout)
	default:
		if cfg.DatabaseURL == "" {
			bootLog.Fatal("database url must be configured", zap.String("env", "DATABASE_URL"))
		}
		if cfg.AutoMigrate {
			if err := store.RunMigrations(cfg.DatabaseURL, zl); err != nil {
				bootLog.Fatal("database migration failed", zap.Error(err))
			}
		}
		dbpool, err := store.OpenPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
		if err != nil {
			bootLog.Fatal("database connection failed", zap.Error(err))
		}
		defer dbpool.Close()
		bootLog.Info("database connected", zap.Int32("max_conns", cfg.DBMaxConns))
		repository = store.NewPostgresRepository(dbpool, lockMode, cfg.AccountLockTimeout)
	}

	// The cache is a read accelerator; without Redis the service runs uncached.
	var readCache cache.Cache = cache.NopCache{}
	redisEnabled := false
	if cfg.RedisURL == "" {
		bootLog.Warn("redis url missing; caching disabled", zap.String("env", "REDIS_URL"))
	} else {
		pingCtx, cancelPing := context.WithTimeout(ctx, 5*time.Second)
		redisClient, err := cache.NewRedisClient(pingCtx, cfg.RedisURL)
		cancelPing()
		if err != nil {
			bootLog.Warn("redis unavailable; caching disabled", zap.Error(err))
		} else {
			defer redisClient.Close()
			readCache = cache.NewRedisCache(redisClient, cfg.CacheKeyPrefix)
			redisEnabled = true
			bootLog.Info("redis connected")
		}
	}

	// Initialize the RabbitMQ producer used by the outbox dispatcher.
	var publisher rabbitmq.Publisher
	if cfg.RabbitMQURL == "" {
		bootLog.Warn("rabbitmq url missing; outbox events will only be logged", zap.String("env", "RABBITMQ_URL"))
		publisher = rabbitmq.NewLogPublisher(zl)
	} else {
		producer, err := rabbitmq.NewEventProducer(cfg.RabbitMQURL, zl)
		if err != nil {
			bootLog.Fatal("rabbitmq url invalid", zap.Error(err))
		}
		if err := producer.Connect(); err != nil {
			// Events stay pending in the outbox until the broker is reachable.
			bootLog.Warn("rabbitmq not reachable yet; dispatcher will retry on its schedule", zap.Error(err))
		} else {
			bootLog.Info("rabbitmq producer connected")
		}
		publisher = producer
	}
	defer publisher.Close()

	// Initialize the core application service with its dependencies.
	ledgerService := app.NewService(repository, readCache, zl,
		app.WithApprovalThreshold(cfg.ApprovalThreshold),
		app.WithCacheTTL(cfg.CacheTTL),
	)

	dispatcher := app.NewOutboxDispatcher(repository, publisher, zl, app.DispatcherConfig{
		Exchange:     cfg.OutboxExchange,
		BatchSize:    cfg.OutboxBatchSize,
		PollInterval: cfg.OutboxPollInterval,
	})
	dispatcher.Start(ctx)

	// Optionally re-drop cached views from the published events, repairing
	// invalidations that failed after commit.
	if cfg.CacheRepairQueue != "" && cfg.RabbitMQURL != "" && redisEnabled {
		consumer, err := rabbitmq.NewConsumer(cfg.RabbitMQURL, zl)
		if err != nil {
			bootLog.Warn("cache repair consumer unavailable", zap.Error(err))
		} else {
			defer consumer.Close()
			repair := app.NewCacheRepairConsumer(readCache, zl)
			bindings := make(map[string]rabbitmq.Handler)
			for _, key := range repair.RoutingKeys() {
				bindings[key] = repair.HandleMessage
			}
			if err := consumer.ConsumeWithBindings(cfg.OutboxExchange, cfg.CacheRepairQueue, bindings); err != nil {
				bootLog.Warn("cache repair consumer start failed", zap.Error(err))
			} else {
				bootLog.Info("cache repair consumer started", zap.String("queue", cfg.CacheRepairQueue))
			}
		}
	}

	// Initialize the API handlers and routes.
	handlers := api.NewLedgerHandlers(ledgerService, zl)
	if cfg.OperatorJWTSecret == "" {
		bootLog.Warn("operator jwt secret missing; approve and reject are unauthenticated", zap.String("env", "OPERATOR_JWT_SECRET"))
	}

	serverAddr := fmt.Sprintf(":%s", cfg.ServerPort)
	server := &http.Server{
		Addr:              serverAddr,
		Handler:           api.LedgerRoutes(handlers, cfg.OperatorJWTSecret),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		zl.Info("server listening", zap.String("component", "http"), zap.String("addr", serverAddr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			zl.Fatal("server stopped unexpectedly", zap.String("component", "http"), zap.Error(err))
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop
	zl.Info("shutdown started", zap.String("component", "http"))

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		zl.Error("http shutdown failed", zap.String("component", "http"), zap.Error(err))
	}
	if err := dispatcher.Stop(shutdownCtx); err != nil {
		zl.Error("dispatcher shutdown failed", zap.Error(err))
	}

	zl.Info("shutdown complete")
}
