package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/aescanero/plugflow/internal/application/executor"
	"github.com/aescanero/plugflow/internal/application/orchestrator"
	"github.com/aescanero/plugflow/internal/application/tracker"
	"github.com/aescanero/plugflow/internal/application/workers"
	"github.com/aescanero/plugflow/internal/config"
	"github.com/aescanero/plugflow/internal/ports"
	eventsmemory "github.com/aescanero/plugflow/pkg/adapters/events/memory"
	eventsredis "github.com/aescanero/plugflow/pkg/adapters/events/redis"
	"github.com/aescanero/plugflow/pkg/adapters/metrics/noop"
	promcollector "github.com/aescanero/plugflow/pkg/adapters/metrics/prometheus"
	"github.com/aescanero/plugflow/pkg/adapters/plugins"
	storagememory "github.com/aescanero/plugflow/pkg/adapters/storage/memory"
	storageredis "github.com/aescanero/plugflow/pkg/adapters/storage/redis"
	txnmemory "github.com/aescanero/plugflow/pkg/adapters/txn/memory"
	"github.com/aescanero/plugflow/pkg/api/grpc"
	"github.com/aescanero/plugflow/pkg/api/http"
	"github.com/aescanero/plugflow/pkg/api/websocket"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	// Version is set by build flags
	Version   = "dev"
	BuildTime = "unknown"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger := initLogger(cfg.LogLevel)
	defer func() { _ = logger.Sync() }()

	logger.Info("starting plugflow orchestrator",
		zap.String("version", Version),
		zap.String("build_time", BuildTime),
		zap.String("store", cfg.Store))

	ctx := context.Background()

	// Storage and events
	var (
		store       ports.Store
		eventBus    ports.EventBus
		redisClient *goredis.Client
	)
	switch cfg.Store {
	case config.StoreRedis:
		redisClient = goredis.NewClient(&goredis.Options{
			Addr:         cfg.Redis.Addr,
			Password:     cfg.Redis.Password,
			DB:           cfg.Redis.DB,
			PoolSize:     cfg.Redis.PoolSize,
			MinIdleConns: cfg.Redis.MinIdleConns,
			MaxRetries:   cfg.Redis.MaxRetries,
			DialTimeout:  cfg.Redis.DialTimeout,
			ReadTimeout:  cfg.Redis.ReadTimeout,
			WriteTimeout: cfg.Redis.WriteTimeout,
		})
		if err := redisClient.Ping(ctx).Err(); err != nil {
			logger.Fatal("failed to connect to Redis", zap.Error(err))
		}
		logger.Info("connected to Redis", zap.String("addr", cfg.Redis.Addr))

		store = storageredis.NewStorage(redisClient, cfg.Redis.HistoryTTL, logger)
		eventBus, err = eventsredis.NewStreamsEventBus(
			redisClient,
			"plugflow",
			fmt.Sprintf("plugflow-%d", os.Getpid()),
			logger,
		)
		if err != nil {
			logger.Fatal("failed to create event bus", zap.Error(err))
		}
	default:
		store = storagememory.NewInMemoryStorage()
		eventBus = eventsmemory.NewInMemoryEventBus(logger)
	}

	// Metrics
	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	var metrics ports.MetricsCollector = noop.NewCollector()
	if cfg.MetricsEnabled {
		metrics = promcollector.NewCollector(registry)
	}

	// Plugin invocation, optionally behind a bounded worker pool
	pluginRegistry := plugins.NewRegistry(logger)
	if err := plugins.RegisterBuiltins(pluginRegistry); err != nil {
		logger.Fatal("failed to register builtin commands", zap.Error(err))
	}

	var invoker ports.PluginInvoker = pluginRegistry
	var workerPool *workers.Pool
	if cfg.Workers.PoolSize > 0 {
		workerPool = workers.NewPool(
			cfg.Workers.PoolSize,
			pluginRegistry,
			metrics,
			logger,
			cfg.Workers.HealthCheckInterval,
		)
		if err := workerPool.Start(); err != nil {
			logger.Fatal("failed to start worker pool", zap.Error(err))
		}
		invoker = workerPool
	}

	progress := tracker.New(tracker.Config{
		Retention:        cfg.Tracker.Retention,
		SubscriberBuffer: cfg.Tracker.SubscriberBuffer,
	}, logger)
	progress.Start()

	orchestratorMgr := orchestrator.NewManager(orchestrator.Config{
		Executor: executor.Config{
			DefaultTimeout:    cfg.Steps.DefaultTimeout,
			BackoffMultiplier: cfg.Steps.BackoffMultiplier,
		},
		RetryRollbacks:   cfg.Steps.RollbackRetries,
		ExecutionTimeout: cfg.Timeouts.ExecutionTimeout,
	}, orchestrator.Dependencies{
		Invoker:      invoker,
		Transactions: txnmemory.NewTransactionManager(logger),
		Store:        store,
		Events:       eventBus,
		Metrics:      metrics,
		Tracker:      progress,
	}, logger)

	// API servers
	httpServer := http.NewServer(&http.Config{
		Port:     cfg.HTTPPort,
		Manager:  orchestratorMgr,
		Pool:     workerPool,
		Gatherer: registry,
		Logger:   logger,
	})
	httpServer.SetupWebSocket(websocket.NewHandler(progress, logger))

	grpcServer, err := grpc.NewServer(&grpc.Config{
		Port:    cfg.GRPCPort,
		Manager: orchestratorMgr,
		Logger:  logger,
	})
	if err != nil {
		logger.Fatal("failed to create gRPC server", zap.Error(err))
	}

	go func() {
		if err := httpServer.Start(); err != nil {
			logger.Fatal("HTTP server failed", zap.Error(err))
		}
	}()

	go func() {
		if err := grpcServer.Start(); err != nil {
			logger.Fatal("gRPC server failed", zap.Error(err))
		}
	}()

	logger.Info("plugflow orchestrator started",
		zap.Int("http_port", cfg.HTTPPort),
		zap.Int("grpc_port", cfg.GRPCPort),
		zap.Int("worker_pool_size", cfg.Workers.PoolSize))

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh

	logger.Info("received shutdown signal")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Timeouts.ShutdownTimeout)
	defer cancel()

	// Stop accepting executions first so health checks flip to NOT_SERVING
	if err := orchestratorMgr.Shutdown(shutdownCtx); err != nil {
		logger.Error("orchestrator shutdown error", zap.Error(err))
	}

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP server shutdown error", zap.Error(err))
	}

	if err := grpcServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("gRPC server shutdown error", zap.Error(err))
	}

	if workerPool != nil {
		if err := workerPool.Shutdown(shutdownCtx); err != nil {
			logger.Error("worker pool shutdown error", zap.Error(err))
		}
	}

	progress.Stop()

	if err := eventBus.Close(); err != nil {
		logger.Error("event bus close error", zap.Error(err))
	}

	if redisClient != nil {
		if err := redisClient.Close(); err != nil {
			logger.Error("Redis close error", zap.Error(err))
		}
	}

	logger.Info("plugflow orchestrator shut down complete")
}

// initLogger initializes the logger based on log level
func initLogger(level string) *zap.Logger {
	zapLevel, err := zapcore.ParseLevel(level)
	if err != nil {
		zapLevel = zapcore.InfoLevel
	}

	config := zap.NewProductionConfig()
	config.Level = zap.NewAtomicLevelAt(zapLevel)
	config.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	logger, err := config.Build()
	if err != nil {
		panic(fmt.Sprintf("failed to initialize logger: %v", err))
	}

	return logger
}
