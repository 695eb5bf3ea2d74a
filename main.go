package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/docuflow/orchestrator/internal/checkpoint"
	"github.com/docuflow/orchestrator/internal/circuitbreaker"
	"github.com/docuflow/orchestrator/internal/config"
	"github.com/docuflow/orchestrator/internal/db"
	"github.com/docuflow/orchestrator/internal/graph"
	"github.com/docuflow/orchestrator/internal/health"
	"github.com/docuflow/orchestrator/internal/history"
	"github.com/docuflow/orchestrator/internal/httpapi"
	"github.com/docuflow/orchestrator/internal/llm"
	"github.com/docuflow/orchestrator/internal/nodes"
	"github.com/docuflow/orchestrator/internal/raster"
	"github.com/docuflow/orchestrator/internal/retrieval"
	"github.com/docuflow/orchestrator/internal/session"
	"github.com/docuflow/orchestrator/internal/streaming"
	"github.com/docuflow/orchestrator/internal/tracing"
	"github.com/docuflow/orchestrator/internal/vectordb"
	"github.com/docuflow/orchestrator/internal/visual"
	"github.com/docuflow/orchestrator/internal/websearch"
)

const checkpointCacheSize = 1024

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	logger, err := newLogger(cfg.Logging)
	if err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer logger.Sync()

	if err := tracing.Initialize(tracing.Config{
		Enabled:      cfg.Tracing.Enabled,
		ServiceName:  cfg.Tracing.ServiceName,
		OTLPEndpoint: cfg.Tracing.OTLPEndpoint,
	}, logger); err != nil {
		logger.Warn("Tracing initialization failed, continuing without export", zap.Error(err))
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Checkpoint Redis.
	redisClient := redis.NewClient(&redis.Options{
		Addr:         cfg.Redis.Addr,
		Password:     os.Getenv("REDIS_PASSWORD"),
		DB:           cfg.Redis.DB,
		DialTimeout:  cfg.Redis.DialTimeout,
		ReadTimeout:  cfg.Redis.ReadTimeout,
		WriteTimeout: cfg.Redis.WriteTimeout,
	})
	redisWrapper := circuitbreaker.NewRedisWrapper("redis", redisClient, circuitbreaker.RedisConfig().ToConfig(), logger)

	pingCtx, pingCancel := context.WithTimeout(ctx, 5*time.Second)
	if err := redisWrapper.Ping(pingCtx); err != nil {
		pingCancel()
		logger.Fatal("Redis unreachable", zap.String("addr", cfg.Redis.Addr), zap.Error(err))
	}
	pingCancel()

	checkpoints := checkpoint.NewStore(redisWrapper, cfg.Redis.CheckpointTTL, checkpointCacheSize, logger)

	// Record store. The orchestrator serves turns without it; message
	// persistence is skipped when the database is down at startup.
	var store *db.Store
	if s, err := db.NewStore(cfg.Database, logger); err != nil {
		logger.Warn("Record store unavailable, turns will not be persisted", zap.Error(err))
	} else {
		store = s
		defer store.Close()
	}

	// Collaborator clients and the orchestration engine.
	model := llm.NewClient(cfg.LLM, logger)
	vectors := vectordb.NewClient(cfg.VectorDB, logger)
	retriever := retrieval.NewAdapter(vectors, model, cfg.Retrieval, logger)
	rasterizer := raster.NewClient(cfg.Raster, logger)
	selector := visual.NewSelector(model, rasterizer, cfg.Visual, cfg.Upload.Directory, logger)
	searcher := websearch.NewClient(cfg.WebSearch, logger)
	hist := history.NewManager(cfg.History, logger)

	streams := streaming.NewManager(cfg.Streaming.RingCapacity)
	handlers := nodes.New(model, retriever, selector, searcher, hist, cfg, logger)
	engine := graph.New(handlers, checkpoints, streams, cfg, logger)

	var recorder session.Recorder
	if store != nil {
		recorder = store
	}
	svc := session.New(engine, recorder, checkpoints, vectors, streams, logger)

	// Hot reload for the orchestration knobs.
	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		configPath = "config/orchestrator.yaml"
	}
	if mgr, err := config.NewManager(configPath, cfg, logger); err != nil {
		logger.Warn("Config hot reload disabled", zap.Error(err))
	} else {
		mgr.OnChange(func(next *config.Config) {
			handlers.SetConfig(next)
			engine.SetConfig(next)
			retriever.SetConfig(next.Retrieval)
			selector.SetConfig(next.Visual)
			hist.SetConfig(next.History)
			logger.Info("Orchestration knobs updated",
				zap.Int("retrieval_k", next.Retrieval.K),
				zap.Int("max_sub_queries", next.RAG.MaxSubQueries),
				zap.Float64("uncertainty_threshold", next.RAG.QualityUncertaintyThreshold),
			)
		})
		if err := mgr.Start(ctx); err != nil {
			logger.Warn("Config watcher failed to start", zap.Error(err))
		} else {
			defer mgr.Stop()
		}
	}

	// Health.
	hm := health.NewManager(30*time.Second, logger)
	mustRegister(logger, hm, health.NewPingChecker("redis", true, checkpoints, redisWrapper.State, logger))
	if store != nil {
		mustRegister(logger, hm, health.NewPingChecker("database", false, store, store.BreakerState, logger))
	}
	mustRegister(logger, hm, health.NewServiceChecker("vector_store", true, vectors.Healthy))
	hm.Start()
	defer hm.Stop()
	healthServer := health.StartServer(hm, cfg.Service.HealthPort, logger)

	// Metrics.
	metricsMux := http.NewServeMux()
	metricsMux.Handle("/metrics", promhttp.Handler())
	metricsServer := &http.Server{
		Addr:    ":" + strconv.Itoa(cfg.Service.MetricsPort),
		Handler: metricsMux,
	}
	go func() {
		logger.Info("Starting metrics server", zap.Int("port", cfg.Service.MetricsPort))
		if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("Metrics server failed", zap.Error(err))
		}
	}()

	// Turn API.
	apiMux := http.NewServeMux()
	httpapi.NewHandler(svc, streams, logger).RegisterRoutes(apiMux)
	apiServer := &http.Server{
		Addr:        ":" + strconv.Itoa(cfg.Service.APIPort),
		Handler:     apiMux,
		ReadTimeout: 30 * time.Second,
		IdleTimeout: 120 * time.Second,
	}
	go func() {
		logger.Info("Starting API server", zap.Int("port", cfg.Service.APIPort))
		if err := apiServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("API server failed", zap.Error(err))
		}
	}()

	logger.Info("Orchestrator started",
		zap.Int("api_port", cfg.Service.APIPort),
		zap.Int("health_port", cfg.Service.HealthPort),
		zap.Int("metrics_port", cfg.Service.MetricsPort),
	)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	logger.Info("Shutting down", zap.String("signal", sig.String()))

	cancel()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Service.GracefulTimeout)
	defer shutdownCancel()
	if err := apiServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("API server shutdown incomplete", zap.Error(err))
	}
	if err := healthServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("Health server shutdown incomplete", zap.Error(err))
	}
	if err := metricsServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("Metrics server shutdown incomplete", zap.Error(err))
	}
	if err := redisWrapper.Close(); err != nil {
		logger.Warn("Redis close failed", zap.Error(err))
	}
	logger.Info("Shutdown complete")
}

func newLogger(cfg config.LoggingConfig) (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return nil, fmt.Errorf("parse log level %q: %w", cfg.Level, err)
	}
	zc := zap.NewProductionConfig()
	if cfg.Development {
		zc = zap.NewDevelopmentConfig()
	}
	zc.Level = zap.NewAtomicLevelAt(level)
	return zc.Build()
}

func mustRegister(logger *zap.Logger, hm *health.Manager, c health.Checker) {
	if err := hm.Register(c); err != nil {
		logger.Fatal("Health checker registration failed", zap.String("checker", c.Name()), zap.Error(err))
	}
}
