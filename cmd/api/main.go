package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"agent-chat/internal/config"
	"agent-chat/internal/db"
	apihttp "agent-chat/internal/http"
	"agent-chat/internal/llm"
	"agent-chat/internal/repository"
	"agent-chat/internal/service"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := godotenv.Load(); err != nil {
		log.Printf("warning: loading .env: %v", err)
	}

	cfg, err := config.LoadConfig()
	if err != nil {
		panic(err)
	}

	logger, _ := zap.NewProduction()
	defer logger.Sync()

	var (
		messageRepo repository.MessageRepository
		threadRepo  repository.ThreadRepository
		health      apihttp.HealthCheck
	)
	switch cfg.StoreBackend {
	case config.StoreBackendPebble:
		store, err := repository.OpenPebbleLog(cfg.PebblePath)
		if err != nil {
			logger.Fatal("pebble open", zap.Error(err))
		}
		defer store.Close()
		messageRepo, threadRepo = store, store
	default:
		pool, err := db.NewPool(ctx, cfg)
		if err != nil {
			logger.Fatal("db connect", zap.Error(err))
		}
		defer pool.Close()
		if err := db.EnsureSchema(ctx, pool); err != nil {
			logger.Fatal("db schema", zap.Error(err))
		}
		messageRepo = repository.NewPgMessageRepository(pool)
		threadRepo = repository.NewPgThreadRepository(pool)
		health = func(ctx context.Context) error { return db.Ping(ctx, pool) }
	}

	var limiter service.StreamRateLimiter
	if cfg.RedisAddr != "" {
		redisClient := redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		defer redisClient.Close()
		ctxPing, cancel := context.WithTimeout(ctx, 2*time.Second)
		if err := redisClient.Ping(ctxPing).Err(); err != nil {
			logger.Warn("redis ping failed", zap.Error(err))
		} else {
			limiter = service.NewRedisStreamRateLimiter(redisClient, cfg.RateLimitWindow, cfg.RateLimitMax)
		}
		cancel()
	}
	if limiter == nil {
		limiter = service.NewMemoryStreamRateLimiter(cfg.RateLimitWindow, cfg.RateLimitMax)
	}

	var jwtSvc *service.JWTService
	if cfg.JWTSecret != "" {
		jwtSvc = service.NewJWTService(cfg.JWTSecret, cfg.JWTTTL)
	} else {
		logger.Warn("jwt secret not configured, all requests use the default resource",
			zap.String("resource_id", cfg.DefaultResourceID))
	}

	registry := service.NewRegistry()
	promRegistry := prometheus.NewRegistry()
	promRegistry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics, err := service.NewMetrics(promRegistry, registry)
	if err != nil {
		logger.Fatal("metrics", zap.Error(err))
	}

	engine := llm.NewHTTPClient(cfg.LLMBaseURL, cfg.LLMAPIKey, cfg.LLMModel, logger)
	generationSvc := service.NewGenerationService(logger, engine, messageRepo, threadRepo, registry, metrics, service.GenerationOptions{
		Instructions:    cfg.AgentInstructions,
		HistoryLimit:    cfg.HistoryLimit,
		Timeout:         cfg.GenerationTimeout,
		PersistPartial:  cfg.PersistPartialReplies(),
		MaxPromptTokens: cfg.MaxPromptTokens,
	})
	messageSvc := service.NewMessageService(messageRepo, threadRepo, cfg.HistoryLimit)

	chatHandler := apihttp.NewChatHandler(logger, messageSvc, generationSvc, limiter, health)
	router := apihttp.NewRouter(
		logger,
		chatHandler,
		apihttp.ResourceMiddleware(jwtSvc, cfg.DefaultResourceID),
		promhttp.HandlerFor(promRegistry, promhttp.HandlerOpts{}),
	)

	server := &http.Server{
		Addr:              ":" + cfg.HTTPPort,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	serverErr := make(chan error, 1)
	go func() {
		logger.Info("starting server", zap.String("port", cfg.HTTPPort), zap.String("store", cfg.StoreBackend))
		serverErr <- server.ListenAndServe()
	}()

	select {
	case err := <-serverErr:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("server error", zap.Error(err))
		}
		return
	case <-ctx.Done():
	}

	logger.Info("shutting down", zap.Int("active_generations", registry.Len()))
	// Las generaciones en curso terminan con aborted antes de cerrar conexiones y stores.
	generationSvc.Shutdown()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("server shutdown", zap.Error(err))
	}
}
