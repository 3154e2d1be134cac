package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/boddenberg/pse-assistant-bfa-go/internal/config"
	"github.com/boddenberg/pse-assistant-bfa-go/internal/domain"
	"github.com/boddenberg/pse-assistant-bfa-go/internal/handler"
	"github.com/boddenberg/pse-assistant-bfa-go/internal/infra/cache"
	"github.com/boddenberg/pse-assistant-bfa-go/internal/infra/client"
	"github.com/boddenberg/pse-assistant-bfa-go/internal/infra/observability"
	"github.com/boddenberg/pse-assistant-bfa-go/internal/infra/resilience"
	"github.com/boddenberg/pse-assistant-bfa-go/internal/port"
	"github.com/boddenberg/pse-assistant-bfa-go/internal/service"

	"go.uber.org/zap"
)

func main() {
	// --- Load .env file (for local development) ---
	_ = config.LoadDotEnv(".env")

	// --- Config ---
	cfg := config.Load()

	// --- Logger ---
	logger := observability.NewLogger(cfg.LogLevel)
	defer logger.Sync()

	logger.Info("configuration loaded",
		zap.Int("port", cfg.Port),
		zap.String("log_level", cfg.LogLevel),
		zap.Duration("http_timeout", cfg.HTTPTimeout),
		zap.Duration("cache_ttl", cfg.CacheTTL),
		zap.Int("max_retries", cfg.MaxRetries),
		zap.Duration("initial_backoff", cfg.InitialBackoff),
		zap.Int("max_concurrency", cfg.MaxConcurrency),
		zap.String("pse_base_url", cfg.PSEBaseURL),
		zap.String("ollama_url", cfg.OllamaURL),
		zap.String("ollama_model", cfg.OllamaModel),
		zap.Bool("redis", cfg.RedisAddr != ""),
		zap.Bool("auth", cfg.JWTSecret != ""),
	)
	if cfg.PSELogBodies {
		logger.Warn("PSE body logging is on: payer data will reach the logs at debug level")
	}

	// --- Tracing ---
	shutdown, err := observability.InitTracer(cfg.OTLPEndpoint, "pse-assistant-bfa")
	if err != nil {
		logger.Fatal("failed to init tracer", zap.Error(err))
	}
	defer shutdown(context.Background())

	// --- Metrics ---
	metrics := observability.NewMetrics()

	// --- Resilience ---
	resilienceCfg := resilience.Config{
		MaxRetries:     cfg.MaxRetries,
		InitialBackoff: cfg.InitialBackoff,
		MaxConcurrency: cfg.MaxConcurrency,
	}

	// --- Clients ---
	httpClient := &http.Client{Timeout: cfg.HTTPTimeout}
	creds := domain.Credentials{AuthToken: cfg.PSEAuthToken, MerchantID: cfg.PSEMerchantID}

	pseClient := client.NewPSEClient(httpClient, client.PSEConfig{
		BaseURL:     cfg.PSEBaseURL,
		Credentials: creds,
		LogBodies:   cfg.PSELogBodies,
	}, client.NewPSECircuitBreaker(), logger)

	ollamaClient := client.NewOllamaClient(
		httpClient,
		cfg.OllamaURL,
		cfg.OllamaModel,
		resilience.NewCircuitBreaker("ollama", nil),
		resilienceCfg,
	)

	// --- Cache ---
	var analysisCache port.AnalysisCache
	var checks []handler.HealthCheck
	if cfg.RedisAddr != "" {
		rdb := cache.NewRedisClient(cfg.RedisAddr, cfg.RedisPassword)
		defer rdb.Close()
		redisCache := cache.NewRedisAnalysis(rdb, cfg.CacheTTL, logger)
		analysisCache = redisCache
		checks = append(checks, handler.HealthCheck{Name: "redis", Check: redisCache.Ping})
		logger.Info("analysis cache: redis", zap.String("addr", cfg.RedisAddr))
	} else {
		memCache := cache.NewMemoryAnalysis(cfg.CacheTTL)
		defer memCache.Close()
		analysisCache = memCache
		logger.Info("analysis cache: in-memory")
	}

	// --- Services ---
	analyzer := service.NewAnalyzer(
		ollamaClient,
		analysisCache,
		ollamaClient.Model(),
		cfg.MaxConcurrency,
		metrics,
		logger,
	)
	payments := service.NewPayments(pseClient, creds, metrics, logger)

	// --- Router ---
	router := handler.NewRouter(analyzer, payments, checks, metrics, handler.RouterConfig{
		JWTSecret:      cfg.JWTSecret,
		AllowedOrigins: cfg.CORSAllowedOrigins,
	}, logger)

	// --- Server ---
	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      router,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: cfg.HTTPTimeout + 30*time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// --- Graceful shutdown ---
	go func() {
		logger.Info("server starting", zap.Int("port", cfg.Port))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("server failed", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("server shutting down...")
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		logger.Fatal("server forced shutdown", zap.Error(err))
	}

	logger.Info("server stopped")
}
