package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hibiken/asynq"
	"github.com/redis/go-redis/v9"

	"github.com/vantage-saas/vantage-iam/internal/app"
	"github.com/vantage-saas/vantage-iam/internal/iam"
	"github.com/vantage-saas/vantage-iam/internal/observability"
	"github.com/vantage-saas/vantage-iam/internal/platform/cache"
	"github.com/vantage-saas/vantage-iam/internal/platform/db"
	"github.com/vantage-saas/vantage-iam/jobs"
)

func main() {
	if app.InTestMode() {
		slog.Default().Info("test mode detected, skipping runtime startup")
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := app.LoadConfig()
	if err != nil {
		slog.Default().Error("load config", slog.Any("error", err))
		os.Exit(1)
	}

	logger := app.NewLogger(cfg)

	var store iam.Store
	switch cfg.StoreDriver {
	case "memory":
		store = iam.NewMemStore()
		logger.Info("using in-memory store")
	default:
		pool, err := db.New(ctx, cfg.PGDSN)
		if err != nil {
			logger.Error("connect postgres", slog.Any("error", err))
			os.Exit(1)
		}
		defer pool.Close()
		store = iam.NewPGStore(pool)
	}

	var redisClient *redis.Client
	if cfg.RedisAddr != "" {
		redisClient, err = cache.New(ctx, cfg.RedisAddr)
		if err != nil {
			logger.Warn("redis unavailable, decisions resolve uncached", slog.Any("error", err))
			redisClient = nil
		} else {
			defer func() {
				if err := redisClient.Close(); err != nil {
					logger.Warn("redis close", slog.Any("error", err))
				}
			}()
		}
	}

	metrics := observability.NewMetrics()

	var audit iam.Emitter = iam.NopEmitter{}
	if redisClient != nil {
		queueClient, err := jobs.NewClient(asynq.RedisClientOpt{Addr: cfg.RedisAddr})
		if err != nil {
			logger.Warn("queue client init", slog.Any("error", err))
		} else {
			defer func() {
				if err := queueClient.Close(); err != nil {
					logger.Warn("queue client close", slog.Any("error", err))
				}
			}()
			audit = jobs.NewAsyncEmitter(queueClient, logger)
		}
	}

	resolver := iam.NewResolver(store)
	decisions := iam.NewDecisionCache(redisClient, resolver, cfg.PermCacheTTL, logger)
	gate := iam.NewGate(decisions, audit, logger, metrics)
	assembler := iam.NewAssembler(decisions)
	service := iam.NewService(store, decisions, audit, logger)
	guard := iam.Middleware{Gate: gate, Logger: logger}
	handler := iam.NewHandler(logger, service, store, gate, assembler, guard)

	router := app.NewRouter(app.RouterParams{
		Logger:     logger,
		Config:     cfg,
		IAMHandler: handler,
		Metrics:    metrics,
	})

	server := &http.Server{
		Addr:         cfg.AppAddr,
		Handler:      router,
		ReadTimeout:  cfg.AppReadTimeout,
		WriteTimeout: cfg.AppWriteTimeout,
	}

	go func() {
		logger.Info("starting http server", slog.String("addr", cfg.AppAddr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("http server", slog.Any("error", err))
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown", slog.Any("error", err))
	}
}
