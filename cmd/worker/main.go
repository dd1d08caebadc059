package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/hibiken/asynq"

	"github.com/waterfall-project/guardian/internal/app"
	"github.com/waterfall-project/guardian/internal/audit"
	jobmetrics "github.com/waterfall-project/guardian/internal/jobs"
	"github.com/waterfall-project/guardian/internal/observability"
	"github.com/waterfall-project/guardian/internal/platform/cache"
	"github.com/waterfall-project/guardian/internal/platform/db"
	"github.com/waterfall-project/guardian/jobs"
)

func main() {
	if app.InTestMode() {
		slog.Default().Info("test mode detected, skipping worker startup")
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

	pool, err := db.New(ctx, cfg.PGDSN)
	if err != nil {
		logger.Error("connect postgres", slog.Any("error", err))
		os.Exit(1)
	}
	defer pool.Close()

	redisClient, err := cache.New(ctx, cfg.RedisAddr)
	if err != nil {
		logger.Error("connect redis", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() {
		if err := redisClient.Close(); err != nil {
			logger.Warn("redis close", slog.Any("error", err))
		}
	}()

	metrics := observability.NewMetrics()
	jobMetrics := jobmetrics.NewMetrics(metrics.Registerer())

	stream := audit.NewStream(nil)
	if cfg.AuditStreamPath != "" {
		sink, err := os.OpenFile(cfg.AuditStreamPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
		if err != nil {
			logger.Error("open audit stream", slog.Any("error", err))
			os.Exit(1)
		}
		defer func() {
			if err := sink.Close(); err != nil {
				logger.Warn("close audit stream", slog.Any("error", err))
			}
		}()
		stream = audit.NewStream(sink)
	}

	auditRepo := audit.NewRepository(pool)
	statsCache := audit.NewCache(redisClient, cfg.AuditStatsTTL)
	auditService := audit.NewService(auditRepo, stream, statsCache, metrics, logger)

	retentionJob := jobs.NewAuditRetentionJob(auditService, logger, jobMetrics)

	purgeTask, err := jobs.NewAuditPurgeTask(cfg.AuditRetentionDays, nil)
	if err != nil {
		logger.Error("build purge task", slog.Any("error", err))
		os.Exit(1)
	}

	worker, err := jobs.NewWorker(jobs.WorkerConfig{
		RedisOpts: asynq.RedisClientOpt{Addr: cfg.RedisAddr},
		Logger:    logger,
		Handlers: []jobs.TaskHandler{
			{Type: jobs.TaskAuditPurge, Handler: retentionJob.Handle},
		},
		Cron: []jobs.CronRegistration{
			{Spec: cfg.AuditPurgeCron, Task: purgeTask, Options: []asynq.Option{asynq.MaxRetry(3)}},
		},
	})
	if err != nil {
		logger.Error("init worker", slog.Any("error", err))
		os.Exit(1)
	}

	inspector := asynq.NewInspector(asynq.RedisClientOpt{Addr: cfg.RedisAddr})
	jobsHandler := jobs.NewHandler(inspector, logger)

	router := chi.NewRouter()
	router.Method(http.MethodGet, "/metrics", metrics.Handler())
	jobsHandler.MountRoutes(router)

	obsSrv := &http.Server{
		Addr:              cfg.MetricsAddr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		logger.Info("observability listener started", slog.String("addr", cfg.MetricsAddr))
		if err := obsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("observability listener", slog.Any("error", err))
		}
	}()
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := obsSrv.Shutdown(shutdownCtx); err != nil {
			logger.Warn("observability shutdown", slog.Any("error", err))
		}
	}()

	if err := worker.Run(ctx); err != nil && err != context.Canceled {
		logger.Error("worker run", slog.Any("error", err))
		os.Exit(1)
	}
}
