package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hibiken/asynq"

	"github.com/odyssey-erp/swissbooks/internal/accounting/ledger"
	"github.com/odyssey-erp/swissbooks/internal/app"
	"github.com/odyssey-erp/swissbooks/internal/integration"
	"github.com/odyssey-erp/swissbooks/internal/observability"
	"github.com/odyssey-erp/swissbooks/internal/outbox"
	"github.com/odyssey-erp/swissbooks/internal/payroll"
	"github.com/odyssey-erp/swissbooks/internal/platform/cache"
	"github.com/odyssey-erp/swissbooks/internal/platform/db"
	"github.com/odyssey-erp/swissbooks/internal/posting"
	"github.com/odyssey-erp/swissbooks/internal/shared"
	"github.com/odyssey-erp/swissbooks/jobs"
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

	pool, err := db.New(ctx, cfg.PGDSN, db.WithApplicationName("swissbooks-worker"), db.WithMaxConns(cfg.PGMaxConns))
	if err != nil {
		logger.Error("connect database", slog.Any("error", err))
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
	auditLogger := shared.NewAuditLogger(pool)

	ledgerService := ledger.NewService(ledger.NewRepository(pool), auditLogger, logger)
	rulesCache := cache.NewVersioned(redisClient, "swissbooks:rules", cfg.RuleCacheTTL)
	postingService := posting.NewService(posting.NewRepository(pool), rulesCache, logger)
	poster := integration.NewPoster(posting.NewEngine(postingService, logger), ledgerService, auditLogger, logger).
		WithMetrics(metrics.Jobs())

	policy := cfg.OutboxPolicy()
	dispatcher := outbox.NewDispatcher(outbox.NewRepository(pool), poster, policy, metrics.Jobs(), logger)

	payrollService := payroll.NewService(payroll.NewRepository(pool), auditLogger, logger)
	payrollService.WithBatchLimit(cfg.PayrollBatchLimit)

	dispatchJob := jobs.NewOutboxDispatchJob(dispatcher, policy.BatchSize, logger, metrics.Jobs())
	batchJob := jobs.NewPayrollBatchJob(payrollService, logger, metrics.Jobs())
	integrityJob := jobs.NewLedgerIntegrityJob(ledgerService, jobs.PoolIntegrityStore{Pool: pool}, logger, metrics.Jobs())

	integrityTask, err := jobs.NewLedgerIntegrityTask(jobs.LedgerIntegrityPayload{})
	if err != nil {
		logger.Error("build integrity task", slog.Any("error", err))
		os.Exit(1)
	}

	redisOpt, err := jobs.RedisOpt(cfg.RedisAddr)
	if err != nil {
		logger.Error("redis options", slog.Any("error", err))
		os.Exit(1)
	}

	worker, err := jobs.NewWorker(jobs.WorkerConfig{
		RedisOpts:   redisOpt,
		Logger:      logger,
		Concurrency: cfg.WorkerConcurrency,
		Handlers: []jobs.TaskHandler{
			{Type: jobs.TaskOutboxDispatch, Handler: dispatchJob.Handle},
			{Type: jobs.TaskPayrollBatch, Handler: batchJob.Handle},
			{Type: jobs.TaskLedgerIntegrity, Handler: integrityJob.Handle},
		},
		Cron: []jobs.CronRegistration{
			{
				Spec:    fmt.Sprintf("@every %s", cfg.OutboxInterval),
				Task:    jobs.NewOutboxDispatchTask(),
				Options: []asynq.Option{asynq.MaxRetry(0), asynq.Unique(cfg.OutboxInterval)},
			},
			{Spec: cfg.IntegrityCron, Task: integrityTask, Options: []asynq.Option{asynq.MaxRetry(1)}},
		},
	})
	if err != nil {
		logger.Error("init worker", slog.Any("error", err))
		os.Exit(1)
	}

	metricsServer := &http.Server{Addr: cfg.WorkerMetricsAddr, Handler: metrics.Handler(), ReadHeaderTimeout: 5 * time.Second}
	go func() {
		logger.Info("serving worker metrics", slog.String("addr", cfg.WorkerMetricsAddr))
		if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Warn("metrics server", slog.Any("error", err))
		}
	}()
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = metricsServer.Shutdown(shutdownCtx)
	}()

	if err := worker.Run(ctx); err != nil && err != context.Canceled {
		logger.Error("worker run", slog.Any("error", err))
		os.Exit(1)
	}
}
