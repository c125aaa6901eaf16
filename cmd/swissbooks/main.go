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

	"github.com/odyssey-erp/swissbooks/internal/accounting/accounts"
	"github.com/odyssey-erp/swissbooks/internal/accounting/ledger"
	"github.com/odyssey-erp/swissbooks/internal/app"
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

	pool, err := db.New(ctx, cfg.PGDSN, db.WithApplicationName("swissbooks-api"), db.WithMaxConns(cfg.PGMaxConns))
	if err != nil {
		logger.Error("connect postgres", slog.Any("error", err))
		os.Exit(1)
	}
	defer pool.Close()

	if cfg.MigrateOnBoot {
		if err := db.Migrate(ctx, pool); err != nil {
			logger.Error("migrate", slog.Any("error", err))
			os.Exit(1)
		}
	}

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

	auditLogger := shared.NewAuditLogger(pool)
	metrics := observability.NewMetrics()

	ledgerService := ledger.NewService(ledger.NewRepository(pool), auditLogger, logger)
	accountsService := accounts.NewService(accounts.NewRepository(pool), ledgerService, auditLogger, logger)

	rulesCache := cache.NewVersioned(redisClient, "swissbooks:rules", cfg.RuleCacheTTL)
	postingService := posting.NewService(posting.NewRepository(pool), rulesCache, logger)
	postingEngine := posting.NewEngine(postingService, logger)

	outboxService := outbox.NewService(outbox.NewRepository(pool), logger)

	payrollService := payroll.NewService(payroll.NewRepository(pool), auditLogger, logger)
	payrollService.WithBatchLimit(cfg.PayrollBatchLimit)

	redisOpt, err := jobs.RedisOpt(cfg.RedisAddr)
	if err != nil {
		logger.Error("redis options", slog.Any("error", err))
		os.Exit(1)
	}
	inspector := asynq.NewInspector(redisOpt)
	defer func() {
		if err := inspector.Close(); err != nil {
			logger.Warn("inspector close", slog.Any("error", err))
		}
	}()

	router := app.NewRouter(app.RouterParams{
		Logger:          logger,
		Config:          cfg,
		Pool:            pool,
		AccountsHandler: accounts.NewHandler(logger, accountsService),
		LedgerHandler:   ledger.NewHandler(logger, ledgerService),
		PostingHandler:  posting.NewHandler(logger, postingService, postingEngine),
		OutboxHandler:   outbox.NewHandler(logger, outboxService),
		PayrollHandler:  payroll.NewHandler(logger, payrollService),
		JobHandler:      jobs.NewHandler(inspector, logger),
		Metrics:         metrics,
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
