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

	"github.com/odyssey-erp/odyssey-caisse/internal/app"
	"github.com/odyssey-erp/odyssey-caisse/internal/audit"
	audithttp "github.com/odyssey-erp/odyssey-caisse/internal/audit/http"
	"github.com/odyssey-erp/odyssey-caisse/internal/caisse"
	"github.com/odyssey-erp/odyssey-caisse/internal/observability"
	"github.com/odyssey-erp/odyssey-caisse/internal/platform/cache"
	"github.com/odyssey-erp/odyssey-caisse/internal/platform/db"
	"github.com/odyssey-erp/odyssey-caisse/internal/procurement"
	"github.com/odyssey-erp/odyssey-caisse/internal/rbac"
	"github.com/odyssey-erp/odyssey-caisse/internal/shared"
	"github.com/odyssey-erp/odyssey-caisse/internal/users"
	"github.com/odyssey-erp/odyssey-caisse/jobs"
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

	if cfg.PGAutoMigrate {
		if err := db.Migrate(cfg.PGDSN, logger); err != nil {
			logger.Error("migrate database", slog.Any("error", err))
			os.Exit(1)
		}
	}

	dbpool, err := db.New(ctx, cfg.PGDSN, db.PoolConfig{})
	if err != nil {
		logger.Error("connect postgres", slog.Any("error", err))
		os.Exit(1)
	}
	defer dbpool.Close()

	redisClient := cache.Optional(ctx, cfg.RedisAddr, logger)
	if redisClient != nil {
		defer func() {
			if err := redisClient.Close(); err != nil {
				logger.Warn("redis close", slog.Any("error", err))
			}
		}()
	}

	metrics := observability.NewMetrics()

	rbacService := rbac.NewService(rbac.NewStore(dbpool), redisClient, logger)
	rbacMiddleware := rbac.Middleware{Service: rbacService, Logger: logger}
	usersHandler := users.NewHandler(logger, rbacService, rbacMiddleware)

	ledger := caisse.NewService(caisse.NewRepository(dbpool), logger).WithMetrics(metrics)
	caisseHandler := caisse.NewHandler(logger, ledger, cfg.LedgerRateLimit)

	redisOpts := asynq.RedisClientOpt{Addr: cfg.RedisAddr}
	notifier, err := jobs.NewClient(redisOpts, cfg.NotifyQueue)
	if err != nil {
		logger.Error("init job client", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() {
		if err := notifier.Close(); err != nil {
			logger.Warn("job client close", slog.Any("error", err))
		}
	}()

	procurementService := procurement.NewService(
		procurement.NewRepository(dbpool, logger),
		ledger,
		procurement.ServiceConfig{
			Notifier:        notifier,
			Guard:           shared.NewInflightGuard(redisClient, cfg.InflightTTL),
			Metrics:         metrics,
			Logger:          logger,
			DefaultCurrency: cfg.DefaultCurrency,
		},
	)
	procurementHandler := procurement.NewHandler(logger, procurementService)

	auditHandler := audithttp.NewHandler(logger, audit.NewService(audit.NewRepository(dbpool)))

	inspector := asynq.NewInspector(redisOpts)
	defer func() {
		if err := inspector.Close(); err != nil {
			logger.Warn("inspector close", slog.Any("error", err))
		}
	}()
	jobHandler := jobs.NewHandler(inspector, logger)

	router := app.NewRouter(app.RouterParams{
		Logger:             logger,
		Config:             cfg,
		RBACMiddleware:     rbacMiddleware,
		ProcurementHandler: procurementHandler,
		CaisseHandler:      caisseHandler,
		AuditHandler:       auditHandler,
		UsersHandler:       usersHandler,
		JobHandler:         jobHandler,
		Metrics:            metrics,
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
