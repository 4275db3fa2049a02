package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hibiken/asynq"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/batasku/erpgate/internal/accounting/periods"
	"github.com/batasku/erpgate/internal/app"
	"github.com/batasku/erpgate/internal/audit"
	"github.com/batasku/erpgate/internal/erpnext"
	"github.com/batasku/erpgate/internal/observability"
	"github.com/batasku/erpgate/internal/platform/broker"
	"github.com/batasku/erpgate/internal/platform/db"
	"github.com/batasku/erpgate/jobs"
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
	metrics := observability.NewMetrics()
	var readiness []app.ReadinessCheck

	var sinks []audit.Sink
	var inspector *asynq.Inspector
	if cfg.AuditQueueEnabled {
		redisClient, err := broker.New(ctx, cfg.RedisAddr)
		if err != nil {
			logger.Error("connect redis", slog.Any("error", err))
			os.Exit(1)
		}
		defer func() {
			if err := redisClient.Close(); err != nil {
				logger.Warn("redis close", slog.Any("error", err))
			}
		}()
		readiness = append(readiness, app.ReadinessCheck{
			Name:  "redis",
			Check: func(ctx context.Context) error { return redisClient.Ping(ctx).Err() },
		})

		redisOpts := broker.AsynqOpts(redisClient)
		jobClient, err := jobs.NewClient(redisOpts)
		if err != nil {
			logger.Error("init job client", slog.Any("error", err))
			os.Exit(1)
		}
		defer func() {
			if err := jobClient.Close(); err != nil {
				logger.Warn("job client close", slog.Any("error", err))
			}
		}()
		sinks = append(sinks, jobClient)

		inspector = asynq.NewInspector(redisOpts)
		defer func() {
			if err := inspector.Close(); err != nil {
				logger.Warn("inspector close", slog.Any("error", err))
			}
		}()
	}

	if cfg.PGDSN != "" {
		pool, err := db.New(ctx, cfg.PGDSN)
		if err != nil {
			logger.Error("connect postgres", slog.Any("error", err))
			os.Exit(1)
		}
		defer pool.Close()
		if err := ensureAuditSchema(ctx, pool); err != nil {
			logger.Error("audit schema", slog.Any("error", err))
			os.Exit(1)
		}
		sinks = append(sinks, audit.NewStore(pool))
		readiness = append(readiness, app.ReadinessCheck{Name: "postgres", Check: pool.Ping})
	}

	var auditor periods.Auditor
	if len(sinks) > 0 {
		auditor = audit.NewRecorder(logger, sinks...)
	} else {
		logger.Warn("audit disabled: no queue or database configured")
	}

	erpClient := erpnext.NewClient(cfg.ERPNextURL, cfg.ERPLookupTimeout, logger)
	periodService := periods.NewService(periods.NewRepository(erpClient), periods.ServiceConfig{
		ServiceUser:     cfg.ERPServiceUser,
		OverrideRoles:   cfg.OverrideRoles(),
		OverrideFromERP: cfg.PeriodOverrideFromERP,
		LookupTimeout:   cfg.ERPLookupTimeout,
		Observer:        metrics,
		Auditor:         auditor,
		Logger:          logger,
	})

	router := app.NewRouter(app.RouterParams{
		Logger:        logger,
		Config:        cfg,
		PeriodHandler: periods.NewHandler(logger, periodService),
		JobHandler:    newJobHandler(inspector, logger),
		Metrics:       metrics,
		Readiness:     readiness,
	})

	server := &http.Server{
		Addr:         cfg.AppAddr,
		Handler:      router,
		ReadTimeout:  cfg.AppReadTimeout,
		WriteTimeout: cfg.AppWriteTimeout,
	}

	go func() {
		logger.Info("starting http server",
			slog.String("addr", cfg.AppAddr),
			slog.String("erpnext", cfg.ERPNextURL),
			slog.String("auth", string(cfg.ServiceCredentials().Scheme())),
		)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
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

// newJobHandler keeps a nil inspector out of the QueueInspector interface.
func newJobHandler(inspector *asynq.Inspector, logger *slog.Logger) *jobs.Handler {
	var queue jobs.QueueInspector
	if inspector != nil {
		queue = inspector
	}
	return jobs.NewHandler(queue, logger)
}

func ensureAuditSchema(ctx context.Context, pool *pgxpool.Pool) error {
	return db.WithTx(ctx, pool, func(tx pgx.Tx) error {
		return audit.NewStore(tx).EnsureSchema(ctx)
	})
}
