package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/spf13/cobra"
	"go.opentelemetry.io/otel/trace"

	"github.com/miradorstack/eservice-monitor/internal/cache"
	"github.com/miradorstack/eservice-monitor/internal/config"
	"github.com/miradorstack/eservice-monitor/internal/engine"
	"github.com/miradorstack/eservice-monitor/internal/metrics"
	"github.com/miradorstack/eservice-monitor/internal/repo"
	"github.com/miradorstack/eservice-monitor/internal/services"
	"github.com/miradorstack/eservice-monitor/internal/tracing"
)

// app holds the components shared by every command.
type app struct {
	cfg     *config.Config
	logger  *slog.Logger
	db      *sql.DB
	tracer  trace.Tracer
	service *services.MonitorService

	closers []func(context.Context) error
}

func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	path, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(path)
	if err != nil {
		return nil, &exitError{code: 2, msg: fmt.Sprintf("load config: %v", err)}
	}
	return cfg, nil
}

// buildApp opens storage, the optional cache and tracing, and wires the monitor service.
func buildApp(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*app, error) {
	a := &app{cfg: cfg, logger: logger}

	db, err := repo.OpenSQLite(cfg.Storage.DSN)
	if err != nil {
		return nil, fmt.Errorf("open storage: %w", err)
	}
	a.db = db
	a.closers = append(a.closers, func(context.Context) error { return db.Close() })

	tp, shutdownTracing, err := tracing.Setup(ctx, cfg.Tracing)
	if err != nil {
		_ = a.close(ctx)
		return nil, fmt.Errorf("setup tracing: %w", err)
	}
	a.tracer = tracing.Tracer(tp)
	a.closers = append(a.closers, shutdownTracing)

	var cacheProvider cache.Provider = cache.NoopProvider{}
	if cfg.Cache.Enabled {
		provider, err := cache.NewValkeyProvider(ctx, cache.ValkeyConfig{
			Addr:        cfg.Cache.Addr,
			Username:    cfg.Cache.Username,
			Password:    cfg.Cache.Password,
			DB:          cfg.Cache.DB,
			TLS:         cfg.Cache.TLS,
			KeyPrefix:   cfg.Cache.KeyPrefix,
			DialTimeout: cfg.Cache.DialTimeout,
			IOTimeout:   cfg.Cache.IOTimeout,
			PoolSize:    cfg.Cache.PoolSize,
		})
		if err != nil {
			logger.Warn("valkey cache unavailable, caching statistics in process", slog.Any("error", err))
			cacheProvider = cache.NewMemoryProvider(0)
		} else {
			cacheProvider = provider
			a.closers = append(a.closers, func(context.Context) error { return provider.Close() })
		}
	}

	facts := repo.NewProbeFactRepo(db)
	telemetry := repo.NewTelemetryRepo(db)
	loc := cfg.PollingLocation()

	aggregator := engine.NewTelemetryAggregator(logger, telemetry, engine.AggregatorConfig{
		MaxMonthsFactor:      cfg.Statistics.MaxMonthsFactor,
		PerformanceTolerance: cfg.Statistics.PerformanceTolerance,
		FailureTolerance:     cfg.Statistics.FailureTolerance,
		DefaultRange:         cfg.Statistics.DefaultRange,
		OnSkip:               metrics.IncSkippedSample,
	})
	classifier := engine.NewStateClassifier(cfg.Probing.ToleranceMultiplier, time.Now)
	evaluator := engine.NewAdmissionEvaluator(cfg.Probing.TimeoutThresholdMultiplier, loc)

	a.service = services.NewMonitorService(logger, facts, telemetry, aggregator, classifier, evaluator, cacheProvider, services.Options{
		MaxRangeDays:  cfg.Statistics.MaxRangeDays,
		StatisticsTTL: cfg.Cache.StatisticsTTL,
		Tracer:        a.tracer,
	})
	return a, nil
}

// close releases resources in reverse order of acquisition.
func (a *app) close(ctx context.Context) error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](ctx); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}
