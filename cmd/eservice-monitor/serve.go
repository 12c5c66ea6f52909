package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/miradorstack/eservice-monitor/internal/api"
	"github.com/miradorstack/eservice-monitor/internal/metrics"
	"github.com/miradorstack/eservice-monitor/internal/scheduler"
	"github.com/miradorstack/eservice-monitor/internal/utils"
)

func newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API, the probe scheduler and the admin endpoints",
		RunE:  runServe,
	}
	cmd.Flags().Bool("no-scheduler", false, "Serve the API without running probe cycles")
	return cmd
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	noScheduler, _ := cmd.Flags().GetBool("no-scheduler")

	logger := utils.NewLogger(cfg.Logging.Level, cfg.Logging.JSON)
	slog.SetDefault(logger)
	logger.Info("starting eservice-monitor",
		slog.String("version", version),
		slog.String("http_address", cfg.Server.HTTPAddress),
		slog.String("admin_address", cfg.Server.AdminAddress),
	)

	if err := metrics.Register(prometheus.DefaultRegisterer); err != nil {
		logger.Error("failed to register metrics", slog.Any("error", err))
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := buildApp(ctx, cfg, logger)
	if err != nil {
		logger.Error("failed to initialise", slog.Any("error", err))
		return err
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.GracefulTimeout)
		defer cancel()
		if err := a.close(closeCtx); err != nil {
			logger.Warn("error releasing resources", slog.Any("error", err))
		}
	}()

	httpServer := api.NewHTTPServer(a.service, api.HTTPConfig{
		Address:        cfg.Server.HTTPAddress,
		RequestTimeout: cfg.Server.RequestTimeout,
		Ready:          a.db.PingContext,
		Logger:         logger,
	})

	adminServer, err := api.NewAdminServer(cfg.Server.AdminAddress)
	if err != nil {
		logger.Error("failed to create admin gRPC server", slog.Any("error", err))
		return err
	}

	var sched *scheduler.Scheduler
	if !noScheduler {
		prober := scheduler.NewHTTPProber(logger, nil, cfg.Probing.ProbeTimeout)
		sched, err = scheduler.New(logger, a.service, prober, scheduler.Config{
			Schedule:     cfg.Probing.Schedule,
			PageSize:     cfg.Probing.PageSize,
			MaxWorkers:   cfg.Probing.MaxWorkers,
			ProbeTimeout: cfg.Probing.ProbeTimeout,
			Tracer:       a.tracer,
		})
		if err != nil {
			logger.Error("failed to create scheduler", slog.Any("error", err))
			return err
		}
	}

	var metricsServer *http.Server
	if cfg.Server.MetricsAddress != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		metricsServer = &http.Server{
			Addr:         cfg.Server.MetricsAddress,
			Handler:      mux,
			ReadTimeout:  5 * time.Second,
			WriteTimeout: 15 * time.Second,
		}
		go func() {
			logger.Info("metrics server listening", slog.String("address", cfg.Server.MetricsAddress))
			if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("metrics server exited", slog.Any("error", err))
				stop()
			}
		}()
	}

	go func() {
		if err := adminServer.Start(); err != nil {
			logger.Error("admin gRPC server exited", slog.Any("error", err))
			stop()
		}
	}()
	go func() {
		if err := httpServer.Start(); err != nil {
			logger.Error("http server exited", slog.Any("error", err))
			stop()
		}
	}()

	if sched != nil {
		sched.Start()
	}

	<-ctx.Done()
	logger.Info("shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.GracefulTimeout)
	defer cancel()

	adminServer.SetServing(false)
	if sched != nil {
		if err := sched.Stop(shutdownCtx); err != nil {
			logger.Warn("scheduler did not stop cleanly", slog.Any("error", err))
		}
	}
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http server shutdown error", slog.Any("error", err))
	}
	if metricsServer != nil {
		if err := metricsServer.Shutdown(shutdownCtx); err != nil {
			logger.Warn("metrics server shutdown error", slog.Any("error", err))
		}
	}
	adminServer.Shutdown(shutdownCtx)

	logger.Info("eservice-monitor stopped")
	return nil
}
