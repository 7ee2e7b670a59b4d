package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/3leaps/goscribe/internal/config"
	"github.com/3leaps/goscribe/internal/observability"
	"github.com/3leaps/goscribe/internal/server"
	"github.com/3leaps/goscribe/internal/server/handlers"
	"github.com/3leaps/goscribe/pkg/store"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API and the job manager",
	Long: `Run the job lifecycle API.

Jobs submitted over HTTP run in this process. On startup, jobs left running
by a process that exited are marked failed (interrupted) and can be resumed.
On SIGINT or SIGTERM the server stops accepting requests, open event streams
end, and running jobs are interrupted at their next checkpoint boundary.`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().String("host", "", "Listen host (overrides server.host)")
	serveCmd.Flags().Int("port", 0, "Listen port (overrides server.port)")
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig(cmd, flagOverrides(cmd, map[string]string{
		"host": "server.host",
		"port": "server.port",
	}))
	if err != nil {
		return err
	}
	if err := observability.InitServerLogger(config.AppName, cfg.Logging.Level, cfg.Logging.Profile); err != nil {
		return exitError(foundry.ExitInvalidArgument, "Invalid logging configuration", err)
	}
	logger := observability.ServerLogger
	defer observability.Sync()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.Metrics.Enabled {
		if err := observability.InitMetrics(config.AppName, cfg.Metrics.Port); err != nil {
			logger.Warn("metrics disabled", zap.Error(err))
		} else {
			defer observability.StopMetrics()
			logger.Info("metrics exporter started", zap.Int("port", cfg.Metrics.Port))
		}
	}

	comps, err := buildComponents(ctx, cfg, buildOptions{
		logger:  logger,
		metrics: observability.MetricsRecorder(),
		bus:     true,
	})
	if err != nil {
		logger.Error("failed to initialize pipeline", zap.Error(err))
		return exitError(foundry.ExitExternalServiceUnavailable, "Failed to initialize pipeline", err)
	}
	defer func() { _ = comps.Close() }()

	if n, err := comps.manager.RecoverInterrupted(ctx); err != nil {
		logger.Warn("interrupted-job recovery failed", zap.Error(err))
	} else if n > 0 {
		logger.Info("recovered interrupted jobs", zap.Int("count", n))
	}

	health := handlers.InitHealthManager(versionInfo.Version)
	health.RegisterChecker("signal", signalHealthChecker{})
	health.RegisterChecker("identity", identityHealthChecker{
		binaryName: config.AppName,
		envPrefix:  config.EnvPrefix,
		configName: config.AppName,
	})
	health.RegisterChecker("store", storeHealthChecker{repo: comps.repo})
	if cfg.Metrics.Enabled {
		health.RegisterChecker("telemetry", telemetryHealthChecker{})
	}

	srv := server.New(cfg.Server.Host, cfg.Server.Port,
		server.WithLogger(logger),
		server.WithJobs(comps.manager),
		server.WithTimeouts(cfg.Server.ReadTimeout, cfg.Server.WriteTimeout, cfg.Server.IdleTimeout),
	)

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Start() }()
	logger.Info("goscribe serving",
		zap.String("addr", srv.Addr()),
		zap.String("version", versionInfo.Version),
		zap.String("store", cfg.Store.Driver),
		zap.Int("stages", len(cfg.Pipeline.Stages)))

	select {
	case err := <-errCh:
		if err != nil {
			logger.Error("http server failed", zap.Error(err))
			return exitError(foundry.ExitExternalServiceUnavailable, "HTTP server failed", err)
		}
		return nil
	case <-ctx.Done():
	}

	logger.Info("shutting down", zap.Duration("timeout", cfg.Server.ShutdownTimeout))
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	var errs []error
	if err := srv.Shutdown(shutdownCtx); err != nil {
		errs = append(errs, fmt.Errorf("http shutdown: %w", err))
	}
	if err := comps.manager.Shutdown(shutdownCtx); err != nil {
		errs = append(errs, fmt.Errorf("job manager shutdown: %w", err))
	}
	if err := errors.Join(errs...); err != nil {
		logger.Warn("unclean shutdown", zap.Error(err))
		return exitError(foundry.ExitSignalInt, "Unclean shutdown", err)
	}
	logger.Info("shutdown complete")
	return nil
}

// signalHealthChecker reports healthy while the process is serving.
type signalHealthChecker struct{}

func (signalHealthChecker) CheckHealth(ctx context.Context) error {
	return nil
}

// identityHealthChecker verifies the application identity is complete.
type identityHealthChecker struct {
	binaryName string
	envPrefix  string
	configName string
}

func (c identityHealthChecker) CheckHealth(ctx context.Context) error {
	switch {
	case c.binaryName == "":
		return errors.New("missing binary name")
	case c.envPrefix == "":
		return errors.New("missing env prefix")
	case c.configName == "":
		return errors.New("missing config name")
	}
	return nil
}

// telemetryHealthChecker verifies the metrics exporter is running.
type telemetryHealthChecker struct{}

func (telemetryHealthChecker) CheckHealth(ctx context.Context) error {
	if observability.TelemetrySystem == nil || observability.PrometheusExporter == nil {
		return errors.New("telemetry system not initialized")
	}
	return nil
}

// storeHealthChecker verifies the job repository answers queries.
type storeHealthChecker struct {
	repo store.Repository
}

func (c storeHealthChecker) CheckHealth(ctx context.Context) error {
	if c.repo == nil {
		return errors.New("store not initialized")
	}
	if _, err := c.repo.ListJobs(ctx, store.JobFilter{Limit: 1}); err != nil {
		return fmt.Errorf("store query: %w", err)
	}
	return nil
}
