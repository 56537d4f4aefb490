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

	"github.com/tashi-project/vmcore/cmd/vmcored/api"
	"github.com/tashi-project/vmcore/lib/config"
	"github.com/tashi-project/vmcore/lib/dfs/localfs"
	"github.com/tashi-project/vmcore/lib/logger"
	"github.com/tashi-project/vmcore/lib/nodemanager"
	"github.com/tashi-project/vmcore/lib/otel"
	"github.com/tashi-project/vmcore/lib/paths"
	"github.com/tashi-project/vmcore/lib/vmcontrol/qemu"
)

func main() {
	if err := run(); err != nil {
		slog.Error("vmcored terminated", "error", err)
		os.Exit(1)
	}
}

func secondsToDuration(seconds float64) time.Duration {
	return time.Duration(seconds * float64(time.Second))
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	loggerCfg := logger.NewConfig()
	vmLogPaths := paths.New(cfg.InfoDir, cfg.TmpDir)
	log, vmLogHandler := logger.NewLoggerWithVMLog(loggerCfg, func(vmId int) string {
		return vmLogPaths.VMLog(vmId)
	})
	slog.SetDefault(log)
	defer vmLogHandler.CloseAll()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx = logger.AddToContext(ctx, log)

	otelProvider, otelShutdown, err := otel.Init(ctx, otel.Config{
		Enabled:     cfg.OtelEnabled,
		ServiceName: cfg.OtelServiceName,
	})
	if err != nil {
		log.WarnContext(ctx, "failed to initialize opentelemetry, continuing without it", "error", err)
		otelProvider, otelShutdown = &otel.Provider{}, func(context.Context) error { return nil }
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := otelShutdown(shutdownCtx); err != nil {
			log.WarnContext(ctx, "error shutting down opentelemetry", "error", err)
		}
	}()

	dfs, err := localfs.New(cfg.InfoDir + "/../dfs")
	if err != nil {
		return fmt.Errorf("initialize local dfs: %w", err)
	}

	qemuCfg := qemu.Config{
		QemuBin:               cfg.QemuBin,
		InfoDir:               cfg.InfoDir,
		TmpDir:                cfg.TmpDir,
		PollDelay:             secondsToDuration(cfg.PollDelaySeconds),
		MonitorTimeout:        secondsToDuration(cfg.MonitorTimeoutSeconds),
		MigrateTimeout:        secondsToDuration(cfg.MigrateTimeoutSeconds),
		MigrationRetries:      cfg.MigrationRetries,
		MaxParallelMigrations: cfg.MaxParallelMigrations,
	}

	backend, err := qemu.New(ctx, qemuCfg, dfs, nodemanager.LoggingCallback{}, otelProvider.Meter, otelProvider.Tracer)
	if err != nil {
		return fmt.Errorf("initialize qemu backend: %w", err)
	}
	backend.SetOnReap(vmLogHandler.CloseVMLog)
	defer backend.Close()

	server := api.NewServer(backend, cfg.OtelServiceName)
	httpServer := &http.Server{
		Addr:    cfg.DebugListenAddress,
		Handler: server,
	}

	go func() {
		log.InfoContext(ctx, "debug http surface listening", "addr", cfg.DebugListenAddress)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.ErrorContext(ctx, "debug http server failed", "error", err)
		}
	}()

	<-ctx.Done()
	log.InfoContext(ctx, "shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return httpServer.Shutdown(shutdownCtx)
}
