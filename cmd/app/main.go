package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/Domenick1991/bookingengine/config"
	"github.com/Domenick1991/bookingengine/internal/bootstrap"
	"github.com/Domenick1991/bookingengine/internal/observability"
	"go.uber.org/zap"
)

func main() {
	cfgPath := os.Getenv("CONFIG_PATH")
	if cfgPath == "" {
		cfgPath = "config.yaml"
	}

	cfg, err := config.LoadConfig(cfgPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	logger, err := observability.NewLogger(cfg.Log.Level)
	if err != nil {
		log.Fatalf("init logger: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := observability.SetupTracing(ctx, cfg.Telemetry)
	if err != nil {
		logger.Fatal("init tracing", zap.Error(err))
	}
	defer func() { _ = shutdownTracing(context.Background()) }()

	app, err := bootstrap.NewApp(ctx, cfg, logger)
	if err != nil {
		logger.Fatal("init app", zap.Error(err))
	}
	defer app.Close()

	if cfg.Worker.Embedded {
		go func() {
			if err := bootstrap.RunWorker(ctx, app, cfg.Worker.ConsistencyInterval, logger.Named("worker")); err != nil {
				logger.Error("embedded worker stopped", zap.Error(err))
				stop()
			}
		}()
	}

	if err := bootstrap.Run(ctx, cfg, app.Services(), logger); err != nil {
		logger.Error("server error", zap.Error(err))
	}
}
