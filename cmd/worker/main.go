package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/Domenick1991/bookingengine/config"
	"github.com/Domenick1991/bookingengine/internal/bootstrap"
	"github.com/Domenick1991/bookingengine/internal/kafka"
	"github.com/Domenick1991/bookingengine/internal/notify"
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

	if cfg.Worker.Scheduler == config.DriverMemory {
		logger.Fatal("the memory scheduler only runs embedded in the API process; use worker.scheduler=redis for a separate worker")
	}

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

	if len(cfg.Kafka.Brokers) > 0 {
		consumer := kafka.NewConsumer(cfg.Kafka.Brokers, cfg.Kafka.GroupID, cfg.Kafka.BookingEventsTopic, logger.Named("kafka"))
		defer consumer.Close()

		sender := notify.NewSender(logger.Named("notify"))
		go func() {
			if err := consumer.ConsumeBookingEvents(ctx, sender.Send); err != nil && ctx.Err() == nil {
				logger.Error("notifications consumer stopped", zap.Error(err))
			}
		}()
	}

	logger.Info("worker started", zap.String("scheduler", cfg.Worker.Scheduler))
	if err := bootstrap.RunWorker(ctx, app, cfg.Worker.ConsistencyInterval, logger); err != nil {
		logger.Error("worker stopped", zap.Error(err))
		return
	}
	logger.Info("worker shut down")
}
