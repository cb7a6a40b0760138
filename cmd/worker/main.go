package main

import (
	"context"
	"log"
	"os/signal"
	"syscall"

	"github.com/Vovarama1992/whoisalice/internal/app"
	"github.com/Vovarama1992/whoisalice/internal/config"
	"github.com/Vovarama1992/whoisalice/internal/observability"
	"github.com/Vovarama1992/whoisalice/internal/worker"

	"go.uber.org/zap"
)

func main() {

	// =========================================================================
	// ENV / LOGGER
	// =========================================================================

	cfg, err := config.FromEnv()
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	// задачи и очередь в памяти живут только внутри процесса API
	if cfg.StoreBackend == config.BackendMemory || cfg.BrokerBackend == config.BackendMemory {
		log.Fatal("memory backends run embedded in the API process, set DATABASE_URL")
	}

	baseLogger, _ := zap.NewProduction()
	defer baseLogger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := observability.InitTracing(ctx, "whoisalice-worker", cfg.OTelExporter, cfg.Environment)
	if err != nil {
		log.Fatalf("tracing: %v", err)
	}
	defer shutdownTracing(context.Background())

	// =========================================================================
	// INFRASTRUCTURE
	// =========================================================================

	a, err := app.New(ctx, cfg, baseLogger)
	if err != nil {
		log.Fatalf("bootstrap: %v", err)
	}
	defer a.Close()

	// =========================================================================
	// WORKERS
	// =========================================================================

	pool, err := worker.NewPool(a.Broker, a.WorkerDeps(), cfg.WorkerConcurrency)
	if err != nil {
		log.Fatalf("worker pool: %v", err)
	}

	baseLogger.Info("worker process started",
		zap.String("broker", cfg.BrokerBackend),
		zap.Int("concurrency", cfg.WorkerConcurrency),
		zap.Int("max_retries", cfg.MaxRetries),
	)
	if err := pool.Run(ctx); err != nil {
		log.Fatalf("worker pool: %v", err)
	}
}
