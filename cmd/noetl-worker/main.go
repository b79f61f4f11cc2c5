// NoETL worker — consumes task notifications for one pool, executes tools,
// and reports results back through the dispatcher API.
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/noetl/noetl/pkg/broker"
	"github.com/noetl/noetl/pkg/client"
	"github.com/noetl/noetl/pkg/config"
	"github.com/noetl/noetl/pkg/database"
	"github.com/noetl/noetl/pkg/worker"
)

func main() {
	if err := godotenv.Load(); err != nil {
		slog.Warn("Could not load .env file, continuing with existing environment", "error", err)
	}

	workerCfg := config.LoadWorkerConfig()
	brokerCfg := config.LoadBrokerConfig()
	engineCfg := config.LoadEngineConfig()

	slog.Info("Starting NoETL worker",
		"pool", workerCfg.Pool,
		"concurrency", workerCfg.Concurrency,
		"server_url", workerCfg.ServerURL)

	ctx := context.Background()

	brk, err := broker.Connect(ctx, brokerCfg)
	if err != nil {
		slog.Error("Failed to connect to broker", "error", err)
		os.Exit(1)
	}
	defer brk.Close()
	slog.Info("Connected to broker", "url", brokerCfg.URL)

	apiClient := client.New(workerCfg.ServerURL)

	// The postgres tool falls back to the worker's own database config when
	// a task does not carry an explicit DSN.
	defaultDSN := ""
	if dbCfg, err := database.LoadConfigFromEnv(); err == nil {
		defaultDSN = dbCfg.DSN()
	}

	registry := worker.NewRegistry()
	registry.Register("http", worker.NewHTTPExecutor())
	registry.Register("postgres", worker.NewPostgresExecutor(defaultDSN))
	registry.Register("echo", worker.NewEchoExecutor())

	w := worker.New(workerCfg, brk, apiClient, registry, engineCfg.BrokerRedelivery)
	if err := w.Start(ctx); err != nil {
		slog.Error("Failed to start worker", "error", err)
		os.Exit(1)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	sig := <-sigCh
	slog.Info("Shutdown signal received", "signal", sig)

	// Drain in-flight tasks before closing the broker connection.
	w.Stop()
	slog.Info("Shutdown complete")
}
