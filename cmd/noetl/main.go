// NoETL control-plane server — serves the HTTP API, runs the execution
// engine, the task-lease supervisor, the scheduler, and retention cleanup.
package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/noetl/noetl/pkg/api"
	"github.com/noetl/noetl/pkg/broker"
	"github.com/noetl/noetl/pkg/catalog"
	"github.com/noetl/noetl/pkg/cleanup"
	"github.com/noetl/noetl/pkg/config"
	"github.com/noetl/noetl/pkg/database"
	"github.com/noetl/noetl/pkg/dispatch"
	"github.com/noetl/noetl/pkg/engine"
	"github.com/noetl/noetl/pkg/eventlog"
	"github.com/noetl/noetl/pkg/ident"
	"github.com/noetl/noetl/pkg/keychain"
	"github.com/noetl/noetl/pkg/loop"
	"github.com/noetl/noetl/pkg/resultstore"
	"github.com/noetl/noetl/pkg/runtime"
	"github.com/noetl/noetl/pkg/scheduler"
	"github.com/noetl/noetl/pkg/vars"
)

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// resolveInstanceID determines this server's identity for lease ownership.
// Priority: NOETL_INSTANCE_ID env > HOSTNAME env > "local"
func resolveInstanceID() string {
	if id := os.Getenv("NOETL_INSTANCE_ID"); id != "" {
		return id
	}
	if hostname := os.Getenv("HOSTNAME"); hostname != "" {
		return hostname
	}
	return "local"
}

func main() {
	if err := godotenv.Load(); err != nil {
		slog.Warn("Could not load .env file, continuing with existing environment", "error", err)
	}

	httpPort := getEnv("NOETL_HTTP_PORT", "8080")
	instanceID := resolveInstanceID()

	slog.Info("Starting NoETL server", "http_port", httpPort, "instance_id", instanceID)

	ctx := context.Background()

	// 1. Configuration
	cfg, err := config.Load()
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	// 2. Database (runs embedded migrations)
	dbConfig, err := database.LoadConfigFromEnv()
	if err != nil {
		slog.Error("Failed to load database config", "error", err)
		os.Exit(1)
	}
	dbClient, err := database.NewClient(ctx, dbConfig)
	if err != nil {
		slog.Error("Failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer dbClient.Close()
	pool := dbClient.Pool()
	slog.Info("Connected to PostgreSQL database")

	// 3. Snowflake allocator; two instances must run different shards.
	ids, err := ident.NewAllocator(cfg.Engine.Shard)
	if err != nil {
		slog.Error("Failed to create id allocator", "error", err)
		os.Exit(1)
	}

	// 4. Broker, coordination buckets, leases
	brk, err := broker.Connect(ctx, cfg.Broker)
	if err != nil {
		slog.Error("Failed to connect to broker", "error", err)
		os.Exit(1)
	}
	defer brk.Close()
	slog.Info("Connected to broker", "url", cfg.Broker.URL)

	loopsKV, err := brk.KV(ctx, broker.BucketLoops, 0)
	if err != nil {
		slog.Error("Failed to open loops bucket", "error", err)
		os.Exit(1)
	}
	resultsKV, err := brk.KVWithLimit(ctx, broker.BucketResults, 24*time.Hour, cfg.ResultStore.KVThreshold)
	if err != nil {
		slog.Error("Failed to open results bucket", "error", err)
		os.Exit(1)
	}
	leases, err := broker.NewLeaseManager(ctx, brk, instanceID, cfg.Engine.LeaseTimeout)
	if err != nil {
		slog.Error("Failed to open leases bucket", "error", err)
		os.Exit(1)
	}

	// 5. Stores and services
	events := eventlog.NewStore(pool)
	execs := engine.NewExecStore(pool)
	cat := catalog.NewService(pool, ids)
	taskLeases := dispatch.NewLeaseStore(pool)
	results := resultstore.NewStore(cfg.ResultStore, pool, resultsKV, ids)
	varsStore := vars.NewStore(pool)
	loops := loop.NewTracker(loopsKV)
	runtimes := runtime.NewRegistry(pool, ids)

	var tokenProvider keychain.TokenProvider
	if url := os.Getenv("NOETL_TOKEN_PROVIDER_URL"); url != "" {
		tokenProvider = keychain.NewHTTPTokenProvider(url, cfg.Keychain.ProviderTimeout)
		slog.Info("Token provider configured", "url", url)
	}
	kc, err := keychain.NewService(cfg.Keychain, pool, ids, tokenProvider)
	if err != nil {
		slog.Error("Failed to initialize keychain", "error", err)
		os.Exit(1)
	}
	slog.Info("Services initialized")

	// 6. Engine
	eng := engine.New(cfg.Engine, engine.Deps{
		IDs:        ids,
		Events:     events,
		Execs:      execs,
		Catalog:    cat,
		Broker:     brk,
		Leases:     leases,
		TaskLeases: taskLeases,
		Results:    results,
		Vars:       varsStore,
		Loops:      loops,
		DSN:        dbClient.DSN(),
	})
	eng.Start(ctx)
	defer eng.Stop()

	// 7. Dispatcher and task-lease supervisor
	dispatcher := dispatch.NewService(events, taskLeases, results, cfg.Engine.LeaseTimeout)
	supervisor := dispatch.NewSupervisor(taskLeases, events, cfg.Engine.SupervisorInterval)
	supervisor.Start(ctx)
	defer supervisor.Stop()

	// 8. Scheduler, retention, result sweeper
	sched := scheduler.New(cfg.Scheduler, pool, ids, eng)
	sched.Start(ctx)
	defer sched.Stop()

	retention := cleanup.NewService(cfg.Retention, pool, events, results, kc, runtimes)
	retention.Start(ctx)
	defer retention.Stop()

	sweepCtx, sweepCancel := context.WithCancel(ctx)
	defer sweepCancel()
	go results.RunSweeper(sweepCtx)

	// 9. HTTP server (non-blocking)
	httpServer := api.NewServer(api.Deps{
		DB:         dbClient,
		Broker:     brk,
		Catalog:    cat,
		Engine:     eng,
		Execs:      execs,
		Events:     events,
		Dispatcher: dispatcher,
		Runtimes:   runtimes,
		Scheduler:  sched,
		Results:    results,
	})
	errCh := make(chan error, 1)
	go func() {
		addr := ":" + httpPort
		slog.Info("HTTP server listening", "addr", addr)
		if err := httpServer.Start(addr); err != nil && err != http.ErrServerClosed {
			slog.Error("HTTP server error", "error", err)
			errCh <- err
		}
	}()

	slog.Info("NoETL server started",
		"instance_id", instanceID,
		"dispatch_workers", cfg.Engine.DispatchWorkers,
		"scheduler_enabled", cfg.Scheduler.Enabled)

	// 10. Wait for shutdown signal or server error
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	select {
	case sig := <-sigCh:
		slog.Info("Shutdown signal received", "signal", sig)
	case err := <-errCh:
		slog.Error("Server error triggered shutdown", "error", err)
	}

	// 11. Graceful shutdown. New HTTP work stops first; the deferred stops
	// then drain the engine, supervisor, scheduler, and retention loops.
	httpShutdownCtx, httpCancel := context.WithTimeout(ctx, 10*time.Second)
	defer httpCancel()
	if err := httpServer.Shutdown(httpShutdownCtx); err != nil {
		slog.Error("HTTP server shutdown error", "error", err)
	}

	slog.Info("Shutdown complete")
}
