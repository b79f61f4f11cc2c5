// Package config holds runtime configuration for the control plane and
// worker binaries. Values come from built-in defaults overridden by
// environment variables; the .env file is loaded by main before this runs.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config aggregates per-subsystem configuration.
type Config struct {
	Engine      EngineConfig
	Broker      BrokerConfig
	ResultStore ResultStoreConfig
	Keychain    KeychainConfig
	Worker      WorkerConfig
	Scheduler   SchedulerConfig
	Retention   RetentionConfig
}

// Load builds the full configuration from defaults and environment.
func Load() (*Config, error) {
	keychain, err := LoadKeychainConfig()
	if err != nil {
		return nil, err
	}
	return &Config{
		Engine:      LoadEngineConfig(),
		Broker:      LoadBrokerConfig(),
		ResultStore: LoadResultStoreConfig(),
		Keychain:    keychain,
		Worker:      LoadWorkerConfig(),
		Scheduler:   LoadSchedulerConfig(),
		Retention:   LoadRetentionConfig(),
	}, nil
}

// EngineConfig controls the dispatch cycle and lease protocol.
type EngineConfig struct {
	// Shard is this instance's id allocator shard; two instances must differ.
	Shard int

	// LeaseTimeout bounds how long one engine may hold an execution lease.
	// Must exceed BrokerRedelivery which must exceed the worker timeout.
	LeaseTimeout time.Duration

	// BrokerRedelivery is the broker's ack-wait before a task notification
	// is redelivered to another worker.
	BrokerRedelivery time.Duration

	// DefaultStepTimeout applies when a step declares none.
	DefaultStepTimeout time.Duration

	// SupervisorInterval is how often expired task leases are scanned.
	SupervisorInterval time.Duration

	// DispatchWorkers is the number of concurrent execution-advance loops.
	DispatchWorkers int
}

// DefaultEngineConfig returns the built-in engine defaults.
func DefaultEngineConfig() EngineConfig {
	return EngineConfig{
		Shard:              0,
		LeaseTimeout:       30 * time.Second,
		BrokerRedelivery:   20 * time.Second,
		DefaultStepTimeout: 10 * time.Second,
		SupervisorInterval: 5 * time.Second,
		DispatchWorkers:    4,
	}
}

// LoadEngineConfig applies env overrides to the engine defaults.
func LoadEngineConfig() EngineConfig {
	cfg := DefaultEngineConfig()
	cfg.Shard = envInt("NOETL_SHARD", cfg.Shard)
	cfg.LeaseTimeout = envDuration("NOETL_LEASE_TIMEOUT", cfg.LeaseTimeout)
	cfg.BrokerRedelivery = envDuration("NOETL_BROKER_REDELIVERY", cfg.BrokerRedelivery)
	cfg.DefaultStepTimeout = envDuration("NOETL_STEP_TIMEOUT", cfg.DefaultStepTimeout)
	cfg.SupervisorInterval = envDuration("NOETL_SUPERVISOR_INTERVAL", cfg.SupervisorInterval)
	cfg.DispatchWorkers = envInt("NOETL_DISPATCH_WORKERS", cfg.DispatchWorkers)
	return cfg
}

// BrokerConfig configures the NATS connection and subject layout.
type BrokerConfig struct {
	URL string

	// TaskStream is the JetStream stream holding tasks.> subjects.
	TaskStream string

	// NotificationBudget caps every published payload and K/V value.
	NotificationBudget int
}

// DefaultBrokerConfig returns the built-in broker defaults.
func DefaultBrokerConfig() BrokerConfig {
	return BrokerConfig{
		URL:                "nats://localhost:4222",
		TaskStream:         "NOETL_TASKS",
		NotificationBudget: 16 * 1024,
	}
}

// LoadBrokerConfig applies env overrides to the broker defaults.
func LoadBrokerConfig() BrokerConfig {
	cfg := DefaultBrokerConfig()
	if v := os.Getenv("NOETL_NATS_URL"); v != "" {
		cfg.URL = v
	}
	cfg.NotificationBudget = envInt("NOETL_NOTIFICATION_BUDGET", cfg.NotificationBudget)
	return cfg
}

// ResultStoreConfig sets the storage tier thresholds.
type ResultStoreConfig struct {
	// InlineThreshold is the largest payload stored inline in event/ref rows.
	InlineThreshold int

	// KVThreshold is the largest payload placed in the broker K/V tier.
	KVThreshold int

	// SweepInterval is how often expired refs are deleted.
	SweepInterval time.Duration
}

// DefaultResultStoreConfig returns the built-in result store defaults.
func DefaultResultStoreConfig() ResultStoreConfig {
	return ResultStoreConfig{
		InlineThreshold: 4 * 1024,
		KVThreshold:     512 * 1024,
		SweepInterval:   time.Minute,
	}
}

// LoadResultStoreConfig applies env overrides to the result store defaults.
func LoadResultStoreConfig() ResultStoreConfig {
	cfg := DefaultResultStoreConfig()
	cfg.InlineThreshold = envInt("NOETL_INLINE_THRESHOLD", cfg.InlineThreshold)
	cfg.KVThreshold = envInt("NOETL_KV_THRESHOLD", cfg.KVThreshold)
	cfg.SweepInterval = envDuration("NOETL_RESULT_SWEEP_INTERVAL", cfg.SweepInterval)
	return cfg
}

// KeychainConfig configures credential encryption and token derivation.
type KeychainConfig struct {
	// EncryptionKey is the 32-byte AES key, hex or raw. Required.
	EncryptionKey []byte

	// TokenSafetyMargin is subtracted from a provider's expires_in when
	// computing the cached entry's TTL.
	TokenSafetyMargin time.Duration

	// ProviderTimeout bounds one token derivation round-trip.
	ProviderTimeout time.Duration
}

// LoadKeychainConfig reads the keychain configuration. The encryption key is
// mandatory in production; tests construct the config directly.
func LoadKeychainConfig() (KeychainConfig, error) {
	key := os.Getenv("NOETL_ENCRYPTION_KEY")
	if key == "" {
		return KeychainConfig{}, fmt.Errorf("NOETL_ENCRYPTION_KEY is required")
	}
	if len(key) != 32 {
		return KeychainConfig{}, fmt.Errorf("NOETL_ENCRYPTION_KEY must be 32 bytes, got %d", len(key))
	}
	return KeychainConfig{
		EncryptionKey:     []byte(key),
		TokenSafetyMargin: envDuration("NOETL_TOKEN_SAFETY_MARGIN", 30*time.Second),
		ProviderTimeout:   envDuration("NOETL_PROVIDER_TIMEOUT", 10*time.Second),
	}, nil
}

// WorkerConfig configures the worker runtime.
type WorkerConfig struct {
	// Pool is the worker pool label; tasks are routed by pool.
	Pool string

	// Concurrency is the number of tasks processed simultaneously.
	Concurrency int

	// HeartbeatInterval extends task leases; must be well under the engine
	// lease timeout (the dispatcher recommends lease_timeout / 3).
	HeartbeatInterval time.Duration

	// ServerURL is the control-plane base URL for dispatcher RPCs.
	ServerURL string
}

// DefaultWorkerConfig returns the built-in worker defaults.
func DefaultWorkerConfig() WorkerConfig {
	return WorkerConfig{
		Pool:              "default",
		Concurrency:       4,
		HeartbeatInterval: 10 * time.Second,
		ServerURL:         "http://localhost:8080",
	}
}

// LoadWorkerConfig applies env overrides to the worker defaults.
func LoadWorkerConfig() WorkerConfig {
	cfg := DefaultWorkerConfig()
	if v := os.Getenv("NOETL_WORKER_POOL"); v != "" {
		cfg.Pool = v
	}
	cfg.Concurrency = envInt("NOETL_WORKER_CONCURRENCY", cfg.Concurrency)
	cfg.HeartbeatInterval = envDuration("NOETL_HEARTBEAT_INTERVAL", cfg.HeartbeatInterval)
	if v := os.Getenv("NOETL_SERVER_URL"); v != "" {
		cfg.ServerURL = v
	}
	return cfg
}

// SchedulerConfig configures the schedule trigger loop.
type SchedulerConfig struct {
	Enabled      bool
	PollInterval time.Duration
}

// DefaultSchedulerConfig returns the built-in scheduler defaults.
func DefaultSchedulerConfig() SchedulerConfig {
	return SchedulerConfig{Enabled: true, PollInterval: 5 * time.Second}
}

// LoadSchedulerConfig applies env overrides to the scheduler defaults.
func LoadSchedulerConfig() SchedulerConfig {
	cfg := DefaultSchedulerConfig()
	if v := os.Getenv("NOETL_SCHEDULER_ENABLED"); v != "" {
		cfg.Enabled = v == "true" || v == "1"
	}
	cfg.PollInterval = envDuration("NOETL_SCHEDULER_POLL_INTERVAL", cfg.PollInterval)
	return cfg
}

// RetentionConfig drives the cleanup service.
type RetentionConfig struct {
	// EventRetention is how long event partitions are kept.
	EventRetention time.Duration

	// CleanupInterval is how often retention runs.
	CleanupInterval time.Duration

	// RuntimeStaleAfter marks registered runtimes offline past this silence.
	RuntimeStaleAfter time.Duration
}

// DefaultRetentionConfig returns the built-in retention defaults.
func DefaultRetentionConfig() RetentionConfig {
	return RetentionConfig{
		EventRetention:    30 * 24 * time.Hour,
		CleanupInterval:   time.Hour,
		RuntimeStaleAfter: 2 * time.Minute,
	}
}

// LoadRetentionConfig applies env overrides to the retention defaults.
func LoadRetentionConfig() RetentionConfig {
	cfg := DefaultRetentionConfig()
	cfg.EventRetention = envDuration("NOETL_EVENT_RETENTION", cfg.EventRetention)
	cfg.CleanupInterval = envDuration("NOETL_CLEANUP_INTERVAL", cfg.CleanupInterval)
	cfg.RuntimeStaleAfter = envDuration("NOETL_RUNTIME_STALE_AFTER", cfg.RuntimeStaleAfter)
	return cfg
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func envDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}
