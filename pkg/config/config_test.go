package config

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadEngineConfig_Defaults(t *testing.T) {
	cfg := LoadEngineConfig()
	assert.Equal(t, 0, cfg.Shard)
	assert.Equal(t, 30*time.Second, cfg.LeaseTimeout)
	assert.Equal(t, 4, cfg.DispatchWorkers)
	assert.Greater(t, cfg.LeaseTimeout, cfg.BrokerRedelivery,
		"lease must outlive broker redelivery")
	assert.Greater(t, cfg.BrokerRedelivery, cfg.DefaultStepTimeout,
		"redelivery must outlive the default step timeout")
}

func TestLoadEngineConfig_EnvOverrides(t *testing.T) {
	t.Setenv("NOETL_SHARD", "7")
	t.Setenv("NOETL_LEASE_TIMEOUT", "90s")
	t.Setenv("NOETL_DISPATCH_WORKERS", "16")

	cfg := LoadEngineConfig()
	assert.Equal(t, 7, cfg.Shard)
	assert.Equal(t, 90*time.Second, cfg.LeaseTimeout)
	assert.Equal(t, 16, cfg.DispatchWorkers)
}

func TestLoadEngineConfig_BadValuesFallBack(t *testing.T) {
	t.Setenv("NOETL_SHARD", "not-a-number")
	t.Setenv("NOETL_LEASE_TIMEOUT", "soon")

	cfg := LoadEngineConfig()
	assert.Equal(t, 0, cfg.Shard)
	assert.Equal(t, 30*time.Second, cfg.LeaseTimeout)
}

func TestLoadBrokerConfig(t *testing.T) {
	cfg := LoadBrokerConfig()
	assert.Equal(t, "nats://localhost:4222", cfg.URL)
	assert.Equal(t, 16*1024, cfg.NotificationBudget)

	t.Setenv("NOETL_NATS_URL", "nats://broker:4222")
	t.Setenv("NOETL_NOTIFICATION_BUDGET", "8192")
	cfg = LoadBrokerConfig()
	assert.Equal(t, "nats://broker:4222", cfg.URL)
	assert.Equal(t, 8192, cfg.NotificationBudget)
}

func TestLoadKeychainConfig(t *testing.T) {
	t.Setenv("NOETL_ENCRYPTION_KEY", "")
	_, err := LoadKeychainConfig()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "NOETL_ENCRYPTION_KEY")

	t.Setenv("NOETL_ENCRYPTION_KEY", "short")
	_, err = LoadKeychainConfig()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "32 bytes")

	t.Setenv("NOETL_ENCRYPTION_KEY", strings.Repeat("k", 32))
	cfg, err := LoadKeychainConfig()
	require.NoError(t, err)
	assert.Len(t, cfg.EncryptionKey, 32)
	assert.Equal(t, 30*time.Second, cfg.TokenSafetyMargin)
}

func TestLoadSchedulerConfig(t *testing.T) {
	cfg := LoadSchedulerConfig()
	assert.True(t, cfg.Enabled)

	t.Setenv("NOETL_SCHEDULER_ENABLED", "false")
	cfg = LoadSchedulerConfig()
	assert.False(t, cfg.Enabled)

	t.Setenv("NOETL_SCHEDULER_ENABLED", "1")
	t.Setenv("NOETL_SCHEDULER_POLL_INTERVAL", "250ms")
	cfg = LoadSchedulerConfig()
	assert.True(t, cfg.Enabled)
	assert.Equal(t, 250*time.Millisecond, cfg.PollInterval)
}

func TestLoad_FullConfig(t *testing.T) {
	t.Setenv("NOETL_ENCRYPTION_KEY", strings.Repeat("k", 32))

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "default", cfg.Worker.Pool)
	assert.Equal(t, 4*1024, cfg.ResultStore.InlineThreshold)
	assert.Equal(t, 30*24*time.Hour, cfg.Retention.EventRetention)
}
