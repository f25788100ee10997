package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaultsToStandaloneProfile(t *testing.T) {
	cfg, err := load(nil)
	require.NoError(t, err)

	assert.Equal(t, ModeStandalone, cfg.Mode)
	assert.Equal(t, BusModeChannel, cfg.Bus.Mode)
	assert.Equal(t, RegistryModeMemory, cfg.Registry.Mode)
	assert.Equal(t, ":8080", cfg.HTTP.Addr)
	assert.Equal(t, 30*time.Second, cfg.HTTP.ShutdownTimeout)
	assert.Equal(t, 100, cfg.Registry.PendingBound)
	assert.Equal(t, 500, cfg.Relay.BatchSize)
	assert.NotEmpty(t, cfg.PodID)
}

func TestLoadDistributedProfilePicksSharedBackends(t *testing.T) {
	t.Setenv("MODE", ModeDistributed)

	cfg, err := load(nil)
	require.NoError(t, err)

	assert.Equal(t, BusModeKafka, cfg.Bus.Mode)
	assert.Equal(t, RegistryModeDistributed, cfg.Registry.Mode)
}

func TestLoadKeepsExplicitlyPinnedBackends(t *testing.T) {
	t.Setenv("MODE", ModeDistributed)

	path := writeConfig(t, "bus:\n  mode: channel\n")
	cfg, err := load([]string{"--config_file", path})
	require.NoError(t, err)

	// The file pins the bus; only the registry follows the profile.
	assert.Equal(t, BusModeChannel, cfg.Bus.Mode)
	assert.Equal(t, RegistryModeDistributed, cfg.Registry.Mode)
}

func TestLoadBindsPlatformEnv(t *testing.T) {
	t.Setenv("POD_NAME", "delivery-3")
	t.Setenv("CLUSTER_NAME", "prod-east")
	t.Setenv("DB_DSN", "postgres://app@db:5432/broadcasts")
	t.Setenv("REDIS_ADDR", "redis:6379")

	cfg, err := load(nil)
	require.NoError(t, err)

	assert.Equal(t, "delivery-3", cfg.PodID)
	assert.Equal(t, "prod-east", cfg.ClusterID)
	assert.Equal(t, "postgres://app@db:5432/broadcasts", cfg.Postgres.DSN)
	assert.Equal(t, "redis:6379", cfg.Redis.Addr)
}

func TestLoadSplitsBrokerListFromEnv(t *testing.T) {
	t.Setenv("KAFKA_BROKERS", "kafka-0:9092, kafka-1:9092,kafka-2:9092")

	cfg, err := load(nil)
	require.NoError(t, err)

	assert.Equal(t, []string{"kafka-0:9092", "kafka-1:9092", "kafka-2:9092"}, cfg.Bus.Brokers)
}

func TestLoadCapsPostgresPool(t *testing.T) {
	path := writeConfig(t, "postgres:\n  max_open_conns: 50\n")

	cfg, err := load([]string{"--config_file", path})
	require.NoError(t, err)

	assert.Equal(t, 10, cfg.Postgres.MaxOpenConns)
}

func TestLoadRejectsUnknownMode(t *testing.T) {
	t.Setenv("MODE", "turbo")

	_, err := load(nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown mode")
}

func TestLoadReadsDirectoryAudiences(t *testing.T) {
	path := writeConfig(t, `directory:
  users: [user-1, user-2]
  roles:
    admin: [user-1]
  products:
    crm: [user-2]
`)

	cfg, err := load([]string{"--config_file", path})
	require.NoError(t, err)

	assert.Equal(t, []string{"user-1", "user-2"}, cfg.Directory.Users)
	assert.Equal(t, []string{"user-1"}, cfg.Directory.Roles["admin"])
	assert.Equal(t, []string{"user-2"}, cfg.Directory.Products["crm"])
}

func TestWatchLogLevelFiresOnFileChange(t *testing.T) {
	path := writeConfig(t, "log:\n  level: info\n")

	cfg, err := load([]string{"--config_file", path})
	require.NoError(t, err)

	levels := make(chan string, 1)
	cfg.WatchLogLevel(func(level string) { levels <- level })

	require.NoError(t, os.WriteFile(path, []byte("log:\n  level: debug\n"), 0o600))

	select {
	case got := <-levels:
		assert.Equal(t, "debug", got)
	case <-time.After(3 * time.Second):
		t.Fatal("log level change was not observed")
	}
}

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}
