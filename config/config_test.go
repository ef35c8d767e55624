package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/mkerrin/gconsume/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "consumer.yaml")
	contents := `
group_id: orders-processor
bootstrap_servers:
  - broker-1:9092
  - broker-2:9092
session_timeout: 30s
heartbeat_interval: 10s
min_bytes: 1
max_wait_time: 5s
subscriptions:
  - topic: orders
    seed: earliest
    max_bytes_per_partition: 1048576
`
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o644))

	cfg, err := config.Load(path)
	require.NoError(t, err)

	assert.Equal(t, "orders-processor", cfg.GroupID)
	assert.Equal(t, []string{"broker-1:9092", "broker-2:9092"}, cfg.BootstrapServers)
	assert.Equal(t, 30*time.Second, cfg.SessionTimeout)
	assert.Equal(t, 10*time.Second, cfg.HeartbeatInterval)
	require.Len(t, cfg.Subscriptions, 1)
	assert.Equal(t, "orders", cfg.Subscriptions[0].Topic)
	assert.Equal(t, "earliest", cfg.Subscriptions[0].Seed)
	assert.Equal(t, int32(1048576), cfg.Subscriptions[0].MaxBytesPerPartition)
}

func TestLoad_MissingGroupID(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "consumer.yaml")
	require.NoError(t, os.WriteFile(path, []byte("bootstrap_servers: [broker-1:9092]\n"), 0o644))

	_, err := config.Load(path)
	assert.Error(t, err)
}
