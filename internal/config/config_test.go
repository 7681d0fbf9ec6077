package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func TestDefaults(t *testing.T) {
	cfg := Defaults()

	require.Equal(t, "localhost:8080", cfg.ListenAddr)
	require.True(t, cfg.Database.Enabled)
	require.Equal(t, filepath.Join(".cascade", "cascade.db"), cfg.Database.Path)
	require.False(t, cfg.Redis.Enabled)
	require.Equal(t, "localhost:6379", cfg.Redis.Addr)
	require.Equal(t, 30*time.Second, cfg.Heartbeat.CheckInterval)
	require.Equal(t, 60*time.Second, cfg.Heartbeat.Timeout)
	require.Equal(t, "ws://localhost:8080", cfg.Worker.CoordinatorURL)
	require.False(t, cfg.Tracing.Enabled)
}

func TestValidate(t *testing.T) {
	require.NoError(t, Validate(Defaults()))

	cfg := Defaults()
	cfg.Worker.Capabilities = []string{"processing", "teleportation"}
	require.Error(t, Validate(cfg))

	cfg = Defaults()
	cfg.Tracing.Exporter = "kafka"
	require.Error(t, Validate(cfg))

	cfg = Defaults()
	cfg.Tracing.SampleRate = 1.5
	require.Error(t, Validate(cfg))

	cfg = Defaults()
	cfg.Heartbeat.Timeout = -time.Second
	require.Error(t, Validate(cfg))
}

func TestDefaultConfigTemplate_IsValidYAML(t *testing.T) {
	var out map[string]any
	require.NoError(t, yaml.Unmarshal([]byte(DefaultConfigTemplate()), &out))
	require.Contains(t, out, "listen_addr")
	require.Contains(t, out, "database")
	require.Contains(t, out, "heartbeat")
}

func TestWriteDefaultConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "config.yaml")

	require.NoError(t, WriteDefaultConfig(path))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Contains(t, string(data), "listen_addr: localhost:8080")

	info, err := os.Stat(path)
	require.NoError(t, err)
	require.Equal(t, os.FileMode(0o600), info.Mode().Perm())
}
