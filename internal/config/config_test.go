package config

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func env(values map[string]string) func(string) (string, bool) {
	return func(name string) (string, bool) {
		v, ok := values[name]
		return v, ok
	}
}

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "boardcraft.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestDefault(t *testing.T) {
	cfg := Default()
	assert.Equal(t, ":3001", cfg.Relay.Listen)
	assert.Equal(t, 5*time.Minute, cfg.Relay.GracePeriod)
	assert.Equal(t, 256, cfg.Relay.QueueSize)
	assert.Equal(t, int64(1<<20), cfg.Relay.MaxFrameSize)
	assert.Equal(t, "default", cfg.Agent.Room)
	assert.Equal(t, 500*time.Millisecond, cfg.Agent.BootstrapTimeout)
	assert.Equal(t, "_boardcraft._tcp", cfg.Discovery.Service)
	assert.Empty(t, cfg.Redis.Addr)
	assert.Empty(t, cfg.Database.URL)
	require.NoError(t, cfg.Validate())
}

func TestLoad_NoFile(t *testing.T) {
	cfg, err := LoadWithEnv("", env(nil))
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestLoad_FileThenEnvironment(t *testing.T) {
	path := writeConfig(t, `
relay:
  listen: ":4000"
  grace_period: 30s
  queue_size: 64
redis:
  addr: redis-file:6379
log:
  format: json
`)
	cfg, err := LoadWithEnv("", env(map[string]string{
		EnvConfig:                 path,
		"REDIS_ADDR":              "redis-env:6379",
		"DATABASE_URL":            "postgres://localhost/boardcraft",
		"BOARDCRAFT_ROOM":         "studio",
		"BOARDCRAFT_GRACE_PERIOD": "1m",
		"BOARDCRAFT_MDNS":         "false",
	}))
	require.NoError(t, err)

	assert.Equal(t, ":4000", cfg.Relay.Listen)
	assert.Equal(t, 64, cfg.Relay.QueueSize)
	assert.Equal(t, time.Minute, cfg.Relay.GracePeriod, "environment beats file")
	assert.Equal(t, "redis-env:6379", cfg.Redis.Addr)
	assert.Equal(t, "postgres://localhost/boardcraft", cfg.Database.URL)
	assert.Equal(t, "studio", cfg.Agent.Room)
	assert.False(t, cfg.Discovery.Enabled)
	assert.Equal(t, "json", cfg.Log.Format)
	assert.Equal(t, int64(1<<20), cfg.Relay.MaxFrameSize, "unset keys keep defaults")
}

func TestLoad_ExplicitPathWinsOverEnvironment(t *testing.T) {
	explicit := writeConfig(t, "agent:\n  room: explicit\n")
	other := writeConfig(t, "agent:\n  room: other\n")

	cfg, err := LoadWithEnv(explicit, env(map[string]string{EnvConfig: other}))
	require.NoError(t, err)
	assert.Equal(t, "explicit", cfg.Agent.Room)
}

func TestLoad_Errors(t *testing.T) {
	_, err := LoadWithEnv(filepath.Join(t.TempDir(), "missing.yaml"), env(nil))
	assert.ErrorContains(t, err, "read config")

	_, err = LoadWithEnv(writeConfig(t, "relay:\n  unknown_key: 1\n"), env(nil))
	assert.ErrorContains(t, err, "parse config")

	_, err = LoadWithEnv("", env(map[string]string{"BOARDCRAFT_GRACE_PERIOD": "soon"}))
	assert.ErrorContains(t, err, "BOARDCRAFT_GRACE_PERIOD")

	_, err = LoadWithEnv("", env(map[string]string{"BOARDCRAFT_MDNS": "maybe"}))
	assert.ErrorContains(t, err, "BOARDCRAFT_MDNS")

	_, err = LoadWithEnv(writeConfig(t, "relay:\n  queue_size: 0\nlog:\n  format: xml\n"), env(nil))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "relay.queue_size")
	assert.Contains(t, err.Error(), "log.format")
}

func TestLoad_EmptyFile(t *testing.T) {
	cfg, err := LoadWithEnv(writeConfig(t, ""), env(nil))
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestLogConfig_NewLogger(t *testing.T) {
	var buf bytes.Buffer
	logger, err := LogConfig{Level: "warn", Format: "json"}.NewLogger(&buf)
	require.NoError(t, err)

	logger.Info("hidden")
	logger.Warn("shown", "room", "alpha")
	assert.NotContains(t, buf.String(), "hidden")
	assert.Contains(t, buf.String(), `"room":"alpha"`)

	_, err = LogConfig{Level: "loud"}.NewLogger(&buf)
	assert.Error(t, err)
}
