package config_test

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/webitel/conn-runtime/config"
)

func TestDefaults(t *testing.T) {
	cfg, err := config.LoadConfig("")
	require.NoError(t, err)
	assert.Equal(t, 30*time.Second, cfg.Runtime.ConnectTimeout)
	assert.Equal(t, 4096, cfg.Runtime.IOMsgBufSize)
	assert.Equal(t, "127.0.0.1:8585", cfg.Server.ListenAddr)
	assert.Equal(t, "/ws", cfg.Server.UpgradePath)
	assert.Equal(t, slog.LevelInfo, cfg.Log.SlogLevel())
}

func TestEnvOverride(t *testing.T) {
	t.Setenv("CONN_RUNTIME_RUNTIME_CONNECT_TIMEOUT", "250ms")
	t.Setenv("CONN_RUNTIME_LOG_LEVEL", "debug")
	cfg, err := config.LoadConfig("")
	require.NoError(t, err)
	assert.Equal(t, 250*time.Millisecond, cfg.Runtime.ConnectTimeout)
	assert.Equal(t, slog.LevelDebug, cfg.Log.SlogLevel())
}

func TestConfigFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
log:
  level: warn
server:
  listen_addr: 0.0.0.0:9999
client:
  sessions: 4
`), 0o600))

	cfg, err := config.LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, slog.LevelWarn, cfg.Log.SlogLevel())
	assert.Equal(t, "0.0.0.0:9999", cfg.Server.ListenAddr)
	assert.Equal(t, 4, cfg.Client.Sessions)
	// Untouched keys keep their defaults.
	assert.Equal(t, 16, cfg.Client.Messages)
}

func TestBadConfigFile(t *testing.T) {
	_, err := config.LoadConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}
