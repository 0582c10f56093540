package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfigIsValid(t *testing.T) {
	cfg := DefaultConfig()
	assert.NoError(t, cfg.Validate())
}

func TestLoadMissingFileFallsBackToDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.NoError(t, err)
	assert.Equal(t, 15*time.Second, cfg.Calls.SetupTimeout)
	assert.Equal(t, 5*time.Second, cfg.Discovery.AnnounceInterval)
}

func TestLoadParsesYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	data := []byte(`
calls:
  setup_timeout: 20s
monitor:
  disconnect_tolerance: 8s
discovery:
  enabled: false
logging:
  level: debug
`)
	require.NoError(t, os.WriteFile(path, data, 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 20*time.Second, cfg.Calls.SetupTimeout)
	assert.Equal(t, 8*time.Second, cfg.Monitor.DisconnectTolerance)
	assert.False(t, cfg.Discovery.Enabled)
	assert.Equal(t, "debug", cfg.Logging.Level)
}

func TestValidateRejectsBadValues(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Degradation.StepInterval = 0
	assert.Error(t, cfg.Validate())

	cfg = DefaultConfig()
	cfg.Discovery.PeerTimeout = cfg.Discovery.AnnounceInterval
	assert.Error(t, cfg.Validate())

	cfg = DefaultConfig()
	cfg.Monitor.BackoffMax = cfg.Monitor.BackoffInitial / 2
	assert.Error(t, cfg.Validate())

	cfg = DefaultConfig()
	cfg.Relay.HistoryLimit = 0
	assert.Error(t, cfg.Validate())
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("CALLKIT_LOG_LEVEL", "warn")
	t.Setenv("CALLKIT_RELAY_URL", "ws://example.org/ws")

	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	assert.Equal(t, "warn", cfg.Logging.Level)
	assert.Equal(t, "ws://example.org/ws", cfg.Signaling.RelayURL)
}
