package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfig(t *testing.T) {
	cfg := Default()

	assert.Equal(t, ":4000", cfg.Server.ClientListenAddr)
	assert.Equal(t, ":4001", cfg.Server.PeerListenAddr)
	assert.Equal(t, 8, cfg.Routing.DefaultTTL)
	assert.Equal(t, 2*time.Second, cfg.Peering.HeartbeatInterval())
	assert.Equal(t, 6*time.Second, cfg.Peering.HeartbeatTimeout())
}

func TestLoadYAMLOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "node.yaml")
	raw := `
server:
  name: server1
  clientListenAddr: ":5000"
peering:
  initialPeers:
    - "127.0.0.1:4101"
    - "127.0.0.1:4201"
  heartbeatIntervalMs: 500
  heartbeatTimeoutMs: 1500
routing:
  defaultTTL: 16
`
	require.NoError(t, os.WriteFile(path, []byte(raw), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "server1", cfg.Server.Name)
	assert.Equal(t, ":5000", cfg.Server.ClientListenAddr)
	// Unset fields keep their defaults.
	assert.Equal(t, ":4001", cfg.Server.PeerListenAddr)
	assert.Len(t, cfg.Peering.InitialPeers, 2)
	assert.Equal(t, 500*time.Millisecond, cfg.Peering.HeartbeatInterval())
	assert.Equal(t, 16, cfg.Routing.DefaultTTL)

	require.NoError(t, cfg.Validate())
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load("/nonexistent/node.yaml")
	require.Error(t, err)
}

func TestValidate(t *testing.T) {
	cfg := Default()
	require.Error(t, cfg.Validate(), "name is required")

	cfg.Server.Name = "server1"
	require.NoError(t, cfg.Validate())

	cfg.Routing.DefaultTTL = 0
	require.Error(t, cfg.Validate())
	cfg.Routing.DefaultTTL = 8

	cfg.Peering.HeartbeatTimeoutMs = cfg.Peering.HeartbeatIntervalMs
	require.Error(t, cfg.Validate())
}
