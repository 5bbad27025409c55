package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefault(t *testing.T) {
	cfg := Default()

	assert.Equal(t, ":8888", cfg.ListenAddr)
	assert.Equal(t, ":9090", cfg.AdminAddr)
	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, Duration(5*time.Minute), cfg.IdleTimeout)
	assert.Empty(t, cfg.SnapshotPath)
}

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "kvs.yaml")
	data := `
listen_addr: ":7000"
log_level: debug
snapshot_path: /var/lib/kvs/store.snap
idle_timeout: 30s
`
	require.NoError(t, os.WriteFile(path, []byte(data), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, ":7000", cfg.ListenAddr)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, "/var/lib/kvs/store.snap", cfg.SnapshotPath)
	assert.Equal(t, Duration(30*time.Second), cfg.IdleTimeout)

	// Unset fields keep their defaults.
	assert.Equal(t, ":9090", cfg.AdminAddr)
	assert.Equal(t, 1<<20, cfg.MaxLineBytes)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

func TestLoadInvalidYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("listen_addr: [oops"), 0o644))

	_, err := Load(path)
	assert.Error(t, err)
}
