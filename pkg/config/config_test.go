package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	assert.Equal(t, 1, cfg.Workers)
	assert.Equal(t, 60, cfg.PeriodicInterval)
	assert.Equal(t, 60, cfg.ServiceDownTime)
	assert.Equal(t, 3600, cfg.DefaultActionTimeout)
	assert.Equal(t, 3, cfg.LockRetryTimes)
	assert.Equal(t, 10, cfg.LockRetryInterval)
	assert.Equal(t, 1000, cfg.MaxNodesPerCluster)
	assert.Equal(t, 0, cfg.MaxActionsPerBatch)
	assert.Equal(t, 3, cfg.BatchInterval)
	assert.Equal(t, "corral-engine", cfg.Name)
}

func TestLoadMissingPathReturnsDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig(), cfg)

	cfg, err = Load("/nonexistent/corral.yaml")
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig(), cfg)
}

func TestLoadMergesOverDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "corral.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
workers: 4
service_down_time: 120
data_dir: /tmp/corral-test
`), 0644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 4, cfg.Workers)
	assert.Equal(t, 120, cfg.ServiceDownTime)
	assert.Equal(t, "/tmp/corral-test", cfg.DataDir)

	// untouched fields keep their defaults
	assert.Equal(t, 3600, cfg.DefaultActionTimeout)
	assert.Equal(t, 1000, cfg.MaxNodesPerCluster)
}

func TestLoadRejectsMalformedYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "corral.yaml")
	require.NoError(t, os.WriteFile(path, []byte("workers: [not an int"), 0644))

	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to parse config")
}
