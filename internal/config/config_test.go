package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("PITRAC_CONFIG", "")
	t.Chdir(t.TempDir())

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "camera1", cfg.SystemMode)
	assert.Equal(t, 5556, cfg.IPCPort)
	assert.Equal(t, 1000, cfg.HighWaterMark)
	assert.Equal(t, 640, cfg.InputWidth)
	assert.InDelta(t, 0.5, cfg.ConfidenceThreshold, 1e-9)
	assert.Equal(t, "tcp://localhost:5556", cfg.Endpoint())
}

func TestLoad_YAMLThenEnv(t *testing.T) {
	dir := t.TempDir()
	t.Chdir(dir)

	path := filepath.Join(dir, "pitrac.yaml")
	yamlData := []byte(`
system_mode: camera2
ipc_endpoint: tcp://pi1:6000
confidence_threshold: 0.7
cpu_cores: [2, 3]
`)
	require.NoError(t, os.WriteFile(path, yamlData, 0644))

	t.Setenv("PITRAC_CONFIG", path)
	t.Setenv("CONFIDENCE_THRESHOLD", "0.6")
	t.Setenv("PROCESSING_WORKERS", "3")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "camera2", cfg.SystemMode)
	assert.Equal(t, "tcp://pi1:6000", cfg.Endpoint())
	assert.InDelta(t, 0.6, cfg.ConfidenceThreshold, 1e-9)
	assert.Equal(t, []int{2, 3}, cfg.CPUCores)
	assert.Equal(t, 3, cfg.ProcessingWorkers)
}

func TestLoad_InvalidValues(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("PITRAC_CONFIG", "")
	t.Setenv("CONFIDENCE_THRESHOLD", "1.5")

	_, err := Load()
	require.Error(t, err)
}

func TestGetEnvAsIntList(t *testing.T) {
	tests := []struct {
		value    string
		expected []int
	}{
		{"0,1,2,3", []int{0, 1, 2, 3}},
		{" 4 , 5 ", []int{4, 5}},
		{"a,b", []int{9}},
		{"", []int{9}},
	}

	for _, tt := range tests {
		t.Setenv("TEST_CORES", tt.value)
		assert.Equal(t, tt.expected, getEnvAsIntList("TEST_CORES", []int{9}), "value %q", tt.value)
	}
}
