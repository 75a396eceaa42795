package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "oclbench.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestDefaultIsValid(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
	assert.Len(t, cfg.Sim.Platforms, 2)
}

func TestLoadOverridesDefaults(t *testing.T) {
	path := writeConfig(t, `
backend: sim
device_type: all
output_dir: results
queues:
  max_work_size: 64
  max_kernels: 4
callback:
  interval: 2ms
sim:
  host_overhead: 100
  platforms:
    - name: Tiny
      devices:
        - name: Tiny GPU
          type: gpu
          compute_units: 2
          global_mem_size: 1048576
          max_mem_alloc: 262144
          bytes_per_ns: 1
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "sim", cfg.Backend)
	assert.Equal(t, "all", cfg.DeviceType)
	assert.Equal(t, "results", cfg.OutputDir)
	assert.Equal(t, uint64(64), cfg.Queues.MaxWorkSize)
	assert.Equal(t, uint64(2), cfg.Queues.MinWorkSize, "unset keys keep their default")
	assert.Equal(t, 4, cfg.Queues.MaxKernels)
	assert.Equal(t, 2*time.Millisecond, cfg.Callback.Interval)
	assert.Equal(t, Default().Callback.Grace, cfg.Callback.Grace)

	require.Len(t, cfg.Sim.Platforms, 1)
	assert.Equal(t, "Tiny GPU", cfg.Sim.Platforms[0].Devices[0].Name)
	assert.Equal(t, uint64(100), cfg.Sim.HostOverhead)
}

func TestLoadRejectsInvalidValues(t *testing.T) {
	tests := []struct {
		name string
		body string
		want string
	}{
		{"inverted sweep", "queues:\n  min_kernels: 8\n  max_kernels: 2\n", "Queues.MaxKernels"},
		{"zero runs", "latency:\n  runs: 0\n", "Latency.Runs"},
		{"negative platform", "platform: -1\n", "Platform"},
		{"empty output", "output_dir: \"\"\n", "OutputDir"},
		{"bad sim type", "sim:\n  platforms:\n    - name: P\n      devices:\n        - {name: D, type: fpga, compute_units: 1, global_mem_size: 8, max_mem_alloc: 8, bytes_per_ns: 1}\n", "Type"},
		{"alloc above memory", "sim:\n  platforms:\n    - name: P\n      devices:\n        - {name: D, type: gpu, compute_units: 1, global_mem_size: 8, max_mem_alloc: 16, bytes_per_ns: 1}\n", "MaxMemAlloc"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tt.body))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestLoadRejectsUnknownKeys(t *testing.T) {
	_, err := Load(writeConfig(t, "queuez:\n  max_kernels: 3\n"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "queuez")
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestEmptyFileKeepsDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, ""))
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}
