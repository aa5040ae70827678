package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"xleth/internal/miner"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "opencl", cfg.Backend)
	assert.Equal(t, "info", cfg.LogLevel)
	assert.Nil(t, cfg.NoExit)
	assert.Equal(t, miner.ProfileFor("AMD"), cfg.Settings("AMD"))
	assert.Equal(t, miner.DefaultSettings(), cfg.Settings("Xilinx"))
}

func TestLoadEnvironment(t *testing.T) {
	t.Setenv("XLETH_BACKEND", "sim")
	t.Setenv("XLETH_LOCAL_WORK_SIZE", "64")
	t.Setenv("XLETH_NO_EXIT", "false")
	t.Setenv("XLETH_API_ADDR", ":9090")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "sim", cfg.Backend)
	assert.Equal(t, ":9090", cfg.APIAddr)

	s := cfg.Settings("Xilinx")
	assert.Equal(t, uint32(64), s.LocalWorkSize)
	assert.Equal(t, uint32(65536), s.GlobalWorkSizeMultiplier)
	assert.False(t, s.NoExit)
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "xleth.yaml")
	require.NoError(t, os.WriteFile(path, []byte("backend: sim\nglobal_work_size_multiplier: 16\nno_exit: true\nlog_format: json\n"), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "json", cfg.LogFormat)

	s := cfg.Settings("AMD")
	assert.Equal(t, uint32(16), s.GlobalWorkSizeMultiplier)
	assert.True(t, s.NoExit)
}

func TestLoadRejectsUnknownBackend(t *testing.T) {
	t.Setenv("XLETH_BACKEND", "cuda")
	_, err := Load("")
	assert.Error(t, err)

	_, err = Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}
