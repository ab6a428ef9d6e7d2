package core

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfig_Validates(t *testing.T) {
	cfg := DefaultConfig()
	assert.NoError(t, cfg.Validate())
}

func TestConfig_Validate_RejectsUnknownPreemptionMode(t *testing.T) {
	cfg := DefaultConfig()
	cfg.PreemptionMode = "bogus"
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "preemption_mode")
}

func TestConfig_Validate_RejectsNonPositiveBlockSize(t *testing.T) {
	cfg := DefaultConfig()
	cfg.BlockSize = 0
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "block_size")
}

func TestLoadConfig_StrictRejectsUnknownField(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("block_siz: 8\n"), 0o644))

	_, err := LoadConfig(path)
	require.Error(t, err)
}

func TestLoadConfig_OverridesDefaultsFromYAML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("block_size: 32\nmax_batch_tokens: 4096\n"), 0o644))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, 32, cfg.BlockSize)
	assert.Equal(t, 4096, cfg.MaxBatchTokens)
	assert.Equal(t, DefaultConfig().PreemptionMode, cfg.PreemptionMode)
}

func TestLoadConfig_PropagatesValidationError(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("preemption_mode: bogus\n"), 0o644))

	_, err := LoadConfig(path)
	require.Error(t, err)
}
