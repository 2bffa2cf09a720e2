package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLoadMissingFileReturnsDefaults(t *testing.T) {
	t.Setenv(EnvPath, filepath.Join(t.TempDir(), "absent.json"))

	cfg, err := Load()
	require.NoError(t, err)
	require.Equal(t, 64, cfg.Cutout.Size)
	require.Equal(t, 10, cfg.Fetch.Attempts)
	require.Equal(t, time.Second, cfg.Fetch.RetryWait.Duration)
	require.NoError(t, cfg.Validate())
}

func TestLoadOverrides(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, os.WriteFile(path, []byte(`{
		"processing": {"workers": 8, "shuffle": false},
		"fetch": {"attempts": 3, "retry_wait": "250ms"},
		"bands": {"list": "gri", "reference": "r"},
		"cutout": {"size": 32}
	}`), 0o644))
	t.Setenv(EnvPath, path)

	cfg, err := Load()
	require.NoError(t, err)
	require.Equal(t, 8, cfg.Processing.Workers)
	require.False(t, cfg.Processing.Shuffle)
	require.Equal(t, 250*time.Millisecond, cfg.Fetch.RetryWait.Duration)
	require.Equal(t, 32, cfg.Cutout.Size)

	bands, ref, err := cfg.BandList()
	require.NoError(t, err)
	require.Len(t, bands, 3)
	require.Equal(t, "r", ref.String())
}

func TestLoadRejectsUnknownKeys(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"cutout": {"sise": 32}}`), 0o644))
	t.Setenv(EnvPath, path)

	_, err := Load()
	require.Error(t, err)
}

func TestValidate(t *testing.T) {
	cfg := Default()
	cfg.Bands.List = "gi"
	cfg.Cutout.Size = 0
	cfg.Fetch.Attempts = 0

	err := cfg.Validate()
	require.Error(t, err)
	require.Contains(t, err.Error(), "reference band")
	require.Contains(t, err.Error(), "cutout size")
	require.Contains(t, err.Error(), "attempts")
}
