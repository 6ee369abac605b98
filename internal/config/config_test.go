package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func chdirTemp(t *testing.T) {
	t.Helper()
	dir := t.TempDir()
	origDir, _ := os.Getwd()
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { _ = os.Chdir(origDir) })
}

func TestLoadDefaults(t *testing.T) {
	chdirTemp(t)

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "https://nominatim.openstreetmap.org", cfg.Geocode.BaseURL)
	assert.Equal(t, "tree-radius/1.0", cfg.Geocode.UserAgent)
	assert.Equal(t, 3, cfg.Geocode.TimeoutSecs)
	assert.Equal(t, 5, cfg.Geocode.MaxAttempts)
	assert.InDelta(t, 1.0, cfg.Geocode.RateRPS, 0.001)
	assert.Equal(t, "https://san-francisco.datasettes.com/sf-trees", cfg.Trees.BaseURL)
	assert.Equal(t, 3, cfg.Trees.TimeoutSecs)
	assert.Equal(t, 10, cfg.Trees.MaxAttempts)
	assert.Equal(t, 1000, cfg.Search.PageSize)
	assert.Equal(t, 20, cfg.Search.Consumers)
	assert.InDelta(t, 182.88, cfg.Search.BlockLengthM, 0.001)
	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, "json", cfg.Log.Format)
}

func TestLoadFromYAML(t *testing.T) {
	chdirTemp(t)

	yaml := `
search:
  page_size: 500
  consumers: 4
log:
  level: debug
  format: console
`
	dir, _ := os.Getwd()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(yaml), 0o600))

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 500, cfg.Search.PageSize)
	assert.Equal(t, 4, cfg.Search.Consumers)
	assert.Equal(t, "debug", cfg.Log.Level)
	// Untouched sections keep their defaults.
	assert.InDelta(t, 182.88, cfg.Search.BlockLengthM, 0.001)
	assert.Equal(t, 10, cfg.Trees.MaxAttempts)
}

func TestLoadEnvOverride(t *testing.T) {
	chdirTemp(t)
	t.Setenv("TREERADIUS_LOG_LEVEL", "warn")
	t.Setenv("TREERADIUS_SEARCH_CONSUMERS", "8")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "warn", cfg.Log.Level)
	assert.Equal(t, 8, cfg.Search.Consumers)
}

func TestClampPageSize(t *testing.T) {
	assert.Equal(t, MinPageSize, ClampPageSize(1))
	assert.Equal(t, MinPageSize, ClampPageSize(MinPageSize))
	assert.Equal(t, 1000, ClampPageSize(1000))
	assert.Equal(t, MaxPageSize, ClampPageSize(MaxPageSize+1))
}

func TestInitLogger(t *testing.T) {
	require.NoError(t, InitLogger(LogConfig{Level: "debug", Format: "console"}))
	require.NoError(t, InitLogger(LogConfig{Level: "info", Format: "json"}))
	assert.Error(t, InitLogger(LogConfig{Level: "nope", Format: "json"}))
}
