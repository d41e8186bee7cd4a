package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "localhost:6379", cfg.RedisAddr)
	assert.Equal(t, 5*time.Second, cfg.TickPeriod)
	assert.Equal(t, 60*time.Second, cfg.LockTTL)
	assert.Equal(t, 50, cfg.BatchSize)
	assert.Equal(t, 50, cfg.TopK)
	assert.Equal(t, 3, cfg.MinGroup)
	assert.Equal(t, 4, cfg.MaxGroup)
	assert.Equal(t, 128, cfg.EmbedDimensions)
	assert.Equal(t, 10, cfg.NumTrees)
	assert.Equal(t, 0.5, cfg.ReciprocalWeight)
	assert.Equal(t, ":3001", cfg.GatewayAddr)
	assert.Equal(t, "info", cfg.LogLevel)
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("LYNCUP_TICK_PERIOD", "500ms")
	t.Setenv("LYNCUP_MAX_GROUP", "6")
	t.Setenv("LYNCUP_MIN_GROUP", "5")
	t.Setenv("LOG_LEVEL", "debug")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 500*time.Millisecond, cfg.TickPeriod)
	assert.Equal(t, 5, cfg.MinGroup)
	assert.Equal(t, 6, cfg.MaxGroup)
	assert.Equal(t, slog.LevelDebug, cfg.SlogLevel())
}

func TestValidate_Failures(t *testing.T) {
	base := func(t *testing.T) *Config {
		cfg, err := Load()
		require.NoError(t, err)
		return cfg
	}

	cfg := base(t)
	cfg.TickPeriod = 0
	assert.ErrorContains(t, cfg.Validate(), "LYNCUP_TICK_PERIOD")

	cfg = base(t)
	cfg.MinGroup = 1
	assert.ErrorContains(t, cfg.Validate(), "LYNCUP_MIN_GROUP")

	cfg = base(t)
	cfg.MaxGroup = 2 // below the min group of 3
	assert.ErrorContains(t, cfg.Validate(), "LYNCUP_MAX_GROUP")

	cfg = base(t)
	cfg.ReciprocalWeight = 1.5
	assert.ErrorContains(t, cfg.Validate(), "LYNCUP_RECIPROCAL_WEIGHT")

	cfg = base(t)
	cfg.ArtifactDir = ""
	assert.ErrorContains(t, cfg.Validate(), "LYNCUP_ARTIFACT_DIR")

	cfg = base(t)
	cfg.LogLevel = "verbose"
	assert.ErrorContains(t, cfg.Validate(), "LOG_LEVEL")
}

func TestSlogLevel(t *testing.T) {
	for level, want := range map[string]slog.Level{
		"debug": slog.LevelDebug,
		"info":  slog.LevelInfo,
		"warn":  slog.LevelWarn,
		"error": slog.LevelError,
	} {
		cfg := &Config{LogLevel: level}
		assert.Equal(t, want, cfg.SlogLevel(), level)
	}
}

func TestLoadBuilderParams_NoFileKeepsEnvDefaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	params, err := cfg.LoadBuilderParams()
	require.NoError(t, err)
	assert.Equal(t, cfg.BuilderDefaults(), params)
}

func TestLoadBuilderParams_FileOverridesOnlySetFields(t *testing.T) {
	path := filepath.Join(t.TempDir(), "params.yaml")
	require.NoError(t, os.WriteFile(path, []byte("embed_dimensions: 64\nnum_trees: 25\n"), 0o644))
	t.Setenv("LYNCUP_BUILDER_PARAMS", path)

	cfg, err := Load()
	require.NoError(t, err)
	params, err := cfg.LoadBuilderParams()
	require.NoError(t, err)

	assert.Equal(t, 64, params.EmbedDimensions)
	assert.Equal(t, 25, params.NumTrees)
	// Fields absent from the file keep the env-derived values.
	assert.Equal(t, cfg.WalkLength, params.WalkLength)
	assert.Equal(t, cfg.ReciprocalWeight, params.ReciprocalWeight)
}

func TestLoadBuilderParams_MissingFile(t *testing.T) {
	t.Setenv("LYNCUP_BUILDER_PARAMS", filepath.Join(t.TempDir(), "nope.yaml"))

	cfg, err := Load()
	require.NoError(t, err)
	_, err = cfg.LoadBuilderParams()
	assert.Error(t, err)
}
