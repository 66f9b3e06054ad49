package config

import (
	"os"
	"path/filepath"
	"testing"

	"camera-alignment/internal/alignment"
	"camera-alignment/internal/match"
	"camera-alignment/internal/rings"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfigValid(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, cfg.Validate())

	assert.Equal(t, rings.DefaultParams().RingMult, cfg.SegmentParams().RingMult)
	assert.Equal(t, match.DefaultOptions().NoMatchFactor, cfg.MatchOptions().NoMatchFactor)
	assert.Equal(t, alignment.DefaultCropOptions(), cfg.CropOptions())
	assert.Equal(t, alignment.DefaultEstimateOptions(), cfg.EstimateOptions())

	apply, err := cfg.ApplyOptions()
	require.NoError(t, err)
	assert.Equal(t, alignment.InterpolationCubic, apply.Interpolation)

	opts := cfg.CalibrationOptions()
	assert.True(t, opts.UseCrossOffset)
	assert.Equal(t, alignment.MinPairs, cfg.QCOptions().MinBeads)
}

func TestLoadMissingFile(t *testing.T) {
	cfg, err := LoadConfig(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig().Matching, cfg.Matching)

	cfg, err = LoadConfig("")
	require.NoError(t, err)
	assert.Equal(t, "info", cfg.Logging.Level)
}

func TestLoadPartialOverride(t *testing.T) {
	path := filepath.Join(t.TempDir(), "camalign.yaml")
	data := []byte(`
matching:
  noMatchFactor: 4
estimation:
  method: ransac
  seed: 42
apply:
  interpolation: nearest
`)
	require.NoError(t, os.WriteFile(path, data, 0644))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, 4.0, cfg.MatchOptions().NoMatchFactor)
	assert.Equal(t, 0.8, cfg.MatchOptions().ThresholdFactor)
	assert.Equal(t, alignment.MethodRANSAC, cfg.EstimateOptions().Method)
	assert.Equal(t, int64(42), cfg.EstimateOptions().Seed)

	apply, err := cfg.ApplyOptions()
	require.NoError(t, err)
	assert.Equal(t, alignment.InterpolationNearest, apply.Interpolation)
}

func TestSaveLoadRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "camalign.yaml")
	cfg := DefaultConfig()
	cfg.Store.Path = "calibrations.db"
	cfg.Workers = 3
	require.NoError(t, SaveConfig(cfg, path))

	got, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, cfg, got)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"percentiles", func(c *Config) { c.Segmentation.LowPercentile, c.Segmentation.HighPercentile = 60, 40 }},
		{"sweep", func(c *Config) { c.Segmentation.DotSweepSteps = 0 }},
		{"cross mult", func(c *Config) { c.Segmentation.CrossMultMin = 9 }},
		{"grid margin", func(c *Config) { c.Crop.GridMargin = 2 }},
		{"cutoff", func(c *Config) { c.Crop.BorderCutoff = 70000 }},
		{"factors", func(c *Config) { c.Matching.NoMatchFactor = 10 }},
		{"neighbours", func(c *Config) { c.Matching.Neighbours = 0 }},
		{"method", func(c *Config) { c.Estimation.Method = "median" }},
		{"ransac", func(c *Config) { c.Estimation.Method = alignment.MethodRANSAC; c.Estimation.Iterations = 0 }},
		{"interpolation", func(c *Config) { c.Apply.Interpolation = "lanczos" }},
		{"level", func(c *Config) { c.Logging.Level = "loud" }},
		{"workers", func(c *Config) { c.Workers = -1 }},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tc.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestLoadInvalid(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("matching: [1, 2"), 0644))
	_, err := LoadConfig(path)
	assert.Error(t, err)

	require.NoError(t, os.WriteFile(path, []byte("workers: -2\n"), 0644))
	_, err = LoadConfig(path)
	assert.Error(t, err)
}
