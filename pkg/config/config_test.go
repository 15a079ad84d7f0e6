package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/df07/go-dream-distiller/pkg/field"
	"github.com/df07/go-dream-distiller/pkg/material"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "run.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestDefaultValidates(t *testing.T) {
	assert.NoError(t, Default().Validate())
}

func TestLoadOverlaysDefaults(t *testing.T) {
	path := writeConfig(t, `
run:
  prompt: "a ceramic teapot"
  seed: 7
field:
  variant: lattice
trainer:
  steps: 200
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "a ceramic teapot", cfg.Run.Prompt)
	assert.Equal(t, int64(7), cfg.Run.Seed)
	assert.Equal(t, "lattice", cfg.Field.Variant)
	assert.Equal(t, 200, cfg.Trainer.Steps)
	// Untouched sections keep their defaults
	assert.Equal(t, 64, cfg.Camera.Width)
	assert.Equal(t, 50.0, cfg.Guidance.Scale)
}

// Unknown keys are configuration bugs, not extensions: they must fail the
// load instead of being silently dropped.
func TestLoadRejectsUnknownKeys(t *testing.T) {
	path := writeConfig(t, `
run:
  prompt: "x"
  promt_typo: "y"
`)
	_, err := Load(path)
	assert.Error(t, err)
}

func TestLoadRejectsInvalidEnums(t *testing.T) {
	cases := []string{
		"field:\n  variant: voxel\n",
		"material:\n  kind: phong\n",
		"background:\n  kind: hdri\n",
		"guidance:\n  estimator: ddim\n",
		"export:\n  format: stl\n",
	}
	for i, body := range cases {
		_, err := Load(writeConfig(t, body))
		assert.Error(t, err, "case %d", i)
	}
}

func TestValidateRejectsDegenerateFieldSizes(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"lattice resolution 1", func(c *Config) { c.Field.Lattice.Resolution = 1 }},
		{"lattice sharpness 0", func(c *Config) { c.Field.Lattice.Sharpness = 0 }},
		{"lattice density_max 0", func(c *Config) { c.Field.Lattice.DensityMax = 0 }},
		{"neural levels 0", func(c *Config) { c.Field.Neural.Levels = 0 }},
		{"neural base_resolution 1", func(c *Config) { c.Field.Neural.BaseResolution = 1 }},
		{"neural growth_factor 1", func(c *Config) { c.Field.Neural.GrowthFactor = 1 }},
		{"neural features 0", func(c *Config) { c.Field.Neural.FeaturesPer = 0 }},
		{"neural hidden 0", func(c *Config) { c.Field.Neural.HiddenSize = 0 }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := Default()
			tc.mutate(cfg)
			// A degenerate size must fail here, not on the first field query
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestValidateStageOrdering(t *testing.T) {
	cfg := Default()
	cfg.Trainer.Stages = []StageConfig{
		{Variant: "neural", Steps: 100},
		{Variant: "lattice", Steps: 100, ConvertThreshold: 2.0},
		{Variant: "mesh", Steps: 50, ConvertThreshold: 2.0},
	}
	assert.NoError(t, cfg.Validate())

	cfg.Trainer.Stages = []StageConfig{
		{Variant: "lattice", Steps: 100},
		{Variant: "neural", Steps: 100, ConvertThreshold: 2.0},
	}
	assert.ErrorContains(t, cfg.Validate(), "cannot advance")

	cfg.Trainer.Stages = []StageConfig{
		{Variant: "neural", Steps: 100},
		{Variant: "lattice", Steps: 100},
	}
	assert.ErrorContains(t, cfg.Validate(), "convert_threshold")
}

func TestBuildFieldVariants(t *testing.T) {
	cfg := Default()
	f, err := cfg.BuildField()
	require.NoError(t, err)
	assert.Equal(t, field.VariantNeural, f.Variant())

	cfg.Field.Variant = "lattice"
	f, err = cfg.BuildField()
	require.NoError(t, err)
	assert.Equal(t, field.VariantLattice, f.Variant())

	cfg.Field.Variant = "mesh"
	_, err = cfg.BuildField()
	assert.Error(t, err)
}

func TestBuildMaterialKinds(t *testing.T) {
	cfg := Default()
	m, err := cfg.BuildMaterial()
	require.NoError(t, err)
	assert.Equal(t, material.KindUnlit, m.Kind())

	cfg.Material.Kind = "lambert"
	m, err = cfg.BuildMaterial()
	require.NoError(t, err)
	assert.Equal(t, material.KindLambert, m.Kind())

	cfg.Material.LightDir = [3]float64{0, 0, 0}
	_, err = cfg.BuildMaterial()
	assert.Error(t, err)
}

func TestBuildSceneAssemblesOccupancy(t *testing.T) {
	cfg := Default()
	s, err := cfg.BuildScene()
	require.NoError(t, err)
	assert.NotNil(t, s.Occupancy)
	assert.Equal(t, "random", s.Background.Kind())

	cfg.Render.Occupancy.Enabled = false
	s, err = cfg.BuildScene()
	require.NoError(t, err)
	assert.Nil(t, s.Occupancy)
}

func TestBuildEstimatorKinds(t *testing.T) {
	cfg := Default()
	est, err := cfg.BuildEstimator(nil, nil)
	require.NoError(t, err)
	assert.NotNil(t, est)

	cfg.Guidance.Estimator = "vsd"
	est, err = cfg.BuildEstimator(nil, nil)
	require.NoError(t, err)
	assert.NotNil(t, est)
}

func TestVolumeConfigForcesNormalsForShadedMaterials(t *testing.T) {
	cfg := Default()
	cfg.Render.ComputeNormals = false
	assert.False(t, cfg.VolumeConfig().ComputeNormals)

	cfg.Material.Kind = "lambert"
	assert.True(t, cfg.VolumeConfig().ComputeNormals)
}
