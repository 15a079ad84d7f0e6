// Package config loads and validates the YAML run configuration. Parsing
// is strict: unknown keys are an error, and every enumerated choice is
// checked before any component is built.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the complete configuration of one run
type Config struct {
	Run        RunConfig        `yaml:"run"`
	Field      FieldConfig      `yaml:"field"`
	Material   MaterialConfig   `yaml:"material"`
	Background BackgroundConfig `yaml:"background"`
	Camera     CameraConfig     `yaml:"camera"`
	Render     RenderConfig     `yaml:"render"`
	Guidance   GuidanceConfig   `yaml:"guidance"`
	Trainer    TrainerConfig    `yaml:"trainer"`
	Export     ExportConfig     `yaml:"export"`
}

// RunConfig names the run and seeds its randomness
type RunConfig struct {
	Prompt    string `yaml:"prompt"`
	Seed      int64  `yaml:"seed"`
	OutputDir string `yaml:"output_dir"`
}

// FieldConfig selects and parameterizes the scene representation
type FieldConfig struct {
	Variant string             `yaml:"variant"` // neural, lattice or mesh
	Neural  NeuralFieldConfig  `yaml:"neural"`
	Lattice LatticeFieldConfig `yaml:"lattice"`
}

// NeuralFieldConfig parameterizes the multi-resolution grid field
type NeuralFieldConfig struct {
	Levels         int     `yaml:"levels"`
	BaseResolution int     `yaml:"base_resolution"`
	GrowthFactor   float64 `yaml:"growth_factor"`
	FeaturesPer    int     `yaml:"features_per_level"`
	HiddenSize     int     `yaml:"hidden_size"`
	BoundsHalf     float64 `yaml:"bounds_half"`
	DensityBias    float64 `yaml:"density_bias"`
}

// LatticeFieldConfig parameterizes the deformable SDF lattice
type LatticeFieldConfig struct {
	Resolution int     `yaml:"resolution"`
	BoundsHalf float64 `yaml:"bounds_half"`
	Sharpness  float64 `yaml:"sharpness"`
	DensityMax float64 `yaml:"density_max"`
	ClampFrac  float64 `yaml:"clamp_frac"`
}

// MaterialConfig selects the appearance material
type MaterialConfig struct {
	Kind     string     `yaml:"kind"` // unlit, lambert or normal
	LightDir [3]float64 `yaml:"light_dir"`
	Ambient  float64    `yaml:"ambient"`
}

// BackgroundConfig selects the background policy
type BackgroundConfig struct {
	Kind   string     `yaml:"kind"` // solid, random, gradient or learned
	Color  [3]float64 `yaml:"color"`
	Top    [3]float64 `yaml:"top"`
	Bottom [3]float64 `yaml:"bottom"`
}

// CameraConfig parameterizes orbit pose sampling
type CameraConfig struct {
	RadiusMin    float64 `yaml:"radius_min"`
	RadiusMax    float64 `yaml:"radius_max"`
	ElevationMin float64 `yaml:"elevation_min"`
	ElevationMax float64 `yaml:"elevation_max"`
	VFovMin      float64 `yaml:"vfov_min"`
	VFovMax      float64 `yaml:"vfov_max"`
	Width        int     `yaml:"width"`
	Height       int     `yaml:"height"`
	OverheadDeg  float64 `yaml:"overhead_deg"`
}

// RenderConfig parameterizes the differentiable render paths
type RenderConfig struct {
	SamplesPerRay  int             `yaml:"samples_per_ray"`
	Jitter         bool            `yaml:"jitter"`
	ComputeNormals bool            `yaml:"compute_normals"`
	EarlyStopTrans float64         `yaml:"early_stop_transmittance"`
	NumWorkers     int             `yaml:"num_workers"`
	EdgeSigma      float64         `yaml:"edge_sigma"` // raster silhouette softness, pixels
	Occupancy      OccupancyConfig `yaml:"occupancy"`
}

// OccupancyConfig parameterizes empty-space skipping
type OccupancyConfig struct {
	Enabled       bool    `yaml:"enabled"`
	Resolution    int     `yaml:"resolution"`
	Threshold     float64 `yaml:"threshold"`
	RefreshEvery  int     `yaml:"refresh_every"`
	JitterSamples int     `yaml:"jitter_samples"`
}

// GuidanceConfig parameterizes the score estimator and the prior client
type GuidanceConfig struct {
	Estimator      string         `yaml:"estimator"` // sds or vsd
	Scale          float64        `yaml:"scale"`
	Reconstruction bool           `yaml:"reconstruction"`
	ClipInitial    float64        `yaml:"clip_initial"`
	ClipFinal      float64        `yaml:"clip_final"`
	ClipRampSteps  int            `yaml:"clip_ramp_steps"`
	AuxLR          float64        `yaml:"aux_lr"` // vsd online predictor
	EmbeddingDim   int            `yaml:"embedding_dim"`
	Schedule       ScheduleConfig `yaml:"schedule"`
	Prior          PriorConfig    `yaml:"prior"`
}

// ScheduleConfig parameterizes the diffusion noising schedule
type ScheduleConfig struct {
	Timesteps    int     `yaml:"timesteps"`
	BetaStart    float64 `yaml:"beta_start"`
	BetaEnd      float64 `yaml:"beta_end"`
	MinFrac      float64 `yaml:"min_frac"`
	MaxFrac      float64 `yaml:"max_frac"`
	AnnealSteps  int     `yaml:"anneal_steps"`
	AnnealToFrac float64 `yaml:"anneal_to_frac"`
}

// PriorConfig locates the frozen prior service
type PriorConfig struct {
	URL     string        `yaml:"url"`
	Timeout time.Duration `yaml:"timeout"`
}

// TrainerConfig parameterizes the optimization loop
type TrainerConfig struct {
	Steps           int               `yaml:"steps"`
	LearningRate    float64           `yaml:"learning_rate"`
	Beta1           float64           `yaml:"beta1"`
	Beta2           float64           `yaml:"beta2"`
	Epsilon         float64           `yaml:"epsilon"`
	Replicas        int               `yaml:"replicas"`
	CheckpointEvery int               `yaml:"checkpoint_every"`
	ValidateEvery   int               `yaml:"validate_every"`
	Stages          []StageConfig     `yaml:"stages"`
	Regularizers    RegularizerConfig `yaml:"regularizers"`
}

// StageConfig is one entry of the coarse-to-fine curriculum
type StageConfig struct {
	Variant string `yaml:"variant"` // field variant active during the stage
	Steps   int    `yaml:"steps"`
	// Threshold used when converting into this stage's representation
	ConvertThreshold float64 `yaml:"convert_threshold"`
}

// RegularizerConfig weights the auxiliary losses; zero disables one
type RegularizerConfig struct {
	OpacityWeight    float64 `yaml:"opacity_weight"`
	SmoothnessWeight float64 `yaml:"smoothness_weight"`
	OccupancyWeight  float64 `yaml:"occupancy_weight"`
	SmoothnessProbes int     `yaml:"smoothness_probes"`
}

// ExportConfig parameterizes final mesh extraction and writing
type ExportConfig struct {
	Format     string  `yaml:"format"` // ply or obj
	Resolution int     `yaml:"resolution"`
	Threshold  float64 `yaml:"threshold"`
	UVs        bool    `yaml:"uvs"`
}

// Default returns the configuration a run starts from before the YAML
// overlay. Every value is valid on its own.
func Default() *Config {
	return &Config{
		Run: RunConfig{
			Prompt:    "",
			Seed:      42,
			OutputDir: "runs",
		},
		Field: FieldConfig{
			Variant: "neural",
			Neural: NeuralFieldConfig{
				Levels:         4,
				BaseResolution: 16,
				GrowthFactor:   1.5,
				FeaturesPer:    2,
				HiddenSize:     16,
				BoundsHalf:     1.0,
				DensityBias:    -1.0,
			},
			Lattice: LatticeFieldConfig{
				Resolution: 32,
				BoundsHalf: 1.0,
				Sharpness:  20.0,
				DensityMax: 30.0,
				ClampFrac:  0.45,
			},
		},
		Material: MaterialConfig{
			Kind:     "unlit",
			LightDir: [3]float64{0.5, 0.8, 0.3},
			Ambient:  0.2,
		},
		Background: BackgroundConfig{
			Kind:   "random",
			Color:  [3]float64{0, 0, 0},
			Top:    [3]float64{0.5, 0.7, 1.0},
			Bottom: [3]float64{1, 1, 1},
		},
		Camera: CameraConfig{
			RadiusMin:    1.5,
			RadiusMax:    2.0,
			ElevationMin: -10,
			ElevationMax: 45,
			VFovMin:      40,
			VFovMax:      70,
			Width:        64,
			Height:       64,
			OverheadDeg:  60,
		},
		Render: RenderConfig{
			SamplesPerRay:  64,
			Jitter:         true,
			ComputeNormals: false,
			EarlyStopTrans: 1e-4,
			NumWorkers:     0,
			EdgeSigma:      1.0,
			Occupancy: OccupancyConfig{
				Enabled:       true,
				Resolution:    16,
				Threshold:     0.01,
				RefreshEvery:  50,
				JitterSamples: 4,
			},
		},
		Guidance: GuidanceConfig{
			Estimator:     "sds",
			Scale:         50,
			ClipInitial:   1.0,
			ClipFinal:     0.1,
			ClipRampSteps: 5000,
			AuxLR:         0.01,
			EmbeddingDim:  64,
			Schedule: ScheduleConfig{
				Timesteps:    1000,
				BetaStart:    1e-4,
				BetaEnd:      2e-2,
				MinFrac:      0.02,
				MaxFrac:      0.98,
				AnnealSteps:  0,
				AnnealToFrac: 0.5,
			},
			Prior: PriorConfig{
				URL:     "http://localhost:8100",
				Timeout: 30 * time.Second,
			},
		},
		Trainer: TrainerConfig{
			Steps:           10000,
			LearningRate:    1e-2,
			Beta1:           0.9,
			Beta2:           0.99,
			Epsilon:         1e-15,
			Replicas:        1,
			CheckpointEvery: 500,
			ValidateEvery:   250,
			Stages:          nil,
			Regularizers: RegularizerConfig{
				OpacityWeight:    1e-3,
				SmoothnessWeight: 0,
				OccupancyWeight:  0,
				SmoothnessProbes: 16,
			},
		},
		Export: ExportConfig{
			Format:     "ply",
			Resolution: 128,
			Threshold:  2.0,
			UVs:        false,
		},
	}
}

// Load reads the YAML file over the defaults and validates the result
func Load(path string) (*Config, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open config: %w", err)
	}
	defer file.Close()

	cfg := Default()
	dec := yaml.NewDecoder(file)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

// Validate checks every enumerated choice and numeric range eagerly, so a
// bad configuration fails before the run directory is even created.
func (c *Config) Validate() error {
	switch c.Field.Variant {
	case "neural", "lattice", "mesh":
	default:
		return fmt.Errorf("unknown field variant %q", c.Field.Variant)
	}
	switch c.Material.Kind {
	case "unlit", "lambert", "normal":
	default:
		return fmt.Errorf("unknown material kind %q", c.Material.Kind)
	}
	switch c.Background.Kind {
	case "solid", "random", "gradient", "learned":
	default:
		return fmt.Errorf("unknown background kind %q", c.Background.Kind)
	}
	switch c.Guidance.Estimator {
	case "sds", "vsd":
	default:
		return fmt.Errorf("unknown guidance estimator %q", c.Guidance.Estimator)
	}
	switch c.Export.Format {
	case "ply", "obj":
	default:
		return fmt.Errorf("unknown export format %q", c.Export.Format)
	}

	if c.Camera.Width < 1 || c.Camera.Height < 1 {
		return fmt.Errorf("camera size %dx%d is not positive", c.Camera.Width, c.Camera.Height)
	}
	if c.Camera.RadiusMin <= 0 || c.Camera.RadiusMax < c.Camera.RadiusMin {
		return fmt.Errorf("invalid camera radius range [%g, %g]", c.Camera.RadiusMin, c.Camera.RadiusMax)
	}
	if c.Camera.VFovMin <= 0 || c.Camera.VFovMax < c.Camera.VFovMin || c.Camera.VFovMax >= 180 {
		return fmt.Errorf("invalid camera vfov range [%g, %g]", c.Camera.VFovMin, c.Camera.VFovMax)
	}
	if c.Render.SamplesPerRay < 1 {
		return fmt.Errorf("samples_per_ray must be positive, got %d", c.Render.SamplesPerRay)
	}
	if c.Render.EdgeSigma <= 0 {
		return fmt.Errorf("edge_sigma must be positive, got %g", c.Render.EdgeSigma)
	}
	if c.Render.Occupancy.Enabled && c.Render.Occupancy.Resolution < 2 {
		return fmt.Errorf("occupancy resolution must be at least 2, got %d", c.Render.Occupancy.Resolution)
	}
	if c.Field.Neural.Levels < 1 {
		return fmt.Errorf("neural levels must be at least 1, got %d", c.Field.Neural.Levels)
	}
	if c.Field.Neural.BaseResolution < 2 {
		return fmt.Errorf("neural base_resolution must be at least 2, got %d", c.Field.Neural.BaseResolution)
	}
	if c.Field.Neural.GrowthFactor <= 1 {
		return fmt.Errorf("neural growth_factor must exceed 1, got %g", c.Field.Neural.GrowthFactor)
	}
	if c.Field.Neural.FeaturesPer < 1 {
		return fmt.Errorf("neural features_per_level must be positive, got %d", c.Field.Neural.FeaturesPer)
	}
	if c.Field.Neural.HiddenSize < 1 {
		return fmt.Errorf("neural hidden_size must be positive, got %d", c.Field.Neural.HiddenSize)
	}
	if c.Field.Lattice.Resolution < 2 {
		return fmt.Errorf("lattice resolution must be at least 2, got %d", c.Field.Lattice.Resolution)
	}
	if c.Field.Lattice.Sharpness <= 0 || c.Field.Lattice.DensityMax <= 0 {
		return fmt.Errorf("lattice sharpness %g and density_max %g must be positive",
			c.Field.Lattice.Sharpness, c.Field.Lattice.DensityMax)
	}
	if c.Guidance.Scale < 0 {
		return fmt.Errorf("guidance scale must be non-negative, got %g", c.Guidance.Scale)
	}
	if c.Guidance.EmbeddingDim < 1 {
		return fmt.Errorf("embedding_dim must be positive, got %d", c.Guidance.EmbeddingDim)
	}
	if c.Guidance.Estimator == "vsd" && c.Guidance.AuxLR <= 0 {
		return fmt.Errorf("aux_lr must be positive for the vsd estimator, got %g", c.Guidance.AuxLR)
	}
	if c.Guidance.Prior.URL == "" {
		return fmt.Errorf("prior url must be set")
	}
	if c.Trainer.Steps < 1 {
		return fmt.Errorf("trainer steps must be positive, got %d", c.Trainer.Steps)
	}
	if c.Trainer.LearningRate <= 0 {
		return fmt.Errorf("learning rate must be positive, got %g", c.Trainer.LearningRate)
	}
	if c.Trainer.Replicas < 1 {
		return fmt.Errorf("replicas must be at least 1, got %d", c.Trainer.Replicas)
	}
	if c.Export.Resolution < 2 {
		return fmt.Errorf("export resolution must be at least 2, got %d", c.Export.Resolution)
	}
	if c.Export.Threshold <= 0 {
		return fmt.Errorf("export threshold must be positive, got %g", c.Export.Threshold)
	}

	seen := map[string]bool{}
	for i, st := range c.Trainer.Stages {
		switch st.Variant {
		case "neural", "lattice", "mesh":
		default:
			return fmt.Errorf("stage %d: unknown variant %q", i, st.Variant)
		}
		if st.Steps < 1 {
			return fmt.Errorf("stage %d: steps must be positive, got %d", i, st.Steps)
		}
		if seen[st.Variant] {
			return fmt.Errorf("stage %d: variant %q appears twice", i, st.Variant)
		}
		seen[st.Variant] = true
		if i > 0 && !stageOrderValid(c.Trainer.Stages[i-1].Variant, st.Variant) {
			return fmt.Errorf("stage %d: cannot advance from %q to %q",
				i, c.Trainer.Stages[i-1].Variant, st.Variant)
		}
		if i > 0 && st.ConvertThreshold <= 0 {
			return fmt.Errorf("stage %d: convert_threshold must be positive, got %g", i, st.ConvertThreshold)
		}
	}
	return nil
}

// stageOrderValid enforces the coarse-to-fine direction: volumetric field
// to lattice to explicit mesh, never backward.
func stageOrderValid(from, to string) bool {
	rank := map[string]int{"neural": 0, "lattice": 1, "mesh": 2}
	return rank[to] > rank[from]
}
