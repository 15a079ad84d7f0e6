package config

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/df07/go-dream-distiller/pkg/core"
	"github.com/df07/go-dream-distiller/pkg/field"
	"github.com/df07/go-dream-distiller/pkg/guidance"
	"github.com/df07/go-dream-distiller/pkg/material"
	"github.com/df07/go-dream-distiller/pkg/renderer"
	"github.com/df07/go-dream-distiller/pkg/scene"
)

// BuildField constructs the configured starting field representation.
// The mesh variant cannot start a run; it only arises by conversion from a
// trained lattice, which owns the surface to extract.
func (c *Config) BuildField() (field.Field, error) {
	switch c.Field.Variant {
	case "neural":
		fc := field.DefaultNeuralConfig()
		fc.Levels = c.Field.Neural.Levels
		fc.BaseResolution = c.Field.Neural.BaseResolution
		fc.GrowthFactor = c.Field.Neural.GrowthFactor
		fc.FeaturesPer = c.Field.Neural.FeaturesPer
		fc.HiddenSize = c.Field.Neural.HiddenSize
		fc.BoundsHalf = c.Field.Neural.BoundsHalf
		fc.DensityBias = c.Field.Neural.DensityBias
		fc.Seed = c.Run.Seed
		return field.NewNeuralField(fc), nil
	case "lattice":
		return field.NewLatticeField(c.LatticeFieldConfig()), nil
	case "mesh":
		return nil, fmt.Errorf("a run cannot start on the mesh variant; start on neural or lattice and convert")
	default:
		return nil, fmt.Errorf("unknown field variant %q", c.Field.Variant)
	}
}

// LatticeFieldConfig maps the YAML lattice section to the field config
func (c *Config) LatticeFieldConfig() field.LatticeConfig {
	fc := field.DefaultLatticeConfig()
	fc.Resolution = c.Field.Lattice.Resolution
	fc.BoundsHalf = c.Field.Lattice.BoundsHalf
	fc.Sharpness = c.Field.Lattice.Sharpness
	fc.DensityMax = c.Field.Lattice.DensityMax
	fc.ClampFrac = c.Field.Lattice.ClampFrac
	fc.Seed = c.Run.Seed
	return fc
}

// BuildMaterial constructs the configured appearance material
func (c *Config) BuildMaterial() (material.Material, error) {
	switch c.Material.Kind {
	case "unlit":
		return material.NewUnlit(), nil
	case "lambert":
		dir := core.NewVec3(c.Material.LightDir[0], c.Material.LightDir[1], c.Material.LightDir[2])
		if dir.LengthSquared() == 0 {
			return nil, fmt.Errorf("lambert light_dir must be non-zero")
		}
		return material.NewLambert(dir, c.Material.Ambient), nil
	case "normal":
		return material.NewNormalViz(), nil
	default:
		return nil, fmt.Errorf("unknown material kind %q", c.Material.Kind)
	}
}

// BuildBackground constructs the configured background policy
func (c *Config) BuildBackground() (renderer.Background, error) {
	vec := func(v [3]float64) core.Vec3 { return core.NewVec3(v[0], v[1], v[2]) }
	switch c.Background.Kind {
	case "solid":
		return renderer.NewSolidBackground(vec(c.Background.Color)), nil
	case "random":
		return renderer.NewRandomBackground(), nil
	case "gradient":
		return renderer.NewGradientBackground(vec(c.Background.Top), vec(c.Background.Bottom)), nil
	case "learned":
		return renderer.NewLearnedBackground(), nil
	default:
		return nil, fmt.Errorf("unknown background kind %q", c.Background.Kind)
	}
}

// OrbitConfig maps the camera section to orbit pose sampling
func (c *Config) OrbitConfig() renderer.OrbitConfig {
	oc := renderer.DefaultOrbitConfig()
	oc.RadiusMin = c.Camera.RadiusMin
	oc.RadiusMax = c.Camera.RadiusMax
	oc.ElevationMin = c.Camera.ElevationMin
	oc.ElevationMax = c.Camera.ElevationMax
	oc.VFovMin = c.Camera.VFovMin
	oc.VFovMax = c.Camera.VFovMax
	oc.Width = c.Camera.Width
	oc.Height = c.Camera.Height
	oc.OverheadDeg = c.Camera.OverheadDeg
	return oc
}

// VolumeConfig maps the render section to the volume integrator config
func (c *Config) VolumeConfig() renderer.VolumeConfig {
	vc := renderer.DefaultVolumeConfig()
	vc.SamplesPerRay = c.Render.SamplesPerRay
	vc.Jitter = c.Render.Jitter
	vc.ComputeNormals = c.Render.ComputeNormals || c.Material.Kind != "unlit"
	vc.EarlyStopTrans = c.Render.EarlyStopTrans
	vc.NumWorkers = c.Render.NumWorkers
	return vc
}

// RasterConfig maps the render section to the rasterizer config
func (c *Config) RasterConfig() renderer.RasterConfig {
	rc := renderer.DefaultRasterConfig()
	rc.EdgeSigma = c.Render.EdgeSigma
	rc.NumWorkers = c.Render.NumWorkers
	return rc
}

// BuildScene assembles the trainable scene from the configured components
func (c *Config) BuildScene() (*scene.Scene, error) {
	f, err := c.BuildField()
	if err != nil {
		return nil, err
	}
	mat, err := c.BuildMaterial()
	if err != nil {
		return nil, err
	}
	bg, err := c.BuildBackground()
	if err != nil {
		return nil, err
	}

	var occ *renderer.OccupancyGrid
	if c.Render.Occupancy.Enabled {
		occ = renderer.NewOccupancyGrid(f.Bounds(), c.Render.Occupancy.Resolution, c.Render.Occupancy.Threshold)
	}

	return &scene.Scene{
		Field:      f,
		Material:   mat,
		Background: bg,
		Occupancy:  occ,
		VolumeCfg:  c.VolumeConfig(),
	}, nil
}

// BuildEstimator constructs the configured guidance estimator over a prior
func (c *Config) BuildEstimator(prior guidance.Prior, logger *zap.Logger) (guidance.Estimator, error) {
	sched, err := guidance.NewSchedule(c.ScheduleConfig())
	if err != nil {
		return nil, err
	}
	ec := guidance.EstimatorConfig{
		GuidanceScale:  c.Guidance.Scale,
		Reconstruction: c.Guidance.Reconstruction,
		ClipInitial:    c.Guidance.ClipInitial,
		ClipFinal:      c.Guidance.ClipFinal,
		ClipRampSteps:  c.Guidance.ClipRampSteps,
	}
	switch c.Guidance.Estimator {
	case "sds":
		return guidance.NewSDSEstimator(ec, sched, prior, logger)
	case "vsd":
		return guidance.NewVSDEstimator(ec, sched, prior, c.Guidance.AuxLR, logger)
	default:
		return nil, fmt.Errorf("unknown guidance estimator %q", c.Guidance.Estimator)
	}
}

// ScheduleConfig maps the YAML schedule section to the guidance package
func (c *Config) ScheduleConfig() guidance.ScheduleConfig {
	sc := guidance.DefaultScheduleConfig()
	sc.Timesteps = c.Guidance.Schedule.Timesteps
	sc.BetaStart = c.Guidance.Schedule.BetaStart
	sc.BetaEnd = c.Guidance.Schedule.BetaEnd
	sc.MinFrac = c.Guidance.Schedule.MinFrac
	sc.MaxFrac = c.Guidance.Schedule.MaxFrac
	sc.AnnealSteps = c.Guidance.Schedule.AnnealSteps
	sc.AnnealToFrac = c.Guidance.Schedule.AnnealToFrac
	return sc
}
