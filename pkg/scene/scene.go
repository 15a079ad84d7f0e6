// Package scene assembles a trainable scene: the active field, its
// appearance material, the background policy and the render configuration
// that the trainer drives every step.
package scene

import (
	"github.com/df07/go-dream-distiller/pkg/core"
	"github.com/df07/go-dream-distiller/pkg/field"
	"github.com/df07/go-dream-distiller/pkg/material"
	"github.com/df07/go-dream-distiller/pkg/renderer"
)

// Scene bundles the components one training run optimizes and renders
type Scene struct {
	Field      field.Field
	Material   material.Material
	Background renderer.Background
	Occupancy  *renderer.OccupancyGrid
	VolumeCfg  renderer.VolumeConfig
}

// VolumeRenderer builds the differentiable volume renderer for the scene's
// current field. Rebuild after swapping the field at a stage boundary.
func (s *Scene) VolumeRenderer() *renderer.VolumeRenderer {
	return renderer.NewVolumeRenderer(s.VolumeCfg, s.Field, s.Material, s.Background, s.Occupancy)
}

// ParamStores returns every optimizable parameter store in the scene, field
// first. The learned background contributes a store; other backgrounds
// return nil and are skipped.
func (s *Scene) ParamStores() []*core.ParamStore {
	stores := []*core.ParamStore{s.Field.Params()}
	if bg := s.Background.Params(); bg != nil {
		stores = append(stores, bg)
	}
	return stores
}

// RefreshOccupancy updates the skip grid from the current field state.
// Fields without a direct density query (the explicit mesh) keep the grid
// untouched; the raster path does not march rays.
func (s *Scene) RefreshOccupancy(jitterSamples int, sampler core.Sampler) {
	if s.Occupancy == nil {
		return
	}
	if q, ok := s.Field.(field.DensityQuerier); ok {
		s.Occupancy.Refresh(q, jitterSamples, sampler)
	}
}

// NewSphereScene builds a lattice scene seeded with an exact sphere SDF,
// unlit material and solid background. Validation renders use it to check
// silhouettes and normals against closed-form expectations.
func NewSphereScene(radius float64, cfg field.LatticeConfig) *Scene {
	lf := field.NewLatticeField(cfg)
	n := cfg.Resolution
	r := float64(n - 1)
	for i := 0; i < n; i++ {
		for j := 0; j < n; j++ {
			for k := 0; k < n; k++ {
				p := lf.Bounds().Lerp(float64(i)/r, float64(j)/r, float64(k)/r)
				lf.SetSDFValue(i, j, k, p.Length()-radius)
			}
		}
	}

	volCfg := renderer.DefaultVolumeConfig()
	volCfg.ComputeNormals = true
	volCfg.Jitter = false

	return &Scene{
		Field:      lf,
		Material:   material.NewUnlit(),
		Background: renderer.NewSolidBackground(core.NewVec3(0, 0, 0)),
		VolumeCfg:  volCfg,
	}
}
