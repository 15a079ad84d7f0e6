// Package field implements the optimizable 3D scene representations: a
// volumetric neural field, a hybrid SDF lattice with deformable vertices,
// and an explicit mesh for late-stage texturing. Every variant exposes a
// differentiable spatial query whose backward pass accumulates into a shared
// parameter store.
package field

import (
	"sync/atomic"

	"github.com/df07/go-dream-distiller/pkg/core"
)

// FeatureDim is the number of appearance feature channels a query returns.
// Materials map these to RGB.
const FeatureDim = 3

// Variant tags the concrete representation kind
type Variant string

const (
	VariantNeural  Variant = "neural"  // volumetric neural field
	VariantLattice Variant = "lattice" // SDF + deformable lattice
	VariantMesh    Variant = "mesh"    // explicit mesh with vertex colors
)

// Sample is the result of a spatial query
type Sample struct {
	Density  float64 // volume density, always finite and >= 0
	SDF      float64 // signed distance (lattice variant; 0 elsewhere)
	Features [FeatureDim]float64
}

// Field is the differentiable scene representation contract. Query and
// QueryBackward must agree: backward recomputes the forward pass at p and
// accumulates parameter gradients for the given output gradients.
type Field interface {
	Variant() Variant
	Bounds() core.AABB

	// Query evaluates the field at a point. Non-finite outputs are clamped
	// to zero and counted rather than propagated (reported via ClampCount).
	Query(p core.Vec3) Sample

	// QueryBackward accumulates d(loss)/d(params) given d(loss)/d(density)
	// and d(loss)/d(features) at p.
	QueryBackward(p core.Vec3, dDensity float64, dFeatures [FeatureDim]float64)

	// Normal returns the outward surface normal estimate at p
	Normal(p core.Vec3) core.Vec3

	Params() *core.ParamStore

	// ClampCount reports how many non-finite query values were clamped.
	// A diagnostic, never fatal.
	ClampCount() int64
}

// clampCounter is embedded by variants to satisfy the diagnostic contract
type clampCounter struct {
	clamped atomic.Int64
}

func (c *clampCounter) ClampCount() int64 {
	return c.clamped.Load()
}

func (c *clampCounter) clampSample(s Sample) Sample {
	var bad bool
	s.Density, bad = clampAccum(s.Density, bad)
	s.SDF, bad = clampAccum(s.SDF, bad)
	for i := range s.Features {
		s.Features[i], bad = clampAccum(s.Features[i], bad)
	}
	if bad {
		c.clamped.Add(1)
	}
	return s
}

func clampAccum(v float64, bad bool) (float64, bool) {
	clamped, wasBad := core.ClampFinite(v, 0)
	return clamped, bad || wasBad
}

// FiniteDifferenceNormal estimates the normalized gradient of a scalar
// function by central differences. Fields use it for analytic-normal
// fallbacks; direction selects outward orientation (+1 for SDF, -1 for
// density, which increases toward the interior).
func FiniteDifferenceNormal(f func(core.Vec3) float64, p core.Vec3, eps, direction float64) core.Vec3 {
	dx := f(core.NewVec3(p.X+eps, p.Y, p.Z)) - f(core.NewVec3(p.X-eps, p.Y, p.Z))
	dy := f(core.NewVec3(p.X, p.Y+eps, p.Z)) - f(core.NewVec3(p.X, p.Y-eps, p.Z))
	dz := f(core.NewVec3(p.X, p.Y, p.Z+eps)) - f(core.NewVec3(p.X, p.Y, p.Z-eps))
	g := core.NewVec3(dx, dy, dz).Multiply(direction)
	if !g.IsFinite() || g.LengthSquared() == 0 {
		return core.Vec3{}
	}
	return g.Normalize()
}
