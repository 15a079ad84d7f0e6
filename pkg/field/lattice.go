package field

import (
	"math/rand"

	"github.com/df07/go-dream-distiller/pkg/core"
)

// LatticeConfig configures the hybrid SDF + deformable lattice field
type LatticeConfig struct {
	Resolution int     // lattice vertices per axis
	BoundsHalf float64 // lattice occupies [-BoundsHalf, BoundsHalf]^3
	Sharpness  float64 // SDF -> density logistic sharpness (1/world units)
	DensityMax float64 // density value deep inside the surface
	ClampFrac  float64 // max vertex deformation as a fraction of cell size
	Seed       int64
}

// DefaultLatticeConfig returns sensible default values
func DefaultLatticeConfig() LatticeConfig {
	return LatticeConfig{
		Resolution: 32,
		BoundsHalf: 1.0,
		Sharpness:  20.0,
		DensityMax: 30.0,
		ClampFrac:  0.45,
		Seed:       42,
	}
}

// LatticeField stores a signed distance value, a deformation offset and an
// appearance feature vector on every lattice vertex. Volumetric queries
// interpolate SDF and features trilinearly on the regular grid; the
// deformation offsets move vertices only for isosurface extraction, clamped
// inside their cells so extraction cannot self-intersect.
type LatticeField struct {
	clampCounter
	cfg    LatticeConfig
	bounds core.AABB
	store  *core.ParamStore
	sdf    *core.ParamBlock // Resolution^3
	offset *core.ParamBlock // 3 * Resolution^3
	feat   *core.ParamBlock // FeatureDim * Resolution^3
}

// NewLatticeField builds an empty lattice (positive SDF everywhere)
func NewLatticeField(cfg LatticeConfig) *LatticeField {
	rng := rand.New(rand.NewSource(cfg.Seed))
	store := core.NewParamStore()
	n := cfg.Resolution * cfg.Resolution * cfg.Resolution

	lf := &LatticeField{
		cfg:    cfg,
		bounds: core.UnitCube(cfg.BoundsHalf),
		store:  store,
		sdf:    store.Register("lattice.sdf", n, 1.0),
		offset: store.Register("lattice.offset", 3*n, 1.0),
		feat:   store.Register("lattice.feat", FeatureDim*n, 1.0),
	}

	// Start far outside everywhere. The distance must be large against
	// 1/Sharpness or the logistic leaves visible density in an empty field.
	for i := range lf.sdf.Values {
		lf.sdf.Values[i] = cfg.BoundsHalf
	}
	initUniform(lf.feat.Values, 1e-2, rng)
	return lf
}

func (lf *LatticeField) Variant() Variant         { return VariantLattice }
func (lf *LatticeField) Bounds() core.AABB        { return lf.bounds }
func (lf *LatticeField) Params() *core.ParamStore { return lf.store }
func (lf *LatticeField) Resolution() int          { return lf.cfg.Resolution }

// CellSize returns the edge length of one lattice cell
func (lf *LatticeField) CellSize() float64 {
	return lf.bounds.Size().X / float64(lf.cfg.Resolution-1)
}

// vertexIndex maps lattice coordinates to the flat vertex index
func (lf *LatticeField) vertexIndex(i, j, k int) int {
	r := lf.cfg.Resolution
	return (i*r+j)*r + k
}

// SDFValue returns the stored signed distance at a lattice vertex
func (lf *LatticeField) SDFValue(i, j, k int) float64 {
	return lf.sdf.Values[lf.vertexIndex(i, j, k)]
}

// SetSDFValue overwrites the signed distance at a lattice vertex.
// Used by representation conversion to seed the lattice.
func (lf *LatticeField) SetSDFValue(i, j, k int, v float64) {
	lf.sdf.Values[lf.vertexIndex(i, j, k)] = v
}

// SetFeatures overwrites the appearance features at a lattice vertex
func (lf *LatticeField) SetFeatures(i, j, k int, features [FeatureDim]float64) {
	base := lf.vertexIndex(i, j, k) * FeatureDim
	for c, v := range features {
		lf.feat.Values[base+c] = v
	}
}

// FeaturesAt returns the appearance features stored at a lattice vertex
func (lf *LatticeField) FeaturesAt(i, j, k int) [FeatureDim]float64 {
	var out [FeatureDim]float64
	base := lf.vertexIndex(i, j, k) * FeatureDim
	for c := range out {
		out[c] = lf.feat.Values[base+c]
	}
	return out
}

// VertexPosition returns the deformed position of a lattice vertex. The
// deformation is clamped to ClampFrac of a cell on read, so the optimizer
// can push the raw parameter freely without breaking extraction.
func (lf *LatticeField) VertexPosition(i, j, k int) core.Vec3 {
	r := float64(lf.cfg.Resolution - 1)
	base := lf.bounds.Lerp(float64(i)/r, float64(j)/r, float64(k)/r)
	limit := lf.CellSize() * lf.cfg.ClampFrac
	oi := lf.vertexIndex(i, j, k) * 3
	off := core.NewVec3(
		lf.offset.Values[oi],
		lf.offset.Values[oi+1],
		lf.offset.Values[oi+2],
	).Clamp(-limit, limit)
	return base.Add(off)
}

// interpolate performs a trilinear read of the SDF and features at p,
// returning the eight corner taps for backward.
func (lf *LatticeField) interpolate(p core.Vec3) (sdf float64, features [FeatureDim]float64, tap gridTap) {
	u := lf.bounds.Normalized(p)
	r := lf.cfg.Resolution
	ix, fx := gridCoord(u.X, r)
	iy, fy := gridCoord(u.Y, r)
	iz, fz := gridCoord(u.Z, r)

	corner := 0
	for dx := 0; dx <= 1; dx++ {
		wx := trilinearWeight(fx, dx)
		for dy := 0; dy <= 1; dy++ {
			wy := trilinearWeight(fy, dy)
			for dz := 0; dz <= 1; dz++ {
				wz := trilinearWeight(fz, dz)
				vi := lf.vertexIndex(ix+dx, iy+dy, iz+dz)
				tap.idx[corner] = vi
				tap.w[corner] = wx * wy * wz
				sdf += tap.w[corner] * lf.sdf.Values[vi]
				for c := 0; c < FeatureDim; c++ {
					features[c] += tap.w[corner] * lf.feat.Values[vi*FeatureDim+c]
				}
				corner++
			}
		}
	}
	return sdf, features, tap
}

// Query evaluates the lattice at a point. Density is a sharpness-scaled
// logistic of the negated SDF so the surface stays differentiable for the
// volumetric render path.
func (lf *LatticeField) Query(p core.Vec3) Sample {
	if !lf.bounds.Contains(p) {
		return Sample{}
	}
	sdf, features, _ := lf.interpolate(p)

	var s Sample
	s.SDF = sdf
	s.Density = lf.cfg.DensityMax * sigmoid(-sdf*lf.cfg.Sharpness)
	s.Features = features
	return lf.clampSample(s)
}

// QueryBackward chains density and feature gradients into the per-vertex
// SDF and feature parameters through the logistic and trilinear weights.
func (lf *LatticeField) QueryBackward(p core.Vec3, dDensity float64, dFeatures [FeatureDim]float64) {
	if !lf.bounds.Contains(p) {
		return
	}
	sdf, _, tap := lf.interpolate(p)

	sig := sigmoid(-sdf * lf.cfg.Sharpness)
	dSDF := dDensity * lf.cfg.DensityMax * sigmoidDerivFromOut(sig) * -lf.cfg.Sharpness
	if !core.IsFinite(dSDF) {
		dSDF = 0
		lf.clamped.Add(1)
	}

	for corner := 0; corner < 8; corner++ {
		w := tap.w[corner]
		vi := tap.idx[corner]
		if dSDF != 0 {
			lf.sdf.Grad[vi] += w * dSDF
		}
		for c := 0; c < FeatureDim; c++ {
			if dFeatures[c] != 0 {
				lf.feat.Grad[vi*FeatureDim+c] += w * dFeatures[c]
			}
		}
	}
}

// SDFAt is an SDF-only query used by the extractor and conversion
func (lf *LatticeField) SDFAt(p core.Vec3) float64 {
	if !lf.bounds.Contains(p) {
		return lf.cfg.BoundsHalf
	}
	sdf, _, _ := lf.interpolate(p)
	return sdf
}

// DensityAt is a density-only query used by the occupancy grid
func (lf *LatticeField) DensityAt(p core.Vec3) float64 {
	return lf.Query(p).Density
}

// Normal returns the SDF gradient direction (outward for negative-inside)
func (lf *LatticeField) Normal(p core.Vec3) core.Vec3 {
	return FiniteDifferenceNormal(lf.SDFAt, p, lf.CellSize()*0.5, 1)
}

// AccumulateVertexGrads folds gradients with respect to a deformed vertex
// position and its interpolated extraction weight back into the raw offset
// parameters. Called by the extractor's backward pass; i,j,k address the
// lattice vertex, dPos is d(loss)/d(vertexPosition).
func (lf *LatticeField) AccumulateVertexGrads(i, j, k int, dPos core.Vec3) {
	// The clamp on read is a hard limit; gradients pass through unscaled
	// inside the limit and are dropped outside it.
	limit := lf.CellSize() * lf.cfg.ClampFrac
	oi := lf.vertexIndex(i, j, k) * 3
	raw := [3]float64{
		lf.offset.Values[oi],
		lf.offset.Values[oi+1],
		lf.offset.Values[oi+2],
	}
	d := [3]float64{dPos.X, dPos.Y, dPos.Z}
	for axis := 0; axis < 3; axis++ {
		if raw[axis] > -limit && raw[axis] < limit {
			lf.offset.Grad[oi+axis] += d[axis]
		}
	}
}

// AccumulateSDFGrad adds a gradient on the stored SDF value of one vertex
func (lf *LatticeField) AccumulateSDFGrad(i, j, k int, dSDF float64) {
	lf.sdf.Grad[lf.vertexIndex(i, j, k)] += dSDF
}

// AccumulateFeatureGrad adds gradients on the stored features of one vertex
func (lf *LatticeField) AccumulateFeatureGrad(i, j, k int, dFeat [FeatureDim]float64) {
	base := lf.vertexIndex(i, j, k) * FeatureDim
	for c, g := range dFeat {
		lf.feat.Grad[base+c] += g
	}
}
