package field

import (
	"fmt"
	"math"
	"math/rand"

	"github.com/df07/go-dream-distiller/pkg/core"
)

// NeuralConfig configures the volumetric neural field
type NeuralConfig struct {
	Levels         int     // number of feature-grid resolutions
	BaseResolution int     // vertices per axis of the coarsest grid
	GrowthFactor   float64 // per-level resolution multiplier
	FeaturesPer    int     // feature channels per level
	HiddenSize     int     // MLP hidden width
	BoundsHalf     float64 // field occupies [-BoundsHalf, BoundsHalf]^3
	DensityBias    float64 // pre-softplus bias; negative starts the field empty
	Seed           int64
}

// DefaultNeuralConfig returns sensible default values
func DefaultNeuralConfig() NeuralConfig {
	return NeuralConfig{
		Levels:         4,
		BaseResolution: 16,
		GrowthFactor:   1.5,
		FeaturesPer:    2,
		HiddenSize:     16,
		BoundsHalf:     1.0,
		DensityBias:    -1.0,
		Seed:           42,
	}
}

// NeuralField is the volumetric neural representation: multi-resolution
// dense feature grids read with trilinear interpolation, decoded by a small
// MLP into density and appearance features.
type NeuralField struct {
	clampCounter
	cfg    NeuralConfig
	bounds core.AABB
	store  *core.ParamStore
	grids  []*core.ParamBlock
	res    []int
	net    *mlp
	inDim  int
}

// NewNeuralField builds a field with deterministic initialization per seed
func NewNeuralField(cfg NeuralConfig) *NeuralField {
	rng := rand.New(rand.NewSource(cfg.Seed))
	store := core.NewParamStore()

	nf := &NeuralField{
		cfg:    cfg,
		bounds: core.UnitCube(cfg.BoundsHalf),
		store:  store,
		inDim:  3 + cfg.Levels*cfg.FeaturesPer,
	}

	res := cfg.BaseResolution
	for level := 0; level < cfg.Levels; level++ {
		block := store.Register(gridBlockName(level), res*res*res*cfg.FeaturesPer, 10.0)
		initUniform(block.Values, 1e-2, rng)
		nf.grids = append(nf.grids, block)
		nf.res = append(nf.res, res)
		res = int(math.Ceil(float64(res) * cfg.GrowthFactor))
	}

	nf.net = newMLP(store, "mlp", nf.inDim, cfg.HiddenSize, 1+FeatureDim, rng)
	return nf
}

func gridBlockName(level int) string {
	return fmt.Sprintf("grid.l%d", level)
}

func (nf *NeuralField) Variant() Variant         { return VariantNeural }
func (nf *NeuralField) Bounds() core.AABB        { return nf.bounds }
func (nf *NeuralField) Params() *core.ParamStore { return nf.store }

// gridTap records a trilinear read so backward can scatter gradients back
// into the same eight corners with the same weights.
type gridTap struct {
	idx [8]int
	w   [8]float64
}

// encode fills x with [p.xyz, level features...] and taps with one trilinear
// read record per level.
func (nf *NeuralField) encode(p core.Vec3, x []float64, taps []gridTap) {
	u := nf.bounds.Normalized(p)
	x[0], x[1], x[2] = u.X, u.Y, u.Z

	f := nf.cfg.FeaturesPer
	for level, block := range nf.grids {
		r := nf.res[level]
		ix, fx := gridCoord(u.X, r)
		iy, fy := gridCoord(u.Y, r)
		iz, fz := gridCoord(u.Z, r)

		tap := &taps[level]
		corner := 0
		for dx := 0; dx <= 1; dx++ {
			wx := trilinearWeight(fx, dx)
			for dy := 0; dy <= 1; dy++ {
				wy := trilinearWeight(fy, dy)
				for dz := 0; dz <= 1; dz++ {
					wz := trilinearWeight(fz, dz)
					vi := ((ix+dx)*r+(iy+dy))*r + (iz + dz)
					tap.idx[corner] = vi * f
					tap.w[corner] = wx * wy * wz
					corner++
				}
			}
		}

		base := 3 + level*f
		for c := 0; c < f; c++ {
			sum := 0.0
			for corner := 0; corner < 8; corner++ {
				sum += tap.w[corner] * block.Values[tap.idx[corner]+c]
			}
			x[base+c] = sum
		}
	}
}

// gridCoord maps u in [0,1] onto a grid of r vertices, returning the lower
// vertex index and the fractional offset. The lower index is clamped so the
// +1 corner stays in bounds.
func gridCoord(u float64, r int) (int, float64) {
	g := min(max(u, 0), 1) * float64(r-1)
	i := int(g)
	if i > r-2 {
		i = r - 2
	}
	return i, g - float64(i)
}

func trilinearWeight(frac float64, side int) float64 {
	if side == 0 {
		return 1 - frac
	}
	return frac
}

// Query evaluates density and appearance at a point. Points outside the
// field bounds are empty by definition.
func (nf *NeuralField) Query(p core.Vec3) Sample {
	if !nf.bounds.Contains(p) {
		return Sample{}
	}

	x := make([]float64, nf.inDim)
	taps := make([]gridTap, nf.cfg.Levels)
	hidden := make([]float64, nf.cfg.HiddenSize)
	y := make([]float64, 1+FeatureDim)

	nf.encode(p, x, taps)
	nf.net.forward(x, hidden, y)

	var s Sample
	s.Density = softplus(y[0] + nf.cfg.DensityBias)
	copy(s.Features[:], y[1:])
	return nf.clampSample(s)
}

// QueryBackward recomputes the forward pass at p and accumulates gradients
// into the MLP weights and the grid features that contributed.
func (nf *NeuralField) QueryBackward(p core.Vec3, dDensity float64, dFeatures [FeatureDim]float64) {
	if !nf.bounds.Contains(p) {
		return
	}

	x := make([]float64, nf.inDim)
	taps := make([]gridTap, nf.cfg.Levels)
	hidden := make([]float64, nf.cfg.HiddenSize)
	y := make([]float64, 1+FeatureDim)

	nf.encode(p, x, taps)
	nf.net.forward(x, hidden, y)

	dy := make([]float64, 1+FeatureDim)
	dy[0] = dDensity * softplusDeriv(y[0]+nf.cfg.DensityBias)
	for i := 0; i < FeatureDim; i++ {
		dy[1+i] = dFeatures[i]
	}
	if !core.IsFinite(dy[0]) {
		dy[0] = 0
		nf.clamped.Add(1)
	}

	dx := make([]float64, nf.inDim)
	nf.net.backward(x, hidden, dy, dx)

	// Scatter encoding gradients back into the grids; the first three
	// inputs are raw coordinates with no parameters behind them.
	f := nf.cfg.FeaturesPer
	for level, block := range nf.grids {
		tap := &taps[level]
		base := 3 + level*f
		for c := 0; c < f; c++ {
			g := dx[base+c]
			if g == 0 {
				continue
			}
			for corner := 0; corner < 8; corner++ {
				block.Grad[tap.idx[corner]+c] += tap.w[corner] * g
			}
		}
	}
}

// DensityAt is a density-only query used by the occupancy grid, the
// extractor and representation conversion.
func (nf *NeuralField) DensityAt(p core.Vec3) float64 {
	return nf.Query(p).Density
}

// Normal estimates the outward normal as the negated density gradient.
// Density gradients are noisy near empty space, which is why the trainer
// pairs this with normal-smoothness regularization.
func (nf *NeuralField) Normal(p core.Vec3) core.Vec3 {
	eps := nf.bounds.Size().X / float64(nf.res[len(nf.res)-1]) * 0.5
	return FiniteDifferenceNormal(nf.DensityAt, p, eps, -1)
}
