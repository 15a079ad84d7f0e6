package field

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/df07/go-dream-distiller/pkg/core"
)

func smallNeuralConfig() NeuralConfig {
	cfg := DefaultNeuralConfig()
	cfg.Levels = 2
	cfg.BaseResolution = 4
	cfg.HiddenSize = 8
	return cfg
}

// checkGradsByFiniteDifference perturbs every parameter that received a
// gradient and compares against the central difference of the loss.
func checkGradsByFiniteDifference(t *testing.T, f Field, loss func() float64, maxChecks int) {
	t.Helper()
	const eps = 1e-6
	checked := 0
	for _, b := range f.Params().Blocks() {
		for i, g := range b.Grad {
			if g == 0 || checked >= maxChecks {
				continue
			}
			orig := b.Values[i]
			b.Values[i] = orig + eps
			plus := loss()
			b.Values[i] = orig - eps
			minus := loss()
			b.Values[i] = orig

			numeric := (plus - minus) / (2 * eps)
			assert.InDelta(t, numeric, g, 1e-4*(1+math.Abs(numeric)),
				"block %s index %d", b.Name, i)
			checked++
		}
	}
	assert.Greater(t, checked, 0, "no gradients were accumulated")
}

func TestNeuralDensityBackwardMatchesFiniteDifference(t *testing.T) {
	nf := NewNeuralField(smallNeuralConfig())
	p := core.NewVec3(0.21, -0.37, 0.11)

	nf.QueryBackward(p, 1.0, [FeatureDim]float64{})
	checkGradsByFiniteDifference(t, nf, func() float64 { return nf.Query(p).Density }, 24)
}

func TestNeuralFeatureBackwardMatchesFiniteDifference(t *testing.T) {
	nf := NewNeuralField(smallNeuralConfig())
	p := core.NewVec3(-0.4, 0.1, 0.33)

	nf.QueryBackward(p, 0, [FeatureDim]float64{1, 0, 0})
	checkGradsByFiniteDifference(t, nf, func() float64 { return nf.Query(p).Features[0] }, 24)
}

func TestNeuralOutsideBoundsIsEmpty(t *testing.T) {
	nf := NewNeuralField(smallNeuralConfig())
	s := nf.Query(core.NewVec3(2, 0, 0))
	assert.Zero(t, s.Density)

	nf.QueryBackward(core.NewVec3(2, 0, 0), 1, [FeatureDim]float64{})
	assert.Zero(t, nf.Params().GradNorm())
}

func sphereLattice(radius float64) *LatticeField {
	cfg := DefaultLatticeConfig()
	cfg.Resolution = 16
	lf := NewLatticeField(cfg)
	r := float64(cfg.Resolution - 1)
	for i := 0; i < cfg.Resolution; i++ {
		for j := 0; j < cfg.Resolution; j++ {
			for k := 0; k < cfg.Resolution; k++ {
				p := lf.Bounds().Lerp(float64(i)/r, float64(j)/r, float64(k)/r)
				lf.SetSDFValue(i, j, k, p.Length()-radius)
			}
		}
	}
	return lf
}

func TestLatticeDensityFollowsLogistic(t *testing.T) {
	lf := sphereLattice(0.5)
	cfg := lf.cfg

	deepInside := lf.Query(core.NewVec3(0, 0, 0)).Density
	farOutside := lf.Query(core.NewVec3(0.9, 0.9, 0.9)).Density
	assert.InDelta(t, cfg.DensityMax, deepInside, cfg.DensityMax*0.01)
	assert.Less(t, farOutside, cfg.DensityMax*0.01)

	// On the surface the logistic sits at its midpoint
	onSurface := lf.Query(core.NewVec3(0.5, 0, 0)).Density
	assert.InDelta(t, cfg.DensityMax/2, onSurface, cfg.DensityMax*0.1)
}

func TestLatticeDensityBackwardMatchesFiniteDifference(t *testing.T) {
	lf := sphereLattice(0.5)
	// Near the surface, where the logistic has slope
	p := core.NewVec3(0.48, 0.05, -0.03)

	lf.QueryBackward(p, 1.0, [FeatureDim]float64{})
	checkGradsByFiniteDifference(t, lf, func() float64 { return lf.Query(p).Density }, 8)
}

func TestLatticeOffsetClampOnRead(t *testing.T) {
	cfg := DefaultLatticeConfig()
	cfg.Resolution = 8
	lf := NewLatticeField(cfg)
	limit := lf.CellSize() * cfg.ClampFrac

	base := lf.VertexPosition(2, 2, 2)
	lf.offset.Values[lf.vertexIndex(2, 2, 2)*3] = 10 * limit
	moved := lf.VertexPosition(2, 2, 2)
	assert.InDelta(t, limit, moved.X-base.X, 1e-12)

	// Gradients are dropped for axes pinned at the clamp
	lf.AccumulateVertexGrads(2, 2, 2, core.NewVec3(1, 1, 1))
	oi := lf.vertexIndex(2, 2, 2) * 3
	assert.Zero(t, lf.offset.Grad[oi])
	assert.Equal(t, 1.0, lf.offset.Grad[oi+1])
	assert.Equal(t, 1.0, lf.offset.Grad[oi+2])
}

func TestLatticeClampsNonFiniteQueries(t *testing.T) {
	lf := sphereLattice(0.5)
	lf.SetSDFValue(8, 8, 8, math.NaN())

	s := lf.Query(core.NewVec3(0.05, 0.05, 0.05))
	assert.True(t, core.IsFinite(s.Density))
	assert.Greater(t, lf.ClampCount(), int64(0))
}

func TestConvertNeuralToLatticeSeedsLevelSet(t *testing.T) {
	nf := NewNeuralField(smallNeuralConfig())
	cfg := DefaultLatticeConfig()
	cfg.Resolution = 8
	threshold := 2.0

	lf, err := ConvertNeuralToLattice(nf, cfg, threshold)
	require.NoError(t, err)

	// Every lattice vertex carries the monotone density mapping, so the
	// sign of the seeded SDF encodes which side of the level set it is on.
	r := float64(cfg.Resolution - 1)
	for _, ijk := range [][3]int{{0, 0, 0}, {3, 4, 2}, {7, 7, 7}, {4, 4, 4}} {
		p := lf.Bounds().Lerp(float64(ijk[0])/r, float64(ijk[1])/r, float64(ijk[2])/r)
		s := nf.Query(p)
		want := (threshold - s.Density) / cfg.Sharpness
		assert.InDelta(t, want, lf.SDFValue(ijk[0], ijk[1], ijk[2]), 1e-12)
		assert.Equal(t, s.Features, lf.FeaturesAt(ijk[0], ijk[1], ijk[2]))
	}
}

func TestConvertNeuralToLatticeRejectsBadInputs(t *testing.T) {
	nf := NewNeuralField(smallNeuralConfig())

	_, err := ConvertNeuralToLattice(nf, DefaultLatticeConfig(), 0)
	assert.Error(t, err)

	cfg := DefaultLatticeConfig()
	cfg.BoundsHalf = 2.0
	_, err = ConvertNeuralToLattice(nf, cfg, 1.0)
	assert.Error(t, err)
}

func TestMeshFieldColorGradChainsThroughSigmoid(t *testing.T) {
	vertices := []core.Vec3{{X: 0}, {X: 1}, {Y: 1}}
	mf := NewMeshField(vertices, []int{0, 1, 2}, nil)

	// Raw zero color displays mid-gray
	assert.InDelta(t, 0.5, mf.VertexColor(0).X, 1e-12)

	mf.AccumulateColorGrad(0, core.NewVec3(1, 0, 0))
	// Sigmoid derivative at raw zero is 1/4
	assert.InDelta(t, 0.25, mf.Params().Block("mesh.colors").Grad[0], 1e-12)

	mf.AccumulatePositionGrad(1, core.NewVec3(0, 2, 0))
	assert.InDelta(t, 2.0, mf.Params().Block("mesh.positions").Grad[4], 1e-12)
}
