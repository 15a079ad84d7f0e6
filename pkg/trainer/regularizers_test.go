package trainer

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/df07/go-dream-distiller/pkg/core"
	"github.com/df07/go-dream-distiller/pkg/field"
	"github.com/df07/go-dream-distiller/pkg/renderer"
)

func halfOpaqueOutput() *renderer.RenderOutput {
	out := renderer.NewRenderOutput(4, 4)
	for i := range out.Alpha {
		out.Alpha[i] = 0.5
	}
	return out
}

func TestOpacityRegularizer(t *testing.T) {
	cfg := RegularizerConfig{OpacityWeight: 0.01}
	lf := field.NewLatticeField(field.DefaultLatticeConfig())
	out := halfOpaqueOutput()

	res := ApplyRegularizers(cfg, out, lf, core.NewSeededSampler(1))

	// Loss is weight times mean alpha; gradient is uniform weight/N
	assert.InDelta(t, 0.01*0.5, res.OpacityLoss, 1e-12)
	for _, d := range res.DAlpha {
		assert.InDelta(t, 0.01/16.0, d, 1e-12)
	}
}

func TestSmoothnessZeroOnUniformField(t *testing.T) {
	cfg := RegularizerConfig{SmoothnessWeight: 1.0, Probes: 32}
	// A fresh lattice is a constant signed distance everywhere, so density
	// differences between nearby probes vanish.
	lf := field.NewLatticeField(field.DefaultLatticeConfig())

	res := ApplyRegularizers(cfg, renderer.NewRenderOutput(2, 2), lf, core.NewSeededSampler(1))
	assert.InDelta(t, 0, res.SmoothnessLoss, 1e-9)
	assert.InDelta(t, 0, lf.Params().GradNorm(), 1e-9)
}

func TestOccupancyRegularizerPushesDensityDown(t *testing.T) {
	cfg := RegularizerConfig{OccupancyWeight: 0.1, Probes: 64}
	lc := field.DefaultLatticeConfig()
	lf := field.NewLatticeField(lc)
	// Carve an occupied region so probes find density
	for i := 0; i < lc.Resolution; i++ {
		for j := 0; j < lc.Resolution; j++ {
			for k := 0; k < lc.Resolution; k++ {
				lf.SetSDFValue(i, j, k, -0.1)
			}
		}
	}

	res := ApplyRegularizers(cfg, renderer.NewRenderOutput(2, 2), lf, core.NewSeededSampler(1))
	assert.Greater(t, res.OccupancyLoss, 0.0)
	assert.Greater(t, lf.Params().GradNorm(), 0.0)

	// A positive density gradient steps the optimizer toward less density
	sdf := lf.Params().Block("lattice.sdf")
	sum := 0.0
	for _, g := range sdf.Grad {
		sum += g
	}
	assert.NotZero(t, sum)
}

func TestRegularizersDisabledByZeroWeights(t *testing.T) {
	lf := field.NewLatticeField(field.DefaultLatticeConfig())
	res := ApplyRegularizers(RegularizerConfig{Probes: 16}, halfOpaqueOutput(), lf, core.NewSeededSampler(1))

	assert.Nil(t, res.DAlpha)
	assert.Zero(t, res.Total())
	assert.Zero(t, lf.Params().GradNorm())
}
