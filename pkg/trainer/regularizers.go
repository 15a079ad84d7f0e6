package trainer

import (
	"github.com/df07/go-dream-distiller/pkg/core"
	"github.com/df07/go-dream-distiller/pkg/field"
	"github.com/df07/go-dream-distiller/pkg/renderer"
)

// RegularizerConfig weights the auxiliary losses; a zero weight disables
// the corresponding term entirely.
type RegularizerConfig struct {
	OpacityWeight    float64 // pushes accumulated pixel opacity down
	SmoothnessWeight float64 // penalizes density variation between nearby points
	OccupancyWeight  float64 // penalizes density mass over random space probes
	Probes           int     // spatial probe count for the field-space terms
}

// DefaultRegularizerConfig returns sensible default values
func DefaultRegularizerConfig() RegularizerConfig {
	return RegularizerConfig{
		OpacityWeight:    1e-3,
		SmoothnessWeight: 0,
		OccupancyWeight:  0,
		Probes:           64,
	}
}

// RegularizerResult reports the per-term losses of one application.
// DAlpha is the pixel opacity gradient to merge into the render backward
// pass; the field-space terms accumulate into the field directly.
type RegularizerResult struct {
	OpacityLoss    float64
	SmoothnessLoss float64
	OccupancyLoss  float64
	DAlpha         []float64
}

// Total returns the summed auxiliary loss for logging
func (r *RegularizerResult) Total() float64 {
	return r.OpacityLoss + r.SmoothnessLoss + r.OccupancyLoss
}

// ApplyRegularizers evaluates the enabled auxiliary losses and accumulates
// their gradients. Opacity flows back through the renderer via DAlpha;
// smoothness and occupancy probe the field volume directly.
func ApplyRegularizers(cfg RegularizerConfig, out *renderer.RenderOutput, f field.Field, sampler core.Sampler) *RegularizerResult {
	result := &RegularizerResult{}

	if cfg.OpacityWeight > 0 {
		n := float64(len(out.Alpha))
		result.DAlpha = make([]float64, len(out.Alpha))
		sum := 0.0
		for i, a := range out.Alpha {
			sum += a
			result.DAlpha[i] = cfg.OpacityWeight / n
		}
		result.OpacityLoss = cfg.OpacityWeight * sum / n
	}

	if cfg.SmoothnessWeight > 0 && cfg.Probes > 0 {
		result.SmoothnessLoss = applySmoothness(cfg, f, sampler)
	}
	if cfg.OccupancyWeight > 0 && cfg.Probes > 0 {
		result.OccupancyLoss = applyOccupancy(cfg, f, sampler)
	}
	return result
}

// applySmoothness penalizes squared density differences across a small
// random offset, pushing the field toward locally coherent surfaces.
func applySmoothness(cfg RegularizerConfig, f field.Field, sampler core.Sampler) float64 {
	bounds := f.Bounds()
	eps := bounds.Size().X * 0.01
	n := float64(cfg.Probes)
	loss := 0.0

	for i := 0; i < cfg.Probes; i++ {
		p := bounds.Lerp(sampler.Get1D(), sampler.Get1D(), sampler.Get1D())
		dir := core.NewVec3(sampler.Normal(), sampler.Normal(), sampler.Normal())
		if dir.LengthSquared() == 0 {
			continue
		}
		q := p.Add(dir.Normalize().Multiply(eps))
		if !bounds.Contains(q) {
			continue
		}

		diff := f.Query(p).Density - f.Query(q).Density
		loss += cfg.SmoothnessWeight * diff * diff / n

		g := cfg.SmoothnessWeight * 2 * diff / n
		f.QueryBackward(p, g, [field.FeatureDim]float64{})
		f.QueryBackward(q, -g, [field.FeatureDim]float64{})
	}
	return loss
}

// applyOccupancy penalizes mean density over uniform space probes,
// starving regions the renders never support.
func applyOccupancy(cfg RegularizerConfig, f field.Field, sampler core.Sampler) float64 {
	bounds := f.Bounds()
	n := float64(cfg.Probes)
	loss := 0.0

	for i := 0; i < cfg.Probes; i++ {
		p := bounds.Lerp(sampler.Get1D(), sampler.Get1D(), sampler.Get1D())
		loss += cfg.OccupancyWeight * f.Query(p).Density / n
		f.QueryBackward(p, cfg.OccupancyWeight/n, [field.FeatureDim]float64{})
	}
	return loss
}
