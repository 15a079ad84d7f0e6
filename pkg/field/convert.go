package field

import (
	"fmt"

	"github.com/df07/go-dream-distiller/pkg/core"
)

// ConvertNeuralToLattice seeds a lattice field from a trained volumetric
// field. The lattice SDF is zero exactly where the sampled density crosses
// the threshold, so the enclosed surface carries over; appearance features
// transfer by direct query at each lattice vertex.
//
// The mapping density -> sdf is (threshold - density) / sharpness: any
// monotone mapping with a zero at the threshold preserves the level set,
// and dividing by the sharpness keeps early lattice gradients on the same
// scale the logistic density expects.
func ConvertNeuralToLattice(nf *NeuralField, cfg LatticeConfig, threshold float64) (*LatticeField, error) {
	if threshold <= 0 {
		return nil, fmt.Errorf("conversion threshold must be positive, got %g", threshold)
	}
	if cfg.BoundsHalf != nf.cfg.BoundsHalf {
		return nil, fmt.Errorf("lattice bounds half %g does not match source field %g",
			cfg.BoundsHalf, nf.cfg.BoundsHalf)
	}

	lf := NewLatticeField(cfg)
	r := cfg.Resolution
	denom := float64(r - 1)

	for i := 0; i < r; i++ {
		for j := 0; j < r; j++ {
			for k := 0; k < r; k++ {
				p := lf.bounds.Lerp(float64(i)/denom, float64(j)/denom, float64(k)/denom)
				s := nf.Query(p)
				lf.SetSDFValue(i, j, k, (threshold-s.Density)/cfg.Sharpness)
				lf.SetFeatures(i, j, k, s.Features)
			}
		}
	}
	return lf, nil
}

// DensityQuerier is satisfied by variants with a meaningful volumetric
// density (neural and lattice); the occupancy grid and the extractor work
// against it instead of concrete types.
type DensityQuerier interface {
	DensityAt(p core.Vec3) float64
	Bounds() core.AABB
}
