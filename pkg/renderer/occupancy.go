package renderer

import (
	"math"

	"github.com/df07/go-dream-distiller/pkg/core"
	"github.com/df07/go-dream-distiller/pkg/field"
)

// OccupancyGrid is a coarse conservative record of where the field holds
// density, used to skip empty space during ray marching. Skipping is an
// optimization only: a cell is skippable strictly when its recorded maximum
// density sits below the configured threshold, and until the first Refresh
// every cell counts as occupied.
type OccupancyGrid struct {
	bounds     core.AABB
	res        int
	threshold  float64
	maxDensity []float64
	refreshed  bool
}

// NewOccupancyGrid creates a grid over the given bounds
func NewOccupancyGrid(bounds core.AABB, res int, threshold float64) *OccupancyGrid {
	return &OccupancyGrid{
		bounds:     bounds,
		res:        res,
		threshold:  threshold,
		maxDensity: make([]float64, res*res*res),
	}
}

// Threshold returns the configured skip threshold
func (g *OccupancyGrid) Threshold() float64 { return g.threshold }

// Refresh re-estimates per-cell maximum density by sampling the field at
// the cell corners, center and a few jittered interior points. The max is
// kept conservative by decaying rather than clearing the previous value.
func (g *OccupancyGrid) Refresh(q field.DensityQuerier, jitterSamples int, sampler core.Sampler) {
	cell := g.bounds.Size().Multiply(1 / float64(g.res))
	for ix := 0; ix < g.res; ix++ {
		for iy := 0; iy < g.res; iy++ {
			for iz := 0; iz < g.res; iz++ {
				idx := (ix*g.res+iy)*g.res + iz
				lo := g.bounds.Min.Add(core.NewVec3(
					cell.X*float64(ix), cell.Y*float64(iy), cell.Z*float64(iz)))

				// Previous estimate decays instead of vanishing so a cell
				// never flips to skippable on one unlucky sample set.
				maxD := g.maxDensity[idx] * 0.9

				for dx := 0; dx <= 1; dx++ {
					for dy := 0; dy <= 1; dy++ {
						for dz := 0; dz <= 1; dz++ {
							p := lo.Add(core.NewVec3(cell.X*float64(dx), cell.Y*float64(dy), cell.Z*float64(dz)))
							maxD = math.Max(maxD, q.DensityAt(p))
						}
					}
				}
				maxD = math.Max(maxD, q.DensityAt(lo.Add(cell.Multiply(0.5))))
				for s := 0; s < jitterSamples; s++ {
					j := sampler.Get3D()
					p := lo.Add(core.NewVec3(cell.X*j.X, cell.Y*j.Y, cell.Z*j.Z))
					maxD = math.Max(maxD, q.DensityAt(p))
				}

				g.maxDensity[idx] = maxD
			}
		}
	}
	g.refreshed = true
}

// Occupied reports whether samples at p may carry density worth querying.
// Points outside the grid are empty by definition of the field bounds.
func (g *OccupancyGrid) Occupied(p core.Vec3) bool {
	if !g.refreshed {
		return true
	}
	if !g.bounds.Contains(p) {
		return false
	}
	u := g.bounds.Normalized(p)
	ix := cellIndex(u.X, g.res)
	iy := cellIndex(u.Y, g.res)
	iz := cellIndex(u.Z, g.res)
	return g.maxDensity[(ix*g.res+iy)*g.res+iz] >= g.threshold
}

// OccupiedFraction returns the fraction of cells above the threshold
func (g *OccupancyGrid) OccupiedFraction() float64 {
	if !g.refreshed {
		return 1
	}
	count := 0
	for _, d := range g.maxDensity {
		if d >= g.threshold {
			count++
		}
	}
	return float64(count) / float64(len(g.maxDensity))
}

func cellIndex(u float64, res int) int {
	i := int(u * float64(res))
	if i < 0 {
		return 0
	}
	if i >= res {
		return res - 1
	}
	return i
}
