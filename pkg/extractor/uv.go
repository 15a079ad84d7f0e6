package extractor

import (
	"math"

	"github.com/df07/go-dream-distiller/pkg/core"
)

// ComputeBoxUVs assigns per-vertex texture coordinates by box projection:
// each vertex projects onto the axis plane most aligned with its normal,
// normalized by the mesh bounds. Seams land where the dominant axis flips,
// which is acceptable for generated assets headed into a texturing pass.
func ComputeBoxUVs(m *Mesh) {
	if len(m.Vertices) == 0 {
		return
	}
	if len(m.Normals) != len(m.Vertices) {
		m.ComputeNormals()
	}

	bounds := m.BoundingBox()
	size := bounds.Size()
	inv := core.NewVec3(safeInv(size.X), safeInv(size.Y), safeInv(size.Z))

	m.UVs = make([]core.Vec2, len(m.Vertices))
	for i, v := range m.Vertices {
		rel := v.Subtract(bounds.Min).MultiplyVec(inv)
		n := m.Normals[i].Abs()
		switch {
		case n.X >= n.Y && n.X >= n.Z:
			m.UVs[i] = core.NewVec2(rel.Y, rel.Z)
		case n.Y >= n.Z:
			m.UVs[i] = core.NewVec2(rel.X, rel.Z)
		default:
			m.UVs[i] = core.NewVec2(rel.X, rel.Y)
		}
	}
}

func safeInv(x float64) float64 {
	if math.Abs(x) < 1e-12 {
		return 0
	}
	return 1 / x
}
