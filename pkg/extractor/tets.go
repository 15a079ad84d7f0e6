package extractor

import (
	"fmt"

	"golang.org/x/sync/errgroup"

	"github.com/df07/go-dream-distiller/pkg/core"
	"github.com/df07/go-dream-distiller/pkg/field"
)

// Marching tetrahedra: each grid cell splits into six tetrahedra around the
// 0-6 diagonal, and each tetrahedron contributes up to two triangles where
// the inside/outside sign pattern of its corners crosses the level set.
// Unlike cube-based tables there are no ambiguous cases, so the surface is
// watertight and connectivity is deterministic for a fixed field, threshold
// and resolution.

var cubeCorners = [8][3]int{
	{0, 0, 0}, {1, 0, 0}, {1, 1, 0}, {0, 1, 0},
	{0, 0, 1}, {1, 0, 1}, {1, 1, 1}, {0, 1, 1},
}

var cubeTets = [6][4]int{
	{0, 5, 1, 6}, {0, 1, 2, 6}, {0, 2, 3, 6},
	{0, 3, 7, 6}, {0, 7, 4, 6}, {0, 4, 5, 6},
}

// VertexOrigin records which lattice edge produced an extracted vertex and
// the interpolation parameter along it, in inside-positive values. The
// rasterizer's backward pass uses it to chain vertex gradients into lattice
// parameters.
type VertexOrigin struct {
	A, B   [3]int  // lattice coordinates of the edge endpoints
	T      float64 // crossing parameter from A to B
	VA, VB float64 // inside-positive field values at the endpoints
}

// meshBuilder accumulates triangles with shared-edge vertex deduplication.
// Vertices append in first-encounter order under a fixed cell scan, keeping
// counts and connectivity deterministic.
type meshBuilder struct {
	mesh      *Mesh
	edgeVerts map[[2]int]int
	origins   []VertexOrigin
	trackOrig bool
}

func newMeshBuilder(trackOrigins bool) *meshBuilder {
	return &meshBuilder{
		mesh:      &Mesh{},
		edgeVerts: make(map[[2]int]int),
		trackOrig: trackOrigins,
	}
}

// edgeVertex returns the mesh vertex on the grid edge (ga, gb), creating it
// at the sign crossing if needed. Endpoint order is normalized so both
// orientations of an edge share one vertex.
func (b *meshBuilder) edgeVertex(ga, gb int, va, vb float64, pa, pb core.Vec3, ca, cb [3]int) int {
	if ga > gb {
		ga, gb = gb, ga
		va, vb = vb, va
		pa, pb = pb, pa
		ca, cb = cb, ca
	}
	key := [2]int{ga, gb}
	if vi, ok := b.edgeVerts[key]; ok {
		return vi
	}

	t := va / (va - vb)
	vi := len(b.mesh.Vertices)
	b.mesh.Vertices = append(b.mesh.Vertices, pa.Add(pb.Subtract(pa).Multiply(t)))
	if b.trackOrig {
		b.origins = append(b.origins, VertexOrigin{A: ca, B: cb, T: t, VA: va, VB: vb})
	}
	b.edgeVerts[key] = vi
	return vi
}

// addTriangle appends a triangle oriented so its normal points from the
// inside region toward the outside.
func (b *meshBuilder) addTriangle(i0, i1, i2 int, inCentroid, outCentroid core.Vec3) {
	v0 := b.mesh.Vertices[i0]
	v1 := b.mesh.Vertices[i1]
	v2 := b.mesh.Vertices[i2]
	normal := v1.Subtract(v0).Cross(v2.Subtract(v0))
	if normal.Dot(outCentroid.Subtract(inCentroid)) < 0 {
		i1, i2 = i2, i1
	}
	b.mesh.Faces = append(b.mesh.Faces, i0, i1, i2)
}

// tetCorner bundles everything polygonizeTet needs about one corner
type tetCorner struct {
	global int
	coord  [3]int
	value  float64
	pos    core.Vec3
}

// polygonizeTet emits the level-set triangles for one tetrahedron.
// Values are inside-positive; the crossing sits at zero.
func (b *meshBuilder) polygonizeTet(c [4]tetCorner) {
	var inside, outside []int
	for i := 0; i < 4; i++ {
		if c[i].value > 0 {
			inside = append(inside, i)
		} else {
			outside = append(outside, i)
		}
	}
	if len(inside) == 0 || len(inside) == 4 {
		return
	}

	centroid := func(ids []int) core.Vec3 {
		var sum core.Vec3
		for _, i := range ids {
			sum = sum.Add(c[i].pos)
		}
		return sum.Multiply(1 / float64(len(ids)))
	}
	inC, outC := centroid(inside), centroid(outside)

	edge := func(i, j int) int {
		return b.edgeVertex(c[i].global, c[j].global, c[i].value, c[j].value,
			c[i].pos, c[j].pos, c[i].coord, c[j].coord)
	}

	switch len(inside) {
	case 1:
		a := inside[0]
		b.addTriangle(edge(a, outside[0]), edge(a, outside[1]), edge(a, outside[2]), inC, outC)
	case 3:
		a := outside[0]
		b.addTriangle(edge(inside[0], a), edge(inside[1], a), edge(inside[2], a), inC, outC)
	case 2:
		i0, i1 := inside[0], inside[1]
		o0, o1 := outside[0], outside[1]
		q00 := edge(i0, o0)
		q01 := edge(i0, o1)
		q10 := edge(i1, o0)
		q11 := edge(i1, o1)
		b.addTriangle(q00, q01, q11, inC, outC)
		b.addTriangle(q00, q11, q10, inC, outC)
	}
}

// marchGrid runs the tetrahedra over a vertex grid of n^3 values.
// position and value index lattice coordinates (i, j, k) in [0, n).
func marchGrid(n int, value func(i, j, k int) float64, position func(i, j, k int) core.Vec3, trackOrigins bool) (*Mesh, []VertexOrigin) {
	b := newMeshBuilder(trackOrigins)
	globalID := func(i, j, k int) int { return (i*n+j)*n + k }

	for i := 0; i < n-1; i++ {
		for j := 0; j < n-1; j++ {
			for k := 0; k < n-1; k++ {
				var cell [8]tetCorner
				for ci, off := range cubeCorners {
					x, y, z := i+off[0], j+off[1], k+off[2]
					cell[ci] = tetCorner{
						global: globalID(x, y, z),
						coord:  [3]int{x, y, z},
						value:  value(x, y, z),
						pos:    position(x, y, z),
					}
				}
				for _, tet := range cubeTets {
					b.polygonizeTet([4]tetCorner{cell[tet[0]], cell[tet[1]], cell[tet[2]], cell[tet[3]]})
				}
			}
		}
	}
	return b.mesh, b.origins
}

// ExtractDensity isosurfaces a density field at the given threshold on a
// dense grid of resolution^3 cells over the field bounds. The threshold is
// a caller-owned tunable: too low bloats the surface, too high opens holes,
// and neither is corrected here.
func ExtractDensity(q field.DensityQuerier, resolution int, threshold float64, computeUVs bool) (*Mesh, error) {
	if resolution < 2 {
		return nil, fmt.Errorf("extraction resolution must be at least 2, got %d", resolution)
	}
	if threshold <= 0 {
		return nil, fmt.Errorf("extraction threshold must be positive, got %g", threshold)
	}

	n := resolution + 1
	bounds := q.Bounds()
	denom := float64(resolution)
	position := func(i, j, k int) core.Vec3 {
		return bounds.Lerp(float64(i)/denom, float64(j)/denom, float64(k)/denom)
	}

	// Sample the grid in parallel slabs; queries are read-only
	values := make([]float64, n*n*n)
	var g errgroup.Group
	for i := 0; i < n; i++ {
		slab := i
		g.Go(func() error {
			for j := 0; j < n; j++ {
				for k := 0; k < n; k++ {
					d := q.DensityAt(position(slab, j, k))
					if !core.IsFinite(d) {
						d = 0
					}
					values[(slab*n+j)*n+k] = d - threshold
				}
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	mesh, _ := marchGrid(n,
		func(i, j, k int) float64 { return values[(i*n+j)*n+k] },
		position, false)
	mesh.ComputeNormals()
	if computeUVs {
		ComputeBoxUVs(mesh)
	}
	return mesh, nil
}

// ExtractLattice isosurfaces the lattice's SDF zero set directly on its own
// deformed vertices, with no separate sampling grid. Origins map every
// extracted vertex back to its lattice edge for the differentiable path.
func ExtractLattice(lf *field.LatticeField, computeUVs bool) (*Mesh, []VertexOrigin, error) {
	n := lf.Resolution()
	if n < 2 {
		return nil, nil, fmt.Errorf("lattice resolution must be at least 2, got %d", n)
	}

	mesh, origins := marchGrid(n,
		func(i, j, k int) float64 { return -lf.SDFValue(i, j, k) },
		func(i, j, k int) core.Vec3 { return lf.VertexPosition(i, j, k) },
		true)
	mesh.ComputeNormals()
	if computeUVs {
		ComputeBoxUVs(mesh)
	}
	return mesh, origins, nil
}
