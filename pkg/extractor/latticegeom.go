package extractor

import (
	"math"

	"github.com/df07/go-dream-distiller/pkg/core"
	"github.com/df07/go-dream-distiller/pkg/field"
)

// LatticeGeometry is the differentiable bridge between the deformable
// lattice and the rasterizer: it extracts the lattice's current surface,
// serves its triangles and vertex colors, and routes rasterizer gradients
// back into the lattice SDF, offset and feature parameters.
//
// The extracted connectivity is treated as fixed within one training step.
// Rebuild after each optimizer update; the crossing parameters and vertex
// positions are what carry gradients, not the topology.
type LatticeGeometry struct {
	lattice  *field.LatticeField
	mesh     *Mesh
	origins  []VertexOrigin
	vertFeat [][field.FeatureDim]float64 // interpolated features per vertex
}

// NewLatticeGeometry extracts the lattice surface and prepares the adapter
func NewLatticeGeometry(lf *field.LatticeField) (*LatticeGeometry, error) {
	g := &LatticeGeometry{lattice: lf}
	if err := g.Rebuild(); err != nil {
		return nil, err
	}
	return g, nil
}

// Rebuild re-extracts the surface from the lattice's current parameters
func (g *LatticeGeometry) Rebuild() error {
	mesh, origins, err := ExtractLattice(g.lattice, false)
	if err != nil {
		return err
	}
	g.mesh = mesh
	g.origins = origins

	g.vertFeat = make([][field.FeatureDim]float64, len(origins))
	for vi, o := range origins {
		fa := g.lattice.FeaturesAt(o.A[0], o.A[1], o.A[2])
		fb := g.lattice.FeaturesAt(o.B[0], o.B[1], o.B[2])
		for c := 0; c < field.FeatureDim; c++ {
			g.vertFeat[vi][c] = (1-o.T)*fa[c] + o.T*fb[c]
		}
	}
	return nil
}

// Mesh returns the current extracted surface
func (g *LatticeGeometry) Mesh() *Mesh { return g.mesh }

func (g *LatticeGeometry) NumTriangles() int { return g.mesh.NumTriangles() }

func (g *LatticeGeometry) Triangle(i int) (core.Vec3, core.Vec3, core.Vec3) {
	f := g.mesh.Faces
	return g.mesh.Vertices[f[i*3]], g.mesh.Vertices[f[i*3+1]], g.mesh.Vertices[f[i*3+2]]
}

func (g *LatticeGeometry) Colors(i int) (core.Vec3, core.Vec3, core.Vec3) {
	f := g.mesh.Faces
	return g.vertexColor(f[i*3]), g.vertexColor(f[i*3+1]), g.vertexColor(f[i*3+2])
}

// vertexColor maps the vertex's interpolated features to RGB through a
// sigmoid, matching the unlit material's albedo mapping.
func (g *LatticeGeometry) vertexColor(vi int) core.Vec3 {
	f := g.vertFeat[vi]
	return core.NewVec3(extSigmoid(f[0]), extSigmoid(f[1]), extSigmoid(f[2]))
}

// AccumulateGrads routes per-corner position and color gradients from the
// rasterizer into the lattice parameters.
//
// Each extracted vertex is p = pa + t (pb - pa) on one lattice edge, with
// t = va / (va - vb) in inside-positive values. Position gradients split
// between the two deformed endpoints by the lever rule and reach the stored
// SDF values through dt. Color gradients reach the endpoint features through
// the sigmoid and the same lever rule; the feature drift through t is
// dropped along with the other away-from-edge attribute terms.
func (g *LatticeGeometry) AccumulateGrads(i int, dPos [3]core.Vec3, dColor [3]core.Vec3) {
	f := g.mesh.Faces
	for k := 0; k < 3; k++ {
		vi := f[i*3+k]
		o := &g.origins[vi]

		if dPos[k] != (core.Vec3{}) {
			g.lattice.AccumulateVertexGrads(o.A[0], o.A[1], o.A[2], dPos[k].Multiply(1-o.T))
			g.lattice.AccumulateVertexGrads(o.B[0], o.B[1], o.B[2], dPos[k].Multiply(o.T))

			pa := g.lattice.VertexPosition(o.A[0], o.A[1], o.A[2])
			pb := g.lattice.VertexPosition(o.B[0], o.B[1], o.B[2])
			dLdT := dPos[k].Dot(pb.Subtract(pa))

			// t = va/(va-vb); stored SDF is the negated inside value
			denom := o.VA - o.VB
			if math.Abs(denom) > 1e-12 {
				inv2 := 1 / (denom * denom)
				dLdVA := dLdT * -o.VB * inv2
				dLdVB := dLdT * o.VA * inv2
				g.lattice.AccumulateSDFGrad(o.A[0], o.A[1], o.A[2], -dLdVA)
				g.lattice.AccumulateSDFGrad(o.B[0], o.B[1], o.B[2], -dLdVB)
			}
		}

		if dColor[k] != (core.Vec3{}) {
			feat := g.vertFeat[vi]
			d := [3]float64{dColor[k].X, dColor[k].Y, dColor[k].Z}
			var dFeatA, dFeatB [field.FeatureDim]float64
			for c := 0; c < field.FeatureDim; c++ {
				s := extSigmoid(feat[c])
				dF := d[c] * s * (1 - s)
				dFeatA[c] = dF * (1 - o.T)
				dFeatB[c] = dF * o.T
			}
			g.lattice.AccumulateFeatureGrad(o.A[0], o.A[1], o.A[2], dFeatA)
			g.lattice.AccumulateFeatureGrad(o.B[0], o.B[1], o.B[2], dFeatB)
		}
	}
}

func extSigmoid(x float64) float64 {
	if x >= 0 {
		return 1 / (1 + math.Exp(-x))
	}
	e := math.Exp(x)
	return e / (1 + e)
}
