package field

import (
	"github.com/df07/go-dream-distiller/pkg/core"
)

// MeshField is the explicit late-stage representation: vertex positions and
// per-vertex colors optimized directly, rendered through the rasterization
// path. It has no volumetric query.
type MeshField struct {
	clampCounter
	bounds    core.AABB
	store     *core.ParamStore
	positions *core.ParamBlock // 3 per vertex
	colors    *core.ParamBlock // 3 per vertex, pre-sigmoid
	faces     []int
}

// NewMeshField wraps fixed connectivity around optimizable vertex data.
// colors are raw (pre-sigmoid) values; pass nil to start mid-gray.
func NewMeshField(vertices []core.Vec3, faces []int, colors []core.Vec3) *MeshField {
	store := core.NewParamStore()
	mf := &MeshField{
		store:     store,
		positions: store.Register("mesh.positions", 3*len(vertices), 0.1),
		colors:    store.Register("mesh.colors", 3*len(vertices), 1.0),
		faces:     append([]int(nil), faces...),
	}

	bounds := core.NewAABB(core.Vec3{}, core.Vec3{})
	for i, v := range vertices {
		mf.positions.Values[i*3] = v.X
		mf.positions.Values[i*3+1] = v.Y
		mf.positions.Values[i*3+2] = v.Z
		if i == 0 {
			bounds = core.NewAABB(v, v)
		} else {
			bounds = bounds.Union(core.NewAABB(v, v))
		}
	}
	mf.bounds = bounds

	for i := range vertices {
		c := core.Vec3{}
		if colors != nil {
			c = colors[i]
		}
		mf.colors.Values[i*3] = c.X
		mf.colors.Values[i*3+1] = c.Y
		mf.colors.Values[i*3+2] = c.Z
	}
	return mf
}

func (mf *MeshField) Variant() Variant         { return VariantMesh }
func (mf *MeshField) Bounds() core.AABB        { return mf.bounds }
func (mf *MeshField) Params() *core.ParamStore { return mf.store }
func (mf *MeshField) Faces() []int             { return mf.faces }
func (mf *MeshField) NumVertices() int         { return len(mf.positions.Values) / 3 }

// Query returns an empty sample: the explicit mesh has no volumetric field
func (mf *MeshField) Query(core.Vec3) Sample { return Sample{} }

// QueryBackward is a no-op for the explicit mesh
func (mf *MeshField) QueryBackward(core.Vec3, float64, [FeatureDim]float64) {}

// Normal has no volumetric definition for the explicit mesh; face normals
// come from the rasterizer instead.
func (mf *MeshField) Normal(core.Vec3) core.Vec3 { return core.Vec3{} }

// Vertex returns the current position of vertex i
func (mf *MeshField) Vertex(i int) core.Vec3 {
	return core.NewVec3(
		mf.positions.Values[i*3],
		mf.positions.Values[i*3+1],
		mf.positions.Values[i*3+2],
	)
}

// VertexColor returns the displayed (sigmoid-squashed) color of vertex i
func (mf *MeshField) VertexColor(i int) core.Vec3 {
	return core.NewVec3(
		sigmoid(mf.colors.Values[i*3]),
		sigmoid(mf.colors.Values[i*3+1]),
		sigmoid(mf.colors.Values[i*3+2]),
	)
}

// AccumulatePositionGrad adds d(loss)/d(position) for vertex i
func (mf *MeshField) AccumulatePositionGrad(i int, dPos core.Vec3) {
	mf.positions.Grad[i*3] += dPos.X
	mf.positions.Grad[i*3+1] += dPos.Y
	mf.positions.Grad[i*3+2] += dPos.Z
}

// AccumulateColorGrad adds d(loss)/d(displayed color) for vertex i,
// chaining through the sigmoid.
func (mf *MeshField) AccumulateColorGrad(i int, dColor core.Vec3) {
	d := [3]float64{dColor.X, dColor.Y, dColor.Z}
	for c := 0; c < 3; c++ {
		out := sigmoid(mf.colors.Values[i*3+c])
		mf.colors.Grad[i*3+c] += d[c] * sigmoidDerivFromOut(out)
	}
}
