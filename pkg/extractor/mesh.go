// Package extractor converts implicit fields into explicit triangle meshes
// by marching-tetrahedra isosurfacing, either over a dense sampling grid or
// directly on a deformable lattice's own vertices.
package extractor

import (
	"github.com/df07/go-dream-distiller/pkg/core"
)

// Mesh is an extracted triangle surface. Faces store three vertex indices
// per triangle with consistent outward winding. Normals, UVs and colors are
// optional; exporters pick the format from what is present.
type Mesh struct {
	Vertices []core.Vec3
	Faces    []int
	Normals  []core.Vec3 // per-vertex, optional
	UVs      []core.Vec2 // per-vertex, optional
	Colors   []core.Vec3 // per-vertex, optional
}

// NumVertices returns the vertex count
func (m *Mesh) NumVertices() int { return len(m.Vertices) }

// NumTriangles returns the triangle count
func (m *Mesh) NumTriangles() int { return len(m.Faces) / 3 }

// BoundingBox returns the mesh bounds
func (m *Mesh) BoundingBox() core.AABB {
	if len(m.Vertices) == 0 {
		return core.AABB{}
	}
	box := core.NewAABB(m.Vertices[0], m.Vertices[0])
	for _, v := range m.Vertices[1:] {
		box = box.Union(core.NewAABB(v, v))
	}
	return box
}

// SignedVolume integrates the enclosed volume by the divergence theorem.
// Positive for a closed surface with outward winding; the magnitude backs
// the conversion-tolerance and threshold-monotonicity checks.
func (m *Mesh) SignedVolume() float64 {
	volume := 0.0
	for i := 0; i < len(m.Faces); i += 3 {
		v0 := m.Vertices[m.Faces[i]]
		v1 := m.Vertices[m.Faces[i+1]]
		v2 := m.Vertices[m.Faces[i+2]]
		volume += v0.Dot(v1.Cross(v2)) / 6
	}
	return volume
}

// ComputeNormals fills per-vertex normals as area-weighted face normal
// averages. Face cross products are proportional to area, so summing the
// raw cross products weights larger faces more.
func (m *Mesh) ComputeNormals() {
	m.Normals = make([]core.Vec3, len(m.Vertices))
	for i := 0; i < len(m.Faces); i += 3 {
		i0, i1, i2 := m.Faces[i], m.Faces[i+1], m.Faces[i+2]
		faceNormal := m.Vertices[i1].Subtract(m.Vertices[i0]).
			Cross(m.Vertices[i2].Subtract(m.Vertices[i0]))
		m.Normals[i0] = m.Normals[i0].Add(faceNormal)
		m.Normals[i1] = m.Normals[i1].Add(faceNormal)
		m.Normals[i2] = m.Normals[i2].Add(faceNormal)
	}
	for i := range m.Normals {
		if m.Normals[i].LengthSquared() > 0 {
			m.Normals[i] = m.Normals[i].Normalize()
		}
	}
}
