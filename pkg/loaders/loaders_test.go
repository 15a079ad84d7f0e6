package loaders

import (
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/df07/go-dream-distiller/pkg/core"
	"github.com/df07/go-dream-distiller/pkg/extractor"
)

// testMesh builds a small tetrahedron with every optional attribute set
func testMesh() *extractor.Mesh {
	m := &extractor.Mesh{
		Vertices: []core.Vec3{
			core.NewVec3(0, 0, 0),
			core.NewVec3(1, 0, 0),
			core.NewVec3(0, 1, 0),
			core.NewVec3(0, 0, 1),
		},
		// Corner order introduces vertices 0..3 in sequence, so the OBJ
		// reader's re-indexing reproduces the original layout
		Faces: []int{0, 1, 2, 0, 1, 3, 0, 2, 3, 1, 2, 3},
		Colors: []core.Vec3{
			core.NewVec3(0.1, 0.2, 0.3),
			core.NewVec3(0.4, 0.5, 0.6),
			core.NewVec3(0.7, 0.8, 0.9),
			core.NewVec3(0.25, 0.5, 0.75),
		},
	}
	m.ComputeNormals()
	extractor.ComputeBoxUVs(m)
	return m
}

func TestPLYRoundTrip(t *testing.T) {
	m := testMesh()
	path := filepath.Join(t.TempDir(), "mesh.ply")
	require.NoError(t, SavePLY(m, path))

	loaded, err := LoadPLY(path)
	require.NoError(t, err)

	require.Equal(t, m.NumVertices(), loaded.NumVertices())
	require.Equal(t, m.NumTriangles(), loaded.NumTriangles())
	assert.Equal(t, m.Faces, loaded.Faces)

	for i := range m.Vertices {
		assertVec3Close(t, m.Vertices[i], loaded.Vertices[i], 1e-6)
		assertVec3Close(t, m.Normals[i], loaded.Normals[i], 1e-6)
		// Colors pass through 8-bit quantization
		assertVec3Close(t, m.Colors[i], loaded.Colors[i], 1.0/255+1e-9)
		assert.InDelta(t, m.UVs[i].X, loaded.UVs[i].X, 1e-6)
		assert.InDelta(t, m.UVs[i].Y, loaded.UVs[i].Y, 1e-6)
	}
}

func TestPLYRoundTripPositionsOnly(t *testing.T) {
	m := &extractor.Mesh{
		Vertices: []core.Vec3{
			core.NewVec3(-0.5, 0.25, 1.5),
			core.NewVec3(0.5, -0.25, -1.5),
			core.NewVec3(0, 1, 0),
		},
		Faces: []int{0, 1, 2},
	}
	path := filepath.Join(t.TempDir(), "bare.ply")
	require.NoError(t, SavePLY(m, path))

	loaded, err := LoadPLY(path)
	require.NoError(t, err)
	require.Equal(t, 3, loaded.NumVertices())
	require.Equal(t, 1, loaded.NumTriangles())
	assert.Empty(t, loaded.Normals)
	assert.Empty(t, loaded.Colors)
	assert.Empty(t, loaded.UVs)
}

func TestLoadPLYRejectsASCII(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ascii.ply")
	content := "ply\nformat ascii 1.0\nelement vertex 0\nelement face 0\nend_header\n"
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	_, err := LoadPLY(path)
	assert.ErrorContains(t, err, "binary_little_endian")
}

func TestOBJRoundTrip(t *testing.T) {
	m := testMesh()
	dir := t.TempDir()
	path := filepath.Join(dir, "mesh.obj")
	require.NoError(t, SaveOBJ(m, path))

	// The material file lands next to the OBJ
	_, err := os.Stat(filepath.Join(dir, "mesh.mtl"))
	require.NoError(t, err)

	loaded, err := LoadOBJ(path)
	require.NoError(t, err)

	require.Equal(t, m.NumVertices(), loaded.NumVertices())
	require.Equal(t, m.NumTriangles(), loaded.NumTriangles())
	assert.Equal(t, m.Faces, loaded.Faces)

	for i := range m.Vertices {
		assertVec3Close(t, m.Vertices[i], loaded.Vertices[i], 1e-12)
		assertVec3Close(t, m.Normals[i], loaded.Normals[i], 1e-12)
		assertVec3Close(t, m.Colors[i], loaded.Colors[i], 1e-12)
		assert.InDelta(t, m.UVs[i].X, loaded.UVs[i].X, 1e-12)
		assert.InDelta(t, m.UVs[i].Y, loaded.UVs[i].Y, 1e-12)
	}
}

func TestLoadOBJTriangulatesQuads(t *testing.T) {
	path := filepath.Join(t.TempDir(), "quad.obj")
	content := "v 0 0 0\nv 1 0 0\nv 1 1 0\nv 0 1 0\nf 1 2 3 4\n"
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	loaded, err := LoadOBJ(path)
	require.NoError(t, err)
	assert.Equal(t, 4, loaded.NumVertices())
	assert.Equal(t, 2, loaded.NumTriangles())
}

func TestLoadOBJRejectsBadIndex(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.obj")
	content := "v 0 0 0\nv 1 0 0\nf 1 2 3\n"
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	_, err := LoadOBJ(path)
	assert.Error(t, err)
}

func TestExportedExtractionSurvivesRoundTrip(t *testing.T) {
	d := &rampSphere{radius: 0.6, slope: 10}
	mesh, err := extractor.ExtractDensity(d, 24, 1.0, true)
	require.NoError(t, err)
	require.Greater(t, mesh.NumTriangles(), 0)

	path := filepath.Join(t.TempDir(), "sphere.ply")
	require.NoError(t, SavePLY(mesh, path))
	loaded, err := LoadPLY(path)
	require.NoError(t, err)

	assert.Equal(t, mesh.NumVertices(), loaded.NumVertices())
	assert.Equal(t, mesh.NumTriangles(), loaded.NumTriangles())
	assert.InEpsilon(t, mesh.SignedVolume(), loaded.SignedVolume(), 1e-4)
}

type rampSphere struct {
	radius float64
	slope  float64
}

func (d *rampSphere) DensityAt(p core.Vec3) float64 {
	return d.slope * (d.radius - p.Length())
}

func (d *rampSphere) Bounds() core.AABB {
	return core.UnitCube(1.0)
}

func assertVec3Close(t *testing.T, want, got core.Vec3, tol float64) {
	t.Helper()
	if math.Abs(want.X-got.X) > tol || math.Abs(want.Y-got.Y) > tol || math.Abs(want.Z-got.Z) > tol {
		t.Errorf("vectors differ beyond %g: want %+v, got %+v", tol, want, got)
	}
}
