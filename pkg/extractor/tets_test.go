package extractor

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/df07/go-dream-distiller/pkg/core"
	"github.com/df07/go-dream-distiller/pkg/field"
)

// rampDensity is a radially decreasing density: slope * (radius - |p|).
// The level set at threshold th is a sphere of radius radius - th/slope.
type rampDensity struct {
	radius float64
	slope  float64
}

func (d *rampDensity) DensityAt(p core.Vec3) float64 {
	return d.slope * (d.radius - p.Length())
}

func (d *rampDensity) Bounds() core.AABB {
	return core.UnitCube(1.0)
}

func TestExtractDensitySphereVolume(t *testing.T) {
	d := &rampDensity{radius: 0.7, slope: 10}
	threshold := 1.0
	mesh, err := ExtractDensity(d, 48, threshold, false)
	require.NoError(t, err)
	require.Greater(t, mesh.NumTriangles(), 0)

	effRadius := d.radius - threshold/d.slope
	want := 4.0 / 3.0 * math.Pi * effRadius * effRadius * effRadius
	got := mesh.SignedVolume()
	assert.Greater(t, got, 0.0, "outward winding gives positive volume")
	assert.InEpsilon(t, want, got, 0.05)
}

func TestExtractDensityThresholdMonotonic(t *testing.T) {
	d := &rampDensity{radius: 0.7, slope: 10}
	prev := math.Inf(1)
	for _, th := range []float64{0.5, 1.5, 2.5, 3.5} {
		mesh, err := ExtractDensity(d, 32, th, false)
		require.NoError(t, err)
		vol := mesh.SignedVolume()
		assert.Less(t, vol, prev, "threshold %g should shrink the surface", th)
		prev = vol
	}
}

func TestExtractDensityDeterministic(t *testing.T) {
	d := &rampDensity{radius: 0.6, slope: 8}
	a, err := ExtractDensity(d, 24, 1.0, false)
	require.NoError(t, err)
	b, err := ExtractDensity(d, 24, 1.0, false)
	require.NoError(t, err)

	require.Equal(t, a.NumVertices(), b.NumVertices())
	require.Equal(t, len(a.Faces), len(b.Faces))
	assert.Equal(t, a.Faces, b.Faces)
	for i := range a.Vertices {
		assert.Equal(t, a.Vertices[i], b.Vertices[i])
	}
}

func TestExtractDensityWatertight(t *testing.T) {
	d := &rampDensity{radius: 0.65, slope: 10}
	mesh, err := ExtractDensity(d, 20, 1.0, false)
	require.NoError(t, err)

	// Every edge of a closed surface borders exactly two triangles
	edgeCount := make(map[[2]int]int)
	for i := 0; i < len(mesh.Faces); i += 3 {
		tri := [3]int{mesh.Faces[i], mesh.Faces[i+1], mesh.Faces[i+2]}
		for e := 0; e < 3; e++ {
			a, b := tri[e], tri[(e+1)%3]
			if a > b {
				a, b = b, a
			}
			edgeCount[[2]int{a, b}]++
		}
	}
	for edge, count := range edgeCount {
		require.Equal(t, 2, count, "edge %v", edge)
	}
}

func TestExtractDensitySphereNormalsOutward(t *testing.T) {
	d := &rampDensity{radius: 0.7, slope: 10}
	mesh, err := ExtractDensity(d, 32, 1.0, false)
	require.NoError(t, err)
	require.Equal(t, mesh.NumVertices(), len(mesh.Normals))

	for i, v := range mesh.Vertices {
		radial := v.Normalize()
		assert.Greater(t, mesh.Normals[i].Dot(radial), 0.5,
			"normal at vertex %d should point away from the center", i)
	}
}

func TestExtractDensityRejectsBadInputs(t *testing.T) {
	d := &rampDensity{radius: 0.5, slope: 10}
	_, err := ExtractDensity(d, 1, 1.0, false)
	assert.Error(t, err)
	_, err = ExtractDensity(d, 16, 0, false)
	assert.Error(t, err)
	_, err = ExtractDensity(d, 16, -1, false)
	assert.Error(t, err)
}

func TestComputeBoxUVsInRange(t *testing.T) {
	d := &rampDensity{radius: 0.6, slope: 10}
	mesh, err := ExtractDensity(d, 16, 1.0, true)
	require.NoError(t, err)
	require.Equal(t, mesh.NumVertices(), len(mesh.UVs))

	for i, uv := range mesh.UVs {
		assert.GreaterOrEqual(t, uv.X, 0.0, "u at vertex %d", i)
		assert.LessOrEqual(t, uv.X, 1.0, "u at vertex %d", i)
		assert.GreaterOrEqual(t, uv.Y, 0.0, "v at vertex %d", i)
		assert.LessOrEqual(t, uv.Y, 1.0, "v at vertex %d", i)
	}
}

// seedSphere writes a sphere SDF into the lattice
func seedSphere(lf *field.LatticeField, radius float64) {
	n := lf.Resolution()
	for i := 0; i < n; i++ {
		for j := 0; j < n; j++ {
			for k := 0; k < n; k++ {
				r := float64(n - 1)
				p := lf.Bounds().Lerp(float64(i)/r, float64(j)/r, float64(k)/r)
				lf.SetSDFValue(i, j, k, p.Length()-radius)
			}
		}
	}
}

func TestExtractLatticeSphere(t *testing.T) {
	cfg := field.DefaultLatticeConfig()
	cfg.Resolution = 24
	lf := field.NewLatticeField(cfg)
	seedSphere(lf, 0.5)

	mesh, origins, err := ExtractLattice(lf, false)
	require.NoError(t, err)
	require.Greater(t, mesh.NumTriangles(), 0)
	require.Equal(t, mesh.NumVertices(), len(origins))

	want := 4.0 / 3.0 * math.Pi * 0.5 * 0.5 * 0.5
	assert.InEpsilon(t, want, mesh.SignedVolume(), 0.08)

	for i, o := range origins {
		assert.GreaterOrEqual(t, o.T, 0.0, "origin %d", i)
		assert.LessOrEqual(t, o.T, 1.0, "origin %d", i)
		// Crossing requires opposite signs in inside-positive values
		assert.True(t, (o.VA > 0) != (o.VB > 0), "origin %d spans the surface", i)
	}
}

func TestConvertedLatticePreservesEnclosedVolume(t *testing.T) {
	nf := field.NewNeuralField(field.DefaultNeuralConfig())
	lcfg := field.DefaultLatticeConfig()
	lcfg.Resolution = 25

	// Pick a threshold the field actually crosses
	lo, hi := math.Inf(1), math.Inf(-1)
	denom := float64(lcfg.Resolution - 1)
	for i := 0; i < lcfg.Resolution; i++ {
		for j := 0; j < lcfg.Resolution; j++ {
			for k := 0; k < lcfg.Resolution; k++ {
				d := nf.DensityAt(nf.Bounds().Lerp(float64(i)/denom, float64(j)/denom, float64(k)/denom))
				lo = math.Min(lo, d)
				hi = math.Max(hi, d)
			}
		}
	}
	require.Greater(t, hi, lo)
	threshold := (lo + hi) / 2
	require.Greater(t, threshold, 0.0)

	lf, err := field.ConvertNeuralToLattice(nf, lcfg, threshold)
	require.NoError(t, err)

	// Extraction on the matched grid must enclose the same volume: the
	// seeded SDF is an affine transform of density minus threshold, so
	// every edge crossing lands in the same place.
	direct, err := ExtractDensity(nf, lcfg.Resolution-1, threshold, false)
	require.NoError(t, err)
	converted, _, err := ExtractLattice(lf, false)
	require.NoError(t, err)

	require.Greater(t, direct.NumTriangles(), 0)
	assert.Equal(t, direct.NumTriangles(), converted.NumTriangles())
	assert.InDelta(t, direct.SignedVolume(), converted.SignedVolume(), 1e-9)
}

func TestExtractLatticeEmptyField(t *testing.T) {
	cfg := field.DefaultLatticeConfig()
	cfg.Resolution = 8
	lf := field.NewLatticeField(cfg)

	mesh, origins, err := ExtractLattice(lf, false)
	require.NoError(t, err)
	assert.Equal(t, 0, mesh.NumTriangles())
	assert.Empty(t, origins)
}
