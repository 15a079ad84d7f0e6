package scene

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/df07/go-dream-distiller/pkg/core"
	"github.com/df07/go-dream-distiller/pkg/field"
	"github.com/df07/go-dream-distiller/pkg/material"
	"github.com/df07/go-dream-distiller/pkg/renderer"
)

func frontCamera(width, height int) *renderer.Camera {
	return renderer.NewCamera(renderer.CameraConfig{
		Center: core.NewVec3(0, 0, 2),
		LookAt: core.NewVec3(0, 0, 0),
		Up:     core.NewVec3(0, 1, 0),
		VFov:   40,
		Width:  width,
		Height: height,
	})
}

// A freshly constructed field holds no density, so every pixel must show
// exactly the background and zero alpha.
func TestEmptyFieldRendersBackground(t *testing.T) {
	bg := core.NewVec3(0.2, 0.4, 0.6)
	s := &Scene{
		Field:      field.NewLatticeField(field.DefaultLatticeConfig()),
		Material:   material.NewUnlit(),
		Background: renderer.NewSolidBackground(bg),
		VolumeCfg:  renderer.DefaultVolumeConfig(),
	}

	out, _, err := s.VolumeRenderer().Render(frontCamera(32, 32), 1)
	require.NoError(t, err)

	for i, c := range out.Color {
		assert.InDelta(t, bg.X, c.X, 1e-5, "pixel %d", i)
		assert.InDelta(t, bg.Y, c.Y, 1e-5, "pixel %d", i)
		assert.InDelta(t, bg.Z, c.Z, 1e-5, "pixel %d", i)
		assert.Less(t, out.Alpha[i], 1e-5, "pixel %d", i)
	}
}

func sharpSphereScene(radius float64) *Scene {
	cfg := field.DefaultLatticeConfig()
	cfg.Resolution = 48
	cfg.Sharpness = 150
	cfg.DensityMax = 50
	return NewSphereScene(radius, cfg)
}

// A unit-tested sphere at a known pose projects to a disc of predictable
// pixel radius. The area-based radius estimate smooths pixelization.
func TestSphereSilhouetteRadius(t *testing.T) {
	const (
		radius   = 0.5
		distance = 2.0
		vfov     = 40.0
		size     = 64
	)
	s := sharpSphereScene(radius)
	cam := frontCamera(size, size)

	out, _, err := s.VolumeRenderer().Render(cam, 1)
	require.NoError(t, err)
	require.NoError(t, out.CheckFinite())

	covered := 0
	for _, a := range out.Alpha {
		if a > 0.5 {
			covered++
		}
	}
	require.Greater(t, covered, 0)
	measured := math.Sqrt(float64(covered) / math.Pi)

	// Grazing rays touch the sphere at angle asin(r/d)
	halfHeight := math.Tan(vfov * math.Pi / 360)
	tanTheta := radius / math.Sqrt(distance*distance-radius*radius)
	expected := tanTheta / (2 * halfHeight) * size

	assert.InDelta(t, expected, measured, 2.0)
}

// Surface normals on a sphere point along the radius. Grazing pixels are
// excluded: their accumulated normals mix front and back of the limb.
func TestSphereNormalsRadial(t *testing.T) {
	s := sharpSphereScene(0.5)
	cam := frontCamera(64, 64)

	out, _, err := s.VolumeRenderer().Render(cam, 1)
	require.NoError(t, err)

	checked := 0
	for y := 0; y < 64; y++ {
		for x := 0; x < 64; x++ {
			idx := out.Index(x, y)
			if out.Alpha[idx] < 0.99 {
				continue
			}
			depth := out.Depth[idx] / out.Alpha[idx]
			ray := cam.GetRayForPixel(x, y, core.NewVec2(0.5, 0.5))
			surface := ray.At(depth)
			if surface.Length() > 0.55 {
				continue
			}
			radial := surface.Normalize()
			assert.Greater(t, out.Normal[idx].Dot(radial), 0.9,
				"pixel (%d,%d)", x, y)
			checked++
		}
	}
	assert.Greater(t, checked, 100, "enough interior pixels to be meaningful")
}

func TestSceneParamStores(t *testing.T) {
	s := sharpSphereScene(0.5)
	require.Len(t, s.ParamStores(), 1)

	s.Background = renderer.NewLearnedBackground()
	require.Len(t, s.ParamStores(), 2)
}

func TestRefreshOccupancySkipsEmptySpace(t *testing.T) {
	s := sharpSphereScene(0.5)
	s.Occupancy = renderer.NewOccupancyGrid(s.Field.Bounds(), 16, 0.01)

	// Conservative before the first refresh
	assert.True(t, s.Occupancy.Occupied(core.NewVec3(0.9, 0.9, 0.9)))

	s.RefreshOccupancy(4, core.NewSeededSampler(7))
	assert.True(t, s.Occupancy.Occupied(core.NewVec3(0, 0, 0.45)))
	assert.False(t, s.Occupancy.Occupied(core.NewVec3(0.9, 0.9, 0.9)))
	assert.Less(t, s.Occupancy.OccupiedFraction(), 0.5)

	// Skipping must not change the rendered silhouette
	cam := frontCamera(48, 48)
	withSkip, _, err := s.VolumeRenderer().Render(cam, 3)
	require.NoError(t, err)
	s.Occupancy = nil
	without, _, err := s.VolumeRenderer().Render(cam, 3)
	require.NoError(t, err)

	for i := range withSkip.Alpha {
		assert.InDelta(t, without.Alpha[i], withSkip.Alpha[i], 5e-3, "pixel %d", i)
	}
}
