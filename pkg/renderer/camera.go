package renderer

import (
	"math"

	"github.com/df07/go-dream-distiller/pkg/core"
)

// CameraConfig describes a pinhole camera pose and intrinsics
type CameraConfig struct {
	Center core.Vec3 // camera position
	LookAt core.Vec3 // point the camera looks at
	Up     core.Vec3 // up vector
	VFov   float64   // vertical field of view in degrees
	Width  int       // image width in pixels
	Height int       // image height in pixels
}

// Camera generates rays and projects world points to screen space.
// Immutable once constructed; a fresh one is sampled every iteration.
type Camera struct {
	config          CameraConfig
	origin          core.Vec3
	lowerLeftCorner core.Vec3
	horizontal      core.Vec3
	vertical        core.Vec3
	u, v, w         core.Vec3 // orthonormal basis, w points backward
	halfHeight      float64
	halfWidth       float64
}

// NewCamera creates a camera from a pose configuration
func NewCamera(config CameraConfig) *Camera {
	aspectRatio := float64(config.Width) / float64(config.Height)
	theta := config.VFov * math.Pi / 180
	halfHeight := math.Tan(theta / 2)
	halfWidth := aspectRatio * halfHeight

	w := config.Center.Subtract(config.LookAt).Normalize()
	u := config.Up.Cross(w).Normalize()
	v := w.Cross(u)

	origin := config.Center
	horizontal := u.Multiply(2 * halfWidth)
	vertical := v.Multiply(2 * halfHeight)
	lowerLeftCorner := origin.
		Subtract(horizontal.Multiply(0.5)).
		Subtract(vertical.Multiply(0.5)).
		Subtract(w)

	return &Camera{
		config:          config,
		origin:          origin,
		lowerLeftCorner: lowerLeftCorner,
		horizontal:      horizontal,
		vertical:        vertical,
		u:               u,
		v:               v,
		w:               w,
		halfHeight:      halfHeight,
		halfWidth:       halfWidth,
	}
}

// Config returns the configuration the camera was built from
func (c *Camera) Config() CameraConfig { return c.config }

// Width returns the image width in pixels
func (c *Camera) Width() int { return c.config.Width }

// Height returns the image height in pixels
func (c *Camera) Height() int { return c.config.Height }

// Forward returns the viewing direction
func (c *Camera) Forward() core.Vec3 { return c.w.Negate() }

// GetRay generates a ray for normalized screen coordinates (s, t) in [0,1]
func (c *Camera) GetRay(s, t float64) core.Ray {
	direction := c.lowerLeftCorner.
		Add(c.horizontal.Multiply(s)).
		Add(c.vertical.Multiply(t)).
		Subtract(c.origin)
	return core.NewRay(c.origin, direction.Normalize())
}

// GetRayForPixel generates a ray through pixel (x, y) with sub-pixel jitter.
// Pixel y runs top-down, screen t runs bottom-up.
func (c *Camera) GetRayForPixel(x, y int, jitter core.Vec2) core.Ray {
	s := (float64(x) + jitter.X) / float64(c.config.Width)
	t := 1 - (float64(y)+jitter.Y)/float64(c.config.Height)
	return c.GetRay(s, t)
}

// Project maps a world point to pixel coordinates and camera-space depth.
// ok is false behind the near plane.
func (c *Camera) Project(p core.Vec3) (screen core.Vec2, depth float64, ok bool) {
	rel := p.Subtract(c.origin)
	depth = rel.Dot(c.w.Negate())
	if depth < 1e-6 {
		return core.Vec2{}, 0, false
	}
	x := rel.Dot(c.u) / depth
	y := rel.Dot(c.v) / depth

	s := (x/c.halfWidth + 1) * 0.5
	t := (y/c.halfHeight + 1) * 0.5
	screen = core.NewVec2(
		s*float64(c.config.Width),
		(1-t)*float64(c.config.Height),
	)
	return screen, depth, true
}

// ScreenJacobian returns d(screen)/d(world) rows for a world point: the
// gradients of the pixel x and pixel y coordinates with respect to world
// position. Used by the rasterizer's silhouette backward pass.
func (c *Camera) ScreenJacobian(p core.Vec3) (dSxDWorld, dSyDWorld core.Vec3, ok bool) {
	rel := p.Subtract(c.origin)
	forward := c.w.Negate()
	depth := rel.Dot(forward)
	if depth < 1e-6 {
		return core.Vec3{}, core.Vec3{}, false
	}
	x := rel.Dot(c.u)
	y := rel.Dot(c.v)

	// sx = W/2 * (x/(d*hw) + 1), sy = H/2 * (1 - y/(d*hh) ... + const)
	sxScale := float64(c.config.Width) / (2 * c.halfWidth)
	syScale := float64(c.config.Height) / (2 * c.halfHeight)

	// d(x/d)/dp = u/d - x/d^2 * forward
	dXoverD := c.u.Multiply(1 / depth).Subtract(forward.Multiply(x / (depth * depth)))
	dYoverD := c.v.Multiply(1 / depth).Subtract(forward.Multiply(y / (depth * depth)))

	return dXoverD.Multiply(sxScale), dYoverD.Multiply(-syScale), true
}

// ViewBucket classifies a camera pose for view-dependent prompting
type ViewBucket string

const (
	BucketFront    ViewBucket = "front"
	BucketSide     ViewBucket = "side"
	BucketBack     ViewBucket = "back"
	BucketOverhead ViewBucket = "overhead"
)

// OrbitConfig configures random orbit pose sampling around a target
type OrbitConfig struct {
	LookAt       core.Vec3
	RadiusMin    float64
	RadiusMax    float64
	ElevationMin float64 // degrees above the horizontal plane
	ElevationMax float64
	VFovMin      float64 // degrees
	VFovMax      float64
	Width        int
	Height       int
	OverheadDeg  float64 // elevation beyond which the view is "overhead"
}

// DefaultOrbitConfig returns sensible default values
func DefaultOrbitConfig() OrbitConfig {
	return OrbitConfig{
		LookAt:       core.NewVec3(0, 0, 0),
		RadiusMin:    1.5,
		RadiusMax:    2.0,
		ElevationMin: -10,
		ElevationMax: 45,
		VFovMin:      40,
		VFovMax:      70,
		Width:        64,
		Height:       64,
		OverheadDeg:  60,
	}
}

// SampleOrbitCamera draws a random pose on the orbit distribution and
// classifies it into a view bucket. Azimuth 0 faces the +Z "front" of the
// scene.
func SampleOrbitCamera(cfg OrbitConfig, sampler core.Sampler) (*Camera, ViewBucket) {
	azimuthDeg := core.SampleRange(sampler.Get1D(), -180, 180)
	elevationDeg := core.SampleRange(sampler.Get1D(), cfg.ElevationMin, cfg.ElevationMax)
	radius := core.SampleRange(sampler.Get1D(), cfg.RadiusMin, cfg.RadiusMax)
	vfov := core.SampleRange(sampler.Get1D(), cfg.VFovMin, cfg.VFovMax)

	dir := core.SphericalDirection(azimuthDeg*math.Pi/180, elevationDeg*math.Pi/180)
	center := cfg.LookAt.Add(dir.Multiply(radius))

	camera := NewCamera(CameraConfig{
		Center: center,
		LookAt: cfg.LookAt,
		Up:     core.NewVec3(0, 1, 0),
		VFov:   vfov,
		Width:  cfg.Width,
		Height: cfg.Height,
	})
	return camera, ClassifyView(azimuthDeg, elevationDeg, cfg.OverheadDeg)
}

// ClassifyView buckets a pose by azimuth and elevation in degrees
func ClassifyView(azimuthDeg, elevationDeg, overheadDeg float64) ViewBucket {
	if elevationDeg >= overheadDeg {
		return BucketOverhead
	}
	abs := math.Abs(azimuthDeg)
	switch {
	case abs <= 45:
		return BucketFront
	case abs >= 135:
		return BucketBack
	default:
		return BucketSide
	}
}
