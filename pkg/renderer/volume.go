package renderer

import (
	"fmt"
	"math"

	"github.com/df07/go-dream-distiller/pkg/core"
	"github.com/df07/go-dream-distiller/pkg/field"
	"github.com/df07/go-dream-distiller/pkg/material"
)

// VolumeConfig contains configuration for the volumetric render path
type VolumeConfig struct {
	SamplesPerRay  int     // marching samples inside the field bounds
	Jitter         bool    // stratified jitter along the ray
	ComputeNormals bool    // per-sample normals (needed for shaded materials)
	EarlyStopTrans float64 // stop marching once transmittance falls below
	NumWorkers     int     // parallel scanline bands (0 = CPU count)
}

// DefaultVolumeConfig returns sensible default values
func DefaultVolumeConfig() VolumeConfig {
	return VolumeConfig{
		SamplesPerRay:  64,
		Jitter:         true,
		ComputeNormals: false,
		EarlyStopTrans: 1e-4,
		NumWorkers:     0,
	}
}

// volumeSample records one field query along a ray so the backward pass can
// replay the compositing chain without re-marching.
type volumeSample struct {
	point    core.Vec3
	t        float64
	delta    float64
	density  float64
	alpha    float64
	trans    float64 // transmittance before this sample
	features [field.FeatureDim]float64
	color    core.Vec3 // shaded sample color
	normal   core.Vec3
}

// pixelTape is the per-pixel record of a forward render
type pixelTape struct {
	ray      core.Ray
	hit      bool
	samples  []volumeSample
	transEnd float64
	bg       core.Vec3
}

// VolumeTape is the saved forward state for one render call, consumed
// exactly once by Backward.
type VolumeTape struct {
	width, height int
	pixels        []pixelTape
}

// VolumeRenderer performs differentiable alpha-composited volume
// integration over a field. Output buffers are differentiable with respect
// to every field parameter that influenced a visible pixel; Backward chains
// pixel gradients into the field's parameter store.
type VolumeRenderer struct {
	cfg        VolumeConfig
	field      field.Field
	material   material.Material
	background Background
	occupancy  *OccupancyGrid // optional empty-space skipping
}

// NewVolumeRenderer creates a volume renderer; occupancy may be nil
func NewVolumeRenderer(cfg VolumeConfig, f field.Field, mat material.Material, bg Background, occupancy *OccupancyGrid) *VolumeRenderer {
	return &VolumeRenderer{
		cfg:        cfg,
		field:      f,
		material:   mat,
		background: bg,
		occupancy:  occupancy,
	}
}

// Background returns the renderer's background policy
func (vr *VolumeRenderer) Background() Background { return vr.background }

// Render marches every pixel's ray through the field and composites color,
// alpha, depth and normal buffers. The seed derives per-band samplers so
// renders are deterministic and bands race-free.
func (vr *VolumeRenderer) Render(camera *Camera, seed int64) (*RenderOutput, *VolumeTape, error) {
	width, height := camera.Width(), camera.Height()
	out := NewRenderOutput(width, height)
	tape := &VolumeTape{
		width:  width,
		height: height,
		pixels: make([]pixelTape, width*height),
	}

	err := ParallelBands(height, vr.cfg.NumWorkers, func(y0, y1 int) error {
		sampler := core.NewSeededSampler(seed + int64(y0)*7919)
		for y := y0; y < y1; y++ {
			for x := 0; x < width; x++ {
				idx := out.Index(x, y)
				vr.renderPixel(camera, x, y, sampler, out, &tape.pixels[idx], idx)
			}
		}
		return nil
	})
	if err != nil {
		return nil, nil, fmt.Errorf("volume render: %w", err)
	}
	return out, tape, nil
}

func (vr *VolumeRenderer) renderPixel(camera *Camera, x, y int, sampler core.Sampler, out *RenderOutput, tape *pixelTape, idx int) {
	jitter := core.NewVec2(0.5, 0.5)
	if vr.cfg.Jitter {
		jitter = sampler.Get2D()
	}
	ray := camera.GetRayForPixel(x, y, jitter)
	tape.ray = ray
	tape.bg = vr.background.Color(ray)

	t0, t1, hitBounds := vr.field.Bounds().HitRange(ray, 1e-4, math.Inf(1))
	if !hitBounds {
		out.Color[idx] = tape.bg
		return
	}
	tape.hit = true

	n := vr.cfg.SamplesPerRay
	dt := (t1 - t0) / float64(n)
	trans := 1.0
	var accumColor, accumNormal core.Vec3
	accumDepth := 0.0
	viewDir := ray.Direction.Negate()

	for i := 0; i < n; i++ {
		offset := 0.5
		if vr.cfg.Jitter {
			offset = sampler.Get1D()
		}
		t := t0 + (float64(i)+offset)*dt
		p := ray.At(t)

		if vr.occupancy != nil && !vr.occupancy.Occupied(p) {
			continue
		}

		s := vr.field.Query(p)
		alpha := 1 - math.Exp(-s.Density*dt)
		if alpha > 1-1e-7 {
			alpha = 1 - 1e-7
		}

		var normal core.Vec3
		if vr.cfg.ComputeNormals {
			normal = vr.field.Normal(p)
		}
		color := vr.material.Shade(s.Features, normal, viewDir)

		weight := trans * alpha
		accumColor = accumColor.Add(color.Multiply(weight))
		accumDepth += weight * t
		accumNormal = accumNormal.Add(normal.Multiply(weight))

		tape.samples = append(tape.samples, volumeSample{
			point:    p,
			t:        t,
			delta:    dt,
			density:  s.Density,
			alpha:    alpha,
			trans:    trans,
			features: s.Features,
			color:    color,
			normal:   normal,
		})

		trans *= 1 - alpha
		if trans < vr.cfg.EarlyStopTrans {
			break
		}
	}

	tape.transEnd = trans
	out.Color[idx] = accumColor.Add(tape.bg.Multiply(trans))
	out.Alpha[idx] = 1 - trans
	out.Depth[idx] = accumDepth
	if out.Alpha[idx] > 1e-6 {
		out.Normal[idx] = accumNormal.Multiply(1 / out.Alpha[idx])
		if out.Normal[idx].LengthSquared() > 0 {
			out.Normal[idx] = out.Normal[idx].Normalize()
		}
	}
}

// Backward propagates per-pixel color gradients (and optionally alpha
// gradients, which may be nil) through the compositing chain into the field
// parameters and the background policy. Single-threaded: parameter
// gradients are shared accumulators.
func (vr *VolumeRenderer) Backward(tape *VolumeTape, dColor []core.Vec3, dAlpha []float64) error {
	if len(dColor) != len(tape.pixels) {
		return fmt.Errorf("color gradient size %d does not match tape %d", len(dColor), len(tape.pixels))
	}
	if dAlpha != nil && len(dAlpha) != len(tape.pixels) {
		return fmt.Errorf("alpha gradient size %d does not match tape %d", len(dAlpha), len(tape.pixels))
	}

	for idx := range tape.pixels {
		px := &tape.pixels[idx]
		dC := dColor[idx]
		da := 0.0
		if dAlpha != nil {
			da = dAlpha[idx]
		}
		if dC == (core.Vec3{}) && da == 0 {
			continue
		}

		if !px.hit {
			vr.background.Backward(px.ray, dC)
			continue
		}

		viewDir := px.ray.Direction.Negate()

		// Suffix contribution beyond the current sample, including the
		// background term: S_i = sum_{k>i} w_k c_k + T_end * bg.
		suffix := px.bg.Multiply(px.transEnd)

		for i := len(px.samples) - 1; i >= 0; i-- {
			s := &px.samples[i]
			oneMinusAlpha := 1 - s.alpha
			weight := s.trans * s.alpha

			// dC/dalpha_i = T_i c_i - S_i / (1 - alpha_i)
			dCdAlpha := s.color.Multiply(s.trans).Subtract(suffix.Multiply(1 / oneMinusAlpha))
			dLdAlpha := dC.Dot(dCdAlpha)
			if da != 0 {
				// dA/dalpha_i = T_end / (1 - alpha_i)
				dLdAlpha += da * px.transEnd / oneMinusAlpha
			}

			// dalpha/dsigma = delta * exp(-sigma*delta) = delta * (1-alpha)
			dLdSigma := dLdAlpha * s.delta * oneMinusAlpha

			dSampleColor := dC.Multiply(weight)
			dFeat := vr.material.ShadeBackward(s.features, s.normal, viewDir, dSampleColor)

			vr.field.QueryBackward(s.point, dLdSigma, dFeat)

			suffix = suffix.Add(s.color.Multiply(weight))
		}

		vr.background.Backward(px.ray, dC.Multiply(px.transEnd))
	}
	return nil
}

// CheckFinite returns an error naming the first non-finite buffer value.
// The trainer aborts on it: optimizing garbage is worse than stopping.
func (ro *RenderOutput) CheckFinite() error {
	for i, c := range ro.Color {
		if !c.IsFinite() {
			return fmt.Errorf("non-finite color at pixel %d: %+v", i, c)
		}
	}
	for i, a := range ro.Alpha {
		if !core.IsFinite(a) {
			return fmt.Errorf("non-finite alpha at pixel %d", i)
		}
	}
	return nil
}

func sigmoid(x float64) float64 {
	if x >= 0 {
		return 1 / (1 + math.Exp(-x))
	}
	e := math.Exp(x)
	return e / (1 + e)
}
