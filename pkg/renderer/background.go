package renderer

import (
	"github.com/df07/go-dream-distiller/pkg/core"
)

// Background supplies the color behind pixels with zero accumulated weight.
// Advance is called once per training step so stochastic policies re-draw;
// Backward receives the gradient flowing through background pixels so the
// learned policy can optimize its color.
type Background interface {
	Kind() string
	Color(ray core.Ray) core.Vec3
	Advance(step int, sampler core.Sampler)
	Backward(ray core.Ray, dColor core.Vec3)
	Params() *core.ParamStore // nil for non-optimizable policies
}

// SolidBackground is a fixed color
type SolidBackground struct {
	Value core.Vec3
}

// NewSolidBackground creates a fixed-color background
func NewSolidBackground(value core.Vec3) *SolidBackground {
	return &SolidBackground{Value: value}
}

func (b *SolidBackground) Kind() string                 { return "solid" }
func (b *SolidBackground) Color(core.Ray) core.Vec3     { return b.Value }
func (b *SolidBackground) Advance(int, core.Sampler)    {}
func (b *SolidBackground) Backward(core.Ray, core.Vec3) {}
func (b *SolidBackground) Params() *core.ParamStore     { return nil }

// RandomBackground re-draws a solid color every step. Random backgrounds
// keep the guidance from painting content into the backdrop.
type RandomBackground struct {
	current core.Vec3
}

// NewRandomBackground starts mid-gray until the first Advance
func NewRandomBackground() *RandomBackground {
	return &RandomBackground{current: core.NewVec3(0.5, 0.5, 0.5)}
}

func (b *RandomBackground) Kind() string { return "random" }

func (b *RandomBackground) Color(core.Ray) core.Vec3 { return b.current }

func (b *RandomBackground) Advance(_ int, sampler core.Sampler) {
	b.current = sampler.Get3D()
}

func (b *RandomBackground) Backward(core.Ray, core.Vec3) {}
func (b *RandomBackground) Params() *core.ParamStore     { return nil }

// GradientBackground lerps between a bottom and top color by ray direction
type GradientBackground struct {
	Top    core.Vec3
	Bottom core.Vec3
}

// NewGradientBackground creates a vertical gradient background
func NewGradientBackground(top, bottom core.Vec3) *GradientBackground {
	return &GradientBackground{Top: top, Bottom: bottom}
}

func (b *GradientBackground) Kind() string { return "gradient" }

// Color maps the ray's y component from [-1,1] to a bottom-to-top lerp
func (b *GradientBackground) Color(ray core.Ray) core.Vec3 {
	unitDirection := ray.Direction.Normalize()
	t := 0.5 * (unitDirection.Y + 1.0)
	return b.Bottom.Multiply(1.0 - t).Add(b.Top.Multiply(t))
}

func (b *GradientBackground) Advance(int, core.Sampler)    {}
func (b *GradientBackground) Backward(core.Ray, core.Vec3) {}
func (b *GradientBackground) Params() *core.ParamStore     { return nil }

// LearnedBackground is a solid color parameterized through a sigmoid and
// optimized alongside the field: gradient reaching empty pixels flows into
// its three parameters.
type LearnedBackground struct {
	store *core.ParamStore
	block *core.ParamBlock
}

// NewLearnedBackground starts at mid-gray (raw zeros)
func NewLearnedBackground() *LearnedBackground {
	store := core.NewParamStore()
	return &LearnedBackground{
		store: store,
		block: store.Register("background.rgb", 3, 1.0),
	}
}

func (b *LearnedBackground) Kind() string { return "learned" }

func (b *LearnedBackground) Color(core.Ray) core.Vec3 {
	return core.NewVec3(
		sigmoid(b.block.Values[0]),
		sigmoid(b.block.Values[1]),
		sigmoid(b.block.Values[2]),
	)
}

func (b *LearnedBackground) Advance(int, core.Sampler) {}

func (b *LearnedBackground) Backward(_ core.Ray, dColor core.Vec3) {
	d := [3]float64{dColor.X, dColor.Y, dColor.Z}
	for c := 0; c < 3; c++ {
		s := sigmoid(b.block.Values[c])
		b.block.Grad[c] += d[c] * s * (1 - s)
	}
}

func (b *LearnedBackground) Params() *core.ParamStore { return b.store }
