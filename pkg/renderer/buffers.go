package renderer

import (
	"image"
	"image/color"

	"github.com/df07/go-dream-distiller/pkg/core"
)

// RenderOutput holds the pixel-aligned buffers produced by one render call.
// Color doubles as the latent buffer handed to the guidance estimator.
type RenderOutput struct {
	Width, Height int
	Color         []core.Vec3
	Alpha         []float64
	Depth         []float64
	Normal        []core.Vec3
}

// NewRenderOutput allocates zeroed buffers
func NewRenderOutput(width, height int) *RenderOutput {
	n := width * height
	return &RenderOutput{
		Width:  width,
		Height: height,
		Color:  make([]core.Vec3, n),
		Alpha:  make([]float64, n),
		Depth:  make([]float64, n),
		Normal: make([]core.Vec3, n),
	}
}

// Index returns the flat buffer index for pixel (x, y)
func (ro *RenderOutput) Index(x, y int) int {
	return y*ro.Width + x
}

// Latent returns the buffer the guidance estimator consumes as a flat
// channel-interleaved slice (r, g, b per pixel).
func (ro *RenderOutput) Latent() []float64 {
	flat := make([]float64, len(ro.Color)*3)
	for i, c := range ro.Color {
		flat[i*3] = c.X
		flat[i*3+1] = c.Y
		flat[i*3+2] = c.Z
	}
	return flat
}

// MeanAlpha returns the average accumulated opacity, a cheap diagnostic for
// how much of the view the foreground covers.
func (ro *RenderOutput) MeanAlpha() float64 {
	if len(ro.Alpha) == 0 {
		return 0
	}
	sum := 0.0
	for _, a := range ro.Alpha {
		sum += a
	}
	return sum / float64(len(ro.Alpha))
}

// ToImage converts the color buffer to a gamma-corrected image for
// validation renders.
func (ro *RenderOutput) ToImage(gamma float64) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, ro.Width, ro.Height))
	for y := 0; y < ro.Height; y++ {
		for x := 0; x < ro.Width; x++ {
			c := ro.Color[ro.Index(x, y)].Clamp(0, 1).GammaCorrect(gamma)
			img.SetRGBA(x, y, color.RGBA{
				R: uint8(c.X*255 + 0.5),
				G: uint8(c.Y*255 + 0.5),
				B: uint8(c.Z*255 + 0.5),
				A: 255,
			})
		}
	}
	return img
}
