// Package material maps field appearance features to displayed color.
// Materials are selected at configuration time like every other module kind.
package material

import (
	"math"

	"github.com/df07/go-dream-distiller/pkg/core"
	"github.com/df07/go-dream-distiller/pkg/field"
)

// Kind enumerates the available materials
type Kind string

const (
	KindUnlit   Kind = "unlit"   // sigmoid albedo, no shading
	KindLambert Kind = "lambert" // albedo shaded by a fixed directional light
	KindNormal  Kind = "normal"  // normal visualization (debugging/validation)
)

// Material converts appearance features and a surface normal into RGB.
// ShadeBackward returns d(color)/d(features) as a 3x3 Jacobian application:
// given d(loss)/d(color) it produces d(loss)/d(features). Normals are
// treated as constants in backward; normal gradients enter training through
// the smoothness regularizer instead.
type Material interface {
	Kind() Kind
	Shade(features [field.FeatureDim]float64, normal, viewDir core.Vec3) core.Vec3
	ShadeBackward(features [field.FeatureDim]float64, normal, viewDir core.Vec3, dColor core.Vec3) [field.FeatureDim]float64
}

// Unlit squashes the first three features through a sigmoid
type Unlit struct{}

func NewUnlit() *Unlit { return &Unlit{} }

func (m *Unlit) Kind() Kind { return KindUnlit }

func (m *Unlit) Shade(features [field.FeatureDim]float64, _, _ core.Vec3) core.Vec3 {
	return albedo(features)
}

func (m *Unlit) ShadeBackward(features [field.FeatureDim]float64, _, _ core.Vec3, dColor core.Vec3) [field.FeatureDim]float64 {
	return albedoBackward(features, dColor)
}

// Lambert shades the sigmoid albedo with a fixed directional light plus an
// ambient floor. The light is part of the material, not the scene: score
// distillation has no physical light sources to sample.
type Lambert struct {
	LightDir core.Vec3
	Ambient  float64
}

// NewLambert creates a lambert material with the given light direction
func NewLambert(lightDir core.Vec3, ambient float64) *Lambert {
	return &Lambert{LightDir: lightDir.Normalize(), Ambient: ambient}
}

func (m *Lambert) Kind() Kind { return KindLambert }

func (m *Lambert) shadeWeight(normal core.Vec3) float64 {
	diffuse := math.Max(0, normal.Dot(m.LightDir))
	return m.Ambient + (1-m.Ambient)*diffuse
}

func (m *Lambert) Shade(features [field.FeatureDim]float64, normal, _ core.Vec3) core.Vec3 {
	return albedo(features).Multiply(m.shadeWeight(normal))
}

func (m *Lambert) ShadeBackward(features [field.FeatureDim]float64, normal, _ core.Vec3, dColor core.Vec3) [field.FeatureDim]float64 {
	return albedoBackward(features, dColor.Multiply(m.shadeWeight(normal)))
}

// NormalViz displays normals as colors; it carries no feature gradient
type NormalViz struct{}

func NewNormalViz() *NormalViz { return &NormalViz{} }

func (m *NormalViz) Kind() Kind { return KindNormal }

func (m *NormalViz) Shade(_ [field.FeatureDim]float64, normal, _ core.Vec3) core.Vec3 {
	return normal.Multiply(0.5).Add(core.NewVec3(0.5, 0.5, 0.5))
}

func (m *NormalViz) ShadeBackward(_ [field.FeatureDim]float64, _, _ core.Vec3, _ core.Vec3) [field.FeatureDim]float64 {
	return [field.FeatureDim]float64{}
}

func albedo(features [field.FeatureDim]float64) core.Vec3 {
	return core.NewVec3(
		sigmoid(features[0]),
		sigmoid(features[1]),
		sigmoid(features[2]),
	)
}

func albedoBackward(features [field.FeatureDim]float64, dColor core.Vec3) [field.FeatureDim]float64 {
	d := [3]float64{dColor.X, dColor.Y, dColor.Z}
	var out [field.FeatureDim]float64
	for c := 0; c < 3; c++ {
		s := sigmoid(features[c])
		out[c] = d[c] * s * (1 - s)
	}
	return out
}

func sigmoid(x float64) float64 {
	if x >= 0 {
		return 1 / (1 + math.Exp(-x))
	}
	e := math.Exp(x)
	return e / (1 + e)
}
