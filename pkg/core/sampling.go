package core

import (
	"math"
	"math/rand"
)

// Sampler provides random sampling for cameras, ray jitter and noise
// injection. Can be swapped out for deterministic testing.
type Sampler interface {
	Get1D() float64
	Get2D() Vec2
	Get3D() Vec3
	Normal() float64 // standard normal draw
}

// RandomSampler wraps a standard Go random generator
type RandomSampler struct {
	random *rand.Rand
}

// NewRandomSampler creates a sampler from a Go random generator
func NewRandomSampler(random *rand.Rand) *RandomSampler {
	return &RandomSampler{random: random}
}

// NewSeededSampler creates a deterministic sampler from a seed
func NewSeededSampler(seed int64) *RandomSampler {
	return &RandomSampler{random: rand.New(rand.NewSource(seed))}
}

// Get1D returns a random float64 in [0, 1)
func (r *RandomSampler) Get1D() float64 {
	return r.random.Float64()
}

// Get2D returns two random float64 values in [0, 1)
func (r *RandomSampler) Get2D() Vec2 {
	return NewVec2(r.random.Float64(), r.random.Float64())
}

// Get3D returns three random float64 values in [0, 1)
func (r *RandomSampler) Get3D() Vec3 {
	return NewVec3(r.random.Float64(), r.random.Float64(), r.random.Float64())
}

// Normal returns a standard normally distributed value
func (r *RandomSampler) Normal() float64 {
	return r.random.NormFloat64()
}

// SampleRange maps a uniform sample in [0,1) to [lo, hi)
func SampleRange(sample, lo, hi float64) float64 {
	return lo + (hi-lo)*sample
}

// SphericalDirection converts azimuth (radians around Y, 0 = +Z) and
// elevation (radians above the XZ plane) to a unit direction.
func SphericalDirection(azimuth, elevation float64) Vec3 {
	cosEl := math.Cos(elevation)
	return Vec3{
		X: cosEl * math.Sin(azimuth),
		Y: math.Sin(elevation),
		Z: cosEl * math.Cos(azimuth),
	}
}
