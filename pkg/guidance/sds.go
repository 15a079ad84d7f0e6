package guidance

import (
	"context"
	"fmt"
	"math"

	"go.uber.org/zap"

	"github.com/df07/go-dream-distiller/pkg/core"
	"github.com/df07/go-dream-distiller/pkg/renderer"
)

// EstimatorConfig configures score-distillation gradient estimation
type EstimatorConfig struct {
	GuidanceScale  float64 // classifier-free guidance scale
	Reconstruction bool    // subtract the injected noise (classic residual)

	// Symmetric per-component gradient clip, ramped linearly from
	// ClipInitial to ClipFinal over ClipRampSteps training steps.
	// ClipInitial <= 0 disables clipping entirely.
	ClipInitial   float64
	ClipFinal     float64
	ClipRampSteps int
}

// DefaultEstimatorConfig returns sensible default values
func DefaultEstimatorConfig() EstimatorConfig {
	return EstimatorConfig{
		GuidanceScale:  50,
		Reconstruction: false,
		ClipInitial:    1.0,
		ClipFinal:      0.1,
		ClipRampSteps:  5000,
	}
}

// GuidanceOutput is the per-step result of one gradient estimate
type GuidanceOutput struct {
	Grad      []core.Vec3 // d(loss)/d(pixel color), pixel-aligned
	Timestep  int
	Weight    float64 // schedule weight at the drawn timestep
	Scale     float64 // effective guidance scale for this step
	GradNorm  float64 // L2 norm after clipping
	Clipped   int     // components hit by the clip
	NonFinite int     // non-finite components; any of them fails the estimate
}

// Estimator turns a rendered view into per-pixel color gradients
type Estimator interface {
	Estimate(ctx context.Context, out *renderer.RenderOutput, embCond, embUncond []float64, step int, sampler core.Sampler) (*GuidanceOutput, error)
}

// SDSEstimator implements score distillation sampling: inject schedule
// noise into the render, query the frozen prior with and without the
// prompt, and weight the guidance residual into a pixel gradient. At
// guidance scale zero the residual vanishes identically, so an untrained
// prompt cannot push the field anywhere.
type SDSEstimator struct {
	cfg      EstimatorConfig
	schedule *Schedule
	prior    Prior
	logger   *zap.Logger
}

// NewSDSEstimator wires the estimator; logger may be nil for silence
func NewSDSEstimator(cfg EstimatorConfig, schedule *Schedule, prior Prior, logger *zap.Logger) (*SDSEstimator, error) {
	if cfg.GuidanceScale < 0 {
		return nil, fmt.Errorf("guidance scale must be non-negative, got %g", cfg.GuidanceScale)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SDSEstimator{cfg: cfg, schedule: schedule, prior: prior, logger: logger}, nil
}

// Estimate runs one noising/denoising round trip against the prior
func (e *SDSEstimator) Estimate(ctx context.Context, out *renderer.RenderOutput, embCond, embUncond []float64, step int, sampler core.Sampler) (*GuidanceOutput, error) {
	latent := out.Latent()
	t := e.schedule.Draw(step, sampler)
	signal, noiseScale := e.schedule.NoiseCoefficients(t)

	noise := make([]float64, len(latent))
	noisy := make([]float64, len(latent))
	for i := range latent {
		noise[i] = sampler.Normal()
		noisy[i] = signal*latent[i] + noiseScale*noise[i]
	}

	epsCond, err := e.prior.PredictNoise(ctx, noisy, out.Width, out.Height, embCond, t)
	if err != nil {
		return nil, fmt.Errorf("conditioned prediction: %w", err)
	}
	epsUncond, err := e.prior.PredictNoise(ctx, noisy, out.Width, out.Height, embUncond, t)
	if err != nil {
		return nil, fmt.Errorf("unconditioned prediction: %w", err)
	}

	weight := e.schedule.Weight(t)
	result := assembleGradient(e.cfg, latent, noise, epsCond, epsUncond, weight, step, out.Width, out.Height)
	result.Timestep = t
	result.Weight = weight
	result.Scale = e.cfg.GuidanceScale
	if result.NonFinite > 0 {
		return nil, fmt.Errorf("guidance gradient has %d non-finite components at timestep %d", result.NonFinite, t)
	}

	e.logger.Debug("guidance estimate",
		zap.Int("step", step),
		zap.Int("timestep", t),
		zap.Float64("weight", weight),
		zap.Float64("grad_norm", result.GradNorm),
		zap.Int("clipped", result.Clipped),
		zap.Int("non_finite", result.NonFinite))
	return result, nil
}

// assembleGradient combines prior predictions into clipped pixel gradients.
// epsBase is the unconditioned branch for SDS or the online predictor for
// the variance-reduced estimator.
func assembleGradient(cfg EstimatorConfig, latent, noise, epsCond, epsBase []float64, weight float64, step, width, height int) *GuidanceOutput {
	result := &GuidanceOutput{Grad: make([]core.Vec3, width*height)}
	clip := clipAt(cfg, step)
	scale := cfg.GuidanceScale

	normSq := 0.0
	flat := make([]float64, len(latent))
	for i := range flat {
		// The conditioned-minus-unconditioned residual scales with the
		// guidance weight and vanishes at scale zero. The reconstruction
		// form additionally pulls toward the injected noise.
		g := weight * scale * (epsCond[i] - epsBase[i])
		if cfg.Reconstruction {
			g += weight * (epsBase[i] - noise[i])
		}

		if !core.IsFinite(g) {
			g = 0
			result.NonFinite++
		}
		if clip > 0 {
			if g > clip {
				g = clip
				result.Clipped++
			} else if g < -clip {
				g = -clip
				result.Clipped++
			}
		}
		flat[i] = g
		normSq += g * g
	}
	result.GradNorm = math.Sqrt(normSq)

	for p := range result.Grad {
		result.Grad[p] = core.NewVec3(flat[p*3], flat[p*3+1], flat[p*3+2])
	}
	return result
}

// clipAt returns the clip threshold at a training step
func clipAt(cfg EstimatorConfig, step int) float64 {
	if cfg.ClipInitial <= 0 {
		return 0
	}
	if cfg.ClipRampSteps <= 0 || step >= cfg.ClipRampSteps {
		return cfg.ClipFinal
	}
	progress := float64(step) / float64(cfg.ClipRampSteps)
	return core.Lerp(cfg.ClipInitial, cfg.ClipFinal, progress)
}
