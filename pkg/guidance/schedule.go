// Package guidance scores rendered views against a frozen diffusion prior
// and turns the score into per-pixel gradients for the renderer's backward
// pass. The prior itself stays behind an interface; nothing here updates it.
package guidance

import (
	"fmt"
	"math"

	"github.com/df07/go-dream-distiller/pkg/core"
)

// ScheduleConfig describes the prior's forward noising process and which
// slice of it training may draw timesteps from.
type ScheduleConfig struct {
	Timesteps int     // discrete diffusion steps of the prior
	BetaStart float64 // linear beta schedule endpoints
	BetaEnd   float64
	MinFrac   float64 // lowest drawable timestep as a fraction of Timesteps
	MaxFrac   float64 // highest drawable fraction at the start of training

	// Annealing shrinks the upper fraction toward AnnealToFrac over
	// AnnealSteps training steps. Zero AnnealSteps disables it.
	AnnealSteps  int
	AnnealToFrac float64
}

// DefaultScheduleConfig returns sensible default values
func DefaultScheduleConfig() ScheduleConfig {
	return ScheduleConfig{
		Timesteps:    1000,
		BetaStart:    1e-4,
		BetaEnd:      2e-2,
		MinFrac:      0.02,
		MaxFrac:      0.98,
		AnnealSteps:  0,
		AnnealToFrac: 0.5,
	}
}

// Schedule precomputes the noising coefficients of a linear-beta DDPM
// process. AlphaBar is the cumulative signal retention at each timestep.
type Schedule struct {
	cfg      ScheduleConfig
	alphaBar []float64
}

// NewSchedule validates the config and precomputes the coefficient tables
func NewSchedule(cfg ScheduleConfig) (*Schedule, error) {
	if cfg.Timesteps < 2 {
		return nil, fmt.Errorf("schedule needs at least 2 timesteps, got %d", cfg.Timesteps)
	}
	if cfg.BetaStart <= 0 || cfg.BetaEnd <= cfg.BetaStart || cfg.BetaEnd >= 1 {
		return nil, fmt.Errorf("invalid beta range [%g, %g]", cfg.BetaStart, cfg.BetaEnd)
	}
	if cfg.MinFrac < 0 || cfg.MaxFrac > 1 || cfg.MinFrac >= cfg.MaxFrac {
		return nil, fmt.Errorf("invalid timestep fraction range [%g, %g]", cfg.MinFrac, cfg.MaxFrac)
	}
	if cfg.AnnealSteps > 0 && (cfg.AnnealToFrac <= cfg.MinFrac || cfg.AnnealToFrac > cfg.MaxFrac) {
		return nil, fmt.Errorf("anneal target %g outside fraction range [%g, %g]",
			cfg.AnnealToFrac, cfg.MinFrac, cfg.MaxFrac)
	}

	s := &Schedule{cfg: cfg, alphaBar: make([]float64, cfg.Timesteps)}
	prod := 1.0
	for t := 0; t < cfg.Timesteps; t++ {
		beta := cfg.BetaStart + (cfg.BetaEnd-cfg.BetaStart)*float64(t)/float64(cfg.Timesteps-1)
		prod *= 1 - beta
		s.alphaBar[t] = prod
	}
	return s, nil
}

// Timesteps returns the length of the schedule
func (s *Schedule) Timesteps() int { return s.cfg.Timesteps }

// AlphaBar returns the cumulative signal retention at timestep t
func (s *Schedule) AlphaBar(t int) float64 { return s.alphaBar[t] }

// Weight is the per-timestep gradient weight, the noise variance 1 - AlphaBar
func (s *Schedule) Weight(t int) float64 { return 1 - s.alphaBar[t] }

// NoiseCoefficients returns the signal and noise scales for injecting noise
// at timestep t: noisy = signal*x + noise*eps.
func (s *Schedule) NoiseCoefficients(t int) (signal, noise float64) {
	return math.Sqrt(s.alphaBar[t]), math.Sqrt(1 - s.alphaBar[t])
}

// maxFracAt returns the annealed upper timestep fraction at a training step
func (s *Schedule) maxFracAt(step int) float64 {
	if s.cfg.AnnealSteps <= 0 {
		return s.cfg.MaxFrac
	}
	progress := math.Min(1, float64(step)/float64(s.cfg.AnnealSteps))
	return core.Lerp(s.cfg.MaxFrac, s.cfg.AnnealToFrac, progress)
}

// Draw samples a timestep uniformly from the step-dependent fraction range.
// The result is always a valid index into the schedule.
func (s *Schedule) Draw(step int, sampler core.Sampler) int {
	lo := s.cfg.MinFrac * float64(s.cfg.Timesteps)
	hi := s.maxFracAt(step) * float64(s.cfg.Timesteps)
	t := int(core.SampleRange(sampler.Get1D(), lo, hi))
	if t < 0 {
		t = 0
	}
	if t >= s.cfg.Timesteps {
		t = s.cfg.Timesteps - 1
	}
	return t
}
