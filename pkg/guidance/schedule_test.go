package guidance

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/df07/go-dream-distiller/pkg/core"
)

func TestScheduleCoefficients(t *testing.T) {
	s, err := NewSchedule(DefaultScheduleConfig())
	require.NoError(t, err)

	// Signal retention decays monotonically toward zero
	prev := 1.0
	for ti := 0; ti < s.Timesteps(); ti++ {
		ab := s.AlphaBar(ti)
		assert.Greater(t, ab, 0.0)
		assert.Less(t, ab, prev)
		prev = ab

		signal, noise := s.NoiseCoefficients(ti)
		assert.InDelta(t, 1.0, signal*signal+noise*noise, 1e-12)
		assert.InDelta(t, s.Weight(ti), noise*noise, 1e-12)
	}
	assert.Less(t, s.AlphaBar(s.Timesteps()-1), 0.01)
}

func TestScheduleDrawStaysInRange(t *testing.T) {
	cfg := DefaultScheduleConfig()
	s, err := NewSchedule(cfg)
	require.NoError(t, err)

	sampler := core.NewSeededSampler(11)
	lo := int(cfg.MinFrac * float64(cfg.Timesteps))
	hi := int(cfg.MaxFrac * float64(cfg.Timesteps))
	for i := 0; i < 1000; i++ {
		ti := s.Draw(0, sampler)
		assert.GreaterOrEqual(t, ti, lo)
		assert.LessOrEqual(t, ti, hi)
	}
}

func TestScheduleAnnealingLowersCeiling(t *testing.T) {
	cfg := DefaultScheduleConfig()
	cfg.AnnealSteps = 100
	cfg.AnnealToFrac = 0.5
	s, err := NewSchedule(cfg)
	require.NoError(t, err)

	sampler := core.NewSeededSampler(17)
	ceiling := int(cfg.AnnealToFrac * float64(cfg.Timesteps))
	for i := 0; i < 1000; i++ {
		ti := s.Draw(cfg.AnnealSteps, sampler)
		assert.LessOrEqual(t, ti, ceiling)
	}

	// Early steps may still draw high timesteps
	sawHigh := false
	for i := 0; i < 1000; i++ {
		if s.Draw(0, sampler) > ceiling {
			sawHigh = true
			break
		}
	}
	assert.True(t, sawHigh)
}

func TestScheduleRejectsBadConfig(t *testing.T) {
	bad := []func(*ScheduleConfig){
		func(c *ScheduleConfig) { c.Timesteps = 1 },
		func(c *ScheduleConfig) { c.BetaStart = 0 },
		func(c *ScheduleConfig) { c.BetaEnd = c.BetaStart },
		func(c *ScheduleConfig) { c.BetaEnd = 1.5 },
		func(c *ScheduleConfig) { c.MinFrac = 0.9; c.MaxFrac = 0.1 },
		func(c *ScheduleConfig) { c.AnnealSteps = 10; c.AnnealToFrac = 0.001 },
	}
	for i, mutate := range bad {
		cfg := DefaultScheduleConfig()
		mutate(&cfg)
		_, err := NewSchedule(cfg)
		assert.Error(t, err, "case %d", i)
	}
}
