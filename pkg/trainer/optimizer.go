// Package trainer drives the score-distillation optimization loop: render,
// estimate, backpropagate, step, with checkpointing, stage advancement and
// data-parallel replicas layered around it.
package trainer

import (
	"fmt"
	"math"

	"github.com/df07/go-dream-distiller/pkg/core"
)

// AdamConfig parameterizes the optimizer
type AdamConfig struct {
	LearningRate float64
	Beta1        float64
	Beta2        float64
	Epsilon      float64
}

// DefaultAdamConfig returns sensible default values
func DefaultAdamConfig() AdamConfig {
	return AdamConfig{
		LearningRate: 1e-2,
		Beta1:        0.9,
		Beta2:        0.99,
		Epsilon:      1e-15,
	}
}

// adamState holds the moment buffers for one parameter block
type adamState struct {
	m []float64
	v []float64
}

// Adam optimizes one or more parameter stores with per-block learning-rate
// scaling. Moment buffers key on block name, so stores may be re-registered
// across stage transitions; new blocks start with fresh moments.
type Adam struct {
	cfg    AdamConfig
	step   int
	states map[string]*adamState
}

// NewAdam creates an optimizer with empty moment state
func NewAdam(cfg AdamConfig) *Adam {
	return &Adam{cfg: cfg, states: make(map[string]*adamState)}
}

// StepCount returns the number of updates applied so far
func (a *Adam) StepCount() int { return a.step }

// Step applies one Adam update to every block of the given stores using
// the gradients currently accumulated in them.
func (a *Adam) Step(stores ...*core.ParamStore) {
	a.step++
	correction1 := 1 - math.Pow(a.cfg.Beta1, float64(a.step))
	correction2 := 1 - math.Pow(a.cfg.Beta2, float64(a.step))

	for _, store := range stores {
		for _, block := range store.Blocks() {
			st := a.states[block.Name]
			if st == nil || len(st.m) != len(block.Values) {
				st = &adamState{
					m: make([]float64, len(block.Values)),
					v: make([]float64, len(block.Values)),
				}
				a.states[block.Name] = st
			}

			lr := a.cfg.LearningRate * block.LRScale
			for i, g := range block.Grad {
				st.m[i] = a.cfg.Beta1*st.m[i] + (1-a.cfg.Beta1)*g
				st.v[i] = a.cfg.Beta2*st.v[i] + (1-a.cfg.Beta2)*g*g
				mHat := st.m[i] / correction1
				vHat := st.v[i] / correction2
				block.Values[i] -= lr * mHat / (math.Sqrt(vHat) + a.cfg.Epsilon)
			}
		}
	}
}

// Snapshot serializes the optimizer state for checkpointing
func (a *Adam) Snapshot() AdamSnapshot {
	snap := AdamSnapshot{
		Step:    a.step,
		Moments: make(map[string]AdamMoments, len(a.states)),
	}
	for name, st := range a.states {
		m := make([]float64, len(st.m))
		v := make([]float64, len(st.v))
		copy(m, st.m)
		copy(v, st.v)
		snap.Moments[name] = AdamMoments{M: m, V: v}
	}
	return snap
}

// RestoreSnapshot loads optimizer state saved by Snapshot
func (a *Adam) RestoreSnapshot(snap AdamSnapshot) error {
	if snap.Step < 0 {
		return fmt.Errorf("invalid optimizer step %d", snap.Step)
	}
	a.step = snap.Step
	a.states = make(map[string]*adamState, len(snap.Moments))
	for name, mom := range snap.Moments {
		if len(mom.M) != len(mom.V) {
			return fmt.Errorf("optimizer block %q moment size mismatch: %d vs %d", name, len(mom.M), len(mom.V))
		}
		st := &adamState{
			m: make([]float64, len(mom.M)),
			v: make([]float64, len(mom.V)),
		}
		copy(st.m, mom.M)
		copy(st.v, mom.V)
		a.states[name] = st
	}
	return nil
}

// AdamSnapshot is the serializable optimizer state
type AdamSnapshot struct {
	Step    int
	Moments map[string]AdamMoments
}

// AdamMoments holds one block's first and second moment buffers
type AdamMoments struct {
	M []float64
	V []float64
}
