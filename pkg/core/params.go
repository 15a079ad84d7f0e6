package core

import (
	"fmt"
	"math"
)

// ParamBlock is a named, flat slice of optimizable values with a parallel
// gradient slice. Field variants register one block per logical tensor
// (grid features, layer weights, vertex offsets, ...).
type ParamBlock struct {
	Name    string
	Values  []float64
	Grad    []float64
	LRScale float64 // per-block learning-rate multiplier
}

// ParamStore owns every optimizable parameter of a scene representation.
// Blocks keep their registration order so checkpointing, all-reduce and the
// optimizer all walk parameters deterministically.
type ParamStore struct {
	blocks []*ParamBlock
	index  map[string]*ParamBlock
}

// NewParamStore creates an empty parameter store
func NewParamStore() *ParamStore {
	return &ParamStore{index: make(map[string]*ParamBlock)}
}

// Register adds a zero-initialized block. Registering a duplicate name panics:
// block names are compile-time constants of the field variants.
func (s *ParamStore) Register(name string, size int, lrScale float64) *ParamBlock {
	if _, exists := s.index[name]; exists {
		panic(fmt.Sprintf("parameter block %q registered twice", name))
	}
	block := &ParamBlock{
		Name:    name,
		Values:  make([]float64, size),
		Grad:    make([]float64, size),
		LRScale: lrScale,
	}
	s.blocks = append(s.blocks, block)
	s.index[name] = block
	return block
}

// Block returns a registered block by name, or nil
func (s *ParamStore) Block(name string) *ParamBlock {
	return s.index[name]
}

// Blocks returns all blocks in registration order
func (s *ParamStore) Blocks() []*ParamBlock {
	return s.blocks
}

// NumParams returns the total number of scalar parameters
func (s *ParamStore) NumParams() int {
	total := 0
	for _, b := range s.blocks {
		total += len(b.Values)
	}
	return total
}

// ZeroGrad clears every gradient slice
func (s *ParamStore) ZeroGrad() {
	for _, b := range s.blocks {
		for i := range b.Grad {
			b.Grad[i] = 0
		}
	}
}

// GradNorm returns the L2 norm over all gradients
func (s *ParamStore) GradNorm() float64 {
	sum := 0.0
	for _, b := range s.blocks {
		for _, g := range b.Grad {
			sum += g * g
		}
	}
	return math.Sqrt(sum)
}

// GradIsFinite reports whether every gradient entry is finite
func (s *ParamStore) GradIsFinite() bool {
	for _, b := range s.blocks {
		for _, g := range b.Grad {
			if !IsFinite(g) {
				return false
			}
		}
	}
	return true
}

// Clone returns a deep copy with identical values and zeroed gradients.
// Replicas are created this way so they start bit-identical.
func (s *ParamStore) Clone() *ParamStore {
	clone := NewParamStore()
	for _, b := range s.blocks {
		nb := clone.Register(b.Name, len(b.Values), b.LRScale)
		copy(nb.Values, b.Values)
	}
	return clone
}

// CopyValuesFrom overwrites values from a store with identical layout
func (s *ParamStore) CopyValuesFrom(other *ParamStore) error {
	if err := s.checkLayout(other); err != nil {
		return err
	}
	for i, b := range s.blocks {
		copy(b.Values, other.blocks[i].Values)
	}
	return nil
}

// AccumulateGrad adds the other store's gradients, scaled, into this one.
// This is the reduce half of the replica all-reduce.
func (s *ParamStore) AccumulateGrad(other *ParamStore, scale float64) error {
	if err := s.checkLayout(other); err != nil {
		return err
	}
	for i, b := range s.blocks {
		for j, g := range other.blocks[i].Grad {
			b.Grad[j] += g * scale
		}
	}
	return nil
}

// Snapshot returns a copy of every block's values keyed by name
func (s *ParamStore) Snapshot() map[string][]float64 {
	snap := make(map[string][]float64, len(s.blocks))
	for _, b := range s.blocks {
		values := make([]float64, len(b.Values))
		copy(values, b.Values)
		snap[b.Name] = values
	}
	return snap
}

// Restore loads a snapshot produced by Snapshot. Layout mismatches are
// rejected: a checkpoint from a different representation cannot be loaded.
func (s *ParamStore) Restore(snap map[string][]float64) error {
	for _, b := range s.blocks {
		values, ok := snap[b.Name]
		if !ok {
			return fmt.Errorf("snapshot missing parameter block %q", b.Name)
		}
		if len(values) != len(b.Values) {
			return fmt.Errorf("parameter block %q size mismatch: have %d, snapshot %d",
				b.Name, len(b.Values), len(values))
		}
		copy(b.Values, values)
	}
	return nil
}

func (s *ParamStore) checkLayout(other *ParamStore) error {
	if len(s.blocks) != len(other.blocks) {
		return fmt.Errorf("param store layout mismatch: %d blocks vs %d", len(s.blocks), len(other.blocks))
	}
	for i, b := range s.blocks {
		ob := other.blocks[i]
		if b.Name != ob.Name || len(b.Values) != len(ob.Values) {
			return fmt.Errorf("param block %d mismatch: %s[%d] vs %s[%d]",
				i, b.Name, len(b.Values), ob.Name, len(ob.Values))
		}
	}
	return nil
}
