package trainer

import (
	"fmt"

	"github.com/df07/go-dream-distiller/pkg/core"
)

// ReplicaSet coordinates data-parallel gradient replicas. Each replica owns
// a full copy of the scene parameters and renders an independent view per
// step; Reduce averages their gradients into the primary, and Sync pushes
// the primary's updated values back out. After Sync every replica is
// bit-identical to the primary, so the averaged update behaves exactly like
// a single larger batch.
type ReplicaSet struct {
	primary []*core.ParamStore
	workers [][]*core.ParamStore
}

// NewReplicaSet wires the primary stores to zero or more worker replicas.
// Every worker must carry the same store list as the primary.
func NewReplicaSet(primary []*core.ParamStore, workers ...[]*core.ParamStore) (*ReplicaSet, error) {
	for i, w := range workers {
		if len(w) != len(primary) {
			return nil, fmt.Errorf("replica %d has %d stores, primary has %d", i, len(w), len(primary))
		}
	}
	return &ReplicaSet{primary: primary, workers: workers}, nil
}

// NumReplicas returns the total replica count including the primary
func (rs *ReplicaSet) NumReplicas() int { return 1 + len(rs.workers) }

// Sync copies the primary's parameter values into every worker
func (rs *ReplicaSet) Sync() error {
	for i, w := range rs.workers {
		for j, store := range w {
			if err := store.CopyValuesFrom(rs.primary[j]); err != nil {
				return fmt.Errorf("sync replica %d: %w", i, err)
			}
		}
	}
	return nil
}

// Reduce averages all replica gradients into the primary stores. The
// primary's own gradients participate in the mean.
func (rs *ReplicaSet) Reduce() error {
	n := float64(rs.NumReplicas())
	if n == 1 {
		return nil
	}
	inv := 1 / n

	for _, store := range rs.primary {
		for _, b := range store.Blocks() {
			for i := range b.Grad {
				b.Grad[i] *= inv
			}
		}
	}
	for i, w := range rs.workers {
		for j, store := range w {
			if err := rs.primary[j].AccumulateGrad(store, inv); err != nil {
				return fmt.Errorf("reduce replica %d: %w", i, err)
			}
		}
	}
	return nil
}
