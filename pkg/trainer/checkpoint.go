package trainer

import (
	"encoding/gob"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/df07/go-dream-distiller/pkg/core"
)

// StoreSnapshot is one parameter store's values keyed by block name
type StoreSnapshot struct {
	Name   string
	Blocks map[string][]float64
}

// Checkpoint is the complete resumable state of a training run. Weights
// and optimizer moments are both present; a weights-only restore simply
// ignores the optimizer section.
type Checkpoint struct {
	Step      int
	Variant   string // field variant active when the snapshot was taken
	Stores    []StoreSnapshot
	Optimizer AdamSnapshot
}

// NewCheckpoint snapshots the named parameter stores and optimizer
func NewCheckpoint(step int, variant string, optimizer *Adam, stores map[string]*core.ParamStore) *Checkpoint {
	ckpt := &Checkpoint{
		Step:      step,
		Variant:   variant,
		Optimizer: optimizer.Snapshot(),
	}
	// Deterministic order keeps checkpoint files byte-comparable
	for _, name := range sortedKeys(stores) {
		ckpt.Stores = append(ckpt.Stores, StoreSnapshot{
			Name:   name,
			Blocks: stores[name].Snapshot(),
		})
	}
	return ckpt
}

// Save writes the checkpoint atomically: a partial file from a crash or an
// interrupt mid-write never shadows a good checkpoint.
func (c *Checkpoint) Save(path string) error {
	tmp := path + ".tmp"
	file, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("create checkpoint: %w", err)
	}
	if err := gob.NewEncoder(file).Encode(c); err != nil {
		file.Close()
		os.Remove(tmp)
		return fmt.Errorf("encode checkpoint: %w", err)
	}
	if err := file.Close(); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("close checkpoint: %w", err)
	}
	return os.Rename(tmp, path)
}

// LoadCheckpoint reads a checkpoint file
func LoadCheckpoint(path string) (*Checkpoint, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open checkpoint: %w", err)
	}
	defer file.Close()

	var ckpt Checkpoint
	if err := gob.NewDecoder(file).Decode(&ckpt); err != nil {
		return nil, fmt.Errorf("decode checkpoint %s: %w", filepath.Base(path), err)
	}
	return &ckpt, nil
}

// RestoreWeights loads parameter values into the given stores. Layout
// mismatches are rejected; extra snapshot stores the caller did not ask
// for are ignored.
func (c *Checkpoint) RestoreWeights(stores map[string]*core.ParamStore) error {
	byName := make(map[string]StoreSnapshot, len(c.Stores))
	for _, snap := range c.Stores {
		byName[snap.Name] = snap
	}
	for name, store := range stores {
		snap, ok := byName[name]
		if !ok {
			return fmt.Errorf("checkpoint has no store %q", name)
		}
		if err := store.Restore(snap.Blocks); err != nil {
			return fmt.Errorf("restore store %q: %w", name, err)
		}
	}
	return nil
}

// Restore loads weights and optimizer state for a full training resume
func (c *Checkpoint) Restore(stores map[string]*core.ParamStore, optimizer *Adam) error {
	if err := c.RestoreWeights(stores); err != nil {
		return err
	}
	return optimizer.RestoreSnapshot(c.Optimizer)
}

func sortedKeys(m map[string]*core.ParamStore) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
