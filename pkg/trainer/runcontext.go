package trainer

import (
	"fmt"
	"image"
	"image/png"
	"os"
	"path/filepath"

	"github.com/google/uuid"
)

// RunContext owns the on-disk layout of one training run. Every run gets a
// fresh uuid-named directory under the configured output root, so repeated
// runs of the same prompt never clobber each other.
type RunContext struct {
	ID  uuid.UUID
	Dir string
}

// NewRunContext creates the run directory tree
func NewRunContext(outputDir string) (*RunContext, error) {
	id := uuid.New()
	dir := filepath.Join(outputDir, id.String())
	for _, d := range []string{
		dir,
		filepath.Join(dir, "checkpoints"),
		filepath.Join(dir, "renders"),
	} {
		if err := os.MkdirAll(d, 0o755); err != nil {
			return nil, fmt.Errorf("create run directory: %w", err)
		}
	}
	return &RunContext{ID: id, Dir: dir}, nil
}

// CheckpointPath returns the path for the checkpoint taken at a step
func (rc *RunContext) CheckpointPath(step int) string {
	return filepath.Join(rc.Dir, "checkpoints", fmt.Sprintf("step_%06d.ckpt", step))
}

// LatestCheckpointPath returns the rolling most-recent checkpoint path
func (rc *RunContext) LatestCheckpointPath() string {
	return filepath.Join(rc.Dir, "checkpoints", "latest.ckpt")
}

// RenderPath returns the path for the validation render taken at a step
func (rc *RunContext) RenderPath(step int) string {
	return filepath.Join(rc.Dir, "renders", fmt.Sprintf("step_%06d.png", step))
}

// MeshPath returns the exported mesh path for a format ("ply" or "obj")
func (rc *RunContext) MeshPath(format string) string {
	return filepath.Join(rc.Dir, "mesh."+format)
}

// SaveRender writes a validation image as PNG
func (rc *RunContext) SaveRender(step int, img image.Image) error {
	file, err := os.Create(rc.RenderPath(step))
	if err != nil {
		return fmt.Errorf("create render: %w", err)
	}
	defer file.Close()
	if err := png.Encode(file, img); err != nil {
		return fmt.Errorf("encode render: %w", err)
	}
	return nil
}
