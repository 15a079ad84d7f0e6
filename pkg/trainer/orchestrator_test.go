package trainer

import (
	"context"
	"math"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/df07/go-dream-distiller/pkg/config"
	"github.com/df07/go-dream-distiller/pkg/field"
)

// fakePrior returns a deterministic prediction derived from the embedding,
// so conditioned and unconditioned branches differ without a service.
type fakePrior struct {
	calls int
}

func (p *fakePrior) PredictNoise(_ context.Context, noisy []float64, _, _ int, embedding []float64, _ int) ([]float64, error) {
	p.calls++
	out := make([]float64, len(noisy))
	for i := range out {
		out[i] = 0.1 * embedding[0]
	}
	return out, nil
}

// poisonedPrior returns a prediction with one non-finite component
type poisonedPrior struct{}

func (poisonedPrior) PredictNoise(_ context.Context, noisy []float64, _, _ int, _ []float64, _ int) ([]float64, error) {
	out := make([]float64, len(noisy))
	out[0] = math.NaN()
	return out, nil
}

// testConfig shrinks every dimension so a few steps run in milliseconds
func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.Run.Prompt = "a small ceramic cube"
	cfg.Run.Seed = 7
	cfg.Run.OutputDir = t.TempDir()
	cfg.Camera.Width = 8
	cfg.Camera.Height = 8
	cfg.Render.SamplesPerRay = 4
	cfg.Render.Occupancy.Enabled = false
	cfg.Field.Neural.Levels = 2
	cfg.Field.Neural.BaseResolution = 4
	cfg.Field.Neural.HiddenSize = 8
	cfg.Field.Lattice.Resolution = 8
	cfg.Guidance.EmbeddingDim = 8
	cfg.Trainer.Steps = 2
	cfg.Trainer.CheckpointEvery = 0
	cfg.Trainer.ValidateEvery = 0
	cfg.Export.Resolution = 8
	return cfg
}

func TestTrainScaleZeroLeavesParamsUnchanged(t *testing.T) {
	cfg := testConfig(t)
	cfg.Trainer.Steps = 3
	cfg.Guidance.Scale = 0
	cfg.Trainer.Regularizers = config.RegularizerConfig{}

	tr, err := New(cfg, &fakePrior{}, nil)
	require.NoError(t, err)

	before := tr.scene.Field.Params().Snapshot()
	require.NoError(t, tr.Train(context.Background()))

	// At guidance scale zero the residual vanishes identically, so with
	// regularizers off no parameter may move.
	assert.Equal(t, before, tr.scene.Field.Params().Snapshot())
	assert.Equal(t, StateDone, tr.State())
	assert.Equal(t, 3, tr.Step())
}

func TestTrainStepsMoveParamsAtPositiveScale(t *testing.T) {
	cfg := testConfig(t)
	prior := &fakePrior{}
	tr, err := New(cfg, prior, nil)
	require.NoError(t, err)

	before := tr.scene.Field.Params().Snapshot()
	require.NoError(t, tr.Train(context.Background()))

	assert.NotEqual(t, before, tr.scene.Field.Params().Snapshot())
	// Two prior calls per step for the classifier-free pair
	assert.Equal(t, 2*cfg.Trainer.Steps, prior.calls)
}

func TestTrainAbortsOnNonFinitePrediction(t *testing.T) {
	cfg := testConfig(t)
	tr, err := New(cfg, poisonedPrior{}, nil)
	require.NoError(t, err)

	err = tr.Train(context.Background())
	assert.ErrorContains(t, err, "non-finite")
	assert.Equal(t, StateAborted, tr.State())
	assert.Equal(t, 0, tr.Step(), "the poisoned step must not count")
}

func TestStopRequestFinalizesWithoutFurtherSteps(t *testing.T) {
	cfg := testConfig(t)
	cfg.Trainer.Steps = 100

	tr, err := New(cfg, &fakePrior{}, nil)
	require.NoError(t, err)

	tr.RequestStop()
	require.NoError(t, tr.Train(context.Background()))

	assert.Equal(t, StateDone, tr.State())
	assert.Equal(t, 0, tr.Step())
	_, err = os.Stat(tr.Run().LatestCheckpointPath())
	assert.NoError(t, err, "finalization must still checkpoint")
}

func TestDoubleStopAbortsWithoutFinalization(t *testing.T) {
	cfg := testConfig(t)
	cfg.Trainer.Steps = 100

	tr, err := New(cfg, &fakePrior{}, nil)
	require.NoError(t, err)

	tr.RequestStop()
	tr.RequestStop()
	require.NoError(t, tr.Train(context.Background()))

	assert.Equal(t, StateAborted, tr.State())
	_, err = os.Stat(tr.Run().LatestCheckpointPath())
	assert.True(t, os.IsNotExist(err))
}

func TestReplicasStayBitIdentical(t *testing.T) {
	cfg := testConfig(t)
	cfg.Trainer.Replicas = 2

	tr, err := New(cfg, &fakePrior{}, nil)
	require.NoError(t, err)
	require.Len(t, tr.workers, 1)
	require.NoError(t, tr.Train(context.Background()))

	assert.Equal(t,
		tr.scene.Field.Params().Snapshot(),
		tr.workers[0].Field.Params().Snapshot())
}

func TestCheckpointResume(t *testing.T) {
	cfg := testConfig(t)
	tr, err := New(cfg, &fakePrior{}, nil)
	require.NoError(t, err)
	require.NoError(t, tr.Train(context.Background()))

	resumed, err := New(cfg, &fakePrior{}, nil)
	require.NoError(t, err)
	require.NoError(t, resumed.Resume(tr.Run().LatestCheckpointPath()))

	assert.Equal(t, tr.Step(), resumed.Step())
	assert.Equal(t,
		tr.scene.Field.Params().Snapshot(),
		resumed.scene.Field.Params().Snapshot())
}

func TestStageAdvancesNeuralToLattice(t *testing.T) {
	cfg := testConfig(t)
	cfg.Trainer.Stages = []config.StageConfig{
		{Variant: "neural", Steps: 1},
		{Variant: "lattice", Steps: 1, ConvertThreshold: 2.0},
	}

	tr, err := New(cfg, &fakePrior{}, nil)
	require.NoError(t, err)
	require.NoError(t, tr.Train(context.Background()))

	assert.Equal(t, field.VariantLattice, tr.scene.Field.Variant())
	assert.Equal(t, 2, tr.Step())
	assert.Equal(t, StateDone, tr.State())
}

func TestNewRejectsStageVariantMismatch(t *testing.T) {
	cfg := testConfig(t)
	cfg.Trainer.Stages = []config.StageConfig{
		{Variant: "lattice", Steps: 1},
	}
	// Config starts the field on neural but the curriculum starts on lattice
	_, err := New(cfg, &fakePrior{}, nil)
	assert.Error(t, err)
}

func TestTrainRequiresPrompt(t *testing.T) {
	cfg := testConfig(t)
	cfg.Run.Prompt = ""
	tr, err := New(cfg, &fakePrior{}, nil)
	require.NoError(t, err)
	assert.Error(t, tr.Train(context.Background()))
}

func TestRunContextLayout(t *testing.T) {
	rc, err := NewRunContext(t.TempDir())
	require.NoError(t, err)

	info, err := os.Stat(rc.Dir)
	require.NoError(t, err)
	assert.True(t, info.IsDir())
	assert.Contains(t, rc.CheckpointPath(42), "step_000042.ckpt")
	assert.Contains(t, rc.RenderPath(7), "step_000007.png")
	assert.Contains(t, rc.MeshPath("obj"), "mesh.obj")
}
