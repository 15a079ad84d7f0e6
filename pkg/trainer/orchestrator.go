package trainer

import (
	"context"
	"fmt"
	"math"
	"sync/atomic"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/df07/go-dream-distiller/pkg/config"
	"github.com/df07/go-dream-distiller/pkg/core"
	"github.com/df07/go-dream-distiller/pkg/extractor"
	"github.com/df07/go-dream-distiller/pkg/field"
	"github.com/df07/go-dream-distiller/pkg/guidance"
	"github.com/df07/go-dream-distiller/pkg/loaders"
	"github.com/df07/go-dream-distiller/pkg/renderer"
	"github.com/df07/go-dream-distiller/pkg/scene"
)

// State names where a run currently is. Transitions only happen at step
// boundaries, so a state is never observed mid-update.
type State string

const (
	StateInit       State = "init"
	StateTraining   State = "training"
	StateExporting  State = "exporting"
	StateFinalizing State = "finalizing"
	StateDone       State = "done"
	StateAborted    State = "aborted"
)

// stage is one resolved entry of the coarse-to-fine curriculum, with
// absolute step boundaries.
type stage struct {
	variant   string
	start     int // first global step of the stage
	end       int // one past the last
	threshold float64
}

// Trainer orchestrates a full text-to-3D run: per-step render, guidance
// estimation, backpropagation and optimizer updates, with stage advancement,
// checkpointing, validation renders and final mesh export around the loop.
type Trainer struct {
	cfg       *config.Config
	run       *RunContext
	logger    *zap.Logger
	prior     guidance.Prior
	prompt    guidance.PromptProcessor
	estimator guidance.Estimator

	scene    *scene.Scene
	workers  []*scene.Scene // extra data-parallel replicas
	replicas *ReplicaSet

	optimizer *Adam
	sampler   core.Sampler

	stages   []stage
	stageIdx int
	step     int
	state    State
	stops    atomic.Int64
}

// New builds a trainer from a validated configuration. The prior is
// injected so offline tests can substitute a fake; logger may be nil.
func New(cfg *config.Config, prior guidance.Prior, logger *zap.Logger) (*Trainer, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	stages := buildStages(cfg)
	if stages[0].variant != cfg.Field.Variant {
		return nil, fmt.Errorf("first stage variant %q does not match configured field variant %q",
			stages[0].variant, cfg.Field.Variant)
	}

	run, err := NewRunContext(cfg.Run.OutputDir)
	if err != nil {
		return nil, err
	}

	sc, err := cfg.BuildScene()
	if err != nil {
		return nil, err
	}
	seedInitialSurface(sc.Field, cfg)

	workers := make([]*scene.Scene, 0, cfg.Trainer.Replicas-1)
	for i := 1; i < cfg.Trainer.Replicas; i++ {
		ws, err := cfg.BuildScene()
		if err != nil {
			return nil, err
		}
		workers = append(workers, ws)
	}

	prompt, err := guidance.NewHashedPromptProcessor(cfg.Guidance.EmbeddingDim)
	if err != nil {
		return nil, err
	}
	estimator, err := cfg.BuildEstimator(prior, logger)
	if err != nil {
		return nil, err
	}

	t := &Trainer{
		cfg:       cfg,
		run:       run,
		logger:    logger,
		prior:     prior,
		prompt:    prompt,
		estimator: estimator,
		scene:     sc,
		workers:   workers,
		optimizer: NewAdam(AdamConfig{
			LearningRate: cfg.Trainer.LearningRate,
			Beta1:        cfg.Trainer.Beta1,
			Beta2:        cfg.Trainer.Beta2,
			Epsilon:      cfg.Trainer.Epsilon,
		}),
		sampler: core.NewSeededSampler(cfg.Run.Seed),
		stages:  stages,
		state:   StateInit,
	}
	if err := t.rewireReplicas(); err != nil {
		return nil, err
	}
	return t, nil
}

// Run returns the run context (directory layout, run id)
func (t *Trainer) Run() *RunContext { return t.run }

// State returns the current state
func (t *Trainer) State() State { return t.state }

// Step returns the number of completed training steps
func (t *Trainer) Step() int { return t.step }

// RequestStop asks the trainer to stop at the next step boundary. The first
// request finalizes the run (checkpoint and export); a second request
// abandons finalization too. Safe to call from a signal handler goroutine.
func (t *Trainer) RequestStop() int {
	return int(t.stops.Add(1))
}

// buildStages resolves the configured curriculum to absolute boundaries.
// Without explicit stages the whole run is one stage of the starting variant.
func buildStages(cfg *config.Config) []stage {
	if len(cfg.Trainer.Stages) == 0 {
		return []stage{{variant: cfg.Field.Variant, start: 0, end: cfg.Trainer.Steps}}
	}
	stages := make([]stage, 0, len(cfg.Trainer.Stages))
	at := 0
	for _, sc := range cfg.Trainer.Stages {
		stages = append(stages, stage{
			variant:   sc.Variant,
			start:     at,
			end:       at + sc.Steps,
			threshold: sc.ConvertThreshold,
		})
		at += sc.Steps
	}
	return stages
}

// totalSteps is the global step count across all stages
func (t *Trainer) totalSteps() int {
	return t.stages[len(t.stages)-1].end
}

// seedInitialSurface gives a fresh lattice a centered sphere SDF. A lattice
// initialized far outside everywhere has no zero crossing and therefore no
// surface to rasterize, so silhouette gradients would never flow.
func seedInitialSurface(f field.Field, cfg *config.Config) {
	lf, ok := f.(*field.LatticeField)
	if !ok {
		return
	}
	radius := cfg.Field.Lattice.BoundsHalf * 0.5
	n := cfg.Field.Lattice.Resolution
	denom := float64(n - 1)
	for i := 0; i < n; i++ {
		for j := 0; j < n; j++ {
			for k := 0; k < n; k++ {
				p := lf.Bounds().Lerp(float64(i)/denom, float64(j)/denom, float64(k)/denom)
				lf.SetSDFValue(i, j, k, p.Length()-radius)
			}
		}
	}
}

// rewireReplicas rebuilds the replica set over the current stores and
// broadcasts the primary values. Called at construction and after every
// stage transition, when the store layout changes.
func (t *Trainer) rewireReplicas() error {
	workerStores := make([][]*core.ParamStore, len(t.workers))
	for i, w := range t.workers {
		workerStores[i] = w.ParamStores()
	}
	rs, err := NewReplicaSet(t.scene.ParamStores(), workerStores...)
	if err != nil {
		return err
	}
	t.replicas = rs
	return rs.Sync()
}

// Train runs the optimization loop to completion or until stopped
func (t *Trainer) Train(ctx context.Context) error {
	if t.state != StateInit {
		return fmt.Errorf("trainer already ran (state %s)", t.state)
	}
	if t.cfg.Run.Prompt == "" {
		return fmt.Errorf("training requires a prompt")
	}

	t.state = StateTraining
	t.logger.Info("training started",
		zap.String("run", t.run.ID.String()),
		zap.String("prompt", t.cfg.Run.Prompt),
		zap.Int("start_step", t.step),
		zap.Int("total_steps", t.totalSteps()),
		zap.Int("replicas", t.cfg.Trainer.Replicas))

	for t.step < t.totalSteps() {
		if err := ctx.Err(); err != nil {
			t.state = StateAborted
			return err
		}
		if n := t.stops.Load(); n >= 2 {
			t.logger.Warn("second stop request, aborting without finalization", zap.Int("step", t.step))
			t.state = StateAborted
			return nil
		} else if n == 1 {
			t.logger.Info("stop requested, finalizing", zap.Int("step", t.step))
			break
		}

		if err := t.maybeAdvanceStage(); err != nil {
			t.state = StateAborted
			return err
		}
		if err := t.trainStep(ctx); err != nil {
			t.state = StateAborted
			return err
		}
		t.step++
		t.runCadences()
	}
	return t.finalize()
}

// finalize checkpoints and exports the trained representation. An export
// failure is logged rather than fatal: the checkpoint already preserves the
// run, and an early interrupt may simply have no surface yet.
func (t *Trainer) finalize() error {
	t.state = StateFinalizing
	if err := t.saveCheckpoint(); err != nil {
		t.state = StateAborted
		return fmt.Errorf("final checkpoint: %w", err)
	}
	if err := t.exportMesh(); err != nil {
		t.logger.Warn("export skipped", zap.Error(err))
	}
	t.state = StateDone
	t.logger.Info("run complete", zap.Int("steps", t.step), zap.String("dir", t.run.Dir))
	return nil
}

// Export extracts and writes the mesh without training. Used by the export
// mode after a checkpoint restore.
func (t *Trainer) Export() error {
	if t.state != StateInit {
		return fmt.Errorf("trainer already ran (state %s)", t.state)
	}
	t.state = StateExporting
	if err := t.exportMesh(); err != nil {
		t.state = StateAborted
		return err
	}
	t.state = StateDone
	return nil
}

// maybeAdvanceStage converts the field when the step crosses into the next
// stage of the curriculum.
func (t *Trainer) maybeAdvanceStage() error {
	for t.stageIdx+1 < len(t.stages) && t.step >= t.stages[t.stageIdx+1].start {
		next := t.stages[t.stageIdx+1]
		from := string(t.scene.Field.Variant())
		t.logger.Info("advancing stage",
			zap.Int("step", t.step),
			zap.String("from", from),
			zap.String("to", next.variant))

		converted, err := t.convertField(t.scene.Field, next)
		if err != nil {
			return fmt.Errorf("stage %s -> %s: %w", from, next.variant, err)
		}
		t.scene.Field = converted
		for _, w := range t.workers {
			wf, err := t.fieldLike(converted)
			if err != nil {
				return err
			}
			w.Field = wf
		}
		t.stageIdx++
		if err := t.rewireReplicas(); err != nil {
			return err
		}
	}
	return nil
}

// convertField produces the next stage's representation from the current one
func (t *Trainer) convertField(f field.Field, next stage) (field.Field, error) {
	switch next.variant {
	case "lattice":
		nf, ok := f.(*field.NeuralField)
		if !ok {
			return nil, fmt.Errorf("lattice stage requires a neural predecessor, have %s", f.Variant())
		}
		return field.ConvertNeuralToLattice(nf, t.cfg.LatticeFieldConfig(), next.threshold)

	case "mesh":
		var mesh *extractor.Mesh
		var err error
		switch src := f.(type) {
		case *field.LatticeField:
			mesh, _, err = extractor.ExtractLattice(src, false)
		case *field.NeuralField:
			mesh, err = extractor.ExtractDensity(src, t.cfg.Export.Resolution, next.threshold, false)
		default:
			return nil, fmt.Errorf("mesh stage cannot convert from %s", f.Variant())
		}
		if err != nil {
			return nil, err
		}
		if mesh.NumTriangles() == 0 {
			return nil, fmt.Errorf("no surface to convert: extraction produced an empty mesh")
		}
		// Appearance transfers by querying raw features at each vertex;
		// both representations apply the sigmoid at display time.
		colors := make([]core.Vec3, len(mesh.Vertices))
		for i, v := range mesh.Vertices {
			s := f.Query(v)
			colors[i] = core.NewVec3(s.Features[0], s.Features[1], s.Features[2])
		}
		return field.NewMeshField(mesh.Vertices, mesh.Faces, colors), nil

	default:
		return nil, fmt.Errorf("cannot convert into variant %q", next.variant)
	}
}

// fieldLike builds a fresh field with the primary's variant and layout for a
// worker replica; values arrive through the replica sync.
func (t *Trainer) fieldLike(primary field.Field) (field.Field, error) {
	switch f := primary.(type) {
	case *field.LatticeField:
		return field.NewLatticeField(t.cfg.LatticeFieldConfig()), nil
	case *field.MeshField:
		vertices := make([]core.Vec3, f.NumVertices())
		for i := range vertices {
			vertices[i] = f.Vertex(i)
		}
		return field.NewMeshField(vertices, f.Faces(), nil), nil
	case *field.NeuralField:
		return t.cfg.BuildField()
	default:
		return nil, fmt.Errorf("unknown field type %T", primary)
	}
}

// stepSeed derives the deterministic per-replica randomness of one step
func (t *Trainer) stepSeed(replica int) int64 {
	return t.cfg.Run.Seed + int64(t.step)*1000003 + int64(replica)*8191
}

// trainStep runs one optimization step across all replicas: parallel
// forward renders, sequential guidance estimation and backpropagation, then
// the averaged optimizer update.
func (t *Trainer) trainStep(ctx context.Context) error {
	scenes := append([]*scene.Scene{t.scene}, t.workers...)
	for _, sc := range scenes {
		for _, store := range sc.ParamStores() {
			store.ZeroGrad()
		}
	}

	outs := make([]*renderer.RenderOutput, len(scenes))
	backwards := make([]func([]core.Vec3, []float64) error, len(scenes))
	buckets := make([]renderer.ViewBucket, len(scenes))
	samplers := make([]core.Sampler, len(scenes))

	g, _ := errgroup.WithContext(ctx)
	for i, sc := range scenes {
		i, sc := i, sc
		g.Go(func() error {
			smp := core.NewSeededSampler(t.stepSeed(i))
			sc.Background.Advance(t.step, smp)
			camera, bucket := renderer.SampleOrbitCamera(t.cfg.OrbitConfig(), smp)

			out, backward, err := t.renderView(sc, camera, t.stepSeed(i)+1)
			if err != nil {
				return fmt.Errorf("replica %d: %w", i, err)
			}
			if err := out.CheckFinite(); err != nil {
				return fmt.Errorf("replica %d: %w", i, err)
			}
			outs[i] = out
			backwards[i] = backward
			buckets[i] = bucket
			samplers[i] = smp
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	// Estimation stays sequential: the variance-reduced estimator carries
	// online state, and ordering keeps runs reproducible.
	embUncond := t.prompt.UnconditionalEmbedding()
	gradNorm := 0.0
	regTotal := 0.0
	for i := range scenes {
		embCond, err := t.prompt.Embedding(t.cfg.Run.Prompt, buckets[i])
		if err != nil {
			return err
		}
		gout, err := t.estimator.Estimate(ctx, outs[i], embCond, embUncond, t.step, samplers[i])
		if err != nil {
			return fmt.Errorf("guidance at step %d: %w", t.step, err)
		}
		reg := ApplyRegularizers(t.regularizerConfig(), outs[i], scenes[i].Field, samplers[i])
		if err := backwards[i](gout.Grad, reg.DAlpha); err != nil {
			return err
		}
		gradNorm += gout.GradNorm
		regTotal += reg.Total()
	}

	if err := t.replicas.Reduce(); err != nil {
		return err
	}
	// Optimizing garbage is worse than stopping; match the render-buffer
	// finiteness check and fail the run.
	for _, store := range t.scene.ParamStores() {
		if !store.GradIsFinite() {
			return fmt.Errorf("non-finite gradients at step %d", t.step)
		}
	}
	t.optimizer.Step(t.scene.ParamStores()...)
	if err := t.replicas.Sync(); err != nil {
		return err
	}

	t.logger.Debug("step",
		zap.Int("step", t.step),
		zap.Float64("guidance_norm", gradNorm/float64(len(scenes))),
		zap.Float64("reg_loss", regTotal/float64(len(scenes))),
		zap.Float64("mean_alpha", outs[0].MeanAlpha()),
		zap.Int64("clamped", t.scene.Field.ClampCount()))
	return nil
}

// renderView dispatches to the render path of the scene's current variant:
// volume marching for the neural field, differentiable rasterization for the
// lattice surface and the explicit mesh.
func (t *Trainer) renderView(sc *scene.Scene, camera *renderer.Camera, seed int64) (*renderer.RenderOutput, func([]core.Vec3, []float64) error, error) {
	switch f := sc.Field.(type) {
	case *field.MeshField:
		rr := renderer.NewRasterRenderer(t.cfg.RasterConfig(), renderer.NewMeshGeometry(f), sc.Background)
		out, tape, err := rr.Render(camera)
		if err != nil {
			return nil, nil, err
		}
		return out, func(dc []core.Vec3, da []float64) error { return rr.Backward(tape, dc, da) }, nil

	case *field.LatticeField:
		geom, err := extractor.NewLatticeGeometry(f)
		if err != nil {
			return nil, nil, err
		}
		rr := renderer.NewRasterRenderer(t.cfg.RasterConfig(), geom, sc.Background)
		out, tape, err := rr.Render(camera)
		if err != nil {
			return nil, nil, err
		}
		return out, func(dc []core.Vec3, da []float64) error { return rr.Backward(tape, dc, da) }, nil

	default:
		vr := sc.VolumeRenderer()
		out, tape, err := vr.Render(camera, seed)
		if err != nil {
			return nil, nil, err
		}
		return out, func(dc []core.Vec3, da []float64) error { return vr.Backward(tape, dc, da) }, nil
	}
}

func (t *Trainer) regularizerConfig() RegularizerConfig {
	r := t.cfg.Trainer.Regularizers
	return RegularizerConfig{
		OpacityWeight:    r.OpacityWeight,
		SmoothnessWeight: r.SmoothnessWeight,
		OccupancyWeight:  r.OccupancyWeight,
		Probes:           r.SmoothnessProbes,
	}
}

// runCadences handles the periodic work after a completed step
func (t *Trainer) runCadences() {
	occ := t.cfg.Render.Occupancy
	if occ.Enabled && occ.RefreshEvery > 0 && t.step%occ.RefreshEvery == 0 {
		t.scene.RefreshOccupancy(occ.JitterSamples, t.sampler)
		for _, w := range t.workers {
			w.RefreshOccupancy(occ.JitterSamples, t.sampler)
		}
	}
	if ce := t.cfg.Trainer.CheckpointEvery; ce > 0 && t.step%ce == 0 {
		if err := t.saveCheckpoint(); err != nil {
			t.logger.Error("checkpoint failed", zap.Int("step", t.step), zap.Error(err))
		}
	}
	if ve := t.cfg.Trainer.ValidateEvery; ve > 0 && t.step%ve == 0 {
		if err := t.validationRender(); err != nil {
			t.logger.Error("validation render failed", zap.Int("step", t.step), zap.Error(err))
		}
	}
}

// storesMap names the checkpointable stores of the primary scene
func (t *Trainer) storesMap() map[string]*core.ParamStore {
	m := map[string]*core.ParamStore{"field": t.scene.Field.Params()}
	if bg := t.scene.Background.Params(); bg != nil {
		m["background"] = bg
	}
	return m
}

func (t *Trainer) saveCheckpoint() error {
	ckpt := NewCheckpoint(t.step, string(t.scene.Field.Variant()), t.optimizer, t.storesMap())
	path := t.run.CheckpointPath(t.step)
	if err := ckpt.Save(path); err != nil {
		return err
	}
	if err := ckpt.Save(t.run.LatestCheckpointPath()); err != nil {
		return err
	}
	t.logger.Info("checkpoint saved", zap.Int("step", t.step), zap.String("path", path))
	return nil
}

// Resume restores a checkpoint into a freshly constructed trainer. Mesh
// checkpoints cannot resume: the connectivity lives only in the converted
// field, not in the parameter snapshot.
func (t *Trainer) Resume(path string) error {
	if t.state != StateInit {
		return fmt.Errorf("cannot resume after starting (state %s)", t.state)
	}
	ckpt, err := LoadCheckpoint(path)
	if err != nil {
		return err
	}
	if ckpt.Variant == string(field.VariantMesh) {
		return fmt.Errorf("mesh-stage checkpoints cannot be resumed")
	}

	if string(t.scene.Field.Variant()) != ckpt.Variant {
		if ckpt.Variant != string(field.VariantLattice) {
			return fmt.Errorf("checkpoint variant %q does not match configured field %q",
				ckpt.Variant, t.scene.Field.Variant())
		}
		t.scene.Field = field.NewLatticeField(t.cfg.LatticeFieldConfig())
		for i := range t.workers {
			t.workers[i].Field = field.NewLatticeField(t.cfg.LatticeFieldConfig())
		}
	}

	if err := ckpt.Restore(t.storesMap(), t.optimizer); err != nil {
		return err
	}
	t.step = ckpt.Step
	for t.stageIdx+1 < len(t.stages) && t.step >= t.stages[t.stageIdx+1].start {
		t.stageIdx++
	}
	if t.stages[t.stageIdx].variant != ckpt.Variant {
		return fmt.Errorf("checkpoint step %d falls in a %q stage but holds %q parameters",
			ckpt.Step, t.stages[t.stageIdx].variant, ckpt.Variant)
	}
	if err := t.rewireReplicas(); err != nil {
		return err
	}
	t.logger.Info("resumed", zap.Int("step", t.step), zap.String("variant", ckpt.Variant))
	return nil
}

// validationCamera is a fixed front pose at the middle of the orbit ranges,
// so successive validation renders are directly comparable.
func (t *Trainer) validationCamera() *renderer.Camera {
	cam := t.cfg.Camera
	radius := (cam.RadiusMin + cam.RadiusMax) / 2
	vfov := (cam.VFovMin + cam.VFovMax) / 2
	dir := core.SphericalDirection(0, 15*math.Pi/180)
	return renderer.NewCamera(renderer.CameraConfig{
		Center: dir.Multiply(radius),
		LookAt: core.NewVec3(0, 0, 0),
		Up:     core.NewVec3(0, 1, 0),
		VFov:   vfov,
		Width:  cam.Width,
		Height: cam.Height,
	})
}

func (t *Trainer) validationRender() error {
	out, _, err := t.renderView(t.scene, t.validationCamera(), t.cfg.Run.Seed)
	if err != nil {
		return err
	}
	if err := t.run.SaveRender(t.step, out.ToImage(2.2)); err != nil {
		return err
	}
	t.logger.Info("validation render",
		zap.Int("step", t.step),
		zap.Float64("mean_alpha", out.MeanAlpha()),
		zap.String("path", t.run.RenderPath(t.step)))
	return nil
}

// exportMesh extracts the current representation's surface and writes it in
// the configured format.
func (t *Trainer) exportMesh() error {
	mesh, err := t.extractMesh()
	if err != nil {
		return err
	}
	if mesh.NumTriangles() == 0 {
		return fmt.Errorf("extracted mesh is empty")
	}
	mesh.ComputeNormals()
	if t.cfg.Export.UVs {
		extractor.ComputeBoxUVs(mesh)
	}

	path := t.run.MeshPath(t.cfg.Export.Format)
	switch t.cfg.Export.Format {
	case "ply":
		err = loaders.SavePLY(mesh, path)
	case "obj":
		err = loaders.SaveOBJ(mesh, path)
	default:
		err = fmt.Errorf("unknown export format %q", t.cfg.Export.Format)
	}
	if err != nil {
		return err
	}
	t.logger.Info("mesh exported",
		zap.String("path", path),
		zap.Int("vertices", mesh.NumVertices()),
		zap.Int("triangles", mesh.NumTriangles()))
	return nil
}

func (t *Trainer) extractMesh() (*extractor.Mesh, error) {
	switch f := t.scene.Field.(type) {
	case *field.MeshField:
		mesh := &extractor.Mesh{
			Vertices: make([]core.Vec3, f.NumVertices()),
			Faces:    append([]int(nil), f.Faces()...),
			Colors:   make([]core.Vec3, f.NumVertices()),
		}
		for i := range mesh.Vertices {
			mesh.Vertices[i] = f.Vertex(i)
			mesh.Colors[i] = f.VertexColor(i)
		}
		return mesh, nil

	case *field.LatticeField:
		mesh, _, err := extractor.ExtractLattice(f, false)
		if err != nil {
			return nil, err
		}
		t.sampleVertexColors(mesh)
		return mesh, nil

	default:
		q, ok := t.scene.Field.(field.DensityQuerier)
		if !ok {
			return nil, fmt.Errorf("field %s has no extractable density", t.scene.Field.Variant())
		}
		mesh, err := extractor.ExtractDensity(q, t.cfg.Export.Resolution, t.cfg.Export.Threshold, false)
		if err != nil {
			return nil, err
		}
		t.sampleVertexColors(mesh)
		return mesh, nil
	}
}

// sampleVertexColors fills per-vertex colors by querying the field at each
// extracted vertex.
func (t *Trainer) sampleVertexColors(mesh *extractor.Mesh) {
	mesh.Colors = make([]core.Vec3, len(mesh.Vertices))
	for i, v := range mesh.Vertices {
		s := t.scene.Field.Query(v)
		mesh.Colors[i] = core.NewVec3(
			sigmoid(s.Features[0]),
			sigmoid(s.Features[1]),
			sigmoid(s.Features[2]),
		)
	}
}

func sigmoid(x float64) float64 {
	if x >= 0 {
		return 1 / (1 + math.Exp(-x))
	}
	e := math.Exp(x)
	return e / (1 + e)
}
