// Package evolve runs the level-set evolution loop. Each iteration
// discretises the geometry, solves the physics, conditions the boundary
// sensitivities, computes a velocity field and advects the shape, then
// checkpoints the result. Iterations are strictly sequential.
package evolve

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cwbudde/lsto/internal/fea"
	"github.com/cwbudde/lsto/internal/levelset"
	"github.com/cwbudde/lsto/internal/sensitivity"
	"github.com/cwbudde/lsto/internal/store"
	"github.com/cwbudde/lsto/internal/suboptim"
	"github.com/cwbudde/lsto/internal/telemetry"
)

// Geometry is the implicit shape owned by a driver.
type Geometry interface {
	Discretize() (*levelset.Boundary, error)
	Advect(velocity []float64, timestep float64) error
	Reinitialize() error
	Phi() []float64
	SetPhi(phi []float64) error
	MoveLimit() float64
	Dims() (nelx, nely int)
}

// Physics builds one model per discretised geometry.
type Physics interface {
	Build(b *levelset.Boundary) (fea.Model, error)
	Constants() *store.Record
	Settings() fea.Settings
}

// Guard reports the memory left on the host.
type Guard interface {
	AvailableMemoryGB() (float64, error)
}

// Tracer receives one entry per completed iteration.
type Tracer interface {
	Write(entry store.TraceEntry) error
}

// Options configures a run.
type Options struct {
	RunID         string
	MaxIterations int

	// TargetVolumeFraction is the solid fraction the constraint drives to.
	TargetVolumeFraction float64
	// StepFraction limits the budget to this share of the largest area
	// change the move limit allows in one step.
	StepFraction float64

	Clamp         sensitivity.ClampPolicy
	MemoryFloorGB float64
	Reinitialize  bool
	Convergence   ConvergenceConfig

	// Config and ConfigDigest are copied into the manifest.
	Config       string
	ConfigDigest string
}

// DefaultOptions returns the options of a full-length run.
func DefaultOptions(runID string) Options {
	return Options{
		RunID:                runID,
		MaxIterations:        300,
		TargetVolumeFraction: 0.4,
		StepFraction:         0.9,
		Clamp:                sensitivity.DefaultClampPolicy(),
		MemoryFloorGB:        3.0,
		Reinitialize:         true,
		Convergence:          DisabledConvergenceConfig(),
	}
}

// IterationSummary describes one completed iteration.
type IterationSummary struct {
	Iteration    int
	Points       int
	Objective    float64
	Components   map[string]float64
	AreaFraction float64
	Lambda       float64
	Duration     time.Duration
}

// Result is the outcome of Run or Resume.
type Result struct {
	RunID  string
	Status string

	// LastIteration is the newest iteration with a snapshot, -1 if none.
	LastIteration int
	History       []IterationSummary
}

// Option adds an optional collaborator to a driver.
type Option func(*Driver)

// WithGuard polls g after every checkpoint.
func WithGuard(g Guard) Option {
	return func(d *Driver) { d.guard = g }
}

// WithTracer appends a trace entry per iteration.
func WithTracer(t Tracer) Option {
	return func(d *Driver) { d.tracer = t }
}

// WithMetrics records per-iteration metrics.
func WithMetrics(m *telemetry.Metrics) Option {
	return func(d *Driver) { d.metrics = m }
}

// Driver owns one evolving geometry. It is not safe for concurrent use.
type Driver struct {
	geom      Geometry
	physics   Physics
	optimizer suboptim.SubOptimizer
	sink      store.Sink
	guard     Guard
	tracer    Tracer
	metrics   *telemetry.Metrics
	opts      Options

	manifest *store.Manifest
	next     int
	started  bool
}

// New creates a driver. The geometry must already hold the initial design.
func New(geom Geometry, physics Physics, optimizer suboptim.SubOptimizer, sink store.Sink, opts Options, extra ...Option) (*Driver, error) {
	if geom == nil || physics == nil || optimizer == nil || sink == nil {
		return nil, errors.New("geometry, physics, optimizer and sink are required")
	}
	if opts.RunID == "" {
		return nil, errors.New("run id cannot be empty")
	}
	if opts.MaxIterations < 0 {
		return nil, fmt.Errorf("invalid max iterations %d", opts.MaxIterations)
	}
	if opts.TargetVolumeFraction <= 0 || opts.TargetVolumeFraction > 1 {
		return nil, fmt.Errorf("target volume fraction %g outside (0, 1]", opts.TargetVolumeFraction)
	}
	if opts.StepFraction <= 0 || opts.StepFraction > 1 {
		return nil, fmt.Errorf("step fraction %g outside (0, 1]", opts.StepFraction)
	}
	if err := opts.Clamp.Validate(); err != nil {
		return nil, err
	}

	d := &Driver{
		geom:      geom,
		physics:   physics,
		optimizer: optimizer,
		sink:      sink,
		opts:      opts,
	}
	for _, o := range extra {
		o(d)
	}
	return d, nil
}

// Run starts a new run at iteration 0.
func (d *Driver) Run(ctx context.Context) (*Result, error) {
	if d.started {
		return nil, errors.New("driver has already run")
	}
	d.started = true

	nelx, nely := d.geom.Dims()
	now := time.Now()
	d.manifest = &store.Manifest{
		RunID:        d.opts.RunID,
		Status:       store.StatusRunning,
		Objective:    d.physics.Settings().Objective.String(),
		Algorithm:    d.optimizer.Name(),
		Nelx:         nelx,
		Nely:         nely,
		Iteration:    -1,
		Config:       d.opts.Config,
		ConfigDigest: d.opts.ConfigDigest,
		Created:      now,
		Updated:      now,
	}
	if err := d.sink.PutManifest(d.opts.RunID, d.manifest); err != nil {
		return nil, fmt.Errorf("failed to write manifest: %w", err)
	}
	d.next = 0

	slog.Info("Starting run",
		"run_id", d.opts.RunID,
		"objective", d.manifest.Objective,
		"algorithm", d.manifest.Algorithm,
		"nelx", nelx,
		"nely", nely,
		"max_iterations", d.opts.MaxIterations,
	)
	return d.loop(ctx)
}

// Resume continues a stored run from its newest snapshot. The driver's
// geometry is overwritten with that snapshot.
func (d *Driver) Resume(ctx context.Context) (*Result, error) {
	if d.started {
		return nil, errors.New("driver has already run")
	}
	d.started = true

	m, err := d.sink.GetManifest(d.opts.RunID)
	if err != nil {
		return nil, fmt.Errorf("failed to load manifest: %w", err)
	}
	nelx, nely := d.geom.Dims()
	if err := m.IsCompatible(nelx, nely, d.physics.Settings().Objective.String()); err != nil {
		return nil, err
	}
	if m.Iteration < 0 {
		return nil, fmt.Errorf("run %s has no snapshot to resume from", d.opts.RunID)
	}

	rec, err := d.sink.Get(d.opts.RunID, store.IterationKey(m.Iteration))
	if err != nil {
		return nil, fmt.Errorf("failed to load snapshot %d: %w", m.Iteration, err)
	}
	phi, ok := rec.Arrays["phi"]
	if !ok {
		return nil, fmt.Errorf("snapshot %d has no phi array", m.Iteration)
	}
	if err := d.geom.SetPhi(phi); err != nil {
		return nil, fmt.Errorf("failed to restore snapshot %d: %w", m.Iteration, err)
	}

	m.Status = store.StatusRunning
	m.Algorithm = d.optimizer.Name()
	m.Error = ""
	m.Updated = time.Now()
	if err := d.sink.PutManifest(d.opts.RunID, m); err != nil {
		return nil, fmt.Errorf("failed to write manifest: %w", err)
	}
	d.manifest = m
	d.next = m.Iteration + 1

	slog.Info("Resuming run",
		"run_id", d.opts.RunID,
		"from_iteration", d.next,
		"max_iterations", d.opts.MaxIterations,
	)
	return d.loop(ctx)
}

func (d *Driver) loop(ctx context.Context) (*Result, error) {
	result := &Result{
		RunID:         d.opts.RunID,
		LastIteration: d.manifest.Iteration,
	}
	tracker := NewConvergenceTracker(d.opts.Convergence)

	for it := d.next; it < d.opts.MaxIterations; it++ {
		if err := ctx.Err(); err != nil {
			d.finish(result, store.StatusCancelled, nil)
			slog.Info("Run cancelled", "run_id", d.opts.RunID, "iteration", it)
			return result, err
		}

		summary, err := d.step(ctx, it)
		if err != nil {
			d.finish(result, store.StatusFailed, err)
			slog.Error("Run failed",
				"run_id", d.opts.RunID,
				"iteration", it,
				"last_checkpoint", result.LastIteration,
				"error", err,
			)
			return result, err
		}
		result.History = append(result.History, *summary)
		result.LastIteration = it

		if d.lowMemory(it) {
			d.finish(result, store.StatusResourceExhausted, nil)
			slog.Warn("Available memory below threshold, stopping",
				"run_id", d.opts.RunID,
				"iteration", it,
				"threshold_gb", d.opts.MemoryFloorGB,
			)
			return result, nil
		}

		if tracker.Update(summary.Objective) {
			d.finish(result, store.StatusConverged, nil)
			return result, nil
		}
	}

	d.finish(result, store.StatusCompleted, nil)
	slog.Info("Run completed", "run_id", d.opts.RunID, "iterations", len(result.History))
	return result, nil
}

// step performs one full iteration. Cancellation is not observed inside an
// iteration: collaborators receive a context that is never cancelled.
func (d *Driver) step(ctx context.Context, it int) (*IterationSummary, error) {
	start := time.Now()
	ctx = context.WithoutCancel(ctx)

	b, err := d.geom.Discretize()
	if err != nil {
		return nil, fmt.Errorf("iteration %d: failed to discretize: %w", it, err)
	}

	model, err := d.physics.Build(b)
	if err != nil {
		return nil, fmt.Errorf("iteration %d: failed to build model: %w", it, err)
	}
	resp, err := model.Solve(ctx)
	if err != nil {
		return nil, fmt.Errorf("iteration %d: failed to solve physics: %w", it, err)
	}
	objDeriv, conDeriv, err := model.TotalSensitivities()
	if err != nil {
		return nil, fmt.Errorf("iteration %d: failed to compute sensitivities: %w", it, err)
	}

	cond, err := sensitivity.Condition(objDeriv, conDeriv, b.SegmentLengths, d.opts.Clamp)
	if err != nil {
		return nil, fmt.Errorf("iteration %d: %w", it, err)
	}
	if cond.Len() != b.Len() {
		return nil, fmt.Errorf("iteration %d: %w", it,
			&sensitivity.ShapeMismatchError{Name: "sensitivities", Got: cond.Len(), Want: b.Len()})
	}

	problem := suboptim.Problem{
		Cf:        cond.Cf,
		Cg:        cond.Cg,
		Budget:    d.budget(b, cond.Cg),
		MoveLimit: d.geom.MoveLimit(),
	}
	subStart := time.Now()
	sol, err := d.optimizer.Solve(ctx, problem)
	if err != nil {
		return nil, fmt.Errorf("iteration %d: %w", it, err)
	}
	subDuration := time.Since(subStart)
	if len(sol.Velocity) != b.Len() {
		return nil, fmt.Errorf("iteration %d: %w", it,
			&sensitivity.ShapeMismatchError{Name: "velocity", Got: len(sol.Velocity), Want: b.Len()})
	}

	if err := d.geom.Advect(sol.Velocity, sol.Timestep); err != nil {
		return nil, fmt.Errorf("iteration %d: failed to advect: %w", it, err)
	}
	if d.opts.Reinitialize {
		if err := d.geom.Reinitialize(); err != nil {
			return nil, fmt.Errorf("iteration %d: failed to reinitialize: %w", it, err)
		}
	}

	summary := &IterationSummary{
		Iteration:    it,
		Points:       b.Len(),
		Objective:    resp.Objective,
		Components:   resp.Components,
		AreaFraction: b.VolumeFraction(),
		Lambda:       sol.Lambda,
	}
	if err := d.checkpoint(ctx, it, resp, sol, summary); err != nil {
		return nil, fmt.Errorf("iteration %d: %w", it, err)
	}
	summary.Duration = time.Since(start)

	d.observe(ctx, summary, subDuration)
	return summary, nil
}

// budget is the right-hand side of the area constraint: the change of solid
// area that reaches the target, limited from below to StepFraction of the
// largest decrease the move limit allows.
func (d *Driver) budget(b *levelset.Boundary, cg []float64) float64 {
	target := d.opts.TargetVolumeFraction*float64(len(b.AreaFractions)) - b.SolidArea()

	var reach float64
	for _, g := range cg {
		if g < 0 {
			reach -= g
		} else {
			reach += g
		}
	}
	floor := -d.opts.StepFraction * d.geom.MoveLimit() * reach
	return max(target, floor)
}

// checkpoint stores the constants (iteration 0 only) and the snapshot of
// the advected shape, then updates the manifest.
func (d *Driver) checkpoint(ctx context.Context, it int, resp *fea.Response, sol *suboptim.Solution, s *IterationSummary) error {
	runID := d.opts.RunID
	if it == 0 {
		if err := d.sink.Put(runID, store.KeyConstants, d.physics.Constants()); err != nil {
			return fmt.Errorf("failed to store constants: %w", err)
		}
		d.metrics.RecordCheckpoint(ctx, store.KeyConstants)
	}

	arrays := map[string][]float64{"phi": d.geom.Phi()}
	kind := d.physics.Settings().Objective.PrimaryField()
	if values, ok := resp.Field(kind); ok {
		arrays[kind.Key()] = values
	}

	scalars := map[string]float64{
		"objective":     s.Objective,
		"area_fraction": s.AreaFraction,
		"lambda":        sol.Lambda,
		"timestep":      sol.Timestep,
		"points":        float64(s.Points),
	}
	for k, v := range s.Components {
		if _, taken := scalars[k]; !taken {
			scalars[k] = v
		}
	}

	key := store.IterationKey(it)
	rec := &store.Record{
		Iteration: it,
		Scalars:   scalars,
		Arrays:    arrays,
		Meta:      map[string]string{"algorithm": sol.Algorithm},
	}
	if err := d.sink.Put(runID, key, rec); err != nil {
		return fmt.Errorf("failed to store %s: %w", key, err)
	}
	d.metrics.RecordCheckpoint(ctx, key)

	d.manifest.Iteration = it
	d.manifest.LastObjective = s.Objective
	d.manifest.LastAreaFraction = s.AreaFraction
	d.manifest.Updated = time.Now()
	if err := d.sink.PutManifest(runID, d.manifest); err != nil {
		return fmt.Errorf("failed to update manifest: %w", err)
	}
	return nil
}

func (d *Driver) observe(ctx context.Context, s *IterationSummary, subDuration time.Duration) {
	slog.Info("Iteration complete",
		"run_id", d.opts.RunID,
		"iteration", s.Iteration,
		"points", s.Points,
		"objective", s.Objective,
		"components", s.Components,
		"area_fraction", s.AreaFraction,
		"lambda", s.Lambda,
		"duration", s.Duration,
	)

	if d.tracer != nil {
		err := d.tracer.Write(store.TraceEntry{
			Iteration:    s.Iteration,
			Objective:    s.Objective,
			Components:   s.Components,
			AreaFraction: s.AreaFraction,
			Points:       s.Points,
			Lambda:       s.Lambda,
			DurationMs:   s.Duration.Milliseconds(),
			Timestamp:    time.Now(),
		})
		if err != nil {
			slog.Warn("Failed to write trace entry", "iteration", s.Iteration, "error", err)
		}
	}

	d.metrics.RecordIteration(ctx, telemetry.Iteration{
		Objective:    s.Objective,
		AreaFraction: s.AreaFraction,
		Points:       s.Points,
		Duration:     s.Duration,
		SubOptim:     subDuration,
		Algorithm:    d.optimizer.Name(),
	})
}

// lowMemory polls the guard. A guard that cannot read the host's memory
// does not stop the run.
func (d *Driver) lowMemory(it int) bool {
	if d.guard == nil {
		return false
	}
	gb, err := d.guard.AvailableMemoryGB()
	if err != nil {
		slog.Warn("Failed to read available memory", "iteration", it, "error", err)
		return false
	}
	slog.Debug("Available memory", "iteration", it, "gb", gb)
	return gb < d.opts.MemoryFloorGB
}

// finish records the terminal status in the result and the manifest.
func (d *Driver) finish(result *Result, status string, runErr error) {
	result.Status = status
	d.manifest.Status = status
	d.manifest.Updated = time.Now()
	if runErr != nil {
		d.manifest.Error = runErr.Error()
	}
	if err := d.sink.PutManifest(d.opts.RunID, d.manifest); err != nil {
		slog.Error("Failed to write final manifest", "run_id", d.opts.RunID, "status", status, "error", err)
	}
}
