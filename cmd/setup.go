package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"

	"github.com/cwbudde/lsto/internal/config"
	"github.com/cwbudde/lsto/internal/evolve"
	"github.com/cwbudde/lsto/internal/fea"
	"github.com/cwbudde/lsto/internal/levelset"
	"github.com/cwbudde/lsto/internal/resource"
	"github.com/cwbudde/lsto/internal/store"
	"github.com/cwbudde/lsto/internal/suboptim"
	"github.com/cwbudde/lsto/internal/telemetry"
)

// openSink opens the checkpoint store selected by kind under dataDir.
func openSink(kind, dataDir string) (store.Sink, error) {
	switch kind {
	case config.StoreFS, "":
		return store.NewFSStore(dataDir)
	case config.StoreBadger:
		return store.NewBadgerStore(store.BadgerOptions{
			Path:       filepath.Join(dataDir, "badger"),
			SyncWrites: true,
		})
	default:
		return nil, fmt.Errorf("unknown store %q", kind)
	}
}

// session is a driver together with the resources it holds.
type session struct {
	driver   *evolve.Driver
	sink     store.Sink
	tracer   *store.TraceWriter
	shutdown func(context.Context) error
}

// newSession wires the geometry, physics, sub-optimizer and persistence of
// one run. When resume is set the trace is appended to.
func newSession(cfg *config.Config, runID string, resume bool) (*session, error) {
	nelx, nely := cfg.Mesh.Nelx, cfg.Mesh.Nely

	geom, err := levelset.New(nelx, nely, cfg.LevelSet.MoveLimit, levelset.WithBandWidth(cfg.LevelSet.BandWidth))
	if err != nil {
		return nil, fmt.Errorf("failed to create level set: %w", err)
	}
	if !resume {
		x, y, r := cfg.HoleArrays()
		if err := geom.AddHoles(x, y, r); err != nil {
			return nil, fmt.Errorf("failed to add holes: %w", err)
		}
	}

	mesh, err := fea.NewMesh(nelx, nely)
	if err != nil {
		return nil, err
	}
	settings, err := cfg.Settings()
	if err != nil {
		return nil, err
	}
	problem, err := fea.NewProblem(mesh, settings)
	if err != nil {
		return nil, fmt.Errorf("failed to set up physics: %w", err)
	}

	optimizer, err := suboptim.New(cfg.SubOptim.Options)
	if err != nil {
		return nil, err
	}

	rendered, err := cfg.Marshal()
	if err != nil {
		return nil, err
	}
	digest, err := cfg.Digest()
	if err != nil {
		return nil, err
	}

	shutdown, err := telemetry.Setup(cfg.Observability.Metrics, 0)
	if err != nil {
		return nil, err
	}
	metrics, err := telemetry.NewMetrics(nil)
	if err != nil {
		shutdown(context.Background())
		return nil, fmt.Errorf("failed to create metrics: %w", err)
	}

	sink, err := openSink(cfg.Run.Store, cfg.Run.DataDir)
	if err != nil {
		shutdown(context.Background())
		return nil, fmt.Errorf("failed to open checkpoint store: %w", err)
	}
	tracer, err := store.NewTraceWriter(cfg.Run.DataDir, runID, resume)
	if err != nil {
		sink.Close()
		shutdown(context.Background())
		return nil, err
	}

	opts := evolve.Options{
		RunID:                runID,
		MaxIterations:        cfg.Run.MaxIterations,
		TargetVolumeFraction: cfg.SubOptim.TargetVolumeFraction,
		StepFraction:         cfg.SubOptim.StepFraction,
		Clamp:                cfg.Clamp(),
		MemoryFloorGB:        cfg.Run.MemoryFloorGB,
		Reinitialize:         cfg.Run.Reinitialize,
		Convergence:          cfg.Run.Convergence,
		Config:               rendered,
		ConfigDigest:         digest,
	}
	driver, err := evolve.New(geom, problem, optimizer, sink, opts,
		evolve.WithGuard(&resource.MemoryGuard{}),
		evolve.WithTracer(tracer),
		evolve.WithMetrics(metrics),
	)
	if err != nil {
		tracer.Close()
		sink.Close()
		shutdown(context.Background())
		return nil, err
	}

	return &session{driver: driver, sink: sink, tracer: tracer, shutdown: shutdown}, nil
}

// Close releases the session's resources.
func (s *session) Close() error {
	return errors.Join(
		s.tracer.Close(),
		s.sink.Close(),
		s.shutdown(context.Background()),
	)
}

// report prints the outcome of a run.
func report(res *evolve.Result) {
	if res == nil {
		return
	}
	switch res.Status {
	case store.StatusResourceExhausted:
		fmt.Printf("Run %s stopped at iteration %d: available memory below threshold\n", res.RunID, res.LastIteration)
	default:
		fmt.Printf("Run %s %s (last iteration %d)\n", res.RunID, res.Status, res.LastIteration)
	}
	if n := len(res.History); n > 0 {
		last := res.History[n-1]
		fmt.Printf("Objective %.6g, area fraction %.4f, %d boundary points\n", last.Objective, last.AreaFraction, last.Points)
	}
	slog.Debug("Run summary", "run_id", res.RunID, "status", res.Status, "iterations", len(res.History))
}
