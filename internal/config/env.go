package config

import (
	"fmt"
	"strconv"
)

// LookupFunc reads one environment variable, like os.LookupEnv.
type LookupFunc func(key string) (string, bool)

// loadConfigFromEnv applies LSTO_* overrides. Unparsable values are errors
// rather than silently ignored.
func loadConfigFromEnv(cfg *Config, lookup LookupFunc) error {
	ints := []struct {
		key string
		dst *int
	}{
		{"LSTO_NELX", &cfg.Mesh.Nelx},
		{"LSTO_NELY", &cfg.Mesh.Nely},
		{"LSTO_MAX_ITERATIONS", &cfg.Run.MaxIterations},
		{"LSTO_SOLVER_MAX_ITERATIONS", &cfg.Problem.Solver.MaxIterations},
	}
	for _, e := range ints {
		if v, ok := lookup(e.key); ok && v != "" {
			i, err := strconv.Atoi(v)
			if err != nil {
				return fmt.Errorf("invalid %s=%q: %w", e.key, v, err)
			}
			*e.dst = i
		}
	}

	floats := []struct {
		key string
		dst *float64
	}{
		{"LSTO_MOVE_LIMIT", &cfg.LevelSet.MoveLimit},
		{"LSTO_TARGET_VOLUME_FRACTION", &cfg.SubOptim.TargetVolumeFraction},
		{"LSTO_MEMORY_FLOOR_GB", &cfg.Run.MemoryFloorGB},
		{"LSTO_WEIGHT", &cfg.Problem.Weight},
	}
	for _, e := range floats {
		if v, ok := lookup(e.key); ok && v != "" {
			f, err := strconv.ParseFloat(v, 64)
			if err != nil {
				return fmt.Errorf("invalid %s=%q: %w", e.key, v, err)
			}
			*e.dst = f
		}
	}

	strs := []struct {
		key string
		dst *string
	}{
		{"LSTO_OBJECTIVE", &cfg.Problem.Objective},
		{"LSTO_ALGORITHM", &cfg.SubOptim.Algorithm},
		{"LSTO_DATA_DIR", &cfg.Run.DataDir},
		{"LSTO_STORE", &cfg.Run.Store},
		{"LSTO_LOG_LEVEL", &cfg.Observability.LogLevel},
		{"LSTO_METRICS", &cfg.Observability.Metrics},
	}
	for _, e := range strs {
		if v, ok := lookup(e.key); ok && v != "" {
			*e.dst = v
		}
	}

	if v, ok := lookup("LSTO_REINITIALIZE"); ok && v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("invalid LSTO_REINITIALIZE=%q: %w", v, err)
		}
		cfg.Run.Reinitialize = b
	}
	return nil
}
