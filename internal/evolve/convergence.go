package evolve

import (
	"log/slog"
	"math"
)

// ConvergenceConfig defines when the objective history counts as converged.
type ConvergenceConfig struct {
	// Enabled controls whether convergence detection is active
	Enabled bool `yaml:"enabled" json:"enabled"`

	// Patience is the number of consecutive iterations without a significant
	// improvement before the run stops
	Patience int `yaml:"patience" json:"patience" validate:"gte=0"`

	// Threshold is the minimum relative improvement that counts as progress.
	// Relative improvement = (last significant - objective) / |last significant|
	Threshold float64 `yaml:"threshold" json:"threshold" validate:"gte=0"`
}

// DefaultConvergenceConfig returns the parameters used when detection is
// switched on without further tuning.
func DefaultConvergenceConfig() ConvergenceConfig {
	return ConvergenceConfig{
		Enabled:   true,
		Patience:  20,
		Threshold: 1e-4,
	}
}

// DisabledConvergenceConfig returns a config with convergence detection disabled
func DisabledConvergenceConfig() ConvergenceConfig {
	c := DefaultConvergenceConfig()
	c.Enabled = false
	return c
}

// ConvergenceTracker follows the objective of successive iterations.
type ConvergenceTracker struct {
	config          ConvergenceConfig
	history         []float64
	best            float64
	lastSignificant float64
	staleCount      int
}

// NewConvergenceTracker creates a tracker with the given config.
func NewConvergenceTracker(config ConvergenceConfig) *ConvergenceTracker {
	return &ConvergenceTracker{
		config:          config,
		best:            math.Inf(1),
		lastSignificant: math.Inf(1),
	}
}

// Update records an objective value and reports whether the run has converged.
func (c *ConvergenceTracker) Update(objective float64) bool {
	if !c.config.Enabled {
		return false
	}

	c.history = append(c.history, objective)
	if objective < c.best {
		c.best = objective
	}

	if len(c.history) == 1 {
		c.lastSignificant = objective
		return false
	}

	scale := math.Abs(c.lastSignificant)
	if scale == 0 {
		scale = 1
	}
	improvement := (c.lastSignificant - objective) / scale

	if improvement >= c.config.Threshold {
		c.lastSignificant = objective
		c.staleCount = 0
		return false
	}

	c.staleCount++
	slog.Debug("No significant objective improvement",
		"objective", objective,
		"last_significant", c.lastSignificant,
		"relative_improvement", improvement,
		"stale_count", c.staleCount,
		"patience", c.config.Patience,
	)

	if c.staleCount >= c.config.Patience {
		slog.Info("Convergence detected",
			"stale_count", c.staleCount,
			"patience", c.config.Patience,
			"best_objective", c.best,
		)
		return true
	}
	return false
}

// Best returns the lowest objective seen so far.
func (c *ConvergenceTracker) Best() float64 {
	return c.best
}

// History returns a copy of the recorded objectives.
func (c *ConvergenceTracker) History() []float64 {
	return append([]float64{}, c.history...)
}

// StaleCount returns the number of iterations since the last significant
// improvement.
func (c *ConvergenceTracker) StaleCount() int {
	return c.staleCount
}

// Reset clears the tracker's state.
func (c *ConvergenceTracker) Reset() {
	c.history = nil
	c.best = math.Inf(1)
	c.lastSignificant = math.Inf(1)
	c.staleCount = 0
}
