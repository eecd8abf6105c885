package suboptim

import (
	"context"
	"fmt"
	"log/slog"
	"math"

	"golang.org/x/sync/errgroup"
)

// CrossCheck runs two strategies on private copies of the same problem and
// returns the primary solution once both objectives agree. Problems with more
// than MaxPoints points skip the reference solve; the dense LP tableau grows
// quadratically with the boundary size.
type CrossCheck struct {
	Primary   SubOptimizer
	Reference SubOptimizer
	RelTol    float64
	MaxPoints int
}

// Name implements SubOptimizer.
func (c *CrossCheck) Name() string { return AlgorithmCrossCheck }

// Solve implements SubOptimizer.
func (c *CrossCheck) Solve(ctx context.Context, p Problem) (*Solution, error) {
	if c.MaxPoints > 0 && p.Len() > c.MaxPoints {
		slog.Debug("Skipping reference sub-optimization", "points", p.Len(), "max_points", c.MaxPoints)
		return c.Primary.Solve(ctx, p)
	}

	var primary, reference *Solution
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		sol, err := c.Primary.Solve(gctx, p.Clone())
		if err != nil {
			return fmt.Errorf("%s: %w", c.Primary.Name(), err)
		}
		primary = sol
		return nil
	})
	g.Go(func() error {
		sol, err := c.Reference.Solve(gctx, p.Clone())
		if err != nil {
			return fmt.Errorf("%s: %w", c.Reference.Name(), err)
		}
		reference = sol
		return nil
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}

	diff := math.Abs(primary.Objective - reference.Objective)
	scale := math.Max(1, math.Max(math.Abs(primary.Objective), math.Abs(reference.Objective)))
	if diff > c.RelTol*scale {
		return nil, fmt.Errorf("%w: %s objective %g, %s objective %g",
			ErrDisagreement, c.Primary.Name(), primary.Objective, c.Reference.Name(), reference.Objective)
	}

	slog.Debug("Sub-optimizers agree",
		"primary", primary.Objective,
		"reference", reference.Objective,
		"difference", diff,
	)
	return primary, nil
}
