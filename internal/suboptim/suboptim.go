// Package suboptim computes the per-boundary-point normal velocity of one
// level-set iteration.
//
// Every strategy solves the same bound-constrained linear program:
//
//	maximize    Σ Cf[i]·v[i]
//	subject to  Σ Cg[i]·v[i] <= Budget
//	            -MoveLimit <= v[i] <= MoveLimit
//
// Bisection exploits the single-constraint structure through a scalar
// Lagrange multiplier, Simplex hands the program to a general LP solver, and
// CrossCheck runs both and compares their objectives.
package suboptim

import (
	"context"
	"fmt"
	"math"

	"github.com/cwbudde/lsto/internal/sensitivity"
	"gonum.org/v1/gonum/floats"
)

// Problem is one velocity sub-optimization instance.
type Problem struct {
	Cf        []float64 // segment-weighted objective sensitivity
	Cg        []float64 // segment-weighted constraint sensitivity
	Budget    float64   // right-hand side of Σ Cg·v <= Budget
	MoveLimit float64   // box bound on every velocity component
}

// Len returns the number of boundary points in the problem.
func (p Problem) Len() int {
	return len(p.Cf)
}

// Validate checks vector lengths, the move limit and finiteness of all inputs.
func (p Problem) Validate() error {
	if len(p.Cf) != len(p.Cg) {
		return &sensitivity.ShapeMismatchError{Name: "Cg", Got: len(p.Cg), Want: len(p.Cf)}
	}
	if !(p.MoveLimit > 0) || math.IsInf(p.MoveLimit, 0) {
		return fmt.Errorf("invalid move limit %g: must be positive and finite", p.MoveLimit)
	}
	if math.IsNaN(p.Budget) || math.IsInf(p.Budget, 0) {
		return fmt.Errorf("invalid budget %g: must be finite", p.Budget)
	}
	if floats.HasNaN(p.Cf) || floats.HasNaN(p.Cg) {
		return fmt.Errorf("sensitivities contain NaN")
	}
	for i := range p.Cf {
		if math.IsInf(p.Cf[i], 0) || math.IsInf(p.Cg[i], 0) {
			return fmt.Errorf("sensitivity at point %d is infinite", i)
		}
	}
	return nil
}

// Clone returns a deep copy so concurrent strategies never share slices.
func (p Problem) Clone() Problem {
	return Problem{
		Cf:        append([]float64(nil), p.Cf...),
		Cg:        append([]float64(nil), p.Cg...),
		Budget:    p.Budget,
		MoveLimit: p.MoveLimit,
	}
}

// minConstraint is the smallest reachable value of Σ Cg·v under the box bounds.
func (p Problem) minConstraint() float64 {
	var s float64
	for _, g := range p.Cg {
		s += math.Abs(g)
	}
	return -p.MoveLimit * s
}

// Solution is the velocity field returned by a strategy.
// The displacement applied to the geometry is Velocity[i] * Timestep.
type Solution struct {
	Velocity   []float64
	Timestep   float64
	Lambda     float64 // multiplier on the constraint (0 when inactive)
	Objective  float64 // Σ Cf·v
	Constraint float64 // Σ Cg·v
	Iterations int     // bisection steps or 0
	Algorithm  string
}

func newSolution(p Problem, v []float64, lambda float64, iterations int, algorithm string) *Solution {
	return &Solution{
		Velocity:   v,
		Timestep:   1.0,
		Lambda:     lambda,
		Objective:  floats.Dot(p.Cf, v),
		Constraint: floats.Dot(p.Cg, v),
		Iterations: iterations,
		Algorithm:  algorithm,
	}
}

// SubOptimizer is a strategy for the velocity sub-problem.
type SubOptimizer interface {
	// Solve returns a velocity with |v[i]| <= MoveLimit that satisfies the
	// constraint within tolerance, or an error matching ErrInfeasible.
	Solve(ctx context.Context, p Problem) (*Solution, error)

	// Name identifies the strategy in logs and checkpoints.
	Name() string
}

// Options selects and tunes a strategy.
type Options struct {
	Algorithm           string  `json:"algorithm" yaml:"algorithm" validate:"oneof=bisection simplex crosscheck"`
	Tolerance           float64 `json:"tolerance" yaml:"tolerance" validate:"gt=0"`
	MaxIterations       int     `json:"max_iterations" yaml:"max_iterations" validate:"gte=1"`
	MaxLambda           float64 `json:"max_lambda" yaml:"max_lambda" validate:"gt=0"`
	CrossCheckTolerance float64 `json:"crosscheck_tolerance" yaml:"crosscheck_tolerance" validate:"gt=0"`
	CrossCheckMaxPoints int     `json:"crosscheck_max_points" yaml:"crosscheck_max_points" validate:"gte=0"`
}

// DefaultOptions returns the bisection strategy with its default tolerances.
func DefaultOptions() Options {
	return Options{
		Algorithm:           AlgorithmBisection,
		Tolerance:           1e-9,
		MaxIterations:       200,
		MaxLambda:           1e12,
		CrossCheckTolerance: 1e-6,
		CrossCheckMaxPoints: 200,
	}
}

// Strategy names accepted by New.
const (
	AlgorithmBisection  = "bisection"
	AlgorithmSimplex    = "simplex"
	AlgorithmCrossCheck = "crosscheck"
)

// New builds the strategy named by opts.Algorithm.
func New(opts Options) (SubOptimizer, error) {
	bisection := &Bisection{
		Tolerance:     opts.Tolerance,
		MaxIterations: opts.MaxIterations,
		MaxLambda:     opts.MaxLambda,
	}
	simplex := &Simplex{Tolerance: opts.Tolerance}

	switch opts.Algorithm {
	case AlgorithmBisection:
		return bisection, nil
	case AlgorithmSimplex:
		return simplex, nil
	case AlgorithmCrossCheck:
		return &CrossCheck{
			Primary:   bisection,
			Reference: simplex,
			RelTol:    opts.CrossCheckTolerance,
			MaxPoints: opts.CrossCheckMaxPoints,
		}, nil
	default:
		return nil, fmt.Errorf("unknown sub-optimization algorithm: %q", opts.Algorithm)
	}
}

// budgetTolerance scales an absolute tolerance to the magnitude of the problem.
func budgetTolerance(p Problem, tol float64) float64 {
	return tol * math.Max(1, -p.minConstraint())
}

// solveEmpty handles the N = 0 case shared by all strategies.
func solveEmpty(p Problem, tol float64, algorithm string) (*Solution, error) {
	if p.Budget < -tol {
		return nil, &InfeasibleError{Budget: p.Budget}
	}
	return newSolution(p, []float64{}, 0, 0, algorithm), nil
}
