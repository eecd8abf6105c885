package suboptim

import (
	"context"
	"errors"
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/optimize/convex/lp"
)

// Simplex solves the sub-problem as a general linear program with gonum's
// simplex implementation. It is slower than Bisection (the tableau is dense)
// but makes no use of the single-constraint structure, which makes it a
// useful reference solution.
type Simplex struct {
	Tolerance float64
}

// Name implements SubOptimizer.
func (s *Simplex) Name() string { return AlgorithmSimplex }

// Solve implements SubOptimizer.
//
// The program is rewritten in standard form (minimize cᵀx, Ax = b, x >= 0)
// with x[i] = v[i] + m in [0, 2m]:
//
//	x[i] + s[i]            = 2m          for every point
//	Σ Cg[i]·x[i] + t       = Budget + m·Σ Cg[i]
//
// where s are the upper-bound slacks and t is the constraint slack.
func (s *Simplex) Solve(ctx context.Context, p Problem) (*Solution, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	n := p.Len()
	tol := budgetTolerance(p, s.tolerance())
	if n == 0 {
		return solveEmpty(p, tol, s.Name())
	}

	m := p.MoveLimit
	rows, cols := n+1, 2*n+1

	c := make([]float64, cols)
	A := mat.NewDense(rows, cols, nil)
	b := make([]float64, rows)

	for i := 0; i < n; i++ {
		c[i] = -p.Cf[i]
		A.Set(i, i, 1)
		A.Set(i, n+i, 1)
		b[i] = 2 * m
	}

	rhs := p.Budget
	for i := 0; i < n; i++ {
		rhs += m * p.Cg[i]
	}
	// Standard form needs a non-negative right-hand side; the row is an
	// equality so it can be negated freely.
	sign := 1.0
	if rhs < 0 {
		sign = -1
	}
	for i := 0; i < n; i++ {
		A.Set(n, i, sign*p.Cg[i])
	}
	A.Set(n, 2*n, sign)
	b[n] = sign * rhs

	_, x, err := lp.Simplex(c, A, b, 1e-10, nil)
	if err != nil {
		if errors.Is(err, lp.ErrInfeasible) {
			return nil, &InfeasibleError{Constraint: p.minConstraint(), Budget: p.Budget}
		}
		return nil, fmt.Errorf("failed to solve velocity LP: %w", err)
	}

	v := make([]float64, n)
	for i := range v {
		v[i] = math.Max(-m, math.Min(m, x[i]-m))
	}

	sol := newSolution(p, v, 0, 0, s.Name())
	if sol.Constraint > p.Budget+tol {
		return nil, &InfeasibleError{Constraint: sol.Constraint, Budget: p.Budget}
	}
	return sol, nil
}

func (s *Simplex) tolerance() float64 {
	if s.Tolerance > 0 {
		return s.Tolerance
	}
	return DefaultOptions().Tolerance
}
