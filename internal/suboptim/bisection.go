package suboptim

import (
	"context"
	"log/slog"
	"math"
	"sort"
)

// Bisection solves the sub-problem by bisecting the Lagrange multiplier λ of
// the single constraint. For a fixed λ the Lagrangian separates per point and
// its maximiser pushes every velocity to the bound favoured by the sign of
// Cf[i] - λ·Cg[i]. The constraint value of that maximiser is non-increasing in
// λ, so the smallest feasible λ can be bracketed and bisected.
type Bisection struct {
	Tolerance     float64 // budget tolerance relative to the problem scale
	MaxIterations int     // bisection step limit
	MaxLambda     float64 // upper end of the multiplier search interval
}

// Name implements SubOptimizer.
func (b *Bisection) Name() string { return AlgorithmBisection }

// Solve implements SubOptimizer.
func (b *Bisection) Solve(ctx context.Context, p Problem) (*Solution, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	tol := budgetTolerance(p, b.tolerance())
	n := p.Len()
	if n == 0 {
		return solveEmpty(p, tol, b.Name())
	}

	// Unconstrained maximiser: every point at the bound favoured by Cf alone.
	v := make([]float64, n)
	c0 := b.assign(p, 0, v)
	if c0 <= p.Budget+tol {
		return newSolution(p, v, 0, 0, b.Name()), nil
	}

	// Past the largest breakpoint Cf[i]/Cg[i] every point with Cg[i] != 0
	// opposes the sign of Cg[i], which is the smallest reachable constraint.
	hi := 1.0
	for i := range p.Cf {
		if p.Cg[i] != 0 {
			hi = math.Max(hi, math.Abs(p.Cf[i]/p.Cg[i]))
		}
	}
	hi = hi*(1+1e-9) + 1e-9
	if limit := b.maxLambda(); hi > limit {
		hi = limit
	}

	vHi := make([]float64, n)
	cHi := b.assign(p, hi, vHi)
	if cHi > p.Budget+tol {
		return nil, &InfeasibleError{BestLambda: hi, Constraint: cHi, Budget: p.Budget}
	}

	lo := 0.0
	vLo := v
	iterations := 0
	mid := make([]float64, n)
	for iterations < b.maxIterations() && hi-lo > 1e-15*math.Max(1, hi) {
		iterations++
		lambda := 0.5 * (lo + hi)
		c := b.assign(p, lambda, mid)
		if c <= p.Budget+tol {
			hi, cHi = lambda, c
			vHi, mid = mid, vHi
		} else {
			lo = lambda
			vLo, mid = mid, vLo
		}
	}

	velocity := repair(p, vLo, vHi, p.Budget-cHi)

	slog.Debug("Bisection converged",
		"points", n,
		"lambda", hi,
		"iterations", iterations,
		"constraint", cHi,
		"budget", p.Budget,
	)

	return newSolution(p, velocity, hi, iterations, b.Name()), nil
}

// assign writes the Lagrangian maximiser for lambda into v and returns its
// constraint value.
func (b *Bisection) assign(p Problem, lambda float64, v []float64) float64 {
	var c float64
	for i := range p.Cf {
		d := p.Cf[i] - lambda*p.Cg[i]
		switch {
		case d > 0:
			v[i] = p.MoveLimit
		case d < 0:
			v[i] = -p.MoveLimit
		default:
			v[i] = 0
		}
		c += p.Cg[i] * v[i]
	}
	return c
}

// repair moves the points that switched bound inside the final bracket back
// towards their infeasible-side value until the slack is used up. Points are
// restored in order of decreasing objective gain per unit of constraint,
// which makes the result the exact LP optimum.
func repair(p Problem, vLo, vHi []float64, slack float64) []float64 {
	out := append([]float64(nil), vHi...)
	if slack <= 0 {
		return out
	}

	var switched []int
	for i := range out {
		if vLo[i] != vHi[i] && p.Cg[i]*(vLo[i]-vHi[i]) > 0 {
			switched = append(switched, i)
		}
	}
	sort.Slice(switched, func(a, b int) bool {
		i, j := switched[a], switched[b]
		return p.Cf[i]/p.Cg[i] > p.Cf[j]/p.Cg[j]
	})

	for _, i := range switched {
		full := p.Cg[i] * (vLo[i] - vHi[i])
		if full <= slack {
			out[i] = vLo[i]
			slack -= full
			continue
		}
		out[i] = vHi[i] + slack/p.Cg[i]
		break
	}
	return out
}

func (b *Bisection) tolerance() float64 {
	if b.Tolerance > 0 {
		return b.Tolerance
	}
	return DefaultOptions().Tolerance
}

func (b *Bisection) maxIterations() int {
	if b.MaxIterations > 0 {
		return b.MaxIterations
	}
	return DefaultOptions().MaxIterations
}

func (b *Bisection) maxLambda() float64 {
	if b.MaxLambda > 0 {
		return b.MaxLambda
	}
	return DefaultOptions().MaxLambda
}
