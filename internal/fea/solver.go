package fea

import (
	"context"
	"fmt"

	"gonum.org/v1/gonum/floats"
)

// operator computes dst = A·x for a symmetric positive definite A.
type operator func(dst, x []float64)

// pcg solves A·x = rhs with Jacobi-preconditioned conjugate gradients. Fixed
// DOFs are eliminated: their rows and columns are treated as identity and
// their solution is zero.
func pcg(ctx context.Context, apply operator, diag, rhs []float64, fixed []bool, opts SolverOptions) ([]float64, error) {
	n := len(rhs)
	x := make([]float64, n)

	r := append([]float64(nil), rhs...)
	for i, f := range fixed {
		if f {
			r[i] = 0
		}
	}
	bnorm := floats.Norm(r, 2)
	if bnorm == 0 {
		return x, nil
	}

	precond := make([]float64, n)
	for i, d := range diag {
		if fixed[i] || d <= 0 {
			precond[i] = 1
		} else {
			precond[i] = 1 / d
		}
	}

	maxIter := opts.MaxIterations
	if maxIter <= 0 {
		maxIter = 10 * n
	}

	z := make([]float64, n)
	floats.MulTo(z, precond, r)
	p := append([]float64(nil), z...)
	ap := make([]float64, n)
	rz := floats.Dot(r, z)

	for it := 1; it <= maxIter; it++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		apply(ap, p)
		for i, f := range fixed {
			if f {
				ap[i] = p[i]
			}
		}

		alpha := rz / floats.Dot(p, ap)
		floats.AddScaled(x, alpha, p)
		floats.AddScaled(r, -alpha, ap)

		if floats.Norm(r, 2) <= opts.Tolerance*bnorm {
			return x, nil
		}

		floats.MulTo(z, precond, r)
		next := floats.Dot(r, z)
		beta := next / rz
		rz = next
		floats.AddScaledTo(p, z, beta, p)
	}

	return nil, fmt.Errorf("%w after %d iterations (relative residual %g)",
		ErrNotConverged, maxIter, floats.Norm(r, 2)/bnorm)
}

// elasticOperator applies the density-scaled stiffness matrix.
func (m *model) elasticOperator() (operator, []float64) {
	mesh, em := m.p.mesh, m.p.elem
	diag := make([]float64, 2*mesh.NumNodes())
	for e := 0; e < mesh.NumElements(); e++ {
		for a, d := range mesh.elasticDOFs(e) {
			diag[d] += m.density[e] * em.ke[a][a]
		}
	}

	apply := func(dst, x []float64) {
		clear(dst)
		for e := 0; e < mesh.NumElements(); e++ {
			dofs := mesh.elasticDOFs(e)
			ue := gather8(x, dofs)
			ye := em.keMul(ue)
			for a, d := range dofs {
				dst[d] += m.density[e] * ye[a]
			}
		}
	}
	return apply, diag
}

// thermalOperator applies the density-scaled conductivity matrix.
func (m *model) thermalOperator() (operator, []float64) {
	mesh, em := m.p.mesh, m.p.elem
	diag := make([]float64, mesh.NumNodes())
	for e := 0; e < mesh.NumElements(); e++ {
		for a, n := range mesh.ElementNodes(e) {
			diag[n] += m.density[e] * em.kt[a][a]
		}
	}

	apply := func(dst, x []float64) {
		clear(dst)
		for e := 0; e < mesh.NumElements(); e++ {
			nodes := mesh.ElementNodes(e)
			ye := em.ktMul(gather4(x, nodes))
			for a, n := range nodes {
				dst[n] += m.density[e] * ye[a]
			}
		}
	}
	return apply, diag
}

func gather8(x []float64, dofs [8]int) (v [8]float64) {
	for a, d := range dofs {
		v[a] = x[d]
	}
	return v
}

func gather4(x []float64, nodes [4]int) (v [4]float64) {
	for a, n := range nodes {
		v[a] = x[n]
	}
	return v
}
