package fea

import (
	"context"
	"fmt"
	"math"

	"github.com/cwbudde/lsto/internal/levelset"
	"gonum.org/v1/gonum/floats"
)

type model struct {
	p        *Problem
	boundary *levelset.Boundary
	density  []float64

	// elementSens is dJ/dρ per element, filled by Solve.
	elementSens []float64
}

func (m *model) Solve(ctx context.Context) (*Response, error) {
	var (
		resp *Response
		err  error
	)
	switch m.p.settings.Objective {
	case Compliance:
		resp, err = m.solveCompliance(ctx)
	case Stress:
		resp, err = m.solveStress(ctx)
	case Conduction:
		resp, err = m.solveConduction(ctx)
	case CoupledHeat:
		resp, err = m.solveCoupledHeat(ctx)
	default:
		err = fmt.Errorf("unknown objective %v", m.p.settings.Objective)
	}
	if err != nil {
		m.elementSens = nil
		return nil, err
	}
	return resp, nil
}

func (m *model) solveElastic(ctx context.Context, rhs []float64) ([]float64, error) {
	apply, diag := m.elasticOperator()
	u, err := pcg(ctx, apply, diag, rhs, m.p.fixedE, m.p.settings.Solver)
	if err != nil {
		return nil, fmt.Errorf("failed to solve elasticity: %w", err)
	}
	return u, nil
}

func (m *model) solveThermal(ctx context.Context, rhs []float64) ([]float64, error) {
	apply, diag := m.thermalOperator()
	t, err := pcg(ctx, apply, diag, rhs, m.p.fixedT, m.p.settings.Solver)
	if err != nil {
		return nil, fmt.Errorf("failed to solve conduction: %w", err)
	}
	return t, nil
}

// solveCompliance minimises fᵀu. dC/dρ = -uᵀ·ke·u.
func (m *model) solveCompliance(ctx context.Context) (*Response, error) {
	mesh, em := m.p.mesh, m.p.elem
	u, err := m.solveElastic(ctx, m.p.forceE)
	if err != nil {
		return nil, err
	}

	sens := make([]float64, mesh.NumElements())
	for e := range sens {
		ue := gather8(u, mesh.elasticDOFs(e))
		sens[e] = -dot8(ue, em.keMul(ue))
	}
	m.elementSens = sens

	c := floats.Dot(m.p.forceE, u)
	return &Response{
		Objective:  c,
		Components: map[string]float64{"compliance": c},
		Primal:     []PrimalField{{Kind: Displacement, Values: u}},
	}, nil
}

// solveConduction minimises the thermal compliance qᵀT.
func (m *model) solveConduction(ctx context.Context) (*Response, error) {
	mesh, em := m.p.mesh, m.p.elem
	t, err := m.solveThermal(ctx, m.p.forceT)
	if err != nil {
		return nil, err
	}

	sens := make([]float64, mesh.NumElements())
	for e := range sens {
		te := gather4(t, mesh.ElementNodes(e))
		sens[e] = -dot4(te, em.ktMul(te))
	}
	m.elementSens = sens

	c := floats.Dot(m.p.forceT, t)
	return &Response{
		Objective:  c,
		Components: map[string]float64{"compliance": c},
		Primal:     []PrimalField{{Kind: Temperature, Values: t}},
	}, nil
}

// solveStress minimises the p-norm of the element von Mises stresses,
// σPN = (Σ ρe·σe^p)^(1/p), with an adjoint for the displacement dependence.
func (m *model) solveStress(ctx context.Context) (*Response, error) {
	mesh, em := m.p.mesh, m.p.elem
	pv := m.p.settings.PNorm

	u, err := m.solveElastic(ctx, m.p.forceE)
	if err != nil {
		return nil, err
	}

	ne := mesh.NumElements()
	vm := make([]float64, ne)
	stresses := make([][3]float64, ne)
	var sum, peak float64
	for e := 0; e < ne; e++ {
		stresses[e] = em.stress(gather8(u, mesh.elasticDOFs(e)))
		vm[e] = vonMises(stresses[e])
		sum += m.density[e] * math.Pow(vm[e], pv)
		peak = math.Max(peak, vm[e])
	}
	pnorm := math.Pow(sum, 1/pv)

	resp := &Response{
		Objective:  pnorm,
		Components: map[string]float64{"pnorm": pnorm, "max_von_mises": peak},
		Primal:     []PrimalField{{Kind: Displacement, Values: u}},
	}
	if pnorm == 0 {
		m.elementSens = make([]float64, ne)
		return resp, nil
	}

	scale := math.Pow(pnorm, 1-pv)
	adjointRHS := make([]float64, len(u))
	for e := 0; e < ne; e++ {
		if vm[e] < 1e-12 {
			continue
		}
		s := stresses[e]
		dvm := [3]float64{
			(2*s[0] - s[1]) / (2 * vm[e]),
			(2*s[1] - s[0]) / (2 * vm[e]),
			3 * s[2] / vm[e],
		}
		coeff := scale * m.density[e] * math.Pow(vm[e], pv-1)
		for a, d := range mesh.elasticDOFs(e) {
			var g float64
			for r := 0; r < 3; r++ {
				g += em.db0[r][a] * dvm[r]
			}
			adjointRHS[d] += coeff * g
		}
	}
	lambda, err := m.solveElastic(ctx, adjointRHS)
	if err != nil {
		return nil, err
	}

	sens := make([]float64, ne)
	for e := range sens {
		dofs := mesh.elasticDOFs(e)
		explicit := scale * math.Pow(vm[e], pv) / pv
		sens[e] = explicit - dot8(gather8(lambda, dofs), em.keMul(gather8(u, dofs)))
	}
	m.elementSens = sens
	return resp, nil
}

// solveCoupledHeat blends thermal compliance Ct = qᵀT with the mechanical
// compliance Ce = fᵀu of the structure loaded by f and by thermal expansion.
func (m *model) solveCoupledHeat(ctx context.Context) (*Response, error) {
	mesh, em := m.p.mesh, m.p.elem
	w := m.p.settings.Weight
	ne := mesh.NumElements()

	t, err := m.solveThermal(ctx, m.p.forceT)
	if err != nil {
		return nil, err
	}

	load := append([]float64(nil), m.p.forceE...)
	for e := 0; e < ne; e++ {
		fe := em.ctMul(gather4(t, mesh.ElementNodes(e)))
		for a, d := range mesh.elasticDOFs(e) {
			load[d] += m.density[e] * fe[a]
		}
	}
	u, err := m.solveElastic(ctx, load)
	if err != nil {
		return nil, err
	}

	// Ce depends on T through the expansion load, so the mechanical adjoint
	// feeds a thermal one.
	lambda, err := m.solveElastic(ctx, m.p.forceE)
	if err != nil {
		return nil, err
	}
	thermalRHS := make([]float64, len(t))
	for e := 0; e < ne; e++ {
		ge := em.ctTMul(gather8(lambda, mesh.elasticDOFs(e)))
		for a, n := range mesh.ElementNodes(e) {
			thermalRHS[n] += m.density[e] * ge[a]
		}
	}
	mu, err := m.solveThermal(ctx, thermalRHS)
	if err != nil {
		return nil, err
	}

	sens := make([]float64, ne)
	for e := range sens {
		dofs, nodes := mesh.elasticDOFs(e), mesh.ElementNodes(e)
		le, ue := gather8(lambda, dofs), gather8(u, dofs)
		te, me := gather4(t, nodes), gather4(mu, nodes)
		kt := em.ktMul(te)

		dce := dot8(le, em.ctMul(te)) - dot8(le, em.keMul(ue)) - dot4(me, kt)
		dct := -dot4(te, kt)
		sens[e] = w*dct + (1-w)*dce
	}
	m.elementSens = sens

	ce := floats.Dot(m.p.forceE, u)
	ct := floats.Dot(m.p.forceT, t)
	y := w*ct + (1-w)*ce
	return &Response{
		Objective:  y,
		Components: map[string]float64{"x1": ce, "x2": ct},
		Primal: []PrimalField{
			{Kind: Displacement, Values: u},
			{Kind: Temperature, Values: t},
		},
	}, nil
}

// TotalSensitivities implements Model.
func (m *model) TotalSensitivities() (objective, constraint []float64, err error) {
	if m.elementSens == nil {
		return nil, nil, ErrNotSolved
	}
	// Moving the boundary into the solid removes material, so the point
	// derivative is the negated density derivative.
	removal := make([]float64, len(m.elementSens))
	for e, s := range m.elementSens {
		removal[e] = -s
	}

	objective = interpolate(m.p.mesh, m.boundary, removal)
	constraint = make([]float64, m.boundary.Len())
	for i := range constraint {
		constraint[i] = 1
	}
	return objective, constraint, nil
}
