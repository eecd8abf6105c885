package fea

import (
	"fmt"
	"math"

	"github.com/cwbudde/lsto/internal/store"
)

// SolverOptions controls the conjugate gradient solver.
type SolverOptions struct {
	Tolerance     float64 `yaml:"tolerance" json:"tolerance" validate:"gt=0,lt=1"`
	MaxIterations int     `yaml:"max_iterations" json:"max_iterations" validate:"gte=0"` // 0 means 10x the DOF count
}

// Settings describes the physics problem on top of the mesh.
type Settings struct {
	Objective Objective
	Material  Material
	Solver    SolverOptions

	// Load is the downward nodal force at the bottom edge nodes within
	// LoadHalfWidth of the horizontal centre.
	Load          float64
	LoadHalfWidth float64

	// Weight blends the coupled heat objective: Weight·Ct + (1-Weight)·Ce.
	Weight float64
	// PNorm is the exponent of the aggregated von Mises stress.
	PNorm float64
}

// DefaultSettings returns the reference thermoelastic problem.
func DefaultSettings() Settings {
	return Settings{
		Objective:     CoupledHeat,
		Material:      DefaultMaterial(),
		Solver:        SolverOptions{Tolerance: 1e-8},
		Load:          1,
		LoadHalfWidth: 4.1,
		Weight:        0,
		PNorm:         5,
	}
}

// Problem holds the mesh, loads and boundary conditions shared by all
// iterations.
type Problem struct {
	mesh     *Mesh
	settings Settings
	elem     *elementMatrices

	forceE []float64 // elastic load, 2 per node
	forceT []float64 // heat load, 1 per node
	fixedE []bool
	fixedT []bool
}

// NewProblem sets up loads and supports: both side edges are clamped and held
// at zero temperature, the load acts at the bottom centre, and heat is
// generated uniformly in the central block of half the domain width.
func NewProblem(mesh *Mesh, s Settings) (*Problem, error) {
	if _, ok := objectiveNames[s.Objective]; !ok {
		return nil, fmt.Errorf("unknown objective %v", s.Objective)
	}
	if s.Material.E <= 0 || s.Material.KCond <= 0 || s.Material.MinFraction <= 0 {
		return nil, fmt.Errorf("invalid material %+v", s.Material)
	}
	if s.Objective == Stress && s.PNorm < 1 {
		return nil, fmt.Errorf("invalid p-norm exponent %g", s.PNorm)
	}
	if s.Weight < 0 || s.Weight > 1 {
		return nil, fmt.Errorf("coupled heat weight %g outside [0, 1]", s.Weight)
	}
	if s.Solver.Tolerance <= 0 {
		s.Solver.Tolerance = 1e-8
	}

	p := &Problem{
		mesh:     mesh,
		settings: s,
		elem:     newElementMatrices(s.Material),
		forceE:   make([]float64, 2*mesh.NumNodes()),
		forceT:   make([]float64, mesh.NumNodes()),
		fixedE:   make([]bool, 2*mesh.NumNodes()),
		fixedT:   make([]bool, mesh.NumNodes()),
	}

	for j := 0; j <= mesh.Nely; j++ {
		for _, i := range []int{0, mesh.Nelx} {
			n := mesh.Node(i, j)
			p.fixedE[2*n] = true
			p.fixedE[2*n+1] = true
			p.fixedT[n] = true
		}
	}

	centre := float64(mesh.Nelx) / 2
	for i := 0; i <= mesh.Nelx; i++ {
		if math.Abs(float64(i)-centre) <= s.LoadHalfWidth {
			n := mesh.Node(i, 0)
			if !p.fixedE[2*n+1] {
				p.forceE[2*n+1] = -s.Load
			}
		}
	}

	block := mesh.Nelx / 4
	var total float64
	for j := block / 2; j <= mesh.Nely-block/2; j++ {
		for i := (mesh.Nelx - block) / 2; i <= (mesh.Nelx+block)/2; i++ {
			n := mesh.Node(i, j)
			if !p.fixedT[n] {
				p.forceT[n] = 1
				total++
			}
		}
	}
	if total > 0 {
		for n := range p.forceT {
			p.forceT[n] /= total
		}
	}

	return p, nil
}

// Mesh returns the problem mesh.
func (p *Problem) Mesh() *Mesh { return p.mesh }

// Settings returns the problem settings.
func (p *Problem) Settings() Settings { return p.settings }

// Constants returns the record of everything that stays fixed during a run.
func (p *Problem) Constants() *store.Record {
	m := p.mesh
	nodes := make([]float64, 0, 2*m.NumNodes())
	for n := 0; n < m.NumNodes(); n++ {
		c := m.NodeCoord(n)
		nodes = append(nodes, c.X, c.Y)
	}
	elements := make([]float64, 0, 4*m.NumElements())
	for e := 0; e < m.NumElements(); e++ {
		for _, n := range m.ElementNodes(e) {
			elements = append(elements, float64(n))
		}
	}
	lx, ly := float64(m.Nelx), float64(m.Nely)

	return &store.Record{
		Key: store.KeyConstants,
		Scalars: map[string]float64{
			"E":        p.settings.Material.E,
			"nu":       p.settings.Material.Nu,
			"f":        p.settings.Load,
			"K_cond":   p.settings.Material.KCond,
			"alpha":    p.settings.Material.Alpha,
			"nelx":     float64(m.Nelx),
			"nely":     float64(m.Nely),
			"length_x": lx,
			"length_y": ly,
		},
		Arrays: map[string][]float64{
			"nodes":   nodes,
			"elem":    elements,
			"GF_e":    append([]float64(nil), p.forceE...),
			"GF_t":    append([]float64(nil), p.forceT...),
			"BCid_e":  indices(p.fixedE),
			"BCid_t":  indices(p.fixedT),
			"coord_e": {0, 0, lx, 0},
			"tol_e":   {1e-3, 1e3, 1e-3, 1e3},
		},
		Meta: map[string]string{
			"objective": p.settings.Objective.String(),
		},
	}
}

func indices(mask []bool) []float64 {
	var out []float64
	for i, set := range mask {
		if set {
			out = append(out, float64(i))
		}
	}
	return out
}
