// Package fea is the finite-element physics model used by the optimizer. It
// solves linear elasticity and steady heat conduction on the structured grid,
// with element stiffness scaled by the solid area fraction, and reports the
// derivatives of the chosen objective at every boundary point.
package fea

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/cwbudde/lsto/internal/levelset"
)

var (
	// ErrNotConverged is returned when the linear solver exhausts its
	// iteration limit.
	ErrNotConverged = errors.New("linear solver did not converge")

	// ErrNotSolved is returned when sensitivities are requested before Solve.
	ErrNotSolved = errors.New("model has not been solved")
)

// Objective selects the physics and the scalar being minimised.
type Objective int

const (
	Compliance Objective = iota
	Stress
	Conduction
	CoupledHeat
)

var objectiveNames = map[Objective]string{
	Compliance:  "compliance",
	Stress:      "stress",
	Conduction:  "conduction",
	CoupledHeat: "coupled_heat",
}

func (o Objective) String() string {
	if s, ok := objectiveNames[o]; ok {
		return s
	}
	return fmt.Sprintf("objective(%d)", int(o))
}

// ParseObjective maps a configuration name to an Objective.
func ParseObjective(s string) (Objective, error) {
	for o, name := range objectiveNames {
		if strings.EqualFold(s, name) {
			return o, nil
		}
	}
	return 0, fmt.Errorf("unknown objective %q", s)
}

// PrimaryField is the primal field stored with each iteration checkpoint.
func (o Objective) PrimaryField() FieldKind {
	if o == Conduction || o == CoupledHeat {
		return Temperature
	}
	return Displacement
}

// FieldKind names a primal solution variable.
type FieldKind int

const (
	Displacement FieldKind = iota
	Temperature
)

// Key returns the checkpoint array name of the field.
func (k FieldKind) Key() string {
	if k == Temperature {
		return "T"
	}
	return "u"
}

// PrimalField holds nodal values of one primal variable. Displacements are
// interleaved (ux, uy) per node.
type PrimalField struct {
	Kind   FieldKind
	Values []float64
}

// Response is the outcome of one physics solve.
type Response struct {
	Objective  float64
	Components map[string]float64
	Primal     []PrimalField
}

// Field returns the values of the requested primal variable.
func (r *Response) Field(kind FieldKind) ([]float64, bool) {
	for _, f := range r.Primal {
		if f.Kind == kind {
			return f.Values, true
		}
	}
	return nil, false
}

// Material holds the constitutive constants.
type Material struct {
	E           float64 `yaml:"e" json:"e" validate:"gt=0"`
	Nu          float64 `yaml:"nu" json:"nu" validate:"gte=0,lt=0.5"`
	KCond       float64 `yaml:"k_cond" json:"k_cond" validate:"gt=0"`
	Alpha       float64 `yaml:"alpha" json:"alpha" validate:"gte=0"`
	MinFraction float64 `yaml:"min_fraction" json:"min_fraction" validate:"gt=0,lte=1"`
}

// DefaultMaterial returns the unit-stiffness material of the reference problem.
func DefaultMaterial() Material {
	return Material{E: 1, Nu: 0.3, KCond: 0.1, Alpha: 1e-5, MinFraction: 1e-3}
}

// Model is the physics of one discretised geometry.
type Model interface {
	Solve(ctx context.Context) (*Response, error)
	// TotalSensitivities returns the objective and constraint derivatives at
	// every boundary point, with respect to a displacement of the boundary
	// into the solid.
	TotalSensitivities() (objective, constraint []float64, err error)
}

// Build prepares a model for the given boundary. The area fractions must
// cover every element of the mesh.
func (p *Problem) Build(b *levelset.Boundary) (Model, error) {
	if len(b.AreaFractions) != p.mesh.NumElements() {
		return nil, fmt.Errorf("boundary has %d area fractions, mesh has %d elements",
			len(b.AreaFractions), p.mesh.NumElements())
	}
	density := make([]float64, len(b.AreaFractions))
	for e, a := range b.AreaFractions {
		density[e] = max(a, p.settings.Material.MinFraction)
	}
	return &model{p: p, boundary: b, density: density}, nil
}
