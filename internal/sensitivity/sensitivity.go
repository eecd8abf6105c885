package sensitivity

import (
	"fmt"

	"gonum.org/v1/gonum/floats"
)

// ClampPolicy bounds the conditioned constraint sensitivity Sg.
// Raw constraint derivatives near boundary contact can be badly scaled, so Sg
// is bracketed before it is turned into a segment-weighted coefficient.
type ClampPolicy struct {
	Min float64 `json:"min" yaml:"min"`
	Max float64 `json:"max" yaml:"max"`
}

// DefaultClampPolicy returns the bracket [-1.5, 0.5].
func DefaultClampPolicy() ClampPolicy {
	return ClampPolicy{Min: -1.5, Max: 0.5}
}

// Validate checks that the bracket is well ordered.
func (p ClampPolicy) Validate() error {
	if p.Min > p.Max {
		return fmt.Errorf("invalid clamp policy: min %g greater than max %g", p.Min, p.Max)
	}
	return nil
}

func (p ClampPolicy) apply(v float64) float64 {
	if v < p.Min {
		return p.Min
	}
	if v > p.Max {
		return p.Max
	}
	return v
}

// Result holds the per-boundary-point sensitivities of one iteration.
type Result struct {
	Sf []float64 // objective sensitivity, sign flipped for minimisation
	Sg []float64 // constraint sensitivity, sign flipped and clamped
	Cf []float64 // Sf weighted by segment length
	Cg []float64 // Sg weighted by segment length
}

// Len returns the number of boundary points covered by the result.
func (r *Result) Len() int {
	return len(r.Sf)
}

// Condition maps raw adjoint derivatives to the sensitivities consumed by the
// velocity sub-optimizer. Inputs are not modified; all outputs are freshly
// allocated.
func Condition(objDeriv, conDeriv, seglength []float64, policy ClampPolicy) (*Result, error) {
	if len(objDeriv) != len(seglength) {
		return nil, &ShapeMismatchError{Name: "objective derivative", Got: len(objDeriv), Want: len(seglength)}
	}
	if len(conDeriv) != len(seglength) {
		return nil, &ShapeMismatchError{Name: "constraint derivative", Got: len(conDeriv), Want: len(seglength)}
	}
	if err := policy.Validate(); err != nil {
		return nil, err
	}

	n := len(seglength)
	r := &Result{
		Sf: make([]float64, n),
		Sg: make([]float64, n),
		Cf: make([]float64, n),
		Cg: make([]float64, n),
	}

	// Sign flip happens before the clamp.
	floats.ScaleTo(r.Sf, -1, objDeriv)
	for i, g := range conDeriv {
		r.Sg[i] = policy.apply(-g)
	}

	floats.MulTo(r.Cf, r.Sf, seglength)
	floats.MulTo(r.Cg, r.Sg, seglength)

	return r, nil
}
