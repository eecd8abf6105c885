package suboptim

import (
	"errors"
	"fmt"
)

// ErrInfeasible is returned when no velocity inside the move limit satisfies
// the constraint. Use errors.Is(err, ErrInfeasible) to check for it.
var ErrInfeasible = &InfeasibleError{}

// ErrDisagreement is returned by CrossCheck when the two strategies report
// objectives outside the configured relative tolerance.
var ErrDisagreement = errors.New("sub-optimizers disagree")

// InfeasibleError carries the best multiplier tried and the constraint value
// it reached.
type InfeasibleError struct {
	BestLambda float64
	Constraint float64
	Budget     float64
}

func (e *InfeasibleError) Error() string {
	return fmt.Sprintf("sub-optimization infeasible: constraint %g cannot reach budget %g (best lambda %g)",
		e.Constraint, e.Budget, e.BestLambda)
}

func (e *InfeasibleError) Is(target error) bool {
	_, ok := target.(*InfeasibleError)
	return ok
}
