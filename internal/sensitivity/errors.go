package sensitivity

import "fmt"

// ErrShapeMismatch is returned when per-point vectors of one iteration do not
// have the same length. Use errors.Is(err, ErrShapeMismatch) to check for it.
var ErrShapeMismatch = &ShapeMismatchError{}

// ShapeMismatchError reports which vector disagreed with the boundary size.
type ShapeMismatchError struct {
	Name string
	Got  int
	Want int
}

func (e *ShapeMismatchError) Error() string {
	if e.Name == "" {
		return "shape mismatch"
	}
	return fmt.Sprintf("shape mismatch: %s has length %d, want %d", e.Name, e.Got, e.Want)
}

func (e *ShapeMismatchError) Is(target error) bool {
	_, ok := target.(*ShapeMismatchError)
	return ok
}
