package levelset

import (
	"errors"
	"fmt"
	"math"

	"github.com/cwbudde/lsto/internal/sensitivity"
)

// ErrMoveLimit is returned when a scaled velocity would move a boundary point
// further than the move limit.
var ErrMoveLimit = errors.New("displacement exceeds move limit")

// Advect moves the zero contour by velocity[i]*timestep along the normal at
// every boundary point of the last discretisation. Velocities are extended to
// nodes inside the band by inverse-distance weighting, then φ is updated with
// a first-order upwind scheme.
func (g *Grid) Advect(velocity []float64, timestep float64) error {
	if g.last == nil {
		return ErrNotDiscretised
	}
	if len(velocity) != g.last.Len() {
		return &sensitivity.ShapeMismatchError{Name: "velocity", Got: len(velocity), Want: g.last.Len()}
	}
	if !(timestep > 0) || math.IsInf(timestep, 0) {
		return fmt.Errorf("invalid timestep %g", timestep)
	}

	var vmax float64
	for i, v := range velocity {
		if math.IsNaN(v) {
			return fmt.Errorf("velocity at point %d is NaN", i)
		}
		vmax = math.Max(vmax, math.Abs(v))
	}
	if vmax*timestep > g.moveLimit*(1+1e-9) {
		return fmt.Errorf("%w: %g > %g", ErrMoveLimit, vmax*timestep, g.moveLimit)
	}

	nodal := g.extendVelocity(g.last.Points, velocity)

	// Keep every sub-step under half a cell of travel for stability.
	steps := int(math.Ceil(vmax * timestep / 0.5))
	if steps < 1 {
		steps = 1
	}
	dt := timestep / float64(steps)
	for s := 0; s < steps; s++ {
		g.upwind(nodal, dt)
	}

	g.last = nil
	return nil
}

// extendVelocity maps boundary velocities to grid nodes. Nodes with no boundary
// point inside the band get zero velocity.
func (g *Grid) extendVelocity(points []Point, velocity []float64) []float64 {
	nodal := make([]float64, len(g.phi))
	index := newPointIndex(points, g.bandWidth)

	for k := range nodal {
		p := g.nodePoint(k)
		var num, den float64
		index.within(p, g.bandWidth, func(i int, d float64) {
			w := 1 / (d + 1e-3)
			num += w * velocity[i]
			den += w
		})
		if den > 0 {
			nodal[k] = num / den
		}
	}
	return nodal
}

// upwind advances φ_t = v|∇φ| by one explicit Godunov step. A positive v
// raises φ and so grows the void.
func (g *Grid) upwind(v []float64, dt float64) {
	next := make([]float64, len(g.phi))
	nx, ny := g.nelx+1, g.nely+1

	for j := 0; j < ny; j++ {
		for i := 0; i < nx; i++ {
			k := g.node(i, j)
			if v[k] == 0 {
				next[k] = g.phi[k]
				continue
			}

			var dmx, dpx, dmy, dpy float64
			if i > 0 {
				dmx = g.phi[k] - g.phi[k-1]
			}
			if i < nx-1 {
				dpx = g.phi[k+1] - g.phi[k]
			}
			if j > 0 {
				dmy = g.phi[k] - g.phi[k-nx]
			}
			if j < ny-1 {
				dpy = g.phi[k+nx] - g.phi[k]
			}

			// Written as φ_t + F|∇φ| = 0 with speed F = -v.
			f := -v[k]
			var grad float64
			if f > 0 {
				grad = math.Sqrt(sq(math.Max(dmx, 0)) + sq(math.Min(dpx, 0)) + sq(math.Max(dmy, 0)) + sq(math.Min(dpy, 0)))
			} else {
				grad = math.Sqrt(sq(math.Min(dmx, 0)) + sq(math.Max(dpx, 0)) + sq(math.Min(dmy, 0)) + sq(math.Max(dpy, 0)))
			}
			next[k] = g.phi[k] - dt*f*grad
		}
	}
	g.phi = next
}

func sq(x float64) float64 { return x * x }
