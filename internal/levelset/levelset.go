// Package levelset stores the implicit shape of the structure on a fixed
// background grid and turns it into the boundary discretisation consumed by
// the optimizer.
//
// The grid uses unit square elements: node (i, j) sits at (i, j) and element
// (i, j) covers [i, i+1] x [j, j+1]. The level-set function φ is negative in
// the solid and positive in the void. A positive normal velocity moves the
// boundary into the solid, i.e. it removes material.
package levelset

import (
	"errors"
	"fmt"
	"math"
)

// ErrNotDiscretised is returned by Advect when no boundary is available to
// carry the velocity.
var ErrNotDiscretised = errors.New("level set has not been discretised")

// Point is a 2D coordinate.
type Point struct {
	X, Y float64
}

// Dist returns the Euclidean distance between p and q.
func (p Point) Dist(q Point) float64 {
	return math.Hypot(p.X-q.X, p.Y-q.Y)
}

// Boundary is the discretisation of the zero contour for one iteration.
// All slices are freshly allocated by every Discretize call.
type Boundary struct {
	Points         []Point   // ordered boundary points
	SegmentLengths []float64 // arc length attributed to each point
	AreaFractions  []float64 // solid fraction per element, row-major
	Segments       [][2]int  // zero-contour pieces as point index pairs
}

// Len returns the number of boundary points.
func (b *Boundary) Len() int {
	return len(b.Points)
}

// SolidArea returns the sum of the element area fractions.
func (b *Boundary) SolidArea() float64 {
	var s float64
	for _, a := range b.AreaFractions {
		s += a
	}
	return s
}

// VolumeFraction returns the global solid fraction of the design domain.
func (b *Boundary) VolumeFraction() float64 {
	if len(b.AreaFractions) == 0 {
		return 0
	}
	return b.SolidArea() / float64(len(b.AreaFractions))
}

// Grid owns the level-set field. It is not safe for concurrent use: the
// evolution driver is its only writer.
type Grid struct {
	nelx, nely int
	moveLimit  float64
	bandWidth  float64

	phi  []float64
	last *Boundary
}

// Option configures a Grid.
type Option func(*Grid)

// WithBandWidth sets the radius used to extend boundary velocities to grid
// nodes during advection.
func WithBandWidth(w float64) Option {
	return func(g *Grid) {
		g.bandWidth = w
	}
}

// New creates a fully solid nelx x nely domain. φ starts as minus the distance
// to the domain edge.
func New(nelx, nely int, moveLimit float64, opts ...Option) (*Grid, error) {
	if nelx < 1 || nely < 1 {
		return nil, fmt.Errorf("invalid grid size %dx%d", nelx, nely)
	}
	if !(moveLimit > 0) {
		return nil, fmt.Errorf("invalid move limit %g", moveLimit)
	}

	g := &Grid{
		nelx:      nelx,
		nely:      nely,
		moveLimit: moveLimit,
		bandWidth: 2,
		phi:       make([]float64, (nelx+1)*(nely+1)),
	}
	for _, opt := range opts {
		opt(g)
	}

	lx, ly := float64(nelx), float64(nely)
	for j := 0; j <= nely; j++ {
		for i := 0; i <= nelx; i++ {
			x, y := float64(i), float64(j)
			g.phi[g.node(i, j)] = -math.Min(math.Min(x, lx-x), math.Min(y, ly-y))
		}
	}
	return g, nil
}

// Dims returns the number of elements along x and y.
func (g *Grid) Dims() (nelx, nely int) {
	return g.nelx, g.nely
}

// MoveLimit returns the largest admissible displacement per advection.
func (g *Grid) MoveLimit() float64 {
	return g.moveLimit
}

// AddHoles carves circular voids into the field.
func (g *Grid) AddHoles(x, y, radius []float64) error {
	if len(x) != len(y) || len(x) != len(radius) {
		return fmt.Errorf("hole coordinates and radii differ in length: %d, %d, %d", len(x), len(y), len(radius))
	}
	for h := range x {
		c := Point{x[h], y[h]}
		for j := 0; j <= g.nely; j++ {
			for i := 0; i <= g.nelx; i++ {
				k := g.node(i, j)
				d := radius[h] - c.Dist(Point{float64(i), float64(j)})
				if d > g.phi[k] {
					g.phi[k] = d
				}
			}
		}
	}
	g.last = nil
	return nil
}

// Phi returns a copy of the nodal level-set values.
func (g *Grid) Phi() []float64 {
	return append([]float64(nil), g.phi...)
}

// SetPhi replaces the nodal values, e.g. when resuming from a checkpoint.
func (g *Grid) SetPhi(phi []float64) error {
	if len(phi) != len(g.phi) {
		return fmt.Errorf("phi has %d values, grid has %d nodes", len(phi), len(g.phi))
	}
	copy(g.phi, phi)
	g.last = nil
	return nil
}

func (g *Grid) node(i, j int) int {
	return j*(g.nelx+1) + i
}

func (g *Grid) nodePoint(k int) Point {
	return Point{float64(k % (g.nelx + 1)), float64(k / (g.nelx + 1))}
}

// value returns φ with values on the contour nudged into the solid so that
// every node has a definite side.
func (g *Grid) value(k int) float64 {
	const eps = 1e-6
	if v := g.phi[k]; math.Abs(v) >= eps {
		return v
	}
	return -eps
}
