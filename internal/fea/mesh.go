package fea

import (
	"fmt"

	"github.com/cwbudde/lsto/internal/levelset"
)

// Mesh is a structured grid of unit Q4 elements matching the level-set grid.
// Nodes and elements are numbered row by row from the lower left corner.
type Mesh struct {
	Nelx, Nely int
}

// NewMesh validates the grid size.
func NewMesh(nelx, nely int) (*Mesh, error) {
	if nelx < 1 || nely < 1 {
		return nil, fmt.Errorf("invalid mesh size %dx%d", nelx, nely)
	}
	return &Mesh{Nelx: nelx, Nely: nely}, nil
}

// NumNodes returns the node count.
func (m *Mesh) NumNodes() int { return (m.Nelx + 1) * (m.Nely + 1) }

// NumElements returns the element count.
func (m *Mesh) NumElements() int { return m.Nelx * m.Nely }

// Node returns the id of the node at column i, row j.
func (m *Mesh) Node(i, j int) int { return j*(m.Nelx+1) + i }

// NodeCoord returns the coordinates of node n.
func (m *Mesh) NodeCoord(n int) levelset.Point {
	return levelset.Point{X: float64(n % (m.Nelx + 1)), Y: float64(n / (m.Nelx + 1))}
}

// ElementNodes lists the corners of element e counter-clockwise from the
// lower left.
func (m *Mesh) ElementNodes(e int) [4]int {
	i, j := e%m.Nelx, e/m.Nelx
	return [4]int{m.Node(i, j), m.Node(i+1, j), m.Node(i+1, j+1), m.Node(i, j+1)}
}

// ElementCentre returns the centroid of element e.
func (m *Mesh) ElementCentre(e int) levelset.Point {
	return levelset.Point{X: float64(e%m.Nelx) + 0.5, Y: float64(e/m.Nelx) + 0.5}
}

// elasticDOFs returns the two displacement DOFs of every corner of e.
func (m *Mesh) elasticDOFs(e int) [8]int {
	n := m.ElementNodes(e)
	var d [8]int
	for a := 0; a < 4; a++ {
		d[2*a] = 2 * n[a]
		d[2*a+1] = 2*n[a] + 1
	}
	return d
}
