package levelset

import "math"

// Discretize extracts the zero contour with marching squares and computes the
// solid area fraction of every element. The result is also kept as the
// reference boundary for the next Advect call.
func (g *Grid) Discretize() (*Boundary, error) {
	b := &Boundary{
		AreaFractions: make([]float64, g.nelx*g.nely),
	}

	// Each grid edge carries at most one crossing, shared by its two elements.
	seen := make(map[int]int)
	pointOn := func(edge, a, c int) int {
		if idx, ok := seen[edge]; ok {
			return idx
		}
		b.Points = append(b.Points, g.crossing(a, c))
		seen[edge] = len(b.Points) - 1
		return len(b.Points) - 1
	}

	for j := 0; j < g.nely; j++ {
		for i := 0; i < g.nelx; i++ {
			corners := g.corners(i, j)
			edges := g.elementEdges(i, j)

			var solid [4]bool
			for k, n := range corners {
				solid[k] = g.value(n) < 0
			}

			b.AreaFractions[j*g.nelx+i] = g.clippedArea(corners, solid)

			// Crossing points on the element edges, by local edge index.
			var cut [4]int
			count := 0
			for k := 0; k < 4; k++ {
				cut[k] = -1
				if solid[k] != solid[(k+1)%4] {
					cut[k] = pointOn(edges[k], corners[k], corners[(k+1)%4])
					count++
				}
			}

			switch count {
			case 2:
				var pair []int
				for k := 0; k < 4; k++ {
					if cut[k] >= 0 {
						pair = append(pair, cut[k])
					}
				}
				b.Segments = append(b.Segments, [2]int{pair[0], pair[1]})
			case 4:
				// Saddle: the centre value decides which diagonal pair is
				// connected. Corners on the other side of the centre are cut
				// off by the two crossings adjacent to them.
				var centre float64
				for _, n := range corners {
					centre += g.value(n)
				}
				centreSolid := centre < 0
				for k := 0; k < 4; k++ {
					if solid[k] != centreSolid {
						b.Segments = append(b.Segments, [2]int{cut[(k+3)%4], cut[k]})
					}
				}
			}
		}
	}

	b.SegmentLengths = make([]float64, len(b.Points))
	for _, s := range b.Segments {
		half := 0.5 * b.Points[s[0]].Dist(b.Points[s[1]])
		b.SegmentLengths[s[0]] += half
		b.SegmentLengths[s[1]] += half
	}

	g.last = b
	return b, nil
}

// corners lists the element nodes counter-clockwise from the lower left.
func (g *Grid) corners(i, j int) [4]int {
	return [4]int{g.node(i, j), g.node(i+1, j), g.node(i+1, j+1), g.node(i, j+1)}
}

// elementEdges lists global edge ids in the order bottom, right, top, left so
// that local edge k joins corner k and corner k+1.
func (g *Grid) elementEdges(i, j int) [4]int {
	horizontal := func(i, j int) int { return j*g.nelx + i }
	vertical := func(i, j int) int { return g.nelx*(g.nely+1) + j*(g.nelx+1) + i }
	return [4]int{horizontal(i, j), vertical(i+1, j), horizontal(i, j+1), vertical(i, j)}
}

// clippedArea returns the solid part of a unit element, using the same linear
// edge interpolation as the boundary points.
func (g *Grid) clippedArea(corners [4]int, solid [4]bool) float64 {
	switch {
	case solid[0] && solid[1] && solid[2] && solid[3]:
		return 1
	case !solid[0] && !solid[1] && !solid[2] && !solid[3]:
		return 0
	case solid[0] == solid[2] && solid[1] == solid[3]:
		return g.saddleArea(corners, solid)
	}

	var poly []Point
	for k := 0; k < 4; k++ {
		if solid[k] {
			poly = append(poly, g.nodePoint(corners[k]))
		}
		if solid[k] != solid[(k+1)%4] {
			poly = append(poly, g.crossing(corners[k], corners[(k+1)%4]))
		}
	}
	return math.Min(1, polygonArea(poly))
}

// saddleArea resolves the ambiguous case the same way as the contour: corners
// on the other side of the centre are cut off as triangles.
func (g *Grid) saddleArea(corners [4]int, solid [4]bool) float64 {
	var centre float64
	for _, n := range corners {
		centre += g.value(n)
	}
	centreSolid := centre < 0

	var cut float64
	for k := 0; k < 4; k++ {
		if solid[k] == centreSolid {
			continue
		}
		prev, next := corners[(k+3)%4], corners[(k+1)%4]
		cut += polygonArea([]Point{
			g.nodePoint(corners[k]),
			g.crossing(corners[k], next),
			g.crossing(prev, corners[k]),
		})
	}
	if centreSolid {
		return math.Max(0, 1-cut)
	}
	return math.Min(1, cut)
}

// crossing interpolates the zero of φ on the edge between nodes a and c.
func (g *Grid) crossing(a, c int) Point {
	pa, pc := g.nodePoint(a), g.nodePoint(c)
	va, vc := g.value(a), g.value(c)
	t := va / (va - vc)
	return Point{pa.X + t*(pc.X-pa.X), pa.Y + t*(pc.Y-pa.Y)}
}

func polygonArea(poly []Point) float64 {
	var area float64
	for k := range poly {
		p, q := poly[k], poly[(k+1)%len(poly)]
		area += p.X*q.Y - q.X*p.Y
	}
	return math.Abs(area) / 2
}
