package levelset

import "math"

// Reinitialize restores φ to a signed distance function. The zero contour is
// taken from a fresh marching-squares pass and each node keeps its side. A
// field with no contour is left untouched.
func (g *Grid) Reinitialize() error {
	b, err := g.Discretize()
	if err != nil {
		return err
	}
	g.last = nil
	if len(b.Segments) == 0 {
		return nil
	}

	// Index segment midpoints; a segment is never longer than a cell
	// diagonal, so a search radius grown by that length is exact.
	mids := make([]Point, len(b.Segments))
	for s, seg := range b.Segments {
		p, q := b.Points[seg[0]], b.Points[seg[1]]
		mids[s] = Point{(p.X + q.X) / 2, (p.Y + q.Y) / 2}
	}
	index := newPointIndex(mids, 2)

	next := make([]float64, len(g.phi))
	for k := range g.phi {
		p := g.nodePoint(k)
		d := g.nearestSegment(p, b, index)
		if g.value(k) < 0 {
			d = -d
		}
		next[k] = d
	}
	g.phi = next
	return nil
}

func (g *Grid) nearestSegment(p Point, b *Boundary, index *pointIndex) float64 {
	best := math.Inf(1)
	for r := 2.0; ; r *= 2 {
		index.within(p, r+math.Sqrt2, func(s int, _ float64) {
			seg := b.Segments[s]
			if d := segmentDist(p, b.Points[seg[0]], b.Points[seg[1]]); d < best {
				best = d
			}
		})
		// Any unseen segment has its midpoint beyond r+√2 and so lies
		// further than r from p.
		if best <= r || r > float64(g.nelx+g.nely)*2 {
			return best
		}
	}
}

func segmentDist(p, a, b Point) float64 {
	dx, dy := b.X-a.X, b.Y-a.Y
	l2 := dx*dx + dy*dy
	if l2 == 0 {
		return p.Dist(a)
	}
	t := ((p.X-a.X)*dx + (p.Y-a.Y)*dy) / l2
	t = math.Max(0, math.Min(1, t))
	return p.Dist(Point{a.X + t*dx, a.Y + t*dy})
}
