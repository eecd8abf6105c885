package levelset

import "math"

// pointIndex buckets points on a uniform grid for radius queries.
type pointIndex struct {
	cell    float64
	points  []Point
	buckets map[[2]int][]int
}

func newPointIndex(points []Point, cell float64) *pointIndex {
	if cell <= 0 {
		cell = 1
	}
	idx := &pointIndex{cell: cell, points: points, buckets: make(map[[2]int][]int)}
	for i, p := range points {
		key := idx.key(p)
		idx.buckets[key] = append(idx.buckets[key], i)
	}
	return idx
}

func (idx *pointIndex) key(p Point) [2]int {
	return [2]int{int(math.Floor(p.X / idx.cell)), int(math.Floor(p.Y / idx.cell))}
}

// within calls fn for every point no further than r from p.
func (idx *pointIndex) within(p Point, r float64, fn func(i int, d float64)) {
	span := int(math.Ceil(r / idx.cell))
	c := idx.key(p)
	for by := c[1] - span; by <= c[1]+span; by++ {
		for bx := c[0] - span; bx <= c[0]+span; bx++ {
			for _, i := range idx.buckets[[2]int{bx, by}] {
				if d := p.Dist(idx.points[i]); d <= r {
					fn(i, d)
				}
			}
		}
	}
}
