package fea

import (
	"math"

	"github.com/cwbudde/lsto/internal/levelset"
	"gonum.org/v1/gonum/mat"
)

const (
	sampleRadius  = 2.0
	sampleMinArea = 0.1
)

// interpolate evaluates element values at the boundary points with an
// inverse-distance weighted least-squares fit of a linear field through the
// solid element centres within sampleRadius. Points with too few samples use
// the weighted mean, and points with none take the nearest element.
func interpolate(mesh *Mesh, b *levelset.Boundary, values []float64) []float64 {
	out := make([]float64, b.Len())
	span := int(math.Ceil(sampleRadius))

	for k, p := range b.Points {
		ci, cj := int(math.Floor(p.X)), int(math.Floor(p.Y))

		var (
			xs, ys, ws, vs []float64
			nearest        = -1
			nearestDist    = math.Inf(1)
		)
		for j := max(0, cj-span); j <= min(mesh.Nely-1, cj+span); j++ {
			for i := max(0, ci-span); i <= min(mesh.Nelx-1, ci+span); i++ {
				e := j*mesh.Nelx + i
				c := mesh.ElementCentre(e)
				d := p.Dist(c)
				if d < nearestDist {
					nearest, nearestDist = e, d
				}
				if d > sampleRadius || b.AreaFractions[e] <= sampleMinArea {
					continue
				}
				xs = append(xs, c.X-p.X)
				ys = append(ys, c.Y-p.Y)
				ws = append(ws, 1/math.Max(d, 0.1))
				vs = append(vs, values[e])
			}
		}

		switch {
		case len(vs) >= 3:
			if v, ok := linearFit(xs, ys, ws, vs); ok {
				out[k] = v
				continue
			}
			out[k] = weightedMean(ws, vs)
		case len(vs) > 0:
			out[k] = weightedMean(ws, vs)
		case nearest >= 0:
			out[k] = values[nearest]
		}
	}
	return out
}

// linearFit solves the weighted normal equations of v ≈ a + b·x + c·y and
// returns a, the value at the origin.
func linearFit(xs, ys, ws, vs []float64) (float64, bool) {
	ata := mat.NewSymDense(3, nil)
	atb := mat.NewVecDense(3, nil)
	for i := range vs {
		row := [3]float64{1, xs[i], ys[i]}
		for r := 0; r < 3; r++ {
			for c := r; c < 3; c++ {
				ata.SetSym(r, c, ata.At(r, c)+ws[i]*row[r]*row[c])
			}
			atb.SetVec(r, atb.AtVec(r)+ws[i]*row[r]*vs[i])
		}
	}

	var chol mat.Cholesky
	if ok := chol.Factorize(ata); !ok {
		return 0, false
	}
	if chol.Cond() > 1e12 {
		return 0, false
	}
	var coef mat.VecDense
	if err := chol.SolveVecTo(&coef, atb); err != nil {
		return 0, false
	}
	return coef.AtVec(0), true
}

func weightedMean(ws, vs []float64) float64 {
	var num, den float64
	for i := range vs {
		num += ws[i] * vs[i]
		den += ws[i]
	}
	return num / den
}
