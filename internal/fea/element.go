package fea

import (
	"math"

	"gonum.org/v1/gonum/mat"
)

// Corner signs of the bilinear shape functions in natural coordinates.
var (
	xiA  = [4]float64{-1, 1, 1, -1}
	etaA = [4]float64{-1, -1, 1, 1}
)

// gaussPoints is the 2x2 rule on [-1, 1]², exact for bilinear elements.
var gaussPoints = func() [][2]float64 {
	g := 1 / math.Sqrt(3)
	return [][2]float64{{-g, -g}, {g, -g}, {g, g}, {-g, g}}
}()

// Unit square elements: x = (1+ξ)/2, so dN/dx = 2 dN/dξ and det J = 1/4.
const detJ = 0.25

func shape(xi, eta float64) (n, dndx, dndy [4]float64) {
	for a := 0; a < 4; a++ {
		n[a] = (1 + xiA[a]*xi) * (1 + etaA[a]*eta) / 4
		dndx[a] = xiA[a] * (1 + etaA[a]*eta) / 2
		dndy[a] = etaA[a] * (1 + xiA[a]*xi) / 2
	}
	return n, dndx, dndy
}

// strainDisplacement returns the 3x8 B matrix at (ξ, η).
func strainDisplacement(xi, eta float64) *mat.Dense {
	_, dndx, dndy := shape(xi, eta)
	b := mat.NewDense(3, 8, nil)
	for a := 0; a < 4; a++ {
		b.Set(0, 2*a, dndx[a])
		b.Set(1, 2*a+1, dndy[a])
		b.Set(2, 2*a, dndy[a])
		b.Set(2, 2*a+1, dndx[a])
	}
	return b
}

// planeStress returns the constitutive matrix for a unit-thickness plate.
func planeStress(e, nu float64) *mat.Dense {
	c := e / (1 - nu*nu)
	return mat.NewDense(3, 3, []float64{
		c, c * nu, 0,
		c * nu, c, 0,
		0, 0, c * (1 - nu) / 2,
	})
}

// elementMatrices are the solid-material matrices shared by every element.
type elementMatrices struct {
	ke  [8][8]float64 // elastic stiffness
	kt  [4][4]float64 // conductivity
	ct  [8][4]float64 // thermal expansion load per unit nodal temperature
	db0 [3][8]float64 // stress at the element centre per unit displacement
}

func newElementMatrices(m Material) *elementMatrices {
	d := planeStress(m.E, m.Nu)
	expansion := mat.NewVecDense(3, []float64{m.Alpha, m.Alpha, 0})
	var dm mat.VecDense
	dm.MulVec(d, expansion)

	ke := mat.NewDense(8, 8, nil)
	kt := mat.NewDense(4, 4, nil)
	ct := mat.NewDense(8, 4, nil)
	for _, gp := range gaussPoints {
		n, dndx, dndy := shape(gp[0], gp[1])
		b := strainDisplacement(gp[0], gp[1])

		var db, btdb mat.Dense
		db.Mul(planeStress(m.E, m.Nu), b)
		btdb.Mul(b.T(), &db)
		btdb.Scale(detJ, &btdb)
		ke.Add(ke, &btdb)

		grad := mat.NewDense(2, 4, nil)
		grad.SetRow(0, dndx[:])
		grad.SetRow(1, dndy[:])
		var gtg mat.Dense
		gtg.Mul(grad.T(), grad)
		gtg.Scale(m.KCond*detJ, &gtg)
		kt.Add(kt, &gtg)

		var btdm mat.VecDense
		btdm.MulVec(b.T(), &dm)
		var outer mat.Dense
		outer.Outer(detJ, &btdm, mat.NewVecDense(4, n[:]))
		ct.Add(ct, &outer)
	}

	var db0 mat.Dense
	db0.Mul(d, strainDisplacement(0, 0))

	em := &elementMatrices{}
	for r := 0; r < 8; r++ {
		for c := 0; c < 8; c++ {
			em.ke[r][c] = ke.At(r, c)
		}
		for c := 0; c < 4; c++ {
			em.ct[r][c] = ct.At(r, c)
		}
	}
	for r := 0; r < 4; r++ {
		for c := 0; c < 4; c++ {
			em.kt[r][c] = kt.At(r, c)
		}
	}
	for r := 0; r < 3; r++ {
		for c := 0; c < 8; c++ {
			em.db0[r][c] = db0.At(r, c)
		}
	}
	return em
}

func (em *elementMatrices) keMul(u [8]float64) (y [8]float64) {
	for r := 0; r < 8; r++ {
		var s float64
		for c := 0; c < 8; c++ {
			s += em.ke[r][c] * u[c]
		}
		y[r] = s
	}
	return y
}

func (em *elementMatrices) ktMul(t [4]float64) (y [4]float64) {
	for r := 0; r < 4; r++ {
		var s float64
		for c := 0; c < 4; c++ {
			s += em.kt[r][c] * t[c]
		}
		y[r] = s
	}
	return y
}

func (em *elementMatrices) ctMul(t [4]float64) (y [8]float64) {
	for r := 0; r < 8; r++ {
		var s float64
		for c := 0; c < 4; c++ {
			s += em.ct[r][c] * t[c]
		}
		y[r] = s
	}
	return y
}

// ctTMul returns ctᵀ·u.
func (em *elementMatrices) ctTMul(u [8]float64) (y [4]float64) {
	for c := 0; c < 4; c++ {
		var s float64
		for r := 0; r < 8; r++ {
			s += em.ct[r][c] * u[r]
		}
		y[c] = s
	}
	return y
}

// stress returns σx, σy, τxy at the element centre.
func (em *elementMatrices) stress(u [8]float64) (s [3]float64) {
	for r := 0; r < 3; r++ {
		for c := 0; c < 8; c++ {
			s[r] += em.db0[r][c] * u[c]
		}
	}
	return s
}

func vonMises(s [3]float64) float64 {
	return math.Sqrt(s[0]*s[0] + s[1]*s[1] - s[0]*s[1] + 3*s[2]*s[2])
}

func dot8(a, b [8]float64) float64 {
	var s float64
	for i := range a {
		s += a[i] * b[i]
	}
	return s
}

func dot4(a, b [4]float64) float64 {
	var s float64
	for i := range a {
		s += a[i] * b[i]
	}
	return s
}
