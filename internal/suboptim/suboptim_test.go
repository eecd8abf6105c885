package suboptim

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"testing"

	"github.com/cwbudde/lsto/internal/sensitivity"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func strategies() []SubOptimizer {
	opts := DefaultOptions()
	return []SubOptimizer{
		&Bisection{Tolerance: opts.Tolerance, MaxIterations: opts.MaxIterations, MaxLambda: opts.MaxLambda},
		&Simplex{Tolerance: opts.Tolerance},
	}
}

func literalProblem(budget float64) Problem {
	return Problem{
		Cf:        []float64{2, -1, 3, -2},
		Cg:        []float64{1, 1, 1, 1},
		Budget:    budget,
		MoveLimit: 0.5,
	}
}

func randomProblem(rng *rand.Rand, n int) Problem {
	p := Problem{
		Cf:        make([]float64, n),
		Cg:        make([]float64, n),
		MoveLimit: 0.1 + rng.Float64(),
	}
	for i := 0; i < n; i++ {
		p.Cf[i] = 4*rng.Float64() - 2
		p.Cg[i] = 4*rng.Float64() - 2
	}
	// Budget somewhere inside the reachable range.
	lo := p.minConstraint()
	p.Budget = lo + rng.Float64()*(-2*lo)
	return p
}

func assertAdmissible(t *testing.T, p Problem, sol *Solution) {
	t.Helper()
	require.Len(t, sol.Velocity, p.Len())
	for i, v := range sol.Velocity {
		assert.LessOrEqual(t, math.Abs(v), p.MoveLimit+1e-12, "velocity %d out of bounds", i)
	}
	assert.LessOrEqual(t, sol.Constraint, p.Budget+1e-6)
	assert.Equal(t, 1.0, sol.Timestep)
}

func TestUnconstrainedOptimumReturnedDirectly(t *testing.T) {
	for _, s := range strategies() {
		t.Run(s.Name(), func(t *testing.T) {
			p := literalProblem(1)
			sol, err := s.Solve(context.Background(), p)
			require.NoError(t, err)

			assert.InDeltaSlice(t, []float64{0.5, -0.5, 0.5, -0.5}, sol.Velocity, 1e-9)
			assert.InDelta(t, 4.0, sol.Objective, 1e-9)
			assert.InDelta(t, 0, sol.Constraint, 1e-9)
			assertAdmissible(t, p, sol)
		})
	}
}

func TestBisectionSkipsRefinementWhenFeasible(t *testing.T) {
	sol, err := (&Bisection{}).Solve(context.Background(), literalProblem(1))
	require.NoError(t, err)
	assert.Equal(t, 0, sol.Iterations)
	assert.Equal(t, 0.0, sol.Lambda)
}

func TestTightBudgetMetWithEquality(t *testing.T) {
	for _, s := range strategies() {
		t.Run(s.Name(), func(t *testing.T) {
			p := literalProblem(-1)
			sol, err := s.Solve(context.Background(), p)
			require.NoError(t, err)

			assertAdmissible(t, p, sol)
			assert.InDelta(t, -1, sol.Constraint, 1e-6)
			// Flipping the point with the weakest gain per unit constraint
			// (Cf = 2) is optimal.
			assert.InDelta(t, 2.0, sol.Objective, 1e-6)
		})
	}

	sol, err := (&Bisection{}).Solve(context.Background(), literalProblem(-1))
	require.NoError(t, err)
	assert.Greater(t, sol.Iterations, 0)
	assert.InDelta(t, 2.0, sol.Lambda, 1e-6)
}

func TestFractionalBudget(t *testing.T) {
	for _, s := range strategies() {
		t.Run(s.Name(), func(t *testing.T) {
			p := literalProblem(-0.4)
			sol, err := s.Solve(context.Background(), p)
			require.NoError(t, err)

			assertAdmissible(t, p, sol)
			assert.InDelta(t, -0.4, sol.Constraint, 1e-6)
			assert.InDeltaSlice(t, []float64{0.1, -0.5, 0.5, -0.5}, sol.Velocity, 1e-6)
		})
	}
}

func TestGenerousBudgetNeverBinding(t *testing.T) {
	p := Problem{
		Cf:        []float64{1, -2, 0.5, -0.1, 3},
		Cg:        []float64{-1, 0, -0.5, -2, -0.25},
		MoveLimit: 0.3,
	}
	// Budget covers any sign choice.
	p.Budget = -p.minConstraint()

	sol, err := (&Bisection{}).Solve(context.Background(), p)
	require.NoError(t, err)

	assert.Equal(t, 0, sol.Iterations)
	assert.Equal(t, []float64{0.3, -0.3, 0.3, -0.3, 0.3}, sol.Velocity)
}

// With Cg <= 0 and every preferred move lowering the constraint, a zero
// budget is never binding and both strategies return the box optimum.
func TestNonPositiveConstraintNeverBinding(t *testing.T) {
	p := Problem{
		Cf:        []float64{1, -2, 0.5, -0.1, 3},
		Cg:        []float64{-1, 0, -0.5, 0, -0.25},
		Budget:    0,
		MoveLimit: 0.3,
	}
	for i := range p.Cf {
		require.LessOrEqual(t, p.Cg[i]*math.Copysign(1, p.Cf[i]), 0.0)
	}

	for _, s := range strategies() {
		t.Run(s.Name(), func(t *testing.T) {
			sol, err := s.Solve(context.Background(), p)
			require.NoError(t, err)

			assertAdmissible(t, p, sol)
			assert.InDeltaSlice(t, []float64{0.3, -0.3, 0.3, -0.3, 0.3}, sol.Velocity, 1e-7)
			assert.InDelta(t, 0.3*(1+2+0.5+0.1+3), sol.Objective, 1e-7)
			assert.InDelta(t, -0.3*(1+0.5+0.25), sol.Constraint, 1e-7)
		})
	}

	sol, err := (&Bisection{}).Solve(context.Background(), p)
	require.NoError(t, err)
	assert.Equal(t, 0, sol.Iterations)
	assert.Equal(t, 0.0, sol.Lambda)
}

func TestInfeasibleBudget(t *testing.T) {
	for _, s := range strategies() {
		t.Run(s.Name(), func(t *testing.T) {
			p := literalProblem(-2.5) // reachable minimum is -2
			_, err := s.Solve(context.Background(), p)
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrInfeasible))
		})
	}

	_, err := (&Bisection{}).Solve(context.Background(), literalProblem(-2.5))
	var ie *InfeasibleError
	require.ErrorAs(t, err, &ie)
	assert.Greater(t, ie.BestLambda, 3.0)
	assert.InDelta(t, -2, ie.Constraint, 1e-9)
}

func TestCrossAlgorithmAgreement(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	bisection := &Bisection{}
	simplex := &Simplex{}

	for trial := 0; trial < 40; trial++ {
		p := randomProblem(rng, 1+rng.Intn(50))

		a, err := bisection.Solve(context.Background(), p)
		require.NoError(t, err, "trial %d", trial)
		b, err := simplex.Solve(context.Background(), p)
		require.NoError(t, err, "trial %d", trial)

		assertAdmissible(t, p, a)
		assertAdmissible(t, p, b)

		scale := math.Max(1, math.Abs(b.Objective))
		assert.InDelta(t, b.Objective, a.Objective, 1e-6*scale, "trial %d", trial)
	}
}

func TestObjectiveMonotoneInBudget(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	p := randomProblem(rng, 30)
	lo := p.minConstraint()

	prev := math.Inf(-1)
	for k := 0; k <= 20; k++ {
		p.Budget = lo + float64(k)*(-2*lo)/20
		sol, err := (&Bisection{}).Solve(context.Background(), p)
		require.NoError(t, err)
		assert.GreaterOrEqual(t, sol.Objective, prev-1e-9)
		prev = sol.Objective
	}
}

func TestEmptyProblem(t *testing.T) {
	for _, s := range strategies() {
		sol, err := s.Solve(context.Background(), Problem{MoveLimit: 0.5})
		require.NoError(t, err)
		assert.Empty(t, sol.Velocity)

		_, err = s.Solve(context.Background(), Problem{MoveLimit: 0.5, Budget: -1})
		assert.ErrorIs(t, err, ErrInfeasible)
	}
}

func TestValidation(t *testing.T) {
	s := &Bisection{}
	ctx := context.Background()

	_, err := s.Solve(ctx, Problem{Cf: []float64{1, 2}, Cg: []float64{1}, MoveLimit: 1})
	assert.ErrorIs(t, err, sensitivity.ErrShapeMismatch)

	_, err = s.Solve(ctx, Problem{Cf: []float64{1}, Cg: []float64{1}, MoveLimit: 0})
	assert.Error(t, err)

	_, err = s.Solve(ctx, Problem{Cf: []float64{math.NaN()}, Cg: []float64{1}, MoveLimit: 1})
	assert.Error(t, err)

	_, err = s.Solve(ctx, Problem{Cf: []float64{1}, Cg: []float64{math.Inf(1)}, MoveLimit: 1})
	assert.Error(t, err)
}

func TestCrossCheck(t *testing.T) {
	cc, err := New(Options{
		Algorithm:           AlgorithmCrossCheck,
		Tolerance:           1e-9,
		MaxIterations:       200,
		MaxLambda:           1e12,
		CrossCheckTolerance: 1e-6,
		CrossCheckMaxPoints: 100,
	})
	require.NoError(t, err)
	assert.Equal(t, AlgorithmCrossCheck, cc.Name())

	p := literalProblem(-1)
	sol, err := cc.Solve(context.Background(), p)
	require.NoError(t, err)
	assert.Equal(t, AlgorithmBisection, sol.Algorithm)
	assert.InDelta(t, 2.0, sol.Objective, 1e-6)

	// inputs are not shared with the strategies
	assert.Equal(t, []float64{2, -1, 3, -2}, p.Cf)
}

type fixedObjective struct {
	name      string
	objective float64
}

func (f *fixedObjective) Name() string { return f.name }

func (f *fixedObjective) Solve(_ context.Context, p Problem) (*Solution, error) {
	return &Solution{Velocity: make([]float64, p.Len()), Timestep: 1, Objective: f.objective, Algorithm: f.name}, nil
}

func TestCrossCheckDisagreement(t *testing.T) {
	cc := &CrossCheck{
		Primary:   &fixedObjective{name: "a", objective: 1},
		Reference: &fixedObjective{name: "b", objective: 2},
		RelTol:    1e-6,
	}
	_, err := cc.Solve(context.Background(), literalProblem(0))
	assert.ErrorIs(t, err, ErrDisagreement)
}

func TestCrossCheckSkipsLargeProblems(t *testing.T) {
	cc := &CrossCheck{
		Primary:   &fixedObjective{name: "a", objective: 1},
		Reference: &fixedObjective{name: "b", objective: 2},
		RelTol:    1e-6,
		MaxPoints: 2,
	}
	sol, err := cc.Solve(context.Background(), literalProblem(0))
	require.NoError(t, err)
	assert.Equal(t, "a", sol.Algorithm)
}

func TestCrossCheckPropagatesInfeasible(t *testing.T) {
	cc, err := New(func() Options { o := DefaultOptions(); o.Algorithm = AlgorithmCrossCheck; return o }())
	require.NoError(t, err)

	_, err = cc.Solve(context.Background(), literalProblem(-3))
	assert.ErrorIs(t, err, ErrInfeasible)
}

func TestNewUnknownAlgorithm(t *testing.T) {
	_, err := New(Options{Algorithm: "ipopt"})
	assert.Error(t, err)
}
