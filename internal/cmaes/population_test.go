package cmaes

import (
	"context"
	"errors"
	"fmt"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"

	"podroutes/internal/fitness"
	"podroutes/internal/normal"
)

// sphere scores genomes by their squared distance to target.
type sphere struct{ target []float64 }

func (s sphere) Evaluate(_ context.Context, genomes [][]float64) ([]fitness.Costs, error) {
	out := make([]fitness.Costs, len(genomes))
	for i, g := range genomes {
		for j, v := range g {
			d := v
			if s.target != nil {
				d -= s.target[j]
			}
			out[i].Total += d * d
		}
		out[i].Length = out[i].Total
	}
	return out, nil
}

type evalFunc func(ctx context.Context, genomes [][]float64) ([]fitness.Costs, error)

func (f evalFunc) Evaluate(ctx context.Context, genomes [][]float64) ([]fitness.Costs, error) {
	return f(ctx, genomes)
}

func newPop(t *testing.T, opts Options) *Population {
	t.Helper()
	p, err := New(opts)
	require.NoError(t, err)
	t.Cleanup(p.Close)
	return p
}

func TestStrategyConstants(t *testing.T) {
	s := newStrategy(8, 20, 10, 0, 0)
	sum := 0.0
	for i, w := range s.weights {
		sum += w
		if i > 0 {
			assert.Less(t, w, s.weights[i-1])
		}
	}
	assert.InDelta(t, 1, sum, 1e-12)
	assert.Greater(t, s.mueff, 1.0)
	assert.Less(t, s.mueff, 10.0)
	assert.Greater(t, s.cs, 0.0)
	assert.Less(t, s.cs, 1.0)
	assert.LessOrEqual(t, s.c1+s.cmu, 1.0)
	assert.InDelta(t, math.Sqrt(8)*(1-1.0/32+1.0/(21*64)), s.chiN, 1e-12)
	assert.GreaterOrEqual(t, s.eigenEvery, 1)

	damped := newStrategy(8, 20, 10, 2, 1.5)
	assert.InDelta(t, 2*s.ds, damped.ds, 1e-12)
	assert.InDelta(t, 1.5+2.0/9, damped.hsigFactor, 1e-12)
}

func TestNewValidates(t *testing.T) {
	for _, opts := range []Options{
		{},
		{Mean: []float64{0}, Sigma: 1},
		{Mean: []float64{0}, Sigma: 1, Lambda: 4, Mu: 5},
		{Mean: []float64{0}, Sigma: 0, Lambda: 4},
		{Mean: []float64{0, 0}, Sigma: 1, Lambda: 4, Scales: []float64{1}},
		{Mean: []float64{0}, Sigma: 1, Lambda: 4, Scales: []float64{-1}},
	} {
		_, err := New(opts)
		assert.Error(t, err, "%+v", opts)
	}
}

func TestCovarianceStaysPSD(t *testing.T) {
	for _, n := range []int{1, 2, 5, 12} {
		for _, lambda := range []int{1, 4, 10, 31} {
			t.Run(fmt.Sprintf("n%d_lambda%d", n, lambda), func(t *testing.T) {
				p := newPop(t, Options{Mean: make([]float64, n), Sigma: 0.5, Lambda: lambda, Seed: int64(n*100 + lambda)})
				_, err := p.EvaluateAndEvolve(context.Background(), sphere{})
				require.NoError(t, err)

				c := p.Covariance()
				require.Equal(t, n, c.SymmetricDim())
				var es mat.EigenSym
				require.True(t, es.Factorize(c, false))
				vals := es.Values(nil)
				maxV := vals[len(vals)-1]
				assert.Greater(t, maxV, 0.0)
				for _, v := range vals {
					assert.GreaterOrEqual(t, v, -1e-10*maxV)
				}
				assert.Greater(t, p.Sigma(), 0.0)
			})
		}
	}
}

func TestBestIsMonotone(t *testing.T) {
	target := []float64{3, -2, 1, 4, 0, -1}
	p := newPop(t, Options{Mean: make([]float64, 6), Sigma: 1, Lambda: 12, SampleThreads: 3, Seed: 9})
	for i := 0; i < 60; i++ {
		_, err := p.EvaluateAndEvolve(context.Background(), sphere{target: target})
		require.NoError(t, err)
	}
	h := p.History()
	require.Len(t, h, 60)
	for i := 1; i < len(h); i++ {
		assert.LessOrEqual(t, h[i].BestSoFar, h[i-1].BestSoFar)
	}
	best, ok := p.Best()
	require.True(t, ok)
	assert.Less(t, best.Costs.Total, 0.1)
	assert.Equal(t, best.Genome, p.Solution())
	assert.Equal(t, 60, p.Generation())

	first, ok := p.Individual(0)
	require.True(t, ok)
	last, ok := p.Individual(11)
	require.True(t, ok)
	assert.LessOrEqual(t, first.Costs.Total, last.Costs.Total)
	_, ok = p.Individual(12)
	assert.False(t, ok)
}

func TestBestRecoversFromNaNGeneration(t *testing.T) {
	p := newPop(t, Options{Mean: []float64{1, 1, 1}, Sigma: 0.5, Lambda: 8, Seed: 4})
	nan := evalFunc(func(_ context.Context, genomes [][]float64) ([]fitness.Costs, error) {
		out := make([]fitness.Costs, len(genomes))
		for i := range out {
			out[i].Total = math.NaN()
		}
		return out, nil
	})
	_, err := p.EvaluateAndEvolve(context.Background(), nan)
	require.NoError(t, err)
	best, ok := p.Best()
	require.True(t, ok)
	assert.True(t, math.IsNaN(best.Costs.Total))

	prog, err := p.EvaluateAndEvolve(context.Background(), sphere{})
	require.NoError(t, err)
	best, ok = p.Best()
	require.True(t, ok)
	assert.False(t, math.IsNaN(best.Costs.Total))
	assert.False(t, math.IsInf(best.Costs.Total, 0))
	assert.Equal(t, best.Costs.Total, prog.Best.Costs.Total)
	assert.True(t, math.IsInf(prog.Improvement, 1))

	prog, err = p.EvaluateAndEvolve(context.Background(), sphere{})
	require.NoError(t, err)
	assert.False(t, math.IsInf(prog.Improvement, 0))
	assert.GreaterOrEqual(t, prog.Improvement, 0.0)

	h := p.History()
	require.Len(t, h, 3)
	assert.Equal(t, best.Costs.Total, h[1].BestSoFar)
	assert.LessOrEqual(t, h[2].BestSoFar, h[1].BestSoFar)
}

func TestRankSortsNaNLast(t *testing.T) {
	costs := []fitness.Costs{{Total: math.NaN()}, {Total: 2}, {Total: math.Inf(1)}, {Total: 1}}
	assert.Equal(t, []int{3, 1, 0, 2}, rank(costs))
}

func TestDeterministic(t *testing.T) {
	run := func() []float64 {
		p := newPop(t, Options{Mean: []float64{1, 1, 1, 1}, Sigma: 0.3, Lambda: 10, SampleThreads: 2, Seed: 77})
		for i := 0; i < 25; i++ {
			_, err := p.EvaluateAndEvolve(context.Background(), sphere{})
			require.NoError(t, err)
		}
		var out []float64
		for _, s := range p.History() {
			out = append(out, s.Best.Total)
		}
		return out
	}
	assert.Equal(t, run(), run())
}

func TestEvaluationErrorsPassThrough(t *testing.T) {
	p := newPop(t, Options{Mean: []float64{0, 0}, Sigma: 1, Lambda: 4, Seed: 1})
	boom := fmt.Errorf("%w: device lost", fitness.ErrEvaluationFailed)
	_, err := p.EvaluateAndEvolve(context.Background(), evalFunc(func(context.Context, [][]float64) ([]fitness.Costs, error) {
		return nil, boom
	}))
	assert.Same(t, boom, err)
	assert.Equal(t, 0, p.Generation())

	_, err = p.EvaluateAndEvolve(context.Background(), evalFunc(func(context.Context, [][]float64) ([]fitness.Costs, error) {
		return make([]fitness.Costs, 1), nil
	}))
	assert.ErrorIs(t, err, fitness.ErrEvaluationFailed)
}

func TestNonFiniteIsFatal(t *testing.T) {
	p := newPop(t, Options{Mean: []float64{0, 0, 0}, Sigma: 1, Lambda: 6, Seed: 2})
	_, err := p.EvaluateAndEvolve(context.Background(), evalFunc(func(_ context.Context, genomes [][]float64) ([]fitness.Costs, error) {
		for _, g := range genomes {
			g[0] = math.NaN()
		}
		return make([]fitness.Costs, len(genomes)), nil
	}))
	assert.ErrorIs(t, err, ErrNumericalInstability)
}

func TestCloseExhaustsSamples(t *testing.T) {
	p := newPop(t, Options{Mean: []float64{0, 0}, Sigma: 1, Lambda: 10, Seed: 3})
	p.Close()
	p.Close()
	var err error
	for i := 0; i < 3 && err == nil; i++ {
		_, err = p.EvaluateAndEvolve(context.Background(), sphere{})
	}
	assert.True(t, errors.Is(err, normal.ErrExhausted), "got %v", err)
}

func TestScalesShapeInitialCovariance(t *testing.T) {
	p := newPop(t, Options{Mean: []float64{0, 0}, Sigma: 2, Scales: []float64{2, 20}, Lambda: 4, Seed: 4})
	c := p.Covariance()
	assert.InDelta(t, 1, c.At(0, 0), 1e-12)
	assert.InDelta(t, 100, c.At(1, 1), 1e-12)
	assert.Equal(t, 0.0, c.At(0, 1))
	assert.True(t, math.IsInf(p.Improvement(), 1))
}
