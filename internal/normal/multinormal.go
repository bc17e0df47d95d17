package normal

import (
	"context"
	"errors"
	"fmt"
	"math"

	"golang.org/x/sync/errgroup"
	"gonum.org/v1/gonum/mat"
)

// MultiNormal is a Gaussian with covariance A·Aᵀ.
type MultiNormal struct {
	mean []float64
	a    *mat.Dense
}

// NewMultiNormal factors cov by Cholesky, falling back to an eigen
// decomposition A = B·sqrt(max(D, 0)) when cov is not positive definite.
func NewMultiNormal(mean []float64, cov mat.Symmetric) (*MultiNormal, error) {
	n := cov.SymmetricDim()
	if len(mean) != n {
		return nil, fmt.Errorf("normal: mean has %d elements, covariance is %dx%d", len(mean), n, n)
	}
	var ch mat.Cholesky
	if ch.Factorize(cov) {
		var l mat.TriDense
		ch.LTo(&l)
		return &MultiNormal{mean: append([]float64(nil), mean...), a: mat.DenseCopyOf(&l)}, nil
	}
	var es mat.EigenSym
	if !es.Factorize(cov, true) {
		return nil, errors.New("normal: covariance eigen decomposition failed")
	}
	var b mat.Dense
	es.VectorsTo(&b)
	vals := es.Values(nil)
	for j, v := range vals {
		s := math.Sqrt(math.Max(v, 0))
		for i := 0; i < n; i++ {
			b.Set(i, j, b.At(i, j)*s)
		}
	}
	return &MultiNormal{mean: append([]float64(nil), mean...), a: &b}, nil
}

// NewFromFactor uses a as the covariance square root directly.
func NewFromFactor(mean []float64, a mat.Matrix) (*MultiNormal, error) {
	r, c := a.Dims()
	if r != len(mean) || c != len(mean) {
		return nil, fmt.Errorf("normal: factor is %dx%d for a mean of %d", r, c, len(mean))
	}
	return &MultiNormal{mean: append([]float64(nil), mean...), a: mat.DenseCopyOf(a)}, nil
}

// Dim returns the dimensionality.
func (m *MultiNormal) Dim() int { return len(m.mean) }

// Mean returns a copy of the mean.
func (m *MultiNormal) Mean() []float64 { return append([]float64(nil), m.mean...) }

// Factor returns the covariance square root.
func (m *MultiNormal) Factor() mat.Matrix { return m.a }

// Transform writes mean + A·z into dst.
func (m *MultiNormal) Transform(dst, z []float64) {
	out := mat.NewVecDense(len(dst), dst)
	out.MulVec(m.a, mat.NewVecDense(len(z), z))
	for i, mu := range m.mean {
		dst[i] += mu
	}
}

// GenerateRandomSamples fills every out[i] with an independent draw. One
// source is drained serially; with several, source i fills the i-th
// contiguous block of out so seeded sources give a reproducible order.
func (m *MultiNormal) GenerateRandomSamples(ctx context.Context, out [][]float64, src ...Source) error {
	if len(src) == 0 {
		return errors.New("normal: no sample source")
	}
	n := m.Dim()
	for i := range out {
		if len(out[i]) != n {
			out[i] = make([]float64, n)
		}
	}
	fill := func(ctx context.Context, s Source, lo, hi int) error {
		for i := lo; i < hi; i++ {
			z, err := s.Sample(ctx)
			if err != nil {
				return err
			}
			if len(z) != n {
				return fmt.Errorf("normal: source drew %d elements, want %d", len(z), n)
			}
			m.Transform(out[i], z)
		}
		return nil
	}
	if len(src) == 1 {
		return fill(ctx, src[0], 0, len(out))
	}
	chunk := (len(out) + len(src) - 1) / len(src)
	g, gctx := errgroup.WithContext(ctx)
	for i, s := range src {
		lo, hi := i*chunk, (i+1)*chunk
		if hi > len(out) {
			hi = len(out)
		}
		if lo >= hi {
			break
		}
		g.Go(func() error { return fill(gctx, s, lo, hi) })
	}
	return g.Wait()
}
