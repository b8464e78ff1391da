package numerics

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"
)

func reconstruct(r *mat.Dense) *mat.Dense {
	var out mat.Dense
	out.Mul(r, r.T())
	return &out
}

func TestPseudoSqrtReconstructsPSD(t *testing.T) {
	m := mat.NewSymDense(3, []float64{
		1.0, 0.5, 0.2,
		0.5, 1.0, 0.3,
		0.2, 0.3, 1.0,
	})
	for _, alg := range []SalvagingAlgorithm{SalvagingNone, SalvagingSpectral} {
		t.Run(alg.String(), func(t *testing.T) {
			r, err := PseudoSqrt(m, alg)
			require.NoError(t, err)
			back := reconstruct(r)
			for i := 0; i < 3; i++ {
				for j := 0; j < 3; j++ {
					assert.InDelta(t, m.At(i, j), back.At(i, j), 1e-12)
				}
			}
		})
	}
}

func TestPseudoSqrtSingular(t *testing.T) {
	// perfectly correlated pair: semi-definite, rank one
	m := mat.NewSymDense(2, []float64{1, 1, 1, 1})
	r, err := PseudoSqrt(m, SalvagingNone)
	require.NoError(t, err)
	back := reconstruct(r)
	assert.InDelta(t, 1.0, back.At(0, 1), 1e-12)
	assert.InDelta(t, 1.0, back.At(1, 1), 1e-12)
}

func TestPseudoSqrtIndefinite(t *testing.T) {
	m := mat.NewSymDense(3, []float64{
		1.0, 0.9, -0.9,
		0.9, 1.0, 0.9,
		-0.9, 0.9, 1.0,
	})
	_, err := PseudoSqrt(m, SalvagingNone)
	assert.ErrorIs(t, err, ErrNotPositiveSemiDefinite)

	r, err := PseudoSqrt(m, SalvagingSpectral)
	require.NoError(t, err)
	back := reconstruct(r)
	for i := 0; i < 3; i++ {
		assert.InDelta(t, 1.0, back.At(i, i), 1e-12)
	}
	salvaged, err := SalvageCovariance(m, SalvagingSpectral)
	require.NoError(t, err)
	assert.InDelta(t, back.At(0, 2), salvaged.At(0, 2), 1e-12)
	var es mat.EigenSym
	require.True(t, es.Factorize(salvaged, false))
	assert.GreaterOrEqual(t, es.Values(nil)[0], -1e-10)

	_, err = SalvageCovariance(m, SalvagingNone)
	assert.ErrorIs(t, err, ErrNotPositiveSemiDefinite)
}

func TestParseSalvaging(t *testing.T) {
	a, err := ParseSalvagingAlgorithm("Spectral")
	require.NoError(t, err)
	assert.Equal(t, SalvagingSpectral, a)
	_, err = ParseSalvagingAlgorithm("Hypersphere")
	assert.ErrorIs(t, err, ErrUnknownSalvaging)
}

func TestCheckCorrelation(t *testing.T) {
	assert.NoError(t, CheckCorrelation(mat.NewDense(2, 2, []float64{1, 0.3, 0.3, 1})))
	assert.ErrorIs(t, CheckCorrelation(mat.NewDense(2, 2, []float64{1, 0.3, 0.2, 1})), ErrNotSymmetric)
	assert.Error(t, CheckCorrelation(mat.NewDense(2, 2, []float64{1, 1.3, 1.3, 1})))
	assert.Error(t, CheckCorrelation(mat.NewDense(2, 2, []float64{2, 0, 0, 1})))
}

func TestPolynomialRegression(t *testing.T) {
	x := []float64{-2, -1, 0, 1, 2, 3}
	y := make([]float64, len(x))
	for i, v := range x {
		y[i] = 1 + 2*v + 0.5*v*v
	}
	p, err := PolynomialRegression(x, y, 2)
	require.NoError(t, err)
	for _, v := range []float64{-1.5, 0.25, 2.5} {
		assert.InDelta(t, 1+2*v+0.5*v*v, p.Eval(v), 1e-9)
	}

	_, err = PolynomialRegression(x[:2], y[:2], 2)
	assert.ErrorIs(t, err, ErrRegression)

	flat, err := PolynomialRegression([]float64{1, 1, 1}, []float64{1, 2, 3}, 2)
	require.NoError(t, err)
	assert.InDelta(t, 2.0, flat.Eval(5), 1e-12)
}

func TestCorrelation(t *testing.T) {
	x := []float64{1, 2, 3, 4, 5}
	y := []float64{3, 5, 7, 9, 11}
	assert.InDelta(t, 1.0, Correlation(x, y), 1e-12)
	assert.InDelta(t, -1.0, Correlation(x, []float64{5, 4, 3, 2, 1}), 1e-12)
	assert.Equal(t, 0.0, Correlation(x, []float64{2, 2, 2, 2, 2}))
}
