package numerics

import (
	"errors"
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"
)

var ErrRegression = errors.New("regression failed")

// Polynomial is a least squares fit in the standardised regressor
// (x - Mean) / Scale.
type Polynomial struct {
	Coeffs []float64
	Mean   float64
	Scale  float64
}

func (p Polynomial) Eval(x float64) float64 {
	u := (x - p.Mean) / p.Scale
	v := 0.0
	for k := len(p.Coeffs) - 1; k >= 0; k-- {
		v = v*u + p.Coeffs[k]
	}
	return v
}

// PolynomialRegression fits y against 1, x, ..., x^order.
func PolynomialRegression(x, y []float64, order int) (Polynomial, error) {
	if len(x) != len(y) {
		return Polynomial{}, fmt.Errorf("%w: %d regressors vs %d observations", ErrRegression, len(x), len(y))
	}
	if order < 0 {
		return Polynomial{}, fmt.Errorf("%w: negative order %d", ErrRegression, order)
	}
	n := len(x)
	if n < order+1 {
		return Polynomial{}, fmt.Errorf("%w: %d observations for order %d", ErrRegression, n, order)
	}

	mean, sd := stat.MeanStdDev(x, nil)
	if !(sd > 0) || math.IsNaN(sd) {
		// constant regressor, only the intercept is identified
		return Polynomial{Coeffs: []float64{stat.Mean(y, nil)}, Mean: mean, Scale: 1}, nil
	}

	a := mat.NewDense(n, order+1, nil)
	for i, xi := range x {
		u := (xi - mean) / sd
		p := 1.0
		for k := 0; k <= order; k++ {
			a.Set(i, k, p)
			p *= u
		}
	}
	b := mat.NewVecDense(n, append([]float64(nil), y...))
	var c mat.VecDense
	if err := c.SolveVec(a, b); err != nil {
		return Polynomial{}, fmt.Errorf("%w: %v", ErrRegression, err)
	}
	coeffs := make([]float64, order+1)
	for k := range coeffs {
		coeffs[k] = c.AtVec(k)
	}
	return Polynomial{Coeffs: coeffs, Mean: mean, Scale: sd}, nil
}

// Correlation is the Pearson correlation of x and y. A constant series has
// no defined correlation and yields 0.
func Correlation(x, y []float64) float64 {
	if len(x) == 0 || len(x) != len(y) || constant(x) || constant(y) {
		return 0
	}
	c := stat.Correlation(x, y, nil)
	if math.IsNaN(c) {
		return 0
	}
	return c
}

func constant(x []float64) bool {
	for _, v := range x[1:] {
		if v != x[0] {
			return false
		}
	}
	return true
}
