package numerics

import (
	"errors"
	"fmt"
	"math"
	"strings"

	"gonum.org/v1/gonum/mat"
)

var (
	ErrNotPositiveSemiDefinite = errors.New("matrix is not positive semi-definite")
	ErrNotSymmetric            = errors.New("matrix is not symmetric")
	ErrUnknownSalvaging        = errors.New("unknown salvaging algorithm")
	ErrEigenDecomposition      = errors.New("eigen decomposition failed")
)

// SalvagingAlgorithm selects how a matrix that is only nearly positive
// semi-definite is turned into a usable square root.
type SalvagingAlgorithm int

const (
	SalvagingNone SalvagingAlgorithm = iota
	SalvagingSpectral
)

func (a SalvagingAlgorithm) String() string {
	switch a {
	case SalvagingNone:
		return "None"
	case SalvagingSpectral:
		return "Spectral"
	}
	return fmt.Sprintf("SalvagingAlgorithm(%d)", int(a))
}

func ParseSalvagingAlgorithm(s string) (SalvagingAlgorithm, error) {
	switch strings.ToLower(s) {
	case "none", "":
		return SalvagingNone, nil
	case "spectral":
		return SalvagingSpectral, nil
	}
	return 0, fmt.Errorf("%w: %q", ErrUnknownSalvaging, s)
}

const eigenTolerance = 1e-12

// PseudoSqrt returns R with R·Rᵀ equal to m, or to the nearest positive
// semi-definite matrix with the same diagonal when spectral salvaging is used.
func PseudoSqrt(m mat.Symmetric, alg SalvagingAlgorithm) (*mat.Dense, error) {
	n := m.SymmetricDim()
	if n == 0 {
		return mat.NewDense(1, 1, []float64{0}), nil
	}
	var es mat.EigenSym
	if ok := es.Factorize(m, true); !ok {
		return nil, ErrEigenDecomposition
	}
	vals := es.Values(nil)
	maxAbs := 0.0
	for _, v := range vals {
		maxAbs = math.Max(maxAbs, math.Abs(v))
	}

	switch alg {
	case SalvagingNone:
		// eigenvalues come in ascending order
		if vals[0] < -eigenTolerance*math.Max(1, maxAbs) {
			return nil, fmt.Errorf("%w: smallest eigenvalue %g", ErrNotPositiveSemiDefinite, vals[0])
		}
		return FlexibleCholesky(m)
	case SalvagingSpectral:
		var vecs mat.Dense
		es.VectorsTo(&vecs)
		root := mat.NewDense(n, n, nil)
		for j, v := range vals {
			s := math.Sqrt(math.Max(v, 0))
			for i := 0; i < n; i++ {
				root.Set(i, j, vecs.At(i, j)*s)
			}
		}
		normalizePseudoRoot(m, root)
		return root, nil
	}
	return nil, fmt.Errorf("%w: %v", ErrUnknownSalvaging, alg)
}

// normalizePseudoRoot rescales rows so that the diagonal of root·rootᵀ
// matches the diagonal of m.
func normalizePseudoRoot(m mat.Symmetric, root *mat.Dense) {
	n, c := root.Dims()
	for i := 0; i < n; i++ {
		norm := 0.0
		for j := 0; j < c; j++ {
			norm += root.At(i, j) * root.At(i, j)
		}
		if norm <= 0 {
			continue
		}
		adj := math.Sqrt(m.At(i, i) / norm)
		for j := 0; j < c; j++ {
			root.Set(i, j, root.At(i, j)*adj)
		}
	}
}

// FlexibleCholesky computes a lower triangular factor of a positive
// semi-definite matrix. Zero pivots produce zero columns instead of failing.
func FlexibleCholesky(m mat.Symmetric) (*mat.Dense, error) {
	n := m.SymmetricDim()
	l := mat.NewDense(n, n, nil)
	for i := 0; i < n; i++ {
		for j := i; j < n; j++ {
			sum := m.At(i, j)
			for k := 0; k < i; k++ {
				sum -= l.At(i, k) * l.At(j, k)
			}
			if i == j {
				if sum < -eigenTolerance*math.Max(1, math.Abs(m.At(i, i))) {
					return nil, fmt.Errorf("%w: negative pivot %g at %d", ErrNotPositiveSemiDefinite, sum, i)
				}
				l.Set(i, i, math.Sqrt(math.Max(sum, 0)))
				continue
			}
			if d := l.At(i, i); d > 0 {
				l.Set(j, i, sum/d)
			}
		}
	}
	return l, nil
}

// SalvageCovariance returns R·Rᵀ for the pseudo root R of m.
func SalvageCovariance(m mat.Symmetric, alg SalvagingAlgorithm) (*mat.SymDense, error) {
	root, err := PseudoSqrt(m, alg)
	if err != nil {
		return nil, err
	}
	n := m.SymmetricDim()
	out := mat.NewSymDense(n, nil)
	out.SymOuterK(1, root)
	return out, nil
}

// CheckCorrelation validates a correlation matrix: square, symmetric,
// unit diagonal and entries in [-1, 1].
func CheckCorrelation(c mat.Matrix) error {
	r, cols := c.Dims()
	if r != cols {
		return fmt.Errorf("%w: correlation is %dx%d", ErrNotSymmetric, r, cols)
	}
	for i := 0; i < r; i++ {
		if math.Abs(c.At(i, i)-1) > 1e-12 {
			return fmt.Errorf("invalid correlation: diagonal entry %d is %g", i, c.At(i, i))
		}
		for j := 0; j < i; j++ {
			if math.Abs(c.At(i, j)-c.At(j, i)) > 1e-12 {
				return fmt.Errorf("%w: entries (%d,%d) and (%d,%d) differ", ErrNotSymmetric, i, j, j, i)
			}
			if math.Abs(c.At(i, j)) > 1 {
				return fmt.Errorf("invalid correlation: entry (%d,%d) is %g", i, j, c.At(i, j))
			}
		}
	}
	return nil
}
