package marketrisk

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"

	"github.com/bcdannyboy/xvacube/logging"
	"github.com/bcdannyboy/xvacube/numerics"
	"github.com/bcdannyboy/xvacube/probability"
	"go.uber.org/zap"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"
	"gonum.org/v1/gonum/stat/distuv"
)

var (
	ErrUnknownVarMethod = errors.New("unknown parametric VaR method")
	ErrNoMCSamples      = errors.New("monte carlo VaR needs a positive sample count")
)

// VarMethod selects how the delta-gamma P&L distribution is approximated.
type VarMethod int

const (
	Delta VarMethod = iota
	DeltaGammaNormal
	MonteCarlo
	CornishFisher
)

func (m VarMethod) String() string {
	switch m {
	case Delta:
		return "Delta"
	case DeltaGammaNormal:
		return "DeltaGammaNormal"
	case MonteCarlo:
		return "MonteCarlo"
	case CornishFisher:
		return "Cornish-Fisher"
	}
	return fmt.Sprintf("VarMethod(%d)", int(m))
}

func ParseVarMethod(s string) (VarMethod, error) {
	switch strings.ToLower(strings.ReplaceAll(s, "-", "")) {
	case "delta":
		return Delta, nil
	case "deltagammanormal":
		return DeltaGammaNormal, nil
	case "montecarlo":
		return MonteCarlo, nil
	case "cornishfisher":
		return CornishFisher, nil
	}
	return 0, fmt.Errorf("%w: %q", ErrUnknownVarMethod, s)
}

type ParametricVarParams struct {
	Method    VarMethod
	Salvaging numerics.SalvagingAlgorithm
	MCSamples int
	Seed      uint64
}

// ParametricVarCalculator propagates a risk factor covariance through first
// and second order sensitivities. Var is the confidence quantile of
// δ·x + ½xᵀΓx for x ~ N(0, Ω).
//
// Monte Carlo scenarios are drawn once at construction; Var only reads them.
type ParametricVarCalculator struct {
	n      int
	delta  *mat.VecDense
	gamma  *mat.SymDense
	omega  *mat.SymDense
	params ParametricVarParams
	pl     []float64
	log    *zap.Logger
}

// NewParametricVarCalculator checks dimensions and salvages the covariance.
// gamma may be nil. Without salvaging an indefinite covariance is an error.
func NewParametricVarCalculator(delta []float64, gamma, covariance *mat.SymDense, params ParametricVarParams,
	log *zap.Logger) (*ParametricVarCalculator, error) {
	n := len(delta)
	c := &ParametricVarCalculator{n: n, params: params, log: logging.OrNop(log)}
	if params.Method < Delta || params.Method > CornishFisher {
		return nil, fmt.Errorf("%w: %v", ErrUnknownVarMethod, params.Method)
	}
	if params.Method == MonteCarlo && params.MCSamples <= 0 {
		return nil, fmt.Errorf("%w: got %d", ErrNoMCSamples, params.MCSamples)
	}
	if n == 0 {
		return c, nil
	}
	if covariance == nil || covariance.SymmetricDim() != n {
		return nil, fmt.Errorf("%w: %d sensitivities", ErrDimension, n)
	}
	if gamma != nil && gamma.SymmetricDim() != n {
		return nil, fmt.Errorf("%w: gamma is %dx%d, %d sensitivities", ErrDimension, gamma.SymmetricDim(), gamma.SymmetricDim(), n)
	}
	if gamma == nil {
		gamma = mat.NewSymDense(n, nil)
	}
	root, err := numerics.PseudoSqrt(covariance, params.Salvaging)
	if err != nil {
		return nil, fmt.Errorf("parametric VaR covariance: %w", err)
	}
	omega := mat.NewSymDense(n, nil)
	omega.SymOuterK(1, root)

	c.delta = mat.NewVecDense(n, append([]float64(nil), delta...))
	c.gamma = gamma
	c.omega = omega
	if params.Method == MonteCarlo {
		if c.pl, err = c.simulate(root); err != nil {
			return nil, err
		}
	}
	c.log.Debug("parametric VaR", zap.Stringer("method", params.Method), zap.Int("factors", n),
		zap.Stringer("salvaging", params.Salvaging))
	return c, nil
}

func (c *ParametricVarCalculator) Var(confidence float64) (float64, error) {
	if err := checkConfidence(confidence); err != nil {
		return 0, err
	}
	if c.n == 0 {
		return 0, nil
	}
	s := distuv.UnitNormal.Quantile(confidence)
	switch c.params.Method {
	case Delta:
		num := absMax(c.delta.RawVector().Data)
		if num == 0 {
			return 0, nil
		}
		var d, od mat.VecDense
		d.ScaleVec(1/num, c.delta)
		od.MulVec(c.omega, &d)
		return math.Sqrt(math.Max(mat.Dot(&d, &od), 0)) * s * num, nil
	case DeltaGammaNormal:
		m := c.moments(false)
		if m.num == 0 || m.variance == 0 {
			return 0, nil
		}
		return (math.Sqrt(m.variance)*s + m.mu) * m.num, nil
	case CornishFisher:
		m := c.moments(true)
		if m.num == 0 || m.variance == 0 {
			return 0, nil
		}
		x := s + m.tau/6*(s*s-1) + m.kappa/24*s*(s*s-3) - m.tau*m.tau/36*s*(2*s*s-5)
		return (x*math.Sqrt(m.variance) + m.mu) * m.num, nil
	case MonteCarlo:
		return stat.Quantile(confidence, stat.Empirical, c.pl, nil), nil
	}
	return 0, fmt.Errorf("%w: %v", ErrUnknownVarMethod, c.params.Method)
}

type plMoments struct {
	num, mu, variance, tau, kappa float64
}

// moments of the scaled P&L δ/num·x + ½xᵀ(Γ/num)x, with skewness and excess
// kurtosis when higher is set.
func (c *ParametricVarCalculator) moments(higher bool) plMoments {
	var m plMoments
	m.num = math.Max(absMax(c.delta.RawVector().Data), absMax(c.gamma.RawSymmetric().Data))
	if m.num == 0 {
		return m
	}
	var d, od mat.VecDense
	d.ScaleVec(1/m.num, c.delta)
	od.MulVec(c.omega, &d)
	var g, gO, gO2 mat.Dense
	g.Scale(1/m.num, c.gamma)
	gO.Mul(&g, c.omega)
	gO2.Mul(&gO, &gO)

	m.mu = 0.5 * mat.Trace(&gO)
	m.variance = mat.Dot(&d, &od) + 0.5*mat.Trace(&gO2)
	if !higher || m.variance <= 0 {
		return m
	}
	var gO3, gO4, oGO, oGO2 mat.Dense
	gO3.Mul(&gO2, &gO)
	gO4.Mul(&gO2, &gO2)
	oGO.Mul(c.omega, &gO)
	oGO2.Mul(c.omega, &gO2)
	var t1, t2 mat.VecDense
	t1.MulVec(&oGO, &d)
	t2.MulVec(&oGO2, &d)
	m.tau = (mat.Trace(&gO3) + 3*mat.Dot(&d, &t1)) / math.Pow(m.variance, 1.5)
	m.kappa = (3*mat.Trace(&gO4) + 12*mat.Dot(&d, &t2)) / (m.variance * m.variance)
	return m
}

// simulate draws x = R·z with Mersenne Twister normals and returns the
// sorted P&L.
func (c *ParametricVarCalculator) simulate(root *mat.Dense) ([]float64, error) {
	gen, err := probability.NewGenerator(probability.MersenneTwister, c.n, []float64{1}, c.params.Seed)
	if err != nil {
		return nil, err
	}
	z := make([]float64, c.n)
	zv := mat.NewVecDense(c.n, z)
	var x, gx mat.VecDense
	pl := make([]float64, c.params.MCSamples)
	for k := range pl {
		if err := gen.Variates(k, z); err != nil {
			return nil, err
		}
		x.MulVec(root, zv)
		gx.MulVec(c.gamma, &x)
		pl[k] = mat.Dot(c.delta, &x) + 0.5*mat.Dot(&x, &gx)
	}
	sort.Float64s(pl)
	return pl, nil
}

func absMax(xs []float64) float64 {
	m := 0.0
	for _, x := range xs {
		m = math.Max(m, math.Abs(x))
	}
	return m
}
