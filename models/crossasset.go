package models

import (
	"fmt"
	"math"
	"sort"

	"github.com/bcdannyboy/xvacube/market"
	"github.com/bcdannyboy/xvacube/numerics"
	"gonum.org/v1/gonum/mat"
)

type FactorType int

const (
	IR FactorType = iota
	FX
	INF
	EQ
	CR
)

func (f FactorType) String() string {
	switch f {
	case IR:
		return "IR"
	case FX:
		return "FX"
	case INF:
		return "INF"
	case EQ:
		return "EQ"
	case CR:
		return "CR"
	}
	return fmt.Sprintf("FactorType(%d)", int(f))
}

// Factor names a model component. IR and FX components are named by
// currency, the others by index, equity or entity name.
type Factor struct {
	Type FactorType
	Name string
}

func (f Factor) String() string { return f.Type.String() + ":" + f.Name }

type Correlation struct {
	A, B Factor
	Rho  float64
}

// ModelSpec describes a cross asset model. IR[0] is the base currency and
// FX[i] is the exchange rate of IR[i+1].
type ModelSpec struct {
	IR           []LGMParametrization
	FX           []FXParametrization
	INF          []InflationDKParametrization
	EQ           []EquityParametrization
	CR           []CreditStateParametrization
	Correlations []Correlation
	Salvaging    numerics.SalvagingAlgorithm
}

// CrossAssetModel is the Gaussian cross asset model in the LGM measure of
// the base currency.
type CrossAssetModel struct {
	spec   ModelSpec
	market *market.Market

	ccyIndex map[string]int
	eqIndex  map[string]int
	infIndex map[string]int
	crIndex  map[string]int

	curves   []market.YieldCurve
	infBase  []float64
	corr     *mat.SymDense
	sqrtCorr *mat.Dense
	breaks   []float64
}

func NewCrossAssetModel(spec ModelSpec, mkt *market.Market) (*CrossAssetModel, error) {
	if len(spec.IR) == 0 {
		return nil, fmt.Errorf("%w: at least one interest rate component is required", ErrInvalidParametrization)
	}
	if spec.IR[0].Currency != mkt.BaseCurrency {
		return nil, fmt.Errorf("%w: first IR component %s is not the base currency %s",
			ErrInvalidParametrization, spec.IR[0].Currency, mkt.BaseCurrency)
	}
	if len(spec.FX) != len(spec.IR)-1 {
		return nil, fmt.Errorf("%w: %d FX components for %d IR components", ErrInvalidParametrization, len(spec.FX), len(spec.IR))
	}

	m := &CrossAssetModel{
		spec:     spec,
		market:   mkt,
		ccyIndex: make(map[string]int),
		eqIndex:  make(map[string]int),
		infIndex: make(map[string]int),
		crIndex:  make(map[string]int),
	}
	var pcs []PiecewiseConstant
	for i, ir := range spec.IR {
		if err := ir.Alpha.validate("IR " + ir.Currency + " alpha"); err != nil {
			return nil, err
		}
		if _, ok := m.ccyIndex[ir.Currency]; ok {
			return nil, fmt.Errorf("%w: duplicate IR currency %s", ErrInvalidParametrization, ir.Currency)
		}
		m.ccyIndex[ir.Currency] = i
		yc, err := mkt.DiscountCurve(ir.Currency)
		if err != nil {
			return nil, err
		}
		m.curves = append(m.curves, yc)
		pcs = append(pcs, ir.Alpha)
	}
	for i, fx := range spec.FX {
		if fx.Currency != spec.IR[i+1].Currency {
			return nil, fmt.Errorf("%w: FX component %d is %s, expected %s",
				ErrInvalidParametrization, i, fx.Currency, spec.IR[i+1].Currency)
		}
		if err := fx.Sigma.validate("FX " + fx.Currency + " sigma"); err != nil {
			return nil, err
		}
		if _, err := mkt.FxSpot(fx.Currency); err != nil {
			return nil, err
		}
		pcs = append(pcs, fx.Sigma)
	}
	for i, inf := range spec.INF {
		if err := inf.Alpha.validate("INF " + inf.Name + " alpha"); err != nil {
			return nil, err
		}
		if _, ok := m.ccyIndex[inf.Currency]; !ok {
			return nil, fmt.Errorf("%w: inflation %s currency %s has no IR component", ErrInvalidParametrization, inf.Name, inf.Currency)
		}
		base, err := mkt.CPI(inf.Name)
		if err != nil {
			return nil, err
		}
		m.infIndex[inf.Name] = i
		m.infBase = append(m.infBase, base)
		pcs = append(pcs, inf.Alpha)
	}
	for i, eq := range spec.EQ {
		if err := eq.Sigma.validate("EQ " + eq.Name + " sigma"); err != nil {
			return nil, err
		}
		if _, ok := m.ccyIndex[eq.Currency]; !ok {
			return nil, fmt.Errorf("%w: equity %s currency %s has no IR component", ErrInvalidParametrization, eq.Name, eq.Currency)
		}
		if _, err := mkt.EquitySpot(eq.Name); err != nil {
			return nil, err
		}
		m.eqIndex[eq.Name] = i
		pcs = append(pcs, eq.Sigma)
	}
	for i, cr := range spec.CR {
		m.crIndex[cr.Name] = i
	}

	nb := m.Brownians()
	m.corr = mat.NewSymDense(nb, nil)
	for i := 0; i < nb; i++ {
		m.corr.SetSym(i, i, 1)
	}
	for _, c := range spec.Correlations {
		a, err := m.brownianIndex(c.A)
		if err != nil {
			return nil, err
		}
		b, err := m.brownianIndex(c.B)
		if err != nil {
			return nil, err
		}
		if a == b {
			return nil, fmt.Errorf("%w: self correlation of %s", ErrInvalidParametrization, c.A)
		}
		m.corr.SetSym(a, b, c.Rho)
	}
	if err := numerics.CheckCorrelation(m.corr); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidParametrization, err)
	}
	sq, err := numerics.PseudoSqrt(m.corr, spec.Salvaging)
	if err != nil {
		return nil, fmt.Errorf("correlation square root: %w", err)
	}
	m.sqrtCorr = sq

	seen := make(map[float64]bool)
	for _, p := range pcs {
		for _, t := range p.Times {
			if !seen[t] {
				seen[t] = true
				m.breaks = append(m.breaks, t)
			}
		}
	}
	sort.Float64s(m.breaks)
	return m, nil
}

func (m *CrossAssetModel) Market() *market.Market { return m.market }
func (m *CrossAssetModel) Spec() ModelSpec        { return m.spec }
func (m *CrossAssetModel) BaseCurrency() string   { return m.spec.IR[0].Currency }

func (m *CrossAssetModel) Components(t FactorType) int {
	switch t {
	case IR:
		return len(m.spec.IR)
	case FX:
		return len(m.spec.FX)
	case INF:
		return len(m.spec.INF)
	case EQ:
		return len(m.spec.EQ)
	case CR:
		return len(m.spec.CR)
	}
	return 0
}

// Dimension is the size of the state vector.
func (m *CrossAssetModel) Dimension() int {
	return len(m.spec.IR) + len(m.spec.FX) + 2*len(m.spec.INF) + len(m.spec.EQ) + len(m.spec.CR)
}

func (m *CrossAssetModel) Brownians() int {
	return len(m.spec.IR) + len(m.spec.FX) + len(m.spec.INF) + len(m.spec.EQ) + len(m.spec.CR)
}

// PIdx is the state index of component i of type t; k selects the second
// state of an inflation component.
func (m *CrossAssetModel) PIdx(t FactorType, i, k int) int {
	nIR, nFX, nINF, nEQ := len(m.spec.IR), len(m.spec.FX), len(m.spec.INF), len(m.spec.EQ)
	switch t {
	case IR:
		return i
	case FX:
		return nIR + i
	case INF:
		return nIR + nFX + 2*i + k
	case EQ:
		return nIR + nFX + 2*nINF + i
	case CR:
		return nIR + nFX + 2*nINF + nEQ + i
	}
	return -1
}

// WIdx is the Brownian index of component i of type t.
func (m *CrossAssetModel) WIdx(t FactorType, i int) int {
	nIR, nFX, nINF, nEQ := len(m.spec.IR), len(m.spec.FX), len(m.spec.INF), len(m.spec.EQ)
	switch t {
	case IR:
		return i
	case FX:
		return nIR + i
	case INF:
		return nIR + nFX + i
	case EQ:
		return nIR + nFX + nINF + i
	case CR:
		return nIR + nFX + nINF + nEQ + i
	}
	return -1
}

func (m *CrossAssetModel) componentIndex(f Factor) (int, error) {
	var (
		i  int
		ok bool
	)
	switch f.Type {
	case IR:
		i, ok = m.ccyIndex[f.Name]
	case FX:
		i, ok = m.ccyIndex[f.Name]
		i--
		ok = ok && i >= 0
	case INF:
		i, ok = m.infIndex[f.Name]
	case EQ:
		i, ok = m.eqIndex[f.Name]
	case CR:
		i, ok = m.crIndex[f.Name]
	}
	if !ok {
		return 0, fmt.Errorf("%w: unknown factor %s", ErrInvalidParametrization, f)
	}
	return i, nil
}

func (m *CrossAssetModel) brownianIndex(f Factor) (int, error) {
	i, err := m.componentIndex(f)
	if err != nil {
		return 0, err
	}
	return m.WIdx(f.Type, i), nil
}

// Correlation between the Brownians of two factors, zero if either is unknown.
func (m *CrossAssetModel) Correlation(a, b Factor) float64 {
	i, err := m.brownianIndex(a)
	if err != nil {
		return 0
	}
	j, err := m.brownianIndex(b)
	if err != nil {
		return 0
	}
	return m.corr.At(i, j)
}

func (m *CrossAssetModel) rho(ta FactorType, a int, tb FactorType, b int) float64 {
	return m.corr.At(m.WIdx(ta, a), m.WIdx(tb, b))
}

func (m *CrossAssetModel) CurrencyIndex(ccy string) (int, error) {
	i, ok := m.ccyIndex[ccy]
	if !ok {
		return 0, fmt.Errorf("%w: currency %s not in model", ErrInvalidParametrization, ccy)
	}
	return i, nil
}

func (m *CrossAssetModel) EquityIndex(name string) (int, error) {
	i, ok := m.eqIndex[name]
	if !ok {
		return 0, fmt.Errorf("%w: equity %s not in model", ErrInvalidParametrization, name)
	}
	return i, nil
}

func (m *CrossAssetModel) InflationIndex(name string) (int, error) {
	i, ok := m.infIndex[name]
	if !ok {
		return 0, fmt.Errorf("%w: inflation index %s not in model", ErrInvalidParametrization, name)
	}
	return i, nil
}

func (m *CrossAssetModel) CreditIndex(name string) (int, error) {
	i, ok := m.crIndex[name]
	if !ok {
		return 0, fmt.Errorf("%w: credit entity %s not in model", ErrInvalidParametrization, name)
	}
	return i, nil
}

// Numeraire is the LGM numeraire of the base currency given its state z0.
func (m *CrossAssetModel) Numeraire(t, z0 float64) float64 {
	p := m.spec.IR[0]
	h := p.H(t)
	return math.Exp(h*z0+0.5*h*h*p.Zeta(t)) / m.curves[0].Discount(t)
}

// DiscountBond is the price at t of a zero bond paying at T in currency
// ccyIdx given that currency's state z.
func (m *CrossAssetModel) DiscountBond(ccyIdx int, t, T, z float64) float64 {
	if T <= t {
		return 1
	}
	p := m.spec.IR[ccyIdx]
	ht, hT := p.H(t), p.H(T)
	yc := m.curves[ccyIdx]
	return yc.Discount(T) / yc.Discount(t) * math.Exp(-(hT-ht)*z-0.5*(hT*hT-ht*ht)*p.Zeta(t))
}

// InflationIndexLevel reconstructs the index level from the auxiliary
// state y so that its expectation is the base level.
func (m *CrossAssetModel) InflationIndexLevel(i int, t, y float64) float64 {
	return m.infBase[i] * math.Exp(y-0.5*m.inflationAuxVariance(i, t))
}

func (m *CrossAssetModel) inflationAuxVariance(i int, t float64) float64 {
	p := m.spec.INF[i]
	return integrate(func(s float64) float64 {
		a := p.Alpha.Value(s) * p.H(s)
		return a * a
	}, m.segments(0, t))
}

// InitialValues is the state at the asof date.
func (m *CrossAssetModel) InitialValues() []float64 {
	x := make([]float64, m.Dimension())
	for i, fx := range m.spec.FX {
		s, _ := m.market.FxSpot(fx.Currency)
		x[m.PIdx(FX, i, 0)] = math.Log(s)
	}
	for i, eq := range m.spec.EQ {
		s, _ := m.market.EquitySpot(eq.Name)
		x[m.PIdx(EQ, i, 0)] = math.Log(s)
	}
	return x
}

// segments splits [t0, t1] at parameter jump times.
func (m *CrossAssetModel) segments(t0, t1 float64) []float64 {
	pts := []float64{t0}
	for _, b := range m.breaks {
		if b > t0 && b < t1 {
			pts = append(pts, b)
		}
	}
	return append(pts, t1)
}
