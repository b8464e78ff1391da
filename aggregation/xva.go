package aggregation

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/bcdannyboy/xvacube/cube"
	"github.com/bcdannyboy/xvacube/market"
)

var ErrUnknownCreditModel = errors.New("unknown credit model")

// CreditModel selects where survival probabilities come from.
type CreditModel int

const (
	// StaticCredit reads survival from the market default curves.
	StaticCredit CreditModel = iota
	// DynamicCredit reads counterparty survival per sample from the
	// simulated credit states.
	DynamicCredit
)

func (m CreditModel) String() string {
	switch m {
	case StaticCredit:
		return "Static"
	case DynamicCredit:
		return "Dynamic"
	}
	return fmt.Sprintf("CreditModel(%d)", int(m))
}

func ParseCreditModel(s string) (CreditModel, error) {
	switch strings.ToLower(s) {
	case "", "static":
		return StaticCredit, nil
	case "dynamic":
		return DynamicCredit, nil
	}
	return 0, fmt.Errorf("%w: %q", ErrUnknownCreditModel, s)
}

// IncrementCalculator computes the contribution to a value adjustment
// accrued between two exposure dates. d0 is the asof date or a simulation
// date, d1 is always a simulation date. An empty counterparty or own name
// means survival is taken as one.
type IncrementCalculator interface {
	CvaIncrement(tradeID, counterparty string, d0, d1 time.Time, recovery float64) (float64, error)
	DvaIncrement(tradeID string, d0, d1 time.Time, recovery float64) (float64, error)
	FbaIncrement(tradeID, counterparty, own string, d0, d1 time.Time, dcf float64) (float64, error)
	FcaIncrement(tradeID, counterparty, own string, d0, d1 time.Time, dcf float64) (float64, error)

	NettingSetCvaIncrement(nettingSet, counterparty string, d0, d1 time.Time, recovery float64) (float64, error)
	NettingSetDvaIncrement(nettingSet string, d0, d1 time.Time, recovery float64) (float64, error)
	NettingSetFbaIncrement(nettingSet, counterparty, own string, d0, d1 time.Time, dcf float64) (float64, error)
	NettingSetFcaIncrement(nettingSet, counterparty, own string, d0, d1 time.Time, dcf float64) (float64, error)
	NettingSetMvaIncrement(nettingSet, counterparty string, d0, d1 time.Time, dcf float64) (float64, error)
}

// XvaInputs are the data both credit models read.
type XvaInputs struct {
	Market *market.Market
	// DvaName is the own credit name, empty when DVA is not computed.
	DvaName string
	// TradeExposure and NettingSetExposure hold EPE and ENE at EPEIndex
	// and ENEIndex, either sample averaged or per sample.
	TradeExposure      cube.NPVCube
	NettingSetExposure cube.NPVCube
	// Dim is only read by the MVA increment.
	Dim DynamicInitialMarginCalculator
	// NettingSetColva is copied into the netting set results.
	NettingSetColva map[string]float64
	// CptyCube and CptySpIndex locate the simulated counterparty survival,
	// DynamicCredit only.
	CptyCube    cube.NPVCube
	CptySpIndex int
}

// NewIncrementCalculator returns the increment calculator of a credit model.
func NewIncrementCalculator(model CreditModel, in XvaInputs) (IncrementCalculator, error) {
	if in.Market == nil || in.TradeExposure == nil || in.NettingSetExposure == nil {
		return nil, fmt.Errorf("%w: market and exposure cubes are required", ErrMissingScenarioData)
	}
	base := xvaInputs{XvaInputs: in}
	switch model {
	case StaticCredit:
		return &staticCredit{base}, nil
	case DynamicCredit:
		if in.CptyCube == nil {
			return nil, fmt.Errorf("%w: dynamic credit needs the counterparty cube", ErrMissingScenarioData)
		}
		if in.CptySpIndex < 0 || in.CptySpIndex >= in.CptyCube.Depth() {
			return nil, fmt.Errorf("%w: survival depth %d of %d", cube.ErrIndexOutOfRange, in.CptySpIndex, in.CptyCube.Depth())
		}
		return &dynamicCredit{base}, nil
	}
	return nil, fmt.Errorf("%w: %d", ErrUnknownCreditModel, int(model))
}

type xvaInputs struct {
	XvaInputs
}

// locate maps an id and a date to cube indexes. The asof date maps to
// date index -1, the T0 slice.
func locate(c cube.NPVCube, notFound error, id string, d time.Time) (int, int, error) {
	i, err := c.Index(id)
	if err != nil {
		return 0, 0, fmt.Errorf("%w: %s: %w", notFound, id, err)
	}
	if d.Equal(c.Asof()) {
		return i, -1, nil
	}
	j, err := c.DateIndex(d)
	if err != nil {
		return 0, 0, err
	}
	return i, j, nil
}

// pathValue reads sample k, falling back to the single sample of an
// averaged cube.
func pathValue(c cube.NPVCube, i, j, k, depth int) (float64, error) {
	if j < 0 {
		return c.GetT0(i, depth)
	}
	if c.Samples() == 1 {
		k = 0
	}
	return c.Get(i, j, k, depth)
}

func expectedValue(c cube.NPVCube, i, j, depth int) (float64, error) {
	if j < 0 {
		return c.GetT0(i, depth)
	}
	sum := 0.0
	for k := 0; k < c.Samples(); k++ {
		v, err := c.Get(i, j, k, depth)
		if err != nil {
			return 0, err
		}
		sum += v
	}
	return sum / float64(c.Samples()), nil
}

func (in *xvaInputs) survival(name string, d time.Time) (float64, error) {
	if name == "" {
		return 1, nil
	}
	dc, err := in.Market.DefaultCurve(name)
	if err != nil {
		return 0, err
	}
	return dc.SurvivalProbability(market.YearFraction(in.Market.Asof, d)), nil
}

func (in *xvaInputs) expectedExposure(c cube.NPVCube, notFound error, id string, d time.Time, depth int) (float64, error) {
	i, j, err := locate(c, notFound, id, d)
	if err != nil {
		return 0, err
	}
	return expectedValue(c, i, j, depth)
}

// expectedDim is E[DIM] at d, today's DIM being the first projected one.
func (in *xvaInputs) expectedDim(nettingSet string, d time.Time) (float64, error) {
	if in.Dim == nil {
		return 0, ErrMissingDimCalculator
	}
	dims, err := in.Dim.DimResults(nettingSet)
	if err != nil {
		return 0, err
	}
	if len(dims) == 0 {
		return 0, nil
	}
	_, j, err := locate(in.NettingSetExposure, ErrNettingSetNotFound, nettingSet, d)
	if err != nil {
		return 0, err
	}
	if j < 0 {
		j = 0
	}
	return dims[j], nil
}

func (in *xvaInputs) dva(c cube.NPVCube, notFound error, id string, d0, d1 time.Time, recovery float64) (float64, error) {
	if in.DvaName == "" {
		return 0, nil
	}
	s0, err := in.survival(in.DvaName, d0)
	if err != nil {
		return 0, err
	}
	s1, err := in.survival(in.DvaName, d1)
	if err != nil {
		return 0, err
	}
	ene, err := in.expectedExposure(c, notFound, id, d1, ENEIndex)
	if err != nil {
		return 0, err
	}
	return (1 - recovery) * (s0 - s1) * ene, nil
}

type staticCredit struct {
	xvaInputs
}

func (s *staticCredit) cva(c cube.NPVCube, notFound error, id, cpty string, d0, d1 time.Time, recovery float64) (float64, error) {
	s0, err := s.survival(cpty, d0)
	if err != nil {
		return 0, err
	}
	s1, err := s.survival(cpty, d1)
	if err != nil {
		return 0, err
	}
	epe, err := s.expectedExposure(c, notFound, id, d1, EPEIndex)
	if err != nil {
		return 0, err
	}
	return (1 - recovery) * (s0 - s1) * epe, nil
}

// funding is the FCA (EPE) or FBA (ENE) increment, accrued on the
// exposure at the start of the period.
func (s *staticCredit) funding(c cube.NPVCube, notFound error, id, cpty, own string, d0 time.Time, dcf float64, depth int) (float64, error) {
	sc, err := s.survival(cpty, d0)
	if err != nil {
		return 0, err
	}
	so, err := s.survival(own, d0)
	if err != nil {
		return 0, err
	}
	e, err := s.expectedExposure(c, notFound, id, d0, depth)
	if err != nil {
		return 0, err
	}
	return sc * so * dcf * e, nil
}

func (s *staticCredit) CvaIncrement(tradeID, cpty string, d0, d1 time.Time, recovery float64) (float64, error) {
	return s.cva(s.TradeExposure, ErrTradeNotFound, tradeID, cpty, d0, d1, recovery)
}

func (s *staticCredit) DvaIncrement(tradeID string, d0, d1 time.Time, recovery float64) (float64, error) {
	return s.dva(s.TradeExposure, ErrTradeNotFound, tradeID, d0, d1, recovery)
}

func (s *staticCredit) FbaIncrement(tradeID, cpty, own string, d0, _ time.Time, dcf float64) (float64, error) {
	return s.funding(s.TradeExposure, ErrTradeNotFound, tradeID, cpty, own, d0, dcf, ENEIndex)
}

func (s *staticCredit) FcaIncrement(tradeID, cpty, own string, d0, _ time.Time, dcf float64) (float64, error) {
	return s.funding(s.TradeExposure, ErrTradeNotFound, tradeID, cpty, own, d0, dcf, EPEIndex)
}

func (s *staticCredit) NettingSetCvaIncrement(ns, cpty string, d0, d1 time.Time, recovery float64) (float64, error) {
	return s.cva(s.NettingSetExposure, ErrNettingSetNotFound, ns, cpty, d0, d1, recovery)
}

func (s *staticCredit) NettingSetDvaIncrement(ns string, d0, d1 time.Time, recovery float64) (float64, error) {
	return s.dva(s.NettingSetExposure, ErrNettingSetNotFound, ns, d0, d1, recovery)
}

func (s *staticCredit) NettingSetFbaIncrement(ns, cpty, own string, d0, _ time.Time, dcf float64) (float64, error) {
	return s.funding(s.NettingSetExposure, ErrNettingSetNotFound, ns, cpty, own, d0, dcf, ENEIndex)
}

func (s *staticCredit) NettingSetFcaIncrement(ns, cpty, own string, d0, _ time.Time, dcf float64) (float64, error) {
	return s.funding(s.NettingSetExposure, ErrNettingSetNotFound, ns, cpty, own, d0, dcf, EPEIndex)
}

func (s *staticCredit) NettingSetMvaIncrement(ns, cpty string, d0, _ time.Time, dcf float64) (float64, error) {
	sc, err := s.survival(cpty, d0)
	if err != nil {
		return 0, err
	}
	so, err := s.survival(s.DvaName, d0)
	if err != nil {
		return 0, err
	}
	im, err := s.expectedDim(ns, d0)
	if err != nil {
		return 0, err
	}
	return sc * so * dcf * im, nil
}

// dynamicCredit pairs each sample's exposure with the same sample's
// simulated counterparty survival, so exposure and default are drawn
// jointly. Own survival stays on the market curve.
type dynamicCredit struct {
	xvaInputs
}

// cptySurvival returns a reader of the simulated survival of cpty at a
// date index, or a constant one for an empty name.
func (s *dynamicCredit) cptySurvival(cpty string) (func(j, k int) (float64, error), error) {
	if cpty == "" {
		return func(int, int) (float64, error) { return 1, nil }, nil
	}
	i, err := s.CptyCube.Index(cpty)
	if err != nil {
		return nil, fmt.Errorf("counterparty %s: %w", cpty, err)
	}
	return func(j, k int) (float64, error) {
		if j < 0 {
			return s.CptyCube.GetT0(i, s.CptySpIndex)
		}
		return s.CptyCube.Get(i, j, k, s.CptySpIndex)
	}, nil
}

func (s *dynamicCredit) dateIndex(d time.Time) (int, error) {
	if d.Equal(s.CptyCube.Asof()) {
		return -1, nil
	}
	return s.CptyCube.DateIndex(d)
}

func (s *dynamicCredit) cva(c cube.NPVCube, notFound error, id, cpty string, d0, d1 time.Time, recovery float64) (float64, error) {
	sp, err := s.cptySurvival(cpty)
	if err != nil {
		return 0, err
	}
	i, j1, err := locate(c, notFound, id, d1)
	if err != nil {
		return 0, err
	}
	c0, err := s.dateIndex(d0)
	if err != nil {
		return 0, err
	}
	c1, err := s.dateIndex(d1)
	if err != nil {
		return 0, err
	}
	n := s.CptyCube.Samples()
	sum := 0.0
	for k := 0; k < n; k++ {
		s0, err := sp(c0, k)
		if err != nil {
			return 0, err
		}
		s1, err := sp(c1, k)
		if err != nil {
			return 0, err
		}
		epe, err := pathValue(c, i, j1, k, EPEIndex)
		if err != nil {
			return 0, err
		}
		sum += (s0 - s1) * epe
	}
	return (1 - recovery) * sum / float64(n), nil
}

// pathFunding averages survival times value over samples at d0, value
// being read by at(k).
func (s *dynamicCredit) pathFunding(cpty, own string, d0 time.Time, dcf float64, at func(k int) (float64, error)) (float64, error) {
	sp, err := s.cptySurvival(cpty)
	if err != nil {
		return 0, err
	}
	so, err := s.survival(own, d0)
	if err != nil {
		return 0, err
	}
	c0, err := s.dateIndex(d0)
	if err != nil {
		return 0, err
	}
	n := s.CptyCube.Samples()
	sum := 0.0
	for k := 0; k < n; k++ {
		sc, err := sp(c0, k)
		if err != nil {
			return 0, err
		}
		v, err := at(k)
		if err != nil {
			return 0, err
		}
		sum += sc * v
	}
	return so * dcf * sum / float64(n), nil
}

func (s *dynamicCredit) funding(c cube.NPVCube, notFound error, id, cpty, own string, d0 time.Time, dcf float64, depth int) (float64, error) {
	i, j0, err := locate(c, notFound, id, d0)
	if err != nil {
		return 0, err
	}
	return s.pathFunding(cpty, own, d0, dcf, func(k int) (float64, error) {
		return pathValue(c, i, j0, k, depth)
	})
}

func (s *dynamicCredit) CvaIncrement(tradeID, cpty string, d0, d1 time.Time, recovery float64) (float64, error) {
	return s.cva(s.TradeExposure, ErrTradeNotFound, tradeID, cpty, d0, d1, recovery)
}

func (s *dynamicCredit) DvaIncrement(tradeID string, d0, d1 time.Time, recovery float64) (float64, error) {
	return s.dva(s.TradeExposure, ErrTradeNotFound, tradeID, d0, d1, recovery)
}

func (s *dynamicCredit) FbaIncrement(tradeID, cpty, own string, d0, _ time.Time, dcf float64) (float64, error) {
	return s.funding(s.TradeExposure, ErrTradeNotFound, tradeID, cpty, own, d0, dcf, ENEIndex)
}

func (s *dynamicCredit) FcaIncrement(tradeID, cpty, own string, d0, _ time.Time, dcf float64) (float64, error) {
	return s.funding(s.TradeExposure, ErrTradeNotFound, tradeID, cpty, own, d0, dcf, EPEIndex)
}

func (s *dynamicCredit) NettingSetCvaIncrement(ns, cpty string, d0, d1 time.Time, recovery float64) (float64, error) {
	return s.cva(s.NettingSetExposure, ErrNettingSetNotFound, ns, cpty, d0, d1, recovery)
}

func (s *dynamicCredit) NettingSetDvaIncrement(ns string, d0, d1 time.Time, recovery float64) (float64, error) {
	return s.dva(s.NettingSetExposure, ErrNettingSetNotFound, ns, d0, d1, recovery)
}

func (s *dynamicCredit) NettingSetFbaIncrement(ns, cpty, own string, d0, _ time.Time, dcf float64) (float64, error) {
	return s.funding(s.NettingSetExposure, ErrNettingSetNotFound, ns, cpty, own, d0, dcf, ENEIndex)
}

func (s *dynamicCredit) NettingSetFcaIncrement(ns, cpty, own string, d0, _ time.Time, dcf float64) (float64, error) {
	return s.funding(s.NettingSetExposure, ErrNettingSetNotFound, ns, cpty, own, d0, dcf, EPEIndex)
}

func (s *dynamicCredit) NettingSetMvaIncrement(ns, cpty string, d0, _ time.Time, dcf float64) (float64, error) {
	if s.Dim == nil {
		return 0, ErrMissingDimCalculator
	}
	dim, err := s.Dim.DynamicIM(ns)
	if err != nil {
		return 0, err
	}
	if len(dim) == 0 {
		return 0, nil
	}
	_, j0, err := locate(s.NettingSetExposure, ErrNettingSetNotFound, ns, d0)
	if err != nil {
		return 0, err
	}
	if j0 < 0 {
		j0 = 0
	}
	row := dim[j0]
	return s.pathFunding(cpty, s.DvaName, d0, dcf, func(k int) (float64, error) {
		if k >= len(row) {
			return 0, fmt.Errorf("%w: DIM has %d samples, sample %d requested", ErrSampleMismatch, len(row), k)
		}
		return row[k], nil
	})
}
