package aggregation

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/bcdannyboy/xvacube/cube"
	"github.com/bcdannyboy/xvacube/logging"
	"github.com/bcdannyboy/xvacube/market"
	"github.com/bcdannyboy/xvacube/portfolio"
	"go.uber.org/zap"
)

var (
	ErrTradeNotFound          = errors.New("trade not found")
	ErrNettingSetNotFound     = errors.New("netting set not found")
	ErrCounterpartyNotUnique  = errors.New("counterparty is not unique within the netting set")
	ErrMissingScenarioData    = errors.New("scenario data required")
	ErrNegativeInitialMargin  = errors.New("negative initial margin")
	ErrInvalidExposureOptions = errors.New("invalid exposure options")
)

// Depth layout of exposure cubes.
const (
	EPEIndex = 0
	ENEIndex = 1

	exposureDepth = 2
)

// ExposureProfile holds exposure statistics on the asof date followed by
// the simulation dates. All profiles have len(Dates) entries.
type ExposureProfile struct {
	Dates []time.Time
	Times []float64
	EPE   []float64
	ENE   []float64
	EE_B  []float64
	EEE_B []float64
	PFE   []float64
	// ExpectedCollateral is the mean variation margin balance, deflated
	// like EPE. It stays zero without a CSA.
	ExpectedCollateral []float64
	// COLVA is the cost of the collateral spread over the profile, netting
	// sets with a CSA only.
	COLVA float64
	// EPE_B and EEPE_B are time weighted over the first year, or up to
	// maturity when that comes first.
	EPE_B  float64
	EEPE_B float64
}

func newProfile(asof time.Time, dates []time.Time) *ExposureProfile {
	n := len(dates) + 1
	p := &ExposureProfile{
		Dates: append([]time.Time{asof}, dates...),
		Times: make([]float64, n),
		EPE:   make([]float64, n),
		ENE:   make([]float64, n),
		EE_B:  make([]float64, n),
		EEE_B: make([]float64, n),
		PFE:   make([]float64, n),

		ExpectedCollateral: make([]float64, n),
	}
	for i, d := range p.Dates {
		p.Times[i] = market.YearFraction(asof, d)
	}
	return p
}

// finish fills the Basel measures once EPE is known.
func (p *ExposureProfile) finish(curve market.YieldCurve, maturity time.Time) {
	p.EE_B[0] = p.EPE[0]
	p.EEE_B[0] = p.EE_B[0]
	for j := 1; j < len(p.Dates); j++ {
		p.EE_B[j] = p.EPE[j] / curve.Discount(p.Times[j])
		p.EEE_B[j] = math.Max(p.EEE_B[j-1], p.EE_B[j])
	}

	asof := p.Dates[0]
	horizon := asof.AddDate(1, 0, 4)
	if maturity.Before(horizon) {
		horizon = maturity
	}
	ht := market.YearFraction(asof, horizon)
	// weights run over the simulation times, applied to the profile from asof
	t := 0
	for t < len(p.Dates)-1 && p.Times[t+1] <= ht {
		t++
	}
	if t == 0 {
		return
	}
	w := make([]float64, t)
	total := 0.0
	for k := 0; k < t; k++ {
		w[k] = p.Times[k+1] - p.Times[k]
		total += w[k]
	}
	for k := 0; k < t; k++ {
		p.EPE_B += p.EE_B[k] * w[k] / total
		p.EEPE_B += p.EEE_B[k] * w[k] / total
	}
}

// pfeIndex is the order statistic used for a quantile of n samples.
func pfeIndex(q float64, n int) int {
	return int(math.Floor(q*float64(n-1) + 0.5))
}

func quantileOf(v []float64, q float64) float64 {
	s := append([]float64(nil), v...)
	sort.Float64s(s)
	return s[pfeIndex(q, len(s))]
}

type ExposureOptions struct {
	BaseCurrency string
	// Quantile of the PFE, in (0, 1).
	Quantile float64
	// MultiPath keeps exposures per sample in the exposure cube, as the
	// dynamic credit calculator needs them.
	MultiPath bool
	// Allocation splits netting set exposure over trades. Marginal
	// allocation happens while netting, the other methods after XVA.
	Allocation AllocationMethod
	// MarginalAllocationLimit is the netting set value below which
	// marginal allocation splits equally.
	MarginalAllocationLimit float64
}

// nettingSetValues are netting set sums by [date][sample].
type nettingSetValues map[string][][]float64

func newNettingSetValues(ids []string, dates, samples int) nettingSetValues {
	v := make(nettingSetValues, len(ids))
	for _, id := range ids {
		rows := make([][]float64, dates)
		for j := range rows {
			rows[j] = make([]float64, samples)
		}
		v[id] = rows
	}
	return v
}

// ExposureCalculator computes trade level exposure profiles from a trade
// valuation cube and the netting set values consumed by later stages.
type ExposureCalculator struct {
	pf       *portfolio.Portfolio
	mkt      *market.Market
	cube     cube.NPVCube
	interp   cube.CubeInterpretation
	scenario *cube.AggregationScenarioData
	opts     ExposureOptions
	log      *zap.Logger

	exposureCube cube.NPVCube
	profiles     map[string]*ExposureProfile
	defaultValue nettingSetValues
	closeOut     nettingSetValues
	flows        nettingSetValues
	t0           map[string]float64
	tradeT0      map[string]float64
}

func NewExposureCalculator(pf *portfolio.Portfolio, mkt *market.Market, npv cube.NPVCube, interp cube.CubeInterpretation,
	scenario *cube.AggregationScenarioData, opts ExposureOptions, log *zap.Logger) (*ExposureCalculator, error) {
	if opts.Quantile <= 0 || opts.Quantile >= 1 {
		return nil, fmt.Errorf("%w: quantile %g", ErrInvalidExposureOptions, opts.Quantile)
	}
	samples := 1
	if opts.MultiPath {
		samples = npv.Samples()
	}
	ec, err := cube.NewInMemoryCube(npv.Asof(), pf.IDs(), npv.Dates(), samples, exposureDepth)
	if err != nil {
		return nil, err
	}
	ns := pf.NettingSets()
	dates := len(npv.Dates())
	return &ExposureCalculator{
		pf:           pf,
		mkt:          mkt,
		cube:         npv,
		interp:       interp,
		scenario:     scenario,
		opts:         opts,
		log:          logging.OrNop(log),
		exposureCube: ec,
		profiles:     make(map[string]*ExposureProfile),
		defaultValue: newNettingSetValues(ns, dates, npv.Samples()),
		closeOut:     newNettingSetValues(ns, dates, npv.Samples()),
		flows:        newNettingSetValues(ns, dates, npv.Samples()),
		t0:           make(map[string]float64),
		tradeT0:      make(map[string]float64),
	}, nil
}

func (c *ExposureCalculator) Build() error {
	c.log.Info("computing trade exposure profiles", zap.Int("trades", c.pf.Size()))
	curve, err := c.mkt.DiscountCurve(c.opts.BaseCurrency)
	if err != nil {
		return err
	}
	dates := c.cube.Dates()
	samples := c.cube.Samples()
	for ti, trade := range c.pf.Trades() {
		i, err := c.cube.Index(trade.ID)
		if err != nil {
			return fmt.Errorf("%w: %s: %w", ErrTradeNotFound, trade.ID, err)
		}
		npv0, err := c.cube.GetT0(i, cube.DefaultNpvDepth)
		if err != nil {
			return err
		}
		ns := trade.NettingSetID
		c.t0[ns] += npv0
		c.tradeT0[trade.ID] = npv0

		p := newProfile(c.cube.Asof(), dates)
		p.EPE[0] = math.Max(npv0, 0)
		p.ENE[0] = math.Max(-npv0, 0)
		p.PFE[0] = p.EPE[0]
		if err := c.exposureCube.SetT0(p.EPE[0], ti, EPEIndex); err != nil {
			return err
		}
		if err := c.exposureCube.SetT0(p.ENE[0], ti, ENEIndex); err != nil {
			return err
		}

		dist := make([]float64, samples)
		for j := range dates {
			for k := 0; k < samples; k++ {
				v, err := c.interp.DefaultNpv(c.cube, i, j, k)
				if err != nil {
					return err
				}
				co, err := c.interp.CloseOutNpv(c.cube, i, j, k)
				if err != nil {
					return err
				}
				f, err := c.interp.MporFlow(c.cube, i, j, k)
				if err != nil {
					return err
				}
				c.defaultValue[ns][j][k] += v
				c.closeOut[ns][j][k] += co
				c.flows[ns][j][k] += f

				epe, ene := math.Max(v, 0), math.Max(-v, 0)
				p.EPE[j+1] += epe / float64(samples)
				p.ENE[j+1] += ene / float64(samples)
				if c.opts.MultiPath {
					if err := c.exposureCube.Set(epe, ti, j, k, EPEIndex); err != nil {
						return err
					}
					if err := c.exposureCube.Set(ene, ti, j, k, ENEIndex); err != nil {
						return err
					}
				}
				dist[k] = v
				if c.scenario != nil {
					n, err := c.interp.DefaultNumeraire(c.scenario, j, k)
					if err != nil {
						return err
					}
					dist[k] = v * n
				}
			}
			if !c.opts.MultiPath {
				if err := c.exposureCube.Set(p.EPE[j+1], ti, j, 0, EPEIndex); err != nil {
					return err
				}
				if err := c.exposureCube.Set(p.ENE[j+1], ti, j, 0, ENEIndex); err != nil {
					return err
				}
			}
			p.PFE[j+1] = math.Max(quantileOf(dist, c.opts.Quantile), 0)
		}
		p.finish(curve, trade.Maturity())
		c.profiles[trade.ID] = p
		c.log.Debug("trade exposure", zap.String("trade", trade.ID), zap.Float64("epeB", p.EPE_B), zap.Float64("eepeB", p.EEPE_B))
	}
	return nil
}

// ExposureCube holds trade EPE and ENE at EPEIndex and ENEIndex.
func (c *ExposureCalculator) ExposureCube() cube.NPVCube { return c.exposureCube }

func (c *ExposureCalculator) Profile(tradeID string) (*ExposureProfile, error) {
	p, ok := c.profiles[tradeID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrTradeNotFound, tradeID)
	}
	return p, nil
}

// NettingSetDefaultValue is the netting set value by [date][sample].
func (c *ExposureCalculator) NettingSetDefaultValue() map[string][][]float64  { return c.defaultValue }
func (c *ExposureCalculator) NettingSetCloseOutValue() map[string][][]float64 { return c.closeOut }
func (c *ExposureCalculator) NettingSetMporFlow() map[string][][]float64      { return c.flows }
func (c *ExposureCalculator) NettingSetValueToday() map[string]float64        { return c.t0 }
func (c *ExposureCalculator) TradeValueToday() map[string]float64             { return c.tradeT0 }

// NettedExposureInputs are the data a NettedExposureCalculator nets.
type NettedExposureInputs struct {
	Portfolio      *portfolio.Portfolio
	Market         *market.Market
	Cube           cube.NPVCube
	Interpretation cube.CubeInterpretation
	// ScenarioData provides the numeraire. Without it cube values are
	// taken as undeflated.
	ScenarioData *cube.AggregationScenarioData
	// DefaultValue and ValueToday are the netting set values of an
	// ExposureCalculator.
	DefaultValue map[string][][]float64
	ValueToday   map[string]float64
	Collateral   *CollateralBalances
	ApplyDIM     bool
	// Dim may be nil unless ApplyDIM is set.
	Dim DynamicInitialMarginCalculator
}

// NettedExposureCalculator aggregates trades into netting sets, reduces
// the exposure by variation margin under a CSA and by dynamic initial
// margin when asked to.
type NettedExposureCalculator struct {
	in   NettedExposureInputs
	opts ExposureOptions
	log  *zap.Logger

	counterparty map[string]string
	trades       map[string][]*portfolio.Trade
	netted       cube.NPVCube
	exposureCube cube.NPVCube
	profiles     map[string]*ExposureProfile
	allocated    Allocations
}

func NewNettedExposureCalculator(in NettedExposureInputs, opts ExposureOptions, log *zap.Logger) (*NettedExposureCalculator, error) {
	if in.Portfolio == nil || in.Market == nil || in.Cube == nil {
		return nil, fmt.Errorf("%w: portfolio, market and cube are required", ErrMissingScenarioData)
	}
	if in.ApplyDIM && in.Dim == nil {
		return nil, ErrMissingDimCalculator
	}
	if opts.Quantile <= 0 || opts.Quantile >= 1 {
		return nil, fmt.Errorf("%w: quantile %g", ErrInvalidExposureOptions, opts.Quantile)
	}
	if opts.MarginalAllocationLimit < 0 {
		return nil, fmt.Errorf("%w: marginal allocation limit %g", ErrInvalidExposureOptions, opts.MarginalAllocationLimit)
	}
	cpty := make(map[string]string)
	trades := make(map[string][]*portfolio.Trade)
	for _, t := range in.Portfolio.Trades() {
		if c, ok := cpty[t.NettingSetID]; ok && c != t.CounterpartyID {
			return nil, fmt.Errorf("%w: %s has %s and %s", ErrCounterpartyNotUnique, t.NettingSetID, c, t.CounterpartyID)
		}
		cpty[t.NettingSetID] = t.CounterpartyID
		trades[t.NettingSetID] = append(trades[t.NettingSetID], t)
	}
	npv := in.Cube
	ids := in.Portfolio.NettingSets()
	netted, err := cube.NewSinglePrecisionCube(npv.Asof(), ids, npv.Dates(), npv.Samples(), 1)
	if err != nil {
		return nil, err
	}
	samples := 1
	if opts.MultiPath {
		samples = npv.Samples()
	}
	ec, err := cube.NewInMemoryCube(npv.Asof(), ids, npv.Dates(), samples, exposureDepth)
	if err != nil {
		return nil, err
	}
	return &NettedExposureCalculator{
		in:           in,
		opts:         opts,
		log:          logging.OrNop(log),
		counterparty: cpty,
		trades:       trades,
		netted:       netted,
		exposureCube: ec,
		profiles:     make(map[string]*ExposureProfile),
		allocated:    make(Allocations),
	}, nil
}

func (c *NettedExposureCalculator) numeraire(j, k int) (float64, error) {
	if c.in.ScenarioData == nil {
		return 1, nil
	}
	return c.in.Interpretation.DefaultNumeraire(c.in.ScenarioData, j, k)
}

// collateral returns the variation margin balances by [date][sample] in
// base currency and today's balance, nil without a CSA.
func (c *NettedExposureCalculator) collateral(ns string, data [][]float64, npv0 float64) (*CSA, [][]float64, float64, error) {
	cb, ok := c.in.Collateral.Get(ns)
	if !ok || cb.CSA == nil {
		return nil, nil, 0, nil
	}
	if cb.Currency != "" && cb.Currency != c.opts.BaseCurrency {
		return nil, nil, 0, fmt.Errorf("%w: %s CSA in %s, base currency is %s", ErrInvalidCollateral, ns, cb.Currency, c.opts.BaseCurrency)
	}
	values := make([][]float64, len(data))
	for j := range data {
		values[j] = make([]float64, len(data[j]))
		for k, v := range data[j] {
			n, err := c.numeraire(j, k)
			if err != nil {
				return nil, nil, 0, err
			}
			values[j][k] = v * n
		}
	}
	balances, today, err := cb.CSA.BalancePaths(c.in.Cube.Asof(), c.in.Cube.Dates(), npv0, cb.VariationMargin, values)
	if err != nil {
		return nil, nil, 0, fmt.Errorf("%s: %w", ns, err)
	}
	c.log.Debug("variation margin", zap.String("nettingSet", ns), zap.Float64("initial", cb.VariationMargin), zap.Float64("today", today))
	return cb.CSA, balances, today, nil
}

// tradeIndexes locates the trades of a netting set in the valuation cube.
func (c *NettedExposureCalculator) tradeIndexes(ns string) ([]int, error) {
	out := make([]int, len(c.trades[ns]))
	for n, t := range c.trades[ns] {
		i, err := c.in.Cube.Index(t.ID)
		if err != nil {
			return nil, fmt.Errorf("%w: %s: %w", ErrTradeNotFound, t.ID, err)
		}
		out[n] = i
	}
	return out, nil
}

// allocateMarginal books the share of every trade of ns on one path.
func (c *NettedExposureCalculator) allocateMarginal(ns string, idx []int, j int, exposure, value, balance, weight float64, tradeValue func(i int) (float64, error)) error {
	n := len(c.in.Cube.Dates()) + 1
	for m, t := range c.trades[ns] {
		v, err := tradeValue(idx[m])
		if err != nil {
			return err
		}
		share := marginalShare(exposure, value, v, balance, c.opts.MarginalAllocationLimit, len(idx))
		c.allocated.get(t.ID, n).addMarginal(j, exposure, share, weight)
	}
	return nil
}

func (c *NettedExposureCalculator) Build() error {
	c.log.Info("computing netting set exposure profiles", zap.Bool("applyDIM", c.in.ApplyDIM),
		zap.Stringer("allocation", c.opts.Allocation))
	curve, err := c.in.Market.DiscountCurve(c.opts.BaseCurrency)
	if err != nil {
		return err
	}
	maturity := make(map[string]time.Time)
	for _, t := range c.in.Portfolio.Trades() {
		if m := t.Maturity(); m.After(maturity[t.NettingSetID]) {
			maturity[t.NettingSetID] = m
		}
	}
	npv := c.in.Cube
	interp := c.in.Interpretation
	dates := npv.Dates()
	samples := npv.Samples()
	marginal := c.opts.Allocation == MarginalAllocation
	for n, ns := range c.netted.IDs() {
		data, ok := c.in.DefaultValue[ns]
		if !ok {
			return fmt.Errorf("%w: %s has no values", ErrNettingSetNotFound, ns)
		}
		var dim [][]float64
		if c.in.ApplyDIM {
			if dim, err = c.in.Dim.DynamicIM(ns); err != nil {
				return err
			}
		}
		idx, err := c.tradeIndexes(ns)
		if err != nil {
			return err
		}
		npv0 := c.in.ValueToday[ns]
		csa, balances, today, err := c.collateral(ns, data, npv0)
		if err != nil {
			return err
		}

		p := newProfile(npv.Asof(), dates)
		exposure0 := npv0 - today
		p.EPE[0] = math.Max(exposure0, 0)
		p.ENE[0] = math.Max(-exposure0, 0)
		p.PFE[0] = p.EPE[0]
		p.ExpectedCollateral[0] = today
		if err := c.netted.SetT0(exposure0, n, 0); err != nil {
			return err
		}
		if err := c.exposureCube.SetT0(p.EPE[0], n, EPEIndex); err != nil {
			return err
		}
		if err := c.exposureCube.SetT0(p.ENE[0], n, ENEIndex); err != nil {
			return err
		}
		if marginal {
			err := c.allocateMarginal(ns, idx, 0, exposure0, npv0, today, 1, func(i int) (float64, error) {
				return npv.GetT0(i, cube.DefaultNpvDepth)
			})
			if err != nil {
				return err
			}
		}

		dist := make([]float64, samples)
		prev := npv.Asof()
		for j, d := range dates {
			dcf := market.YearFraction(prev, d)
			prev = d
			for k := 0; k < samples; k++ {
				num, err := c.numeraire(j, k)
				if err != nil {
					return err
				}
				balance := 0.0
				if balances != nil {
					balance = balances[j][k] / num
				}
				exposure := data[j][k] - balance
				im := 0.0
				if dim != nil {
					im = dim[j][k]
					if im < 0 {
						return fmt.Errorf("%w: %s date %d sample %d: %g", ErrNegativeInitialMargin, ns, j, k, im)
					}
				}
				epe := math.Max(exposure-im, 0)
				ene := math.Max(-exposure-im, 0)
				p.EPE[j+1] += epe / float64(samples)
				p.ENE[j+1] += ene / float64(samples)
				p.ExpectedCollateral[j+1] += balance / float64(samples)
				if csa != nil {
					spread := csa.CollateralSpreadRcv
					if balance < 0 {
						spread = csa.CollateralSpreadPay
					}
					p.COLVA -= balance * spread * dcf / float64(samples)
				}
				dist[k] = exposure * num
				if err := c.netted.Set(exposure, n, j, k, 0); err != nil {
					return err
				}
				if c.opts.MultiPath {
					if err := c.exposureCube.Set(epe, n, j, k, EPEIndex); err != nil {
						return err
					}
					if err := c.exposureCube.Set(ene, n, j, k, ENEIndex); err != nil {
						return err
					}
				}
				if marginal {
					err := c.allocateMarginal(ns, idx, j+1, exposure, data[j][k], balance, 1/float64(samples), func(i int) (float64, error) {
						return interp.DefaultNpv(npv, i, j, k)
					})
					if err != nil {
						return err
					}
				}
			}
			if !c.opts.MultiPath {
				if err := c.exposureCube.Set(p.EPE[j+1], n, j, 0, EPEIndex); err != nil {
					return err
				}
				if err := c.exposureCube.Set(p.ENE[j+1], n, j, 0, ENEIndex); err != nil {
					return err
				}
			}
			p.PFE[j+1] = math.Max(quantileOf(dist, c.opts.Quantile), 0)
		}
		p.finish(curve, maturity[ns])
		c.profiles[ns] = p
		c.log.Debug("netting set exposure", zap.String("nettingSet", ns),
			zap.String("counterparty", c.counterparty[ns]), zap.Float64("epeB", p.EPE_B), zap.Float64("colva", p.COLVA))
	}
	return nil
}

// Allocate splits netting set profiles with a value based method.
// valueToday holds trade values today; xva supplies stand alone trade
// CVA and DVA for RelativeXVA and may be nil otherwise.
func (c *NettedExposureCalculator) Allocate(method AllocationMethod, valueToday map[string]float64,
	xva func(tradeID string) (XvaResult, error)) error {
	if method == NoAllocation || method == MarginalAllocation {
		return nil
	}
	for _, ns := range c.netted.IDs() {
		p, err := c.Profile(ns)
		if err != nil {
			return err
		}
		trades := make([]allocationTrade, 0, len(c.trades[ns]))
		for _, t := range c.trades[ns] {
			at := allocationTrade{id: t.ID, valueToday: valueToday[t.ID]}
			if method == RelativeXVA {
				if xva == nil {
					return fmt.Errorf("%w: %s needs trade xva", ErrAllocationUndefined, method)
				}
				x, err := xva(t.ID)
				if err != nil {
					return err
				}
				at.cva, at.dva = x.CVA, x.DVA
			}
			trades = append(trades, at)
		}
		if err := allocateByValue(method, ns, p, trades, c.allocated); err != nil {
			return err
		}
	}
	return nil
}

// Colva is the COLVA of every netting set with a CSA.
func (c *NettedExposureCalculator) Colva() map[string]float64 {
	out := make(map[string]float64)
	for _, ns := range c.netted.IDs() {
		if cb, ok := c.in.Collateral.Get(ns); ok && cb.CSA != nil {
			out[ns] = c.profiles[ns].COLVA
		}
	}
	return out
}

// Allocations are empty until Build or Allocate ran with a method.
func (c *NettedExposureCalculator) Allocations() Allocations { return c.allocated }

// NettedCube holds the collateralised netting set value per path.
func (c *NettedExposureCalculator) NettedCube() cube.NPVCube   { return c.netted }
func (c *NettedExposureCalculator) ExposureCube() cube.NPVCube { return c.exposureCube }

// Counterparties maps netting set ids to their counterparty.
func (c *NettedExposureCalculator) Counterparties() map[string]string { return c.counterparty }

func (c *NettedExposureCalculator) Profile(nettingSet string) (*ExposureProfile, error) {
	p, ok := c.profiles[nettingSet]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNettingSetNotFound, nettingSet)
	}
	return p, nil
}
