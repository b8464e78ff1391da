package aggregation

import (
	"fmt"
	"sort"
	"time"

	"github.com/bcdannyboy/xvacube/logging"
	"github.com/bcdannyboy/xvacube/market"
	"github.com/bcdannyboy/xvacube/portfolio"
	"github.com/bcdannyboy/xvacube/report"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// XvaResult holds the value adjustments of one trade or netting set.
type XvaResult struct {
	CVA float64
	DVA float64
	FBA float64
	FCA float64
	// ExOwnSP variants ignore own survival, ExAllSP ignore any survival.
	FBAExOwnSP float64
	FCAExOwnSP float64
	FBAExAllSP float64
	FCAExAllSP float64
	MVA        float64
	// COLVA is set on netting sets with a CSA.
	COLVA float64
	// AllocatedCVA and AllocatedDVA price the allocated trade profiles;
	// netting set results hold the sum over their trades.
	AllocatedCVA float64
	AllocatedDVA float64
}

func (r *XvaResult) add(o XvaResult) {
	r.CVA += o.CVA
	r.DVA += o.DVA
	r.FBA += o.FBA
	r.FCA += o.FCA
	r.FBAExOwnSP += o.FBAExOwnSP
	r.FCAExOwnSP += o.FCAExOwnSP
	r.FBAExAllSP += o.FBAExAllSP
	r.FCAExAllSP += o.FCAExAllSP
	r.MVA += o.MVA
	r.COLVA += o.COLVA
	r.AllocatedCVA += o.AllocatedCVA
	r.AllocatedDVA += o.AllocatedDVA
}

type XvaOptions struct {
	BaseCurrency string
	// DvaName is the own credit name; DVA, own survival and MVA survival
	// are skipped when empty.
	DvaName string
	// BorrowingCurve and LendingCurve name yield curves in the market.
	// FCA and MVA need the borrowing curve, FBA the lending curve.
	BorrowingCurve string
	LendingCurve   string
	ApplyDIM       bool
	CreditModel    CreditModel
	CptySpIndex    int
}

// ValueAdjustmentCalculator sums increments over the exposure grid into
// trade and netting set value adjustments.
type ValueAdjustmentCalculator struct {
	pf             *portfolio.Portfolio
	mkt            *market.Market
	counterparties map[string]string
	dates          []time.Time
	colva          map[string]float64
	inc            IncrementCalculator
	opts           XvaOptions
	log            *zap.Logger

	trades      map[string]XvaResult
	nettingSets map[string]XvaResult
}

// NewValueAdjustmentCalculator takes the exposure cubes of the exposure
// calculators and the counterparty of every netting set. in.Market and
// in.DvaName are taken from mkt and opts.
func NewValueAdjustmentCalculator(pf *portfolio.Portfolio, mkt *market.Market, counterparties map[string]string,
	in XvaInputs, opts XvaOptions, log *zap.Logger) (*ValueAdjustmentCalculator, error) {
	if opts.ApplyDIM && in.Dim == nil {
		return nil, ErrMissingDimCalculator
	}
	in.Market = mkt
	in.DvaName = opts.DvaName
	in.CptySpIndex = opts.CptySpIndex
	inc, err := NewIncrementCalculator(opts.CreditModel, in)
	if err != nil {
		return nil, err
	}
	return &ValueAdjustmentCalculator{
		pf:             pf,
		mkt:            mkt,
		counterparties: counterparties,
		dates:          in.NettingSetExposure.Dates(),
		colva:          in.NettingSetColva,
		inc:            inc,
		opts:           opts,
		log:            logging.OrNop(log),
	}, nil
}

// fundingFactors are the borrowing and lending spreads accrued between two
// dates, zero when the curve is not configured.
type fundingFactors struct {
	borrow, lend float64
}

func (c *ValueAdjustmentCalculator) dcfs() ([]fundingFactors, error) {
	ois, err := c.mkt.DiscountCurve(c.opts.BaseCurrency)
	if err != nil {
		return nil, err
	}
	var borrow, lend market.YieldCurve
	if c.opts.BorrowingCurve != "" {
		if borrow, err = c.mkt.YieldCurve(c.opts.BorrowingCurve); err != nil {
			return nil, err
		}
	}
	if c.opts.LendingCurve != "" {
		if lend, err = c.mkt.YieldCurve(c.opts.LendingCurve); err != nil {
			return nil, err
		}
	}
	out := make([]fundingFactors, len(c.dates))
	t0 := 0.0
	for j, d := range c.dates {
		t1 := market.YearFraction(c.mkt.Asof, d)
		base := ois.Discount(t0) / ois.Discount(t1)
		if borrow != nil {
			out[j].borrow = borrow.Discount(t0)/borrow.Discount(t1) - base
		}
		if lend != nil {
			out[j].lend = lend.Discount(t0)/lend.Discount(t1) - base
		}
		t0 = t1
	}
	return out, nil
}

// increments bundles the per id increment functions of trades or netting
// sets so both loops share one accumulation.
type increments struct {
	cva func(id, cpty string, d0, d1 time.Time, rr float64) (float64, error)
	dva func(id string, d0, d1 time.Time, rr float64) (float64, error)
	fba func(id, cpty, own string, d0, d1 time.Time, dcf float64) (float64, error)
	fca func(id, cpty, own string, d0, d1 time.Time, dcf float64) (float64, error)
	mva func(id, cpty string, d0, d1 time.Time, dcf float64) (float64, error)
}

func (c *ValueAdjustmentCalculator) accumulate(id, cpty string, fn increments, dcf []fundingFactors) (XvaResult, error) {
	var r XvaResult
	rr, err := c.mkt.RecoveryRate(cpty)
	if err != nil {
		return r, fmt.Errorf("counterparty %s: %w", cpty, err)
	}
	ownRR := 0.0
	if c.opts.DvaName != "" {
		if ownRR, err = c.mkt.RecoveryRate(c.opts.DvaName); err != nil {
			return r, fmt.Errorf("own name %s: %w", c.opts.DvaName, err)
		}
	}
	own := c.opts.DvaName
	borrow := c.opts.BorrowingCurve != ""
	lend := c.opts.LendingCurve != ""

	d0 := c.mkt.Asof
	for j, d1 := range c.dates {
		var v float64
		if v, err = fn.cva(id, cpty, d0, d1, rr); err != nil {
			return r, err
		}
		r.CVA += v
		if own != "" {
			if v, err = fn.dva(id, d0, d1, ownRR); err != nil {
				return r, err
			}
			r.DVA += v
		}
		if borrow {
			f := dcf[j].borrow
			if v, err = fn.fca(id, cpty, own, d0, d1, f); err != nil {
				return r, err
			}
			r.FCA += v
			if v, err = fn.fca(id, cpty, "", d0, d1, f); err != nil {
				return r, err
			}
			r.FCAExOwnSP += v
			if v, err = fn.fca(id, "", "", d0, d1, f); err != nil {
				return r, err
			}
			r.FCAExAllSP += v
			if fn.mva != nil {
				if v, err = fn.mva(id, cpty, d0, d1, f); err != nil {
					return r, err
				}
				r.MVA += v
			}
		}
		if lend {
			f := dcf[j].lend
			if v, err = fn.fba(id, cpty, own, d0, d1, f); err != nil {
				return r, err
			}
			r.FBA += v
			if v, err = fn.fba(id, cpty, "", d0, d1, f); err != nil {
				return r, err
			}
			r.FBAExOwnSP += v
			if v, err = fn.fba(id, "", "", d0, d1, f); err != nil {
				return r, err
			}
			r.FBAExAllSP += v
		}
		d0 = d1
	}
	return r, nil
}

func (c *ValueAdjustmentCalculator) Build() error {
	c.log.Info("computing value adjustments",
		zap.Stringer("creditModel", c.opts.CreditModel),
		zap.Bool("applyDIM", c.opts.ApplyDIM),
		zap.String("dvaName", c.opts.DvaName))
	if c.opts.BorrowingCurve == "" {
		c.log.Warn("no borrowing curve, FCA and MVA are not computed")
	}
	if c.opts.LendingCurve == "" {
		c.log.Warn("no lending curve, FBA is not computed")
	}
	dcf, err := c.dcfs()
	if err != nil {
		return err
	}

	c.trades = make(map[string]XvaResult, c.pf.Size())
	tradeFns := increments{
		cva: c.inc.CvaIncrement,
		dva: c.inc.DvaIncrement,
		fba: c.inc.FbaIncrement,
		fca: c.inc.FcaIncrement,
	}
	for _, t := range c.pf.Trades() {
		r, err := c.accumulate(t.ID, t.CounterpartyID, tradeFns, dcf)
		if err != nil {
			return fmt.Errorf("trade %s: %w", t.ID, err)
		}
		c.trades[t.ID] = r
		c.log.Debug("trade xva", zap.String("trade", t.ID), zap.Float64("cva", r.CVA), zap.Float64("dva", r.DVA))
	}

	c.nettingSets = make(map[string]XvaResult, len(c.counterparties))
	nsFns := increments{
		cva: c.inc.NettingSetCvaIncrement,
		dva: c.inc.NettingSetDvaIncrement,
		fba: c.inc.NettingSetFbaIncrement,
		fca: c.inc.NettingSetFcaIncrement,
	}
	if c.opts.ApplyDIM {
		nsFns.mva = c.inc.NettingSetMvaIncrement
	}
	for _, ns := range c.NettingSets() {
		r, err := c.accumulate(ns, c.counterparties[ns], nsFns, dcf)
		if err != nil {
			return fmt.Errorf("netting set %s: %w", ns, err)
		}
		r.COLVA = c.colva[ns]
		c.nettingSets[ns] = r
		c.log.Debug("netting set xva", zap.String("nettingSet", ns),
			zap.Float64("cva", r.CVA), zap.Float64("fca", r.FCA), zap.Float64("mva", r.MVA))
	}
	c.log.Info("value adjustments done", zap.Float64("cva", c.Total().CVA))
	return nil
}

func (c *ValueAdjustmentCalculator) survivalProfile(name string) ([]float64, error) {
	dc, err := c.mkt.DefaultCurve(name)
	if err != nil {
		return nil, err
	}
	out := make([]float64, len(c.dates)+1)
	out[0] = 1
	for j, d := range c.dates {
		out[j+1] = dc.SurvivalProbability(market.YearFraction(c.mkt.Asof, d))
	}
	return out, nil
}

// AllocateXva prices allocated trade profiles with survival from the
// market default curves. It runs after Build and replaces earlier
// allocated results.
func (c *ValueAdjustmentCalculator) AllocateXva(alloc Allocations) error {
	if c.trades == nil {
		return fmt.Errorf("%w: xva not built", ErrAllocationUndefined)
	}
	for ns, r := range c.nettingSets {
		r.AllocatedCVA, r.AllocatedDVA = 0, 0
		c.nettingSets[ns] = r
	}
	var own []float64
	ownRR := 0.0
	if c.opts.DvaName != "" {
		var err error
		if own, err = c.survivalProfile(c.opts.DvaName); err != nil {
			return err
		}
		if ownRR, err = c.mkt.RecoveryRate(c.opts.DvaName); err != nil {
			return err
		}
	}
	n := len(c.dates) + 1
	for _, t := range c.pf.Trades() {
		ae, ok := alloc[t.ID]
		if !ok {
			continue
		}
		if len(ae.EPE) != n || len(ae.ENE) != n {
			return fmt.Errorf("%w: %s allocated on %d dates, expected %d", ErrSampleMismatch, t.ID, len(ae.EPE), n)
		}
		sc, err := c.survivalProfile(t.CounterpartyID)
		if err != nil {
			return fmt.Errorf("trade %s: %w", t.ID, err)
		}
		rr, err := c.mkt.RecoveryRate(t.CounterpartyID)
		if err != nil {
			return fmt.Errorf("trade %s: %w", t.ID, err)
		}
		var cva, dva float64
		for j := 1; j < n; j++ {
			cva += (1 - rr) * (sc[j-1] - sc[j]) * ae.EPE[j]
			if own != nil {
				dva += (1 - ownRR) * (own[j-1] - own[j]) * ae.ENE[j]
			}
		}
		r := c.trades[t.ID]
		r.AllocatedCVA, r.AllocatedDVA = cva, dva
		c.trades[t.ID] = r
		nr := c.nettingSets[t.NettingSetID]
		nr.AllocatedCVA += cva
		nr.AllocatedDVA += dva
		c.nettingSets[t.NettingSetID] = nr
	}
	return nil
}

func (c *ValueAdjustmentCalculator) NettingSets() []string {
	ids := make([]string, 0, len(c.counterparties))
	for ns := range c.counterparties {
		ids = append(ids, ns)
	}
	sort.Strings(ids)
	return ids
}

func (c *ValueAdjustmentCalculator) TradeXva(tradeID string) (XvaResult, error) {
	r, ok := c.trades[tradeID]
	if !ok {
		return r, fmt.Errorf("%w: %s in xva results", ErrTradeNotFound, tradeID)
	}
	return r, nil
}

func (c *ValueAdjustmentCalculator) NettingSetXva(nettingSet string) (XvaResult, error) {
	r, ok := c.nettingSets[nettingSet]
	if !ok {
		return r, fmt.Errorf("%w: %s in xva results", ErrNettingSetNotFound, nettingSet)
	}
	return r, nil
}

func (c *ValueAdjustmentCalculator) TradeCva(tradeID string) (float64, error) {
	r, err := c.TradeXva(tradeID)
	return r.CVA, err
}

func (c *ValueAdjustmentCalculator) NettingSetCva(nettingSet string) (float64, error) {
	r, err := c.NettingSetXva(nettingSet)
	return r.CVA, err
}

// NettingSetSumCva is the sum of stand alone trade CVAs in a netting set,
// an upper bound of the netted CVA.
func (c *ValueAdjustmentCalculator) NettingSetSumCva(nettingSet string) (float64, error) {
	if _, ok := c.nettingSets[nettingSet]; !ok {
		return 0, fmt.Errorf("%w: %s in xva results", ErrNettingSetNotFound, nettingSet)
	}
	sum := 0.0
	for _, t := range c.pf.Trades() {
		if t.NettingSetID == nettingSet {
			sum += c.trades[t.ID].CVA
		}
	}
	return sum, nil
}

// Total sums the netting set results.
func (c *ValueAdjustmentCalculator) Total() XvaResult {
	var r XvaResult
	for _, v := range c.nettingSets {
		r.add(v)
	}
	return r
}

func round(v float64, places int32) float64 {
	return decimal.NewFromFloat(v).Round(places).InexactFloat64()
}

// WriteXvaReport writes one row per netting set followed by its trades,
// amounts rounded to two decimals.
func (c *ValueAdjustmentCalculator) WriteXvaReport(r report.Report) error {
	r.AddColumn("TradeId", report.String, 0).
		AddColumn("NettingSetId", report.String, 0).
		AddColumn("CVA", report.Float, 2).
		AddColumn("DVA", report.Float, 2).
		AddColumn("FBA", report.Float, 2).
		AddColumn("FCA", report.Float, 2).
		AddColumn("FBA_exOwnSP", report.Float, 2).
		AddColumn("FCA_exOwnSP", report.Float, 2).
		AddColumn("FBA_exAllSP", report.Float, 2).
		AddColumn("FCA_exAllSP", report.Float, 2).
		AddColumn("MVA", report.Float, 2).
		AddColumn("COLVA", report.Float, 2).
		AddColumn("AllocatedCVA", report.Float, 2).
		AddColumn("AllocatedDVA", report.Float, 2)
	row := func(trade, ns string, x XvaResult) {
		r.Next().
			Add(trade).
			Add(ns).
			Add(round(x.CVA, 2)).
			Add(round(x.DVA, 2)).
			Add(round(x.FBA, 2)).
			Add(round(x.FCA, 2)).
			Add(round(x.FBAExOwnSP, 2)).
			Add(round(x.FCAExOwnSP, 2)).
			Add(round(x.FBAExAllSP, 2)).
			Add(round(x.FCAExAllSP, 2)).
			Add(round(x.MVA, 2)).
			Add(round(x.COLVA, 2)).
			Add(round(x.AllocatedCVA, 2)).
			Add(round(x.AllocatedDVA, 2))
	}
	for _, ns := range c.NettingSets() {
		x, ok := c.nettingSets[ns]
		if !ok {
			return fmt.Errorf("%w: %s in xva results", ErrNettingSetNotFound, ns)
		}
		row("", ns, x)
		for _, t := range c.pf.Trades() {
			if t.NettingSetID == ns {
				row(t.ID, ns, c.trades[t.ID])
			}
		}
	}
	return r.End()
}
