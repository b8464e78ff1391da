package aggregation

import (
	"errors"
	"fmt"
	"math"
	"sort"

	"github.com/bcdannyboy/xvacube/cube"
	"github.com/bcdannyboy/xvacube/market"
	"github.com/bcdannyboy/xvacube/numerics"
	"github.com/bcdannyboy/xvacube/report"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"gonum.org/v1/gonum/stat"
	"gonum.org/v1/gonum/stat/distuv"
)

var ErrInsufficientSamples = errors.New("not enough samples for DIM regression")

type RegressionDimOptions struct {
	// Quantile is the DIM confidence level, e.g. 0.99.
	Quantile float64
	// HorizonCalendarDays is the margin period the DIM is scaled to.
	HorizonCalendarDays int
	RegressionOrder     int
	// Workers bounds the netting sets processed in parallel; zero means one
	// goroutine per netting set.
	Workers int
}

// RegressionDynamicInitialMarginCalculator estimates DIM per sample from a
// least squares regression of the squared change in netting set value over
// the margin period of risk against the netting set value.
type RegressionDynamicInitialMarginCalculator struct {
	*dimBase
	npv          cube.NPVCube
	interp       cube.CubeInterpretation
	scenario     *cube.AggregationScenarioData
	defaultValue map[string][][]float64
	closeOut     map[string][][]float64
	flows        map[string][][]float64
	opts         RegressionDimOptions

	zeroOrder map[string][]float64
	simpleH   map[string][]float64
	simpleP   map[string][]float64
	avgFlow   map[string][]float64
	deltaNPV  map[string][][]float64
	scaling   map[string]float64
}

// NewRegressionDynamicInitialMarginCalculator takes the netting set tables
// produced by an ExposureCalculator over the trade cube npv.
func NewRegressionDynamicInitialMarginCalculator(npv cube.NPVCube, interp cube.CubeInterpretation,
	scenario *cube.AggregationScenarioData, defaultValue, closeOut, flows map[string][][]float64,
	collateral *CollateralBalances, opts RegressionDimOptions, log *zap.Logger) (*RegressionDynamicInitialMarginCalculator, error) {
	if scenario == nil {
		return nil, fmt.Errorf("%w: DIM regression needs numeraires", ErrMissingScenarioData)
	}
	if opts.Quantile <= 0 || opts.Quantile >= 1 {
		return nil, fmt.Errorf("%w: DIM quantile %g", ErrInvalidExposureOptions, opts.Quantile)
	}
	if opts.HorizonCalendarDays <= 0 {
		return nil, fmt.Errorf("%w: DIM horizon %d days", ErrInvalidExposureOptions, opts.HorizonCalendarDays)
	}
	ids := make([]string, 0, len(defaultValue))
	for ns := range defaultValue {
		if _, ok := closeOut[ns]; !ok {
			return nil, fmt.Errorf("%w: %s has no close-out values", ErrNettingSetNotFound, ns)
		}
		if _, ok := flows[ns]; !ok {
			return nil, fmt.Errorf("%w: %s has no flows", ErrNettingSetNotFound, ns)
		}
		ids = append(ids, ns)
	}
	sort.Strings(ids)
	b, err := newDimBase(npv, ids, collateral, log)
	if err != nil {
		return nil, err
	}
	return &RegressionDynamicInitialMarginCalculator{
		dimBase:      b,
		npv:          npv,
		interp:       interp,
		scenario:     scenario,
		defaultValue: defaultValue,
		closeOut:     closeOut,
		flows:        flows,
		opts:         opts,
	}, nil
}

func (c *RegressionDynamicInitialMarginCalculator) allocateDiagnostics() {
	c.allocate()
	c.zeroOrder = make(map[string][]float64, len(c.nettingSets))
	c.simpleH = make(map[string][]float64, len(c.nettingSets))
	c.simpleP = make(map[string][]float64, len(c.nettingSets))
	c.avgFlow = make(map[string][]float64, len(c.nettingSets))
	c.deltaNPV = make(map[string][][]float64, len(c.nettingSets))
	for _, ns := range c.nettingSets {
		c.zeroOrder[ns] = make([]float64, len(c.dates))
		c.simpleH[ns] = make([]float64, len(c.dates))
		c.simpleP[ns] = make([]float64, len(c.dates))
		c.avgFlow[ns] = make([]float64, len(c.dates))
		rows := make([][]float64, len(c.dates))
		for j := range rows {
			rows[j] = make([]float64, c.samples)
		}
		c.deltaNPV[ns] = rows
	}
}

func (c *RegressionDynamicInitialMarginCalculator) Build() error {
	c.log.Info("DIM by polynomial regression",
		zap.Int("order", c.opts.RegressionOrder),
		zap.Float64("quantile", c.opts.Quantile),
		zap.Int("horizonDays", c.opts.HorizonCalendarDays))
	if c.samples <= c.opts.RegressionOrder+1 {
		return fmt.Errorf("%w: %d samples for order %d", ErrInsufficientSamples, c.samples, c.opts.RegressionOrder)
	}
	c.allocateDiagnostics()

	current, err := c.unscaledCurrentDIM()
	if err != nil {
		return err
	}
	c.scaling = make(map[string]float64, len(c.nettingSets))
	for _, ns := range c.nettingSets {
		c.scaling[ns] = 1
		bal, ok := c.collateral.Get(ns)
		if !ok {
			continue
		}
		if current[ns] > 0 {
			c.scaling[ns] = bal.InitialMargin / current[ns]
		}
		c.log.Debug("t0 DIM scaling", zap.String("nettingSet", ns),
			zap.Float64("currentIM", bal.InitialMargin), zap.Float64("currentDIM", current[ns]),
			zap.Float64("scaling", c.scaling[ns]))
	}

	confidence := distuv.UnitNormal.Quantile(c.opts.Quantile)
	var g errgroup.Group
	if c.opts.Workers > 0 {
		g.SetLimit(c.opts.Workers)
	}
	for n, ns := range c.nettingSets {
		n, ns := n, ns
		g.Go(func() error { return c.buildNettingSet(n, ns, confidence) })
	}
	if err := g.Wait(); err != nil {
		return err
	}
	c.log.Info("DIM by polynomial regression done")
	return nil
}

func (c *RegressionDynamicInitialMarginCalculator) buildNettingSet(n int, ns string, confidence float64) error {
	hIdx := pfeIndex(c.opts.Quantile, c.samples)
	pIdx := pfeIndex(1-c.opts.Quantile, c.samples)
	x := make([]float64, c.samples)
	z2 := make([]float64, c.samples)
	inv := make([]float64, c.samples)
	for j := range c.dates {
		z := c.deltaNPV[ns][j]
		for k := 0; k < c.samples; k++ {
			numDefault, err := c.interp.DefaultNumeraire(c.scenario, j, k)
			if err != nil {
				return err
			}
			numCloseOut, err := c.interp.CloseOutNumeraire(c.scenario, j, k)
			if err != nil {
				return err
			}
			v := c.defaultValue[ns][j][k]
			f := c.flows[ns][j][k]
			z[k] = c.closeOut[ns][j][k]*numCloseOut + f*numDefault - v*numDefault
			x[k] = v
			z2[k] = z[k] * z[k]
			inv[k] = 1 / numDefault
			c.avgFlow[ns][j] += f / float64(c.samples)
		}
		mpor, err := c.interp.MporDays(c.npv, j)
		if err != nil {
			return err
		}
		horizon := math.Sqrt(float64(c.opts.HorizonCalendarDays) / float64(mpor))
		sd := stat.PopStdDev(z, nil)
		oneOverNum := stat.Mean(inv, nil)
		c.zeroOrder[ns][j] = sd * horizon * confidence * oneOverNum

		sorted := append([]float64(nil), z...)
		sort.Float64s(sorted)
		c.simpleH[ns][j] = sorted[hIdx] * horizon * oneOverNum
		c.simpleP[ns][j] = sorted[pIdx] * horizon * oneOverNum

		if sd < 1e-12 {
			c.log.Debug("zero DIM variance", zap.String("nettingSet", ns), zap.Int("date", j))
			continue
		}
		fit, err := numerics.PolynomialRegression(x, z2, c.opts.RegressionOrder)
		if err != nil {
			return fmt.Errorf("netting set %s date %d: %w", ns, j, err)
		}
		scale := horizon * confidence * c.scaling[ns]
		for k := 0; k < c.samples; k++ {
			e := fit.Eval(x[k])
			dim := math.Sqrt(math.Max(e, 0)) * scale * inv[k]
			if err := c.setDim(n, ns, j, k, dim); err != nil {
				return err
			}
		}
	}
	return nil
}

// unscaledCurrentDIM proxies today's model DIM from the value distribution
// at the grid date closest to asof plus the horizon.
func (c *RegressionDynamicInitialMarginCalculator) unscaledCurrentDIM() (map[string]float64, error) {
	h := c.opts.HorizonCalendarDays
	rel, scaling := 0, 1.0
	days := func(i int) int { return int(math.Round(c.dates[i].Sub(c.asof).Hours() / 24)) }
	for i := range c.dates {
		d := days(i)
		if d < h {
			continue
		}
		if d == h {
			rel, scaling = i, 1
			break
		}
		last := i - 1
		if last < 0 {
			last = 0
		}
		if abs(d-h) <= abs(days(last)-h) {
			rel, scaling = i, math.Sqrt(float64(h)/float64(d))
		} else {
			rel, scaling = last, math.Sqrt(float64(h)/float64(days(last)))
		}
		break
	}
	if scaling < math.Sqrt(0.5) || scaling > math.Sqrt(2) {
		c.log.Warn("grid date used for today's DIM is far from the DIM horizon",
			zap.Time("date", c.dates[rel]), zap.Int("horizonDays", h))
	}
	confidence := distuv.UnitNormal.Quantile(c.opts.Quantile)
	out := make(map[string]float64, len(c.nettingSets))
	for _, ns := range c.nettingSets {
		dist := c.defaultValue[ns][rel]
		mean := stat.Mean(dist, nil)
		delta := make([]float64, len(dist))
		inv := make([]float64, len(dist))
		for k, v := range dist {
			num, err := c.scenario.Get(rel, k, cube.Numeraire, "")
			if err != nil {
				return nil, err
			}
			delta[k] = num * (v - mean) * scaling
			inv[k] = 1 / num
		}
		out[ns] = stat.PopStdDev(delta, nil) * confidence * stat.Mean(inv, nil)
		c.log.Debug("t0 DIM", zap.String("nettingSet", ns), zap.Float64("dim", out[ns]))
	}
	return out, nil
}

func abs(x int) int {
	if x < 0 {
		return -x
	}
	return x
}

// ZeroOrderResults is the unconditional DIM per date.
func (c *RegressionDynamicInitialMarginCalculator) ZeroOrderResults(nettingSet string) ([]float64, error) {
	v, ok := c.zeroOrder[nettingSet]
	if !ok {
		return nil, fmt.Errorf("%w: %s in zero order DIM results", ErrNettingSetNotFound, nettingSet)
	}
	return v, nil
}

// SimpleResults are the DIM estimates from the upper and lower quantile
// of the value change distribution.
func (c *RegressionDynamicInitialMarginCalculator) SimpleResults(nettingSet string) (upper, lower []float64, err error) {
	h, ok := c.simpleH[nettingSet]
	if !ok {
		return nil, nil, fmt.Errorf("%w: %s in simple DIM results", ErrNettingSetNotFound, nettingSet)
	}
	return h, c.simpleP[nettingSet], nil
}

func (c *RegressionDynamicInitialMarginCalculator) ExportDimEvolution(r report.Report) error {
	r.AddColumn("TimeStep", report.Int, 0).
		AddColumn("Date", report.Date, 0).
		AddColumn("DaysInPeriod", report.Int, 0).
		AddColumn("ZeroOrderDIM", report.Float, 6).
		AddColumn("AverageDIM", report.Float, 6).
		AddColumn("AverageFLOW", report.Float, 6).
		AddColumn("SimpleDIM", report.Float, 6).
		AddColumn("NettingSet", report.String, 0).
		AddColumn("Time", report.Float, 6)
	for _, ns := range c.nettingSets {
		exp, err := c.DimResults(ns)
		if err != nil {
			return err
		}
		c.log.Debug("export DIM evolution", zap.String("nettingSet", ns))
		for j, d := range c.dates {
			days, err := c.interp.MporDays(c.dimCube, j)
			if err != nil {
				return err
			}
			r.Next().
				Add(j).
				Add(d).
				Add(days).
				Add(c.zeroOrder[ns][j]).
				Add(exp[j]).
				Add(c.avgFlow[ns][j]).
				Add(c.simpleH[ns][j]).
				Add(ns).
				Add(market.YearFraction(c.asof, d))
		}
	}
	return r.End()
}

// ExportDimRegression writes one report per time step with the samples of
// nettingSet sorted by regressor. RegressionDIM and DeltaNPV are in
// undeflated units so the fit can be checked by hand.
func (c *RegressionDynamicInitialMarginCalculator) ExportDimRegression(nettingSet string, timeSteps []int, reports []report.Report) error {
	if len(timeSteps) != len(reports) {
		return fmt.Errorf("%d reports for %d time steps", len(reports), len(timeSteps))
	}
	dim, err := c.DynamicIM(nettingSet)
	if err != nil {
		return err
	}
	for i, j := range timeSteps {
		if j < 0 || j >= len(c.dates) {
			return fmt.Errorf("%w: time step %d of %d", cube.ErrIndexOutOfRange, j, len(c.dates))
		}
		order := make([]int, c.samples)
		for k := range order {
			order[k] = k
		}
		x := c.defaultValue[nettingSet][j]
		sort.SliceStable(order, func(a, b int) bool { return x[order[a]] < x[order[b]] })

		r := reports[i]
		r.AddColumn("Sample", report.Int, 0).
			AddColumn("Regressor_0_NPV", report.Float, 6).
			AddColumn("RegressionDIM", report.Float, 6).
			AddColumn("ExpectedDIM", report.Float, 6).
			AddColumn("ZeroOrderDIM", report.Float, 6).
			AddColumn("DeltaNPV", report.Float, 6).
			AddColumn("SimpleDIM", report.Float, 6)
		for pos, k := range order {
			num, err := c.interp.DefaultNumeraire(c.scenario, j, k)
			if err != nil {
				return err
			}
			r.Next().
				Add(pos).
				Add(x[k]).
				Add(dim[j][k] * num).
				Add(c.expected[nettingSet][j]).
				Add(c.zeroOrder[nettingSet][j]).
				Add(c.deltaNPV[nettingSet][j][k]).
				Add(c.simpleH[nettingSet][j])
		}
		if err := r.End(); err != nil {
			return err
		}
	}
	return nil
}
