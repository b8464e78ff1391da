package aggregation

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/bcdannyboy/xvacube/cube"
	"github.com/bcdannyboy/xvacube/logging"
	"github.com/bcdannyboy/xvacube/market"
	"github.com/bcdannyboy/xvacube/models"
	"github.com/bcdannyboy/xvacube/portfolio"
	"github.com/bcdannyboy/xvacube/report"
	"go.uber.org/zap"
)

var (
	ErrUnknownCreditMode    = errors.New("unknown credit mode")
	ErrUnknownStateEval     = errors.New("unknown credit state evaluation")
	ErrInvalidMigrationRun  = errors.New("invalid credit migration settings")
	ErrMissingStateCube     = errors.New("credit state cube required")
	ErrEmptyPnlDistribution = errors.New("empty P&L distribution")
)

// CreditMode selects the credit events priced into the P&L distribution.
type CreditMode int

const (
	// MigrationMode revalues issuer trades in every rating state.
	MigrationMode CreditMode = iota
	// DefaultMode only prices default; other ratings leave values unchanged.
	DefaultMode
)

func (m CreditMode) String() string {
	switch m {
	case MigrationMode:
		return "Migration"
	case DefaultMode:
		return "Default"
	}
	return fmt.Sprintf("CreditMode(%d)", int(m))
}

func ParseCreditMode(s string) (CreditMode, error) {
	switch strings.ToLower(s) {
	case "", "migration":
		return MigrationMode, nil
	case "default":
		return DefaultMode, nil
	}
	return 0, fmt.Errorf("%w: %q", ErrUnknownCreditMode, s)
}

// StateEvaluation selects where horizon ratings come from.
type StateEvaluation int

const (
	// SimulatedStates reads the rating of each path from scenario data.
	SimulatedStates StateEvaluation = iota
	// AnalyticStates weights every rating by its transition probability
	// and buckets the conditional distributions of each path.
	AnalyticStates
)

func (e StateEvaluation) String() string {
	switch e {
	case SimulatedStates:
		return "Simulated"
	case AnalyticStates:
		return "Analytic"
	}
	return fmt.Sprintf("StateEvaluation(%d)", int(e))
}

func ParseStateEvaluation(s string) (StateEvaluation, error) {
	switch strings.ToLower(s) {
	case "", "simulated":
		return SimulatedStates, nil
	case "analytic":
		return AnalyticStates, nil
	}
	return 0, fmt.Errorf("%w: %q", ErrUnknownStateEval, s)
}

// PnlDistribution is a bucketed P&L distribution. Bucket i covers
// [Lower[i], Upper[i]) and keeps the probability and conditional mean of
// the mass inside it. The outer buckets also take the mass beyond them.
type PnlDistribution struct {
	Lower       []float64
	Upper       []float64
	Probability []float64
	Mean        []float64
}

// newPnlDistribution spreads n buckets evenly over [lo, hi].
func newPnlDistribution(lo, hi float64, n int) *PnlDistribution {
	d := &PnlDistribution{
		Lower:       make([]float64, n),
		Upper:       make([]float64, n),
		Probability: make([]float64, n),
		Mean:        make([]float64, n),
	}
	w := (hi - lo) / float64(n)
	for i := 0; i < n; i++ {
		d.Lower[i] = lo + float64(i)*w
		d.Upper[i] = lo + float64(i+1)*w
	}
	return d
}

func (d *PnlDistribution) bucket(x float64) int {
	i := sort.Search(len(d.Upper), func(i int) bool { return x < d.Upper[i] })
	if i == len(d.Upper) {
		i--
	}
	return i
}

// add books probability p at x. Mean holds probability weighted sums
// until normalise.
func (d *PnlDistribution) add(x, p float64) {
	if p == 0 {
		return
	}
	i := d.bucket(x)
	d.Probability[i] += p
	d.Mean[i] += p * x
}

func (d *PnlDistribution) normalise() {
	for i, p := range d.Probability {
		if p > 0 {
			d.Mean[i] /= p
		}
	}
}

func (d *PnlDistribution) clone() *PnlDistribution {
	return &PnlDistribution{
		Lower:       d.Lower,
		Upper:       d.Upper,
		Probability: make([]float64, len(d.Probability)),
		Mean:        make([]float64, len(d.Mean)),
	}
}

// convolve shifts the distribution by the discrete outcomes x with
// probabilities p, keeping each bucket's mass at its conditional mean as
// in Hull and White bucketing.
func (d *PnlDistribution) convolve(x, p []float64) *PnlDistribution {
	out := d.clone()
	for i, q := range d.Probability {
		if q == 0 {
			continue
		}
		for s := range x {
			out.add(d.Mean[i]+x[s], q*p[s])
		}
	}
	out.normalise()
	return out
}

// Expected is the mean of the distribution.
func (d *PnlDistribution) Expected() float64 {
	e := 0.0
	for i, p := range d.Probability {
		e += p * d.Mean[i]
	}
	return e
}

// Quantile returns the conditional mean of the bucket in which the
// cumulative probability first reaches q.
func (d *PnlDistribution) Quantile(q float64) (float64, error) {
	if q <= 0 || q >= 1 {
		return 0, fmt.Errorf("%w: quantile %g", ErrInvalidMigrationRun, q)
	}
	cum := 0.0
	last := -1
	for i, p := range d.Probability {
		if p == 0 {
			continue
		}
		last = i
		cum += p
		if cum >= q-1e-12 {
			return d.Mean[i], nil
		}
	}
	if last < 0 {
		return 0, ErrEmptyPnlDistribution
	}
	return d.Mean[last], nil
}

type MigrationPnlOptions struct {
	Mode       CreditMode
	Evaluation StateEvaluation
	// Horizon must be a date of the valuation grid.
	Horizon time.Time
	Buckets int
}

// CreditMigrationInputs are the cubes a credit migration run reads. The
// state cube holds trade values per rating state of their issuer, listed
// in the order of Cube. NettedCube holds netting set values, lost in full
// when the counterparty defaults.
type CreditMigrationInputs struct {
	Portfolio      *portfolio.Portfolio
	Cube           cube.NPVCube
	StateCube      cube.NPVCube
	NettedCube     cube.NPVCube
	Interpretation cube.CubeInterpretation
	// ScenarioData holds the simulated ratings, SimulatedStates only.
	ScenarioData *cube.AggregationScenarioData
	Migrations   map[string]*models.MigrationModel
}

// entityOutcomes are the credit P&L of one entity per rating state on one
// path.
type entityOutcomes struct {
	name string
	pnl  []float64
}

// CreditMigrationCalculator builds the P&L distribution at a horizon of
// market moves combined with rating migration and default of the
// entities that carry a migration model.
type CreditMigrationCalculator struct {
	in   CreditMigrationInputs
	opts MigrationPnlOptions
	log  *zap.Logger

	horizon    int
	entities   []string
	marketPnl  []float64
	dist       *PnlDistribution
	expMarket  float64
	expDefault map[string]float64
}

func NewCreditMigrationCalculator(in CreditMigrationInputs, opts MigrationPnlOptions, log *zap.Logger) (*CreditMigrationCalculator, error) {
	if in.Portfolio == nil || in.Cube == nil {
		return nil, fmt.Errorf("%w: portfolio and cube are required", ErrMissingScenarioData)
	}
	if in.StateCube == nil {
		return nil, ErrMissingStateCube
	}
	if in.StateCube.Samples() != in.Cube.Samples() || len(in.StateCube.Dates()) != len(in.Cube.Dates()) {
		return nil, fmt.Errorf("%w: state cube layout differs from the trade cube", ErrSampleMismatch)
	}
	if opts.Buckets < 2 {
		return nil, fmt.Errorf("%w: %d buckets", ErrInvalidMigrationRun, opts.Buckets)
	}
	h, err := in.Cube.DateIndex(opts.Horizon)
	if err != nil {
		return nil, fmt.Errorf("%w: horizon %s is not a grid date: %w", ErrInvalidMigrationRun, opts.Horizon.Format(time.DateOnly), err)
	}
	if opts.Evaluation == SimulatedStates && in.ScenarioData == nil {
		return nil, fmt.Errorf("%w: simulated ratings", ErrMissingScenarioData)
	}
	entities := make([]string, 0, len(in.Migrations))
	for name, m := range in.Migrations {
		if m.Matrix().States() > in.StateCube.Depth() {
			return nil, fmt.Errorf("%w: %s has %d states, state cube depth is %d",
				ErrInvalidMigrationRun, name, m.Matrix().States(), in.StateCube.Depth())
		}
		entities = append(entities, name)
	}
	sort.Strings(entities)
	return &CreditMigrationCalculator{
		in:       in,
		opts:     opts,
		log:      logging.OrNop(log),
		horizon:  h,
		entities: entities,
	}, nil
}

// issuerOf maps credit sensitive trades with a modelled issuer to it.
func (c *CreditMigrationCalculator) issuerOf() map[string]string {
	out := make(map[string]string)
	for _, t := range c.in.Portfolio.Trades() {
		ci, ok := t.Instrument.(portfolio.CreditInstrument)
		if !ok {
			continue
		}
		if _, ok := c.in.Migrations[ci.IssuerName()]; ok {
			out[t.ID] = ci.IssuerName()
		}
	}
	return out
}

// marketPnL is today's value rolled to the horizon on every path: flows
// paid up to the horizon plus the horizon value, issuers kept in their
// initial rating.
func (c *CreditMigrationCalculator) buildMarketPnL(issuers map[string]string) error {
	npv := c.in.Cube
	samples := npv.Samples()
	c.marketPnl = make([]float64, samples)
	for _, t := range c.in.Portfolio.Trades() {
		i, err := npv.Index(t.ID)
		if err != nil {
			return fmt.Errorf("%w: %s: %w", ErrTradeNotFound, t.ID, err)
		}
		t0, err := npv.GetT0(i, cube.DefaultNpvDepth)
		if err != nil {
			return err
		}
		issuer, credit := issuers[t.ID]
		for k := 0; k < samples; k++ {
			pnl := -t0
			for j := 0; j < c.horizon; j++ {
				f, err := c.in.Interpretation.MporFlow(npv, i, j, k)
				if err != nil {
					return err
				}
				pnl += f
			}
			var v float64
			if credit {
				v, err = c.in.StateCube.Get(i, c.horizon, k, c.in.Migrations[issuer].InitialState)
			} else {
				v, err = c.in.Interpretation.DefaultNpv(npv, i, c.horizon, k)
			}
			if err != nil {
				return err
			}
			c.marketPnl[k] += pnl + v
		}
	}
	return nil
}

// outcomes is the credit P&L of every entity per rating on path k.
func (c *CreditMigrationCalculator) outcomes(issuers map[string]string, k int) ([]entityOutcomes, error) {
	npv := c.in.Cube
	out := make([]entityOutcomes, len(c.entities))
	for e, name := range c.entities {
		m := c.in.Migrations[name]
		states := m.Matrix().States()
		def := m.Matrix().DefaultState()
		pnl := make([]float64, states)
		for _, t := range c.in.Portfolio.Trades() {
			if issuers[t.ID] != name {
				continue
			}
			i, err := npv.Index(t.ID)
			if err != nil {
				return nil, err
			}
			base, err := c.in.StateCube.Get(i, c.horizon, k, m.InitialState)
			if err != nil {
				return nil, err
			}
			for s := 0; s < states; s++ {
				if c.opts.Mode == DefaultMode && s != def {
					continue
				}
				v, err := c.in.StateCube.Get(i, c.horizon, k, s)
				if err != nil {
					return nil, err
				}
				pnl[s] += v - base
			}
		}
		if c.in.NettedCube != nil {
			for _, ns := range c.in.Portfolio.NettingSets() {
				if c.counterpartyOf(ns) != name {
					continue
				}
				n, err := c.in.NettedCube.Index(ns)
				if err != nil {
					return nil, fmt.Errorf("%w: %s: %w", ErrNettingSetNotFound, ns, err)
				}
				v, err := c.in.NettedCube.Get(n, c.horizon, k, 0)
				if err != nil {
					return nil, err
				}
				pnl[def] -= math.Max(v, 0)
			}
		}
		out[e] = entityOutcomes{name: name, pnl: pnl}
	}
	return out, nil
}

func (c *CreditMigrationCalculator) counterpartyOf(ns string) string {
	for _, t := range c.in.Portfolio.Trades() {
		if t.NettingSetID == ns {
			return t.CounterpartyID
		}
	}
	return ""
}

// transitions are the horizon rating probabilities of each entity.
func (c *CreditMigrationCalculator) transitions() map[string][]float64 {
	th := market.YearFraction(c.in.Cube.Asof(), c.opts.Horizon)
	out := make(map[string][]float64, len(c.entities))
	for _, name := range c.entities {
		m := c.in.Migrations[name]
		tm := m.Matrix().Transition(th)
		n := m.Matrix().States()
		row := make([]float64, n)
		for s := 0; s < n; s++ {
			row[s] = tm.At(m.InitialState, s)
		}
		out[name] = row
	}
	return out
}

func (c *CreditMigrationCalculator) simulatedState(name string, k int) (int, error) {
	v, err := c.in.ScenarioData.Get(c.horizon, k, cube.CreditState, name)
	if err != nil {
		return 0, err
	}
	return int(math.Round(v)), nil
}

func (c *CreditMigrationCalculator) Build() error {
	c.log.Info("computing credit migration P&L",
		zap.Stringer("mode", c.opts.Mode),
		zap.Stringer("evaluation", c.opts.Evaluation),
		zap.Time("horizon", c.opts.Horizon),
		zap.Strings("entities", c.entities))
	issuers := c.issuerOf()
	if err := c.buildMarketPnL(issuers); err != nil {
		return err
	}
	samples := c.in.Cube.Samples()
	paths := make([][]entityOutcomes, samples)
	lo, hi := math.Inf(1), math.Inf(-1)
	c.expMarket = 0
	for k := 0; k < samples; k++ {
		o, err := c.outcomes(issuers, k)
		if err != nil {
			return err
		}
		paths[k] = o
		pathLo, pathHi := c.marketPnl[k], c.marketPnl[k]
		for _, e := range o {
			emin, emax := e.pnl[0], e.pnl[0]
			for _, x := range e.pnl {
				emin = math.Min(emin, x)
				emax = math.Max(emax, x)
			}
			pathLo += emin
			pathHi += emax
		}
		lo = math.Min(lo, pathLo)
		hi = math.Max(hi, pathHi)
		c.expMarket += c.marketPnl[k] / float64(samples)
	}
	if hi <= lo {
		hi = lo + 1
	}

	c.expDefault = make(map[string]float64, len(c.entities))
	var probs map[string][]float64
	if c.opts.Evaluation == AnalyticStates {
		probs = c.transitions()
	}
	w := 1 / float64(samples)
	c.dist = newPnlDistribution(lo, hi, c.opts.Buckets)
	for k := 0; k < samples; k++ {
		switch c.opts.Evaluation {
		case SimulatedStates:
			x := c.marketPnl[k]
			for _, e := range paths[k] {
				s, err := c.simulatedState(e.name, k)
				if err != nil {
					return err
				}
				if s < 0 || s >= len(e.pnl) {
					return fmt.Errorf("%w: %s in state %d on path %d", ErrInvalidMigrationRun, e.name, s, k)
				}
				x += e.pnl[s]
				if s == len(e.pnl)-1 {
					c.expDefault[e.name] += w
				}
			}
			c.dist.add(x, w)
		case AnalyticStates:
			d := newPnlDistribution(lo, hi, c.opts.Buckets)
			d.add(c.marketPnl[k], 1)
			d.normalise()
			for _, e := range paths[k] {
				d = d.convolve(e.pnl, probs[e.name])
			}
			for i, p := range d.Probability {
				c.dist.add(d.Mean[i], p*w)
			}
		default:
			return fmt.Errorf("%w: %d", ErrUnknownStateEval, int(c.opts.Evaluation))
		}
	}
	if c.opts.Evaluation == AnalyticStates {
		for name, p := range probs {
			c.expDefault[name] = p[len(p)-1]
		}
	}
	c.dist.normalise()
	c.log.Info("credit migration P&L done",
		zap.Float64("expected", c.dist.Expected()), zap.Float64("expectedMarket", c.expMarket))
	return nil
}

func (c *CreditMigrationCalculator) Distribution() *PnlDistribution { return c.dist }

// ExpectedMarketPnl is the path average of the market P&L.
func (c *CreditMigrationCalculator) ExpectedMarketPnl() float64 { return c.expMarket }

// DefaultProbability is the horizon default frequency (simulated) or
// probability (analytic) of a modelled entity.
func (c *CreditMigrationCalculator) DefaultProbability(name string) (float64, error) {
	p, ok := c.expDefault[name]
	if !ok {
		return 0, fmt.Errorf("%w: no migration model for %s", ErrInvalidMigrationRun, name)
	}
	return p, nil
}

// WriteReport writes the non empty buckets of the distribution.
func (c *CreditMigrationCalculator) WriteReport(r report.Report) error {
	if c.dist == nil {
		return ErrEmptyPnlDistribution
	}
	r.AddColumn("Bucket", report.Int, 0).
		AddColumn("Lower", report.Float, 2).
		AddColumn("Upper", report.Float, 2).
		AddColumn("Mean", report.Float, 2).
		AddColumn("Probability", report.Float, 8).
		AddColumn("Cumulative", report.Float, 8)
	cum := 0.0
	for i, p := range c.dist.Probability {
		if p == 0 {
			continue
		}
		cum += p
		r.Next().
			Add(i).
			Add(c.dist.Lower[i]).
			Add(c.dist.Upper[i]).
			Add(c.dist.Mean[i]).
			Add(p).
			Add(cum)
	}
	return r.End()
}
