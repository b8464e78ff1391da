package aggregation

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/bcdannyboy/xvacube/cube"
	"github.com/bcdannyboy/xvacube/logging"
	"github.com/bcdannyboy/xvacube/market"
	"github.com/bcdannyboy/xvacube/report"
	"go.uber.org/zap"
)

var (
	ErrMissingDimCalculator = errors.New("dynamic initial margin requested without a DIM calculator")
	ErrUnknownDimModel      = errors.New("unknown DIM model")
)

// DynamicInitialMarginCalculator projects initial margin per netting set,
// date and sample. Results are available after Build.
type DynamicInitialMarginCalculator interface {
	Build() error
	NettingSets() []string
	// DimResults is the expected DIM per simulation date.
	DimResults(nettingSet string) ([]float64, error)
	// DynamicIM is the DIM by [date][sample].
	DynamicIM(nettingSet string) ([][]float64, error)
	ExpectedIM(nettingSet string) (map[time.Time]float64, error)
	CurrentIM(nettingSet string) float64
	DimCube() cube.NPVCube
	ExportDimEvolution(r report.Report) error
}

type DimModel int

const (
	DimNone DimModel = iota
	DimFlat
	DimRegression
)

func (m DimModel) String() string {
	switch m {
	case DimNone:
		return "None"
	case DimFlat:
		return "Flat"
	case DimRegression:
		return "Regression"
	}
	return fmt.Sprintf("DimModel(%d)", int(m))
}

func ParseDimModel(s string) (DimModel, error) {
	switch strings.ToLower(s) {
	case "", "none":
		return DimNone, nil
	case "flat":
		return DimFlat, nil
	case "regression":
		return DimRegression, nil
	}
	return 0, fmt.Errorf("%w: %q", ErrUnknownDimModel, s)
}

// dimBase holds the result tables shared by the DIM calculators. Entries
// for every netting set are allocated before the per netting set work
// starts, so concurrent builders only write into their own slices.
type dimBase struct {
	asof        time.Time
	dates       []time.Time
	samples     int
	nettingSets []string
	collateral  *CollateralBalances
	log         *zap.Logger

	expected map[string][]float64
	dim      map[string][][]float64
	dimCube  *cube.InMemoryCube
}

func newDimBase(npv cube.NPVCube, nettingSets []string, collateral *CollateralBalances, log *zap.Logger) (*dimBase, error) {
	dc, err := cube.NewInMemoryCube(npv.Asof(), nettingSets, npv.Dates(), npv.Samples(), 1)
	if err != nil {
		return nil, err
	}
	return &dimBase{
		asof:        npv.Asof(),
		dates:       npv.Dates(),
		samples:     npv.Samples(),
		nettingSets: append([]string(nil), nettingSets...),
		collateral:  collateral,
		log:         logging.OrNop(log),
		dimCube:     dc,
	}, nil
}

func (b *dimBase) allocate() {
	b.expected = make(map[string][]float64, len(b.nettingSets))
	b.dim = make(map[string][][]float64, len(b.nettingSets))
	for _, ns := range b.nettingSets {
		b.expected[ns] = make([]float64, len(b.dates))
		rows := make([][]float64, len(b.dates))
		for j := range rows {
			rows[j] = make([]float64, b.samples)
		}
		b.dim[ns] = rows
	}
}

func (b *dimBase) NettingSets() []string  { return b.nettingSets }
func (b *dimBase) DimCube() cube.NPVCube { return b.dimCube }

func (b *dimBase) DimResults(nettingSet string) ([]float64, error) {
	v, ok := b.expected[nettingSet]
	if !ok {
		return nil, fmt.Errorf("%w: %s in DIM results", ErrNettingSetNotFound, nettingSet)
	}
	return v, nil
}

func (b *dimBase) DynamicIM(nettingSet string) ([][]float64, error) {
	v, ok := b.dim[nettingSet]
	if !ok {
		return nil, fmt.Errorf("%w: %s in DIM results", ErrNettingSetNotFound, nettingSet)
	}
	return v, nil
}

func (b *dimBase) ExpectedIM(nettingSet string) (map[time.Time]float64, error) {
	v, err := b.DimResults(nettingSet)
	if err != nil {
		return nil, err
	}
	out := make(map[time.Time]float64, len(v))
	for j, d := range b.dates {
		out[d] = v[j]
	}
	return out, nil
}

// CurrentIM is the initial margin balance today, zero when unknown.
func (b *dimBase) CurrentIM(nettingSet string) float64 {
	bal, ok := b.collateral.Get(nettingSet)
	if !ok {
		return 0
	}
	return bal.InitialMargin
}

// setDim records one DIM value in the tables and the cube.
func (b *dimBase) setDim(nsIdx int, ns string, j, k int, v float64) error {
	b.dim[ns][j][k] = v
	b.expected[ns][j] += v / float64(b.samples)
	return b.dimCube.Set(v, nsIdx, j, k, 0)
}

// FlatDynamicInitialMarginCalculator extrapolates today's initial margin
// flat across all dates and samples.
type FlatDynamicInitialMarginCalculator struct {
	*dimBase
}

func NewFlatDynamicInitialMarginCalculator(npv cube.NPVCube, nettingSets []string, collateral *CollateralBalances,
	log *zap.Logger) (*FlatDynamicInitialMarginCalculator, error) {
	b, err := newDimBase(npv, nettingSets, collateral, log)
	if err != nil {
		return nil, err
	}
	return &FlatDynamicInitialMarginCalculator{dimBase: b}, nil
}

func (c *FlatDynamicInitialMarginCalculator) Build() error {
	c.log.Info("DIM by flat extrapolation of the current initial margin", zap.Int("nettingSets", len(c.nettingSets)))
	c.log.Warn("flat DIM is sample independent, MVA and margin reduced exposures see no DIM dynamics")
	c.allocate()
	for n, ns := range c.nettingSets {
		im := 0.0
		if bal, ok := c.collateral.Get(ns); ok {
			im = bal.InitialMargin
		} else {
			c.log.Warn("no collateral balance, current IM set to zero", zap.String("nettingSet", ns))
		}
		for j := range c.dates {
			for k := 0; k < c.samples; k++ {
				if err := c.setDim(n, ns, j, k, im); err != nil {
					return err
				}
			}
			// avoid rounding drift in the sample average
			c.expected[ns][j] = im
		}
	}
	return nil
}

func (c *FlatDynamicInitialMarginCalculator) ExportDimEvolution(r report.Report) error {
	r.AddColumn("TimeStep", report.Int, 0).
		AddColumn("Date", report.Date, 0).
		AddColumn("Time", report.Float, 6).
		AddColumn("NettingSet", report.String, 0).
		AddColumn("AverageDIM", report.Float, 6)
	for _, ns := range c.nettingSets {
		exp, err := c.DimResults(ns)
		if err != nil {
			return err
		}
		for j, d := range c.dates {
			r.Next().
				Add(j).
				Add(d).
				Add(market.YearFraction(c.asof, d)).
				Add(ns).
				Add(exp[j])
		}
	}
	return r.End()
}
