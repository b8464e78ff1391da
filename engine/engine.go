package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"runtime"
	"time"

	"github.com/bcdannyboy/xvacube/cube"
	"github.com/bcdannyboy/xvacube/models"
	"github.com/bcdannyboy/xvacube/portfolio"
	"github.com/bcdannyboy/xvacube/simulation"
	"github.com/shirou/gopsutil/cpu"
	mpb "github.com/vbauerster/mpb/v7"
	"github.com/vbauerster/mpb/v7/decor"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

var ErrCubeLayout = errors.New("output cube does not match the simulation")

type Options struct {
	// Workers is the number of goroutines sharing the samples; zero uses
	// the logical CPU count.
	Workers  int
	Progress bool
	// ProgressOutput defaults to stderr.
	ProgressOutput io.Writer
}

// Outputs are the stores filled by BuildCube. Only Cube is required.
type Outputs struct {
	Cube         cube.NPVCube
	NettingCube  cube.NPVCube
	ScenarioData *cube.AggregationScenarioData
	// CptyCube is keyed by credit entity and holds the survival weight of
	// each entity at depth 0: the default indicator complement for names
	// with a migration model, the curve survival probability otherwise.
	CptyCube cube.NPVCube
}

// ValuationEngine fills NPV cubes by simulating paths and valuing every trade
// on every grid date of every path.
type ValuationEngine struct {
	run    *simulation.RunContext
	paths  *simulation.PathGenerator
	grid   *simulation.DateGrid
	credit *simulation.CreditEnvironment
	opts   Options
}

func NewValuationEngine(run *simulation.RunContext, paths *simulation.PathGenerator, grid *simulation.DateGrid,
	credit *simulation.CreditEnvironment, opts Options) *ValuationEngine {
	if credit == nil {
		credit = simulation.NewCreditEnvironment(run.Market, nil)
	}
	return &ValuationEngine{run: run, paths: paths, grid: grid, credit: credit, opts: opts}
}

func defaultWorkers() int {
	n, err := cpu.Counts(true)
	if err != nil || n <= 0 {
		return runtime.NumCPU()
	}
	return n
}

type tradeSlot struct {
	trade *portfolio.Trade
	idx   int
}

func (e *ValuationEngine) checkLayout(pf *portfolio.Portfolio, out Outputs) ([]tradeSlot, error) {
	if out.Cube == nil {
		return nil, fmt.Errorf("%w: no output cube", ErrCubeLayout)
	}
	for _, c := range []cube.NPVCube{out.Cube, out.NettingCube, out.CptyCube} {
		if c == nil {
			continue
		}
		if len(c.Dates()) != len(e.grid.Dates) {
			return nil, fmt.Errorf("%w: cube has %d dates, grid has %d", ErrCubeLayout, len(c.Dates()), len(e.grid.Dates))
		}
		if c.Samples() != out.Cube.Samples() {
			return nil, fmt.Errorf("%w: cube sample counts differ", ErrCubeLayout)
		}
	}
	if sd := out.ScenarioData; sd != nil && (sd.DimDates() != len(e.grid.Dates) || sd.DimSamples() != out.Cube.Samples()) {
		return nil, fmt.Errorf("%w: scenario data is %dx%d", ErrCubeLayout, sd.DimDates(), sd.DimSamples())
	}
	slots := make([]tradeSlot, 0, pf.Size())
	for _, t := range pf.Trades() {
		i, err := out.Cube.Index(t.ID)
		if err != nil {
			return nil, err
		}
		slots = append(slots, tradeSlot{trade: t, idx: i})
	}
	return slots, nil
}

func (e *ValuationEngine) model() *models.CrossAssetModel { return e.paths.Process().Model() }

func (e *ValuationEngine) registerScenarioData(sd *cube.AggregationScenarioData, cptys []string) {
	if sd == nil {
		return
	}
	spec := e.model().Spec()
	sd.Register(cube.Numeraire, "")
	for _, fx := range spec.FX {
		sd.Register(cube.FXSpot, fx.Currency)
	}
	for _, inf := range spec.INF {
		sd.Register(cube.IndexFixing, inf.Name)
	}
	for _, eq := range spec.EQ {
		sd.Register(cube.IndexFixing, eq.Name)
	}
	for _, cr := range spec.CR {
		sd.Register(cube.CreditState, cr.Name)
	}
	for _, c := range cptys {
		sd.Register(cube.SurvivalWeight, c)
	}
}

// BuildCube values the T0 slice on the static market, then simulates the
// samples in contiguous blocks, one block per worker.
func (e *ValuationEngine) BuildCube(ctx context.Context, pf *portfolio.Portfolio, out Outputs, calcs ...ValuationCalculator) error {
	slots, err := e.checkLayout(pf, out)
	if err != nil {
		return err
	}
	var cptys []string
	if out.CptyCube != nil {
		cptys = out.CptyCube.IDs()
	}
	e.registerScenarioData(out.ScenarioData, cptys)

	log := e.run.Logger
	samples := out.Cube.Samples()
	workers := e.opts.Workers
	if workers <= 0 {
		workers = defaultWorkers()
	}
	if workers > samples {
		workers = samples
	}
	log.Info("building npv cube",
		zap.Int("trades", len(slots)),
		zap.Int("dates", len(e.grid.Dates)),
		zap.Int("samples", samples),
		zap.Int("workers", workers),
		zap.Bool("closeOutLag", e.grid.WithCloseOutLag()))
	start := time.Now()

	t0 := simulation.NewStaticMarketState(e.run.Market, e.credit)
	for _, s := range slots {
		for _, c := range calcs {
			if err := c.CalculateT0(s.trade, s.idx, t0, out.Cube, out.NettingCube); err != nil {
				e.run.Metrics.ValuationFailed()
				return fmt.Errorf("t0 valuation: %w", err)
			}
		}
	}
	if err := e.fillCptyT0(out.CptyCube); err != nil {
		return err
	}

	var (
		progress *mpb.Progress
		bar      *mpb.Bar
	)
	if e.opts.Progress {
		w := e.opts.ProgressOutput
		if w == nil {
			w = os.Stderr
		}
		progress = mpb.New(mpb.WithWidth(64), mpb.WithOutput(w))
		bar = progress.AddBar(int64(samples),
			mpb.PrependDecorators(
				decor.Name("Samples"),
				decor.Percentage(decor.WCSyncSpace),
			),
			mpb.AppendDecorators(
				decor.CountersNoUnit("(%d / %d)", decor.WCSyncSpace),
			),
		)
	}

	g, gctx := errgroup.WithContext(ctx)
	block := (samples + workers - 1) / workers
	for w := 0; w < workers; w++ {
		from, to := w*block, (w+1)*block
		if to > samples {
			to = samples
		}
		if from >= to {
			continue
		}
		g.Go(func() error {
			for sample := from; sample < to; sample++ {
				if err := gctx.Err(); err != nil {
					return err
				}
				if err := e.simulateSample(slots, out, calcs, cptys, sample); err != nil {
					e.run.Metrics.ValuationFailed()
					return err
				}
				e.run.Metrics.SampleDone()
				if bar != nil {
					bar.Increment()
				}
			}
			return nil
		})
	}
	err = g.Wait()
	if progress != nil {
		if err != nil {
			bar.Abort(false)
		}
		progress.Wait()
	}
	if err != nil {
		return err
	}
	log.Info("npv cube built", zap.Duration("elapsed", time.Since(start)))
	return nil
}

func (e *ValuationEngine) fillCptyT0(c cube.NPVCube) error {
	if c == nil {
		return nil
	}
	for i := range c.IDs() {
		if err := c.SetT0(1, i, 0); err != nil {
			return err
		}
	}
	return nil
}

func (e *ValuationEngine) simulateSample(slots []tradeSlot, out Outputs, calcs []ValuationCalculator, cptys []string, sample int) error {
	begin := time.Now()
	path, err := e.paths.Path(sample)
	if err != nil {
		return err
	}
	e.run.Metrics.ObservePath(time.Since(begin).Seconds())
	model := e.model()

	cells := 0
	for d, date := range e.grid.Dates {
		ti := e.grid.ValuationTimeIndex(d) + 1
		state := simulation.NewSimMarketState(model, e.credit, date, path.State(ti), path.Ratings[ti])
		for _, s := range slots {
			for _, c := range calcs {
				if err := c.Calculate(s.trade, s.idx, state, out.Cube, out.NettingCube, d, sample, false); err != nil {
					return fmt.Errorf("date %s sample %d: %w", date.Format(time.DateOnly), sample, err)
				}
				cells++
			}
		}
		if err := e.recordScenario(out.ScenarioData, state, d, sample, false); err != nil {
			return err
		}
		if err := e.recordCredit(out, state, cptys, d, sample); err != nil {
			return err
		}

		if !e.grid.WithCloseOutLag() {
			continue
		}
		ci := e.grid.CloseOutTimeIndex(d) + 1
		closeOut := simulation.NewSimMarketState(model, e.credit, e.grid.CloseOutDates[d], path.State(ci), path.Ratings[ci])
		for _, s := range slots {
			for _, c := range calcs {
				if err := c.Calculate(s.trade, s.idx, closeOut, out.Cube, out.NettingCube, d, sample, true); err != nil {
					return fmt.Errorf("close-out %s sample %d: %w", e.grid.CloseOutDates[d].Format(time.DateOnly), sample, err)
				}
				cells++
			}
		}
		if err := e.recordScenario(out.ScenarioData, closeOut, d, sample, true); err != nil {
			return err
		}
	}
	e.run.Metrics.CellsWritten(cells)
	return nil
}

func (e *ValuationEngine) recordScenario(sd *cube.AggregationScenarioData, s *simulation.SimMarketState, d, sample int, closeOut bool) error {
	if sd == nil {
		return nil
	}
	set := sd.Set
	if closeOut {
		set = sd.SetCloseOut
	}
	if err := set(s.Numeraire(), d, sample, cube.Numeraire, ""); err != nil {
		return err
	}
	spec := e.model().Spec()
	for _, fx := range spec.FX {
		v, err := s.FxSpot(fx.Currency)
		if err != nil {
			return err
		}
		if err := set(v, d, sample, cube.FXSpot, fx.Currency); err != nil {
			return err
		}
	}
	if closeOut {
		return nil
	}
	for _, inf := range spec.INF {
		v, err := s.InflationIndex(inf.Name)
		if err != nil {
			return err
		}
		if err := set(v, d, sample, cube.IndexFixing, inf.Name); err != nil {
			return err
		}
	}
	for _, eq := range spec.EQ {
		v, err := s.EquitySpot(eq.Name)
		if err != nil {
			return err
		}
		if err := set(v, d, sample, cube.IndexFixing, eq.Name); err != nil {
			return err
		}
	}
	for _, cr := range spec.CR {
		st, err := s.CreditState(cr.Name)
		if err != nil {
			return err
		}
		if err := set(float64(st), d, sample, cube.CreditState, cr.Name); err != nil {
			return err
		}
	}
	return nil
}

func (e *ValuationEngine) survivalWeight(s *simulation.SimMarketState, name string) (float64, error) {
	if _, ok := e.credit.Migrations()[name]; ok {
		st, err := s.CreditState(name)
		if err != nil {
			return 0, err
		}
		if st == e.credit.DefaultState(name) {
			return 0, nil
		}
		return 1, nil
	}
	pd, err := e.credit.DefaultProbability(name, 0, 0, s.Time())
	if err != nil {
		return 0, err
	}
	return 1 - pd, nil
}

func (e *ValuationEngine) recordCredit(out Outputs, s *simulation.SimMarketState, cptys []string, d, sample int) error {
	for i, name := range cptys {
		sp, err := e.survivalWeight(s, name)
		if err != nil {
			return err
		}
		if err := out.CptyCube.Set(sp, i, d, sample, 0); err != nil {
			return err
		}
		if out.ScenarioData != nil {
			if err := out.ScenarioData.Set(sp, d, sample, cube.SurvivalWeight, name); err != nil {
				return err
			}
		}
	}
	return nil
}
