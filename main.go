package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"time"

	"github.com/bcdannyboy/xvacube/aggregation"
	"github.com/bcdannyboy/xvacube/config"
	"github.com/bcdannyboy/xvacube/cube"
	"github.com/bcdannyboy/xvacube/engine"
	"github.com/bcdannyboy/xvacube/logging"
	"github.com/bcdannyboy/xvacube/marketrisk"
	"github.com/bcdannyboy/xvacube/metrics"
	"github.com/bcdannyboy/xvacube/models"
	"github.com/bcdannyboy/xvacube/numerics"
	"github.com/bcdannyboy/xvacube/probability"
	"github.com/bcdannyboy/xvacube/report"
	"github.com/bcdannyboy/xvacube/sensitivity"
	"github.com/bcdannyboy/xvacube/simulation"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

func main() {
	configPath := flag.String("config", "", "YAML configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatal(err)
	}
	logger, err := logging.New(cfg.Logging.Level, cfg.Logging.Production)
	if err != nil {
		log.Fatal(err)
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Fatal("run failed", zap.Error(err))
	}
}

func serveMetrics(addr string, reg *prometheus.Registry, logger *zap.Logger) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server", zap.Error(err))
		}
	}()
	logger.Info("serving metrics", zap.String("address", addr))
	return srv
}

func run(ctx context.Context, cfg *config.Config, logger *zap.Logger) error {
	var em *metrics.EngineMetrics
	if cfg.Metrics.Enabled {
		reg := prometheus.NewRegistry()
		reg.MustRegister(collectors.NewGoCollector())
		var err error
		if em, err = metrics.NewEngineMetrics(reg); err != nil {
			return err
		}
		srv := serveMetrics(cfg.Metrics.Address, reg, logger)
		defer srv.Close()
	}

	sim := cfg.Simulation
	st, err := parseSettings(cfg)
	if err != nil {
		return err
	}

	asof := time.Now().UTC().Truncate(24 * time.Hour)
	book, err := newDemoBook(asof, cfg.Xva.BaseCurrency, cfg.Xva.DvaName, st.salvaging)
	if err != nil {
		return err
	}

	mpor := 0
	if sim.CloseOutLag {
		mpor = sim.MporDays
	}
	grid, err := simulation.NewTenorGrid(asof, sim.GridTenor, sim.GridCount, mpor)
	if err != nil {
		return err
	}
	model, err := models.NewCrossAssetModel(book.spec, book.mkt)
	if err != nil {
		return err
	}
	paths, err := simulation.NewPathGenerator(models.NewStateProcess(model, st.discretization), st.generator, sim.Seed, grid.Times(), book.migrations)
	if err != nil {
		return err
	}
	credit := simulation.NewCreditEnvironment(book.mkt, book.migrations)

	interp := cube.CubeInterpretation{
		WithCloseOutLag:  sim.CloseOutLag,
		StoreFlows:       sim.CloseOutLag,
		MporCalendarDays: sim.MporDays,
	}
	npv, err := cube.NewInMemoryCube(asof, book.pf.IDs(), grid.Dates, sim.Samples, interp.RequiredDepth())
	if err != nil {
		return err
	}
	sd, err := cube.NewAggregationScenarioData(len(grid.Dates), sim.Samples, interp.ScenarioDataDepth())
	if err != nil {
		return err
	}
	cptys := []string{"CPTY_A", "CPTY_B", cfg.Xva.DvaName}
	cptyCube, err := cube.NewInMemoryCube(asof, cptys, grid.Dates, sim.Samples, 1)
	if err != nil {
		return err
	}

	calcs := []engine.ValuationCalculator{engine.NewNPVCalculator(cfg.Xva.BaseCurrency)}
	if interp.StoreFlows {
		calcs = append(calcs, engine.NewCashflowCalculator(cfg.Xva.BaseCurrency, grid))
	}
	var stateCube cube.NPVCube
	if cfg.Migration.Enabled {
		states := 2
		for _, m := range book.migrations {
			states = max(states, m.Matrix().States())
		}
		if stateCube, err = cube.NewSinglePrecisionCube(asof, book.pf.IDs(), grid.Dates, sim.Samples, states); err != nil {
			return err
		}
		msc := engine.NewMultiStateNPVCalculator(cfg.Xva.BaseCurrency, states)
		msc.Out = stateCube
		calcs = append(calcs, msc)
	}
	eng := engine.NewValuationEngine(simulation.NewRunContext(book.mkt, logger, em), paths, grid, credit,
		engine.Options{Workers: sim.Workers, Progress: sim.Progress})
	out := engine.Outputs{Cube: npv, ScenarioData: sd, CptyCube: cptyCube}
	if err := eng.BuildCube(ctx, book.pf, out, calcs...); err != nil {
		return err
	}

	pp, err := aggregation.NewPostProcess(aggregation.PostProcessInputs{
		Portfolio:      book.pf,
		Market:         book.mkt,
		Cube:           npv,
		CptyCube:       cptyCube,
		ScenarioData:   sd,
		Interpretation: interp,
		Collateral:     book.collateral,
		Exposure: aggregation.ExposureOptions{
			BaseCurrency:            cfg.Xva.BaseCurrency,
			Quantile:                cfg.Xva.ExposureQuantile,
			Allocation:              st.allocation,
			MarginalAllocationLimit: cfg.Xva.MarginalLimit,
		},
		Xva: aggregation.XvaOptions{
			BaseCurrency:   cfg.Xva.BaseCurrency,
			DvaName:        cfg.Xva.DvaName,
			BorrowingCurve: cfg.Xva.BorrowingCurve,
			LendingCurve:   cfg.Xva.LendingCurve,
			ApplyDIM:       cfg.Xva.ApplyDIM,
			CreditModel:    st.creditModel,
		},
		DimModel: st.dimModel,
		Dim: aggregation.RegressionDimOptions{
			Quantile:            cfg.Xva.DimQuantile,
			HorizonCalendarDays: cfg.Xva.DimHorizonDays,
			RegressionOrder:     cfg.Xva.RegressionOrder,
			Workers:             sim.Workers,
		},
		Log: logger,
	})
	if err != nil {
		return err
	}
	if err := pp.Run(); err != nil {
		return err
	}
	if err := logWrongWayRisk(pp, cptyCube, book, logger); err != nil {
		return err
	}

	w := &reportWriter{dir: cfg.Output.Directory, format: strings.ToLower(cfg.Output.Format), log: logger}
	if err := os.MkdirAll(w.dir, 0o755); err != nil {
		return err
	}
	for _, id := range book.pf.IDs() {
		if err := w.write("exposure_trade_"+id, func(r report.Report) error { return pp.ExportTradeExposure(id, r) }); err != nil {
			return err
		}
	}
	for _, ns := range book.pf.NettingSets() {
		if err := w.write("exposure_nettingset_"+ns, func(r report.Report) error { return pp.ExportNettingSetExposure(ns, r) }); err != nil {
			return err
		}
	}
	if err := w.write("xva", pp.ExportXva); err != nil {
		return err
	}
	if pp.Dim() != nil {
		if err := w.write("dim_evolution", pp.ExportDimEvolution); err != nil {
			return err
		}
	}
	if stateCube != nil {
		cm, err := aggregation.NewCreditMigrationCalculator(aggregation.CreditMigrationInputs{
			Portfolio:      book.pf,
			Cube:           npv,
			StateCube:      stateCube,
			NettedCube:     pp.NettedExposure().NettedCube(),
			Interpretation: interp,
			ScenarioData:   sd,
			Migrations:     book.migrations,
		}, aggregation.MigrationPnlOptions{
			Mode:       st.creditMode,
			Evaluation: st.stateEvaluation,
			Horizon:    migrationHorizon(asof, grid.Dates),
			Buckets:    cfg.Migration.Buckets,
		}, logger)
		if err != nil {
			return err
		}
		if err := cm.Build(); err != nil {
			return fmt.Errorf("credit migration: %w", err)
		}
		if err := w.write("migration_pnl", cm.WriteReport); err != nil {
			return err
		}
	}
	return runMarketRisk(cfg, st, book, npv, credit, w, logger)
}

// runSettings are the enum settings of a run, parsed once.
type runSettings struct {
	generator       probability.GeneratorType
	discretization  models.Discretization
	salvaging       numerics.SalvagingAlgorithm
	creditModel     aggregation.CreditModel
	dimModel        aggregation.DimModel
	allocation      aggregation.AllocationMethod
	creditMode      aggregation.CreditMode
	stateEvaluation aggregation.StateEvaluation
	varMethod       marketrisk.VarMethod
	varSalvaging    numerics.SalvagingAlgorithm
}

func parseSettings(cfg *config.Config) (*runSettings, error) {
	var st runSettings
	var err error
	if st.generator, err = probability.ParseGeneratorType(cfg.Simulation.Generator); err != nil {
		return nil, fmt.Errorf("simulation.generator: %w", err)
	}
	if st.discretization, err = models.ParseDiscretization(cfg.Simulation.Discretization); err != nil {
		return nil, fmt.Errorf("simulation.discretization: %w", err)
	}
	if st.salvaging, err = numerics.ParseSalvagingAlgorithm(cfg.Simulation.Salvaging); err != nil {
		return nil, fmt.Errorf("simulation.salvaging: %w", err)
	}
	if st.creditModel, err = aggregation.ParseCreditModel(cfg.Xva.CreditModel); err != nil {
		return nil, fmt.Errorf("xva.credit_model: %w", err)
	}
	if st.dimModel, err = aggregation.ParseDimModel(cfg.Xva.DimModel); err != nil {
		return nil, fmt.Errorf("xva.dim_model: %w", err)
	}
	if st.allocation, err = aggregation.ParseAllocationMethod(cfg.Xva.AllocationMethod); err != nil {
		return nil, fmt.Errorf("xva.allocation_method: %w", err)
	}
	if st.creditMode, err = aggregation.ParseCreditMode(cfg.Migration.Mode); err != nil {
		return nil, fmt.Errorf("credit_migration.mode: %w", err)
	}
	if st.stateEvaluation, err = aggregation.ParseStateEvaluation(cfg.Migration.Evaluation); err != nil {
		return nil, fmt.Errorf("credit_migration.evaluation: %w", err)
	}
	if st.varMethod, err = marketrisk.ParseVarMethod(cfg.Var.Method); err != nil {
		return nil, fmt.Errorf("var.method: %w", err)
	}
	if st.varSalvaging, err = numerics.ParseSalvagingAlgorithm(cfg.Var.Salvaging); err != nil {
		return nil, fmt.Errorf("var.salvaging: %w", err)
	}
	return &st, nil
}

// migrationHorizon is the last grid date within a year, or the first
// grid date when none is.
func migrationHorizon(asof time.Time, dates []time.Time) time.Time {
	limit := asof.AddDate(1, 0, 0)
	h := dates[0]
	for _, d := range dates {
		if d.After(limit) {
			break
		}
		h = d
	}
	return h
}

// logWrongWayRisk correlates netting set exposure at the horizon with the
// simulated default indicator of its counterparty.
func logWrongWayRisk(pp *aggregation.PostProcess, cptyCube cube.NPVCube, book *demoBook, logger *zap.Logger) error {
	last := len(cptyCube.Dates()) - 1
	factors := make(map[string][]float64)
	for _, t := range book.pf.Trades() {
		if _, ok := factors[t.NettingSetID]; ok {
			continue
		}
		idx, err := cptyCube.Index(t.CounterpartyID)
		if err != nil {
			return err
		}
		f := make([]float64, cptyCube.Samples())
		for k := range f {
			s, err := cptyCube.Get(idx, last, k, 0)
			if err != nil {
				return err
			}
			f[k] = 1 - s
		}
		factors[t.NettingSetID] = f
	}
	wwr, err := pp.WrongWayRisk(factors)
	if err != nil {
		return err
	}
	for ns, rho := range wwr {
		logger.Info("wrong way risk", zap.String("nettingSet", ns), zap.Float64("correlation", rho))
	}
	return nil
}

func runMarketRisk(cfg *config.Config, st *runSettings, book *demoBook, npv cube.NPVCube, credit *simulation.CreditEnvironment,
	w *reportWriter, logger *zap.Logger) error {
	sa, err := sensitivity.NewSensitivityAnalysis(book.pf, book.mkt, credit, book.shifts, book.crossGammas, logger)
	if err != nil {
		return err
	}
	ss, err := sa.Run()
	if err != nil {
		return err
	}
	if err := w.write("sensitivities", func(r report.Report) error { return sensitivity.WriteReport(ss, r) }); err != nil {
		return err
	}

	mr := &marketrisk.MarketRiskReport{
		Portfolios: book.portfolios,
		Covariance: book.covariance,
		Quantiles:  cfg.Var.Quantiles,
		Params: marketrisk.ParametricVarParams{
			Method:    st.varMethod,
			Salvaging: st.varSalvaging,
			MCSamples: cfg.Var.MCSamples,
			Seed:      cfg.Var.Seed,
		},
		Breakdown: cfg.Var.Breakdown,
		Log:       logger,
	}
	ss.Reset()
	if err := w.write("market_risk", func(r report.Report) error { return mr.Calculate(ss, r) }); err != nil {
		return err
	}

	pnl, err := firstStepPnL(npv)
	if err != nil {
		return err
	}
	hist, err := marketrisk.NewHistoricalSimulationVarCalculator(pnl)
	if err != nil {
		return err
	}
	vr := marketrisk.VarReport{
		Portfolios: map[string]marketrisk.VarCalculator{"simulated": hist},
		Quantiles:  cfg.Var.Quantiles,
	}
	return w.write("simulated_var", vr.Write)
}

// firstStepPnL is the deflated portfolio value change from today to the
// first grid date on every path.
func firstStepPnL(npv cube.NPVCube) ([]float64, error) {
	pnl := make([]float64, npv.Samples())
	for i := 0; i < npv.NumIDs(); i++ {
		t0, err := npv.GetT0(i, cube.DefaultNpvDepth)
		if err != nil {
			return nil, err
		}
		for k := range pnl {
			v, err := npv.Get(i, 0, k, cube.DefaultNpvDepth)
			if err != nil {
				return nil, err
			}
			pnl[k] += v - t0
		}
	}
	return pnl, nil
}

type reportWriter struct {
	dir    string
	format string
	log    *zap.Logger
}

func (w *reportWriter) write(name string, fill func(report.Report) error) error {
	path := filepath.Join(w.dir, name+"."+w.format)
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	var r report.Report
	if w.format == "json" {
		r = report.NewJSONReport(f, true)
	} else {
		r = report.NewCSVReport(f)
	}
	if err := fill(r); err != nil {
		f.Close()
		return fmt.Errorf("report %s: %w", name, err)
	}
	if err := f.Close(); err != nil {
		return err
	}
	w.log.Info("report written", zap.String("path", path))
	return nil
}
