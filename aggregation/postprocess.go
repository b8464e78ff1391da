package aggregation

import (
	"fmt"

	"github.com/bcdannyboy/xvacube/cube"
	"github.com/bcdannyboy/xvacube/logging"
	"github.com/bcdannyboy/xvacube/market"
	"github.com/bcdannyboy/xvacube/portfolio"
	"github.com/bcdannyboy/xvacube/report"
	"go.uber.org/zap"
)

// PostProcessInputs are the outputs of a simulation run plus the
// aggregation settings.
type PostProcessInputs struct {
	Portfolio *portfolio.Portfolio
	Market    *market.Market
	// Cube is the trade valuation cube, CptyCube the simulated survival of
	// credit entities. CptyCube is only needed for dynamic credit.
	Cube           cube.NPVCube
	CptyCube       cube.NPVCube
	ScenarioData   *cube.AggregationScenarioData
	Interpretation cube.CubeInterpretation
	Collateral     *CollateralBalances

	Exposure ExposureOptions
	Xva      XvaOptions
	DimModel DimModel
	Dim      RegressionDimOptions

	Log *zap.Logger
}

// PostProcess runs exposure, DIM and XVA aggregation over a filled cube.
type PostProcess struct {
	in  PostProcessInputs
	log *zap.Logger

	exposure *ExposureCalculator
	netted   *NettedExposureCalculator
	dim      DynamicInitialMarginCalculator
	xva      *ValueAdjustmentCalculator
}

func NewPostProcess(in PostProcessInputs) (*PostProcess, error) {
	if in.Portfolio == nil || in.Market == nil || in.Cube == nil {
		return nil, fmt.Errorf("%w: portfolio, market and cube are required", ErrMissingScenarioData)
	}
	if in.Xva.ApplyDIM && in.DimModel == DimNone {
		return nil, ErrMissingDimCalculator
	}
	if in.Exposure.BaseCurrency == "" {
		in.Exposure.BaseCurrency = in.Market.BaseCurrency
	}
	if in.Xva.BaseCurrency == "" {
		in.Xva.BaseCurrency = in.Exposure.BaseCurrency
	}
	// per sample exposures feed the dynamic credit increments
	in.Exposure.MultiPath = in.Exposure.MultiPath || in.Xva.CreditModel == DynamicCredit
	return &PostProcess{in: in, log: logging.OrNop(in.Log)}, nil
}

func (p *PostProcess) Run() error {
	in := p.in
	p.log.Info("post processing",
		zap.Int("trades", in.Portfolio.Size()),
		zap.Int("samples", in.Cube.Samples()),
		zap.Stringer("dimModel", in.DimModel),
		zap.Stringer("creditModel", in.Xva.CreditModel))

	var err error
	p.exposure, err = NewExposureCalculator(in.Portfolio, in.Market, in.Cube, in.Interpretation, in.ScenarioData, in.Exposure, in.Log)
	if err != nil {
		return err
	}
	if err := p.exposure.Build(); err != nil {
		return fmt.Errorf("exposure: %w", err)
	}

	switch in.DimModel {
	case DimFlat:
		p.dim, err = NewFlatDynamicInitialMarginCalculator(in.Cube, in.Portfolio.NettingSets(), in.Collateral, in.Log)
	case DimRegression:
		p.dim, err = NewRegressionDynamicInitialMarginCalculator(in.Cube, in.Interpretation, in.ScenarioData,
			p.exposure.NettingSetDefaultValue(), p.exposure.NettingSetCloseOutValue(), p.exposure.NettingSetMporFlow(),
			in.Collateral, in.Dim, in.Log)
	}
	if err != nil {
		return err
	}
	if p.dim != nil {
		if err := p.dim.Build(); err != nil {
			return fmt.Errorf("dynamic initial margin: %w", err)
		}
	}

	p.netted, err = NewNettedExposureCalculator(NettedExposureInputs{
		Portfolio:      in.Portfolio,
		Market:         in.Market,
		Cube:           in.Cube,
		Interpretation: in.Interpretation,
		ScenarioData:   in.ScenarioData,
		DefaultValue:   p.exposure.NettingSetDefaultValue(),
		ValueToday:     p.exposure.NettingSetValueToday(),
		Collateral:     in.Collateral,
		ApplyDIM:       in.Xva.ApplyDIM,
		Dim:            p.dim,
	}, in.Exposure, in.Log)
	if err != nil {
		return err
	}
	if err := p.netted.Build(); err != nil {
		return fmt.Errorf("netted exposure: %w", err)
	}

	p.xva, err = NewValueAdjustmentCalculator(in.Portfolio, in.Market, p.netted.Counterparties(), XvaInputs{
		TradeExposure:      p.exposure.ExposureCube(),
		NettingSetExposure: p.netted.ExposureCube(),
		Dim:                p.dim,
		CptyCube:           in.CptyCube,
		NettingSetColva:    p.netted.Colva(),
	}, in.Xva, in.Log)
	if err != nil {
		return err
	}
	if err := p.xva.Build(); err != nil {
		return fmt.Errorf("xva: %w", err)
	}

	if in.Exposure.Allocation == NoAllocation {
		return nil
	}
	if err := p.netted.Allocate(in.Exposure.Allocation, p.exposure.TradeValueToday(), p.xva.TradeXva); err != nil {
		return fmt.Errorf("exposure allocation: %w", err)
	}
	if err := p.xva.AllocateXva(p.netted.Allocations()); err != nil {
		return fmt.Errorf("allocated xva: %w", err)
	}
	return nil
}

func (p *PostProcess) Exposure() *ExposureCalculator             { return p.exposure }
func (p *PostProcess) NettedExposure() *NettedExposureCalculator { return p.netted }
func (p *PostProcess) Xva() *ValueAdjustmentCalculator           { return p.xva }

// Dim is nil when no DIM model is configured.
func (p *PostProcess) Dim() DynamicInitialMarginCalculator { return p.dim }

// WrongWayRisk correlates netting set exposures at the horizon with the
// given credit factor paths.
func (p *PostProcess) WrongWayRisk(creditFactor map[string][]float64) (map[string]float64, error) {
	return ComputeCorrelationBasedWWR(p.in.Cube, p.in.Portfolio.NettingSetOf(), creditFactor)
}

// writeProfile writes one row per profile date. Allocated columns are
// added when alloc is not nil.
func writeProfile(r report.Report, idColumn, id string, pr *ExposureProfile, alloc *AllocatedExposure) {
	r.AddColumn(idColumn, report.String, 0).
		AddColumn("Date", report.Date, 0).
		AddColumn("Time", report.Float, 6).
		AddColumn("EPE", report.Float, 2).
		AddColumn("ENE", report.Float, 2).
		AddColumn("PFE", report.Float, 2).
		AddColumn("BaselEE", report.Float, 2).
		AddColumn("BaselEEE", report.Float, 2).
		AddColumn("ExpectedCollateral", report.Float, 2)
	if alloc != nil {
		r.AddColumn("AllocatedEPE", report.Float, 2).
			AddColumn("AllocatedENE", report.Float, 2)
	}
	for j, d := range pr.Dates {
		r.Next().
			Add(id).
			Add(d).
			Add(pr.Times[j]).
			Add(pr.EPE[j]).
			Add(pr.ENE[j]).
			Add(pr.PFE[j]).
			Add(pr.EE_B[j]).
			Add(pr.EEE_B[j]).
			Add(pr.ExpectedCollateral[j])
		if alloc != nil {
			r.Add(alloc.EPE[j]).Add(alloc.ENE[j])
		}
	}
}

func (p *PostProcess) ExportTradeExposure(tradeID string, r report.Report) error {
	pr, err := p.exposure.Profile(tradeID)
	if err != nil {
		return err
	}
	writeProfile(r, "TradeId", tradeID, pr, p.netted.Allocations()[tradeID])
	return r.End()
}

func (p *PostProcess) ExportNettingSetExposure(nettingSet string, r report.Report) error {
	pr, err := p.netted.Profile(nettingSet)
	if err != nil {
		return err
	}
	writeProfile(r, "NettingSet", nettingSet, pr, nil)
	return r.End()
}

func (p *PostProcess) ExportXva(r report.Report) error { return p.xva.WriteXvaReport(r) }

func (p *PostProcess) ExportDimEvolution(r report.Report) error {
	if p.dim == nil {
		return ErrMissingDimCalculator
	}
	return p.dim.ExportDimEvolution(r)
}
