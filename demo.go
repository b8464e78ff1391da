package main

import (
	"fmt"
	"time"

	"github.com/bcdannyboy/xvacube/aggregation"
	"github.com/bcdannyboy/xvacube/market"
	"github.com/bcdannyboy/xvacube/models"
	"github.com/bcdannyboy/xvacube/numerics"
	"github.com/bcdannyboy/xvacube/portfolio"
	"github.com/bcdannyboy/xvacube/sensitivity"
)

const (
	equityName    = "SX5E"
	inflationName = "EUHICPXT"
)

// demoBook is the sample EUR/USD book the runner simulates: two
// counterparties, one of them on a rating migration model, with a variation
// margin agreement on the first netting set and initial margin posted on
// the second.
type demoBook struct {
	mkt        *market.Market
	spec       models.ModelSpec
	migrations map[string]*models.MigrationModel
	pf         *portfolio.Portfolio
	collateral *aggregation.CollateralBalances

	shifts      []sensitivity.Shift
	crossGammas [][2]sensitivity.RiskFactorKey
	covariance  map[sensitivity.CrossPair]float64
	portfolios  map[string][]string
}

func foreignCurrency(base string) (string, error) {
	switch base {
	case "EUR":
		return "USD", nil
	case "USD":
		return "EUR", nil
	}
	return "", fmt.Errorf("sample book supports EUR or USD base currency, got %s", base)
}

func newDemoMarket(asof time.Time, base, foreign, dvaName string) *market.Market {
	rates := map[string]float64{"EUR": 0.025, "USD": 0.04}
	mkt := market.NewMarket(asof, base)
	mkt.SetDiscountCurve(base, market.FlatYieldCurve{Rate: rates[base]})
	mkt.SetDiscountCurve(foreign, market.FlatYieldCurve{Rate: rates[foreign]})
	if base == "EUR" {
		mkt.SetFxSpot("USD", 0.92)
	} else {
		mkt.SetFxSpot("EUR", 1.087)
	}

	mkt.SetYieldCurve("BORROW", market.FlatYieldCurve{Rate: rates[base] + 0.012})
	mkt.SetYieldCurve("LEND", market.FlatYieldCurve{Rate: rates[base] + 0.004})

	for name, hazard := range map[string]float64{"CPTY_A": 0.02, "CPTY_B": 0.035, dvaName: 0.008} {
		mkt.SetDefaultCurve(name, market.FlatHazardCurve{Hazard: hazard})
		mkt.SetRecoveryRate(name, 0.4)
	}

	mkt.SetEquitySpot(equityName, 4800)
	mkt.SetDividendYield(equityName, 0.03)
	mkt.SetEquityVol(equityName, market.FlatVolatility(0.2))
	mkt.SetCPI(inflationName, 121.5)
	return mkt
}

func newDemoBook(asof time.Time, base, dvaName string, salvaging numerics.SalvagingAlgorithm) (*demoBook, error) {
	foreign, err := foreignCurrency(base)
	if err != nil {
		return nil, err
	}
	mkt := newDemoMarket(asof, base, foreign, dvaName)

	irBase := models.Factor{Type: models.IR, Name: base}
	irForeign := models.Factor{Type: models.IR, Name: foreign}
	fx := models.Factor{Type: models.FX, Name: foreign}
	eq := models.Factor{Type: models.EQ, Name: equityName}
	spec := models.ModelSpec{
		IR: []models.LGMParametrization{
			{Currency: base, Alpha: models.Constant(0.01), Kappa: 0.03},
			{Currency: foreign, Alpha: models.Constant(0.012), Kappa: 0.02},
		},
		FX:  []models.FXParametrization{{Currency: foreign, Sigma: models.Constant(0.1)}},
		INF: []models.InflationDKParametrization{{Name: inflationName, Currency: "EUR", Alpha: models.Constant(0.005), Kappa: 0.01}},
		EQ:  []models.EquityParametrization{{Name: equityName, Currency: "EUR", Sigma: models.Constant(0.2)}},
		CR:  []models.CreditStateParametrization{{Name: "CPTY_A"}},
		Correlations: []models.Correlation{
			{A: irBase, B: irForeign, Rho: 0.6},
			{A: irBase, B: fx, Rho: -0.2},
			{A: irForeign, B: fx, Rho: 0.1},
			{A: irBase, B: eq, Rho: 0.15},
		},
		Salvaging: salvaging,
	}

	// three ratings plus default, one year horizon
	tm, err := models.NewTransitionMatrix([][]float64{
		{0.90, 0.08, 0.015, 0.005},
		{0.05, 0.85, 0.08, 0.02},
		{0.01, 0.09, 0.80, 0.10},
		{0, 0, 0, 1},
	})
	if err != nil {
		return nil, err
	}
	mm, err := models.NewMigrationModel("CPTY_A", 1, tm)
	if err != nil {
		return nil, err
	}

	pf, err := newDemoPortfolio(asof, base, foreign)
	if err != nil {
		return nil, err
	}
	collateral := aggregation.NewCollateralBalances()
	collateral.Add("NS_A", aggregation.CollateralBalance{Currency: base, CSA: &aggregation.CSA{
		ThresholdRcv:        1e5,
		ThresholdPay:        1e5,
		MtaRcv:              1e4,
		MtaPay:              1e4,
		MarginLagDays:       2,
		CollateralSpreadRcv: 0.001,
		CollateralSpreadPay: 0.0005,
	}})
	collateral.Add("NS_B", aggregation.CollateralBalance{Currency: base, InitialMargin: 50000, VariationMargin: 0})

	b := &demoBook{
		mkt:        mkt,
		spec:       spec,
		migrations: map[string]*models.MigrationModel{"CPTY_A": mm},
		pf:         pf,
		collateral: collateral,
		portfolios: map[string][]string{
			"rates":  {"SWAP_PAY", "SWAP_REC"},
			"fx":     {"FXFWD"},
			"equity": {"EQ_CALL"},
		},
	}
	b.shifts = append(sensitivity.DefaultShifts(mkt),
		sensitivity.Shift{Key: sensitivity.RiskFactorKey{Type: sensitivity.EquitySpot, Name: equityName}, Description: "spot", Size: 0.01})
	fxKey := sensitivity.RiskFactorKey{Type: sensitivity.FXSpot, Name: foreign + base}
	b.crossGammas = [][2]sensitivity.RiskFactorKey{
		{{Type: sensitivity.DiscountCurve, Name: base}, fxKey},
	}
	b.covariance = demoCovariance(b.shifts)
	return b, nil
}

func newDemoPortfolio(asof time.Time, base, foreign string) (*portfolio.Portfolio, error) {
	start := asof.AddDate(0, 0, 2)
	pay, err := portfolio.NewInterestRateSwap(base, 1e7, 0.027, 0, true, start, start.AddDate(5, 0, 0), 12, 6)
	if err != nil {
		return nil, err
	}
	rec, err := portfolio.NewInterestRateSwap(foreign, 5e6, 0.038, 0.001, false, start, start.AddDate(3, 0, 0), 6, 3)
	if err != nil {
		return nil, err
	}
	trades := []struct {
		id, ns, cpty string
		inst         portfolio.Instrument
	}{
		{"SWAP_PAY", "NS_A", "CPTY_A", pay},
		{"SWAP_REC", "NS_B", "CPTY_B", rec},
		{"FXFWD", "NS_A", "CPTY_A", &portfolio.FxForward{
			BoughtCurrency: foreign,
			BoughtAmount:   1e6,
			SoldCurrency:   base,
			SoldAmount:     9.1e5,
			Settlement:     asof.AddDate(1, 0, 0),
		}},
		{"EQ_CALL", "NS_B", "CPTY_B", &portfolio.EquityOption{
			Name: equityName, Ccy: "EUR", Strike: 5000, Expiry: asof.AddDate(2, 0, 0), Call: true, Quantity: 100,
		}},
		{"BOND_B", "NS_B", "CPTY_B", &portfolio.DefaultableZeroBond{
			Issuer: "CPTY_A", Ccy: base, Notional: 1e6, Recovery: 0.4, Expiry: asof.AddDate(4, 0, 0),
		}},
	}
	pf := portfolio.NewPortfolio()
	for _, t := range trades {
		trade, err := portfolio.NewTrade(t.id, t.ns, t.cpty, 1, t.inst)
		if err != nil {
			return nil, err
		}
		if err := pf.Add(trade); err != nil {
			return nil, err
		}
	}
	return pf, nil
}

// demoCovariance gives ten day factor moves in units of each shift: about
// ten basis points on rates, two percent on FX and four on equity, with
// rate curves correlated at 0.5.
func demoCovariance(shifts []sensitivity.Shift) map[sensitivity.CrossPair]float64 {
	sd := func(k sensitivity.RiskFactorKey) float64 {
		switch k.Type {
		case sensitivity.DiscountCurve:
			return 10
		case sensitivity.FXSpot:
			return 2
		case sensitivity.EquitySpot:
			return 4
		}
		return 0
	}
	out := make(map[sensitivity.CrossPair]float64)
	for i, a := range shifts {
		for _, b := range shifts[i:] {
			rho := 0.0
			switch {
			case a.Key == b.Key:
				rho = 1
			case a.Key.Type == sensitivity.DiscountCurve && b.Key.Type == sensitivity.DiscountCurve:
				rho = 0.5
			}
			if rho != 0 {
				out[sensitivity.NewCrossPair(a.Key, b.Key)] = rho * sd(a.Key) * sd(b.Key)
			}
		}
	}
	return out
}
