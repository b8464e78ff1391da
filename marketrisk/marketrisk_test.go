package marketrisk

import (
	"math"
	"testing"

	"github.com/bcdannyboy/xvacube/numerics"
	"github.com/bcdannyboy/xvacube/report"
	"github.com/bcdannyboy/xvacube/sensitivity"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat/distuv"
)

func TestHistoricalVar(t *testing.T) {
	pnl := make([]float64, 100)
	for i := range pnl {
		// reversed so the calculator has to sort
		pnl[i] = float64(49 - i)
	}
	c, err := NewHistoricalSimulationVarCalculator(pnl)
	require.NoError(t, err)

	v, err := c.Var(0.975)
	require.NoError(t, err)
	assert.InDelta(t, 48, v, 1e-12)

	es, err := c.ExpectedShortfall(0.975)
	require.NoError(t, err)
	assert.InDelta(t, 49, es, 1e-12)
	assert.Equal(t, float64(49), pnl[0])

	_, err = c.Var(1)
	assert.ErrorIs(t, err, ErrInvalidConfidence)
	_, err = NewHistoricalSimulationVarCalculator(nil)
	assert.ErrorIs(t, err, ErrNoPnL)
}

func twoFactorCovariance() *mat.SymDense {
	s1, s2, rho := 0.01, 0.02, 0.3
	return mat.NewSymDense(2, []float64{
		s1 * s1, rho * s1 * s2,
		rho * s1 * s2, s2 * s2,
	})
}

func TestDeltaVarClosedForm(t *testing.T) {
	delta := []float64{1000, -500}
	cov := twoFactorCovariance()
	sd := math.Sqrt(1000*1000*cov.At(0, 0) + 500*500*cov.At(1, 1) - 2*1000*500*cov.At(0, 1))

	for _, method := range []VarMethod{Delta, DeltaGammaNormal, CornishFisher} {
		c, err := NewParametricVarCalculator(delta, nil, cov, ParametricVarParams{Method: method}, nil)
		require.NoError(t, err)
		for _, p := range []float64{0.95, 0.99} {
			v, err := c.Var(p)
			require.NoError(t, err)
			assert.InDelta(t, sd*distuv.UnitNormal.Quantile(p), v, 1e-9, "%v at %g", method, p)
		}
	}

	mc, err := NewParametricVarCalculator(delta, nil, cov,
		ParametricVarParams{Method: MonteCarlo, MCSamples: 50000, Seed: 42}, nil)
	require.NoError(t, err)
	v, err := mc.Var(0.99)
	require.NoError(t, err)
	assert.InEpsilon(t, sd*distuv.UnitNormal.Quantile(0.99), v, 0.05)
}

func TestDeltaGammaVarOnChiSquare(t *testing.T) {
	// P&L ½·g·σ²·z² is a scaled chi-square with one degree of freedom
	sigma, g := 0.1, 200.0
	cov := mat.NewSymDense(1, []float64{sigma * sigma})
	gamma := mat.NewSymDense(1, []float64{g})
	scale := 0.5 * g * sigma * sigma
	exact := scale * distuv.ChiSquared{K: 1}.Quantile(0.99)

	run := func(p ParametricVarParams) float64 {
		c, err := NewParametricVarCalculator([]float64{0}, gamma, cov, p, nil)
		require.NoError(t, err)
		v, err := c.Var(0.99)
		require.NoError(t, err)
		return v
	}

	dgn := run(ParametricVarParams{Method: DeltaGammaNormal})
	assert.InDelta(t, scale*(1+math.Sqrt2*distuv.UnitNormal.Quantile(0.99)), dgn, 1e-9)

	cf := run(ParametricVarParams{Method: CornishFisher})
	assert.InEpsilon(t, exact, cf, 0.06)
	assert.Less(t, math.Abs(cf-exact), math.Abs(dgn-exact))

	mc := run(ParametricVarParams{Method: MonteCarlo, MCSamples: 50000, Seed: 7})
	assert.InEpsilon(t, exact, mc, 0.05)
	assert.Equal(t, mc, run(ParametricVarParams{Method: MonteCarlo, MCSamples: 50000, Seed: 7}))
}

func TestParametricVarInputs(t *testing.T) {
	indefinite := mat.NewSymDense(2, []float64{1, 2, 2, 1})

	_, err := NewParametricVarCalculator([]float64{1, 1}, nil, indefinite, ParametricVarParams{Method: Delta}, nil)
	assert.ErrorIs(t, err, numerics.ErrNotPositiveSemiDefinite)

	c, err := NewParametricVarCalculator([]float64{1, 1}, nil, indefinite,
		ParametricVarParams{Method: Delta, Salvaging: numerics.SalvagingSpectral}, nil)
	require.NoError(t, err)
	v, err := c.Var(0.99)
	require.NoError(t, err)
	assert.False(t, math.IsNaN(v))

	_, err = NewParametricVarCalculator([]float64{1}, nil, indefinite, ParametricVarParams{}, nil)
	assert.ErrorIs(t, err, ErrDimension)
	_, err = NewParametricVarCalculator([]float64{1}, nil, mat.NewSymDense(1, []float64{1}),
		ParametricVarParams{Method: MonteCarlo}, nil)
	assert.ErrorIs(t, err, ErrNoMCSamples)

	empty, err := NewParametricVarCalculator(nil, nil, nil, ParametricVarParams{}, nil)
	require.NoError(t, err)
	v, err = empty.Var(0.99)
	require.NoError(t, err)
	assert.Zero(t, v)

	m, err := ParseVarMethod("Cornish-Fisher")
	require.NoError(t, err)
	assert.Equal(t, CornishFisher, m)
	_, err = ParseVarMethod("Saddlepoint")
	assert.ErrorIs(t, err, ErrUnknownVarMethod)
}

func TestRiskFilter(t *testing.T) {
	ir := sensitivity.RiskFactorKey{Type: sensitivity.DiscountCurve, Name: "EUR"}
	fxVol := sensitivity.RiskFactorKey{Type: sensitivity.FXVolatility, Name: "EURUSD"}

	assert.True(t, RiskFilter{}.Allow(ir))
	assert.True(t, RiskFilter{Class: InterestRate, Type: DeltaGamma}.Allow(ir))
	assert.False(t, RiskFilter{Class: FX}.Allow(ir))
	assert.True(t, RiskFilter{Type: Vega}.Allow(fxVol))
	assert.False(t, RiskFilter{Class: FX, Type: DeltaGamma}.Allow(fxVol))
	assert.Len(t, Breakdown(), 18)
	assert.Equal(t, RiskFilter{}, Breakdown()[0])
}

func TestVarReport(t *testing.T) {
	hist, err := NewHistoricalSimulationVarCalculator([]float64{-3, -2, -1, 0, 1})
	require.NoError(t, err)
	r := report.NewInMemoryReport()
	require.NoError(t, VarReport{
		Portfolios: map[string]VarCalculator{"book": hist},
		Quantiles:  []float64{0.9},
	}.Write(r))

	require.Len(t, r.Rows(), 1)
	assert.Equal(t, "book", r.Value(0, "Portfolio"))
	assert.Equal(t, "All", r.Value(0, "RiskClass"))
	assert.Equal(t, 3.0, r.Value(0, "Quantile_0.9"))
}

func TestMarketRiskReport(t *testing.T) {
	eur := sensitivity.RiskFactorKey{Type: sensitivity.DiscountCurve, Name: "EUR"}
	usd := sensitivity.RiskFactorKey{Type: sensitivity.FXSpot, Name: "USDEUR"}
	ss := sensitivity.NewInMemorySensitivityStream([]sensitivity.SensitivityRecord{
		{TradeID: "a", Key1: eur, Delta: 600},
		{TradeID: "b", Key1: eur, Delta: 400},
		{TradeID: "b", Key1: usd, Delta: -2000},
	})
	cov := map[sensitivity.CrossPair]float64{
		sensitivity.NewCrossPair(eur, eur): 1e-4,
		sensitivity.NewCrossPair(usd, usd): 4e-4,
	}
	m := &MarketRiskReport{
		Portfolios: map[string][]string{"A": {"a"}, "B": {"b"}},
		Covariance: cov,
		Quantiles:  []float64{0.99},
		Params:     ParametricVarParams{Method: Delta},
		Breakdown:  true,
	}
	r := report.NewInMemoryReport()
	require.NoError(t, m.Calculate(ss, r))

	q := distuv.UnitNormal.Quantile(0.99)
	want := map[[3]string]float64{
		{"(all)", "All", "All"}:                 math.Sqrt(1000*1000*1e-4+2000*2000*4e-4) * q,
		{"(all)", "InterestRate", "All"}:        1000 * 0.01 * q,
		{"(all)", "InterestRate", "DeltaGamma"}: 1000 * 0.01 * q,
		{"(all)", "FX", "All"}:                  2000 * 0.02 * q,
		{"(all)", "FX", "DeltaGamma"}:           2000 * 0.02 * q,
		{"(all)", "All", "DeltaGamma"}:          math.Sqrt(1000*1000*1e-4+2000*2000*4e-4) * q,
		{"A", "All", "All"}:                     600 * 0.01 * q,
		{"A", "All", "DeltaGamma"}:              600 * 0.01 * q,
		{"A", "InterestRate", "All"}:            600 * 0.01 * q,
		{"A", "InterestRate", "DeltaGamma"}:     600 * 0.01 * q,
		{"B", "All", "All"}:                     math.Sqrt(400*400*1e-4+2000*2000*4e-4) * q,
		{"B", "All", "DeltaGamma"}:              math.Sqrt(400*400*1e-4+2000*2000*4e-4) * q,
		{"B", "InterestRate", "All"}:            400 * 0.01 * q,
		{"B", "InterestRate", "DeltaGamma"}:     400 * 0.01 * q,
		{"B", "FX", "All"}:                      2000 * 0.02 * q,
		{"B", "FX", "DeltaGamma"}:               2000 * 0.02 * q,
	}
	require.Len(t, r.Rows(), len(want))
	for i := range r.Rows() {
		key := [3]string{r.Value(i, "Portfolio").(string), r.Value(i, "RiskClass").(string), r.Value(i, "RiskType").(string)}
		expected, ok := want[key]
		require.True(t, ok, "unexpected row %v", key)
		assert.InDelta(t, expected, r.Value(i, "Quantile_0.99").(float64), 1e-9, "%v", key)
	}
}
