package aggregation

import (
	"testing"

	"github.com/bcdannyboy/xvacube/cube"
	"github.com/bcdannyboy/xvacube/market"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCreditSupportAmount(t *testing.T) {
	csa := &CSA{ThresholdRcv: 30, ThresholdPay: 20, IndependentAmountHeld: 5}
	tests := []struct {
		name  string
		value float64
		want  float64
	}{
		{"above receive threshold", 100, 75},
		{"inside thresholds", 10, 0},
		{"below pay threshold", -100, -75},
		{"independent amount shifts", -25, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.InDelta(t, tt.want, csa.CreditSupportAmount(tt.value), 1e-12)
		})
	}
}

func TestBalancePathsMarginLag(t *testing.T) {
	dates := gridDates(3)
	values := [][]float64{{0}, {100}, {200}}

	immediate := &CSA{}
	b, today, err := immediate.BalancePaths(asof, dates, 0, 0, values)
	require.NoError(t, err)
	assert.Zero(t, today)
	assert.Equal(t, [][]float64{{0}, {100}, {200}}, b)

	lagged := &CSA{MarginLagDays: 10}
	b, _, err = lagged.BalancePaths(asof, dates, 0, 0, values)
	require.NoError(t, err)
	assert.Equal(t, [][]float64{{0}, {0}, {100}}, b)

	mta := &CSA{MtaRcv: 150}
	b, _, err = mta.BalancePaths(asof, dates, 0, 0, values)
	require.NoError(t, err)
	assert.Equal(t, [][]float64{{0}, {0}, {200}}, b)

	_, _, err = (&CSA{ThresholdRcv: -1}).BalancePaths(asof, dates, 0, 0, values)
	assert.ErrorIs(t, err, ErrInvalidCollateral)
	_, _, err = immediate.BalancePaths(asof, dates, 0, 0, values[:2])
	assert.ErrorIs(t, err, ErrSampleMismatch)
}

func runWithCsa(t *testing.T, csa *CSA, ccy string) (*PostProcess, error) {
	t.Helper()
	pf := testPortfolio(t, tradeDef{"T1", "NS1", "CPTY_A"})
	coll := NewCollateralBalances()
	coll.Add("NS1", CollateralBalance{Currency: ccy, CSA: csa})
	pp, err := NewPostProcess(PostProcessInputs{
		Portfolio:  pf,
		Market:     testMarket(),
		Cube:       constantCube(t, pf, gridDates(4), 5, 100),
		Collateral: coll,
		Exposure:   ExposureOptions{Quantile: 0.95},
	})
	require.NoError(t, err)
	return pp, pp.Run()
}

func TestVariationMarginRemovesExposure(t *testing.T) {
	pp, err := runWithCsa(t, &CSA{CollateralSpreadRcv: 0.01}, "EUR")
	require.NoError(t, err)
	p, err := pp.NettedExposure().Profile("NS1")
	require.NoError(t, err)
	for j := range p.Dates {
		assert.InDelta(t, 0, p.EPE[j], 1e-9)
		assert.InDelta(t, 0, p.PFE[j], 1e-9)
		assert.InDelta(t, 100, p.ExpectedCollateral[j], 1e-9)
	}

	colva := -100 * 0.01 * market.YearFraction(asof, p.Dates[len(p.Dates)-1])
	assert.InDelta(t, colva, p.COLVA, 1e-9)
	x, err := pp.Xva().NettingSetXva("NS1")
	require.NoError(t, err)
	assert.InDelta(t, colva, x.COLVA, 1e-9)
	assert.InDelta(t, 0, x.CVA, 1e-9)

	// trade level exposure stays uncollateralised
	tp, err := pp.Exposure().Profile("T1")
	require.NoError(t, err)
	assert.InDelta(t, 100, tp.EPE[1], 1e-9)
}

func TestThresholdCapsExposure(t *testing.T) {
	pp, err := runWithCsa(t, &CSA{ThresholdRcv: 30}, "")
	require.NoError(t, err)
	p, err := pp.NettedExposure().Profile("NS1")
	require.NoError(t, err)
	for j := range p.Dates {
		assert.InDelta(t, 30, p.EPE[j], 1e-9)
		assert.InDelta(t, 70, p.ExpectedCollateral[j], 1e-9)
	}
	v, err := pp.NettedExposure().NettedCube().Get(0, 2, 3, 0)
	require.NoError(t, err)
	assert.InDelta(t, 30, v, 1e-4)
}

func TestCollateralCurrencyMustBeBase(t *testing.T) {
	_, err := runWithCsa(t, &CSA{}, "USD")
	assert.ErrorIs(t, err, ErrInvalidCollateral)
}

func TestNettedPfeUsesNumeraire(t *testing.T) {
	dates := gridDates(3)
	samples := 4
	pf := testPortfolio(t, tradeDef{"T1", "NS1", "CPTY_A"})
	interp := cube.CubeInterpretation{}
	sd, err := cube.NewAggregationScenarioData(len(dates), samples, interp.ScenarioDataDepth())
	require.NoError(t, err)
	sd.Register(cube.Numeraire, "")
	for j := range dates {
		for k := 0; k < samples; k++ {
			require.NoError(t, sd.Set(2, j, k, cube.Numeraire, ""))
		}
	}
	coll := NewCollateralBalances()
	coll.Add("NS1", CollateralBalance{CSA: &CSA{ThresholdRcv: 50}})

	pp, err := NewPostProcess(PostProcessInputs{
		Portfolio:      pf,
		Market:         testMarket(),
		Cube:           constantCube(t, pf, dates, samples, 100),
		ScenarioData:   sd,
		Interpretation: interp,
		Exposure:       ExposureOptions{Quantile: 0.9},
	})
	require.NoError(t, err)
	require.NoError(t, pp.Run())

	tp, err := pp.Exposure().Profile("T1")
	require.NoError(t, err)
	np, err := pp.NettedExposure().Profile("NS1")
	require.NoError(t, err)
	for j := 1; j < len(tp.Dates); j++ {
		assert.InDelta(t, 200, tp.PFE[j], 1e-9)
		assert.InDelta(t, tp.PFE[j], np.PFE[j], 1e-9)
		assert.InDelta(t, tp.EPE[j], np.EPE[j], 1e-9)
	}

	// the threshold applies to undeflated values: 200 less 50 held
	pp.in.Collateral = coll
	require.NoError(t, pp.Run())
	np, err = pp.NettedExposure().Profile("NS1")
	require.NoError(t, err)
	for j := 1; j < len(np.Dates); j++ {
		assert.InDelta(t, 50, np.PFE[j], 1e-9)
		assert.InDelta(t, 25, np.EPE[j], 1e-9)
		assert.InDelta(t, 75, np.ExpectedCollateral[j], 1e-9)
	}
}
