package portfolio

import (
	"math"
	"testing"
	"time"

	"github.com/bcdannyboy/xvacube/market"
	"github.com/bcdannyboy/xvacube/simulation"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var asof = time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)

func testMarket() *market.Market {
	m := market.NewMarket(asof, "EUR")
	m.SetDiscountCurve("EUR", market.FlatYieldCurve{Rate: 0.02})
	m.SetDiscountCurve("USD", market.FlatYieldCurve{Rate: 0.03})
	m.SetFxSpot("USD", 0.9)
	m.SetEquitySpot("SP5", 100)
	m.SetEquityVol("SP5", market.FlatVolatility(0.2))
	m.SetDefaultCurve("ISSUER", market.FlatHazardCurve{Hazard: 0.02})
	return m
}

func TestBSM(t *testing.T) {
	c := calculateBSM(100, 100, 1, 0.05, 0, 0.2, true)
	p := calculateBSM(100, 100, 1, 0.05, 0, 0.2, false)
	assert.InDelta(t, 10.4506, c.Price, 1e-4)
	assert.InDelta(t, 100-100*math.Exp(-0.05), c.Price-p.Price, 1e-10)
	assert.InDelta(t, 1, c.Delta-p.Delta, 1e-12)
	assert.InDelta(t, c.Gamma, p.Gamma, 1e-15)

	// expired options pay intrinsic
	assert.Equal(t, 5.0, calculateBSM(105, 100, 0, 0.05, 0, 0.2, true).Price)
	assert.Equal(t, 0.0, calculateBSM(105, 100, 0, 0.05, 0, 0.2, false).Price)
}

func TestPortfolio(t *testing.T) {
	p := NewPortfolio()
	fwd := &FxForward{BoughtCurrency: "USD", BoughtAmount: 1e6, SoldCurrency: "EUR", SoldAmount: 9e5, Settlement: asof.AddDate(1, 0, 0)}
	a, err := NewTrade("A", "NS2", "CPTY", 1, fwd)
	require.NoError(t, err)
	b, err := NewTrade("B", "NS1", "CPTY", -1, fwd)
	require.NoError(t, err)
	require.NoError(t, p.Add(a))
	require.NoError(t, p.Add(b))
	assert.ErrorIs(t, p.Add(a), ErrDuplicateTrade)

	assert.Equal(t, []string{"A", "B"}, p.IDs())
	assert.Equal(t, []string{"NS1", "NS2"}, p.NettingSets())
	assert.Equal(t, map[string]string{"A": "NS2", "B": "NS1"}, p.NettingSetOf())
	assert.Equal(t, "EUR", a.Currency)
	assert.Equal(t, fwd.Settlement, p.Maturity())
	got, ok := p.Trade("B")
	assert.True(t, ok)
	assert.Same(t, b, got)

	_, err = NewTrade("", "NS", "C", 1, fwd)
	assert.ErrorIs(t, err, ErrInvalidTrade)
	_, err = NewTrade("X", "NS", "C", 1, nil)
	assert.ErrorIs(t, err, ErrInvalidTrade)
}

func TestFxForward(t *testing.T) {
	s := simulation.NewStaticMarketState(testMarket(), nil)
	mat := asof.AddDate(1, 0, 0)
	T := market.YearFraction(asof, mat)
	fwd := &FxForward{BoughtCurrency: "USD", BoughtAmount: 1e6, SoldCurrency: "EUR", SoldAmount: 9e5, Settlement: mat}
	v, err := fwd.NPV(s)
	require.NoError(t, err)
	assert.InDelta(t, 1e6*0.9*math.Exp(-0.03*T)-9e5*math.Exp(-0.02*T), v, 1e-6)

	f, err := fwd.Flows(s, mat)
	require.NoError(t, err)
	assert.InDelta(t, 0, f, 1e-9)
	f, err = fwd.Flows(s, mat.AddDate(0, 0, -1))
	require.NoError(t, err)
	assert.Equal(t, 0.0, f)

	bad := &FxForward{BoughtCurrency: "JPY", BoughtAmount: 1, SoldCurrency: "EUR", SoldAmount: 1, Settlement: mat}
	_, err = bad.NPV(s)
	assert.Error(t, err)
}

func TestSwapAtParIsWorthNothing(t *testing.T) {
	s := simulation.NewStaticMarketState(testMarket(), nil)
	end := asof.AddDate(5, 0, 0)
	unit, err := NewInterestRateSwap("EUR", 1e7, 0, 0, true, asof, end, 12, 6)
	require.NoError(t, err)
	require.Len(t, unit.fixedPeriods, 5)
	require.Len(t, unit.floatPeriods, 10)

	annuity := 0.0
	for _, p := range unit.fixedPeriods {
		annuity += p.accrual * math.Exp(-0.02*market.YearFraction(asof, p.end))
	}
	par := (1 - math.Exp(-0.02*market.YearFraction(asof, end))) / annuity

	swap, err := NewInterestRateSwap("EUR", 1e7, par, 0, true, asof, end, 12, 6)
	require.NoError(t, err)
	v, err := swap.NPV(s)
	require.NoError(t, err)
	assert.InDelta(t, 0, v, 1e-6)

	rec, err := NewInterestRateSwap("EUR", 1e7, par+0.01, 0, false, asof, end, 12, 6)
	require.NoError(t, err)
	v, err = rec.NPV(s)
	require.NoError(t, err)
	assert.InDelta(t, 1e7*0.01*annuity, v, 1e-6)

	legs, err := rec.AdditionalResults(s)
	require.NoError(t, err)
	assert.Contains(t, legs, "fixedLegNpv")

	_, err = NewInterestRateSwap("EUR", 1, 0, 0, true, end, asof, 12, 6)
	assert.ErrorIs(t, err, ErrInvalidTrade)
}

func TestEquityOption(t *testing.T) {
	s := simulation.NewStaticMarketState(testMarket(), nil)
	mat := asof.AddDate(1, 0, 0)
	T := market.YearFraction(asof, mat)
	opt := &EquityOption{Name: "SP5", Ccy: "EUR", Strike: 100, Expiry: mat, Call: true, Quantity: 10}
	v, err := opt.NPV(s)
	require.NoError(t, err)
	assert.InDelta(t, 10*calculateBSM(100, 100, T, 0.02, 0, 0.2, true).Price, v, 1e-9)

	res, err := opt.AdditionalResults(s)
	require.NoError(t, err)
	assert.Greater(t, res["delta"].(float64), 0.0)
}

func TestDefaultableZeroBondStates(t *testing.T) {
	s := simulation.NewStaticMarketState(testMarket(), nil)
	mat := asof.AddDate(4, 0, 0)
	T := market.YearFraction(asof, mat)
	bond := &DefaultableZeroBond{Issuer: "ISSUER", Ccy: "EUR", Notional: 100, Recovery: 0.4, Expiry: mat}
	res, err := bond.AdditionalResults(s)
	require.NoError(t, err)
	v := res["stateNpv"].([]float64)
	require.Len(t, v, 2)
	df := math.Exp(-0.02 * T)
	assert.InDelta(t, 100*df*math.Exp(-0.02*T), v[0], 1e-9)
	assert.InDelta(t, 40*df, v[1], 1e-9)

	npv, err := bond.NPV(s)
	require.NoError(t, err)
	assert.Equal(t, v[0], npv)
}
