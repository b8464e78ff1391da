package sensitivity

import (
	"math"
	"testing"
	"time"

	"github.com/bcdannyboy/xvacube/market"
	"github.com/bcdannyboy/xvacube/portfolio"
	"github.com/bcdannyboy/xvacube/report"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func dc(ccy string, i int) RiskFactorKey {
	return RiskFactorKey{Type: DiscountCurve, Name: ccy, Index: i}
}

func fx(pair string) RiskFactorKey { return RiskFactorKey{Type: FXSpot, Name: pair} }

func delta(id string, k RiskFactorKey, ccy string, base, d, g float64) SensitivityRecord {
	return SensitivityRecord{TradeID: id, Key1: k, Shift1: 1e-4, Currency: ccy, BaseNpv: base, Delta: d, Gamma: g}
}

func cross(id string, k1, k2 RiskFactorKey, base, g float64) SensitivityRecord {
	return SensitivityRecord{TradeID: id, Key1: k1, Key2: k2, Currency: "USD", BaseNpv: base, Gamma: g}
}

func referenceRecords() []SensitivityRecord {
	return []SensitivityRecord{
		delta("trade_001", dc("CNY", 3), "USD", -103053.46, 74.06, 0),
		delta("trade_001", dc("CNY", 4), "USD", -103053.46, 354.79, -0.03),
		delta("trade_001", dc("USD", 3), "USD", -103053.46, -72.54, 0),
		delta("trade_001", dc("USD", 4), "USD", -103053.46, -347.52, 0.02),
		delta("trade_001", fx("CNYUSD"), "USD", -103053.46, -50331.89, 0),
		cross("trade_001", dc("CNY", 3), dc("CNY", 4), -103053.46, -0.01),
		cross("trade_001", dc("CNY", 3), fx("CNYUSD"), -103053.46, 0.74),
		cross("trade_001", dc("CNY", 4), fx("CNYUSD"), -103053.46, 3.55),
		cross("trade_001", dc("USD", 3), dc("USD", 4), -103053.46, 0.01),
		delta("trade_002", dc("TWD", 1), "USD", 393612.36, 0.26, 0),
		delta("trade_002", dc("TWD", 2), "USD", 393612.36, 14.11, 0),
		delta("trade_002", dc("USD", 1), "USD", 393612.36, -0.43, 0),
		delta("trade_002", dc("USD", 2), "USD", 393612.36, -23.32, 0),
		delta("trade_002", fx("TWDUSD"), "USD", 393612.36, -6029.41, 0),
		delta("trade_003", dc("CNY", 1), "USD", -156337.99, 38.13, 0),
		delta("trade_003", dc("CNY", 2), "USD", -156337.99, 114.53, 0),
		delta("trade_003", dc("USD", 1), "USD", -156337.99, -37.48, 0),
		delta("trade_003", dc("USD", 2), "USD", -156337.99, -112.57, 0),
		delta("trade_003", fx("CNYUSD"), "USD", -156337.99, -91345.92, 0),
		cross("trade_003", dc("CNY", 1), dc("CNY", 2), -156337.99, 0),
		cross("trade_003", dc("CNY", 1), fx("CNYUSD"), -156337.99, 0.38),
		cross("trade_003", dc("CNY", 2), fx("CNYUSD"), -156337.99, 1.15),
		cross("trade_003", dc("USD", 1), dc("USD", 2), -156337.99, 0),
		delta("trade_004", dc("CNY", 3), "USD", -110809.22, 27.11, 0),
		delta("trade_004", dc("CNY", 4), "USD", -110809.22, 940.54, -0.09),
		delta("trade_004", dc("USD", 3), "USD", -110809.22, -26.81, 0),
		delta("trade_004", dc("USD", 4), "USD", -110809.22, -930.06, 0.09),
		delta("trade_004", fx("CNYUSD"), "USD", -110809.22, -99495.14, 0),
		cross("trade_004", dc("CNY", 3), dc("CNY", 4), -110809.22, 0),
		cross("trade_004", dc("CNY", 3), fx("CNYUSD"), -110809.22, 0.27),
		cross("trade_004", dc("CNY", 4), fx("CNYUSD"), -110809.22, 9.41),
		cross("trade_004", dc("USD", 3), dc("USD", 4), -110809.22, 0),
		delta("trade_005", dc("TWD", 1), "EUR", 393612.36, 0.26, 0),
		delta("trade_005", dc("TWD", 2), "EUR", 393612.36, 14.11, 0),
		delta("trade_005", dc("USD", 1), "EUR", 393612.36, -0.43, 0),
		delta("trade_005", dc("USD", 2), "EUR", 393612.36, -23.32, 0),
		delta("trade_005", fx("TWDUSD"), "EUR", 393612.36, -6029.41, 0),
		delta("trade_006", dc("TWD", 1), "EUR", -393612.36, -0.26, 0),
		delta("trade_006", dc("TWD", 2), "EUR", -393612.36, -14.11, 0),
		delta("trade_006", dc("USD", 1), "EUR", -393612.36, 0.43, 0),
		delta("trade_006", dc("USD", 2), "EUR", -393612.36, 23.32, 0),
		delta("trade_006", fx("TWDUSD"), "EUR", -393612.36, 6029.41, 0),
	}
}

var allExcept002 = []string{"trade_001", "trade_003", "trade_004", "trade_005", "trade_006"}

func findRecord(t *testing.T, recs []SensitivityRecord, k1, k2 RiskFactorKey) SensitivityRecord {
	t.Helper()
	for _, r := range recs {
		if r.Key1 == k1 && r.Key2 == k2 {
			return r
		}
	}
	t.Fatalf("no record for %s, %s", k1, k2)
	return SensitivityRecord{}
}

func checkAllExcept002(t *testing.T, a *SensitivityAggregator) {
	recs, err := a.Sensitivities("all_except_002")
	require.NoError(t, err)
	assert.Len(t, recs, 20)

	tests := []struct {
		k1, k2             RiskFactorKey
		base, delta, gamma float64
	}{
		{dc("CNY", 1), RiskFactorKey{}, -156337.99, 38.13, 0},
		{dc("CNY", 3), RiskFactorKey{}, -213862.68, 101.17, 0},
		{dc("CNY", 4), RiskFactorKey{}, -213862.68, 1295.33, -0.12},
		{dc("USD", 1), RiskFactorKey{}, -156337.99, -37.48, 0},
		{dc("USD", 4), RiskFactorKey{}, -213862.68, -1277.58, 0.11},
		{dc("TWD", 1), RiskFactorKey{}, 0, 0, 0},
		{fx("TWDUSD"), RiskFactorKey{}, 0, 0, 0},
		{fx("CNYUSD"), RiskFactorKey{}, -370200.67, -241172.95, 0},
		{dc("CNY", 3), fx("CNYUSD"), -213862.68, 0, 1.01},
		{dc("CNY", 4), fx("CNYUSD"), -213862.68, 0, 12.96},
		{dc("USD", 3), dc("USD", 4), -213862.68, 0, 0.01},
	}
	for _, tt := range tests {
		r := findRecord(t, recs, tt.k1, tt.k2)
		assert.Empty(t, r.TradeID)
		assert.InDelta(t, tt.base, r.BaseNpv, 1e-6, "%s/%s", tt.k1, tt.k2)
		assert.InDelta(t, tt.delta, r.Delta, 1e-6, "%s/%s", tt.k1, tt.k2)
		assert.InDelta(t, tt.gamma, r.Gamma, 1e-6, "%s/%s", tt.k1, tt.k2)
	}
}

func checkSingleTrades(t *testing.T, a *SensitivityAggregator) {
	all := referenceRecords()
	for _, id := range allExcept002 {
		recs, err := a.Sensitivities(id)
		require.NoError(t, err)
		n := 0
		for _, want := range all {
			if want.TradeID != id {
				continue
			}
			n++
			got := findRecord(t, recs, want.Key1, want.Key2)
			assert.InDelta(t, want.BaseNpv, got.BaseNpv, 1e-9)
			assert.InDelta(t, want.Delta, got.Delta, 1e-9)
			assert.InDelta(t, want.Gamma, got.Gamma, 1e-9)
		}
		assert.Len(t, recs, n, id)
	}
}

func TestAggregationByTradeSets(t *testing.T) {
	categories := map[string][]string{"all_except_002": allExcept002}
	for _, id := range allExcept002 {
		categories[id] = []string{id}
	}
	a := NewSensitivityAggregator(categories, nil)
	a.Aggregate(NewInMemorySensitivityStream(referenceRecords()), nil)

	checkSingleTrades(t, a)
	checkAllExcept002(t, a)
}

func TestAggregationByFunctions(t *testing.T) {
	categories := map[string]func(string) bool{
		"all_except_002": func(id string) bool { return id != "trade_002" },
	}
	for _, id := range allExcept002 {
		id := id
		categories[id] = func(tradeID string) bool { return tradeID == id }
	}
	a := NewSensitivityAggregatorFunc(categories, nil)
	ss := NewInMemorySensitivityStream(referenceRecords())
	for i := 0; i < 3; i++ {
		ss.Next()
	}
	a.Aggregate(ss, nil)

	checkSingleTrades(t, a)
	checkAllExcept002(t, a)
	assert.Equal(t, []string{"all_except_002", "trade_001", "trade_003", "trade_004", "trade_005", "trade_006"}, a.Categories())

	a.Reset()
	recs, err := a.Sensitivities("trade_001")
	require.NoError(t, err)
	assert.Empty(t, recs)

	_, err = a.Sensitivities("trade_002")
	assert.Error(t, err)
}

func TestAggregationFilter(t *testing.T) {
	a := NewSensitivityAggregator(map[string][]string{"t1": {"trade_001"}}, nil)
	a.Aggregate(NewInMemorySensitivityStream(referenceRecords()), ExcludeFilter{Types: []KeyType{FXSpot}})

	recs, err := a.Sensitivities("t1")
	require.NoError(t, err)
	// four deltas and the two cross gammas without an FX leg
	assert.Len(t, recs, 6)
	for _, r := range recs {
		assert.NotEqual(t, FXSpot, r.Key1.Type)
		assert.NotEqual(t, FXSpot, r.Key2.Type)
	}

	filtered := NewFilteredSensitivityStream(NewInMemorySensitivityStream(referenceRecords()),
		NewRiskFactorTypeFilter(FXSpot))
	n := 0
	for {
		r, ok := filtered.Next()
		if !ok {
			break
		}
		assert.Equal(t, FXSpot, r.Key1.Type)
		assert.True(t, r.Key2.IsZero())
		n++
	}
	assert.Equal(t, 6, n)
	filtered.Reset()
	_, ok := filtered.Next()
	assert.True(t, ok)
}

func TestGenerateDeltaGamma(t *testing.T) {
	a := NewSensitivityAggregator(map[string][]string{"t1": {"trade_001"}}, nil)
	a.Aggregate(NewInMemorySensitivityStream(referenceRecords()), AllowAll)

	deltas, gammas, err := a.GenerateDeltaGamma("t1")
	require.NoError(t, err)
	assert.Len(t, deltas, 5)
	assert.InDelta(t, -50331.89, deltas[fx("CNYUSD")], 1e-9)
	assert.InDelta(t, -0.03, gammas[CrossPair{First: dc("CNY", 4), Second: dc("CNY", 4)}], 1e-9)
	assert.InDelta(t, 3.55, gammas[NewCrossPair(fx("CNYUSD"), dc("CNY", 4))], 1e-9)

	_, _, err = a.GenerateDeltaGamma("missing")
	assert.Error(t, err)
}

func TestRiskFactorKey(t *testing.T) {
	k := RiskFactorKey{Type: IndexCurve, Name: "EUR-EURIBOR/6M", Index: 7}
	assert.Equal(t, "IndexCurve/EUR-EURIBOR/6M/7", k.String())

	parsed, err := ParseRiskFactorKey(k.String())
	require.NoError(t, err)
	assert.Equal(t, k, parsed)

	for _, bad := range []string{"", "DiscountCurve", "DiscountCurve/EUR", "Bogus/EUR/1", "FXSpot/EURUSD/x"} {
		_, err := ParseRiskFactorKey(bad)
		assert.ErrorIs(t, err, ErrInvalidKey, bad)
	}

	assert.True(t, dc("EUR", 1).Less(dc("EUR", 2)))
	assert.True(t, dc("USD", 9).Less(fx("EURUSD")))
	assert.Equal(t, NewCrossPair(dc("EUR", 1), dc("EUR", 0)), NewCrossPair(dc("EUR", 0), dc("EUR", 1)))
	assert.True(t, RiskFactorKey{}.IsZero())
}

var asof = time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)

func TestSensitivityAnalysisFxForward(t *testing.T) {
	mkt := market.NewMarket(asof, "EUR")
	mkt.SetDiscountCurve("EUR", market.FlatYieldCurve{Rate: 0.02})
	mkt.SetDiscountCurve("USD", market.FlatYieldCurve{Rate: 0.04})
	mkt.SetFxSpot("USD", 0.9)

	maturity := asof.AddDate(1, 0, 0)
	pf := portfolio.NewPortfolio()
	tr, err := portfolio.NewTrade("FXF", "NS", "CPTY", 1, &portfolio.FxForward{
		BoughtCurrency: "USD", BoughtAmount: 100, SoldCurrency: "EUR", SoldAmount: 90, Settlement: maturity,
	})
	require.NoError(t, err)
	require.NoError(t, pf.Add(tr))

	shifts := DefaultShifts(mkt)
	require.Len(t, shifts, 3)
	assert.Equal(t, fx("USDEUR"), shifts[2].Key)

	sa, err := NewSensitivityAnalysis(pf, mkt, nil, shifts, [][2]RiskFactorKey{{fx("USDEUR"), dc("USD", 0)}}, nil)
	require.NoError(t, err)
	ss, err := sa.Run()
	require.NoError(t, err)
	recs := ss.Records()
	require.Len(t, recs, 4)

	tau := market.YearFraction(asof, maturity)
	pUsd := math.Exp(-0.04 * tau)
	pEur := math.Exp(-0.02 * tau)
	base := 100*0.9*pUsd - 90*pEur

	usd := findRecord(t, recs, dc("USD", 0), RiskFactorKey{})
	assert.InDelta(t, base, usd.BaseNpv, 1e-9)
	wantUsd := 100 * 0.9 * (math.Exp(-0.0401*tau) - math.Exp(-0.0399*tau)) / 2
	assert.InDelta(t, wantUsd, usd.Delta, 1e-9)

	eur := findRecord(t, recs, dc("EUR", 0), RiskFactorKey{})
	assert.Greater(t, eur.Delta, 0.0)

	spot := findRecord(t, recs, fx("USDEUR"), RiskFactorKey{})
	assert.InDelta(t, 100*0.9*0.01*pUsd, spot.Delta, 1e-9)
	assert.InDelta(t, 0, spot.Gamma, 1e-9)

	c := findRecord(t, recs, dc("USD", 0), fx("USDEUR"))
	assert.InDelta(t, 100*0.9*0.01*(math.Exp(-0.0401*tau)-pUsd), c.Gamma, 1e-9)
}

func TestSensitivityAnalysisRejectsUnknownShift(t *testing.T) {
	mkt := market.NewMarket(asof, "EUR")
	mkt.SetDiscountCurve("EUR", market.FlatYieldCurve{Rate: 0.02})
	pf := portfolio.NewPortfolio()

	_, err := NewSensitivityAnalysis(pf, mkt, nil, []Shift{{Key: RiskFactorKey{Type: SwaptionVolatility, Name: "EUR"}}}, nil, nil)
	assert.ErrorIs(t, err, ErrUnsupportedShift)

	_, err = NewSensitivityAnalysis(pf, mkt, nil, DefaultShifts(mkt), [][2]RiskFactorKey{{dc("EUR", 0), fx("USDEUR")}}, nil)
	assert.ErrorIs(t, err, ErrUnsupportedShift)
}

func TestWriteReport(t *testing.T) {
	ss := NewInMemorySensitivityStream(referenceRecords()[:6])
	ss.Next()
	r := report.NewInMemoryReport()
	require.NoError(t, WriteReport(ss, r))

	require.Len(t, r.Rows(), 6)
	assert.Equal(t, "trade_001", r.Value(0, "TradeId"))
	assert.Equal(t, "DiscountCurve/CNY/3", r.Value(0, "Factor_1"))
	assert.Equal(t, "", r.Value(0, "Factor_2"))
	assert.Equal(t, 74.06, r.Value(0, "Delta"))
	assert.Equal(t, "DiscountCurve/CNY/4", r.Value(5, "Factor_2"))
	assert.Equal(t, -0.01, r.Value(5, "Gamma"))

	// the stream is rewound for the next consumer
	rec, ok := ss.Next()
	require.True(t, ok)
	assert.Equal(t, dc("CNY", 3), rec.Key1)
}
