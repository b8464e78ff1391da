package simulation

import (
	"math"
	"testing"
	"time"

	"github.com/bcdannyboy/xvacube/market"
	"github.com/bcdannyboy/xvacube/models"
	"github.com/bcdannyboy/xvacube/probability"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var asof = time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)

func testMarket() *market.Market {
	m := market.NewMarket(asof, "EUR")
	m.SetDiscountCurve("EUR", market.FlatYieldCurve{Rate: 0.02})
	m.SetDiscountCurve("USD", market.FlatYieldCurve{Rate: 0.03})
	m.SetFxSpot("USD", 0.9)
	m.SetDefaultCurve("BANK", market.FlatHazardCurve{Hazard: 0.01})
	return m
}

func testModel(t *testing.T) *models.CrossAssetModel {
	spec := models.ModelSpec{
		IR: []models.LGMParametrization{
			{Currency: "EUR", Alpha: models.Constant(0.01), Kappa: 0.02},
			{Currency: "USD", Alpha: models.Constant(0.01), Kappa: 0.02},
		},
		FX: []models.FXParametrization{{Currency: "USD", Sigma: models.Constant(0.1)}},
		CR: []models.CreditStateParametrization{{Name: "CPTY"}},
	}
	m, err := models.NewCrossAssetModel(spec, testMarket())
	require.NoError(t, err)
	return m
}

func testMigration(t *testing.T) *models.MigrationModel {
	tm, err := models.NewTransitionMatrix([][]float64{{0.7, 0.3}, {0, 1}})
	require.NoError(t, err)
	mm, err := models.NewMigrationModel("CPTY", 0, tm)
	require.NoError(t, err)
	return mm
}

func TestParseTenor(t *testing.T) {
	tn, err := ParseTenor("3m")
	require.NoError(t, err)
	assert.Equal(t, Tenor{N: 3, Unit: 'M'}, tn)
	assert.Equal(t, "3M", tn.String())
	assert.Equal(t, time.Date(2024, 9, 1, 0, 0, 0, 0, time.UTC), tn.Advance(asof, 2))

	for _, s := range []string{"", "M", "0Y", "2Q", "xY"} {
		_, err := ParseTenor(s)
		assert.ErrorIs(t, err, ErrInvalidGrid, s)
	}
}

func TestDateGrid(t *testing.T) {
	g, err := NewTenorGrid(asof, "6M", 4, 0)
	require.NoError(t, err)
	require.Len(t, g.Dates, 4)
	assert.False(t, g.WithCloseOutLag())
	assert.Len(t, g.Times(), 4)
	assert.Equal(t, 3, g.ValuationTimeIndex(3))

	g, err = NewTenorGrid(asof, "1M", 3, 14)
	require.NoError(t, err)
	assert.True(t, g.WithCloseOutLag())
	require.Len(t, g.Times(), 6)
	for i := range g.Dates {
		assert.Equal(t, g.ValuationTimeIndex(i)+1, g.CloseOutTimeIndex(i))
		assert.Equal(t, g.CloseOutDates[i], g.SimulationDates()[g.CloseOutTimeIndex(i)])
	}

	// close-out dates that land on valuation dates are simulated once
	g, err = NewTenorGrid(asof, "1W", 3, 7)
	require.NoError(t, err)
	assert.Len(t, g.Times(), 4)
	assert.Equal(t, g.ValuationTimeIndex(1), g.CloseOutTimeIndex(0))

	_, err = NewDateGrid(asof, []time.Time{asof}, 0)
	assert.ErrorIs(t, err, ErrInvalidGrid)
	_, err = NewTenorGrid(asof, "1Y", 0, 0)
	assert.ErrorIs(t, err, ErrInvalidGrid)
}

func TestPathGenerator(t *testing.T) {
	m := testModel(t)
	mm := testMigration(t)
	proc := models.NewStateProcess(m, models.Exact)
	times := []float64{0.5, 1, 2}
	pg, err := NewPathGenerator(proc, probability.MersenneTwister, 11, times,
		map[string]*models.MigrationModel{"CPTY": mm})
	require.NoError(t, err)
	assert.Equal(t, []float64{0, 0.5, 1, 2}, pg.Times())

	a, err := pg.Path(3)
	require.NoError(t, err)
	b, err := pg.Path(3)
	require.NoError(t, err)
	assert.Equal(t, a.States, b.States)
	assert.Equal(t, proc.InitialValues(), a.State(0))
	assert.Len(t, a.States, 4)

	defaults := 0
	for s := 0; s < 200; s++ {
		p, err := pg.Path(s)
		require.NoError(t, err)
		assert.Equal(t, 0, p.Rating(0, 0))
		for i := 1; i < len(p.Times); i++ {
			if p.Rating(i-1, 0) == 1 {
				assert.Equal(t, 1, p.Rating(i, 0), "default is absorbing")
			}
		}
		defaults += p.Rating(3, 0)
	}
	assert.Greater(t, defaults, 0)
	assert.Less(t, defaults, 200)
}

func TestSimMarketState(t *testing.T) {
	m := testModel(t)
	credit := NewCreditEnvironment(m.Market(), map[string]*models.MigrationModel{"CPTY": testMigration(t)})
	x := m.InitialValues()
	s := NewSimMarketState(m, credit, asof, x, []int{0})

	assert.InDelta(t, 1, s.Numeraire(), 1e-14)
	fx, err := s.FxSpot("USD")
	require.NoError(t, err)
	assert.InDelta(t, 0.9, fx, 1e-14)
	fx, err = s.FxSpot("EUR")
	require.NoError(t, err)
	assert.Equal(t, 1.0, fx)
	_, err = s.FxSpot("JPY")
	assert.Error(t, err)

	mat := asof.AddDate(2, 0, 0)
	df, err := s.Discount("USD", mat)
	require.NoError(t, err)
	assert.InDelta(t, math.Exp(-0.03*market.YearFraction(asof, mat)), df, 1e-12)

	later := asof.AddDate(1, 0, 0)
	x1 := append([]float64(nil), x...)
	x1[0] = 0.02
	s1 := NewSimMarketState(m, credit, later, x1, []int{1})
	df, err = s1.Discount("EUR", later)
	require.NoError(t, err)
	assert.Equal(t, 1.0, df)
	assert.Greater(t, s1.Numeraire(), 1.0)

	st, err := s1.CreditState("CPTY")
	require.NoError(t, err)
	assert.Equal(t, 1, st)
	pd, err := s1.DefaultProbability("CPTY", st, mat)
	require.NoError(t, err)
	assert.Equal(t, 1.0, pd)
	assert.Equal(t, 2, s1.CreditStates("CPTY"))

	// names outside the model keep their initial state
	st, err = s1.CreditState("BANK")
	require.NoError(t, err)
	assert.Equal(t, 0, st)
}

func TestStaticMarketState(t *testing.T) {
	mkt := testMarket()
	s := NewStaticMarketState(mkt, nil)
	assert.Equal(t, 1.0, s.Numeraire())
	assert.Equal(t, asof, s.Date())

	mat := asof.AddDate(3, 0, 0)
	T := market.YearFraction(asof, mat)
	pd, err := s.DefaultProbability("BANK", 0, mat)
	require.NoError(t, err)
	assert.InDelta(t, 1-math.Exp(-0.01*T), pd, 1e-12)
	_, err = s.DefaultProbability("NOBODY", 0, mat)
	assert.ErrorIs(t, err, ErrUnknownEntity)

	df, err := s.Discount("EUR", mat)
	require.NoError(t, err)
	assert.InDelta(t, math.Exp(-0.02*T), df, 1e-14)
}

func TestRunContext(t *testing.T) {
	rc := NewRunContext(testMarket(), nil, nil)
	assert.NotEqual(t, uuid.Nil, rc.ID)
	assert.Equal(t, asof, rc.Asof)
	assert.NotNil(t, rc.Logger)
}
