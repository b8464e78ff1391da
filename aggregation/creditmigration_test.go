package aggregation

import (
	"testing"

	"github.com/bcdannyboy/xvacube/cube"
	"github.com/bcdannyboy/xvacube/market"
	"github.com/bcdannyboy/xvacube/models"
	"github.com/bcdannyboy/xvacube/portfolio"
	"github.com/bcdannyboy/xvacube/report"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const migrationSamples = 10

type migrationFixture struct {
	in    CreditMigrationInputs
	model *models.MigrationModel
}

// newMigrationFixture books a bond on ISS with CPTY_A and a bond on
// another name facing ISS. stateValues are the ISS bond values by rating.
func newMigrationFixture(t *testing.T, matrix [][]float64, stateValues []float64) *migrationFixture {
	t.Helper()
	dates := gridDates(2)
	pf := portfolio.NewPortfolio()
	for _, d := range []struct{ id, ns, cpty, issuer string }{
		{"BOND", "NS1", "CPTY_A", "ISS"},
		{"BOND2", "NS2", "ISS", "OTHER"},
	} {
		tr, err := portfolio.NewTrade(d.id, d.ns, d.cpty, 1, &portfolio.DefaultableZeroBond{
			Issuer: d.issuer, Ccy: "EUR", Notional: 100, Expiry: asof.AddDate(5, 0, 0),
		})
		require.NoError(t, err)
		require.NoError(t, pf.Add(tr))
	}
	npv := valueCube(t, pf, dates, migrationSamples, func(i, _, _ int) float64 { return []float64{100, 50}[i] })

	states, err := cube.NewInMemoryCube(asof, pf.IDs(), dates, migrationSamples, len(stateValues))
	require.NoError(t, err)
	netted, err := cube.NewInMemoryCube(asof, pf.NettingSets(), dates, migrationSamples, 1)
	require.NoError(t, err)
	for j := range dates {
		for k := 0; k < migrationSamples; k++ {
			for s, v := range stateValues {
				require.NoError(t, states.Set(v, 0, j, k, s))
				require.NoError(t, states.Set(50, 1, j, k, s))
			}
			require.NoError(t, netted.Set(100, 0, j, k, 0))
			require.NoError(t, netted.Set(50, 1, j, k, 0))
		}
	}

	tm, err := models.NewTransitionMatrix(matrix)
	require.NoError(t, err)
	mm, err := models.NewMigrationModel("ISS", 0, tm)
	require.NoError(t, err)
	return &migrationFixture{
		in: CreditMigrationInputs{
			Portfolio:  pf,
			Cube:       npv,
			StateCube:  states,
			NettedCube: netted,
			Migrations: map[string]*models.MigrationModel{"ISS": mm},
		},
		model: mm,
	}
}

// simulate sets the horizon rating of ISS on every path.
func (f *migrationFixture) simulate(t *testing.T, ratings map[int]int) {
	t.Helper()
	interp := cube.CubeInterpretation{}
	sd, err := cube.NewAggregationScenarioData(2, migrationSamples, interp.ScenarioDataDepth())
	require.NoError(t, err)
	sd.Register(cube.CreditState, "ISS")
	for k := 0; k < migrationSamples; k++ {
		require.NoError(t, sd.Set(float64(ratings[k]), 1, k, cube.CreditState, "ISS"))
	}
	f.in.ScenarioData = sd
}

func TestParseCreditMigrationEnums(t *testing.T) {
	for _, m := range []CreditMode{MigrationMode, DefaultMode} {
		got, err := ParseCreditMode(m.String())
		require.NoError(t, err)
		assert.Equal(t, m, got)
	}
	for _, e := range []StateEvaluation{SimulatedStates, AnalyticStates} {
		got, err := ParseStateEvaluation(e.String())
		require.NoError(t, err)
		assert.Equal(t, e, got)
	}
	_, err := ParseCreditMode("spread")
	assert.ErrorIs(t, err, ErrUnknownCreditMode)
	_, err = ParseStateEvaluation("mixed")
	assert.ErrorIs(t, err, ErrUnknownStateEval)
}

func TestAnalyticMigrationPnl(t *testing.T) {
	f := newMigrationFixture(t, [][]float64{{0.9, 0.1}, {0, 1}}, []float64{100, 40})
	horizon := gridDates(2)[1]
	c, err := NewCreditMigrationCalculator(f.in, MigrationPnlOptions{
		Evaluation: AnalyticStates, Horizon: horizon, Buckets: 10,
	}, nil)
	require.NoError(t, err)
	require.NoError(t, c.Build())

	pd := f.model.Matrix().Transition(market.YearFraction(asof, horizon)).At(0, 1)
	got, err := c.DefaultProbability("ISS")
	require.NoError(t, err)
	assert.InDelta(t, pd, got, 1e-12)

	// default loses 60 on the bond and the 50 owed by ISS
	d := c.Distribution()
	assert.InDelta(t, 0, c.ExpectedMarketPnl(), 1e-12)
	assert.InDelta(t, -110*pd, d.Expected(), 1e-9)
	total := 0.0
	for _, p := range d.Probability {
		total += p
	}
	assert.InDelta(t, 1, total, 1e-12)

	q, err := d.Quantile(pd / 2)
	require.NoError(t, err)
	assert.InDelta(t, -110, q, 1e-9)
	q, err = d.Quantile(0.5)
	require.NoError(t, err)
	assert.InDelta(t, 0, q, 1e-9)

	r := report.NewInMemoryReport()
	require.NoError(t, c.WriteReport(r))
	require.Len(t, r.Rows(), 2)
	assert.InDelta(t, 1, r.Value(1, "Cumulative"), 1e-12)
}

func TestSimulatedMigrationPnl(t *testing.T) {
	matrix := [][]float64{{0.8, 0.15, 0.05}, {0.1, 0.8, 0.1}, {0, 0, 1}}
	tests := []struct {
		name string
		mode CreditMode
		want float64
	}{
		{"migration", MigrationMode, (-10 - 110) / float64(migrationSamples)},
		{"default only", DefaultMode, -110 / float64(migrationSamples)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newMigrationFixture(t, matrix, []float64{100, 90, 40})
			f.simulate(t, map[int]int{0: 1, 1: 2})
			c, err := NewCreditMigrationCalculator(f.in, MigrationPnlOptions{
				Mode: tt.mode, Evaluation: SimulatedStates, Horizon: gridDates(2)[1], Buckets: 20,
			}, nil)
			require.NoError(t, err)
			require.NoError(t, c.Build())
			assert.InDelta(t, tt.want, c.Distribution().Expected(), 1e-9)
			pd, err := c.DefaultProbability("ISS")
			require.NoError(t, err)
			assert.InDelta(t, 0.1, pd, 1e-12)
		})
	}
}

func TestCreditMigrationSettings(t *testing.T) {
	f := newMigrationFixture(t, [][]float64{{0.9, 0.1}, {0, 1}}, []float64{100, 40})
	opts := MigrationPnlOptions{Horizon: gridDates(2)[1], Buckets: 10}

	_, err := NewCreditMigrationCalculator(f.in, opts, nil)
	assert.ErrorIs(t, err, ErrMissingScenarioData)

	in := f.in
	in.StateCube = nil
	_, err = NewCreditMigrationCalculator(in, opts, nil)
	assert.ErrorIs(t, err, ErrMissingStateCube)

	opts.Evaluation = AnalyticStates
	opts.Horizon = asof.AddDate(0, 1, 0)
	_, err = NewCreditMigrationCalculator(f.in, opts, nil)
	assert.ErrorIs(t, err, ErrInvalidMigrationRun)
}

func TestBucketConvolutionKeepsMean(t *testing.T) {
	d := newPnlDistribution(-100, 100, 8)
	d.add(10, 0.5)
	d.add(-30, 0.5)
	d.normalise()
	out := d.convolve([]float64{0, -25, -60}, []float64{0.7, 0.2, 0.1})
	total := 0.0
	for _, p := range out.Probability {
		total += p
	}
	assert.InDelta(t, 1, total, 1e-12)
	assert.InDelta(t, -10+0.2*-25+0.1*-60, out.Expected(), 1e-12)
}
