package cube

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var asof = time.Date(2024, 1, 15, 0, 0, 0, 0, time.UTC)

func grid(n int) []time.Time {
	dates := make([]time.Time, n)
	for i := range dates {
		dates[i] = asof.AddDate(0, 3*(i+1), 0)
	}
	return dates
}

func TestInMemoryCubeRoundTrip(t *testing.T) {
	ids := []string{"T1", "T2", "T3"}
	dates := grid(4)
	c, err := NewInMemoryCube(asof, ids, dates, 5, 2)
	require.NoError(t, err)

	for i := range ids {
		for d := range dates {
			for s := 0; s < 5; s++ {
				for k := 0; k < 2; k++ {
					v := float64(i*1000 + d*100 + s*10 + k)
					require.NoError(t, c.Set(v, i, d, s, k))
				}
			}
		}
	}
	for i := range ids {
		for d := range dates {
			for s := 0; s < 5; s++ {
				for k := 0; k < 2; k++ {
					v, err := c.Get(i, d, s, k)
					require.NoError(t, err)
					assert.Equal(t, float64(i*1000+d*100+s*10+k), v)
				}
			}
		}
	}

	require.NoError(t, c.SetT0(42, 1, 1))
	v, err := c.GetT0(1, 1)
	require.NoError(t, err)
	assert.Equal(t, 42.0, v)
}

func TestSinglePrecisionCubeRoundTrip(t *testing.T) {
	c, err := NewSinglePrecisionCube(asof, []string{"A"}, grid(2), 3, 1)
	require.NoError(t, err)
	require.NoError(t, c.Set(1.25, 0, 1, 2, 0))
	v, err := c.Get(0, 1, 2, 0)
	require.NoError(t, err)
	assert.Equal(t, 1.25, v)
}

func TestCubeOutOfRange(t *testing.T) {
	c, err := NewInMemoryCube(asof, []string{"T1", "T2"}, grid(3), 4, 1)
	require.NoError(t, err)

	cases := []struct {
		name                   string
		idx, date, sample, dep int
	}{
		{"negative id", -1, 0, 0, 0},
		{"id too large", 2, 0, 0, 0},
		{"date too large", 0, 3, 0, 0},
		{"sample too large", 0, 0, 4, 0},
		{"depth too large", 0, 0, 0, 1},
		{"negative sample", 0, 0, -1, 0},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := c.Set(1, tc.idx, tc.date, tc.sample, tc.dep)
			assert.ErrorIs(t, err, ErrIndexOutOfRange)
			_, err = c.Get(tc.idx, tc.date, tc.sample, tc.dep)
			assert.ErrorIs(t, err, ErrIndexOutOfRange)
		})
	}

	_, err = c.GetT0(5, 0)
	assert.ErrorIs(t, err, ErrIndexOutOfRange)
	assert.ErrorIs(t, c.SetT0(1, 0, 3), ErrIndexOutOfRange)
}

func TestCubeLayoutValidation(t *testing.T) {
	_, err := NewInMemoryCube(asof, []string{"A", "A"}, grid(2), 1, 1)
	assert.ErrorIs(t, err, ErrInvalidLayout)

	_, err = NewInMemoryCube(asof, []string{"A"}, []time.Time{asof}, 1, 1)
	assert.ErrorIs(t, err, ErrInvalidLayout)

	dates := grid(2)
	_, err = NewInMemoryCube(asof, []string{"A"}, []time.Time{dates[1], dates[0]}, 1, 1)
	assert.ErrorIs(t, err, ErrInvalidLayout)

	_, err = NewInMemoryCube(asof, []string{"A"}, grid(2), 0, 1)
	assert.ErrorIs(t, err, ErrInvalidLayout)
}

func TestCubeIDsAndDates(t *testing.T) {
	dates := grid(3)
	c, err := NewInMemoryCube(asof, []string{"X", "Y"}, dates, 1, 1)
	require.NoError(t, err)

	assert.Equal(t, map[string]int{"X": 0, "Y": 1}, c.IDsAndIndexes())
	assert.Equal(t, []string{"X", "Y"}, SortedIDs(c))
	assert.Equal(t, asof, c.Asof())

	d, err := c.DateIndex(dates[2])
	require.NoError(t, err)
	assert.Equal(t, 2, d)

	_, err = c.Index("Z")
	assert.ErrorIs(t, err, ErrUnknownID)
	_, err = c.DateIndex(asof.AddDate(0, 0, 1))
	assert.ErrorIs(t, err, ErrUnknownDate)

	require.NoError(t, SetByID(c, 7, "Y", asof, 0, 0))
	require.NoError(t, SetByID(c, 9, "Y", dates[1], 0, 0))
	v, err := GetByID(c, "Y", asof, 0, 0)
	require.NoError(t, err)
	assert.Equal(t, 7.0, v)
	v, err = GetByID(c, "Y", dates[1], 0, 0)
	require.NoError(t, err)
	assert.Equal(t, 9.0, v)
}

func TestScenarioData(t *testing.T) {
	d, err := NewAggregationScenarioData(3, 2, 2)
	require.NoError(t, err)
	d.Register(Numeraire, "")
	d.Register(FXSpot, "USD")

	require.NoError(t, d.Set(1.01, 1, 1, Numeraire, ""))
	require.NoError(t, d.SetCloseOut(1.02, 1, 1, Numeraire, ""))
	v, err := d.Get(1, 1, Numeraire, "")
	require.NoError(t, err)
	assert.Equal(t, 1.01, v)
	v, err = d.GetCloseOut(1, 1, Numeraire, "")
	require.NoError(t, err)
	assert.Equal(t, 1.02, v)

	_, err = d.Get(0, 0, FXSpot, "GBP")
	assert.ErrorIs(t, err, ErrUnknownKey)
	_, err = d.Get(3, 0, FXSpot, "USD")
	assert.ErrorIs(t, err, ErrIndexOutOfRange)

	assert.Equal(t, []DataKey{{Type: Numeraire}, {Type: FXSpot, Qualifier: "USD"}}, d.Keys())
	assert.True(t, d.Has(FXSpot, "USD"))
	assert.False(t, d.Has(CreditState, "USD"))

	require.NoError(t, d.Set(0.91, 2, 0, FXSpot, "USD"))
	v, err = CubeInterpretation{}.DefaultFxSpot(d, 2, 0, "USD")
	require.NoError(t, err)
	assert.Equal(t, 0.91, v)
}

func TestInterpretationWithoutLag(t *testing.T) {
	dates := []time.Time{asof.AddDate(0, 0, 10), asof.AddDate(0, 0, 24), asof.AddDate(0, 0, 31)}
	c, err := NewInMemoryCube(asof, []string{"T"}, dates, 1, 1)
	require.NoError(t, err)
	for i := range dates {
		require.NoError(t, c.Set(float64(i+1), 0, i, 0, 0))
	}
	ci := CubeInterpretation{}

	v, err := ci.CloseOutNpv(c, 0, 0, 0)
	require.NoError(t, err)
	assert.Equal(t, 2.0, v)
	v, err = ci.CloseOutNpv(c, 0, 2, 0)
	require.NoError(t, err)
	assert.Equal(t, 3.0, v)

	days, err := ci.MporDays(c, 0)
	require.NoError(t, err)
	assert.Equal(t, 14, days)
	days, err = ci.MporDays(c, 2)
	require.NoError(t, err)
	assert.Equal(t, 7, days)

	flow, err := ci.MporFlow(c, 0, 0, 0)
	require.NoError(t, err)
	assert.Zero(t, flow)
	assert.Equal(t, 1, ci.RequiredDepth())
}

func TestInterpretationWithLag(t *testing.T) {
	c, err := NewInMemoryCube(asof, []string{"T"}, grid(2), 1, 2)
	require.NoError(t, err)
	require.NoError(t, c.Set(5, 0, 0, 0, CloseOutNpvDepth))
	ci := CubeInterpretation{WithCloseOutLag: true, MporCalendarDays: 10}

	v, err := ci.CloseOutNpv(c, 0, 0, 0)
	require.NoError(t, err)
	assert.Equal(t, 5.0, v)
	days, err := ci.MporDays(c, 1)
	require.NoError(t, err)
	assert.Equal(t, 10, days)
	assert.Equal(t, 2, ci.RequiredDepth())
	assert.Equal(t, 2, ci.ScenarioDataDepth())
}
