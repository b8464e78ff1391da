package simulation

import (
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/bcdannyboy/xvacube/market"
)

var ErrInvalidGrid = errors.New("invalid simulation grid")

// Tenor is a calendar period such as 1W, 3M or 1Y.
type Tenor struct {
	N    int
	Unit byte
}

func ParseTenor(s string) (Tenor, error) {
	s = strings.ToUpper(strings.TrimSpace(s))
	if len(s) < 2 {
		return Tenor{}, fmt.Errorf("%w: tenor %q", ErrInvalidGrid, s)
	}
	n, err := strconv.Atoi(s[:len(s)-1])
	if err != nil || n <= 0 {
		return Tenor{}, fmt.Errorf("%w: tenor %q", ErrInvalidGrid, s)
	}
	u := s[len(s)-1]
	switch u {
	case 'D', 'W', 'M', 'Y':
		return Tenor{N: n, Unit: u}, nil
	}
	return Tenor{}, fmt.Errorf("%w: tenor unit %q", ErrInvalidGrid, string(u))
}

func (t Tenor) String() string { return strconv.Itoa(t.N) + string(t.Unit) }

// Advance moves d forward by k periods.
func (t Tenor) Advance(d time.Time, k int) time.Time {
	switch t.Unit {
	case 'D':
		return d.AddDate(0, 0, k*t.N)
	case 'W':
		return d.AddDate(0, 0, 7*k*t.N)
	case 'M':
		return d.AddDate(0, k*t.N, 0)
	}
	return d.AddDate(k*t.N, 0, 0)
}

// DateGrid holds the valuation dates of a run and, with a close-out lag, the
// close-out date that belongs to each of them.
type DateGrid struct {
	Asof          time.Time
	Dates         []time.Time
	CloseOutDates []time.Time

	times    []float64
	all      []time.Time
	valIdx   []int
	closeIdx []int
}

// NewDateGrid builds a grid on explicit dates. mporDays > 0 adds a close-out
// date mporDays calendar days after every valuation date.
func NewDateGrid(asof time.Time, dates []time.Time, mporDays int) (*DateGrid, error) {
	if len(dates) == 0 {
		return nil, fmt.Errorf("%w: no dates", ErrInvalidGrid)
	}
	prev := asof
	for i, d := range dates {
		if !d.After(prev) {
			return nil, fmt.Errorf("%w: date %d (%s) not after %s", ErrInvalidGrid, i, d.Format(time.DateOnly), prev.Format(time.DateOnly))
		}
		prev = d
	}
	g := &DateGrid{Asof: asof, Dates: append([]time.Time(nil), dates...)}
	if mporDays > 0 {
		for _, d := range dates {
			g.CloseOutDates = append(g.CloseOutDates, d.AddDate(0, 0, mporDays))
		}
	}

	merged := append(append([]time.Time(nil), g.Dates...), g.CloseOutDates...)
	sort.Slice(merged, func(i, j int) bool { return merged[i].Before(merged[j]) })
	pos := make(map[int64]int, len(merged))
	for _, d := range merged {
		if _, ok := pos[d.Unix()]; ok {
			continue
		}
		pos[d.Unix()] = len(g.all)
		g.all = append(g.all, d)
		g.times = append(g.times, market.YearFraction(asof, d))
	}
	for _, d := range g.Dates {
		g.valIdx = append(g.valIdx, pos[d.Unix()])
	}
	for _, d := range g.CloseOutDates {
		g.closeIdx = append(g.closeIdx, pos[d.Unix()])
	}
	return g, nil
}

// NewTenorGrid builds count dates spaced by tenor from asof.
func NewTenorGrid(asof time.Time, tenor string, count, mporDays int) (*DateGrid, error) {
	tn, err := ParseTenor(tenor)
	if err != nil {
		return nil, err
	}
	if count <= 0 {
		return nil, fmt.Errorf("%w: grid count %d", ErrInvalidGrid, count)
	}
	dates := make([]time.Time, count)
	for k := range dates {
		dates[k] = tn.Advance(asof, k+1)
	}
	return NewDateGrid(asof, dates, mporDays)
}

func (g *DateGrid) WithCloseOutLag() bool { return len(g.CloseOutDates) > 0 }

// Times are the year fractions of all simulated dates, valuation and
// close-out merged, sorted and de-duplicated.
func (g *DateGrid) Times() []float64 { return g.times }

// SimulationDates are the dates matching Times.
func (g *DateGrid) SimulationDates() []time.Time { return g.all }

// ValuationTimeIndex maps valuation date i to its position in Times.
func (g *DateGrid) ValuationTimeIndex(i int) int { return g.valIdx[i] }

// CloseOutTimeIndex maps the close-out date of valuation date i to its
// position in Times.
func (g *DateGrid) CloseOutTimeIndex(i int) int { return g.closeIdx[i] }
