package cube

import (
	"fmt"
	"math"
)

// Depth layout of a trade valuation cube.
const (
	DefaultNpvDepth  = 0
	CloseOutNpvDepth = 1
	FlowDepth        = 2
)

// CubeInterpretation knows how values are laid out in a raw valuation cube
// and in the matching scenario data.
type CubeInterpretation struct {
	WithCloseOutLag  bool
	StoreFlows       bool
	MporCalendarDays int
}

// RequiredDepth is the cube depth needed for this layout.
func (ci CubeInterpretation) RequiredDepth() int {
	switch {
	case ci.StoreFlows:
		return FlowDepth + 1
	case ci.WithCloseOutLag:
		return CloseOutNpvDepth + 1
	default:
		return DefaultNpvDepth + 1
	}
}

// ScenarioDataDepth is the depth needed for the scenario data store.
func (ci CubeInterpretation) ScenarioDataDepth() int {
	if ci.WithCloseOutLag {
		return CloseOutSlot + 1
	}
	return DefaultSlot + 1
}

func (ci CubeInterpretation) DefaultNpv(c NPVCube, idx, dateIdx, sample int) (float64, error) {
	return c.Get(idx, dateIdx, sample, DefaultNpvDepth)
}

// CloseOutNpv returns the close-out value. Without a close-out lag the
// value on the next grid date is used; the last date closes out on itself.
func (ci CubeInterpretation) CloseOutNpv(c NPVCube, idx, dateIdx, sample int) (float64, error) {
	if ci.WithCloseOutLag {
		return c.Get(idx, dateIdx, sample, CloseOutNpvDepth)
	}
	next := dateIdx + 1
	if dateIdx >= 0 && next >= len(c.Dates()) {
		next = dateIdx
	}
	return c.Get(idx, next, sample, DefaultNpvDepth)
}

// MporFlow returns the flows paid during the margin period of risk, zero
// when flows are not stored.
func (ci CubeInterpretation) MporFlow(c NPVCube, idx, dateIdx, sample int) (float64, error) {
	if !ci.StoreFlows {
		return 0, nil
	}
	return c.Get(idx, dateIdx, sample, FlowDepth)
}

func (ci CubeInterpretation) DefaultNumeraire(d *AggregationScenarioData, dateIdx, sample int) (float64, error) {
	return d.Get(dateIdx, sample, Numeraire, "")
}

func (ci CubeInterpretation) CloseOutNumeraire(d *AggregationScenarioData, dateIdx, sample int) (float64, error) {
	if ci.WithCloseOutLag {
		return d.GetCloseOut(dateIdx, sample, Numeraire, "")
	}
	next := dateIdx + 1
	if next >= d.DimDates() {
		next = dateIdx
	}
	return d.Get(next, sample, Numeraire, "")
}

func (ci CubeInterpretation) DefaultFxSpot(d *AggregationScenarioData, dateIdx, sample int, ccy string) (float64, error) {
	return d.Get(dateIdx, sample, FXSpot, ccy)
}

// MporDays is the margin period of risk in calendar days at a grid date.
func (ci CubeInterpretation) MporDays(c NPVCube, dateIdx int) (int, error) {
	if ci.WithCloseOutLag {
		if ci.MporCalendarDays <= 0 {
			return 0, fmt.Errorf("%w: mpor days must be positive with a close-out lag", ErrInvalidLayout)
		}
		return ci.MporCalendarDays, nil
	}
	dates := c.Dates()
	if err := checkRange("date", dateIdx, len(dates)); err != nil {
		return 0, err
	}
	if len(dates) == 1 {
		return int(math.Round(dates[0].Sub(c.Asof()).Hours() / 24)), nil
	}
	if dateIdx+1 < len(dates) {
		return int(math.Round(dates[dateIdx+1].Sub(dates[dateIdx]).Hours() / 24)), nil
	}
	return int(math.Round(dates[dateIdx].Sub(dates[dateIdx-1]).Hours() / 24)), nil
}
