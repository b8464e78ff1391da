package engine

import (
	"errors"
	"fmt"

	"github.com/bcdannyboy/xvacube/cube"
	"github.com/bcdannyboy/xvacube/portfolio"
	"github.com/bcdannyboy/xvacube/simulation"
)

var ErrStateNpvType = errors.New("stateNpv additional result has unexpected type")

// ValuationCalculator writes the values of one trade on one (date, sample)
// point into the output cubes. nettingOut is optional; when set it is keyed
// by netting set id and receives the sum over the netting set's trades.
//
// Writes for a sample must come from one goroutine: accumulation into
// nettingOut is not synchronised.
type ValuationCalculator interface {
	Calculate(trade *portfolio.Trade, tradeIdx int, s simulation.MarketState, out, nettingOut cube.NPVCube,
		dateIdx, sample int, isCloseOut bool) error
	CalculateT0(trade *portfolio.Trade, tradeIdx int, s simulation.MarketState, out, nettingOut cube.NPVCube) error
}

// toBase converts an amount in the trade currency to numeraire-deflated base
// currency, including the trade multiplier.
func toBase(trade *portfolio.Trade, s simulation.MarketState, v float64) (float64, error) {
	fx, err := s.FxSpot(trade.Currency)
	if err != nil {
		return 0, fmt.Errorf("trade %s: %w", trade.ID, err)
	}
	return v * trade.Multiplier * fx / s.Numeraire(), nil
}

func expired(trade *portfolio.Trade, s simulation.MarketState) bool {
	return !trade.Maturity().After(s.Date())
}

func accumulate(nettingOut cube.NPVCube, trade *portfolio.Trade, v float64, dateIdx, sample, depth int) error {
	if nettingOut == nil {
		return nil
	}
	i, err := nettingOut.Index(trade.NettingSetID)
	if err != nil {
		return err
	}
	prev, err := nettingOut.Get(i, dateIdx, sample, depth)
	if err != nil {
		return err
	}
	return nettingOut.Set(prev+v, i, dateIdx, sample, depth)
}

func accumulateT0(nettingOut cube.NPVCube, trade *portfolio.Trade, v float64, depth int) error {
	if nettingOut == nil {
		return nil
	}
	i, err := nettingOut.Index(trade.NettingSetID)
	if err != nil {
		return err
	}
	prev, err := nettingOut.GetT0(i, depth)
	if err != nil {
		return err
	}
	return nettingOut.SetT0(prev+v, i, depth)
}

// NPVCalculator stores the deflated base currency NPV, at DefaultDepth on
// valuation dates and CloseOutDepth on close-out dates.
type NPVCalculator struct {
	BaseCurrency  string
	DefaultDepth  int
	CloseOutDepth int
}

func NewNPVCalculator(baseCcy string) *NPVCalculator {
	return &NPVCalculator{BaseCurrency: baseCcy, DefaultDepth: cube.DefaultNpvDepth, CloseOutDepth: cube.CloseOutNpvDepth}
}

func (c *NPVCalculator) npv(trade *portfolio.Trade, s simulation.MarketState) (float64, error) {
	if expired(trade, s) {
		return 0, nil
	}
	v, err := trade.Instrument.NPV(s)
	if err != nil {
		return 0, fmt.Errorf("trade %s npv: %w", trade.ID, err)
	}
	return toBase(trade, s, v)
}

func (c *NPVCalculator) Calculate(trade *portfolio.Trade, tradeIdx int, s simulation.MarketState, out, nettingOut cube.NPVCube,
	dateIdx, sample int, isCloseOut bool) error {
	v, err := c.npv(trade, s)
	if err != nil {
		return err
	}
	depth := c.DefaultDepth
	if isCloseOut {
		depth = c.CloseOutDepth
	}
	if err := out.Set(v, tradeIdx, dateIdx, sample, depth); err != nil {
		return err
	}
	return accumulate(nettingOut, trade, v, dateIdx, sample, depth)
}

func (c *NPVCalculator) CalculateT0(trade *portfolio.Trade, tradeIdx int, s simulation.MarketState, out, nettingOut cube.NPVCube) error {
	v, err := c.npv(trade, s)
	if err != nil {
		return err
	}
	if err := out.SetT0(v, tradeIdx, c.DefaultDepth); err != nil {
		return err
	}
	return accumulateT0(nettingOut, trade, v, c.DefaultDepth)
}

// MultiStateNPVCalculator stores one value per credit state in depths
// 0..States-1. Instruments that publish a "stateNpv" result provide the
// vector; others have their scalar NPV replicated. Close-out dates are not
// valued.
//
// Out, when set, receives the values instead of the engine's trade cube and
// must list the trades in the same order. Netting sums are skipped then.
type MultiStateNPVCalculator struct {
	BaseCurrency string
	States       int
	Out          cube.NPVCube
}

func NewMultiStateNPVCalculator(baseCcy string, states int) *MultiStateNPVCalculator {
	return &MultiStateNPVCalculator{BaseCurrency: baseCcy, States: states}
}

func (c *MultiStateNPVCalculator) stateNpv(trade *portfolio.Trade, s simulation.MarketState) ([]float64, error) {
	res := make([]float64, c.States)
	if expired(trade, s) {
		return res, nil
	}
	add, err := trade.Instrument.AdditionalResults(s)
	if err != nil {
		return nil, fmt.Errorf("trade %s additional results: %w", trade.ID, err)
	}
	if raw, ok := add["stateNpv"]; ok {
		v, ok := raw.([]float64)
		if !ok {
			return nil, fmt.Errorf("%w: trade %s has %T", ErrStateNpvType, trade.ID, raw)
		}
		if len(v) != c.States {
			return nil, fmt.Errorf("%w: trade %s has %d states, expected %d", ErrStateNpvType, trade.ID, len(v), c.States)
		}
		for k, x := range v {
			if res[k], err = toBase(trade, s, x); err != nil {
				return nil, err
			}
		}
		return res, nil
	}
	npv, err := trade.Instrument.NPV(s)
	if err != nil {
		return nil, fmt.Errorf("trade %s npv: %w", trade.ID, err)
	}
	v, err := toBase(trade, s, npv)
	if err != nil {
		return nil, err
	}
	for k := range res {
		res[k] = v
	}
	return res, nil
}

func (c *MultiStateNPVCalculator) target(out, nettingOut cube.NPVCube) (cube.NPVCube, cube.NPVCube) {
	if c.Out != nil {
		return c.Out, nil
	}
	return out, nettingOut
}

func (c *MultiStateNPVCalculator) Calculate(trade *portfolio.Trade, tradeIdx int, s simulation.MarketState, out, nettingOut cube.NPVCube,
	dateIdx, sample int, isCloseOut bool) error {
	if isCloseOut {
		return nil
	}
	out, nettingOut = c.target(out, nettingOut)
	v, err := c.stateNpv(trade, s)
	if err != nil {
		return err
	}
	for k, x := range v {
		if err := out.Set(x, tradeIdx, dateIdx, sample, k); err != nil {
			return err
		}
		if err := accumulate(nettingOut, trade, x, dateIdx, sample, k); err != nil {
			return err
		}
	}
	return nil
}

func (c *MultiStateNPVCalculator) CalculateT0(trade *portfolio.Trade, tradeIdx int, s simulation.MarketState, out, nettingOut cube.NPVCube) error {
	out, nettingOut = c.target(out, nettingOut)
	v, err := c.stateNpv(trade, s)
	if err != nil {
		return err
	}
	for k, x := range v {
		if err := out.SetT0(x, tradeIdx, k); err != nil {
			return err
		}
		if err := accumulateT0(nettingOut, trade, x, k); err != nil {
			return err
		}
	}
	return nil
}

// CashflowCalculator stores the deflated flows a trade pays during the
// margin period of risk following each valuation date: up to its close-out
// date with a lag, up to the next grid date without one.
type CashflowCalculator struct {
	BaseCurrency string
	Depth        int
	Grid         *simulation.DateGrid
}

func NewCashflowCalculator(baseCcy string, grid *simulation.DateGrid) *CashflowCalculator {
	return &CashflowCalculator{BaseCurrency: baseCcy, Depth: cube.FlowDepth, Grid: grid}
}

func (c *CashflowCalculator) Calculate(trade *portfolio.Trade, tradeIdx int, s simulation.MarketState, out, nettingOut cube.NPVCube,
	dateIdx, sample int, isCloseOut bool) error {
	if isCloseOut {
		return nil
	}
	inst, ok := trade.Instrument.(portfolio.CashflowInstrument)
	if !ok {
		return out.Set(0, tradeIdx, dateIdx, sample, c.Depth)
	}
	to := s.Date()
	switch {
	case c.Grid.WithCloseOutLag():
		to = c.Grid.CloseOutDates[dateIdx]
	case dateIdx+1 < len(c.Grid.Dates):
		to = c.Grid.Dates[dateIdx+1]
	}
	f, err := inst.Flows(s, to)
	if err != nil {
		return fmt.Errorf("trade %s flows: %w", trade.ID, err)
	}
	v, err := toBase(trade, s, f)
	if err != nil {
		return err
	}
	if err := out.Set(v, tradeIdx, dateIdx, sample, c.Depth); err != nil {
		return err
	}
	return accumulate(nettingOut, trade, v, dateIdx, sample, c.Depth)
}

func (c *CashflowCalculator) CalculateT0(*portfolio.Trade, int, simulation.MarketState, cube.NPVCube, cube.NPVCube) error {
	return nil
}
