package market

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrCurveNotFound = errors.New("curve not found")
	ErrQuoteNotFound = errors.New("quote not found")
)

// YearFraction is ACT/365 fixed between two dates.
func YearFraction(from, to time.Time) float64 {
	return to.Sub(from).Hours() / 24 / 365
}

// Market is the static market of a run. It is built once and then only read,
// so it can be shared across workers.
type Market struct {
	Asof         time.Time
	BaseCurrency string

	discount       map[string]YieldCurve
	yield          map[string]YieldCurve
	defaults       map[string]DefaultCurve
	recovery       map[string]float64
	fxSpots        map[string]float64
	equitySpots    map[string]float64
	dividendYields map[string]float64
	equityVols     map[string]*VolatilitySurface
	cpi            map[string]float64
}

func NewMarket(asof time.Time, baseCcy string) *Market {
	return &Market{
		Asof:           asof,
		BaseCurrency:   baseCcy,
		discount:       make(map[string]YieldCurve),
		yield:          make(map[string]YieldCurve),
		defaults:       make(map[string]DefaultCurve),
		recovery:       make(map[string]float64),
		fxSpots:        map[string]float64{baseCcy: 1},
		equitySpots:    make(map[string]float64),
		dividendYields: make(map[string]float64),
		equityVols:     make(map[string]*VolatilitySurface),
		cpi:            make(map[string]float64),
	}
}

func (m *Market) SetDiscountCurve(ccy string, c YieldCurve)      { m.discount[ccy] = c }
func (m *Market) SetYieldCurve(name string, c YieldCurve)        { m.yield[name] = c }
func (m *Market) SetDefaultCurve(name string, c DefaultCurve)    { m.defaults[name] = c }
func (m *Market) SetRecoveryRate(name string, rr float64)        { m.recovery[name] = rr }
func (m *Market) SetEquitySpot(name string, spot float64)        { m.equitySpots[name] = spot }
func (m *Market) SetDividendYield(name string, q float64)        { m.dividendYields[name] = q }
func (m *Market) SetCPI(name string, level float64)              { m.cpi[name] = level }
func (m *Market) SetEquityVol(name string, s *VolatilitySurface) { m.equityVols[name] = s }

// SetFxSpot sets the price of one unit of ccy in base currency.
func (m *Market) SetFxSpot(ccy string, spot float64) { m.fxSpots[ccy] = spot }

func (m *Market) DiscountCurve(ccy string) (YieldCurve, error) {
	c, ok := m.discount[ccy]
	if !ok {
		return nil, fmt.Errorf("%w: discount %s", ErrCurveNotFound, ccy)
	}
	return c, nil
}

// YieldCurve looks up a named curve, falling back to the discount curve of
// the same name so a currency code works too.
func (m *Market) YieldCurve(name string) (YieldCurve, error) {
	if c, ok := m.yield[name]; ok {
		return c, nil
	}
	if c, ok := m.discount[name]; ok {
		return c, nil
	}
	return nil, fmt.Errorf("%w: yield %s", ErrCurveNotFound, name)
}

func (m *Market) DefaultCurve(name string) (DefaultCurve, error) {
	c, ok := m.defaults[name]
	if !ok {
		return nil, fmt.Errorf("%w: default %s", ErrCurveNotFound, name)
	}
	return c, nil
}

func (m *Market) RecoveryRate(name string) (float64, error) {
	rr, ok := m.recovery[name]
	if !ok {
		return 0, fmt.Errorf("%w: recovery rate %s", ErrQuoteNotFound, name)
	}
	return rr, nil
}

func (m *Market) FxSpot(ccy string) (float64, error) {
	s, ok := m.fxSpots[ccy]
	if !ok {
		return 0, fmt.Errorf("%w: fx spot %s%s", ErrQuoteNotFound, ccy, m.BaseCurrency)
	}
	return s, nil
}

func (m *Market) EquitySpot(name string) (float64, error) {
	s, ok := m.equitySpots[name]
	if !ok {
		return 0, fmt.Errorf("%w: equity spot %s", ErrQuoteNotFound, name)
	}
	return s, nil
}

// DividendYield defaults to zero when none is quoted.
func (m *Market) DividendYield(name string) float64 { return m.dividendYields[name] }

func (m *Market) EquityVol(name string) (*VolatilitySurface, error) {
	s, ok := m.equityVols[name]
	if !ok {
		return nil, fmt.Errorf("%w: equity vol %s", ErrQuoteNotFound, name)
	}
	return s, nil
}

func (m *Market) CPI(name string) (float64, error) {
	v, ok := m.cpi[name]
	if !ok {
		return 0, fmt.Errorf("%w: cpi %s", ErrQuoteNotFound, name)
	}
	return v, nil
}

func (m *Market) Currencies() []string {
	out := make([]string, 0, len(m.discount))
	for c := range m.discount {
		out = append(out, c)
	}
	return out
}

func (m *Market) clone() *Market {
	c := NewMarket(m.Asof, m.BaseCurrency)
	for k, v := range m.discount {
		c.discount[k] = v
	}
	for k, v := range m.yield {
		c.yield[k] = v
	}
	for k, v := range m.defaults {
		c.defaults[k] = v
	}
	for k, v := range m.recovery {
		c.recovery[k] = v
	}
	for k, v := range m.fxSpots {
		c.fxSpots[k] = v
	}
	for k, v := range m.equitySpots {
		c.equitySpots[k] = v
	}
	for k, v := range m.dividendYields {
		c.dividendYields[k] = v
	}
	for k, v := range m.equityVols {
		c.equityVols[k] = v
	}
	for k, v := range m.cpi {
		c.cpi[k] = v
	}
	return c
}

// WithDiscountShift returns a copy with a parallel zero rate shift on one
// currency's discount curve.
func (m *Market) WithDiscountShift(ccy string, shift float64) (*Market, error) {
	base, err := m.DiscountCurve(ccy)
	if err != nil {
		return nil, err
	}
	c := m.clone()
	c.discount[ccy] = ShiftedYieldCurve{Base: base, Shift: shift}
	return c, nil
}

// WithFxSpot returns a copy with a relative FX spot shift.
func (m *Market) WithFxSpot(ccy string, relShift float64) (*Market, error) {
	s, err := m.FxSpot(ccy)
	if err != nil {
		return nil, err
	}
	c := m.clone()
	c.fxSpots[ccy] = s * (1 + relShift)
	return c, nil
}

// WithEquitySpot returns a copy with a relative equity spot shift.
func (m *Market) WithEquitySpot(name string, relShift float64) (*Market, error) {
	s, err := m.EquitySpot(name)
	if err != nil {
		return nil, err
	}
	c := m.clone()
	c.equitySpots[name] = s * (1 + relShift)
	return c, nil
}
