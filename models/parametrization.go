package models

import (
	"errors"
	"fmt"
	"math"
	"sort"
)

var ErrInvalidParametrization = errors.New("invalid model parametrization")

// PiecewiseConstant is right-continuous: Values[i] applies on
// [Times[i-1], Times[i]) and the last value applies after the last time.
type PiecewiseConstant struct {
	Times  []float64
	Values []float64
}

func Constant(v float64) PiecewiseConstant {
	return PiecewiseConstant{Values: []float64{v}}
}

func (p PiecewiseConstant) validate(name string) error {
	if len(p.Values) != len(p.Times)+1 {
		return fmt.Errorf("%w: %s has %d values for %d times", ErrInvalidParametrization, name, len(p.Values), len(p.Times))
	}
	for i := 1; i < len(p.Times); i++ {
		if p.Times[i] <= p.Times[i-1] {
			return fmt.Errorf("%w: %s times not increasing", ErrInvalidParametrization, name)
		}
	}
	if len(p.Times) > 0 && p.Times[0] <= 0 {
		return fmt.Errorf("%w: %s first time must be positive", ErrInvalidParametrization, name)
	}
	for _, v := range p.Values {
		if v < 0 || math.IsNaN(v) {
			return fmt.Errorf("%w: %s has negative value %g", ErrInvalidParametrization, name, v)
		}
	}
	return nil
}

func (p PiecewiseConstant) Value(t float64) float64 {
	i := sort.Search(len(p.Times), func(i int) bool { return p.Times[i] > t })
	return p.Values[i]
}

// IntegralOfSquare is the integral of value² over [0, t].
func (p PiecewiseConstant) IntegralOfSquare(t float64) float64 {
	sum, prev := 0.0, 0.0
	for i, ti := range p.Times {
		if ti >= t {
			return sum + p.Values[i]*p.Values[i]*(t-prev)
		}
		sum += p.Values[i] * p.Values[i] * (ti - prev)
		prev = ti
	}
	v := p.Values[len(p.Values)-1]
	return sum + v*v*(t-prev)
}

// gaussian1F holds the shared LGM type quantities H, H' and zeta.
type gaussian1F struct {
	Alpha PiecewiseConstant
	Kappa float64
}

func (g gaussian1F) H(t float64) float64 {
	if math.Abs(g.Kappa) < 1e-10 {
		return t
	}
	return (1 - math.Exp(-g.Kappa*t)) / g.Kappa
}

func (g gaussian1F) HPrime(t float64) float64 { return math.Exp(-g.Kappa * t) }

func (g gaussian1F) Zeta(t float64) float64 { return g.Alpha.IntegralOfSquare(t) }

// LGMParametrization is a one factor linear Gauss Markov interest rate model
// with piecewise constant volatility and constant reversion.
type LGMParametrization struct {
	Currency string
	Alpha    PiecewiseConstant
	Kappa    float64
}

func (p LGMParametrization) g() gaussian1F            { return gaussian1F{Alpha: p.Alpha, Kappa: p.Kappa} }
func (p LGMParametrization) H(t float64) float64      { return p.g().H(t) }
func (p LGMParametrization) HPrime(t float64) float64 { return p.g().HPrime(t) }
func (p LGMParametrization) Zeta(t float64) float64   { return p.g().Zeta(t) }

// FXParametrization is a Black-Scholes log spot of one unit of Currency in
// base currency.
type FXParametrization struct {
	Currency string
	Sigma    PiecewiseConstant
}

type EquityParametrization struct {
	Name     string
	Currency string
	Sigma    PiecewiseConstant
}

// InflationDKParametrization is a Dodgson-Kainth model: z is the real rate
// state and y the auxiliary index state, both driven by one Brownian.
type InflationDKParametrization struct {
	Name     string
	Currency string
	Alpha    PiecewiseConstant
	Kappa    float64
}

func (p InflationDKParametrization) g() gaussian1F          { return gaussian1F{Alpha: p.Alpha, Kappa: p.Kappa} }
func (p InflationDKParametrization) H(t float64) float64    { return p.g().H(t) }
func (p InflationDKParametrization) Zeta(t float64) float64 { return p.g().Zeta(t) }

// CreditStateParametrization is a driftless unit-vol driver used by the
// rating migration model of one entity.
type CreditStateParametrization struct {
	Name string
}
