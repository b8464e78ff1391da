package market

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/interp"
)

// YieldCurve gives discount factors by year fraction from the asof date.
type YieldCurve interface {
	Discount(t float64) float64
	InstantaneousForward(t float64) float64
}

// DefaultCurve gives survival probabilities by year fraction from the asof date.
type DefaultCurve interface {
	SurvivalProbability(t float64) float64
}

type FlatYieldCurve struct {
	Rate float64
}

func (c FlatYieldCurve) Discount(t float64) float64             { return math.Exp(-c.Rate * t) }
func (c FlatYieldCurve) InstantaneousForward(t float64) float64 { return c.Rate }

type FlatHazardCurve struct {
	Hazard float64
}

func (c FlatHazardCurve) SurvivalProbability(t float64) float64 { return math.Exp(-c.Hazard * t) }

// logLinear interpolates ln(value) linearly in time and extrapolates flat
// in the log-slope beyond the last pillar.
type logLinear struct {
	times []float64
	logs  []float64
	pl    interp.PiecewiseLinear
}

func newLogLinear(times, values []float64) (*logLinear, error) {
	if len(times) != len(values) {
		return nil, fmt.Errorf("curve has %d times and %d values", len(times), len(values))
	}
	if len(times) == 0 {
		return nil, fmt.Errorf("curve has no pillars")
	}
	xs := make([]float64, 0, len(times)+1)
	ys := make([]float64, 0, len(times)+1)
	if times[0] > 0 {
		xs = append(xs, 0)
		ys = append(ys, 0)
	}
	for i, t := range times {
		if values[i] <= 0 {
			return nil, fmt.Errorf("curve value %g at t=%g is not positive", values[i], t)
		}
		if len(xs) > 0 && t <= xs[len(xs)-1] {
			return nil, fmt.Errorf("curve times not increasing at t=%g", t)
		}
		xs = append(xs, t)
		ys = append(ys, math.Log(values[i]))
	}
	l := &logLinear{times: xs, logs: ys}
	if len(xs) > 1 {
		if err := l.pl.Fit(xs, ys); err != nil {
			return nil, err
		}
	}
	return l, nil
}

func (l *logLinear) value(t float64) float64 {
	n := len(l.times)
	if n == 1 {
		return math.Exp(l.logs[0])
	}
	switch {
	case t <= l.times[0]:
		return math.Exp(l.logs[0])
	case t >= l.times[n-1]:
		slope := (l.logs[n-1] - l.logs[n-2]) / (l.times[n-1] - l.times[n-2])
		return math.Exp(l.logs[n-1] + slope*(t-l.times[n-1]))
	}
	return math.Exp(l.pl.Predict(t))
}

// InterpolatedDiscountCurve is log-linear in discount factors.
type InterpolatedDiscountCurve struct {
	ll *logLinear
}

func NewInterpolatedDiscountCurve(times, discounts []float64) (*InterpolatedDiscountCurve, error) {
	ll, err := newLogLinear(times, discounts)
	if err != nil {
		return nil, fmt.Errorf("discount curve: %w", err)
	}
	return &InterpolatedDiscountCurve{ll: ll}, nil
}

func (c *InterpolatedDiscountCurve) Discount(t float64) float64 { return c.ll.value(t) }

func (c *InterpolatedDiscountCurve) InstantaneousForward(t float64) float64 {
	return forwardFromDiscount(c.Discount, t)
}

// InterpolatedSurvivalCurve is log-linear in survival probabilities.
type InterpolatedSurvivalCurve struct {
	ll *logLinear
}

func NewInterpolatedSurvivalCurve(times, survival []float64) (*InterpolatedSurvivalCurve, error) {
	ll, err := newLogLinear(times, survival)
	if err != nil {
		return nil, fmt.Errorf("survival curve: %w", err)
	}
	return &InterpolatedSurvivalCurve{ll: ll}, nil
}

func (c *InterpolatedSurvivalCurve) SurvivalProbability(t float64) float64 { return c.ll.value(t) }

const forwardBump = 1e-4

func forwardFromDiscount(df func(float64) float64, t float64) float64 {
	t0 := math.Max(t-forwardBump, 0)
	t1 := t + forwardBump
	return -(math.Log(df(t1)) - math.Log(df(t0))) / (t1 - t0)
}

// ShiftedYieldCurve applies a parallel zero rate shift.
type ShiftedYieldCurve struct {
	Base  YieldCurve
	Shift float64
}

func (c ShiftedYieldCurve) Discount(t float64) float64 {
	return c.Base.Discount(t) * math.Exp(-c.Shift*t)
}

func (c ShiftedYieldCurve) InstantaneousForward(t float64) float64 {
	return c.Base.InstantaneousForward(t) + c.Shift
}
