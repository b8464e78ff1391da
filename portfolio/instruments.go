package portfolio

import (
	"fmt"
	"math"
	"time"

	"github.com/bcdannyboy/xvacube/market"
	"github.com/bcdannyboy/xvacube/simulation"
)

// FxForward exchanges BoughtAmount of BoughtCurrency against SoldAmount of
// SoldCurrency at Settlement. Its NPV is in the sold currency.
type FxForward struct {
	BoughtCurrency string
	BoughtAmount   float64
	SoldCurrency   string
	SoldAmount     float64
	Settlement     time.Time
}

func (f *FxForward) Currency() string    { return f.SoldCurrency }
func (f *FxForward) Maturity() time.Time { return f.Settlement }

func (f *FxForward) legs(s simulation.MarketState) (bought, sold, fxSold float64, err error) {
	fxBought, err := s.FxSpot(f.BoughtCurrency)
	if err != nil {
		return 0, 0, 0, err
	}
	if fxSold, err = s.FxSpot(f.SoldCurrency); err != nil {
		return 0, 0, 0, err
	}
	return f.BoughtAmount * fxBought, f.SoldAmount * fxSold, fxSold, nil
}

func (f *FxForward) NPV(s simulation.MarketState) (float64, error) {
	if !s.Date().Before(f.Settlement) {
		return 0, nil
	}
	bought, sold, fxSold, err := f.legs(s)
	if err != nil {
		return 0, err
	}
	pb, err := s.Discount(f.BoughtCurrency, f.Settlement)
	if err != nil {
		return 0, err
	}
	ps, err := s.Discount(f.SoldCurrency, f.Settlement)
	if err != nil {
		return 0, err
	}
	return (bought*pb - sold*ps) / fxSold, nil
}

func (f *FxForward) Flows(s simulation.MarketState, to time.Time) (float64, error) {
	if !f.Settlement.After(s.Date()) || f.Settlement.After(to) {
		return 0, nil
	}
	bought, sold, fxSold, err := f.legs(s)
	if err != nil {
		return 0, err
	}
	return (bought - sold) / fxSold, nil
}

func (f *FxForward) AdditionalResults(simulation.MarketState) (map[string]any, error) {
	return map[string]any{}, nil
}

// InterestRateSwap is a fixed against floating swap in one currency, both
// legs projected and discounted on the simulated curve of that currency.
type InterestRateSwap struct {
	Ccy          string
	Notional     float64
	FixedRate    float64
	FloatSpread  float64
	Payer        bool
	Start        time.Time
	End          time.Time
	FixedMonths  int
	FloatMonths  int
	fixedPeriods []period
	floatPeriods []period
}

type period struct {
	start, end time.Time
	accrual    float64
}

// NewInterestRateSwap builds the period schedules. A payer swap pays fixed.
func NewInterestRateSwap(ccy string, notional, fixedRate, spread float64, payer bool,
	start, end time.Time, fixedMonths, floatMonths int) (*InterestRateSwap, error) {
	if !end.After(start) || fixedMonths <= 0 || floatMonths <= 0 {
		return nil, fmt.Errorf("%w: swap schedule %s to %s", ErrInvalidTrade, start.Format(time.DateOnly), end.Format(time.DateOnly))
	}
	return &InterestRateSwap{
		Ccy:          ccy,
		Notional:     notional,
		FixedRate:    fixedRate,
		FloatSpread:  spread,
		Payer:        payer,
		Start:        start,
		End:          end,
		FixedMonths:  fixedMonths,
		FloatMonths:  floatMonths,
		fixedPeriods: schedule(start, end, fixedMonths),
		floatPeriods: schedule(start, end, floatMonths),
	}, nil
}

func schedule(start, end time.Time, months int) []period {
	var out []period
	for k := 1; ; k++ {
		e := start.AddDate(0, k*months, 0)
		s := start.AddDate(0, (k-1)*months, 0)
		if !e.Before(end) {
			e = end
		}
		out = append(out, period{start: s, end: e, accrual: market.YearFraction(s, e)})
		if e.Equal(end) {
			return out
		}
	}
}

func (w *InterestRateSwap) Currency() string    { return w.Ccy }
func (w *InterestRateSwap) Maturity() time.Time { return w.End }

// floatRate is the simple forward rate of p seen on s. A period that has
// already started resets on the simulation date.
func (w *InterestRateSwap) floatRate(s simulation.MarketState, p period) (float64, error) {
	d := s.Date()
	pe, err := s.Discount(w.Ccy, p.end)
	if err != nil {
		return 0, err
	}
	if p.start.After(d) {
		ps, err := s.Discount(w.Ccy, p.start)
		if err != nil {
			return 0, err
		}
		return (ps/pe - 1) / p.accrual, nil
	}
	return (1/pe - 1) / market.YearFraction(d, p.end), nil
}

func (w *InterestRateSwap) legs(s simulation.MarketState) (fixed, float float64, err error) {
	d := s.Date()
	for _, p := range w.fixedPeriods {
		if !p.end.After(d) {
			continue
		}
		df, err := s.Discount(w.Ccy, p.end)
		if err != nil {
			return 0, 0, err
		}
		fixed += w.Notional * w.FixedRate * p.accrual * df
	}
	for _, p := range w.floatPeriods {
		if !p.end.After(d) {
			continue
		}
		df, err := s.Discount(w.Ccy, p.end)
		if err != nil {
			return 0, 0, err
		}
		r, err := w.floatRate(s, p)
		if err != nil {
			return 0, 0, err
		}
		float += w.Notional * (r + w.FloatSpread) * p.accrual * df
	}
	return fixed, float, nil
}

func (w *InterestRateSwap) sign() float64 {
	if w.Payer {
		return 1
	}
	return -1
}

func (w *InterestRateSwap) NPV(s simulation.MarketState) (float64, error) {
	fixed, float, err := w.legs(s)
	if err != nil {
		return 0, err
	}
	return w.sign() * (float - fixed), nil
}

func (w *InterestRateSwap) Flows(s simulation.MarketState, to time.Time) (float64, error) {
	d := s.Date()
	net := 0.0
	for _, p := range w.fixedPeriods {
		if p.end.After(d) && !p.end.After(to) {
			net -= w.Notional * w.FixedRate * p.accrual
		}
	}
	for _, p := range w.floatPeriods {
		if p.end.After(d) && !p.end.After(to) {
			r, err := w.floatRate(s, p)
			if err != nil {
				return 0, err
			}
			net += w.Notional * (r + w.FloatSpread) * p.accrual
		}
	}
	return w.sign() * net, nil
}

func (w *InterestRateSwap) AdditionalResults(s simulation.MarketState) (map[string]any, error) {
	fixed, float, err := w.legs(s)
	if err != nil {
		return nil, err
	}
	return map[string]any{"fixedLegNpv": fixed, "floatLegNpv": float}, nil
}

// EquityOption is a European option on Quantity units of an equity quoted
// in Ccy, priced with Black-Scholes-Merton on the simulated spot and the
// static volatility surface.
type EquityOption struct {
	Name     string
	Ccy      string
	Strike   float64
	Expiry   time.Time
	Call     bool
	Quantity float64
}

func (o *EquityOption) Currency() string    { return o.Ccy }
func (o *EquityOption) Maturity() time.Time { return o.Expiry }

func (o *EquityOption) metrics(s simulation.MarketState) (BSMResult, error) {
	if !s.Date().Before(o.Expiry) {
		return BSMResult{}, nil
	}
	spot, err := s.EquitySpot(o.Name)
	if err != nil {
		return BSMResult{}, err
	}
	df, err := s.Discount(o.Ccy, o.Expiry)
	if err != nil {
		return BSMResult{}, err
	}
	vol, err := s.EquityVolatility(o.Name, o.Expiry, o.Strike)
	if err != nil {
		return BSMResult{}, err
	}
	T := market.YearFraction(s.Date(), o.Expiry)
	r := -math.Log(df) / T
	return calculateBSM(spot, o.Strike, T, r, s.DividendYield(o.Name), vol, o.Call), nil
}

func (o *EquityOption) NPV(s simulation.MarketState) (float64, error) {
	m, err := o.metrics(s)
	if err != nil {
		return 0, err
	}
	return o.Quantity * m.Price, nil
}

func (o *EquityOption) AdditionalResults(s simulation.MarketState) (map[string]any, error) {
	m, err := o.metrics(s)
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"delta":     o.Quantity * m.Delta,
		"gamma":     o.Quantity * m.Gamma,
		"vega":      o.Quantity * m.Vega,
		"theta":     o.Quantity * m.Theta,
		"rho":       o.Quantity * m.Rho,
		"skewGamma": o.Quantity * m.SkewGamma,
	}, nil
}

// DefaultableZeroBond pays Notional at maturity unless Issuer has
// defaulted, in which case holders recover Recovery·Notional.
type DefaultableZeroBond struct {
	Issuer   string
	Ccy      string
	Notional float64
	Recovery float64
	Expiry   time.Time
}

func (b *DefaultableZeroBond) Currency() string    { return b.Ccy }
func (b *DefaultableZeroBond) Maturity() time.Time { return b.Expiry }
func (b *DefaultableZeroBond) IssuerName() string   { return b.Issuer }

// StateNpv values the bond conditional on each credit state of the issuer.
func (b *DefaultableZeroBond) StateNpv(s simulation.MarketState) ([]float64, error) {
	n := s.CreditStates(b.Issuer)
	out := make([]float64, n)
	if !s.Date().Before(b.Expiry) {
		return out, nil
	}
	df, err := s.Discount(b.Ccy, b.Expiry)
	if err != nil {
		return nil, err
	}
	for k := 0; k < n-1; k++ {
		pd, err := s.DefaultProbability(b.Issuer, k, b.Expiry)
		if err != nil {
			return nil, err
		}
		out[k] = b.Notional * df * (1 - pd)
	}
	out[n-1] = b.Recovery * b.Notional * df
	return out, nil
}

func (b *DefaultableZeroBond) NPV(s simulation.MarketState) (float64, error) {
	v, err := b.StateNpv(s)
	if err != nil {
		return 0, err
	}
	st, err := s.CreditState(b.Issuer)
	if err != nil {
		return 0, err
	}
	if st < 0 || st >= len(v) {
		return 0, fmt.Errorf("%w: state %d of %s", ErrInvalidTrade, st, b.Issuer)
	}
	return v[st], nil
}

func (b *DefaultableZeroBond) Flows(s simulation.MarketState, to time.Time) (float64, error) {
	if !b.Expiry.After(s.Date()) || b.Expiry.After(to) {
		return 0, nil
	}
	st, err := s.CreditState(b.Issuer)
	if err != nil {
		return 0, err
	}
	if st == s.CreditStates(b.Issuer)-1 {
		return b.Recovery * b.Notional, nil
	}
	return b.Notional, nil
}

func (b *DefaultableZeroBond) AdditionalResults(s simulation.MarketState) (map[string]any, error) {
	v, err := b.StateNpv(s)
	if err != nil {
		return nil, err
	}
	return map[string]any{"stateNpv": v}, nil
}
