package aggregation

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"time"
)

var ErrInvalidCollateral = errors.New("invalid collateral")

// CSA holds the variation margin terms of a netting set. Amounts are in
// the base currency; Rcv terms apply to collateral we call, Pay terms to
// collateral we post.
type CSA struct {
	ThresholdRcv float64
	ThresholdPay float64
	MtaRcv       float64
	MtaPay       float64
	// IndependentAmountHeld shifts the credit support amount.
	IndependentAmountHeld float64
	// MarginLagDays delays the settlement of margin calls; zero settles
	// them on the call date.
	MarginLagDays int
	// CollateralSpreadRcv and CollateralSpreadPay are the spreads paid on
	// held and posted collateral, used by COLVA.
	CollateralSpreadRcv float64
	CollateralSpreadPay float64
}

func (c *CSA) validate() error {
	if c.ThresholdRcv < 0 || c.ThresholdPay < 0 || c.MtaRcv < 0 || c.MtaPay < 0 || c.MarginLagDays < 0 {
		return fmt.Errorf("%w: thresholds, minimum transfer amounts and margin lag must not be negative", ErrInvalidCollateral)
	}
	return nil
}

// CreditSupportAmount is the collateral the agreement asks for against
// the uncollateralised value v: positive held, negative posted.
func (c *CSA) CreditSupportAmount(v float64) float64 {
	v += c.IndependentAmountHeld
	if v >= 0 {
		return math.Max(v-c.ThresholdRcv, 0)
	}
	return math.Min(v+c.ThresholdPay, 0)
}

// marginCall is the delivery amount given the balance and the calls not
// yet settled, zero below the minimum transfer amount.
func (c *CSA) marginCall(v, balance, open float64) float64 {
	shortfall := c.CreditSupportAmount(v) - balance - open
	mta := c.MtaPay
	if shortfall >= 0 {
		mta = c.MtaRcv
	}
	if math.Abs(shortfall) < mta {
		return 0
	}
	return shortfall
}

type pendingCall struct {
	amount float64
	pay    time.Time
}

// BalancePaths simulates the variation margin account of a netting set on
// the valuation grid. values are netting set values by [date][sample] in
// base currency, valueToday the value at asof and initial the balance
// before today's call. The result is the balance by [date][sample] after
// the calls settled on each date, plus today's balance.
func (c *CSA) BalancePaths(asof time.Time, dates []time.Time, valueToday, initial float64, values [][]float64) ([][]float64, float64, error) {
	if err := c.validate(); err != nil {
		return nil, 0, err
	}
	if len(values) != len(dates) {
		return nil, 0, fmt.Errorf("%w: %d value rows for %d dates", ErrSampleMismatch, len(values), len(dates))
	}
	today := initial + c.marginCall(valueToday, initial, 0)
	out := make([][]float64, len(dates))
	samples := 0
	if len(values) > 0 {
		samples = len(values[0])
	}
	for j := range out {
		if len(values[j]) != samples {
			return nil, 0, fmt.Errorf("%w: date %d has %d samples, expected %d", ErrSampleMismatch, j, len(values[j]), samples)
		}
		out[j] = make([]float64, samples)
	}
	for k := 0; k < samples; k++ {
		balance := today
		var pending []pendingCall
		for j, d := range dates {
			open := 0.0
			kept := pending[:0]
			for _, pc := range pending {
				if pc.pay.After(d) {
					open += pc.amount
					kept = append(kept, pc)
					continue
				}
				balance += pc.amount
			}
			pending = kept
			if call := c.marginCall(values[j][k], balance, open); call != 0 {
				if c.MarginLagDays == 0 {
					balance += call
				} else {
					pending = append(pending, pendingCall{amount: call, pay: d.AddDate(0, 0, c.MarginLagDays)})
				}
			}
			out[j][k] = balance
		}
	}
	return out, today, nil
}

// CollateralBalance is the current collateral position of a netting set,
// amounts in Currency. A nil CSA means no variation margin agreement.
type CollateralBalance struct {
	Currency        string
	InitialMargin   float64
	VariationMargin float64
	CSA             *CSA
}

// CollateralBalances is a lookup of current balances by netting set id.
type CollateralBalances struct {
	balances map[string]CollateralBalance
}

func NewCollateralBalances() *CollateralBalances {
	return &CollateralBalances{balances: make(map[string]CollateralBalance)}
}

func (c *CollateralBalances) Add(nettingSet string, b CollateralBalance) {
	c.balances[nettingSet] = b
}

// Get is safe on a nil receiver, which holds no balances.
func (c *CollateralBalances) Get(nettingSet string) (CollateralBalance, bool) {
	if c == nil {
		return CollateralBalance{}, false
	}
	b, ok := c.balances[nettingSet]
	return b, ok
}

func (c *CollateralBalances) NettingSets() []string {
	if c == nil {
		return nil
	}
	ids := make([]string, 0, len(c.balances))
	for id := range c.balances {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
