package marketrisk

import (
	"errors"
	"fmt"
	"sort"

	"gonum.org/v1/gonum/stat"
)

var (
	ErrInvalidConfidence = errors.New("confidence level must lie in (0, 1)")
	ErrNoPnL             = errors.New("no P&L scenarios")
	ErrDimension         = errors.New("sensitivity and covariance dimensions differ")
)

// VarCalculator returns the value at risk at a confidence level, as a
// positive amount for a loss.
type VarCalculator interface {
	Var(confidence float64) (float64, error)
}

func checkConfidence(p float64) error {
	if !(p > 0 && p < 1) {
		return fmt.Errorf("%w: %g", ErrInvalidConfidence, p)
	}
	return nil
}

// HistoricalSimulationVarCalculator reads VaR off the empirical distribution
// of realized P&L scenarios.
type HistoricalSimulationVarCalculator struct {
	pnl []float64
}

// NewHistoricalSimulationVarCalculator copies and sorts pnl.
func NewHistoricalSimulationVarCalculator(pnl []float64) (*HistoricalSimulationVarCalculator, error) {
	if len(pnl) == 0 {
		return nil, ErrNoPnL
	}
	sorted := append([]float64(nil), pnl...)
	sort.Float64s(sorted)
	return &HistoricalSimulationVarCalculator{pnl: sorted}, nil
}

// Var is minus the empirical P&L quantile at 1-confidence.
func (c *HistoricalSimulationVarCalculator) Var(confidence float64) (float64, error) {
	if err := checkConfidence(confidence); err != nil {
		return 0, err
	}
	return -stat.Quantile(1-confidence, stat.Empirical, c.pnl, nil), nil
}

// ExpectedShortfall averages the losses at or beyond the VaR scenario.
func (c *HistoricalSimulationVarCalculator) ExpectedShortfall(confidence float64) (float64, error) {
	v, err := c.Var(confidence)
	if err != nil {
		return 0, err
	}
	sum, n := 0.0, 0
	for _, x := range c.pnl {
		if x > -v {
			break
		}
		sum += x
		n++
	}
	return -sum / float64(n), nil
}
