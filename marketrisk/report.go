package marketrisk

import (
	"fmt"
	"math"
	"sort"

	"github.com/bcdannyboy/xvacube/logging"
	"github.com/bcdannyboy/xvacube/report"
	"github.com/bcdannyboy/xvacube/sensitivity"
	"go.uber.org/zap"
	"gonum.org/v1/gonum/mat"
)

const allPortfolios = "(all)"

func addVarColumns(r report.Report, quantiles []float64) {
	r.AddColumn("Portfolio", report.String, 0).
		AddColumn("RiskClass", report.String, 0).
		AddColumn("RiskType", report.String, 0)
	for _, q := range quantiles {
		r.AddColumn(fmt.Sprintf("Quantile_%g", q), report.Float, 6)
	}
}

func quantileValues(c VarCalculator, quantiles []float64) ([]float64, error) {
	out := make([]float64, len(quantiles))
	for i, q := range quantiles {
		v, err := c.Var(q)
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}

// VarReport writes one row per portfolio with its VaR at each quantile.
type VarReport struct {
	Portfolios map[string]VarCalculator
	Quantiles  []float64
}

func (v VarReport) Write(r report.Report) error {
	addVarColumns(r, v.Quantiles)
	names := make([]string, 0, len(v.Portfolios))
	for name := range v.Portfolios {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		vals, err := quantileValues(v.Portfolios[name], v.Quantiles)
		if err != nil {
			return fmt.Errorf("portfolio %s: %w", name, err)
		}
		r.Next().Add(name).Add(AllClasses.String()).Add(AllTypes.String())
		for _, x := range vals {
			r.Add(x)
		}
	}
	return r.End()
}

// MarketRiskReport aggregates sensitivities per portfolio and risk filter and
// turns them into parametric VaR. Covariance is keyed by ordered key pairs,
// variances under the pair of a key with itself.
type MarketRiskReport struct {
	Portfolios map[string][]string
	Covariance map[sensitivity.CrossPair]float64
	Quantiles  []float64
	Params     ParametricVarParams
	// Breakdown reports every risk class and type, plus an "(all)"
	// portfolio when there is more than one.
	Breakdown bool
	Log       *zap.Logger
}

func (m *MarketRiskReport) Calculate(ss sensitivity.SensitivityStream, r report.Report) error {
	log := logging.OrNop(m.Log)
	addVarColumns(r, m.Quantiles)

	portfolios := make(map[string][]string, len(m.Portfolios)+1)
	names := make([]string, 0, len(m.Portfolios)+1)
	for name, ids := range m.Portfolios {
		portfolios[name] = ids
		names = append(names, name)
	}
	sort.Strings(names)
	if m.Breakdown && len(m.Portfolios) > 1 {
		var all []string
		for _, name := range names {
			all = append(all, m.Portfolios[name]...)
		}
		portfolios[allPortfolios] = all
		names = append([]string{allPortfolios}, names...)
	}

	filters := []RiskFilter{{Class: AllClasses, Type: AllTypes}}
	if m.Breakdown {
		filters = Breakdown()
	}
	agg := sensitivity.NewSensitivityAggregator(portfolios, log)
	for _, f := range filters {
		agg.Aggregate(ss, f)
		for _, name := range names {
			deltas, gammas, err := agg.GenerateDeltaGamma(name)
			if err != nil {
				return err
			}
			calc, err := m.calculator(deltas, gammas, log)
			if err != nil {
				return fmt.Errorf("portfolio %s, %s/%s: %w", name, f.Class, f.Type, err)
			}
			vals, err := quantileValues(calc, m.Quantiles)
			if err != nil {
				return fmt.Errorf("portfolio %s, %s/%s: %w", name, f.Class, f.Type, err)
			}
			if absMax(vals) < 1e-12 {
				continue
			}
			r.Next().Add(name).Add(f.Class.String()).Add(f.Type.String())
			for _, v := range vals {
				r.Add(v)
			}
		}
		agg.Reset()
	}
	log.Info("market risk report", zap.Int("portfolios", len(names)), zap.Int("filters", len(filters)))
	return r.End()
}

func (m *MarketRiskReport) calculator(deltas map[sensitivity.RiskFactorKey]float64,
	gammas map[sensitivity.CrossPair]float64, log *zap.Logger) (*ParametricVarCalculator, error) {
	keys := make([]sensitivity.RiskFactorKey, 0, len(deltas))
	for k := range deltas {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].Less(keys[j]) })
	n := len(keys)
	if n == 0 {
		return NewParametricVarCalculator(nil, nil, nil, m.Params, log)
	}

	delta := make([]float64, n)
	gamma := mat.NewSymDense(n, nil)
	cov := mat.NewSymDense(n, nil)
	for i, ki := range keys {
		delta[i] = deltas[ki]
		if _, ok := m.Covariance[sensitivity.CrossPair{First: ki, Second: ki}]; !ok {
			log.Warn("zero variance assigned to sensitivity key", zap.Stringer("key", ki))
		}
		for j := i; j < n; j++ {
			p := sensitivity.NewCrossPair(ki, keys[j])
			gamma.SetSym(i, j, gammas[p])
			cov.SetSym(i, j, m.Covariance[p])
		}
	}
	if maxAbsSym(gamma) == 0 {
		gamma = nil
	}
	return NewParametricVarCalculator(delta, gamma, cov, m.Params, log)
}

func maxAbsSym(s *mat.SymDense) float64 {
	n := s.SymmetricDim()
	out := 0.0
	for i := 0; i < n; i++ {
		for j := i; j < n; j++ {
			out = math.Max(out, math.Abs(s.At(i, j)))
		}
	}
	return out
}
