package marketrisk

import "github.com/bcdannyboy/xvacube/sensitivity"

type RiskClass int

const (
	AllClasses RiskClass = iota
	InterestRate
	Inflation
	Credit
	Equity
	FX
)

var riskClassLabels = []string{"All", "InterestRate", "Inflation", "Credit", "Equity", "FX"}

func (c RiskClass) String() string { return riskClassLabels[c] }

type RiskType int

const (
	AllTypes RiskType = iota
	DeltaGamma
	Vega
)

var riskTypeLabels = []string{"All", "DeltaGamma", "Vega"}

func (t RiskType) String() string { return riskTypeLabels[t] }

func classify(k sensitivity.KeyType) (RiskClass, RiskType, bool) {
	switch k {
	case sensitivity.DiscountCurve, sensitivity.YieldCurve, sensitivity.IndexCurve:
		return InterestRate, DeltaGamma, true
	case sensitivity.SwaptionVolatility:
		return InterestRate, Vega, true
	case sensitivity.ZeroInflationCurve, sensitivity.CPIIndex:
		return Inflation, DeltaGamma, true
	case sensitivity.SurvivalProbability, sensitivity.RecoveryRate:
		return Credit, DeltaGamma, true
	case sensitivity.CDSVolatility:
		return Credit, Vega, true
	case sensitivity.EquitySpot, sensitivity.DividendYield:
		return Equity, DeltaGamma, true
	case sensitivity.EquityVolatility:
		return Equity, Vega, true
	case sensitivity.FXSpot:
		return FX, DeltaGamma, true
	case sensitivity.FXVolatility:
		return FX, Vega, true
	}
	return 0, 0, false
}

// RiskFilter lets through the risk factors of one risk class and type.
// AllClasses and AllTypes match everything on their axis.
type RiskFilter struct {
	Class RiskClass
	Type  RiskType
}

func (f RiskFilter) Allow(k sensitivity.RiskFactorKey) bool {
	c, t, ok := classify(k.Type)
	if !ok {
		return f.Class == AllClasses && f.Type == AllTypes
	}
	return (f.Class == AllClasses || f.Class == c) && (f.Type == AllTypes || f.Type == t)
}

// Breakdown lists every class and type combination, the all/all filter
// first.
func Breakdown() []RiskFilter {
	var out []RiskFilter
	for c := range riskClassLabels {
		for t := range riskTypeLabels {
			out = append(out, RiskFilter{Class: RiskClass(c), Type: RiskType(t)})
		}
	}
	return out
}
