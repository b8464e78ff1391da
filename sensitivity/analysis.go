package sensitivity

import (
	"errors"
	"fmt"

	"github.com/bcdannyboy/xvacube/logging"
	"github.com/bcdannyboy/xvacube/market"
	"github.com/bcdannyboy/xvacube/portfolio"
	"github.com/bcdannyboy/xvacube/simulation"
	"go.uber.org/zap"
	"golang.org/x/exp/slices"
)

var ErrUnsupportedShift = errors.New("risk factor cannot be shifted")

// Shift is a bump of one risk factor. Size is an absolute zero rate shift
// for discount curves and a relative shift for FX and equity spots.
type Shift struct {
	Key         RiskFactorKey
	Description string
	Size        float64
}

// SensitivityAnalysis revalues a portfolio on bumped copies of the static
// market. Deltas and gammas are central differences in value, not scaled
// by the shift size.
type SensitivityAnalysis struct {
	pf          *portfolio.Portfolio
	mkt         *market.Market
	credit      *simulation.CreditEnvironment
	shifts      []Shift
	crossGammas [][2]RiskFactorKey
	log         *zap.Logger
}

// NewSensitivityAnalysis builds an analysis over shifts. crossGammas lists
// key pairs whose cross gamma is wanted; both keys must be among shifts.
func NewSensitivityAnalysis(pf *portfolio.Portfolio, mkt *market.Market, credit *simulation.CreditEnvironment,
	shifts []Shift, crossGammas [][2]RiskFactorKey, log *zap.Logger) (*SensitivityAnalysis, error) {
	known := make(map[RiskFactorKey]bool, len(shifts))
	for _, s := range shifts {
		if _, err := bump(mkt, s, 1); err != nil {
			return nil, err
		}
		known[s.Key] = true
	}
	for _, p := range crossGammas {
		if !known[p[0]] || !known[p[1]] {
			return nil, fmt.Errorf("%w: cross gamma %s, %s needs both shifts", ErrUnsupportedShift, p[0], p[1])
		}
	}
	return &SensitivityAnalysis{
		pf:          pf,
		mkt:         mkt,
		credit:      credit,
		shifts:      shifts,
		crossGammas: crossGammas,
		log:         logging.OrNop(log),
	}, nil
}

// DefaultShifts bumps every discount curve by one basis point and every
// FX spot against the base currency by one percent.
func DefaultShifts(mkt *market.Market) []Shift {
	var out []Shift
	for _, ccy := range sortedStrings(mkt.Currencies()) {
		out = append(out, Shift{Key: RiskFactorKey{Type: DiscountCurve, Name: ccy}, Description: "parallel", Size: 1e-4})
	}
	for _, ccy := range sortedStrings(mkt.Currencies()) {
		if ccy == mkt.BaseCurrency {
			continue
		}
		if _, err := mkt.FxSpot(ccy); err != nil {
			continue
		}
		out = append(out, Shift{Key: RiskFactorKey{Type: FXSpot, Name: ccy + mkt.BaseCurrency}, Description: "spot", Size: 0.01})
	}
	return out
}

func sortedStrings(s []string) []string {
	out := slices.Clone(s)
	slices.Sort(out)
	return out
}

func bump(mkt *market.Market, s Shift, sign float64) (*market.Market, error) {
	switch s.Key.Type {
	case DiscountCurve:
		return mkt.WithDiscountShift(s.Key.Name, sign*s.Size)
	case FXSpot:
		if len(s.Key.Name) < 3 {
			return nil, fmt.Errorf("%w: FX pair %q", ErrUnsupportedShift, s.Key.Name)
		}
		return mkt.WithFxSpot(s.Key.Name[:3], sign*s.Size)
	case EquitySpot:
		return mkt.WithEquitySpot(s.Key.Name, sign*s.Size)
	}
	return nil, fmt.Errorf("%w: %s", ErrUnsupportedShift, s.Key)
}

// values prices every trade on mkt in base currency.
func (a *SensitivityAnalysis) values(mkt *market.Market) (map[string]float64, error) {
	state := simulation.NewStaticMarketState(mkt, a.credit)
	out := make(map[string]float64, a.pf.Size())
	for _, t := range a.pf.Trades() {
		if !t.Maturity().After(mkt.Asof) {
			out[t.ID] = 0
			continue
		}
		v, err := t.Instrument.NPV(state)
		if err != nil {
			return nil, fmt.Errorf("trade %s: %w", t.ID, err)
		}
		fx, err := state.FxSpot(t.Currency)
		if err != nil {
			return nil, fmt.Errorf("trade %s: %w", t.ID, err)
		}
		out[t.ID] = v * t.Multiplier * fx
	}
	return out, nil
}

func (a *SensitivityAnalysis) bumped(sign float64, shifts ...Shift) (map[string]float64, error) {
	m := a.mkt
	var err error
	for _, s := range shifts {
		if m, err = bump(m, s, sign); err != nil {
			return nil, err
		}
	}
	return a.values(m)
}

// Run computes delta and gamma records for every trade and shift, plus the
// configured cross gammas.
func (a *SensitivityAnalysis) Run() (*InMemorySensitivityStream, error) {
	a.log.Info("sensitivity analysis", zap.Int("trades", a.pf.Size()), zap.Int("shifts", len(a.shifts)),
		zap.Int("crossGammas", len(a.crossGammas)))
	base, err := a.values(a.mkt)
	if err != nil {
		return nil, err
	}
	ccy := a.mkt.BaseCurrency
	up := make(map[RiskFactorKey]map[string]float64, len(a.shifts))
	byKey := make(map[RiskFactorKey]Shift, len(a.shifts))
	stream := NewInMemorySensitivityStream(nil)
	for _, s := range a.shifts {
		u, err := a.bumped(1, s)
		if err != nil {
			return nil, err
		}
		d, err := a.bumped(-1, s)
		if err != nil {
			return nil, err
		}
		up[s.Key] = u
		byKey[s.Key] = s
		for _, t := range a.pf.Trades() {
			b := base[t.ID]
			stream.Add(SensitivityRecord{
				TradeID:  t.ID,
				Key1:     s.Key,
				Desc1:    s.Description,
				Shift1:   s.Size,
				Currency: ccy,
				BaseNpv:  b,
				Delta:    (u[t.ID] - d[t.ID]) / 2,
				Gamma:    u[t.ID] - 2*b + d[t.ID],
			})
		}
	}
	for _, p := range a.crossGammas {
		s1, s2 := byKey[p[0]], byKey[p[1]]
		if p[1].Less(p[0]) {
			s1, s2 = s2, s1
		}
		both, err := a.bumped(1, s1, s2)
		if err != nil {
			return nil, err
		}
		for _, t := range a.pf.Trades() {
			b := base[t.ID]
			stream.Add(SensitivityRecord{
				TradeID:  t.ID,
				Key1:     s1.Key,
				Desc1:    s1.Description,
				Shift1:   s1.Size,
				Key2:     s2.Key,
				Desc2:    s2.Description,
				Shift2:   s2.Size,
				Currency: ccy,
				BaseNpv:  b,
				Gamma:    both[t.ID] - up[s1.Key][t.ID] - up[s2.Key][t.ID] + b,
			})
		}
	}
	a.log.Info("sensitivity analysis done", zap.Int("records", len(stream.Records())))
	return stream, nil
}
