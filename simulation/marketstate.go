package simulation

import (
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/bcdannyboy/xvacube/market"
	"github.com/bcdannyboy/xvacube/models"
)

var ErrUnknownEntity = errors.New("unknown credit entity")

// MarketState is the market seen by an instrument on one date of one path,
// or on the asof date for T0 valuation. Amounts are in units of the base
// currency per unit of ccy for FX.
type MarketState interface {
	Asof() time.Time
	Date() time.Time
	BaseCurrency() string
	Numeraire() float64
	FxSpot(ccy string) (float64, error)
	Discount(ccy string, maturity time.Time) (float64, error)
	EquitySpot(name string) (float64, error)
	EquityVolatility(name string, expiry time.Time, strike float64) (float64, error)
	DividendYield(name string) float64
	InflationIndex(name string) (float64, error)
	CreditState(name string) (int, error)
	CreditStates(name string) int
	// DefaultProbability is the probability that name, currently in state,
	// defaults before maturity.
	DefaultProbability(name string, state int, maturity time.Time) (float64, error)
}

// CreditEnvironment answers credit questions from migration models where
// available and from the static default curves otherwise. Curve-only names
// have two states: performing and default.
type CreditEnvironment struct {
	market     *market.Market
	migrations map[string]*models.MigrationModel
}

func NewCreditEnvironment(mkt *market.Market, migrations map[string]*models.MigrationModel) *CreditEnvironment {
	if migrations == nil {
		migrations = make(map[string]*models.MigrationModel)
	}
	return &CreditEnvironment{market: mkt, migrations: migrations}
}

func (c *CreditEnvironment) Migrations() map[string]*models.MigrationModel { return c.migrations }

func (c *CreditEnvironment) States(name string) int {
	if mm, ok := c.migrations[name]; ok {
		return mm.Matrix().States()
	}
	return 2
}

func (c *CreditEnvironment) DefaultState(name string) int { return c.States(name) - 1 }

func (c *CreditEnvironment) InitialState(name string) int {
	if mm, ok := c.migrations[name]; ok {
		return mm.InitialState
	}
	return 0
}

// DefaultProbability over (t0, t1] in year fractions from asof.
func (c *CreditEnvironment) DefaultProbability(name string, state int, t0, t1 float64) (float64, error) {
	if state == c.DefaultState(name) {
		return 1, nil
	}
	if t1 <= t0 {
		return 0, nil
	}
	if mm, ok := c.migrations[name]; ok {
		return mm.DefaultProbability(state, t1-t0), nil
	}
	dc, err := c.market.DefaultCurve(name)
	if err != nil {
		return 0, fmt.Errorf("%w: %s: %w", ErrUnknownEntity, name, err)
	}
	s0 := dc.SurvivalProbability(t0)
	if s0 <= 0 {
		return 1, nil
	}
	return 1 - dc.SurvivalProbability(t1)/s0, nil
}

// SimMarketState reconstructs market quantities from a simulated state.
type SimMarketState struct {
	model   *models.CrossAssetModel
	credit  *CreditEnvironment
	date    time.Time
	t       float64
	x       []float64
	ratings []int
}

func NewSimMarketState(model *models.CrossAssetModel, credit *CreditEnvironment, date time.Time, x []float64, ratings []int) *SimMarketState {
	return &SimMarketState{
		model:   model,
		credit:  credit,
		date:    date,
		t:       market.YearFraction(model.Market().Asof, date),
		x:       x,
		ratings: ratings,
	}
}

func (s *SimMarketState) Asof() time.Time      { return s.model.Market().Asof }
func (s *SimMarketState) Date() time.Time      { return s.date }
func (s *SimMarketState) BaseCurrency() string { return s.model.BaseCurrency() }

// Time is the year fraction of the state's date from asof.
func (s *SimMarketState) Time() float64 { return s.t }

func (s *SimMarketState) Numeraire() float64 {
	return s.model.Numeraire(s.t, s.x[s.model.PIdx(models.IR, 0, 0)])
}

func (s *SimMarketState) FxSpot(ccy string) (float64, error) {
	if ccy == s.BaseCurrency() {
		return 1, nil
	}
	i, err := s.model.CurrencyIndex(ccy)
	if err != nil {
		return 0, err
	}
	return math.Exp(s.x[s.model.PIdx(models.FX, i-1, 0)]), nil
}

func (s *SimMarketState) Discount(ccy string, maturity time.Time) (float64, error) {
	i, err := s.model.CurrencyIndex(ccy)
	if err != nil {
		return 0, err
	}
	T := market.YearFraction(s.Asof(), maturity)
	return s.model.DiscountBond(i, s.t, T, s.x[s.model.PIdx(models.IR, i, 0)]), nil
}

func (s *SimMarketState) EquitySpot(name string) (float64, error) {
	i, err := s.model.EquityIndex(name)
	if err != nil {
		return 0, err
	}
	return math.Exp(s.x[s.model.PIdx(models.EQ, i, 0)]), nil
}

// EquityVolatility reads the static surface at the remaining time to expiry.
func (s *SimMarketState) EquityVolatility(name string, expiry time.Time, strike float64) (float64, error) {
	vs, err := s.model.Market().EquityVol(name)
	if err != nil {
		return 0, err
	}
	return vs.Volatility(market.YearFraction(s.date, expiry), strike), nil
}

func (s *SimMarketState) DividendYield(name string) float64 {
	return s.model.Market().DividendYield(name)
}

func (s *SimMarketState) InflationIndex(name string) (float64, error) {
	i, err := s.model.InflationIndex(name)
	if err != nil {
		return 0, err
	}
	return s.model.InflationIndexLevel(i, s.t, s.x[s.model.PIdx(models.INF, i, 1)]), nil
}

func (s *SimMarketState) CreditState(name string) (int, error) {
	i, err := s.model.CreditIndex(name)
	if err != nil {
		return s.credit.InitialState(name), nil
	}
	if i >= len(s.ratings) {
		return 0, fmt.Errorf("%w: %s has no simulated rating", ErrUnknownEntity, name)
	}
	return s.ratings[i], nil
}

func (s *SimMarketState) CreditStates(name string) int { return s.credit.States(name) }

func (s *SimMarketState) DefaultProbability(name string, state int, maturity time.Time) (float64, error) {
	return s.credit.DefaultProbability(name, state, s.t, market.YearFraction(s.Asof(), maturity))
}

// StaticMarketState values trades on the asof date from the static market.
type StaticMarketState struct {
	market *market.Market
	credit *CreditEnvironment
}

func NewStaticMarketState(mkt *market.Market, credit *CreditEnvironment) *StaticMarketState {
	if credit == nil {
		credit = NewCreditEnvironment(mkt, nil)
	}
	return &StaticMarketState{market: mkt, credit: credit}
}

func (s *StaticMarketState) Asof() time.Time      { return s.market.Asof }
func (s *StaticMarketState) Date() time.Time      { return s.market.Asof }
func (s *StaticMarketState) BaseCurrency() string { return s.market.BaseCurrency }
func (s *StaticMarketState) Numeraire() float64   { return 1 }

func (s *StaticMarketState) FxSpot(ccy string) (float64, error) {
	if ccy == s.market.BaseCurrency {
		return 1, nil
	}
	return s.market.FxSpot(ccy)
}

func (s *StaticMarketState) Discount(ccy string, maturity time.Time) (float64, error) {
	yc, err := s.market.DiscountCurve(ccy)
	if err != nil {
		return 0, err
	}
	T := market.YearFraction(s.market.Asof, maturity)
	if T <= 0 {
		return 1, nil
	}
	return yc.Discount(T), nil
}

func (s *StaticMarketState) EquitySpot(name string) (float64, error) {
	return s.market.EquitySpot(name)
}

func (s *StaticMarketState) EquityVolatility(name string, expiry time.Time, strike float64) (float64, error) {
	vs, err := s.market.EquityVol(name)
	if err != nil {
		return 0, err
	}
	return vs.Volatility(market.YearFraction(s.market.Asof, expiry), strike), nil
}

func (s *StaticMarketState) DividendYield(name string) float64 { return s.market.DividendYield(name) }

func (s *StaticMarketState) InflationIndex(name string) (float64, error) {
	return s.market.CPI(name)
}

func (s *StaticMarketState) CreditState(name string) (int, error) {
	return s.credit.InitialState(name), nil
}

func (s *StaticMarketState) CreditStates(name string) int { return s.credit.States(name) }

func (s *StaticMarketState) DefaultProbability(name string, state int, maturity time.Time) (float64, error) {
	return s.credit.DefaultProbability(name, state, 0, market.YearFraction(s.market.Asof, maturity))
}
