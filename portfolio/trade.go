package portfolio

import (
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/bcdannyboy/xvacube/simulation"
)

var (
	ErrInvalidTrade   = errors.New("invalid trade")
	ErrDuplicateTrade = errors.New("duplicate trade id")
)

// Instrument is the priceable part of a trade. NPV is expressed in
// Currency().
type Instrument interface {
	Currency() string
	Maturity() time.Time
	NPV(s simulation.MarketState) (float64, error)
	AdditionalResults(s simulation.MarketState) (map[string]any, error)
}

// CashflowInstrument reports the amounts it pays in (s.Date(), to], in its
// currency, estimated on s.
type CashflowInstrument interface {
	Instrument
	Flows(s simulation.MarketState, to time.Time) (float64, error)
}

// CreditInstrument is an instrument whose value depends on the credit
// state of one issuer.
type CreditInstrument interface {
	Instrument
	IssuerName() string
}

type Trade struct {
	ID             string
	NettingSetID   string
	CounterpartyID string
	Currency       string
	Multiplier     float64
	Instrument     Instrument
}

func NewTrade(id, nettingSet, counterparty string, multiplier float64, inst Instrument) (*Trade, error) {
	if id == "" || nettingSet == "" {
		return nil, fmt.Errorf("%w: trade id and netting set are required", ErrInvalidTrade)
	}
	if inst == nil {
		return nil, fmt.Errorf("%w: trade %s has no instrument", ErrInvalidTrade, id)
	}
	return &Trade{
		ID:             id,
		NettingSetID:   nettingSet,
		CounterpartyID: counterparty,
		Currency:       inst.Currency(),
		Multiplier:     multiplier,
		Instrument:     inst,
	}, nil
}

func (t *Trade) Maturity() time.Time { return t.Instrument.Maturity() }

// Portfolio keeps trades in insertion order.
type Portfolio struct {
	trades []*Trade
	index  map[string]int
}

func NewPortfolio() *Portfolio {
	return &Portfolio{index: make(map[string]int)}
}

func (p *Portfolio) Add(t *Trade) error {
	if _, ok := p.index[t.ID]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateTrade, t.ID)
	}
	p.index[t.ID] = len(p.trades)
	p.trades = append(p.trades, t)
	return nil
}

func (p *Portfolio) Size() int        { return len(p.trades) }
func (p *Portfolio) Trades() []*Trade { return p.trades }

func (p *Portfolio) Trade(id string) (*Trade, bool) {
	i, ok := p.index[id]
	if !ok {
		return nil, false
	}
	return p.trades[i], true
}

func (p *Portfolio) IDs() []string {
	ids := make([]string, len(p.trades))
	for i, t := range p.trades {
		ids[i] = t.ID
	}
	return ids
}

// NettingSets returns the sorted netting set ids.
func (p *Portfolio) NettingSets() []string {
	seen := make(map[string]bool)
	var out []string
	for _, t := range p.trades {
		if !seen[t.NettingSetID] {
			seen[t.NettingSetID] = true
			out = append(out, t.NettingSetID)
		}
	}
	sort.Strings(out)
	return out
}

// NettingSetOf maps trade id to netting set id.
func (p *Portfolio) NettingSetOf() map[string]string {
	m := make(map[string]string, len(p.trades))
	for _, t := range p.trades {
		m[t.ID] = t.NettingSetID
	}
	return m
}

// Maturity is the latest trade maturity.
func (p *Portfolio) Maturity() time.Time {
	var m time.Time
	for _, t := range p.trades {
		if t.Maturity().After(m) {
			m = t.Maturity()
		}
	}
	return m
}
