package cube

import (
	"errors"
	"fmt"
	"sort"
)

var ErrUnknownKey = errors.New("scenario data key not registered")

type DataType int

const (
	Numeraire DataType = iota
	FXSpot
	IndexFixing
	CreditState
	SurvivalWeight
)

func (t DataType) String() string {
	switch t {
	case Numeraire:
		return "Numeraire"
	case FXSpot:
		return "FXSpot"
	case IndexFixing:
		return "IndexFixing"
	case CreditState:
		return "CreditState"
	case SurvivalWeight:
		return "SurvivalWeight"
	}
	return fmt.Sprintf("DataType(%d)", int(t))
}

type DataKey struct {
	Type      DataType
	Qualifier string
}

func (k DataKey) String() string {
	if k.Qualifier == "" {
		return k.Type.String()
	}
	return k.Type.String() + "/" + k.Qualifier
}

// Depth slots of the scenario data. CloseOutSlot exists only when the
// simulation runs with a close-out lag.
const (
	DefaultSlot  = 0
	CloseOutSlot = 1
)

// AggregationScenarioData stores per date and sample market scalars needed
// by aggregation (numeraire, FX spots, fixings, credit states).
//
// Keys must be registered before the store is filled concurrently; Set
// itself never grows the store.
type AggregationScenarioData struct {
	dates   int
	samples int
	depth   int
	values  map[DataKey][]float64
}

func NewAggregationScenarioData(dates, samples, depth int) (*AggregationScenarioData, error) {
	if dates <= 0 || samples <= 0 || depth <= 0 {
		return nil, fmt.Errorf("%w: dates=%d samples=%d depth=%d", ErrInvalidLayout, dates, samples, depth)
	}
	return &AggregationScenarioData{
		dates:   dates,
		samples: samples,
		depth:   depth,
		values:  make(map[DataKey][]float64),
	}, nil
}

func (a *AggregationScenarioData) DimDates() int   { return a.dates }
func (a *AggregationScenarioData) DimSamples() int { return a.samples }
func (a *AggregationScenarioData) Depth() int      { return a.depth }

func (a *AggregationScenarioData) Register(t DataType, qualifier string) {
	k := DataKey{Type: t, Qualifier: qualifier}
	if _, ok := a.values[k]; !ok {
		a.values[k] = make([]float64, a.dates*a.samples*a.depth)
	}
}

func (a *AggregationScenarioData) Has(t DataType, qualifier string) bool {
	_, ok := a.values[DataKey{Type: t, Qualifier: qualifier}]
	return ok
}

func (a *AggregationScenarioData) Keys() []DataKey {
	keys := make([]DataKey, 0, len(a.values))
	for k := range a.values {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].Type != keys[j].Type {
			return keys[i].Type < keys[j].Type
		}
		return keys[i].Qualifier < keys[j].Qualifier
	})
	return keys
}

func (a *AggregationScenarioData) slot(dateIdx, sample, depth int, t DataType, qualifier string) ([]float64, int, error) {
	v, ok := a.values[DataKey{Type: t, Qualifier: qualifier}]
	if !ok {
		return nil, 0, fmt.Errorf("%w: %s", ErrUnknownKey, DataKey{Type: t, Qualifier: qualifier})
	}
	if err := checkRange("date", dateIdx, a.dates); err != nil {
		return nil, 0, err
	}
	if err := checkRange("sample", sample, a.samples); err != nil {
		return nil, 0, err
	}
	if err := checkRange("depth", depth, a.depth); err != nil {
		return nil, 0, err
	}
	return v, (dateIdx*a.samples+sample)*a.depth + depth, nil
}

func (a *AggregationScenarioData) Set(value float64, dateIdx, sample int, t DataType, qualifier string) error {
	v, o, err := a.slot(dateIdx, sample, DefaultSlot, t, qualifier)
	if err != nil {
		return err
	}
	v[o] = value
	return nil
}

func (a *AggregationScenarioData) Get(dateIdx, sample int, t DataType, qualifier string) (float64, error) {
	v, o, err := a.slot(dateIdx, sample, DefaultSlot, t, qualifier)
	if err != nil {
		return 0, err
	}
	return v[o], nil
}

func (a *AggregationScenarioData) SetCloseOut(value float64, dateIdx, sample int, t DataType, qualifier string) error {
	v, o, err := a.slot(dateIdx, sample, CloseOutSlot, t, qualifier)
	if err != nil {
		return err
	}
	v[o] = value
	return nil
}

func (a *AggregationScenarioData) GetCloseOut(dateIdx, sample int, t DataType, qualifier string) (float64, error) {
	v, o, err := a.slot(dateIdx, sample, CloseOutSlot, t, qualifier)
	if err != nil {
		return 0, err
	}
	return v[o], nil
}
