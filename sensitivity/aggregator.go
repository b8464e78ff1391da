package sensitivity

import (
	"fmt"
	"sort"

	"github.com/bcdannyboy/xvacube/logging"
	"go.uber.org/zap"
)

// SensitivityAggregator nets sensitivity records across the trades of
// each category. Records with the same risk factor keys in a category are
// summed into one record with an empty trade id.
type SensitivityAggregator struct {
	categories map[string]func(tradeID string) bool
	names      []string
	log        *zap.Logger

	aggregated map[string]map[recordKey]*SensitivityRecord
}

// NewSensitivityAggregator defines each category by the trade ids in it.
func NewSensitivityAggregator(categories map[string][]string, log *zap.Logger) *SensitivityAggregator {
	fns := make(map[string]func(string) bool, len(categories))
	for name, ids := range categories {
		set := make(map[string]bool, len(ids))
		for _, id := range ids {
			set[id] = true
		}
		fns[name] = func(tradeID string) bool { return set[tradeID] }
	}
	return NewSensitivityAggregatorFunc(fns, log)
}

// NewSensitivityAggregatorFunc defines each category by a predicate on the
// trade id.
func NewSensitivityAggregatorFunc(categories map[string]func(tradeID string) bool, log *zap.Logger) *SensitivityAggregator {
	names := make([]string, 0, len(categories))
	for name := range categories {
		names = append(names, name)
	}
	sort.Strings(names)
	a := &SensitivityAggregator{
		categories: categories,
		names:      names,
		log:        logging.OrNop(log),
	}
	a.Reset()
	return a
}

// Categories returns the sorted category names.
func (a *SensitivityAggregator) Categories() []string { return a.names }

// Aggregate reads the whole stream from the start. filter may be nil.
func (a *SensitivityAggregator) Aggregate(ss SensitivityStream, filter ScenarioFilter) {
	ss.Reset()
	read, dropped := 0, 0
	for {
		r, ok := ss.Next()
		if !ok {
			break
		}
		read++
		if !allowed(filter, r) {
			dropped++
			continue
		}
		for _, name := range a.names {
			if !a.categories[name](r.TradeID) {
				continue
			}
			rec := r
			rec.TradeID = ""
			a.add(name, rec)
		}
	}
	a.log.Debug("sensitivities aggregated", zap.Int("records", read), zap.Int("filtered", dropped),
		zap.Int("categories", len(a.names)))
}

func (a *SensitivityAggregator) add(category string, r SensitivityRecord) {
	m := a.aggregated[category]
	if existing, ok := m[r.key()]; ok {
		existing.BaseNpv += r.BaseNpv
		existing.Delta += r.Delta
		existing.Gamma += r.Gamma
		return
	}
	m[r.key()] = &r
}

// Reset drops all aggregated records.
func (a *SensitivityAggregator) Reset() {
	a.aggregated = make(map[string]map[recordKey]*SensitivityRecord, len(a.names))
	for _, name := range a.names {
		a.aggregated[name] = make(map[recordKey]*SensitivityRecord)
	}
}

// Sensitivities returns the aggregated records of a category ordered by
// their keys.
func (a *SensitivityAggregator) Sensitivities(category string) ([]SensitivityRecord, error) {
	m, ok := a.aggregated[category]
	if !ok {
		return nil, fmt.Errorf("unknown sensitivity category %q", category)
	}
	keys := make([]recordKey, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].less(keys[j]) })
	out := make([]SensitivityRecord, len(keys))
	for i, k := range keys {
		out[i] = *m[k]
	}
	return out, nil
}

// GenerateDeltaGamma splits a category into deltas by key and gammas by
// key pair, diagonal gammas under the pair of a key with itself.
func (a *SensitivityAggregator) GenerateDeltaGamma(category string) (map[RiskFactorKey]float64, map[CrossPair]float64, error) {
	recs, err := a.Sensitivities(category)
	if err != nil {
		return nil, nil, err
	}
	deltas := make(map[RiskFactorKey]float64)
	gammas := make(map[CrossPair]float64)
	for _, r := range recs {
		if r.IsCrossGamma() {
			gammas[NewCrossPair(r.Key1, r.Key2)] = r.Gamma
			continue
		}
		deltas[r.Key1] = r.Delta
		gammas[CrossPair{First: r.Key1, Second: r.Key1}] = r.Gamma
	}
	return deltas, gammas, nil
}
