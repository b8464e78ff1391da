package sensitivity

// SensitivityStream yields records one at a time.
type SensitivityStream interface {
	Next() (SensitivityRecord, bool)
	Reset()
}

type InMemorySensitivityStream struct {
	records []SensitivityRecord
	pos     int
}

func NewInMemorySensitivityStream(records []SensitivityRecord) *InMemorySensitivityStream {
	return &InMemorySensitivityStream{records: append([]SensitivityRecord(nil), records...)}
}

func (s *InMemorySensitivityStream) Add(r SensitivityRecord) { s.records = append(s.records, r) }

func (s *InMemorySensitivityStream) Next() (SensitivityRecord, bool) {
	if s.pos >= len(s.records) {
		return SensitivityRecord{}, false
	}
	r := s.records[s.pos]
	s.pos++
	return r, true
}

func (s *InMemorySensitivityStream) Reset() { s.pos = 0 }

func (s *InMemorySensitivityStream) Records() []SensitivityRecord { return s.records }

// FilteredSensitivityStream passes on the records of an underlying stream
// that a filter allows.
type FilteredSensitivityStream struct {
	base   SensitivityStream
	filter ScenarioFilter
}

func NewFilteredSensitivityStream(base SensitivityStream, filter ScenarioFilter) *FilteredSensitivityStream {
	return &FilteredSensitivityStream{base: base, filter: filter}
}

func (s *FilteredSensitivityStream) Next() (SensitivityRecord, bool) {
	for {
		r, ok := s.base.Next()
		if !ok {
			return r, false
		}
		if allowed(s.filter, r) {
			return r, true
		}
	}
}

func (s *FilteredSensitivityStream) Reset() { s.base.Reset() }

// ScenarioFilter decides which risk factors take part in an analysis.
type ScenarioFilter interface {
	Allow(key RiskFactorKey) bool
}

// allowed drops a record when Key1 is filtered out, or Key2 is set and
// filtered out.
func allowed(f ScenarioFilter, r SensitivityRecord) bool {
	if f == nil {
		return true
	}
	if !f.Allow(r.Key1) {
		return false
	}
	return r.Key2.IsZero() || f.Allow(r.Key2)
}

type allowAll struct{}

func (allowAll) Allow(RiskFactorKey) bool { return true }

// AllowAll lets every risk factor through.
var AllowAll ScenarioFilter = allowAll{}

// RiskFactorTypeFilter allows only the listed key types.
type RiskFactorTypeFilter struct {
	types map[KeyType]bool
}

func NewRiskFactorTypeFilter(types ...KeyType) *RiskFactorTypeFilter {
	f := &RiskFactorTypeFilter{types: make(map[KeyType]bool, len(types))}
	for _, t := range types {
		f.types[t] = true
	}
	return f
}

func (f *RiskFactorTypeFilter) Allow(k RiskFactorKey) bool { return f.types[k.Type] }

// ExcludeFilter rejects the listed keys, and every key of the listed
// types and names.
type ExcludeFilter struct {
	Keys  []RiskFactorKey
	Types []KeyType
	Names []string
}

func (f ExcludeFilter) Allow(k RiskFactorKey) bool {
	for _, x := range f.Keys {
		if x == k {
			return false
		}
	}
	for _, t := range f.Types {
		if t == k.Type {
			return false
		}
	}
	for _, n := range f.Names {
		if n == k.Name {
			return false
		}
	}
	return true
}
