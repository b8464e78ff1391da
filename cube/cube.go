package cube

import (
	"errors"
	"fmt"
	"sort"
	"time"
)

var (
	ErrIndexOutOfRange = errors.New("cube index out of range")
	ErrUnknownID       = errors.New("id not found in cube")
	ErrUnknownDate     = errors.New("date not found in cube")
	ErrInvalidLayout   = errors.New("invalid cube layout")
)

// NPVCube is the dense valuation store shared between the simulation engine
// and the aggregation layer. Rows are entities (trades or netting sets).
type NPVCube interface {
	Asof() time.Time
	Dates() []time.Time
	Samples() int
	Depth() int
	NumIDs() int
	IDs() []string
	IDsAndIndexes() map[string]int
	Index(id string) (int, error)
	DateIndex(date time.Time) (int, error)

	Set(value float64, idx, dateIdx, sample, depth int) error
	Get(idx, dateIdx, sample, depth int) (float64, error)
	SetT0(value float64, idx, depth int) error
	GetT0(idx, depth int) (float64, error)
}

// layout holds the id and date tables fixed at construction.
type layout struct {
	asof    time.Time
	ids     []string
	index   map[string]int
	dates   []time.Time
	dateIdx map[int64]int
	samples int
	depth   int
}

func newLayout(asof time.Time, ids []string, dates []time.Time, samples, depth int) (*layout, error) {
	if samples <= 0 {
		return nil, fmt.Errorf("%w: samples must be positive, got %d", ErrInvalidLayout, samples)
	}
	if depth <= 0 {
		return nil, fmt.Errorf("%w: depth must be positive, got %d", ErrInvalidLayout, depth)
	}
	l := &layout{
		asof:    asof,
		ids:     append([]string(nil), ids...),
		index:   make(map[string]int, len(ids)),
		dates:   append([]time.Time(nil), dates...),
		dateIdx: make(map[int64]int, len(dates)),
		samples: samples,
		depth:   depth,
	}
	for i, id := range l.ids {
		if _, ok := l.index[id]; ok {
			return nil, fmt.Errorf("%w: duplicate id %q", ErrInvalidLayout, id)
		}
		l.index[id] = i
	}
	prev := asof
	for i, d := range l.dates {
		if !d.After(prev) {
			return nil, fmt.Errorf("%w: date %s at position %d is not after %s",
				ErrInvalidLayout, d.Format("2006-01-02"), i, prev.Format("2006-01-02"))
		}
		l.dateIdx[d.Unix()] = i
		prev = d
	}
	return l, nil
}

func (l *layout) Asof() time.Time    { return l.asof }
func (l *layout) Dates() []time.Time { return l.dates }
func (l *layout) Samples() int       { return l.samples }
func (l *layout) Depth() int         { return l.depth }
func (l *layout) NumIDs() int        { return len(l.ids) }
func (l *layout) IDs() []string      { return l.ids }

func (l *layout) IDsAndIndexes() map[string]int {
	out := make(map[string]int, len(l.index))
	for k, v := range l.index {
		out[k] = v
	}
	return out
}

func (l *layout) Index(id string) (int, error) {
	i, ok := l.index[id]
	if !ok {
		return 0, fmt.Errorf("%w: %q", ErrUnknownID, id)
	}
	return i, nil
}

func (l *layout) DateIndex(date time.Time) (int, error) {
	i, ok := l.dateIdx[date.Unix()]
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrUnknownDate, date.Format("2006-01-02"))
	}
	return i, nil
}

func (l *layout) offset(idx, dateIdx, sample, depth int) (int, error) {
	if err := checkRange("id", idx, len(l.ids)); err != nil {
		return 0, err
	}
	if err := checkRange("date", dateIdx, len(l.dates)); err != nil {
		return 0, err
	}
	if err := checkRange("sample", sample, l.samples); err != nil {
		return 0, err
	}
	if err := checkRange("depth", depth, l.depth); err != nil {
		return 0, err
	}
	return ((idx*len(l.dates)+dateIdx)*l.samples+sample)*l.depth + depth, nil
}

func (l *layout) offsetT0(idx, depth int) (int, error) {
	if err := checkRange("id", idx, len(l.ids)); err != nil {
		return 0, err
	}
	if err := checkRange("depth", depth, l.depth); err != nil {
		return 0, err
	}
	return idx*l.depth + depth, nil
}

func checkRange(name string, i, n int) error {
	if i < 0 || i >= n {
		return fmt.Errorf("%w: %s index %d not in [0, %d)", ErrIndexOutOfRange, name, i, n)
	}
	return nil
}

// InMemoryCube stores values in a single float64 arena.
type InMemoryCube struct {
	*layout
	data []float64
	t0   []float64
}

func NewInMemoryCube(asof time.Time, ids []string, dates []time.Time, samples, depth int) (*InMemoryCube, error) {
	l, err := newLayout(asof, ids, dates, samples, depth)
	if err != nil {
		return nil, err
	}
	return &InMemoryCube{
		layout: l,
		data:   make([]float64, len(ids)*len(dates)*samples*depth),
		t0:     make([]float64, len(ids)*depth),
	}, nil
}

func (c *InMemoryCube) Set(value float64, idx, dateIdx, sample, depth int) error {
	o, err := c.offset(idx, dateIdx, sample, depth)
	if err != nil {
		return err
	}
	c.data[o] = value
	return nil
}

func (c *InMemoryCube) Get(idx, dateIdx, sample, depth int) (float64, error) {
	o, err := c.offset(idx, dateIdx, sample, depth)
	if err != nil {
		return 0, err
	}
	return c.data[o], nil
}

func (c *InMemoryCube) SetT0(value float64, idx, depth int) error {
	o, err := c.offsetT0(idx, depth)
	if err != nil {
		return err
	}
	c.t0[o] = value
	return nil
}

func (c *InMemoryCube) GetT0(idx, depth int) (float64, error) {
	o, err := c.offsetT0(idx, depth)
	if err != nil {
		return 0, err
	}
	return c.t0[o], nil
}

// SinglePrecisionCube halves the memory footprint of large runs.
type SinglePrecisionCube struct {
	*layout
	data []float32
	t0   []float64
}

func NewSinglePrecisionCube(asof time.Time, ids []string, dates []time.Time, samples, depth int) (*SinglePrecisionCube, error) {
	l, err := newLayout(asof, ids, dates, samples, depth)
	if err != nil {
		return nil, err
	}
	return &SinglePrecisionCube{
		layout: l,
		data:   make([]float32, len(ids)*len(dates)*samples*depth),
		t0:     make([]float64, len(ids)*depth),
	}, nil
}

func (c *SinglePrecisionCube) Set(value float64, idx, dateIdx, sample, depth int) error {
	o, err := c.offset(idx, dateIdx, sample, depth)
	if err != nil {
		return err
	}
	c.data[o] = float32(value)
	return nil
}

func (c *SinglePrecisionCube) Get(idx, dateIdx, sample, depth int) (float64, error) {
	o, err := c.offset(idx, dateIdx, sample, depth)
	if err != nil {
		return 0, err
	}
	return float64(c.data[o]), nil
}

func (c *SinglePrecisionCube) SetT0(value float64, idx, depth int) error {
	o, err := c.offsetT0(idx, depth)
	if err != nil {
		return err
	}
	c.t0[o] = value
	return nil
}

func (c *SinglePrecisionCube) GetT0(idx, depth int) (float64, error) {
	o, err := c.offsetT0(idx, depth)
	if err != nil {
		return 0, err
	}
	return c.t0[o], nil
}

// GetByID reads a value by entity id and date. The asof date maps to the T0 slice.
func GetByID(c NPVCube, id string, date time.Time, sample, depth int) (float64, error) {
	idx, err := c.Index(id)
	if err != nil {
		return 0, err
	}
	if date.Equal(c.Asof()) {
		return c.GetT0(idx, depth)
	}
	dateIdx, err := c.DateIndex(date)
	if err != nil {
		return 0, err
	}
	return c.Get(idx, dateIdx, sample, depth)
}

// SetByID is the id and date keyed counterpart of Set.
func SetByID(c NPVCube, value float64, id string, date time.Time, sample, depth int) error {
	idx, err := c.Index(id)
	if err != nil {
		return err
	}
	if date.Equal(c.Asof()) {
		return c.SetT0(value, idx, depth)
	}
	dateIdx, err := c.DateIndex(date)
	if err != nil {
		return err
	}
	return c.Set(value, idx, dateIdx, sample, depth)
}

// SortedIDs returns the cube ids in row order.
func SortedIDs(c NPVCube) []string {
	m := c.IDsAndIndexes()
	ids := make([]string, 0, len(m))
	for id := range m {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return m[ids[i]] < m[ids[j]] })
	return ids
}
