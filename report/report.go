package report

import (
	"errors"
	"fmt"
	"strconv"
	"time"
)

var (
	ErrColumnType = errors.New("value does not match column type")
	ErrRowWidth   = errors.New("row width does not match columns")
	ErrEnded      = errors.New("report already ended")
	ErrNoColumns  = errors.New("report has no columns")
)

type ColumnType int

const (
	String ColumnType = iota
	Int
	Float
	Date
)

func (t ColumnType) String() string {
	switch t {
	case String:
		return "string"
	case Int:
		return "int"
	case Float:
		return "float"
	case Date:
		return "date"
	}
	return fmt.Sprintf("ColumnType(%d)", int(t))
}

type Column struct {
	Name      string
	Type      ColumnType
	Precision int
}

// Report is a tabular sink. Calls chain; the first misuse is remembered and
// returned by End, after which the report ignores further input.
type Report interface {
	AddColumn(name string, t ColumnType, precision int) Report
	Next() Report
	Add(v any) Report
	End() error
}

// table holds the shared column and row bookkeeping of the sinks.
type table struct {
	columns []Column
	rows    [][]any
	cur     []any
	open    bool
	ended   bool
	err     error
}

func (t *table) fail(err error) {
	if t.err == nil {
		t.err = err
	}
}

func (t *table) addColumn(name string, ct ColumnType, precision int) {
	if t.err != nil {
		return
	}
	if t.ended {
		t.fail(ErrEnded)
		return
	}
	if t.open || len(t.rows) > 0 {
		t.fail(fmt.Errorf("column %q added after the first row", name))
		return
	}
	t.columns = append(t.columns, Column{Name: name, Type: ct, Precision: precision})
}

// closeRow finishes the current row and reports whether one was finished.
func (t *table) closeRow() bool {
	if !t.open {
		return false
	}
	if len(t.cur) != len(t.columns) {
		t.fail(fmt.Errorf("%w: row %d has %d values for %d columns", ErrRowWidth, len(t.rows), len(t.cur), len(t.columns)))
		return false
	}
	t.rows = append(t.rows, t.cur)
	t.cur, t.open = nil, false
	return true
}

func (t *table) next() bool {
	if t.err != nil {
		return false
	}
	if t.ended {
		t.fail(ErrEnded)
		return false
	}
	if len(t.columns) == 0 {
		t.fail(ErrNoColumns)
		return false
	}
	done := t.closeRow()
	if t.err != nil {
		return false
	}
	t.cur = make([]any, 0, len(t.columns))
	t.open = true
	return done
}

func (t *table) add(v any) {
	if t.err != nil {
		return
	}
	if t.ended {
		t.fail(ErrEnded)
		return
	}
	if !t.open {
		t.fail(errors.New("add called before next"))
		return
	}
	if len(t.cur) == len(t.columns) {
		t.fail(fmt.Errorf("%w: too many values in row %d", ErrRowWidth, len(t.rows)))
		return
	}
	c := t.columns[len(t.cur)]
	nv, err := normalize(c, v)
	if err != nil {
		t.fail(err)
		return
	}
	t.cur = append(t.cur, nv)
}

// end closes the last row; it reports whether that row was complete.
func (t *table) end() bool {
	if t.err != nil {
		return false
	}
	if t.ended {
		t.fail(ErrEnded)
		return false
	}
	done := t.closeRow()
	t.ended = true
	return done
}

func normalize(c Column, v any) (any, error) {
	switch c.Type {
	case String:
		if s, ok := v.(string); ok {
			return s, nil
		}
	case Int:
		switch x := v.(type) {
		case int:
			return x, nil
		case int64:
			return int(x), nil
		case int32:
			return int(x), nil
		}
	case Float:
		switch x := v.(type) {
		case float64:
			return x, nil
		case float32:
			return float64(x), nil
		}
	case Date:
		if d, ok := v.(time.Time); ok {
			return d, nil
		}
	}
	return nil, fmt.Errorf("%w: column %s (%s) got %T", ErrColumnType, c.Name, c.Type, v)
}

// format renders a normalized value as text.
func format(c Column, v any) string {
	switch x := v.(type) {
	case string:
		return x
	case int:
		return strconv.Itoa(x)
	case float64:
		return strconv.FormatFloat(x, 'f', c.Precision, 64)
	case time.Time:
		return x.Format(time.DateOnly)
	}
	return fmt.Sprint(v)
}

// InMemoryReport keeps the rows for later inspection.
type InMemoryReport struct {
	table
}

func NewInMemoryReport() *InMemoryReport { return &InMemoryReport{} }

func (r *InMemoryReport) AddColumn(name string, t ColumnType, precision int) Report {
	r.addColumn(name, t, precision)
	return r
}

func (r *InMemoryReport) Next() Report {
	r.next()
	return r
}

func (r *InMemoryReport) Add(v any) Report {
	r.add(v)
	return r
}

func (r *InMemoryReport) End() error {
	r.end()
	return r.err
}

func (r *InMemoryReport) Columns() []Column { return r.columns }
func (r *InMemoryReport) Rows() [][]any     { return r.rows }

// ColumnIndex returns the position of the named column, or -1.
func (r *InMemoryReport) ColumnIndex(name string) int {
	for i, c := range r.columns {
		if c.Name == name {
			return i
		}
	}
	return -1
}

// Value is the cell of row i in the named column, nil when absent.
func (r *InMemoryReport) Value(i int, column string) any {
	j := r.ColumnIndex(column)
	if j < 0 || i < 0 || i >= len(r.rows) {
		return nil
	}
	return r.rows[i][j]
}
