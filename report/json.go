package report

import (
	"io"
	"math"
	"time"

	"github.com/xhhuango/json"
)

type jsonColumn struct {
	Name string `json:"name"`
	Type string `json:"type"`
}

type jsonTable struct {
	Columns []jsonColumn `json:"columns"`
	Rows    [][]any      `json:"rows"`
}

// JSONReport buffers the table and writes it to w on End as one document
// with a column list and positional rows.
type JSONReport struct {
	table
	w      io.Writer
	indent bool
}

func NewJSONReport(w io.Writer, indent bool) *JSONReport {
	return &JSONReport{w: w, indent: indent}
}

func (r *JSONReport) AddColumn(name string, t ColumnType, precision int) Report {
	r.addColumn(name, t, precision)
	return r
}

func (r *JSONReport) Next() Report {
	r.next()
	return r
}

func (r *JSONReport) Add(v any) Report {
	r.add(v)
	return r
}

func (r *JSONReport) End() error {
	r.end()
	if r.err != nil {
		return r.err
	}
	doc := jsonTable{Columns: make([]jsonColumn, len(r.columns)), Rows: make([][]any, len(r.rows))}
	for i, c := range r.columns {
		doc.Columns[i] = jsonColumn{Name: c.Name, Type: c.Type.String()}
	}
	for i, row := range r.rows {
		out := make([]any, len(row))
		for j, v := range row {
			switch x := v.(type) {
			case float64:
				if math.IsNaN(x) || math.IsInf(x, 0) {
					out[j] = nil
				} else {
					out[j] = json.Number(format(r.columns[j], x))
				}
			case time.Time:
				out[j] = x.Format(time.DateOnly)
			default:
				out[j] = x
			}
		}
		doc.Rows[i] = out
	}
	var (
		b   []byte
		err error
	)
	if r.indent {
		b, err = json.MarshalIndent(doc, "", "  ")
	} else {
		b, err = json.Marshal(doc)
	}
	if err != nil {
		r.fail(err)
		return r.err
	}
	if _, err := r.w.Write(append(b, '\n')); err != nil {
		r.fail(err)
	}
	return r.err
}
