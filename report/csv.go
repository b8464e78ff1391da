package report

import (
	"encoding/csv"
	"io"
)

// CSVReport streams rows to w, writing the header with the first row.
type CSVReport struct {
	table
	w      *csv.Writer
	header bool
}

func NewCSVReport(w io.Writer) *CSVReport {
	return &CSVReport{w: csv.NewWriter(w)}
}

func (r *CSVReport) AddColumn(name string, t ColumnType, precision int) Report {
	r.addColumn(name, t, precision)
	return r
}

func (r *CSVReport) Next() Report {
	if r.next() {
		r.flushRow()
	}
	return r
}

func (r *CSVReport) Add(v any) Report {
	r.add(v)
	return r
}

func (r *CSVReport) End() error {
	if r.end() {
		r.flushRow()
	} else if r.err == nil {
		r.writeHeader()
	}
	if r.err != nil {
		return r.err
	}
	r.w.Flush()
	if err := r.w.Error(); err != nil {
		r.fail(err)
	}
	return r.err
}

func (r *CSVReport) writeHeader() {
	if r.header {
		return
	}
	r.header = true
	names := make([]string, len(r.columns))
	for i, c := range r.columns {
		names[i] = c.Name
	}
	if err := r.w.Write(names); err != nil {
		r.fail(err)
	}
}

// flushRow writes the last completed row and drops it from memory.
func (r *CSVReport) flushRow() {
	r.writeHeader()
	if r.err != nil || len(r.rows) == 0 {
		return
	}
	row := r.rows[len(r.rows)-1]
	rec := make([]string, len(row))
	for i, v := range row {
		rec[i] = format(r.columns[i], v)
	}
	if err := r.w.Write(rec); err != nil {
		r.fail(err)
	}
	r.rows[len(r.rows)-1] = nil
}
