package report

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xhhuango/json"
)

var day = time.Date(2024, 6, 28, 0, 0, 0, 0, time.UTC)

func fill(r Report) Report {
	return r.AddColumn("TimeStep", Int, 0).
		AddColumn("Date", Date, 0).
		AddColumn("NettingSet", String, 0).
		AddColumn("AverageDIM", Float, 2).
		Next().Add(0).Add(day).Add("NS1").Add(1.2345).
		Next().Add(1).Add(day.AddDate(0, 6, 0)).Add("NS1").Add(2.0)
}

func TestInMemoryReport(t *testing.T) {
	r := NewInMemoryReport()
	require.NoError(t, fill(r).End())
	require.Len(t, r.Rows(), 2)
	assert.Equal(t, 4, len(r.Columns()))
	assert.Equal(t, 1.2345, r.Value(0, "AverageDIM"))
	assert.Equal(t, "NS1", r.Value(1, "NettingSet"))
	assert.Nil(t, r.Value(0, "Missing"))
	assert.Equal(t, 3, r.ColumnIndex("AverageDIM"))
}

func TestCSVReport(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, fill(NewCSVReport(&buf)).End())
	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 3)
	assert.Equal(t, "TimeStep,Date,NettingSet,AverageDIM", lines[0])
	assert.Equal(t, "0,2024-06-28,NS1,1.23", lines[1])
	assert.Equal(t, "1,2024-12-28,NS1,2.00", lines[2])
}

func TestCSVReportHeaderOnly(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, NewCSVReport(&buf).AddColumn("A", String, 0).End())
	assert.Equal(t, "A\n", buf.String())
}

func TestJSONReport(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, fill(NewJSONReport(&buf, false)).End())
	var doc struct {
		Columns []struct{ Name, Type string }
		Rows    [][]any
	}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &doc))
	require.Len(t, doc.Columns, 4)
	assert.Equal(t, "float", doc.Columns[3].Type)
	require.Len(t, doc.Rows, 2)
	assert.Equal(t, "2024-06-28", doc.Rows[0][1])
	assert.InDelta(t, 1.23, doc.Rows[0][3], 1e-12)
}

func TestStickyErrors(t *testing.T) {
	tests := []struct {
		name string
		run  func(r Report) error
		want error
	}{
		{"type mismatch", func(r Report) error {
			return r.AddColumn("A", Float, 2).Next().Add("x").End()
		}, ErrColumnType},
		{"too many values", func(r Report) error {
			return r.AddColumn("A", Int, 0).Next().Add(1).Add(2).End()
		}, ErrRowWidth},
		{"short row", func(r Report) error {
			return r.AddColumn("A", Int, 0).AddColumn("B", Int, 0).Next().Add(1).Next().End()
		}, ErrRowWidth},
		{"no columns", func(r Report) error {
			return r.Next().End()
		}, ErrNoColumns},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.ErrorIs(t, tt.run(NewInMemoryReport()), tt.want)
			var buf bytes.Buffer
			assert.ErrorIs(t, tt.run(NewCSVReport(&buf)), tt.want)
			assert.ErrorIs(t, tt.run(NewJSONReport(&buf, true)), tt.want)
		})
	}

	r := NewInMemoryReport()
	require.NoError(t, r.AddColumn("A", Int, 0).End())
	assert.ErrorIs(t, r.End(), ErrEnded)
}
