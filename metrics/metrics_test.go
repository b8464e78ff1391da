package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEngineMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	m, err := NewEngineMetrics(reg)
	require.NoError(t, err)

	m.SampleDone()
	m.SampleDone()
	m.CellsWritten(12)
	m.ObservePath(0.001)
	assert.Equal(t, 2.0, testutil.ToFloat64(m.SamplesSimulated))
	assert.Equal(t, 12.0, testutil.ToFloat64(m.CubeCellsWritten))
	assert.Equal(t, 0.0, testutil.ToFloat64(m.ValuationErrors))

	_, err = NewEngineMetrics(reg)
	assert.Error(t, err)
}

func TestNilMetricsRecordNothing(t *testing.T) {
	var m *EngineMetrics
	assert.NotPanics(t, func() {
		m.SampleDone()
		m.CellsWritten(3)
		m.ValuationFailed()
		m.ObservePath(1)
	})
}
