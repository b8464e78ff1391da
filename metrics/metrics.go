package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "xvacube"

// EngineMetrics instruments the Monte Carlo valuation engine. A nil
// *EngineMetrics is valid and records nothing.
type EngineMetrics struct {
	SamplesSimulated prometheus.Counter
	CubeCellsWritten prometheus.Counter
	ValuationErrors  prometheus.Counter
	PathSeconds      prometheus.Histogram
}

func NewEngineMetrics(reg prometheus.Registerer) (*EngineMetrics, error) {
	m := &EngineMetrics{
		SamplesSimulated: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "samples_simulated_total",
			Help:      "Monte Carlo samples fully valued.",
		}),
		CubeCellsWritten: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cube_cells_written_total",
			Help:      "NPV cube cells written by valuation calculators.",
		}),
		ValuationErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "valuation_errors_total",
			Help:      "Trade valuations that failed.",
		}),
		PathSeconds: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "path_generation_seconds",
			Help:      "Time to generate one simulated path.",
			Buckets:   prometheus.ExponentialBuckets(1e-5, 4, 10),
		}),
	}
	for _, c := range []prometheus.Collector{m.SamplesSimulated, m.CubeCellsWritten, m.ValuationErrors, m.PathSeconds} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

func (m *EngineMetrics) SampleDone() {
	if m != nil {
		m.SamplesSimulated.Inc()
	}
}

func (m *EngineMetrics) CellsWritten(n int) {
	if m != nil {
		m.CubeCellsWritten.Add(float64(n))
	}
}

func (m *EngineMetrics) ValuationFailed() {
	if m != nil {
		m.ValuationErrors.Inc()
	}
}

func (m *EngineMetrics) ObservePath(seconds float64) {
	if m != nil {
		m.PathSeconds.Observe(seconds)
	}
}
