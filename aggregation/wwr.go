package aggregation

import (
	"errors"
	"fmt"
	"sort"

	"github.com/bcdannyboy/xvacube/cube"
	"github.com/bcdannyboy/xvacube/numerics"
)

var (
	ErrCreditFactorMissing = errors.New("no credit factor series for netting set")
	ErrSampleMismatch      = errors.New("sample count mismatch")
)

// ComputeCorrelationBasedWWR correlates each netting set's positive
// exposure at the last simulation date with its credit factor series.
// trades maps trade ids in npv to netting set ids. A series with zero
// variance on either side gives a correlation of zero.
func ComputeCorrelationBasedWWR(npv cube.NPVCube, trades map[string]string, creditFactor map[string][]float64) (map[string]float64, error) {
	dates := npv.Dates()
	if len(dates) == 0 {
		return nil, fmt.Errorf("%w: cube has no simulation dates", cube.ErrInvalidLayout)
	}
	last := len(dates) - 1
	samples := npv.Samples()

	ids := make([]string, 0, len(trades))
	for id := range trades {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	exposure := make(map[string][]float64)
	for _, id := range ids {
		ns := trades[id]
		i, err := npv.Index(id)
		if err != nil {
			return nil, fmt.Errorf("%w: %s: %w", ErrTradeNotFound, id, err)
		}
		e, ok := exposure[ns]
		if !ok {
			e = make([]float64, samples)
			exposure[ns] = e
		}
		for k := 0; k < samples; k++ {
			v, err := npv.Get(i, last, k, cube.DefaultNpvDepth)
			if err != nil {
				return nil, err
			}
			if v > 0 {
				e[k] += v
			}
		}
	}

	out := make(map[string]float64, len(exposure))
	for ns, e := range exposure {
		f, ok := creditFactor[ns]
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrCreditFactorMissing, ns)
		}
		if len(f) != len(e) {
			return nil, fmt.Errorf("%w: netting set %s has %d exposures and %d credit factors", ErrSampleMismatch, ns, len(e), len(f))
		}
		out[ns] = numerics.Correlation(e, f)
	}
	return out, nil
}
