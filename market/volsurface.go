package market

import (
	"fmt"
	"sort"
)

// VolatilitySurface holds Black volatilities on a (time, strike) grid.
// Vols[i][j] belongs to Times[i] and Strikes[j].
type VolatilitySurface struct {
	Times   []float64
	Strikes []float64
	Vols    [][]float64
}

func NewVolatilitySurface(times, strikes []float64, vols [][]float64) (*VolatilitySurface, error) {
	if len(times) == 0 || len(strikes) == 0 {
		return nil, fmt.Errorf("volatility surface needs at least one time and one strike")
	}
	if len(vols) != len(times) {
		return nil, fmt.Errorf("volatility surface has %d rows for %d times", len(vols), len(times))
	}
	for i, row := range vols {
		if len(row) != len(strikes) {
			return nil, fmt.Errorf("volatility surface row %d has %d entries for %d strikes", i, len(row), len(strikes))
		}
	}
	if !sort.Float64sAreSorted(times) || !sort.Float64sAreSorted(strikes) {
		return nil, fmt.Errorf("volatility surface axes must be sorted")
	}
	return &VolatilitySurface{Times: times, Strikes: strikes, Vols: vols}, nil
}

// FlatVolatility is a one point surface.
func FlatVolatility(vol float64) *VolatilitySurface {
	return &VolatilitySurface{Times: []float64{1}, Strikes: []float64{1}, Vols: [][]float64{{vol}}}
}

// Volatility interpolates bilinearly and holds the edge values outside the grid.
func (s *VolatilitySurface) Volatility(t, strike float64) float64 {
	ti, tw := bracket(s.Times, t)
	si, sw := bracket(s.Strikes, strike)

	tj := clamp(ti+1, 0, len(s.Times)-1)
	sj := clamp(si+1, 0, len(s.Strikes)-1)

	v00 := s.Vols[ti][si]
	v01 := s.Vols[ti][sj]
	v10 := s.Vols[tj][si]
	v11 := s.Vols[tj][sj]

	return (1-tw)*(1-sw)*v00 + tw*(1-sw)*v10 + (1-tw)*sw*v01 + tw*sw*v11
}

// bracket returns the lower index and the weight of the upper neighbour.
func bracket(xs []float64, x float64) (int, float64) {
	n := len(xs)
	if n == 1 || x <= xs[0] {
		return 0, 0
	}
	if x >= xs[n-1] {
		return n - 1, 0
	}
	i := sort.SearchFloat64s(xs, x) - 1
	i = clamp(i, 0, n-2)
	return i, (x - xs[i]) / (xs[i+1] - xs[i])
}

func clamp(value, min, max int) int {
	if value < min {
		return min
	}
	if value > max {
		return max
	}
	return value
}
