package probability

import (
	"fmt"
	"math"
)

// BrownianBridge builds Brownian paths on a time grid from the coarsest
// point inwards: the first variate fixes the terminal value, each further
// variate fills the midpoint of the widest open interval.
type BrownianBridge struct {
	times       []float64
	sqrtdt      []float64
	bridgeIndex []int
	leftIndex   []int
	rightIndex  []int
	leftWeight  []float64
	rightWeight []float64
	stdDev      []float64
}

func NewBrownianBridge(times []float64) (*BrownianBridge, error) {
	n := len(times)
	if n == 0 {
		return nil, fmt.Errorf("%w: empty bridge time grid", ErrGenerator)
	}
	prev := 0.0
	b := &BrownianBridge{
		times:       append([]float64(nil), times...),
		sqrtdt:      make([]float64, n),
		bridgeIndex: make([]int, n),
		leftIndex:   make([]int, n),
		rightIndex:  make([]int, n),
		leftWeight:  make([]float64, n),
		rightWeight: make([]float64, n),
		stdDev:      make([]float64, n),
	}
	for i, t := range times {
		if t <= prev {
			return nil, fmt.Errorf("%w: bridge times must be positive and increasing", ErrGenerator)
		}
		b.sqrtdt[i] = math.Sqrt(t - prev)
		prev = t
	}

	t := b.times
	filled := make([]int, n)
	filled[n-1] = 1
	b.bridgeIndex[0] = n - 1
	b.stdDev[0] = math.Sqrt(t[n-1])
	j := 0
	for i := 1; i < n; i++ {
		for filled[j] != 0 {
			j++
		}
		k := j
		for filled[k] == 0 {
			k++
		}
		l := j + (k-1-j)/2
		filled[l] = i
		b.bridgeIndex[i], b.leftIndex[i], b.rightIndex[i] = l, j, k
		if j != 0 {
			b.leftWeight[i] = (t[k] - t[l]) / (t[k] - t[j-1])
			b.rightWeight[i] = (t[l] - t[j-1]) / (t[k] - t[j-1])
			b.stdDev[i] = math.Sqrt((t[l] - t[j-1]) * (t[k] - t[l]) / (t[k] - t[j-1]))
		} else {
			b.rightWeight[i] = t[l] / t[k]
			b.stdDev[i] = math.Sqrt(t[l] * (t[k] - t[l]) / t[k])
		}
		j = k + 1
		if j >= n {
			j = 0
		}
	}
	return b, nil
}

func (b *BrownianBridge) Size() int { return len(b.times) }

// Transform turns the standard normals z into the standard normal
// increments of the bridged path, one per grid interval.
func (b *BrownianBridge) Transform(z, out []float64) {
	n := len(b.times)
	out[n-1] = b.stdDev[0] * z[0]
	for i := 1; i < n; i++ {
		j, k, l := b.leftIndex[i], b.rightIndex[i], b.bridgeIndex[i]
		v := b.rightWeight[i]*out[k] + b.stdDev[i]*z[i]
		if j != 0 {
			v += b.leftWeight[i] * out[j-1]
		}
		out[l] = v
	}
	for i := n - 1; i >= 1; i-- {
		out[i] -= out[i-1]
	}
	for i := range out {
		out[i] /= b.sqrtdt[i]
	}
}
