package models

import (
	"math"

	"gonum.org/v1/gonum/integrate/quad"
)

type node struct {
	t, w float64
}

// legendrePoints is the Gauss-Legendre order on a segment of length l.
func legendrePoints(l float64) int {
	return int(math.Max(12, math.Ceil(8*l)))
}

// legendreNodes returns Gauss-Legendre nodes and weights on every segment
// [pts[i], pts[i+1]]. Integrands that jump at the segment ends stay smooth
// inside each segment, and matrix valued integrands reuse one node set for
// all entries.
func legendreNodes(pts []float64) []node {
	var (
		rule  quad.Legendre
		nodes []node
	)
	for i := 0; i+1 < len(pts); i++ {
		a, b := pts[i], pts[i+1]
		if b <= a {
			continue
		}
		n := legendrePoints(b - a)
		x := make([]float64, n)
		w := make([]float64, n)
		rule.FixedLocations(x, w, a, b)
		for k := range x {
			nodes = append(nodes, node{t: x[k], w: w[k]})
		}
	}
	return nodes
}

// integrate sums quad.Fixed over the segments of pts.
func integrate(f func(float64) float64, pts []float64) float64 {
	sum := 0.0
	for i := 0; i+1 < len(pts); i++ {
		a, b := pts[i], pts[i+1]
		if b <= a {
			continue
		}
		sum += quad.Fixed(f, a, b, legendrePoints(b-a), quad.Legendre{}, 0)
	}
	return sum
}
