package probability

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/mathext/prng"
	"gonum.org/v1/gonum/stat/distuv"
)

// MaxSobolDimension is the number of primitive polynomials over GF(2) up to
// degree 18, plus the van der Corput dimension.
//
// Only the first len(joeKuo)+1 dimensions use Joe and Kuo direction numbers.
// Later dimensions draw their initial direction integers from a fixed seed
// MT19937 stream, following Jäckel. They keep one dimensional
// stratification but their two dimensional projections are weaker than
// tabulated ones, so put the factors that matter most first.
const MaxSobolDimension = 21201

// directionSeedValue seeds the initial direction integers past
// the Joe and Kuo table.
const directionSeedValue = 42

const sobolBits = 32

type directionSeed struct {
	degree uint
	a      uint64
	m      []uint32
}

// Joe and Kuo initial direction numbers for the leading dimensions.
var joeKuo = []directionSeed{
	{1, 0, []uint32{1}},
	{2, 1, []uint32{1, 3}},
	{3, 1, []uint32{1, 3, 1}},
	{3, 2, []uint32{1, 1, 1}},
	{4, 1, []uint32{1, 1, 3, 3}},
	{4, 4, []uint32{1, 3, 5, 13}},
	{5, 2, []uint32{1, 1, 5, 5, 17}},
	{5, 4, []uint32{1, 1, 5, 5, 5}},
	{5, 7, []uint32{1, 1, 7, 11, 19}},
	{5, 11, []uint32{1, 1, 5, 1, 1}},
	{5, 13, []uint32{1, 1, 1, 3, 11}},
	{5, 14, []uint32{1, 3, 5, 5, 31}},
	{6, 1, []uint32{1, 3, 3, 9, 7, 49}},
	{6, 13, []uint32{1, 1, 1, 15, 21, 21}},
	{6, 16, []uint32{1, 3, 1, 13, 27, 49}},
	{6, 19, []uint32{1, 1, 1, 15, 7, 5}},
	{6, 22, []uint32{1, 3, 1, 15, 13, 25}},
	{6, 25, []uint32{1, 1, 5, 5, 19, 61}},
	{7, 1, []uint32{1, 3, 7, 11, 23, 15, 103}},
	{7, 4, []uint32{1, 3, 7, 13, 13, 15, 69}},
}

// SobolSequence is a Gray code Sobol sequence. Points are built directly
// from their index, so any sample can be drawn without the ones before it.
type SobolSequence struct {
	dim        int
	directions [][sobolBits]uint32
}

func NewSobol(dim int) (*SobolSequence, error) {
	if dim <= 0 || dim > MaxSobolDimension {
		return nil, fmt.Errorf("%w: sobol dimension %d not in [1, %d]", ErrGenerator, dim, MaxSobolDimension)
	}
	s := &SobolSequence{dim: dim, directions: make([][sobolBits]uint32, dim)}
	for k := 0; k < sobolBits; k++ {
		s.directions[0][k] = 1 << (sobolBits - 1 - k)
	}
	seeds := directionSeeds(dim - 1)
	for i, ds := range seeds {
		s.directions[i+1] = directions(ds)
	}
	return s, nil
}

func (s *SobolSequence) Dimension() int { return s.dim }

// Point writes the n-th point of the sequence into dst.
func (s *SobolSequence) Point(n uint32, dst []float64) {
	g := n ^ (n >> 1)
	for d := 0; d < s.dim; d++ {
		var x uint32
		v := &s.directions[d]
		for k, b := 0, g; b != 0; k, b = k+1, b>>1 {
			if b&1 == 1 {
				x ^= v[k]
			}
		}
		dst[d] = float64(x) / (1 << sobolBits)
	}
}

// Variates maps point sample+1 to standard normals. The origin is skipped
// since it has no finite normal image.
func (s *SobolSequence) Variates(sample int, dst []float64) error {
	if err := checkDst(s.dim, dst); err != nil {
		return err
	}
	if sample < 0 || uint64(sample) >= math.MaxUint32 {
		return fmt.Errorf("%w: sobol sample %d out of range", ErrGenerator, sample)
	}
	s.Point(uint32(sample+1), dst)
	for i, u := range dst {
		dst[i] = distuv.UnitNormal.Quantile(u)
	}
	return nil
}

func directions(ds directionSeed) [sobolBits]uint32 {
	var v [sobolBits]uint32
	s := int(ds.degree)
	for k := 0; k < sobolBits; k++ {
		if k < s {
			v[k] = ds.m[k] << (sobolBits - 1 - k)
			continue
		}
		x := v[k-s] ^ (v[k-s] >> ds.degree)
		for i := 1; i < s; i++ {
			if (ds.a>>(s-1-i))&1 == 1 {
				x ^= v[k-i]
			}
		}
		v[k] = x
	}
	return v
}

// directionSeeds returns n polynomials with their initial direction
// integers, in order of degree and then of interior coefficients.
func directionSeeds(n int) []directionSeed {
	out := make([]directionSeed, 0, n)
	mt := prng.NewMT19937()
	mt.Seed(directionSeedValue)
	used := make(map[[2]uint64]bool, len(joeKuo))
	for _, ds := range joeKuo {
		if len(out) == n {
			return out
		}
		out = append(out, ds)
		used[[2]uint64{uint64(ds.degree), ds.a}] = true
	}
	for deg := uint(1); len(out) < n; deg++ {
		for a := uint64(0); a < 1<<(deg-1) && len(out) < n; a++ {
			if used[[2]uint64{uint64(deg), a}] {
				continue
			}
			p := 1<<deg | a<<1 | 1
			if !primitive(p, deg) {
				continue
			}
			m := make([]uint32, deg)
			for i := range m {
				// odd and below 2^(i+1)
				m[i] = (mt.Uint32()>>(31-i))&^1 | 1
			}
			out = append(out, directionSeed{degree: deg, a: a, m: m})
		}
	}
	return out
}

// primitive reports whether x generates the multiplicative group of
// GF(2)[x]/(p), p of the given degree.
func primitive(p uint64, deg uint) bool {
	order := uint64(1)<<deg - 1
	if polyPowMod(2, order, p, deg) != 1 {
		return false
	}
	for _, q := range primeFactors(order) {
		if polyPowMod(2, order/q, p, deg) == 1 {
			return false
		}
	}
	return true
}

func polyMulMod(a, b, p uint64, deg uint) uint64 {
	var r uint64
	for b != 0 {
		if b&1 == 1 {
			r ^= a
		}
		b >>= 1
		a <<= 1
		if a>>deg&1 == 1 {
			a ^= p
		}
	}
	return r
}

func polyPowMod(a, e, p uint64, deg uint) uint64 {
	r := uint64(1)
	if deg == 1 {
		// x == 1 mod x+1
		return 1
	}
	for e > 0 {
		if e&1 == 1 {
			r = polyMulMod(r, a, p, deg)
		}
		a = polyMulMod(a, a, p, deg)
		e >>= 1
	}
	return r
}

func primeFactors(n uint64) []uint64 {
	var fs []uint64
	for q := uint64(2); q*q <= n; q++ {
		if n%q == 0 {
			fs = append(fs, q)
			for n%q == 0 {
				n /= q
			}
		}
	}
	if n > 1 {
		fs = append(fs, n)
	}
	return fs
}
