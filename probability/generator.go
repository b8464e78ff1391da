package probability

import (
	"errors"
	"fmt"
	"strings"

	"gonum.org/v1/gonum/mathext/prng"
	"gonum.org/v1/gonum/stat/distuv"
	"golang.org/x/exp/rand"
)

var ErrGenerator = errors.New("variate generator error")

type GeneratorType int

const (
	MersenneTwister GeneratorType = iota
	MersenneTwisterAntithetic
	Sobol
	SobolBrownianBridge
)

func (g GeneratorType) String() string {
	switch g {
	case MersenneTwister:
		return "MersenneTwister"
	case MersenneTwisterAntithetic:
		return "MersenneTwisterAntithetic"
	case Sobol:
		return "Sobol"
	case SobolBrownianBridge:
		return "SobolBrownianBridge"
	}
	return fmt.Sprintf("GeneratorType(%d)", int(g))
}

func ParseGeneratorType(s string) (GeneratorType, error) {
	switch strings.ToLower(s) {
	case "mersennetwister", "mt", "":
		return MersenneTwister, nil
	case "mersennetwisterantithetic", "mtantithetic":
		return MersenneTwisterAntithetic, nil
	case "sobol":
		return Sobol, nil
	case "sobolbrownianbridge":
		return SobolBrownianBridge, nil
	}
	return 0, fmt.Errorf("%w: unknown generator type %q", ErrGenerator, s)
}

// VariateGenerator produces the standard normals of one Monte Carlo sample.
// The numbers depend only on the generator configuration and the sample
// index, so samples can be generated in any order on any goroutine.
//
// dst is laid out step by step: dst[step*factors + factor].
type VariateGenerator interface {
	Dimension() int
	Variates(sample int, dst []float64) error
}

// NewGenerator builds a generator for paths with the given number of
// factors per step. times are the step end times (used by the Brownian
// bridge), strictly increasing and positive.
func NewGenerator(kind GeneratorType, factors int, times []float64, seed uint64) (VariateGenerator, error) {
	steps := len(times)
	if factors <= 0 || steps <= 0 {
		return nil, fmt.Errorf("%w: factors=%d steps=%d", ErrGenerator, factors, steps)
	}
	dim := factors * steps
	switch kind {
	case MersenneTwister:
		return &mtGenerator{dim: dim, seed: seed}, nil
	case MersenneTwisterAntithetic:
		return &antithetic{base: &mtGenerator{dim: dim, seed: seed}}, nil
	case Sobol:
		return NewSobol(dim)
	case SobolBrownianBridge:
		s, err := NewSobol(dim)
		if err != nil {
			return nil, err
		}
		bb, err := NewBrownianBridge(times)
		if err != nil {
			return nil, err
		}
		return &sobolBridge{sobol: s, bridge: bb, factors: factors}, nil
	}
	return nil, fmt.Errorf("%w: %v", ErrGenerator, kind)
}

func checkDst(dim int, dst []float64) error {
	if len(dst) != dim {
		return fmt.Errorf("%w: buffer has %d entries, dimension is %d", ErrGenerator, len(dst), dim)
	}
	return nil
}

// openUniform maps 64 random bits into (0, 1).
func openUniform(x uint64) float64 {
	return (float64(x>>11) + 0.5) / (1 << 53)
}

type mtGenerator struct {
	dim  int
	seed uint64
}

func (g *mtGenerator) Dimension() int { return g.dim }

// Variates seeds a fresh MT19937 from (seed, sample). A PCG stream mixes the
// pair into the key words so nearby samples start from unrelated states.
func (g *mtGenerator) Variates(sample int, dst []float64) error {
	if err := checkDst(g.dim, dst); err != nil {
		return err
	}
	if sample < 0 {
		return fmt.Errorf("%w: negative sample %d", ErrGenerator, sample)
	}
	pcg := rand.NewSource(g.seed ^ (uint64(sample)+1)*0x9E3779B97F4A7C15)
	keys := make([]uint32, 4)
	for i := range keys {
		keys[i] = uint32(pcg.Uint64() >> 32)
	}
	mt := prng.NewMT19937()
	mt.SeedFromKeys(keys)
	for i := range dst {
		dst[i] = distuv.UnitNormal.Quantile(openUniform(mt.Uint64()))
	}
	return nil
}

// antithetic pairs sample 2k+1 with the mirror image of sample 2k.
type antithetic struct {
	base VariateGenerator
}

func (g *antithetic) Dimension() int { return g.base.Dimension() }

func (g *antithetic) Variates(sample int, dst []float64) error {
	if err := g.base.Variates(sample/2, dst); err != nil {
		return err
	}
	if sample%2 == 1 {
		for i := range dst {
			dst[i] = -dst[i]
		}
	}
	return nil
}

type sobolBridge struct {
	sobol   *SobolSequence
	bridge  *BrownianBridge
	factors int
}

func (g *sobolBridge) Dimension() int { return g.sobol.Dimension() }

// Variates hands the leading Sobol dimensions to the coarsest bridge points
// of every factor.
func (g *sobolBridge) Variates(sample int, dst []float64) error {
	if err := g.sobol.Variates(sample, dst); err != nil {
		return err
	}
	steps := g.bridge.Size()
	in := make([]float64, steps)
	out := make([]float64, steps)
	z := append([]float64(nil), dst...)
	for f := 0; f < g.factors; f++ {
		for i := 0; i < steps; i++ {
			in[i] = z[i*g.factors+f]
		}
		g.bridge.Transform(in, out)
		for i := 0; i < steps; i++ {
			dst[i*g.factors+f] = out[i]
		}
	}
	return nil
}

// Sequence draws consecutive samples from a generator.
type Sequence struct {
	gen  VariateGenerator
	next int
}

func NewSequence(g VariateGenerator) *Sequence { return &Sequence{gen: g} }

func (s *Sequence) Next() ([]float64, error) {
	dst := make([]float64, s.gen.Dimension())
	if err := s.gen.Variates(s.next, dst); err != nil {
		return nil, err
	}
	s.next++
	return dst, nil
}
