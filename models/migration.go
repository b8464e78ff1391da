package models

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat/distuv"
)

// TransitionMatrix is an annual rating transition matrix. The last state is
// default and absorbing.
type TransitionMatrix struct {
	annual    *mat.Dense
	generator *mat.Dense
}

func NewTransitionMatrix(rows [][]float64) (*TransitionMatrix, error) {
	n := len(rows)
	if n < 2 {
		return nil, fmt.Errorf("%w: transition matrix needs at least two states", ErrInvalidParametrization)
	}
	a := mat.NewDense(n, n, nil)
	for i, row := range rows {
		if len(row) != n {
			return nil, fmt.Errorf("%w: transition row %d has %d entries", ErrInvalidParametrization, i, len(row))
		}
		sum := 0.0
		for j, v := range row {
			if v < 0 || v > 1 {
				return nil, fmt.Errorf("%w: transition probability %g at (%d,%d)", ErrInvalidParametrization, v, i, j)
			}
			a.Set(i, j, v)
			sum += v
		}
		if math.Abs(sum-1) > 1e-8 {
			return nil, fmt.Errorf("%w: transition row %d sums to %g", ErrInvalidParametrization, i, sum)
		}
	}
	if a.At(n-1, n-1) != 1 {
		return nil, fmt.Errorf("%w: default state must be absorbing", ErrInvalidParametrization)
	}
	g, err := generator(a)
	if err != nil {
		return nil, err
	}
	return &TransitionMatrix{annual: a, generator: g}, nil
}

func (m *TransitionMatrix) States() int {
	n, _ := m.annual.Dims()
	return n
}

func (m *TransitionMatrix) DefaultState() int { return m.States() - 1 }

// Generator is the regularised intensity matrix Q with exp(Q) close to the
// annual matrix.
func (m *TransitionMatrix) Generator() mat.Matrix { return m.generator }

// Transition is exp(Q t), the transition matrix over t years.
func (m *TransitionMatrix) Transition(t float64) *mat.Dense {
	n := m.States()
	var qt, out mat.Dense
	qt.Scale(t, m.generator)
	out.Exp(&qt)
	// remove round-off so rows stay probability vectors
	for i := 0; i < n; i++ {
		sum := 0.0
		for j := 0; j < n; j++ {
			v := math.Max(out.At(i, j), 0)
			out.Set(i, j, v)
			sum += v
		}
		for j := 0; j < n; j++ {
			out.Set(i, j, out.At(i, j)/sum)
		}
	}
	return &out
}

// generator takes the matrix logarithm by its series and floors negative
// off-diagonal intensities, moving the excess into the diagonal.
func generator(a *mat.Dense) (*mat.Dense, error) {
	n, _ := a.Dims()
	var d mat.Dense
	d.Sub(a, eye(n))
	if mat.Norm(&d, 1) >= 1 {
		return nil, fmt.Errorf("%w: transition matrix too far from identity for a generator", ErrInvalidParametrization)
	}
	q := mat.NewDense(n, n, nil)
	term := mat.DenseCopyOf(&d)
	for k := 1; k <= 200; k++ {
		var s mat.Dense
		s.Scale(math.Pow(-1, float64(k+1))/float64(k), term)
		q.Add(q, &s)
		if mat.Norm(&s, 1) < 1e-16 {
			break
		}
		var next mat.Dense
		next.Mul(term, &d)
		term = &next
	}
	for i := 0; i < n; i++ {
		off := 0.0
		for j := 0; j < n; j++ {
			if i == j {
				continue
			}
			if q.At(i, j) < 0 {
				q.Set(i, j, 0)
			}
			off += q.At(i, j)
		}
		q.Set(i, i, -off)
	}
	return q, nil
}

func eye(n int) *mat.Dense {
	m := mat.NewDense(n, n, nil)
	for i := 0; i < n; i++ {
		m.Set(i, i, 1)
	}
	return m
}

// MigrationModel maps the credit state driver of one entity to its rating.
// Prepare caches the transition matrices of a time grid; afterwards the
// model is read-only.
type MigrationModel struct {
	Name         string
	InitialState int
	matrix       *TransitionMatrix
	cache        map[float64]*mat.Dense
}

func NewMigrationModel(name string, initial int, m *TransitionMatrix) (*MigrationModel, error) {
	if initial < 0 || initial >= m.States() {
		return nil, fmt.Errorf("%w: initial state %d of %s out of range", ErrInvalidParametrization, initial, name)
	}
	return &MigrationModel{Name: name, InitialState: initial, matrix: m, cache: make(map[float64]*mat.Dense)}, nil
}

func (m *MigrationModel) Matrix() *TransitionMatrix { return m.matrix }

func (m *MigrationModel) Prepare(times []float64) {
	for _, t := range times {
		if _, ok := m.cache[t]; !ok && t > 0 {
			m.cache[t] = m.matrix.Transition(t)
		}
	}
}

func (m *MigrationModel) transition(t float64) *mat.Dense {
	if tr, ok := m.cache[t]; ok {
		return tr
	}
	return m.matrix.Transition(t)
}

// State returns the rating at t from the driver value w (a standard Brownian
// at time t) and the rating at the previous grid date. Low driver values map
// to default; default is absorbing.
func (m *MigrationModel) State(t, w float64, prev int) int {
	def := m.matrix.DefaultState()
	if prev == def {
		return def
	}
	if t <= 0 {
		return m.InitialState
	}
	u := distuv.UnitNormal.CDF(w / math.Sqrt(t))
	tr := m.transition(t)
	cum := 0.0
	for j := def; j >= 0; j-- {
		cum += tr.At(m.InitialState, j)
		if u <= cum {
			return j
		}
	}
	return 0
}

// DefaultProbability is the probability of default within tau years when
// starting in state s.
func (m *MigrationModel) DefaultProbability(s int, tau float64) float64 {
	if s == m.matrix.DefaultState() {
		return 1
	}
	if tau <= 0 {
		return 0
	}
	return m.transition(tau).At(s, m.matrix.DefaultState())
}
