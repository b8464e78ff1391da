package models

import (
	"fmt"
	"math"
	"strings"

	"github.com/bcdannyboy/xvacube/numerics"
	"gonum.org/v1/gonum/mat"
)

type Discretization int

const (
	Exact Discretization = iota
	Euler
)

func (d Discretization) String() string {
	if d == Euler {
		return "Euler"
	}
	return "Exact"
}

func ParseDiscretization(s string) (Discretization, error) {
	switch strings.ToLower(s) {
	case "exact", "":
		return Exact, nil
	case "euler":
		return Euler, nil
	}
	return 0, fmt.Errorf("%w: unknown discretization %q", ErrInvalidParametrization, s)
}

type stepKey struct {
	t0, dt float64
}

// transition holds the Gaussian one step transition x1 = phi·x0 + mean + root·dw.
type transition struct {
	phi  *mat.Dense
	mean []float64
	root *mat.Dense
}

// StateProcess evolves the cross asset state vector.
//
// Prepare builds the per step caches for a time grid. After Prepare the
// process is read-only and may be shared by concurrent path generators;
// steps that were not prepared are computed on the fly without caching.
type StateProcess struct {
	model *CrossAssetModel
	disc  Discretization

	exact map[stepKey]*transition
	euler map[float64]*mat.Dense
}

func NewStateProcess(m *CrossAssetModel, d Discretization) *StateProcess {
	return &StateProcess{
		model: m,
		disc:  d,
		exact: make(map[stepKey]*transition),
		euler: make(map[float64]*mat.Dense),
	}
}

func (p *StateProcess) Model() *CrossAssetModel        { return p.model }
func (p *StateProcess) Discretization() Discretization { return p.disc }
func (p *StateProcess) Size() int                      { return p.model.Dimension() }
func (p *StateProcess) InitialValues() []float64       { return p.model.InitialValues() }

// Factors is the number of independent normals consumed per time step.
// The exact scheme needs one per state because the inflation states are
// not perfectly correlated over a finite step.
func (p *StateProcess) Factors() int {
	if p.disc == Exact {
		return p.model.Dimension()
	}
	return p.model.Brownians()
}

func (p *StateProcess) forward(ccyIdx int, t float64) float64 {
	return p.model.curves[ccyIdx].InstantaneousForward(t)
}

// driftConstant is the state independent part of the drift.
func (p *StateProcess) driftConstant(t float64) []float64 {
	m := p.model
	spec := m.spec
	res := make([]float64, m.Dimension())

	ir0 := spec.IR[0]
	h0, hp0, a0, zeta0 := ir0.H(t), ir0.HPrime(t), ir0.Alpha.Value(t), ir0.Zeta(t)
	f0 := p.forward(0, t)

	for i := 1; i < len(spec.IR); i++ {
		ir := spec.IR[i]
		hi, hpi, ai, zetai := ir.H(t), ir.HPrime(t), ir.Alpha.Value(t), ir.Zeta(t)
		sx := spec.FX[i-1].Sigma.Value(t)
		rzz := m.rho(IR, 0, IR, i)
		rzx0 := m.rho(IR, 0, FX, i-1)
		rzxi := m.rho(IR, i, FX, i-1)

		res[m.PIdx(IR, i, 0)] = -hi*ai*ai + h0*a0*ai*rzz - sx*ai*rzxi
		res[m.PIdx(FX, i-1, 0)] = h0*a0*sx*rzx0 + f0 - p.forward(i, t) - 0.5*sx*sx +
			zeta0*hp0*h0 - zetai*hpi*hi
	}

	for k, eq := range spec.EQ {
		c := m.ccyIndex[eq.Currency]
		ir := spec.IR[c]
		hc, hpc, zetac := ir.H(t), ir.HPrime(t), ir.Zeta(t)
		ss := eq.Sigma.Value(t)
		eps, sxc, rxs := 0.0, 0.0, 0.0
		if c > 0 {
			eps = 1
			sxc = spec.FX[c-1].Sigma.Value(t)
			rxs = m.rho(FX, c-1, EQ, k)
		}
		rzs0 := m.rho(EQ, k, IR, 0)
		q := m.market.DividendYield(eq.Name)

		res[m.PIdx(EQ, k, 0)] = p.forward(c, t) - q + rzs0*h0*a0*ss - eps*rxs*sxc*ss - 0.5*ss*ss +
			zetac*hpc*hc
	}
	// inflation DK and credit state drivers are driftless
	return res
}

// addDriftLinear adds the state dependent part of the drift.
func (p *StateProcess) addDriftLinear(t float64, x, out []float64) {
	m := p.model
	spec := m.spec
	hp0 := spec.IR[0].HPrime(t)
	for i := 1; i < len(spec.IR); i++ {
		out[m.PIdx(FX, i-1, 0)] += x[m.PIdx(IR, 0, 0)]*hp0 - x[m.PIdx(IR, i, 0)]*spec.IR[i].HPrime(t)
	}
	for k, eq := range spec.EQ {
		c := m.ccyIndex[eq.Currency]
		out[m.PIdx(EQ, k, 0)] += x[m.PIdx(IR, c, 0)] * spec.IR[c].HPrime(t)
	}
}

func (p *StateProcess) Drift(t float64, x []float64) []float64 {
	res := p.driftConstant(t)
	p.addDriftLinear(t, x, res)
	return res
}

// DiffusionOnCorrelatedBrownians is the n x m loading of the states on the
// correlated Brownians.
func (p *StateProcess) DiffusionOnCorrelatedBrownians(t float64) *mat.Dense {
	m := p.model
	spec := m.spec
	res := mat.NewDense(m.Dimension(), m.Brownians(), nil)
	for i, ir := range spec.IR {
		res.Set(m.PIdx(IR, i, 0), m.WIdx(IR, i), ir.Alpha.Value(t))
	}
	for i, fx := range spec.FX {
		res.Set(m.PIdx(FX, i, 0), m.WIdx(FX, i), fx.Sigma.Value(t))
	}
	for i, inf := range spec.INF {
		a := inf.Alpha.Value(t)
		res.Set(m.PIdx(INF, i, 0), m.WIdx(INF, i), a)
		res.Set(m.PIdx(INF, i, 1), m.WIdx(INF, i), a*inf.H(t))
	}
	for i, eq := range spec.EQ {
		res.Set(m.PIdx(EQ, i, 0), m.WIdx(EQ, i), eq.Sigma.Value(t))
	}
	for i := range spec.CR {
		res.Set(m.PIdx(CR, i, 0), m.WIdx(CR, i), 1)
	}
	return res
}

// Diffusion is the loading on independent Brownians.
func (p *StateProcess) Diffusion(t float64) *mat.Dense {
	var res mat.Dense
	res.Mul(p.DiffusionOnCorrelatedBrownians(t), p.model.sqrtCorr)
	return &res
}

// phi is the propagator of the linear drift part from s to t1. The linear
// part only maps IR states into FX and equity states, so it is nilpotent and
// the propagator is the identity plus its integral.
func (p *StateProcess) phi(t1, s float64) *mat.Dense {
	m := p.model
	spec := m.spec
	n := m.Dimension()
	res := mat.NewDense(n, n, nil)
	for i := 0; i < n; i++ {
		res.Set(i, i, 1)
	}
	dh := func(c int) float64 { return spec.IR[c].H(t1) - spec.IR[c].H(s) }
	for i := 1; i < len(spec.IR); i++ {
		row := m.PIdx(FX, i-1, 0)
		res.Set(row, m.PIdx(IR, 0, 0), dh(0))
		res.Set(row, m.PIdx(IR, i, 0), -dh(i))
	}
	for k, eq := range spec.EQ {
		c := m.ccyIndex[eq.Currency]
		res.Set(m.PIdx(EQ, k, 0), m.PIdx(IR, c, 0), dh(c))
	}
	return res
}

// moments integrates the exact transition mean offset and covariance over
// [t0, t0+dt].
func (p *StateProcess) moments(t0, dt float64) ([]float64, *mat.SymDense) {
	m := p.model
	n := m.Dimension()
	t1 := t0 + dt
	mean := make([]float64, n)
	cov := mat.NewSymDense(n, nil)

	var pa mat.VecDense
	var g, gc, c mat.Dense
	for _, nd := range legendreNodes(m.segments(t0, t1)) {
		ph := p.phi(t1, nd.t)
		pa.MulVec(ph, mat.NewVecDense(n, p.driftConstant(nd.t)))
		for i := range mean {
			mean[i] += nd.w * pa.AtVec(i)
		}
		g.Mul(ph, p.DiffusionOnCorrelatedBrownians(nd.t))
		gc.Mul(&g, m.corr)
		c.Mul(&gc, g.T())
		for i := 0; i < n; i++ {
			for j := i; j < n; j++ {
				cov.SetSym(i, j, cov.At(i, j)+nd.w*c.At(i, j))
			}
		}
	}
	return mean, cov
}

// Expectation is the exact conditional mean of the state at t0+dt.
func (p *StateProcess) Expectation(t0 float64, x0 []float64, dt float64) []float64 {
	mean, _ := p.moments(t0, dt)
	var px mat.VecDense
	px.MulVec(p.phi(t0+dt, t0), mat.NewVecDense(len(x0), append([]float64(nil), x0...)))
	for i := range mean {
		mean[i] += px.AtVec(i)
	}
	return mean
}

// Covariance is the exact conditional covariance of the state at t0+dt.
func (p *StateProcess) Covariance(t0, dt float64) *mat.SymDense {
	_, cov := p.moments(t0, dt)
	return cov
}

func (p *StateProcess) buildTransition(t0, dt float64) (*transition, error) {
	mean, cov := p.moments(t0, dt)
	root, err := numerics.PseudoSqrt(cov, p.model.spec.Salvaging)
	if err != nil {
		return nil, fmt.Errorf("transition covariance at t=%g dt=%g: %w", t0, dt, err)
	}
	return &transition{phi: p.phi(t0+dt, t0), mean: mean, root: root}, nil
}

// Prepare precomputes the step caches for the grid times[0] < times[1] < ...
func (p *StateProcess) Prepare(times []float64) error {
	for i := 0; i+1 < len(times); i++ {
		t0, dt := times[i], times[i+1]-times[i]
		if dt <= 0 {
			return fmt.Errorf("%w: non increasing time grid at %d", ErrInvalidParametrization, i)
		}
		switch p.disc {
		case Exact:
			k := stepKey{t0: t0, dt: dt}
			if _, ok := p.exact[k]; ok {
				continue
			}
			tr, err := p.buildTransition(t0, dt)
			if err != nil {
				return err
			}
			p.exact[k] = tr
		case Euler:
			if _, ok := p.euler[t0]; !ok {
				p.euler[t0] = p.Diffusion(t0)
			}
		}
	}
	return nil
}

// Evolve advances x0 from t0 to t0+dt using the standard normals dw.
func (p *StateProcess) Evolve(t0 float64, x0 []float64, dt float64, dw []float64) ([]float64, error) {
	n := p.Size()
	if len(x0) != n {
		return nil, fmt.Errorf("state has size %d, expected %d", len(x0), n)
	}
	if len(dw) != p.Factors() {
		return nil, fmt.Errorf("got %d variates, expected %d", len(dw), p.Factors())
	}
	out := make([]float64, n)

	if p.disc == Euler {
		diff, ok := p.euler[t0]
		if !ok {
			diff = p.Diffusion(t0)
		}
		drift := p.Drift(t0, x0)
		sdt := math.Sqrt(dt)
		for i := 0; i < n; i++ {
			v := 0.0
			for j, w := range dw {
				v += diff.At(i, j) * w
			}
			out[i] = x0[i] + drift[i]*dt + v*sdt
		}
		return out, nil
	}

	tr, ok := p.exact[stepKey{t0: t0, dt: dt}]
	if !ok {
		var err error
		if tr, err = p.buildTransition(t0, dt); err != nil {
			return nil, err
		}
	}
	for i := 0; i < n; i++ {
		v := tr.mean[i]
		for j := 0; j < n; j++ {
			v += tr.phi.At(i, j)*x0[j] + tr.root.At(i, j)*dw[j]
		}
		out[i] = v
	}
	return out, nil
}
