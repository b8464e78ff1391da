package simulation

import (
	"fmt"

	"github.com/bcdannyboy/xvacube/models"
	"github.com/bcdannyboy/xvacube/probability"
)

// Path is one simulated scenario. Index 0 is the asof date.
type Path struct {
	Times   []float64
	States  [][]float64
	Ratings [][]int
}

func (p *Path) State(timeIdx int) []float64 { return p.States[timeIdx] }

// Rating of credit component c at timeIdx.
func (p *Path) Rating(timeIdx, c int) int { return p.Ratings[timeIdx][c] }

// PathGenerator draws paths of the state process on a fixed time grid.
// After construction it is read-only: Path may be called concurrently.
type PathGenerator struct {
	process    *models.StateProcess
	generator  probability.VariateGenerator
	times      []float64
	migrations []*models.MigrationModel
}

// NewPathGenerator prepares process and migration caches for times (year
// fractions after asof, strictly increasing). migrations is keyed by credit
// component name; components without a migration model stay performing.
func NewPathGenerator(process *models.StateProcess, kind probability.GeneratorType, seed uint64,
	times []float64, migrations map[string]*models.MigrationModel) (*PathGenerator, error) {
	if len(times) == 0 {
		return nil, fmt.Errorf("%w: empty time grid", ErrInvalidGrid)
	}
	grid := append([]float64{0}, times...)
	if err := process.Prepare(grid); err != nil {
		return nil, err
	}
	gen, err := probability.NewGenerator(kind, process.Factors(), times, seed)
	if err != nil {
		return nil, err
	}
	spec := process.Model().Spec()
	pg := &PathGenerator{
		process:    process,
		generator:  gen,
		times:      grid,
		migrations: make([]*models.MigrationModel, len(spec.CR)),
	}
	for i, cr := range spec.CR {
		if mm, ok := migrations[cr.Name]; ok {
			mm.Prepare(times)
			pg.migrations[i] = mm
		}
	}
	return pg, nil
}

func (g *PathGenerator) Process() *models.StateProcess { return g.process }
func (g *PathGenerator) Times() []float64              { return g.times }

// Path evolves the state through the grid in increasing time.
func (g *PathGenerator) Path(sample int) (*Path, error) {
	factors := g.process.Factors()
	z := make([]float64, g.generator.Dimension())
	if err := g.generator.Variates(sample, z); err != nil {
		return nil, fmt.Errorf("sample %d: %w", sample, err)
	}
	model := g.process.Model()
	n := len(g.times)
	p := &Path{
		Times:   g.times,
		States:  make([][]float64, n),
		Ratings: make([][]int, n),
	}
	p.States[0] = g.process.InitialValues()
	p.Ratings[0] = make([]int, len(g.migrations))
	for c, mm := range g.migrations {
		if mm != nil {
			p.Ratings[0][c] = mm.InitialState
		}
	}
	for i := 1; i < n; i++ {
		t0, t1 := g.times[i-1], g.times[i]
		x, err := g.process.Evolve(t0, p.States[i-1], t1-t0, z[(i-1)*factors:i*factors])
		if err != nil {
			return nil, fmt.Errorf("sample %d step %d: %w", sample, i, err)
		}
		p.States[i] = x
		p.Ratings[i] = make([]int, len(g.migrations))
		for c, mm := range g.migrations {
			if mm == nil {
				continue
			}
			w := x[model.PIdx(models.CR, c, 0)]
			p.Ratings[i][c] = mm.State(t1, w, p.Ratings[i-1][c])
		}
	}
	return p, nil
}
