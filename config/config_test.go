package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, 1000, cfg.Simulation.Samples)
	assert.Equal(t, "SobolBrownianBridge", cfg.Simulation.Generator)
	assert.Equal(t, "EUR", cfg.Xva.BaseCurrency)
	assert.Equal(t, []float64{0.95, 0.99}, cfg.Var.Quantiles)
	assert.Equal(t, "csv", cfg.Output.Format)
	assert.False(t, cfg.Metrics.Enabled)
	assert.Equal(t, "Marginal", cfg.Xva.AllocationMethod)
	assert.True(t, cfg.Migration.Enabled)
	assert.Equal(t, "Analytic", cfg.Migration.Evaluation)
}

const sample = `
simulation:
  samples: 500
  generator: MersenneTwisterAntithetic
  grid_tenor: 1M
  grid_count: 36
  close_out_lag: true
xva:
  base_currency: USD
  credit_model: Dynamic
  apply_dim: true
  dim_model: Flat
var:
  quantiles: [0.975]
  method: MonteCarlo
  mc_samples: 2000
output:
  format: json
`

func writeConfig(t *testing.T, body string) string {
	path := filepath.Join(t.TempDir(), "xva.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoadYAMLAndEnvironment(t *testing.T) {
	path := writeConfig(t, sample)
	t.Setenv("XVA_SIMULATION_SEED", "7")
	t.Setenv("XVA_XVA_DVA_NAME", "OWN")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 500, cfg.Simulation.Samples)
	assert.Equal(t, "1M", cfg.Simulation.GridTenor)
	assert.True(t, cfg.Simulation.CloseOutLag)
	assert.Equal(t, uint64(7), cfg.Simulation.Seed)
	assert.Equal(t, "USD", cfg.Xva.BaseCurrency)
	assert.Equal(t, "OWN", cfg.Xva.DvaName)
	assert.Equal(t, "Flat", cfg.Xva.DimModel)
	assert.Equal(t, []float64{0.975}, cfg.Var.Quantiles)
	assert.Equal(t, 2000, cfg.Var.MCSamples)
	// untouched keys keep their defaults
	assert.Equal(t, 0.99, cfg.Xva.DimQuantile)
}

func TestValidate(t *testing.T) {
	base, err := Load("")
	require.NoError(t, err)

	tests := []struct {
		name   string
		mutate func(c *Config)
	}{
		{"samples", func(c *Config) { c.Simulation.Samples = 0 }},
		{"generator", func(c *Config) { c.Simulation.Generator = "Halton" }},
		{"discretization", func(c *Config) { c.Simulation.Discretization = "Milstein" }},
		{"salvaging", func(c *Config) { c.Simulation.Salvaging = "Hypersphere" }},
		{"tenor", func(c *Config) { c.Simulation.GridTenor = "3Q" }},
		{"credit model", func(c *Config) { c.Xva.CreditModel = "Hybrid" }},
		{"dim model", func(c *Config) { c.Xva.DimModel = "Simm" }},
		{"dim quantile", func(c *Config) { c.Xva.DimQuantile = 1 }},
		{"allocation", func(c *Config) { c.Xva.AllocationMethod = "Shapley" }},
		{"marginal limit", func(c *Config) { c.Xva.MarginalLimit = -1 }},
		{"migration mode", func(c *Config) { c.Migration.Mode = "Spread" }},
		{"migration evaluation", func(c *Config) { c.Migration.Evaluation = "Mixed" }},
		{"migration buckets", func(c *Config) { c.Migration.Buckets = 1 }},
		{"var quantile", func(c *Config) { c.Var.Quantiles = []float64{0} }},
		{"var method", func(c *Config) { c.Var.Method = "Saddlepoint" }},
		{"mc samples", func(c *Config) { c.Var.Method = "MonteCarlo"; c.Var.MCSamples = 0 }},
		{"format", func(c *Config) { c.Output.Format = "xml" }},
		{"metrics address", func(c *Config) { c.Metrics.Enabled = true; c.Metrics.Address = "" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := *base
			c.Var.Quantiles = append([]float64(nil), base.Var.Quantiles...)
			tt.mutate(&c)
			assert.ErrorIs(t, c.Validate(), ErrInvalidConfig)
		})
	}
}

func TestLoadRejectsInvalidFile(t *testing.T) {
	_, err := Load(writeConfig(t, "simulation:\n  samples: -1\n"))
	assert.ErrorIs(t, err, ErrInvalidConfig)

	_, err = Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}
