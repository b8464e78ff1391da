package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/bcdannyboy/xvacube/aggregation"
	"github.com/bcdannyboy/xvacube/marketrisk"
	"github.com/bcdannyboy/xvacube/models"
	"github.com/bcdannyboy/xvacube/numerics"
	"github.com/bcdannyboy/xvacube/probability"
	"github.com/bcdannyboy/xvacube/simulation"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

var ErrInvalidConfig = errors.New("invalid configuration")

const envPrefix = "XVA"

type Config struct {
	Simulation SimulationConfig `mapstructure:"simulation"`
	Xva        XvaConfig        `mapstructure:"xva"`
	Migration  MigrationConfig  `mapstructure:"credit_migration"`
	Var        VarConfig        `mapstructure:"var"`
	Logging    LoggingConfig    `mapstructure:"logging"`
	Metrics    MetricsConfig    `mapstructure:"metrics"`
	Output     OutputConfig     `mapstructure:"output"`
}

type SimulationConfig struct {
	Seed           uint64 `mapstructure:"seed"`
	Samples        int    `mapstructure:"samples"`
	Generator      string `mapstructure:"generator"`
	Discretization string `mapstructure:"discretization"`
	Salvaging      string `mapstructure:"salvaging"`
	Workers        int    `mapstructure:"workers"`
	GridTenor      string `mapstructure:"grid_tenor"`
	GridCount      int    `mapstructure:"grid_count"`
	CloseOutLag    bool   `mapstructure:"close_out_lag"`
	MporDays       int    `mapstructure:"mpor_days"`
	Progress       bool   `mapstructure:"progress"`
}

type XvaConfig struct {
	BaseCurrency     string  `mapstructure:"base_currency"`
	DvaName          string  `mapstructure:"dva_name"`
	BorrowingCurve   string  `mapstructure:"borrowing_curve"`
	LendingCurve     string  `mapstructure:"lending_curve"`
	CreditModel      string  `mapstructure:"credit_model"`
	ApplyDIM         bool    `mapstructure:"apply_dim"`
	DimModel         string  `mapstructure:"dim_model"`
	DimQuantile      float64 `mapstructure:"dim_quantile"`
	DimHorizonDays   int     `mapstructure:"dim_horizon_days"`
	RegressionOrder  int     `mapstructure:"regression_order"`
	ExposureQuantile float64 `mapstructure:"exposure_quantile"`
	AllocationMethod string  `mapstructure:"allocation_method"`
	MarginalLimit    float64 `mapstructure:"marginal_allocation_limit"`
}

type MigrationConfig struct {
	Enabled    bool   `mapstructure:"enabled"`
	Mode       string `mapstructure:"mode"`
	Evaluation string `mapstructure:"evaluation"`
	Buckets    int    `mapstructure:"buckets"`
}

type VarConfig struct {
	Quantiles []float64 `mapstructure:"quantiles"`
	Method    string    `mapstructure:"method"`
	Salvaging string    `mapstructure:"salvaging"`
	MCSamples int       `mapstructure:"mc_samples"`
	Seed      uint64    `mapstructure:"seed"`
	Breakdown bool      `mapstructure:"breakdown"`
}

type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Production bool   `mapstructure:"production"`
}

type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Address string `mapstructure:"address"`
}

type OutputConfig struct {
	Directory string `mapstructure:"directory"`
	Format    string `mapstructure:"format"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("simulation.seed", 42)
	v.SetDefault("simulation.samples", 1000)
	v.SetDefault("simulation.generator", "SobolBrownianBridge")
	v.SetDefault("simulation.discretization", "Exact")
	v.SetDefault("simulation.salvaging", "Spectral")
	v.SetDefault("simulation.workers", 0)
	v.SetDefault("simulation.grid_tenor", "3M")
	v.SetDefault("simulation.grid_count", 20)
	v.SetDefault("simulation.close_out_lag", false)
	v.SetDefault("simulation.mpor_days", 14)
	v.SetDefault("simulation.progress", false)

	v.SetDefault("xva.base_currency", "EUR")
	v.SetDefault("xva.dva_name", "BANK")
	v.SetDefault("xva.borrowing_curve", "BORROW")
	v.SetDefault("xva.lending_curve", "LEND")
	v.SetDefault("xva.credit_model", "Static")
	v.SetDefault("xva.apply_dim", false)
	v.SetDefault("xva.dim_model", "Regression")
	v.SetDefault("xva.dim_quantile", 0.99)
	v.SetDefault("xva.dim_horizon_days", 14)
	v.SetDefault("xva.regression_order", 2)
	v.SetDefault("xva.exposure_quantile", 0.95)
	v.SetDefault("xva.allocation_method", "Marginal")
	v.SetDefault("xva.marginal_allocation_limit", 1.0)

	v.SetDefault("credit_migration.enabled", true)
	v.SetDefault("credit_migration.mode", "Migration")
	v.SetDefault("credit_migration.evaluation", "Analytic")
	v.SetDefault("credit_migration.buckets", 50)

	v.SetDefault("var.quantiles", []float64{0.95, 0.99})
	v.SetDefault("var.method", "Delta")
	v.SetDefault("var.salvaging", "Spectral")
	v.SetDefault("var.mc_samples", 10000)
	v.SetDefault("var.seed", 42)
	v.SetDefault("var.breakdown", true)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.production", false)

	v.SetDefault("metrics.enabled", false)
	v.SetDefault("metrics.address", ":2112")

	v.SetDefault("output.directory", "output")
	v.SetDefault("output.format", "csv")
}

// Load reads a .env file when present, then the YAML file at path (optional)
// and XVA_ prefixed environment variables over the defaults. XVA_XVA_DIM_MODEL
// overrides xva.dim_model.
func Load(path string) (*Config, error) {
	// a missing .env is fine
	_ = godotenv.Load()

	v := viper.New()
	v.SetConfigType("yaml")
	setDefaults(v)
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidConfig, fmt.Sprintf(format, args...))
}

func openUnit(x float64) bool { return x > 0 && x < 1 }

// Validate checks every enum string and numeric range.
func (c *Config) Validate() error {
	s := c.Simulation
	if s.Samples <= 0 {
		return invalid("simulation.samples must be positive, got %d", s.Samples)
	}
	if s.GridCount <= 0 {
		return invalid("simulation.grid_count must be positive, got %d", s.GridCount)
	}
	if s.Workers < 0 || s.MporDays < 0 {
		return invalid("simulation.workers and simulation.mpor_days must not be negative")
	}
	if _, err := probability.ParseGeneratorType(s.Generator); err != nil {
		return invalid("simulation.generator: %v", err)
	}
	if _, err := models.ParseDiscretization(s.Discretization); err != nil {
		return invalid("simulation.discretization: %v", err)
	}
	if _, err := numerics.ParseSalvagingAlgorithm(s.Salvaging); err != nil {
		return invalid("simulation.salvaging: %v", err)
	}
	if _, err := simulation.ParseTenor(s.GridTenor); err != nil {
		return invalid("simulation.grid_tenor: %v", err)
	}

	x := c.Xva
	if x.BaseCurrency == "" {
		return invalid("xva.base_currency is required")
	}
	if _, err := aggregation.ParseCreditModel(x.CreditModel); err != nil {
		return invalid("xva.credit_model: %v", err)
	}
	if _, err := aggregation.ParseDimModel(x.DimModel); err != nil {
		return invalid("xva.dim_model: %v", err)
	}
	if !openUnit(x.DimQuantile) || !openUnit(x.ExposureQuantile) {
		return invalid("xva quantiles must lie in (0, 1), got %g and %g", x.DimQuantile, x.ExposureQuantile)
	}
	if x.DimHorizonDays <= 0 || x.RegressionOrder < 0 {
		return invalid("xva.dim_horizon_days must be positive and xva.regression_order not negative")
	}
	if _, err := aggregation.ParseAllocationMethod(x.AllocationMethod); err != nil {
		return invalid("xva.allocation_method: %v", err)
	}
	if x.MarginalLimit < 0 {
		return invalid("xva.marginal_allocation_limit must not be negative, got %g", x.MarginalLimit)
	}

	cm := c.Migration
	if _, err := aggregation.ParseCreditMode(cm.Mode); err != nil {
		return invalid("credit_migration.mode: %v", err)
	}
	if _, err := aggregation.ParseStateEvaluation(cm.Evaluation); err != nil {
		return invalid("credit_migration.evaluation: %v", err)
	}
	if cm.Enabled && cm.Buckets < 2 {
		return invalid("credit_migration.buckets must be at least 2, got %d", cm.Buckets)
	}

	v := c.Var
	if len(v.Quantiles) == 0 {
		return invalid("var.quantiles is empty")
	}
	for _, q := range v.Quantiles {
		if !openUnit(q) {
			return invalid("var quantile %g outside (0, 1)", q)
		}
	}
	m, err := marketrisk.ParseVarMethod(v.Method)
	if err != nil {
		return invalid("var.method: %v", err)
	}
	if m == marketrisk.MonteCarlo && v.MCSamples <= 0 {
		return invalid("var.mc_samples must be positive for Monte Carlo VaR")
	}
	if _, err := numerics.ParseSalvagingAlgorithm(v.Salvaging); err != nil {
		return invalid("var.salvaging: %v", err)
	}

	switch strings.ToLower(c.Output.Format) {
	case "csv", "json":
	default:
		return invalid("output.format must be csv or json, got %q", c.Output.Format)
	}
	if c.Metrics.Enabled && c.Metrics.Address == "" {
		return invalid("metrics.address is required when metrics are enabled")
	}
	return nil
}
