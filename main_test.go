package main

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/bcdannyboy/xvacube/aggregation"
	"github.com/bcdannyboy/xvacube/config"
	"github.com/bcdannyboy/xvacube/probability"
	"github.com/bcdannyboy/xvacube/numerics"
	"github.com/bcdannyboy/xvacube/sensitivity"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestDemoCovariance(t *testing.T) {
	b, err := newDemoBook(time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC), "EUR", "BANK", numerics.SalvagingSpectral)
	require.NoError(t, err)
	require.Len(t, b.shifts, 4)

	eur := sensitivity.RiskFactorKey{Type: sensitivity.DiscountCurve, Name: "EUR"}
	usd := sensitivity.RiskFactorKey{Type: sensitivity.DiscountCurve, Name: "USD"}
	fx := sensitivity.RiskFactorKey{Type: sensitivity.FXSpot, Name: "USDEUR"}
	assert.Len(t, b.covariance, 5)
	assert.Equal(t, 100.0, b.covariance[sensitivity.NewCrossPair(eur, eur)])
	assert.Equal(t, 50.0, b.covariance[sensitivity.NewCrossPair(usd, eur)])
	assert.Equal(t, 4.0, b.covariance[sensitivity.NewCrossPair(fx, fx)])
	_, ok := b.covariance[sensitivity.NewCrossPair(eur, fx)]
	assert.False(t, ok)

	_, err = newDemoBook(time.Now(), "GBP", "BANK", numerics.SalvagingSpectral)
	assert.Error(t, err)
}

func TestRunWritesReports(t *testing.T) {
	cfg, err := config.Load("")
	require.NoError(t, err)
	cfg.Simulation.Samples = 64
	cfg.Simulation.GridTenor = "6M"
	cfg.Simulation.GridCount = 4
	cfg.Simulation.Workers = 2
	cfg.Output.Directory = t.TempDir()

	require.NoError(t, run(context.Background(), cfg, zap.NewNop()))

	for _, name := range []string{
		"exposure_trade_SWAP_PAY", "exposure_nettingset_NS_A", "exposure_nettingset_NS_B",
		"xva", "dim_evolution", "migration_pnl", "sensitivities", "market_risk", "simulated_var",
	} {
		info, err := os.Stat(filepath.Join(cfg.Output.Directory, name+".csv"))
		require.NoError(t, err, name)
		assert.Positive(t, info.Size(), name)
	}
}

func TestRunRejectsUnparsedSettings(t *testing.T) {
	cfg, err := config.Load("")
	require.NoError(t, err)
	cfg.Output.Directory = t.TempDir()

	bad := *cfg
	bad.Simulation.Generator = "Halton"
	err = run(context.Background(), &bad, zap.NewNop())
	assert.ErrorIs(t, err, probability.ErrGenerator)

	bad = *cfg
	bad.Xva.AllocationMethod = "Shapley"
	err = run(context.Background(), &bad, zap.NewNop())
	assert.ErrorIs(t, err, aggregation.ErrUnknownAllocationMethod)

	st, err := parseSettings(cfg)
	require.NoError(t, err)
	assert.Equal(t, aggregation.MarginalAllocation, st.allocation)
	assert.Equal(t, aggregation.AnalyticStates, st.stateEvaluation)
}

func TestMigrationHorizon(t *testing.T) {
	asof := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	quarterly := []time.Time{asof.AddDate(0, 3, 0), asof.AddDate(0, 6, 0), asof.AddDate(1, 0, 0), asof.AddDate(1, 3, 0)}
	assert.Equal(t, asof.AddDate(1, 0, 0), migrationHorizon(asof, quarterly))
	assert.Equal(t, asof.AddDate(2, 0, 0), migrationHorizon(asof, []time.Time{asof.AddDate(2, 0, 0)}))
}
