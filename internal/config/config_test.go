package config_test

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/atlas-desktop/swing-backtester/internal/config"
	"github.com/atlas-desktop/swing-backtester/pkg/types"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func writeFile(t *testing.T, dir, name, body string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(body), 0o644))
}

func TestDefaultConfigIsValid(t *testing.T) {
	assert.NoError(t, config.Validate(types.DefaultRunConfig()))
}

func TestValidateCollectsProblems(t *testing.T) {
	cfg := types.DefaultRunConfig()
	cfg.Sizing.MinPositionRatio = 0.3
	cfg.Sizing.MaxPositionRatio = 0.2
	cfg.Portfolio.MaxPositions = 0
	cfg.Risk.EarlyExitPolicy = "sometimes"
	cfg.Risk.GapFill = "midpoint"

	err := config.Validate(cfg)
	require.Error(t, err)
	assert.True(t, errors.Is(err, config.ErrConfigurationInvalid))

	var verr *config.ValidationError
	require.True(t, errors.As(err, &verr))
	assert.Len(t, verr.Problems, 4)
}

func TestStoreLoadsActiveVersion(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "v1.yaml", "initial_capital: 50000\n")
	writeFile(t, dir, "v2.yaml", `
initial_capital: "250000.50"
index_symbol: SPX
sizing:
  kelly_fraction: 0.25
  reject_no_edge: true
risk:
  gap_fill: open
portfolio:
  max_positions: 8
  commission_bps: 5
matcher:
  table:
    STABLE_UPTREND: [breakout]
`)
	writeFile(t, dir, "active.yaml", "version: v2\n")

	store := config.NewStore(zap.NewNop(), dir)

	versions, err := store.ListVersions()
	require.NoError(t, err)
	assert.Equal(t, []string{"v1", "v2"}, versions)

	cfg, err := store.Load("")
	require.NoError(t, err)
	assert.Equal(t, "v2", cfg.Version)
	assert.True(t, cfg.InitialCapital.Equal(decimal.RequireFromString("250000.50")))
	assert.Equal(t, "SPX", cfg.IndexSymbol)
	assert.Equal(t, 0.25, cfg.Sizing.KellyFraction)
	assert.True(t, cfg.Sizing.RejectNoEdge)
	assert.Equal(t, 8, cfg.Portfolio.MaxPositions)
	assert.True(t, cfg.Portfolio.CommissionBps.Equal(decimal.NewFromInt(5)))
	assert.Equal(t, map[string][]string{"STABLE_UPTREND": {"breakout"}}, cfg.Matcher.Table)

	// untouched values keep their defaults
	def := types.DefaultRunConfig()
	assert.Equal(t, types.GapFillLevel, def.Risk.GapFill)
	def.Risk.GapFill = types.GapFillOpen
	assert.Equal(t, def.Risk, cfg.Risk)
	assert.Equal(t, def.Sizing.MaxPositionRatio, cfg.Sizing.MaxPositionRatio)
}

func TestStoreExplicitVersionAndSetActive(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "v1.yaml", "initial_capital: 50000\n")
	writeFile(t, dir, "v2.yaml", "initial_capital: 75000\n")
	writeFile(t, dir, "active.yaml", "version: v2\n")

	store := config.NewStore(zap.NewNop(), dir)

	cfg, err := store.Load("v1")
	require.NoError(t, err)
	assert.True(t, cfg.InitialCapital.Equal(decimal.NewFromInt(50000)))

	require.NoError(t, store.SetActive("v1"))
	active, err := store.ActiveVersion()
	require.NoError(t, err)
	assert.Equal(t, "v1", active)
}

func TestStoreRejectsInvalidAndMissingVersions(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "bad.yaml", "sizing:\n  kelly_fraction: 1.5\n")

	store := config.NewStore(zap.NewNop(), dir)

	_, err := store.Load("bad")
	assert.ErrorIs(t, err, config.ErrConfigurationInvalid)

	_, err = store.Load("v9")
	assert.ErrorIs(t, err, config.ErrVersionNotFound)

	_, err = store.Load("../bad")
	assert.ErrorIs(t, err, config.ErrVersionNotFound)
}
