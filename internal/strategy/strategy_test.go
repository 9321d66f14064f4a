package strategy_test

import (
	"errors"
	"testing"
	"time"

	"github.com/atlas-desktop/swing-backtester/internal/screener"
	"github.com/atlas-desktop/swing-backtester/internal/strategy"
	"github.com/atlas-desktop/swing-backtester/pkg/types"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

var day = time.Date(2024, 3, 8, 0, 0, 0, 0, time.UTC)

func trendingSnapshot() *screener.Snapshot {
	return &screener.Snapshot{
		Symbol:      "A",
		Close:       111,
		ADX:         40,
		PlusDI:      35,
		MinusDI:     10,
		RSI:         60,
		ATR:         2,
		SMA5:        110,
		SMA25:       105,
		SMA75:       100,
		High20:      120,
		VolumeRatio: 1,
		BBPosition:  0.8,
		ROC20:       4,
	}
}

func newRegistry() *strategy.Registry {
	return strategy.NewRegistry(zap.NewNop(), types.DefaultRunConfig().Strategies)
}

func TestRegistryListsBuiltins(t *testing.T) {
	assert.Equal(t,
		[]string{"breakout", "mean_reversion", "momentum", "pullback", "trend_follow"},
		newRegistry().List())
}

func TestTrendFollowEmitsBuyWithATRLevels(t *testing.T) {
	snap := trendingSnapshot()
	snap.Close = 100
	snap.SMA5 = 99
	snap.SMA25 = 97
	snap.SMA75 = 95
	snap.ATR = 2.5

	sig, err := newRegistry().Execute("trend_follow", &strategy.PriceContext{Symbol: "A", AsOf: day, Snapshot: snap})
	require.NoError(t, err)
	assert.Equal(t, types.SignalBuy, sig.Type)
	assert.Equal(t, "trend_follow", sig.Strategy)
	assert.True(t, sig.EntryPrice.Equal(decimal.NewFromInt(100)))
	assert.True(t, sig.StopLoss.Equal(decimal.NewFromInt(95)), sig.StopLoss.String())
	assert.True(t, sig.TakeProfit.Equal(decimal.NewFromInt(110)), sig.TakeProfit.String())
	assert.True(t, sig.IsActionable())
}

func TestTrendFollowHoldsWhenMinusDILeads(t *testing.T) {
	snap := trendingSnapshot()
	snap.PlusDI, snap.MinusDI = 10, 30

	sig, err := newRegistry().Execute("trend_follow", &strategy.PriceContext{Symbol: "A", AsOf: day, Snapshot: snap})
	require.NoError(t, err)
	assert.Equal(t, types.SignalHold, sig.Type)
	assert.False(t, sig.IsActionable())
}

func TestMeanReversionBuysOversold(t *testing.T) {
	snap := trendingSnapshot()
	snap.RSI = 28
	snap.BBPosition = 0.05

	sig, err := newRegistry().Execute("mean_reversion", &strategy.PriceContext{Symbol: "A", AsOf: day, Snapshot: snap})
	require.NoError(t, err)
	assert.Equal(t, types.SignalBuy, sig.Type)
}

func TestBreakoutNeedsCloseAboveRange(t *testing.T) {
	reg := newRegistry()
	snap := trendingSnapshot()

	sig, err := reg.Execute("breakout", &strategy.PriceContext{Symbol: "A", AsOf: day, Snapshot: snap})
	require.NoError(t, err)
	assert.Equal(t, types.SignalHold, sig.Type)

	snap.Close = 121
	snap.VolumeRatio = 1.4
	sig, err = reg.Execute("breakout", &strategy.PriceContext{Symbol: "A", AsOf: day, Snapshot: snap})
	require.NoError(t, err)
	assert.Equal(t, types.SignalBuy, sig.Type)
}

func TestComputationErrors(t *testing.T) {
	reg := newRegistry()

	snap := trendingSnapshot()
	snap.ATR = 0
	_, err := reg.Execute("trend_follow", &strategy.PriceContext{Symbol: "A", AsOf: day, Snapshot: snap})
	require.Error(t, err)
	assert.True(t, errors.Is(err, strategy.ErrStrategyComputation))
	var ce *strategy.ComputationError
	require.True(t, errors.As(err, &ce))
	assert.Equal(t, "trend_follow", ce.Strategy)
	assert.Equal(t, "A", ce.Symbol)

	// no snapshot and too few bars to compute one
	_, err = reg.Execute("momentum", &strategy.PriceContext{Symbol: "A", AsOf: day})
	assert.ErrorIs(t, err, strategy.ErrStrategyComputation)

	_, err = reg.Execute("unknown", &strategy.PriceContext{Symbol: "A", AsOf: day})
	assert.ErrorIs(t, err, strategy.ErrStrategyComputation)
}

func newMatcher(reg *strategy.Registry) *strategy.Matcher {
	return strategy.NewMatcher(zap.NewNop(), types.DefaultRunConfig().Matcher, reg)
}

func TestMatcherPicksHighestScore(t *testing.T) {
	m := newMatcher(newRegistry())

	match, ok := m.Match(types.RegimeStableUptrend, nil, trendingSnapshot(), nil)
	require.True(t, ok)
	assert.Equal(t, "trend_follow", match.Strategy)
	assert.InDelta(t, 0.8, match.Confidence, 1e-9)
	require.Len(t, match.Scores, 3)
	assert.Equal(t, 0.5, match.Scores[0].Affinity)
}

func TestMatcherUsesProfileAffinity(t *testing.T) {
	m := newMatcher(newRegistry())
	profile := &types.StockProfile{Symbol: "A", Type: types.ProfileTrending, RecommendedStrategies: []string{"pullback"}}

	match, ok := m.Match(types.RegimeStableUptrend, profile, trendingSnapshot(), nil)
	require.True(t, ok)
	// trend_follow: 0.4*0.25 + 0.6*1.0
	assert.Equal(t, "trend_follow", match.Strategy)
	assert.InDelta(t, 0.7, match.Confidence, 1e-9)

	degraded := func(name string) bool { return name == "trend_follow" }
	match, ok = m.Match(types.RegimeStableUptrend, profile, trendingSnapshot(), degraded)
	require.True(t, ok)
	assert.Equal(t, "pullback", match.Strategy)
	assert.True(t, match.Scores[0].Excluded)
}

func TestMatcherBelowThresholdIsNoMatch(t *testing.T) {
	m := newMatcher(newRegistry())
	degraded := func(name string) bool { return name == "trend_follow" }

	_, ok := m.Match(types.RegimeStableUptrend, nil, trendingSnapshot(), degraded)
	assert.False(t, ok)

	match, ok := m.Match(types.RegimePanicSell, nil, trendingSnapshot(), nil)
	assert.False(t, ok)
	assert.Empty(t, match.Scores)
}

func TestAffinity(t *testing.T) {
	p := &types.StockProfile{Type: types.ProfileMeanReverting, RecommendedStrategies: []string{"mean_reversion"}}
	assert.Equal(t, 1.0, strategy.Affinity(p, "mean_reversion"))
	assert.Equal(t, 0.25, strategy.Affinity(p, "breakout"))
	assert.Equal(t, 0.5, strategy.Affinity(nil, "breakout"))
	assert.Equal(t, 0.5, strategy.Affinity(&types.StockProfile{Type: types.ProfileUnclassified}, "breakout"))
}

// fixedFit is an executor with a constant fit, used to force score ties
type fixedFit struct {
	name string
	fit  float64
}

func (f fixedFit) Name() string                   { return f.name }
func (f fixedFit) Description() string            { return "fixed" }
func (f fixedFit) Fit(*screener.Snapshot) float64 { return f.fit }

func (f fixedFit) Evaluate(*strategy.PriceContext) (*types.Signal, error) {
	return nil, nil
}

func TestMatcherTieBreaksOnPriority(t *testing.T) {
	reg := newRegistry()
	reg.Register(fixedFit{name: "alpha", fit: 0.9})
	reg.Register(fixedFit{name: "beta", fit: 0.9})

	params := types.DefaultRunConfig().Matcher
	params.Table = map[string][]string{string(types.RegimeQuietRange): {"alpha", "beta"}}

	params.Priority = []string{"beta", "alpha"}
	match, ok := strategy.NewMatcher(zap.NewNop(), params, reg).Match(types.RegimeQuietRange, nil, trendingSnapshot(), nil)
	require.True(t, ok)
	assert.Equal(t, "beta", match.Strategy)

	params.Priority = []string{"alpha", "beta"}
	match, ok = strategy.NewMatcher(zap.NewNop(), params, reg).Match(types.RegimeQuietRange, nil, trendingSnapshot(), nil)
	require.True(t, ok)
	assert.Equal(t, "alpha", match.Strategy)
}

func trade(strategyName string, pnlPct float64) *types.Trade {
	return &types.Trade{Strategy: strategyName, PnLPct: decimal.NewFromFloat(pnlPct)}
}

func TestTrackerReturnsPriorsWithoutTrades(t *testing.T) {
	tr := strategy.NewTracker(types.DefaultRunConfig().Stats)
	stats := tr.Stats("trend_follow")
	assert.Equal(t, 0.5, stats.WinRate)
	assert.Equal(t, 6.0, stats.AvgWin)
	assert.Equal(t, 3.0, stats.AvgLoss)
	assert.Equal(t, 0, stats.TradeCount)
}

func TestTrackerBlendsPriors(t *testing.T) {
	params := types.DefaultRunConfig().Stats
	params.PriorTradeCount = 10
	tr := strategy.NewTracker(params)

	tr.Record(trade("breakout", 10))
	tr.Record(trade("breakout", 10))

	stats := tr.Stats("breakout")
	assert.Equal(t, 12, stats.TradeCount)
	assert.InDelta(t, 7.0/12.0, stats.WinRate, 1e-9)
	assert.InDelta(t, 50.0/7.0, stats.AvgWin, 1e-9)
	assert.InDelta(t, 3.0, stats.AvgLoss, 1e-9)
}

func TestTrackerWindowAndDegradation(t *testing.T) {
	params := types.DefaultRunConfig().Stats
	params.LookbackTrades = 12
	tr := strategy.NewTracker(params)

	for i := 0; i < 9; i++ {
		assert.False(t, tr.Record(trade("momentum", -2)))
	}
	assert.True(t, tr.Record(trade("momentum", -2)))
	assert.True(t, tr.IsDisabled("momentum"))
	assert.False(t, tr.Record(trade("momentum", -2)))
	assert.Equal(t, []string{"momentum"}, tr.Disabled())

	for i := 0; i < 20; i++ {
		tr.Record(trade("pullback", 4))
	}
	stats := tr.Stats("pullback")
	assert.Equal(t, 12, stats.TradeCount)
	assert.Equal(t, 1.0, stats.WinRate)
	assert.False(t, tr.IsDisabled("pullback"))

	snap := tr.Snapshot()
	require.Len(t, snap, 2)
	assert.Equal(t, "momentum", snap[0].Strategy)
}
