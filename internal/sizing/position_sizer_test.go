package sizing_test

import (
	"testing"

	"github.com/atlas-desktop/swing-backtester/internal/sizing"
	"github.com/atlas-desktop/swing-backtester/internal/strategy"
	"github.com/atlas-desktop/swing-backtester/pkg/types"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newSizer() *sizing.PositionSizer {
	return sizing.NewPositionSizer(zap.NewNop(), types.DefaultRunConfig().Sizing, 5)
}

func request(stats types.StrategyStats) *sizing.SizingRequest {
	return &sizing.SizingRequest{
		Symbol:     "A",
		Capital:    decimal.NewFromInt(100000),
		Price:      decimal.NewFromInt(100),
		Stats:      stats,
		Confidence: 1,
	}
}

func TestKelly(t *testing.T) {
	assert.InDelta(t, 0.4, sizing.Kelly(0.6, 10, 5), 1e-9)
	assert.Equal(t, 0.0, sizing.Kelly(0.6, 10, 0))
	assert.Equal(t, 0.0, sizing.Kelly(0.3, 1, 1))
	assert.Equal(t, 0.0, sizing.Kelly(0, 10, 5))
}

func TestHalfKellyExample(t *testing.T) {
	res := newSizer().CalculateSize(request(types.StrategyStats{WinRate: 0.6, AvgWin: 10, AvgLoss: 5, TradeCount: 30}))

	require.False(t, res.Rejected)
	assert.InDelta(t, 0.4, res.RawKelly, 1e-9)
	assert.InDelta(t, 0.2, res.FractionalKelly, 1e-9)
	assert.InDelta(t, 0.2, res.Ratio, 1e-9)
	assert.Equal(t, "kelly", res.LimitingFactor)
	assert.True(t, res.PositionCapital.Equal(decimal.NewFromInt(20000)), res.PositionCapital.String())
	assert.Equal(t, int64(200), res.Shares)
	assert.Len(t, res.Adjustments, 6)
}

func TestDampeningAndClamp(t *testing.T) {
	s := newSizer()
	stats := types.StrategyStats{WinRate: 0.6, AvgWin: 10, AvgLoss: 5, TradeCount: 15}

	// 0.2 * 0.5 sample = 0.1, then risk 40 -> 0.08, clamped up to the minimum
	req := request(stats)
	req.RiskScore = 40
	res := s.CalculateSize(req)
	require.False(t, res.Rejected)
	assert.InDelta(t, 0.5, res.SampleFactor, 1e-9)
	assert.InDelta(t, 0.8, res.RiskFactor, 1e-9)
	assert.InDelta(t, 0.08, res.AdjustedKelly, 1e-9)
	assert.InDelta(t, 0.10, res.Ratio, 1e-9)
	assert.Equal(t, "min_position_ratio", res.LimitingFactor)

	// a large edge is capped
	res = s.CalculateSize(request(types.StrategyStats{WinRate: 0.9, AvgWin: 10, AvgLoss: 2, TradeCount: 100}))
	assert.InDelta(t, 0.25, res.Ratio, 1e-9)
	assert.Equal(t, "max_position_ratio", res.LimitingFactor)
	assert.Equal(t, int64(250), res.Shares)
}

func TestConfidenceScales(t *testing.T) {
	req := request(types.StrategyStats{WinRate: 0.6, AvgWin: 10, AvgLoss: 5, TradeCount: 30})
	req.Confidence = 0.75
	res := newSizer().CalculateSize(req)
	assert.InDelta(t, 0.15, res.Ratio, 1e-9)
	assert.Equal(t, int64(150), res.Shares)
}

func TestRejections(t *testing.T) {
	s := newSizer()

	req := request(types.StrategyStats{WinRate: 0.6, AvgWin: 10, AvgLoss: 5, TradeCount: 30})
	req.OpenPositions = 5
	res := s.CalculateSize(req)
	assert.True(t, res.Rejected)
	assert.Equal(t, sizing.RejectMaxPositions, res.RejectReason)

	req = request(types.StrategyStats{WinRate: 0.6, AvgWin: 10, AvgLoss: 5, TradeCount: 30})
	req.Price = decimal.NewFromInt(50000)
	res = s.CalculateSize(req)
	assert.True(t, res.Rejected)
	assert.Equal(t, sizing.RejectNoShares, res.RejectReason)
	assert.Equal(t, int64(0), res.Shares)
}

func TestNoEdgeSizesAtMinimum(t *testing.T) {
	res := newSizer().CalculateSize(request(types.StrategyStats{WinRate: 0.3, AvgWin: 1, AvgLoss: 1, TradeCount: 50}))
	require.False(t, res.Rejected)
	assert.Equal(t, 0.0, res.RawKelly)
	assert.Equal(t, 0.10, res.Ratio)
	assert.Equal(t, "min_position_ratio", res.LimitingFactor)
	assert.Equal(t, int64(100), res.Shares)
}

func TestNoEdgeRejectedWhenConfigured(t *testing.T) {
	params := types.DefaultRunConfig().Sizing
	params.RejectNoEdge = true
	s := sizing.NewPositionSizer(zap.NewNop(), params, 5)

	res := s.CalculateSize(request(types.StrategyStats{WinRate: 0.3, AvgWin: 1, AvgLoss: 1, TradeCount: 50}))
	assert.True(t, res.Rejected)
	assert.Equal(t, sizing.RejectNoEdge, res.RejectReason)
	assert.Equal(t, 0.0, res.Ratio)
}

func TestLosingFirstTradeStillSizesNextEntry(t *testing.T) {
	tracker := strategy.NewTracker(types.DefaultRunConfig().Stats)
	tracker.Record(&types.Trade{Strategy: "trend_follow", PnLPct: decimal.NewFromFloat(-2)})

	stats := tracker.Stats("trend_follow")
	require.Equal(t, 0.0, stats.WinRate)
	require.Equal(t, 1, stats.TradeCount)

	res := newSizer().CalculateSize(request(stats))
	require.False(t, res.Rejected, res.RejectReason)
	assert.Equal(t, 0.10, res.Ratio)
	assert.Equal(t, int64(100), res.Shares)
	assert.False(t, tracker.IsDisabled("trend_follow"))
}
