package backtester_test

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"github.com/atlas-desktop/swing-backtester/internal/backtester"
	"github.com/atlas-desktop/swing-backtester/internal/config"
	"github.com/atlas-desktop/swing-backtester/internal/data"
	"github.com/atlas-desktop/swing-backtester/internal/regime"
	"github.com/atlas-desktop/swing-backtester/internal/sizing"
	"github.com/atlas-desktop/swing-backtester/pkg/types"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestSimulatorTakeProfitScenario(t *testing.T) {
	s := newScenario()
	sim := newScenarioSimulator(s, scenarioConfig(), backtester.Options{})

	result, err := sim.Run(context.Background(), s.start, s.end)
	require.NoError(t, err)
	assert.Equal(t, backtester.StateCompleted, sim.State())
	assert.Equal(t, backtester.StateCompleted, result.State)

	require.Len(t, result.Trades, 1)
	trade := result.Trades[0]
	assert.Equal(t, "AAA", trade.Symbol)
	assert.Equal(t, scripted, trade.Strategy)
	assert.Equal(t, int64(150), trade.Shares)
	assert.True(t, s.fillDay.Equal(trade.EntryDate))
	assert.True(t, s.exitDay.Equal(trade.ExitDate))
	assert.True(t, trade.RawEntryPrice.Equal(decimal.NewFromInt(101)))
	assert.True(t, trade.EntryPrice.Equal(d(101.101)), "entry %s", trade.EntryPrice)
	assert.True(t, trade.ExitPrice.Equal(decimal.NewFromInt(110)), "exit %s", trade.ExitPrice)
	assert.Equal(t, types.ExitTakeProfit, trade.ExitReason)
	assert.Equal(t, 3, trade.HoldingDays)
	assert.Equal(t, types.RegimeStableUptrend, trade.EntryRegime)
	assert.Equal(t, 10, trade.EntryRiskScore)

	pct := trade.PnLPct.InexactFloat64()
	assert.True(t, pct >= 8.7 && pct <= 9.0, "pnl %% %.4f", pct)
	assert.True(t, trade.PnL.Equal(d(1334.85)), "pnl %s", trade.PnL)

	assert.True(t, result.FinalEquity.Equal(d(101334.85)), "final equity %s", result.FinalEquity)
	assert.Equal(t, len(result.EquityCurve), len(result.Audit))
	assert.Equal(t, len(result.EquityCurve), len(result.Environment))
	assert.Equal(t, 1, result.Evaluation.Metrics.TotalTrades)
	assert.Empty(t, result.DisabledStrategies)
	require.NotNil(t, result.Viability)
}

func TestSimulatorRespectsCashAndPositionCap(t *testing.T) {
	days := sessions(110)
	series := map[string][]types.OHLCV{indexSymbol: uptrendIndex(days)}
	symbols := []string{"A1", "A2", "A3", "A4", "A5", "A6"}
	for i, sym := range symbols {
		series[sym] = oscillating(days, 20+float64(i*10), 0.2, i)
	}

	cfg := scenarioConfig()
	cfg.Portfolio.MaxPositions = 2
	cfg.Portfolio.MaxSectorPositions = 0
	cfg.Portfolio.MaxCorrelation = 1
	cfg.Sizing.MinPositionRatio = 0.6
	cfg.Sizing.MaxPositionRatio = 0.6
	cfg.Risk.MaxHoldingDays = 2

	var checked int
	opts := backtester.Options{OnDay: func(rec *backtester.DayRecord, day, total int) {
		checked++
		assert.False(t, rec.Equity.Cash.IsNegative(), "cash %s on %s", rec.Equity.Cash, rec.Date)
		assert.LessOrEqual(t, rec.Equity.Positions, cfg.Portfolio.MaxPositions)
	}}

	in := backtester.Inputs{
		History:  data.NewPriceHistoryFrom(series),
		Universe: data.NewStaticUniverse(symbols, nil),
	}
	sim := backtester.NewSimulator(zap.NewNop(), cfg, in, opts)
	sim.Registry().Register(&scriptedStrategy{buyAll: true})

	result, err := sim.Run(context.Background(), days[70], days[105])
	require.NoError(t, err)
	assert.Equal(t, len(result.EquityCurve), checked)
	assert.NotEmpty(t, result.Trades)

	for _, p := range result.EquityCurve {
		assert.False(t, p.Cash.IsNegative())
		assert.LessOrEqual(t, p.Positions, cfg.Portfolio.MaxPositions)
	}
	for _, tr := range result.Trades {
		assert.NotEqual(t, types.ExitReason(""), tr.ExitReason)
	}
}

func TestSimulatorIsDeterministic(t *testing.T) {
	s := newScenario()

	run := func() []byte {
		sim := newScenarioSimulator(s, scenarioConfig(), backtester.Options{})
		result, err := sim.Run(context.Background(), s.start, s.end)
		require.NoError(t, err)

		var buf bytes.Buffer
		require.NoError(t, backtester.WriteResultJSON(&buf, result))
		require.NoError(t, backtester.WriteTradeLogCSV(&buf, result))
		require.NoError(t, backtester.WriteEquityCurveCSV(&buf, result))
		return buf.Bytes()
	}

	first := run()
	second := run()
	assert.Equal(t, first, second)
}

func TestSimulatorIgnoresFutureBars(t *testing.T) {
	s := newScenario()
	cutoff := s.days[82]

	// same market, but every bar after the cutoff is replaced by a sentinel
	poisoned := make(map[string][]types.OHLCV)
	for _, sym := range []string{indexSymbol, "AAA", "BBB"} {
		bars := s.history.Before(sym, s.days[len(s.days)-1].AddDate(0, 0, 1))
		out := make([]types.OHLCV, len(bars))
		copy(out, bars)
		for i := range out {
			if out[i].Date.After(cutoff) {
				out[i] = bar(out[i].Date, 1, 5000, 1, 4999)
			}
		}
		poisoned[sym] = out
	}
	future := &scenario{
		days:    s.days,
		history: data.NewPriceHistoryFrom(poisoned),
		fillDay: s.fillDay,
	}

	clean, err := newScenarioSimulator(s, scenarioConfig(), backtester.Options{}).
		Run(context.Background(), s.start, cutoff)
	require.NoError(t, err)
	dirty, err := newScenarioSimulator(future, scenarioConfig(), backtester.Options{}).
		Run(context.Background(), s.start, s.days[95])
	require.NoError(t, err)

	require.Greater(t, len(dirty.Environment), len(clean.Environment))
	for i := range clean.Environment {
		assert.Equal(t, clean.Environment[i], dirty.Environment[i], "environment on %s", clean.Environment[i].Date)
	}
	for i := range clean.Audit[:len(clean.Audit)-1] {
		assert.Equal(t, clean.Audit[i].Entries, dirty.Audit[i].Entries)
		assert.Equal(t, clean.Audit[i].Fills, dirty.Audit[i].Fills)
		assert.Equal(t, clean.Audit[i].Exits, dirty.Audit[i].Exits)
	}
	require.NotEmpty(t, clean.Trades)
	assert.Equal(t, clean.Trades[0], dirty.Trades[0])
}

func TestSimulatorClassifierSeesOnlyPastBars(t *testing.T) {
	s := newScenario()
	day := s.days[75]
	classifier := regime.NewClassifier(zap.NewNop(), scenarioConfig().Regime)

	before, err := classifier.Classify(day, regime.Input{Index: s.history.Before(indexSymbol, day.AddDate(1, 0, 0))})
	require.NoError(t, err)

	mutated := append([]types.OHLCV(nil), s.history.Before(indexSymbol, day.AddDate(1, 0, 0))...)
	for i := range mutated {
		if !mutated[i].Date.Before(day) {
			mutated[i].Close = mutated[i].Close.Mul(decimal.NewFromInt(3))
			mutated[i].High = mutated[i].High.Mul(decimal.NewFromInt(3))
		}
	}
	after, err := classifier.Classify(day, regime.Input{Index: mutated})
	require.NoError(t, err)

	assert.Equal(t, before, after)
	assert.GreaterOrEqual(t, before.RiskScore, 0)
	assert.LessOrEqual(t, before.RiskScore, 100)
}

func TestSimulatorAbortsOnInvalidConfig(t *testing.T) {
	s := newScenario()
	cfg := scenarioConfig()
	cfg.Sizing.KellyFraction = 2

	sim := newScenarioSimulator(s, cfg, backtester.Options{})
	_, err := sim.Run(context.Background(), s.start, s.end)
	require.Error(t, err)
	assert.True(t, errors.Is(err, config.ErrConfigurationInvalid))
	assert.Equal(t, backtester.StateAborted, sim.State())
}

func TestSimulatorNoTradingDays(t *testing.T) {
	s := newScenario()
	sim := newScenarioSimulator(s, scenarioConfig(), backtester.Options{})

	from := time.Date(2030, 1, 1, 0, 0, 0, 0, time.UTC)
	_, err := sim.Run(context.Background(), from, from.AddDate(0, 1, 0))
	assert.ErrorIs(t, err, backtester.ErrNoTradingDays)
	assert.Equal(t, backtester.StateAborted, sim.State())
}

func TestSimulatorStopsOnCancelledContext(t *testing.T) {
	s := newScenario()
	ctx, cancel := context.WithCancel(context.Background())

	days := 0
	sim := newScenarioSimulator(s, scenarioConfig(), backtester.Options{
		OnDay: func(*backtester.DayRecord, int, int) {
			days++
			if days == 3 {
				cancel()
			}
		},
	})
	_, err := sim.Run(ctx, s.start, s.end)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 3, days)
}

func TestSimulatorRecordsSkipsForUntradeableDays(t *testing.T) {
	s := newScenario()
	cfg := scenarioConfig()
	cfg.Regime.MaxTradeableRisk = 5

	sim := newScenarioSimulator(s, cfg, backtester.Options{})
	result, err := sim.Run(context.Background(), s.start, s.end)
	require.NoError(t, err)

	assert.Empty(t, result.Trades)
	assert.Greater(t, result.SkipCounts[backtester.StageRegime+":not_tradeable"], 0)
	for _, rec := range result.Audit {
		assert.Empty(t, rec.Entries)
	}
}

func TestSimulatorNeverFundsFillsWithSameDayExits(t *testing.T) {
	days := sessions(110)
	series := map[string][]types.OHLCV{indexSymbol: uptrendIndex(days)}
	symbols := []string{"A1", "A2", "A3"}
	for i, sym := range symbols {
		series[sym] = oscillating(days, 20+float64(i*10), 0.2, i)
	}

	cfg := scenarioConfig()
	cfg.Portfolio.MaxPositions = 1
	cfg.Portfolio.MaxSectorPositions = 0
	cfg.Portfolio.MaxCorrelation = 1
	cfg.Sizing.MinPositionRatio = 0.6
	cfg.Sizing.MaxPositionRatio = 0.6
	cfg.Risk.MaxHoldingDays = 2

	opts := backtester.Options{OnDay: func(rec *backtester.DayRecord, day, total int) {
		assert.LessOrEqual(t, rec.Equity.Positions, 1)
		if len(rec.Fills) == 0 {
			return
		}
		for _, ex := range rec.Exits {
			assert.Equal(t, rec.Fills[0].Symbol, ex.Symbol,
				"%s closed on %s while %s filled at the open", ex.Symbol, rec.Date, rec.Fills[0].Symbol)
		}
	}}

	in := backtester.Inputs{
		History:  data.NewPriceHistoryFrom(series),
		Universe: data.NewStaticUniverse(symbols, nil),
	}
	sim := backtester.NewSimulator(zap.NewNop(), cfg, in, opts)
	sim.Registry().Register(&scriptedStrategy{buyAll: true})

	result, err := sim.Run(context.Background(), days[70], days[105])
	require.NoError(t, err)
	require.Greater(t, len(result.Trades), 3)

	for k := 1; k < len(result.Trades); k++ {
		prev, next := result.Trades[k-1], result.Trades[k]
		assert.True(t, next.EntryDate.After(prev.ExitDate),
			"%s entered %s, %s exited %s", next.Symbol, next.EntryDate, prev.Symbol, prev.ExitDate)
	}
	for _, tr := range result.Trades[:len(result.Trades)-1] {
		assert.Equal(t, types.ExitMaxHolding, tr.ExitReason)
	}
	assert.Zero(t, result.SkipCounts[backtester.StageSizing+":"+sizing.RejectNoEdge])
}

func TestSimulatorRecordsStrategyFailuresAndCompletes(t *testing.T) {
	s := newScenario()
	sim := backtester.NewSimulator(zap.NewNop(), scenarioConfig(), s.inputs(), backtester.Options{})
	sim.Registry().Register(failingStrategy{})

	result, err := sim.Run(context.Background(), s.start, s.end)
	require.NoError(t, err)
	assert.Equal(t, backtester.StateCompleted, sim.State())
	assert.Equal(t, backtester.StateCompleted, result.State)

	assert.Empty(t, result.Trades)
	assert.Greater(t, result.SkipCounts[backtester.StageStrategy+":computation_error"], 0)
	assert.Len(t, result.Audit, len(result.EquityCurve))

	var detail string
	for _, rec := range result.Audit {
		assert.Empty(t, rec.Entries)
		for _, sk := range rec.Skips {
			if sk.Stage == backtester.StageStrategy {
				detail = sk.Detail
			}
		}
	}
	assert.Contains(t, detail, "window rejected")
}

func TestSimulatorTreatsSellAsNoEntry(t *testing.T) {
	s := newScenario()
	sim := backtester.NewSimulator(zap.NewNop(), scenarioConfig(), s.inputs(), backtester.Options{})
	sim.Registry().Register(bearishStrategy{})

	result, err := sim.Run(context.Background(), s.start, s.end)
	require.NoError(t, err)

	assert.Empty(t, result.Trades)
	assert.Greater(t, result.SkipCounts[backtester.StageStrategy+":sell"], 0)
	assert.Zero(t, result.SkipCounts[backtester.StageStrategy+":hold"])
	assert.True(t, result.FinalEquity.Equal(result.InitialCapital))
}
