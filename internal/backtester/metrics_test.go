package backtester_test

import (
	"bytes"
	"encoding/csv"
	"testing"
	"time"

	"github.com/atlas-desktop/swing-backtester/internal/backtester"
	"github.com/atlas-desktop/swing-backtester/pkg/types"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func closedTrade(symbol, strategy string, exit time.Time, pnl, pct float64, hold int) *types.Trade {
	return &types.Trade{
		Symbol:      symbol,
		Strategy:    strategy,
		EntryDate:   exit.AddDate(0, 0, -hold),
		ExitDate:    exit,
		PnL:         d(pnl),
		PnLPct:      d(pct),
		HoldingDays: hold,
		ExitReason:  types.ExitTakeProfit,
		EntryRegime: types.RegimeStableUptrend,
	}
}

func curve(values ...float64) []types.EquityPoint {
	days := sessions(len(values))
	out := make([]types.EquityPoint, len(values))
	for i, v := range values {
		out[i] = types.EquityPoint{Date: days[i], Equity: d(v), Cash: d(v)}
	}
	return out
}

func TestEvaluatorTradeStatistics(t *testing.T) {
	jan := time.Date(2024, 1, 15, 0, 0, 0, 0, time.UTC)
	feb := time.Date(2024, 2, 15, 0, 0, 0, 0, time.UTC)
	trades := []*types.Trade{
		closedTrade("AAA", "breakout", jan, 300, 6, 3),
		closedTrade("BBB", "pullback", jan, -100, -2, 2),
		closedTrade("AAA", "breakout", feb, 200, 4, 5),
		closedTrade("CCC", "breakout", feb, -100, -2, 2),
	}

	ev := backtester.NewEvaluator(types.EvaluationParams{}, 5).
		Evaluate(trades, curve(10000, 10300, 10200, 10400, 10300), decimal.NewFromInt(10000))
	m := ev.Metrics

	assert.Equal(t, 4, m.TotalTrades)
	assert.Equal(t, 2, m.WinningTrades)
	assert.Equal(t, 2, m.LosingTrades)
	assert.True(t, m.WinRate.Equal(d(0.5)))
	assert.True(t, m.Expectancy.Equal(d(75)))
	assert.True(t, m.AvgReturnPct.Equal(d(1.5)))
	assert.True(t, m.AvgHoldingDays.Equal(d(3)))
	assert.True(t, m.ProfitFactor.Equal(d(2.5)))
	assert.True(t, m.AvgWin.Equal(d(250)))
	assert.True(t, m.AvgLoss.Equal(d(100)))
	assert.True(t, m.LargestWin.Equal(d(300)))
	assert.True(t, m.TotalReturn.Equal(d(0.03)))

	require.Len(t, ev.ByMonth, 2)
	assert.Equal(t, "2024-01", ev.ByMonth[0].Key)
	assert.Equal(t, "2024-02", ev.ByMonth[1].Key)

	require.Len(t, ev.BySymbol, 3)
	assert.Equal(t, "AAA", ev.BySymbol[0].Key)
	assert.Equal(t, 2, ev.BySymbol[0].Trades)
	assert.True(t, ev.BySymbol[0].TotalPnL.Equal(d(500)))

	require.Len(t, ev.ByStrategy, 2)
	assert.Equal(t, "breakout", ev.ByStrategy[0].Key)
	assert.True(t, ev.ByStrategy[0].ProfitFactor.Equal(d(5)))
	assert.True(t, ev.ByStrategy[1].ProfitFactor.IsZero(), "no wins and one loss gives zero")
}

func TestEvaluatorProfitFactorWithoutLosses(t *testing.T) {
	day := time.Date(2024, 1, 15, 0, 0, 0, 0, time.UTC)
	m := backtester.NewEvaluator(types.EvaluationParams{}, 5).Metrics(
		[]*types.Trade{closedTrade("AAA", "breakout", day, 100, 2, 1)},
		curve(10000, 10100), decimal.NewFromInt(10000))

	assert.True(t, m.ProfitFactor.IsZero())
	assert.True(t, m.AvgLoss.IsZero())
}

func TestEvaluatorDrawdown(t *testing.T) {
	m := backtester.NewEvaluator(types.EvaluationParams{}, 5).
		Metrics(nil, curve(100, 120, 90, 100, 130, 125), decimal.NewFromInt(100))

	// 120 -> 90
	assert.True(t, m.MaxDrawdown.Equal(d(0.25)), "max drawdown %s", m.MaxDrawdown)
	assert.Equal(t, 2, m.MaxDrawdownDays)
	assert.Equal(t, 2, m.RecoveryDays)
	assert.True(t, m.CurrentDrawdown.Equal(decimal.NewFromInt(5).Div(decimal.NewFromInt(130)).Round(6)))
	assert.True(t, m.TotalReturn.Equal(d(0.25)))
	assert.True(t, m.SharpeRatio.IsPositive())
}

func TestEvaluatorNeverRecovered(t *testing.T) {
	m := backtester.NewEvaluator(types.EvaluationParams{}, 5).
		Metrics(nil, curve(100, 110, 90, 95), decimal.NewFromInt(100))
	assert.Equal(t, -1, m.RecoveryDays)

	flat := backtester.NewEvaluator(types.EvaluationParams{}, 5).
		Metrics(nil, curve(100, 100, 100), decimal.NewFromInt(100))
	assert.Equal(t, 0, flat.RecoveryDays)
	assert.True(t, flat.MaxDrawdown.IsZero())
	assert.True(t, flat.SharpeRatio.IsZero())
}

func TestViabilityReport(t *testing.T) {
	checker := backtester.NewViabilityChecker(nil)

	strong := &types.PerformanceMetrics{
		TotalTrades:   60,
		WinningTrades: 39,
		LosingTrades:  21,
		WinRate:       d(0.65),
		ProfitFactor:  d(2.4),
		SharpeRatio:   d(1.8),
		SortinoRatio:  d(2.5),
		MaxDrawdown:   d(0.08),
		Expectancy:    d(120),
		TotalReturn:   d(0.35),
	}
	report := checker.Check(strong, nil)
	assert.True(t, report.IsViable, report.Summary)
	assert.Empty(t, report.Issues)
	assert.NotEmpty(t, report.Strengths)

	weak := &types.PerformanceMetrics{
		TotalTrades:   12,
		WinningTrades: 3,
		LosingTrades:  9,
		WinRate:       d(0.25),
		ProfitFactor:  d(0.6),
		SharpeRatio:   d(-0.4),
		MaxDrawdown:   d(0.35),
		Expectancy:    d(-40),
	}
	report = checker.Check(weak, []string{"breakout"})
	assert.False(t, report.IsViable)
	assert.Equal(t, []string{"breakout"}, report.DegradedStrategies)

	var critical int
	for _, issue := range report.Issues {
		if issue.Severity == backtester.SeverityCritical {
			critical++
		}
	}
	assert.GreaterOrEqual(t, critical, 4)
}

func TestViabilityUnitConsistency(t *testing.T) {
	checker := backtester.NewViabilityChecker(nil)
	report := &backtester.ViabilityReport{IsViable: true}

	checker.CheckUnits(report, []decimal.Decimal{d(0.05), d(-0.02), d(-0.01), d(-0.03)})
	assert.False(t, report.IsViable)
	require.Len(t, report.Issues, 1)
	assert.True(t, report.Issues[0].Actual.Equal(d(0.25)))
}

func TestGenerateWalkForwardUnits(t *testing.T) {
	start := time.Date(2022, 1, 1, 0, 0, 0, 0, time.UTC)
	end := time.Date(2023, 12, 31, 0, 0, 0, 0, time.UTC)

	units, err := backtester.GenerateWalkForwardUnits(start, end, backtester.WalkForwardConfig{
		WindowDays:    365,
		StepDays:      180,
		ConfigVersion: "v2",
		Universe:      []string{"AAA"},
	})
	require.NoError(t, err)
	require.Len(t, units, 3)
	assert.Equal(t, "wf-000", units[0].ID)
	assert.True(t, units[0].Start.Equal(start))
	assert.True(t, units[0].End.Equal(start.AddDate(0, 0, 365)))
	assert.True(t, units[1].Start.Equal(start.AddDate(0, 0, 180)))
	for _, u := range units {
		assert.Equal(t, "v2", u.ConfigVersion)
		assert.False(t, u.End.After(end))
	}

	split, err := backtester.GenerateWalkForwardUnits(start, end, backtester.WalkForwardConfig{
		WindowDays:    365,
		StepDays:      365,
		InSampleRatio: 0.5,
	})
	require.NoError(t, err)
	require.Len(t, split, 2)
	assert.Equal(t, "wf-000-in", split[0].ID)
	assert.Equal(t, "wf-000-out", split[1].ID)
	assert.True(t, split[1].Start.After(split[0].End))

	_, err = backtester.GenerateWalkForwardUnits(start, start.AddDate(0, 1, 0), backtester.WalkForwardConfig{})
	assert.Error(t, err)
	_, err = backtester.GenerateWalkForwardUnits(start, end, backtester.WalkForwardConfig{InSampleRatio: 1})
	assert.Error(t, err)
}

func TestSummarizeWalkForward(t *testing.T) {
	unit := func(id string, ret float64) *backtester.UnitResult {
		return &backtester.UnitResult{
			UnitID: id,
			Status: backtester.UnitCompleted,
			Result: &backtester.Result{Evaluation: &types.Evaluation{
				Metrics: &types.PerformanceMetrics{TotalReturn: d(ret)},
			}},
		}
	}
	results := []*backtester.UnitResult{
		unit("wf-000-in", 0.10),
		unit("wf-000-out", 0.05),
		unit("wf-001-in", 0.10),
		{UnitID: "wf-001-out", Status: backtester.UnitFailed},
	}

	summary := backtester.SummarizeWalkForward(results)
	require.Len(t, summary.Windows, 1)
	assert.Equal(t, "wf-000", summary.Windows[0].Name)
	assert.True(t, summary.Robustness.Equal(d(0.5)))
}

func TestWritersUseFixedColumns(t *testing.T) {
	day := time.Date(2024, 1, 15, 0, 0, 0, 0, time.UTC)
	trade := closedTrade("AAA", "breakout", day, 1334.85, 8.802, 3)
	trade.EntryPrice = d(101.101)
	trade.ExitPrice = d(110)
	trade.Shares = 150
	result := &backtester.Result{
		ID:          "run",
		Trades:      []*types.Trade{trade},
		EquityCurve: curve(100000, 101334.85),
	}

	var trades bytes.Buffer
	require.NoError(t, backtester.WriteTradeLogCSV(&trades, result))
	rows, err := csv.NewReader(&trades).ReadAll()
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, "symbol", rows[0][0])
	assert.Equal(t, []string{"AAA", "breakout", "2024-01-12T00:00:00Z", "2024-01-15T00:00:00Z", "150",
		"101.1010", "110.0000"}, rows[1][:7])
	assert.Equal(t, "1334.8500", rows[1][11])
	assert.Equal(t, "TAKE_PROFIT", rows[1][15])

	var equity bytes.Buffer
	require.NoError(t, backtester.WriteEquityCurveCSV(&equity, result))
	rows, err = csv.NewReader(&equity).ReadAll()
	require.NoError(t, err)
	require.Len(t, rows, 3)
	assert.Equal(t, []string{"date", "equity", "cash", "positions_value", "positions", "drawdown"}, rows[0])
	assert.Equal(t, "101334.8500", rows[2][1])
}
