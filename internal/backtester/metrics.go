// Package backtester provides performance evaluation of completed runs.
package backtester

import (
	"math"
	"sort"
	"time"

	"github.com/atlas-desktop/swing-backtester/pkg/types"
	"github.com/atlas-desktop/swing-backtester/pkg/utils"
	"github.com/shopspring/decimal"
)

// Evaluator aggregates the trade log and equity curve of a run
type Evaluator struct {
	params       types.EvaluationParams
	maxPositions int
}

// NewEvaluator creates a new performance evaluator
func NewEvaluator(params types.EvaluationParams, maxPositions int) *Evaluator {
	if params.AnnualizationDays <= 0 {
		params.AnnualizationDays = 252
	}
	return &Evaluator{params: params, maxPositions: maxPositions}
}

// Evaluate computes metrics and breakdowns. It has no side effects.
func (e *Evaluator) Evaluate(trades []*types.Trade, curve []types.EquityPoint, initialCapital decimal.Decimal) *types.Evaluation {
	return &types.Evaluation{
		Metrics: e.Metrics(trades, curve, initialCapital),
		ByMonth: breakdown(trades, func(t *types.Trade) string {
			return utils.MonthKey(t.ExitDate)
		}),
		ByRegime: breakdown(trades, func(t *types.Trade) string {
			return string(t.EntryRegime)
		}),
		BySymbol: breakdown(trades, func(t *types.Trade) string {
			return t.Symbol
		}),
		ByStrategy: breakdown(trades, func(t *types.Trade) string {
			return t.Strategy
		}),
	}
}

// Metrics calculates the aggregate performance metrics
func (e *Evaluator) Metrics(trades []*types.Trade, curve []types.EquityPoint, initialCapital decimal.Decimal) *types.PerformanceMetrics {
	metrics := &types.PerformanceMetrics{}

	// Trade statistics
	var grossProfit, grossLoss, totalPnL, totalPct decimal.Decimal
	holdDays := 0
	for _, trade := range trades {
		totalPnL = totalPnL.Add(trade.PnL)
		totalPct = totalPct.Add(trade.PnLPct)
		holdDays += trade.HoldingDays

		switch {
		case trade.PnL.IsPositive():
			metrics.WinningTrades++
			grossProfit = grossProfit.Add(trade.PnL)
			if trade.PnL.GreaterThan(metrics.LargestWin) {
				metrics.LargestWin = trade.PnL
			}
		case trade.PnL.IsNegative():
			metrics.LosingTrades++
			grossLoss = grossLoss.Add(trade.PnL.Abs())
			if trade.PnL.Abs().GreaterThan(metrics.LargestLoss) {
				metrics.LargestLoss = trade.PnL.Abs()
			}
		}
	}

	metrics.TotalTrades = len(trades)
	metrics.GrossProfit = grossProfit
	metrics.GrossLoss = grossLoss

	if metrics.TotalTrades > 0 {
		n := decimal.NewFromInt(int64(metrics.TotalTrades))
		metrics.WinRate = decimal.NewFromInt(int64(metrics.WinningTrades)).Div(n).Round(4)
		metrics.Expectancy = totalPnL.Div(n).Round(2)
		metrics.AvgReturnPct = totalPct.Div(n).Round(4)
		metrics.AvgHoldingDays = decimal.NewFromInt(int64(holdDays)).Div(n).Round(2)
	}
	if metrics.WinningTrades > 0 {
		metrics.AvgWin = grossProfit.Div(decimal.NewFromInt(int64(metrics.WinningTrades))).Round(2)
	}
	if metrics.LosingTrades > 0 {
		metrics.AvgLoss = grossLoss.Div(decimal.NewFromInt(int64(metrics.LosingTrades))).Round(2)
	}
	metrics.ProfitFactor = profitFactor(grossProfit, grossLoss)

	if len(curve) == 0 {
		return metrics
	}

	// Returns
	if initialCapital.IsPositive() {
		final := curve[len(curve)-1].Equity
		metrics.TotalReturn = final.Sub(initialCapital).Div(initialCapital).Round(6)
	}

	returns := dailyReturns(curve, initialCapital)
	annual := float64(e.params.AnnualizationDays)
	if len(returns) > 0 {
		metrics.AnnualizedReturn = toDecimal(mean(returns) * annual)
	}

	dailyRF := e.params.RiskFreeRate / annual
	if len(returns) > 1 {
		excess := mean(returns) - dailyRF
		if sd := stdDev(returns); sd > 0 {
			metrics.SharpeRatio = toDecimal(excess / sd * math.Sqrt(annual))
		}
		if dd := downsideDeviation(returns, dailyRF); dd > 0 {
			metrics.SortinoRatio = toDecimal(excess / dd * math.Sqrt(annual))
		}
	}

	// Drawdown
	dd := drawdowns(curve)
	metrics.MaxDrawdown = dd.max
	metrics.MaxDrawdownDate = dd.date
	metrics.MaxDrawdownDays = dd.longest
	metrics.RecoveryDays = dd.recovery
	metrics.CurrentDrawdown = dd.current
	if dd.max.IsPositive() {
		metrics.CalmarRatio = metrics.AnnualizedReturn.Div(dd.max).Round(4)
	}

	// Exposure
	held := 0
	for _, p := range curve {
		held += p.Positions
		if p.Positions > metrics.MaxPositionsHeld {
			metrics.MaxPositionsHeld = p.Positions
		}
	}
	avgHeld := decimal.NewFromInt(int64(held)).Div(decimal.NewFromInt(int64(len(curve))))
	metrics.AvgPositionsHeld = avgHeld.Round(4)
	if e.maxPositions > 0 {
		metrics.PositionUtilization = avgHeld.Div(decimal.NewFromInt(int64(e.maxPositions))).Round(4)
	}

	return metrics
}

// breakdown groups trades by key, ordered by key
func breakdown(trades []*types.Trade, key func(*types.Trade) string) []types.Breakdown {
	groups := make(map[string][]*types.Trade)
	for _, t := range trades {
		k := key(t)
		groups[k] = append(groups[k], t)
	}

	keys := make([]string, 0, len(groups))
	for k := range groups {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	out := make([]types.Breakdown, 0, len(keys))
	for _, k := range keys {
		group := groups[k]
		b := types.Breakdown{Key: k, Trades: len(group)}

		var pct, profit, loss decimal.Decimal
		hold := 0
		for _, t := range group {
			if t.IsWin() {
				b.Wins++
				profit = profit.Add(t.PnL)
			} else {
				loss = loss.Add(t.PnL.Abs())
			}
			b.TotalPnL = b.TotalPnL.Add(t.PnL)
			pct = pct.Add(t.PnLPct)
			hold += t.HoldingDays
		}

		n := decimal.NewFromInt(int64(len(group)))
		b.WinRate = decimal.NewFromInt(int64(b.Wins)).Div(n).Round(4)
		b.AvgPnLPct = pct.Div(n).Round(4)
		b.AvgHoldDays = decimal.NewFromInt(int64(hold)).Div(n).Round(2)
		b.ProfitFactor = profitFactor(profit, loss)
		out = append(out, b)
	}
	return out
}

// profitFactor is zero when there are no losses
func profitFactor(profit, loss decimal.Decimal) decimal.Decimal {
	if !loss.IsPositive() {
		return decimal.Zero
	}
	return profit.Div(loss).Round(4)
}

type drawdownStats struct {
	max      decimal.Decimal
	date     time.Time
	longest  int
	recovery int
	current  decimal.Decimal
}

// drawdowns walks the curve once. longest counts sessions spent below a prior
// peak; recovery counts sessions from the deepest trough back to its peak and
// is -1 when the curve never recovers.
func drawdowns(curve []types.EquityPoint) drawdownStats {
	var st drawdownStats
	st.recovery = -1

	peak := curve[0].Equity
	troughIdx := -1
	peakAtTrough := peak
	underwater := 0

	for i, p := range curve {
		if p.Equity.GreaterThanOrEqual(peak) {
			peak = p.Equity
			underwater = 0
			if troughIdx >= 0 && st.recovery < 0 && p.Equity.GreaterThanOrEqual(peakAtTrough) {
				st.recovery = i - troughIdx
			}
			continue
		}

		underwater++
		if underwater > st.longest {
			st.longest = underwater
		}
		if !peak.IsPositive() {
			continue
		}
		dd := peak.Sub(p.Equity).Div(peak).Round(6)
		if dd.GreaterThan(st.max) {
			st.max = dd
			st.date = p.Date
			troughIdx = i
			peakAtTrough = peak
			st.recovery = -1
		}
	}

	if st.max.IsZero() {
		st.recovery = 0
	}
	last := curve[len(curve)-1]
	if peak.IsPositive() && last.Equity.LessThan(peak) {
		st.current = peak.Sub(last.Equity).Div(peak).Round(6)
	}
	return st
}

// dailyReturns includes the first day's return against initial capital
func dailyReturns(curve []types.EquityPoint, initialCapital decimal.Decimal) []float64 {
	returns := make([]float64, 0, len(curve))
	prev := initialCapital
	for _, p := range curve {
		if prev.IsPositive() {
			r, _ := p.Equity.Sub(prev).Div(prev).Float64()
			returns = append(returns, r)
		}
		prev = p.Equity
	}
	return returns
}

func mean(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	var sum float64
	for _, v := range values {
		sum += v
	}
	return sum / float64(len(values))
}

// stdDev is the sample standard deviation
func stdDev(values []float64) float64 {
	if len(values) < 2 {
		return 0
	}
	m := mean(values)
	var sumSquares float64
	for _, v := range values {
		diff := v - m
		sumSquares += diff * diff
	}
	return math.Sqrt(sumSquares / float64(len(values)-1))
}

// downsideDeviation is the root mean square of returns below target
func downsideDeviation(returns []float64, target float64) float64 {
	if len(returns) == 0 {
		return 0
	}
	var sum float64
	for _, r := range returns {
		if r < target {
			d := r - target
			sum += d * d
		}
	}
	return math.Sqrt(sum / float64(len(returns)))
}

func toDecimal(v float64) decimal.Decimal {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return decimal.Zero
	}
	return decimal.NewFromFloat(v).Round(6)
}
