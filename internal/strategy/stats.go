package strategy

import (
	"math"
	"sort"
	"sync"

	"github.com/atlas-desktop/swing-backtester/pkg/types"
)

// Tracker keeps rolling per-strategy trade statistics for one run and
// disables strategies whose recent win rate has degraded
type Tracker struct {
	params types.StatsParams

	mu       sync.RWMutex
	returns  map[string][]float64 // pnl % of the most recent trades
	disabled map[string]bool
}

// NewTracker creates a tracker seeded with the configured priors
func NewTracker(params types.StatsParams) *Tracker {
	return &Tracker{
		params:   params,
		returns:  make(map[string][]float64),
		disabled: make(map[string]bool),
	}
}

// Record adds a closed trade. It returns true when this trade caused the
// strategy to be disabled.
func (t *Tracker) Record(trade *types.Trade) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	pnl := trade.PnLPct.InexactFloat64()
	window := append(t.returns[trade.Strategy], pnl)
	if t.params.LookbackTrades > 0 && len(window) > t.params.LookbackTrades {
		window = window[len(window)-t.params.LookbackTrades:]
	}
	t.returns[trade.Strategy] = window

	if t.disabled[trade.Strategy] || t.params.DegradationMinTrades <= 0 || len(window) < t.params.DegradationMinTrades {
		return false
	}
	wins := 0
	for _, r := range window {
		if r > 0 {
			wins++
		}
	}
	if float64(wins)/float64(len(window)) < t.params.DegradationMinWinRate {
		t.disabled[trade.Strategy] = true
		return true
	}
	return false
}

// IsDisabled reports whether the strategy may no longer open positions
func (t *Tracker) IsDisabled(strategy string) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.disabled[strategy]
}

// Disabled returns the disabled strategies, ascending
func (t *Tracker) Disabled() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]string, 0, len(t.disabled))
	for s := range t.disabled {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

// Stats blends the observed window with the priors. With no observations and
// no prior weight the priors are returned as-is with a zero trade count.
func (t *Tracker) Stats(strategy string) types.StrategyStats {
	t.mu.RLock()
	window := t.returns[strategy]
	t.mu.RUnlock()

	p := t.params
	priorN := float64(p.PriorTradeCount)
	stats := types.StrategyStats{
		Strategy:   strategy,
		WinRate:    p.PriorWinRate,
		AvgWin:     p.PriorAvgWin,
		AvgLoss:    p.PriorAvgLoss,
		TradeCount: len(window) + p.PriorTradeCount,
	}
	if len(window) == 0 {
		return stats
	}

	var wins, sumWin, sumLoss float64
	for _, r := range window {
		if r > 0 {
			wins++
			sumWin += r
		} else {
			sumLoss += math.Abs(r)
		}
	}
	losses := float64(len(window)) - wins

	total := priorN + float64(len(window))
	stats.WinRate = (p.PriorWinRate*priorN + wins) / total

	priorWins := p.PriorWinRate * priorN
	if d := priorWins + wins; d > 0 {
		stats.AvgWin = (p.PriorAvgWin*priorWins + sumWin) / d
	}
	priorLosses := (1 - p.PriorWinRate) * priorN
	if d := priorLosses + losses; d > 0 {
		stats.AvgLoss = (p.PriorAvgLoss*priorLosses + sumLoss) / d
	}
	return stats
}

// Snapshot returns stats for every strategy that has traded, by name
func (t *Tracker) Snapshot() []types.StrategyStats {
	t.mu.RLock()
	names := make([]string, 0, len(t.returns))
	for name := range t.returns {
		names = append(names, name)
	}
	t.mu.RUnlock()

	sort.Strings(names)
	out := make([]types.StrategyStats, 0, len(names))
	for _, name := range names {
		out = append(out, t.Stats(name))
	}
	return out
}
