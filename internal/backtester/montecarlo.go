// Package backtester provides trade-order Monte Carlo resampling of a finished run.
package backtester

import (
	"hash/fnv"
	"math"
	"math/rand"
	"sort"

	"github.com/atlas-desktop/swing-backtester/pkg/types"
	"github.com/shopspring/decimal"
)

// MonteCarloReport summarises equity paths built from reshuffled trade PnL.
// Returns and drawdowns are fractions of initial capital.
type MonteCarloReport struct {
	Iterations      int             `json:"iterations"`
	Seed            int64           `json:"seed"`
	MedianReturn    decimal.Decimal `json:"medianReturn"`
	P5Return        decimal.Decimal `json:"p5Return"`
	P95Return       decimal.Decimal `json:"p95Return"`
	MedianDrawdown  decimal.Decimal `json:"medianDrawdown"`
	MaxDrawdownP95  decimal.Decimal `json:"maxDrawdownP95"`
	ProbabilityRuin decimal.Decimal `json:"probabilityRuin"`
	// ProbabilityLoss is the share of paths ending below initial capital
	ProbabilityLoss decimal.Decimal `json:"probabilityLoss"`
}

// MonteCarloSimulator reshuffles the order of closed trades. The seed is
// derived from the run ID so identical runs report identical distributions.
type MonteCarloSimulator struct {
	params types.MonteCarloParams
	rng    *rand.Rand
	seed   int64
}

// NewMonteCarloSimulator creates a simulator seeded from key
func NewMonteCarloSimulator(params types.MonteCarloParams, key string) *MonteCarloSimulator {
	h := fnv.New64a()
	h.Write([]byte(key))
	seed := int64(h.Sum64() & math.MaxInt64)
	return &MonteCarloSimulator{
		params: params,
		rng:    rand.New(rand.NewSource(seed)),
		seed:   seed,
	}
}

// Run builds Iterations equity paths. It returns nil when disabled or when
// there are no trades to reorder.
func (mc *MonteCarloSimulator) Run(trades []*types.Trade, initialCapital decimal.Decimal) *MonteCarloReport {
	iterations := mc.params.Iterations
	if iterations <= 0 || len(trades) == 0 || !initialCapital.IsPositive() {
		return nil
	}
	ruinLevel := mc.params.RuinDrawdown
	if ruinLevel <= 0 || ruinLevel >= 1 {
		ruinLevel = 0.5
	}

	capital, _ := initialCapital.Float64()
	pnl := make([]float64, len(trades))
	for i, t := range trades {
		v, _ := t.PnL.Float64()
		pnl[i] = v / capital
	}

	returns := make([]float64, iterations)
	drawdowns := make([]float64, iterations)
	ruined, losing := 0, 0
	path := make([]float64, len(pnl))

	for i := 0; i < iterations; i++ {
		copy(path, pnl)
		mc.rng.Shuffle(len(path), func(a, b int) {
			path[a], path[b] = path[b], path[a]
		})

		ret, dd := simulatePath(path)
		returns[i] = ret
		drawdowns[i] = dd
		if dd >= ruinLevel {
			ruined++
		}
		if ret < 0 {
			losing++
		}
	}

	sort.Float64s(returns)
	sort.Float64s(drawdowns)

	return &MonteCarloReport{
		Iterations:      iterations,
		Seed:            mc.seed,
		MedianReturn:    toDecimal(percentile(returns, 50)),
		P5Return:        toDecimal(percentile(returns, 5)),
		P95Return:       toDecimal(percentile(returns, 95)),
		MedianDrawdown:  toDecimal(percentile(drawdowns, 50)),
		MaxDrawdownP95:  toDecimal(percentile(drawdowns, 95)),
		ProbabilityRuin: toDecimal(float64(ruined) / float64(iterations)),
		ProbabilityLoss: toDecimal(float64(losing) / float64(iterations)),
	}
}

// simulatePath applies PnL fractions to an equity of 1 and returns the
// total return and the peak-to-trough drawdown
func simulatePath(pnl []float64) (float64, float64) {
	equity := 1.0
	peak := equity
	maxDD := 0.0
	for _, p := range pnl {
		equity += p
		if equity > peak {
			peak = equity
		}
		if peak > 0 {
			if dd := (peak - equity) / peak; dd > maxDD {
				maxDD = dd
			}
		}
	}
	return equity - 1, maxDD
}

// percentile interpolates linearly over sorted values
func percentile(sorted []float64, p float64) float64 {
	if len(sorted) == 0 {
		return 0
	}
	index := (p / 100) * float64(len(sorted)-1)
	lower := int(math.Floor(index))
	upper := int(math.Ceil(index))
	if lower == upper {
		return sorted[lower]
	}
	weight := index - float64(lower)
	return sorted[lower]*(1-weight) + sorted[upper]*weight
}
