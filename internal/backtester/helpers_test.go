package backtester_test

import (
	"errors"
	"math"
	"time"

	"github.com/atlas-desktop/swing-backtester/internal/backtester"
	"github.com/atlas-desktop/swing-backtester/internal/data"
	"github.com/atlas-desktop/swing-backtester/internal/screener"
	"github.com/atlas-desktop/swing-backtester/internal/strategy"
	"github.com/atlas-desktop/swing-backtester/pkg/types"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

const (
	indexSymbol = "INDEX"
	scripted    = "scripted"
)

func d(v float64) decimal.Decimal {
	return decimal.NewFromFloat(v)
}

// sessions returns n weekdays starting on Monday 2024-01-01
func sessions(n int) []time.Time {
	out := make([]time.Time, 0, n)
	day := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	for len(out) < n {
		if day.Weekday() != time.Saturday && day.Weekday() != time.Sunday {
			out = append(out, day)
		}
		day = day.AddDate(0, 0, 1)
	}
	return out
}

func bar(day time.Time, open, high, low, close float64) types.OHLCV {
	return types.OHLCV{
		Date:   day,
		Open:   d(open),
		High:   d(high),
		Low:    d(low),
		Close:  d(close),
		Volume: decimal.NewFromInt(1_000_000),
	}
}

// uptrendIndex rises 0.2% per session with a 1% daily range
func uptrendIndex(days []time.Time) []types.OHLCV {
	bars := make([]types.OHLCV, len(days))
	prev := 100.0
	for i, day := range days {
		close := math.Round(100*math.Pow(1.002, float64(i+1))*100) / 100
		bars[i] = bar(day, prev, math.Max(prev, close)*1.005, math.Min(prev, close)*0.995, close)
		prev = close
	}
	return bars
}

// oscillating alternates between base-amp and base+amp; phase flips the sign
func oscillating(days []time.Time, base, amp float64, phase int) []types.OHLCV {
	bars := make([]types.OHLCV, len(days))
	prev := base
	for i, day := range days {
		close := base + amp
		if (i+phase)%2 == 0 {
			close = base - amp
		}
		bars[i] = bar(day, prev, math.Max(prev, close)+amp, math.Min(prev, close)-amp, close)
		prev = close
	}
	return bars
}

// scenario is the two-symbol market used by the simulator tests. AAA
// oscillates around 100 until fillDay, opens at 101 on fillDay and touches
// 111 three sessions later. BBB oscillates in the opposite phase.
type scenario struct {
	days    []time.Time
	history *data.PriceHistory
	start   time.Time
	end     time.Time
	fillDay time.Time
	exitDay time.Time
}

func newScenario() *scenario {
	days := sessions(100)
	const fill = 76

	aaa := oscillating(days, 100, 0.5, 0)
	aaa[fill] = bar(days[fill], 101, 102, 100.5, 101.5)
	aaa[fill+1] = bar(days[fill+1], 101.5, 102.5, 101, 102)
	aaa[fill+2] = bar(days[fill+2], 102, 103, 101.5, 102.5)
	aaa[fill+3] = bar(days[fill+3], 102.5, 111, 102, 109.5)
	tail := oscillating(days[fill+4:], 109.5, 0.5, 0)
	copy(aaa[fill+4:], tail)

	series := map[string][]types.OHLCV{
		indexSymbol: uptrendIndex(days),
		"AAA":       aaa,
		"BBB":       oscillating(days, 50, 0.25, 1),
	}

	return &scenario{
		days:    days,
		history: data.NewPriceHistoryFrom(series),
		start:   days[70],
		end:     days[85],
		fillDay: days[fill],
		exitDay: days[fill+3],
	}
}

func (s *scenario) inputs() backtester.Inputs {
	return backtester.Inputs{
		History:  s.history,
		Universe: data.NewStaticUniverse([]string{"AAA", "BBB"}, nil),
	}
}

// scenarioConfig loosens the screener, sizes every entry at 15% and routes
// every regime to the scripted strategy
func scenarioConfig() *types.RunConfig {
	cfg := types.DefaultRunConfig()
	cfg.Version = "test"
	cfg.IndexSymbol = indexSymbol
	cfg.Screener.MinADX = 0
	cfg.Screener.RSIMin = 0
	cfg.Screener.RSIMax = 100
	cfg.Screener.MinATRPct = 0
	cfg.Screener.MaxATRPct = 100
	cfg.Screener.MinVolumeRatio = 0
	cfg.Screener.MinAvgVolume = 0
	cfg.Sizing.MinPositionRatio = 0.15
	cfg.Sizing.MaxPositionRatio = 0.15
	cfg.Calendar.Enabled = false

	cfg.Matcher.Table = make(map[string][]string)
	for _, r := range types.AllRegimes {
		cfg.Matcher.Table[string(r)] = []string{scripted}
	}
	return cfg
}

// scriptedStrategy buys on fixed (symbol, day) pairs with fixed levels, or
// every candidate when buyAll is set
type scriptedStrategy struct {
	entries map[string]time.Time
	buyAll  bool
}

func (s *scriptedStrategy) Name() string                   { return scripted }
func (s *scriptedStrategy) Description() string            { return "test entries" }
func (s *scriptedStrategy) Fit(*screener.Snapshot) float64 { return 1 }

func (s *scriptedStrategy) Evaluate(pc *strategy.PriceContext) (*types.Signal, error) {
	sig := &types.Signal{Type: types.SignalHold, Symbol: pc.Symbol, Date: pc.AsOf, Strategy: scripted}
	if s.buyAll {
		last := pc.Bars[len(pc.Bars)-1].Close
		sig.Type = types.SignalBuy
		sig.EntryPrice = last
		sig.StopLoss = last.Mul(d(0.9))
		sig.TakeProfit = last.Mul(d(1.2))
		return sig, nil
	}
	if day, ok := s.entries[pc.Symbol]; ok && day.Equal(pc.AsOf) {
		sig.Type = types.SignalBuy
		sig.EntryPrice = decimal.NewFromInt(100)
		sig.StopLoss = decimal.NewFromInt(95)
		sig.TakeProfit = decimal.NewFromInt(110)
	}
	return sig, nil
}

// failingStrategy reports a computation error for every candidate
type failingStrategy struct{}

func (failingStrategy) Name() string                   { return scripted }
func (failingStrategy) Description() string            { return "always fails" }
func (failingStrategy) Fit(*screener.Snapshot) float64 { return 1 }

func (failingStrategy) Evaluate(pc *strategy.PriceContext) (*types.Signal, error) {
	return nil, &strategy.ComputationError{Strategy: scripted, Symbol: pc.Symbol, Err: errors.New("window rejected")}
}

// bearishStrategy answers SELL for every candidate
type bearishStrategy struct{}

func (bearishStrategy) Name() string                   { return scripted }
func (bearishStrategy) Description() string            { return "always bearish" }
func (bearishStrategy) Fit(*screener.Snapshot) float64 { return 1 }

func (bearishStrategy) Evaluate(pc *strategy.PriceContext) (*types.Signal, error) {
	return &types.Signal{Type: types.SignalSell, Symbol: pc.Symbol, Date: pc.AsOf, Strategy: scripted, Reason: "bearish"}, nil
}

func newScenarioSimulator(s *scenario, cfg *types.RunConfig, opts backtester.Options) *backtester.Simulator {
	sim := backtester.NewSimulator(zap.NewNop(), cfg, s.inputs(), opts)
	sim.Registry().Register(&scriptedStrategy{entries: map[string]time.Time{"AAA": s.fillDay}})
	return sim
}
