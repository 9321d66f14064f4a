// Package strategy provides the swing strategy executors, the regime-driven
// matcher that picks one per candidate, and rolling per-strategy statistics.
package strategy

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/atlas-desktop/swing-backtester/internal/indicators"
	"github.com/atlas-desktop/swing-backtester/internal/screener"
	"github.com/atlas-desktop/swing-backtester/pkg/types"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// ErrStrategyComputation marks a signal that could not be computed for the window
var ErrStrategyComputation = errors.New("strategy computation failed")

// ComputationError carries the strategy and symbol that failed
type ComputationError struct {
	Strategy string
	Symbol   string
	Err      error
}

func (e *ComputationError) Error() string {
	return fmt.Sprintf("%s on %s: %v", e.Strategy, e.Symbol, e.Err)
}

// Unwrap returns the underlying cause
func (e *ComputationError) Unwrap() error {
	return e.Err
}

// Is matches ErrStrategyComputation
func (e *ComputationError) Is(target error) bool {
	return target == ErrStrategyComputation
}

// PriceContext is everything an executor may look at for one symbol on one day.
// Bars end on the last session before AsOf.
type PriceContext struct {
	Symbol   string
	AsOf     time.Time
	Bars     []types.OHLCV
	Snapshot *screener.Snapshot
	Regime   *types.MarketRegime
}

// Executor is one strategy variant
type Executor interface {
	Name() string
	Description() string
	// Fit scores in [0,1] how well the snapshot suits the strategy
	Fit(snap *screener.Snapshot) float64
	// Evaluate returns a BUY or HOLD signal
	Evaluate(pc *PriceContext) (*types.Signal, error)
}

// Registry holds the executors selectable by the matcher
type Registry struct {
	logger    *zap.Logger
	executors map[string]Executor
	mu        sync.RWMutex
}

// NewRegistry creates a registry with the built-in swing strategies
func NewRegistry(logger *zap.Logger, params types.StrategyParams) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	r := &Registry{
		logger:    logger,
		executors: make(map[string]Executor),
	}

	r.Register(NewTrendFollow(params))
	r.Register(NewBreakout(params))
	r.Register(NewPullback(params))
	r.Register(NewMeanReversion(params))
	r.Register(NewMomentum(params))

	return r
}

// Register adds or replaces an executor under its name
func (r *Registry) Register(e Executor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.executors[e.Name()] = e
}

// Get returns the executor registered under name
func (r *Registry) Get(name string) (Executor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.executors[name]
	return e, ok
}

// List returns the registered names, ascending
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.executors))
	for name := range r.executors {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Execute runs the named executor and normalises failures into ComputationError
func (r *Registry) Execute(name string, pc *PriceContext) (*types.Signal, error) {
	e, ok := r.Get(name)
	if !ok {
		return nil, &ComputationError{Strategy: name, Symbol: pc.Symbol, Err: errors.New("not registered")}
	}
	sig, err := e.Evaluate(pc)
	if err != nil {
		var ce *ComputationError
		if errors.As(err, &ce) {
			return nil, err
		}
		return nil, &ComputationError{Strategy: name, Symbol: pc.Symbol, Err: err}
	}
	return sig, nil
}

// exitLevels derives stop and target from the entry reference and ATR
func exitLevels(entry, atr float64, params types.StrategyParams) (stop, target decimal.Decimal, err error) {
	if atr <= 0 {
		return decimal.Zero, decimal.Zero, fmt.Errorf("atr undefined: %w", indicators.ErrInsufficientBars)
	}
	e := decimal.NewFromFloat(entry).Round(4)
	risk := decimal.NewFromFloat(params.StopATRMult * atr).Round(4)
	stop = e.Sub(risk)
	if !stop.IsPositive() {
		return decimal.Zero, decimal.Zero, fmt.Errorf("stop %s not positive", stop)
	}
	target = e.Add(risk.Mul(decimal.NewFromFloat(params.RewardRatio)))
	return stop, target, nil
}

func hold(pc *PriceContext, strategy, reason string) *types.Signal {
	return &types.Signal{
		Type:     types.SignalHold,
		Symbol:   pc.Symbol,
		Date:     pc.AsOf,
		Strategy: strategy,
		Reason:   reason,
	}
}

func buy(pc *PriceContext, strategy, reason string, params types.StrategyParams) (*types.Signal, error) {
	snap := pc.Snapshot
	stop, target, err := exitLevels(snap.Close, snap.ATR, params)
	if err != nil {
		return nil, &ComputationError{Strategy: strategy, Symbol: pc.Symbol, Err: err}
	}
	return &types.Signal{
		Type:       types.SignalBuy,
		Symbol:     pc.Symbol,
		Date:       pc.AsOf,
		Strategy:   strategy,
		EntryPrice: decimal.NewFromFloat(snap.Close).Round(4),
		StopLoss:   stop,
		TakeProfit: target,
		Reason:     reason,
	}, nil
}

// snapshotFor returns the screener snapshot or recomputes it from the bars
func snapshotFor(strategy string, pc *PriceContext) (*screener.Snapshot, error) {
	if pc.Snapshot != nil {
		return pc.Snapshot, nil
	}
	snap, err := screener.Compute(pc.Symbol, indicators.FromBars(pc.Bars))
	if err != nil {
		return nil, &ComputationError{Strategy: strategy, Symbol: pc.Symbol, Err: err}
	}
	pc.Snapshot = snap
	return snap, nil
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
