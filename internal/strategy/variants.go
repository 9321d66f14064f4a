package strategy

import (
	"fmt"

	"github.com/atlas-desktop/swing-backtester/internal/indicators"
	"github.com/atlas-desktop/swing-backtester/internal/screener"
	"github.com/atlas-desktop/swing-backtester/pkg/types"
)

// Strategy names
const (
	TrendFollowName   = "trend_follow"
	BreakoutName      = "breakout"
	PullbackName      = "pullback"
	MeanReversionName = "mean_reversion"
	MomentumName      = "momentum"
)

// TrendFollow buys aligned moving averages with directional confirmation
type TrendFollow struct {
	params types.StrategyParams
}

// NewTrendFollow creates the trend following executor
func NewTrendFollow(params types.StrategyParams) *TrendFollow {
	return &TrendFollow{params: params}
}

func (s *TrendFollow) Name() string { return TrendFollowName }
func (s *TrendFollow) Description() string {
	return "Buys when SMA5 > SMA25 > SMA75 and +DI leads -DI"
}

func (s *TrendFollow) Fit(snap *screener.Snapshot) float64 {
	fit := 0.5 * clamp01((snap.ADX-15)/25)
	if aligned(snap) {
		fit += 0.25
	}
	fit += 0.25 * clamp01((snap.PlusDI-snap.MinusDI)/20)
	return clamp01(fit)
}

func (s *TrendFollow) Evaluate(pc *PriceContext) (*types.Signal, error) {
	snap, err := snapshotFor(s.Name(), pc)
	if err != nil {
		return nil, err
	}
	if !aligned(snap) {
		return hold(pc, s.Name(), "moving averages not aligned"), nil
	}
	if snap.PlusDI <= snap.MinusDI {
		return hold(pc, s.Name(), "-DI leads"), nil
	}
	return buy(pc, s.Name(), fmt.Sprintf("trend aligned, ADX %.1f", snap.ADX), s.params)
}

func aligned(snap *screener.Snapshot) bool {
	if snap.SMA5 <= snap.SMA25 || snap.Close <= snap.SMA25 {
		return false
	}
	return snap.SMA75 == 0 || snap.SMA25 > snap.SMA75
}

// Breakout buys a close above the prior range high on healthy volume
type Breakout struct {
	params types.StrategyParams
}

// NewBreakout creates the breakout executor
func NewBreakout(params types.StrategyParams) *Breakout {
	return &Breakout{params: params}
}

func (s *Breakout) Name() string { return BreakoutName }
func (s *Breakout) Description() string {
	return "Buys a close above the prior range high with volume confirmation"
}

func (s *Breakout) Fit(snap *screener.Snapshot) float64 {
	if snap.Close <= 0 || snap.High20 <= 0 {
		return 0
	}
	// full marks at or above the high, zero when 10% below it
	proximity := clamp01(1 - (snap.High20-snap.Close)/snap.Close*10)
	return clamp01(0.6*proximity + 0.4*clamp01(snap.VolumeRatio/2))
}

func (s *Breakout) Evaluate(pc *PriceContext) (*types.Signal, error) {
	snap, err := snapshotFor(s.Name(), pc)
	if err != nil {
		return nil, err
	}

	high := snap.High20
	if s.params.BreakoutLookback > 0 && s.params.BreakoutLookback != 20 && len(pc.Bars) > 0 {
		high, err = indicators.HighestHigh(indicators.FromBars(pc.Bars), s.params.BreakoutLookback)
		if err != nil {
			return nil, &ComputationError{Strategy: s.Name(), Symbol: pc.Symbol, Err: err}
		}
	}

	if snap.Close <= high {
		return hold(pc, s.Name(), "no range breakout"), nil
	}
	if snap.VolumeRatio < 1 {
		return hold(pc, s.Name(), "breakout without volume"), nil
	}
	return buy(pc, s.Name(), fmt.Sprintf("close above %.2f range high", high), s.params)
}

// Pullback buys a dip inside an intact uptrend
type Pullback struct {
	params types.StrategyParams
}

// NewPullback creates the pullback executor
func NewPullback(params types.StrategyParams) *Pullback {
	return &Pullback{params: params}
}

func (s *Pullback) Name() string { return PullbackName }
func (s *Pullback) Description() string {
	return "Buys a short-term dip while price holds above SMA25"
}

func (s *Pullback) Fit(snap *screener.Snapshot) float64 {
	fit := 0.5 * clamp01((70-snap.RSI)/30)
	if snap.Close > snap.SMA25 {
		fit += 0.3
	}
	if snap.Close < snap.SMA5 {
		fit += 0.2
	}
	return clamp01(fit)
}

func (s *Pullback) Evaluate(pc *PriceContext) (*types.Signal, error) {
	snap, err := snapshotFor(s.Name(), pc)
	if err != nil {
		return nil, err
	}
	switch {
	case snap.Close <= snap.SMA25:
		return hold(pc, s.Name(), "below SMA25"), nil
	case snap.Close >= snap.SMA5:
		return hold(pc, s.Name(), "no dip"), nil
	case snap.RSI > s.params.PullbackRSI:
		return hold(pc, s.Name(), fmt.Sprintf("RSI %.1f above %.1f", snap.RSI, s.params.PullbackRSI)), nil
	}
	return buy(pc, s.Name(), fmt.Sprintf("pullback, RSI %.1f", snap.RSI), s.params)
}

// MeanReversion buys oversold readings near the lower band
type MeanReversion struct {
	params types.StrategyParams
}

// NewMeanReversion creates the mean reversion executor
func NewMeanReversion(params types.StrategyParams) *MeanReversion {
	return &MeanReversion{params: params}
}

func (s *MeanReversion) Name() string { return MeanReversionName }
func (s *MeanReversion) Description() string {
	return "Buys oversold RSI or a close near the lower Bollinger Band"
}

func (s *MeanReversion) Fit(snap *screener.Snapshot) float64 {
	return clamp01(0.5*clamp01((50-snap.RSI)/30) + 0.5*clamp01(1-snap.BBPosition))
}

func (s *MeanReversion) Evaluate(pc *PriceContext) (*types.Signal, error) {
	snap, err := snapshotFor(s.Name(), pc)
	if err != nil {
		return nil, err
	}
	if snap.RSI > s.params.OversoldRSI && snap.BBPosition > 0.1 {
		return hold(pc, s.Name(), "not oversold"), nil
	}
	return buy(pc, s.Name(), fmt.Sprintf("oversold, RSI %.1f, %%B %.2f", snap.RSI, snap.BBPosition), s.params)
}

// Momentum buys strong rate of change above the medium-term average
type Momentum struct {
	params types.StrategyParams
}

// NewMomentum creates the momentum executor
func NewMomentum(params types.StrategyParams) *Momentum {
	return &Momentum{params: params}
}

func (s *Momentum) Name() string { return MomentumName }
func (s *Momentum) Description() string {
	return "Buys when price gained more than the threshold over the lookback"
}

func (s *Momentum) Fit(snap *screener.Snapshot) float64 {
	threshold := s.params.MomentumMinPct
	if threshold <= 0 {
		threshold = 5
	}
	return clamp01(0.7*clamp01(snap.ROC20/(2*threshold)) + 0.3*clamp01(snap.VolumeRatio/2))
}

func (s *Momentum) Evaluate(pc *PriceContext) (*types.Signal, error) {
	snap, err := snapshotFor(s.Name(), pc)
	if err != nil {
		return nil, err
	}

	roc := snap.ROC20
	if s.params.MomentumLookback > 0 && s.params.MomentumLookback != 20 && len(pc.Bars) > 0 {
		roc, err = indicators.RateOfChange(indicators.FromBars(pc.Bars).Closes, s.params.MomentumLookback)
		if err != nil {
			return nil, &ComputationError{Strategy: s.Name(), Symbol: pc.Symbol, Err: err}
		}
	}

	if snap.Close <= snap.SMA25 {
		return hold(pc, s.Name(), "below SMA25"), nil
	}
	if roc < s.params.MomentumMinPct {
		return hold(pc, s.Name(), fmt.Sprintf("ROC %.1f%% below %.1f%%", roc, s.params.MomentumMinPct)), nil
	}
	return buy(pc, s.Name(), fmt.Sprintf("momentum %.1f%%", roc), s.params)
}
