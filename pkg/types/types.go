// Package types provides shared type definitions for the swing backtester.
package types

import (
	"time"

	"github.com/shopspring/decimal"
)

// OHLCV represents a single daily bar
type OHLCV struct {
	Date   time.Time       `json:"date"`
	Open   decimal.Decimal `json:"open"`
	High   decimal.Decimal `json:"high"`
	Low    decimal.Decimal `json:"low"`
	Close  decimal.Decimal `json:"close"`
	Volume decimal.Decimal `json:"volume"`
}

// SignalType represents the action proposed by a strategy. Simulation is
// long-only: BUY opens a position, SELL and HOLD both leave the symbol alone.
// A SELL is a bearish read and is audited apart from HOLD; it never opens a
// short or closes a held position.
type SignalType string

const (
	SignalBuy  SignalType = "BUY"
	SignalSell SignalType = "SELL"
	SignalHold SignalType = "HOLD"
)

// Signal represents a strategy decision for one symbol on one day
type Signal struct {
	Type       SignalType      `json:"type"`
	Symbol     string          `json:"symbol"`
	Date       time.Time       `json:"date"`
	Strategy   string          `json:"strategy"`
	Confidence float64         `json:"confidence"`
	EntryPrice decimal.Decimal `json:"entryPrice,omitempty"`
	StopLoss   decimal.Decimal `json:"stopLoss,omitempty"`
	TakeProfit decimal.Decimal `json:"takeProfit,omitempty"`
	Reason     string          `json:"reason,omitempty"`
}

// IsActionable reports whether the signal proposes an entry
func (s *Signal) IsActionable() bool {
	return s != nil && s.Type == SignalBuy
}

// ExitReason records why a position was closed
type ExitReason string

const (
	ExitStopLoss   ExitReason = "STOP_LOSS"
	ExitTakeProfit ExitReason = "TAKE_PROFIT"
	ExitMaxHolding ExitReason = "MAX_HOLDING"
	ExitRegime     ExitReason = "REGIME_EXIT"
	ExitEvent      ExitReason = "EVENT_EXIT"
	ExitEndOfData  ExitReason = "END_OF_DATA"
)

// Position represents an open long position
type Position struct {
	Symbol         string          `json:"symbol"`
	Strategy       string          `json:"strategy"`
	Sector         string          `json:"sector,omitempty"`
	EntryDate      time.Time       `json:"entryDate"`
	EntryPrice     decimal.Decimal `json:"entryPrice"`
	RawEntryPrice  decimal.Decimal `json:"rawEntryPrice"`
	Shares         int64           `json:"shares"`
	StopLoss       decimal.Decimal `json:"stopLoss"`
	InitialStop    decimal.Decimal `json:"initialStop"`
	TakeProfit     decimal.Decimal `json:"takeProfit"`
	HighWaterMark  decimal.Decimal `json:"highWaterMark"`
	LastPrice      decimal.Decimal `json:"lastPrice"`
	EntryCost      decimal.Decimal `json:"entryCost"`
	Confidence     float64         `json:"confidence"`
	EntryRegime    RegimeType      `json:"entryRegime"`
	EntryRiskScore int             `json:"entryRiskScore"`
}

// MarketValue returns shares times the last marked price
func (p *Position) MarketValue() decimal.Decimal {
	return p.LastPrice.Mul(decimal.NewFromInt(p.Shares))
}

// UnrealizedPct returns the open return in percent against the entry fill
func (p *Position) UnrealizedPct() decimal.Decimal {
	if p.EntryPrice.IsZero() {
		return decimal.Zero
	}
	return p.LastPrice.Sub(p.EntryPrice).Div(p.EntryPrice).Mul(decimal.NewFromInt(100))
}

// Trade represents a closed position
type Trade struct {
	Symbol         string          `json:"symbol"`
	Strategy       string          `json:"strategy"`
	EntryDate      time.Time       `json:"entryDate"`
	ExitDate       time.Time       `json:"exitDate"`
	EntryPrice     decimal.Decimal `json:"entryPrice"`
	ExitPrice      decimal.Decimal `json:"exitPrice"`
	RawEntryPrice  decimal.Decimal `json:"rawEntryPrice"`
	RawExitPrice   decimal.Decimal `json:"rawExitPrice"`
	Shares         int64           `json:"shares"`
	StopLoss       decimal.Decimal `json:"stopLoss"`
	TakeProfit     decimal.Decimal `json:"takeProfit"`
	PnL            decimal.Decimal `json:"pnl"`
	PnLPct         decimal.Decimal `json:"pnlPct"`
	Commission     decimal.Decimal `json:"commission"`
	HoldingDays    int             `json:"holdingDays"`
	ExitReason     ExitReason      `json:"exitReason"`
	Confidence     float64         `json:"confidence"`
	EntryRegime    RegimeType      `json:"entryRegime"`
	EntryRiskScore int             `json:"entryRiskScore"`
	ExitRegime     RegimeType      `json:"exitRegime"`
}

// IsWin reports whether the trade closed with positive PnL
func (t *Trade) IsWin() bool {
	return t.PnL.GreaterThan(decimal.Zero)
}

// EquityPoint represents one day on the equity curve
type EquityPoint struct {
	Date           time.Time       `json:"date"`
	Equity         decimal.Decimal `json:"equity"`
	Cash           decimal.Decimal `json:"cash"`
	PositionsValue decimal.Decimal `json:"positionsValue"`
	Positions      int             `json:"positions"`
	Drawdown       decimal.Decimal `json:"drawdown"`
}

// ProfileType is the long-horizon character of a symbol
type ProfileType string

const (
	ProfileTrending      ProfileType = "TRENDING"
	ProfileMeanReverting ProfileType = "MEAN_REVERTING"
	ProfileVolatile      ProfileType = "VOLATILE"
	ProfileDefensive     ProfileType = "DEFENSIVE"
	ProfileUnclassified  ProfileType = "UNCLASSIFIED"
)

// StockProfile is produced monthly by an external collaborator and consumed read-only
type StockProfile struct {
	Symbol                string      `json:"symbol" yaml:"symbol"`
	Type                  ProfileType `json:"type" yaml:"type"`
	RecommendedStrategies []string    `json:"recommendedStrategies" yaml:"recommended_strategies"`
	AsOf                  time.Time   `json:"asOf" yaml:"as_of"`
}

// Recommends reports whether the profile lists the strategy
func (p *StockProfile) Recommends(strategy string) bool {
	if p == nil {
		return false
	}
	for _, s := range p.RecommendedStrategies {
		if s == strategy {
			return true
		}
	}
	return false
}

// StrategyStats are rolling statistics consumed by the sizer and degradation monitor
type StrategyStats struct {
	Strategy   string  `json:"strategy"`
	WinRate    float64 `json:"winRate"`
	AvgWin     float64 `json:"avgWin"`
	AvgLoss    float64 `json:"avgLoss"`
	TradeCount int     `json:"tradeCount"`
}

// PerformanceMetrics represents backtest performance metrics
type PerformanceMetrics struct {
	TotalTrades         int             `json:"totalTrades"`
	WinningTrades       int             `json:"winningTrades"`
	LosingTrades        int             `json:"losingTrades"`
	WinRate             decimal.Decimal `json:"winRate"`
	Expectancy          decimal.Decimal `json:"expectancy"`
	AvgReturnPct        decimal.Decimal `json:"avgReturnPct"`
	ProfitFactor        decimal.Decimal `json:"profitFactor"`
	GrossProfit         decimal.Decimal `json:"grossProfit"`
	GrossLoss           decimal.Decimal `json:"grossLoss"`
	AvgWin              decimal.Decimal `json:"avgWin"`
	AvgLoss             decimal.Decimal `json:"avgLoss"`
	LargestWin          decimal.Decimal `json:"largestWin"`
	LargestLoss         decimal.Decimal `json:"largestLoss"`
	AvgHoldingDays      decimal.Decimal `json:"avgHoldingDays"`
	TotalReturn         decimal.Decimal `json:"totalReturn"`
	AnnualizedReturn    decimal.Decimal `json:"annualizedReturn"`
	SharpeRatio         decimal.Decimal `json:"sharpeRatio"`
	SortinoRatio        decimal.Decimal `json:"sortinoRatio"`
	CalmarRatio         decimal.Decimal `json:"calmarRatio"`
	MaxDrawdown         decimal.Decimal `json:"maxDrawdown"`
	MaxDrawdownDate     time.Time       `json:"maxDrawdownDate"`
	MaxDrawdownDays     int             `json:"maxDrawdownDays"`
	RecoveryDays        int             `json:"recoveryDays"`
	CurrentDrawdown     decimal.Decimal `json:"currentDrawdown"`
	AvgPositionsHeld    decimal.Decimal `json:"avgPositionsHeld"`
	MaxPositionsHeld    int             `json:"maxPositionsHeld"`
	PositionUtilization decimal.Decimal `json:"positionUtilization"`
}

// Breakdown aggregates trades sharing one key (month, regime, symbol, strategy)
type Breakdown struct {
	Key          string          `json:"key"`
	Trades       int             `json:"trades"`
	Wins         int             `json:"wins"`
	WinRate      decimal.Decimal `json:"winRate"`
	AvgPnLPct    decimal.Decimal `json:"avgPnlPct"`
	TotalPnL     decimal.Decimal `json:"totalPnl"`
	AvgHoldDays  decimal.Decimal `json:"avgHoldDays"`
	ProfitFactor decimal.Decimal `json:"profitFactor"`
}

// Evaluation is the PerformanceEvaluator output
type Evaluation struct {
	Metrics    *PerformanceMetrics `json:"metrics"`
	ByMonth    []Breakdown         `json:"byMonth"`
	ByRegime   []Breakdown         `json:"byRegime"`
	BySymbol   []Breakdown         `json:"bySymbol"`
	ByStrategy []Breakdown         `json:"byStrategy"`
}
