// Package types provides configuration types for the swing backtester.
package types

import (
	"github.com/shopspring/decimal"
)

// RunConfig is one resolved, versioned parameter set threaded through every component
type RunConfig struct {
	Version        string          `json:"version" mapstructure:"version"`
	InitialCapital decimal.Decimal `json:"initialCapital" mapstructure:"initial_capital"`
	IndexSymbol    string          `json:"indexSymbol" mapstructure:"index_symbol"`
	// SecondaryIndex is optional and only feeds the sentiment reading.
	SecondaryIndex string           `json:"secondaryIndex,omitempty" mapstructure:"secondary_index"`
	WarmupDays     int              `json:"warmupDays" mapstructure:"warmup_days"`
	Regime         RegimeParams     `json:"regime" mapstructure:"regime"`
	Quality        QualityParams    `json:"quality" mapstructure:"quality"`
	Screener       ScreenerParams   `json:"screener" mapstructure:"screener"`
	Matcher        MatcherParams    `json:"matcher" mapstructure:"matcher"`
	Strategies     StrategyParams   `json:"strategies" mapstructure:"strategies"`
	Stats          StatsParams      `json:"stats" mapstructure:"stats"`
	Sizing         SizingParams     `json:"sizing" mapstructure:"sizing"`
	Risk           RiskParams       `json:"risk" mapstructure:"risk"`
	Portfolio      PortfolioParams  `json:"portfolio" mapstructure:"portfolio"`
	Slippage       SlippageConfig   `json:"slippage" mapstructure:"slippage"`
	Calendar       CalendarParams   `json:"calendar" mapstructure:"calendar"`
	Evaluation     EvaluationParams `json:"evaluation" mapstructure:"evaluation"`
}

// RegimeParams configures the market regime classifier
type RegimeParams struct {
	MinBars             int     `json:"minBars" mapstructure:"min_bars"`
	Lookback            int     `json:"lookback" mapstructure:"lookback"`
	ADXPeriod           int     `json:"adxPeriod" mapstructure:"adx_period"`
	ADXTrending         float64 `json:"adxTrending" mapstructure:"adx_trending"`
	ADXRanging          float64 `json:"adxRanging" mapstructure:"adx_ranging"`
	SMAPeriod           int     `json:"smaPeriod" mapstructure:"sma_period"`
	SlopeUp             float64 `json:"slopeUp" mapstructure:"slope_up"`
	SlopeDown           float64 `json:"slopeDown" mapstructure:"slope_down"`
	ATRPeriod           int     `json:"atrPeriod" mapstructure:"atr_period"`
	ATRLow              float64 `json:"atrLow" mapstructure:"atr_low"`
	ATRNormal           float64 `json:"atrNormal" mapstructure:"atr_normal"`
	ATRElevated         float64 `json:"atrElevated" mapstructure:"atr_elevated"`
	BBPeriod            int     `json:"bbPeriod" mapstructure:"bb_period"`
	BBWidthHigh         float64 `json:"bbWidthHigh" mapstructure:"bb_width_high"`
	ADRShort            int     `json:"adrShort" mapstructure:"adr_short"`
	ADRMedium           int     `json:"adrMedium" mapstructure:"adr_medium"`
	ADRPanic            float64 `json:"adrPanic" mapstructure:"adr_panic"`
	ADROversold         float64 `json:"adrOversold" mapstructure:"adr_oversold"`
	ADROverbought       float64 `json:"adrOverbought" mapstructure:"adr_overbought"`
	DivergenceThreshold float64 `json:"divergenceThreshold" mapstructure:"divergence_threshold"`
	MaxTradeableRisk    int     `json:"maxTradeableRisk" mapstructure:"max_tradeable_risk"`
	SentimentBars       int     `json:"sentimentBars" mapstructure:"sentiment_bars"`
	// BBPromotesVolatility raises LOW and NORMAL volatility to ELEVATED when
	// the bands are wider than BBWidthHigh
	BBPromotesVolatility bool `json:"bbPromotesVolatility" mapstructure:"bb_promotes_volatility"`
}

// QualityParams configures the data-quality gate
type QualityParams struct {
	MaxMissingRatio  float64 `json:"maxMissingRatio" mapstructure:"max_missing_ratio"`
	MaxGapDays       int     `json:"maxGapDays" mapstructure:"max_gap_days"`
	MaxPriceMovePct  float64 `json:"maxPriceMovePct" mapstructure:"max_price_move_pct"`
	MaxVolumeMovePct float64 `json:"maxVolumeMovePct" mapstructure:"max_volume_move_pct"`
	Lookback         int     `json:"lookback" mapstructure:"lookback"`
}

// ScreenerParams configures technical and liquidity filters
type ScreenerParams struct {
	MinHistoryBars int     `json:"minHistoryBars" mapstructure:"min_history_bars"`
	MinPrice       float64 `json:"minPrice" mapstructure:"min_price"`
	MaxPrice       float64 `json:"maxPrice" mapstructure:"max_price"`
	MinAvgVolume   float64 `json:"minAvgVolume" mapstructure:"min_avg_volume"`
	MinADX         float64 `json:"minAdx" mapstructure:"min_adx"`
	RSIMin         float64 `json:"rsiMin" mapstructure:"rsi_min"`
	RSIMax         float64 `json:"rsiMax" mapstructure:"rsi_max"`
	MinATRPct      float64 `json:"minAtrPct" mapstructure:"min_atr_pct"`
	MaxATRPct      float64 `json:"maxAtrPct" mapstructure:"max_atr_pct"`
	MinVolumeRatio float64 `json:"minVolumeRatio" mapstructure:"min_volume_ratio"`
	MaxCandidates  int     `json:"maxCandidates" mapstructure:"max_candidates"`
}

// MatcherParams configures the regime-to-strategy table
type MatcherParams struct {
	MinConfidence   float64             `json:"minConfidence" mapstructure:"min_confidence"`
	ProfileWeight   float64             `json:"profileWeight" mapstructure:"profile_weight"`
	TechnicalWeight float64             `json:"technicalWeight" mapstructure:"technical_weight"`
	Priority        []string            `json:"priority" mapstructure:"priority"`
	Table           map[string][]string `json:"table" mapstructure:"table"`
}

// StrategyParams configures entry and exit levels shared by all executors
type StrategyParams struct {
	StopATRMult      float64 `json:"stopAtrMult" mapstructure:"stop_atr_mult"`
	RewardRatio      float64 `json:"rewardRatio" mapstructure:"reward_ratio"`
	BreakoutLookback int     `json:"breakoutLookback" mapstructure:"breakout_lookback"`
	MomentumLookback int     `json:"momentumLookback" mapstructure:"momentum_lookback"`
	MomentumMinPct   float64 `json:"momentumMinPct" mapstructure:"momentum_min_pct"`
	OversoldRSI      float64 `json:"oversoldRsi" mapstructure:"oversold_rsi"`
	PullbackRSI      float64 `json:"pullbackRsi" mapstructure:"pullback_rsi"`
}

// StatsParams configures rolling strategy statistics and degradation
type StatsParams struct {
	LookbackTrades        int     `json:"lookbackTrades" mapstructure:"lookback_trades"`
	PriorWinRate          float64 `json:"priorWinRate" mapstructure:"prior_win_rate"`
	PriorAvgWin           float64 `json:"priorAvgWin" mapstructure:"prior_avg_win"`
	PriorAvgLoss          float64 `json:"priorAvgLoss" mapstructure:"prior_avg_loss"`
	PriorTradeCount       int     `json:"priorTradeCount" mapstructure:"prior_trade_count"`
	DegradationMinWinRate float64 `json:"degradationMinWinRate" mapstructure:"degradation_min_win_rate"`
	DegradationMinTrades  int     `json:"degradationMinTrades" mapstructure:"degradation_min_trades"`
}

// SizingParams configures the Kelly position sizer
type SizingParams struct {
	KellyFraction    float64 `json:"kellyFraction" mapstructure:"kelly_fraction"`
	MinSampleTrades  int     `json:"minSampleTrades" mapstructure:"min_sample_trades"`
	MinPositionRatio float64 `json:"minPositionRatio" mapstructure:"min_position_ratio"`
	MaxPositionRatio float64 `json:"maxPositionRatio" mapstructure:"max_position_ratio"`
	// RejectNoEdge skips entries whose raw Kelly is not positive instead of
	// sizing them at MinPositionRatio
	RejectNoEdge bool `json:"rejectNoEdge" mapstructure:"reject_no_edge"`
}

// GapFillPolicy names the price a stop or target exit gets when the open
// has already gapped through the level
type GapFillPolicy string

const (
	GapFillLevel GapFillPolicy = "level"
	GapFillOpen  GapFillPolicy = "open"
)

// EarlyExitPolicy names the regime-deterioration exit rule
type EarlyExitPolicy string

const (
	EarlyExitNone              EarlyExitPolicy = "none"
	EarlyExitRegimeNonTradable EarlyExitPolicy = "regime_non_tradeable"
	EarlyExitRiskJump          EarlyExitPolicy = "risk_jump"
)

// RiskParams configures per-position exits
type RiskParams struct {
	MaxHoldingDays        int             `json:"maxHoldingDays" mapstructure:"max_holding_days"`
	TrailingPct           float64         `json:"trailingPct" mapstructure:"trailing_pct"`
	TrailingActivationPct float64         `json:"trailingActivationPct" mapstructure:"trailing_activation_pct"`
	EarlyExitPolicy       EarlyExitPolicy `json:"earlyExitPolicy" mapstructure:"early_exit_policy"`
	EarlyExitRiskDelta    int             `json:"earlyExitRiskDelta" mapstructure:"early_exit_risk_delta"`
	GapFill               GapFillPolicy   `json:"gapFill" mapstructure:"gap_fill"`
}

// PortfolioParams configures portfolio-level constraints
type PortfolioParams struct {
	MaxPositions       int             `json:"maxPositions" mapstructure:"max_positions"`
	MaxSectorPositions int             `json:"maxSectorPositions" mapstructure:"max_sector_positions"`
	MaxCorrelation     float64         `json:"maxCorrelation" mapstructure:"max_correlation"`
	CorrelationWindow  int             `json:"correlationWindow" mapstructure:"correlation_window"`
	CommissionBps      decimal.Decimal `json:"commissionBps" mapstructure:"commission_bps"`
}

// SlippageConfig represents slippage model configuration
type SlippageConfig struct {
	Model        string          `json:"model" mapstructure:"model"` // "fixed", "volume_weighted"
	FixedBps     decimal.Decimal `json:"fixedBps" mapstructure:"fixed_bps"`
	ImpactFactor decimal.Decimal `json:"impactFactor" mapstructure:"impact_factor"`
	// MaxBps caps the rate of any model; zero leaves it uncapped
	MaxBps decimal.Decimal `json:"maxBps" mapstructure:"max_bps"`
}

// CalendarParams configures event-driven entry vetoes and forced exits
type CalendarParams struct {
	Enabled               bool    `json:"enabled" mapstructure:"enabled"`
	EarningsExcludeBefore int     `json:"earningsExcludeBefore" mapstructure:"earnings_exclude_before"`
	EarningsExcludeAfter  int     `json:"earningsExcludeAfter" mapstructure:"earnings_exclude_after"`
	EarningsHoldMinPnLPct float64 `json:"earningsHoldMinPnlPct" mapstructure:"earnings_hold_min_pnl_pct"`
	DividendBlockDays     int     `json:"dividendBlockDays" mapstructure:"dividend_block_days"`
}

// EvaluationParams configures the performance evaluator
type EvaluationParams struct {
	RiskFreeRate      float64          `json:"riskFreeRate" mapstructure:"risk_free_rate"`
	AnnualizationDays int              `json:"annualizationDays" mapstructure:"annualization_days"`
	MonteCarlo        MonteCarloParams `json:"monteCarlo" mapstructure:"monte_carlo"`
}

// MonteCarloParams configures trade-order resampling; zero iterations disables it
type MonteCarloParams struct {
	Iterations int `json:"iterations" mapstructure:"iterations"`
	// RuinDrawdown is the path drawdown counted as ruin
	RuinDrawdown float64 `json:"ruinDrawdown" mapstructure:"ruin_drawdown"`
}

// DefaultRunConfig returns the reference parameter set
func DefaultRunConfig() *RunConfig {
	return &RunConfig{
		Version:        "default",
		InitialCapital: decimal.NewFromInt(100000),
		IndexSymbol:    "INDEX",
		WarmupDays:     120,
		Regime: RegimeParams{
			MinBars:             60,
			Lookback:            60,
			ADXPeriod:           14,
			ADXTrending:         25,
			ADXRanging:          20,
			SMAPeriod:           25,
			SlopeUp:             0.06,
			SlopeDown:           -0.06,
			ATRPeriod:           14,
			ATRLow:              0.8,
			ATRNormal:           2.0,
			ATRElevated:         3.0,
			BBPeriod:            20,
			BBWidthHigh:         10,
			ADRShort:            5,
			ADRMedium:           25,
			ADRPanic:            60,
			ADROversold:         70,
			ADROverbought:       130,
			DivergenceThreshold: 10,
			MaxTradeableRisk:    80,
			SentimentBars:       5,
		},
		Quality: QualityParams{
			MaxMissingRatio:  0.30,
			MaxGapDays:       60,
			MaxPriceMovePct:  30,
			MaxVolumeMovePct: 1000,
			Lookback:         120,
		},
		Screener: ScreenerParams{
			MinHistoryBars: 60,
			MinPrice:       1,
			MaxPrice:       100000,
			MinAvgVolume:   10000,
			MinADX:         20,
			RSIMin:         30,
			RSIMax:         75,
			MinATRPct:      1.0,
			MaxATRPct:      8.0,
			MinVolumeRatio: 0.5,
			MaxCandidates:  20,
		},
		Matcher: MatcherParams{
			MinConfidence:   0.5,
			ProfileWeight:   0.4,
			TechnicalWeight: 0.6,
			Priority:        []string{"trend_follow", "breakout", "pullback", "momentum", "mean_reversion"},
			Table: map[string][]string{
				string(RegimeStableUptrend):     {"trend_follow", "breakout", "pullback"},
				string(RegimeOverheatedUptrend): {"pullback"},
				string(RegimeVolatileUptrend):   {"pullback", "trend_follow"},
				string(RegimeQuietRange):        {"mean_reversion", "breakout"},
				string(RegimeVolatileRange):     {"mean_reversion"},
				string(RegimeCorrection):        {"mean_reversion"},
				string(RegimeStrongDowntrend):   {},
				string(RegimePanicSell):         {},
			},
		},
		Strategies: StrategyParams{
			StopATRMult:      2,
			RewardRatio:      2,
			BreakoutLookback: 20,
			MomentumLookback: 20,
			MomentumMinPct:   5,
			OversoldRSI:      35,
			PullbackRSI:      50,
		},
		Stats: StatsParams{
			LookbackTrades:        50,
			PriorWinRate:          0.5,
			PriorAvgWin:           6,
			PriorAvgLoss:          3,
			PriorTradeCount:       0,
			DegradationMinWinRate: 0.3,
			DegradationMinTrades:  10,
		},
		Sizing: SizingParams{
			KellyFraction:    0.5,
			MinSampleTrades:  30,
			MinPositionRatio: 0.10,
			MaxPositionRatio: 0.25,
			RejectNoEdge:     false,
		},
		Risk: RiskParams{
			MaxHoldingDays:        10,
			TrailingPct:           0.05,
			TrailingActivationPct: 0.03,
			EarlyExitPolicy:       EarlyExitNone,
			EarlyExitRiskDelta:    30,
			GapFill:               GapFillLevel,
		},
		Portfolio: PortfolioParams{
			MaxPositions:       5,
			MaxSectorPositions: 2,
			MaxCorrelation:     0.8,
			CorrelationWindow:  60,
			CommissionBps:      decimal.Zero,
		},
		Slippage: SlippageConfig{
			Model:        "fixed",
			FixedBps:     decimal.NewFromInt(10),
			ImpactFactor: decimal.NewFromFloat(0.1),
		},
		Calendar: CalendarParams{
			Enabled:               true,
			EarningsExcludeBefore: 2,
			EarningsExcludeAfter:  1,
			EarningsHoldMinPnLPct: 8,
			DividendBlockDays:     1,
		},
		Evaluation: EvaluationParams{
			RiskFreeRate:      0,
			AnnualizationDays: 252,
			MonteCarlo: MonteCarloParams{
				Iterations:   1000,
				RuinDrawdown: 0.5,
			},
		},
	}
}
