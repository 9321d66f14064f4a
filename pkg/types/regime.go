package types

import "time"

// RegimeType is one of the eight mutually exclusive market regimes
type RegimeType string

const (
	RegimeStableUptrend     RegimeType = "STABLE_UPTREND"
	RegimeOverheatedUptrend RegimeType = "OVERHEATED_UPTREND"
	RegimeVolatileUptrend   RegimeType = "VOLATILE_UPTREND"
	RegimeQuietRange        RegimeType = "QUIET_RANGE"
	RegimeVolatileRange     RegimeType = "VOLATILE_RANGE"
	RegimeCorrection        RegimeType = "CORRECTION"
	RegimeStrongDowntrend   RegimeType = "STRONG_DOWNTREND"
	RegimePanicSell         RegimeType = "PANIC_SELL"
)

// AllRegimes lists every regime in decision-table order
var AllRegimes = []RegimeType{
	RegimeStableUptrend,
	RegimeOverheatedUptrend,
	RegimeVolatileUptrend,
	RegimeQuietRange,
	RegimeVolatileRange,
	RegimeCorrection,
	RegimeStrongDowntrend,
	RegimePanicSell,
}

// TrendDirection is the slope classification of the index moving average
type TrendDirection string

const (
	TrendUp       TrendDirection = "UPTREND"
	TrendSideways TrendDirection = "SIDEWAYS"
	TrendDown     TrendDirection = "DOWNTREND"
)

// TrendStrength is the ADX classification
type TrendStrength string

const (
	StrengthTrending TrendStrength = "TRENDING"
	StrengthWeak     TrendStrength = "WEAK"
	StrengthRanging  TrendStrength = "RANGING"
)

// VolatilityLevel is the ATR% classification
type VolatilityLevel string

const (
	VolatilityLow      VolatilityLevel = "LOW"
	VolatilityNormal   VolatilityLevel = "NORMAL"
	VolatilityElevated VolatilityLevel = "ELEVATED"
	VolatilityHigh     VolatilityLevel = "HIGH"
)

// Sentiment summarises the short-term direction of the tracked indices
type Sentiment string

const (
	SentimentPositive Sentiment = "POSITIVE"
	SentimentNeutral  Sentiment = "NEUTRAL"
	SentimentNegative Sentiment = "NEGATIVE"
)

// Divergence compares short-term and mid-term breadth
type Divergence string

const (
	DivergenceBullish Divergence = "BULLISH"
	DivergenceNone    Divergence = "NEUTRAL"
	DivergenceBearish Divergence = "BEARISH"
)

// RiskLevel buckets the 0-100 risk score
type RiskLevel string

const (
	RiskLow     RiskLevel = "LOW"
	RiskMedium  RiskLevel = "MEDIUM"
	RiskHigh    RiskLevel = "HIGH"
	RiskExtreme RiskLevel = "EXTREME"
)

// RiskLevelFor maps a risk score to its bucket: 0-25 LOW, 26-50 MEDIUM, 51-75 HIGH, 76-100 EXTREME
func RiskLevelFor(score int) RiskLevel {
	switch {
	case score <= 25:
		return RiskLow
	case score <= 50:
		return RiskMedium
	case score <= 75:
		return RiskHigh
	default:
		return RiskExtreme
	}
}

// RegimeMetrics are the raw measurements behind a classification
type RegimeMetrics struct {
	ADX         float64 `json:"adx"`
	PlusDI      float64 `json:"plusDi"`
	MinusDI     float64 `json:"minusDi"`
	SMASlopePct float64 `json:"smaSlopePct"`
	ATRPct      float64 `json:"atrPct"`
	BBWidthPct  float64 `json:"bbWidthPct"`
	ADRShort    float64 `json:"adrShort"`
	ADRMedium   float64 `json:"adrMedium"`
	// VolatilityConsensus is true when Bollinger width and ATR agree on high volatility
	VolatilityConsensus bool `json:"volatilityConsensus"`
}

// MarketRegime is derived fresh each simulated day from data through t-1
type MarketRegime struct {
	Date          time.Time       `json:"date"`
	Type          RegimeType      `json:"type"`
	Trend         TrendDirection  `json:"trend"`
	TrendStrength TrendStrength   `json:"trendStrength"`
	Volatility    VolatilityLevel `json:"volatility"`
	Sentiment     Sentiment       `json:"sentiment"`
	Divergence    Divergence      `json:"divergence"`
	RiskScore     int             `json:"riskScore"`
	RiskLevel     RiskLevel       `json:"riskLevel"`
	Tradeable     bool            `json:"tradeable"`
	Metrics       RegimeMetrics   `json:"metrics"`
}

// DailyEnvironment is the per-day regime record kept in run results
type DailyEnvironment struct {
	Date       time.Time       `json:"date"`
	Regime     RegimeType      `json:"regime"`
	RiskLevel  RiskLevel       `json:"riskLevel"`
	RiskScore  int             `json:"riskScore"`
	Trend      TrendDirection  `json:"trend"`
	Volatility VolatilityLevel `json:"volatility"`
	ADX        float64         `json:"adx"`
	ATRPct     float64         `json:"atrPct"`
	Available  bool            `json:"available"`
}
