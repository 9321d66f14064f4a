// Package regime classifies the market into one of eight swing-trading regimes.
// Trend comes from the index ADX and moving-average slope, volatility from ATR%
// and Bollinger width, and breadth from the universe advance/decline ratio.
package regime

import (
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/atlas-desktop/swing-backtester/internal/indicators"
	"github.com/atlas-desktop/swing-backtester/pkg/types"
	"go.uber.org/zap"
)

// ErrInsufficientData is returned when the index history is too short to classify
var ErrInsufficientData = errors.New("insufficient data for regime classification")

// slopePoints is the number of SMA values spanned by the slope measurement
const slopePoints = 5

// Input is the market data visible to the classifier
type Input struct {
	Index     []types.OHLCV
	Secondary []types.OHLCV
	// Universe maps symbol to daily bars and feeds the breadth reading
	Universe map[string][]types.OHLCV
}

// Classifier turns index history and breadth into a MarketRegime
type Classifier struct {
	logger *zap.Logger
	params types.RegimeParams
}

// NewClassifier creates a new regime classifier
func NewClassifier(logger *zap.Logger, params types.RegimeParams) *Classifier {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Classifier{logger: logger, params: params}
}

// Classify evaluates the regime for decision date asOf.
// Only bars dated strictly before asOf are considered.
func (c *Classifier) Classify(asOf time.Time, in Input) (*types.MarketRegime, error) {
	index := Before(in.Index, asOf)
	if len(index) < c.params.MinBars {
		return nil, fmt.Errorf("index has %d bars before %s, need %d: %w",
			len(index), asOf.Format("2006-01-02"), c.params.MinBars, ErrInsufficientData)
	}
	if c.params.Lookback > 0 && len(index) > c.params.Lookback {
		index = index[len(index)-c.params.Lookback:]
	}

	metrics, err := c.measure(indicators.FromBars(index))
	if err != nil {
		return nil, err
	}

	closes := universeCloses(in.Universe, asOf)
	metrics.ADRShort = AdvanceDeclineRatio(closes, c.params.ADRShort)
	metrics.ADRMedium = AdvanceDeclineRatio(closes, c.params.ADRMedium)

	volatility, consensus := c.Volatility(metrics.ATRPct, metrics.BBWidthPct)
	metrics.VolatilityConsensus = consensus

	r := &types.MarketRegime{
		Date:          asOf,
		Trend:         c.trendDirection(metrics.SMASlopePct),
		TrendStrength: c.trendStrength(metrics.ADX),
		Volatility:    volatility,
		Sentiment:     c.sentiment(index, Before(in.Secondary, asOf)),
		Divergence:    c.divergence(metrics.ADRShort, metrics.ADRMedium),
		Metrics:       metrics,
	}
	c.Resolve(r)

	c.logger.Debug("Regime classified",
		zap.Time("as_of", asOf),
		zap.String("regime", string(r.Type)),
		zap.Int("risk_score", r.RiskScore),
		zap.Bool("tradeable", r.Tradeable))

	return r, nil
}

func (c *Classifier) measure(s indicators.Series) (types.RegimeMetrics, error) {
	var m types.RegimeMetrics

	dmi, err := indicators.ADX(s, c.params.ADXPeriod)
	if err != nil {
		return m, fmt.Errorf("adx: %w", errors.Join(ErrInsufficientData, err))
	}
	m.ADX, m.PlusDI, m.MinusDI = dmi.ADX, dmi.PlusDI, dmi.MinusDI

	if m.SMASlopePct, err = indicators.SMASlopePct(s.Closes, c.params.SMAPeriod, slopePoints); err != nil {
		return m, fmt.Errorf("sma slope: %w", errors.Join(ErrInsufficientData, err))
	}
	if m.ATRPct, err = indicators.ATRPct(s, c.params.ATRPeriod); err != nil {
		return m, fmt.Errorf("atr: %w", errors.Join(ErrInsufficientData, err))
	}
	bands, err := indicators.Bollinger(s.Closes, c.params.BBPeriod)
	if err != nil {
		return m, fmt.Errorf("bollinger: %w", errors.Join(ErrInsufficientData, err))
	}
	m.BBWidthPct = bands.WidthPct

	return m, nil
}

func (c *Classifier) trendDirection(slope float64) types.TrendDirection {
	switch {
	case slope >= c.params.SlopeUp:
		return types.TrendUp
	case slope <= c.params.SlopeDown:
		return types.TrendDown
	default:
		return types.TrendSideways
	}
}

func (c *Classifier) trendStrength(adx float64) types.TrendStrength {
	switch {
	case adx >= c.params.ADXTrending:
		return types.StrengthTrending
	case adx < c.params.ADXRanging:
		return types.StrengthRanging
	default:
		return types.StrengthWeak
	}
}

// Volatility buckets ATR% into a level. consensus reports whether Bollinger
// width agrees with ATR on whether volatility is high.
func (c *Classifier) Volatility(atrPct, bbWidth float64) (level types.VolatilityLevel, consensus bool) {
	switch {
	case atrPct < c.params.ATRLow:
		level = types.VolatilityLow
	case atrPct < c.params.ATRNormal:
		level = types.VolatilityNormal
	case atrPct < c.params.ATRElevated:
		level = types.VolatilityElevated
	default:
		level = types.VolatilityHigh
	}

	wide := bbWidth > c.params.BBWidthHigh
	consensus = wide == (atrPct >= c.params.ATRElevated)

	if c.params.BBPromotesVolatility && wide && (level == types.VolatilityLow || level == types.VolatilityNormal) {
		level = types.VolatilityElevated
	}
	return level, consensus
}

func (c *Classifier) sentiment(index, secondary []types.OHLCV) types.Sentiment {
	primary := direction(index, c.params.SentimentBars)
	if len(secondary) == 0 {
		switch {
		case primary > 0:
			return types.SentimentPositive
		case primary < 0:
			return types.SentimentNegative
		}
		return types.SentimentNeutral
	}

	other := direction(secondary, c.params.SentimentBars)
	switch {
	case primary > 0 && other > 0:
		return types.SentimentPositive
	case primary < 0 && other < 0:
		return types.SentimentNegative
	default:
		return types.SentimentNeutral
	}
}

func (c *Classifier) divergence(short, medium float64) types.Divergence {
	diff := short - medium
	switch {
	case diff > c.params.DivergenceThreshold:
		return types.DivergenceBullish
	case diff < -c.params.DivergenceThreshold:
		return types.DivergenceBearish
	default:
		return types.DivergenceNone
	}
}

func isVolatile(v types.VolatilityLevel) bool {
	return v == types.VolatilityElevated || v == types.VolatilityHigh
}

// Resolve sets the regime type, risk score, risk level and tradeability from
// the trend, volatility, divergence and breadth readings already on r
func (c *Classifier) Resolve(r *types.MarketRegime) {
	r.Type = c.decide(r)
	r.RiskScore = c.riskScore(r)
	r.RiskLevel = types.RiskLevelFor(r.RiskScore)
	r.Tradeable = c.tradeable(r.Type, r.RiskScore)
}

// decide applies the regime decision table; the first matching row wins
func (c *Classifier) decide(r *types.MarketRegime) types.RegimeType {
	adrShort := r.Metrics.ADRShort

	if r.Trend == types.TrendDown && isVolatile(r.Volatility) && adrShort < c.params.ADRPanic {
		return types.RegimePanicSell
	}
	if r.Trend == types.TrendDown && r.TrendStrength == types.StrengthTrending {
		return types.RegimeStrongDowntrend
	}
	if r.Trend == types.TrendUp {
		switch {
		case adrShort > c.params.ADROverbought:
			return types.RegimeOverheatedUptrend
		case r.Volatility == types.VolatilityHigh:
			return types.RegimeVolatileUptrend
		default:
			return types.RegimeStableUptrend
		}
	}
	if r.Trend == types.TrendSideways || r.TrendStrength == types.StrengthRanging {
		if isVolatile(r.Volatility) {
			return types.RegimeVolatileRange
		}
		return types.RegimeQuietRange
	}
	if r.Trend == types.TrendDown {
		return types.RegimeCorrection
	}
	return types.RegimeQuietRange
}

// riskScore sums trend, volatility, breadth and divergence components, clamped to 0..100
func (c *Classifier) riskScore(r *types.MarketRegime) int {
	score := 0

	switch r.Trend {
	case types.TrendDown:
		score += 40
	case types.TrendSideways:
		score += 20
	}

	switch r.Volatility {
	case types.VolatilityHigh:
		score += 30
	case types.VolatilityElevated:
		score += 20
	case types.VolatilityNormal:
		score += 10
	}

	switch {
	case r.Metrics.ADRShort < c.params.ADRPanic:
		score += 30
	case r.Metrics.ADRShort < c.params.ADROversold:
		score += 15
	}

	switch r.Divergence {
	case types.DivergenceBullish:
		score -= 5
	case types.DivergenceBearish:
		score += 5
	}

	if score < 0 {
		return 0
	}
	if score > 100 {
		return 100
	}
	return score
}

func (c *Classifier) tradeable(t types.RegimeType, score int) bool {
	if t == types.RegimeStrongDowntrend || t == types.RegimePanicSell {
		return false
	}
	return score < c.params.MaxTradeableRisk
}

// Before returns the prefix of date-ordered bars dated strictly before asOf
func Before(bars []types.OHLCV, asOf time.Time) []types.OHLCV {
	i := sort.Search(len(bars), func(i int) bool {
		return !bars[i].Date.Before(asOf)
	})
	return bars[:i]
}

// direction returns the sign of the close change over the last n bars
func direction(bars []types.OHLCV, n int) int {
	if n <= 0 || len(bars) <= n {
		return 0
	}
	last := bars[len(bars)-1].Close
	past := bars[len(bars)-1-n].Close
	return last.Cmp(past)
}

func universeCloses(universe map[string][]types.OHLCV, asOf time.Time) map[string][]float64 {
	out := make(map[string][]float64, len(universe))
	for symbol, bars := range universe {
		visible := Before(bars, asOf)
		closes := make([]float64, len(visible))
		for i, b := range visible {
			closes[i], _ = b.Close.Float64()
		}
		out[symbol] = closes
	}
	return out
}
