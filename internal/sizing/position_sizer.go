// Package sizing provides Kelly-criterion position sizing.
// Uses: strategy win rate and payoff ratio, sample size, market risk and signal confidence
package sizing

import (
	"fmt"
	"math"

	"github.com/atlas-desktop/swing-backtester/pkg/types"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// Rejection reasons
const (
	RejectMaxPositions = "max_positions"
	RejectNoEdge       = "no_edge"
	RejectNoShares     = "allocation_below_one_share"
	RejectBadPrice     = "invalid_price"
)

// PositionSizer calculates position sizes with fractional Kelly
type PositionSizer struct {
	logger       *zap.Logger
	params       types.SizingParams
	maxPositions int
}

// NewPositionSizer creates a new position sizer
func NewPositionSizer(logger *zap.Logger, params types.SizingParams, maxPositions int) *PositionSizer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PositionSizer{logger: logger, params: params, maxPositions: maxPositions}
}

// SizingRequest contains inputs for position sizing
type SizingRequest struct {
	Symbol        string
	Capital       decimal.Decimal // capital the ratio applies to
	Price         decimal.Decimal // reference entry price
	Stats         types.StrategyStats
	Confidence    float64 // matcher confidence (0-1)
	RiskScore     int     // market risk score (0-100)
	OpenPositions int
}

// SizingResult contains the calculated position size
type SizingResult struct {
	RawKelly        float64         `json:"rawKelly"`
	FractionalKelly float64         `json:"fractionalKelly"`
	SampleFactor    float64         `json:"sampleFactor"`
	RiskFactor      float64         `json:"riskFactor"`
	AdjustedKelly   float64         `json:"adjustedKelly"`
	Ratio           float64         `json:"ratio"`
	PositionCapital decimal.Decimal `json:"positionCapital"`
	Shares          int64           `json:"shares"`
	Rejected        bool            `json:"rejected"`
	RejectReason    string          `json:"rejectReason,omitempty"`
	Adjustments     []string        `json:"adjustments"` // derivation trail, in order applied
	LimitingFactor  string          `json:"limitingFactor,omitempty"`
}

// CalculateSize determines the position ratio and share count
func (ps *PositionSizer) CalculateSize(req *SizingRequest) *SizingResult {
	result := &SizingResult{Adjustments: make([]string, 0, 6)}

	if ps.maxPositions > 0 && req.OpenPositions >= ps.maxPositions {
		return result.reject(RejectMaxPositions,
			fmt.Sprintf("open positions %d >= max %d", req.OpenPositions, ps.maxPositions))
	}
	if !req.Price.IsPositive() {
		return result.reject(RejectBadPrice, "price "+req.Price.String())
	}

	s := req.Stats
	result.RawKelly = Kelly(s.WinRate, s.AvgWin, s.AvgLoss)
	result.Adjustments = append(result.Adjustments, fmt.Sprintf("raw_kelly %.4f (W=%.4f, R=%s)",
		result.RawKelly, s.WinRate, payoff(s.AvgWin, s.AvgLoss)))
	if result.RawKelly <= 0 && ps.params.RejectNoEdge {
		return result.reject(RejectNoEdge, "raw kelly not positive")
	}

	// 1. Fractional Kelly
	k := result.RawKelly * ps.params.KellyFraction
	result.FractionalKelly = k
	result.Adjustments = append(result.Adjustments, fmt.Sprintf("kelly_fraction x%.4f -> %.4f", ps.params.KellyFraction, k))

	// 2. Sample-size dampening
	result.SampleFactor = 1
	if ps.params.MinSampleTrades > 0 {
		result.SampleFactor = math.Min(float64(s.TradeCount)/float64(ps.params.MinSampleTrades), 1)
	}
	k *= result.SampleFactor
	result.Adjustments = append(result.Adjustments, fmt.Sprintf("sample x%.4f (%d/%d trades) -> %.4f",
		result.SampleFactor, s.TradeCount, ps.params.MinSampleTrades, k))

	// 3. Market-risk dampening
	result.RiskFactor = 1 - float64(req.RiskScore)/200
	k *= result.RiskFactor
	result.Adjustments = append(result.Adjustments, fmt.Sprintf("market_risk x%.4f (score %d) -> %.4f",
		result.RiskFactor, req.RiskScore, k))

	// 4. Confidence scaling
	k *= req.Confidence
	result.Adjustments = append(result.Adjustments, fmt.Sprintf("confidence x%.4f -> %.4f", req.Confidence, k))
	result.AdjustedKelly = k

	// 5. Clamp
	ratio := k
	switch {
	case ratio > ps.params.MaxPositionRatio:
		ratio = ps.params.MaxPositionRatio
		result.LimitingFactor = "max_position_ratio"
	case ratio < ps.params.MinPositionRatio:
		ratio = ps.params.MinPositionRatio
		result.LimitingFactor = "min_position_ratio"
	default:
		result.LimitingFactor = "kelly"
	}
	result.Ratio = ratio
	result.Adjustments = append(result.Adjustments, fmt.Sprintf("clamp [%.4f, %.4f] -> %.4f",
		ps.params.MinPositionRatio, ps.params.MaxPositionRatio, ratio))

	// Ratios are rounded before they touch money so the same inputs always size identically
	result.PositionCapital = req.Capital.Mul(decimal.NewFromFloat(ratio).Round(6)).Round(2)
	result.Shares = result.PositionCapital.Div(req.Price).Floor().IntPart()
	if result.Shares <= 0 {
		return result.reject(RejectNoShares,
			fmt.Sprintf("%s buys no share at %s", result.PositionCapital.StringFixed(2), req.Price.String()))
	}

	ps.logger.Debug("Sized position",
		zap.String("symbol", req.Symbol),
		zap.Float64("rawKelly", result.RawKelly),
		zap.Float64("ratio", result.Ratio),
		zap.Int64("shares", result.Shares))

	return result
}

func (r *SizingResult) reject(reason, detail string) *SizingResult {
	r.Rejected = true
	r.RejectReason = reason
	r.Ratio = 0
	r.Shares = 0
	r.PositionCapital = decimal.Zero
	r.Adjustments = append(r.Adjustments, "rejected: "+detail)
	return r
}

// Kelly implements the Kelly criterion
// f* = W - (1-W)/R, where W = win rate and R = avg win / avg loss.
// An undefined or non-positive R, or a zero average loss, yields 0.
func Kelly(winRate, avgWin, avgLoss float64) float64 {
	if winRate <= 0 || avgLoss <= 0 || avgWin <= 0 {
		return 0
	}
	if winRate > 1 {
		winRate = 1
	}

	r := avgWin / avgLoss
	if r <= 0 || math.IsInf(r, 0) || math.IsNaN(r) {
		return 0
	}

	kelly := winRate - (1-winRate)/r
	if kelly < 0 {
		return 0
	}
	return kelly
}

func payoff(avgWin, avgLoss float64) string {
	if avgLoss <= 0 {
		return "undefined"
	}
	return decimal.NewFromFloat(avgWin / avgLoss).Round(4).String()
}
