// Package screener filters the day's universe down to technically eligible
// candidates using only bars dated before the decision day.
package screener

import (
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/atlas-desktop/swing-backtester/internal/data"
	"github.com/atlas-desktop/swing-backtester/internal/indicators"
	"github.com/atlas-desktop/swing-backtester/pkg/types"
	"go.uber.org/zap"
)

// Rejection reasons recorded in the audit trail
const (
	ReasonQuality             = "quality"
	ReasonInsufficientHistory = "insufficient_history"
	ReasonPrice               = "price"
	ReasonLiquidity           = "liquidity"
	ReasonADX                 = "adx"
	ReasonRSI                 = "rsi"
	ReasonATR                 = "atr"
	ReasonVolumeRatio         = "volume_ratio"
)

// windowBars is how much history one evaluation reads
const windowBars = 160

// HistoryReader is the as-of view of prices the screener needs
type HistoryReader interface {
	Window(symbol string, asOf time.Time, n int) []types.OHLCV
}

// Snapshot is the metric set computed for one symbol as of a day
type Snapshot struct {
	Symbol      string  `json:"symbol"`
	Bars        int     `json:"bars"`
	Close       float64 `json:"close"`
	ADX         float64 `json:"adx"`
	PlusDI      float64 `json:"plusDi"`
	MinusDI     float64 `json:"minusDi"`
	RSI         float64 `json:"rsi"`
	ATR         float64 `json:"atr"`
	ATRPct      float64 `json:"atrPct"`
	SMA5        float64 `json:"sma5"`
	SMA25       float64 `json:"sma25"`
	SMA75       float64 `json:"sma75,omitempty"`
	AvgVolume   float64 `json:"avgVolume"`
	VolumeRatio float64 `json:"volumeRatio"`
	High20      float64 `json:"high20"`
	Low20       float64 `json:"low20"`
	BBPosition  float64 `json:"bbPosition"`
	BBWidth     float64 `json:"bbWidth"`
	ROC20       float64 `json:"roc20"`
}

// Rejection explains why a symbol was filtered out
type Rejection struct {
	Symbol string `json:"symbol"`
	Reason string `json:"reason"`
	Detail string `json:"detail,omitempty"`
}

// Result is the screener output for one day
type Result struct {
	Date       time.Time   `json:"date"`
	Candidates []*Snapshot `json:"candidates"`
	Rejections []Rejection `json:"rejections"`
}

// Screener applies the quality gate, history, liquidity and technical filters
type Screener struct {
	logger *zap.Logger
	params types.ScreenerParams
	gate   *data.QualityGate
}

// New creates a screener
func New(logger *zap.Logger, params types.ScreenerParams, gate *data.QualityGate) *Screener {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Screener{logger: logger, params: params, gate: gate}
}

// Screen evaluates symbols as of asOf. referenceDays are the index's sessions
// before asOf, used by the quality gate to measure missing bars.
// Candidates are ordered by ADX descending, then symbol ascending.
func (s *Screener) Screen(asOf time.Time, symbols []string, history HistoryReader, referenceDays []time.Time) *Result {
	result := &Result{Date: asOf, Candidates: make([]*Snapshot, 0)}

	for _, symbol := range symbols {
		bars := history.Window(symbol, asOf, windowBars)
		snap, rej := s.Evaluate(symbol, bars, referenceDays)
		if rej != nil {
			result.Rejections = append(result.Rejections, *rej)
			continue
		}
		result.Candidates = append(result.Candidates, snap)
	}

	sort.SliceStable(result.Candidates, func(i, j int) bool {
		a, b := result.Candidates[i], result.Candidates[j]
		if a.ADX != b.ADX {
			return a.ADX > b.ADX
		}
		return a.Symbol < b.Symbol
	})

	if s.params.MaxCandidates > 0 && len(result.Candidates) > s.params.MaxCandidates {
		result.Candidates = result.Candidates[:s.params.MaxCandidates]
	}

	s.logger.Debug("Screened universe",
		zap.Time("asOf", asOf),
		zap.Int("symbols", len(symbols)),
		zap.Int("candidates", len(result.Candidates)),
		zap.Int("rejections", len(result.Rejections)))

	return result
}

// Evaluate screens one symbol's as-of bars
func (s *Screener) Evaluate(symbol string, bars []types.OHLCV, referenceDays []time.Time) (*Snapshot, *Rejection) {
	if s.gate != nil {
		if _, err := s.gate.Check(symbol, bars, referenceDays); err != nil {
			return nil, &Rejection{Symbol: symbol, Reason: ReasonQuality, Detail: err.Error()}
		}
	}

	if len(bars) < s.params.MinHistoryBars {
		return nil, &Rejection{
			Symbol: symbol,
			Reason: ReasonInsufficientHistory,
			Detail: fmt.Sprintf("%d bars, need %d", len(bars), s.params.MinHistoryBars),
		}
	}

	snap, err := Compute(symbol, indicators.FromBars(bars))
	if err != nil {
		return nil, &Rejection{Symbol: symbol, Reason: ReasonInsufficientHistory, Detail: err.Error()}
	}

	p := s.params
	switch {
	case snap.Close < p.MinPrice || (p.MaxPrice > 0 && snap.Close > p.MaxPrice):
		return nil, reject(symbol, ReasonPrice, "close %.2f outside [%.2f, %.2f]", snap.Close, p.MinPrice, p.MaxPrice)
	case snap.AvgVolume < p.MinAvgVolume:
		return nil, reject(symbol, ReasonLiquidity, "avg volume %.0f < %.0f", snap.AvgVolume, p.MinAvgVolume)
	case snap.ADX < p.MinADX:
		return nil, reject(symbol, ReasonADX, "adx %.2f < %.2f", snap.ADX, p.MinADX)
	case snap.RSI < p.RSIMin || snap.RSI > p.RSIMax:
		return nil, reject(symbol, ReasonRSI, "rsi %.2f outside [%.2f, %.2f]", snap.RSI, p.RSIMin, p.RSIMax)
	case snap.ATRPct < p.MinATRPct || (p.MaxATRPct > 0 && snap.ATRPct > p.MaxATRPct):
		return nil, reject(symbol, ReasonATR, "atr %.2f%% outside [%.2f, %.2f]", snap.ATRPct, p.MinATRPct, p.MaxATRPct)
	case snap.VolumeRatio < p.MinVolumeRatio:
		return nil, reject(symbol, ReasonVolumeRatio, "volume ratio %.2f < %.2f", snap.VolumeRatio, p.MinVolumeRatio)
	}

	return snap, nil
}

func reject(symbol, reason, format string, args ...interface{}) *Rejection {
	return &Rejection{Symbol: symbol, Reason: reason, Detail: fmt.Sprintf(format, args...)}
}

// Compute builds the metric snapshot from a series. SMA75 is left at zero when
// fewer than 75 bars are available.
func Compute(symbol string, s indicators.Series) (*Snapshot, error) {
	snap := &Snapshot{Symbol: symbol, Bars: s.Len(), Close: s.LastClose()}

	dir, err := indicators.ADX(s, 14)
	if err != nil {
		return nil, fmt.Errorf("adx: %w", err)
	}
	snap.ADX, snap.PlusDI, snap.MinusDI = dir.ADX, dir.PlusDI, dir.MinusDI

	if snap.RSI, err = indicators.LastRSI(s.Closes, 14); err != nil {
		return nil, fmt.Errorf("rsi: %w", err)
	}
	if snap.ATR, err = indicators.LastATR(s, 14); err != nil {
		return nil, fmt.Errorf("atr: %w", err)
	}
	if snap.Close > 0 {
		snap.ATRPct = snap.ATR / snap.Close * 100
	}
	if snap.SMA5, err = indicators.LastSMA(s.Closes, 5); err != nil {
		return nil, fmt.Errorf("sma5: %w", err)
	}
	if snap.SMA25, err = indicators.LastSMA(s.Closes, 25); err != nil {
		return nil, fmt.Errorf("sma25: %w", err)
	}
	if sma75, err := indicators.LastSMA(s.Closes, 75); err == nil {
		snap.SMA75 = sma75
	} else if !errors.Is(err, indicators.ErrInsufficientBars) {
		return nil, fmt.Errorf("sma75: %w", err)
	}
	if snap.AvgVolume, err = indicators.AvgVolume(s.Volumes, 20); err != nil {
		return nil, fmt.Errorf("volume: %w", err)
	}
	if snap.VolumeRatio, err = indicators.VolumeRatio(s.Volumes, 5, 20); err != nil {
		return nil, fmt.Errorf("volume ratio: %w", err)
	}
	if snap.High20, err = indicators.HighestHigh(s, 20); err != nil {
		return nil, fmt.Errorf("high20: %w", err)
	}
	snap.Low20 = lowestLow(s, 20)

	bands, err := indicators.Bollinger(s.Closes, 20)
	if err != nil {
		return nil, fmt.Errorf("bollinger: %w", err)
	}
	snap.BBPosition, snap.BBWidth = bands.PercentB, bands.WidthPct

	if snap.ROC20, err = indicators.RateOfChange(s.Closes, 20); err != nil {
		return nil, fmt.Errorf("roc: %w", err)
	}

	return snap, nil
}

// lowestLow mirrors HighestHigh: the prior window, excluding the last bar
func lowestLow(s indicators.Series, window int) float64 {
	n := s.Len()
	if n < window+1 {
		return 0
	}
	low := s.Lows[n-window-1]
	for _, v := range s.Lows[n-window-1 : n-1] {
		if v < low {
			low = v
		}
	}
	return low
}
