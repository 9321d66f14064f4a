// Package indicators computes the technical measurements used by the regime
// classifier, the screener and the strategy executors.
// Moving averages, RSI, ATR and Bollinger Bands come from cinar/indicator;
// the directional movement index is computed here with Wilder smoothing.
package indicators

import (
	"errors"
	"fmt"
	"math"

	"github.com/atlas-desktop/swing-backtester/pkg/types"
	"github.com/cinar/indicator"
)

// ErrInsufficientBars is returned when a series is shorter than the indicator needs
var ErrInsufficientBars = errors.New("insufficient bars for indicator")

const defaultBollingerPeriod = 20

// Series holds float views of a bar window, oldest first
type Series struct {
	Opens   []float64
	Highs   []float64
	Lows    []float64
	Closes  []float64
	Volumes []float64
}

// FromBars converts decimal bars into float series
func FromBars(bars []types.OHLCV) Series {
	s := Series{
		Opens:   make([]float64, len(bars)),
		Highs:   make([]float64, len(bars)),
		Lows:    make([]float64, len(bars)),
		Closes:  make([]float64, len(bars)),
		Volumes: make([]float64, len(bars)),
	}
	for i, bar := range bars {
		s.Opens[i], _ = bar.Open.Float64()
		s.Highs[i], _ = bar.High.Float64()
		s.Lows[i], _ = bar.Low.Float64()
		s.Closes[i], _ = bar.Close.Float64()
		s.Volumes[i], _ = bar.Volume.Float64()
	}
	return s
}

// Len returns the number of bars
func (s Series) Len() int {
	return len(s.Closes)
}

// LastClose returns the most recent close
func (s Series) LastClose() float64 {
	if len(s.Closes) == 0 {
		return 0
	}
	return s.Closes[len(s.Closes)-1]
}

func need(n, have int, name string) error {
	if have < n {
		return fmt.Errorf("%s needs %d bars, have %d: %w", name, n, have, ErrInsufficientBars)
	}
	return nil
}

// SMA returns the full simple moving average series
func SMA(values []float64, period int) ([]float64, error) {
	if err := need(period, len(values), "sma"); err != nil {
		return nil, err
	}
	return indicator.Sma(period, values), nil
}

// LastSMA returns the latest simple moving average value
func LastSMA(values []float64, period int) (float64, error) {
	sma, err := SMA(values, period)
	if err != nil {
		return 0, err
	}
	return sma[len(sma)-1], nil
}

// LastEMA returns the latest exponential moving average value
func LastEMA(values []float64, period int) (float64, error) {
	if err := need(period, len(values), "ema"); err != nil {
		return 0, err
	}
	ema := indicator.Ema(period, values)
	return ema[len(ema)-1], nil
}

// SMASlopePct returns the average daily percent change of the SMA over the
// last `points` SMA values: (sma[-1] - sma[-points]) / sma[-points] * 100 / points.
func SMASlopePct(closes []float64, period, points int) (float64, error) {
	if err := need(period+points-1, len(closes), "sma slope"); err != nil {
		return 0, err
	}
	sma := indicator.Sma(period, closes)
	last := sma[len(sma)-1]
	first := sma[len(sma)-points]
	if first == 0 {
		return 0, nil
	}
	return (last - first) / first * 100 / float64(points), nil
}

// LastRSI returns the latest RSI value for the period
func LastRSI(closes []float64, period int) (float64, error) {
	if err := need(period+1, len(closes), "rsi"); err != nil {
		return 0, err
	}
	_, rsi := indicator.RsiPeriod(period, closes)
	v := rsi[len(rsi)-1]
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, fmt.Errorf("rsi undefined: %w", ErrInsufficientBars)
	}
	return v, nil
}

// LastATR returns the latest average true range
func LastATR(s Series, period int) (float64, error) {
	if err := need(period+1, s.Len(), "atr"); err != nil {
		return 0, err
	}
	_, atr := indicator.Atr(period, s.Highs, s.Lows, s.Closes)
	return atr[len(atr)-1], nil
}

// ATRPct returns the latest ATR as a percentage of the last close
func ATRPct(s Series, period int) (float64, error) {
	atr, err := LastATR(s, period)
	if err != nil {
		return 0, err
	}
	close := s.LastClose()
	if close == 0 {
		return 0, nil
	}
	return atr / close * 100, nil
}

// Bands is one Bollinger Band reading
type Bands struct {
	Upper    float64
	Middle   float64
	Lower    float64
	WidthPct float64 // (upper - lower) / middle * 100
	PercentB float64 // position of the last close inside the bands
}

// Bollinger returns the latest Bollinger Band reading with two standard deviations
func Bollinger(closes []float64, period int) (Bands, error) {
	if err := need(period, len(closes), "bollinger"); err != nil {
		return Bands{}, err
	}

	var upper, middle, lower float64
	if period == defaultBollingerPeriod {
		a, b, c := indicator.BollingerBands(closes)
		n := len(closes) - 1
		// the middle band always sits between the outer two
		vals := []float64{a[n], b[n], c[n]}
		lower, middle, upper = sort3(vals[0], vals[1], vals[2])
	} else {
		window := closes[len(closes)-period:]
		middle = mean(window)
		sd := stdDev(window, middle)
		upper = middle + 2*sd
		lower = middle - 2*sd
	}

	bands := Bands{Upper: upper, Middle: middle, Lower: lower}
	if middle != 0 {
		bands.WidthPct = (upper - lower) / middle * 100
	}
	if upper != lower {
		bands.PercentB = (closes[len(closes)-1] - lower) / (upper - lower)
	}
	return bands, nil
}

// VolumeRatio returns the short-window average volume over the long-window average
func VolumeRatio(volumes []float64, short, long int) (float64, error) {
	if err := need(long, len(volumes), "volume ratio"); err != nil {
		return 0, err
	}
	longAvg := mean(volumes[len(volumes)-long:])
	if longAvg == 0 {
		return 0, nil
	}
	return mean(volumes[len(volumes)-short:]) / longAvg, nil
}

// AvgVolume returns the mean volume over the trailing window
func AvgVolume(volumes []float64, window int) (float64, error) {
	if err := need(window, len(volumes), "average volume"); err != nil {
		return 0, err
	}
	return mean(volumes[len(volumes)-window:]), nil
}

// HighestHigh returns the max high of the `window` bars preceding the last bar
func HighestHigh(s Series, window int) (float64, error) {
	if err := need(window+1, s.Len(), "highest high"); err != nil {
		return 0, err
	}
	highs := s.Highs[s.Len()-window-1 : s.Len()-1]
	max := highs[0]
	for _, h := range highs[1:] {
		if h > max {
			max = h
		}
	}
	return max, nil
}

// RateOfChange returns the percent change over `lookback` bars
func RateOfChange(closes []float64, lookback int) (float64, error) {
	if err := need(lookback+1, len(closes), "rate of change"); err != nil {
		return 0, err
	}
	past := closes[len(closes)-lookback-1]
	if past == 0 {
		return 0, nil
	}
	return (closes[len(closes)-1] - past) / past * 100, nil
}

func mean(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	var sum float64
	for _, v := range values {
		sum += v
	}
	return sum / float64(len(values))
}

func stdDev(values []float64, m float64) float64 {
	if len(values) == 0 {
		return 0
	}
	var ss float64
	for _, v := range values {
		d := v - m
		ss += d * d
	}
	return math.Sqrt(ss / float64(len(values)))
}

func sort3(a, b, c float64) (float64, float64, float64) {
	if a > b {
		a, b = b, a
	}
	if b > c {
		b, c = c, b
	}
	if a > b {
		a, b = b, a
	}
	return a, b, c
}
