// Package backtester provides the fill-price slippage models.
package backtester

import (
	"math"

	"github.com/atlas-desktop/swing-backtester/pkg/types"
	"github.com/atlas-desktop/swing-backtester/pkg/utils"
	"github.com/shopspring/decimal"
)

var (
	one            = decimal.NewFromInt(1)
	defaultSlipBps = decimal.NewFromInt(10)
)

// SlippageModel returns the fraction by which a fill is worse than the
// reference price. referenceVolume is the prior session's volume and may
// be zero.
type SlippageModel interface {
	Rate(shares int64, referenceVolume decimal.Decimal) decimal.Decimal
}

// SlippageFunc adapts a function to SlippageModel
type SlippageFunc func(shares int64, referenceVolume decimal.Decimal) decimal.Decimal

func (f SlippageFunc) Rate(shares int64, referenceVolume decimal.Decimal) decimal.Decimal {
	return f(shares, referenceVolume)
}

// NewFixedSlippage charges bps on every fill regardless of size
func NewFixedSlippage(bps decimal.Decimal) SlippageModel {
	rate := utils.BpsToFraction(bps)
	return SlippageFunc(func(int64, decimal.Decimal) decimal.Decimal { return rate })
}

// NewVolumeWeightedSlippage charges baseBps plus impact*sqrt(shares/volume).
// Without a usable volume it falls back to baseBps.
func NewVolumeWeightedSlippage(baseBps, impact decimal.Decimal) SlippageModel {
	base := utils.BpsToFraction(baseBps)
	return SlippageFunc(func(shares int64, volume decimal.Decimal) decimal.Decimal {
		if shares <= 0 || !volume.IsPositive() {
			return base
		}
		participation := decimal.NewFromInt(shares).Div(volume).InexactFloat64()
		root := decimal.NewFromFloat(math.Sqrt(participation)).Round(8)
		return base.Add(impact.Mul(root))
	})
}

// capped bounds another model's rate at maxBps
func capped(m SlippageModel, maxBps decimal.Decimal) SlippageModel {
	limit := utils.BpsToFraction(maxBps)
	return SlippageFunc(func(shares int64, volume decimal.Decimal) decimal.Decimal {
		return decimal.Min(m.Rate(shares, volume), limit)
	})
}

// CreateSlippageModel builds the configured model. An empty model name
// means fixed; a fixed model without bps uses 10 bps.
func CreateSlippageModel(cfg types.SlippageConfig) SlippageModel {
	var m SlippageModel
	switch cfg.Model {
	case "volume_weighted":
		m = NewVolumeWeightedSlippage(cfg.FixedBps, cfg.ImpactFactor)
	default:
		bps := cfg.FixedBps
		if bps.IsZero() && cfg.Model == "" {
			bps = defaultSlipBps
		}
		m = NewFixedSlippage(bps)
	}
	if cfg.MaxBps.IsPositive() {
		m = capped(m, cfg.MaxBps)
	}
	return m
}

// buyPrice moves a long entry's price up by rate
func buyPrice(price, rate decimal.Decimal) decimal.Decimal {
	return price.Mul(one.Add(rate)).Round(4)
}

// sellPrice moves a long exit's price down by rate
func sellPrice(price, rate decimal.Decimal) decimal.Decimal {
	return price.Mul(one.Sub(rate)).Round(4)
}
