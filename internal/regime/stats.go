package regime

import (
	"github.com/atlas-desktop/swing-backtester/pkg/types"
)

// Statistics summarises the regimes seen over a run
type Statistics struct {
	RegimeCounts      map[types.RegimeType]int     `json:"regimeCounts"`
	RegimePercentages map[types.RegimeType]float64 `json:"regimePercentages"`
	Transitions       int                          `json:"transitions"`
	TradeableDays     int                          `json:"tradeableDays"`
	UnavailableDays   int                          `json:"unavailableDays"`
	TotalObservations int                          `json:"totalObservations"`
	AvgRiskScore      float64                      `json:"avgRiskScore"`
}

// Stats aggregates a daily environment history
func Stats(history []types.DailyEnvironment, maxTradeableRisk int) *Statistics {
	stats := &Statistics{
		RegimeCounts:      make(map[types.RegimeType]int),
		RegimePercentages: make(map[types.RegimeType]float64),
	}

	var prev types.RegimeType
	riskSum := 0
	for _, env := range history {
		if !env.Available {
			stats.UnavailableDays++
			continue
		}
		stats.RegimeCounts[env.Regime]++
		stats.TotalObservations++
		riskSum += env.RiskScore

		if prev != "" && env.Regime != prev {
			stats.Transitions++
		}
		prev = env.Regime

		if env.Regime != types.RegimeStrongDowntrend && env.Regime != types.RegimePanicSell &&
			env.RiskScore < maxTradeableRisk {
			stats.TradeableDays++
		}
	}

	if stats.TotalObservations > 0 {
		for regime, count := range stats.RegimeCounts {
			stats.RegimePercentages[regime] = float64(count) / float64(stats.TotalObservations)
		}
		stats.AvgRiskScore = float64(riskSum) / float64(stats.TotalObservations)
	}

	return stats
}

// Environment converts a classification into a daily environment record.
// A nil regime records the day as unavailable.
func Environment(r *types.MarketRegime) types.DailyEnvironment {
	if r == nil {
		return types.DailyEnvironment{}
	}
	return types.DailyEnvironment{
		Date:       r.Date,
		Regime:     r.Type,
		RiskLevel:  r.RiskLevel,
		RiskScore:  r.RiskScore,
		Trend:      r.Trend,
		Volatility: r.Volatility,
		ADX:        r.Metrics.ADX,
		ATRPct:     r.Metrics.ATRPct,
		Available:  true,
	}
}
