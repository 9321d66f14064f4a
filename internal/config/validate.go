package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/atlas-desktop/swing-backtester/pkg/types"
)

// ErrConfigurationInvalid is returned for parameter sets that fail validation
var ErrConfigurationInvalid = errors.New("configuration invalid")

// minCorrelationWindow is the shortest return window the correlation check accepts
const minCorrelationWindow = 10

// ValidationError lists every problem found in a parameter set
type ValidationError struct {
	Version  string
	Problems []string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("configuration %q invalid: %s", e.Version, strings.Join(e.Problems, "; "))
}

func (e *ValidationError) Unwrap() error {
	return ErrConfigurationInvalid
}

type checker struct {
	problems []string
}

func (c *checker) check(ok bool, format string, args ...interface{}) {
	if !ok {
		c.problems = append(c.problems, fmt.Sprintf(format, args...))
	}
}

// Validate checks ranges and orderings of a resolved parameter set
func Validate(cfg *types.RunConfig) error {
	if cfg == nil {
		return &ValidationError{Problems: []string{"config is nil"}}
	}
	c := &checker{}

	c.check(cfg.InitialCapital.IsPositive(), "initial_capital must be positive")
	c.check(cfg.IndexSymbol != "", "index_symbol is required")
	c.check(cfg.WarmupDays >= 0, "warmup_days must not be negative")

	r := cfg.Regime
	c.check(r.MinBars > 0, "regime.min_bars must be positive")
	c.check(r.ADXPeriod > 0 && r.ATRPeriod > 0 && r.BBPeriod > 0, "regime indicator periods must be positive")
	c.check(r.SMAPeriod >= 5, "regime.sma_period must be at least 5")
	c.check(r.ADXRanging <= r.ADXTrending, "regime.adx_ranging must not exceed adx_trending")
	c.check(r.SlopeDown < r.SlopeUp, "regime.slope_down must be below slope_up")
	c.check(r.ATRLow < r.ATRNormal && r.ATRNormal < r.ATRElevated, "regime ATR%% bands must be increasing")
	c.check(r.ADRShort > 0 && r.ADRMedium >= r.ADRShort, "regime ADR windows must satisfy 0 < adr_short <= adr_medium")
	c.check(r.ADRPanic < r.ADROversold && r.ADROversold < r.ADROverbought, "regime ADR thresholds must satisfy panic < oversold < overbought")
	c.check(r.DivergenceThreshold >= 0, "regime.divergence_threshold must not be negative")
	c.check(r.MaxTradeableRisk > 0 && r.MaxTradeableRisk <= 100, "regime.max_tradeable_risk must be in (0, 100]")

	q := cfg.Quality
	c.check(q.MaxMissingRatio >= 0 && q.MaxMissingRatio <= 1, "quality.max_missing_ratio must be in [0, 1]")
	c.check(q.Lookback > 0, "quality.lookback must be positive")
	c.check(q.MaxPriceMovePct > 0 && q.MaxVolumeMovePct > 0, "quality move limits must be positive")

	s := cfg.Screener
	c.check(s.MinHistoryBars > 0, "screener.min_history_bars must be positive")
	c.check(s.MinPrice >= 0 && s.MinPrice <= s.MaxPrice, "screener price range is empty")
	c.check(s.RSIMin < s.RSIMax, "screener.rsi_min must be below rsi_max")
	c.check(s.MinATRPct <= s.MaxATRPct, "screener ATR%% range is empty")

	m := cfg.Matcher
	c.check(m.MinConfidence >= 0 && m.MinConfidence <= 1, "matcher.min_confidence must be in [0, 1]")
	c.check(m.ProfileWeight >= 0 && m.TechnicalWeight >= 0 && m.ProfileWeight+m.TechnicalWeight > 0,
		"matcher weights must be non-negative and not both zero")
	for regime := range m.Table {
		c.check(isRegime(regime), "matcher.table has unknown regime %q", regime)
	}

	st := cfg.Strategies
	c.check(st.StopATRMult > 0, "strategies.stop_atr_mult must be positive")
	c.check(st.RewardRatio > 0, "strategies.reward_ratio must be positive")

	ss := cfg.Stats
	c.check(ss.LookbackTrades > 0, "stats.lookback_trades must be positive")
	c.check(ss.PriorWinRate >= 0 && ss.PriorWinRate <= 1, "stats.prior_win_rate must be in [0, 1]")
	c.check(ss.PriorAvgWin >= 0 && ss.PriorAvgLoss >= 0 && ss.PriorTradeCount >= 0, "stats priors must not be negative")
	c.check(ss.DegradationMinWinRate >= 0 && ss.DegradationMinWinRate <= 1, "stats.degradation_min_win_rate must be in [0, 1]")

	sz := cfg.Sizing
	c.check(sz.KellyFraction > 0 && sz.KellyFraction <= 1, "sizing.kelly_fraction must be in (0, 1]")
	c.check(sz.MinPositionRatio > 0 && sz.MinPositionRatio <= sz.MaxPositionRatio && sz.MaxPositionRatio <= 1,
		"sizing ratios must satisfy 0 < min_position_ratio <= max_position_ratio <= 1")
	c.check(sz.MinSampleTrades >= 0, "sizing.min_sample_trades must not be negative")

	rk := cfg.Risk
	c.check(rk.MaxHoldingDays >= 1, "risk.max_holding_days must be at least 1")
	c.check(rk.TrailingPct >= 0 && rk.TrailingPct < 1, "risk.trailing_pct must be in [0, 1)")
	c.check(rk.TrailingActivationPct >= 0, "risk.trailing_activation_pct must not be negative")
	switch rk.EarlyExitPolicy {
	case types.EarlyExitNone, types.EarlyExitRegimeNonTradable, "":
	case types.EarlyExitRiskJump:
		c.check(rk.EarlyExitRiskDelta > 0, "risk.early_exit_risk_delta must be positive for risk_jump")
	default:
		c.check(false, "risk.early_exit_policy %q is unknown", rk.EarlyExitPolicy)
	}
	switch rk.GapFill {
	case types.GapFillLevel, types.GapFillOpen, "":
	default:
		c.check(false, "risk.gap_fill %q is unknown", rk.GapFill)
	}

	p := cfg.Portfolio
	c.check(p.MaxPositions >= 1, "portfolio.max_positions must be at least 1")
	c.check(p.MaxSectorPositions >= 0, "portfolio.max_sector_positions must not be negative")
	c.check(p.MaxCorrelation > 0 && p.MaxCorrelation <= 1, "portfolio.max_correlation must be in (0, 1]")
	c.check(p.MaxCorrelation >= 1 || p.CorrelationWindow >= minCorrelationWindow,
		"portfolio.correlation_window must be at least %d", minCorrelationWindow)
	c.check(!p.CommissionBps.IsNegative(), "portfolio.commission_bps must not be negative")

	sl := cfg.Slippage
	switch sl.Model {
	case "", "fixed", "volume_weighted":
	default:
		c.check(false, "slippage.model %q is unknown", sl.Model)
	}
	c.check(!sl.FixedBps.IsNegative() && !sl.ImpactFactor.IsNegative() && !sl.MaxBps.IsNegative(),
		"slippage parameters must not be negative")

	cal := cfg.Calendar
	c.check(cal.EarningsExcludeBefore >= 0 && cal.EarningsExcludeAfter >= 0 && cal.DividendBlockDays >= 0,
		"calendar windows must not be negative")

	c.check(cfg.Evaluation.AnnualizationDays > 0, "evaluation.annualization_days must be positive")
	mc := cfg.Evaluation.MonteCarlo
	c.check(mc.Iterations >= 0, "evaluation.monte_carlo.iterations must not be negative")
	c.check(mc.RuinDrawdown >= 0 && mc.RuinDrawdown < 1, "evaluation.monte_carlo.ruin_drawdown must be in [0, 1)")

	if len(c.problems) > 0 {
		return &ValidationError{Version: cfg.Version, Problems: c.problems}
	}
	return nil
}

func isRegime(name string) bool {
	for _, t := range types.AllRegimes {
		if string(t) == name {
			return true
		}
	}
	return false
}
