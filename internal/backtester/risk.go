// Package backtester provides per-position risk management for backtesting.
package backtester

import (
	"time"

	"github.com/atlas-desktop/swing-backtester/internal/calendar"
	"github.com/atlas-desktop/swing-backtester/pkg/types"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// Exit is a RiskManager decision to close a position
type Exit struct {
	Reason types.ExitReason
	// Price is the reference exit price before slippage
	Price decimal.Decimal
	// Slipped is true for exits executed at the close, which pay slippage.
	// Stop and target exits fill at their level, or at a gapped open under
	// the open gap-fill policy.
	Slipped bool
	Detail  string
}

// ExitContext is the day-level information the exit rules may consult
type ExitContext struct {
	Date        time.Time
	HoldingDays int
	Regime      *types.MarketRegime // nil when classification failed
	Calendar    calendar.EventCalendar
}

// RiskManager evaluates open positions once per simulated day
type RiskManager struct {
	logger *zap.Logger
	params types.RiskParams
}

// NewRiskManager creates a new risk manager
func NewRiskManager(logger *zap.Logger, params types.RiskParams) *RiskManager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RiskManager{logger: logger, params: params}
}

// Evaluate applies the exit rules to a position using day t's bar, in fixed
// priority: stop-loss, take-profit, max holding, event calendar, then the
// trailing-stop ratchet and the early-exit policy. At most one Exit is
// returned. When no exit fires the position's high-water mark and stop are
// updated in place.
func (rm *RiskManager) Evaluate(pos *types.Position, bar types.OHLCV, ec ExitContext) *Exit {
	if exit := rm.checkLevels(pos, bar); exit != nil {
		return exit
	}

	// 3. Max holding
	if rm.params.MaxHoldingDays > 0 && ec.HoldingDays > rm.params.MaxHoldingDays {
		return &Exit{Reason: types.ExitMaxHolding, Price: bar.Close, Slipped: true}
	}

	// Event calendar forced exit
	if ec.Calendar != nil && rm.eventExit(pos, bar, ec) {
		return &Exit{Reason: types.ExitEvent, Price: bar.Close, Slipped: true}
	}

	// 4. Ratchet, then early exit
	rm.UpdateTrailingStop(pos, bar.High)

	if exit := rm.earlyExit(pos, bar, ec.Regime); exit != nil {
		return exit
	}
	return nil
}

// EvaluateEntryDay checks a position filled at today's open against the rest
// of today's range. Only stop and target can fire on the entry day.
func (rm *RiskManager) EvaluateEntryDay(pos *types.Position, bar types.OHLCV) *Exit {
	if pos.StopLoss.IsPositive() && bar.Low.LessThanOrEqual(pos.StopLoss) {
		return &Exit{Reason: types.ExitStopLoss, Price: pos.StopLoss}
	}
	if pos.TakeProfit.IsPositive() && bar.High.GreaterThanOrEqual(pos.TakeProfit) {
		return &Exit{Reason: types.ExitTakeProfit, Price: pos.TakeProfit}
	}
	rm.UpdateTrailingStop(pos, bar.High)
	return nil
}

// checkLevels is the stop-loss then take-profit check; the stop wins a day
// that touches both.
func (rm *RiskManager) checkLevels(pos *types.Position, bar types.OHLCV) *Exit {
	// 1. Stop loss
	if pos.StopLoss.IsPositive() && bar.Low.LessThanOrEqual(pos.StopLoss) {
		price := pos.StopLoss
		detail := ""
		if rm.params.GapFill == types.GapFillOpen && bar.Open.LessThan(pos.StopLoss) {
			price = bar.Open
			detail = "gapped below stop"
		}
		return &Exit{Reason: types.ExitStopLoss, Price: price, Detail: detail}
	}

	// 2. Take profit
	if pos.TakeProfit.IsPositive() && bar.High.GreaterThanOrEqual(pos.TakeProfit) {
		price := pos.TakeProfit
		detail := ""
		if rm.params.GapFill == types.GapFillOpen && bar.Open.GreaterThan(pos.TakeProfit) {
			price = bar.Open
			detail = "gapped above target"
		}
		return &Exit{Reason: types.ExitTakeProfit, Price: price, Detail: detail}
	}
	return nil
}

// UpdateTrailingStop raises the high-water mark and, once activated, ratchets
// the stop upward. The stop is never lowered.
func (rm *RiskManager) UpdateTrailingStop(pos *types.Position, high decimal.Decimal) {
	if high.GreaterThan(pos.HighWaterMark) {
		pos.HighWaterMark = high
	}
	if rm.params.TrailingPct <= 0 || !pos.EntryPrice.IsPositive() {
		return
	}

	activation := pos.EntryPrice.Mul(decimal.NewFromFloat(1 + rm.params.TrailingActivationPct))
	if pos.HighWaterMark.LessThan(activation) {
		return
	}

	trail := pos.HighWaterMark.Mul(decimal.NewFromFloat(1 - rm.params.TrailingPct)).Round(4)
	if trail.GreaterThan(pos.StopLoss) {
		rm.logger.Debug("Trailing stop raised",
			zap.String("symbol", pos.Symbol),
			zap.String("from", pos.StopLoss.String()),
			zap.String("to", trail.String()))
		pos.StopLoss = trail
	}
}

func (rm *RiskManager) eventExit(pos *types.Position, bar types.OHLCV, ec ExitContext) bool {
	if aware, ok := ec.Calendar.(calendar.HoldingAware); ok {
		open, _ := unrealizedPct(pos.EntryPrice, bar.Close).Float64()
		return aware.IsExitRequiredFor(pos.Symbol, ec.Date, open)
	}
	return ec.Calendar.IsExitRequired(pos.Symbol, ec.Date)
}

func (rm *RiskManager) earlyExit(pos *types.Position, bar types.OHLCV, regime *types.MarketRegime) *Exit {
	if regime == nil {
		return nil
	}
	switch rm.params.EarlyExitPolicy {
	case types.EarlyExitRegimeNonTradable:
		if !regime.Tradeable {
			return &Exit{Reason: types.ExitRegime, Price: bar.Close, Slipped: true,
				Detail: "regime " + string(regime.Type) + " not tradeable"}
		}
	case types.EarlyExitRiskJump:
		if regime.RiskScore-pos.EntryRiskScore >= rm.params.EarlyExitRiskDelta {
			return &Exit{Reason: types.ExitRegime, Price: bar.Close, Slipped: true,
				Detail: "risk score jumped since entry"}
		}
	}
	return nil
}

func unrealizedPct(entry, price decimal.Decimal) decimal.Decimal {
	if !entry.IsPositive() {
		return decimal.Zero
	}
	return price.Sub(entry).Div(entry).Mul(decimal.NewFromInt(100))
}
