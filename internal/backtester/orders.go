// Package backtester provides entry order management for backtesting.
package backtester

import (
	"errors"
	"sync"
	"time"

	"github.com/atlas-desktop/swing-backtester/internal/sizing"
	"github.com/atlas-desktop/swing-backtester/pkg/types"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// OrderStatus represents the lifecycle state of an entry order
type OrderStatus string

const (
	OrderStatusPending  OrderStatus = "PENDING"
	OrderStatusFilled   OrderStatus = "FILLED"
	OrderStatusRejected OrderStatus = "REJECTED"
)

// Fill-time rejection reasons
const (
	FillNoBar        = "no_bar"
	FillHeld         = "already_held"
	FillSlotsFull    = "slots_full"
	FillGapBelowStop = "gap_below_stop"
	FillNoCash       = "insufficient_cash"
)

// EntryOrder is a sized BUY waiting for the session's open
type EntryOrder struct {
	ID         string
	Symbol     string
	Strategy   string
	Sector     string
	Signal     *types.Signal
	Shares     int64
	Confidence float64
	Regime     types.RegimeType
	RiskScore  int
	Sizing     *sizing.SizingResult

	Status       OrderStatus
	FillPrice    decimal.Decimal
	FilledShares int64
	Reject       string
}

// BarSource is the price access the order manager needs at fill time
type BarSource interface {
	Bar(symbol string, day time.Time) (types.OHLCV, bool)
	LastBefore(symbol string, asOf time.Time) (types.OHLCV, bool)
}

// OrderManager holds the entry orders decided for one session
type OrderManager struct {
	mu       sync.Mutex
	logger   *zap.Logger
	slippage SlippageModel
	pending  []*EntryOrder
}

// NewOrderManager creates a new order manager
func NewOrderManager(logger *zap.Logger, slippage SlippageModel) *OrderManager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &OrderManager{logger: logger, slippage: slippage}
}

// Submit queues an order; orders fill in submission order
func (om *OrderManager) Submit(order *EntryOrder) {
	om.mu.Lock()
	defer om.mu.Unlock()

	order.Status = OrderStatusPending
	om.pending = append(om.pending, order)

	om.logger.Debug("Order submitted",
		zap.String("id", order.ID),
		zap.String("symbol", order.Symbol),
		zap.String("strategy", order.Strategy),
		zap.Int64("shares", order.Shares),
	)
}

// Pending returns the queued orders
func (om *OrderManager) Pending() []*EntryOrder {
	om.mu.Lock()
	defer om.mu.Unlock()
	return append([]*EntryOrder(nil), om.pending...)
}

// Holdings returns the queued orders as constraint holdings
func (om *OrderManager) Holdings() []Holding {
	om.mu.Lock()
	defer om.mu.Unlock()

	out := make([]Holding, 0, len(om.pending))
	for _, o := range om.pending {
		out = append(out, Holding{Symbol: o.Symbol, Sector: o.Sector})
	}
	return out
}

// CheckFills fills every queued order at day's open plus slippage, re-checking
// the portfolio first. The queue is empty afterwards. It returns the opened
// positions and the orders rejected at fill time, both in submission order.
func (om *OrderManager) CheckFills(day time.Time, bars BarSource, portfolio *Portfolio) ([]*types.Position, []*EntryOrder) {
	om.mu.Lock()
	orders := om.pending
	om.pending = nil
	om.mu.Unlock()

	var opened []*types.Position
	var rejected []*EntryOrder

	for _, order := range orders {
		pos, reason := om.fill(order, day, bars, portfolio)
		if pos == nil {
			order.Status = OrderStatusRejected
			order.Reject = reason
			rejected = append(rejected, order)
			continue
		}
		order.Status = OrderStatusFilled
		order.FillPrice = pos.EntryPrice
		order.FilledShares = pos.Shares
		opened = append(opened, pos)

		om.logger.Debug("Order filled",
			zap.String("id", order.ID),
			zap.String("price", pos.EntryPrice.String()),
			zap.Int64("shares", pos.Shares),
		)
	}
	return opened, rejected
}

func (om *OrderManager) fill(order *EntryOrder, day time.Time, bars BarSource, portfolio *Portfolio) (*types.Position, string) {
	bar, ok := bars.Bar(order.Symbol, day)
	if !ok || !bar.Open.IsPositive() {
		return nil, FillNoBar
	}
	if portfolio.Held(order.Symbol) {
		return nil, FillHeld
	}
	if portfolio.maxPositions > 0 && portfolio.Count() >= portfolio.maxPositions {
		return nil, FillSlotsFull
	}

	var refVolume decimal.Decimal
	if prev, ok := bars.LastBefore(order.Symbol, day); ok {
		refVolume = prev.Volume
	}
	price := buyPrice(bar.Open, om.slippage.Rate(order.Shares, refVolume))

	if order.Signal.StopLoss.IsPositive() && price.LessThanOrEqual(order.Signal.StopLoss) {
		return nil, FillGapBelowStop
	}

	shares := portfolio.AffordableShares(price, order.Shares)
	if shares <= 0 {
		return nil, FillNoCash
	}

	pos := &types.Position{
		Symbol:         order.Symbol,
		Strategy:       order.Strategy,
		Sector:         order.Sector,
		EntryDate:      day,
		EntryPrice:     price,
		RawEntryPrice:  bar.Open,
		Shares:         shares,
		StopLoss:       order.Signal.StopLoss,
		InitialStop:    order.Signal.StopLoss,
		TakeProfit:     order.Signal.TakeProfit,
		HighWaterMark:  price,
		LastPrice:      price,
		Confidence:     order.Confidence,
		EntryRegime:    order.Regime,
		EntryRiskScore: order.RiskScore,
	}
	if err := portfolio.Open(pos); err != nil {
		switch {
		case errors.Is(err, ErrInsufficientCash):
			return nil, FillNoCash
		case errors.Is(err, ErrPositionLimit):
			return nil, FillSlotsFull
		case errors.Is(err, ErrAlreadyHeld):
			return nil, FillHeld
		}
		return nil, err.Error()
	}
	return pos, ""
}
