// Package backtester provides portfolio simulation for backtesting.
package backtester

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/atlas-desktop/swing-backtester/pkg/types"
	"github.com/shopspring/decimal"
)

var (
	// ErrInsufficientCash is returned when a fill would take cash below zero
	ErrInsufficientCash = errors.New("insufficient cash")
	// ErrAlreadyHeld is returned when opening a second position in one symbol
	ErrAlreadyHeld = errors.New("symbol already held")
	// ErrPositionLimit is returned when the position cap is reached
	ErrPositionLimit = errors.New("position limit reached")
)

// Portfolio manages simulated portfolio state. It is the only state that
// survives from one simulated day to the next.
type Portfolio struct {
	mu            sync.RWMutex
	cash          decimal.Decimal
	initialCash   decimal.Decimal
	positions     map[string]*types.Position
	maxPositions  int
	commissionBps decimal.Decimal
	peakEquity    decimal.Decimal
}

// NewPortfolio creates a new portfolio
func NewPortfolio(initialCash decimal.Decimal, maxPositions int, commissionBps decimal.Decimal) *Portfolio {
	return &Portfolio{
		cash:          initialCash,
		initialCash:   initialCash,
		positions:     make(map[string]*types.Position),
		maxPositions:  maxPositions,
		commissionBps: commissionBps,
		peakEquity:    initialCash,
	}
}

// Commission returns the commission charged on a notional amount
func (p *Portfolio) Commission(notional decimal.Decimal) decimal.Decimal {
	if p.commissionBps.IsZero() {
		return decimal.Zero
	}
	return notional.Mul(p.commissionBps).Div(decimal.NewFromInt(10000)).Round(2)
}

// GetCash returns available cash
func (p *Portfolio) GetCash() decimal.Decimal {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.cash
}

// GetEquity returns total equity (cash + marked positions)
func (p *Portfolio) GetEquity() decimal.Decimal {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.calculateEquity()
}

// GetDrawdown returns current drawdown from peak as a fraction
func (p *Portfolio) GetDrawdown() decimal.Decimal {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if p.peakEquity.IsZero() {
		return decimal.Zero
	}

	equity := p.calculateEquity()
	dd := p.peakEquity.Sub(equity).Div(p.peakEquity)
	if dd.IsNegative() {
		return decimal.Zero
	}
	return dd
}

// GetPosition returns a position by symbol
func (p *Portfolio) GetPosition(symbol string) *types.Position {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.positions[symbol]
}

// Held reports whether the symbol has an open position
func (p *Portfolio) Held(symbol string) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	_, ok := p.positions[symbol]
	return ok
}

// Count returns the number of open positions
func (p *Portfolio) Count() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.positions)
}

// Positions returns the open positions ordered by symbol. The pointers are
// live; callers on the simulator goroutine may ratchet stops through them.
func (p *Portfolio) Positions() []*types.Position {
	p.mu.RLock()
	defer p.mu.RUnlock()

	out := make([]*types.Position, 0, len(p.positions))
	for _, pos := range p.positions {
		out = append(out, pos)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out
}

// SectorCount returns how many open positions share a sector
func (p *Portfolio) SectorCount(sector string) int {
	if sector == "" {
		return 0
	}
	p.mu.RLock()
	defer p.mu.RUnlock()

	n := 0
	for _, pos := range p.positions {
		if pos.Sector == sector {
			n++
		}
	}
	return n
}

// Open debits cash for a new position filled at pos.EntryPrice.
// The fill is rejected without side effects if it would break an invariant.
func (p *Portfolio) Open(pos *types.Position) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if _, ok := p.positions[pos.Symbol]; ok {
		return fmt.Errorf("open %s: %w", pos.Symbol, ErrAlreadyHeld)
	}
	if p.maxPositions > 0 && len(p.positions) >= p.maxPositions {
		return fmt.Errorf("open %s: %w", pos.Symbol, ErrPositionLimit)
	}
	if pos.Shares <= 0 {
		return fmt.Errorf("open %s: non-positive share count %d", pos.Symbol, pos.Shares)
	}

	notional := pos.EntryPrice.Mul(decimal.NewFromInt(pos.Shares))
	commission := p.Commission(notional)
	cost := notional.Add(commission)
	if cost.GreaterThan(p.cash) {
		return fmt.Errorf("open %s costs %s with %s cash: %w",
			pos.Symbol, cost.StringFixed(2), p.cash.StringFixed(2), ErrInsufficientCash)
	}

	p.cash = p.cash.Sub(cost)
	pos.EntryCost = commission
	if pos.LastPrice.IsZero() {
		pos.LastPrice = pos.EntryPrice
	}
	if pos.HighWaterMark.IsZero() {
		pos.HighWaterMark = pos.EntryPrice
	}
	p.positions[pos.Symbol] = pos
	p.updatePeak()
	return nil
}

// AffordableShares returns the largest share count whose cost plus commission fits in cash
func (p *Portfolio) AffordableShares(price decimal.Decimal, wanted int64) int64 {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if !price.IsPositive() || wanted <= 0 {
		return 0
	}
	perShare := price.Add(p.Commission(price))
	if perShare.IsZero() {
		return 0
	}
	limit := p.cash.Div(perShare).Floor().IntPart()
	shares := wanted
	if shares > limit {
		shares = limit
	}
	// commission rounding can leave the bound one share too high
	for shares > 0 {
		notional := price.Mul(decimal.NewFromInt(shares))
		if notional.Add(p.Commission(notional)).LessThanOrEqual(p.cash) {
			break
		}
		shares--
	}
	return shares
}

// Close exits a position and returns the closed trade
func (p *Portfolio) Close(symbol string, exitPrice decimal.Decimal, exitDate time.Time, reason types.ExitReason) (*types.Trade, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	pos, ok := p.positions[symbol]
	if !ok {
		return nil, fmt.Errorf("close %s: no open position", symbol)
	}

	shares := decimal.NewFromInt(pos.Shares)
	proceeds := exitPrice.Mul(shares)
	exitCommission := p.Commission(proceeds)
	costBasis := pos.EntryPrice.Mul(shares)

	pnl := proceeds.Sub(costBasis).Sub(pos.EntryCost).Sub(exitCommission)
	var pnlPct decimal.Decimal
	if costBasis.IsPositive() {
		pnlPct = pnl.Div(costBasis).Mul(decimal.NewFromInt(100)).Round(4)
	}

	p.cash = p.cash.Add(proceeds).Sub(exitCommission)
	delete(p.positions, symbol)
	p.updatePeak()

	return &types.Trade{
		Symbol:         pos.Symbol,
		Strategy:       pos.Strategy,
		EntryDate:      pos.EntryDate,
		ExitDate:       exitDate,
		EntryPrice:     pos.EntryPrice,
		ExitPrice:      exitPrice,
		RawEntryPrice:  pos.RawEntryPrice,
		Shares:         pos.Shares,
		StopLoss:       pos.StopLoss,
		TakeProfit:     pos.TakeProfit,
		PnL:            pnl.Round(2),
		PnLPct:         pnlPct,
		Commission:     pos.EntryCost.Add(exitCommission),
		ExitReason:     reason,
		Confidence:     pos.Confidence,
		EntryRegime:    pos.EntryRegime,
		EntryRiskScore: pos.EntryRiskScore,
	}, nil
}

// UpdatePrice marks a position at the given price
func (p *Portfolio) UpdatePrice(symbol string, price decimal.Decimal) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if pos, ok := p.positions[symbol]; ok {
		pos.LastPrice = price
	}
	p.updatePeak()
}

// Snapshot returns the equity point for a date
func (p *Portfolio) Snapshot(date time.Time) types.EquityPoint {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.updatePeak()
	equity := p.calculateEquity()
	var dd decimal.Decimal
	if p.peakEquity.IsPositive() {
		dd = p.peakEquity.Sub(equity).Div(p.peakEquity).Round(6)
	}
	return types.EquityPoint{
		Date:           date,
		Equity:         equity.Round(2),
		Cash:           p.cash.Round(2),
		PositionsValue: equity.Sub(p.cash).Round(2),
		Positions:      len(p.positions),
		Drawdown:       dd,
	}
}

// GetTotalPnL returns total PnL (realized + unrealized)
func (p *Portfolio) GetTotalPnL() decimal.Decimal {
	return p.GetEquity().Sub(p.initialCash)
}

// calculateEquity calculates total equity (must hold lock)
func (p *Portfolio) calculateEquity() decimal.Decimal {
	equity := p.cash
	for _, pos := range p.positions {
		equity = equity.Add(pos.MarketValue())
	}
	return equity
}

// updatePeak must hold the write lock
func (p *Portfolio) updatePeak() {
	if equity := p.calculateEquity(); equity.GreaterThan(p.peakEquity) {
		p.peakEquity = equity
	}
}
