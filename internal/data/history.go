package data

import (
	"sort"
	"sync"
	"time"

	"github.com/atlas-desktop/swing-backtester/pkg/types"
)

// PriceHistory is the read-only daily bar cache shared by simulation units.
// Every read takes an explicit as-of date, so callers cannot see bars they
// would not have had on the decision day.
type PriceHistory struct {
	mu    sync.RWMutex
	bars  map[string][]types.OHLCV
	index map[string]map[string]int // symbol -> yyyy-mm-dd -> position
}

// NewPriceHistory creates an empty history
func NewPriceHistory() *PriceHistory {
	return &PriceHistory{
		bars:  make(map[string][]types.OHLCV),
		index: make(map[string]map[string]int),
	}
}

// NewPriceHistoryFrom builds a history from pre-loaded series
func NewPriceHistoryFrom(series map[string][]types.OHLCV) *PriceHistory {
	h := NewPriceHistory()
	for symbol, bars := range series {
		h.Add(symbol, bars)
	}
	return h
}

func dateKey(t time.Time) string {
	return t.Format("2006-01-02")
}

// Add stores the series for a symbol, sorted by date. It is meant to be called
// while the history is being prefetched, before any simulation reads it.
func (h *PriceHistory) Add(symbol string, bars []types.OHLCV) {
	sorted := append([]types.OHLCV(nil), bars...)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Date.Before(sorted[j].Date)
	})
	idx := make(map[string]int, len(sorted))
	for i, b := range sorted {
		idx[dateKey(b.Date)] = i
	}

	h.mu.Lock()
	h.bars[symbol] = sorted
	h.index[symbol] = idx
	h.mu.Unlock()
}

// Has reports whether any bars are stored for the symbol
func (h *PriceHistory) Has(symbol string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.bars[symbol]) > 0
}

// Symbols returns all stored symbols in ascending order
func (h *PriceHistory) Symbols() []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]string, 0, len(h.bars))
	for s := range h.bars {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

// Before returns the bars dated strictly before asOf. The returned slice shares
// storage with the cache and must not be modified.
func (h *PriceHistory) Before(symbol string, asOf time.Time) []types.OHLCV {
	h.mu.RLock()
	bars := h.bars[symbol]
	h.mu.RUnlock()

	i := sort.Search(len(bars), func(i int) bool {
		return !bars[i].Date.Before(asOf)
	})
	return bars[:i:i]
}

// Window returns at most n bars dated strictly before asOf
func (h *PriceHistory) Window(symbol string, asOf time.Time, n int) []types.OHLCV {
	bars := h.Before(symbol, asOf)
	if n > 0 && len(bars) > n {
		return bars[len(bars)-n:]
	}
	return bars
}

// Bar returns the bar dated exactly on the given day. It is used only for fills
// and exit checks on the day being simulated.
func (h *PriceHistory) Bar(symbol string, day time.Time) (types.OHLCV, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	i, ok := h.index[symbol][dateKey(day)]
	if !ok {
		return types.OHLCV{}, false
	}
	return h.bars[symbol][i], true
}

// LastBefore returns the latest bar dated strictly before asOf
func (h *PriceHistory) LastBefore(symbol string, asOf time.Time) (types.OHLCV, bool) {
	bars := h.Before(symbol, asOf)
	if len(bars) == 0 {
		return types.OHLCV{}, false
	}
	return bars[len(bars)-1], true
}

// TradingDays returns the dates of a reference symbol's bars within [start, end]
func (h *PriceHistory) TradingDays(symbol string, start, end time.Time) []time.Time {
	h.mu.RLock()
	defer h.mu.RUnlock()

	var days []time.Time
	for _, b := range h.bars[symbol] {
		if b.Date.Before(start) || b.Date.After(end) {
			continue
		}
		days = append(days, b.Date)
	}
	return days
}

// Universe returns the windows of several symbols, keyed by symbol, as of a date
func (h *PriceHistory) Universe(symbols []string, asOf time.Time, n int) map[string][]types.OHLCV {
	out := make(map[string][]types.OHLCV, len(symbols))
	for _, s := range symbols {
		if bars := h.Window(s, asOf, n); len(bars) > 0 {
			out[s] = bars
		}
	}
	return out
}
