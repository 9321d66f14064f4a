// Package data provides daily price feeds, the as-of price history used by the
// simulator, the data-quality gate, universe membership and stock profiles.
package data

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/atlas-desktop/swing-backtester/pkg/types"
)

// ErrDataUnavailable is returned when a symbol has no data in the requested range
// or the external source cannot be reached.
var ErrDataUnavailable = errors.New("data unavailable")

// DataFeed supplies daily bars for a symbol, ordered by date
type DataFeed interface {
	GetDailyPrices(ctx context.Context, symbol string, start, end time.Time) ([]types.OHLCV, error)
}

// UniverseProvider returns the symbols eligible for trading on a date.
// Membership is historical so delisted names are still present for past dates.
type UniverseProvider interface {
	EligibleSymbols(ctx context.Context, date time.Time) ([]string, error)
}

// SectorLookup resolves the sector a symbol belongs to
type SectorLookup interface {
	Sector(symbol string) string
}

// ProfileProvider returns the stock profile in force on a date
type ProfileProvider interface {
	Profile(symbol string, asOf time.Time) *types.StockProfile
}

// MemoryFeed is an in-memory DataFeed, used by tests and by runs over pre-loaded data
type MemoryFeed struct {
	mu   sync.RWMutex
	bars map[string][]types.OHLCV
}

// NewMemoryFeed creates a feed from a symbol to bars map; bars are sorted by date
func NewMemoryFeed(series map[string][]types.OHLCV) *MemoryFeed {
	f := &MemoryFeed{bars: make(map[string][]types.OHLCV, len(series))}
	for symbol, bars := range series {
		f.Put(symbol, bars)
	}
	return f
}

// Put replaces the bars for a symbol
func (f *MemoryFeed) Put(symbol string, bars []types.OHLCV) {
	sorted := append([]types.OHLCV(nil), bars...)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Date.Before(sorted[j].Date)
	})

	f.mu.Lock()
	f.bars[symbol] = sorted
	f.mu.Unlock()
}

// Symbols returns the stored symbols in ascending order
func (f *MemoryFeed) Symbols() []string {
	f.mu.RLock()
	defer f.mu.RUnlock()

	out := make([]string, 0, len(f.bars))
	for s := range f.bars {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

// GetDailyPrices returns bars with start <= date <= end
func (f *MemoryFeed) GetDailyPrices(ctx context.Context, symbol string, start, end time.Time) ([]types.OHLCV, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	f.mu.RLock()
	bars := f.bars[symbol]
	f.mu.RUnlock()

	filtered := filterByDateRange(bars, start, end)
	if len(filtered) == 0 {
		return nil, fmt.Errorf("no bars for %s between %s and %s: %w",
			symbol, start.Format("2006-01-02"), end.Format("2006-01-02"), ErrDataUnavailable)
	}
	return filtered, nil
}

// filterByDateRange returns a copy of the bars inside [start, end]
func filterByDateRange(bars []types.OHLCV, start, end time.Time) []types.OHLCV {
	var filtered []types.OHLCV
	for _, bar := range bars {
		if bar.Date.Before(start) || bar.Date.After(end) {
			continue
		}
		filtered = append(filtered, bar)
	}
	return filtered
}

// StaticUniverse is a fixed universe with optional sectors
type StaticUniverse struct {
	symbols []string
	sectors map[string]string
}

// NewStaticUniverse creates a universe that is the same on every date
func NewStaticUniverse(symbols []string, sectors map[string]string) *StaticUniverse {
	sorted := append([]string(nil), symbols...)
	sort.Strings(sorted)
	if sectors == nil {
		sectors = map[string]string{}
	}
	return &StaticUniverse{symbols: sorted, sectors: sectors}
}

// EligibleSymbols returns the fixed membership
func (u *StaticUniverse) EligibleSymbols(ctx context.Context, date time.Time) ([]string, error) {
	return append([]string(nil), u.symbols...), nil
}

// Sector returns the configured sector or an empty string
func (u *StaticUniverse) Sector(symbol string) string {
	return u.sectors[symbol]
}

// StaticProfiles serves a fixed set of profiles
type StaticProfiles map[string]types.StockProfile

// Profile returns the profile for a symbol when it was published strictly before asOf
func (p StaticProfiles) Profile(symbol string, asOf time.Time) *types.StockProfile {
	profile, ok := p[symbol]
	if !ok {
		return nil
	}
	if !profile.AsOf.IsZero() && !profile.AsOf.Before(asOf) {
		return nil
	}
	return &profile
}
