package data

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// PrefetchResult reports what a prefetch loaded
type PrefetchResult struct {
	History *PriceHistory
	Loaded  []string
	// Missing symbols had no data in range; they stay out of the history
	Missing []string
}

// Prefetch loads every symbol in parallel before a run starts, so the day loop
// never blocks on I/O. Symbols without data are reported, not fatal; any other
// feed error aborts the prefetch.
func Prefetch(ctx context.Context, logger *zap.Logger, feed DataFeed, symbols []string, start, end time.Time, parallel int) (*PrefetchResult, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if parallel <= 0 {
		parallel = 8
	}

	history := NewPriceHistory()
	var mu sync.Mutex
	result := &PrefetchResult{History: history}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(parallel)

	for _, symbol := range symbols {
		symbol := symbol
		g.Go(func() error {
			bars, err := feed.GetDailyPrices(gctx, symbol, start, end)
			if err != nil {
				if errors.Is(err, ErrDataUnavailable) {
					mu.Lock()
					result.Missing = append(result.Missing, symbol)
					mu.Unlock()
					logger.Debug("No data for symbol", zap.String("symbol", symbol), zap.Error(err))
					return nil
				}
				return fmt.Errorf("failed to load prices for %s: %w", symbol, err)
			}
			history.Add(symbol, bars)
			mu.Lock()
			result.Loaded = append(result.Loaded, symbol)
			mu.Unlock()
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}

	sort.Strings(result.Loaded)
	sort.Strings(result.Missing)
	logger.Info("Prefetched price history",
		zap.Int("loaded", len(result.Loaded)),
		zap.Int("missing", len(result.Missing)))
	return result, nil
}
