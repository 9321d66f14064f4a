package regime

import (
	"sync"
	"time"

	"github.com/atlas-desktop/swing-backtester/pkg/types"
)

// Cache memoises classifications by scope and as-of date. Units that share the
// same index history and universe reuse one snapshot per day.
type Cache struct {
	mu      sync.RWMutex
	entries map[cacheKey]cacheEntry
}

type cacheKey struct {
	scope string
	date  string
}

type cacheEntry struct {
	regime *types.MarketRegime
	err    error
}

// NewCache creates an empty regime cache
func NewCache() *Cache {
	return &Cache{entries: make(map[cacheKey]cacheEntry)}
}

// GetOrCompute returns the cached result for (scope, asOf) or computes and stores it.
// Errors are cached too, so a day with insufficient data is not re-evaluated.
func (c *Cache) GetOrCompute(scope string, asOf time.Time, compute func() (*types.MarketRegime, error)) (*types.MarketRegime, error) {
	key := cacheKey{scope: scope, date: asOf.Format("2006-01-02")}

	c.mu.RLock()
	entry, ok := c.entries[key]
	c.mu.RUnlock()
	if ok {
		return entry.regime, entry.err
	}

	regime, err := compute()

	c.mu.Lock()
	c.entries[key] = cacheEntry{regime: regime, err: err}
	c.mu.Unlock()

	return regime, err
}

// Len returns the number of cached days
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}
