package data

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/atlas-desktop/swing-backtester/pkg/types"
	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"
)

// RedisConfig configures the read-through price cache
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	TTL      time.Duration
	Prefix   string
}

// NewRedisClient creates a client and verifies the connection
func NewRedisClient(ctx context.Context, cfg RedisConfig) (*redis.Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     10,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		return nil, fmt.Errorf("redis connection failed: %w", err)
	}
	return rdb, nil
}

// CachedFeed serves daily bars from Redis and falls back to the wrapped feed on a miss.
// Cache failures are logged and never fail the request.
type CachedFeed struct {
	next   DataFeed
	client *redis.Client
	ttl    time.Duration
	prefix string
	logger *zap.Logger
}

// NewCachedFeed wraps a feed with a Redis cache
func NewCachedFeed(logger *zap.Logger, next DataFeed, client *redis.Client, cfg RedisConfig) *CachedFeed {
	if logger == nil {
		logger = zap.NewNop()
	}
	prefix := cfg.Prefix
	if prefix == "" {
		prefix = "swing:bars:"
	}
	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &CachedFeed{next: next, client: client, ttl: ttl, prefix: prefix, logger: logger}
}

// Key returns the cache key for a request
func (c *CachedFeed) Key(symbol string, start, end time.Time) string {
	return fmt.Sprintf("%s%s:%s:%s", c.prefix, symbol, start.Format("20060102"), end.Format("20060102"))
}

// GetDailyPrices implements DataFeed
func (c *CachedFeed) GetDailyPrices(ctx context.Context, symbol string, start, end time.Time) ([]types.OHLCV, error) {
	key := c.Key(symbol, start, end)

	val, err := c.client.Get(ctx, key).Result()
	switch {
	case err == nil:
		var bars []types.OHLCV
		if jerr := json.Unmarshal([]byte(val), &bars); jerr == nil {
			return bars, nil
		}
		c.logger.Warn("Discarding corrupt cache entry", zap.String("key", key))
	case err != redis.Nil:
		c.logger.Warn("Redis get failed", zap.String("key", key), zap.Error(err))
	}

	bars, err := c.next.GetDailyPrices(ctx, symbol, start, end)
	if err != nil {
		return nil, err
	}

	raw, err := json.Marshal(bars)
	if err != nil {
		return bars, nil
	}
	if err := c.client.Set(ctx, key, raw, c.ttl).Err(); err != nil {
		c.logger.Warn("Redis set failed", zap.String("key", key), zap.Error(err))
	}
	return bars, nil
}
