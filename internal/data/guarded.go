package data

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/atlas-desktop/swing-backtester/pkg/types"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// GuardConfig configures the circuit breaker and request rate toward a remote feed
type GuardConfig struct {
	Name                string
	RequestsPerSecond   float64
	Burst               int
	ConsecutiveFailures uint32
	OpenTimeout         time.Duration
}

// DefaultGuardConfig returns conservative limits for a remote price source
func DefaultGuardConfig(name string) GuardConfig {
	return GuardConfig{
		Name:                name,
		RequestsPerSecond:   20,
		Burst:               5,
		ConsecutiveFailures: 3,
		OpenTimeout:         60 * time.Second,
	}
}

// GuardedFeed rate-limits calls to a remote feed and trips a breaker on repeated
// failures. An open breaker surfaces as ErrDataUnavailable; retrying is left to the caller.
type GuardedFeed struct {
	next    DataFeed
	limiter *rate.Limiter
	breaker *gobreaker.CircuitBreaker
	logger  *zap.Logger
}

// NewGuardedFeed wraps a feed
func NewGuardedFeed(logger *zap.Logger, next DataFeed, cfg GuardConfig) *GuardedFeed {
	if logger == nil {
		logger = zap.NewNop()
	}

	st := gobreaker.Settings{
		Name:    cfg.Name,
		Timeout: cfg.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.ConsecutiveFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("Data feed breaker state changed",
				zap.String("feed", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()))
		},
	}

	return &GuardedFeed{
		next:    next,
		limiter: rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), cfg.Burst),
		breaker: gobreaker.NewCircuitBreaker(st),
		logger:  logger,
	}
}

type fetchResult struct {
	bars []types.OHLCV
	err  error
}

// GetDailyPrices implements DataFeed
func (g *GuardedFeed) GetDailyPrices(ctx context.Context, symbol string, start, end time.Time) ([]types.OHLCV, error) {
	if err := g.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	out, err := g.breaker.Execute(func() (interface{}, error) {
		bars, err := g.next.GetDailyPrices(ctx, symbol, start, end)
		// a symbol without data is an answer, not a source failure
		if err != nil && errors.Is(err, ErrDataUnavailable) {
			return fetchResult{err: err}, nil
		}
		if err != nil {
			return nil, err
		}
		return fetchResult{bars: bars}, nil
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return nil, fmt.Errorf("feed %s open: %w", g.breaker.Name(), ErrDataUnavailable)
		}
		return nil, fmt.Errorf("feed %s failed: %w", g.breaker.Name(), errors.Join(ErrDataUnavailable, err))
	}

	res := out.(fetchResult)
	return res.bars, res.err
}

// State returns the breaker state
func (g *GuardedFeed) State() gobreaker.State {
	return g.breaker.State()
}
