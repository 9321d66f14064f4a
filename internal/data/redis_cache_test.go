package data_test

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/atlas-desktop/swing-backtester/internal/data"
	"github.com/atlas-desktop/swing-backtester/pkg/types"
	"github.com/go-redis/redismock/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// countingFeed records how often it is asked for prices
type countingFeed struct {
	calls int
	bars  []types.OHLCV
	err   error
}

func (f *countingFeed) GetDailyPrices(ctx context.Context, symbol string, start, end time.Time) ([]types.OHLCV, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return f.bars, nil
}

func TestCachedFeedMissFillsCache(t *testing.T) {
	client, mock := redismock.NewClientMock()
	bars := weekdayBars(jan1, 3, 100)
	next := &countingFeed{bars: bars}
	feed := data.NewCachedFeed(zap.NewNop(), next, client, data.RedisConfig{TTL: time.Hour})

	start, end := bars[0].Date, bars[2].Date
	key := feed.Key("AAA", start, end)
	assert.Equal(t, "swing:bars:AAA:20240101:20240103", key)

	raw, err := json.Marshal(bars)
	require.NoError(t, err)
	mock.ExpectGet(key).RedisNil()
	mock.ExpectSet(key, raw, time.Hour).SetVal("OK")

	got, err := feed.GetDailyPrices(context.Background(), "AAA", start, end)
	require.NoError(t, err)
	assert.Len(t, got, 3)
	assert.Equal(t, 1, next.calls)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCachedFeedHitSkipsSource(t *testing.T) {
	client, mock := redismock.NewClientMock()
	bars := weekdayBars(jan1, 2, 100)
	next := &countingFeed{err: errors.New("should not be called")}
	feed := data.NewCachedFeed(zap.NewNop(), next, client, data.RedisConfig{})

	raw, err := json.Marshal(bars)
	require.NoError(t, err)
	key := feed.Key("AAA", bars[0].Date, bars[1].Date)
	mock.ExpectGet(key).SetVal(string(raw))

	got, err := feed.GetDailyPrices(context.Background(), "AAA", bars[0].Date, bars[1].Date)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.True(t, got[1].Close.Equal(bars[1].Close))
	assert.Zero(t, next.calls)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCachedFeedRedisErrorFallsThrough(t *testing.T) {
	client, mock := redismock.NewClientMock()
	bars := weekdayBars(jan1, 2, 100)
	next := &countingFeed{bars: bars}
	feed := data.NewCachedFeed(zap.NewNop(), next, client, data.RedisConfig{Prefix: "t:", TTL: time.Minute})

	key := feed.Key("AAA", bars[0].Date, bars[1].Date)
	raw, err := json.Marshal(bars)
	require.NoError(t, err)
	mock.ExpectGet(key).SetErr(errors.New("connection reset"))
	mock.ExpectSet(key, raw, time.Minute).SetErr(errors.New("connection reset"))

	got, err := feed.GetDailyPrices(context.Background(), "AAA", bars[0].Date, bars[1].Date)
	require.NoError(t, err)
	assert.Len(t, got, 2)
	assert.Equal(t, 1, next.calls)
}

func TestCachedFeedPropagatesUnavailable(t *testing.T) {
	client, mock := redismock.NewClientMock()
	next := &countingFeed{err: data.ErrDataUnavailable}
	feed := data.NewCachedFeed(zap.NewNop(), next, client, data.RedisConfig{})

	key := feed.Key("ZZZ", jan1, jan1)
	mock.ExpectGet(key).RedisNil()

	_, err := feed.GetDailyPrices(context.Background(), "ZZZ", jan1, jan1)
	assert.ErrorIs(t, err, data.ErrDataUnavailable)
	assert.NoError(t, mock.ExpectationsWereMet())
}
