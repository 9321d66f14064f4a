package data_test

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/atlas-desktop/swing-backtester/internal/data"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestStoreSaveAndLoad(t *testing.T) {
	dir := t.TempDir()
	store, err := data.NewStore(zap.NewNop(), dir)
	require.NoError(t, err)

	bars := weekdayBars(jan1, 20, 100)
	require.NoError(t, store.SaveDaily("AAA", bars))
	assert.FileExists(t, filepath.Join(dir, "AAA.csv"))

	got, err := store.GetDailyPrices(context.Background(), "AAA", bars[5].Date, bars[9].Date)
	require.NoError(t, err)
	require.Len(t, got, 5)
	assert.True(t, got[0].Close.Equal(bars[5].Close))

	cov, err := store.Coverage("AAA")
	require.NoError(t, err)
	assert.True(t, cov.First.Equal(bars[0].Date))
	assert.True(t, cov.Last.Equal(bars[19].Date))
	assert.Equal(t, 20, cov.Bars)
}

func TestStoreReloadsFromDisk(t *testing.T) {
	dir := t.TempDir()
	store, err := data.NewStore(zap.NewNop(), dir)
	require.NoError(t, err)
	bars := weekdayBars(jan1, 10, 100)
	require.NoError(t, store.SaveDaily("BBB", bars))

	reopened, err := data.NewStore(zap.NewNop(), dir)
	require.NoError(t, err)
	assert.Equal(t, []string{"BBB"}, reopened.Symbols())
	assert.Equal(t, 0, reopened.Loaded())

	got, err := reopened.GetDailyPrices(context.Background(), "BBB", bars[0].Date, bars[9].Date)
	require.NoError(t, err)
	require.Len(t, got, 10)
	assert.True(t, got[9].Volume.Equal(bars[9].Volume))
	assert.Equal(t, 1, reopened.Loaded())

	reopened.Evict()
	assert.Equal(t, 0, reopened.Loaded())
}

func TestStoreReadsJSONFallback(t *testing.T) {
	dir := t.TempDir()
	doc := `[
  {"date": "2024-01-03T00:00:00Z", "open": "11", "high": "12", "low": "10", "close": "11.5", "volume": "900"},
  {"date": "2024-01-02T00:00:00Z", "open": "10", "high": "11", "low": "9", "close": "10.5", "volume": "800"}
]`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "CCC.json"), []byte(doc), 0o644))

	store, err := data.NewStore(zap.NewNop(), dir)
	require.NoError(t, err)
	got, err := store.GetDailyPrices(context.Background(), "CCC", jan1, jan1.AddDate(0, 0, 7))
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "10.5", got[0].Close.String())
}

func TestStoreRejectsMalformedCSV(t *testing.T) {
	dir := t.TempDir()
	csv := "date,open,high,low,close,volume\n2024-01-02,10,11,9,ten,800\n"
	require.NoError(t, os.WriteFile(filepath.Join(dir, "BAD.csv"), []byte(csv), 0o644))

	store, err := data.NewStore(zap.NewNop(), dir)
	require.NoError(t, err)
	_, err = store.GetDailyPrices(context.Background(), "BAD", jan1, jan1.AddDate(0, 0, 7))
	require.Error(t, err)
	assert.NotErrorIs(t, err, data.ErrDataUnavailable)
	assert.Contains(t, err.Error(), "close")
}

func TestStoreConcurrentFirstReads(t *testing.T) {
	dir := t.TempDir()
	seed, err := data.NewStore(zap.NewNop(), dir)
	require.NoError(t, err)
	require.NoError(t, seed.SaveDaily("AAA", weekdayBars(jan1, 30, 50)))

	store, err := data.NewStore(zap.NewNop(), dir)
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			bars, err := store.GetDailyPrices(context.Background(), "AAA", jan1, jan1.AddDate(1, 0, 0))
			assert.NoError(t, err)
			assert.Len(t, bars, 30)
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, store.Loaded())
}

func TestStoreMissingSymbolIsUnavailable(t *testing.T) {
	store, err := data.NewStore(zap.NewNop(), t.TempDir())
	require.NoError(t, err)

	_, err = store.GetDailyPrices(context.Background(), "NONE", jan1, jan1.AddDate(0, 1, 0))
	assert.ErrorIs(t, err, data.ErrDataUnavailable)

	_, err = store.Coverage("NONE")
	assert.ErrorIs(t, err, data.ErrDataUnavailable)
}

func TestStoreOutOfRangeIsUnavailable(t *testing.T) {
	store, err := data.NewStore(zap.NewNop(), t.TempDir())
	require.NoError(t, err)
	require.NoError(t, store.SaveDaily("AAA", weekdayBars(jan1, 5, 100)))

	_, err = store.GetDailyPrices(context.Background(), "AAA", jan1.AddDate(1, 0, 0), jan1.AddDate(2, 0, 0))
	assert.ErrorIs(t, err, data.ErrDataUnavailable)
}
