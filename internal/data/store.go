package data

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/atlas-desktop/swing-backtester/pkg/types"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
	"gopkg.in/yaml.v3"
)

const manifestFile = "manifest.yaml"

var csvHeader = []string{"date", "open", "high", "low", "close", "volume"}

// Coverage describes what a symbol file holds
type Coverage struct {
	First time.Time `yaml:"first"`
	Last  time.Time `yaml:"last"`
	Bars  int       `yaml:"bars"`
}

// Store is a DataFeed over a directory of per-symbol daily bar files.
// SYMBOL.csv is preferred; SYMBOL.json (an array of bars) is read when no
// CSV exists. manifest.yaml records coverage so symbols can be listed
// without opening every file.
type Store struct {
	logger *zap.Logger
	dir    string
	loads  singleflight.Group

	mu       sync.RWMutex
	series   map[string][]types.OHLCV
	manifest map[string]Coverage
}

// NewStore opens dir, creating it when missing
func NewStore(logger *zap.Logger, dir string) (*Store, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	s := &Store{
		logger:   logger.Named("store"),
		dir:      dir,
		series:   make(map[string][]types.OHLCV),
		manifest: make(map[string]Coverage),
	}
	if err := s.readManifest(); err != nil {
		s.logger.Warn("Ignoring unreadable manifest", zap.Error(err))
	}
	return s, nil
}

// GetDailyPrices returns the bars in [start, end]. Each symbol file is read
// once; concurrent first reads share a single load.
func (s *Store) GetDailyPrices(ctx context.Context, symbol string, start, end time.Time) ([]types.OHLCV, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	bars, err := s.load(symbol)
	if err != nil {
		return nil, err
	}
	window := filterByDateRange(bars, start, end)
	if len(window) == 0 {
		return nil, fmt.Errorf("%s has no bars between %s and %s: %w",
			symbol, start.Format("2006-01-02"), end.Format("2006-01-02"), ErrDataUnavailable)
	}
	return window, nil
}

func (s *Store) load(symbol string) ([]types.OHLCV, error) {
	s.mu.RLock()
	bars, ok := s.series[symbol]
	s.mu.RUnlock()
	if ok {
		return bars, nil
	}

	v, err, _ := s.loads.Do(symbol, func() (interface{}, error) {
		bars, err := s.readSymbol(symbol)
		if err != nil {
			return nil, err
		}
		s.mu.Lock()
		s.series[symbol] = bars
		s.mu.Unlock()
		return bars, nil
	})
	if err != nil {
		return nil, err
	}
	return v.([]types.OHLCV), nil
}

func (s *Store) readSymbol(symbol string) ([]types.OHLCV, error) {
	var (
		bars []types.OHLCV
		err  error
	)
	f, err := os.Open(filepath.Join(s.dir, symbol+".csv"))
	switch {
	case err == nil:
		defer f.Close()
		bars, err = decodeCSV(f)
	case errors.Is(err, fs.ErrNotExist):
		var raw []byte
		raw, err = os.ReadFile(filepath.Join(s.dir, symbol+".json"))
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("no file for %s: %w", symbol, ErrDataUnavailable)
		}
		if err == nil {
			err = json.Unmarshal(raw, &bars)
		}
	}
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", symbol, err)
	}
	sortBars(bars)
	s.logger.Debug("Loaded symbol", zap.String("symbol", symbol), zap.Int("bars", len(bars)))
	return bars, nil
}

// SaveDaily writes bars as SYMBOL.csv, replacing what was stored, and
// records the coverage in the manifest
func (s *Store) SaveDaily(symbol string, bars []types.OHLCV) error {
	sorted := append([]types.OHLCV(nil), bars...)
	sortBars(sorted)

	path := filepath.Join(s.dir, symbol+".csv")
	tmp := path + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("save %s: %w", symbol, err)
	}
	if err := encodeCSV(f, sorted); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("save %s: %w", symbol, err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("save %s: %w", symbol, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("save %s: %w", symbol, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.series[symbol] = sorted
	if len(sorted) == 0 {
		delete(s.manifest, symbol)
	} else {
		s.manifest[symbol] = Coverage{
			First: sorted[0].Date,
			Last:  sorted[len(sorted)-1].Date,
			Bars:  len(sorted),
		}
	}
	return s.writeManifest()
}

// Symbols lists the manifest's symbols in ascending order
func (s *Store) Symbols() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.manifest))
	for sym := range s.manifest {
		out = append(out, sym)
	}
	sort.Strings(out)
	return out
}

// Coverage returns the manifest entry for symbol
func (s *Store) Coverage(symbol string) (Coverage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.manifest[symbol]
	if !ok {
		return Coverage{}, fmt.Errorf("%s not in manifest: %w", symbol, ErrDataUnavailable)
	}
	return c, nil
}

// Loaded returns how many symbols are held in memory
func (s *Store) Loaded() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.series)
}

// Evict drops the in-memory copies; files are read again on next use
func (s *Store) Evict() {
	s.mu.Lock()
	s.series = make(map[string][]types.OHLCV)
	s.mu.Unlock()
}

func (s *Store) readManifest() error {
	raw, err := os.ReadFile(filepath.Join(s.dir, manifestFile))
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}
	m := make(map[string]Coverage)
	if err := yaml.Unmarshal(raw, &m); err != nil {
		return err
	}
	s.manifest = m
	return nil
}

// writeManifest expects s.mu held
func (s *Store) writeManifest() error {
	raw, err := yaml.Marshal(s.manifest)
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(s.dir, manifestFile), raw, 0o644)
}

func sortBars(bars []types.OHLCV) {
	sort.SliceStable(bars, func(i, j int) bool { return bars[i].Date.Before(bars[j].Date) })
}

func encodeCSV(w io.Writer, bars []types.OHLCV) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(csvHeader); err != nil {
		return err
	}
	for _, b := range bars {
		row := []string{
			b.Date.Format("2006-01-02"),
			b.Open.String(), b.High.String(), b.Low.String(), b.Close.String(),
			b.Volume.String(),
		}
		if err := cw.Write(row); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

func decodeCSV(r io.Reader) ([]types.OHLCV, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = len(csvHeader)
	cr.ReuseRecord = true

	var bars []types.OHLCV
	for line := 1; ; line++ {
		rec, err := cr.Read()
		if err == io.EOF {
			return bars, nil
		}
		if err != nil {
			return nil, err
		}
		if line == 1 && strings.EqualFold(rec[0], csvHeader[0]) {
			continue
		}
		bar, err := parseRow(rec)
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		bars = append(bars, bar)
	}
}

func parseRow(rec []string) (types.OHLCV, error) {
	date, err := time.Parse("2006-01-02", strings.TrimSpace(rec[0]))
	if err != nil {
		return types.OHLCV{}, err
	}
	var nums [5]decimal.Decimal
	for i := range nums {
		if nums[i], err = decimal.NewFromString(strings.TrimSpace(rec[i+1])); err != nil {
			return types.OHLCV{}, fmt.Errorf("%s: %w", csvHeader[i+1], err)
		}
	}
	return types.OHLCV{
		Date:   date,
		Open:   nums[0],
		High:   nums[1],
		Low:    nums[2],
		Close:  nums[3],
		Volume: nums[4],
	}, nil
}
