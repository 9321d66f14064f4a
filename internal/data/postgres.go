package data

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/atlas-desktop/swing-backtester/internal/calendar"
	"github.com/atlas-desktop/swing-backtester/pkg/types"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq" // PostgreSQL driver
	"github.com/shopspring/decimal"
)

// PostgresConfig holds database connection settings
type PostgresConfig struct {
	DSN             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	QueryTimeout    time.Duration
	// Universe names the universes row used for membership snapshots
	Universe string
}

// DefaultPostgresConfig returns pool defaults
func DefaultPostgresConfig() PostgresConfig {
	return PostgresConfig{
		MaxOpenConns:    10,
		MaxIdleConns:    5,
		ConnMaxLifetime: 30 * time.Minute,
		QueryTimeout:    30 * time.Second,
		Universe:        "default",
	}
}

// OpenPostgres opens and pings a connection pool
func OpenPostgres(ctx context.Context, cfg PostgresConfig) (*sqlx.DB, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("database DSN is required")
	}
	db, err := sqlx.Open("postgres", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", errWrapUnavailable(err))
	}
	return db, nil
}

func errWrapUnavailable(err error) error {
	return fmt.Errorf("%w: %v", ErrDataUnavailable, err)
}

// PostgresRepository reads prices, universe membership, sectors and event
// schedules from the research database
type PostgresRepository struct {
	db       *sqlx.DB
	timeout  time.Duration
	universe string
}

// NewPostgresRepository wraps an open connection pool
func NewPostgresRepository(db *sqlx.DB, cfg PostgresConfig) *PostgresRepository {
	timeout := cfg.QueryTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &PostgresRepository{db: db, timeout: timeout, universe: cfg.Universe}
}

type priceRow struct {
	Date   time.Time       `db:"date"`
	Open   decimal.Decimal `db:"open"`
	High   decimal.Decimal `db:"high"`
	Low    decimal.Decimal `db:"low"`
	Close  decimal.Decimal `db:"close"`
	Volume decimal.Decimal `db:"volume"`
}

// GetDailyPrices implements DataFeed
func (r *PostgresRepository) GetDailyPrices(ctx context.Context, symbol string, start, end time.Time) ([]types.OHLCV, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	query := `
		SELECT p.date, p.open, p.high, p.low, p.close, p.volume
		FROM daily_prices p
		JOIN tickers t ON t.ticker_id = p.ticker_id
		WHERE t.symbol = $1 AND p.date >= $2 AND p.date <= $3
		ORDER BY p.date ASC`

	var rows []priceRow
	if err := r.db.SelectContext(ctx, &rows, query, symbol, start, end); err != nil {
		return nil, fmt.Errorf("failed to query prices for %s: %w", symbol, errWrapUnavailable(err))
	}
	if len(rows) == 0 {
		return nil, fmt.Errorf("no bars for %s in range: %w", symbol, ErrDataUnavailable)
	}

	bars := make([]types.OHLCV, len(rows))
	for i, row := range rows {
		bars[i] = types.OHLCV(row)
	}
	return bars, nil
}

// EligibleSymbols implements UniverseProvider using the latest membership
// snapshot dated on or before the requested day
func (r *PostgresRepository) EligibleSymbols(ctx context.Context, date time.Time) ([]string, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	var universeID int64
	err := r.db.QueryRowxContext(ctx, `
		SELECT universe_id
		FROM universes
		WHERE name = $1 AND as_of_date <= $2
		ORDER BY as_of_date DESC
		LIMIT 1`, r.universe, date).Scan(&universeID)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, fmt.Errorf("no universe %q on or before %s: %w",
				r.universe, date.Format("2006-01-02"), ErrDataUnavailable)
		}
		return nil, fmt.Errorf("failed to resolve universe: %w", errWrapUnavailable(err))
	}

	var symbols []string
	if err := r.db.SelectContext(ctx, &symbols, `
		SELECT t.symbol
		FROM universe_symbols us
		JOIN tickers t ON t.ticker_id = us.ticker_id
		WHERE us.universe_id = $1
		ORDER BY t.symbol ASC`, universeID); err != nil {
		return nil, fmt.Errorf("failed to list universe symbols: %w", errWrapUnavailable(err))
	}
	return symbols, nil
}

// Sectors returns the symbol to sector map for the given symbols
func (r *PostgresRepository) Sectors(ctx context.Context, symbols []string) (map[string]string, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	query, args, err := sqlx.In(`SELECT symbol, COALESCE(sector, '') AS sector FROM tickers WHERE symbol IN (?)`, symbols)
	if err != nil {
		return nil, fmt.Errorf("failed to build sector query: %w", err)
	}
	query = r.db.Rebind(query)

	var rows []struct {
		Symbol string `db:"symbol"`
		Sector string `db:"sector"`
	}
	if err := r.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("failed to query sectors: %w", errWrapUnavailable(err))
	}

	out := make(map[string]string, len(rows))
	for _, row := range rows {
		out[row.Symbol] = row.Sector
	}
	return out, nil
}

// LoadSchedule implements calendar.Source from earnings_schedule and dividend_schedule
func (r *PostgresRepository) LoadSchedule(ctx context.Context, start, end time.Time) (calendar.Schedule, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	var sched calendar.Schedule
	if err := r.db.SelectContext(ctx, &sched.Earnings, `
		SELECT t.symbol, e.earnings_date
		FROM earnings_schedule e
		JOIN tickers t ON t.ticker_id = e.ticker_id
		WHERE e.earnings_date >= $1 AND e.earnings_date <= $2
		ORDER BY e.earnings_date ASC, t.symbol ASC`, start, end); err != nil {
		return calendar.Schedule{}, fmt.Errorf("failed to load earnings schedule: %w", errWrapUnavailable(err))
	}
	if err := r.db.SelectContext(ctx, &sched.Dividends, `
		SELECT t.symbol, d.ex_dividend_date
		FROM dividend_schedule d
		JOIN tickers t ON t.ticker_id = d.ticker_id
		WHERE d.ex_dividend_date >= $1 AND d.ex_dividend_date <= $2
		ORDER BY d.ex_dividend_date ASC, t.symbol ASC`, start, end); err != nil {
		return calendar.Schedule{}, fmt.Errorf("failed to load dividend schedule: %w", errWrapUnavailable(err))
	}
	return sched, nil
}
