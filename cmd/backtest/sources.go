package main

import (
	"context"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/atlas-desktop/swing-backtester/internal/backtester"
	"github.com/atlas-desktop/swing-backtester/internal/calendar"
	"github.com/atlas-desktop/swing-backtester/internal/data"
	"github.com/atlas-desktop/swing-backtester/internal/regime"
	"github.com/atlas-desktop/swing-backtester/pkg/types"
	"github.com/atlas-desktop/swing-backtester/pkg/utils"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

const dateLayout = "2006-01-02"

// sourceFlags select where bars, membership and event schedules come from.
// Infrastructure settings fall back to SWING_* environment variables.
type sourceFlags struct {
	dataDir       string
	dsn           string
	dbUniverse    string
	redisAddr     string
	redisPassword string
	redisTTL      time.Duration
	universeFile  string
	symbols       string
	eventsFile    string
	prefetch      int
}

func (f *sourceFlags) register(cmd *cobra.Command) {
	flags := cmd.Flags()
	flags.StringVar(&f.dataDir, "data", "./data", "Directory of per-symbol CSV or JSON daily bars, used when no database is configured")
	flags.StringVar(&f.dsn, "dsn", "", "PostgreSQL DSN; defaults to SWING_DATABASE_DSN")
	flags.StringVar(&f.dbUniverse, "db-universe", "", "Universe name in the database; defaults to SWING_DATABASE_UNIVERSE")
	flags.StringVar(&f.redisAddr, "redis", "", "Redis address for the price cache; defaults to SWING_REDIS_ADDR")
	flags.DurationVar(&f.redisTTL, "redis-ttl", 24*time.Hour, "Price cache entry lifetime")
	flags.StringVar(&f.universeFile, "universe", "", "YAML universe membership and profiles")
	flags.StringVar(&f.symbols, "symbols", "", "Comma separated static universe; overrides other universe sources")
	flags.StringVar(&f.eventsFile, "events", "", "YAML earnings and dividend schedule")
	flags.IntVar(&f.prefetch, "prefetch", 8, "Parallel symbol loads before the run")
}

func (f *sourceFlags) resolveEnv() {
	if f.dsn == "" {
		f.dsn = os.Getenv("SWING_DATABASE_DSN")
	}
	if f.dbUniverse == "" {
		f.dbUniverse = os.Getenv("SWING_DATABASE_UNIVERSE")
	}
	if f.redisAddr == "" {
		f.redisAddr = os.Getenv("SWING_REDIS_ADDR")
	}
	if f.redisPassword == "" {
		f.redisPassword = os.Getenv("SWING_REDIS_PASSWORD")
	}
}

// environment is everything a run reads, loaded up front
type environment struct {
	Inputs  backtester.Inputs
	Symbols []string
	Missing []string
	closers []func() error
}

func (e *environment) Close() {
	for i := len(e.closers) - 1; i >= 0; i-- {
		if err := e.closers[i](); err != nil {
			logger.Warn("Failed to close data source", zap.Error(err))
		}
	}
}

// loadEnvironment opens the configured sources and prefetches every symbol
// the runs can touch in [start, end], plus warmup history before start
func loadEnvironment(ctx context.Context, f *sourceFlags, start, end time.Time, cfgs []*types.RunConfig) (*environment, error) {
	f.resolveEnv()
	env := &environment{}

	var (
		feed     data.DataFeed
		repo     *data.PostgresRepository
		universe data.UniverseProvider
		profiles data.ProfileProvider
		sectors  map[string]string
		symbols  []string
	)

	if f.dsn != "" {
		pgCfg := data.DefaultPostgresConfig()
		pgCfg.DSN = f.dsn
		if f.dbUniverse != "" {
			pgCfg.Universe = f.dbUniverse
		}
		db, err := data.OpenPostgres(ctx, pgCfg)
		if err != nil {
			return nil, err
		}
		env.closers = append(env.closers, db.Close)
		repo = data.NewPostgresRepository(db, pgCfg)
		feed = data.NewGuardedFeed(logger, repo, data.DefaultGuardConfig("postgres"))
		universe = repo
		logger.Info("Using database price source", zap.String("universe", pgCfg.Universe))
	} else {
		store, err := data.NewStore(logger, f.dataDir)
		if err != nil {
			return nil, fmt.Errorf("failed to open data directory: %w", err)
		}
		feed = store
		symbols = store.Symbols()
		logger.Info("Using file price source", zap.String("dir", f.dataDir), zap.Int("symbols", len(symbols)))
	}

	if f.redisAddr != "" {
		redisCfg := data.RedisConfig{Addr: f.redisAddr, Password: f.redisPassword, TTL: f.redisTTL, Prefix: "swing:bars"}
		client, err := data.NewRedisClient(ctx, redisCfg)
		if err != nil {
			return nil, err
		}
		env.closers = append(env.closers, client.Close)
		feed = data.NewCachedFeed(logger, feed, client, redisCfg)
	}

	switch {
	case f.symbols != "":
		symbols = splitSymbols(f.symbols)
		universe = data.NewStaticUniverse(symbols, nil)
	case f.universeFile != "":
		hu, err := data.LoadUniverseYAML(f.universeFile)
		if err != nil {
			return nil, err
		}
		universe, profiles = hu, hu
		symbols = hu.AllSymbols()
		sectors = make(map[string]string, len(symbols))
		for _, s := range symbols {
			sectors[s] = hu.Sector(s)
		}
	case repo != nil:
		var err error
		if symbols, err = membersBetween(ctx, repo, start, end); err != nil {
			return nil, err
		}
		if sectors, err = repo.Sectors(ctx, symbols); err != nil {
			return nil, err
		}
	default:
		universe = data.NewStaticUniverse(symbols, nil)
	}
	if len(symbols) == 0 {
		return nil, fmt.Errorf("no symbols to simulate: %w", data.ErrDataUnavailable)
	}

	load := append([]string(nil), symbols...)
	warmup := 0
	for _, cfg := range cfgs {
		load = append(load, cfg.IndexSymbol)
		if cfg.SecondaryIndex != "" {
			load = append(load, cfg.SecondaryIndex)
		}
		if cfg.WarmupDays > warmup {
			warmup = cfg.WarmupDays
		}
	}
	load = dedupe(load)

	// trading days to calendar days, with room for holidays
	from := start.AddDate(0, 0, -(warmup*7/5 + 14))
	prefetched, err := data.Prefetch(ctx, logger, feed, load, from, end, f.prefetch)
	if err != nil {
		return nil, err
	}
	if len(prefetched.Missing) > 0 {
		logger.Warn("Symbols without data were left out",
			zap.Int("count", len(prefetched.Missing)),
			zap.Strings("symbols", prefetched.Missing))
	}

	in := backtester.Inputs{
		History:  prefetched.History,
		Universe: universe,
		Sectors:  data.NewStaticUniverse(symbols, sectors),
		Regimes:  regime.NewCache(),
	}
	if profiles != nil {
		in.Profiles = profiles
	}

	var source calendar.Source
	switch {
	case f.eventsFile != "":
		source = calendar.NewYAMLSource(f.eventsFile)
	case repo != nil:
		source = repo
	}
	if source != nil {
		sched, err := source.LoadSchedule(ctx, start, end)
		if err != nil {
			return nil, err
		}
		in.Schedule = &sched
		logger.Info("Loaded event schedule",
			zap.Int("earnings", len(sched.Earnings)),
			zap.Int("dividends", len(sched.Dividends)))
	}

	env.Inputs = in
	env.Symbols = symbols
	env.Missing = prefetched.Missing
	return env, nil
}

// membersBetween collects monthly membership snapshots so names that joined
// or left during the range are loaded too
func membersBetween(ctx context.Context, u data.UniverseProvider, start, end time.Time) ([]string, error) {
	var all []string
	for d := start; !d.After(end); d = d.AddDate(0, 1, 0) {
		members, err := u.EligibleSymbols(ctx, d)
		if err != nil {
			return nil, err
		}
		all = append(all, members...)
	}
	members, err := u.EligibleSymbols(ctx, end)
	if err != nil {
		return nil, err
	}
	return dedupe(append(all, members...)), nil
}

func splitSymbols(raw string) []string {
	var out []string
	for _, s := range strings.Split(raw, ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, utils.FormatSymbol(s))
		}
	}
	return dedupe(out)
}

func dedupe(symbols []string) []string {
	seen := make(map[string]bool, len(symbols))
	out := make([]string, 0, len(symbols))
	for _, s := range symbols {
		if s == "" || seen[s] {
			continue
		}
		seen[s] = true
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

func parseRange(start, end string) (time.Time, time.Time, error) {
	from, err := time.Parse(dateLayout, start)
	if err != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("invalid --start %q: %w", start, err)
	}
	to, err := time.Parse(dateLayout, end)
	if err != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("invalid --end %q: %w", end, err)
	}
	if to.Before(from) {
		return time.Time{}, time.Time{}, fmt.Errorf("--end %s is before --start %s", end, start)
	}
	return from, to, nil
}
