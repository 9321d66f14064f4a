// Package backtester provides the deterministic day-loop swing trading simulator.
package backtester

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/atlas-desktop/swing-backtester/internal/calendar"
	"github.com/atlas-desktop/swing-backtester/internal/config"
	"github.com/atlas-desktop/swing-backtester/internal/data"
	"github.com/atlas-desktop/swing-backtester/internal/regime"
	"github.com/atlas-desktop/swing-backtester/internal/screener"
	"github.com/atlas-desktop/swing-backtester/internal/sizing"
	"github.com/atlas-desktop/swing-backtester/internal/strategy"
	"github.com/atlas-desktop/swing-backtester/pkg/types"
	"github.com/atlas-desktop/swing-backtester/pkg/utils"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// State is the simulator's position in the daily state machine
type State string

const (
	StateAwaitingDay      State = "AWAITING_DAY"
	StateRegimeEvaluated  State = "REGIME_EVALUATED"
	StateEntriesEvaluated State = "ENTRIES_EVALUATED"
	StateFillsApplied     State = "FILLS_APPLIED"
	StateExitsResolved    State = "EXITS_RESOLVED"
	StateRecorded         State = "RECORDED"
	StateCompleted        State = "COMPLETED"
	StateAborted          State = "ABORTED"
)

// ErrNoTradingDays is returned when the index has no sessions in the requested range
var ErrNoTradingDays = errors.New("no trading days in range")

// strategyWindow is the history handed to strategy executors
const strategyWindow = 160

var lastSession = time.Date(9999, 12, 31, 0, 0, 0, 0, time.UTC)

// Inputs are the read-only collaborators of one run
type Inputs struct {
	History  *data.PriceHistory
	Universe data.UniverseProvider
	Sectors  data.SectorLookup     // optional
	Profiles data.ProfileProvider  // optional
	Calendar calendar.EventCalendar // optional
	// Schedule builds the calendar from the run's own parameters when Calendar is nil
	Schedule *calendar.Schedule
	// Regimes is an optional cache shared by runs with the same index and universe
	Regimes     *regime.Cache
	RegimeScope string
}

// Recorder receives run counters; telemetry implements it
type Recorder interface {
	TradeClosed(reason types.ExitReason)
	Skipped(stage, reason string)
}

// Options tune a run without affecting its outcome
type Options struct {
	OnDay    func(record *DayRecord, day, total int)
	Recorder Recorder
}

// Result is the complete, deterministic output of one run
type Result struct {
	ID                 string                   `json:"id"`
	ConfigVersion      string                   `json:"configVersion"`
	Start              time.Time                `json:"start"`
	End                time.Time                `json:"end"`
	State              State                    `json:"state"`
	InitialCapital     decimal.Decimal          `json:"initialCapital"`
	FinalEquity        decimal.Decimal          `json:"finalEquity"`
	Trades             []*types.Trade           `json:"trades"`
	EquityCurve        []types.EquityPoint      `json:"equityCurve"`
	Environment        []types.DailyEnvironment `json:"environment"`
	Evaluation         *types.Evaluation        `json:"evaluation"`
	RegimeStats        *regime.Statistics       `json:"regimeStats"`
	StrategyStats      []types.StrategyStats    `json:"strategyStats"`
	DisabledStrategies []string                 `json:"disabledStrategies"`
	SkipCounts         map[string]int           `json:"skipCounts"`
	Viability          *ViabilityReport         `json:"viability"`
	MonteCarlo         *MonteCarloReport        `json:"monteCarlo,omitempty"`
	Audit              []*DayRecord             `json:"audit"`
}

// Simulator replays the decision pipeline day by day over historical data.
// A Simulator runs once; batch units each own one.
type Simulator struct {
	logger *zap.Logger
	cfg    *types.RunConfig
	in     Inputs
	opts   Options

	classifier  *regime.Classifier
	screener    *screener.Screener
	registry    *strategy.Registry
	matcher     *strategy.Matcher
	tracker     *strategy.Tracker
	sizer       *sizing.PositionSizer
	risk        *RiskManager
	constraints *Constraints
	slippage    SlippageModel
	orders      *OrderManager
	portfolio   *Portfolio
	calendar    calendar.EventCalendar

	state       State
	entryIndex  map[string]int
	trades      []*types.Trade
	curve       []types.EquityPoint
	environment []types.DailyEnvironment
	audit       []*DayRecord
}

// NewSimulator creates a simulator for one run
func NewSimulator(logger *zap.Logger, cfg *types.RunConfig, in Inputs, opts Options) *Simulator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Simulator{
		logger: logger,
		cfg:    cfg,
		in:     in,
		opts:   opts,
		state:  StateAwaitingDay,
	}
}

// State returns the current state
func (s *Simulator) State() State {
	return s.state
}

// Registry exposes the strategy registry so callers can add variants before Run
func (s *Simulator) Registry() *strategy.Registry {
	if s.registry == nil {
		s.registry = strategy.NewRegistry(s.logger, s.cfg.Strategies)
	}
	return s.registry
}

// Run simulates every index session in [start, end]. A configuration error
// aborts before the first day; a cancelled context stops between days.
func (s *Simulator) Run(ctx context.Context, start, end time.Time) (*Result, error) {
	if err := config.Validate(s.cfg); err != nil {
		s.state = StateAborted
		return nil, err
	}
	if s.in.History == nil || s.in.Universe == nil {
		s.state = StateAborted
		return nil, fmt.Errorf("%w: price history and universe are required", config.ErrConfigurationInvalid)
	}

	days := s.in.History.TradingDays(s.cfg.IndexSymbol, start, end)
	if len(days) == 0 {
		s.state = StateAborted
		return nil, fmt.Errorf("%s from %s to %s: %w", s.cfg.IndexSymbol,
			start.Format("2006-01-02"), end.Format("2006-01-02"), ErrNoTradingDays)
	}

	s.init()

	s.logger.Info("Starting backtest",
		zap.String("version", s.cfg.Version),
		zap.Time("start", days[0]),
		zap.Time("end", days[len(days)-1]),
		zap.Int("days", len(days)))

	for i, day := range days {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if err := s.step(ctx, i, day); err != nil {
			return nil, fmt.Errorf("day %s: %w", day.Format("2006-01-02"), err)
		}
		if s.opts.OnDay != nil {
			s.opts.OnDay(s.audit[len(s.audit)-1], i+1, len(days))
		}
	}

	s.closeAll(len(days)-1, days[len(days)-1])
	s.state = StateCompleted

	result := s.result(start, end)

	s.logger.Info("Backtest completed",
		zap.String("id", result.ID),
		zap.Int("trades", len(result.Trades)),
		zap.String("finalEquity", result.FinalEquity.StringFixed(2)),
		zap.String("totalReturn", result.Evaluation.Metrics.TotalReturn.StringFixed(4)))

	return result, nil
}

func (s *Simulator) init() {
	s.classifier = regime.NewClassifier(s.logger, s.cfg.Regime)
	s.screener = screener.New(s.logger, s.cfg.Screener, data.NewQualityGate(s.logger, s.cfg.Quality))
	s.Registry()
	s.matcher = strategy.NewMatcher(s.logger, s.cfg.Matcher, s.registry)
	s.tracker = strategy.NewTracker(s.cfg.Stats)
	s.sizer = sizing.NewPositionSizer(s.logger, s.cfg.Sizing, s.cfg.Portfolio.MaxPositions)
	s.risk = NewRiskManager(s.logger, s.cfg.Risk)
	s.constraints = NewConstraints(s.cfg.Portfolio, s.in.Sectors, s.in.History)
	s.slippage = CreateSlippageModel(s.cfg.Slippage)
	s.orders = NewOrderManager(s.logger, s.slippage)
	s.portfolio = NewPortfolio(s.cfg.InitialCapital, s.cfg.Portfolio.MaxPositions, s.cfg.Portfolio.CommissionBps)
	if s.cfg.Calendar.Enabled {
		s.calendar = s.in.Calendar
		if s.calendar == nil && s.in.Schedule != nil {
			sessions := s.in.History.TradingDays(s.cfg.IndexSymbol, time.Time{}, lastSession)
			s.calendar = calendar.New(s.cfg.Calendar, *s.in.Schedule, sessions)
		}
	}

	s.entryIndex = make(map[string]int)
	s.trades = make([]*types.Trade, 0)
	s.curve = make([]types.EquityPoint, 0)
	s.environment = make([]types.DailyEnvironment, 0)
	s.audit = make([]*DayRecord, 0)
}

// step runs one day through the state machine
func (s *Simulator) step(ctx context.Context, i int, day time.Time) error {
	s.state = StateAwaitingDay
	rec := &DayRecord{Date: day}

	symbols, err := s.in.Universe.EligibleSymbols(ctx, day)
	if err != nil {
		return fmt.Errorf("failed to resolve universe: %w", err)
	}

	// 1. Regime from data through t-1
	reg, err := s.classify(day, symbols)
	env := regime.Environment(reg)
	env.Date = day
	s.environment = append(s.environment, env)
	if err != nil {
		reason := "classification_failed"
		if errors.Is(err, regime.ErrInsufficientData) {
			reason = "insufficient_data"
		}
		rec.skip("", StageRegime, reason, err.Error())
	} else {
		rec.Regime = reg.Type
		rec.RiskScore = reg.RiskScore
		rec.Tradeable = reg.Tradeable
	}
	s.state = StateRegimeEvaluated

	// 2. Entries from data through t-1 against the holdings carried into t
	switch {
	case reg == nil:
	case !reg.Tradeable:
		rec.skip("", StageRegime, "not_tradeable",
			fmt.Sprintf("%s risk %d", reg.Type, reg.RiskScore))
	default:
		s.evaluateEntries(day, reg, symbols, rec)
	}
	s.state = StateEntriesEvaluated

	// 3. Fills at day t's open, before anything trades intraday
	s.applyFills(i, day, reg, rec)
	s.state = StateFillsApplied

	// 4. Exits at day t's prices for positions carried overnight
	s.resolveExits(i, day, reg, rec)
	s.state = StateExitsResolved

	// 5. Record
	rec.Equity = s.portfolio.Snapshot(day)
	rec.State = StateRecorded
	s.curve = append(s.curve, rec.Equity)
	s.audit = append(s.audit, rec)
	s.state = StateRecorded

	if s.opts.Recorder != nil {
		for _, sk := range rec.Skips {
			s.opts.Recorder.Skipped(sk.Stage, sk.Reason)
		}
	}

	s.logger.Debug("Simulated day",
		zap.Time("date", day),
		zap.String("regime", string(rec.Regime)),
		zap.Int("exits", len(rec.Exits)),
		zap.Int("fills", len(rec.Fills)),
		zap.Int("skips", len(rec.Skips)),
		zap.String("equity", rec.Equity.Equity.StringFixed(2)))

	return nil
}

func (s *Simulator) classify(day time.Time, symbols []string) (*types.MarketRegime, error) {
	compute := func() (*types.MarketRegime, error) {
		in := regime.Input{
			Index:    s.in.History.Before(s.cfg.IndexSymbol, day),
			Universe: s.in.History.Universe(symbols, day, s.cfg.Regime.ADRMedium+1),
		}
		if s.cfg.SecondaryIndex != "" {
			in.Secondary = s.in.History.Before(s.cfg.SecondaryIndex, day)
		}
		return s.classifier.Classify(day, in)
	}
	if s.in.Regimes == nil {
		return compute()
	}
	scope := s.in.RegimeScope
	if scope == "" {
		scope = s.cfg.Version + "|" + s.cfg.IndexSymbol
	}
	return s.in.Regimes.GetOrCompute(scope, day, compute)
}

func (s *Simulator) resolveExits(i int, day time.Time, reg *types.MarketRegime, rec *DayRecord) {
	for _, pos := range s.portfolio.Positions() {
		if s.entryIndex[pos.Symbol] == i {
			continue // filled at today's open, already checked against today's bar
		}
		bar, ok := s.in.History.Bar(pos.Symbol, day)
		if !ok {
			rec.skip(pos.Symbol, StageExit, FillNoBar, "carried at last price")
			continue
		}
		exit := s.risk.Evaluate(pos, bar, ExitContext{
			Date:        day,
			HoldingDays: i - s.entryIndex[pos.Symbol],
			Regime:      reg,
			Calendar:    s.calendar,
		})
		if exit == nil {
			s.portfolio.UpdatePrice(pos.Symbol, bar.Close)
			continue
		}
		s.closePosition(i, day, pos, exit, reg, rec)
	}
}

func (s *Simulator) closePosition(i int, day time.Time, pos *types.Position, exit *Exit, reg *types.MarketRegime, rec *DayRecord) {
	price := exit.Price
	if exit.Slipped {
		var refVolume decimal.Decimal
		if prev, ok := s.in.History.LastBefore(pos.Symbol, day); ok {
			refVolume = prev.Volume
		}
		price = sellPrice(price, s.slippage.Rate(pos.Shares, refVolume))
	}

	trade, err := s.portfolio.Close(pos.Symbol, price, day, exit.Reason)
	if err != nil {
		s.logger.Error("Failed to close position", zap.String("symbol", pos.Symbol), zap.Error(err))
		return
	}
	trade.RawExitPrice = exit.Price
	trade.HoldingDays = i - s.entryIndex[pos.Symbol]
	if reg != nil {
		trade.ExitRegime = reg.Type
	}
	delete(s.entryIndex, pos.Symbol)

	s.trades = append(s.trades, trade)
	rec.Exits = append(rec.Exits, ExitRecord{
		Symbol: trade.Symbol,
		Reason: trade.ExitReason,
		Price:  trade.ExitPrice,
		PnL:    trade.PnL,
		Detail: exit.Detail,
	})
	if s.opts.Recorder != nil {
		s.opts.Recorder.TradeClosed(trade.ExitReason)
	}

	if s.tracker.Record(trade) {
		stats := s.tracker.Stats(trade.Strategy)
		rec.skip("", StageDegraded, trade.Strategy,
			fmt.Sprintf("win rate %.2f over recent trades", stats.WinRate))
		s.logger.Info("Strategy disabled",
			zap.String("strategy", trade.Strategy),
			zap.Time("date", day))
	}
}

// holdings returns open positions plus queued orders
func (s *Simulator) holdings() []Holding {
	positions := s.portfolio.Positions()
	out := make([]Holding, 0, len(positions))
	for _, p := range positions {
		out = append(out, Holding{Symbol: p.Symbol, Sector: p.Sector})
	}
	return append(out, s.orders.Holdings()...)
}

// capital is the equity recorded at the previous close
func (s *Simulator) capital() decimal.Decimal {
	if len(s.curve) == 0 {
		return s.cfg.InitialCapital
	}
	return s.curve[len(s.curve)-1].Equity
}

func (s *Simulator) evaluateEntries(day time.Time, reg *types.MarketRegime, symbols []string, rec *DayRecord) {
	holdings := s.holdings()
	if s.cfg.Portfolio.MaxPositions > 0 && len(holdings) >= s.cfg.Portfolio.MaxPositions {
		rec.skip("", StageConstraint, ConstraintMaxPositions, "no free slots")
		return
	}
	if !s.portfolio.GetCash().IsPositive() {
		rec.skip("", StageSizing, FillNoCash, "")
		return
	}

	eligible := make([]string, 0, len(symbols))
	for _, sym := range symbols {
		if sym == s.cfg.IndexSymbol || sym == s.cfg.SecondaryIndex || s.portfolio.Held(sym) {
			continue
		}
		eligible = append(eligible, sym)
	}

	var reference []time.Time
	for _, b := range s.in.History.Window(s.cfg.IndexSymbol, day, s.cfg.Quality.Lookback) {
		reference = append(reference, b.Date)
	}

	screened := s.screener.Screen(day, eligible, s.in.History, reference)
	rec.Candidates = len(screened.Candidates)
	for _, rej := range screened.Rejections {
		rec.skip(rej.Symbol, StageScreen, rej.Reason, rej.Detail)
	}

	capital := s.capital()
	for _, snap := range screened.Candidates {
		s.evaluateCandidate(day, reg, snap, capital, rec)
	}
}

func (s *Simulator) evaluateCandidate(day time.Time, reg *types.MarketRegime, snap *screener.Snapshot, capital decimal.Decimal, rec *DayRecord) {
	symbol := snap.Symbol

	if s.calendar != nil && !s.calendar.IsEntryAllowed(symbol, day) {
		rule := "blocked"
		if b, ok := s.calendar.(interface {
			EntryBlockedBy(string, time.Time) string
		}); ok {
			rule = b.EntryBlockedBy(symbol, day)
		}
		rec.skip(symbol, StageCalendar, rule, "")
		return
	}

	holdings := s.holdings()
	if reason, detail := s.constraints.Check(symbol, day, holdings); reason != "" {
		rec.skip(symbol, StageConstraint, reason, detail)
		return
	}

	var profile *types.StockProfile
	if s.in.Profiles != nil {
		profile = s.in.Profiles.Profile(symbol, day)
	}
	match, ok := s.matcher.Match(reg.Type, profile, snap, s.tracker.IsDisabled)
	if !ok {
		rec.skip(symbol, StageMatch, "no_match", describeScores(match))
		return
	}

	sig, err := s.registry.Execute(match.Strategy, &strategy.PriceContext{
		Symbol:   symbol,
		AsOf:     day,
		Bars:     s.in.History.Window(symbol, day, strategyWindow),
		Snapshot: snap,
		Regime:   reg,
	})
	if err != nil {
		rec.skip(symbol, StageStrategy, "computation_error", err.Error())
		return
	}
	if !sig.IsActionable() {
		reason := "hold"
		if sig.Type == types.SignalSell {
			reason = "sell"
		}
		rec.skip(symbol, StageStrategy, reason, match.Strategy+": "+sig.Reason)
		return
	}
	sig.Confidence = match.Confidence

	size := s.sizer.CalculateSize(&sizing.SizingRequest{
		Symbol:        symbol,
		Capital:       capital,
		Price:         sig.EntryPrice,
		Stats:         s.tracker.Stats(match.Strategy),
		Confidence:    match.Confidence,
		RiskScore:     reg.RiskScore,
		OpenPositions: len(holdings),
	})
	if size.Rejected {
		rec.skip(symbol, StageSizing, size.RejectReason, strings.Join(size.Adjustments, "; "))
		return
	}

	s.orders.Submit(&EntryOrder{
		ID:         day.Format("20060102") + ":" + symbol,
		Symbol:     symbol,
		Strategy:   match.Strategy,
		Sector:     s.constraints.Sector(symbol),
		Signal:     sig,
		Shares:     size.Shares,
		Confidence: match.Confidence,
		Regime:     reg.Type,
		RiskScore:  reg.RiskScore,
		Sizing:     size,
	})
	rec.Entries = append(rec.Entries, EntryRecord{
		Symbol:     symbol,
		Strategy:   match.Strategy,
		Confidence: match.Confidence,
		Ratio:      size.Ratio,
		RawKelly:   size.RawKelly,
		Shares:     size.Shares,
		Reference:  sig.EntryPrice,
		StopLoss:   sig.StopLoss,
		TakeProfit: sig.TakeProfit,
		Trail:      size.Adjustments,
	})
}

func (s *Simulator) applyFills(i int, day time.Time, reg *types.MarketRegime, rec *DayRecord) {
	opened, rejected := s.orders.CheckFills(day, s.in.History, s.portfolio)
	for _, o := range rejected {
		rec.skip(o.Symbol, StageFill, o.Reject, "")
	}

	for _, pos := range opened {
		s.entryIndex[pos.Symbol] = i
		rec.Fills = append(rec.Fills, FillRecord{Symbol: pos.Symbol, Price: pos.EntryPrice, Shares: pos.Shares})

		bar, _ := s.in.History.Bar(pos.Symbol, day)
		if exit := s.risk.EvaluateEntryDay(pos, bar); exit != nil {
			s.closePosition(i, day, pos, exit, reg, rec)
			continue
		}
		s.portfolio.UpdatePrice(pos.Symbol, bar.Close)
	}
}

// closeAll closes what is still open at the last mark so the trade log is complete
func (s *Simulator) closeAll(i int, day time.Time) {
	positions := s.portfolio.Positions()
	if len(positions) == 0 {
		return
	}
	rec := s.audit[len(s.audit)-1]
	var reg *types.MarketRegime
	for _, pos := range positions {
		s.closePosition(i, day, pos, &Exit{Reason: types.ExitEndOfData, Price: pos.LastPrice}, reg, rec)
	}
	rec.Equity = s.portfolio.Snapshot(day)
	s.curve[len(s.curve)-1] = rec.Equity
}

func (s *Simulator) result(start, end time.Time) *Result {
	evaluator := NewEvaluator(s.cfg.Evaluation, s.cfg.Portfolio.MaxPositions)
	evaluation := evaluator.Evaluate(s.trades, s.curve, s.cfg.InitialCapital)

	final := s.cfg.InitialCapital
	if len(s.curve) > 0 {
		final = s.curve[len(s.curve)-1].Equity
	}

	id := utils.DeterministicID(s.cfg.Version, s.cfg.IndexSymbol,
		start.Format("2006-01-02"), end.Format("2006-01-02"), s.in.RegimeScope)

	return &Result{
		ID:                 id,
		ConfigVersion:      s.cfg.Version,
		Start:              start,
		End:                end,
		State:              s.state,
		InitialCapital:     s.cfg.InitialCapital,
		FinalEquity:        final,
		Trades:             s.trades,
		EquityCurve:        s.curve,
		Environment:        s.environment,
		Evaluation:         evaluation,
		RegimeStats:        regime.Stats(s.environment, s.cfg.Regime.MaxTradeableRisk),
		StrategyStats:      s.tracker.Snapshot(),
		DisabledStrategies: s.tracker.Disabled(),
		SkipCounts:         SkipCounts(s.audit),
		Viability:          NewViabilityChecker(nil).Check(evaluation.Metrics, s.tracker.Disabled()),
		MonteCarlo:         NewMonteCarloSimulator(s.cfg.Evaluation.MonteCarlo, id).Run(s.trades, s.cfg.InitialCapital),
		Audit:              s.audit,
	}
}

func describeScores(m *strategy.Match) string {
	if m == nil || len(m.Scores) == 0 {
		return "no strategy for regime"
	}
	parts := make([]string, 0, len(m.Scores))
	for _, sc := range m.Scores {
		if sc.Excluded {
			parts = append(parts, sc.Strategy+"=disabled")
			continue
		}
		parts = append(parts, fmt.Sprintf("%s=%.3f", sc.Strategy, sc.Score))
	}
	return strings.Join(parts, " ")
}
