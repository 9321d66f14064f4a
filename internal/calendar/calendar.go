// Package calendar vetoes entries and forces exits around corporate events.
// Earnings and ex-dividend dates block new entries, earnings also force exits
// the session before the announcement, and SQ settlement Fridays are flagged.
package calendar

import (
	"sort"
	"time"

	"github.com/atlas-desktop/swing-backtester/pkg/types"
	"github.com/atlas-desktop/swing-backtester/pkg/utils"
)

// EventCalendar is consulted by the simulator for entry vetoes and forced exits
type EventCalendar interface {
	IsEntryAllowed(symbol string, date time.Time) bool
	IsExitRequired(symbol string, date time.Time) bool
}

// HoldingAware calendars can waive a forced exit for a position that is far enough in profit
type HoldingAware interface {
	IsExitRequiredFor(symbol string, date time.Time, unrealizedPct float64) bool
}

// Rule is one event family
type Rule interface {
	Name() string
	EntryAllowed(symbol string, date time.Time) bool
	ExitRequired(symbol string, date time.Time, unrealizedPct float64) bool
}

// EarningsEvent is a scheduled earnings announcement
type EarningsEvent struct {
	Symbol string    `json:"symbol" db:"symbol"`
	Date   time.Time `json:"date" db:"earnings_date"`
}

// DividendEvent is a scheduled ex-dividend date
type DividendEvent struct {
	Symbol string    `json:"symbol" db:"symbol"`
	ExDate time.Time `json:"exDate" db:"ex_dividend_date"`
}

// Schedule holds every known event
type Schedule struct {
	Earnings  []EarningsEvent `json:"earnings"`
	Dividends []DividendEvent `json:"dividends"`
}

// TradingDays answers trading-day arithmetic over a sorted list of session dates
type TradingDays struct {
	days []time.Time
}

// NewTradingDays sorts and stores the session dates
func NewTradingDays(days []time.Time) *TradingDays {
	sorted := make([]time.Time, len(days))
	for i, d := range days {
		sorted[i] = utils.DateOnly(d)
	}
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Before(sorted[j]) })
	return &TradingDays{days: sorted}
}

// position returns the index of the first session on or after d
func (t *TradingDays) position(d time.Time) int {
	d = utils.DateOnly(d)
	return sort.Search(len(t.days), func(i int) bool {
		return !t.days[i].Before(d)
	})
}

// Offset returns the number of sessions from a to b; an event that falls on a
// non-session date counts from the next session.
func (t *TradingDays) Offset(a, b time.Time) int {
	return t.position(b) - t.position(a)
}

// Calendar combines rules: entries need every rule to allow, exits need any rule to require
type Calendar struct {
	rules []Rule
}

// New builds a calendar from the schedule and the session list
func New(params types.CalendarParams, schedule Schedule, sessions []time.Time) *Calendar {
	days := NewTradingDays(sessions)
	return &Calendar{rules: []Rule{
		NewEarningsRule(params, schedule.Earnings, days),
		NewDividendRule(params, schedule.Dividends, days),
		SQRule{},
	}}
}

// NewFromRules builds a calendar from explicit rules
func NewFromRules(rules ...Rule) *Calendar {
	return &Calendar{rules: rules}
}

// IsEntryAllowed reports whether every rule allows a new entry
func (c *Calendar) IsEntryAllowed(symbol string, date time.Time) bool {
	return c.EntryBlockedBy(symbol, date) == ""
}

// EntryBlockedBy returns the name of the first rule that blocks the entry, or ""
func (c *Calendar) EntryBlockedBy(symbol string, date time.Time) string {
	for _, r := range c.rules {
		if !r.EntryAllowed(symbol, date) {
			return r.Name()
		}
	}
	return ""
}

// IsExitRequired reports whether any rule forces an exit, ignoring open profit
func (c *Calendar) IsExitRequired(symbol string, date time.Time) bool {
	return c.IsExitRequiredFor(symbol, date, 0)
}

// IsExitRequiredFor reports whether any rule forces an exit for a position with the given open return
func (c *Calendar) IsExitRequiredFor(symbol string, date time.Time, unrealizedPct float64) bool {
	for _, r := range c.rules {
		if r.ExitRequired(symbol, date, unrealizedPct) {
			return true
		}
	}
	return false
}

// EarningsRule blocks entries around earnings and exits the session before
type EarningsRule struct {
	params types.CalendarParams
	days   *TradingDays
	events map[string][]time.Time
}

// NewEarningsRule indexes earnings dates by symbol
func NewEarningsRule(params types.CalendarParams, events []EarningsEvent, days *TradingDays) *EarningsRule {
	idx := make(map[string][]time.Time)
	for _, e := range events {
		idx[e.Symbol] = append(idx[e.Symbol], utils.DateOnly(e.Date))
	}
	return &EarningsRule{params: params, days: days, events: idx}
}

// Name identifies the rule in audit records
func (r *EarningsRule) Name() string { return "earnings" }

// EntryAllowed is false from EarningsExcludeBefore sessions before through EarningsExcludeAfter sessions after
func (r *EarningsRule) EntryAllowed(symbol string, date time.Time) bool {
	for _, e := range r.events[symbol] {
		off := r.days.Offset(date, e) // sessions until the announcement
		if off <= r.params.EarningsExcludeBefore && off >= -r.params.EarningsExcludeAfter {
			return false
		}
	}
	return true
}

// ExitRequired is true on the session before earnings unless the position is
// at least EarningsHoldMinPnLPct in profit
func (r *EarningsRule) ExitRequired(symbol string, date time.Time, unrealizedPct float64) bool {
	for _, e := range r.events[symbol] {
		if r.days.Offset(date, e) == 1 {
			return unrealizedPct < r.params.EarningsHoldMinPnLPct
		}
	}
	return false
}

// DividendRule blocks entries on the sessions before the ex-dividend date
type DividendRule struct {
	params types.CalendarParams
	days   *TradingDays
	events map[string][]time.Time
}

// NewDividendRule indexes ex-dividend dates by symbol
func NewDividendRule(params types.CalendarParams, events []DividendEvent, days *TradingDays) *DividendRule {
	idx := make(map[string][]time.Time)
	for _, e := range events {
		idx[e.Symbol] = append(idx[e.Symbol], utils.DateOnly(e.ExDate))
	}
	return &DividendRule{params: params, days: days, events: idx}
}

// Name identifies the rule in audit records
func (r *DividendRule) Name() string { return "dividend" }

// EntryAllowed is false for DividendBlockDays sessions before the ex-date
func (r *DividendRule) EntryAllowed(symbol string, date time.Time) bool {
	for _, ex := range r.events[symbol] {
		off := r.days.Offset(date, ex)
		if off >= 1 && off <= r.params.DividendBlockDays {
			return false
		}
	}
	return true
}

// ExitRequired never forces an exit
func (r *DividendRule) ExitRequired(string, time.Time, float64) bool { return false }

// SQRule marks the second Friday of each month; it never blocks or forces anything
type SQRule struct{}

// Name identifies the rule in audit records
func (SQRule) Name() string { return "sq" }

// EntryAllowed is always true
func (SQRule) EntryAllowed(string, time.Time) bool { return true }

// ExitRequired is always false
func (SQRule) ExitRequired(string, time.Time, float64) bool { return false }

// IsSQDay reports whether date is the second Friday of its month
func IsSQDay(date time.Time) bool {
	return utils.SameDay(date, utils.SecondFriday(date.Year(), date.Month()))
}
