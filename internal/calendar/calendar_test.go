package calendar_test

import (
	"testing"
	"time"

	"github.com/atlas-desktop/swing-backtester/internal/calendar"
	"github.com/atlas-desktop/swing-backtester/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func d(s string) time.Time {
	t, _ := time.Parse("2006-01-02", s)
	return t
}

// sessions for two weeks of March 2024, weekdays only
func sessions() []time.Time {
	var out []time.Time
	for day := d("2024-03-04"); !day.After(d("2024-03-22")); day = day.AddDate(0, 0, 1) {
		if day.Weekday() != time.Saturday && day.Weekday() != time.Sunday {
			out = append(out, day)
		}
	}
	return out
}

func params() types.CalendarParams {
	return types.DefaultRunConfig().Calendar
}

func TestEarningsBlocksEntryWindow(t *testing.T) {
	cal := calendar.New(params(), calendar.Schedule{
		Earnings: []calendar.EarningsEvent{{Symbol: "AAA", Date: d("2024-03-13")}}, // Wednesday
	}, sessions())

	cases := map[string]bool{
		"2024-03-08": true,  // three sessions before
		"2024-03-11": false, // two sessions before
		"2024-03-12": false,
		"2024-03-13": false,
		"2024-03-14": false, // one session after
		"2024-03-15": true,
	}
	for day, want := range cases {
		assert.Equal(t, want, cal.IsEntryAllowed("AAA", d(day)), day)
	}
	assert.True(t, cal.IsEntryAllowed("BBB", d("2024-03-12")))
	assert.Equal(t, "earnings", cal.EntryBlockedBy("AAA", d("2024-03-12")))
}

func TestEarningsForcesExitUnlessProfitable(t *testing.T) {
	cal := calendar.New(params(), calendar.Schedule{
		Earnings: []calendar.EarningsEvent{{Symbol: "AAA", Date: d("2024-03-13")}},
	}, sessions())

	assert.True(t, cal.IsExitRequired("AAA", d("2024-03-12")))
	assert.False(t, cal.IsExitRequired("AAA", d("2024-03-11")))
	assert.True(t, cal.IsExitRequiredFor("AAA", d("2024-03-12"), 7.9))
	assert.False(t, cal.IsExitRequiredFor("AAA", d("2024-03-12"), 8.0))
}

func TestEarningsOnWeekendCountsFromNextSession(t *testing.T) {
	cal := calendar.New(params(), calendar.Schedule{
		Earnings: []calendar.EarningsEvent{{Symbol: "AAA", Date: d("2024-03-16")}}, // Saturday
	}, sessions())

	// the announcement is treated as Monday the 18th, so Friday is the session before
	assert.True(t, cal.IsExitRequired("AAA", d("2024-03-15")))
	assert.False(t, cal.IsEntryAllowed("AAA", d("2024-03-14")))
}

func TestDividendBlocksDayBeforeExDate(t *testing.T) {
	cal := calendar.New(params(), calendar.Schedule{
		Dividends: []calendar.DividendEvent{{Symbol: "DIV", ExDate: d("2024-03-20")}},
	}, sessions())

	assert.False(t, cal.IsEntryAllowed("DIV", d("2024-03-19")))
	assert.True(t, cal.IsEntryAllowed("DIV", d("2024-03-18")))
	assert.True(t, cal.IsEntryAllowed("DIV", d("2024-03-20")))
	assert.False(t, cal.IsExitRequired("DIV", d("2024-03-19")))
	assert.Equal(t, "dividend", cal.EntryBlockedBy("DIV", d("2024-03-19")))
}

func TestSQDay(t *testing.T) {
	assert.True(t, calendar.IsSQDay(d("2024-03-08")))
	assert.False(t, calendar.IsSQDay(d("2024-03-15")))
	cal := calendar.New(params(), calendar.Schedule{}, sessions())
	assert.True(t, cal.IsEntryAllowed("ANY", d("2024-03-08")))
}

func TestParseYAML(t *testing.T) {
	doc := []byte(`
earnings:
  - symbol: AAA
    date: "2024-03-13"
  - symbol: BBB
    date: "2025-01-10"
dividends:
  - symbol: DIV
    ex_date: "2024-03-20"
`)
	sched, err := calendar.ParseYAML(doc, d("2024-01-01"), d("2024-12-31"))
	require.NoError(t, err)
	require.Len(t, sched.Earnings, 1)
	assert.Equal(t, "AAA", sched.Earnings[0].Symbol)
	assert.True(t, sched.Earnings[0].Date.Equal(d("2024-03-13")))
	require.Len(t, sched.Dividends, 1)

	_, err = calendar.ParseYAML([]byte("earnings:\n  - symbol: X\n    date: nope\n"), time.Time{}, time.Time{})
	assert.Error(t, err)
}
