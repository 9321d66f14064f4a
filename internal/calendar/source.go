package calendar

import (
	"context"
	"fmt"
	"os"
	"sort"
	"time"

	"gopkg.in/yaml.v3"
)

// Source loads an event schedule
type Source interface {
	LoadSchedule(ctx context.Context, start, end time.Time) (Schedule, error)
}

type yamlSchedule struct {
	Earnings []struct {
		Symbol string `yaml:"symbol"`
		Date   string `yaml:"date"`
	} `yaml:"earnings"`
	Dividends []struct {
		Symbol string `yaml:"symbol"`
		ExDate string `yaml:"ex_date"`
	} `yaml:"dividends"`
}

// YAMLSource reads the schedule from a YAML file
type YAMLSource struct {
	path string
}

// NewYAMLSource creates a file-backed schedule source
func NewYAMLSource(path string) *YAMLSource {
	return &YAMLSource{path: path}
}

// LoadSchedule reads the file and keeps events inside [start, end]
func (s *YAMLSource) LoadSchedule(ctx context.Context, start, end time.Time) (Schedule, error) {
	raw, err := os.ReadFile(s.path)
	if err != nil {
		return Schedule{}, fmt.Errorf("failed to read event schedule: %w", err)
	}
	return ParseYAML(raw, start, end)
}

// ParseYAML decodes a schedule document and keeps events inside [start, end]
func ParseYAML(raw []byte, start, end time.Time) (Schedule, error) {
	var doc yamlSchedule
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return Schedule{}, fmt.Errorf("failed to parse event schedule: %w", err)
	}

	var sched Schedule
	for _, e := range doc.Earnings {
		d, err := time.Parse("2006-01-02", e.Date)
		if err != nil {
			return Schedule{}, fmt.Errorf("earnings date for %s: %w", e.Symbol, err)
		}
		if inRange(d, start, end) {
			sched.Earnings = append(sched.Earnings, EarningsEvent{Symbol: e.Symbol, Date: d})
		}
	}
	for _, e := range doc.Dividends {
		d, err := time.Parse("2006-01-02", e.ExDate)
		if err != nil {
			return Schedule{}, fmt.Errorf("ex-dividend date for %s: %w", e.Symbol, err)
		}
		if inRange(d, start, end) {
			sched.Dividends = append(sched.Dividends, DividendEvent{Symbol: e.Symbol, ExDate: d})
		}
	}

	sort.SliceStable(sched.Earnings, func(i, j int) bool {
		return sched.Earnings[i].Date.Before(sched.Earnings[j].Date)
	})
	sort.SliceStable(sched.Dividends, func(i, j int) bool {
		return sched.Dividends[i].ExDate.Before(sched.Dividends[j].ExDate)
	})
	return sched, nil
}

func inRange(d, start, end time.Time) bool {
	if !start.IsZero() && d.Before(start) {
		return false
	}
	if !end.IsZero() && d.After(end) {
		return false
	}
	return true
}
