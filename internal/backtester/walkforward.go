// Package backtester provides walk-forward unit generation for batch runs.
package backtester

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

const oneDay = 24 * time.Hour

// WalkForwardConfig describes how a date range is cut into units
type WalkForwardConfig struct {
	WindowDays int `json:"windowDays"`
	StepDays   int `json:"stepDays"`
	// InSampleRatio above zero splits every window into an in-sample and an
	// out-of-sample unit
	InSampleRatio float64  `json:"inSampleRatio"`
	ConfigVersion string   `json:"configVersion"`
	Universe      []string `json:"universe,omitempty"`
	NamePrefix    string   `json:"namePrefix,omitempty"`
}

// GenerateWalkForwardUnits cuts [start, end] into rolling windows. The last
// window must end on or before end.
func GenerateWalkForwardUnits(start, end time.Time, cfg WalkForwardConfig) ([]Unit, error) {
	windowDays := cfg.WindowDays
	stepDays := cfg.StepDays
	if windowDays <= 0 {
		windowDays = 365
	}
	if stepDays <= 0 {
		stepDays = 90
	}
	if cfg.InSampleRatio < 0 || cfg.InSampleRatio >= 1 {
		return nil, fmt.Errorf("in-sample ratio %.2f outside [0, 1)", cfg.InSampleRatio)
	}
	if !end.After(start) {
		return nil, fmt.Errorf("empty range %s to %s", start.Format("2006-01-02"), end.Format("2006-01-02"))
	}

	prefix := cfg.NamePrefix
	if prefix == "" {
		prefix = "wf"
	}

	window := time.Duration(windowDays) * oneDay
	step := time.Duration(stepDays) * oneDay
	inSample := time.Duration(float64(windowDays)*cfg.InSampleRatio) * oneDay

	var units []Unit
	n := 0
	for current := start; !current.Add(window).After(end); current = current.Add(step) {
		windowEnd := current.Add(window)
		name := fmt.Sprintf("%s-%03d", prefix, n)

		if inSample > 0 {
			units = append(units,
				cfg.unit(name+"-in", current, current.Add(inSample)),
				cfg.unit(name+"-out", current.Add(inSample).Add(oneDay), windowEnd),
			)
		} else {
			units = append(units, cfg.unit(name, current, windowEnd))
		}
		n++
	}

	if len(units) == 0 {
		return nil, fmt.Errorf("range %s to %s is shorter than one %d-day window",
			start.Format("2006-01-02"), end.Format("2006-01-02"), windowDays)
	}
	return units, nil
}

func (cfg WalkForwardConfig) unit(name string, start, end time.Time) Unit {
	return Unit{
		ID:            name,
		Name:          name,
		ConfigVersion: cfg.ConfigVersion,
		Start:         start,
		End:           end,
		Universe:      cfg.Universe,
	}
}

// WalkForwardWindow pairs the in- and out-of-sample returns of one window
type WalkForwardWindow struct {
	Name            string          `json:"name"`
	InSampleReturn  decimal.Decimal `json:"inSampleReturn"`
	OutSampleReturn decimal.Decimal `json:"outSampleReturn"`
}

// WalkForwardSummary aggregates completed walk-forward units
type WalkForwardSummary struct {
	Windows []WalkForwardWindow `json:"windows"`
	// Robustness is total out-of-sample return over total in-sample return, clamped to [0, 2]
	Robustness decimal.Decimal `json:"robustness"`
}

// SummarizeWalkForward pairs "-in"/"-out" unit results by window name.
// Windows with a failed or missing half are left out.
func SummarizeWalkForward(results []*UnitResult) *WalkForwardSummary {
	returns := make(map[string]decimal.Decimal)
	for _, r := range results {
		if r.Status != UnitCompleted || r.Result == nil || r.Result.Evaluation == nil {
			continue
		}
		returns[r.UnitID] = r.Result.Evaluation.Metrics.TotalReturn
	}

	summary := &WalkForwardSummary{Windows: make([]WalkForwardWindow, 0)}
	var inTotal, outTotal decimal.Decimal
	for _, r := range results {
		if !strings.HasSuffix(r.UnitID, "-in") {
			continue
		}
		name := strings.TrimSuffix(r.UnitID, "-in")
		in, okIn := returns[r.UnitID]
		out, okOut := returns[name+"-out"]
		if !okIn || !okOut {
			continue
		}
		summary.Windows = append(summary.Windows, WalkForwardWindow{
			Name:            name,
			InSampleReturn:  in,
			OutSampleReturn: out,
		})
		inTotal = inTotal.Add(in)
		outTotal = outTotal.Add(out)
	}

	if len(summary.Windows) == 0 || inTotal.IsZero() {
		return summary
	}
	robustness := outTotal.Div(inTotal).Round(4)
	two := decimal.NewFromInt(2)
	switch {
	case robustness.IsNegative():
		robustness = decimal.Zero
	case robustness.GreaterThan(two):
		robustness = two
	}
	summary.Robustness = robustness
	return summary
}
