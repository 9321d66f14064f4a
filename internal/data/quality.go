package data

import (
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/atlas-desktop/swing-backtester/pkg/types"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// ErrDataQualityRejected marks a symbol excluded for the day by the quality gate
var ErrDataQualityRejected = errors.New("data quality rejected")

// Issue types raised by the gate
const (
	IssueNoData      = "NO_DATA"
	IssueMissingData = "MISSING_DATA"
	IssueGap         = "GAP_DETECTED"
	IssuePriceMove   = "EXTREME_MOVE"
	IssueVolumeMove  = "VOLUME_SPIKE"
	IssueOHLC        = "OHLC_INCONSISTENT"
	IssueNonPositive = "NON_POSITIVE_PRICE"
	IssueOutOfOrder  = "OUT_OF_ORDER"
)

// Issue severities
const (
	SeverityCritical = "critical"
	SeverityHigh     = "high"
)

// DataIssue represents a data quality problem
type DataIssue struct {
	Type     string    `json:"type"`
	Severity string    `json:"severity"`
	Date     time.Time `json:"date"`
	Symbol   string    `json:"symbol"`
	Message  string    `json:"message"`
	Value    string    `json:"value,omitempty"`
	BarIndex int       `json:"barIndex,omitempty"`
}

// QualityReport summarizes one gate evaluation
type QualityReport struct {
	Symbol        string      `json:"symbol"`
	TotalBars     int         `json:"totalBars"`
	ExpectedBars  int         `json:"expectedBars"`
	MissingRatio  float64     `json:"missingRatio"`
	MaxGapDays    int         `json:"maxGapDays"`
	Issues        []DataIssue `json:"issues"`
	QualityScore  int         `json:"qualityScore"` // 0-100
	IsUsable      bool        `json:"isUsable"`
	StartDate     time.Time   `json:"startDate"`
	EndDate       time.Time   `json:"endDate"`
	PriceAnomaly  int         `json:"priceAnomalyCount"`
	VolumeAnomaly int         `json:"volumeAnomalyCount"`
}

// QualityError carries the issues that rejected a symbol
type QualityError struct {
	Symbol string
	Issues []DataIssue
}

func (e *QualityError) Error() string {
	kinds := make([]string, 0, len(e.Issues))
	seen := make(map[string]bool)
	for _, issue := range e.Issues {
		if !seen[issue.Type] {
			seen[issue.Type] = true
			kinds = append(kinds, issue.Type)
		}
	}
	return fmt.Sprintf("%s rejected by quality gate: %s", e.Symbol, strings.Join(kinds, ","))
}

// Unwrap lets callers match ErrDataQualityRejected
func (e *QualityError) Unwrap() error {
	return ErrDataQualityRejected
}

// QualityGate checks a symbol's recent history before it may be screened
type QualityGate struct {
	logger *zap.Logger
	params types.QualityParams
}

// NewQualityGate creates a gate with the given thresholds
func NewQualityGate(logger *zap.Logger, params types.QualityParams) *QualityGate {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &QualityGate{logger: logger, params: params}
}

// Check validates bars (already restricted to the as-of window) against the
// reference trading days of the same window. It returns a *QualityError when
// any rule fails.
func (g *QualityGate) Check(symbol string, bars []types.OHLCV, referenceDays []time.Time) (*QualityReport, error) {
	report := g.Validate(symbol, bars, referenceDays)
	if report.IsUsable {
		return report, nil
	}
	return report, &QualityError{Symbol: symbol, Issues: report.Issues}
}

// Validate runs every check and returns the report without deciding on errors
func (g *QualityGate) Validate(symbol string, bars []types.OHLCV, referenceDays []time.Time) *QualityReport {
	if g.params.Lookback > 0 && len(bars) > g.params.Lookback {
		bars = bars[len(bars)-g.params.Lookback:]
	}
	if g.params.Lookback > 0 && len(referenceDays) > g.params.Lookback {
		referenceDays = referenceDays[len(referenceDays)-g.params.Lookback:]
	}

	report := &QualityReport{Symbol: symbol, TotalBars: len(bars), ExpectedBars: len(referenceDays)}
	if len(bars) == 0 {
		report.Issues = []DataIssue{{Type: IssueNoData, Severity: SeverityCritical, Symbol: symbol, Message: "No data provided"}}
		return report
	}
	report.StartDate = bars[0].Date
	report.EndDate = bars[len(bars)-1].Date

	issues := make([]DataIssue, 0)
	issues = append(issues, g.checkMissing(symbol, bars, referenceDays, report)...)
	issues = append(issues, g.checkGaps(symbol, bars, report)...)
	issues = append(issues, g.checkPriceMoves(symbol, bars)...)
	issues = append(issues, g.checkVolumeMoves(symbol, bars)...)
	issues = append(issues, g.checkOHLC(symbol, bars)...)
	issues = append(issues, g.checkOrder(symbol, bars)...)

	report.Issues = issues
	report.PriceAnomaly = countIssuesByType(issues, IssuePriceMove, IssueNonPositive)
	report.VolumeAnomaly = countIssuesByType(issues, IssueVolumeMove)
	report.QualityScore = qualityScore(len(bars), issues)
	report.IsUsable = len(issues) == 0

	return report
}

// checkMissing compares the symbol's bars with the reference trading days
func (g *QualityGate) checkMissing(symbol string, bars []types.OHLCV, referenceDays []time.Time, report *QualityReport) []DataIssue {
	if len(referenceDays) == 0 {
		return nil
	}

	have := make(map[string]bool, len(bars))
	for _, b := range bars {
		have[dateKey(b.Date)] = true
	}
	missing := 0
	for _, d := range referenceDays {
		if !have[dateKey(d)] {
			missing++
		}
	}
	report.MissingRatio = float64(missing) / float64(len(referenceDays))

	if report.MissingRatio > g.params.MaxMissingRatio {
		return []DataIssue{{
			Type:     IssueMissingData,
			Severity: SeverityCritical,
			Date:     referenceDays[len(referenceDays)-1],
			Symbol:   symbol,
			Message:  fmt.Sprintf("Missing %d of %d sessions", missing, len(referenceDays)),
			Value:    fmt.Sprintf("%.4f", report.MissingRatio),
		}}
	}
	return nil
}

// checkGaps finds calendar gaps between consecutive bars
func (g *QualityGate) checkGaps(symbol string, bars []types.OHLCV, report *QualityReport) []DataIssue {
	var issues []DataIssue
	for i := 1; i < len(bars); i++ {
		gap := int(bars[i].Date.Sub(bars[i-1].Date).Hours() / 24)
		if gap > report.MaxGapDays {
			report.MaxGapDays = gap
		}
		if gap > g.params.MaxGapDays {
			issues = append(issues, DataIssue{
				Type:     IssueGap,
				Severity: SeverityCritical,
				Date:     bars[i-1].Date,
				Symbol:   symbol,
				Message:  fmt.Sprintf("Data gap of %d days", gap),
				Value:    fmt.Sprintf("%d", gap),
				BarIndex: i - 1,
			})
		}
	}
	return issues
}

// checkPriceMoves finds close-to-close moves beyond the threshold and non-positive prices
func (g *QualityGate) checkPriceMoves(symbol string, bars []types.OHLCV) []DataIssue {
	var issues []DataIssue
	limit := decimal.NewFromFloat(g.params.MaxPriceMovePct)

	for i, bar := range bars {
		if !bar.Open.IsPositive() || !bar.High.IsPositive() || !bar.Low.IsPositive() || !bar.Close.IsPositive() {
			issues = append(issues, DataIssue{
				Type:     IssueNonPositive,
				Severity: SeverityCritical,
				Date:     bar.Date,
				Symbol:   symbol,
				Message:  "Zero or negative price detected",
				BarIndex: i,
			})
			continue
		}
		if i == 0 || !bars[i-1].Close.IsPositive() {
			continue
		}

		move := bar.Close.Sub(bars[i-1].Close).Div(bars[i-1].Close).Mul(decimal.NewFromInt(100))
		if move.Abs().GreaterThan(limit) {
			issues = append(issues, DataIssue{
				Type:     IssuePriceMove,
				Severity: SeverityHigh,
				Date:     bar.Date,
				Symbol:   symbol,
				Message:  "Extreme close-to-close move: " + move.StringFixed(2) + "%",
				Value:    move.StringFixed(4),
				BarIndex: i,
			})
		}
	}
	return issues
}

// checkVolumeMoves finds day-over-day volume changes beyond the threshold
func (g *QualityGate) checkVolumeMoves(symbol string, bars []types.OHLCV) []DataIssue {
	var issues []DataIssue
	limit := decimal.NewFromFloat(g.params.MaxVolumeMovePct)

	for i := 1; i < len(bars); i++ {
		prev := bars[i-1].Volume
		if !prev.IsPositive() {
			continue
		}
		change := bars[i].Volume.Sub(prev).Div(prev).Mul(decimal.NewFromInt(100))
		if change.Abs().GreaterThan(limit) {
			issues = append(issues, DataIssue{
				Type:     IssueVolumeMove,
				Severity: SeverityHigh,
				Date:     bars[i].Date,
				Symbol:   symbol,
				Message:  "Volume change of " + change.StringFixed(0) + "%",
				Value:    change.StringFixed(2),
				BarIndex: i,
			})
		}
	}
	return issues
}

// checkOHLC verifies high >= low
func (g *QualityGate) checkOHLC(symbol string, bars []types.OHLCV) []DataIssue {
	var issues []DataIssue
	for i, bar := range bars {
		if bar.High.LessThan(bar.Low) {
			issues = append(issues, DataIssue{
				Type:     IssueOHLC,
				Severity: SeverityCritical,
				Date:     bar.Date,
				Symbol:   symbol,
				Message:  "High is below low",
				Value:    bar.High.String() + "<" + bar.Low.String(),
				BarIndex: i,
			})
		}
	}
	return issues
}

// checkOrder verifies bars are strictly increasing by date
func (g *QualityGate) checkOrder(symbol string, bars []types.OHLCV) []DataIssue {
	var issues []DataIssue
	for i := 1; i < len(bars); i++ {
		if !bars[i].Date.After(bars[i-1].Date) {
			issues = append(issues, DataIssue{
				Type:     IssueOutOfOrder,
				Severity: SeverityCritical,
				Date:     bars[i].Date,
				Symbol:   symbol,
				Message:  "Bar is not after its predecessor",
				BarIndex: i,
			})
		}
	}
	return issues
}

// qualityScore weights issues by severity, normalised by the number of bars
func qualityScore(totalBars int, issues []DataIssue) int {
	if totalBars == 0 {
		return 0
	}

	penalty := 0.0
	for _, issue := range issues {
		switch issue.Severity {
		case SeverityCritical:
			penalty += 10.0
		case SeverityHigh:
			penalty += 5.0
		}
	}

	normalized := penalty / math.Max(1, float64(totalBars)/100) * 10
	return int(math.Max(0, 100-math.Min(normalized, 100)))
}

func countIssuesByType(issues []DataIssue, kinds ...string) int {
	count := 0
	for _, issue := range issues {
		for _, k := range kinds {
			if issue.Type == k {
				count++
				break
			}
		}
	}
	return count
}
