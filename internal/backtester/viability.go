// Package backtester provides the viability and degradation report of a run.
package backtester

import (
	"fmt"
	"strings"

	"github.com/atlas-desktop/swing-backtester/pkg/types"
	"github.com/shopspring/decimal"
)

// Issue severities
const (
	SeverityCritical = "critical"
	SeverityWarning  = "warning"
	SeverityInfo     = "info"
)

// ViabilityThresholds defines the minimum requirements for a viable parameter set
type ViabilityThresholds struct {
	MinSharpeRatio  decimal.Decimal
	MaxDrawdown     decimal.Decimal // fraction of peak equity
	MinProfitFactor decimal.Decimal
	MinWinRate      decimal.Decimal
	MinTrades       int
	MinExpectancy   decimal.Decimal
	MaxDrawdownDays int

	// Across walk-forward units
	MinUnitConsistency decimal.Decimal
}

// DefaultViabilityThresholds returns conservative default thresholds
func DefaultViabilityThresholds() *ViabilityThresholds {
	return &ViabilityThresholds{
		MinSharpeRatio:     decimal.NewFromFloat(0.5),
		MaxDrawdown:        decimal.NewFromFloat(0.20),
		MinProfitFactor:    decimal.NewFromFloat(1.5),
		MinWinRate:         decimal.NewFromFloat(0.40),
		MinTrades:          30,
		MinExpectancy:      decimal.Zero,
		MaxDrawdownDays:    120,
		MinUnitConsistency: decimal.NewFromFloat(0.60),
	}
}

// ViabilityIssue represents a specific problem with the run
type ViabilityIssue struct {
	Metric   string          `json:"metric"`
	Actual   decimal.Decimal `json:"actual"`
	Required decimal.Decimal `json:"required"`
	Severity string          `json:"severity"`
	Detail   string          `json:"detail"`
}

// ViabilityReport is the pass/fail assessment attached to a result
type ViabilityReport struct {
	IsViable           bool             `json:"isViable"`
	Score              int              `json:"score"`
	Grade              string           `json:"grade"`
	Issues             []ViabilityIssue `json:"issues"`
	Strengths          []string         `json:"strengths"`
	DegradedStrategies []string         `json:"degradedStrategies"`
	Summary            string           `json:"summary"`

	ReturnScore      int `json:"returnScore"`
	RiskScore        int `json:"riskScore"`
	ConsistencyScore int `json:"consistencyScore"`
}

// ViabilityChecker grades a run's metrics against thresholds
type ViabilityChecker struct {
	thresholds *ViabilityThresholds
}

// NewViabilityChecker creates a new viability checker
func NewViabilityChecker(thresholds *ViabilityThresholds) *ViabilityChecker {
	if thresholds == nil {
		thresholds = DefaultViabilityThresholds()
	}
	return &ViabilityChecker{thresholds: thresholds}
}

// Check assesses one run. degraded lists strategies disabled during the run.
func (vc *ViabilityChecker) Check(metrics *types.PerformanceMetrics, degraded []string) *ViabilityReport {
	report := &ViabilityReport{
		Issues:             make([]ViabilityIssue, 0),
		Strengths:          make([]string, 0),
		DegradedStrategies: append([]string{}, degraded...),
	}
	if metrics == nil {
		metrics = &types.PerformanceMetrics{}
	}

	vc.checkSharpeRatio(metrics, report)
	vc.checkMaxDrawdown(metrics, report)
	vc.checkProfitFactor(metrics, report)
	vc.checkWinRate(metrics, report)
	vc.checkTradeCount(metrics, report)
	vc.checkExpectancy(metrics, report)

	for _, name := range degraded {
		report.Issues = append(report.Issues, ViabilityIssue{
			Metric:   "Strategy Degradation",
			Severity: SeverityWarning,
			Detail:   name + " was disabled after its rolling win rate fell below the floor",
		})
	}

	report.ReturnScore = vc.returnScore(metrics)
	report.RiskScore = vc.riskScore(metrics)
	report.ConsistencyScore = vc.consistencyScore(metrics)
	report.Score = (report.ReturnScore*40 + report.RiskScore*35 + report.ConsistencyScore*25) / 100
	report.Grade = scoreToGrade(report.Score)
	report.IsViable = !hasCritical(report.Issues) && report.Score >= 60
	report.Summary = summarize(report)

	return report
}

// CheckUnits adds walk-forward consistency across independent units to a report
func (vc *ViabilityChecker) CheckUnits(report *ViabilityReport, unitReturns []decimal.Decimal) {
	if len(unitReturns) == 0 {
		return
	}
	profitable := 0
	for _, r := range unitReturns {
		if r.IsPositive() {
			profitable++
		}
	}
	consistency := decimal.NewFromInt(int64(profitable)).
		Div(decimal.NewFromInt(int64(len(unitReturns)))).Round(4)

	if consistency.LessThan(vc.thresholds.MinUnitConsistency) {
		report.Issues = append(report.Issues, ViabilityIssue{
			Metric:   "Walk-Forward Consistency",
			Actual:   consistency,
			Required: vc.thresholds.MinUnitConsistency,
			Severity: SeverityWarning,
			Detail:   fmt.Sprintf("%d of %d windows profitable", profitable, len(unitReturns)),
		})
		report.IsViable = false
		report.Summary = summarize(report)
		return
	}
	report.Strengths = append(report.Strengths, "Consistent across walk-forward windows")
}

func (vc *ViabilityChecker) checkSharpeRatio(m *types.PerformanceMetrics, report *ViabilityReport) {
	if m.SharpeRatio.LessThan(vc.thresholds.MinSharpeRatio) {
		severity := SeverityWarning
		if m.SharpeRatio.IsNegative() {
			severity = SeverityCritical
		}
		report.Issues = append(report.Issues, ViabilityIssue{
			Metric:   "Sharpe Ratio",
			Actual:   m.SharpeRatio,
			Required: vc.thresholds.MinSharpeRatio,
			Severity: severity,
			Detail:   "risk-adjusted return below threshold",
		})
	} else if m.SharpeRatio.GreaterThan(decimal.NewFromFloat(1.5)) {
		report.Strengths = append(report.Strengths, "Sharpe above 1.5")
	}
}

func (vc *ViabilityChecker) checkMaxDrawdown(m *types.PerformanceMetrics, report *ViabilityReport) {
	if m.MaxDrawdown.GreaterThan(vc.thresholds.MaxDrawdown) {
		severity := SeverityWarning
		if m.MaxDrawdown.GreaterThan(decimal.NewFromFloat(0.30)) {
			severity = SeverityCritical
		}
		report.Issues = append(report.Issues, ViabilityIssue{
			Metric:   "Max Drawdown",
			Actual:   m.MaxDrawdown,
			Required: vc.thresholds.MaxDrawdown,
			Severity: severity,
			Detail:   "peak-to-trough decline exceeds limit",
		})
	} else if m.MaxDrawdown.LessThan(decimal.NewFromFloat(0.10)) {
		report.Strengths = append(report.Strengths, "Drawdown under 10%")
	}

	if vc.thresholds.MaxDrawdownDays > 0 && m.MaxDrawdownDays > vc.thresholds.MaxDrawdownDays {
		report.Issues = append(report.Issues, ViabilityIssue{
			Metric:   "Drawdown Duration",
			Actual:   decimal.NewFromInt(int64(m.MaxDrawdownDays)),
			Required: decimal.NewFromInt(int64(vc.thresholds.MaxDrawdownDays)),
			Severity: SeverityInfo,
			Detail:   "equity stayed below its peak for too long",
		})
	}
}

func (vc *ViabilityChecker) checkProfitFactor(m *types.PerformanceMetrics, report *ViabilityReport) {
	// no losing trades leaves the factor undefined
	if m.LosingTrades == 0 {
		return
	}
	if m.ProfitFactor.LessThan(vc.thresholds.MinProfitFactor) {
		severity := SeverityWarning
		if m.ProfitFactor.LessThan(decimal.NewFromInt(1)) {
			severity = SeverityCritical
		}
		report.Issues = append(report.Issues, ViabilityIssue{
			Metric:   "Profit Factor",
			Actual:   m.ProfitFactor,
			Required: vc.thresholds.MinProfitFactor,
			Severity: severity,
			Detail:   "gross profit does not cover gross loss by enough",
		})
	} else if m.ProfitFactor.GreaterThan(decimal.NewFromInt(2)) {
		report.Strengths = append(report.Strengths, "Profit factor above 2.0")
	}
}

func (vc *ViabilityChecker) checkWinRate(m *types.PerformanceMetrics, report *ViabilityReport) {
	if m.WinRate.LessThan(vc.thresholds.MinWinRate) {
		severity := SeverityWarning
		if m.TotalTrades > 0 && m.WinRate.LessThan(decimal.NewFromFloat(0.30)) {
			severity = SeverityCritical
		}
		report.Issues = append(report.Issues, ViabilityIssue{
			Metric:   "Win Rate",
			Actual:   m.WinRate,
			Required: vc.thresholds.MinWinRate,
			Severity: severity,
			Detail:   "win rate below threshold",
		})
	} else if m.WinRate.GreaterThan(decimal.NewFromFloat(0.60)) {
		report.Strengths = append(report.Strengths, "Win rate above 60%")
	}
}

func (vc *ViabilityChecker) checkTradeCount(m *types.PerformanceMetrics, report *ViabilityReport) {
	if m.TotalTrades < vc.thresholds.MinTrades {
		report.Issues = append(report.Issues, ViabilityIssue{
			Metric:   "Trade Count",
			Actual:   decimal.NewFromInt(int64(m.TotalTrades)),
			Required: decimal.NewFromInt(int64(vc.thresholds.MinTrades)),
			Severity: SeverityWarning,
			Detail:   "too few trades for statistical significance",
		})
	}
}

func (vc *ViabilityChecker) checkExpectancy(m *types.PerformanceMetrics, report *ViabilityReport) {
	if m.TotalTrades == 0 || m.Expectancy.GreaterThan(vc.thresholds.MinExpectancy) {
		return
	}
	severity := SeverityWarning
	if m.Expectancy.IsNegative() {
		severity = SeverityCritical
	}
	report.Issues = append(report.Issues, ViabilityIssue{
		Metric:   "Expectancy",
		Actual:   m.Expectancy,
		Required: vc.thresholds.MinExpectancy,
		Severity: severity,
		Detail:   "mean PnL per trade is not positive",
	})
}

func (vc *ViabilityChecker) returnScore(m *types.PerformanceMetrics) int {
	score := 50

	sharpe, _ := m.SharpeRatio.Float64()
	if sharpe > 0 {
		score += int(minFloat(30, sharpe*20))
	} else {
		score -= 20
	}

	sortino, _ := m.SortinoRatio.Float64()
	if sortino > 0 {
		score += int(minFloat(20, sortino*10))
	}
	return clamp(score, 0, 100)
}

func (vc *ViabilityChecker) riskScore(m *types.PerformanceMetrics) int {
	score := 100
	dd, _ := m.MaxDrawdown.Float64()
	score -= int(dd * 200)
	if vc.thresholds.MaxDrawdownDays > 0 && m.MaxDrawdownDays > vc.thresholds.MaxDrawdownDays {
		score -= 10
	}
	return clamp(score, 0, 100)
}

func (vc *ViabilityChecker) consistencyScore(m *types.PerformanceMetrics) int {
	score := 0

	winRate, _ := m.WinRate.Float64()
	score += int(winRate * 60)

	pf, _ := m.ProfitFactor.Float64()
	if pf > 1 {
		score += int(minFloat(40, (pf-1)*20))
	}

	switch {
	case m.TotalTrades >= 100:
		score += 20
	case m.TotalTrades >= 50:
		score += 15
	case m.TotalTrades >= 30:
		score += 10
	}
	return clamp(score, 0, 100)
}

func scoreToGrade(score int) string {
	switch {
	case score >= 90:
		return "A"
	case score >= 80:
		return "B"
	case score >= 70:
		return "C"
	case score >= 60:
		return "D"
	default:
		return "F"
	}
}

func hasCritical(issues []ViabilityIssue) bool {
	for _, issue := range issues {
		if issue.Severity == SeverityCritical {
			return true
		}
	}
	return false
}

func summarize(report *ViabilityReport) string {
	var critical []string
	for _, issue := range report.Issues {
		if issue.Severity == SeverityCritical {
			critical = append(critical, issue.Metric)
		}
	}
	if len(critical) > 0 {
		return "Not viable: " + strings.Join(critical, ", ")
	}
	if !report.IsViable {
		return fmt.Sprintf("Not viable: score %d (%s)", report.Score, report.Grade)
	}
	return fmt.Sprintf("Viable: score %d (%s)", report.Score, report.Grade)
}

func minFloat(a, b float64) float64 {
	if a < b {
		return a
	}
	return b
}

func clamp(value, lo, hi int) int {
	if value < lo {
		return lo
	}
	if value > hi {
		return hi
	}
	return value
}
