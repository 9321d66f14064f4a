package backtester

import (
	"time"

	"github.com/atlas-desktop/swing-backtester/pkg/types"
	"github.com/shopspring/decimal"
)

// Audit stages
const (
	StageRegime     = "regime"
	StageExit       = "exit"
	StageScreen     = "screen"
	StageCalendar   = "calendar"
	StageConstraint = "constraint"
	StageMatch      = "match"
	StageStrategy   = "strategy"
	StageSizing     = "sizing"
	StageFill       = "fill"
	StageDegraded   = "strategy_degraded"
)

// Skip records a symbol (or the whole day, with an empty symbol) that did not proceed
type Skip struct {
	Symbol string `json:"symbol,omitempty"`
	Stage  string `json:"stage"`
	Reason string `json:"reason"`
	Detail string `json:"detail,omitempty"`
}

// EntryRecord is an order decided for the day
type EntryRecord struct {
	Symbol     string          `json:"symbol"`
	Strategy   string          `json:"strategy"`
	Confidence float64         `json:"confidence"`
	Ratio      float64         `json:"ratio"`
	RawKelly   float64         `json:"rawKelly"`
	Shares     int64           `json:"shares"`
	Reference  decimal.Decimal `json:"reference"`
	StopLoss   decimal.Decimal `json:"stopLoss"`
	TakeProfit decimal.Decimal `json:"takeProfit"`
	Trail      []string        `json:"trail"`
}

// FillRecord is an entry executed at the open
type FillRecord struct {
	Symbol string          `json:"symbol"`
	Price  decimal.Decimal `json:"price"`
	Shares int64           `json:"shares"`
}

// ExitRecord is a position closed on the day
type ExitRecord struct {
	Symbol string           `json:"symbol"`
	Reason types.ExitReason `json:"reason"`
	Price  decimal.Decimal  `json:"price"`
	PnL    decimal.Decimal  `json:"pnl"`
	Detail string           `json:"detail,omitempty"`
}

// DayRecord is the audit entry for one simulated day
type DayRecord struct {
	Date       time.Time         `json:"date"`
	Regime     types.RegimeType  `json:"regime,omitempty"`
	RiskScore  int               `json:"riskScore"`
	Tradeable  bool              `json:"tradeable"`
	Candidates int               `json:"candidates"`
	Exits      []ExitRecord      `json:"exits,omitempty"`
	Entries    []EntryRecord     `json:"entries,omitempty"`
	Fills      []FillRecord      `json:"fills,omitempty"`
	Skips      []Skip            `json:"skips,omitempty"`
	Equity     types.EquityPoint `json:"equity"`
	State      State             `json:"state"`
}

func (r *DayRecord) skip(symbol, stage, reason, detail string) {
	r.Skips = append(r.Skips, Skip{Symbol: symbol, Stage: stage, Reason: reason, Detail: detail})
}

// SkipCounts tallies skips by stage and reason across a run
func SkipCounts(records []*DayRecord) map[string]int {
	counts := make(map[string]int)
	for _, r := range records {
		for _, s := range r.Skips {
			counts[s.Stage+":"+s.Reason]++
		}
	}
	return counts
}
