// Package backtester provides deterministic trade log, equity curve and result writers.
package backtester

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/shopspring/decimal"
)

var tradeLogHeader = []string{
	"symbol", "strategy", "entry_date", "exit_date", "shares",
	"entry_price", "exit_price", "raw_entry_price", "raw_exit_price",
	"stop_loss", "take_profit", "pnl", "pnl_pct", "commission",
	"holding_days", "exit_reason", "confidence", "entry_regime", "entry_risk_score", "exit_regime",
}

var equityCurveHeader = []string{
	"date", "equity", "cash", "positions_value", "positions", "drawdown",
}

func csvDecimal(d decimal.Decimal) string {
	return d.StringFixed(4)
}

func csvDate(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}

// WriteTradeLogCSV writes one row per closed trade in exit order
func WriteTradeLogCSV(w io.Writer, result *Result) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(tradeLogHeader); err != nil {
		return fmt.Errorf("failed to write trade log header: %w", err)
	}
	for _, t := range result.Trades {
		row := []string{
			t.Symbol,
			t.Strategy,
			csvDate(t.EntryDate),
			csvDate(t.ExitDate),
			strconv.FormatInt(t.Shares, 10),
			csvDecimal(t.EntryPrice),
			csvDecimal(t.ExitPrice),
			csvDecimal(t.RawEntryPrice),
			csvDecimal(t.RawExitPrice),
			csvDecimal(t.StopLoss),
			csvDecimal(t.TakeProfit),
			csvDecimal(t.PnL),
			csvDecimal(t.PnLPct),
			csvDecimal(t.Commission),
			strconv.Itoa(t.HoldingDays),
			string(t.ExitReason),
			strconv.FormatFloat(t.Confidence, 'f', 4, 64),
			string(t.EntryRegime),
			strconv.Itoa(t.EntryRiskScore),
			string(t.ExitRegime),
		}
		if err := cw.Write(row); err != nil {
			return fmt.Errorf("failed to write trade %s: %w", t.Symbol, err)
		}
	}
	cw.Flush()
	return cw.Error()
}

// WriteEquityCurveCSV writes one row per simulated day
func WriteEquityCurveCSV(w io.Writer, result *Result) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(equityCurveHeader); err != nil {
		return fmt.Errorf("failed to write equity header: %w", err)
	}
	for _, p := range result.EquityCurve {
		row := []string{
			csvDate(p.Date),
			csvDecimal(p.Equity),
			csvDecimal(p.Cash),
			csvDecimal(p.PositionsValue),
			strconv.Itoa(p.Positions),
			csvDecimal(p.Drawdown),
		}
		if err := cw.Write(row); err != nil {
			return fmt.Errorf("failed to write equity point: %w", err)
		}
	}
	cw.Flush()
	return cw.Error()
}

// WriteResultJSON writes the full result as indented JSON. Map keys are
// sorted by encoding/json so two identical runs produce identical bytes.
func WriteResultJSON(w io.Writer, result *Result) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(result); err != nil {
		return fmt.Errorf("failed to encode result %s: %w", result.ID, err)
	}
	return nil
}
