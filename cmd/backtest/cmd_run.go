package main

import (
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/atlas-desktop/swing-backtester/internal/backtester"
	"github.com/atlas-desktop/swing-backtester/internal/config"
	"github.com/atlas-desktop/swing-backtester/internal/telemetry"
	"github.com/atlas-desktop/swing-backtester/pkg/types"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

// runCmd executes a single simulation
var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run one backtest over a date range",
	Long: `Run resolves a config version, prefetches every bar the range needs and
replays the daily pipeline. The trade log, equity curve and full result
are written to --out.

Examples:
  backtest run --start 2022-01-03 --end 2023-12-29 --universe universe.yaml
  backtest run --version v3 --symbols AAPL,MSFT,NVDA --events events.yaml --out out/v3
  backtest run --start 2022-01-03 --end 2023-12-29 --dsn postgres://localhost/research`,
	RunE: runBacktest,
}

var (
	runSources sourceFlags
	runVersion string
	runStart   string
	runEnd     string
	runOut     string
	runAudit   bool
)

func init() {
	rootCmd.AddCommand(runCmd)
	runSources.register(runCmd)

	runCmd.Flags().StringVar(&runVersion, "version", config.Active, "Config version to run")
	runCmd.Flags().StringVar(&runStart, "start", "", "First simulated day (YYYY-MM-DD)")
	runCmd.Flags().StringVar(&runEnd, "end", "", "Last simulated day (YYYY-MM-DD)")
	runCmd.Flags().StringVar(&runOut, "out", "out", "Output directory")
	runCmd.Flags().BoolVar(&runAudit, "audit", true, "Keep the per-day audit trail in result.json")

	runCmd.MarkFlagRequired("start")
	runCmd.MarkFlagRequired("end")
}

func runBacktest(cmd *cobra.Command, args []string) error {
	start, end, err := parseRange(runStart, runEnd)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.NewStore(logger, configDir).Load(runVersion)
	if err != nil {
		return err
	}

	env, err := loadEnvironment(ctx, &runSources, start, end, []*types.RunConfig{cfg})
	if err != nil {
		return err
	}
	defer env.Close()

	metrics := telemetry.NewMetrics(nil)
	began := time.Now()
	sim := backtester.NewSimulator(logger, cfg, env.Inputs, backtester.Options{
		Recorder: metrics,
		OnDay: func(rec *backtester.DayRecord, day, total int) {
			if day%50 == 0 || day == total {
				logger.Info("Progress",
					zap.Int("day", day),
					zap.Int("days", total),
					zap.String("equity", rec.Equity.Equity.StringFixed(2)))
			}
		},
	})

	result, err := sim.Run(ctx, start, end)
	if err != nil {
		return fmt.Errorf("backtest failed: %w", err)
	}
	if !runAudit {
		result.Audit = nil
	}

	if err := writeArtifacts(runOut, result); err != nil {
		return err
	}
	printSummary(cmd.OutOrStdout(), result, time.Since(began))
	return nil
}

// writeArtifacts writes trades.csv, equity.csv and result.json into dir
func writeArtifacts(dir string, result *backtester.Result) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create output directory: %w", err)
	}

	writers := []struct {
		name  string
		write func(io.Writer, *backtester.Result) error
	}{
		{"trades.csv", backtester.WriteTradeLogCSV},
		{"equity.csv", backtester.WriteEquityCurveCSV},
		{"result.json", backtester.WriteResultJSON},
	}
	for _, w := range writers {
		path := filepath.Join(dir, w.name)
		if err := writeFile(path, func(f io.Writer) error { return w.write(f, result) }); err != nil {
			return err
		}
	}
	logger.Info("Wrote results", zap.String("dir", dir), zap.String("id", result.ID))
	return nil
}

func writeFile(path string, write func(io.Writer) error) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", path, err)
	}
	if err := write(f); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

func printSummary(w io.Writer, result *backtester.Result, elapsed time.Duration) {
	m := result.Evaluation.Metrics
	fmt.Fprintf(w, "Run %s (%s) %s to %s\n", result.ID, result.ConfigVersion,
		result.Start.Format(dateLayout), result.End.Format(dateLayout))
	fmt.Fprintf(w, "  Final equity   %s\n", result.FinalEquity.StringFixed(2))
	fmt.Fprintf(w, "  Total return   %s%%\n", m.TotalReturn.Shift(2).StringFixed(2))
	fmt.Fprintf(w, "  Trades         %d (win rate %s%%)\n", m.TotalTrades, m.WinRate.Shift(2).StringFixed(1))
	fmt.Fprintf(w, "  Profit factor  %s\n", m.ProfitFactor.StringFixed(2))
	fmt.Fprintf(w, "  Sharpe         %s\n", m.SharpeRatio.StringFixed(2))
	fmt.Fprintf(w, "  Max drawdown   %s%%\n", m.MaxDrawdown.Shift(2).StringFixed(2))
	if result.Viability != nil {
		fmt.Fprintf(w, "  Viability      %s (%d) %s\n", result.Viability.Grade, result.Viability.Score, result.Viability.Summary)
	}
	fmt.Fprintf(w, "  Elapsed        %s\n", elapsed.Round(time.Millisecond))
}
