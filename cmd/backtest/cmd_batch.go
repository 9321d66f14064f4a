package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/atlas-desktop/swing-backtester/internal/backtester"
	"github.com/atlas-desktop/swing-backtester/internal/config"
	"github.com/atlas-desktop/swing-backtester/internal/telemetry"
	"github.com/atlas-desktop/swing-backtester/pkg/types"
	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

// batchCmd runs independent units in parallel
var batchCmd = &cobra.Command{
	Use:   "batch",
	Short: "Run many independent backtests in parallel",
	Long: `Batch runs every unit of a spec file, or a generated walk-forward series,
over one shared prefetched history. A failing unit is reported and does not
stop the others.

Spec files list units with id, version, start, end and an optional universe:

  units:
    - id: base-2022
      version: v3
      start: 2022-01-03
      end: 2022-12-30
    - id: tech-2022
      version: v3
      start: 2022-01-03
      end: 2022-12-30
      universe: [AAPL, MSFT, NVDA]

Examples:
  backtest batch --spec units.yaml --parallel 4
  backtest batch --walk-forward --start 2019-01-01 --end 2023-12-31 --window 365 --step 90 --in-sample 0.7`,
	RunE: runBatch,
}

var (
	batchSources  sourceFlags
	batchSpecFile string
	batchParallel int
	batchTimeout  time.Duration
	batchOut      string

	batchWalkForward bool
	batchVersion     string
	batchStart       string
	batchEnd         string
	batchWindow      int
	batchStep        int
	batchInSample    float64
)

func init() {
	rootCmd.AddCommand(batchCmd)
	batchSources.register(batchCmd)

	flags := batchCmd.Flags()
	flags.StringVar(&batchSpecFile, "spec", "", "YAML file listing the units")
	flags.IntVar(&batchParallel, "parallel", 4, "Units run at the same time")
	flags.DurationVar(&batchTimeout, "timeout", 0, "Cancel units still running after this long")
	flags.StringVar(&batchOut, "out", "out/batch", "Output directory; one subdirectory per unit")

	flags.BoolVar(&batchWalkForward, "walk-forward", false, "Generate rolling window units instead of reading --spec")
	flags.StringVar(&batchVersion, "version", config.Active, "Config version for generated units")
	flags.StringVar(&batchStart, "start", "", "Walk-forward range start (YYYY-MM-DD)")
	flags.StringVar(&batchEnd, "end", "", "Walk-forward range end (YYYY-MM-DD)")
	flags.IntVar(&batchWindow, "window", 365, "Walk-forward window in calendar days")
	flags.IntVar(&batchStep, "step", 90, "Walk-forward step in calendar days")
	flags.Float64Var(&batchInSample, "in-sample", 0, "Split each window into in-sample and out-of-sample units")
}

type unitFile struct {
	Units []struct {
		ID       string   `yaml:"id"`
		Name     string   `yaml:"name"`
		Version  string   `yaml:"version"`
		Start    string   `yaml:"start"`
		End      string   `yaml:"end"`
		Universe []string `yaml:"universe"`
	} `yaml:"units"`
}

// loadUnits parses a spec document into units with defaulted IDs
func loadUnits(raw []byte) ([]backtester.Unit, error) {
	var doc unitFile
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("failed to parse unit spec: %w", err)
	}
	if len(doc.Units) == 0 {
		return nil, fmt.Errorf("unit spec has no units")
	}

	seen := make(map[string]bool, len(doc.Units))
	units := make([]backtester.Unit, 0, len(doc.Units))
	for i, u := range doc.Units {
		id := u.ID
		if id == "" {
			id = fmt.Sprintf("unit-%03d", i)
		}
		if seen[id] {
			return nil, fmt.Errorf("duplicate unit id %q", id)
		}
		seen[id] = true

		start, end, err := parseRange(u.Start, u.End)
		if err != nil {
			return nil, fmt.Errorf("unit %s: %w", id, err)
		}
		units = append(units, backtester.Unit{
			ID:            id,
			Name:          u.Name,
			ConfigVersion: u.Version,
			Start:         start,
			End:           end,
			Universe:      u.Universe,
		})
	}
	return units, nil
}

func batchUnits() ([]backtester.Unit, error) {
	if batchWalkForward {
		start, end, err := parseRange(batchStart, batchEnd)
		if err != nil {
			return nil, err
		}
		return backtester.GenerateWalkForwardUnits(start, end, backtester.WalkForwardConfig{
			WindowDays:    batchWindow,
			StepDays:      batchStep,
			InSampleRatio: batchInSample,
			ConfigVersion: batchVersion,
		})
	}
	if batchSpecFile == "" {
		return nil, fmt.Errorf("either --spec or --walk-forward is required")
	}
	raw, err := os.ReadFile(batchSpecFile)
	if err != nil {
		return nil, fmt.Errorf("failed to read unit spec: %w", err)
	}
	return loadUnits(raw)
}

// unitRange returns the envelope of every unit's range
func unitRange(units []backtester.Unit) (time.Time, time.Time) {
	start, end := units[0].Start, units[0].End
	for _, u := range units[1:] {
		if u.Start.Before(start) {
			start = u.Start
		}
		if u.End.After(end) {
			end = u.End
		}
	}
	return start, end
}

func runBatch(cmd *cobra.Command, args []string) error {
	units, err := batchUnits()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store := config.NewStore(logger, configDir)
	var cfgs []*types.RunConfig
	loaded := make(map[string]bool)
	for _, u := range units {
		if loaded[u.ConfigVersion] {
			continue
		}
		loaded[u.ConfigVersion] = true
		cfg, err := store.Load(u.ConfigVersion)
		if err != nil {
			// the unit fails on its own when the batch resolves it
			logger.Warn("Config version unavailable", zap.String("version", u.ConfigVersion), zap.Error(err))
			continue
		}
		cfgs = append(cfgs, cfg)
	}
	if len(cfgs) == 0 {
		return fmt.Errorf("no unit has a loadable config version")
	}

	start, end := unitRange(units)
	env, err := loadEnvironment(ctx, &batchSources, start, end, cfgs)
	if err != nil {
		return err
	}
	defer env.Close()

	runner := backtester.NewBatchRunner(logger, store, env.Inputs, nil, telemetry.NewMetrics(nil))
	batchID := uuid.NewString()
	results := runner.Run(ctx, batchID, backtester.BatchSpec{
		Units:       units,
		MaxParallel: batchParallel,
		Timeout:     batchTimeout,
	})

	if err := os.MkdirAll(batchOut, 0o755); err != nil {
		return fmt.Errorf("failed to create output directory: %w", err)
	}
	for _, r := range results {
		if r.Result == nil {
			continue
		}
		if err := writeArtifacts(filepath.Join(batchOut, r.UnitID), r.Result); err != nil {
			return err
		}
	}

	var summary *backtester.WalkForwardSummary
	if batchWalkForward && batchInSample > 0 {
		summary = backtester.SummarizeWalkForward(results)
	}
	if err := writeFile(filepath.Join(batchOut, "batch.json"), func(w io.Writer) error {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(batchReport(batchID, results, summary))
	}); err != nil {
		return err
	}

	failed := printBatch(cmd.OutOrStdout(), results, summary)
	if ctx.Err() != nil {
		return fmt.Errorf("batch %s interrupted", batchID)
	}
	if failed == len(results) {
		return fmt.Errorf("all %d units failed", failed)
	}
	return nil
}

type unitReport struct {
	UnitID      string                `json:"unitId"`
	Status      backtester.UnitStatus `json:"status"`
	Error       string                `json:"error,omitempty"`
	Duration    string                `json:"duration"`
	RunID       string                `json:"runId,omitempty"`
	TotalReturn string                `json:"totalReturn,omitempty"`
	Trades      int                   `json:"trades"`
}

func batchReport(id string, results []*backtester.UnitResult, wf *backtester.WalkForwardSummary) interface{} {
	units := make([]unitReport, len(results))
	for i, r := range results {
		units[i] = unitReport{
			UnitID:   r.UnitID,
			Status:   r.Status,
			Error:    r.Error,
			Duration: r.Duration.Round(time.Millisecond).String(),
		}
		if r.Result != nil {
			units[i].RunID = r.Result.ID
			units[i].TotalReturn = r.Result.Evaluation.Metrics.TotalReturn.StringFixed(4)
			units[i].Trades = len(r.Result.Trades)
		}
	}
	return struct {
		ID          string                         `json:"id"`
		Units       []unitReport                   `json:"units"`
		WalkForward *backtester.WalkForwardSummary `json:"walkForward,omitempty"`
	}{id, units, wf}
}

func printBatch(w io.Writer, results []*backtester.UnitResult, wf *backtester.WalkForwardSummary) int {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "UNIT\tSTATUS\tTRADES\tRETURN\tELAPSED\tERROR")
	failed := 0
	for _, r := range results {
		trades, ret := "-", "-"
		if r.Result != nil {
			trades = fmt.Sprint(len(r.Result.Trades))
			ret = r.Result.Evaluation.Metrics.TotalReturn.Shift(2).StringFixed(2) + "%"
		}
		if r.Status != backtester.UnitCompleted {
			failed++
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n", r.UnitID, r.Status, trades, ret,
			r.Duration.Round(time.Millisecond), r.Error)
	}
	tw.Flush()

	if wf != nil {
		fmt.Fprintf(w, "Walk-forward robustness %s over %d windows\n", wf.Robustness.StringFixed(2), len(wf.Windows))
	}
	return failed
}
