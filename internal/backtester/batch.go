// Package backtester provides the parallel batch runner for independent simulation units.
package backtester

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/atlas-desktop/swing-backtester/internal/data"
	"github.com/atlas-desktop/swing-backtester/internal/events"
	"github.com/atlas-desktop/swing-backtester/internal/workers"
	"github.com/atlas-desktop/swing-backtester/pkg/types"
	"github.com/atlas-desktop/swing-backtester/pkg/utils"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

const tracerName = "github.com/atlas-desktop/swing-backtester/backtester"

// Unit is one independent simulation in a batch
type Unit struct {
	ID            string    `json:"id"`
	Name          string    `json:"name"`
	ConfigVersion string    `json:"configVersion"`
	Start         time.Time `json:"start"`
	End           time.Time `json:"end"`
	// Universe replaces the provider's membership when set
	Universe []string `json:"universe,omitempty"`
}

// BatchSpec is a batch submission
type BatchSpec struct {
	Units       []Unit        `json:"units"`
	MaxParallel int           `json:"maxParallel"`
	Timeout     time.Duration `json:"timeout"`
}

// UnitStatus is the outcome of one unit
type UnitStatus string

const (
	UnitPending   UnitStatus = "pending"
	UnitRunning   UnitStatus = "running"
	UnitCompleted UnitStatus = "completed"
	UnitFailed    UnitStatus = "failed"
	UnitCancelled UnitStatus = "cancelled"
)

// UnitResult is the per-unit record of a batch
type UnitResult struct {
	UnitID   string        `json:"unitId"`
	Name     string        `json:"name"`
	Status   UnitStatus    `json:"status"`
	Error    string        `json:"error,omitempty"`
	Duration time.Duration `json:"duration"`
	Result   *Result       `json:"result,omitempty"`
}

// ConfigResolver resolves a config version; config.Store implements it
type ConfigResolver interface {
	Load(version string) (*types.RunConfig, error)
}

// BatchMetrics receives batch counters; telemetry implements it
type BatchMetrics interface {
	Recorder
	RunFinished(status string, elapsed time.Duration)
	UnitsInFlight(delta int)
}

// BatchRunner runs units in parallel over shared read-only inputs
type BatchRunner struct {
	logger  *zap.Logger
	configs ConfigResolver
	inputs  Inputs
	bus     *events.EventBus
	metrics BatchMetrics
}

// NewBatchRunner creates a batch runner. bus and metrics may be nil.
// inputs.History must already hold every symbol the units need.
func NewBatchRunner(logger *zap.Logger, configs ConfigResolver, inputs Inputs, bus *events.EventBus, metrics BatchMetrics) *BatchRunner {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &BatchRunner{
		logger:  logger,
		configs: configs,
		inputs:  inputs,
		bus:     bus,
		metrics: metrics,
	}
}

// Run executes every unit and returns one result per unit in submission
// order. A failed or panicking unit does not affect its siblings. When ctx
// is cancelled or the timeout elapses, completed results are kept, running
// units are reported cancelled and units not yet started are reported
// cancelled without running.
func (b *BatchRunner) Run(ctx context.Context, batchID string, spec BatchSpec) []*UnitResult {
	if spec.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, spec.Timeout)
		defer cancel()
	}

	ctx, span := otel.Tracer(tracerName).Start(ctx, "batch")
	span.SetAttributes(attribute.String("batch.id", batchID), attribute.Int("batch.units", len(spec.Units)))
	defer span.End()

	results := make([]*UnitResult, len(spec.Units))
	for i, u := range spec.Units {
		results[i] = &UnitResult{UnitID: u.ID, Name: u.Name, Status: UnitPending}
	}
	b.publish(events.NewBatchEvent(events.EventTypeBatchSubmitted, batchID, len(spec.Units), 0, 0, 0))

	b.logger.Info("Starting batch",
		zap.String("batchId", batchID),
		zap.Int("units", len(spec.Units)),
		zap.Int("maxParallel", spec.MaxParallel),
	)

	pool := workers.New(ctx, b.logger, workers.Config{Name: "batch-" + batchID, Size: spec.MaxParallel})

	var mu sync.Mutex
	for i := range spec.Units {
		unit := spec.Units[i]
		slot := results[i]
		err := pool.Go(func(ctx context.Context) error {
			res := b.runUnit(ctx, batchID, unit)
			mu.Lock()
			*slot = *res
			mu.Unlock()
			if res.Status == UnitFailed {
				return errors.New(res.Error)
			}
			return nil
		})
		if err != nil {
			// the remaining units stay pending and are reported cancelled
			break
		}
	}
	stats := pool.Wait()
	b.logger.Debug("Batch pool drained",
		zap.Int64("started", stats.Started),
		zap.Int64("panics", stats.Panics),
		zap.Duration("slowest", stats.Slowest),
	)

	var completed, failed, cancelled int
	for _, r := range results {
		switch r.Status {
		case UnitCompleted:
			completed++
		case UnitFailed:
			failed++
		default:
			r.Status = UnitCancelled
			cancelled++
		}
	}

	eventType := events.EventTypeBatchCompleted
	if ctx.Err() != nil {
		eventType = events.EventTypeBatchCancelled
		span.SetStatus(codes.Error, ctx.Err().Error())
	}
	b.publish(events.NewBatchEvent(eventType, batchID, len(spec.Units), completed, failed, cancelled))

	b.logger.Info("Batch finished",
		zap.String("batchId", batchID),
		zap.Int("completed", completed),
		zap.Int("failed", failed),
		zap.Int("cancelled", cancelled),
	)
	return results
}

// runUnit runs one unit; panics inside the simulator become failed results
func (b *BatchRunner) runUnit(ctx context.Context, batchID string, unit Unit) (res *UnitResult) {
	res = &UnitResult{UnitID: unit.ID, Name: unit.Name, Status: UnitRunning}
	if err := ctx.Err(); err != nil {
		res.Status = UnitCancelled
		res.Error = "not started: " + err.Error()
		return res
	}

	ctx, span := otel.Tracer(tracerName).Start(ctx, "unit", trace.WithAttributes(
		attribute.String("unit.id", unit.ID),
		attribute.String("unit.config_version", unit.ConfigVersion),
		attribute.String("unit.start", unit.Start.Format("2006-01-02")),
		attribute.String("unit.end", unit.End.Format("2006-01-02")),
	))

	started := time.Now()
	if b.metrics != nil {
		b.metrics.UnitsInFlight(1)
	}
	b.publish(events.NewUnitEvent(events.EventTypeUnitStarted, batchID, unit.ID))

	defer func() {
		if r := recover(); r != nil {
			res.Status = UnitFailed
			res.Error = fmt.Sprintf("panic: %v", r)
			res.Result = nil
			b.logger.Error("Unit panicked", zap.String("unitId", unit.ID), zap.Any("panic", r))
		}
		res.Duration = time.Since(started)

		if b.metrics != nil {
			b.metrics.UnitsInFlight(-1)
			b.metrics.RunFinished(string(res.Status), res.Duration)
		}

		ev := events.NewUnitEvent(events.EventTypeUnitCompleted, batchID, unit.ID)
		if res.Status != UnitCompleted {
			ev = events.NewUnitEvent(events.EventTypeUnitFailed, batchID, unit.ID)
			ev.Error = res.Error
			span.SetStatus(codes.Error, res.Error)
		} else {
			ev.Trades = len(res.Result.Trades)
			ev.Equity = res.Result.FinalEquity.StringFixed(2)
		}
		b.publish(ev)
		span.End()
	}()

	result, err := b.simulate(ctx, batchID, unit)
	switch {
	case err == nil:
		res.Status = UnitCompleted
		res.Result = result
	case ctx.Err() != nil:
		res.Status = UnitCancelled
		res.Error = err.Error()
	default:
		res.Status = UnitFailed
		res.Error = err.Error()
		b.logger.Warn("Unit failed", zap.String("unitId", unit.ID), zap.Error(err))
	}
	return res
}

func (b *BatchRunner) simulate(ctx context.Context, batchID string, unit Unit) (*Result, error) {
	cfg, err := b.configs.Load(unit.ConfigVersion)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve config %q: %w", unit.ConfigVersion, err)
	}

	in := b.inputs
	universeKey := "default"
	if len(unit.Universe) > 0 {
		symbols := make([]string, len(unit.Universe))
		for i, s := range unit.Universe {
			symbols[i] = utils.FormatSymbol(s)
		}
		sort.Strings(symbols)
		in.Universe = data.NewStaticUniverse(symbols, nil)
		universeKey = utils.DeterministicID(strings.Join(symbols, ","))
	}
	in.RegimeScope = strings.Join([]string{cfg.Version, cfg.IndexSymbol, universeKey}, "|")

	opts := Options{
		OnDay: func(rec *DayRecord, i, total int) {
			if b.bus == nil {
				return
			}
			ev := events.NewUnitEvent(events.EventTypeUnitProgress, batchID, unit.ID)
			ev.Day = i
			ev.Days = total
			ev.Date = rec.Date.Format("2006-01-02")
			ev.Equity = rec.Equity.Equity.StringFixed(2)
			b.bus.Publish(ev)
		},
	}
	if b.metrics != nil {
		opts.Recorder = b.metrics
	}

	sim := NewSimulator(b.logger.With(zap.String("unitId", unit.ID)), cfg, in, opts)
	return sim.Run(ctx, unit.Start, unit.End)
}

func (b *BatchRunner) publish(ev events.Event) {
	if b.bus != nil {
		b.bus.Publish(ev)
	}
}
