// Package telemetry provides Prometheus collectors and OpenTelemetry tracing
// for simulation runs and batches.
package telemetry

import (
	"time"

	"github.com/atlas-desktop/swing-backtester/pkg/types"
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the run and batch collectors. It satisfies the batch
// runner's metrics sink.
type Metrics struct {
	Runs          *prometheus.CounterVec
	Trades        *prometheus.CounterVec
	Skips         *prometheus.CounterVec
	RunDuration   prometheus.Histogram
	UnitsInflight prometheus.Gauge
}

// NewMetrics creates the collectors and registers them on reg.
// A nil reg leaves them unregistered.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Runs: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "swing_runs_total",
				Help: "Total number of simulation runs by final status",
			},
			[]string{"status"},
		),

		Trades: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "swing_trades_total",
				Help: "Total number of closed trades by exit reason",
			},
			[]string{"exit_reason"},
		),

		Skips: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "swing_skips_total",
				Help: "Total number of skipped candidates and entries by stage:reason",
			},
			[]string{"reason"},
		),

		RunDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "swing_run_duration_seconds",
				Help:    "Wall-clock duration of one simulation run",
				Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
			},
		),

		UnitsInflight: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "swing_batch_units_inflight",
				Help: "Number of batch units currently running",
			},
		),
	}

	if reg != nil {
		reg.MustRegister(m.Runs, m.Trades, m.Skips, m.RunDuration, m.UnitsInflight)
	}
	return m
}

// TradeClosed counts one closed trade
func (m *Metrics) TradeClosed(reason types.ExitReason) {
	m.Trades.WithLabelValues(string(reason)).Inc()
}

// Skipped counts one skip recorded in the audit trail
func (m *Metrics) Skipped(stage, reason string) {
	m.Skips.WithLabelValues(stage + ":" + reason).Inc()
}

// RunFinished counts a finished run and observes its duration
func (m *Metrics) RunFinished(status string, elapsed time.Duration) {
	m.Runs.WithLabelValues(status).Inc()
	m.RunDuration.Observe(elapsed.Seconds())
}

// UnitsInFlight moves the in-flight gauge
func (m *Metrics) UnitsInFlight(delta int) {
	m.UnitsInflight.Add(float64(delta))
}
