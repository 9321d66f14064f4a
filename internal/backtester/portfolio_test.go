package backtester_test

import (
	"errors"
	"testing"

	"github.com/atlas-desktop/swing-backtester/internal/backtester"
	"github.com/atlas-desktop/swing-backtester/internal/data"
	"github.com/atlas-desktop/swing-backtester/pkg/types"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

func TestPortfolio(t *testing.T) {
	portfolio := backtester.NewPortfolio(decimal.NewFromInt(10000), 2, decimal.Zero)

	if !portfolio.GetCash().Equal(decimal.NewFromInt(10000)) {
		t.Errorf("Initial cash incorrect: %s", portfolio.GetCash())
	}
	if !portfolio.GetEquity().Equal(decimal.NewFromInt(10000)) {
		t.Errorf("Initial equity incorrect: %s", portfolio.GetEquity())
	}

	pos := &types.Position{Symbol: "AAA", EntryPrice: d(50), Shares: 100, EntryDate: riskDay}
	if err := portfolio.Open(pos); err != nil {
		t.Fatalf("Failed to open position: %v", err)
	}
	if !portfolio.GetCash().Equal(decimal.NewFromInt(5000)) {
		t.Errorf("Cash after open incorrect: %s", portfolio.GetCash())
	}

	portfolio.UpdatePrice("AAA", d(55))
	if !portfolio.GetEquity().Equal(decimal.NewFromInt(10500)) {
		t.Errorf("Marked equity incorrect: %s", portfolio.GetEquity())
	}

	trade, err := portfolio.Close("AAA", d(55), riskDay.AddDate(0, 0, 3), types.ExitTakeProfit)
	if err != nil {
		t.Fatalf("Failed to close position: %v", err)
	}
	if !trade.PnL.Equal(decimal.NewFromInt(500)) {
		t.Errorf("PnL incorrect: %s", trade.PnL)
	}
	if !trade.PnLPct.Equal(decimal.NewFromInt(10)) {
		t.Errorf("PnL %% incorrect: %s", trade.PnLPct)
	}
	if !portfolio.GetCash().Equal(decimal.NewFromInt(10500)) {
		t.Errorf("Cash after close incorrect: %s", portfolio.GetCash())
	}
	if portfolio.Count() != 0 {
		t.Errorf("Expected no open positions, got %d", portfolio.Count())
	}
}

func TestPortfolioRejectsInvalidFills(t *testing.T) {
	portfolio := backtester.NewPortfolio(decimal.NewFromInt(1000), 1, decimal.Zero)

	err := portfolio.Open(&types.Position{Symbol: "AAA", EntryPrice: d(20), Shares: 100})
	if !errors.Is(err, backtester.ErrInsufficientCash) {
		t.Fatalf("Expected ErrInsufficientCash, got %v", err)
	}
	if !portfolio.GetCash().Equal(decimal.NewFromInt(1000)) {
		t.Errorf("Rejected fill changed cash: %s", portfolio.GetCash())
	}

	if err := portfolio.Open(&types.Position{Symbol: "AAA", EntryPrice: d(20), Shares: 10}); err != nil {
		t.Fatalf("Failed to open position: %v", err)
	}
	if err := portfolio.Open(&types.Position{Symbol: "AAA", EntryPrice: d(20), Shares: 1}); !errors.Is(err, backtester.ErrAlreadyHeld) {
		t.Errorf("Expected ErrAlreadyHeld, got %v", err)
	}
	if err := portfolio.Open(&types.Position{Symbol: "BBB", EntryPrice: d(20), Shares: 1}); !errors.Is(err, backtester.ErrPositionLimit) {
		t.Errorf("Expected ErrPositionLimit, got %v", err)
	}
}

func TestPortfolioCommissionAndAffordableShares(t *testing.T) {
	// 10 bps
	portfolio := backtester.NewPortfolio(decimal.NewFromInt(10000), 5, decimal.NewFromInt(10))

	if got := portfolio.AffordableShares(d(100), 500); got != 99 {
		t.Errorf("Expected 99 affordable shares, got %d", got)
	}
	if got := portfolio.AffordableShares(d(100), 10); got != 10 {
		t.Errorf("Expected the wanted 10 shares, got %d", got)
	}

	pos := &types.Position{Symbol: "AAA", EntryPrice: d(100), Shares: 99}
	if err := portfolio.Open(pos); err != nil {
		t.Fatalf("Failed to open position: %v", err)
	}
	// 9900 notional + 9.90 commission
	if !portfolio.GetCash().Equal(d(90.10)) {
		t.Errorf("Cash after commission incorrect: %s", portfolio.GetCash())
	}
	if portfolio.GetCash().IsNegative() {
		t.Error("Cash went negative")
	}
}

func TestSlippageModels(t *testing.T) {
	fixed := backtester.NewFixedSlippage(decimal.NewFromInt(10))
	if got := fixed.Rate(1000, decimal.NewFromInt(1)); !got.Equal(d(0.001)) {
		t.Errorf("Fixed rate incorrect: %s", got)
	}

	vw := backtester.NewVolumeWeightedSlippage(decimal.NewFromInt(10), d(0.1))
	// sqrt(10000 / 1000000) = 0.1, impact 0.01
	if got := vw.Rate(10000, decimal.NewFromInt(1_000_000)); !got.Equal(d(0.011)) {
		t.Errorf("Volume weighted rate incorrect: %s", got)
	}
	if got := vw.Rate(10000, decimal.Zero); !got.Equal(d(0.001)) {
		t.Errorf("Rate without volume should fall back to base: %s", got)
	}
}

func TestCreateSlippageModel(t *testing.T) {
	byDefault := backtester.CreateSlippageModel(types.SlippageConfig{})
	if got := byDefault.Rate(100, decimal.Zero); !got.Equal(d(0.001)) {
		t.Errorf("Unnamed model should charge 10 bps, got %s", got)
	}

	free := backtester.CreateSlippageModel(types.SlippageConfig{Model: "fixed"})
	if got := free.Rate(100, decimal.Zero); !got.IsZero() {
		t.Errorf("Fixed model with zero bps should be free, got %s", got)
	}

	capped := backtester.CreateSlippageModel(types.SlippageConfig{
		Model:        "volume_weighted",
		FixedBps:     decimal.NewFromInt(10),
		ImpactFactor: d(0.1),
		MaxBps:       decimal.NewFromInt(50),
	})
	// uncapped this would be 0.001 + 0.1 * sqrt(1) = 0.101
	if got := capped.Rate(1000, decimal.NewFromInt(1000)); !got.Equal(d(0.005)) {
		t.Errorf("Rate should be capped at 50 bps, got %s", got)
	}
}

func TestOrderFillsAtOpenWithSlippage(t *testing.T) {
	days := sessions(3)
	history := data.NewPriceHistoryFrom(map[string][]types.OHLCV{
		"AAA": {
			bar(days[0], 100, 101, 99, 100),
			bar(days[1], 101, 103, 100, 102),
		},
		"GAP": {
			bar(days[0], 100, 101, 99, 100),
			bar(days[1], 90, 92, 88, 91),
		},
	})
	portfolio := backtester.NewPortfolio(decimal.NewFromInt(100000), 5, decimal.Zero)
	om := backtester.NewOrderManager(zap.NewNop(), backtester.NewFixedSlippage(decimal.NewFromInt(10)))

	signal := &types.Signal{Type: types.SignalBuy, EntryPrice: d(100), StopLoss: d(95), TakeProfit: d(110)}
	om.Submit(&backtester.EntryOrder{ID: "1", Symbol: "AAA", Signal: signal, Shares: 150})
	om.Submit(&backtester.EntryOrder{ID: "2", Symbol: "GAP", Signal: signal, Shares: 150})
	om.Submit(&backtester.EntryOrder{ID: "3", Symbol: "NONE", Signal: signal, Shares: 150})

	if n := len(om.Holdings()); n != 3 {
		t.Fatalf("Expected 3 pending holdings, got %d", n)
	}

	opened, rejected := om.CheckFills(days[1], history, portfolio)
	if len(opened) != 1 || opened[0].Symbol != "AAA" {
		t.Fatalf("Expected AAA to fill, got %+v", opened)
	}
	if !opened[0].EntryPrice.Equal(d(101.101)) {
		t.Errorf("Fill price incorrect: %s", opened[0].EntryPrice)
	}
	if opened[0].Shares != 150 {
		t.Errorf("Fill shares incorrect: %d", opened[0].Shares)
	}

	if len(rejected) != 2 {
		t.Fatalf("Expected 2 rejections, got %d", len(rejected))
	}
	if rejected[0].Reject != backtester.FillGapBelowStop {
		t.Errorf("Expected gap rejection, got %s", rejected[0].Reject)
	}
	if rejected[1].Reject != backtester.FillNoBar {
		t.Errorf("Expected missing bar rejection, got %s", rejected[1].Reject)
	}
	if len(om.Pending()) != 0 {
		t.Error("Queue should be empty after fills")
	}
}
