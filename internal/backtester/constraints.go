package backtester

import (
	"fmt"
	"time"

	"github.com/atlas-desktop/swing-backtester/internal/data"
	"github.com/atlas-desktop/swing-backtester/pkg/types"
	"github.com/atlas-desktop/swing-backtester/pkg/utils"
)

// Constraint rejection reasons
const (
	ConstraintMaxPositions = "max_positions"
	ConstraintHeld         = "already_held"
	ConstraintSector       = "sector_limit"
	ConstraintCorrelation  = "correlation"
)

// Holding is an open or pending position as seen by the constraint checks
type Holding struct {
	Symbol string
	Sector string
}

// Constraints enforces portfolio-level entry limits against current holdings
type Constraints struct {
	params  types.PortfolioParams
	sectors data.SectorLookup
	history *data.PriceHistory
}

// NewConstraints creates the portfolio constraint checker. sectors may be nil.
func NewConstraints(params types.PortfolioParams, sectors data.SectorLookup, history *data.PriceHistory) *Constraints {
	return &Constraints{params: params, sectors: sectors, history: history}
}

// Sector returns the symbol's sector or ""
func (c *Constraints) Sector(symbol string) string {
	if c.sectors == nil {
		return ""
	}
	return c.sectors.Sector(symbol)
}

// Check returns a rejection reason and detail, or "" when the entry is allowed.
// Correlations use returns dated strictly before asOf.
func (c *Constraints) Check(symbol string, asOf time.Time, holdings []Holding) (string, string) {
	if c.params.MaxPositions > 0 && len(holdings) >= c.params.MaxPositions {
		return ConstraintMaxPositions, fmt.Sprintf("%d positions", len(holdings))
	}

	sector := c.Sector(symbol)
	sameSector := 0
	for _, h := range holdings {
		if h.Symbol == symbol {
			return ConstraintHeld, ""
		}
		if sector != "" && h.Sector == sector {
			sameSector++
		}
	}
	if c.params.MaxSectorPositions > 0 && sameSector >= c.params.MaxSectorPositions {
		return ConstraintSector, fmt.Sprintf("%d positions in %s", sameSector, sector)
	}

	if c.params.MaxCorrelation > 0 && c.params.MaxCorrelation < 1 && c.history != nil {
		for _, h := range holdings {
			corr, ok := c.correlation(symbol, h.Symbol, asOf)
			if ok && corr > c.params.MaxCorrelation {
				return ConstraintCorrelation, fmt.Sprintf("%.2f with %s", corr, h.Symbol)
			}
		}
	}
	return "", ""
}

// correlation of daily returns over the shared sessions of the window
func (c *Constraints) correlation(a, b string, asOf time.Time) (float64, bool) {
	window := c.params.CorrelationWindow + 1
	barsA := c.history.Window(a, asOf, window)
	barsB := c.history.Window(b, asOf, window)

	closesB := make(map[int64]float64, len(barsB))
	for _, bar := range barsB {
		closesB[bar.Date.Unix()], _ = bar.Close.Float64()
	}

	var xa, xb []float64
	for _, bar := range barsA {
		cb, ok := closesB[bar.Date.Unix()]
		if !ok {
			continue
		}
		ca, _ := bar.Close.Float64()
		xa = append(xa, ca)
		xb = append(xb, cb)
	}
	// need a handful of overlapping returns to say anything
	if len(xa) < 10 {
		return 0, false
	}
	return utils.Correlation(utils.SimpleReturns(xa), utils.SimpleReturns(xb)), true
}
