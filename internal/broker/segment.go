package broker

import (
	"time"

	"github.com/shopspring/decimal"

	apperrors "github.com/Anupamvm/mCube-ai-sub004/internal/errors"
	"github.com/Anupamvm/mCube-ai-sub004/internal/models"
	"github.com/Anupamvm/mCube-ai-sub004/pkg/utils"
)

// MarketPhase is where a venue sits in its daily cycle.
type MarketPhase string

const (
	PhaseClosed    MarketPhase = "CLOSED"
	PhasePreOpen   MarketPhase = "PRE_OPEN"
	PhaseOpen      MarketPhase = "OPEN"
	PhasePostClose MarketPhase = "POST_CLOSE"
)

// SegmentInfo describes one trading venue: its session times as IST
// offsets from midnight, its price grid and its product rules.
type SegmentInfo struct {
	Exchange    models.Exchange
	Description string

	// PreOpen and PostClose are zero for venues without those windows.
	PreOpen   time.Duration
	Open      time.Duration
	Close     time.Duration
	PostClose time.Duration

	TickSize decimal.Decimal
	// Derivative venues settle contracts; delivery products make no
	// sense there.
	Derivative bool
}

var segments = map[models.Exchange]SegmentInfo{
	models.NSE: {
		Exchange:    models.NSE,
		Description: "NSE Equity",
		PreOpen:     9 * time.Hour,
		Open:        9*time.Hour + 15*time.Minute,
		Close:       15*time.Hour + 30*time.Minute,
		PostClose:   16 * time.Hour,
		TickSize:    decimal.New(5, -2),
	},
	models.BSE: {
		Exchange:    models.BSE,
		Description: "BSE Equity",
		PreOpen:     9 * time.Hour,
		Open:        9*time.Hour + 15*time.Minute,
		Close:       15*time.Hour + 30*time.Minute,
		PostClose:   16 * time.Hour,
		TickSize:    decimal.New(5, -2),
	},
	models.NFO: {
		Exchange:    models.NFO,
		Description: "NSE Futures & Options",
		Open:        9*time.Hour + 15*time.Minute,
		Close:       15*time.Hour + 30*time.Minute,
		TickSize:    decimal.New(5, -2),
		Derivative:  true,
	},
	models.CDS: {
		Exchange:    models.CDS,
		Description: "Currency Derivatives",
		Open:        9 * time.Hour,
		Close:       17 * time.Hour,
		TickSize:    decimal.New(25, -4),
		Derivative:  true,
	},
	models.MCX: {
		Exchange:    models.MCX,
		Description: "MCX Commodity",
		Open:        9 * time.Hour,
		Close:       23*time.Hour + 30*time.Minute,
		TickSize:    decimal.New(1, 0),
		Derivative:  true,
	},
}

// SegmentFor returns the venue metadata for an exchange.
func SegmentFor(exchange models.Exchange) (SegmentInfo, bool) {
	seg, ok := segments[exchange]
	return seg, ok
}

// Segments returns all known venues in a stable order.
func Segments() []SegmentInfo {
	order := []models.Exchange{models.NSE, models.BSE, models.NFO, models.CDS, models.MCX}
	result := make([]SegmentInfo, 0, len(order))
	for _, ex := range order {
		result = append(result, segments[ex])
	}
	return result
}

// PhaseAt reports the venue's phase at t. Weekends are closed;
// exchange holidays are not modelled.
func (s SegmentInfo) PhaseAt(t time.Time) MarketPhase {
	ist := t.In(utils.IndiaLocation)
	if !utils.IsTradingDay(ist) {
		return PhaseClosed
	}

	midnight := time.Date(ist.Year(), ist.Month(), ist.Day(), 0, 0, 0, 0, utils.IndiaLocation)
	since := ist.Sub(midnight)

	switch {
	case since >= s.Open && since < s.Close:
		return PhaseOpen
	case s.PreOpen > 0 && since >= s.PreOpen && since < s.Open:
		return PhasePreOpen
	case s.PostClose > 0 && since >= s.Close && since < s.PostClose:
		return PhasePostClose
	default:
		return PhaseClosed
	}
}

// IsOpenAt reports whether the venue's regular session is running at t.
func (s SegmentInfo) IsOpenAt(t time.Time) bool {
	return s.PhaseAt(t) == PhaseOpen
}

// CheckSegmentRules validates a request against its venue: prices must
// sit on the venue's tick grid and delivery products are rejected on
// derivative venues. Runs after OrderRequest.Validate, which has
// already established the exchange is known.
func CheckSegmentRules(req *models.OrderRequest) error {
	seg, ok := segments[req.Exchange]
	if !ok {
		return apperrors.NewValidationError("exchange", string(req.Exchange), "unknown exchange")
	}

	if !req.Price.IsZero() && !req.Price.Mod(seg.TickSize).IsZero() {
		return apperrors.NewValidationError("price", req.Price.String(),
			"price must be a multiple of tick size "+seg.TickSize.String())
	}
	if !req.TriggerPrice.IsZero() && !req.TriggerPrice.Mod(seg.TickSize).IsZero() {
		return apperrors.NewValidationError("trigger_price", req.TriggerPrice.String(),
			"trigger price must be a multiple of tick size "+seg.TickSize.String())
	}
	if seg.Derivative && req.Product == models.ProductCNC {
		return apperrors.NewValidationError("product", string(req.Product),
			"CNC delivery is not available on "+string(req.Exchange))
	}
	return nil
}
