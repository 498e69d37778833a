package models

import (
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"
)

// Position represents an open trading position in broker-neutral form.
// Quantity is signed: positive for net long, negative for net short. All
// monetary fields are exact decimals so P&L arithmetic never drifts.
type Position struct {
	Symbol        string
	Exchange      Exchange
	Product       ProductType
	Quantity      int
	AveragePrice  decimal.Decimal
	LTP           decimal.Decimal
	UnrealizedPnL decimal.Decimal
	RealizedPnL   decimal.Decimal
	BuyQty        int
	SellQty       int
	BuyValue      decimal.Decimal
	SellValue     decimal.Decimal
	Multiplier    int // F&O lot multiplier, 1 for equity
	Broker        BrokerID
	Raw           json.RawMessage
}

// ComputeUnrealizedPnL returns (LTP - AveragePrice) * Quantity in exact
// decimal arithmetic. Adapters call this after normalization instead of
// trusting broker-computed floats.
func (p *Position) ComputeUnrealizedPnL() decimal.Decimal {
	return p.LTP.Sub(p.AveragePrice).Mul(decimal.NewFromInt(int64(p.Quantity)))
}

// NetValue returns the current market value of the position.
func (p *Position) NetValue() decimal.Decimal {
	return p.LTP.Mul(decimal.NewFromInt(int64(p.Quantity)))
}

// IsFlat reports whether the position has been fully squared off.
func (p *Position) IsFlat() bool {
	return p.Quantity == 0
}

// Margin represents an account margin summary. Available is post-haircut
// usable margin; Total is the overall balance including collateral.
type Margin struct {
	Available  decimal.Decimal
	Used       decimal.Decimal
	Total      decimal.Decimal
	ExposureFO decimal.Decimal // margin blocked in the F&O segment
	Collateral decimal.Decimal
	Broker     BrokerID
	FetchedAt  time.Time
	Raw        json.RawMessage
}

// Holding represents a delivery holding.
type Holding struct {
	Symbol       string
	Exchange     Exchange
	Quantity     int
	AveragePrice decimal.Decimal
	LTP          decimal.Decimal
	PnL          decimal.Decimal
	Broker       BrokerID
}
