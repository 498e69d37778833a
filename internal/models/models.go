// Package models provides the broker-agnostic domain types shared by all
// broker adapters. Adapters translate their wire payloads into these types
// so the rest of the application never sees broker-specific shapes.
package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// BrokerID identifies a supported broker backend.
type BrokerID string

const (
	BrokerKite    BrokerID = "kite"
	BrokerMotilal BrokerID = "motilal"
	BrokerPaper   BrokerID = "paper"
)

// Exchange represents a stock exchange.
type Exchange string

const (
	NSE Exchange = "NSE"
	BSE Exchange = "BSE"
	NFO Exchange = "NFO" // F&O
	CDS Exchange = "CDS" // Currency
	MCX Exchange = "MCX" // Commodity
)

// TransactionType represents the side of an order.
type TransactionType string

const (
	TransactionBuy  TransactionType = "BUY"
	TransactionSell TransactionType = "SELL"
)

// OrderType represents the type of an order.
type OrderType string

const (
	OrderTypeMarket    OrderType = "MARKET"
	OrderTypeLimit     OrderType = "LIMIT"
	OrderTypeStopLoss  OrderType = "SL"
	OrderTypeStopLossM OrderType = "SL-M"
)

// ProductType represents the product type of an order.
type ProductType string

const (
	ProductMIS  ProductType = "MIS"  // Intraday
	ProductCNC  ProductType = "CNC"  // Delivery
	ProductNRML ProductType = "NRML" // F&O Normal
)

// Validity represents how long an order stays live at the exchange.
type Validity string

const (
	ValidityDay Validity = "DAY"
	ValidityIOC Validity = "IOC"
)

// OrderState represents the normalized lifecycle state of a placed order.
// Brokers report many vendor-specific states; adapters map them onto this
// small set and keep the raw value alongside.
type OrderState string

const (
	OrderStateOpen      OrderState = "OPEN"
	OrderStatePending   OrderState = "PENDING"
	OrderStateComplete  OrderState = "COMPLETE"
	OrderStateCancelled OrderState = "CANCELLED"
	OrderStateRejected  OrderState = "REJECTED"
)

// Terminal reports whether the state can no longer change.
func (s OrderState) Terminal() bool {
	switch s {
	case OrderStateComplete, OrderStateCancelled, OrderStateRejected:
		return true
	}
	return false
}

// Instrument represents a tradeable instrument from a broker scrip master.
type Instrument struct {
	Token     uint32
	Symbol    string
	Name      string
	Exchange  Exchange
	Segment   string
	LotSize   int
	TickSize  decimal.Decimal
	Expiry    time.Time
	Strike    decimal.Decimal
	InstrType string
}

// Tick represents real-time market data from a broker stream. Tick prices
// are ephemeral display data, not money that is persisted or summed, so
// they stay float64 the way the feeds deliver them.
type Tick struct {
	Symbol       string
	Token        uint32
	LTP          float64
	Open         float64
	High         float64
	Low          float64
	Close        float64
	Volume       int64
	BuyQuantity  int64
	SellQuantity int64
	Timestamp    time.Time
}
