package models

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	apperrors "github.com/Anupamvm/mCube-ai-sub004/internal/errors"
)

// OrderRequest describes an order to be placed, in broker-neutral terms.
// Prices are exact decimals; adapters convert to whatever their wire
// format needs at the last moment.
type OrderRequest struct {
	Symbol          string
	Exchange        Exchange
	TransactionType TransactionType
	OrderType       OrderType
	Product         ProductType
	Quantity        int
	Price           decimal.Decimal // required for LIMIT and SL
	TriggerPrice    decimal.Decimal // required for SL and SL-M
	Validity        Validity
	Tag             string
	// Extra carries broker-specific parameters that have no neutral
	// representation, keyed by the broker's own parameter name.
	Extra map[string]string
}

// Validate checks the request before it is handed to any adapter. It
// returns a *errors.ValidationError describing the first problem found,
// so a bad request never reaches the network.
func (r *OrderRequest) Validate() error {
	if strings.TrimSpace(r.Symbol) == "" {
		return apperrors.NewValidationError("symbol", r.Symbol, "symbol cannot be empty")
	}
	switch r.Exchange {
	case NSE, BSE, NFO, CDS, MCX:
	default:
		return apperrors.NewValidationError("exchange", string(r.Exchange), "unknown exchange")
	}
	switch r.TransactionType {
	case TransactionBuy, TransactionSell:
	default:
		return apperrors.NewValidationError("transaction_type", string(r.TransactionType), "must be BUY or SELL")
	}
	switch r.Product {
	case ProductMIS, ProductCNC, ProductNRML:
	default:
		return apperrors.NewValidationError("product", string(r.Product), "unknown product type")
	}
	if r.Quantity <= 0 {
		return apperrors.NewValidationError("quantity", "", "quantity must be a positive integer")
	}
	if r.Price.IsNegative() {
		return apperrors.NewValidationError("price", r.Price.String(), "price cannot be negative")
	}
	if r.TriggerPrice.IsNegative() {
		return apperrors.NewValidationError("trigger_price", r.TriggerPrice.String(), "trigger price cannot be negative")
	}
	switch r.OrderType {
	case OrderTypeMarket:
	case OrderTypeLimit:
		if !r.Price.IsPositive() {
			return apperrors.NewValidationError("price", r.Price.String(), "limit orders require a positive price")
		}
	case OrderTypeStopLoss:
		if !r.Price.IsPositive() {
			return apperrors.NewValidationError("price", r.Price.String(), "stop-loss limit orders require a positive price")
		}
		if !r.TriggerPrice.IsPositive() {
			return apperrors.NewValidationError("trigger_price", r.TriggerPrice.String(), "stop-loss orders require a positive trigger price")
		}
	case OrderTypeStopLossM:
		if !r.TriggerPrice.IsPositive() {
			return apperrors.NewValidationError("trigger_price", r.TriggerPrice.String(), "stop-loss market orders require a positive trigger price")
		}
	default:
		return apperrors.NewValidationError("order_type", string(r.OrderType), "unknown order type")
	}
	if r.Validity != "" && r.Validity != ValidityDay && r.Validity != ValidityIOC {
		return apperrors.NewValidationError("validity", string(r.Validity), "must be DAY or IOC")
	}
	return nil
}

// OrderResult is the normalized outcome of a placement attempt. Success
// implies a non-empty OrderID; failure implies a non-empty Error.
type OrderResult struct {
	Success  bool
	OrderID  string
	Message  string
	Error    string
	Broker   BrokerID
	Symbol   string
	Quantity int
	Price    decimal.Decimal
	PlacedAt time.Time
	// Raw preserves the broker's response payload for audit trails.
	Raw json.RawMessage
}

// NewOrderResult returns a successful result for a broker-acknowledged order.
func NewOrderResult(broker BrokerID, orderID, message string) *OrderResult {
	return &OrderResult{
		Success:  true,
		OrderID:  orderID,
		Message:  message,
		Broker:   broker,
		PlacedAt: time.Now(),
	}
}

// FailedOrderResult returns a failed result carrying the error detail.
func FailedOrderResult(broker BrokerID, message string, err error) *OrderResult {
	detail := message
	if err != nil {
		detail = err.Error()
	}
	return &OrderResult{
		Success:  false,
		Message:  message,
		Error:    detail,
		Broker:   broker,
		PlacedAt: time.Now(),
	}
}

// OrderStatus is the normalized state of an order previously placed with
// a broker.
type OrderStatus struct {
	OrderID       string
	State         OrderState
	StatusMessage string
	FilledQty     int
	PendingQty    int
	AveragePrice  decimal.Decimal
	Broker        BrokerID
	UpdatedAt     time.Time
	Raw           json.RawMessage
}
