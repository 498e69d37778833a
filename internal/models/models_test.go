package models

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/Anupamvm/mCube-ai-sub004/internal/errors"
)

func validRequest() OrderRequest {
	return OrderRequest{
		Symbol:          "SBIN",
		Exchange:        NSE,
		TransactionType: TransactionBuy,
		OrderType:       OrderTypeMarket,
		Product:         ProductMIS,
		Quantity:        100,
	}
}

func TestOrderRequestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*OrderRequest)
		field   string
		wantErr bool
	}{
		{name: "valid market order", mutate: func(r *OrderRequest) {}},
		{name: "valid limit order", mutate: func(r *OrderRequest) {
			r.OrderType = OrderTypeLimit
			r.Price = decimal.RequireFromString("505.25")
		}},
		{name: "valid stop loss market", mutate: func(r *OrderRequest) {
			r.OrderType = OrderTypeStopLossM
			r.TriggerPrice = decimal.RequireFromString("498.00")
		}},
		{name: "empty symbol", mutate: func(r *OrderRequest) { r.Symbol = "  " }, field: "symbol", wantErr: true},
		{name: "unknown exchange", mutate: func(r *OrderRequest) { r.Exchange = "NYSE" }, field: "exchange", wantErr: true},
		{name: "unknown side", mutate: func(r *OrderRequest) { r.TransactionType = "HOLD" }, field: "transaction_type", wantErr: true},
		{name: "unknown product", mutate: func(r *OrderRequest) { r.Product = "BO" }, field: "product", wantErr: true},
		{name: "zero quantity", mutate: func(r *OrderRequest) { r.Quantity = 0 }, field: "quantity", wantErr: true},
		{name: "negative quantity", mutate: func(r *OrderRequest) { r.Quantity = -5 }, field: "quantity", wantErr: true},
		{name: "negative price", mutate: func(r *OrderRequest) {
			r.Price = decimal.RequireFromString("-1.00")
		}, field: "price", wantErr: true},
		{name: "limit without price", mutate: func(r *OrderRequest) {
			r.OrderType = OrderTypeLimit
		}, field: "price", wantErr: true},
		{name: "stop loss without trigger", mutate: func(r *OrderRequest) {
			r.OrderType = OrderTypeStopLoss
			r.Price = decimal.RequireFromString("500.00")
		}, field: "trigger_price", wantErr: true},
		{name: "unknown order type", mutate: func(r *OrderRequest) { r.OrderType = "BRACKET" }, field: "order_type", wantErr: true},
		{name: "bad validity", mutate: func(r *OrderRequest) { r.Validity = "GTC" }, field: "validity", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := validRequest()
			tt.mutate(&req)
			err := req.Validate()
			if !tt.wantErr {
				require.NoError(t, err)
				return
			}
			require.Error(t, err)
			var ve *apperrors.ValidationError
			require.ErrorAs(t, err, &ve)
			assert.Equal(t, tt.field, ve.Field)
		})
	}
}

func TestOrderResultInvariants(t *testing.T) {
	ok := NewOrderResult(BrokerKite, "230822000123456", "order placed")
	assert.True(t, ok.Success)
	assert.NotEmpty(t, ok.OrderID)
	assert.Empty(t, ok.Error)
	assert.False(t, ok.PlacedAt.IsZero())

	fail := FailedOrderResult(BrokerMotilal, "placement rejected", apperrors.ErrInsufficientFunds)
	assert.False(t, fail.Success)
	assert.Empty(t, fail.OrderID)
	assert.NotEmpty(t, fail.Error)
	assert.Equal(t, BrokerMotilal, fail.Broker)

	// When no cause is supplied the message doubles as the error detail.
	bare := FailedOrderResult(BrokerPaper, "market closed", nil)
	assert.Equal(t, "market closed", bare.Error)
}

func TestOrderStateTerminal(t *testing.T) {
	assert.True(t, OrderStateComplete.Terminal())
	assert.True(t, OrderStateCancelled.Terminal())
	assert.True(t, OrderStateRejected.Terminal())
	assert.False(t, OrderStateOpen.Terminal())
	assert.False(t, OrderStatePending.Terminal())
}
