package broker

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/Anupamvm/mCube-ai-sub004/internal/errors"
	"github.com/Anupamvm/mCube-ai-sub004/internal/models"
	"github.com/Anupamvm/mCube-ai-sub004/pkg/utils"
)

type motilalFixture struct {
	adapter *MotilalAdapter
	mux     *http.ServeMux
	srv     *httptest.Server
}

// newMotilalFixture wires an adapter against a local test server with a
// stock login handler. Tests add endpoint handlers on fix.mux.
func newMotilalFixture(t *testing.T) *motilalFixture {
	t.Helper()
	mux := http.NewServeMux()
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	mux.HandleFunc("/rest/login/v3/authdirectapi", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]any{"status": "SUCCESS", "message": "OK", "AuthToken": "tok-abc"})
	})

	adapter := NewMotilalAdapter(MotilalConfig{
		APIKey:   "AK-123",
		UserID:   "MOT123",
		Password: "S3cret!",
		TwoFA:    "01/01/1990",
		BaseURL:  srv.URL,
	}, zerolog.Nop())

	sm := NewScripMaster()
	sm.Add([]Scrip{
		{Exchange: "NSE", ScripShortName: "SBIN", ScripCode: 3045, LotSize: 1},
		{Exchange: "NFO", ScripShortName: "NIFTY25AUGFUT", ScripCode: 53181, LotSize: 75},
	})
	adapter.SetScripMaster(sm)

	return &motilalFixture{adapter: adapter, mux: mux, srv: srv}
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}

func TestMotilalLogin(t *testing.T) {
	mux := http.NewServeMux()
	srv := httptest.NewServer(mux)
	defer srv.Close()

	var gotBody map[string]string
	var gotHeaders http.Header
	mux.HandleFunc("/rest/login/v3/authdirectapi", func(w http.ResponseWriter, r *http.Request) {
		gotHeaders = r.Header.Clone()
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotBody))
		writeJSON(w, map[string]any{"status": "SUCCESS", "AuthToken": "tok-abc"})
	})

	m := NewMotilalAdapter(MotilalConfig{
		APIKey:     "AK-123",
		UserID:     "MOT123",
		Password:   "S3cret!",
		TwoFA:      "01/01/1990",
		TOTPSecret: "JBSWY3DPEHPK3PXP",
		BaseURL:    srv.URL,
	}, zerolog.Nop())

	require.NoError(t, m.Login(context.Background()))

	assert.Equal(t, "MOT123", gotBody["userid"])
	assert.Equal(t, "115cd6a842abf5900c13f16a0499ab7209f5f6586a84b57f6a8035c0e26f5484",
		gotBody["password"], "password must go out as sha256(password+apikey)")
	assert.Equal(t, "01/01/1990", gotBody["2FA"])
	assert.Len(t, gotBody["totp"], 6)

	assert.Equal(t, "AK-123", gotHeaders.Get("ApiKey"))
	assert.Equal(t, "MOSL/V.1.1.0", gotHeaders.Get("User-Agent"))
	assert.Equal(t, "MOT123", gotHeaders.Get("vendorinfo"), "vendorinfo falls back to the user id")
	assert.Empty(t, gotHeaders.Get("Authorization"), "no token exists yet at login time")

	session := m.Session()
	assert.Equal(t, StateAuthenticated, session.State())
	assert.Equal(t, "tok-abc", session.Token())
	assert.Equal(t, "MOT123", session.UserID())
	assert.True(t, m.IsAuthenticated())

	// Tokens lapse at the end of the trading day, midnight IST.
	expiry := session.ExpiresAt().In(utils.IndiaLocation)
	assert.True(t, expiry.After(time.Now()))
	assert.Zero(t, expiry.Hour())
	assert.Zero(t, expiry.Minute())
}

func TestMotilalLoginRejected(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/rest/login/v3/authdirectapi", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]any{"status": "ERROR", "message": "Invalid Password", "errorcode": "MO1002"})
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()
	m := NewMotilalAdapter(MotilalConfig{
		APIKey: "AK-123", UserID: "MOT123", Password: "wrong", BaseURL: srv.URL,
	}, zerolog.Nop())

	err := m.Login(context.Background())
	require.Error(t, err)
	assert.True(t, apperrors.IsAuthentication(err))
	assert.Equal(t, StateUnauthenticated, m.Session().State())
	assert.False(t, m.IsAuthenticated())
}

func TestMotilalLoginWithoutToken(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/rest/login/v3/authdirectapi", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]any{"status": "SUCCESS", "message": "OK"})
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	m := NewMotilalAdapter(MotilalConfig{
		APIKey: "AK-123", UserID: "MOT123", Password: "S3cret!", BaseURL: srv.URL,
	}, zerolog.Nop())

	err := m.Login(context.Background())
	require.Error(t, err)
	assert.True(t, apperrors.IsAuthentication(err))
}

func TestMotilalLoginIncompleteCredentials(t *testing.T) {
	m := NewMotilalAdapter(MotilalConfig{UserID: "MOT123"}, zerolog.Nop())
	err := m.Login(context.Background())
	require.Error(t, err)
	assert.True(t, apperrors.IsAuthentication(err))
	assert.Equal(t, StateUnauthenticated, m.Session().State())
}

func TestMotilalCallsRequireLogin(t *testing.T) {
	fix := newMotilalFixture(t)
	ctx := context.Background()

	_, err := fix.adapter.GetPositions(ctx)
	assert.ErrorIs(t, err, apperrors.ErrNotAuthenticated)
	_, err = fix.adapter.GetMargins(ctx)
	assert.ErrorIs(t, err, apperrors.ErrNotAuthenticated)
	err = fix.adapter.CancelOrder(ctx, "X1")
	assert.ErrorIs(t, err, apperrors.ErrNotAuthenticated)
}

func TestMotilalPlaceOrder(t *testing.T) {
	fix := newMotilalFixture(t)
	ctx := context.Background()

	var got motilalOrderRequest
	var auth string
	fix.mux.HandleFunc("/rest/trans/v1/placeorder", func(w http.ResponseWriter, r *http.Request) {
		auth = r.Header.Get("Authorization")
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		writeJSON(w, map[string]any{"status": "SUCCESS", "uniqueorderid": "UO12345"})
	})

	require.NoError(t, fix.adapter.Login(ctx))

	req := &models.OrderRequest{
		Symbol:          "SBIN",
		Exchange:        models.NSE,
		TransactionType: models.TransactionBuy,
		OrderType:       models.OrderTypeLimit,
		Product:         models.ProductMIS,
		Quantity:        10,
		Price:           dec("505.25"),
		Tag:             "strat-7",
	}
	result, err := fix.adapter.PlaceOrder(ctx, req)
	require.NoError(t, err)
	require.True(t, result.Success)
	assert.Equal(t, "UO12345", result.OrderID)
	assert.Equal(t, models.BrokerMotilal, result.Broker)

	assert.Equal(t, "tok-abc", auth)
	assert.Equal(t, "NSE", got.Exchange)
	assert.Equal(t, int64(3045), got.SymbolToken, "orders go out with the scrip code")
	assert.Equal(t, "BUY", got.BuyOrSell)
	assert.Equal(t, "LIMIT", got.OrderType)
	assert.Equal(t, "VALUEPLUS", got.ProductType)
	assert.Equal(t, "DAY", got.OrderDuration)
	assert.Equal(t, "505.25", got.Price.String(), "price digits must survive the wire untouched")
	assert.Equal(t, 10, got.QuantityInLot)
	assert.Equal(t, "N", got.AMOOrder)
	assert.Equal(t, "strat-7", got.Tag)
}

func TestMotilalPlaceOrderConvertsDerivativeLots(t *testing.T) {
	fix := newMotilalFixture(t)
	ctx := context.Background()

	var got motilalOrderRequest
	fix.mux.HandleFunc("/rest/trans/v1/placeorder", func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		writeJSON(w, map[string]any{"status": "SUCCESS", "uniqueorderid": "UO2"})
	})
	require.NoError(t, fix.adapter.Login(ctx))

	req := &models.OrderRequest{
		Symbol:          "NIFTY25AUGFUT",
		Exchange:        models.NFO,
		TransactionType: models.TransactionSell,
		OrderType:       models.OrderTypeMarket,
		Product:         models.ProductNRML,
		Quantity:        150,
	}
	result, err := fix.adapter.PlaceOrder(ctx, req)
	require.NoError(t, err)
	require.True(t, result.Success)

	assert.Equal(t, 2, got.QuantityInLot, "150 units at lot size 75 is 2 lots")
	assert.Equal(t, "SELL", got.BuyOrSell)
	assert.Equal(t, "NORMAL", got.ProductType)
	assert.Equal(t, 150, result.Quantity, "the result reports units, not lots")
}

func TestMotilalPlaceOrderRejectsPartialLots(t *testing.T) {
	fix := newMotilalFixture(t)
	ctx := context.Background()

	var hits atomic.Int32
	fix.mux.HandleFunc("/rest/trans/v1/placeorder", func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		writeJSON(w, map[string]any{"status": "SUCCESS", "uniqueorderid": "UO3"})
	})
	require.NoError(t, fix.adapter.Login(ctx))

	req := &models.OrderRequest{
		Symbol:          "NIFTY25AUGFUT",
		Exchange:        models.NFO,
		TransactionType: models.TransactionBuy,
		OrderType:       models.OrderTypeMarket,
		Product:         models.ProductNRML,
		Quantity:        80,
	}
	result, err := fix.adapter.PlaceOrder(ctx, req)
	require.Error(t, err)
	assert.True(t, apperrors.IsValidation(err), "partial lots are rejected, never rounded")
	assert.False(t, result.Success)
	assert.Zero(t, hits.Load(), "nothing reaches the broker")

	var verr *apperrors.ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "quantity", verr.Field)
}

func TestMotilalPlaceOrderUnknownSymbol(t *testing.T) {
	fix := newMotilalFixture(t)
	ctx := context.Background()
	require.NoError(t, fix.adapter.Login(ctx))

	req := &models.OrderRequest{
		Symbol:          "NOSUCH",
		Exchange:        models.NSE,
		TransactionType: models.TransactionBuy,
		OrderType:       models.OrderTypeMarket,
		Product:         models.ProductMIS,
		Quantity:        1,
	}
	result, err := fix.adapter.PlaceOrder(ctx, req)
	require.Error(t, err)
	assert.True(t, apperrors.IsValidation(err))
	assert.False(t, result.Success)

	var verr *apperrors.ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "symbol", verr.Field)
}

func TestMotilalGetPositions(t *testing.T) {
	fix := newMotilalFixture(t)
	ctx := context.Background()

	fix.mux.HandleFunc("/rest/book/v1/getposition", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]any{
			"status": "SUCCESS",
			"data": []map[string]any{
				{
					"exchange":     "NSE",
					"symbol":       "SBIN",
					"symboltoken":  3045,
					"productname":  "VALUEPLUS",
					"buyquantity":  100,
					"sellquantity": 0,
					"buyamount":    "50000",
					"sellamount":   "0",
					"LTP":          "505.25",
				},
				{
					"exchange":               "NSE",
					"symbol":                 "INFY",
					"symboltoken":            1594,
					"productname":            "DELIVERY",
					"buyquantity":            0,
					"sellquantity":           50,
					"buyamount":              "0",
					"sellamount":             "25000",
					"LTP":                    "490",
					"actualbookedprofitloss": "150.50",
				},
			},
		})
	})
	require.NoError(t, fix.adapter.Login(ctx))

	positions, err := fix.adapter.GetPositions(ctx)
	require.NoError(t, err)
	require.Len(t, positions, 2)

	long := positions[0]
	assert.Equal(t, "SBIN", long.Symbol)
	assert.Equal(t, 100, long.Quantity)
	assert.Equal(t, models.ProductMIS, long.Product)
	assert.True(t, long.AveragePrice.Equal(dec("500")), "avg %s", long.AveragePrice)
	assert.True(t, long.UnrealizedPnL.Equal(dec("525")), "unrealized %s", long.UnrealizedPnL)
	assert.NotEmpty(t, long.Raw)

	short := positions[1]
	assert.Equal(t, -50, short.Quantity)
	assert.Equal(t, models.ProductCNC, short.Product)
	assert.True(t, short.AveragePrice.Equal(dec("500")))
	// Short of 50 at 500 marked at 490 is +500.
	assert.True(t, short.UnrealizedPnL.Equal(dec("500")), "unrealized %s", short.UnrealizedPnL)
	assert.True(t, short.RealizedPnL.Equal(dec("150.50")))
}

func TestMotilalGetPositionsEmpty(t *testing.T) {
	fix := newMotilalFixture(t)
	ctx := context.Background()
	fix.mux.HandleFunc("/rest/book/v1/getposition", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]any{"status": "SUCCESS"})
	})
	require.NoError(t, fix.adapter.Login(ctx))

	positions, err := fix.adapter.GetPositions(ctx)
	require.NoError(t, err)
	assert.Empty(t, positions)
}

func TestMotilalGetMargins(t *testing.T) {
	fix := newMotilalFixture(t)
	ctx := context.Background()

	fix.mux.HandleFunc("/rest/report/v1/getreportmarginsummary", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]any{
			"status": "SUCCESS",
			"data": []map[string]any{
				{"srno": 1, "particulars": "Available Margin", "amount": "100000.50"},
				{"srno": 2, "particulars": "Margin Utilised", "amount": "25000.25"},
				{"srno": 3, "particulars": "Collateral Value", "amount": "500000"},
				{"srno": 4, "particulars": "Exposure Margin", "amount": "1000"},
				{"srno": 5, "particulars": "Span Margin", "amount": "2000"},
			},
		})
	})
	require.NoError(t, fix.adapter.Login(ctx))

	margin, err := fix.adapter.GetMargins(ctx)
	require.NoError(t, err)
	assert.True(t, margin.Available.Equal(dec("100000.50")), "available %s", margin.Available)
	assert.True(t, margin.Used.Equal(dec("25000.25")))
	assert.True(t, margin.Collateral.Equal(dec("500000")))
	assert.True(t, margin.ExposureFO.Equal(dec("3000")), "span and exposure fold together")
	// No explicit total row: derived as available plus used.
	assert.True(t, margin.Total.Equal(dec("125000.75")), "total %s", margin.Total)
	assert.Equal(t, models.BrokerMotilal, margin.Broker)
	assert.NotEmpty(t, margin.Raw)
}

func TestMotilalGetMarginsExplicitTotal(t *testing.T) {
	fix := newMotilalFixture(t)
	ctx := context.Background()

	fix.mux.HandleFunc("/rest/report/v1/getreportmarginsummary", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]any{
			"status": "SUCCESS",
			"data": []map[string]any{
				{"particulars": "Available Margin", "amount": "1000"},
				{"particulars": "Total Margin", "amount": "9999"},
			},
		})
	})
	require.NoError(t, fix.adapter.Login(ctx))

	margin, err := fix.adapter.GetMargins(ctx)
	require.NoError(t, err)
	assert.True(t, margin.Total.Equal(dec("9999")), "an explicit total row wins")
}

func TestMotilalSessionExpiryByErrorCode(t *testing.T) {
	fix := newMotilalFixture(t)
	ctx := context.Background()

	fix.mux.HandleFunc("/rest/book/v1/getposition", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]any{"status": "ERROR", "errorcode": "MO8001", "message": "Session Expired"})
	})
	require.NoError(t, fix.adapter.Login(ctx))

	_, err := fix.adapter.GetPositions(ctx)
	require.Error(t, err)
	assert.True(t, apperrors.IsSessionExpired(err))
	assert.ErrorIs(t, err, apperrors.ErrSessionExpired)
	assert.Equal(t, StateExpired, fix.adapter.Session().State())

	var sessErr *apperrors.SessionExpiredError
	require.ErrorAs(t, err, &sessErr)
	assert.Equal(t, "MO8001", sessErr.Code)
}

func TestMotilalSessionExpiryByHTTP401(t *testing.T) {
	fix := newMotilalFixture(t)
	ctx := context.Background()

	fix.mux.HandleFunc("/rest/book/v1/getposition", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	})
	require.NoError(t, fix.adapter.Login(ctx))

	_, err := fix.adapter.GetPositions(ctx)
	require.Error(t, err)
	assert.True(t, apperrors.IsSessionExpired(err))
	assert.Equal(t, StateExpired, fix.adapter.Session().State())
}

func TestMotilalAPIErrorIsNotExpiry(t *testing.T) {
	fix := newMotilalFixture(t)
	ctx := context.Background()

	fix.mux.HandleFunc("/rest/trans/v1/placeorder", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]any{"status": "ERROR", "errorcode": "MO5003", "message": "RMS limit exceeded"})
	})
	require.NoError(t, fix.adapter.Login(ctx))

	req := &models.OrderRequest{
		Symbol:          "SBIN",
		Exchange:        models.NSE,
		TransactionType: models.TransactionBuy,
		OrderType:       models.OrderTypeMarket,
		Product:         models.ProductMIS,
		Quantity:        10,
	}
	result, err := fix.adapter.PlaceOrder(ctx, req)
	require.Error(t, err)
	assert.False(t, apperrors.IsSessionExpired(err))
	assert.False(t, result.Success)
	assert.NotEmpty(t, result.Error)

	var apiErr *apperrors.BrokerAPIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, "MO5003", apiErr.Code)
	assert.Equal(t, "RMS limit exceeded", apiErr.Message)
	assert.Equal(t, StateAuthenticated, fix.adapter.Session().State(),
		"an ordinary rejection must not kill the session")
}

func TestMotilalGetOrderStatus(t *testing.T) {
	fix := newMotilalFixture(t)
	ctx := context.Background()

	fix.mux.HandleFunc("/rest/book/v1/getorderdetailbyuniqueorderid", func(w http.ResponseWriter, r *http.Request) {
		var body map[string]string
		json.NewDecoder(r.Body).Decode(&body)
		switch body["uniqueorderid"] {
		case "UO1":
			writeJSON(w, map[string]any{
				"status": "SUCCESS",
				"data": map[string]any{
					"uniqueorderid":  "UO1",
					"orderstatus":    "Traded",
					"symbol":         "SBIN",
					"totalqtytraded": 10,
					"qtyremaining":   0,
					"averageprice":   "505.25",
				},
			})
		case "UO2":
			// Some gateway versions wrap the row in an array.
			writeJSON(w, map[string]any{
				"status": "SUCCESS",
				"data": []map[string]any{{
					"uniqueorderid": "UO2",
					"orderstatus":   "Confirm",
					"qtyremaining":  5,
				}},
			})
		default:
			writeJSON(w, map[string]any{"status": "SUCCESS"})
		}
	})
	require.NoError(t, fix.adapter.Login(ctx))

	status, err := fix.adapter.GetOrderStatus(ctx, "UO1")
	require.NoError(t, err)
	assert.Equal(t, models.OrderStateComplete, status.State)
	assert.Equal(t, 10, status.FilledQty)
	assert.True(t, status.AveragePrice.Equal(dec("505.25")))

	status, err = fix.adapter.GetOrderStatus(ctx, "UO2")
	require.NoError(t, err)
	assert.Equal(t, models.OrderStateOpen, status.State)
	assert.Equal(t, 5, status.PendingQty)

	_, err = fix.adapter.GetOrderStatus(ctx, "GONE")
	assert.ErrorIs(t, err, apperrors.ErrOrderNotFound)
}

func TestMotilalCancelOrder(t *testing.T) {
	fix := newMotilalFixture(t)
	ctx := context.Background()

	var gotID string
	fix.mux.HandleFunc("/rest/trans/v1/cancelorder", func(w http.ResponseWriter, r *http.Request) {
		var body map[string]string
		json.NewDecoder(r.Body).Decode(&body)
		gotID = body["uniqueorderid"]
		writeJSON(w, map[string]any{"status": "SUCCESS", "message": "Cancelled"})
	})
	require.NoError(t, fix.adapter.Login(ctx))

	require.NoError(t, fix.adapter.CancelOrder(ctx, "UO9"))
	assert.Equal(t, "UO9", gotID)
}

func TestMotilalLogoutClearsSession(t *testing.T) {
	fix := newMotilalFixture(t)
	ctx := context.Background()

	var loggedOut atomic.Bool
	fix.mux.HandleFunc("/rest/login/v1/logout", func(w http.ResponseWriter, r *http.Request) {
		loggedOut.Store(true)
		writeJSON(w, map[string]any{"status": "SUCCESS"})
	})
	require.NoError(t, fix.adapter.Login(ctx))

	require.NoError(t, fix.adapter.Logout(ctx))
	assert.True(t, loggedOut.Load(), "the token is invalidated upstream")
	assert.Equal(t, StateUnauthenticated, fix.adapter.Session().State())
	assert.Empty(t, fix.adapter.Session().Token())
}

func TestMotilalOrderStateMapping(t *testing.T) {
	cases := map[string]models.OrderState{
		"Traded":    models.OrderStateComplete,
		"traded":    models.OrderStateComplete,
		"Confirm":   models.OrderStateOpen,
		"Confirmed": models.OrderStateOpen,
		"Open":      models.OrderStateOpen,
		"Cancel":    models.OrderStateCancelled,
		"Cancelled": models.OrderStateCancelled,
		"Rejected":  models.OrderStateRejected,
		"Error":     models.OrderStateRejected,
		"Sent":      models.OrderStatePending,
		"":          models.OrderStatePending,
	}
	for input, want := range cases {
		assert.Equal(t, want, mapMotilalOrderState(input), "status %q", input)
	}
}

func TestMotilalExpiryIsMidnightIST(t *testing.T) {
	now := time.Date(2025, 8, 22, 14, 30, 0, 0, utils.IndiaLocation)
	expiry := nextMotilalExpiry(now).In(utils.IndiaLocation)
	assert.Equal(t, time.Date(2025, 8, 23, 0, 0, 0, 0, utils.IndiaLocation), expiry)
}
