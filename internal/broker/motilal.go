package broker

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	apperrors "github.com/Anupamvm/mCube-ai-sub004/internal/errors"
	"github.com/Anupamvm/mCube-ai-sub004/internal/models"
	"github.com/Anupamvm/mCube-ai-sub004/internal/resilience"
	"github.com/Anupamvm/mCube-ai-sub004/internal/security"
	"github.com/Anupamvm/mCube-ai-sub004/pkg/utils"
)

const motilalBaseURL = "https://openapi.motilaloswal.com"

// Motilal session-expiry error codes. The API also signals a dead
// session with HTTP 401.
var motilalExpiredCodes = map[string]bool{
	"MO8001": true,
	"MO8002": true,
}

// MotilalConfig holds credentials for the Motilal Oswal OpenAPI.
type MotilalConfig struct {
	APIKey     string
	UserID     string
	Password   string
	TwoFA      string // date of birth, DD/MM/YYYY
	TOTPSecret string
	VendorInfo string
	ClientCode string // blank for individual clients

	// BaseURL overrides the production endpoint, used by tests.
	BaseURL string
}

// MotilalAdapter integrates the Motilal Oswal OpenAPI, a session-token
// REST API. All monetary figures are decoded digit-for-digit through
// json.Number into decimals; nothing passes through float64.
type MotilalAdapter struct {
	Base

	cfg     MotilalConfig
	baseURL string
	http    *http.Client
	breaker *resilience.CircuitBreaker
	scrips  *ScripMaster
	logger  zerolog.Logger
}

// NewMotilalAdapter creates a Motilal adapter. The scrip master may be
// loaded later via SetScripMaster; order placement requires it.
func NewMotilalAdapter(cfg MotilalConfig, logger zerolog.Logger) *MotilalAdapter {
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = motilalBaseURL
	}

	m := &MotilalAdapter{
		cfg:     cfg,
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: 30 * time.Second},
		breaker: resilience.NewCircuitBreaker("motilal", resilience.DefaultCircuitBreakerConfig()),
		scrips:  NewScripMaster(),
		logger:  logger.With().Str("broker", string(models.BrokerMotilal)).Logger(),
	}
	m.Base = NewBase(models.BrokerMotilal, NewSession(models.BrokerMotilal), m.Login)
	return m
}

// SetScripMaster replaces the adapter's scrip master.
func (m *MotilalAdapter) SetScripMaster(scrips *ScripMaster) {
	m.scrips = scrips
}

// ScripMaster returns the adapter's scrip master for loading.
func (m *MotilalAdapter) ScripMaster() *ScripMaster {
	return m.scrips
}

// Client returns the underlying HTTP client as the escape hatch handle.
func (m *MotilalAdapter) Client() any {
	return m.http
}

// motilalEnvelope is the common response wrapper of the OpenAPI.
type motilalEnvelope struct {
	Status        string          `json:"status"`
	Message       string          `json:"message"`
	ErrorCode     string          `json:"errorcode"`
	AuthToken     string          `json:"AuthToken"`
	UniqueOrderID string          `json:"uniqueorderid"`
	Data          json.RawMessage `json:"data"`
}

// Login authenticates with hashed password, DOB 2FA and a fresh TOTP.
// The returned auth token rides the Authorization header on every
// subsequent call and lapses at the end of the trading day.
func (m *MotilalAdapter) Login(ctx context.Context) error {
	session := m.Session()
	if err := session.BeginAuth(); err != nil {
		return err
	}

	if m.cfg.APIKey == "" || m.cfg.UserID == "" || m.cfg.Password == "" {
		session.FailAuth()
		return apperrors.NewAuthenticationError(string(models.BrokerMotilal),
			"motilal credentials incomplete (need api_key, user_id, password)", nil)
	}

	body := map[string]string{
		"userid":   m.cfg.UserID,
		"password": hashMotilalPassword(m.cfg.Password, m.cfg.APIKey),
		"2FA":      m.cfg.TwoFA,
	}
	if m.cfg.TOTPSecret != "" {
		code, err := totpCode(m.cfg.TOTPSecret)
		if err != nil {
			session.FailAuth()
			return apperrors.NewAuthenticationError(string(models.BrokerMotilal),
				"failed to generate TOTP code", err)
		}
		body["totp"] = code
	}

	env, err := m.post(ctx, "/rest/login/v3/authdirectapi", body)
	if err != nil {
		session.FailAuth()
		if apperrors.IsSessionExpired(err) {
			// A login cannot be session-expired; report the credential
			// rejection for what it is.
			return apperrors.NewAuthenticationError(string(models.BrokerMotilal), "login rejected", err)
		}
		return apperrors.NewAuthenticationError(string(models.BrokerMotilal), "login request failed", err)
	}
	if env.AuthToken == "" {
		session.FailAuth()
		return apperrors.NewAuthenticationError(string(models.BrokerMotilal),
			fmt.Sprintf("login returned no token: %s", env.Message), nil)
	}

	session.Establish(m.cfg.UserID, env.AuthToken, nextMotilalExpiry(time.Now()))
	m.logger.Info().Str("user", m.cfg.UserID).Msg("Motilal session established")
	return nil
}

// Logout invalidates the token upstream, best effort, then clears the
// session.
func (m *MotilalAdapter) Logout(ctx context.Context) error {
	if m.Session().State() == StateAuthenticated {
		if _, err := m.post(ctx, "/rest/login/v1/logout", map[string]string{
			"userid": m.cfg.UserID,
		}); err != nil {
			m.logger.Warn().Err(err).Msg("Failed to log out upstream")
		}
	}
	m.Session().Reset()
	return nil
}

func (m *MotilalAdapter) guard() error {
	switch m.Session().State() {
	case StateAuthenticated:
		if m.Session().Valid() {
			return nil
		}
		m.Session().Expire()
		return apperrors.NewSessionExpiredError(string(models.BrokerMotilal), "", nil)
	case StateExpired:
		return apperrors.NewSessionExpiredError(string(models.BrokerMotilal), "", nil)
	default:
		return apperrors.ErrNotAuthenticated
	}
}

// motilalOrderRequest is the placeorder payload. Prices ride as
// json.Number so the exact decimal digits go over the wire.
type motilalOrderRequest struct {
	ClientCode        string      `json:"clientcode"`
	Exchange          string      `json:"exchange"`
	SymbolToken       int64       `json:"symboltoken"`
	BuyOrSell         string      `json:"buyorsell"`
	OrderType         string      `json:"ordertype"`
	ProductType       string      `json:"producttype"`
	OrderDuration     string      `json:"orderduration"`
	Price             json.Number `json:"price"`
	TriggerPrice      json.Number `json:"triggerprice"`
	QuantityInLot     int         `json:"quantityinlot"`
	DisclosedQuantity int         `json:"disclosedquantity"`
	AMOOrder          string      `json:"amoorder"`
	Tag               string      `json:"tag,omitempty"`
}

// PlaceOrder submits an order. The symbol must resolve in the scrip
// master; derivative quantities are converted to lots and must divide
// evenly, never rounded.
func (m *MotilalAdapter) PlaceOrder(ctx context.Context, req *models.OrderRequest) (*models.OrderResult, error) {
	if err := req.Validate(); err != nil {
		return models.FailedOrderResult(models.BrokerMotilal, "order validation failed", err), err
	}
	if err := m.guard(); err != nil {
		return models.FailedOrderResult(models.BrokerMotilal, "not authenticated", err), err
	}

	scrip, err := m.scrips.Lookup(req.Exchange, req.Symbol)
	if err != nil {
		verr := apperrors.NewValidationError("symbol", req.Symbol,
			fmt.Sprintf("not in scrip master for %s", req.Exchange))
		return models.FailedOrderResult(models.BrokerMotilal, verr.Message, verr), verr
	}

	qty := req.Quantity
	if scrip.LotSize > 1 {
		if req.Quantity%scrip.LotSize != 0 {
			verr := apperrors.NewValidationError("quantity", req.Quantity,
				fmt.Sprintf("must be a multiple of lot size %d", scrip.LotSize))
			return models.FailedOrderResult(models.BrokerMotilal, verr.Message, verr), verr
		}
		qty = req.Quantity / scrip.LotSize
	}

	payload := motilalOrderRequest{
		ClientCode:    m.cfg.ClientCode,
		Exchange:      string(req.Exchange),
		SymbolToken:   scrip.ScripCode,
		BuyOrSell:     string(req.TransactionType),
		OrderType:     mapMotilalOrderType(req.OrderType),
		ProductType:   mapMotilalProduct(req.Product),
		OrderDuration: mapMotilalValidity(req.Validity),
		Price:         json.Number(req.Price.String()),
		TriggerPrice:  json.Number(req.TriggerPrice.String()),
		QuantityInLot: qty,
		AMOOrder:      "N",
		Tag:           req.Tag,
	}

	env, err := m.post(ctx, "/rest/trans/v1/placeorder", payload)
	if err != nil {
		return models.FailedOrderResult(models.BrokerMotilal, "order placement failed", err), err
	}

	m.logger.Info().
		Str("order_id", env.UniqueOrderID).
		Str("symbol", req.Symbol).
		Int("quantity", req.Quantity).
		Msg("Order placed")

	result := models.NewOrderResult(models.BrokerMotilal, env.UniqueOrderID, "Order placed successfully")
	result.Symbol = req.Symbol
	result.Quantity = req.Quantity
	result.Price = req.Price
	result.PlacedAt = time.Now()
	return result, nil
}

// motilalPosition is one row of getposition.
type motilalPosition struct {
	Exchange     string      `json:"exchange"`
	Symbol       string      `json:"symbol"`
	SymbolToken  int64       `json:"symboltoken"`
	ProductName  string      `json:"productname"`
	BuyQuantity  int         `json:"buyquantity"`
	SellQuantity int         `json:"sellquantity"`
	BuyAmount    json.Number `json:"buyamount"`
	SellAmount   json.Number `json:"sellamount"`
	LTP          json.Number `json:"LTP"`
	BookedPL     json.Number `json:"actualbookedprofitloss"`
}

// GetPositions fetches and normalizes the position book. Average price
// and unrealized P&L are derived in decimal from the cumulative
// amounts, since the API does not supply them directly.
func (m *MotilalAdapter) GetPositions(ctx context.Context) ([]models.Position, error) {
	if err := m.guard(); err != nil {
		return nil, err
	}

	env, err := m.post(ctx, "/rest/book/v1/getposition", map[string]string{
		"clientcode": m.cfg.ClientCode,
	})
	if err != nil {
		return nil, err
	}

	var rows []motilalPosition
	if len(env.Data) > 0 {
		if err := json.Unmarshal(env.Data, &rows); err != nil {
			return nil, apperrors.NewBrokerAPIError(string(models.BrokerMotilal), env.ErrorCode, 0,
				"malformed position payload", err)
		}
	}

	result := make([]models.Position, 0, len(rows))
	for _, row := range rows {
		pos, err := normalizeMotilalPosition(row)
		if err != nil {
			return nil, apperrors.NewBrokerAPIError(string(models.BrokerMotilal), "", 0,
				fmt.Sprintf("bad numeric field for %s", row.Symbol), err)
		}
		result = append(result, pos)
	}
	return result, nil
}

func normalizeMotilalPosition(row motilalPosition) (models.Position, error) {
	buyValue, err := decimalFromNumber(row.BuyAmount)
	if err != nil {
		return models.Position{}, err
	}
	sellValue, err := decimalFromNumber(row.SellAmount)
	if err != nil {
		return models.Position{}, err
	}
	ltp, err := decimalFromNumber(row.LTP)
	if err != nil {
		return models.Position{}, err
	}
	realized, err := decimalFromNumber(row.BookedPL)
	if err != nil {
		return models.Position{}, err
	}

	netQty := row.BuyQuantity - row.SellQuantity
	avg := decimal.Zero
	switch {
	case netQty > 0 && row.BuyQuantity > 0:
		avg = buyValue.Div(decimal.NewFromInt(int64(row.BuyQuantity)))
	case netQty < 0 && row.SellQuantity > 0:
		avg = sellValue.Div(decimal.NewFromInt(int64(row.SellQuantity)))
	}

	pos := models.Position{
		Symbol:       row.Symbol,
		Exchange:     models.Exchange(row.Exchange),
		Product:      mapMotilalProductBack(row.ProductName),
		Quantity:     netQty,
		AveragePrice: avg,
		LTP:          ltp,
		RealizedPnL:  realized,
		BuyQty:       row.BuyQuantity,
		SellQty:      row.SellQuantity,
		BuyValue:     buyValue,
		SellValue:    sellValue,
		Multiplier:   1,
		Broker:       models.BrokerMotilal,
	}
	pos.UnrealizedPnL = pos.ComputeUnrealizedPnL()
	if raw, err := json.Marshal(row); err == nil {
		pos.Raw = raw
	}
	return pos, nil
}

// motilalMarginRow is one row of getreportmarginsummary.
type motilalMarginRow struct {
	SrNo          int         `json:"srno"`
	Particulars   string      `json:"particulars"`
	Amount        json.Number `json:"amount"`
	ParticularsID int         `json:"particularsid"`
}

// GetMargins fetches the margin summary report and folds its rows into
// the normalized snapshot by particulars.
func (m *MotilalAdapter) GetMargins(ctx context.Context) (*models.Margin, error) {
	if err := m.guard(); err != nil {
		return nil, err
	}

	env, err := m.post(ctx, "/rest/report/v1/getreportmarginsummary", map[string]string{
		"clientcode": m.cfg.ClientCode,
	})
	if err != nil {
		return nil, err
	}

	var rows []motilalMarginRow
	if len(env.Data) > 0 {
		if err := json.Unmarshal(env.Data, &rows); err != nil {
			return nil, apperrors.NewBrokerAPIError(string(models.BrokerMotilal), env.ErrorCode, 0,
				"malformed margin payload", err)
		}
	}

	margin, err := normalizeMotilalMargin(rows)
	if err != nil {
		return nil, apperrors.NewBrokerAPIError(string(models.BrokerMotilal), "", 0,
			"bad numeric field in margin summary", err)
	}
	margin.Raw = env.Data
	return margin, nil
}

func normalizeMotilalMargin(rows []motilalMarginRow) (*models.Margin, error) {
	margin := &models.Margin{
		Broker:    models.BrokerMotilal,
		FetchedAt: time.Now(),
	}

	haveTotal := false
	for _, row := range rows {
		amount, err := decimalFromNumber(row.Amount)
		if err != nil {
			return nil, fmt.Errorf("row %q: %w", row.Particulars, err)
		}
		name := strings.ToLower(row.Particulars)
		switch {
		case strings.Contains(name, "available"):
			margin.Available = margin.Available.Add(amount)
		case strings.Contains(name, "utilis"), strings.Contains(name, "utiliz"), strings.Contains(name, "used"):
			margin.Used = margin.Used.Add(amount)
		case strings.Contains(name, "collateral"):
			margin.Collateral = margin.Collateral.Add(amount)
		case strings.Contains(name, "exposure"), strings.Contains(name, "span"):
			margin.ExposureFO = margin.ExposureFO.Add(amount)
		case strings.Contains(name, "total"):
			margin.Total = margin.Total.Add(amount)
			haveTotal = true
		}
	}
	if !haveTotal {
		margin.Total = margin.Available.Add(margin.Used)
	}
	return margin, nil
}

// motilalOrderDetail is the getorderdetailbyuniqueorderid row.
type motilalOrderDetail struct {
	UniqueOrderID  string      `json:"uniqueorderid"`
	OrderStatus    string      `json:"orderstatus"`
	Error          string      `json:"error"`
	Symbol         string      `json:"symbol"`
	TotalQtyTraded int         `json:"totalqtytraded"`
	QtyRemaining   int         `json:"qtyremaining"`
	AveragePrice   json.Number `json:"averageprice"`
}

// GetOrderStatus fetches one order by its unique id.
func (m *MotilalAdapter) GetOrderStatus(ctx context.Context, orderID string) (*models.OrderStatus, error) {
	if err := m.guard(); err != nil {
		return nil, err
	}

	env, err := m.post(ctx, "/rest/book/v1/getorderdetailbyuniqueorderid", map[string]string{
		"clientcode":    m.cfg.ClientCode,
		"uniqueorderid": orderID,
	})
	if err != nil {
		return nil, err
	}
	if len(env.Data) == 0 {
		return nil, apperrors.Wrapf(apperrors.ErrOrderNotFound, "order %s", orderID)
	}

	// The endpoint returns a single object or a one-element array
	// depending on gateway version.
	var detail motilalOrderDetail
	if err := json.Unmarshal(env.Data, &detail); err != nil {
		var list []motilalOrderDetail
		if err := json.Unmarshal(env.Data, &list); err != nil || len(list) == 0 {
			return nil, apperrors.NewBrokerAPIError(string(models.BrokerMotilal), env.ErrorCode, 0,
				"malformed order detail payload", err)
		}
		detail = list[0]
	}
	if detail.UniqueOrderID == "" {
		return nil, apperrors.Wrapf(apperrors.ErrOrderNotFound, "order %s", orderID)
	}

	avg, err := decimalFromNumber(detail.AveragePrice)
	if err != nil {
		return nil, apperrors.NewBrokerAPIError(string(models.BrokerMotilal), "", 0,
			"bad average price in order detail", err)
	}

	status := &models.OrderStatus{
		OrderID:       detail.UniqueOrderID,
		State:         mapMotilalOrderState(detail.OrderStatus),
		StatusMessage: firstNonEmpty(detail.Error, detail.OrderStatus),
		FilledQty:     detail.TotalQtyTraded,
		PendingQty:    detail.QtyRemaining,
		AveragePrice:  avg,
		Broker:        models.BrokerMotilal,
		UpdatedAt:     time.Now(),
	}
	if raw, err := json.Marshal(detail); err == nil {
		status.Raw = raw
	}
	return status, nil
}

// CancelOrder cancels an open order by its unique id.
func (m *MotilalAdapter) CancelOrder(ctx context.Context, orderID string) error {
	if err := m.guard(); err != nil {
		return err
	}
	if _, err := m.post(ctx, "/rest/trans/v1/cancelorder", map[string]string{
		"clientcode":    m.cfg.ClientCode,
		"uniqueorderid": orderID,
	}); err != nil {
		return err
	}
	m.logger.Info().Str("order_id", orderID).Msg("Order cancelled")
	return nil
}

// post sends one JSON request through the circuit breaker and returns
// the decoded envelope. Session expiry and API rejections come back as
// typed errors; raw transport errors never escape.
func (m *MotilalAdapter) post(ctx context.Context, path string, body any) (*motilalEnvelope, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, apperrors.NewBrokerAPIError(string(models.BrokerMotilal), "", 0,
			"failed to encode request", err)
	}

	env, err := resilience.ExecuteWithResult(m.breaker, ctx, func() (*motilalEnvelope, error) {
		return m.roundTrip(ctx, path, payload)
	})
	if err != nil {
		if apperrors.Is(err, resilience.ErrCircuitOpen) {
			return nil, apperrors.Wrapf(apperrors.ErrBrokerUnavailable, "motilal %s", path)
		}
		return nil, err
	}
	return env, nil
}

func (m *MotilalAdapter) roundTrip(ctx context.Context, path string, payload []byte) (*motilalEnvelope, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, m.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return nil, apperrors.NewBrokerAPIError(string(models.BrokerMotilal), "", 0,
			"failed to build request", err)
	}
	m.setHeaders(req)

	resp, err := m.http.Do(req)
	if err != nil {
		return nil, apperrors.NewBrokerAPIError(string(models.BrokerMotilal), "", 0,
			fmt.Sprintf("request to %s failed", path), err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 10<<20))
	if err != nil {
		return nil, apperrors.NewBrokerAPIError(string(models.BrokerMotilal), "", resp.StatusCode,
			"failed to read response", err)
	}

	if resp.StatusCode == http.StatusUnauthorized {
		m.Session().Expire()
		return nil, apperrors.NewSessionExpiredError(string(models.BrokerMotilal), "HTTP401", nil)
	}

	var env motilalEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		preview := string(raw)
		if len(preview) > 512 {
			preview = preview[:512]
		}
		m.logger.Debug().
			Str("path", path).
			Str("body", security.MaskSensitive(preview)).
			Msg("Unparseable broker response")
		return nil, apperrors.NewBrokerAPIError(string(models.BrokerMotilal), "", resp.StatusCode,
			fmt.Sprintf("malformed response from %s", path), err)
	}

	if !strings.EqualFold(env.Status, "SUCCESS") {
		if motilalExpiredCodes[env.ErrorCode] {
			m.Session().Expire()
			return nil, apperrors.NewSessionExpiredError(string(models.BrokerMotilal), env.ErrorCode, nil)
		}
		return nil, apperrors.NewBrokerAPIError(string(models.BrokerMotilal), env.ErrorCode, resp.StatusCode,
			env.Message, nil)
	}
	return &env, nil
}

func (m *MotilalAdapter) setHeaders(req *http.Request) {
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "MOSL/V.1.1.0")
	req.Header.Set("ApiKey", m.cfg.APIKey)
	req.Header.Set("SourceId", "WEB")
	req.Header.Set("MacAddress", "00:00:00:00:00:00")
	req.Header.Set("ClientLocalIp", "127.0.0.1")
	req.Header.Set("ClientPublicIp", "127.0.0.1")
	vendor := m.cfg.VendorInfo
	if vendor == "" {
		vendor = m.cfg.UserID
	}
	req.Header.Set("vendorinfo", vendor)
	if tok := m.Session().Token(); tok != "" {
		req.Header.Set("Authorization", tok)
	}
}

func hashMotilalPassword(password, apiKey string) string {
	sum := sha256.Sum256([]byte(password + apiKey))
	return hex.EncodeToString(sum[:])
}

// nextMotilalExpiry returns midnight IST after now; tokens last the
// trading day.
func nextMotilalExpiry(now time.Time) time.Time {
	ist := now.In(utils.IndiaLocation)
	return time.Date(ist.Year(), ist.Month(), ist.Day(), 0, 0, 0, 0, utils.IndiaLocation).AddDate(0, 0, 1)
}

func decimalFromNumber(n json.Number) (decimal.Decimal, error) {
	if n == "" {
		return decimal.Zero, nil
	}
	return decimal.NewFromString(n.String())
}

func mapMotilalOrderType(t models.OrderType) string {
	switch t {
	case models.OrderTypeStopLoss, models.OrderTypeStopLossM:
		return "STOPLOSS"
	default:
		return string(t)
	}
}

func mapMotilalProduct(p models.ProductType) string {
	switch p {
	case models.ProductMIS:
		return "VALUEPLUS"
	case models.ProductCNC:
		return "DELIVERY"
	default:
		return "NORMAL"
	}
}

func mapMotilalProductBack(name string) models.ProductType {
	switch strings.ToUpper(name) {
	case "VALUEPLUS":
		return models.ProductMIS
	case "DELIVERY":
		return models.ProductCNC
	default:
		return models.ProductNRML
	}
}

func mapMotilalValidity(v models.Validity) string {
	if v == models.ValidityIOC {
		return "IOC"
	}
	return "DAY"
}

// mapMotilalOrderState folds the API's order statuses onto the
// normalized set.
func mapMotilalOrderState(status string) models.OrderState {
	switch strings.ToLower(status) {
	case "traded":
		return models.OrderStateComplete
	case "confirm", "confirmed", "open":
		return models.OrderStateOpen
	case "cancel", "cancelled":
		return models.OrderStateCancelled
	case "rejected", "error":
		return models.OrderStateRejected
	default:
		return models.OrderStatePending
	}
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

var _ Adapter = (*MotilalAdapter)(nil)
