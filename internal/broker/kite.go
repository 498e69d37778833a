package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	kiteconnect "github.com/zerodha/gokiteconnect/v4"

	apperrors "github.com/Anupamvm/mCube-ai-sub004/internal/errors"
	"github.com/Anupamvm/mCube-ai-sub004/internal/models"
	"github.com/Anupamvm/mCube-ai-sub004/internal/security"
	"github.com/Anupamvm/mCube-ai-sub004/pkg/utils"
)

// KiteConfig holds everything the Kite adapter needs to authenticate.
type KiteConfig struct {
	APIKey     string
	APISecret  string
	UserID     string
	Password   string
	TOTPSecret string

	// TokenPath is where the access token is cached between runs.
	// Defaults to ~/.config/mcube/kite_session.json.
	TokenPath string
}

// KiteAdapter integrates Zerodha Kite Connect. Access tokens lapse at
// 06:00 IST the next day, so Login first tries the cached token and
// falls back to the scripted TOTP login.
type KiteAdapter struct {
	Base

	client    *kiteconnect.Client
	cfg       KiteConfig
	tokenPath string
	logger    zerolog.Logger

	mu          sync.RWMutex
	instruments map[string]models.Instrument
}

// NewKiteAdapter creates a Kite adapter. No network calls happen until
// Login.
func NewKiteAdapter(cfg KiteConfig, logger zerolog.Logger) *KiteAdapter {
	tokenPath := cfg.TokenPath
	if tokenPath == "" {
		homeDir, _ := os.UserHomeDir()
		tokenPath = filepath.Join(homeDir, ".config", "mcube", "kite_session.json")
	}

	k := &KiteAdapter{
		client:      kiteconnect.New(cfg.APIKey),
		cfg:         cfg,
		tokenPath:   tokenPath,
		logger:      logger.With().Str("broker", string(models.BrokerKite)).Logger(),
		instruments: make(map[string]models.Instrument),
	}
	k.Base = NewBase(models.BrokerKite, NewSession(models.BrokerKite), k.Login)
	return k
}

// kiteToken is the persisted access token.
type kiteToken struct {
	AccessToken string    `json:"access_token"`
	UserID      string    `json:"user_id"`
	ExpiresAt   time.Time `json:"expires_at"`
}

// Login establishes a Kite session. A cached unexpired token is reused
// after a live verification; otherwise the scripted TOTP login runs and
// the fresh token replaces whatever came before.
func (k *KiteAdapter) Login(ctx context.Context) error {
	session := k.Session()
	if err := session.BeginAuth(); err != nil {
		return err
	}

	if tok, err := k.loadToken(); err == nil {
		k.client.SetAccessToken(tok.AccessToken)
		if _, err := k.client.GetUserProfile(); err == nil {
			session.Establish(k.cfg.UserID, tok.AccessToken, tok.ExpiresAt)
			k.logger.Info().
				Str("user", k.cfg.UserID).
				Str("token", security.MaskCredential(tok.AccessToken)).
				Msg("Kite session restored from cached token")
			return nil
		}
	}

	if k.cfg.APIKey == "" || k.cfg.APISecret == "" || k.cfg.UserID == "" ||
		k.cfg.Password == "" || k.cfg.TOTPSecret == "" {
		session.FailAuth()
		return apperrors.NewAuthenticationError(string(models.BrokerKite),
			"kite credentials incomplete (need api_key, api_secret, user_id, password, totp_secret)", nil)
	}

	requestToken, err := fetchKiteRequestToken(ctx, k.cfg)
	if err != nil {
		session.FailAuth()
		return apperrors.NewAuthenticationError(string(models.BrokerKite), "scripted login failed", err)
	}

	data, err := k.client.GenerateSession(requestToken, k.cfg.APISecret)
	if err != nil {
		session.FailAuth()
		return apperrors.NewAuthenticationError(string(models.BrokerKite), "token exchange failed",
			mapKiteError("generate session", err))
	}

	k.client.SetAccessToken(data.AccessToken)
	expiresAt := nextKiteExpiry(time.Now())
	session.Establish(k.cfg.UserID, data.AccessToken, expiresAt)

	if err := k.saveToken(data.AccessToken, expiresAt); err != nil {
		k.logger.Warn().Err(err).Msg("Failed to persist access token")
	}

	k.logger.Info().
		Str("user", k.cfg.UserID).
		Time("expires_at", expiresAt).
		Msg("Kite session established")
	return nil
}

// Logout invalidates the token upstream, removes the cache and clears
// the session.
func (k *KiteAdapter) Logout(ctx context.Context) error {
	if k.Session().State() == StateAuthenticated {
		if _, err := k.client.InvalidateAccessToken(); err != nil {
			k.logger.Warn().Err(err).Msg("Failed to invalidate access token upstream")
		}
	}
	if err := os.Remove(k.tokenPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove token cache: %w", err)
	}
	k.Session().Reset()
	return nil
}

// Client returns the underlying kiteconnect client for broker-specific
// calls outside the normalized contract.
func (k *KiteAdapter) Client() any {
	return k.client
}

// mapError converts an SDK error and marks the session expired when the
// broker reports the token dead, so later calls fail fast in guard.
func (k *KiteAdapter) mapError(op string, err error) error {
	mapped := mapKiteError(op, err)
	if apperrors.IsSessionExpired(mapped) {
		k.Session().Expire()
	}
	return mapped
}

// guard rejects calls on a session that is missing or past its expiry,
// without spending a network round trip.
func (k *KiteAdapter) guard() error {
	switch k.Session().State() {
	case StateAuthenticated:
		if k.Session().Valid() {
			return nil
		}
		k.Session().Expire()
		return apperrors.NewSessionExpiredError(string(models.BrokerKite), "TokenException", nil)
	case StateExpired:
		return apperrors.NewSessionExpiredError(string(models.BrokerKite), "TokenException", nil)
	default:
		return apperrors.ErrNotAuthenticated
	}
}

// PlaceOrder submits a regular order. Validation runs before any
// network call and the submission is never retried here.
func (k *KiteAdapter) PlaceOrder(ctx context.Context, req *models.OrderRequest) (*models.OrderResult, error) {
	if err := req.Validate(); err != nil {
		return models.FailedOrderResult(models.BrokerKite, "order validation failed", err), err
	}
	if err := k.guard(); err != nil {
		return models.FailedOrderResult(models.BrokerKite, "not authenticated", err), err
	}

	params := kiteconnect.OrderParams{
		Exchange:        string(req.Exchange),
		Tradingsymbol:   req.Symbol,
		TransactionType: string(req.TransactionType),
		OrderType:       string(req.OrderType),
		Product:         string(req.Product),
		Quantity:        req.Quantity,
		Validity:        string(req.Validity),
		Tag:             req.Tag,
	}
	if params.Validity == "" {
		params.Validity = string(models.ValidityDay)
	}
	if !req.Price.IsZero() {
		params.Price = req.Price.InexactFloat64()
	}
	if !req.TriggerPrice.IsZero() {
		params.TriggerPrice = req.TriggerPrice.InexactFloat64()
	}

	resp, err := k.client.PlaceOrder(kiteconnect.VarietyRegular, params)
	if err != nil {
		mapped := k.mapError("place order", err)
		return models.FailedOrderResult(models.BrokerKite, "order placement failed", mapped), mapped
	}

	k.logger.Info().
		Str("order_id", resp.OrderID).
		Str("symbol", req.Symbol).
		Int("quantity", req.Quantity).
		Msg("Order placed")

	result := models.NewOrderResult(models.BrokerKite, resp.OrderID, "Order placed successfully")
	result.Symbol = req.Symbol
	result.Quantity = req.Quantity
	result.Price = req.Price
	result.PlacedAt = time.Now()
	return result, nil
}

// GetPositions returns the net position book, normalized. Unrealized
// P&L is recomputed in decimal rather than trusted from the broker.
func (k *KiteAdapter) GetPositions(ctx context.Context) ([]models.Position, error) {
	if err := k.guard(); err != nil {
		return nil, err
	}

	resp, err := k.client.GetPositions()
	if err != nil {
		return nil, k.mapError("get positions", err)
	}

	result := make([]models.Position, 0, len(resp.Net))
	for _, p := range resp.Net {
		pos := models.Position{
			Symbol:       p.Tradingsymbol,
			Exchange:     models.Exchange(p.Exchange),
			Product:      models.ProductType(p.Product),
			Quantity:     int(p.Quantity),
			AveragePrice: decimal.NewFromFloat(p.AveragePrice),
			LTP:          decimal.NewFromFloat(p.LastPrice),
			RealizedPnL:  decimal.NewFromFloat(p.Realised),
			BuyQty:       int(p.BuyQuantity),
			SellQty:      int(p.SellQuantity),
			BuyValue:     decimal.NewFromFloat(p.BuyValue),
			SellValue:    decimal.NewFromFloat(p.SellValue),
			Multiplier:   int(p.Multiplier),
			Broker:       models.BrokerKite,
		}
		pos.UnrealizedPnL = pos.ComputeUnrealizedPnL()
		if raw, err := json.Marshal(p); err == nil {
			pos.Raw = raw
		}
		result = append(result, pos)
	}
	return result, nil
}

// GetMargins returns the equity segment margin summary.
func (k *KiteAdapter) GetMargins(ctx context.Context) (*models.Margin, error) {
	if err := k.guard(); err != nil {
		return nil, err
	}

	m, err := k.client.GetUserMargins()
	if err != nil {
		return nil, k.mapError("get margins", err)
	}

	eq := m.Equity
	margin := &models.Margin{
		Available:  decimal.NewFromFloat(eq.Available.Cash),
		Used:       decimal.NewFromFloat(eq.Used.Debits),
		Total:      decimal.NewFromFloat(eq.Net),
		ExposureFO: decimal.NewFromFloat(eq.Used.Exposure).Add(decimal.NewFromFloat(eq.Used.Span)),
		Collateral: decimal.NewFromFloat(eq.Available.Collateral),
		Broker:     models.BrokerKite,
		FetchedAt:  time.Now(),
	}
	if raw, err := json.Marshal(m); err == nil {
		margin.Raw = raw
	}
	return margin, nil
}

// GetOrderStatus looks the order up in the day's order book. Kite has
// no single-order endpoint on this surface, so this scans GetOrders.
func (k *KiteAdapter) GetOrderStatus(ctx context.Context, orderID string) (*models.OrderStatus, error) {
	if err := k.guard(); err != nil {
		return nil, err
	}

	orders, err := k.client.GetOrders()
	if err != nil {
		return nil, k.mapError("get orders", err)
	}

	for i := range orders {
		o := orders[i]
		if o.OrderID != orderID {
			continue
		}
		status := &models.OrderStatus{
			OrderID:       o.OrderID,
			State:         mapKiteOrderState(o.Status),
			StatusMessage: o.StatusMessage,
			FilledQty:     int(o.FilledQuantity),
			PendingQty:    int(o.PendingQuantity),
			AveragePrice:  decimal.NewFromFloat(o.AveragePrice),
			Broker:        models.BrokerKite,
			UpdatedAt:     time.Now(),
		}
		if raw, err := json.Marshal(o); err == nil {
			status.Raw = raw
		}
		return status, nil
	}
	return nil, apperrors.Wrapf(apperrors.ErrOrderNotFound, "order %s", orderID)
}

// CancelOrder cancels an open regular order.
func (k *KiteAdapter) CancelOrder(ctx context.Context, orderID string) error {
	if err := k.guard(); err != nil {
		return err
	}
	if _, err := k.client.CancelOrder(kiteconnect.VarietyRegular, orderID, nil); err != nil {
		return k.mapError("cancel order", err)
	}
	k.logger.Info().Str("order_id", orderID).Msg("Order cancelled")
	return nil
}

// GetHoldings returns delivery holdings. This sits outside the common
// adapter contract; callers reach it through the concrete type.
func (k *KiteAdapter) GetHoldings(ctx context.Context) ([]models.Holding, error) {
	if err := k.guard(); err != nil {
		return nil, err
	}

	holdings, err := k.client.GetHoldings()
	if err != nil {
		return nil, k.mapError("get holdings", err)
	}

	result := make([]models.Holding, len(holdings))
	for i, h := range holdings {
		avg := decimal.NewFromFloat(h.AveragePrice)
		ltp := decimal.NewFromFloat(h.LastPrice)
		qty := decimal.NewFromInt(int64(h.Quantity))
		result[i] = models.Holding{
			Symbol:       h.Tradingsymbol,
			Exchange:     models.Exchange(h.Exchange),
			Quantity:     int(h.Quantity),
			AveragePrice: avg,
			LTP:          ltp,
			PnL:          ltp.Sub(avg).Mul(qty),
			Broker:       models.BrokerKite,
		}
	}
	return result, nil
}

// InstrumentToken resolves an exchange:symbol pair to its instrument
// token, fetching and caching the instrument dump on first use. The
// ticker subscribes by token, not symbol.
func (k *KiteAdapter) InstrumentToken(ctx context.Context, exchange models.Exchange, symbol string) (uint32, error) {
	key := fmt.Sprintf("%s:%s", exchange, symbol)

	k.mu.RLock()
	inst, ok := k.instruments[key]
	k.mu.RUnlock()
	if ok {
		return inst.Token, nil
	}

	if err := k.loadInstruments(ctx); err != nil {
		return 0, err
	}

	k.mu.RLock()
	inst, ok = k.instruments[key]
	k.mu.RUnlock()
	if !ok {
		return 0, apperrors.Wrapf(apperrors.ErrSymbolNotFound, "%s on %s", symbol, exchange)
	}
	return inst.Token, nil
}

func (k *KiteAdapter) loadInstruments(ctx context.Context) error {
	if err := k.guard(); err != nil {
		return err
	}

	instruments, err := k.client.GetInstruments()
	if err != nil {
		return k.mapError("get instruments", err)
	}

	k.mu.Lock()
	defer k.mu.Unlock()
	for _, inst := range instruments {
		key := fmt.Sprintf("%s:%s", inst.Exchange, inst.Tradingsymbol)
		k.instruments[key] = models.Instrument{
			Token:     uint32(inst.InstrumentToken),
			Symbol:    inst.Tradingsymbol,
			Name:      inst.Name,
			Exchange:  models.Exchange(inst.Exchange),
			Segment:   inst.Segment,
			LotSize:   int(inst.LotSize),
			TickSize:  decimal.NewFromFloat(inst.TickSize),
			Expiry:    inst.Expiry.Time,
			Strike:    decimal.NewFromFloat(inst.StrikePrice),
			InstrType: inst.InstrumentType,
		}
	}
	return nil
}

func (k *KiteAdapter) loadToken() (*kiteToken, error) {
	data, err := os.ReadFile(k.tokenPath)
	if err != nil {
		return nil, err
	}
	var tok kiteToken
	if err := json.Unmarshal(data, &tok); err != nil {
		return nil, err
	}
	if time.Now().After(tok.ExpiresAt) {
		return nil, fmt.Errorf("cached token expired at %s", tok.ExpiresAt)
	}
	return &tok, nil
}

func (k *KiteAdapter) saveToken(accessToken string, expiresAt time.Time) error {
	if err := os.MkdirAll(filepath.Dir(k.tokenPath), 0700); err != nil {
		return err
	}
	data, err := json.Marshal(kiteToken{
		AccessToken: accessToken,
		UserID:      k.cfg.UserID,
		ExpiresAt:   expiresAt,
	})
	if err != nil {
		return err
	}
	return os.WriteFile(k.tokenPath, data, 0600)
}

// nextKiteExpiry returns the upcoming 06:00 IST cutoff after now.
func nextKiteExpiry(now time.Time) time.Time {
	ist := now.In(utils.IndiaLocation)
	expiry := time.Date(ist.Year(), ist.Month(), ist.Day(), 6, 0, 0, 0, utils.IndiaLocation)
	if !ist.Before(expiry) {
		expiry = expiry.AddDate(0, 0, 1)
	}
	return expiry
}

// mapKiteError converts kiteconnect errors into the typed taxonomy.
// TokenException means the session died upstream; the caller decides
// whether to refresh and retry.
func mapKiteError(op string, err error) error {
	if err == nil {
		return nil
	}

	var kerr kiteconnect.Error
	if apperrors.As(err, &kerr) {
		switch kerr.ErrorType {
		case "TokenException":
			return apperrors.NewSessionExpiredError(string(models.BrokerKite), kerr.ErrorType, err)
		case "UserException", "TwoFAException":
			return apperrors.NewAuthenticationError(string(models.BrokerKite), kerr.Message, err)
		default:
			return apperrors.NewBrokerAPIError(string(models.BrokerKite), kerr.ErrorType, kerr.Code,
				fmt.Sprintf("%s: %s", op, kerr.Message), err)
		}
	}

	if strings.Contains(err.Error(), "TokenException") ||
		strings.Contains(err.Error(), "access_token") {
		return apperrors.NewSessionExpiredError(string(models.BrokerKite), "TokenException", err)
	}
	return apperrors.NewBrokerAPIError(string(models.BrokerKite), "", 0,
		fmt.Sprintf("%s failed", op), err)
}

// mapKiteOrderState folds kite's order statuses into the normalized
// states. Transient statuses land on PENDING.
func mapKiteOrderState(status string) models.OrderState {
	switch status {
	case "COMPLETE":
		return models.OrderStateComplete
	case "OPEN":
		return models.OrderStateOpen
	case "CANCELLED":
		return models.OrderStateCancelled
	case "REJECTED":
		return models.OrderStateRejected
	default:
		return models.OrderStatePending
	}
}

var _ Adapter = (*KiteAdapter)(nil)
