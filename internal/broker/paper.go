package broker

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	apperrors "github.com/Anupamvm/mCube-ai-sub004/internal/errors"
	"github.com/Anupamvm/mCube-ai-sub004/internal/models"
)

// DefaultPaperBalance is the starting cash for a paper account, 10 lakhs.
var DefaultPaperBalance = decimal.NewFromInt(1000000)

// paperOrder is the in-memory order book entry.
type paperOrder struct {
	id       string
	req      models.OrderRequest
	state    models.OrderState
	message  string
	filled   int
	avgPrice decimal.Decimal
	placedAt time.Time
}

// PaperAdapter simulates a broker with deterministic fills. MARKET
// orders fill immediately at the last seen price, LIMIT orders fill
// when the price crosses the limit, SL and SL-M orders arm on their
// trigger. Prices come from SetPrice or ProcessTick; there is no
// randomness, so tests can script exact fill sequences.
type PaperAdapter struct {
	Base

	mu        sync.RWMutex
	cash      decimal.Decimal
	initial   decimal.Decimal
	positions map[string]*models.Position
	orders    map[string]*paperOrder
	prices    map[string]decimal.Decimal

	orderCounter int
}

// NewPaperAdapter creates a paper adapter with the given starting cash.
// A zero balance selects DefaultPaperBalance.
func NewPaperAdapter(initialBalance decimal.Decimal) *PaperAdapter {
	if initialBalance.IsZero() {
		initialBalance = DefaultPaperBalance
	}
	p := &PaperAdapter{
		cash:      initialBalance,
		initial:   initialBalance,
		positions: make(map[string]*models.Position),
		orders:    make(map[string]*paperOrder),
		prices:    make(map[string]decimal.Decimal),
	}
	p.Base = NewBase(models.BrokerPaper, NewSession(models.BrokerPaper), p.Login)
	return p
}

// Login establishes a simulated session. No credentials are involved;
// the session still walks the normal lifecycle so callers exercise the
// same auth paths as with a real broker.
func (p *PaperAdapter) Login(ctx context.Context) error {
	session := p.Session()
	if err := session.BeginAuth(); err != nil {
		return err
	}
	session.Establish("PAPER", uuid.NewString(), time.Time{})
	return nil
}

// Logout clears the simulated session. Book state survives so a
// re-login continues the same account.
func (p *PaperAdapter) Logout(ctx context.Context) error {
	p.Session().Reset()
	return nil
}

// ForceExpire marks the session expired. Tests use this to drive the
// refresh-and-retry path without waiting out a real token lifetime.
func (p *PaperAdapter) ForceExpire() {
	p.Session().Expire()
}

// Client returns the adapter itself; the paper broker has no native
// SDK, and the handle exposes the simulation controls.
func (p *PaperAdapter) Client() any {
	return p
}

// guard returns the error a real broker would for calls made on a dead
// session.
func (p *PaperAdapter) guard() error {
	switch p.Session().State() {
	case StateAuthenticated:
		if p.Session().Valid() {
			return nil
		}
		p.Session().Expire()
		return apperrors.NewSessionExpiredError(string(models.BrokerPaper), "", nil)
	case StateExpired:
		return apperrors.NewSessionExpiredError(string(models.BrokerPaper), "", nil)
	default:
		return apperrors.ErrNotAuthenticated
	}
}

// PlaceOrder simulates order placement against the cached prices.
func (p *PaperAdapter) PlaceOrder(ctx context.Context, req *models.OrderRequest) (*models.OrderResult, error) {
	if err := req.Validate(); err != nil {
		return models.FailedOrderResult(models.BrokerPaper, "order validation failed", err), err
	}
	if err := p.guard(); err != nil {
		return models.FailedOrderResult(models.BrokerPaper, "not authenticated", err), err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	p.orderCounter++
	orderID := fmt.Sprintf("PAPER_%d_%d", time.Now().Unix(), p.orderCounter)

	order := &paperOrder{
		id:       orderID,
		req:      *req,
		placedAt: time.Now(),
	}

	ref, hasPrice := p.prices[order.req.Symbol]
	switch order.req.OrderType {
	case models.OrderTypeMarket:
		if !hasPrice || ref.IsZero() {
			err := apperrors.NewBrokerAPIError(string(models.BrokerPaper), "NO_PRICE", 0,
				fmt.Sprintf("no market price for %s", order.req.Symbol), nil)
			return models.FailedOrderResult(models.BrokerPaper, err.Message, err), err
		}
		if err := p.fillLocked(order, ref); err != nil {
			return models.FailedOrderResult(models.BrokerPaper, "order rejected", err), err
		}
	case models.OrderTypeLimit:
		if hasPrice && limitCrossed(order.req, ref) {
			if err := p.fillLocked(order, order.req.Price); err != nil {
				return models.FailedOrderResult(models.BrokerPaper, "order rejected", err), err
			}
		} else {
			order.state = models.OrderStateOpen
			order.message = "Awaiting limit price"
		}
	case models.OrderTypeStopLoss, models.OrderTypeStopLossM:
		order.state = models.OrderStatePending
		order.message = "Awaiting trigger"
	}

	p.orders[orderID] = order

	result := models.NewOrderResult(models.BrokerPaper, orderID, order.message)
	result.Symbol = order.req.Symbol
	result.Quantity = order.req.Quantity
	result.Price = order.avgPrice
	result.PlacedAt = order.placedAt
	if order.state == models.OrderStateComplete {
		result.Message = fmt.Sprintf("Paper order filled at %s", order.avgPrice.StringFixed(2))
	}
	return result, nil
}

// GetOrderStatus reports the state of a paper order.
func (p *PaperAdapter) GetOrderStatus(ctx context.Context, orderID string) (*models.OrderStatus, error) {
	if err := p.guard(); err != nil {
		return nil, err
	}
	p.mu.RLock()
	defer p.mu.RUnlock()

	order, ok := p.orders[orderID]
	if !ok {
		return nil, apperrors.Wrapf(apperrors.ErrOrderNotFound, "order %s", orderID)
	}
	return &models.OrderStatus{
		OrderID:       order.id,
		State:         order.state,
		StatusMessage: order.message,
		FilledQty:     order.filled,
		PendingQty:    order.req.Quantity - order.filled,
		AveragePrice:  order.avgPrice,
		Broker:        models.BrokerPaper,
		UpdatedAt:     time.Now(),
	}, nil
}

// CancelOrder cancels a resting paper order.
func (p *PaperAdapter) CancelOrder(ctx context.Context, orderID string) error {
	if err := p.guard(); err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	order, ok := p.orders[orderID]
	if !ok {
		return apperrors.Wrapf(apperrors.ErrOrderNotFound, "order %s", orderID)
	}
	if order.state.Terminal() {
		return apperrors.Wrapf(apperrors.ErrOrderRejected, "cannot cancel order in state %s", order.state)
	}
	order.state = models.OrderStateCancelled
	order.message = "Cancelled"
	return nil
}

// GetPositions returns the simulated book with fresh mark-to-market.
func (p *PaperAdapter) GetPositions(ctx context.Context) ([]models.Position, error) {
	if err := p.guard(); err != nil {
		return nil, err
	}
	p.mu.RLock()
	defer p.mu.RUnlock()

	positions := make([]models.Position, 0, len(p.positions))
	for _, pos := range p.positions {
		snap := *pos
		if price, ok := p.prices[snap.Symbol]; ok && !price.IsZero() {
			snap.LTP = price
		}
		snap.UnrealizedPnL = snap.ComputeUnrealizedPnL()
		positions = append(positions, snap)
	}
	sort.Slice(positions, func(i, j int) bool { return positions[i].Symbol < positions[j].Symbol })
	return positions, nil
}

// GetMargins reports available cash and the value locked in open
// positions.
func (p *PaperAdapter) GetMargins(ctx context.Context) (*models.Margin, error) {
	if err := p.guard(); err != nil {
		return nil, err
	}
	p.mu.RLock()
	defer p.mu.RUnlock()

	used := decimal.Zero
	for _, pos := range p.positions {
		if pos.Quantity == 0 {
			continue
		}
		qty := decimal.NewFromInt(int64(pos.Quantity)).Abs()
		used = used.Add(pos.AveragePrice.Mul(qty))
	}
	return &models.Margin{
		Available: p.cash,
		Used:      used,
		Total:     p.cash.Add(used),
		Broker:    models.BrokerPaper,
		FetchedAt: time.Now(),
	}, nil
}

// SetPrice updates the reference price for a symbol and sweeps resting
// orders that the new price satisfies.
func (p *PaperAdapter) SetPrice(symbol string, price decimal.Decimal) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.prices[symbol] = price
	p.sweepLocked(symbol, price)
}

// ProcessTick feeds a live tick into the simulation.
func (p *PaperAdapter) ProcessTick(tick models.Tick) {
	p.SetPrice(tick.Symbol, decimal.NewFromFloat(tick.LTP))
}

// Reset wipes the book and restores the starting balance.
func (p *PaperAdapter) Reset(initialBalance decimal.Decimal) {
	if initialBalance.IsZero() {
		initialBalance = DefaultPaperBalance
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.cash = initialBalance
	p.initial = initialBalance
	p.positions = make(map[string]*models.Position)
	p.orders = make(map[string]*paperOrder)
	p.prices = make(map[string]decimal.Decimal)
	p.orderCounter = 0
}

// sweepLocked fills resting orders satisfied by the new price. Caller
// holds mu.
func (p *PaperAdapter) sweepLocked(symbol string, price decimal.Decimal) {
	ids := make([]string, 0, len(p.orders))
	for id := range p.orders {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	for _, id := range ids {
		order := p.orders[id]
		if order.req.Symbol != symbol || order.state.Terminal() {
			continue
		}
		switch order.state {
		case models.OrderStateOpen:
			// Open orders rest at their limit price, whether they started
			// as LIMIT or as a triggered SL.
			if limitCrossed(order.req, price) {
				if err := p.fillLocked(order, order.req.Price); err != nil {
					order.state = models.OrderStateRejected
					order.message = err.Error()
				}
			}
		case models.OrderStatePending:
			if !triggerCrossed(order.req, price) {
				continue
			}
			execPrice := price
			if order.req.OrderType == models.OrderTypeStopLoss {
				if !limitCrossed(order.req, price) {
					order.state = models.OrderStateOpen
					order.message = "Triggered, awaiting limit price"
					continue
				}
				execPrice = order.req.Price
			}
			if err := p.fillLocked(order, execPrice); err != nil {
				order.state = models.OrderStateRejected
				order.message = err.Error()
			}
		}
	}
}

// fillLocked executes an order in full at price. Caller holds mu.
func (p *PaperAdapter) fillLocked(order *paperOrder, price decimal.Decimal) error {
	req := order.req
	value := price.Mul(decimal.NewFromInt(int64(req.Quantity)))

	if req.TransactionType == models.TransactionBuy && p.cash.LessThan(value) {
		return apperrors.Wrapf(apperrors.ErrInsufficientFunds,
			"need %s, have %s", value.StringFixed(2), p.cash.StringFixed(2))
	}

	if req.TransactionType == models.TransactionBuy {
		p.cash = p.cash.Sub(value)
	} else {
		p.cash = p.cash.Add(value)
	}

	p.applyFillLocked(req, price)

	order.state = models.OrderStateComplete
	order.filled = req.Quantity
	order.avgPrice = price
	order.message = "Filled"
	return nil
}

// applyFillLocked folds a fill into the position book. Caller holds mu.
func (p *PaperAdapter) applyFillLocked(req models.OrderRequest, price decimal.Decimal) {
	key := fmt.Sprintf("%s:%s:%s", req.Exchange, req.Symbol, req.Product)
	pos, ok := p.positions[key]
	if !ok {
		pos = &models.Position{
			Symbol:     req.Symbol,
			Exchange:   req.Exchange,
			Product:    req.Product,
			Multiplier: 1,
			Broker:     models.BrokerPaper,
		}
		p.positions[key] = pos
	}

	qty := decimal.NewFromInt(int64(req.Quantity))
	value := price.Mul(qty)
	signed := req.Quantity
	if req.TransactionType == models.TransactionBuy {
		pos.BuyQty += req.Quantity
		pos.BuyValue = pos.BuyValue.Add(value)
	} else {
		pos.SellQty += req.Quantity
		pos.SellValue = pos.SellValue.Add(value)
		signed = -req.Quantity
	}

	oldQty := pos.Quantity
	newQty := oldQty + signed

	switch {
	case oldQty == 0 || sameSign(oldQty, signed):
		// Extending: blend the average.
		oldAbs := decimal.NewFromInt(int64(abs(oldQty)))
		newAbs := decimal.NewFromInt(int64(abs(newQty)))
		total := pos.AveragePrice.Mul(oldAbs).Add(price.Mul(qty))
		pos.AveragePrice = total.Div(newAbs)
	case sameSign(oldQty, newQty) || newQty == 0:
		// Reducing: average holds, realize the closed part.
		closed := decimal.NewFromInt(int64(abs(signed)))
		perShare := price.Sub(pos.AveragePrice)
		if oldQty < 0 {
			perShare = pos.AveragePrice.Sub(price)
		}
		pos.RealizedPnL = pos.RealizedPnL.Add(perShare.Mul(closed))
	default:
		// Flipped through flat: realize the old side, open the new at
		// the fill price.
		closed := decimal.NewFromInt(int64(abs(oldQty)))
		perShare := price.Sub(pos.AveragePrice)
		if oldQty < 0 {
			perShare = pos.AveragePrice.Sub(price)
		}
		pos.RealizedPnL = pos.RealizedPnL.Add(perShare.Mul(closed))
		pos.AveragePrice = price
	}

	pos.Quantity = newQty
	pos.LTP = price
	pos.UnrealizedPnL = pos.ComputeUnrealizedPnL()
}

func limitCrossed(req models.OrderRequest, price decimal.Decimal) bool {
	if req.TransactionType == models.TransactionBuy {
		return price.LessThanOrEqual(req.Price)
	}
	return price.GreaterThanOrEqual(req.Price)
}

// triggerCrossed reports whether a stop trigger has fired. A buy stop
// arms at or above the trigger, a sell stop at or below.
func triggerCrossed(req models.OrderRequest, price decimal.Decimal) bool {
	if req.TransactionType == models.TransactionBuy {
		return price.GreaterThanOrEqual(req.TriggerPrice)
	}
	return price.LessThanOrEqual(req.TriggerPrice)
}

func sameSign(a, b int) bool {
	return (a > 0 && b > 0) || (a < 0 && b < 0)
}

func abs(n int) int {
	if n < 0 {
		return -n
	}
	return n
}

var _ Adapter = (*PaperAdapter)(nil)
