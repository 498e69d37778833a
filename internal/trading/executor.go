package trading

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/Anupamvm/mCube-ai-sub004/internal/broker"
	apperrors "github.com/Anupamvm/mCube-ai-sub004/internal/errors"
	"github.com/Anupamvm/mCube-ai-sub004/internal/logging"
	"github.com/Anupamvm/mCube-ai-sub004/internal/models"
)

// Executor is the order execution coordinator. Requests are validated
// and risk-checked locally, then run under the registry's per-account
// lease with the single-refresh session policy. A failed placement
// always comes back as a populated OrderResult alongside the error;
// nothing escapes this boundary as a bare SDK failure.
type Executor struct {
	registry *broker.Registry
	risk     *RiskChecker
	recorder Recorder
	logger   zerolog.Logger

	mu    sync.Mutex
	state RiskState
}

// NewExecutor creates a coordinator. recorder may be nil.
func NewExecutor(registry *broker.Registry, risk *RiskChecker, recorder Recorder, logger zerolog.Logger) *Executor {
	return &Executor{
		registry: registry,
		risk:     risk,
		recorder: recorder,
		logger:   logger,
	}
}

// SetRiskState feeds the mutable risk inputs, typically after a sync
// pass computes the day's realized loss.
func (e *Executor) SetRiskState(state RiskState) {
	e.mu.Lock()
	e.state = state
	e.mu.Unlock()
}

func (e *Executor) riskState() RiskState {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// PlaceOrder validates, risk-checks and places an order on the
// account's adapter. On a session expiry the placement is replayed
// exactly once after a refresh; every other error fails the call
// immediately. Untagged requests get a generated tag so the order can
// be chased through audit trails.
func (e *Executor) PlaceOrder(ctx context.Context, key broker.AccountKey, req *models.OrderRequest) (*models.OrderResult, error) {
	logger := logging.WithAccount(logging.WithBroker(e.logger, string(key.Broker)), key.AccountID)

	if err := req.Validate(); err != nil {
		logger.Warn().Err(err).Str("symbol", req.Symbol).Msg("Order failed validation")
		return e.fail(ctx, key, req, "order validation failed", err), err
	}
	if err := broker.CheckSegmentRules(req); err != nil {
		logger.Warn().Err(err).Str("symbol", req.Symbol).Msg("Order violates venue rules")
		return e.fail(ctx, key, req, "order violates venue rules", err), err
	}
	if verdict := e.risk.Check(req, e.riskState()); !verdict.Allowed {
		err := apperrors.Wrapf(apperrors.ErrOrderRejected, "risk check: %s", verdict.BlockReason)
		logger.Warn().
			Str("symbol", req.Symbol).
			Strs("checks_failed", verdict.ChecksFailed).
			Msg("Order blocked by risk limits")
		return e.fail(ctx, key, req, verdict.BlockReason, err), err
	}
	if req.Tag == "" {
		req.Tag = defaultTag()
	}

	var result *models.OrderResult
	err := e.registry.Do(ctx, key, func(a broker.Adapter) error {
		return withSession(ctx, a, logger, func() error {
			r, callErr := a.PlaceOrder(ctx, req)
			if r != nil {
				result = r
			}
			return callErr
		})
	})
	if result == nil {
		result = models.FailedOrderResult(key.Broker, "order placement failed", err)
	}
	if result.Symbol == "" {
		result.Symbol = req.Symbol
	}
	if result.Quantity == 0 {
		result.Quantity = req.Quantity
	}

	e.record(ctx, key, result)
	if err != nil {
		logger.Error().Err(err).Str("symbol", req.Symbol).Str("tag", req.Tag).Msg("Order placement failed")
		return result, err
	}
	logging.LogOrderPlaced(logger, string(key.Broker), result.OrderID, req.Symbol,
		string(req.TransactionType), req.Quantity, req.Price)
	return result, nil
}

// CancelOrder cancels an order under the same session policy. Cancels
// are mutations: read-only mode blocks them.
func (e *Executor) CancelOrder(ctx context.Context, key broker.AccountKey, orderID string) error {
	logger := logging.WithOrderID(
		logging.WithAccount(logging.WithBroker(e.logger, string(key.Broker)), key.AccountID), orderID)

	if e.risk.ReadOnly() {
		return apperrors.Wrapf(apperrors.ErrOrderRejected, "cancel order %s: read-only mode is active", orderID)
	}

	err := e.registry.Do(ctx, key, func(a broker.Adapter) error {
		return withSession(ctx, a, logger, func() error {
			return a.CancelOrder(ctx, orderID)
		})
	})
	if err != nil {
		logger.Error().Err(err).Msg("Order cancellation failed")
		return err
	}
	logger.Info().Msg("Order cancelled")
	return nil
}

// OrderStatus fetches the current state of an order. Status reads are
// idempotent; callers may poll.
func (e *Executor) OrderStatus(ctx context.Context, key broker.AccountKey, orderID string) (*models.OrderStatus, error) {
	logger := logging.WithOrderID(
		logging.WithAccount(logging.WithBroker(e.logger, string(key.Broker)), key.AccountID), orderID)

	var status *models.OrderStatus
	err := e.registry.Do(ctx, key, func(a broker.Adapter) error {
		return withSession(ctx, a, logger, func() error {
			var callErr error
			status, callErr = a.GetOrderStatus(ctx, orderID)
			return callErr
		})
	})
	return status, err
}

func (e *Executor) fail(ctx context.Context, key broker.AccountKey, req *models.OrderRequest, message string, err error) *models.OrderResult {
	result := models.FailedOrderResult(key.Broker, message, err)
	result.Symbol = req.Symbol
	result.Quantity = req.Quantity
	result.Price = req.Price
	e.record(ctx, key, result)
	return result
}

func (e *Executor) record(ctx context.Context, key broker.AccountKey, result *models.OrderResult) {
	if e.recorder == nil {
		return
	}
	if err := e.recorder.RecordOrderResult(ctx, key.AccountID, result); err != nil {
		e.logger.Warn().Err(err).Str("account", key.AccountID).Msg("Failed to record order result")
	}
}

// defaultTag builds a short audit tag. Kite caps tags at 20
// characters; 8 hex chars of a UUID is enough to chase one order.
func defaultTag() string {
	return "mcube-" + uuid.NewString()[:8]
}
