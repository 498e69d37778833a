package trading

import (
	"context"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/Anupamvm/mCube-ai-sub004/internal/broker"
	"github.com/Anupamvm/mCube-ai-sub004/internal/logging"
	"github.com/Anupamvm/mCube-ai-sub004/internal/models"
)

// Syncer is the position/margin synchronizer: on-demand fetch and
// normalize per account, independent of order flow. These are
// idempotent reads; a failed sync can be re-run freely, unlike orders.
// Scheduling is the caller's business.
type Syncer struct {
	registry *broker.Registry
	recorder Recorder
	logger   zerolog.Logger
}

// NewSyncer creates a synchronizer. recorder may be nil.
func NewSyncer(registry *broker.Registry, recorder Recorder, logger zerolog.Logger) *Syncer {
	return &Syncer{
		registry: registry,
		recorder: recorder,
		logger:   logger,
	}
}

// Positions fetches and verifies the account's position book.
func (s *Syncer) Positions(ctx context.Context, key broker.AccountKey) ([]models.Position, error) {
	logger := logging.WithAccount(logging.WithBroker(s.logger, string(key.Broker)), key.AccountID)

	var positions []models.Position
	err := s.registry.Do(ctx, key, func(a broker.Adapter) error {
		return withSession(ctx, a, logger, func() error {
			var callErr error
			positions, callErr = a.GetPositions(ctx)
			return callErr
		})
	})
	if err != nil {
		return nil, err
	}

	s.checkBook(logger, positions)
	s.recordPositions(ctx, key, logger, positions)
	logger.Debug().Int("positions", len(positions)).Msg("Position book synced")
	return positions, nil
}

// Margins fetches the account's margin summary.
func (s *Syncer) Margins(ctx context.Context, key broker.AccountKey) (*models.Margin, error) {
	logger := logging.WithAccount(logging.WithBroker(s.logger, string(key.Broker)), key.AccountID)

	var margin *models.Margin
	err := s.registry.Do(ctx, key, func(a broker.Adapter) error {
		return withSession(ctx, a, logger, func() error {
			var callErr error
			margin, callErr = a.GetMargins(ctx)
			return callErr
		})
	})
	if err != nil {
		return nil, err
	}

	s.recordMargin(ctx, key, logger, margin)
	logger.Debug().
		Str("available", margin.Available.String()).
		Str("used", margin.Used.String()).
		Msg("Margin synced")
	return margin, nil
}

// Snapshot fetches positions and margin together under one lease, so
// the two views describe the same moment as closely as the broker
// allows.
func (s *Syncer) Snapshot(ctx context.Context, key broker.AccountKey) (*AccountSnapshot, error) {
	logger := logging.WithAccount(logging.WithBroker(s.logger, string(key.Broker)), key.AccountID)

	snap := &AccountSnapshot{Key: key}
	err := s.registry.Do(ctx, key, func(a broker.Adapter) error {
		return withSession(ctx, a, logger, func() error {
			positions, callErr := a.GetPositions(ctx)
			if callErr != nil {
				return callErr
			}
			margin, callErr := a.GetMargins(ctx)
			if callErr != nil {
				return callErr
			}
			snap.Positions = positions
			snap.Margin = margin
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	snap.FetchedAt = time.Now()

	s.checkBook(logger, snap.Positions)
	s.recordPositions(ctx, key, logger, snap.Positions)
	s.recordMargin(ctx, key, logger, snap.Margin)
	return snap, nil
}

// SyncResult pairs an account with its snapshot or the error that
// prevented it.
type SyncResult struct {
	Key      broker.AccountKey
	Snapshot *AccountSnapshot
	Err      error
}

// SnapshotAll syncs every key, continuing past per-account failures.
func (s *Syncer) SnapshotAll(ctx context.Context, keys []broker.AccountKey) []SyncResult {
	results := make([]SyncResult, 0, len(keys))
	for _, key := range keys {
		snap, err := s.Snapshot(ctx, key)
		if err != nil {
			s.logger.Error().Err(err).Str("account", key.String()).Msg("Account sync failed")
		}
		results = append(results, SyncResult{Key: key, Snapshot: snap, Err: err})
	}
	return results
}

// checkBook re-verifies what the broker reported. Inconsistencies are
// logged, and unrealized P&L is recomputed locally when the broker's
// figure disagrees with its own inputs.
func (s *Syncer) checkBook(logger zerolog.Logger, positions []models.Position) {
	for i := range positions {
		pos := &positions[i]
		if pos.BuyQty != 0 || pos.SellQty != 0 {
			if net := pos.BuyQty - pos.SellQty; net != pos.Quantity {
				logger.Warn().
					Str("symbol", pos.Symbol).
					Int("quantity", pos.Quantity).
					Int("net_of_trades", net).
					Msg("Broker position quantity disagrees with its buy/sell counts")
			}
		}
		if computed := pos.ComputeUnrealizedPnL(); !computed.Equal(pos.UnrealizedPnL) {
			logger.Warn().
				Str("symbol", pos.Symbol).
				Str("reported", pos.UnrealizedPnL.String()).
				Str("computed", computed.String()).
				Msg("Recomputed unrealized P&L differs from broker figure")
			pos.UnrealizedPnL = computed
		}
	}
}

func (s *Syncer) recordPositions(ctx context.Context, key broker.AccountKey, logger zerolog.Logger, positions []models.Position) {
	if s.recorder == nil {
		return
	}
	if err := s.recorder.RecordPositions(ctx, key.AccountID, positions); err != nil {
		logger.Warn().Err(err).Msg("Failed to record position snapshot")
	}
}

func (s *Syncer) recordMargin(ctx context.Context, key broker.AccountKey, logger zerolog.Logger, margin *models.Margin) {
	if s.recorder == nil {
		return
	}
	if err := s.recorder.RecordMargin(ctx, key.AccountID, margin); err != nil {
		logger.Warn().Err(err).Msg("Failed to record margin snapshot")
	}
}

// PositionSummary aggregates a position book for display.
type PositionSummary struct {
	Total           int
	Open            int
	TotalUnrealized decimal.Decimal
	TotalRealized   decimal.Decimal
}

// SummarizePositions folds a book into totals.
func SummarizePositions(positions []models.Position) PositionSummary {
	summary := PositionSummary{
		TotalUnrealized: decimal.Zero,
		TotalRealized:   decimal.Zero,
	}
	for _, pos := range positions {
		summary.Total++
		if !pos.IsFlat() {
			summary.Open++
		}
		summary.TotalUnrealized = summary.TotalUnrealized.Add(pos.UnrealizedPnL)
		summary.TotalRealized = summary.TotalRealized.Add(pos.RealizedPnL)
	}
	return summary
}
