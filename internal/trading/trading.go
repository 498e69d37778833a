// Package trading coordinates order execution and account
// synchronization across broker adapters. It owns the session-keeping
// policy shared by both paths: authenticate on first use, refresh once
// when the broker reports the session dead, and for orders never allow
// more than that single replay.
package trading

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/Anupamvm/mCube-ai-sub004/internal/broker"
	apperrors "github.com/Anupamvm/mCube-ai-sub004/internal/errors"
	"github.com/Anupamvm/mCube-ai-sub004/internal/models"
)

// Recorder persists execution outcomes and account snapshots for
// operator review. The sqlite implementation lives in internal/store;
// a nil Recorder is valid and records nothing.
type Recorder interface {
	RecordOrderResult(ctx context.Context, account string, result *models.OrderResult) error
	RecordPositions(ctx context.Context, account string, positions []models.Position) error
	RecordMargin(ctx context.Context, account string, margin *models.Margin) error
}

// AccountSnapshot is one account's positions and margin fetched under
// a single lease.
type AccountSnapshot struct {
	Key       broker.AccountKey
	Positions []models.Position
	Margin    *models.Margin
	FetchedAt time.Time
}

// withSession runs fn with a live session on the adapter. A missing
// session is established first; a session the broker reports dead
// mid-call is refreshed exactly once and fn replayed. A second expiry
// within one operation fails as an authentication error rather than
// looping, because a replayed order submission against a brokerage has
// real financial cost.
func withSession(ctx context.Context, a broker.Adapter, logger zerolog.Logger, fn func() error) error {
	refreshed := false
	if !a.IsAuthenticated() {
		if a.Session().State() == broker.StateExpired {
			logger.Info().Msg("Session expired, refreshing before call")
			if err := a.RefreshSession(ctx); err != nil {
				return apperrors.NewAuthenticationError(string(a.ID()), "session refresh failed", err)
			}
			refreshed = true
		} else if err := a.Login(ctx); err != nil {
			return err
		}
	}

	err := fn()
	if err == nil || !apperrors.IsSessionExpired(err) {
		return err
	}
	if refreshed {
		return apperrors.NewAuthenticationError(string(a.ID()), "session expired again after refresh", err)
	}

	logger.Warn().Msg("Session expired mid-call, refreshing once")
	if rerr := a.RefreshSession(ctx); rerr != nil {
		return apperrors.NewAuthenticationError(string(a.ID()), "session refresh failed", rerr)
	}
	err = fn()
	if err != nil && apperrors.IsSessionExpired(err) {
		return apperrors.NewAuthenticationError(string(a.ID()), "session expired again after refresh", err)
	}
	return err
}
