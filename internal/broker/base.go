package broker

import (
	"context"

	apperrors "github.com/Anupamvm/mCube-ai-sub004/internal/errors"
	"github.com/Anupamvm/mCube-ai-sub004/internal/models"
)

// Base supplies default behavior for the optional Adapter capabilities.
// Concrete adapters embed it, hand it their session and a relogin
// function, and override whichever methods their broker does better.
type Base struct {
	broker  models.BrokerID
	session *Session
	relogin func(ctx context.Context) error
}

// NewBase wires defaults for an adapter. relogin is the adapter's own
// Login; the default RefreshSession delegates to it.
func NewBase(broker models.BrokerID, session *Session, relogin func(ctx context.Context) error) Base {
	return Base{
		broker:  broker,
		session: session,
		relogin: relogin,
	}
}

// ID returns the broker this adapter talks to.
func (b *Base) ID() models.BrokerID {
	return b.broker
}

// Session exposes the adapter's session.
func (b *Base) Session() *Session {
	return b.session
}

// IsAuthenticated answers from session state and known expiry.
func (b *Base) IsAuthenticated() bool {
	return b.session.Valid()
}

// RefreshSession performs a full re-login. Brokers with a dedicated
// token renewal endpoint override this.
func (b *Base) RefreshSession(ctx context.Context) error {
	if b.relogin == nil {
		return apperrors.Wrap(apperrors.ErrUnsupported, "refresh session")
	}
	return b.relogin(ctx)
}

// GetOrderStatus reports the capability as unsupported.
func (b *Base) GetOrderStatus(ctx context.Context, orderID string) (*models.OrderStatus, error) {
	return nil, apperrors.Wrapf(apperrors.ErrUnsupported, "order status for %s on %s", orderID, b.broker)
}

// CancelOrder reports the capability as unsupported.
func (b *Base) CancelOrder(ctx context.Context, orderID string) error {
	return apperrors.Wrapf(apperrors.ErrUnsupported, "cancel order %s on %s", orderID, b.broker)
}

// Logout clears local session state. Brokers that can invalidate the
// token server-side override this and then fall through to the default.
func (b *Base) Logout(ctx context.Context) error {
	b.session.Reset()
	return nil
}
