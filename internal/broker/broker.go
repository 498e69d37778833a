// Package broker provides the adapter contract for broker integrations
// and the registry that manages adapter instances per account. Each
// supported broker implements Adapter, translating its own API into the
// normalized types in internal/models.
package broker

import (
	"context"

	"github.com/Anupamvm/mCube-ai-sub004/internal/models"
)

// Adapter is the capability surface of a broker integration.
//
// Login, PlaceOrder, GetPositions and GetMargins are mandatory; every
// broker must implement them against its own API. The remaining methods
// have sensible defaults in Base which adapters embed and override only
// when the broker offers something better.
//
// Adapters are stateful (they hold the broker session) and are not safe
// for concurrent use on their own. The Registry serializes access so at
// most one call per account is in flight at a time.
type Adapter interface {
	// ID returns the broker this adapter talks to.
	ID() models.BrokerID

	// Login establishes a session with the broker. It is safe to call
	// again after expiry; a successful call leaves Session in the
	// authenticated state.
	Login(ctx context.Context) error

	// PlaceOrder submits a validated order and returns the normalized
	// outcome. Implementations never retry placement themselves; a
	// submission that may have reached the broker must not be repeated.
	PlaceOrder(ctx context.Context, req *models.OrderRequest) (*models.OrderResult, error)

	// GetPositions returns the account's open positions for the day.
	GetPositions(ctx context.Context) ([]models.Position, error)

	// GetMargins returns the account's margin summary.
	GetMargins(ctx context.Context) (*models.Margin, error)

	// Client returns the broker's native client handle, an escape hatch
	// for operations the normalized contract does not cover. Callers
	// using it forfeit the normalization guarantees of this layer.
	Client() any

	// Session exposes the adapter's session for state inspection.
	Session() *Session

	// IsAuthenticated reports whether the session is usable. Base
	// answers from Session state and expiry time.
	IsAuthenticated() bool

	// RefreshSession re-establishes an expired session. Base performs a
	// full re-login; brokers with a cheaper renewal flow override it.
	RefreshSession(ctx context.Context) error

	// GetOrderStatus fetches the normalized state of a placed order.
	// Base reports the capability as unsupported.
	GetOrderStatus(ctx context.Context, orderID string) (*models.OrderStatus, error)

	// CancelOrder cancels an open order. Base reports the capability as
	// unsupported.
	CancelOrder(ctx context.Context, orderID string) error

	// Logout invalidates the session with the broker and locally. Base
	// only clears local state.
	Logout(ctx context.Context) error
}

// Streamer is implemented by adapters that push live market data and
// order updates over a persistent connection.
type Streamer interface {
	Connect(ctx context.Context) error
	Disconnect() error
	Subscribe(symbols []string, mode TickMode) error
	Unsubscribe(symbols []string) error
	OnTick(handler func(models.Tick))
	OnOrderUpdate(handler func(models.OrderStatus))
	OnError(handler func(error))
}

// TickMode represents the subscription mode for ticks.
type TickMode string

const (
	TickModeQuote TickMode = "quote"
	TickModeFull  TickMode = "full"
)
