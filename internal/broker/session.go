package broker

import (
	"sync"
	"time"

	apperrors "github.com/Anupamvm/mCube-ai-sub004/internal/errors"
	"github.com/Anupamvm/mCube-ai-sub004/internal/models"
)

// SessionState is the lifecycle state of a broker session.
type SessionState string

const (
	StateUnauthenticated SessionState = "UNAUTHENTICATED"
	StateAuthenticating  SessionState = "AUTHENTICATING"
	StateAuthenticated   SessionState = "AUTHENTICATED"
	StateExpired         SessionState = "EXPIRED"
)

// Session tracks one broker login. Adapters drive it through the
// lifecycle: BeginAuth before talking to the broker, Establish on
// success, Expire when the broker rejects the token, Reset on logout.
// All methods are safe for concurrent use.
type Session struct {
	mu sync.RWMutex

	broker        models.BrokerID
	userID        string
	state         SessionState
	token         string
	establishedAt time.Time
	expiresAt     time.Time // zero when the broker decides server-side
	refreshCount  int
}

// NewSession returns an unauthenticated session for the given broker.
func NewSession(broker models.BrokerID) *Session {
	return &Session{
		broker: broker,
		state:  StateUnauthenticated,
	}
}

// State returns the current lifecycle state.
func (s *Session) State() SessionState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// Token returns the current access token, empty unless authenticated.
func (s *Session) Token() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.token
}

// UserID returns the broker-side user the session belongs to.
func (s *Session) UserID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.userID
}

// Broker returns the broker this session is with.
func (s *Session) Broker() models.BrokerID {
	return s.broker
}

// RefreshCount returns how many times the session has been
// re-established after its first login.
func (s *Session) RefreshCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.refreshCount
}

// ExpiresAt returns the known expiry time, zero if the broker manages
// expiry server-side.
func (s *Session) ExpiresAt() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.expiresAt
}

// BeginAuth moves the session into the authenticating state. It fails
// if another authentication attempt is already running, so concurrent
// logins collapse into one.
func (s *Session) BeginAuth() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateAuthenticating {
		return apperrors.ErrAuthInProgress
	}
	s.state = StateAuthenticating
	return nil
}

// Establish records a successful login. The expiry may be zero when
// the broker only signals expiry through API errors. Establishing over
// an earlier login counts as a refresh.
func (s *Session) Establish(userID, token string, expiresAt time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.establishedAt.IsZero() {
		s.refreshCount++
	}
	s.userID = userID
	s.token = token
	s.state = StateAuthenticated
	s.establishedAt = time.Now()
	s.expiresAt = expiresAt
}

// Expire marks the session expired. Idempotent; the token is kept so
// brokers that invalidate tokens server-side can still reference it.
func (s *Session) Expire() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateUnauthenticated {
		return
	}
	s.state = StateExpired
}

// FailAuth records a failed login attempt. A session that was
// authenticated before the attempt goes back to expired, a fresh one to
// unauthenticated.
func (s *Session) FailAuth() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.token != "" {
		s.state = StateExpired
		return
	}
	s.state = StateUnauthenticated
}

// Reset clears the session back to unauthenticated, dropping the token.
func (s *Session) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = StateUnauthenticated
	s.token = ""
	s.userID = ""
	s.establishedAt = time.Time{}
	s.expiresAt = time.Time{}
}

// Valid reports whether the session is authenticated and, when an
// expiry time is known, not past it.
func (s *Session) Valid() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.state != StateAuthenticated {
		return false
	}
	if !s.expiresAt.IsZero() && time.Now().After(s.expiresAt) {
		return false
	}
	return true
}
