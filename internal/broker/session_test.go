package broker

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/Anupamvm/mCube-ai-sub004/internal/errors"
	"github.com/Anupamvm/mCube-ai-sub004/internal/models"
)

func TestSessionLifecycle(t *testing.T) {
	s := NewSession(models.BrokerKite)

	assert.Equal(t, StateUnauthenticated, s.State())
	assert.Equal(t, models.BrokerKite, s.Broker())
	assert.False(t, s.Valid())

	require.NoError(t, s.BeginAuth())
	assert.Equal(t, StateAuthenticating, s.State())
	assert.False(t, s.Valid())

	s.Establish("AB1234", "tok-1", time.Time{})
	assert.Equal(t, StateAuthenticated, s.State())
	assert.Equal(t, "AB1234", s.UserID())
	assert.Equal(t, "tok-1", s.Token())
	assert.True(t, s.Valid())
	assert.Equal(t, 0, s.RefreshCount())

	s.Expire()
	assert.Equal(t, StateExpired, s.State())
	assert.False(t, s.Valid())
	assert.Equal(t, "tok-1", s.Token(), "expiry keeps the token for server-side invalidation")

	require.NoError(t, s.BeginAuth())
	s.Establish("AB1234", "tok-2", time.Time{})
	assert.True(t, s.Valid())
	assert.Equal(t, 1, s.RefreshCount(), "re-establishing over an earlier login is a refresh")

	s.Reset()
	assert.Equal(t, StateUnauthenticated, s.State())
	assert.Empty(t, s.Token())
	assert.Empty(t, s.UserID())
	assert.False(t, s.Valid())
}

func TestSessionBeginAuthCollapsesConcurrentLogins(t *testing.T) {
	s := NewSession(models.BrokerMotilal)

	const n = 16
	var wg sync.WaitGroup
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = s.BeginAuth()
		}(i)
	}
	wg.Wait()

	won := 0
	for _, err := range errs {
		if err == nil {
			won++
		} else {
			assert.ErrorIs(t, err, apperrors.ErrAuthInProgress)
		}
	}
	assert.Equal(t, 1, won, "exactly one concurrent login may proceed")
}

func TestSessionExpireBeforeLoginIsNoop(t *testing.T) {
	s := NewSession(models.BrokerPaper)
	s.Expire()
	assert.Equal(t, StateUnauthenticated, s.State())
}

func TestSessionFailAuth(t *testing.T) {
	t.Run("fresh session returns to unauthenticated", func(t *testing.T) {
		s := NewSession(models.BrokerKite)
		require.NoError(t, s.BeginAuth())
		s.FailAuth()
		assert.Equal(t, StateUnauthenticated, s.State())
	})

	t.Run("previously authenticated session goes to expired", func(t *testing.T) {
		s := NewSession(models.BrokerKite)
		require.NoError(t, s.BeginAuth())
		s.Establish("AB1234", "tok-1", time.Time{})
		require.NoError(t, s.BeginAuth())
		s.FailAuth()
		assert.Equal(t, StateExpired, s.State())
		assert.Equal(t, "tok-1", s.Token())
	})
}

func TestSessionValidHonoursExpiry(t *testing.T) {
	s := NewSession(models.BrokerKite)
	require.NoError(t, s.BeginAuth())

	s.Establish("AB1234", "tok-1", time.Now().Add(time.Hour))
	assert.True(t, s.Valid())

	require.NoError(t, s.BeginAuth())
	s.Establish("AB1234", "tok-2", time.Now().Add(-time.Minute))
	assert.Equal(t, StateAuthenticated, s.State())
	assert.False(t, s.Valid(), "a session past its known expiry is not valid")
}

func TestSessionRefreshCountAfterReset(t *testing.T) {
	s := NewSession(models.BrokerMotilal)

	require.NoError(t, s.BeginAuth())
	s.Establish("U1", "tok-1", time.Time{})
	require.NoError(t, s.BeginAuth())
	s.Establish("U1", "tok-2", time.Time{})
	require.Equal(t, 1, s.RefreshCount())

	s.Reset()
	require.NoError(t, s.BeginAuth())
	s.Establish("U1", "tok-3", time.Time{})
	assert.Equal(t, 1, s.RefreshCount(), "a login after logout is a fresh login, not a refresh")
}
