package auth

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nkiryanov/chatscheduler/internal/apperrors"
	"github.com/nkiryanov/chatscheduler/internal/models"
)

func Test_SessionManager(t *testing.T) {
	t.Parallel()

	testCred := models.Credential{
		UserID:   "U1",
		TeamID:   "T1",
		TeamName: "Acme",
		UserName: "Alice",
	}

	newManager := func(t *testing.T, ttl time.Duration) *SessionManager {
		m, err := NewSessionManager(SessionConfig{SecretKey: "test-secret-key", TTL: ttl})
		require.NoError(t, err, "session manager should be created without errors")
		return m
	}

	t.Run("new defaults", func(t *testing.T) {
		m := newManager(t, 0)

		assert.Equal(t, "test-secret-key", m.key)
		assert.Equal(t, jwt.SigningMethodHS256, m.alg)
		assert.Equal(t, 7*24*time.Hour, m.ttl)
	})

	t.Run("new fail", func(t *testing.T) {
		_, err := NewSessionManager(SessionConfig{})
		require.Error(t, err, "empty secret key is not allowed")

		_, err = NewSessionManager(SessionConfig{SecretKey: "secret", Alg: "XX999"})
		require.Error(t, err, "unknown alg is not allowed")
	})

	t.Run("Issue", func(t *testing.T) {
		t.Run("claims", func(t *testing.T) {
			m := newManager(t, time.Hour)

			session, err := m.Issue(testCred)
			require.NoError(t, err)

			token, err := jwt.ParseWithClaims(session.Token, &SessionClaims{}, func(token *jwt.Token) (any, error) {
				return []byte("test-secret-key"), nil
			})
			require.NoError(t, err)

			claims, ok := token.Claims.(*SessionClaims)
			require.True(t, ok, "claims should be of type SessionClaims")
			assert.Equal(t, "U1", claims.Subject)
			assert.Equal(t, "Acme", claims.TeamName)
			assert.Equal(t, "Alice", claims.UserName)
			assert.NotEmpty(t, claims.ID, "token has to has jti")
			assert.WithinDuration(t, time.Now().Add(time.Hour), claims.ExpiresAt.Time, 2*time.Second)
			assert.WithinDuration(t, session.ExpiresAt, claims.ExpiresAt.Time, 0)
		})

		t.Run("different tokens", func(t *testing.T) {
			m := newManager(t, time.Hour)

			s1, err := m.Issue(testCred)
			require.NoError(t, err)
			s2, err := m.Issue(testCred)
			require.NoError(t, err)

			assert.NotEqual(t, s1.Token, s2.Token)
		})
	})

	t.Run("Parse", func(t *testing.T) {
		t.Run("valid token", func(t *testing.T) {
			m := newManager(t, time.Hour)
			session, err := m.Issue(testCred)
			require.NoError(t, err)

			userID, err := m.Parse(session.Token)

			require.NoError(t, err)
			require.Equal(t, "U1", userID)
		})

		t.Run("not a token", func(t *testing.T) {
			m := newManager(t, time.Hour)

			_, err := m.Parse("invalid token")

			require.ErrorIs(t, err, apperrors.ErrInvalidSession)
		})

		t.Run("expired token", func(t *testing.T) {
			m := newManager(t, time.Hour)
			session, err := m.Issue(testCred)
			require.NoError(t, err)

			m.now = func() time.Time { return time.Now().Add(2 * time.Hour) }
			_, err = m.Parse(session.Token)

			require.ErrorIs(t, err, apperrors.ErrInvalidSession)
			require.ErrorIs(t, err, jwt.ErrTokenExpired)
		})

		t.Run("other key", func(t *testing.T) {
			m := newManager(t, time.Hour)
			session, err := m.Issue(testCred)
			require.NoError(t, err)

			other, err := NewSessionManager(SessionConfig{SecretKey: "other-secret-key"})
			require.NoError(t, err)
			_, err = other.Parse(session.Token)

			require.ErrorIs(t, err, apperrors.ErrInvalidSession)
		})

		t.Run("no subject", func(t *testing.T) {
			m := newManager(t, time.Hour)
			session, err := m.Issue(models.Credential{})
			require.NoError(t, err)

			_, err = m.Parse(session.Token)

			require.ErrorIs(t, err, apperrors.ErrInvalidSession)
		})
	})
}
